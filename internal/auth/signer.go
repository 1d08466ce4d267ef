package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	// SharedKeyPrefix is the scheme name in the Authorization header.
	SharedKeyPrefix = "SharedKey "

	// StorageAPIVersion is the pinned x-ms-version sent with every request.
	StorageAPIVersion = "2021-08-06"
)

// SigningError reports a failure to construct a request signature. Given a
// well-formed request this indicates an internal bug, and it is fatal for the
// single operation that produced it.
type SigningError struct {
	Reason string
}

func (e *SigningError) Error() string {
	return "sign request: " + e.Reason
}

// Signer produces Shared Key Authorization header values for requests against
// the blob store. It is immutable after construction and safe for concurrent
// use. Now is overridable so signatures can be pinned in tests; it defaults to
// time.Now.
type Signer struct {
	AccountName string
	AccountKey  []byte
	Now         func() time.Time
}

// NewSigner creates a Signer for the given account credentials.
func NewSigner(cfg ConnectionConfig) *Signer {
	return &Signer{
		AccountName: cfg.AccountName,
		AccountKey:  cfg.AccountKey,
		Now:         time.Now,
	}
}

// SignRequest injects x-ms-date and x-ms-version into the request headers and
// sets the Authorization header over the result. The request body length is
// taken from r.ContentLength.
func (s *Signer) SignRequest(r *http.Request) error {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}

	r.Header.Set("x-ms-date", now().UTC().Format(http.TimeFormat))
	r.Header.Set("x-ms-version", StorageAPIVersion)

	value, err := s.Authorization(r.Method, r.URL, r.Header, r.ContentLength)
	if err != nil {
		return err
	}

	r.Header.Set("Authorization", value)
	return nil
}

// Authorization computes the Shared Key Authorization value for the given
// request parameters. Headers must already contain x-ms-date and
// x-ms-version; bodyLength <= 0 means "no body" and contributes an empty
// Content-Length field to the string-to-sign, which the protocol requires to
// be distinct from a literal "0".
func (s *Signer) Authorization(method string, u *url.URL, headers http.Header, bodyLength int64) (string, error) {
	if u == nil {
		return "", &SigningError{Reason: "nil URL"}
	}
	if s.AccountName == "" {
		return "", &SigningError{Reason: "empty account name"}
	}
	if len(s.AccountKey) == 0 {
		return "", &SigningError{Reason: "empty account key"}
	}

	stringToSign := StringToSign(s.AccountName, method, u, headers, bodyLength)

	mac := hmac.New(sha256.New, s.AccountKey)
	mac.Write([]byte(stringToSign))
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return fmt.Sprintf("%s%s:%s", SharedKeyPrefix, s.AccountName, signature), nil
}

// StringToSign builds the canonical string-to-sign for the Shared Key scheme.
// The field order and the newline layout must match the remote service
// byte-for-byte; any deviation invalidates every request.
func StringToSign(accountName, method string, u *url.URL, headers http.Header, bodyLength int64) string {
	contentLength := ""
	if bodyLength > 0 {
		contentLength = strconv.FormatInt(bodyLength, 10)
	}

	fields := []string{
		method,
		"", // Content-Encoding
		"", // Content-Language
		contentLength,
		"", // Content-MD5
		headers.Get("Content-Type"),
		"", // Date travels via x-ms-date instead
		"", // If-Modified-Since
		"", // If-Match
		"", // If-None-Match
		"", // If-Unmodified-Since
		"", // Range
		canonicalizedHeaders(headers),
		canonicalizedResource(accountName, u),
	}
	return strings.Join(fields, "\n")
}

// canonicalizedHeaders selects the x-ms-* headers, lower-cases their names,
// sorts them lexicographically, and joins them as name:value lines.
func canonicalizedHeaders(headers http.Header) string {
	names := make([]string, 0, len(headers))
	for name := range headers {
		lower := strings.ToLower(name)
		if strings.HasPrefix(lower, "x-ms-") {
			names = append(names, lower)
		}
	}
	sort.Strings(names)

	lines := make([]string, 0, len(names))
	for _, name := range names {
		value := strings.TrimSpace(headers.Get(name))
		lines = append(lines, name+":"+value)
	}
	return strings.Join(lines, "\n")
}

// canonicalizedResource is "/" + account + URL path. The query string is
// intentionally excluded: none of the operations issued here carry one.
func canonicalizedResource(accountName string, u *url.URL) string {
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	return "/" + accountName + path
}
