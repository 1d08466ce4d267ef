package auth

import "net/http"

// Transport is an http.RoundTripper that signs every outgoing request with a
// Shared Key Authorization header. Because signing happens per attempt, a
// request retried by a wrapping client is re-signed with a fresh x-ms-date.
type Transport struct {
	Signer *Signer

	// Base is the underlying RoundTripper; http.DefaultTransport when nil.
	Base http.RoundTripper
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	signed := req.Clone(req.Context())
	if err := t.Signer.SignRequest(signed); err != nil {
		return nil, err
	}

	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(signed)
}
