package blob

import (
	"errors"
	"fmt"
	"net/http"
)

// TransportError reports a network-level failure (timeout, DNS, connection
// reset) for a single request. It is recoverable and never escalated past the
// check or call that produced it, and is distinguishable from an HTTP error
// status so callers can tell "unreachable" from "object gone".
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RemoteError reports a non-2xx HTTP response from the blob store, carrying
// the status code and the response body detail.
type RemoteError struct {
	Op         string
	URL        string
	StatusCode int
	Detail     string
}

func (e *RemoteError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s %s: unexpected status %d", e.Op, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: unexpected status %d: %s", e.Op, e.URL, e.StatusCode, e.Detail)
}

// IsNotFound reports whether err is a RemoteError with HTTP 404.
func IsNotFound(err error) bool {
	var remote *RemoteError
	return errors.As(err, &remote) && remote.StatusCode == http.StatusNotFound
}
