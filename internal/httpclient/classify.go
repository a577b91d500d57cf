package httpclient

import (
	"fmt"
	"net/http"

	"github.com/teranos/batchwatch/errors"
	"github.com/teranos/batchwatch/internal/util"
)

// StatusError is a non-2xx response
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s %s returned %d", e.Method, e.URL, e.StatusCode)
	if e.Body != "" {
		msg += ": " + util.Truncate(e.Body, 256)
	}
	return msg
}

// Retryable reports whether the status is worth retrying (429 or 5xx)
func (e *StatusError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// AsStatusError extracts a StatusError from err's chain
func AsStatusError(err error) (*StatusError, bool) {
	var se *StatusError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

func classifyStatus(se *StatusError) error {
	err := errors.WithStack(se)
	if se.Retryable() {
		return errors.MarkTransient(err)
	}
	return errors.MarkPermanent(err)
}

// classifyTransportError tags errors returned by http.Client.Do.
// Errors already tagged (SSRF refusals in redirects or dialing) keep their tag;
// everything else is network-level (refused, reset, timeout) and transient.
func classifyTransportError(err error) error {
	if errors.IsPermanent(err) || errors.IsTransient(err) {
		return errors.WithStack(err)
	}
	return errors.MarkTransient(errors.Wrap(err, "request failed"))
}
