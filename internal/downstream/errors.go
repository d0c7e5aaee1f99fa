package downstream

import (
	"errors"
	"strconv"
)

// Error is a non-2xx answer from a downstream service.
type Error struct {
	// Service is "template" or "push".
	Service string
	// StatusCode is the HTTP status code returned.
	StatusCode int
	// Message is the (possibly truncated) response body.
	Message string
	// Permanent indicates a retry of the same request would fail again.
	Permanent bool
}

func (e *Error) Error() string {
	return e.Service + ": status " + strconv.Itoa(e.StatusCode) + ": " + e.Message
}

// IsPermanent reports whether err is a downstream error classified permanent.
func IsPermanent(err error) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Permanent
	}
	return false
}

// ClassifyHTTPError builds an Error from a status code and body. It returns
// nil for 2xx.
func ClassifyHTTPError(service string, statusCode int, body []byte) *Error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	msg := string(body)
	if len(msg) > 512 {
		msg = msg[:512]
	}
	de := &Error{Service: service, StatusCode: statusCode, Message: msg}

	switch {
	case statusCode == 408, statusCode == 429:
		de.Permanent = false
	case statusCode >= 500:
		de.Permanent = false
	default:
		de.Permanent = statusCode >= 400
	}
	return de
}

// resultLabel is the metrics label for a call result.
func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsPermanent(err):
		return "permanent"
	default:
		return "transient"
	}
}
