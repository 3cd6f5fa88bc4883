package jms

import (
	"errors"
)

var (
	ErrMissingOutMessage      = errors.New("jms: exchange has no outbound message")
	ErrTextWithAttachments    = errors.New("jms: text messages cannot carry attachments")
	ErrAsyncUserCorrelationID = errors.New("jms: a user correlation id cannot be used with asynchronous invocation")

	ErrReceiveTimeout     = errors.New("jms: timed out waiting for reply")
	ErrConduitClosed      = errors.New("jms: conduit closed")
	ErrDestinationClosed  = errors.New("jms: destination closed")
	ErrNoReplyDestination = errors.New("jms: no reply destination")
	ErrUnsupportedCharset = errors.New("jms: unsupported charset")
	ErrUnsupportedAddress = errors.New("jms: unsupported address")
)

// ClientError is a configuration error detected before any I/O.
type ClientError struct {
	Err    error
	Detail string
}

func (e *ClientError) Error() string {
	if e.Detail == "" {
		return e.Err.Error()
	}
	return e.Err.Error() + ": " + e.Detail
}

func (e *ClientError) Unwrap() error { return e.Err }

func clientError(err error, detail string) error {
	return &ClientError{Err: err, Detail: detail}
}

// IsClientError reports whether err is a configuration error.
func IsClientError(err error) bool {
	var ce *ClientError
	return errors.As(err, &ce)
}
