package xjms

import (
	"errors"
	"fmt"
)

type ErrUnknownProvider struct{ name string }

func (e ErrUnknownProvider) Error() string { return fmt.Sprintf("unknown provider: %s", e.name) }

var (
	ErrBusClosed                   = errors.New("xjms: bus is closed")
	ErrNoProviderConfigured        = errors.New("xjms: no provider configured")
	ErrConnectionClosed            = errors.New("xjms: connection closed")
	ErrSessionClosed               = errors.New("xjms: session closed")
	ErrConsumerClosed              = errors.New("xjms: consumer closed")
	ErrProducerClosed              = errors.New("xjms: producer closed")
	ErrInvalidDestination          = errors.New("xjms: invalid destination")
	ErrNotTransacted               = errors.New("xjms: session is not transacted")
	ErrClientIDLocked              = errors.New("xjms: client id must be set before creating sessions")
	ErrDurableNeedsClientID        = errors.New("xjms: durable subscription requires a client id")
	ErrInvalidSelector             = errors.New("xjms: invalid message selector")
	ErrObserverPoolShutdownTimeout = errors.New("xjms: observer pool shutdown timeout")
	ErrHandlerPanic                = errors.New("xjms: handler panic")
)
