package xjms

import (
	"github.com/trickstertwo/xlog"
)

// ObserverFunc is an Adapter that lets a plain function satisfy Observer.
type ObserverFunc func(e Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }

// LoggingObserver is an Adapter that emits lifecycle events via xlog.
type LoggingObserver struct {
	Logger *xlog.Logger
}

func (o LoggingObserver) OnEvent(e Event) {
	if o.Logger == nil {
		return
	}
	switch e.Type {
	case EventError, EventTimeout:
		o.Logger.Warn().
			Str("type", string(e.Type)).
			Str("destination", e.Destination).
			Str("correlation_id", e.CorrelationID).
			Err(e.Err).
			Msg("xjms event")
	case EventCorrelation:
		o.Logger.Warn().
			Str("type", string(e.Type)).
			Str("destination", e.Destination).
			Str("correlation_id", e.CorrelationID).
			Str("message_id", e.MessageID).
			Msg("xjms event")
	default:
		o.Logger.Debug().
			Str("type", string(e.Type)).
			Str("destination", e.Destination).
			Str("correlation_id", e.CorrelationID).
			Str("message_id", e.MessageID).
			Dur("duration", e.Duration).
			Msg("xjms event")
	}
}
