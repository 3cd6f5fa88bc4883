// Package pool caches broker sessions so conduits and destinations do not pay
// for a new session, producer and reply queue on every message.
package pool

import (
	"errors"
	"time"

	"github.com/trickstertwo/xjms"
)

// Holder is one recyclable session unit. It is owned exclusively by whoever
// checked it out of its pool.
type Holder struct {
	Session  xjms.Session
	Producer xjms.Producer
	// ReplyTo and Consumer are set for request/reply holders.
	ReplyTo  *xjms.Destination
	Consumer xjms.Consumer

	temporary bool
	transient bool
	gen       uint64 // pool generation the holder was created in
	created   time.Time
	lastUsed  time.Time
	closed    bool
}

// Selector returns the correlation filter of the holder's consumer, if any.
func (h *Holder) Selector() string {
	if h.Consumer == nil {
		return ""
	}
	return h.Consumer.Selector()
}

// Transient reports whether the holder was created above the high-water mark
// and will be closed instead of pooled.
func (h *Holder) Transient() bool { return h.transient }

// Created returns the creation time.
func (h *Holder) Created() time.Time { return h.created }

// Close deletes the temporary reply queue, if owned, and closes the consumer,
// producer and session. Closing twice is a no-op.
func (h *Holder) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true

	var errs []error
	if h.Consumer != nil {
		errs = append(errs, h.Consumer.Close())
	}
	if h.temporary && h.ReplyTo != nil && h.Session != nil {
		errs = append(errs, h.Session.DeleteTemporaryQueue(*h.ReplyTo))
	}
	if h.Producer != nil {
		errs = append(errs, h.Producer.Close())
	}
	if h.Session != nil {
		errs = append(errs, h.Session.Close())
	}
	return errors.Join(errs...)
}
