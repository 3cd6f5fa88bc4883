package xjms

// IsFailure reports whether the event describes a failed operation.
func (e Event) IsFailure() bool {
	return e.Err != nil || e.Type == EventError || e.Type == EventTimeout
}

// WithErr returns a copy of e carrying err.
func (e Event) WithErr(err error) Event {
	e.Err = err
	return e
}
