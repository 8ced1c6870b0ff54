package events

// Emitter publishes live events to a company's subscribers. Delivery is
// at-most-once and never blocks the caller.
type Emitter interface {
	Emit(companyID, eventType string, data any)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Emit(string, string, any) {}
