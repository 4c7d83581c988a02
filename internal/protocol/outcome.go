package protocol

// PaintOutcome is the result of validating one paint request: accepted,
// rejected with an ErrorFrame, or throttled with a RateLimitHint. The
// variants form a sealed set, so a rejection without a reason is
// unrepresentable; callers switch on the concrete type rather than probing
// optional fields.
type PaintOutcome interface {
	paintOutcome()
}

// Accepted carries no payload; the resulting delta reaches the painter
// through the normal tile broadcast.
type Accepted struct{}

// Rejected is a hard rejection with a structured reason.
type Rejected struct {
	Frame ErrorFrame
}

// Throttled asks the client to back off; it is control flow, not an error.
type Throttled struct {
	Hint RateLimitHint
}

func (Accepted) paintOutcome()  {}
func (Rejected) paintOutcome()  {}
func (Throttled) paintOutcome() {}

// RejectedWith builds a Rejected outcome.
func RejectedWith(code ErrorCode, message string, meta map[string]any) Rejected {
	return Rejected{Frame: ErrorFrame{Code: code, Message: message, Meta: meta}}
}
