package protocol

// ErrorCode is the closed enumeration of wire error codes. Clients must take
// meaning only from the code, never from the message text.
type ErrorCode string

const (
	CodeBadRequest   ErrorCode = "BAD_REQUEST"
	CodeUnauthorized ErrorCode = "UNAUTHORIZED"
	CodeForbidden    ErrorCode = "FORBIDDEN"
	CodeNotFound     ErrorCode = "NOT_FOUND"
	CodeRateLimit    ErrorCode = "RATE_LIMIT"
	CodeValidation   ErrorCode = "VALIDATION"
	CodeInternal     ErrorCode = "INTERNAL"
)

// Valid reports whether c is one of the v1 codes.
func (c ErrorCode) Valid() bool {
	switch c {
	case CodeBadRequest, CodeUnauthorized, CodeForbidden, CodeNotFound,
		CodeRateLimit, CodeValidation, CodeInternal:
		return true
	}
	return false
}

// ErrorFrame is the structured rejection surfaced to clients. Message is
// human-readable only; Meta carries optional structured detail.
type ErrorFrame struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Meta    map[string]any `json:"meta,omitempty"`
}

func (e ErrorFrame) Error() string {
	return string(e.Code) + ": " + e.Message
}

// RateLimitHint is the non-error throttle branch. RetryAfterMs is always
// set; the remaining fields are optional quota state for clients that want
// to render it.
type RateLimitHint struct {
	RetryAfterMs    int64    `json:"retryAfterMs"`
	TokensRemaining *float64 `json:"tokensRemaining,omitempty"`
	BucketSize      *int     `json:"bucketSize,omitempty"`
	RefillPerSec    *float64 `json:"refillPerSec,omitempty"`
}
