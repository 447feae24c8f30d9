package types

import "fmt"

// Kind classifies a ConsensusError so callers can react with errors.Is
// without parsing message text, the same sentinel-kind pattern the teacher
// uses for its own wrapped errors.
type Kind string

const (
	// ErrCrypto marks a signature that failed verification or an
	// aggregate that failed to combine.
	ErrCrypto Kind = "crypto"
	// ErrMalformed marks a message that failed to decode or referenced
	// an impossible height/round/voter.
	ErrMalformed Kind = "malformed"
	// ErrCabinetConflict marks an equivocation: the same voter signed two
	// different payloads for the same (height, round, type).
	ErrCabinetConflict Kind = "cabinet_conflict"
	// ErrAdapter marks a failure returned by the host application through
	// the Adapter contract.
	ErrAdapter Kind = "adapter"
	// ErrOutOfWindow marks a message for a height/round the driver has
	// already pruned or has not yet reached.
	ErrOutOfWindow Kind = "out_of_window"
)

// ConsensusError is the value-typed error every package in this module
// returns for an expected, recoverable failure. Per spec.md §7 these are
// logged and the offending message dropped; they are never panics.
type ConsensusError struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *ConsensusError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ConsensusError) Unwrap() error {
	return e.Cause
}

// NewError constructs a ConsensusError of the given kind.
func NewError(kind Kind, format string, args ...any) *ConsensusError {
	return &ConsensusError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError constructs a ConsensusError of the given kind wrapping cause.
func WrapError(kind Kind, cause error, format string, args ...any) *ConsensusError {
	return &ConsensusError{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Is lets errors.Is(err, Sentinel(ErrCrypto)) match any ConsensusError of
// that Kind by comparing against a bare Kind sentinel wrapped as a
// ConsensusError.
func (e *ConsensusError) Is(target error) bool {
	t, ok := target.(*ConsensusError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinel returns a bare ConsensusError of kind k suitable as an errors.Is
// target, e.g. errors.Is(err, types.Sentinel(types.ErrCrypto)).
func Sentinel(k Kind) *ConsensusError {
	return &ConsensusError{Kind: k}
}
