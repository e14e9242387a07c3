package entity

import "errors"

var (
	// ErrFormulaParse is returned when a formula cannot be parsed. The function using it is skipped.
	ErrFormulaParse = errors.New("malformed formula")
	// ErrPolicyLookup is returned when a policy cannot be resolved. It is treated as "no policy for now".
	ErrPolicyLookup = errors.New("failed to lookup policy")
	// ErrUnknownFunction is returned when a pipeline references a function which is not registered.
	ErrUnknownFunction = errors.New("unknown policy function")
	// ErrInvalidParameter is returned when a value or a parameter has the wrong type or range.
	ErrInvalidParameter = errors.New("invalid parameter")
	// ErrAssignmentInconsistency is returned when the server and the client disagree on the current policy.
	ErrAssignmentInconsistency = errors.New("policy assignment inconsistency")
	// ErrInvalidWindow is returned when a window is negative, zero or not a number.
	ErrInvalidWindow = errors.New("invalid window")
)
