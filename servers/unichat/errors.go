package unichat

import "errors"

// ErrorKind classifies the failures of the handler set.
type ErrorKind int

// Error kinds. ConfigurationError only happens while the process starts, FormattingError never
// leaves the handler set.
const (
	ConfigurationError ErrorKind = iota
	ValidationError
	BackendError
	FormattingError
)

// ValidationReason tells validation failures apart for diagnostics. It is not exposed to clients.
type ValidationReason int

// Validation reasons.
const (
	ReasonNone ValidationReason = iota
	ReasonWrongCount
	ReasonWrongFirstRole
	ReasonWrongSecondRole
	ReasonInvalidArguments
	ReasonUnknownTool
	ReasonUnknownPrompt
	ReasonMissingArguments
	ReasonMissingArgument
)

// Error is the error type returned by every handler. Message is the short sentence shown to
// the client.
type Error struct {
	Kind    ErrorKind
	Reason  ValidationReason
	Message string
	Err     error
}

var (
	errServerClosed  = &Error{Kind: ValidationError, Message: "server is closed"}
	errSessionClosed = &Error{Kind: ValidationError, Message: "session is closed"}
)

func (k ErrorKind) String() string {
	switch k {
	case ConfigurationError:
		return "ConfigurationError"
	case ValidationError:
		return "ValidationError"
	case BackendError:
		return "BackendError"
	case FormattingError:
		return "FormattingError"
	default:
		return "UnknownError"
	}
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func validationError(reason ValidationReason, msg string) *Error {
	return &Error{Kind: ValidationError, Reason: reason, Message: msg}
}

// operationError collapses a validation or backend failure into the single error surfaced to
// clients, keeping the original kind for diagnostics.
func operationError(err error) *Error {
	kind := BackendError
	reason := ReasonNone
	var uErr *Error
	if errors.As(err, &uErr) {
		kind = uErr.Kind
		reason = uErr.Reason
	}
	return &Error{
		Kind:    kind,
		Reason:  reason,
		Message: "An error occurred: " + err.Error(),
		Err:     err,
	}
}
