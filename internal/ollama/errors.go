package ollama

import "errors"

// ErrorType categorizes client errors.
type ErrorType int

const (
	ErrTypeUnknown ErrorType = iota
	ErrTypeNotRunning
	ErrTypeTimeout
	ErrTypeModelNotFound
	ErrTypeInvalidResponse
)

// ClientError is returned by every Client method that talks to Ollama.
type ClientError struct {
	Type    ErrorType
	Message string
	Cause   error
}

func (e *ClientError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *ClientError) Unwrap() error {
	return e.Cause
}

var (
	ErrNotRunning    = &ClientError{Type: ErrTypeNotRunning, Message: "ollama is not running"}
	ErrTimeout       = &ClientError{Type: ErrTypeTimeout, Message: "ollama request timed out"}
	ErrModelNotFound = &ClientError{Type: ErrTypeModelNotFound, Message: "model not found"}
)

func isType(err error, t ErrorType) bool {
	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		return clientErr.Type == t
	}
	return false
}

// IsNotRunning reports whether err means Ollama could not be reached.
func IsNotRunning(err error) bool { return isType(err, ErrTypeNotRunning) }

// IsModelNotFound reports whether Ollama does not know the requested model.
func IsModelNotFound(err error) bool { return isType(err, ErrTypeModelNotFound) }

// IsTimeout reports whether the request ran past its deadline.
func IsTimeout(err error) bool { return isType(err, ErrTypeTimeout) }
