package startup

import "errors"

var (
	// ErrDuplicateComponent is returned when a component name is declared twice.
	ErrDuplicateComponent = errors.New("duplicate startup component")
	// ErrDuplicateListener is returned when a second listener binds to a component.
	ErrDuplicateListener = errors.New("duplicate required capability listener")
	// ErrUnknownComponent is returned for operations on undeclared components.
	ErrUnknownComponent = errors.New("unknown startup component")
	// ErrComponentSatisfied is returned when requirements are added after notification.
	ErrComponentSatisfied = errors.New("startup component already satisfied")
	// ErrMalformedEvent is returned for capability events that cannot be classified.
	ErrMalformedEvent = errors.New("malformed capability event")
)
