package graph

import (
	"errors"
	"fmt"

	"github.com/anvil-platform/startorder/internal/manifest"
)

var (
	// ErrListModules indicates the host runtime could not enumerate modules.
	ErrListModules = errors.New("cannot list modules")
	// ErrMissingAttribute indicates a mandatory declaration attribute is absent or empty.
	ErrMissingAttribute = errors.New("missing mandatory attribute")
	// ErrInvalidAttribute indicates an attribute value cannot be interpreted.
	ErrInvalidAttribute = errors.New("invalid attribute value")
)

// DeclarationError reports a clause the builder could not reason about.
// Only the offending clause is skipped.
type DeclarationError struct {
	Module      manifest.ModuleRef
	Declaration string
	Attribute   string
	Err         error
}

func (e *DeclarationError) Error() string {
	if e.Attribute == "" {
		return fmt.Sprintf("graph: module %s: declaration %q: %v", e.Module, e.Declaration, e.Err)
	}
	return fmt.Sprintf("graph: module %s: declaration %q: attribute %s: %v", e.Module, e.Declaration, e.Attribute, e.Err)
}

func (e *DeclarationError) Unwrap() error {
	return e.Err
}

func missingAttribute(e manifest.Element, attr string) error {
	return &DeclarationError{Module: e.Module, Declaration: e.String(), Attribute: attr, Err: ErrMissingAttribute}
}

func invalidAttribute(e manifest.Element, attr string, cause error) error {
	return &DeclarationError{
		Module:      e.Module,
		Declaration: e.String(),
		Attribute:   attr,
		Err:         fmt.Errorf("%w: %v", ErrInvalidAttribute, cause),
	}
}
