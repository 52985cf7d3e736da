package entity

import "errors"

// Sentinel errors for entity operations.
//
// Inbound payloads never produce these: a message that matches nothing or
// carries an unconvertible value is logged and skipped. They are returned
// to integrators for programming or configuration mistakes.
var (
	// ErrUnknownEntity indicates an entity id that is not registered.
	ErrUnknownEntity = errors.New("entity: unknown entity")

	// ErrNotCommandable indicates an entity without a command template.
	ErrNotCommandable = errors.New("entity: entity does not accept commands")

	// ErrInvalidValue indicates a value the entity's converter rejects.
	ErrInvalidValue = errors.New("entity: invalid value")

	// ErrInvalidDefinition indicates a malformed entity definition.
	ErrInvalidDefinition = errors.New("entity: invalid definition")
)
