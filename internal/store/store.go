package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface.
type Store interface {
	// Output catalog
	SaveOutput(out *Output) error
	GetOutput(id int) (*Output, error)
	DeleteOutput(id int) error
	// ListOutputs returns every output ordered by id.
	ListOutputs() ([]*Output, error)

	// ReplaceCatalog swaps the discovered outputs in one transaction.
	// Friendly names of outputs that survive the swap are preserved.
	ReplaceCatalog(outputs []*Output) error

	// UpdateOutput atomically reads, modifies, and saves an output in a single
	// transaction. Returns ErrNotFound if the output does not exist.
	UpdateOutput(id int, fn func(out *Output) error) error

	// Controller state
	SaveControllerState(state *ControllerState) error
	GetControllerState() (*ControllerState, error)

	// Close the store
	Close() error
}
