// Package bootloader defines the slot-state collaborator interface C5 calls
// after a successful install (§6.3). The backends named in spec.md
// (barebox/grub/uboot/efi/custom) are external collaborators; only the
// interface and a no-op backend for testing live here.
package bootloader

import "fmt"

// State is a slot's bootability as reported by get_state (§6.3).
type State struct {
	Good   bool
	Bad    bool
	Active bool
}

// Interface is the four-operation slot-state contract every backend
// implements (§6.3 Bootloader interface).
type Interface interface {
	GetState(slot string) (State, error)
	SetState(slot string, good bool) error
	GetPrimary() (string, error)
	SetPrimary(slot string) error
}

// Backend wraps an Interface so every error it returns is prefixed with the
// backend's name, unchanged otherwise (§6.3: "Errors propagate unchanged
// with the backend name prefixed").
type Backend struct {
	Name  string
	impl  Interface
}

// Wrap names and wraps an Interface implementation.
func Wrap(name string, impl Interface) *Backend {
	return &Backend{Name: name, impl: impl}
}

func (b *Backend) GetState(slot string) (State, error) {
	state, err := b.impl.GetState(slot)
	if err != nil {
		return state, b.prefix(err)
	}
	return state, nil
}

func (b *Backend) SetState(slot string, good bool) error {
	if err := b.impl.SetState(slot, good); err != nil {
		return b.prefix(err)
	}
	return nil
}

func (b *Backend) GetPrimary() (string, error) {
	primary, err := b.impl.GetPrimary()
	if err != nil {
		return primary, b.prefix(err)
	}
	return primary, nil
}

func (b *Backend) SetPrimary(slot string) error {
	if err := b.impl.SetPrimary(slot); err != nil {
		return b.prefix(err)
	}
	return nil
}

// prefixedError carries the backend name alongside the original error so
// Unwrap still reaches it.
type prefixedError struct {
	backend string
	cause   error
}

func (e *prefixedError) Error() string {
	return fmt.Sprintf("%s: %v", e.backend, e.cause)
}

func (e *prefixedError) Unwrap() error {
	return e.cause
}

func (b *Backend) prefix(err error) error {
	return &prefixedError{backend: b.Name, cause: err}
}

// NoopBackend is permitted for testing (§6.3): it tracks state purely
// in-memory and never fails.
type NoopBackend struct {
	primary string
	good    map[string]bool
}

// NewNoopBackend returns a NoopBackend with the given slot as the initial
// primary.
func NewNoopBackend(initialPrimary string) *NoopBackend {
	return &NoopBackend{
		primary: initialPrimary,
		good:    map[string]bool{initialPrimary: true},
	}
}

func (n *NoopBackend) GetState(slot string) (State, error) {
	return State{
		Good:   n.good[slot],
		Bad:    !n.good[slot],
		Active: slot == n.primary,
	}, nil
}

func (n *NoopBackend) SetState(slot string, good bool) error {
	n.good[slot] = good
	return nil
}

func (n *NoopBackend) GetPrimary() (string, error) {
	return n.primary, nil
}

func (n *NoopBackend) SetPrimary(slot string) error {
	n.primary = slot
	return nil
}
