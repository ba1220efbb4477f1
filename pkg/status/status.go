// Package status implements the flat status record referenced in §9's
// supplemented-features list: the GVariant/D-Bus install-progress payload
// collapsed into a plain struct, serialized at the edge with CBOR so any
// transport collaborator can adopt it without redefining the fields.
package status

import (
	"time"

	"github.com/streamplane/agent/pkg/codec/cborcanon"
	"github.com/streamplane/agent/pkg/updateerrors"
)

const component = "status"

// Operation is the orchestrator's current activity.
type Operation string

const (
	OperationIdle       Operation = "idle"
	OperationChecking   Operation = "checking"
	OperationInstalling Operation = "installing"
)

// Record is the plain status payload (§9: "Collapse to a plain record with
// known fields"). Progress is a percentage in [0, 100]; SlotStates mirrors
// what pkg/bootloader.GetState reports for every configured slot.
type Record struct {
	Operation   Operation         `cbor:"operation"`
	Progress    int               `cbor:"progress"`
	LastError   string            `cbor:"last_error,omitempty"`
	SlotStates  map[string]string `cbor:"slot_states"`
	UpdatedAt   time.Time         `cbor:"updated_at"`
}

// New returns an idle Record with no recorded error.
func New() *Record {
	return &Record{
		Operation:  OperationIdle,
		SlotStates: make(map[string]string),
	}
}

// Marshal encodes a Record in canonical CBOR.
func Marshal(r *Record) ([]byte, error) {
	data, err := cborcanon.Marshal(r)
	if err != nil {
		return nil, updateerrors.New(updateerrors.KindIO, component, "marshal status record", err)
	}
	return data, nil
}

// Unmarshal decodes a Record from CBOR.
func Unmarshal(data []byte) (*Record, error) {
	var r Record
	if err := cborcanon.Unmarshal(data, &r); err != nil {
		return nil, updateerrors.New(updateerrors.KindIO, component, "unmarshal status record", err)
	}
	return &r, nil
}
