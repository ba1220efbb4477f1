package status

import "testing"

func TestNewIsIdle(t *testing.T) {
	r := New()
	if r.Operation != OperationIdle {
		t.Errorf("Operation = %q, want idle", r.Operation)
	}
	if r.SlotStates == nil {
		t.Error("SlotStates should be initialized, not nil")
	}
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	r := New()
	r.Operation = OperationInstalling
	r.Progress = 42
	r.SlotStates["rootfs.1"] = "bad"

	data, err := Marshal(r)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	decoded, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Operation != OperationInstalling || decoded.Progress != 42 {
		t.Errorf("decoded = %+v, want operation=installing progress=42", decoded)
	}
	if decoded.SlotStates["rootfs.1"] != "bad" {
		t.Errorf("decoded slot state = %q, want bad", decoded.SlotStates["rootfs.1"])
	}
}
