package dmverity

import (
	"strings"
	"testing"

	"github.com/streamplane/agent/pkg/updateerrors"
)

func TestNewAssignsUUID(t *testing.T) {
	target := New("/dev/nbd0", 129, "deadbeef", "cafef00d")
	if target.UUID == "" {
		t.Error("New did not assign a UUID")
	}
	if target.LowerDev != "/dev/nbd0" {
		t.Errorf("LowerDev = %q, want /dev/nbd0", target.LowerDev)
	}
	if target.DataSize != 129 {
		t.Errorf("DataSize = %d, want 129", target.DataSize)
	}
}

func TestDeviceNameStableAcrossCalls(t *testing.T) {
	target := New("/dev/nbd0", 1, "aa", "bb")
	first := target.deviceName()
	second := target.deviceName()
	if first != second {
		t.Errorf("deviceName not stable: %q vs %q", first, second)
	}
	if !strings.Contains(first, target.UUID) {
		t.Errorf("deviceName %q does not contain UUID %q", first, target.UUID)
	}
}

func TestWrapCheckedReadErrorMatchesPinnedMessage(t *testing.T) {
	err := WrapCheckedReadError(nil)
	if !strings.Contains(err.Error(), errIOReadFailed) {
		t.Errorf("WrapCheckedReadError message = %q, want it to contain %q", err.Error(), errIOReadFailed)
	}
	if !updateerrors.Is(err, updateerrors.KindIO) {
		t.Error("WrapCheckedReadError should produce an IO-kind error")
	}
}
