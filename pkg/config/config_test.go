package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/streamplane/agent/pkg/updateerrors"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "system.conf")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const baseConfig = `
[system]
compatible = "streamplane-board-v1"
bootloader = "noop"

[slot.rootfs.0]
device = "/dev/mmcblk0p2"

[slot.rootfs.1]
device = "/dev/mmcblk0p3"

[slot.appfs.0]
device = "/dev/mmcblk0p4"
parent = "rootfs.0"
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, baseConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.System.MountPrefix != "/mnt/rauc/" {
		t.Errorf("MountPrefix = %q, want default", cfg.System.MountPrefix)
	}
	slot := cfg.Slots["rootfs.0"]
	if slot == nil {
		t.Fatal("slot rootfs.0 missing")
	}
	if slot.Type != "raw" {
		t.Errorf("Type = %q, want raw default", slot.Type)
	}
	if slot.Bootname != "rootfs.0" {
		t.Errorf("Bootname = %q, want slot name default", slot.Bootname)
	}
}

func TestLoadResolvesParentLinks(t *testing.T) {
	cfg, err := Load(writeConfig(t, baseConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	app := cfg.Slots["appfs.0"]
	if app.Parent == nil {
		t.Fatal("appfs.0 should have a resolved parent")
	}
	if app.Parent.Name != "rootfs.0" {
		t.Errorf("appfs.0 parent = %q, want rootfs.0", app.Parent.Name)
	}
}

func TestLoadRejectsUnknownParent(t *testing.T) {
	bad := baseConfig + "\n[slot.appfs.1]\ndevice = \"/dev/mmcblk0p5\"\nparent = \"does.not.exist\"\n"
	_, err := Load(writeConfig(t, bad))
	if !updateerrors.Is(err, updateerrors.KindConfig) {
		t.Fatalf("Load with unknown parent: got %v, want CONFIG error", err)
	}
}

func TestLoadRejectsMissingCompatible(t *testing.T) {
	bad := `
[slot.rootfs.0]
device = "/dev/mmcblk0p2"
`
	_, err := Load(writeConfig(t, bad))
	if !updateerrors.Is(err, updateerrors.KindConfig) {
		t.Fatalf("Load without compatible: got %v, want CONFIG error", err)
	}
}
