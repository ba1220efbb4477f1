// Package config loads the system configuration surface named in §6.4:
// system.*, keyring.path, per-slot settings, and the polling collaborator's
// options. Slot parent links are resolved in a second pass once every slot
// has been parsed, mirroring how the original config format resolves
// cross-references by name.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/streamplane/agent/pkg/constants"
	"github.com/streamplane/agent/pkg/updateerrors"
)

const component = "config"

// SlotConfig is one `[slot.<class>.<name>]` entry (§6.4 per-slot options).
type SlotConfig struct {
	Device     string `toml:"device"`
	Type       string `toml:"type"`
	Bootname   string `toml:"bootname"`
	ReadOnly   bool   `toml:"readonly"`
	ParentName string `toml:"parent"`

	// Parent is resolved after every slot in the file has been parsed, since
	// a slot's parent may be declared later in the file.
	Parent *SlotConfig `toml:"-"`
	Name   string      `toml:"-"`
}

// PollConfig is the D-Bus polling collaborator's options (§6.4, §9
// supplemental), plus the retry tuning for the installer's source-chunk
// reads (§9 Open Questions, resolved in SPEC_FULL.md §5). dm-verity's
// busy-device removal does not read this config; it always uses the
// pkg/constants values.
type PollConfig struct {
	Source           string   `toml:"source"`
	IntervalMS       uint64   `toml:"interval_ms"`
	MaxIntervalMS    uint64   `toml:"max_interval_ms"`
	CandidateCriteria []string `toml:"candidate_criteria"`
	InstallCriteria  []string `toml:"install_criteria"`
	RebootCriteria   []string `toml:"reboot_criteria"`
	InhibitFiles     []string `toml:"inhibit_files"`
	RebootCmd        string   `toml:"reboot_cmd"`

	// ShortRetryInterval and ImmediateRetryDelay override
	// constants.PollShortRetryInterval/PollImmediateRetryDelay for the
	// installer's retries on this system. Zero means "use the package
	// default" (see DefaultPollConfig).
	ShortRetryInterval  time.Duration `toml:"short_retry_interval"`
	ImmediateRetryDelay time.Duration `toml:"immediate_retry_delay"`
}

// Interval returns the poll interval as a time.Duration.
func (p PollConfig) Interval() time.Duration {
	return time.Duration(p.IntervalMS) * time.Millisecond
}

// DefaultPollConfig returns the retry tuning defaults named in §9's Open
// Questions: callers needing a config with no file to load from (tests,
// the `install` subcommand run without a [poll] section) get the same
// constants pkg/dmverity falls back to.
func DefaultPollConfig() PollConfig {
	return PollConfig{
		ShortRetryInterval:  constants.PollShortRetryInterval,
		ImmediateRetryDelay: constants.PollImmediateRetryDelay,
	}
}

// Config is the full recognized surface from §6.4.
type Config struct {
	System struct {
		Compatible  string `toml:"compatible"`
		Bootloader  string `toml:"bootloader"`
		MountPrefix string `toml:"mountprefix"`
	} `toml:"system"`

	Keyring struct {
		Path string `toml:"path"`
	} `toml:"keyring"`

	Slots map[string]*SlotConfig `toml:"slot"`

	Poll PollConfig `toml:"poll"`
}

// DefaultConfig returns a Config with the documented defaults applied
// (§6.4: mountprefix default `/mnt/rauc/`; per-slot type default `raw`;
// bootname default = slot name).
func DefaultConfig() *Config {
	c := &Config{}
	c.System.MountPrefix = "/mnt/rauc/"
	c.Slots = make(map[string]*SlotConfig)
	c.Poll = DefaultPollConfig()
	return c
}

// Load reads and validates a TOML config file at path, resolving per-slot
// defaults and parent links in a second pass (§6.4, original_source
// config_file.c's two-pass slot/parent resolution).
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, updateerrors.New(updateerrors.KindConfig, component, "decode config file", err)
	}

	// [slot.<class>.<name>] is a two-level table in TOML; flatten it into
	// "<class>.<name>" keys.
	var raw struct {
		Slot map[string]map[string]*SlotConfig `toml:"slot"`
	}
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return nil, updateerrors.New(updateerrors.KindConfig, component, "decode slot sections", err)
	}
	cfg.Slots = make(map[string]*SlotConfig)
	for class, slots := range raw.Slot {
		for index, slot := range slots {
			cfg.Slots[class+"."+index] = slot
		}
	}

	for name, slot := range cfg.Slots {
		slot.Name = name
		if slot.Type == "" {
			slot.Type = "raw"
		}
		if slot.Bootname == "" {
			slot.Bootname = name
		}
	}
	for name, slot := range cfg.Slots {
		if slot.ParentName == "" {
			continue
		}
		parent, ok := cfg.Slots[slot.ParentName]
		if !ok {
			return nil, updateerrors.New(updateerrors.KindConfig, component,
				fmt.Sprintf("slot %q names unknown parent %q", name, slot.ParentName), nil)
		}
		slot.Parent = parent
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the required fields named in §6.4.
func Validate(cfg *Config) error {
	if cfg.System.Compatible == "" {
		return updateerrors.New(updateerrors.KindConfig, component, "system.compatible is required", nil)
	}
	if len(cfg.Slots) == 0 {
		return updateerrors.New(updateerrors.KindConfig, component, "at least one slot must be configured", nil)
	}
	for name, slot := range cfg.Slots {
		if slot.Device == "" {
			return updateerrors.New(updateerrors.KindConfig, component, fmt.Sprintf("slot %q has no device", name), nil)
		}
	}
	return nil
}
