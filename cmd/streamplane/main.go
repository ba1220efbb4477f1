// Package main implements the streamplane-agent CLI.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/streamplane/agent/pkg/bootloader"
	"github.com/streamplane/agent/pkg/bundle"
	"github.com/streamplane/agent/pkg/config"
	"github.com/streamplane/agent/pkg/installer"
	"github.com/streamplane/agent/pkg/nbdserver"
	"github.com/streamplane/agent/pkg/status"
)

var (
	version    = "dev"
	buildTime  = "unknown"
	commitHash = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	switch command {
	case "version", "--version", "-v":
		printVersion()
	case "help", "--help", "-h":
		printUsage()
	case "nbd-helper":
		if err := nbdHelperCommand(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "install":
		if err := installCommand(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "status":
		if err := statusCommand(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printVersion() {
	fmt.Printf("streamplane-agent %s\n", version)
	fmt.Printf("Built: %s\n", buildTime)
	fmt.Printf("Commit: %s\n", commitHash)
}

func printUsage() {
	fmt.Printf(`streamplane-agent v%s - A/B firmware update agent

Usage:
  streamplane-agent <command> [options]

Commands:
  install <config.toml> <manifest.cbor>   Install every image in a manifest
  status <config.toml> [--raw]            Print each slot's boot state as a
                                           status record; --raw writes it as
                                           CBOR instead of human-readable text
  nbd-helper                              Run as the nbd helper subprocess (internal)
  version                                 Show version information
  help                                    Show this help message

The nbd-helper command is not meant to be invoked directly: pkg/nbdserver
re-execs this binary with it to isolate HTTP/TLS state from the control
process (see %s).
`, version, nbdserver.HelperEnvVar)
}

// nbdHelperCommand runs as the nbd helper subprocess, re-exec'd by
// pkg/nbdserver.Start with fd 3 holding the control socket end.
func nbdHelperCommand() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return nbdserver.RunHelper(ctx)
}

// installCommand loads a system config and a bundle manifest, then installs
// every image in manifest-declared order against its configured slot (§4.5,
// §6.4).
func installCommand() error {
	if len(os.Args) < 4 {
		return fmt.Errorf("usage: streamplane-agent install <config.toml> <manifest.cbor>")
	}
	cfgPath := os.Args[2]
	manifestPath := os.Args[3]

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	manifestBytes, err := os.ReadFile(manifestPath)
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}
	manifest, err := bundle.Unmarshal(manifestBytes)
	if err != nil {
		return err
	}
	if manifest.Compatible != cfg.System.Compatible {
		return fmt.Errorf("manifest compatible %q does not match system compatible %q",
			manifest.Compatible, cfg.System.Compatible)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bl := bootloaderFor(cfg)
	in := installer.New(bl)

	for _, img := range manifest.Images {
		slot, ok := cfg.Slots[img.Slot]
		if !ok {
			return fmt.Errorf("manifest names unconfigured slot %q", img.Slot)
		}

		fmt.Printf("Installing %s -> %s (%s)\n", img.Name, slot.Device, slot.Bootname)
		stats, err := in.InstallImage(ctx, img, slot.Device, installer.Options{
			VerifyAfter:         true,
			ShortRetryInterval:  cfg.Poll.ShortRetryInterval,
			ImmediateRetryDelay: cfg.Poll.ImmediateRetryDelay,
		})
		if err != nil {
			return fmt.Errorf("install %s: %w", img.Name, err)
		}
		fmt.Printf("  %d chunks total: %d reused, %d fetched (%d bytes), %d discarded\n",
			stats.ChunksTotal, stats.ChunksReused, stats.ChunksFetched, stats.BytesFetched, stats.ChunksDiscarded)
	}

	fmt.Println("Install complete.")
	return nil
}

// statusCommand builds a status.Record from the bootloader collaborator's
// per-slot state (§6.3, §9 supplemental) and either prints it
// human-readably or, with --raw, writes the same record CBOR-encoded —
// the payload a D-Bus facade collaborator would relay as-is.
func statusCommand() error {
	if len(os.Args) < 3 {
		return fmt.Errorf("usage: streamplane-agent status <config.toml> [--raw]")
	}
	cfg, err := config.Load(os.Args[2])
	if err != nil {
		return err
	}

	bl := bootloaderFor(cfg)
	primary, err := bl.GetPrimary()
	if err != nil {
		return err
	}

	rec := status.New()
	for name := range cfg.Slots {
		state, err := bl.GetState(name)
		if err != nil {
			return err
		}
		rec.SlotStates[name] = fmt.Sprintf("good=%v bad=%v active=%v primary=%v", state.Good, state.Bad, state.Active, name == primary)
	}

	if len(os.Args) > 3 && os.Args[3] == "--raw" {
		data, err := status.Marshal(rec)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(data)
		return err
	}

	for name, label := range rec.SlotStates {
		fmt.Printf("%s: %s\n", name, label)
	}
	fmt.Printf("primary: %s\n", primary)
	return nil
}

// bootloaderFor returns the bootloader collaborator for cfg. Whatever
// backend name is configured, it is a NoopBackend wrapped under that name
// (so errors carry the configured prefix, §6.3); no real backend (barebox/
// grub/uboot/efi/custom) is wired in this binary.
func bootloaderFor(cfg *config.Config) bootloader.Interface {
	primary, _ := firstSlotName(cfg)
	return bootloader.Wrap(cfg.System.Bootloader, bootloader.NewNoopBackend(primary))
}

func firstSlotName(cfg *config.Config) (string, bool) {
	for name := range cfg.Slots {
		return name, true
	}
	return "", false
}
