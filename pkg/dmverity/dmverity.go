// Package dmverity registers and tears down a device-mapper verity target
// (component C3): the kernel-enforced counterpart to pkg/verityhash, so
// reads against the upper device fail with EIO the instant a block disagrees
// with the root digest (§4.3).
package dmverity

import (
	"bytes"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"

	"github.com/streamplane/agent/pkg/constants"
	"github.com/streamplane/agent/pkg/updateerrors"
)

const component = "dmverity"

// Target is a device-mapper verity target: {uuid, lower_dev, upper_dev,
// data_size, root_digest_hex, salt_hex} (§3 types).
type Target struct {
	UUID          string
	LowerDev      string
	UpperDev      string
	DataSize      uint64 // in blocks
	RootDigestHex string
	SaltHex       string
}

// New allocates a fresh UUID for a not-yet-set-up target (§4.3 setup:
// "Allocates a fresh UUID").
func New(lowerDev string, dataSize uint64, rootDigestHex, saltHex string) *Target {
	return &Target{
		UUID:          uuid.NewString(),
		LowerDev:      lowerDev,
		DataSize:      dataSize,
		RootDigestHex: rootDigestHex,
		SaltHex:       saltHex,
	}
}

// Setup submits a device-mapper create+load+resume transaction with a
// single verity target and sets t.UpperDev to the target's /dev/mapper node
// path, derived from its name (§4.3 setup).
func (t *Target) Setup() error {
	table := fmt.Sprintf("verity 1 %s %s %d %d %d %d sha256 %s %s",
		t.LowerDev, t.LowerDev, constants.BlockSize, constants.BlockSize,
		t.DataSize, t.DataSize, t.RootDigestHex, t.SaltHex)

	name := "streamplane-verity-" + t.UUID

	if err := dmsetupCreate(name, table); err != nil {
		return updateerrors.New(updateerrors.KindStartup, component, "dmsetup create", err)
	}
	if err := dmsetupResume(name); err != nil {
		dmsetupRemove(name)
		return updateerrors.New(updateerrors.KindStartup, component, "dmsetup resume", err)
	}

	t.UpperDev = filepath.Join("/dev/mapper", name)
	return nil
}

// deviceName derives the dmsetup target name from the target's UUID. It is
// stable for the lifetime of a Target so Remove can reconstruct it without
// storing extra state.
func (t *Target) deviceName() string {
	return "streamplane-verity-" + t.UUID
}

// Remove issues a device-mapper remove on t's target. If deferred, the
// kernel defers teardown until all openers close — needed because C5 keeps
// the verity device open while reading (§4.3 remove). On non-deferred
// remove of a busy device, it retries with exponential backoff before
// reporting failure.
func (t *Target) Remove(deferred bool) error {
	name := t.deviceName()
	if deferred {
		if err := dmsetupRemoveDeferred(name); err != nil {
			return updateerrors.New(updateerrors.KindIO, component, "dmsetup remove --deferred", err)
		}
		return nil
	}

	b := &backoff.Backoff{
		Min:    constants.JitteredRetryDelay(constants.PollImmediateRetryDelay),
		Max:    constants.PollShortRetryInterval,
		Factor: 2,
		Jitter: true,
	}
	var lastErr error
	for attempt := 0; attempt < constants.DefaultMaxRetries; attempt++ {
		if err := dmsetupRemove(name); err != nil {
			lastErr = err
			time.Sleep(b.Duration())
			continue
		}
		return nil
	}
	return updateerrors.New(updateerrors.KindIO, component, "dmsetup remove: device still busy after retries", lastErr)
}

func dmsetupCreate(name, table string) error {
	cmd := exec.Command("dmsetup", "create", name)
	cmd.Stdin = strings.NewReader(table + "\n")
	return runQuiet(cmd)
}

func dmsetupResume(name string) error {
	return runQuiet(exec.Command("dmsetup", "resume", name))
}

func dmsetupRemove(name string) error {
	return runQuiet(exec.Command("dmsetup", "remove", name))
}

func dmsetupRemoveDeferred(name string) error {
	return runQuiet(exec.Command("dmsetup", "remove", "--deferred", name))
}

func runQuiet(cmd *exec.Cmd) error {
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w: %s", strings.Join(cmd.Args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// errIOReadFailed is the pinned user-visible error message for a failing
// checked read on the upper device (§8 S3/S4, §4.3 "Observable errors").
const errIOReadFailed = "Check read from dm-verity device failed: Input/output error"

// WrapCheckedReadError classifies a low-level read error on the upper
// device into the pinned message, so callers surface the exact text §8
// expects regardless of which syscall produced EIO.
func WrapCheckedReadError(cause error) *updateerrors.UpdateError {
	return updateerrors.New(updateerrors.KindIO, component, errIOReadFailed, cause)
}
