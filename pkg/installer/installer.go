// Package installer implements the streaming installer orchestrator
// (component C5): for each image in a manifest it opens the bundle as an
// authenticated network stream, reuses whatever chunks already match on the
// target slot, and fetches the rest through verity and nbd (§4.5).
package installer

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/jpillora/backoff"

	"github.com/streamplane/agent/internal/devctl"
	"github.com/streamplane/agent/pkg/bootloader"
	"github.com/streamplane/agent/pkg/bundle"
	"github.com/streamplane/agent/pkg/chunkindex"
	"github.com/streamplane/agent/pkg/constants"
	"github.com/streamplane/agent/pkg/dmverity"
	"github.com/streamplane/agent/pkg/nbdserver"
	"github.com/streamplane/agent/pkg/updateerrors"
	"github.com/streamplane/agent/pkg/verityhash"
)

const component = "installer"

// Stats accumulates the counters named in §8 S5: index hits/misses and
// bytes actually pulled over the network, so tests and callers can verify
// that reuse, not refetch, dominated an install.
type Stats struct {
	ChunksTotal     uint64
	ChunksReused    uint64
	ChunksFetched   uint64
	ChunksDiscarded uint64
	BytesFetched    uint64
}

// Options tunes one InstallImage call beyond the manifest-supplied inputs.
type Options struct {
	// VerifyAfter re-reads and re-hashes the target slot once the install
	// loop completes (§4.5 step 6, "optional, policy flag").
	VerifyAfter bool
	// TrimCapable enables the zero-chunk fast path (§4.5 step 4b): a chunk
	// whose source hash is the zero-chunk hash is written as a zero block
	// without an index lookup or a source read. No discard is issued to the
	// device; the zero block is always written.
	TrimCapable bool
	// Headers are forwarded to the nbd session's HTTP source.
	Headers map[string]string
	TLS     nbdserver.TLSConfig

	// ShortRetryInterval and ImmediateRetryDelay tune the source-chunk
	// read retry loop (§9 Open Questions); zero means use
	// constants.PollShortRetryInterval/PollImmediateRetryDelay. A caller
	// normally passes these straight from config.PollConfig.
	ShortRetryInterval  time.Duration
	ImmediateRetryDelay time.Duration
}

// Installer runs the per-image install algorithm against a bootloader
// collaborator (§4.5 step 7, §6.3).
type Installer struct {
	Bootloader bootloader.Interface
}

// New returns an Installer that hands control of slot bootability to bl.
func New(bl bootloader.Interface) *Installer {
	return &Installer{Bootloader: bl}
}

// InstallImage runs the full per-image algorithm (§4.5 steps 1-7) against
// targetSlotDevice, returning accumulated Stats on success. ctx is checked
// at every suspension point named in §5; on cancellation the orchestrator
// tears down in the reverse of its setup order and returns a CANCELLED
// error, leaving the target slot marked bad.
func (in *Installer) InstallImage(ctx context.Context, img bundle.Image, targetSlotDevice string, opts Options) (*Stats, error) {
	if err := img.Verity.Validate(); err != nil {
		return nil, err
	}

	// Resolve the target slot to an addressable block device. Production
	// slots are already kernel block devices (partitions, mmcblk); a
	// regular file (a local sideload image, or a test fixture) is wrapped
	// in a loop device first, the same seam the original veritysetup test
	// harness uses to exercise dm-verity against a plain file. The loop
	// device, once attached, is held open across the whole install, so its
	// teardown is deferred before anything else below and so runs last,
	// matching §5's cancellation order ("... -> release index -> close
	// loop device").
	resolvedTarget, detachLoop, err := resolveTargetDevice(targetSlotDevice)
	if err != nil {
		return nil, err
	}
	defer detachLoop()

	// Step 1: open the source as an authenticated stream (nbd, then verity
	// layered on top). Teardown below is deferred in acquisition order so
	// Go's LIFO defer semantics produce the reverse-of-setup sequence §5
	// requires: close upper device -> remove verity -> stop nbd.
	session, err := nbdserver.Start(ctx, nbdserver.Config{
		URL:             img.SourceURL,
		Headers:         opts.Headers,
		TLS:             opts.TLS,
		ReadAheadWindow: constants.DefaultReadAheadWindow,
	})
	if err != nil {
		return nil, err
	}
	defer session.Stop(context.Background())

	target := dmverity.New(session.DevicePath(), img.Verity.DataBlocks(), img.Verity.RootDigestHex, img.Verity.SaltHex)
	if err := target.Setup(); err != nil {
		return nil, err
	}
	defer target.Remove(true) // deferred: C5 keeps the upper device open while reading

	upperDev, err := os.OpenFile(target.UpperDev, os.O_RDONLY, 0)
	if err != nil {
		return nil, updateerrors.New(updateerrors.KindIO, component, "open verity upper device", err)
	}
	defer upperDev.Close()

	// Step 2: the source's hash list, read positionally rather than looked
	// up by content, since verity already authenticates every byte we read
	// through upperDev (§4.5 step 2: "skip-hash-check asserted").
	sourceHashes, err := openSourceHashes(img)
	if err != nil {
		return nil, err
	}
	defer sourceHashes.Close()

	count := img.Verity.DataBlocks()
	if sourceHashes.count != count {
		return nil, updateerrors.New(updateerrors.KindSize, component,
			fmt.Sprintf("hashes sidecar has %d entries, manifest declares %d blocks", sourceHashes.count, count), nil)
	}

	// Step 3: the target slot's own index, for chunk reuse.
	targetFile, err := os.OpenFile(resolvedTarget, os.O_RDWR, 0)
	if err != nil {
		return nil, updateerrors.New(updateerrors.KindIO, component, "open target slot device", err)
	}
	defer targetFile.Close()

	targetIndex, err := openTargetIndex(img.Slot, targetFile, targetSlotDevice, count)
	if err != nil {
		return nil, err
	}
	defer targetIndex.Close()
	targetIndex.InvalidBelow = 0
	targetIndex.InvalidFrom = uint32(count)

	stats := &Stats{ChunksTotal: count}

	// Step 4: per-chunk reuse-or-fetch loop, strictly increasing order.
	var chunk chunkindex.Chunk
	for n := uint64(0); n < count; n++ {
		if err := ctx.Err(); err != nil {
			return stats, updateerrors.New(updateerrors.KindCancelled, component, "install cancelled", err)
		}

		h, err := sourceHashes.At(n)
		if err != nil {
			return stats, err
		}

		if chunkindex.IsZeroHash(h) && opts.TrimCapable {
			if err := discardChunk(targetFile, n); err != nil {
				return stats, err
			}
			stats.ChunksDiscarded++
			targetIndex.InvalidBelow = uint32(n + 1)
			continue
		}

		if err := targetIndex.GetChunk(h, &chunk); err == nil {
			if _, err := targetFile.WriteAt(chunk.Data[:], int64(n)*constants.BlockSize); err != nil {
				return stats, updateerrors.New(updateerrors.KindIO, component, "write reused chunk", err)
			}
			stats.ChunksReused++
			targetIndex.InvalidBelow = uint32(n + 1)
			continue
		}

		data, err := readSourceChunkWithRetry(ctx, upperDev, n, newRetryTuning(opts))
		if err != nil {
			return stats, err
		}
		if _, err := targetFile.WriteAt(data, int64(n)*constants.BlockSize); err != nil {
			return stats, updateerrors.New(updateerrors.KindIO, component, "write fetched chunk", err)
		}
		stats.ChunksFetched++
		stats.BytesFetched += uint64(len(data))
		targetIndex.InvalidBelow = uint32(n + 1)
	}

	// Step 5: fsync the target happens-before "set primary" (§5 ordering).
	if err := targetFile.Sync(); err != nil {
		return stats, updateerrors.New(updateerrors.KindIO, component, "fsync target slot", err)
	}

	// Step 6: optional re-verify.
	if opts.VerifyAfter {
		salt, err := hex.DecodeString(img.Verity.SaltHex)
		if err != nil {
			return stats, updateerrors.New(updateerrors.KindConfig, component, "decode salt hex", err)
		}
		if _, err := verityhash.Hash(verityhash.VERIFY, targetFile, count, salt); err != nil {
			return stats, err
		}
	}

	if err := targetIndex.ExportForSlot(targetSlotDevice, img.SHA256Hex); err != nil {
		return stats, err
	}

	// Step 7: bootloader handover. set_state happens-before set_primary;
	// set_primary happens-before this call returns (§5 ordering).
	if err := in.Bootloader.SetState(img.Slot, true); err != nil {
		return stats, err
	}
	if err := in.Bootloader.SetPrimary(img.Slot); err != nil {
		return stats, err
	}

	return stats, nil
}

// resolveTargetDevice returns the addressable block device path to open for
// targetSlotDevice, and a detach func to release any kernel resource it
// allocated. A real block device passes through unchanged with a no-op
// detach; a regular file is attached to a loop device first.
func resolveTargetDevice(targetSlotDevice string) (string, func() error, error) {
	info, err := os.Stat(targetSlotDevice)
	if err != nil {
		return "", nil, updateerrors.New(updateerrors.KindIO, component, "stat target slot device", err)
	}
	if info.Mode()&os.ModeDevice != 0 {
		return targetSlotDevice, func() error { return nil }, nil
	}
	if !info.Mode().IsRegular() {
		return "", nil, updateerrors.New(updateerrors.KindConfig, component,
			fmt.Sprintf("target slot %q is neither a block device nor a regular file", targetSlotDevice), nil)
	}
	loop, err := devctl.AttachLoop(targetSlotDevice)
	if err != nil {
		return "", nil, err
	}
	return loop.Path, loop.Detach, nil
}

func discardChunk(f *os.File, n uint64) error {
	var zero [constants.BlockSize]byte
	if _, err := f.WriteAt(zero[:], int64(n)*constants.BlockSize); err != nil {
		return updateerrors.New(updateerrors.KindIO, component, "discard zero chunk", err)
	}
	return nil
}

// retryTuning resolves the effective immediate-retry and short-retry
// intervals for one InstallImage call: opts override, falling back to the
// package defaults when left zero (§9 Open Questions).
type retryTuning struct {
	immediateDelay time.Duration
	shortInterval  time.Duration
}

func newRetryTuning(opts Options) retryTuning {
	rt := retryTuning{
		immediateDelay: opts.ImmediateRetryDelay,
		shortInterval:  opts.ShortRetryInterval,
	}
	if rt.immediateDelay == 0 {
		rt.immediateDelay = constants.PollImmediateRetryDelay
	}
	if rt.shortInterval == 0 {
		rt.shortInterval = constants.PollShortRetryInterval
	}
	return rt
}

// readSourceChunkWithRetry reads chunk n from the verity-checked upper
// device. An EIO from the kernel means dm-verity rejected the block against
// the root digest (§8 S3/S4): that is a permanent corruption signal, not a
// transient fault, so it is surfaced immediately with the pinned message
// rather than retried. Any other read failure (a network hiccup on the nbd
// side surfacing as a generic I/O error, say) is retried with exponential
// backoff up to a configured cap (§5 Timeouts), seeded by the initial
// random jitter fraction of the immediate-retry interval named in §9's
// Open Questions.
func readSourceChunkWithRetry(ctx context.Context, upperDev *os.File, n uint64, rt retryTuning) ([]byte, error) {
	b := &backoff.Backoff{
		Min:    constants.JitteredRetryDelay(rt.immediateDelay),
		Max:    rt.shortInterval,
		Factor: 2,
		Jitter: true,
	}

	var lastErr error
	for attempt := 0; attempt < constants.DefaultMaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, updateerrors.New(updateerrors.KindCancelled, component, "install cancelled", err)
		}

		data := make([]byte, constants.BlockSize)
		_, err := upperDev.ReadAt(data, int64(n)*constants.BlockSize)
		if err == nil {
			return data, nil
		}
		if errors.Is(err, syscall.EIO) {
			return nil, dmverity.WrapCheckedReadError(err)
		}
		lastErr = updateerrors.New(updateerrors.KindIO, component, fmt.Sprintf("read source chunk %d", n), err)

		select {
		case <-time.After(b.Duration()):
		case <-ctx.Done():
			return nil, updateerrors.New(updateerrors.KindCancelled, component, "install cancelled", ctx.Err())
		}
	}
	return nil, lastErr
}
