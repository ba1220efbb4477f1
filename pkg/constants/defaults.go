// Package constants defines cross-cutting defaults for the streaming
// update data plane: chunk/block geometry, timeouts, and retry tuning.
package constants

import (
	"math/rand/v2"
	"time"
)

// Block and chunk geometry (§3). The index and the verity hasher both
// operate at 4 KiB granularity; this is a fixed property of the format,
// not a tunable.
const (
	BlockSize      = 4096
	HashSize       = 32 // SHA-256 digest size
	SaltSize       = 32
	HashesPerBlock = BlockSize / HashSize // 128
)

// ZeroChunkHashHex is the well-known SHA-256 of a 4096-byte zero page
// (§3, §8 round-trip property).
const ZeroChunkHashHex = "ad7facb2586fc6e966c004d7d1d16b024f5805ff7cb47c7a85dabd8b48892ca7"

// Timeouts (§5).
const (
	DefaultIOCTLTimeout    = 10 * time.Second
	DefaultRangeGetTimeout = 30 * time.Second
)

// Backoff tuning (§9 Open Questions, resolved in SPEC_FULL.md §5):
// POLL_INTERVAL's short retry is 15s, the "now" retry delay is 2s, and
// the initial random jitter fraction is drawn from [0.1, 0.9] of the
// configured interval. These are normative because §8 S5/S6 and the
// retry paths in pkg/installer and pkg/dmverity depend on them.
const (
	PollShortRetryInterval  = 15 * time.Second
	PollImmediateRetryDelay = 2 * time.Second
	JitterFractionMin       = 0.1
	JitterFractionMax       = 0.9
)

// DefaultReadAheadWindow is the read-ahead window the installer passes in
// nbdserver.Config (§4.5 Backpressure). The nbd helper does no read-ahead:
// it fetches exactly the range each request names, so this value is not
// consulted.
const DefaultReadAheadWindow = 4 * 1024 * 1024 // 4 MiB

// DefaultMaxRetries bounds transient-failure retries before an error is
// surfaced to the orchestrator's caller (§7 Propagation policy).
const DefaultMaxRetries = 5

// JitteredRetryDelay draws a duration uniformly from
// [JitterFractionMin, JitterFractionMax) of interval: the initial random
// jitter fraction named in §9's retry tuning, used to seed the first
// attempt of a backoff sequence before exponential growth takes over.
func JitteredRetryDelay(interval time.Duration) time.Duration {
	frac := JitterFractionMin + rand.Float64()*(JitterFractionMax-JitterFractionMin)
	return time.Duration(float64(interval) * frac)
}
