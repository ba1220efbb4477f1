// Package verityhash implements the verity hasher (component C2): building
// and checking the dm-verity-compatible Merkle tree over a 4 KiB block
// device or image, the same hash tree component C3 later registers with the
// kernel (§4.2, §4.3).
package verityhash

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/streamplane/agent/pkg/constants"
	"github.com/streamplane/agent/pkg/updateerrors"
)

const component = "verityhash"

// Mode selects whether Hash builds a new tree or checks an existing one.
type Mode int

const (
	// CREATE appends each produced level after the data region and returns
	// the root digest.
	CREATE Mode = iota
	// VERIFY reads the already-appended levels and compares every computed
	// hash against the stored bytes, failing fast on the first mismatch.
	VERIFY
)

// Result is what Hash returns on success (§4.2 verity_hash).
type Result struct {
	// CombinedSize is the total block count: data blocks plus every
	// Merkle-tree level block.
	CombinedSize uint64
	// RootDigest is the SHA-256 of salt || final level block (or, in the
	// single-data-block degenerate case, salt || the data block itself).
	RootDigest [constants.HashSize]byte
}

// ReaderWriterAt is the minimal interface verity_hash needs over the
// backing data_fd: random-access reads for both modes, random-access writes
// for CREATE.
type ReaderWriterAt interface {
	io.ReaderAt
	io.WriterAt
}

// Hash runs verity_hash(mode, data, dataBlocks, salt) (§4.2). dataBlocks
// must be at least 1. salt must be exactly constants.SaltSize bytes.
func Hash(mode Mode, data ReaderWriterAt, dataBlocks uint64, salt []byte) (*Result, error) {
	if dataBlocks < 1 {
		return nil, updateerrors.New(updateerrors.KindSize, component, "dataBlocks must be at least 1", nil)
	}
	if len(salt) != constants.SaltSize {
		return nil, updateerrors.New(updateerrors.KindSize, component,
			fmt.Sprintf("salt must be %d bytes, got %d", constants.SaltSize, len(salt)), nil)
	}

	if dataBlocks == 1 {
		block, err := readBlock(data, 0)
		if err != nil {
			return nil, err
		}
		root := hashSaltedBlock(salt, block)
		return &Result{CombinedSize: 1, RootDigest: root}, nil
	}

	level0, err := hashDataLevel(data, dataBlocks, salt)
	if err != nil {
		return nil, err
	}

	levels := [][]byte{level0}
	current := level0
	for blockCount(current) > 1 {
		next := hashBlockLevel(current, salt)
		levels = append(levels, next)
		current = next
	}

	appended := bytes.Join(levels, nil)

	switch mode {
	case CREATE:
		if _, err := data.WriteAt(appended, int64(dataBlocks)*constants.BlockSize); err != nil {
			return nil, updateerrors.New(updateerrors.KindIO, component, "write merkle tree levels", err)
		}
	case VERIFY:
		stored := make([]byte, len(appended))
		if _, err := data.ReadAt(stored, int64(dataBlocks)*constants.BlockSize); err != nil {
			return nil, updateerrors.New(updateerrors.KindIO, component, "read stored merkle tree levels", err)
		}
		if mismatch := firstMismatch(stored, appended); mismatch >= 0 {
			return nil, updateerrors.New(updateerrors.KindModified, component,
				fmt.Sprintf("verity tree mismatch at byte offset %d", mismatch), nil)
		}
	default:
		return nil, updateerrors.New(updateerrors.KindConfig, component, "unknown verity hash mode", nil)
	}

	root := hashSaltedBlock(salt, lastBlock(current))
	combined := dataBlocks
	for _, l := range levels {
		combined += uint64(blockCount(l))
	}

	return &Result{CombinedSize: combined, RootDigest: root}, nil
}

// hashDataLevel computes level 0: salt||block for each of the dataBlocks
// blocks, packed 128 hashes per 4 KiB block with the last block zero-padded.
func hashDataLevel(data io.ReaderAt, dataBlocks uint64, salt []byte) ([]byte, error) {
	numLevelBlocks := (dataBlocks + constants.HashesPerBlock - 1) / constants.HashesPerBlock
	level := make([]byte, numLevelBlocks*constants.BlockSize)

	for i := uint64(0); i < dataBlocks; i++ {
		block, err := readBlock(data, i)
		if err != nil {
			return nil, err
		}
		h := hashSaltedBlock(salt, block)
		copy(level[i*constants.HashSize:], h[:])
	}
	return level, nil
}

// hashBlockLevel recursively hashes the blocks of the previous level into
// the next one, the same salted-pack-128-per-block rule.
func hashBlockLevel(prev []byte, salt []byte) []byte {
	n := uint64(blockCount(prev))
	numLevelBlocks := (n + constants.HashesPerBlock - 1) / constants.HashesPerBlock
	level := make([]byte, numLevelBlocks*constants.BlockSize)

	for i := uint64(0); i < n; i++ {
		block := prev[i*constants.BlockSize : (i+1)*constants.BlockSize]
		h := hashSaltedBlock(salt, block)
		copy(level[i*constants.HashSize:], h[:])
	}
	return level
}

func hashSaltedBlock(salt, block []byte) [constants.HashSize]byte {
	hasher := sha256.New()
	hasher.Write(salt)
	hasher.Write(block)
	var out [constants.HashSize]byte
	copy(out[:], hasher.Sum(nil))
	return out
}

func readBlock(r io.ReaderAt, n uint64) ([]byte, error) {
	block := make([]byte, constants.BlockSize)
	if _, err := r.ReadAt(block, int64(n)*constants.BlockSize); err != nil {
		return nil, updateerrors.New(updateerrors.KindIO, component, fmt.Sprintf("read data block %d", n), err)
	}
	return block, nil
}

func blockCount(level []byte) int {
	return len(level) / constants.BlockSize
}

func lastBlock(level []byte) []byte {
	n := blockCount(level)
	return level[(n-1)*constants.BlockSize : n*constants.BlockSize]
}

// firstMismatch returns the index of the first differing byte between a and
// b, or -1 if they are identical. Both slices must be the same length.
func firstMismatch(a, b []byte) int {
	for i := range a {
		if a[i] != b[i] {
			return i
		}
	}
	return -1
}
