// Package chunkindex implements the content-addressed 4 KiB chunk hash
// index (component C1): a mapping from chunk hash to chunk number within a
// backing data descriptor, used to find reusable chunks already present on
// local storage before falling back to a network read.
package chunkindex

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/edsrzf/mmap-go"

	"github.com/streamplane/agent/pkg/constants"
	"github.com/streamplane/agent/pkg/updateerrors"
)

const component = "chunkindex"

// ZeroChunkHash is the well-known SHA-256 of a 4096-byte zero page, decoded
// once at init time.
var ZeroChunkHash = mustDecodeHex(constants.ZeroChunkHashHex)

func mustDecodeHex(s string) [constants.HashSize]byte {
	var out [constants.HashSize]byte
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != constants.HashSize {
		panic(fmt.Sprintf("chunkindex: bad built-in hash constant %q: %v", s, err))
	}
	copy(out[:], b)
	return out
}

// Chunk is a single 4096-byte payload plus its SHA-256, as produced by
// get_chunk (§3).
type Chunk struct {
	Hash [constants.HashSize]byte
	Data [constants.BlockSize]byte
}

// Index is a content-addressed lookup of 4 KiB blocks by SHA-256 over a
// backing data file descriptor (§4.1).
type Index struct {
	mu sync.Mutex

	Label          string
	dataFile       *os.File
	hashFile       *os.File
	hashes         mmap.MMap // count*32 bytes; mapped read-only when mmapped is set
	mmapped        bool      // true only when hashes backs a real mmap.Map region
	lookup         []uint32  // permutation of [0,count) sorted by hash
	Count          uint32
	SkipHashCheck  bool
	InvalidBelow   uint32 // watermark: chunks < InvalidBelow must not be reused
	InvalidFrom    uint32 // watermark: chunks >= InvalidFrom must not be reused
	Hits           uint64
	Misses         uint64
}

// Open memory-maps hashesPath read-only and builds the sort-by-hash
// permutation over dataFd (§4.1 open).
func Open(label string, dataFile *os.File, hashesPath string) (*Index, error) {
	hashFile, err := os.Open(hashesPath)
	if err != nil {
		return nil, updateerrors.New(updateerrors.KindIO, component, "open hashes file", err)
	}

	stat, err := hashFile.Stat()
	if err != nil {
		hashFile.Close()
		return nil, updateerrors.New(updateerrors.KindIO, component, "stat hashes file", err)
	}
	if stat.Size()%constants.HashSize != 0 {
		hashFile.Close()
		return nil, updateerrors.New(updateerrors.KindSize, component,
			fmt.Sprintf("hashes file size %d is not a multiple of %d", stat.Size(), constants.HashSize), nil)
	}
	count := uint32(stat.Size() / constants.HashSize)

	if dataFile != nil {
		dataStat, err := dataFile.Stat()
		if err != nil {
			hashFile.Close()
			return nil, updateerrors.New(updateerrors.KindIO, component, "stat data file", err)
		}
		wantSize := int64(count) * constants.BlockSize
		if dataStat.Size() < wantSize {
			hashFile.Close()
			return nil, updateerrors.New(updateerrors.KindSize, component,
				fmt.Sprintf("data file size %d disagrees with hash count %d", dataStat.Size(), count), nil)
		}
	}

	var hashes mmap.MMap
	if count > 0 {
		hashes, err = mmap.Map(hashFile, mmap.RDONLY, 0)
		if err != nil {
			hashFile.Close()
			return nil, updateerrors.New(updateerrors.KindIO, component, "mmap hashes file", err)
		}
	}

	idx := &Index{
		Label:       label,
		dataFile:    dataFile,
		hashFile:    hashFile,
		hashes:      hashes,
		mmapped:     count > 0,
		Count:       count,
		InvalidFrom: count,
	}
	idx.lookup = argsortHashes(hashes, count)
	return idx, nil
}

// OpenForSlot opens the slot's block device and its <slot>.hashes sidecar
// (§4.1 open_for_slot, §6.2). If the sidecar is missing or the wrong size
// for the device, it rebuilds the index by streaming the slot: reading
// every block and hashing it, the same recovery a freshly re-imaged or
// never-indexed slot needs before its first reuse lookup.
func OpenForSlot(label string, slotDevicePath string) (*Index, error) {
	dataFile, err := os.OpenFile(slotDevicePath, os.O_RDWR, 0)
	if err != nil {
		return nil, updateerrors.New(updateerrors.KindIO, component, "open slot device", err)
	}

	hashesPath := sidecarPath(slotDevicePath)
	if idx, ok := tryOpenSidecar(label, dataFile, hashesPath); ok {
		return idx, nil
	}

	count, err := blockCount(dataFile)
	if err != nil {
		dataFile.Close()
		return nil, err
	}
	idx, err := BuildFromData(label, dataFile, count)
	if err != nil {
		dataFile.Close()
		return nil, err
	}
	return idx, nil
}

// tryOpenSidecar opens hashesPath if present and its record count agrees
// with dataFile's size; any other outcome (missing, wrong length) means the
// sidecar is stale or absent and the caller should rebuild instead.
func tryOpenSidecar(label string, dataFile *os.File, hashesPath string) (*Index, bool) {
	if _, err := os.Stat(hashesPath); err != nil {
		return nil, false
	}
	idx, err := Open(label, dataFile, hashesPath)
	if err != nil {
		return nil, false
	}
	wantCount, err := blockCount(dataFile)
	if err != nil || idx.Count != wantCount {
		idx.hashFile.Close()
		if idx.mmapped {
			idx.hashes.Unmap()
		}
		return nil, false
	}
	return idx, true
}

func blockCount(dataFile *os.File) (uint32, error) {
	stat, err := dataFile.Stat()
	if err != nil {
		return 0, updateerrors.New(updateerrors.KindIO, component, "stat data file", err)
	}
	return uint32(stat.Size() / constants.BlockSize), nil
}

// BuildFromData rebuilds a hash index by streaming dataFile: every 4 KiB
// block is read and hashed in order, the rebuild-by-streaming path named
// by open_for_slot (§4.1) for a slot whose sidecar is missing or stale.
func BuildFromData(label string, dataFile *os.File, count uint32) (*Index, error) {
	hashes := make([]byte, int(count)*constants.HashSize)
	var block [constants.BlockSize]byte
	for n := uint32(0); n < count; n++ {
		if _, err := dataFile.ReadAt(block[:], int64(n)*constants.BlockSize); err != nil {
			return nil, updateerrors.New(updateerrors.KindIO, component,
				fmt.Sprintf("rebuild index: read block %d", n), err)
		}
		sum := sha256.Sum256(block[:])
		copy(hashes[int(n)*constants.HashSize:], sum[:])
	}

	idx := &Index{
		Label:       label,
		dataFile:    dataFile,
		hashes:      mmap.MMap(hashes),
		Count:       count,
		InvalidFrom: count,
	}
	idx.lookup = argsortHashes(idx.hashes, count)
	return idx, nil
}

// OpenForImage opens an index over an image's payload region; image data is
// authenticated by verity rather than the index, so SkipHashCheck is set.
func OpenForImage(label string, imageFile *os.File, hashesPath string) (*Index, error) {
	idx, err := Open(label, imageFile, hashesPath)
	if err != nil {
		return nil, err
	}
	idx.SkipHashCheck = true
	return idx, nil
}

// Reuse shares the sorted hash set with a new data file descriptor, used
// when the same image is consumed against multiple targets (§4.1 reuse).
func Reuse(existing *Index, newDataFile *os.File) *Index {
	existing.mu.Lock()
	defer existing.mu.Unlock()
	return &Index{
		Label:         existing.Label,
		dataFile:      newDataFile,
		hashFile:      existing.hashFile,
		hashes:        existing.hashes,
		lookup:        existing.lookup,
		Count:         existing.Count,
		SkipHashCheck: existing.SkipHashCheck,
		InvalidFrom:   existing.Count,
	}
}

// GetChunk performs a binary search in lookup for hashWanted. On a hit it
// reads the 4096-byte chunk at its offset, recomputes its SHA-256, and
// compares it against hashWanted unless SkipHashCheck is set (§4.1
// get_chunk). Watermarks restrict which chunk numbers are eligible.
func (idx *Index) GetChunk(hashWanted [constants.HashSize]byte, out *Chunk) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	n, ok := idx.findEligible(hashWanted)
	if !ok {
		idx.Misses++
		return updateerrors.New(updateerrors.KindNotFound, component, "chunk hash not found", nil)
	}

	if _, err := idx.dataFile.ReadAt(out.Data[:], int64(n)*constants.BlockSize); err != nil {
		return updateerrors.New(updateerrors.KindIO, component, "read candidate chunk", err)
	}

	if !idx.SkipHashCheck {
		sum := sha256.Sum256(out.Data[:])
		if sum != hashWanted {
			idx.Misses++
			return updateerrors.New(updateerrors.KindModified, component, "chunk content changed underneath index", nil)
		}
	}

	out.Hash = hashWanted
	idx.Hits++
	return nil
}

// findEligible returns the first lookup-order chunk number matching hash
// that also satisfies the current watermarks (§4.1 tie-breaks, policy on
// watermarks; a chunk n is reusable iff InvalidBelow <= n < InvalidFrom).
func (idx *Index) findEligible(hash [constants.HashSize]byte) (uint32, bool) {
	lo := sort.Search(len(idx.lookup), func(i int) bool {
		return bytes.Compare(idx.hashAt(idx.lookup[i]), hash[:]) >= 0
	})
	for i := lo; i < len(idx.lookup); i++ {
		n := idx.lookup[i]
		if !bytes.Equal(idx.hashAt(n), hash[:]) {
			break
		}
		if n >= idx.InvalidBelow && n < idx.InvalidFrom {
			return n, true
		}
	}
	return 0, false
}

func (idx *Index) hashAt(n uint32) []byte {
	return idx.hashes[int(n)*constants.HashSize : int(n)*constants.HashSize+constants.HashSize]
}

// Export writes the in-memory hash table out atomically: write to a temp
// file in the same directory, fsync, rename (§4.1 export).
func (idx *Index) Export(path string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return atomicWriteHashes(path, idx.hashes)
}

// ExportForSlot exports using a naming convention that embeds the slot's
// payload checksum, so a stale sidecar is self-evident (§4.1
// export_for_slot, §6.2).
func (idx *Index) ExportForSlot(slotDevicePath string, checksum string) error {
	path := sidecarPathWithChecksum(slotDevicePath, checksum)
	return idx.Export(path)
}

func atomicWriteHashes(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".hashindex-*")
	if err != nil {
		return updateerrors.New(updateerrors.KindIO, component, "create temp hashes file", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return updateerrors.New(updateerrors.KindIO, component, "write temp hashes file", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return updateerrors.New(updateerrors.KindIO, component, "fsync temp hashes file", err)
	}
	if err := tmp.Close(); err != nil {
		return updateerrors.New(updateerrors.KindIO, component, "close temp hashes file", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return updateerrors.New(updateerrors.KindIO, component, "rename hashes file into place", err)
	}
	return nil
}

// Close releases the mmap and closes the backing file descriptors.
func (idx *Index) Close() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	var firstErr error
	if idx.mmapped && idx.hashes != nil {
		if err := idx.hashes.Unmap(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if idx.hashFile != nil {
		if err := idx.hashFile.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// IsZeroHash reports whether hash is the well-known zero-chunk hash, so
// callers can take the zero-chunk fast path without an index read (§4.1
// zero-chunk fast path).
func IsZeroHash(hash [constants.HashSize]byte) bool {
	return hash == ZeroChunkHash
}

// argsortHashes returns the permutation of [0,count) that sorts chunk
// numbers by their hash bytes, stable and byte-lexicographic (§3 invariant
// c).
func argsortHashes(hashes []byte, count uint32) []uint32 {
	lookup := make([]uint32, count)
	for i := range lookup {
		lookup[i] = uint32(i)
	}
	sort.SliceStable(lookup, func(i, j int) bool {
		a := hashes[int(lookup[i])*constants.HashSize : int(lookup[i])*constants.HashSize+constants.HashSize]
		b := hashes[int(lookup[j])*constants.HashSize : int(lookup[j])*constants.HashSize+constants.HashSize]
		return bytes.Compare(a, b) < 0
	})
	return lookup
}

func sidecarPath(slotDevicePath string) string {
	return slotDevicePath + ".hashes"
}

// SidecarPath exposes the naming convention from §6.2 so callers that need
// to check for a sidecar's existence before deciding how to open an index
// don't have to duplicate it.
func SidecarPath(slotDevicePath string) string {
	return sidecarPath(slotDevicePath)
}

func sidecarPathWithChecksum(slotDevicePath, checksum string) string {
	return fmt.Sprintf("%s.hashes.%s", slotDevicePath, checksum)
}
