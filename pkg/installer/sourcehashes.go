package installer

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"

	"github.com/streamplane/agent/pkg/bundle"
	"github.com/streamplane/agent/pkg/chunkindex"
	"github.com/streamplane/agent/pkg/constants"
	"github.com/streamplane/agent/pkg/updateerrors"
)

// sourceHashes is a positional reader over an image's hash-index sidecar
// (§6.2): unlike pkg/chunkindex's content-addressed lookup, step 2's
// source_hashes[n] is read by chunk number, since the role it plays here is
// "what hash does the source claim chunk n has", not "which chunk has this
// hash".
type sourceHashes struct {
	file  *os.File
	count uint64
}

// openSourceHashes downloads the image's hashes sidecar, named by
// HashesName alongside the bundle's SourceURL (§6.1, §6.2), into a local
// temp file and opens it for positional reads.
func openSourceHashes(img bundle.Image) (*sourceHashes, error) {
	sidecarURL, err := resolveSidecarURL(img.SourceURL, img.HashesName)
	if err != nil {
		return nil, updateerrors.New(updateerrors.KindConfig, component, "resolve hashes sidecar URL", err)
	}

	resp, err := http.Get(sidecarURL)
	if err != nil {
		return nil, updateerrors.New(updateerrors.KindIO, component, "fetch hashes sidecar", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, updateerrors.New(updateerrors.KindNotFound, component, "hashes sidecar not found", nil)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, updateerrors.New(updateerrors.KindIO, component,
			fmt.Sprintf("unexpected HTTP status %d fetching hashes sidecar", resp.StatusCode), nil)
	}

	tmp, err := os.CreateTemp("", "streamplane-sourcehashes-*")
	if err != nil {
		return nil, updateerrors.New(updateerrors.KindIO, component, "create temp hashes file", err)
	}
	os.Remove(tmp.Name()) // unlinked immediately; the fd keeps the data alive

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return nil, updateerrors.New(updateerrors.KindIO, component, "download hashes sidecar", err)
	}

	stat, err := tmp.Stat()
	if err != nil {
		tmp.Close()
		return nil, updateerrors.New(updateerrors.KindIO, component, "stat downloaded hashes sidecar", err)
	}
	if stat.Size()%constants.HashSize != 0 {
		tmp.Close()
		return nil, updateerrors.New(updateerrors.KindSize, component,
			fmt.Sprintf("hashes sidecar size %d is not a multiple of %d", stat.Size(), constants.HashSize), nil)
	}

	return &sourceHashes{file: tmp, count: uint64(stat.Size()) / constants.HashSize}, nil
}

// At returns the SHA-256 recorded for chunk n (§4.5 step 4a).
func (s *sourceHashes) At(n uint64) ([constants.HashSize]byte, error) {
	var h [constants.HashSize]byte
	if _, err := s.file.ReadAt(h[:], int64(n)*constants.HashSize); err != nil {
		return h, updateerrors.New(updateerrors.KindIO, component, fmt.Sprintf("read source hash %d", n), err)
	}
	return h, nil
}

func (s *sourceHashes) Close() error {
	return s.file.Close()
}

func resolveSidecarURL(sourceURL, hashesName string) (string, error) {
	base, err := url.Parse(sourceURL)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(hashesName)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(ref).String(), nil
}

// openTargetIndex opens the target slot's hash index if a usable sidecar
// exists, or rebuilds one by streaming the slot when it doesn't (§4.1
// open_for_slot, §4.5 step 3: "Build or load the target slot's hash
// index"). It reuses targetFile rather than calling chunkindex.OpenForSlot,
// which opens its own data fd: the installer already owns targetFile's
// lifecycle and must not leave a second fd for the same device to leak.
func openTargetIndex(label string, targetFile *os.File, targetSlotDevice string, count uint64) (*chunkindex.Index, error) {
	if sidecar, ok := latestSidecar(targetSlotDevice); ok {
		idx, err := chunkindex.Open(label, targetFile, sidecar)
		if err == nil && uint64(idx.Count) == count {
			return idx, nil
		}
		if err == nil {
			idx.Close() // length disagrees with the slot: stale, rebuild instead
		}
	}
	return chunkindex.BuildFromData(label, targetFile, uint32(count))
}

// latestSidecar finds the slot's hash sidecar under either naming
// convention from §6.2: the plain <slot>.hashes name, or export_for_slot's
// checksum-embedded <slot>.hashes.<checksum> name left by a prior install.
func latestSidecar(targetSlotDevice string) (string, bool) {
	plain := chunkindex.SidecarPath(targetSlotDevice)
	if _, err := os.Stat(plain); err == nil {
		return plain, true
	}
	matches, err := filepath.Glob(plain + ".*")
	if err != nil || len(matches) == 0 {
		return "", false
	}
	sort.Strings(matches)
	return matches[len(matches)-1], true
}
