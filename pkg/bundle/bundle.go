// Package bundle describes the manifest of an update bundle: the set of
// images it contains, each image's verity parameters and destination slot
// (§3 Verity Parameters, §6.1 Bundle format).
package bundle

import (
	"encoding/hex"
	"fmt"

	"github.com/streamplane/agent/pkg/codec/cborcanon"
	"github.com/streamplane/agent/pkg/constants"
	"github.com/streamplane/agent/pkg/updateerrors"
)

const component = "bundle"

// VerityParams is {data_size, root_digest, salt} (§3). Hex fields are
// always lowercase per the byte-exact requirement in §6.1.
type VerityParams struct {
	DataSize      uint64 `cbor:"data_size"`
	RootDigestHex string `cbor:"root_digest"`
	SaltHex       string `cbor:"salt"`
}

// DataBlocks returns the number of 4 KiB blocks covered by the image.
func (v VerityParams) DataBlocks() uint64 {
	return v.DataSize / constants.BlockSize
}

// Validate checks the byte-exact requirements from §6.1: lowercase hex,
// correct lengths, data_size a multiple of the block size.
func (v VerityParams) Validate() error {
	if v.DataSize == 0 || v.DataSize%constants.BlockSize != 0 {
		return updateerrors.New(updateerrors.KindConfig, component,
			fmt.Sprintf("data_size %d is not a positive multiple of %d", v.DataSize, constants.BlockSize), nil)
	}
	if err := validateLowerHex(v.RootDigestHex, constants.HashSize); err != nil {
		return updateerrors.New(updateerrors.KindConfig, component, "invalid root_digest", err)
	}
	if err := validateLowerHex(v.SaltHex, constants.SaltSize); err != nil {
		return updateerrors.New(updateerrors.KindConfig, component, "invalid salt", err)
	}
	return nil
}

func validateLowerHex(s string, wantBytes int) error {
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(decoded) != wantBytes {
		return fmt.Errorf("want %d bytes, got %d", wantBytes, len(decoded))
	}
	if hex.EncodeToString(decoded) != s {
		return fmt.Errorf("not lowercase canonical hex")
	}
	return nil
}

// Image names one payload within a bundle: its SHA-256, verity parameters
// (whose data_size gives its size; see VerityParams.DataBlocks), and
// destination slot (§4.5 inputs).
type Image struct {
	Name       string       `cbor:"name"`
	Slot       string       `cbor:"slot"`
	SHA256Hex  string       `cbor:"sha256"`
	Verity     VerityParams `cbor:"verity"`
	SourceURL  string       `cbor:"source_url"`
	HashesName string       `cbor:"hashes_name"` // sidecar file name within the bundle
}

// Manifest is the bundle's self-describing contents (§6.1): the images it
// carries, in the order they must be installed ("images are installed
// sequentially in manifest-declared order").
type Manifest struct {
	Compatible string  `cbor:"compatible"`
	Version    string  `cbor:"version"`
	Images     []Image `cbor:"images"`
}

// Validate checks manifest-level consistency: compatible present (§6.4
// system.compatible), at least one image, and every image with a
// destination slot and well-formed verity params. Version is not checked.
func Validate(m *Manifest) error {
	if m.Compatible == "" {
		return updateerrors.New(updateerrors.KindConfig, component, "manifest missing compatible string", nil)
	}
	if len(m.Images) == 0 {
		return updateerrors.New(updateerrors.KindConfig, component, "manifest has no images", nil)
	}
	for _, img := range m.Images {
		if img.Slot == "" {
			return updateerrors.New(updateerrors.KindConfig, component, fmt.Sprintf("image %q has no destination slot", img.Name), nil)
		}
		if err := img.Verity.Validate(); err != nil {
			return fmt.Errorf("image %q: %w", img.Name, err)
		}
	}
	return nil
}

// Marshal encodes a Manifest in canonical CBOR (§6.1: the manifest is
// embedded via the bundle's trailing footer).
func Marshal(m *Manifest) ([]byte, error) {
	data, err := cborcanon.Marshal(m)
	if err != nil {
		return nil, updateerrors.New(updateerrors.KindConfig, component, "marshal manifest", err)
	}
	return data, nil
}

// Unmarshal decodes a Manifest from CBOR and validates it.
func Unmarshal(data []byte) (*Manifest, error) {
	var m Manifest
	if err := cborcanon.Unmarshal(data, &m); err != nil {
		return nil, updateerrors.New(updateerrors.KindConfig, component, "unmarshal manifest", err)
	}
	if err := Validate(&m); err != nil {
		return nil, err
	}
	return &m, nil
}
