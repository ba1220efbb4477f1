package bundle

import (
	"strings"
	"testing"

	"github.com/streamplane/agent/pkg/updateerrors"
)

func validManifest() *Manifest {
	return &Manifest{
		Compatible: "streamplane-board-v1",
		Version:    "2026.08.01",
		Images: []Image{
			{
				Name:      "rootfs",
				Slot:      "rootfs.1",
				SHA256Hex: strings.Repeat("ab", 32),
				Verity: VerityParams{
					DataSize:      4096 * 129,
					RootDigestHex: strings.Repeat("cd", 32),
					SaltHex:       strings.Repeat("ef", 32),
				},
				SourceURL:  "https://example.invalid/bundle",
				HashesName: "rootfs.hashes",
			},
		},
	}
}

func TestValidateAcceptsWellFormedManifest(t *testing.T) {
	if err := Validate(validManifest()); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateRejectsMissingCompatible(t *testing.T) {
	m := validManifest()
	m.Compatible = ""
	if err := Validate(m); !updateerrors.Is(err, updateerrors.KindConfig) {
		t.Fatalf("Validate with missing compatible: got %v, want CONFIG error", err)
	}
}

func TestValidateRejectsBadDataSize(t *testing.T) {
	m := validManifest()
	m.Images[0].Verity.DataSize = 4097 // not a multiple of 4096
	if err := Validate(m); err == nil {
		t.Fatal("Validate should reject a data_size that is not block-aligned")
	}
}

func TestValidateRejectsUppercaseDigest(t *testing.T) {
	m := validManifest()
	m.Images[0].Verity.RootDigestHex = strings.ToUpper(m.Images[0].Verity.RootDigestHex)
	if err := Validate(m); err == nil {
		t.Fatal("Validate should reject an uppercase root digest")
	}
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	m := validManifest()
	data, err := Marshal(m)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	decoded, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Compatible != m.Compatible {
		t.Errorf("Compatible = %q, want %q", decoded.Compatible, m.Compatible)
	}
	if len(decoded.Images) != 1 || decoded.Images[0].Slot != "rootfs.1" {
		t.Errorf("decoded images mismatch: %+v", decoded.Images)
	}
}

func TestVerityParamsDataBlocks(t *testing.T) {
	v := VerityParams{DataSize: 4096 * 257}
	if v.DataBlocks() != 257 {
		t.Errorf("DataBlocks() = %d, want 257", v.DataBlocks())
	}
}
