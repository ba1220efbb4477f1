package verityhash

import (
	"bytes"
	"crypto/sha256"
	"os"
	"path/filepath"
	"testing"

	"github.com/streamplane/agent/pkg/constants"
	"github.com/streamplane/agent/pkg/updateerrors"
)

func newSalt(b byte) []byte {
	salt := make([]byte, constants.SaltSize)
	for i := range salt {
		salt[i] = b
	}
	return salt
}

func newDataFile(t *testing.T, blocks uint64) *os.File {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.img")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create data file: %v", err)
	}
	for i := uint64(0); i < blocks; i++ {
		block := make([]byte, constants.BlockSize)
		block[len(block)-1] = byte(i)
		if _, err := f.WriteAt(block, int64(i)*constants.BlockSize); err != nil {
			t.Fatalf("write data block %d: %v", i, err)
		}
	}
	return f
}

// TestCombinedSizeTable pins S1: data_blocks -> combined_size.
func TestCombinedSizeTable(t *testing.T) {
	cases := []struct {
		dataBlocks uint64
		combined   uint64
	}{
		{1, 1},
		{2, 3},
		{128, 129},
		{257, 261},
	}

	for _, tc := range cases {
		f := newDataFile(t, tc.dataBlocks)
		defer f.Close()

		result, err := Hash(CREATE, f, tc.dataBlocks, newSalt(0xAB))
		if err != nil {
			t.Fatalf("Hash(CREATE, %d): %v", tc.dataBlocks, err)
		}
		if result.CombinedSize != tc.combined {
			t.Errorf("dataBlocks=%d: CombinedSize = %d, want %d", tc.dataBlocks, result.CombinedSize, tc.combined)
		}
	}
}

func TestCreateThenVerifySucceeds(t *testing.T) {
	f := newDataFile(t, 257)
	defer f.Close()

	created, err := Hash(CREATE, f, 257, newSalt(0x11))
	if err != nil {
		t.Fatalf("CREATE: %v", err)
	}

	verified, err := Hash(VERIFY, f, 257, newSalt(0x11))
	if err != nil {
		t.Fatalf("VERIFY over unchanged data: %v", err)
	}
	if verified.RootDigest != created.RootDigest {
		t.Error("VERIFY root digest does not match CREATE root digest")
	}
	if verified.CombinedSize != created.CombinedSize {
		t.Error("VERIFY combined size does not match CREATE combined size")
	}
}

func TestVerifyFailsOnTamperedLevel(t *testing.T) {
	f := newDataFile(t, 128)
	defer f.Close()

	if _, err := Hash(CREATE, f, 128, newSalt(0x22)); err != nil {
		t.Fatalf("CREATE: %v", err)
	}

	// Flip a byte inside the appended hash level.
	var b [1]byte
	if _, err := f.ReadAt(b[:], int64(128)*constants.BlockSize); err != nil {
		t.Fatalf("read level byte: %v", err)
	}
	b[0] ^= 0xFF
	if _, err := f.WriteAt(b[:], int64(128)*constants.BlockSize); err != nil {
		t.Fatalf("tamper level byte: %v", err)
	}

	if _, err := Hash(VERIFY, f, 128, newSalt(0x22)); !updateerrors.Is(err, updateerrors.KindModified) {
		t.Fatalf("VERIFY over tampered level: got %v, want MODIFIED", err)
	}
}

func TestSingleBlockRootIsDirectHash(t *testing.T) {
	f := newDataFile(t, 1)
	defer f.Close()

	result, err := Hash(CREATE, f, 1, newSalt(0x33))
	if err != nil {
		t.Fatalf("CREATE: %v", err)
	}
	if result.CombinedSize != 1 {
		t.Fatalf("CombinedSize = %d, want 1", result.CombinedSize)
	}

	block := make([]byte, constants.BlockSize)
	if _, err := f.ReadAt(block, 0); err != nil {
		t.Fatalf("read data block: %v", err)
	}
	hasher := sha256.New()
	hasher.Write(newSalt(0x33))
	hasher.Write(block)
	var want [constants.HashSize]byte
	copy(want[:], hasher.Sum(nil))

	if result.RootDigest != want {
		t.Error("single-block root digest is not hash(salt||block0)")
	}
}

func TestHashRejectsShortSalt(t *testing.T) {
	f := newDataFile(t, 2)
	defer f.Close()

	_, err := Hash(CREATE, f, 2, []byte("too short"))
	if !updateerrors.Is(err, updateerrors.KindSize) {
		t.Fatalf("short salt: got %v, want SIZE error", err)
	}
}

func TestReadBlockByIndexThroughVerifiedTree(t *testing.T) {
	// Mirrors S2's structure: reading data block i should still be exactly
	// the bytes this test wrote (4095 zero bytes, then the index as the
	// last byte), independent of the tree built above it.
	f := newDataFile(t, 129)
	defer f.Close()

	if _, err := Hash(CREATE, f, 129, newSalt(0x44)); err != nil {
		t.Fatalf("CREATE: %v", err)
	}

	block := make([]byte, constants.BlockSize)
	if _, err := f.ReadAt(block, int64(5)*constants.BlockSize); err != nil {
		t.Fatalf("read block 5: %v", err)
	}
	want := make([]byte, constants.BlockSize)
	want[len(want)-1] = 5
	if !bytes.Equal(block, want) {
		t.Error("data block content was disturbed by tree construction")
	}
}
