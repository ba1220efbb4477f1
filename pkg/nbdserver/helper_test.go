package nbdserver

import (
	"bytes"
	"context"
	"encoding/binary"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestServeHelperServesReadRequest(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, blockSize)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Range", "bytes 0-4095/4096")
		w.WriteHeader(http.StatusPartialContent)
		w.Write(payload)
	}))
	defer server.Close()

	source, err := newHTTPSource(Config{URL: server.URL})
	if err != nil {
		t.Fatalf("newHTTPSource: %v", err)
	}

	var conn bytes.Buffer
	writeTestRequest(&conn, cmdRead, 99, 0, blockSize)
	writeTestRequest(&conn, cmdDisconnect, 100, 0, 0)

	if err := serveHelper(context.Background(), &conn, source); err != nil {
		t.Fatalf("serveHelper: %v", err)
	}

	handle := binary.BigEndian.Uint64(conn.Bytes()[8:16])
	if handle != 99 {
		t.Errorf("reply handle = %d, want 99", handle)
	}
	errno := binary.BigEndian.Uint32(conn.Bytes()[4:8])
	if errno != 0 {
		t.Errorf("reply errno = %d, want 0", errno)
	}
	if !bytes.Equal(conn.Bytes()[replyHeaderSize:replyHeaderSize+blockSize], payload) {
		t.Error("reply data does not match server payload")
	}
}

func TestServeHelperRejectsWrite(t *testing.T) {
	source, err := newHTTPSource(Config{URL: "http://unused.invalid"})
	if err != nil {
		t.Fatalf("newHTTPSource: %v", err)
	}

	var conn bytes.Buffer
	writeTestRequest(&conn, cmdWrite, 1, 0, blockSize)
	writeTestRequest(&conn, cmdDisconnect, 2, 0, 0)

	if err := serveHelper(context.Background(), &conn, source); err != nil {
		t.Fatalf("serveHelper: %v", err)
	}

	errno := binary.BigEndian.Uint32(conn.Bytes()[4:8])
	if errno != errnoPerm {
		t.Errorf("write reply errno = %d, want EPERM", errno)
	}
}

func writeTestRequest(buf *bytes.Buffer, cmdType uint32, handle uint64, offset uint64, length uint32) {
	var header [requestHeaderSize]byte
	binary.BigEndian.PutUint32(header[0:4], requestMagic)
	binary.BigEndian.PutUint32(header[4:8], cmdType)
	binary.BigEndian.PutUint64(header[8:16], handle)
	binary.BigEndian.PutUint64(header[16:24], offset)
	binary.BigEndian.PutUint32(header[24:28], length)
	buf.Write(header[:])
}
