package nbdserver

import (
	"encoding/binary"
	"io"

	"github.com/streamplane/agent/pkg/updateerrors"
)

// nbd wire constants, from the kernel's network protocol (old-style
// handshake is skipped here since the kernel side is driven entirely
// through NBD_DO_IT; only the transmission-phase request/reply frames
// cross the helper socket).
const (
	requestMagic = 0x25609513
	replyMagic   = 0x67446698

	cmdRead       = 0
	cmdWrite      = 1
	cmdDisconnect = 2
	cmdFlush      = 3
	cmdTrim       = 4
)

// requestHeaderSize is magic(4) + type(4) + handle(8) + offset(8) + length(4).
const requestHeaderSize = 28

// replyHeaderSize is magic(4) + error(4) + handle(8).
const replyHeaderSize = 16

// request is one nbd transmission-phase request (§4.4 Read service: "request
// header = magic, type, handle, offset, length").
type request struct {
	Type   uint32
	Handle uint64
	Offset uint64
	Length uint32
}

func readRequest(r io.Reader) (*request, error) {
	var buf [requestHeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return nil, err
	}
	magic := binary.BigEndian.Uint32(buf[0:4])
	if magic != requestMagic {
		return nil, updateerrors.New(updateerrors.KindProtocol, component, "bad nbd request magic", nil)
	}
	return &request{
		Type:   binary.BigEndian.Uint32(buf[4:8]),
		Handle: binary.BigEndian.Uint64(buf[8:16]),
		Offset: binary.BigEndian.Uint64(buf[16:24]),
		Length: binary.BigEndian.Uint32(buf[24:28]),
	}, nil
}

// writeReply writes a reply header followed by data (data is empty for
// errors and for commands with no payload).
func writeReply(w io.Writer, handle uint64, errno uint32, data []byte) error {
	var buf [replyHeaderSize]byte
	binary.BigEndian.PutUint32(buf[0:4], replyMagic)
	binary.BigEndian.PutUint32(buf[4:8], errno)
	binary.BigEndian.PutUint64(buf[8:16], handle)
	if _, err := w.Write(buf[:]); err != nil {
		return err
	}
	if len(data) > 0 {
		if _, err := w.Write(data); err != nil {
			return err
		}
	}
	return nil
}

// Linux errno values used in nbd replies (EPERM for rejected writes/trims,
// EIO for any range GET that fails).
const (
	errnoPerm = 1
	errnoIO   = 5
)
