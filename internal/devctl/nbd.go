package devctl

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/streamplane/agent/pkg/updateerrors"
)

// nbd ioctl request numbers, from the Linux kernel's <linux/nbd.h> uapi.
// golang.org/x/sys/unix does not export these (nbd is not part of the
// portable syscall surface), so they are defined here directly.
const (
	nbdSetSock       = 0xab00
	nbdSetBlkSize    = 0xab01
	nbdSetSize       = 0xab02
	nbdDoIt          = 0xab03
	nbdClearSock     = 0xab04
	nbdClearQueue    = 0xab05
	nbdSetSizeBlocks = 0xab07
	nbdDisconnect    = 0xab08
	nbdSetTimeout    = 0xab09
	nbdSetFlags      = 0xab0a
)

// NBDFlags mirrors the kernel's per-device flag bits relevant here: the
// server is read-only and does not support TRIM (§4.4 step 4).
const (
	NBDFlagReadOnly = 1 << 1
	NBDFlagSendTrim = 1 << 5
)

// NBDDevice is a kernel nbd device index configured against a control
// socket (§4.4 startup sequence, steps 1 and 4).
type NBDDevice struct {
	Path string
	file *os.File
}

// OpenNBDDevice opens /dev/nbd<index>, the device node allocated by the
// caller's scan of the control files (§4.4 step 1).
func OpenNBDDevice(path string) (*NBDDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, updateerrors.New(updateerrors.KindStartup, component, "open nbd device", err)
	}
	return &NBDDevice{Path: path, file: f}, nil
}

// Configure sets the socket, block size, device size, and flags for the nbd
// device (§4.4 step 4). sizeBlocks is the bundle size in 4 KiB blocks.
func (d *NBDDevice) Configure(sock int, blockSize uint32, sizeBlocks uint64, flags uint32) error {
	if err := unix.IoctlSetInt(int(d.file.Fd()), nbdSetSock, sock); err != nil {
		return updateerrors.New(updateerrors.KindStartup, component, "NBD_SET_SOCK", err)
	}
	if err := unix.IoctlSetInt(int(d.file.Fd()), nbdSetBlkSize, int(blockSize)); err != nil {
		return updateerrors.New(updateerrors.KindStartup, component, "NBD_SET_BLKSIZE", err)
	}
	if err := ioctlSetUint64(int(d.file.Fd()), nbdSetSizeBlocks, sizeBlocks); err != nil {
		return updateerrors.New(updateerrors.KindStartup, component, "NBD_SET_SIZE_BLOCKS", err)
	}
	if err := unix.IoctlSetInt(int(d.file.Fd()), nbdSetFlags, int(flags)); err != nil {
		return updateerrors.New(updateerrors.KindStartup, component, "NBD_SET_FLAGS", err)
	}
	return nil
}

// Start blocks running the device's transmission loop (NBD_DO_IT); it
// returns when the device is disconnected or the socket is torn down. The
// caller runs this in its own goroutine (§4.4 step 5).
func (d *NBDDevice) Start() error {
	if err := unix.IoctlSetInt(int(d.file.Fd()), nbdDoIt, 0); err != nil {
		return updateerrors.New(updateerrors.KindIO, component, "NBD_DO_IT", err)
	}
	return nil
}

// Disconnect issues NBD_DISCONNECT followed by NBD_CLEAR_SOCK, the teardown
// sequence used by stop (§4.4 Shutdown).
func (d *NBDDevice) Disconnect() error {
	if err := unix.IoctlSetInt(int(d.file.Fd()), nbdDisconnect, 0); err != nil {
		return updateerrors.New(updateerrors.KindIO, component, "NBD_DISCONNECT", err)
	}
	if err := unix.IoctlSetInt(int(d.file.Fd()), nbdClearSock, 0); err != nil {
		return updateerrors.New(updateerrors.KindIO, component, "NBD_CLEAR_SOCK", err)
	}
	return nil
}

// Close releases the device file descriptor.
func (d *NBDDevice) Close() error {
	if d.file == nil {
		return nil
	}
	err := d.file.Close()
	d.file = nil
	return err
}

func ioctlSetUint64(fd int, req uint, value uint64) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), uintptr(value))
	if errno != 0 {
		return errno
	}
	return nil
}
