// Package devctl wraps the raw Linux ioctls that C4 and C5 need: loop
// device attach/detach and nbd kernel device setup. Kept internal because
// it is machinery, not a public surface (§5 ownership: each kernel-facing
// resource is owned by exactly one record).
package devctl

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/streamplane/agent/pkg/updateerrors"
)

const component = "devctl"

// LoopDevice is a kernel loop device bound to a backing file (§5 ownership:
// loop devices are released on every exit path, including fatal error).
type LoopDevice struct {
	Path string
	file *os.File
}

// AttachLoop asks /dev/loop-control for a free loop device, binds it to
// backingPath, and returns the resulting loop device.
func AttachLoop(backingPath string) (*LoopDevice, error) {
	ctrl, err := os.OpenFile("/dev/loop-control", os.O_RDWR, 0)
	if err != nil {
		return nil, updateerrors.New(updateerrors.KindStartup, component, "open /dev/loop-control", err)
	}
	defer ctrl.Close()

	loopNum, err := unix.IoctlRetInt(int(ctrl.Fd()), unix.LOOP_CTL_GET_FREE)
	if err != nil {
		return nil, updateerrors.New(updateerrors.KindStartup, component, "LOOP_CTL_GET_FREE", err)
	}

	loopPath := fmt.Sprintf("/dev/loop%d", loopNum)
	loopFile, err := os.OpenFile(loopPath, os.O_RDWR, 0)
	if err != nil {
		return nil, updateerrors.New(updateerrors.KindStartup, component, "open "+loopPath, err)
	}

	backing, err := os.OpenFile(backingPath, os.O_RDWR, 0)
	if err != nil {
		loopFile.Close()
		return nil, updateerrors.New(updateerrors.KindStartup, component, "open backing file", err)
	}
	defer backing.Close()

	if err := unix.IoctlSetInt(int(loopFile.Fd()), unix.LOOP_SET_FD, int(backing.Fd())); err != nil {
		loopFile.Close()
		return nil, updateerrors.New(updateerrors.KindStartup, component, "LOOP_SET_FD", err)
	}

	return &LoopDevice{Path: loopPath, file: loopFile}, nil
}

// Detach clears the loop device's backing file and closes the handle,
// releasing the kernel resource (§5, property "no kernel resource outlives
// the record that created it").
func (l *LoopDevice) Detach() error {
	if l.file == nil {
		return nil
	}
	err := unix.IoctlSetInt(int(l.file.Fd()), unix.LOOP_CLR_FD, 0)
	closeErr := l.file.Close()
	l.file = nil
	if err != nil {
		return updateerrors.New(updateerrors.KindIO, component, "LOOP_CLR_FD", err)
	}
	if closeErr != nil {
		return updateerrors.New(updateerrors.KindIO, component, "close loop device", closeErr)
	}
	return nil
}
