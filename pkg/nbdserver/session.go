package nbdserver

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/streamplane/agent/internal/devctl"
	"github.com/streamplane/agent/pkg/updateerrors"
)

// HelperEnvVar is the environment variable the control process sets in the
// re-exec'd helper's environment to the fd number (3) of the helper's end of
// the control socket (§4.4 step 2: "Spawn the helper as a subprocess"). The
// helper role itself is selected by the "nbd-helper" argument; RunHelper
// always uses fd 3 and does not read this variable.
const HelperEnvVar = "STREAMPLANE_NBD_HELPER_FD"

// Session is the control side of a running nbd server: it owns the kernel
// nbd device and the helper subprocess, and is the single record responsible
// for releasing both on every exit path (§5 ownership).
type Session struct {
	cfg       Config
	Discovery *Discovery

	nbdDev     *devctl.NBDDevice
	helperCmd  *exec.Cmd
	controlEnd *os.File

	doneCh chan error
}

// Start runs the full startup sequence (§4.4 steps 1-5): allocates an nbd
// index, creates the socket pair, spawns the helper, discovers bundle
// metadata, configures and starts the kernel device.
func Start(ctx context.Context, cfg Config) (*Session, error) {
	devPath, err := findFreeNBDDevice()
	if err != nil {
		return nil, err
	}

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, updateerrors.New(updateerrors.KindStartup, component, "create helper socket pair", err)
	}
	controlEnd := os.NewFile(uintptr(fds[0]), "nbd-control")
	helperEnd := os.NewFile(uintptr(fds[1]), "nbd-helper")

	self, err := selfPath()
	if err != nil {
		controlEnd.Close()
		helperEnd.Close()
		return nil, updateerrors.New(updateerrors.KindStartup, component, "resolve self binary path", err)
	}

	helperCmd := exec.CommandContext(ctx, self, "nbd-helper")
	helperCmd.ExtraFiles = []*os.File{helperEnd}
	helperCmd.Env = append(os.Environ(), fmt.Sprintf("%s=%d", HelperEnvVar, 3))
	helperCmd.Stderr = os.Stderr
	if err := writeHelperConfig(helperCmd, cfg); err != nil {
		controlEnd.Close()
		helperEnd.Close()
		return nil, err
	}
	if err := helperCmd.Start(); err != nil {
		controlEnd.Close()
		helperEnd.Close()
		return nil, updateerrors.New(updateerrors.KindStartup, component, "spawn nbd helper", err)
	}
	helperEnd.Close() // control process keeps only its own end open

	source, err := newHTTPSource(cfg)
	if err != nil {
		terminateHelper(helperCmd)
		controlEnd.Close()
		return nil, err
	}
	discovery, err := source.Discover(ctx)
	if err != nil {
		terminateHelper(helperCmd)
		controlEnd.Close()
		return nil, err
	}

	nbdDev, err := devctl.OpenNBDDevice(devPath)
	if err != nil {
		terminateHelper(helperCmd)
		controlEnd.Close()
		return nil, err
	}

	sizeBlocks := (discovery.DataSize + blockSize - 1) / blockSize
	flags := uint32(devctl.NBDFlagReadOnly)
	if err := nbdDev.Configure(int(controlEnd.Fd()), blockSize, sizeBlocks, flags); err != nil {
		nbdDev.Close()
		terminateHelper(helperCmd)
		controlEnd.Close()
		return nil, err
	}

	s := &Session{
		cfg:        cfg,
		Discovery:  discovery,
		nbdDev:     nbdDev,
		helperCmd:  helperCmd,
		controlEnd: controlEnd,
		doneCh:     make(chan error, 1),
	}

	go func() {
		s.doneCh <- nbdDev.Start()
	}()

	return s, nil
}

const blockSize = 4096

// DevicePath is the kernel block device path presented to C3's Setup as
// lower_dev.
func (s *Session) DevicePath() string {
	return s.nbdDev.Path
}

// Stop issues an nbd disconnect, waits for the helper to exit within a
// bounded timeout, escalating to SIGTERM then SIGKILL, and releases the
// index (§4.4 Shutdown).
func (s *Session) Stop(ctx context.Context) error {
	var firstErr error
	if err := s.nbdDev.Disconnect(); err != nil {
		firstErr = err
	}

	select {
	case <-s.doneCh:
	case <-time.After(10 * time.Second):
	}

	terminateHelper(s.helperCmd)

	if err := s.nbdDev.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.controlEnd.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// terminateHelper waits briefly for a clean exit, then escalates to
// SIGTERM and finally SIGKILL (§4.4 Shutdown).
func terminateHelper(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	done := make(chan struct{})
	go func() {
		cmd.Wait()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-time.After(3 * time.Second):
	}

	cmd.Process.Signal(unix.SIGTERM)
	select {
	case <-done:
		return
	case <-time.After(3 * time.Second):
	}

	cmd.Process.Kill()
	<-done
}

// findFreeNBDDevice scans /dev/nbd<N> control files and returns the first
// one with no registered pid, i.e. not currently in use by another session
// (§4.4 step 1).
func findFreeNBDDevice() (string, error) {
	for i := 0; i < 256; i++ {
		devPath := fmt.Sprintf("/dev/nbd%d", i)
		pidPath := filepath.Join("/sys/block", fmt.Sprintf("nbd%d", i), "pid")
		if _, err := os.Stat(devPath); err != nil {
			continue
		}
		if _, err := os.Stat(pidPath); err == nil {
			continue // already has an active pid, in use
		}
		return devPath, nil
	}
	return "", updateerrors.New(updateerrors.KindStartup, component, "no free nbd device index found", nil)
}
