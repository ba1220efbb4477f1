package nbdserver

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"os/exec"

	"github.com/streamplane/agent/pkg/updateerrors"
)

// writeHelperConfig serializes cfg onto the helper subprocess's stdin pipe,
// so the helper can reconstruct its httpSource without a second IPC
// channel.
func writeHelperConfig(cmd *exec.Cmd, cfg Config) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return updateerrors.New(updateerrors.KindConfig, component, "marshal helper config", err)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return updateerrors.New(updateerrors.KindStartup, component, "open helper stdin pipe", err)
	}
	go func() {
		stdin.Write(data)
		stdin.Close()
	}()
	return nil
}

// RunHelper is the entry point for the nbd helper subprocess (§4.4: "a
// helper process that holds the kernel socket"). It reads its Config from
// stdin, takes ownership of fd 3 (the helper end of the control socket
// pair), and serves nbd requests until the socket is closed or a
// disconnect request arrives.
func RunHelper(ctx context.Context) error {
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return updateerrors.New(updateerrors.KindStartup, component, "read helper config from stdin", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return updateerrors.New(updateerrors.KindConfig, component, "unmarshal helper config", err)
	}

	sock := os.NewFile(3, "nbd-helper-sock")
	defer sock.Close()

	source, err := newHTTPSource(cfg)
	if err != nil {
		return err
	}

	return serveHelper(ctx, sock, source)
}

// serveHelper implements the read service: for each READ request it
// synthesizes an HTTP range GET against the effective URL; writes and
// trims are rejected with EPERM; unknown magic is a protocol error that
// ends the session (§4.4 Read service).
func serveHelper(ctx context.Context, sock io.ReadWriter, source *httpSource) error {
	const etag = "" // per-request conditional GETs are a poll-loop concern, not the helper's

	for {
		req, err := readRequest(sock)
		if err != nil {
			if updateerrors.Is(err, updateerrors.KindProtocol) {
				return err
			}
			return nil // socket closed, normal disconnect
		}

		switch req.Type {
		case cmdRead:
			data, err := source.RangeGet(ctx, req.Offset, req.Length, etag)
			if err != nil {
				if IsNotModified(err) {
					if werr := writeReply(sock, req.Handle, 0, nil); werr != nil {
						return werr
					}
					continue
				}
				if werr := writeReply(sock, req.Handle, errnoIO, nil); werr != nil {
					return werr
				}
				continue
			}
			if err := writeReply(sock, req.Handle, 0, data); err != nil {
				return err
			}
		case cmdWrite, cmdTrim:
			if err := writeReply(sock, req.Handle, errnoPerm, nil); err != nil {
				return err
			}
		case cmdFlush:
			if err := writeReply(sock, req.Handle, 0, nil); err != nil {
				return err
			}
		case cmdDisconnect:
			return nil
		default:
			return updateerrors.New(updateerrors.KindProtocol, component, "unknown nbd request type", nil)
		}
	}
}
