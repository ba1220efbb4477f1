// Package nbdserver implements the network block device server (component
// C4): it makes a remote HTTP(S) bundle look like a local block device,
// serving range reads on demand through a two-process control/helper split
// (§4.4).
package nbdserver

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/streamplane/agent/pkg/constants"
	"github.com/streamplane/agent/pkg/updateerrors"
)

const component = "nbdserver"

// TLSConfig names credential file paths for the range-GET client. PKCS#11
// URIs are out of scope here: spec.md treats hardware-token material as an
// external collaborator concern, so CertPath/KeyPath are file paths only.
type TLSConfig struct {
	CertPath string
	KeyPath  string
	CAPath   string
	NoVerify bool
}

// Config configures a Session against a single bundle URL (§4.4 startup,
// steps 3-4).
type Config struct {
	URL             string
	Headers         map[string]string
	TLS             TLSConfig
	ReadAheadWindow int
}

// Discovery is what the HEAD-equivalent probe learns about the bundle
// before the nbd device is sized (§4.4 step 3).
type Discovery struct {
	DataSize     uint64
	EffectiveURL string
	ServerDate   time.Time
	LastModified time.Time
	ETag         string
}

// httpSource issues range GETs and the discovery HEAD against the
// configured bundle URL.
type httpSource struct {
	cfg    Config
	client *http.Client
}

func newHTTPSource(cfg Config) (*httpSource, error) {
	tlsConf := &tls.Config{InsecureSkipVerify: cfg.TLS.NoVerify} //nolint:gosec // explicit opt-in, testing only (§4.4)

	if cfg.TLS.CertPath != "" && cfg.TLS.KeyPath != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertPath, cfg.TLS.KeyPath)
		if err != nil {
			return nil, updateerrors.New(updateerrors.KindConfig, component, "load TLS client certificate", err)
		}
		tlsConf.Certificates = []tls.Certificate{cert}
	}

	client := &http.Client{
		Transport: &http.Transport{TLSClientConfig: tlsConf},
		Timeout:   constants.DefaultRangeGetTimeout,
	}
	return &httpSource{cfg: cfg, client: client}, nil
}

// Discover performs a HEAD-equivalent (a one-byte ranged GET, since many
// servers mis-report Content-Length on HEAD for dynamically generated
// bundles) to learn data_size, the effective URL after redirects, and
// cache-validation headers (§4.4 step 3).
func (s *httpSource) Discover(ctx context.Context) (*Discovery, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.URL, nil)
	if err != nil {
		return nil, updateerrors.New(updateerrors.KindConfig, component, "build discovery request", err)
	}
	s.applyHeaders(req)
	req.Header.Set("Range", "bytes=0-0")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, updateerrors.New(updateerrors.KindIO, component, "discovery request failed", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if err := classifyHTTPStatus(resp.StatusCode); err != nil {
		return nil, err
	}

	size, err := parseContentRangeSize(resp.Header.Get("Content-Range"))
	if err != nil {
		size, err = parseContentLength(resp.Header.Get("Content-Length"))
		if err != nil {
			return nil, updateerrors.New(updateerrors.KindConfig, component, "bundle did not report a size", err)
		}
	}

	d := &Discovery{
		DataSize:     size,
		EffectiveURL: resp.Request.URL.String(),
		ETag:         resp.Header.Get("ETag"),
	}
	if date, err := http.ParseTime(resp.Header.Get("Date")); err == nil {
		d.ServerDate = date
	}
	if lm, err := http.ParseTime(resp.Header.Get("Last-Modified")); err == nil {
		d.LastModified = lm
	}
	return d, nil
}

// RangeGet reads length bytes at offset (§4.4 read service). If etag is
// non-empty it is sent as If-None-Match; a 304 response returns
// errNotModified so the poll loop can short-circuit (§4.4 error surface).
func (s *httpSource) RangeGet(ctx context.Context, offset uint64, length uint32, etag string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, constants.DefaultRangeGetTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.URL, nil)
	if err != nil {
		return nil, updateerrors.New(updateerrors.KindConfig, component, "build range request", err)
	}
	s.applyHeaders(req)
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+uint64(length)-1))
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, updateerrors.New(updateerrors.KindIO, component, "range request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return nil, errNotModified
	}
	if err := classifyHTTPStatus(resp.StatusCode); err != nil {
		return nil, err
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, updateerrors.New(updateerrors.KindIO, component, "read range response body", err)
	}
	return data, nil
}

func (s *httpSource) applyHeaders(req *http.Request) {
	for k, v := range s.cfg.Headers {
		req.Header.Set(k, v)
	}
}

// errNotModified is a sentinel wrapped in an UpdateError with a dedicated
// classification helper, IsNotModified, so a caller can short-circuit
// without inspecting HTTP status codes directly. Its kind is NOT_FOUND, so
// updateerrors.Is(err, KindNotFound) also reports true for it.
var errNotModified = updateerrors.New(updateerrors.KindNotFound, component, "not modified", nil)

// IsNotModified reports whether err is the conditional-GET "no new data"
// signal (§4.4 error surface).
func IsNotModified(err error) bool {
	return err == errNotModified
}

func classifyHTTPStatus(status int) error {
	switch {
	case status == http.StatusNotFound:
		return updateerrors.New(updateerrors.KindNotFound, component, "bundle not found (404)", nil)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return updateerrors.New(updateerrors.KindUnauthorized, component, fmt.Sprintf("bundle access denied (%d)", status), nil)
	case status >= 200 && status < 400:
		return nil
	default:
		return updateerrors.New(updateerrors.KindIO, component, fmt.Sprintf("unexpected HTTP status %d", status), nil)
	}
}

func parseContentRangeSize(header string) (uint64, error) {
	if header == "" {
		return 0, fmt.Errorf("no Content-Range header")
	}
	var start, end, total uint64
	if _, err := fmt.Sscanf(header, "bytes %d-%d/%d", &start, &end, &total); err != nil {
		return 0, err
	}
	return total, nil
}

func parseContentLength(header string) (uint64, error) {
	if header == "" {
		return 0, fmt.Errorf("no Content-Length header")
	}
	return strconv.ParseUint(header, 10, 64)
}

// selfPath returns the running binary's path, used to re-exec the nbd
// helper subprocess (§4.4 startup, step 2).
func selfPath() (string, error) {
	return os.Executable()
}
