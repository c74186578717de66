// Package relay passes a camera's HTTP stream through to a viewer,
// authenticating against the camera with Digest or Basic auth.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Default timeouts
const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultReadTimeout    = 30 * time.Second
)

const chunkSize = 32 * 1024

var (
	// ErrUpstreamUnreachable is returned when the camera cannot be contacted
	ErrUpstreamUnreachable = errors.New("upstream unreachable")
	// ErrReadStall is returned when the upstream sends nothing for the read timeout
	ErrReadStall = errors.New("upstream read stalled")
)

// StatusError reports a non-success upstream status after authentication
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned status %d", e.Code)
}

// Options configures a Relay
type Options struct {
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	Transport      http.RoundTripper
}

// Relay opens authenticated upstream streams. It holds no per-camera state.
type Relay struct {
	probe       *http.Client
	client      *http.Client
	readTimeout time.Duration
}

// New creates a relay
func New(opts Options) *Relay {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}

	transport := opts.Transport
	if transport == nil {
		dialer := &net.Dialer{Timeout: opts.ConnectTimeout, KeepAlive: 30 * time.Second}
		transport = &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           dialer.DialContext,
			TLSHandshakeTimeout:   opts.ConnectTimeout,
			ResponseHeaderTimeout: opts.ReadTimeout,
			MaxIdleConnsPerHost:   4,
		}
	}

	return &Relay{
		probe: &http.Client{
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		client:      &http.Client{Transport: transport},
		readTimeout: opts.ReadTimeout,
	}
}

// Stream is an open upstream response
type Stream struct {
	ContentType string

	body    io.ReadCloser
	cancel  context.CancelFunc
	timeout time.Duration
	once    sync.Once
}

// Close releases the upstream connection. It is safe to call more than once.
func (s *Stream) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.body.Close()
	})
	return err
}

// target is an upstream URL split into its credential-free form and credentials
type target struct {
	url      string
	uri      string
	username string
	password string
}

func parseTarget(raw string) (target, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return target{}, fmt.Errorf("invalid stream URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return target{}, fmt.Errorf("unsupported stream scheme %q", u.Scheme)
	}

	var t target
	if u.User != nil {
		// url.Parse already unescapes userinfo
		t.username = u.User.Username()
		t.password, _ = u.User.Password()
		u.User = nil
	}
	t.url = u.String()
	t.uri = u.EscapedPath()
	if t.uri == "" {
		t.uri = "/"
	}
	if u.RawQuery != "" {
		t.uri += "?" + u.RawQuery
	}
	return t, nil
}

func newRequest(ctx context.Context, rawURL string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0")
	req.Header.Set("Accept", "multipart/x-mixed-replace,image/jpeg")
	return req, nil
}

// Open connects to rawURL, negotiating authentication if the camera asks for
// it. The returned stream must be closed by the caller. Failures happen
// before any byte is delivered.
func (r *Relay) Open(ctx context.Context, rawURL string) (*Stream, error) {
	t, err := parseTarget(rawURL)
	if err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(ctx)

	probeReq, err := newRequest(streamCtx, t.url)
	if err != nil {
		cancel()
		return nil, err
	}
	log.Printf("[Relay] Connecting to %s", t.url)
	resp, err := r.probe.Do(probeReq)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnreachable, err)
	}

	// An open camera answers the probe directly.
	if resp.StatusCode == http.StatusOK {
		return r.newStream(resp, cancel), nil
	}

	authHeader := ""
	if resp.StatusCode == http.StatusUnauthorized {
		authHeader = resp.Header.Get("WWW-Authenticate")
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()

	req, err := newRequest(streamCtx, t.url)
	if err != nil {
		cancel()
		return nil, err
	}
	if t.username != "" && t.password != "" {
		switch {
		case strings.Contains(authHeader, "Digest"):
			log.Printf("[Relay] Using Digest authentication")
			digest := NewDigestAuth(t.username, t.password)
			req.Header.Set("Authorization", digest.Authorization(http.MethodGet, t.uri, ParseChallenge(authHeader)))
		default:
			log.Printf("[Relay] Using Basic authentication")
			req.Header.Set("Authorization", BasicAuthorization(t.username, t.password))
		}
	}

	resp, err = r.client.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnreachable, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		log.Printf("[Relay] Camera returned status %d", resp.StatusCode)
		return nil, &StatusError{Code: resp.StatusCode}
	}
	return r.newStream(resp, cancel), nil
}

func (r *Relay) newStream(resp *http.Response, cancel context.CancelFunc) *Stream {
	log.Printf("[Relay] Connected, Content-Type: %s", resp.Header.Get("Content-Type"))
	return &Stream{
		ContentType: resp.Header.Get("Content-Type"),
		body:        resp.Body,
		cancel:      cancel,
		timeout:     r.readTimeout,
	}
}

// CopyTo passes the body through to w chunk by chunk, calling flush after
// every write. It returns when the upstream ends, ctx is cancelled (not an
// error), the upstream stalls, or w fails. The stream is closed on return.
func (s *Stream) CopyTo(ctx context.Context, w io.Writer, flush func()) (int64, error) {
	defer s.Close()

	var stalled sync.Once
	stallFlag := make(chan struct{})
	watchdog := time.AfterFunc(s.timeout, func() {
		stalled.Do(func() { close(stallFlag) })
		s.cancel()
	})
	defer watchdog.Stop()

	// A disconnect must interrupt a blocked read too.
	stop := context.AfterFunc(ctx, s.cancel)
	defer stop()

	buf := make([]byte, chunkSize)
	var total int64
	chunks := 0
	for {
		if ctx.Err() != nil {
			log.Printf("[Relay] Client disconnected after %d chunks, %.1fKB", chunks, float64(total)/1024)
			return total, nil
		}

		n, err := s.body.Read(buf)
		if n > 0 {
			watchdog.Reset(s.timeout)
			if ctx.Err() != nil {
				log.Printf("[Relay] Client disconnected after %d chunks, %.1fKB", chunks, float64(total)/1024)
				return total, nil
			}
			if _, werr := w.Write(buf[:n]); werr != nil {
				return total, nil
			}
			if flush != nil {
				flush()
			}
			chunks++
			total += int64(n)
		}
		if err == nil {
			continue
		}

		select {
		case <-stallFlag:
			log.Printf("[Relay] No data for %v, dropping stream", s.timeout)
			return total, ErrReadStall
		default:
		}
		if ctx.Err() != nil || errors.Is(err, io.EOF) {
			log.Printf("[Relay] Stream ended: %d chunks, %.1fKB", chunks, float64(total)/1024)
			return total, nil
		}
		return total, fmt.Errorf("upstream read failed: %w", err)
	}
}
