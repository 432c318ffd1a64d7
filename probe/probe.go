// Package probe implements the timed HTTP request primitive every
// measurement module is built on. A probe issues exactly one network
// request, times it against the monotonic clock, and classifies failures
// into a small set of kinds the modules can dispatch on.
package probe

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Kind classifies probe failures.
type Kind string

const (
	KindTimeout       Kind = "timeout"
	KindCancelled     Kind = "cancelled"
	KindNetworkError  Kind = "network_error"
	KindNonSuccess    Kind = "non_success"
	KindParse         Kind = "parse"
	KindConfigInvalid Kind = "config_invalid"
)

// Error wraps a probe failure with its classification and the URL probed.
type Error struct {
	Kind Kind
	URL  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("probe %s: %s: %v", e.URL, e.Kind, e.Err)
	}
	return fmt.Sprintf("probe %s: %s", e.URL, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified probe error; modules use it for failures
// discovered outside the request path (parse errors, bad config).
func NewError(kind Kind, url string, err error) *Error {
	return &Error{Kind: kind, URL: url, Err: err}
}

// KindOf classifies an arbitrary error returned from a probe call. Errors
// that did not originate here map onto the context sentinels where possible
// and NetworkError otherwise.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	switch {
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	default:
		return KindNetworkError
	}
}

// IsCancelled reports whether err represents run cancellation.
func IsCancelled(err error) bool {
	return KindOf(err) == KindCancelled
}

// Mode selects how the response body is consumed.
type Mode int

const (
	// ModeDiscard closes the body without reading it; only headers and
	// wall-clock timing are meaningful.
	ModeDiscard Mode = iota
	// ModeStream reads the body in fixed-size chunks, counting bytes and
	// invoking OnChunk (when set) after each read. The body is not retained.
	ModeStream
	// ModeRead reads the body to completion and retains it in Result.Body.
	ModeRead
)

// Request describes a single timed HTTP request.
type Request struct {
	URL     string
	Method  string // defaults to HEAD
	Body    []byte
	Timeout time.Duration
	Mode    Mode
	Header  http.Header
	// OnChunk receives the cumulative byte count and elapsed time after
	// each chunk read in ModeStream. It runs on the probing goroutine and
	// must not block.
	OnChunk func(bytes int64, elapsed time.Duration)
	// NoRedirect keeps 3xx responses visible to the caller instead of
	// following them.
	NoRedirect bool
	// Insecure skips TLS verification; only diagnostic trace endpoints
	// addressed by IP need it.
	Insecure bool
}

// Result captures a completed request. A Result is returned alongside a
// NonSuccess error so callers that only need wall-clock timing can keep the
// sample even when the response body is opaque to them.
type Result struct {
	Elapsed          time.Duration
	StatusCode       int
	BytesTransferred int64
	Header           http.Header
	Body             []byte // only in ModeRead
}

// ElapsedMs returns the elapsed wall-clock time in milliseconds.
func (r *Result) ElapsedMs() float64 {
	return float64(r.Elapsed.Nanoseconds()) / 1e6
}

const chunkSize = 32 * 1024

// Do executes exactly one network request. The returned Result is non-nil
// whenever a response arrived, including responses carried alongside a
// NonSuccess error; modules measuring only latency treat any response that
// beats the deadline as a valid sample.
func Do(ctx context.Context, req Request) (*Result, error) {
	if req.URL == "" {
		return nil, &Error{Kind: KindConfigInvalid, URL: req.URL, Err: errors.New("empty probe URL")}
	}
	method := req.Method
	if method == "" {
		method = http.MethodHead
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var bodyReader io.Reader
	if len(req.Body) > 0 {
		bodyReader = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(reqCtx, method, req.URL, bodyReader)
	if err != nil {
		return nil, &Error{Kind: KindConfigInvalid, URL: req.URL, Err: err}
	}
	for key, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}

	client := newClient(req, timeout)

	start := time.Now()
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, classify(ctx, reqCtx, req.URL, err)
	}
	defer resp.Body.Close()

	res := &Result{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
	}

	switch req.Mode {
	case ModeStream:
		buf := make([]byte, chunkSize)
		for {
			n, readErr := resp.Body.Read(buf)
			if n > 0 {
				res.BytesTransferred += int64(n)
				if req.OnChunk != nil {
					req.OnChunk(res.BytesTransferred, time.Since(start))
				}
			}
			if readErr == io.EOF {
				break
			}
			if readErr != nil {
				res.Elapsed = time.Since(start)
				return res, classify(ctx, reqCtx, req.URL, readErr)
			}
		}
	case ModeRead:
		body, readErr := io.ReadAll(resp.Body)
		res.Body = body
		res.BytesTransferred = int64(len(body))
		if readErr != nil {
			res.Elapsed = time.Since(start)
			return res, classify(ctx, reqCtx, req.URL, readErr)
		}
	}

	res.Elapsed = time.Since(start)

	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return res, &Error{Kind: KindNonSuccess, URL: req.URL, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	return res, nil
}

// newClient builds a throwaway client for one probe. Keep-alives are off so
// every sample carries full DNS, connect and handshake time.
func newClient(req Request, timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy:             http.ProxyFromEnvironment,
		DisableKeepAlives: true,
		TLSClientConfig:   &tls.Config{InsecureSkipVerify: req.Insecure},
	}
	client := &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
	if req.NoRedirect {
		client.CheckRedirect = func(r *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}
	return client
}

// classify maps a transport error onto a probe error kind. The parent
// context is consulted first so a cancelled run never reads as a timeout.
func classify(parent, reqCtx context.Context, url string, err error) error {
	switch {
	case parent.Err() != nil && errors.Is(parent.Err(), context.Canceled):
		return &Error{Kind: KindCancelled, URL: url, Err: err}
	case errors.Is(err, context.Canceled):
		return &Error{Kind: KindCancelled, URL: url, Err: err}
	case reqCtx.Err() != nil && errors.Is(reqCtx.Err(), context.DeadlineExceeded):
		return &Error{Kind: KindTimeout, URL: url, Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: KindTimeout, URL: url, Err: err}
	default:
		return &Error{Kind: KindNetworkError, URL: url, Err: err}
	}
}
