package upload

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/beacon-telemetry/beacon-go/internal/debuglog"
)

const defaultTimeout = 30 * time.Second

// maxDrainResponseBytes is the maximum number of bytes read from response
// bodies when draining them. The intake's responses are short and their
// contents are not needed, but net/http requires bodies to be fully drained
// and closed for TCP keep-alive to work.
const maxDrainResponseBytes = 16 << 10

// UploaderOptions configures an Uploader.
type UploaderOptions struct {
	// Endpoint is the intake URL batches are POSTed to.
	Endpoint string
	// ClientToken authenticates the SDK against the intake.
	ClientToken string
	// HTTPClient overrides the default client, e.g. for tests or proxies.
	HTTPClient *http.Client
	// Timeout bounds one attempt. Defaults to 30 seconds.
	Timeout time.Duration
	// UserAgent is sent with every request.
	UserAgent string
}

// Uploader issues one HTTP POST per batch and blocks the calling goroutine
// until the response or the timeout arrives. The blocking behavior is
// intentional: it lets the scheduler treat an upload as a plain call on its
// own background goroutine.
type Uploader struct {
	endpoint  string
	token     string
	client    *http.Client
	timeout   time.Duration
	userAgent string
}

// NewUploader returns an Uploader for the given intake.
func NewUploader(opts UploaderOptions) *Uploader {
	u := &Uploader{
		endpoint:  opts.Endpoint,
		token:     opts.ClientToken,
		client:    opts.HTTPClient,
		timeout:   opts.Timeout,
		userAgent: opts.UserAgent,
	}
	if u.timeout <= 0 {
		u.timeout = defaultTimeout
	}
	if u.client == nil {
		u.client = &http.Client{}
	}
	return u
}

// Upload sends the batch's events as one gzip-compressed newline-delimited
// JSON body. The attempt counter continues from the previous status: 0 on
// the first try, previous.Attempt+1 after. A timeout with no callback at
// all yields the synthetic unreachable status.
func (u *Uploader) Upload(ctx context.Context, events [][]byte, previous *Status) Status {
	attempt := 0
	if previous != nil {
		attempt = previous.Attempt + 1
	}

	body, err := compressEvents(events)
	if err != nil {
		// Unencodable payload, no point retrying.
		return Status{Attempt: attempt, Description: "payload encoding failed", Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.endpoint, bytes.NewReader(body))
	if err != nil {
		return Status{Attempt: attempt, Description: "building request failed", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")
	if u.token != "" {
		req.Header.Set("Beacon-Client-Token", u.token)
	}
	if u.userAgent != "" {
		req.Header.Set("User-Agent", u.userAgent)
	}

	resp, err := u.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			debuglog.Printf("upload attempt %d timed out: %v", attempt, err)
			return unreachableStatus(err, attempt)
		}
		debuglog.Printf("upload attempt %d failed: %v", attempt, err)
		return statusFromError(err, attempt)
	}
	defer resp.Body.Close()

	// Drain up to a limit so the transport can reuse the connection.
	_, _ = io.CopyN(io.Discard, resp.Body, maxDrainResponseBytes)

	status := statusFromResponse(resp.StatusCode, attempt)
	debuglog.Printf("upload attempt %d: %s", attempt, status.Description)
	return status
}

func compressEvents(events [][]byte) ([]byte, error) {
	var buf bytes.Buffer
	gz, err := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
	if err != nil {
		return nil, err
	}
	for _, event := range events {
		if _, err := gz.Write(event); err != nil {
			return nil, err
		}
		if _, err := gz.Write([]byte{'\n'}); err != nil {
			return nil, err
		}
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
