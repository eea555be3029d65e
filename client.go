package beacon

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"

	"github.com/beacon-telemetry/beacon-go/internal/batch"
	"github.com/beacon-telemetry/beacon-go/internal/debuglog"
	"github.com/beacon-telemetry/beacon-go/internal/upload"
)

// SdkName and SdkVersion identify this SDK to the intake.
const (
	SdkName    = "beacon.go"
	SdkVersion = "0.1.0"
)

// ClientOptions configures a Client. Endpoint is required; every other
// field has a usable zero-value default.
type ClientOptions struct {
	// Endpoint is the intake URL batches are uploaded to.
	Endpoint string
	// ClientToken authenticates the SDK against the intake.
	ClientToken string
	// Service names the host application in emitted events.
	Service string

	// FirstPartyHosts maps hosts owned by the application's backend to the
	// trace header encodings to inject for them. An empty encoding list
	// selects Datadog + W3C headers.
	FirstPartyHosts map[string][]HeaderEncoding
	// TraceSampleRate is the fraction of first-party requests whose
	// injected trace is marked sampled. Defaults to 1.0.
	TraceSampleRate float64

	// StorageDir is the root directory for durable batch storage.
	// Defaults to a "beacon" directory under the OS temp dir.
	StorageDir string
	// MaxBatchSize, MaxBatchEvents and MaxBatchAge bound the open batch.
	MaxBatchSize   int64
	MaxBatchEvents int
	MaxBatchAge    time.Duration
	// MaxStoreSize caps total durable storage per track.
	MaxStoreSize int64

	// UploadInitialDelay, UploadMinDelay and UploadMaxDelay bound the
	// scheduler's adaptive delay.
	UploadInitialDelay time.Duration
	UploadMinDelay     time.Duration
	UploadMaxDelay     time.Duration
	// UploadTimeout bounds a single upload attempt.
	UploadTimeout time.Duration

	// Reachability, when non-nil, is consulted before each upload cycle;
	// nil means the network is assumed reachable.
	Reachability func() bool
	// HTTPClient overrides the upload HTTP client.
	HTTPClient *http.Client

	// Debug enables SDK diagnostic logging.
	Debug bool
	// DebugLogger overrides where diagnostics go when Debug is set.
	DebugLogger *log.Logger
}

// Client is one SDK instance: it owns the interception engine, the durable
// batch store and the upload scheduler. There are no process-wide
// singletons; everything hangs off the instance.
type Client struct {
	options  ClientOptions
	handlers *handlerRegistry

	interceptor *Interceptor
	injector    *injector
	store       *batch.Store
	scheduler   *upload.Scheduler

	consent   atomic.Int32
	closeOnce sync.Once
}

// NewClient validates options, opens durable storage and starts the upload
// scheduler. The returned client is ready to intercept.
func NewClient(options ClientOptions) (*Client, error) {
	if options.Endpoint == "" {
		return nil, errors.New("beacon: ClientOptions.Endpoint is required")
	}
	if _, err := url.Parse(options.Endpoint); err != nil {
		return nil, fmt.Errorf("beacon: invalid endpoint: %w", err)
	}
	if options.TraceSampleRate == 0 {
		options.TraceSampleRate = 1.0
	}
	if options.StorageDir == "" {
		options.StorageDir = filepath.Join(os.TempDir(), "beacon")
	}

	if options.Debug {
		logger := options.DebugLogger
		if logger == nil {
			logger = log.New(os.Stderr, "[Beacon] ", log.LstdFlags)
		}
		debuglog.SetLogger(logger)
	}

	store, err := batch.Open(batch.Options{
		Dir:            filepath.Join(options.StorageDir, "rum"),
		MaxBatchSize:   options.MaxBatchSize,
		MaxBatchEvents: options.MaxBatchEvents,
		MaxBatchAge:    options.MaxBatchAge,
		MaxStoreSize:   options.MaxStoreSize,
	})
	if err != nil {
		return nil, fmt.Errorf("beacon: %w", err)
	}

	client := &Client{
		options:  options,
		handlers: &handlerRegistry{},
		store:    store,
	}
	client.consent.Store(int32(ConsentGranted))
	client.injector = &injector{handlers: client.handlers}
	client.interceptor = newInterceptor(client.handlers)

	uploader := upload.NewUploader(upload.UploaderOptions{
		Endpoint:    options.Endpoint,
		ClientToken: options.ClientToken,
		HTTPClient:  options.HTTPClient,
		Timeout:     options.UploadTimeout,
		UserAgent:   SdkName + "/" + SdkVersion,
	})
	client.scheduler = upload.NewScheduler(store, uploader, upload.SchedulerOptions{
		InitialDelay: options.UploadInitialDelay,
		MinDelay:     options.UploadMinDelay,
		MaxDelay:     options.UploadMaxDelay,
		Gate:         client.uploadGate,
	})

	client.handlers.register(&resourceHandler{client: client})
	if len(options.FirstPartyHosts) > 0 {
		client.handlers.register(NewTracePropagationHandler(
			NewHostTable(options.FirstPartyHosts),
			options.TraceSampleRate,
			time.Now().UnixNano(),
		))
	}

	client.scheduler.Start()
	return client, nil
}

// uploadGate combines consent and reachability into the scheduler's gate.
func (c *Client) uploadGate() bool {
	if c.Consent() != ConsentGranted {
		return false
	}
	if c.options.Reachability != nil && !c.options.Reachability() {
		return false
	}
	return true
}

// RegisterHandler plugs a consumer into the interception pipeline. Handlers
// are notified in registration order.
func (c *Client) RegisterHandler(h Handler) {
	c.handlers.register(h)
}

// Interceptor exposes the interception registry to network-stack hooks.
func (c *Client) Interceptor() *Interceptor {
	return c.interceptor
}

// InterceptRequest runs the outgoing request through the trace injection
// pipeline and reports whether it targeted a first-party host. The request
// may be returned rewritten with correlation headers.
func (c *Client) InterceptRequest(req *http.Request) (*http.Request, []TraceContext, bool) {
	firstParty := c.handlers.firstPartyHosts().IsFirstParty(req.URL)
	req, contexts := c.injector.Intercept(req, HostTable{})
	return req, contexts, firstParty
}

// WriteEvent serializes the event and appends it to the durable batch
// store. Under ConsentNotGranted the event is dropped. A storage failure is
// returned to the caller and never panics into host code.
func (c *Client) WriteEvent(event any) error {
	if c.Consent() == ConsentNotGranted {
		return nil
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("beacon: encoding event: %w", err)
	}
	if err := c.store.Write(payload); err != nil {
		debuglog.Printf("event dropped: %v", err)
		return err
	}
	return nil
}

// Consent returns the current tracking consent.
func (c *Client) Consent() Consent {
	return Consent(c.consent.Load())
}

// SetConsent updates tracking consent. Moving to ConsentNotGranted wipes
// all batches collected so far.
func (c *Client) SetConsent(consent Consent) {
	previous := Consent(c.consent.Swap(int32(consent)))
	if consent == ConsentNotGranted && previous != ConsentNotGranted {
		c.store.DeleteAll(batch.ReasonPurged)
	}
}

// BatchDeletions returns the store's per-reason delete counters, keyed by
// removal reason string.
func (c *Client) BatchDeletions() map[string]int64 {
	stats := c.store.Stats()
	out := make(map[string]int64, len(stats))
	for reason, n := range stats {
		out[string(reason)] = n
	}
	return out
}

// Flush blocks until pending interception work has drained and eligible
// batches have been uploaded best-effort, or the timeout elapses. It is a
// barrier for shutdown and tests, not a steady-state operation.
func (c *Client) Flush(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	if !c.interceptor.Flush(timeout) {
		return false
	}
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return false
	}
	return c.scheduler.Flush(remaining)
}

// Close stops the upload scheduler and the interception queue. Batches
// still on disk stay there for the next process launch.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.scheduler.Stop()
		c.interceptor.Close()
		if err := c.store.Close(); err != nil {
			debuglog.Printf("closing store: %v", err)
		}
	})
}
