package beacon

// ResourceEvent is the telemetry event emitted for every completed network
// operation. It is what the SDK's built-in resource handler serializes into
// the batch store.
type ResourceEvent struct {
	Type       string `json:"type"`
	Timestamp  int64  `json:"date"`
	Method     string `json:"method"`
	URL        string `json:"url"`
	StatusCode int    `json:"status_code,omitempty"`
	SizeBytes  int64  `json:"size,omitempty"`
	DurationNs int64  `json:"duration,omitempty"`
	FirstParty bool   `json:"first_party"`
	TraceID    string `json:"trace_id,omitempty"`
	SpanID     string `json:"span_id,omitempty"`
	Error      string `json:"error,omitempty"`
}

// LogEvent is the telemetry event emitted by log producers such as the
// logrus integration.
type LogEvent struct {
	Type       string         `json:"type"`
	Timestamp  int64          `json:"date"`
	Status     string         `json:"status"`
	Message    string         `json:"message"`
	Service    string         `json:"service,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// newResourceEvent builds a ResourceEvent from a completed interception
// record.
func newResourceEvent(record *InterceptionRecord) ResourceEvent {
	event := ResourceEvent{
		Type:       "resource",
		Timestamp:  record.CompletedAt().UnixMilli(),
		Method:     record.Request().Method,
		FirstParty: record.IsFirstParty(),
		SizeBytes:  record.ReceivedBytes(),
	}
	if u := record.Request().URL; u != nil {
		event.URL = u.String()
	}
	if m := record.Metrics(); m != nil {
		event.DurationNs = m.Fetch.Duration().Nanoseconds()
	}
	if resp := record.Response(); resp != nil {
		event.StatusCode = resp.StatusCode
	}
	if err := record.Err(); err != nil {
		event.Error = err.Error()
	}
	if tc := record.TraceContext(); tc != nil {
		event.TraceID = tc.TraceID.String()
		event.SpanID = tc.SpanID.String()
	}
	return event
}

// resourceHandler is the built-in Handler that turns completed interception
// records into ResourceEvents and writes them to the client's batch store.
type resourceHandler struct {
	NoopHandler
	client *Client
}

func (h *resourceHandler) OnInterceptionComplete(record *InterceptionRecord) {
	// A buffered disk append, cheap enough for the serial queue.
	_ = h.client.WriteEvent(newResourceEvent(record))
}
