// Package beaconlogrus provides a Logrus hook that feeds log entries into
// the SDK's batched delivery pipeline as telemetry events.
package beaconlogrus

import (
	"time"

	"github.com/sirupsen/logrus"

	beacon "github.com/beacon-telemetry/beacon-go"
)

var levelMap = map[logrus.Level]string{
	logrus.TraceLevel: "debug",
	logrus.DebugLevel: "debug",
	logrus.InfoLevel:  "info",
	logrus.WarnLevel:  "warn",
	logrus.ErrorLevel: "error",
	logrus.FatalLevel: "critical",
	logrus.PanicLevel: "critical",
}

// Hook writes logrus entries through a beacon.Client into the durable batch
// store, where they ride the same upload pipeline as resource events.
//
// It is not safe to reconfigure the hook while logging is happening; perform
// all configuration before use.
type Hook struct {
	client  *beacon.Client
	service string
	levels  []logrus.Level
}

// New returns a hook emitting entries of the given levels through client.
// Passing no levels selects every level at or above logrus.InfoLevel.
func New(client *beacon.Client, levels ...logrus.Level) *Hook {
	if len(levels) == 0 {
		for l := logrus.PanicLevel; l <= logrus.InfoLevel; l++ {
			levels = append(levels, l)
		}
	}
	return &Hook{client: client, levels: levels}
}

// WithService sets the service name stamped on emitted events.
func (h *Hook) WithService(service string) *Hook {
	h.service = service
	return h
}

// Levels implements logrus.Hook.
func (h *Hook) Levels() []logrus.Level {
	return h.levels
}

// Fire implements logrus.Hook. A storage failure is returned to logrus; it
// never panics into the host.
func (h *Hook) Fire(entry *logrus.Entry) error {
	event := beacon.LogEvent{
		Type:      "log",
		Timestamp: entry.Time.UnixMilli(),
		Status:    levelMap[entry.Level],
		Message:   entry.Message,
		Service:   h.service,
	}
	if len(entry.Data) > 0 {
		event.Attributes = make(map[string]any, len(entry.Data))
		for k, v := range entry.Data {
			if k == logrus.ErrorKey {
				if err, ok := v.(error); ok {
					event.Error = err.Error()
					continue
				}
			}
			event.Attributes[k] = v
		}
	}
	return h.client.WriteEvent(event)
}

// Flush drains the client's pipeline; call it before process exit so fatal
// log entries reach the intake.
func (h *Hook) Flush(timeout time.Duration) bool {
	return h.client.Flush(timeout)
}
