package beacon

// Consent is the host application's tracking-consent value. The upload
// scheduler sends data only under ConsentGranted; under ConsentPending data
// is batched to disk and held; moving to ConsentNotGranted wipes everything
// collected so far.
type Consent int32

const (
	// ConsentPending batches events durably without uploading them.
	ConsentPending Consent = iota
	// ConsentGranted batches and uploads events.
	ConsentGranted
	// ConsentNotGranted drops new events and wipes pending batches.
	ConsentNotGranted
)

func (c Consent) String() string {
	switch c {
	case ConsentPending:
		return "pending"
	case ConsentGranted:
		return "granted"
	case ConsentNotGranted:
		return "not-granted"
	default:
		return "unknown"
	}
}
