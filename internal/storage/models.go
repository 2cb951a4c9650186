package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// CodeOK marks a successful relay in the ledger.
const CodeOK = "ok"

// UsageRecord is one relay outcome. Message content is never stored; the
// client is recorded only as a hash.
type UsageRecord struct {
	ID          string
	CreatedAt   time.Time
	RequestID   string
	PersonaID   int
	PersonaName string
	Provider    string
	Model       string
	Code        string // CodeOK or a chaterr code
	Status      int
	Latency     time.Duration
	ClientHash  string
}

// ProviderSummary aggregates usage for one provider.
type ProviderSummary struct {
	Provider   string
	Requests   int
	Failures   int
	AvgLatency time.Duration
}
