package audit

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kwstx/mandate/pkg/canonicalize"
)

var (
	// ErrEmptyTraceID is returned when the trace id is empty.
	ErrEmptyTraceID = errors.New("audit: trace_id must not be empty")
	// ErrNoEvents is returned when a trace has nothing to export.
	ErrNoEvents = errors.New("audit: no events recorded for trace")
)

// EvidencePack is a portable export of one trace's decision chain.
type EvidencePack struct {
	TraceID     string    `json:"trace_id"`
	GeneratedAt time.Time `json:"generated_at"`
	EventCount  int       `json:"event_count"`
	ChainHead   string    `json:"chain_head"`
	Checksum    string    `json:"checksum"`
}

// Exporter creates evidence packs from a trail.
type Exporter struct {
	trail *Trail
	clock func() time.Time
}

func NewExporter(t *Trail) *Exporter {
	return &Exporter{trail: t, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (e *Exporter) WithClock(clock func() time.Time) *Exporter {
	e.clock = clock
	return e
}

// GeneratePack zips a trace's events, its reconstructed decision chain
// and a manifest, and returns the archive with its checksum.
func (e *Exporter) GeneratePack(traceID string) ([]byte, string, error) {
	if traceID == "" {
		return nil, "", ErrEmptyTraceID
	}
	events := e.trail.EventsForTrace(traceID)
	if len(events) == 0 {
		return nil, "", fmt.Errorf("%w: %s", ErrNoEvents, traceID)
	}

	eventsJSON, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		return nil, "", err
	}
	chainJSON, err := json.MarshalIndent(e.trail.ReconstructDecisionChain(traceID), "", "  ")
	if err != nil {
		return nil, "", err
	}

	manifest := map[string]interface{}{
		"trace_id":     traceID,
		"generated_at": e.clock().UTC(),
		"event_count":  len(events),
		"chain_head":   e.trail.Head(),
	}
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("audit: failed to marshal manifest: %w", err)
	}

	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)
	files := []struct {
		name    string
		content []byte
	}{
		{"events.json", eventsJSON},
		{"decision_chain.json", chainJSON},
		{"manifest.json", manifestJSON},
	}
	for _, file := range files {
		name, content := file.name, file.content
		f, err := w.Create(name)
		if err != nil {
			return nil, "", err
		}
		if _, err := f.Write(content); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}

	zipBytes := buf.Bytes()
	return zipBytes, canonicalize.HashBytes(zipBytes), nil
}
