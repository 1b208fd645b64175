// Package api defines the response envelope upstream callers wrap
// around core payloads: verification metadata with a content digest so
// consumers can detect transport tampering, plus the api version gate.
package api

import (
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"

	"github.com/kwstx/mandate/pkg/canonicalize"
)

// Version is the current API version carried on envelopes.
const Version = "1.0.0"

// supportedVersions gates which envelope versions this core accepts
// when consuming responses from peers.
var supportedVersions, _ = semver.NewConstraint("^1.0.0")

// Envelope wraps a payload with verification metadata.
type Envelope struct {
	ResponseID       string      `json:"response_id"`
	TimestampMs      int64       `json:"timestamp_ms"`
	PlatformID       string      `json:"platform_id"`
	APIVersion       string      `json:"api_version"`
	ResponseDigest   string      `json:"response_digest"`
	ProcessingTimeMs int64       `json:"processing_time_ms"`
	TraceID          string      `json:"trace_id,omitempty"`
	ComplianceTags   []string    `json:"compliance_tags,omitempty"`
	Payload          interface{} `json:"payload"`
}

// Wrap builds an envelope around payload, digesting its canonical
// form.
func Wrap(platformID, traceID string, payload interface{}, startedAt, now time.Time, tags ...string) (Envelope, error) {
	digest, err := canonicalize.CanonicalHash(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("api: payload digest failed: %w", err)
	}
	return Envelope{
		ResponseID:       uuid.New().String(),
		TimestampMs:      now.UnixMilli(),
		PlatformID:       platformID,
		APIVersion:       Version,
		ResponseDigest:   digest,
		ProcessingTimeMs: now.Sub(startedAt).Milliseconds(),
		TraceID:          traceID,
		ComplianceTags:   tags,
		Payload:          payload,
	}, nil
}

// VerifyDigest recomputes the payload digest and compares it to the
// envelope's.
func (e Envelope) VerifyDigest() (bool, error) {
	digest, err := canonicalize.CanonicalHash(e.Payload)
	if err != nil {
		return false, err
	}
	return digest == e.ResponseDigest, nil
}

// CheckVersion reports whether the envelope's api version is one this
// core can consume.
func (e Envelope) CheckVersion() error {
	v, err := semver.NewVersion(e.APIVersion)
	if err != nil {
		return fmt.Errorf("api: invalid version %q: %w", e.APIVersion, err)
	}
	if !supportedVersions.Check(v) {
		return fmt.Errorf("api: version %s is unsupported", e.APIVersion)
	}
	return nil
}
