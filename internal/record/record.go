// ABOUTME: Canonical context record exchanged between the agent and other applications.
// ABOUTME: Defines merge semantics and deterministic id derivation for external events.

package record

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// externalIDPrefix namespaces ids derived from externally authored events so
// they can never collide with locally assigned uuids.
const externalIDPrefix = "ext"

// Metadata carries provenance for a record that originated outside this process.
type Metadata struct {
	SourceAppID   string `json:"sourceAppId,omitempty"`
	SourceAppName string `json:"sourceAppName,omitempty"`
	// ExternalID is the correlation id assigned by the originating application,
	// when it provides one. Records sharing an ExternalID derive the same local id.
	ExternalID string `json:"externalId,omitempty"`
}

// Record is the unit of context shared with other applications on this machine.
// The schema is fixed and owned by this system; peers consume it as-is.
type Record struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Type   string `json:"type"`

	// Data is an opaque payload whose schema is owned by the producer.
	Data map[string]any `json:"data,omitempty"`

	Timestamp time.Time  `json:"timestamp"`
	Expiry    *time.Time `json:"expiryTimestamp,omitempty"`

	// Priority is reserved for future ordering and currently advisory.
	Priority int `json:"priority"`

	// Confidence is in [0,1]; only records at or above the configured threshold
	// are pushed outward. Advisory to consumers, not enforced by transports.
	Confidence float64 `json:"confidence"`

	Tags     []string `json:"tags,omitempty"`
	Metadata Metadata `json:"metadata"`
}

// New creates a locally authored record with a fresh uuid and current timestamp.
func New(source, typ string, data map[string]any) *Record {
	return &Record{
		ID:         uuid.New().String(),
		Source:     source,
		Type:       typ,
		Data:       data,
		Timestamp:  time.Now(),
		Confidence: 1.0,
	}
}

// Clone returns a deep copy. Data and Tags are copied so callers may mutate
// the result without aliasing the original.
func (r *Record) Clone() *Record {
	out := *r
	if r.Data != nil {
		out.Data = make(map[string]any, len(r.Data))
		for k, v := range r.Data {
			out.Data[k] = v
		}
	}
	if r.Tags != nil {
		out.Tags = append([]string(nil), r.Tags...)
	}
	if r.Expiry != nil {
		exp := *r.Expiry
		out.Expiry = &exp
	}
	return &out
}

// Merge applies patch on top of r. Present fields in patch overwrite, absent
// fields persist: zero-valued scalars are skipped, Data is merged key by key,
// Tags and Expiry replace only when set. The id is never touched.
func (r *Record) Merge(patch *Record) {
	if patch == nil {
		return
	}
	if patch.Source != "" {
		r.Source = patch.Source
	}
	if patch.Type != "" {
		r.Type = patch.Type
	}
	if len(patch.Data) > 0 {
		if r.Data == nil {
			r.Data = make(map[string]any, len(patch.Data))
		}
		for k, v := range patch.Data {
			r.Data[k] = v
		}
	}
	if !patch.Timestamp.IsZero() {
		r.Timestamp = patch.Timestamp
	}
	if patch.Expiry != nil {
		exp := *patch.Expiry
		r.Expiry = &exp
	}
	if patch.Priority != 0 {
		r.Priority = patch.Priority
	}
	if patch.Confidence != 0 {
		r.Confidence = patch.Confidence
	}
	if patch.Tags != nil {
		r.Tags = append([]string(nil), patch.Tags...)
	}
	if patch.Metadata.SourceAppID != "" {
		r.Metadata.SourceAppID = patch.Metadata.SourceAppID
	}
	if patch.Metadata.SourceAppName != "" {
		r.Metadata.SourceAppName = patch.Metadata.SourceAppName
	}
	if patch.Metadata.ExternalID != "" {
		r.Metadata.ExternalID = patch.Metadata.ExternalID
	}
}

// HasTag reports whether the record carries the given tag.
func (r *Record) HasTag(tag string) bool {
	for _, t := range r.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Expired reports whether the record's expiry has passed at the given instant.
// Records without an expiry never expire.
func (r *Record) Expired(now time.Time) bool {
	return r.Expiry != nil && now.After(*r.Expiry)
}

// DeriveID returns the stable local id for an external event that carries its
// own correlation id. Re-delivery of the same event always derives the same id.
func DeriveID(correlationID string) string {
	return fmt.Sprintf("%s-%s", externalIDPrefix, correlationID)
}

// DeriveFallbackID encodes (source app id, type, timestamp) into a local id for
// external events without a correlation id. Best effort only: if the source
// emits two distinct events with colliding timestamps they collapse to one id.
func DeriveFallbackID(sourceAppID, typ string, ts time.Time) string {
	tuple := fmt.Sprintf("%s|%s|%d", sourceAppID, typ, ts.UnixMilli())
	return fmt.Sprintf("%s-%s", externalIDPrefix, base64.RawURLEncoding.EncodeToString([]byte(tuple)))
}

// IsExternal reports whether the id was derived from an external event.
func IsExternal(id string) bool {
	return len(id) > len(externalIDPrefix)+1 && id[:len(externalIDPrefix)+1] == externalIDPrefix+"-"
}
