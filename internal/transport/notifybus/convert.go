// ABOUTME: Pure mapping between local context records and notification payloads.
// ABOUTME: Derives stable local ids from correlation ids or the provenance tuple.

package notifybus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/2389/coven-context/internal/record"
)

// wireRecord is the payload carried inside a distributed notification. The
// schema is fixed and owned by this system; peer applications post and
// consume it as-is.
type wireRecord struct {
	// ContextID is the poster's correlation id. Optional; when present,
	// re-delivery derives the same local id.
	ContextID string `json:"contextId,omitempty"`

	AppID   string `json:"appId"`
	AppName string `json:"appName,omitempty"`

	Kind    string         `json:"kind"`
	Payload map[string]any `json:"payload,omitempty"`

	PostedAt  time.Time  `json:"postedAt"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`

	Confidence float64  `json:"confidence"`
	Priority   int      `json:"priority,omitempty"`
	Tags       []string `json:"tags,omitempty"`

	// Notification is the target schema's scope field: the notification name
	// the payload was posted under.
	Notification string `json:"notification"`
}

// toWire maps a local record outward, stamping this system's application
// identity and the notification scope.
func toWire(rec *record.Record, appID, appName, notification string) *wireRecord {
	return &wireRecord{
		ContextID:    rec.ID,
		AppID:        appID,
		AppName:      appName,
		Kind:         rec.Type,
		Payload:      rec.Data,
		PostedAt:     rec.Timestamp,
		ExpiresAt:    rec.Expiry,
		Confidence:   rec.Confidence,
		Priority:     rec.Priority,
		Tags:         rec.Tags,
		Notification: notification,
	}
}

// fromWire maps an external payload into a local record, stamping the
// adapter's source tag so the record is never re-pushed by this adapter.
func fromWire(w *wireRecord, sourceTag string) (*record.Record, error) {
	if w.AppID == "" {
		return nil, fmt.Errorf("notification payload missing appId")
	}
	if w.Kind == "" {
		return nil, fmt.Errorf("notification payload missing kind")
	}

	var id string
	if w.ContextID != "" {
		id = record.DeriveID(w.ContextID)
	} else {
		id = record.DeriveFallbackID(w.AppID, w.Kind, w.PostedAt)
	}

	rec := &record.Record{
		ID:         id,
		Source:     sourceTag,
		Type:       w.Kind,
		Data:       w.Payload,
		Timestamp:  w.PostedAt,
		Confidence: w.Confidence,
		Priority:   w.Priority,
		Tags:       w.Tags,
		Metadata: record.Metadata{
			SourceAppID:   w.AppID,
			SourceAppName: w.AppName,
			ExternalID:    w.ContextID,
		},
	}
	if w.ExpiresAt != nil {
		exp := *w.ExpiresAt
		rec.Expiry = &exp
	}
	return rec, nil
}

// decodeWire parses a spooled notification payload file.
func decodeWire(data []byte) (*wireRecord, error) {
	var w wireRecord
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decoding notification payload: %w", err)
	}
	return &w, nil
}
