// ABOUTME: Mapping between local context records and the message-bus update schema.
// ABOUTME: Bus updates carry a relative TTL instead of an absolute expiry.

package msgbus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/2389/coven-context/internal/record"
)

// wireUpdate is the payload exchanged over the context hub. Timestamps are
// unix millis and lifetime is a relative TTL, per the hub's conventions.
type wireUpdate struct {
	CorrelationID string         `json:"correlation_id,omitempty"`
	Sender        string         `json:"sender"`
	SenderName    string         `json:"sender_name,omitempty"`
	Category      string         `json:"category"`
	Fields        map[string]any `json:"fields,omitempty"`
	EmittedAtMs   int64          `json:"emitted_at_ms"`
	TTLMs         int64          `json:"ttl_ms,omitempty"`
	Confidence    float64        `json:"confidence"`
	Urgency       int            `json:"urgency,omitempty"`
	Keywords      []string       `json:"keywords,omitempty"`
}

// toWire maps a local record outward, stamping this system's identity and
// converting absolute expiry to a TTL relative to the emit timestamp.
func toWire(rec *record.Record, appID, appName string) *wireUpdate {
	w := &wireUpdate{
		CorrelationID: rec.ID,
		Sender:        appID,
		SenderName:    appName,
		Category:      rec.Type,
		Fields:        rec.Data,
		EmittedAtMs:   rec.Timestamp.UnixMilli(),
		Confidence:    rec.Confidence,
		Urgency:       rec.Priority,
		Keywords:      rec.Tags,
	}
	if rec.Expiry != nil {
		if ttl := rec.Expiry.Sub(rec.Timestamp); ttl > 0 {
			w.TTLMs = ttl.Milliseconds()
		}
	}
	return w
}

// fromWire maps a hub update into a local record stamped with the adapter's
// source tag.
func fromWire(w *wireUpdate, sourceTag string) (*record.Record, error) {
	if w.Sender == "" {
		return nil, fmt.Errorf("update missing sender")
	}
	if w.Category == "" {
		return nil, fmt.Errorf("update missing category")
	}

	emitted := time.UnixMilli(w.EmittedAtMs)

	var id string
	if w.CorrelationID != "" {
		id = record.DeriveID(w.CorrelationID)
	} else {
		id = record.DeriveFallbackID(w.Sender, w.Category, emitted)
	}

	rec := &record.Record{
		ID:         id,
		Source:     sourceTag,
		Type:       w.Category,
		Data:       w.Fields,
		Timestamp:  emitted,
		Confidence: w.Confidence,
		Priority:   w.Urgency,
		Tags:       w.Keywords,
		Metadata: record.Metadata{
			SourceAppID:   w.Sender,
			SourceAppName: w.SenderName,
			ExternalID:    w.CorrelationID,
		},
	}
	if w.TTLMs > 0 {
		exp := emitted.Add(time.Duration(w.TTLMs) * time.Millisecond)
		rec.Expiry = &exp
	}
	return rec, nil
}

func encodeUpdate(w *wireUpdate) ([]byte, error) {
	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("encoding hub update: %w", err)
	}
	return data, nil
}

func decodeUpdate(data []byte) (*wireUpdate, error) {
	var w wireUpdate
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decoding hub update: %w", err)
	}
	return &w, nil
}
