// ABOUTME: Pure mapping between local context records and the host activity schema.
// ABOUTME: The first-party context API speaks activities; ids derive from activityId.

package autohost

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/2389/coven-context/internal/record"
)

// scopeGlobal is the activity scope meaning "visible to every application".
const scopeGlobal = "global"

// wireActivity is the schema the automation host exchanges with the
// first-party context API. Structurally inverse to the local record but not
// byte-identical: field names and the scope field belong to the native API.
type wireActivity struct {
	ActivityID     string         `json:"activityId,omitempty"`
	AppUserModelID string         `json:"appUserModelId"`
	DisplayName    string         `json:"displayName,omitempty"`
	ContextType    string         `json:"contextType"`
	Body           map[string]any `json:"body,omitempty"`
	CreatedTime    time.Time      `json:"createdTime"`
	ExpirationTime *time.Time     `json:"expirationTime,omitempty"`
	Confidence     float64        `json:"confidence"`
	Priority       int            `json:"priority,omitempty"`
	Labels         []string       `json:"labels,omitempty"`
	Scope          string         `json:"scope"`
}

// toWire maps a local record outward, stamping this system's application
// identity and the global scope.
func toWire(rec *record.Record, appID, appName string) *wireActivity {
	return &wireActivity{
		ActivityID:     rec.ID,
		AppUserModelID: appID,
		DisplayName:    appName,
		ContextType:    rec.Type,
		Body:           rec.Data,
		CreatedTime:    rec.Timestamp,
		ExpirationTime: rec.Expiry,
		Confidence:     rec.Confidence,
		Priority:       rec.Priority,
		Labels:         rec.Tags,
		Scope:          scopeGlobal,
	}
}

// fromWire maps a host activity into a local record stamped with the
// adapter's source tag.
func fromWire(w *wireActivity, sourceTag string) (*record.Record, error) {
	if w.AppUserModelID == "" {
		return nil, fmt.Errorf("activity missing appUserModelId")
	}
	if w.ContextType == "" {
		return nil, fmt.Errorf("activity missing contextType")
	}

	var id string
	if w.ActivityID != "" {
		id = record.DeriveID(w.ActivityID)
	} else {
		id = record.DeriveFallbackID(w.AppUserModelID, w.ContextType, w.CreatedTime)
	}

	rec := &record.Record{
		ID:         id,
		Source:     sourceTag,
		Type:       w.ContextType,
		Data:       w.Body,
		Timestamp:  w.CreatedTime,
		Confidence: w.Confidence,
		Priority:   w.Priority,
		Tags:       w.Labels,
		Metadata: record.Metadata{
			SourceAppID:   w.AppUserModelID,
			SourceAppName: w.DisplayName,
			ExternalID:    w.ActivityID,
		},
	}
	if w.ExpirationTime != nil {
		exp := *w.ExpirationTime
		rec.Expiry = &exp
	}
	return rec, nil
}

func decodeActivity(data []byte) (*wireActivity, error) {
	var w wireActivity
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decoding activity: %w", err)
	}
	return &w, nil
}

func decodeActivityList(data []byte) ([]*wireActivity, error) {
	var list []*wireActivity
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("decoding activity list: %w", err)
	}
	return list, nil
}
