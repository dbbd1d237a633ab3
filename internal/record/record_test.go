// ABOUTME: Tests for record merge semantics and external id derivation.
// ABOUTME: Validates id stability, fallback encoding, and field-level merge rules.

package record

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_AssignsIDAndTimestamp(t *testing.T) {
	r := New("perception", "user_intent", map[string]any{"verb": "open"})

	assert.NotEmpty(t, r.ID)
	assert.Equal(t, "perception", r.Source)
	assert.Equal(t, "user_intent", r.Type)
	assert.False(t, r.Timestamp.IsZero())
	assert.Equal(t, 1.0, r.Confidence)
}

func TestMerge_PresentFieldsOverwrite(t *testing.T) {
	base := &Record{
		ID:         "abc",
		Source:     "perception",
		Type:       "user_intent",
		Data:       map[string]any{"verb": "open", "target": "mail"},
		Confidence: 0.8,
		Priority:   1,
	}

	exp := time.Now().Add(time.Minute)
	base.Merge(&Record{
		Confidence: 0.95,
		Data:       map[string]any{"target": "browser"},
		Expiry:     &exp,
	})

	assert.Equal(t, "abc", base.ID)
	assert.Equal(t, 0.95, base.Confidence)
	assert.Equal(t, "browser", base.Data["target"])
	assert.Equal(t, "open", base.Data["verb"], "absent keys persist")
	assert.Equal(t, 1, base.Priority, "zero-valued fields persist")
	require.NotNil(t, base.Expiry)
	assert.WithinDuration(t, exp, *base.Expiry, time.Millisecond)
}

func TestMerge_NilPatchIsNoop(t *testing.T) {
	base := &Record{ID: "abc", Type: "user_intent"}
	base.Merge(nil)
	assert.Equal(t, "user_intent", base.Type)
}

func TestMerge_TagsReplaceWhenSet(t *testing.T) {
	base := &Record{ID: "abc", Tags: []string{"a", "b"}}

	base.Merge(&Record{})
	assert.Equal(t, []string{"a", "b"}, base.Tags)

	base.Merge(&Record{Tags: []string{"c"}})
	assert.Equal(t, []string{"c"}, base.Tags)
}

func TestClone_DoesNotAlias(t *testing.T) {
	base := &Record{
		ID:   "abc",
		Data: map[string]any{"k": "v"},
		Tags: []string{"a"},
	}

	cp := base.Clone()
	cp.Data["k"] = "changed"
	cp.Tags[0] = "z"

	assert.Equal(t, "v", base.Data["k"])
	assert.Equal(t, "a", base.Tags[0])
}

func TestDeriveID_StableForSameCorrelation(t *testing.T) {
	a := DeriveID("notes-app-42")
	b := DeriveID("notes-app-42")

	assert.Equal(t, a, b)
	assert.True(t, IsExternal(a))
}

func TestDeriveFallbackID_DistinctTimestampsMayDiffer(t *testing.T) {
	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	a := DeriveFallbackID("com.example.notes", "note_saved", ts)
	b := DeriveFallbackID("com.example.notes", "note_saved", ts)
	c := DeriveFallbackID("com.example.notes", "note_saved", ts.Add(time.Second))

	assert.Equal(t, a, b, "same tuple derives same id")
	assert.NotEqual(t, a, c, "differing timestamps derive differing ids")
	assert.True(t, IsExternal(a))
}

func TestExpired(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	assert.False(t, (&Record{}).Expired(now), "no expiry never expires")
	assert.True(t, (&Record{Expiry: &past}).Expired(now))
	assert.False(t, (&Record{Expiry: &future}).Expired(now))
}

func TestHasTag(t *testing.T) {
	r := &Record{Tags: []string{"focus", "speech"}}
	assert.True(t, r.HasTag("speech"))
	assert.False(t, r.HasTag("vision"))
}

func TestIsExternal_LocalUUIDNotExternal(t *testing.T) {
	r := New("perception", "user_intent", nil)
	assert.False(t, IsExternal(r.ID))
}
