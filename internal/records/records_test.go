package records

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContentHashIsDeterministic(t *testing.T) {
	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	meta := map[string]string{"source": "mining", "power": "5.00"}

	first := ContentHash(0.005, meta, ts)
	second := ContentHash(0.005, meta, ts)

	require.Equal(t, first, second)
	assert.Len(t, first, 64)
}

func TestContentHashIgnoresMetadataOrder(t *testing.T) {
	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	a := ContentHash(1.5, map[string]string{"a": "1", "b": "2", "c": "3"}, ts)
	b := ContentHash(1.5, map[string]string{"c": "3", "a": "1", "b": "2"}, ts)

	assert.Equal(t, a, b)
}

func TestContentHashDistinguishesFields(t *testing.T) {
	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	base := ContentHash(1.5, map[string]string{"a": "1"}, ts)

	assert.NotEqual(t, base, ContentHash(1.6, map[string]string{"a": "1"}, ts))
	assert.NotEqual(t, base, ContentHash(1.5, map[string]string{"a": "2"}, ts))
	assert.NotEqual(t, base, ContentHash(1.5, map[string]string{"a": "1"}, ts.Add(time.Nanosecond)))
}

func TestNewRewardRecordStartsPending(t *testing.T) {
	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	r := NewRewardRecord(0.25, "session-1", nil, ts)

	assert.NotEmpty(t, r.ID)
	assert.Equal(t, RewardStatusPending, r.Status)
	assert.Equal(t, ContentHash(0.25, nil, ts), r.ContentHash)
	assert.NoError(t, r.Validate())
}

func TestValidateRejectsBrokenRecords(t *testing.T) {
	ts := time.Now()
	valid := NewRewardRecord(1, "", nil, ts)

	tests := []struct {
		name   string
		mutate func(r *RewardRecord)
	}{
		{name: "missing id", mutate: func(r *RewardRecord) { r.ID = "" }},
		{name: "zero amount", mutate: func(r *RewardRecord) { r.Amount = 0 }},
		{name: "negative amount", mutate: func(r *RewardRecord) { r.Amount = -3 }},
		{name: "missing hash", mutate: func(r *RewardRecord) { r.ContentHash = "" }},
		{name: "zero timestamp", mutate: func(r *RewardRecord) { r.Timestamp = time.Time{} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := valid
			tt.mutate(&r)
			assert.Error(t, r.Validate())
		})
	}
}
