package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalJSON(t *testing.T) {
	out, err := CanonicalJSON([]byte(`{ "b": 1, "a": {"z": true, "y": [3, 2.50]} }`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"y":[3,2.50],"z":true},"b":1}`, string(out))

	// Mismo contenido con otro orden produce los mismos bytes.
	other, err := CanonicalJSON([]byte(`{"a":{"z":true,"y":[3,2.50]},"b":1}`))
	require.NoError(t, err)
	assert.Equal(t, out, other)

	_, err = CanonicalJSON([]byte(`{"a":1} {"b":2}`))
	assert.Error(t, err)
}

func TestComputeEventHash_Deterministic(t *testing.T) {
	h1 := ComputeEventHash("", []byte(`{"a":1}`), 1)
	h2 := ComputeEventHash("", []byte(`{"a":1}`), 1)

	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
	assert.NotEqual(t, h1, ComputeEventHash("", []byte(`{"a":1}`), 2))
	assert.NotEqual(t, h1, ComputeEventHash("x", []byte(`{"a":1}`), 1))
}

func buildChain(t *testing.T, n int) []DomainEvent {
	t.Helper()
	var (
		events []DomainEvent
		prev   string
	)
	for v := 1; v <= n; v++ {
		evt, err := NewDomainEvent("agg-1", BookingAggregate, BookingCreated, v, []byte(`{"n":`+string(rune('0'+v))+`}`), prev, time.Now())
		require.NoError(t, err)
		events = append(events, evt)
		prev = evt.HashCurrent
	}
	return events
}

func TestVerifyChain_Valid(t *testing.T) {
	events := buildChain(t, 4)

	report := VerifyChain("agg-1", events)

	assert.True(t, report.Valid)
	assert.Empty(t, report.BrokenVersions)
	assert.Equal(t, 4, report.Events)
	assert.Equal(t, events[3].HashCurrent, report.HeadHash)
	assert.Empty(t, events[0].HashPrevious)
}

func TestVerifyChain_TamperedPayloadBreaksSuffix(t *testing.T) {
	events := buildChain(t, 5)

	// Se altera el payload del evento 3 sin tocar sus hashes.
	events[2].Payload = []byte(`{"n":9}`)

	report := VerifyChain("agg-1", events)

	assert.False(t, report.Valid)
	assert.Equal(t, []int{3, 4, 5}, report.BrokenVersions)
}

func TestVerifyChain_Empty(t *testing.T) {
	report := VerifyChain("agg-1", nil)

	assert.True(t, report.Valid)
	assert.Zero(t, report.Events)
}
