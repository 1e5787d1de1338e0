package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriority_Rank(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0, PriorityHigh.Rank())
	assert.Equal(t, 1, PriorityMedium.Rank())
	assert.Equal(t, 2, PriorityLow.Rank())
	assert.Equal(t, 2, Priority("urgent").Rank())
}

func TestParsePriority(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    Priority
		wantErr bool
	}{
		{"high", PriorityHigh, false},
		{" Medium ", PriorityMedium, false},
		{"LOW", PriorityLow, false},
		{"", "", false},
		{"urgent", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := ParsePriority(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWorkItem_Transition(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	item := WorkItem{ID: "item-1", State: StatePending}

	require.NoError(t, item.Transition(StateRunning, now))
	assert.Equal(t, 1, item.Attempts)
	assert.Equal(t, now, item.StartedAt)

	require.NoError(t, item.Transition(StateRetrying, now.Add(time.Second)))
	require.NoError(t, item.Transition(StateRunning, now.Add(2*time.Second)))
	assert.Equal(t, 2, item.Attempts)
	assert.Equal(t, now, item.StartedAt, "first start is kept")

	require.NoError(t, item.Transition(StateSucceeded, now.Add(3*time.Second)))
	assert.True(t, item.State.Terminal())

	err := item.Transition(StateRunning, now.Add(4*time.Second))
	require.Error(t, err)
	assert.Equal(t, StateSucceeded, item.State)
	assert.Equal(t, 2, item.Attempts)
}

func TestCanTransition(t *testing.T) {
	t.Parallel()

	assert.True(t, CanTransition(StateRunning, StatePending))
	assert.False(t, CanTransition(StatePending, StateSucceeded))
	assert.False(t, CanTransition(StateFailed, StatePending))
}

func TestWorkItem_PendingStreams(t *testing.T) {
	t.Parallel()

	item := WorkItem{
		Streams:       []string{"ocr", "vision", "pattern"},
		DoneStreams:   []string{"ocr"},
		FailedStreams: []string{"pattern"},
	}
	assert.Equal(t, []string{"vision"}, item.PendingStreams())
}

func TestWorkItem_CloneIsDeep(t *testing.T) {
	t.Parallel()

	item := WorkItem{
		ID:      "item-1",
		Streams: []string{"ocr"},
		Document: DocumentRef{
			ID:       "doc-1",
			Metadata: map[string]string{"source": "scan"},
		},
	}
	c := item.Clone()
	c.Streams[0] = "vision"
	c.Document.Metadata["source"] = "email"

	assert.Equal(t, "ocr", item.Streams[0])
	assert.Equal(t, "scan", item.Document.Metadata["source"])
}

func TestCheckpoint_Depths(t *testing.T) {
	t.Parallel()

	cp := NewCheckpoint(time.Now())
	cp.Items = []WorkItem{
		{ID: "a", Priority: PriorityHigh},
		{ID: "b", Priority: PriorityLow},
		{ID: "c", Priority: PriorityLow},
	}
	d := cp.Depths()
	assert.Equal(t, 1, d[PriorityHigh])
	assert.Equal(t, 0, d[PriorityMedium])
	assert.Equal(t, 2, d[PriorityLow])
	assert.False(t, cp.Empty())
	assert.True(t, NewCheckpoint(time.Now()).Empty())
}

func TestClassification_Known(t *testing.T) {
	t.Parallel()

	var nilClass *Classification
	assert.False(t, nilClass.Known())
	assert.False(t, (&Classification{Type: "Unknown"}).Known())
	assert.False(t, (&Classification{Type: "  "}).Known())
	assert.True(t, (&Classification{Type: "invoice"}).Known())
}
