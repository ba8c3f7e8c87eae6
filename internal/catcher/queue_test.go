package catcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueuePushAssignsID(t *testing.T) {
	q := NewQueue()

	a := q.Push(&Action{Kind: KindAdd})
	require.NotNil(t, a)
	assert.NotEmpty(t, a.ID)

	b := q.Push(&Action{Kind: KindAdd, ID: "operator-7"})
	assert.Equal(t, "operator-7", b.ID)

	assert.Nil(t, q.Push(nil))
	assert.Equal(t, 2, q.Len())
}

func TestQueueSnapshotIsolation(t *testing.T) {
	q := NewQueue()
	q.Push(&Action{Kind: KindAdd})

	snap := q.snapshot()
	q.Push(&Action{Kind: KindRemove})
	assert.Len(t, snap, 1, "pushes after snapshot wait for the next pass")
	assert.Equal(t, 2, q.Len())
}

func TestQueueCompactKeepsUnprocessed(t *testing.T) {
	q := NewQueue()
	done := q.Push(&Action{Kind: KindAdd})
	kept := q.Push(&Action{Kind: KindRemove})

	done.Processed = true
	q.compact()

	require.Equal(t, 1, q.Len())
	assert.Same(t, kept, q.snapshot()[0])
}
