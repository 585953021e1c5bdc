package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/bozzfozz/soulspot/internal/storage"
)

func TestValidateTransition_AllowsDocumentedEdges(t *testing.T) {
	cases := []struct{ from, to storage.Status }{
		{storage.StatusScheduled, storage.StatusWaiting},
		{storage.StatusWaiting, storage.StatusPending},
		{storage.StatusPending, storage.StatusQueued},
		{storage.StatusPending, storage.StatusWaiting},
		{storage.StatusQueued, storage.StatusDownloading},
		{storage.StatusDownloading, storage.StatusCompleted},
		{storage.StatusFailed, storage.StatusWaiting},
	}
	for _, c := range cases {
		assert.NoError(t, ValidateTransition(c.from, c.to), "%s -> %s should be legal", c.from, c.to)
	}
}

func TestValidateTransition_RejectsUndocumentedEdges(t *testing.T) {
	cases := []struct{ from, to storage.Status }{
		{storage.StatusCompleted, storage.StatusWaiting},
		{storage.StatusCancelled, storage.StatusWaiting},
		{storage.StatusWaiting, storage.StatusDownloading},
		{storage.StatusQueued, storage.StatusPending},
	}
	for _, c := range cases {
		assert.ErrorIs(t, ValidateTransition(c.from, c.to), ErrIllegalTransition, "%s -> %s should be illegal", c.from, c.to)
	}
}

func TestIsPaused(t *testing.T) {
	assert.True(t, IsPaused(&PauseSentinel))

	future := time.Now().Add(24 * time.Hour)
	assert.False(t, IsPaused(&future))
	assert.False(t, IsPaused(nil))
}
