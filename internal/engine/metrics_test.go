package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTrackOperation(t *testing.T) {
	called := false
	err := TrackOperation(context.Background(), "download", time.Hour, func(context.Context) error {
		called = true
		return nil
	})
	assert.NoError(t, err)
	assert.True(t, called)

	boom := errors.New("boom")
	err = TrackOperation(context.Background(), "transcribe", 0, func(context.Context) error {
		time.Sleep(time.Millisecond)
		return boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestFormatMetrics(t *testing.T) {
	before := GetMetrics()["downloads"]
	IncrDownloads()
	assert.Equal(t, before+1, GetMetrics()["downloads"])
	assert.Contains(t, FormatMetrics(), "downloads ")
}
