package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestUploadSession_AckIsIdempotent(t *testing.T) {
	req := require.New(t)
	now := time.Now()
	s := NewUploadSession("u-1", 5, 1024, 5*1024, now)

	// Duplicated and reordered acknowledgments must not double-count.
	for _, idx := range []int{3, 0, 3, 1, 0, 4, 1, 3} {
		s.Ack(idx, now)
	}

	req.Equal(4, s.UploadedChunks())
	req.Equal(SessionUploading, s.Status)
	req.ElementsMatch([]int{2}, s.PendingChunks())
}

func TestUploadSession_AckIgnoresOutOfRangeIndices(t *testing.T) {
	req := require.New(t)
	now := time.Now()
	s := NewUploadSession("u-1", 3, 100, 300, now)

	s.Ack(-1, now)
	s.Ack(3, now)
	s.Ack(99, now)

	req.Zero(s.UploadedChunks())
	req.Equal(SessionInitiated, s.Status)
}

func TestUploadSession_BytesUploadedHandlesShortLastChunk(t *testing.T) {
	req := require.New(t)
	now := time.Now()
	// 2.5 chunks: chunk 2 is 50 bytes
	s := NewUploadSession("u-1", 3, 100, 250, now)

	s.Ack(0, now)
	s.Ack(2, now)

	req.Equal(int64(150), s.BytesUploaded())
}

func TestUploadSession_ChunkLength(t *testing.T) {
	req := require.New(t)
	now := time.Now()

	// 2.5 chunks: only the last one is short.
	s := NewUploadSession("u-1", 3, 100, 250, now)
	req.Equal(int64(100), s.ChunkLength(0))
	req.Equal(int64(100), s.ChunkLength(1))
	req.Equal(int64(50), s.ChunkLength(2))

	// Exact multiple: the last chunk is full-size.
	s = NewUploadSession("u-2", 3, 100, 300, now)
	req.Equal(int64(100), s.ChunkLength(2))

	// Rebuilt from a status query, file size unknown: count full chunks.
	s = NewUploadSession("u-3", 3, 100, 0, now)
	req.Equal(int64(100), s.ChunkLength(2))
}

func TestUploadSession_CompleteFiresOnlyOnce(t *testing.T) {
	req := require.New(t)
	now := time.Now()
	s := NewUploadSession("u-1", 2, 100, 200, now)

	req.True(s.Complete("https://cdn/file", "f-1", now))
	req.False(s.Complete("https://cdn/file", "f-1", now))

	req.Equal(SessionComplete, s.Status)
	req.NotNil(s.FileURL)
	req.NotNil(s.FileID)
}

func TestUploadSession_FailKeepsChunkIndexAndIsTerminal(t *testing.T) {
	req := require.New(t)
	now := time.Now()
	s := NewUploadSession("u-1", 5, 100, 500, now)

	req.True(s.Fail(2))
	req.False(s.Fail(4))
	req.False(s.Complete("url", "id", now))

	req.Equal(SessionErrored, s.Status)
	req.NotNil(s.FailedChunk)
	req.Equal(2, *s.FailedChunk)
}

func TestUploadSession_ExpiryFollowsIdleActivity(t *testing.T) {
	req := require.New(t)
	start := time.Now()
	s := NewUploadSession("u-1", 5, 100, 500, start)

	req.False(s.IsExpired(start.Add(29 * time.Minute)))
	req.True(s.IsExpired(start.Add(31 * time.Minute)))

	// Activity refreshes the TTL window.
	s.Ack(0, start.Add(20*time.Minute))
	req.False(s.IsExpired(start.Add(31 * time.Minute)))
	req.True(s.IsExpired(start.Add(51 * time.Minute)))
}

func TestUploadSession_ProgressIsNotCompletion(t *testing.T) {
	req := require.New(t)
	now := time.Now()
	s := NewUploadSession("u-1", 2, 100, 200, now)

	s.Ack(0, now)
	s.Ack(1, now)

	// 100% progress without upload_complete stays non-terminal.
	req.InDelta(100.0, s.Progress(), 0.001)
	req.Equal(SessionUploading, s.Status)
	req.Nil(s.FileURL)
	req.Nil(s.FileID)
}

func TestUploadSession_RestoreAckedReplacesLocalSet(t *testing.T) {
	req := require.New(t)
	now := time.Now()
	s := NewUploadSession("u-1", 5, 100, 500, now)
	s.Ack(4, now)

	s.RestoreAcked([]int{0, 1, 2})

	req.Equal(3, s.UploadedChunks())
	req.ElementsMatch([]int{3, 4}, s.PendingChunks())
}
