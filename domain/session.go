// Package domain contains core concepts of the realtime upload client.
// This file defines the client-side projection of an upload session.
// The authoritative copy lives server-side; this projection is rebuilt
// from acknowledgment events.
package domain

import (
	"time"

	"github.com/samber/lo"
)

// DefaultSessionTTL is the idle duration after which a session is
// presumed expired and torn down by the server.
const DefaultSessionTTL = 30 * time.Minute

type SessionStatus string

const (
	SessionInitiated  SessionStatus = "initiated"
	SessionUploading  SessionStatus = "uploading"
	SessionFinalizing SessionStatus = "finalizing"
	SessionComplete   SessionStatus = "complete"
	SessionExpired    SessionStatus = "expired"
	SessionErrored    SessionStatus = "errored"
)

// Terminal reports whether a session in this status can never make progress again.
func (s SessionStatus) Terminal() bool {
	return s == SessionComplete || s == SessionExpired || s == SessionErrored
}

// UploadSession is the client projection of one chunked upload.
// uploadedChunks is always re-derived from the acknowledged index set,
// never incremented blindly, so duplicate or reordered acknowledgments
// cannot double-count.
type UploadSession struct {
	UploadID      string             `json:"upload_id"`
	TotalChunks   int                `json:"total_chunks"`
	ChunkSize     int64              `json:"chunk_size"`
	FileSize      int64              `json:"file_size"`
	Status        SessionStatus      `json:"status"`
	FileURL       *string            `json:"file_url,omitempty"`
	FileID        *string            `json:"file_id,omitempty"`
	Acked         map[int]struct{}   `json:"acked"`
	FailedChunk   *int               `json:"failed_chunk,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	LastActivity  time.Time          `json:"last_activity"`
	TTL           time.Duration      `json:"ttl"`
}

func NewUploadSession(uploadID string, totalChunks int, chunkSize, fileSize int64, now time.Time) *UploadSession {
	return &UploadSession{
		UploadID:     uploadID,
		TotalChunks:  totalChunks,
		ChunkSize:    chunkSize,
		FileSize:     fileSize,
		Status:       SessionInitiated,
		Acked:        make(map[int]struct{}),
		CreatedAt:    now,
		LastActivity: now,
		TTL:          DefaultSessionTTL,
	}
}

// Ack records one acknowledged chunk index and refreshes activity.
// Out-of-range indices are ignored; duplicates are harmless.
func (s *UploadSession) Ack(index int, now time.Time) {
	if index < 0 || index >= s.TotalChunks {
		return
	}
	s.Acked[index] = struct{}{}
	s.LastActivity = now
	if s.Status == SessionInitiated {
		s.Status = SessionUploading
	}
}

// UploadedChunks is the cardinality of the distinct acknowledged index set.
func (s *UploadSession) UploadedChunks() int {
	return len(s.Acked)
}

// BytesUploaded derives the byte count from the acknowledged set. The last
// chunk may be shorter than ChunkSize.
func (s *UploadSession) BytesUploaded() int64 {
	var total int64
	for idx := range s.Acked {
		total += s.ChunkLength(idx)
	}
	return total
}

// ChunkLength returns the byte length of one chunk. Only the last chunk may
// be shorter than ChunkSize; sessions rebuilt from a status query may not
// know FileSize yet, in which case every chunk counts as full-size.
func (s *UploadSession) ChunkLength(index int) int64 {
	if index == s.TotalChunks-1 {
		if rest := s.FileSize - int64(index)*s.ChunkSize; rest > 0 && rest < s.ChunkSize {
			return rest
		}
	}
	return s.ChunkSize
}

// Progress returns the percentage of acknowledged chunks. 100% does NOT
// mean complete; only the server's upload_complete event is authoritative.
func (s *UploadSession) Progress() float64 {
	if s.TotalChunks == 0 {
		return 0
	}
	return float64(len(s.Acked)) / float64(s.TotalChunks) * 100
}

// PendingChunks lists the indices not yet acknowledged, in ascending order.
// Resume submits exactly these, never restarting from index 0.
func (s *UploadSession) PendingChunks() []int {
	pending := make([]int, 0, s.TotalChunks-len(s.Acked))
	for i := 0; i < s.TotalChunks; i++ {
		if _, ok := s.Acked[i]; !ok {
			pending = append(pending, i)
		}
	}
	return pending
}

// RestoreAcked seeds the acknowledged set from a progress snapshot or a
// fresh server status query, replacing whatever was known locally.
func (s *UploadSession) RestoreAcked(indices []int) {
	s.Acked = lo.SliceToMap(indices, func(i int) (int, struct{}) {
		return i, struct{}{}
	})
}

// ExpiresAt is LastActivity plus the idle TTL.
func (s *UploadSession) ExpiresAt() time.Time {
	ttl := s.TTL
	if ttl == 0 {
		ttl = DefaultSessionTTL
	}
	return s.LastActivity.Add(ttl)
}

func (s *UploadSession) IsExpired(now time.Time) bool {
	return now.After(s.ExpiresAt())
}

// Complete transitions the session to its terminal success state.
// Returns false if the session already completed, so a replayed
// upload_complete event never notifies twice.
func (s *UploadSession) Complete(fileURL, fileID string, now time.Time) bool {
	if s.Status.Terminal() {
		return false
	}
	s.Status = SessionComplete
	s.FileURL = &fileURL
	s.FileID = &fileID
	s.LastActivity = now
	return true
}

// Fail marks the session errored, remembering the chunk that caused it
// for manual resume decisions.
func (s *UploadSession) Fail(chunkIndex int) bool {
	if s.Status.Terminal() {
		return false
	}
	s.Status = SessionErrored
	s.FailedChunk = &chunkIndex
	return true
}
