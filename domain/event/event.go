// Package event defines the immutable values delivered from the transport
// to subscribers. Events are never mutated after construction and are safe
// to share across concurrent observers.
package event

import (
	"time"

	"uplink/domain"
)

// InboundEvent is any typed event arriving over the connection stream.
// Routing is by room id; ordering is guaranteed within one room only.
type InboundEvent interface {
	Room() domain.RoomID
}

type NewMessage struct {
	ConversationID string
	MessageID      string
	SenderID       string
	MessageType    string
	Content        string
	FileID         string
	At             time.Time
}

func (e NewMessage) Room() domain.RoomID {
	return domain.ConversationRoom(e.ConversationID)
}

type TypingChanged struct {
	ConversationID string
	UserID         string
	Typing         bool
}

func (e TypingChanged) Room() domain.RoomID {
	return domain.ConversationRoom(e.ConversationID)
}

type UploadProgress struct {
	UploadID               string
	ProgressPercentage     float64
	UploadedChunks         int
	TotalChunks            int
	CurrentChunk           int
	BytesUploaded          int64
	TotalBytes             int64
	EstimatedTimeRemaining float64
	UploadSpeed            float64
}

func (e UploadProgress) Room() domain.RoomID {
	return domain.UploadRoom(e.UploadID)
}

type UploadComplete struct {
	UploadID  string
	FileURL   string
	FileID    string
	TotalTime float64
	FinalSize int64
}

func (e UploadComplete) Room() domain.RoomID {
	return domain.UploadRoom(e.UploadID)
}

type UploadError struct {
	UploadID   string
	ErrorCode  string
	Message    string
	RetryChunk *int
}

func (e UploadError) Room() domain.RoomID {
	return domain.UploadRoom(e.UploadID)
}

type RoomStatus struct {
	UploadID         string
	ConnectedClients int
	RoomCreated      time.Time
	ExpiresAt        time.Time
}

func (e RoomStatus) Room() domain.RoomID {
	return domain.UploadRoom(e.UploadID)
}

// ConnectionError is not scoped to a room; Room returns the empty id so the
// router fans it out to every subscriber.
type ConnectionError struct {
	Err      error
	Terminal bool
	Attempts int
	At       time.Time
}

func (e ConnectionError) Room() domain.RoomID { return "" }
