// Package protocol implements the JSON wire contract shared with the
// realtime server. The message shapes here are authoritative; nothing
// about server behavior should be inferred beyond them.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"uplink/domain"
	"uplink/domain/event"
	uperrors "uplink/errors"
)

type MessageType string

const (
	// Server to client
	TypeNewMessage     MessageType = "new_message"
	TypeTyping         MessageType = "typing"
	TypeUploadProgress MessageType = "upload_progress"
	TypeUploadComplete MessageType = "upload_complete"
	TypeUploadError    MessageType = "upload_error"
	TypeRoomStatus     MessageType = "room_status"

	// Client to server
	TypeJoinUpload  MessageType = "join_upload"
	TypeLeaveUpload MessageType = "leave_upload"
	TypeSendMessage MessageType = "send_message"
	TypeTypingStart MessageType = "typing_start"
	TypeTypingStop  MessageType = "typing_stop"
)

// Envelope is the outer frame of every wire message, both directions.
type Envelope struct {
	Type      MessageType     `json:"type" validate:"required"`
	Room      string          `json:"room,omitempty"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp,omitzero"`
}

var validate = validator.New()

// Server to client payloads.

type UploadProgressPayload struct {
	UploadID               string  `json:"upload_id" validate:"required"`
	ProgressPercentage     float64 `json:"progress_percentage"`
	UploadedChunks         int     `json:"uploaded_chunks"`
	TotalChunks            int     `json:"total_chunks"`
	CurrentChunk           int     `json:"current_chunk"`
	BytesUploaded          int64   `json:"bytes_uploaded"`
	TotalBytes             int64   `json:"total_bytes"`
	EstimatedTimeRemaining float64 `json:"estimated_time_remaining"`
	UploadSpeed            float64 `json:"upload_speed"`
}

type UploadCompletePayload struct {
	UploadID  string  `json:"upload_id" validate:"required"`
	FileURL   string  `json:"file_url" validate:"required"`
	FileID    string  `json:"file_id" validate:"required"`
	TotalTime float64 `json:"total_time"`
	FinalSize int64   `json:"final_size"`
}

type UploadErrorPayload struct {
	UploadID   string `json:"upload_id" validate:"required"`
	ErrorCode  string `json:"error_code" validate:"required"`
	Message    string `json:"message"`
	RetryChunk *int   `json:"retry_chunk,omitempty"`
}

type RoomStatusPayload struct {
	UploadID         string    `json:"upload_id" validate:"required"`
	ConnectedClients int       `json:"connected_clients"`
	RoomCreated      time.Time `json:"room_created"`
	ExpiresAt        time.Time `json:"expires_at"`
}

type NewMessagePayload struct {
	ConversationID string    `json:"conversation_id" validate:"required"`
	MessageID      string    `json:"message_id"`
	SenderID       string    `json:"sender_id"`
	MessageType    string    `json:"message_type"`
	Content        string    `json:"content"`
	FileID         string    `json:"file_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

type TypingPayload struct {
	ConversationID string `json:"conversation_id" validate:"required"`
	UserID         string `json:"user_id"`
	Typing         bool   `json:"typing"`
}

// Client to server payloads.

type JoinUploadPayload struct {
	UploadID string `json:"upload_id"`
	UserID   string `json:"user_id"`
}

type LeaveUploadPayload struct {
	UploadID string `json:"upload_id"`
}

type SendMessagePayload struct {
	ConversationID string `json:"conversation_id"`
	MessageType    string `json:"message_type"`
	Content        string `json:"content"`
	FileID         string `json:"file_id,omitempty"`
}

// DecodeInbound parses one wire frame into its typed event. A malformed
// frame returns ErrMalformedEnvelope wrapped with detail; callers log and
// drop it, they never crash the transport.
func DecodeInbound(raw []byte) (event.InboundEvent, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", uperrors.ErrMalformedEnvelope, err)
	}
	if err := validate.Struct(env); err != nil {
		return nil, fmt.Errorf("%w: %v", uperrors.ErrMalformedEnvelope, err)
	}

	switch env.Type {
	case TypeUploadProgress:
		var p UploadProgressPayload
		if err := decodePayload(env.Data, &p); err != nil {
			return nil, err
		}
		return event.UploadProgress{
			UploadID:               p.UploadID,
			ProgressPercentage:     p.ProgressPercentage,
			UploadedChunks:         p.UploadedChunks,
			TotalChunks:            p.TotalChunks,
			CurrentChunk:           p.CurrentChunk,
			BytesUploaded:          p.BytesUploaded,
			TotalBytes:             p.TotalBytes,
			EstimatedTimeRemaining: p.EstimatedTimeRemaining,
			UploadSpeed:            p.UploadSpeed,
		}, nil
	case TypeUploadComplete:
		var p UploadCompletePayload
		if err := decodePayload(env.Data, &p); err != nil {
			return nil, err
		}
		return event.UploadComplete{
			UploadID:  p.UploadID,
			FileURL:   p.FileURL,
			FileID:    p.FileID,
			TotalTime: p.TotalTime,
			FinalSize: p.FinalSize,
		}, nil
	case TypeUploadError:
		var p UploadErrorPayload
		if err := decodePayload(env.Data, &p); err != nil {
			return nil, err
		}
		return event.UploadError{
			UploadID:   p.UploadID,
			ErrorCode:  p.ErrorCode,
			Message:    p.Message,
			RetryChunk: p.RetryChunk,
		}, nil
	case TypeRoomStatus:
		var p RoomStatusPayload
		if err := decodePayload(env.Data, &p); err != nil {
			return nil, err
		}
		return event.RoomStatus{
			UploadID:         p.UploadID,
			ConnectedClients: p.ConnectedClients,
			RoomCreated:      p.RoomCreated,
			ExpiresAt:        p.ExpiresAt,
		}, nil
	case TypeNewMessage:
		var p NewMessagePayload
		if err := decodePayload(env.Data, &p); err != nil {
			return nil, err
		}
		return event.NewMessage{
			ConversationID: p.ConversationID,
			MessageID:      p.MessageID,
			SenderID:       p.SenderID,
			MessageType:    p.MessageType,
			Content:        p.Content,
			FileID:         p.FileID,
			At:             p.CreatedAt,
		}, nil
	case TypeTyping:
		var p TypingPayload
		if err := decodePayload(env.Data, &p); err != nil {
			return nil, err
		}
		return event.TypingChanged{
			ConversationID: p.ConversationID,
			UserID:         p.UserID,
			Typing:         p.Typing,
		}, nil
	default:
		return nil, fmt.Errorf("%w: unknown type %q", uperrors.ErrMalformedEnvelope, env.Type)
	}
}

func decodePayload(raw json.RawMessage, dst any) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", uperrors.ErrMalformedEnvelope, err)
	}
	if err := validate.Struct(dst); err != nil {
		return fmt.Errorf("%w: %v", uperrors.ErrMalformedEnvelope, err)
	}
	return nil
}

// EncodeControl wraps a client-to-server payload into a framed envelope.
func EncodeControl(msgType MessageType, room domain.RoomID, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{
		Type:      msgType,
		Room:      string(room),
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
}

// JoinUpload builds the control frame to enter an upload progress room.
func JoinUpload(uploadID, userID string) ([]byte, error) {
	return EncodeControl(TypeJoinUpload, domain.UploadRoom(uploadID), JoinUploadPayload{
		UploadID: uploadID,
		UserID:   userID,
	})
}

// LeaveUpload builds the control frame to leave an upload progress room.
func LeaveUpload(uploadID string) ([]byte, error) {
	return EncodeControl(TypeLeaveUpload, domain.UploadRoom(uploadID), LeaveUploadPayload{
		UploadID: uploadID,
	})
}
