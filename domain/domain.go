// Package domain contains core concepts of the realtime upload client.
// This file defines connection identity and room naming.
// No runtime, network, or UI logic should be added here.
package domain

import (
	"fmt"
	"strings"
)

// ConnectionState is owned exclusively by the connection manager.
// Transitions are the only legal mutation path.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Reconnecting
	Errored
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Errored:
		return "error"
	default:
		return "unknown"
	}
}

// Principal identifies the authenticated user and the installation.
// Supplied at connect time, cleared on disconnect.
type Principal struct {
	UserID   string
	DeviceID string
}

func (p Principal) IsZero() bool {
	return p.UserID == "" && p.DeviceID == ""
}

// RoomID is a server-managed broadcast scope. The server owns membership
// and TTL; the client only mirrors the identifiers.
type RoomID string

const (
	uploadRoomPrefix       = "upload_"
	conversationRoomPrefix = "conversation_"
)

func UploadRoom(uploadID string) RoomID {
	return RoomID(uploadRoomPrefix + uploadID)
}

func ConversationRoom(conversationID string) RoomID {
	return RoomID(conversationRoomPrefix + conversationID)
}

func (r RoomID) IsUploadRoom() bool {
	return strings.HasPrefix(string(r), uploadRoomPrefix)
}

// UploadID extracts the upload identifier from an upload room key.
func (r RoomID) UploadID() (string, error) {
	if !r.IsUploadRoom() {
		return "", fmt.Errorf("room %q is not an upload room", r)
	}
	return strings.TrimPrefix(string(r), uploadRoomPrefix), nil
}
