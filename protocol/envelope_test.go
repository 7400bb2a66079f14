package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"uplink/domain"
	"uplink/domain/event"
	uperrors "uplink/errors"
)

func frame(t *testing.T, msgType, room string, payload any) []byte {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	raw, err := json.Marshal(map[string]any{
		"type": msgType,
		"room": room,
		"data": json.RawMessage(data),
	})
	require.NoError(t, err)
	return raw
}

func TestDecodeInbound_UploadProgress(t *testing.T) {
	req := require.New(t)

	raw := frame(t, "upload_progress", "upload_u-1", map[string]any{
		"upload_id":                "u-1",
		"progress_percentage":      40.0,
		"uploaded_chunks":          2,
		"total_chunks":             5,
		"current_chunk":            3,
		"bytes_uploaded":           2048,
		"total_bytes":              5120,
		"estimated_time_remaining": 12.5,
		"upload_speed":             245.8,
	})

	evt, err := DecodeInbound(raw)
	req.NoError(err)

	progress, ok := evt.(event.UploadProgress)
	req.True(ok)
	req.Equal("u-1", progress.UploadID)
	req.Equal(3, progress.CurrentChunk)
	req.Equal(int64(2048), progress.BytesUploaded)
	req.Equal(domain.UploadRoom("u-1"), evt.Room())
}

func TestDecodeInbound_UploadComplete(t *testing.T) {
	req := require.New(t)

	raw := frame(t, "upload_complete", "upload_u-1", map[string]any{
		"upload_id":  "u-1",
		"file_url":   "https://cdn.example.com/f-9",
		"file_id":    "f-9",
		"total_time": 31.2,
		"final_size": 5120,
	})

	evt, err := DecodeInbound(raw)
	req.NoError(err)

	complete, ok := evt.(event.UploadComplete)
	req.True(ok)
	req.Equal("f-9", complete.FileID)
	req.Equal("https://cdn.example.com/f-9", complete.FileURL)
}

func TestDecodeInbound_UploadErrorWithRetryChunk(t *testing.T) {
	req := require.New(t)

	raw := frame(t, "upload_error", "upload_u-1", map[string]any{
		"upload_id":   "u-1",
		"error_code":  CodeChunkCorruption,
		"message":     "checksum mismatch",
		"retry_chunk": 3,
	})

	evt, err := DecodeInbound(raw)
	req.NoError(err)

	uploadErr, ok := evt.(event.UploadError)
	req.True(ok)
	req.Equal(CodeChunkCorruption, uploadErr.ErrorCode)
	req.NotNil(uploadErr.RetryChunk)
	req.Equal(3, *uploadErr.RetryChunk)
}

func TestDecodeInbound_NewMessage(t *testing.T) {
	req := require.New(t)

	raw := frame(t, "new_message", "conversation_c-7", map[string]any{
		"conversation_id": "c-7",
		"sender_id":       "alice",
		"message_type":    "text",
		"content":         "hello",
	})

	evt, err := DecodeInbound(raw)
	req.NoError(err)

	msg, ok := evt.(event.NewMessage)
	req.True(ok)
	req.Equal("alice", msg.SenderID)
	req.Equal(domain.ConversationRoom("c-7"), evt.Room())
}

func TestDecodeInbound_MalformedFramesAreRejectedNotFatal(t *testing.T) {
	req := require.New(t)

	cases := map[string][]byte{
		"not json":            []byte("{{{"),
		"missing type":        []byte(`{"room":"upload_u-1","data":{}}`),
		"unknown type":        []byte(`{"type":"surprise","data":{}}`),
		"payload not json":    []byte(`{"type":"upload_progress","data":"nope"}`),
		"payload missing ids": frame(t, "upload_complete", "upload_u-1", map[string]any{"total_time": 1}),
	}

	for name, raw := range cases {
		_, err := DecodeInbound(raw)
		req.ErrorIs(err, uperrors.ErrMalformedEnvelope, name)
	}
}

func TestEncodeControl_RoundTripsJoinAndLeave(t *testing.T) {
	req := require.New(t)

	raw, err := JoinUpload("u-1", "alice")
	req.NoError(err)

	var env Envelope
	req.NoError(json.Unmarshal(raw, &env))
	req.Equal(TypeJoinUpload, env.Type)
	req.Equal("upload_u-1", env.Room)

	var join JoinUploadPayload
	req.NoError(json.Unmarshal(env.Data, &join))
	req.Equal("u-1", join.UploadID)
	req.Equal("alice", join.UserID)

	raw, err = LeaveUpload("u-1")
	req.NoError(err)
	req.NoError(json.Unmarshal(raw, &env))
	req.Equal(TypeLeaveUpload, env.Type)
}

func TestRetryableCode(t *testing.T) {
	req := require.New(t)

	req.True(RetryableCode(CodeChunkTimeout))
	req.True(RetryableCode(CodeUploadTimeout))
	req.True(RetryableCode(CodeChunkCorruption))

	req.False(RetryableCode(CodeSessionExpired))
	req.False(RetryableCode(CodeInvalidChunk))
	req.False(RetryableCode(CodeQuotaExceeded))
	req.False(RetryableCode(CodeMissingChunks))
}
