package errors

import "fmt"

var (
	ErrWorkerPanic       = fmt.Errorf("worker panic")
	ErrNotConnected      = fmt.Errorf("transport is not connected")
	ErrAlreadyUploading  = fmt.Errorf("an upload with this id is already running")
	ErrUnknownSession    = fmt.Errorf("unknown upload session")
	ErrSessionExpired    = fmt.Errorf("upload session expired")
	ErrSessionTerminal   = fmt.Errorf("upload session is in a terminal state")
	ErrChunkExhausted    = fmt.Errorf("chunk retry attempts exhausted")
	ErrMalformedEnvelope = fmt.Errorf("malformed wire envelope")
	ErrEmptyPayload      = fmt.Errorf("upload payload is empty")
)
