package protocol

// Upload-domain error codes carried by upload_error messages and by the
// HTTP collaborator's error responses.
const (
	CodeInvalidChunk        = "INVALID_CHUNK"
	CodeUploadTimeout       = "UPLOAD_TIMEOUT"
	CodeFileTooLarge        = "FILE_TOO_LARGE"
	CodeUnsupportedFileType = "UNSUPPORTED_FILE_TYPE"
	CodeQuotaExceeded       = "QUOTA_EXCEEDED"
	CodeChunkCorruption     = "CHUNK_CORRUPTION"
	CodeSessionExpired      = "SESSION_EXPIRED"
	CodeDuplicateChunk      = "DUPLICATE_CHUNK"
	CodeMissingChunks       = "MISSING_CHUNKS"
	CodeChunkTimeout        = "CHUNK_TIMEOUT"
)

// RetryableCode reports whether a chunk bearing this code may be retried
// locally. Sequencing and quota errors are session-level: they terminate
// the session and require a caller-initiated resume or restart.
func RetryableCode(code string) bool {
	switch code {
	case CodeChunkTimeout, CodeUploadTimeout, CodeChunkCorruption:
		return true
	default:
		return false
	}
}
