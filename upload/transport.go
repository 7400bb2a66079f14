package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"time"

	"uplink/auth"
)

//go:generate go run go.uber.org/mock/mockgen -source=transport.go -destination=../mocks/mock_upload_transport.go -package=mocks

// AttemptTimeout bounds one chunk submission round trip.
const AttemptTimeout = 30 * time.Second

// Kind distinguishes what the uploaded file is attached to.
type Kind string

const (
	KindTopic Kind = "topic"
	KindReply Kind = "reply"
)

// ChunkRequest submits one chunk of an ongoing session.
type ChunkRequest struct {
	UploadID    string
	ChunkIndex  int
	TotalChunks int
	UserID      string
	Kind        Kind
	PostID      string
	FileName    string
	Data        []byte
}

// DirectRequest is the non-chunked path: no chunking fields are sent and
// the server must answer complete:true in one round trip.
type DirectRequest struct {
	UserID   string
	Kind     Kind
	PostID   string
	FileName string
	Data     []byte
}

// UploadData is the data object of the upload response envelope.
// file_url and file_id stay null until complete is true.
type UploadData struct {
	UploadID           string  `json:"upload_id"`
	ChunkIndex         int     `json:"chunk_index"`
	TotalChunks        int     `json:"total_chunks"`
	UploadedChunks     int     `json:"uploaded_chunks"`
	ProgressPercentage float64 `json:"progress_percentage"`
	FileURL            *string `json:"file_url"`
	FileID             *string `json:"file_id"`
	Complete           bool    `json:"complete"`
	MissingChunks      []int   `json:"missing_chunks,omitempty"`
}

// UploadResponse is the HTTP collaborator's response envelope.
type UploadResponse struct {
	Status    string     `json:"status"`
	Data      UploadData `json:"data"`
	ErrorCode string     `json:"error_code,omitempty"`
	Message   string     `json:"message,omitempty"`
}

func (r UploadResponse) OK() bool { return r.Status == "success" }

// Transport is the HTTP collaborator driving the actual byte transfer.
// It is out of scope for this module beyond its load-bearing contract.
type Transport interface {
	UploadChunk(ctx context.Context, req ChunkRequest) (UploadResponse, error)
	UploadDirect(ctx context.Context, req DirectRequest) (UploadResponse, error)
	Status(ctx context.Context, uploadID string) (UploadResponse, error)
}

// HTTPTransport signs every request with a short-lived HS256 token carrying
// the principal, as the upstream API expects.
type HTTPTransport struct {
	log     *slog.Logger
	client  *http.Client
	baseURL string
	signer  *auth.Signer
}

func NewHTTPTransport(log *slog.Logger, baseURL string, signer *auth.Signer) *HTTPTransport {
	return &HTTPTransport{
		log:     log,
		client:  &http.Client{Timeout: AttemptTimeout},
		baseURL: baseURL,
		signer:  signer,
	}
}

func (t *HTTPTransport) UploadChunk(ctx context.Context, req ChunkRequest) (UploadResponse, error) {
	fields := map[string]string{
		"user_id":      req.UserID,
		"type":         string(req.Kind),
		"chunk_index":  strconv.Itoa(req.ChunkIndex),
		"total_chunks": strconv.Itoa(req.TotalChunks),
		"upload_id":    req.UploadID,
	}
	if req.PostID != "" {
		fields["post_id"] = req.PostID
	}
	return t.post(ctx, req.UserID, req.FileName, req.Data, fields)
}

func (t *HTTPTransport) UploadDirect(ctx context.Context, req DirectRequest) (UploadResponse, error) {
	// No chunking fields: the server treats this as a one-shot upload.
	fields := map[string]string{
		"user_id": req.UserID,
		"type":    string(req.Kind),
	}
	if req.PostID != "" {
		fields["post_id"] = req.PostID
	}
	return t.post(ctx, req.UserID, req.FileName, req.Data, fields)
}

func (t *HTTPTransport) Status(ctx context.Context, uploadID string) (UploadResponse, error) {
	url := fmt.Sprintf("%s/uploads/%s/status", t.baseURL, uploadID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return UploadResponse{}, err
	}
	if err := t.sign(httpReq, ""); err != nil {
		return UploadResponse{}, err
	}
	return t.do(httpReq)
}

func (t *HTTPTransport) post(ctx context.Context, userID, fileName string, data []byte, fields map[string]string) (UploadResponse, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			return UploadResponse{}, err
		}
	}

	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, fileName))
	header.Set("Content-Type", DetectContentType(data))
	part, err := writer.CreatePart(header)
	if err != nil {
		return UploadResponse{}, err
	}
	if _, err := part.Write(data); err != nil {
		return UploadResponse{}, err
	}
	if err := writer.Close(); err != nil {
		return UploadResponse{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/uploads", &body)
	if err != nil {
		return UploadResponse{}, err
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())
	if err := t.sign(httpReq, userID); err != nil {
		return UploadResponse{}, err
	}

	return t.do(httpReq)
}

func (t *HTTPTransport) sign(req *http.Request, userID string) error {
	token, err := t.signer.Sign(userID)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

func (t *HTTPTransport) do(req *http.Request) (UploadResponse, error) {
	resp, err := t.client.Do(req)
	if err != nil {
		return UploadResponse{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return UploadResponse{}, err
	}

	var envelope UploadResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return UploadResponse{}, fmt.Errorf("undecodable upload response (http %d): %w", resp.StatusCode, err)
	}
	return envelope, nil
}
