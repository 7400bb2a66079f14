// Package upload drives chunked file uploads to completion: bounded
// concurrent submission, per-chunk retry, progress correlation over the
// room event stream, and resume from the acknowledged index set.
package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"uplink/contract"
	"uplink/domain"
	"uplink/domain/event"
	uperrors "uplink/errors"
	"uplink/observability"
	"uplink/protocol"
)

// Result is delivered exactly once per session, and only when the server
// said upload_complete. Progress reaching 100% is never the signal.
type Result struct {
	UploadID string
	FileURL  string
	FileID   string
}

// Failure surfaces the terminal error of a session together with the
// chunk that caused it, for manual resume decisions.
type Failure struct {
	UploadID   string
	ChunkIndex int
	Code       string
	Err        error
}

// Watch is the subscriber view of one running upload.
type Watch struct {
	Progress <-chan event.UploadProgress
	Done     <-chan Result
	Failed   <-chan Failure
}

// BeginRequest describes a fresh upload. UploadID may be supplied to reuse
// a caller-generated identifier; when empty one is generated.
type BeginRequest struct {
	Payload   []byte
	FileName  string
	ChunkSize int64
	UploadID  string
	UserID    string
	Kind      Kind
	PostID    string
}

type activeUpload struct {
	ctx      context.Context
	cancel   context.CancelFunc
	session  *domain.UploadSession
	chunks   map[int][]byte
	attempts map[int]*domain.ChunkAttempt
	userID   string
	kind     Kind
	postID   string
	fileName string
	progress chan event.UploadProgress
	done     chan Result
	failed   chan Failure
}

func (au *activeUpload) watch() *Watch {
	return &Watch{Progress: au.progress, Done: au.done, Failed: au.failed}
}

func (au *activeUpload) attempt(index int) *domain.ChunkAttempt {
	a, ok := au.attempts[index]
	if !ok {
		a = &domain.ChunkAttempt{ChunkIndex: index, Status: domain.ChunkPending}
		au.attempts[index] = a
	}
	return a
}

// Manager coordinates every active upload session. It is an EventSink: the
// router feeds it the events of the rooms it subscribed to, and any
// acknowledgment referencing an unknown or expired uploadId is a no-op.
type Manager struct {
	log       *slog.Logger
	channel   contract.IChannel
	router    contract.IRouter
	transport Transport
	store     *SessionStore
	monitor   *observability.Monitor

	mu     sync.Mutex
	active map[string]*activeUpload

	concurrency    int
	attemptTimeout time.Duration
	now            func() time.Time
}

func NewManager(
	log *slog.Logger,
	channel contract.IChannel,
	router contract.IRouter,
	transport Transport,
	store *SessionStore,
	monitor *observability.Monitor,
	concurrency int,
) *Manager {
	if concurrency <= 0 {
		concurrency = 3
	}
	return &Manager{
		log:            log,
		channel:        channel,
		router:         router,
		transport:      transport,
		store:          store,
		monitor:        monitor,
		active:         make(map[string]*activeUpload),
		concurrency:    concurrency,
		attemptTimeout: AttemptTimeout,
		now:            time.Now,
	}
}

// Begin splits the payload, joins the progress room, and starts submitting
// chunks. Fails fast with ErrNotConnected when the channel is down.
func (m *Manager) Begin(ctx context.Context, req BeginRequest) (*Watch, error) {
	chunkSize := req.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	chunks, err := Split(req.Payload, chunkSize)
	if err != nil {
		return nil, err
	}

	uploadID := req.UploadID
	if uploadID == "" {
		uploadID = uuid.NewString()
	}

	session := domain.NewUploadSession(uploadID, len(chunks), chunkSize, int64(len(req.Payload)), m.now())
	au, err := m.register(ctx, session, chunks, req.UserID, req.Kind, req.PostID, req.FileName)
	if err != nil {
		return nil, err
	}

	go m.dispatch(au, session.PendingChunks())
	return au.watch(), nil
}

// ResumeRequest continues an interrupted upload identified by UploadID.
// ChunkSize is only consulted when neither the local store nor the server
// remembers it.
type ResumeRequest struct {
	UploadID  string
	Payload   []byte
	ChunkSize int64
	UserID    string
	Kind      Kind
	PostID    string
	FileName  string
}

// Resume continues an interrupted upload: only the chunks missing from the
// acknowledged set are submitted, never chunk 0 onward again. The prior
// snapshot comes from the local store, falling back to a server status
// query when the process lost it.
func (m *Manager) Resume(ctx context.Context, req ResumeRequest) (*Watch, error) {
	session, err := m.store.Load(req.UploadID)
	if errors.Is(err, uperrors.ErrUnknownSession) {
		session, err = m.sessionFromStatus(ctx, req.UploadID)
	}
	if err != nil {
		return nil, err
	}

	if session.Status.Terminal() && session.Status != domain.SessionErrored {
		return nil, fmt.Errorf("%w: %s is %s", uperrors.ErrSessionTerminal, req.UploadID, session.Status)
	}
	if session.IsExpired(m.now()) {
		session.Status = domain.SessionExpired
		_ = m.store.Delete(req.UploadID)
		return nil, fmt.Errorf("%w: %s", uperrors.ErrSessionExpired, req.UploadID)
	}

	if session.ChunkSize == 0 {
		session.ChunkSize = req.ChunkSize
	}
	if session.ChunkSize == 0 {
		session.ChunkSize = DefaultChunkSize
	}
	if session.FileSize == 0 {
		session.FileSize = int64(len(req.Payload))
	}
	// An errored session gets a fresh run; the acknowledged set is kept.
	session.Status = domain.SessionUploading
	session.FailedChunk = nil

	chunks, err := Split(req.Payload, session.ChunkSize)
	if err != nil {
		return nil, err
	}
	if session.TotalChunks == 0 {
		session.TotalChunks = len(chunks)
	}
	if len(chunks) != session.TotalChunks {
		return nil, fmt.Errorf("payload splits into %d chunks, session expects %d", len(chunks), session.TotalChunks)
	}

	au, err := m.register(ctx, session, chunks, req.UserID, req.Kind, req.PostID, req.FileName)
	if err != nil {
		return nil, err
	}

	go m.dispatch(au, session.PendingChunks())
	return au.watch(), nil
}

// Direct performs the non-chunked upload path, which must complete
// synchronously in one round trip.
func (m *Manager) Direct(ctx context.Context, req DirectRequest) (Result, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, m.attemptTimeout)
	defer cancel()

	resp, err := m.transport.UploadDirect(attemptCtx, req)
	if err != nil {
		return Result{}, err
	}
	if !resp.OK() || !resp.Data.Complete || resp.Data.FileURL == nil || resp.Data.FileID == nil {
		return Result{}, fmt.Errorf("direct upload did not complete: %s %s", resp.ErrorCode, resp.Message)
	}
	return Result{UploadID: resp.Data.UploadID, FileURL: *resp.Data.FileURL, FileID: *resp.Data.FileID}, nil
}

// Cancel aborts in-flight submissions and discards local state. Server-side
// cleanup is governed by the session TTL, not by this call.
func (m *Manager) Cancel(uploadID string) error {
	m.mu.Lock()
	au, ok := m.active[uploadID]
	if ok {
		delete(m.active, uploadID)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", uperrors.ErrUnknownSession, uploadID)
	}

	au.cancel()
	m.detach(au)
	_ = m.store.Delete(uploadID)
	m.monitor.SessionFinished()
	return nil
}

// Session returns a copy of the projection for an active upload.
func (m *Manager) Session(uploadID string) (domain.UploadSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	au, ok := m.active[uploadID]
	if !ok {
		return domain.UploadSession{}, fmt.Errorf("%w: %s", uperrors.ErrUnknownSession, uploadID)
	}
	return *au.session, nil
}

// ChunkStates snapshots the retry bookkeeping of an active upload.
func (m *Manager) ChunkStates(uploadID string) []domain.ChunkAttempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	au, ok := m.active[uploadID]
	if !ok {
		return nil
	}
	states := make([]domain.ChunkAttempt, 0, au.session.TotalChunks)
	for i := 0; i < au.session.TotalChunks; i++ {
		if a, ok := au.attempts[i]; ok {
			states = append(states, *a)
		} else {
			states = append(states, domain.ChunkAttempt{ChunkIndex: i, Status: domain.ChunkPending})
		}
	}
	return states
}

// ExpireIdle retires active sessions whose idle TTL elapsed, mirroring the
// teardown the server performs on its side. Returns how many were retired.
func (m *Manager) ExpireIdle(now time.Time) int {
	m.mu.Lock()
	var idle []*activeUpload
	for _, au := range m.active {
		if au.session.IsExpired(now) {
			idle = append(idle, au)
		}
	}
	m.mu.Unlock()

	for _, au := range idle {
		m.expireSession(au)
	}
	return len(idle)
}

// BytesRemaining sums the outstanding bytes over all active sessions.
func (m *Manager) BytesRemaining() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, au := range m.active {
		total += au.session.FileSize - au.session.BytesUploaded()
	}
	return total
}

func (m *Manager) register(ctx context.Context, session *domain.UploadSession, chunks []Chunk,
	userID string, kind Kind, postID, fileName string) (*activeUpload, error) {

	runCtx, cancel := context.WithCancel(ctx)
	au := &activeUpload{
		ctx:      runCtx,
		cancel:   cancel,
		session:  session,
		chunks:   make(map[int][]byte, len(chunks)),
		attempts: make(map[int]*domain.ChunkAttempt),
		userID:   userID,
		kind:     kind,
		postID:   postID,
		fileName: fileName,
		progress: make(chan event.UploadProgress, 16),
		done:     make(chan Result, 1),
		failed:   make(chan Failure, 1),
	}
	for _, c := range chunks {
		au.chunks[c.Index] = c.Data
	}

	m.mu.Lock()
	if _, exists := m.active[session.UploadID]; exists {
		m.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("%w: %s", uperrors.ErrAlreadyUploading, session.UploadID)
	}
	m.active[session.UploadID] = au
	m.mu.Unlock()

	if err := m.store.Save(session); err != nil {
		m.unregister(session.UploadID)
		cancel()
		return nil, err
	}

	room := domain.UploadRoom(session.UploadID)
	if err := m.channel.JoinRoom(room); err != nil {
		m.unregister(session.UploadID)
		cancel()
		return nil, err
	}
	m.router.Subscribe(room, m)
	m.monitor.SessionStarted()
	return au, nil
}

func (m *Manager) unregister(uploadID string) {
	m.mu.Lock()
	delete(m.active, uploadID)
	m.mu.Unlock()
}

func (m *Manager) lookup(uploadID string) *activeUpload {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[uploadID]
}

func (m *Manager) detach(au *activeUpload) {
	room := domain.UploadRoom(au.session.UploadID)
	if err := m.channel.LeaveRoom(room); err != nil && !errors.Is(err, uperrors.ErrNotConnected) {
		m.log.Warn("Failed to leave room", "room", room, "error", err)
	}
	m.router.Unsubscribe(room, m)
}

// dispatch feeds chunk submissions through a bounded semaphore, sequential
// by index. Acknowledgments may still arrive out of order; the session's
// index set stays correct either way.
func (m *Manager) dispatch(au *activeUpload, indices []int) {
	sem := make(chan struct{}, m.concurrency)
	var wg sync.WaitGroup

	for _, index := range indices {
		select {
		case <-au.ctx.Done():
			wg.Wait()
			return
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			defer func() { <-sem }()
			m.submitChunk(au, index)
		}(index)
	}
	wg.Wait()
}

func (m *Manager) submitChunk(au *activeUpload, index int) {
	data, ok := au.chunks[index]
	if !ok {
		return
	}

	for {
		m.mu.Lock()
		if _, acked := au.session.Acked[index]; acked || au.session.Status.Terminal() {
			m.mu.Unlock()
			return
		}
		attempt := au.attempt(index)
		attempt.Begin(m.now())
		req := ChunkRequest{
			UploadID:    au.session.UploadID,
			ChunkIndex:  index,
			TotalChunks: au.session.TotalChunks,
			UserID:      au.userID,
			Kind:        au.kind,
			PostID:      au.postID,
			FileName:    au.fileName,
			Data:        data,
		}
		m.mu.Unlock()

		attemptCtx, cancel := context.WithTimeout(au.ctx, m.attemptTimeout)
		resp, err := m.transport.UploadChunk(attemptCtx, req)
		cancel()

		if au.ctx.Err() != nil {
			return
		}

		code, retryable := classify(resp, err)
		if code == "" {
			m.markAttemptStatus(au, index, domain.ChunkAcknowledged)
			m.ackChunk(au, index)
			if resp.Data.Complete && resp.Data.FileURL != nil && resp.Data.FileID != nil {
				m.completeSession(au, *resp.Data.FileURL, *resp.Data.FileID)
			}
			return
		}
		if code == protocol.CodeDuplicateChunk {
			// The server already holds this chunk; count it, once.
			m.markAttemptStatus(au, index, domain.ChunkAcknowledged)
			m.ackChunk(au, index)
			return
		}
		if code == protocol.CodeSessionExpired {
			m.markAttemptStatus(au, index, domain.ChunkFailed)
			m.expireSession(au)
			return
		}
		if !retryable {
			m.markAttemptStatus(au, index, domain.ChunkFailed)
			m.failSession(au, index, code, err)
			return
		}

		m.mu.Lock()
		exhausted := au.attempts[index].Exhausted()
		m.mu.Unlock()
		if exhausted {
			m.markAttemptStatus(au, index, domain.ChunkFailed)
			m.monitor.IncrChunkFailed()
			cause := fmt.Errorf("%w: chunk %d gave up after %d attempts", uperrors.ErrChunkExhausted, index, domain.MaxChunkAttempts)
			m.failSession(au, index, code, cause)
			return
		}
		// Retry immediately: the per-attempt timeout is the only pacing.
		m.log.Debug("Retrying chunk", "upload_id", au.session.UploadID, "chunk", index, "code", code)
	}
}

// classify maps a transport outcome to an error code. An empty code means
// success.
func classify(resp UploadResponse, err error) (code string, retryable bool) {
	switch {
	case err == nil && resp.OK():
		return "", false
	case errors.Is(err, context.DeadlineExceeded):
		return protocol.CodeChunkTimeout, true
	case err != nil:
		// Network-level failure from the HTTP collaborator.
		return protocol.CodeUploadTimeout, true
	case resp.ErrorCode != "":
		return resp.ErrorCode, protocol.RetryableCode(resp.ErrorCode)
	default:
		return protocol.CodeInvalidChunk, false
	}
}

func (m *Manager) markAttemptStatus(au *activeUpload, index int, status domain.ChunkStatus) {
	m.mu.Lock()
	au.attempt(index).Status = status
	m.mu.Unlock()
}

// ackChunk records an acknowledged index and reports whether it was
// accepted. Duplicates never double-count: the counter is always the
// cardinality of the distinct index set. An acknowledgment arriving after
// the idle TTL elapsed resurrects nothing; it retires the session instead.
func (m *Manager) ackChunk(au *activeUpload, index int) bool {
	now := m.now()

	m.mu.Lock()
	if au.session.Status.Terminal() {
		m.mu.Unlock()
		return false
	}
	if au.session.IsExpired(now) {
		m.mu.Unlock()
		m.expireSession(au)
		return false
	}
	_, already := au.session.Acked[index]
	au.session.Ack(index, now)
	var size int64
	if !already {
		size = au.session.ChunkLength(index)
	}
	session := snapshotLocked(au.session)
	m.mu.Unlock()

	if !already {
		m.monitor.IncrChunkAcked()
		m.monitor.AddBytes(size)
	}
	if err := m.store.Save(&session); err != nil {
		m.log.Warn("Failed to persist session snapshot", "upload_id", session.UploadID, "error", err)
	}
	return true
}

// snapshotLocked clones the session, including its acknowledged set, so it
// can be persisted outside the lock while submitters keep mutating.
func snapshotLocked(s *domain.UploadSession) domain.UploadSession {
	clone := *s
	clone.Acked = maps.Clone(s.Acked)
	return clone
}

// completeSession fires the completion notification at most once, however
// many upload_complete events the server replays.
func (m *Manager) completeSession(au *activeUpload, fileURL, fileID string) {
	m.mu.Lock()
	completed := au.session.Complete(fileURL, fileID, m.now())
	if completed {
		delete(m.active, au.session.UploadID)
	}
	m.mu.Unlock()

	if !completed {
		return
	}

	au.cancel()
	m.detach(au)
	_ = m.store.Delete(au.session.UploadID)
	m.monitor.SessionFinished()

	au.done <- Result{UploadID: au.session.UploadID, FileURL: fileURL, FileID: fileID}
	m.log.Info("Upload complete", "upload_id", au.session.UploadID, "file_id", fileID)
}

// failSession terminates the session, keeping its snapshot in the store so
// the caller can resume after fixing whatever went wrong.
func (m *Manager) failSession(au *activeUpload, index int, code string, cause error) {
	m.mu.Lock()
	failed := au.session.Fail(index)
	if failed {
		delete(m.active, au.session.UploadID)
	}
	session := snapshotLocked(au.session)
	m.mu.Unlock()

	if !failed {
		return
	}

	au.cancel()
	m.detach(au)
	if err := m.store.Save(&session); err != nil {
		m.log.Warn("Failed to persist errored session", "upload_id", session.UploadID, "error", err)
	}
	m.monitor.SessionFinished()

	au.failed <- Failure{UploadID: session.UploadID, ChunkIndex: index, Code: code, Err: cause}
	m.log.Warn("Upload errored", "upload_id", session.UploadID, "chunk", index, "code", code)
}

func (m *Manager) expireSession(au *activeUpload) {
	m.mu.Lock()
	terminal := au.session.Status.Terminal()
	if !terminal {
		au.session.Status = domain.SessionExpired
		delete(m.active, au.session.UploadID)
	}
	m.mu.Unlock()

	if terminal {
		return
	}
	au.cancel()
	m.detach(au)
	_ = m.store.Delete(au.session.UploadID)
	m.monitor.SessionFinished()
	au.failed <- Failure{UploadID: au.session.UploadID, ChunkIndex: -1, Code: protocol.CodeSessionExpired}
}

// Consume implements contract.EventSink. Events referencing an unknown or
// expired uploadId are ignored: the remote room may already be gone.
func (m *Manager) Consume(_ context.Context, evt event.InboundEvent) error {
	switch e := evt.(type) {
	case event.UploadProgress:
		au := m.lookup(e.UploadID)
		if au == nil {
			return nil
		}
		if !m.ackChunk(au, e.CurrentChunk) {
			return nil
		}
		select {
		case au.progress <- e:
		default:
			// Progress is advisory; a slow observer loses samples, not truth.
		}
	case event.UploadComplete:
		au := m.lookup(e.UploadID)
		if au == nil {
			return nil
		}
		m.completeSession(au, e.FileURL, e.FileID)
	case event.UploadError:
		au := m.lookup(e.UploadID)
		if au == nil {
			return nil
		}
		m.onUploadError(au, e)
	case event.RoomStatus:
		m.log.Debug("Room status", "upload_id", e.UploadID, "clients", e.ConnectedClients, "expires_at", e.ExpiresAt)
	case event.ConnectionError:
		if e.Terminal {
			m.log.Warn("Connection gave up, uploads paused until reconnect", "attempts", e.Attempts)
		}
	}
	return nil
}

func (m *Manager) onUploadError(au *activeUpload, e event.UploadError) {
	if e.ErrorCode == protocol.CodeSessionExpired {
		m.expireSession(au)
		return
	}

	if e.RetryChunk != nil && protocol.RetryableCode(e.ErrorCode) {
		index := *e.RetryChunk
		m.mu.Lock()
		exhausted := au.attempt(index).Exhausted()
		m.mu.Unlock()
		if !exhausted {
			go m.submitChunk(au, index)
			return
		}
		m.failSession(au, index, e.ErrorCode, fmt.Errorf("%s: %s", e.ErrorCode, e.Message))
		return
	}

	index := -1
	if e.RetryChunk != nil {
		index = *e.RetryChunk
	}
	m.failSession(au, index, e.ErrorCode, fmt.Errorf("%s: %s", e.ErrorCode, e.Message))
}

func (m *Manager) sessionFromStatus(ctx context.Context, uploadID string) (*domain.UploadSession, error) {
	resp, err := m.transport.Status(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		if resp.ErrorCode == protocol.CodeSessionExpired {
			return nil, fmt.Errorf("%w: %s", uperrors.ErrSessionExpired, uploadID)
		}
		return nil, fmt.Errorf("%w: %s (%s)", uperrors.ErrUnknownSession, uploadID, resp.ErrorCode)
	}

	session := domain.NewUploadSession(uploadID, resp.Data.TotalChunks, 0, 0, m.now())
	session.Status = domain.SessionUploading

	// Prefer the explicit missing list; without it, resubmit everything and
	// let DUPLICATE_CHUNK answers fill the acknowledged set.
	if len(resp.Data.MissingChunks) > 0 {
		missing := make(map[int]struct{}, len(resp.Data.MissingChunks))
		for _, idx := range resp.Data.MissingChunks {
			missing[idx] = struct{}{}
		}
		var acked []int
		for i := 0; i < resp.Data.TotalChunks; i++ {
			if _, ok := missing[i]; !ok {
				acked = append(acked, i)
			}
		}
		session.RestoreAcked(acked)
	}
	return session, nil
}
