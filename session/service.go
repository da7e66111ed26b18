// Package session is the submission entry point: it obtains job tokens for a
// request, runs the poll cycle and records how the run ended.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ternarybob/arbor"

	"manimate/common"
	"manimate/notify"
	"manimate/poller"
	"manimate/store"
	"manimate/types"
)

var (
	// ErrInvalidRequest is returned when a required request field is missing
	ErrInvalidRequest = errors.New("session: text, uid and chatID are required")
	// ErrSubmissionRejected is returned when the generation service refuses to issue tokens
	ErrSubmissionRejected = errors.New("session: generation service rejected the submission")
	// ErrAlreadyRunning is returned when the session already has an active run
	ErrAlreadyRunning = errors.New("session: generation already running")
	// ErrNotRunning is returned when cancelling a session with no active run
	ErrNotRunning = errors.New("session: no active generation")
)

// Mode selects whether Submit waits for the run to end
type Mode string

const (
	ModeSync  Mode = "sync"
	ModeAsync Mode = "async"
)

// ParseMode maps user input to a Mode; empty input yields def
func ParseMode(s string, def Mode) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "":
		return def, nil
	case ModeSync:
		return ModeSync, nil
	case ModeAsync:
		return ModeAsync, nil
	}
	return "", fmt.Errorf("%w: unknown mode %q", ErrInvalidRequest, s)
}

// TokenIssuer obtains job tokens for a topic from the generation service
type TokenIssuer interface {
	IssueTokens(ctx context.Context, cfg types.GenerationConfig) ([]string, error)
}

// Archiver keeps a copy of finished sessions
type Archiver interface {
	Save(ctx context.Context, s *types.Session) error
}

// ArchiveLoader is implemented by archivers that can read a session back.
// Ownership checks use it once the live store has expired a record.
type ArchiveLoader interface {
	Load(ctx context.Context, sessionID string) (*types.Session, error)
}

// Request is one generation submission
type Request struct {
	OwnerID   string
	Topic     string
	SessionID string
	Mode      Mode
}

// Outcome is what Submit returns. For async submissions only the token set is known.
// Scripts and ReadyTokens are slot-aligned with Tokens.
type Outcome struct {
	SessionID   string
	Mode        Mode
	Tokens      []string
	Scripts     []*types.Script
	ReadyTokens []string
	Complete    bool
	Cancelled   bool
	Completed   int
	Requested   int
}

// Options configures a Service
type Options struct {
	Generation   types.GenerationConfig
	StoreTimeout time.Duration
	DefaultMode  Mode
	Archive      Archiver
}

// Service runs at most one poll cycle per session id
type Service struct {
	issuer       TokenIssuer
	engine       *poller.Engine
	store        store.Store
	dispatcher   *notify.Dispatcher
	archive      Archiver
	generation   types.GenerationConfig
	storeTimeout time.Duration
	defaultMode  Mode
	logger       arbor.ILogger
	now          func() time.Time

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu   sync.Mutex
	runs map[string]*run
}

// NewService wires the submission entry point
func NewService(issuer TokenIssuer, engine *poller.Engine, st store.Store, dispatcher *notify.Dispatcher, logger arbor.ILogger, opts Options) *Service {
	if logger == nil {
		logger = common.NewNopLogger()
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 5 * time.Second
	}
	if opts.DefaultMode == "" {
		opts.DefaultMode = ModeSync
	}

	ctx, stop := context.WithCancel(context.Background())
	return &Service{
		issuer:       issuer,
		engine:       engine,
		store:        st,
		dispatcher:   dispatcher,
		archive:      opts.Archive,
		generation:   opts.Generation,
		storeTimeout: opts.StoreTimeout,
		defaultMode:  opts.DefaultMode,
		logger:       logger,
		now:          time.Now,
		baseCtx:      ctx,
		stop:         stop,
		runs:         make(map[string]*run),
	}
}

// DefaultMode is used when a request leaves Mode empty
func (s *Service) DefaultMode() Mode { return s.defaultMode }

// Submit validates req, obtains tokens and starts the poll cycle.
// In sync mode it blocks until the run ends; if ctx ends first the run keeps
// going and ctx.Err() is returned.
func (s *Service) Submit(ctx context.Context, req Request) (*Outcome, error) {
	req.OwnerID = strings.TrimSpace(req.OwnerID)
	req.Topic = strings.TrimSpace(req.Topic)
	req.SessionID = strings.TrimSpace(req.SessionID)
	if req.OwnerID == "" || req.Topic == "" || req.SessionID == "" {
		return nil, ErrInvalidRequest
	}
	mode, err := ParseMode(string(req.Mode), s.defaultMode)
	if err != nil {
		return nil, err
	}

	logger := s.logger.WithCorrelationId(req.SessionID)

	if err := s.checkOwner(req); err != nil {
		return nil, err
	}

	r, err := s.reserve(req)
	if err != nil {
		return nil, err
	}

	tokens, err := s.issuer.IssueTokens(ctx, s.generation.WithTopic(req.Topic))
	if err != nil {
		s.release(r)
		logger.Error().Err(err).Str("topic", req.Topic).Msg("token issue failed")
		return nil, fmt.Errorf("%w: %w", ErrSubmissionRejected, err)
	}
	logger.Info().Int("tokens", len(tokens)).Str("mode", string(mode)).Msg("tokens issued, polling started")

	sess := types.NewSession(req.SessionID, req.OwnerID, req.Topic, tokens, s.now())
	s.withStoreTimeout(func(sctx context.Context) {
		if err := s.store.Create(sctx, sess); err != nil {
			logger.Warn().Err(err).Msg("store_create_failed")
		}
	})

	s.start(r, tokens, logger)

	if mode == ModeAsync {
		return &Outcome{
			SessionID: req.SessionID,
			Mode:      ModeAsync,
			Tokens:    append([]string(nil), tokens...),
			Requested: len(tokens),
		}, nil
	}

	select {
	case <-r.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return r.outcome(ModeSync), nil
}

// checkOwner refuses a session id already held by another owner. A record
// missing from the live store is looked up in the archive when it can be read.
// Any other lookup failure counts as unowned.
func (s *Service) checkOwner(req Request) error {
	var err error
	s.withStoreTimeout(func(sctx context.Context) {
		existing, gerr := s.store.Get(sctx, req.SessionID)
		if errors.Is(gerr, store.ErrNotFound) {
			existing, gerr = s.loadArchived(sctx, req.SessionID)
		}
		if gerr == nil && existing != nil && existing.OwnerID != req.OwnerID {
			err = fmt.Errorf("%w: %s", store.ErrOwnerMismatch, req.SessionID)
		}
	})
	return err
}

func (s *Service) loadArchived(ctx context.Context, sessionID string) (*types.Session, error) {
	loader, ok := s.archive.(ArchiveLoader)
	if !ok {
		return nil, store.ErrNotFound
	}
	return loader.Load(ctx, sessionID)
}

func (s *Service) reserve(req Request) (*run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.baseCtx.Err() != nil {
		return nil, fmt.Errorf("%w: service shutting down", ErrSubmissionRejected)
	}
	if existing, ok := s.runs[req.SessionID]; ok && !existing.isFinished() {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, req.SessionID)
	}

	ctx, cancel := context.WithCancel(s.baseCtx)
	r := &run{
		sessionID: req.SessionID,
		ownerID:   req.OwnerID,
		topic:     req.Topic,
		startedAt: s.now(),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	s.runs[req.SessionID] = r
	return r, nil
}

// release drops a reservation whose tokens were never issued
func (s *Service) release(r *run) {
	r.cancel()
	s.mu.Lock()
	if s.runs[r.sessionID] == r {
		delete(s.runs, r.sessionID)
	}
	s.mu.Unlock()
	close(r.done)
}

func (s *Service) start(r *run, tokens []string, logger arbor.ILogger) {
	r.setTokens(tokens)

	observer := poller.Observers{
		poller.ObserverFunc(func(ctx context.Context, p poller.Progress) {
			r.ready.Add(1)
			s.persistProgress(ctx, r.sessionID, p, logger)
		}),
		s.dispatcher.Observer(r.sessionID),
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		res := s.engine.Run(r.ctx, tokens, observer)
		s.finish(r, res, logger)
	}()
}

func (s *Service) persistProgress(ctx context.Context, sessionID string, p poller.Progress, logger arbor.ILogger) {
	sctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	if err := s.store.UpsertProgress(sctx, sessionID, p.Scripts, p.ReadyTokens); err != nil {
		logger.Warn().Err(err).Int("index", p.Index).Msg("store_upsert_failed")
	}
}

func (s *Service) finish(r *run, res poller.Result, logger arbor.ILogger) {
	var status types.SessionStatus
	switch {
	case res.Complete:
		status = types.SessionComplete
		s.dispatcher.Complete(context.Background(), r.sessionID, res)
		logger.Info().Int("ticks", res.Ticks).Int("scripts", len(res.Tokens)).Msg("all scripts generated")
	case res.Cancelled:
		status = types.SessionCancelled
		logger.Info().Int("ready", res.Completed()).Int("total", len(res.Tokens)).Msg("generation cancelled")
	default:
		status = types.SessionPartial
		s.dispatcher.TimedOut(context.Background(), r.sessionID, res)
		logger.Warn().Int("ready", res.Completed()).Int("total", len(res.Tokens)).Msg("generation timed out")
	}

	s.withStoreTimeout(func(sctx context.Context) {
		if err := s.store.SetStatus(sctx, r.sessionID, status); err != nil {
			logger.Warn().Err(err).Str("status", string(status)).Msg("store_status_failed")
		}
	})

	if s.archive != nil && status != types.SessionCancelled {
		snapshot := &types.Session{
			ID:          r.sessionID,
			OwnerID:     r.ownerID,
			Topic:       r.topic,
			Tokens:      res.Tokens,
			Scripts:     res.Scripts,
			ReadyTokens: res.ReadyTokens,
			Status:      status,
			CreatedAt:   r.startedAt,
			UpdatedAt:   s.now(),
		}
		s.withStoreTimeout(func(sctx context.Context) {
			if err := s.archive.Save(sctx, snapshot); err != nil {
				logger.Warn().Err(err).Msg("session archive failed")
			}
		})
	}

	r.complete(res, status, s.now())
	r.cancel()
}

func (s *Service) withStoreTimeout(fn func(ctx context.Context)) {
	ctx, cancel := context.WithTimeout(context.Background(), s.storeTimeout)
	defer cancel()
	fn(ctx)
}

// Cancel stops the session's active run. Queries already in flight are discarded.
func (s *Service) Cancel(sessionID string) error {
	s.mu.Lock()
	r, ok := s.runs[sessionID]
	s.mu.Unlock()
	if !ok || r.isFinished() {
		return fmt.Errorf("%w: %s", ErrNotRunning, sessionID)
	}
	r.cancel()
	return nil
}

// Wait blocks until the session's current run ends or ctx is done
func (s *Service) Wait(ctx context.Context, sessionID string) (*Outcome, error) {
	s.mu.Lock()
	r, ok := s.runs[sessionID]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRunning, sessionID)
	}
	select {
	case <-r.done:
		return r.outcome(ModeAsync), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Lookup returns what is known about the session's latest run
func (s *Service) Lookup(sessionID string) (RunInfo, bool) {
	s.mu.Lock()
	r, ok := s.runs[sessionID]
	s.mu.Unlock()
	if !ok {
		return RunInfo{}, false
	}
	return r.info(), true
}

// Active returns the running and recently finished runs, oldest first
func (s *Service) Active() []RunInfo {
	s.mu.Lock()
	out := make([]RunInfo, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, r.info())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// PruneFinished forgets runs that ended more than olderThan ago
func (s *Service) PruneFinished(olderThan time.Duration) int {
	cutoff := s.now().Add(-olderThan)

	s.mu.Lock()
	defer s.mu.Unlock()
	pruned := 0
	for id, r := range s.runs {
		if fin := r.finishedTime(); !fin.IsZero() && fin.Before(cutoff) {
			delete(s.runs, id)
			pruned++
		}
	}
	if pruned > 0 {
		s.logger.Debug().Int("pruned", pruned).Msg("finished runs pruned")
	}
	return pruned
}

// Shutdown cancels every run and waits for them to record their end
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.stop()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunInfo is a point-in-time view of one run
type RunInfo struct {
	SessionID  string              `json:"chatID"`
	OwnerID    string              `json:"uid"`
	Topic      string              `json:"text"`
	Tokens     int                 `json:"tokens"`
	Ready      int                 `json:"ready"`
	Running    bool                `json:"running"`
	Status     types.SessionStatus `json:"status"`
	StartedAt  time.Time           `json:"startedAt"`
	FinishedAt *time.Time          `json:"finishedAt,omitempty"`
}

type run struct {
	sessionID string
	ownerID   string
	topic     string
	startedAt time.Time
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	ready     atomic.Int32

	mu         sync.Mutex
	tokens     []string
	result     poller.Result
	status     types.SessionStatus
	finishedAt time.Time
}

func (r *run) setTokens(tokens []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens = tokens
	r.status = types.SessionGenerating
}

func (r *run) complete(res poller.Result, status types.SessionStatus, at time.Time) {
	r.mu.Lock()
	r.result = res
	r.status = status
	r.finishedAt = at
	r.mu.Unlock()
	close(r.done)
}

func (r *run) isFinished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

func (r *run) finishedTime() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finishedAt
}

func (r *run) outcome(mode Mode) *Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := r.result
	return &Outcome{
		SessionID:   r.sessionID,
		Mode:        mode,
		Tokens:      res.Tokens,
		Scripts:     res.Scripts,
		ReadyTokens: res.ReadyTokens,
		Complete:    res.Complete,
		Cancelled:   res.Cancelled,
		Completed:   res.Completed(),
		Requested:   len(res.Tokens),
	}
}

func (r *run) info() RunInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	info := RunInfo{
		SessionID: r.sessionID,
		OwnerID:   r.ownerID,
		Topic:     r.topic,
		Tokens:    len(r.tokens),
		Ready:     int(r.ready.Load()),
		Running:   r.finishedAt.IsZero(),
		Status:    r.status,
		StartedAt: r.startedAt,
	}
	if !r.finishedAt.IsZero() {
		fin := r.finishedAt
		info.FinishedAt = &fin
	}
	return info
}
