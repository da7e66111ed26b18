// Package api exposes submissions, live session events and the generation
// service's script and job endpoints over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"manimate/common"
	"manimate/generator"
	"manimate/notify"
	"manimate/push"
	"manimate/session"
	"manimate/types"
)

// Sessions is the submission entry point as seen by the handlers
type Sessions interface {
	Submit(ctx context.Context, req session.Request) (*session.Outcome, error)
	Cancel(sessionID string) error
	Lookup(sessionID string) (session.RunInfo, bool)
	Active() []session.RunInfo
	PruneFinished(olderThan time.Duration) int
}

// Generator is the slice of the generation service the proxy endpoints use
type Generator interface {
	UpdateScript(ctx context.Context, token string, script json.RawMessage) (*generator.ScriptUpdate, error)
	StartRender(ctx context.Context, token string, cfg types.GenerationConfig) (*generator.RenderJob, error)
	JobStatus(ctx context.Context, jobID string) (json.RawMessage, error)
	ListJobs(ctx context.Context, limit int) (*generator.JobList, error)
	DeleteJob(ctx context.Context, jobID string) (string, error)
}

// SessionReader loads persisted sessions
type SessionReader interface {
	Get(ctx context.Context, id string) (*types.Session, error)
}

// Deps are the collaborators the HTTP layer needs. Archive may be nil.
type Deps struct {
	Sessions   Sessions
	Generator  Generator
	Store      SessionReader
	Archive    SessionLoader
	Registry   *push.Registry
	Dispatcher *notify.Dispatcher
	// Generation is sent to the render endpoint when a confirm request carries no config
	Generation types.GenerationConfig
	Logger     arbor.ILogger
	// KeepAlive is the idle interval between SSE comment frames
	KeepAlive time.Duration
	// StreamBuffer is how many undelivered events one SSE client may lag behind
	StreamBuffer int
}

// SessionLoader reads archived sessions
type SessionLoader interface {
	Load(ctx context.Context, id string) (*types.Session, error)
}

// Server is the HTTP server
type Server struct {
	deps       Deps
	logger     arbor.ILogger
	engine     *gin.Engine
	httpServer *http.Server
	cron       *cron.Cron
	cronID     cron.EntryID
	mu         sync.Mutex

	// cancelStreams ends every request context so SSE handlers return on shutdown
	cancelStreams context.CancelFunc
}

// NewServer builds the router and the HTTP server listening on port
func NewServer(deps Deps, port string) *Server {
	if deps.Logger == nil {
		deps.Logger = common.NewNopLogger()
	}
	if deps.KeepAlive <= 0 {
		deps.KeepAlive = 15 * time.Second
	}
	if deps.StreamBuffer <= 0 {
		deps.StreamBuffer = 64
	}

	s := &Server{
		deps:   deps,
		logger: deps.Logger,
		cron:   cron.New(),
	}
	s.engine = s.newRouter()

	baseCtx, cancel := context.WithCancel(context.Background())
	s.cancelStreams = cancel
	s.httpServer = &http.Server{
		Addr:              ":" + port,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	return s
}

func (s *Server) newRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	RegisterHealthRoutes(r)
	s.registerSubmitRoutes(r)
	s.registerEventRoutes(r)
	s.registerScriptRoutes(r)
	s.registerJobRoutes(r)
	s.registerSessionRoutes(r)
	return r
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler { return s.engine }

// Start serves HTTP in the background
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("starting http server")

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Fatal().Err(err).Msg("http server failed")
		}
	}()
	return nil
}

// StartCron schedules pruning of finished runs older than pruneAfter
func (s *Server) StartCron(schedule string, pruneAfter time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.cron.AddFunc(schedule, func() {
		if n := s.deps.Sessions.PruneFinished(pruneAfter); n > 0 {
			s.logger.Info().Int("pruned", n).Msg("cron pruned finished runs")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to add cron job: %w", err)
	}

	s.cronID = id
	s.cron.Start()
	s.logger.Info().Str("schedule", schedule).Msg("prune cron started")
	return nil
}

// Shutdown stops the cron and drains HTTP connections
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("shutting down http server")

	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	s.cancelStreams()
	return s.httpServer.Shutdown(ctx)
}

// respondError writes the failure envelope used by every endpoint
func respondError(c *gin.Context, status int, message string, err error) {
	body := gin.H{"success": false, "message": message}
	if err != nil {
		body["error"] = err.Error()
	}
	c.JSON(status, body)
}
