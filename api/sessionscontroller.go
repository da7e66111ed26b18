package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"manimate/session"
	"manimate/storage"
	"manimate/store"
	"manimate/types"
)

func (s *Server) registerSessionRoutes(r *gin.Engine) {
	r.GET("/sessions/:chatID", s.handleGetSession)
	r.DELETE("/sessions/:chatID/run", s.handleCancelRun)
	r.GET("/api/status", s.handleStatus)
}

// handleGetSession returns the stored session, falling back to the archive
// once the live store has expired it.
func (s *Server) handleGetSession(c *gin.Context) {
	chatID := c.Param("chatID")
	ctx := c.Request.Context()

	sess, err := s.deps.Store.Get(ctx, chatID)
	source := "store"
	if errors.Is(err, store.ErrNotFound) && s.deps.Archive != nil {
		var aerr error
		sess, aerr = s.deps.Archive.Load(ctx, chatID)
		switch {
		case aerr == nil:
			err = nil
			source = "archive"
		case !errors.Is(aerr, storage.ErrNotArchived):
			err = aerr
		}
	}
	if errors.Is(err, store.ErrNotFound) {
		respondError(c, http.StatusNotFound, "Session not found", nil)
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("chatID", chatID).Msg("error loading session")
		respondError(c, http.StatusInternalServerError, "Error loading session", err)
		return
	}

	body := gin.H{
		"success":   true,
		"source":    source,
		"session":   sess,
		"completed": sess.Completed(),
		"requested": len(sess.Tokens),
		"scripts":   types.Compact(sess.Scripts),
		"tokens":    types.CompactTokens(sess.ReadyTokens),
	}
	if info, ok := s.deps.Sessions.Lookup(chatID); ok {
		body["run"] = info
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleCancelRun(c *gin.Context) {
	chatID := c.Param("chatID")

	if err := s.deps.Sessions.Cancel(chatID); err != nil {
		if errors.Is(err, session.ErrNotRunning) {
			respondError(c, http.StatusNotFound, "No generation running for this chat", nil)
			return
		}
		respondError(c, http.StatusInternalServerError, "Error cancelling generation", err)
		return
	}

	s.logger.WithCorrelationId(chatID).Info().Msg("generation cancelled by request")
	c.JSON(http.StatusAccepted, gin.H{"success": true, "message": "Generation cancelled", "chatID": chatID})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"active":   s.deps.Sessions.Active(),
		"channels": s.deps.Registry.Len(),
	})
}
