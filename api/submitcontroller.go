package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"manimate/session"
	"manimate/store"
	"manimate/types"
)

type submitRequest struct {
	Text   string `json:"text"`
	UID    string `json:"uid"`
	ChatID string `json:"chatID"`
	Mode   string `json:"mode"`
}

func (s *Server) registerSubmitRoutes(r *gin.Engine) {
	r.POST("/submit", s.handleSubmit)
}

// handleSubmit starts generation for a topic. Sync requests are answered when
// the poll cycle ends; async requests as soon as tokens are issued.
func (s *Server) handleSubmit(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "Text, UID, and ChatID are required", nil)
		return
	}
	if req.Mode == "" {
		req.Mode = c.Query("mode")
	}
	mode, err := session.ParseMode(req.Mode, "")
	if err != nil {
		respondError(c, http.StatusBadRequest, "Unknown submission mode", err)
		return
	}

	out, err := s.deps.Sessions.Submit(c.Request.Context(), session.Request{
		OwnerID:   req.UID,
		Topic:     req.Text,
		SessionID: req.ChatID,
		Mode:      mode,
	})
	if err != nil {
		s.respondSubmitError(c, req.ChatID, err)
		return
	}

	if out.Mode == session.ModeAsync {
		c.JSON(http.StatusAccepted, gin.H{
			"success": true,
			"tokens":  out.Tokens,
			"chatID":  out.SessionID,
		})
		return
	}

	body := gin.H{
		"chatID":    out.SessionID,
		"completed": out.Completed,
		"requested": out.Requested,
		"slots":     slots(out),
	}
	if out.Complete {
		body["success"] = true
		body["message"] = "All scripts generated successfully"
		body["scripts"] = out.Scripts
		body["tokens"] = out.ReadyTokens
		c.JSON(http.StatusOK, body)
		return
	}
	body["success"] = false
	body["message"] = "Timeout: Not all scripts were generated in time"
	if out.Cancelled {
		body["message"] = "Generation cancelled before all scripts were generated"
	}
	body["scripts"] = types.Compact(out.Scripts)
	body["tokens"] = types.CompactTokens(out.ReadyTokens)
	c.JSON(http.StatusAccepted, body)
}

func (s *Server) respondSubmitError(c *gin.Context, chatID string, err error) {
	switch {
	case errors.Is(err, session.ErrInvalidRequest):
		respondError(c, http.StatusBadRequest, "Text, UID, and ChatID are required", nil)
	case errors.Is(err, store.ErrOwnerMismatch):
		respondError(c, http.StatusForbidden, "ChatID belongs to another user", nil)
	case errors.Is(err, session.ErrAlreadyRunning):
		respondError(c, http.StatusConflict, "Generation already running for this chat", nil)
	case errors.Is(err, session.ErrSubmissionRejected):
		s.logger.Warn().Err(err).Str("chatID", chatID).Msg("submission rejected")
		respondError(c, http.StatusBadGateway, "Script generation service rejected the request", err)
	default:
		s.logger.Error().Err(err).Str("chatID", chatID).Msg("error processing request")
		respondError(c, http.StatusInternalServerError, "Internal server error", nil)
	}
}

type slot struct {
	Token  string        `json:"token"`
	Ready  bool          `json:"ready"`
	Script *types.Script `json:"script"`
}

// slots pairs every issued token with its script, keeping slot order
func slots(out *session.Outcome) []slot {
	res := make([]slot, len(out.Tokens))
	for i, tok := range out.Tokens {
		res[i] = slot{Token: tok}
		if i < len(out.Scripts) && out.Scripts[i].Ready() {
			res[i].Ready = true
			res[i].Script = out.Scripts[i]
		}
	}
	return res
}
