package api

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"manimate/types"
)

type updateScriptRequest struct {
	Script json.RawMessage `json:"script"`
	ChatID string          `json:"chatID"`
}

type confirmScriptRequest struct {
	ChatID string                  `json:"chatID"`
	Config *types.GenerationConfig `json:"config"`
}

func (s *Server) registerScriptRoutes(r *gin.Engine) {
	r.POST("/update_script/:token", s.handleUpdateScript)
	r.POST("/confirm_script/:token", s.handleConfirmScript)
}

// handleUpdateScript forwards an edited script to the generation service.
// The session keeps the script as first generated.
func (s *Server) handleUpdateScript(c *gin.Context) {
	token := c.Param("token")

	var req updateScriptRequest
	_ = c.ShouldBindJSON(&req)
	if isEmptyJSON(req.Script) || req.ChatID == "" {
		respondError(c, http.StatusBadRequest, "Script data and ChatID are required", nil)
		return
	}

	logger := s.logger.WithCorrelationId(req.ChatID)
	logger.Info().Str("token", token).Msg("updating script")

	upd, err := s.deps.Generator.UpdateScript(c.Request.Context(), token, req.Script)
	if err != nil {
		logger.Error().Err(err).Str("token", token).Msg("error updating script")
		respondError(c, http.StatusInternalServerError, "Error updating script", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Script updated successfully",
		"script":  upd.Script,
		"token":   token,
	})
}

// handleConfirmScript starts video rendering for a confirmed script
func (s *Server) handleConfirmScript(c *gin.Context) {
	token := c.Param("token")

	var req confirmScriptRequest
	_ = c.ShouldBindJSON(&req)
	if req.ChatID == "" {
		respondError(c, http.StatusBadRequest, "ChatID is required", nil)
		return
	}

	cfg := s.deps.Generation.WithTopic("Generated Video")
	if req.Config != nil {
		cfg = *req.Config
	}

	logger := s.logger.WithCorrelationId(req.ChatID)
	logger.Info().Str("token", token).Msg("starting video generation")

	job, err := s.deps.Generator.StartRender(c.Request.Context(), token, cfg)
	if err != nil {
		logger.Error().Err(err).Str("token", token).Msg("error starting video generation")
		respondError(c, http.StatusInternalServerError, "Error starting video generation", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Video generation started successfully",
		"job_id":  job.JobID,
		"status":  job.Status,
		"token":   token,
		"chatID":  req.ChatID,
	})
}

func isEmptyJSON(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
