package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"manimate/generator"
)

func (s *Server) registerJobRoutes(r *gin.Engine) {
	r.GET("/generation_status/:job_id", s.handleJobStatus)
	r.GET("/generation_jobs", s.handleListJobs)
	r.DELETE("/generation_job/:job_id", s.handleDeleteJob)
}

func (s *Server) handleJobStatus(c *gin.Context) {
	jobID := c.Param("job_id")

	status, err := s.deps.Generator.JobStatus(c.Request.Context(), jobID)
	if errors.Is(err, generator.ErrNotFound) {
		respondError(c, http.StatusNotFound, "Job not found", nil)
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("job_id", jobID).Msg("error checking generation status")
		respondError(c, http.StatusInternalServerError, "Error checking generation status", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "job_status": status})
}

func (s *Server) handleListJobs(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		limit = 50
	}

	list, err := s.deps.Generator.ListJobs(c.Request.Context(), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("error fetching generation jobs")
		respondError(c, http.StatusInternalServerError, "Error fetching generation jobs", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "jobs": list.Jobs, "total": list.Total})
}

func (s *Server) handleDeleteJob(c *gin.Context) {
	jobID := c.Param("job_id")

	msg, err := s.deps.Generator.DeleteJob(c.Request.Context(), jobID)
	if errors.Is(err, generator.ErrNotFound) {
		respondError(c, http.StatusNotFound, "Job not found", nil)
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("job_id", jobID).Msg("error deleting generation job")
		respondError(c, http.StatusInternalServerError, "Error deleting generation job", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "message": msg})
}
