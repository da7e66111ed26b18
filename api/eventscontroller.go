package api

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"

	"manimate/push"
	"manimate/types"
)

func (s *Server) registerEventRoutes(r *gin.Engine) {
	r.GET("/events/:chatID", s.handleEvents)
}

// handleEvents holds an SSE stream open for one session. The stream is
// registered before the connected event is sent so nothing published after
// the greeting is lost.
func (s *Server) handleEvents(c *gin.Context) {
	chatID := c.Param("chatID")
	logger := s.logger.WithCorrelationId(chatID)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("Access-Control-Allow-Origin", "*")
	c.Status(http.StatusOK)

	ch := push.NewStreamChannel(s.deps.StreamBuffer)
	sub := s.deps.Registry.Register(chatID, ch)
	defer func() {
		sub.Release()
		ch.Close()
		logger.Info().Str("conn", sub.ConnID).Msg("sse client disconnected")
	}()
	logger.Info().Str("conn", sub.ConnID).Msg("sse client connected")

	s.deps.Dispatcher.Connected(chatID)

	keepAlive := time.NewTicker(s.deps.KeepAlive)
	defer keepAlive.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch.Events():
			if !ok {
				return
			}
			if err := writeEvent(c.Writer, ev); err != nil {
				logger.Warn().Err(err).Msg("sse write failed")
				return
			}
		case <-keepAlive.C:
			// replaced by a newer connection or dropped after falling behind
			if !sub.Active() {
				return
			}
			if _, err := io.WriteString(c.Writer, ": keepalive\n\n"); err != nil {
				return
			}
		}
		c.Writer.Flush()
	}
}

func writeEvent(w io.Writer, ev types.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return sse.Encode(w, sse.Event{Data: string(data)})
}
