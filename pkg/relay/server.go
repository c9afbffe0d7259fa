// Package relay is a reference implementation of the chat service: it streams
// completions from an OpenAI compatible upstream as data frames and answers
// title requests.
package relay

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-go-golems/murmur/pkg/conversation"
	"github.com/go-go-golems/murmur/pkg/metrics"
	"github.com/go-go-golems/murmur/pkg/stream"
	"github.com/go-go-golems/murmur/pkg/title"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const titleInstruction = "Summarize the following exchange as a conversation title of at most six words. " +
	"Reply with the title only, without quotes or punctuation at the end."

type Server struct {
	completer       Completer
	engine          *gin.Engine
	shutdownTimeout time.Duration
}

type Option func(*Server)

func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.shutdownTimeout = d
	}
}

func NewServer(completer Completer, options ...Option) *Server {
	ret := &Server{
		completer:       completer,
		shutdownTimeout: 10 * time.Second,
	}
	for _, option := range options {
		option(ret)
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger())
	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	engine.POST("/chat", ret.handleChat)
	engine.POST("/generate-title", ret.handleTitle)
	ret.engine = engine

	return ret
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:    addr,
		Handler: s.engine,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("Relay listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("Context cancelled, shutting down relay")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func prepareSSE(c *gin.Context) (http.Flusher, bool) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	flusher, ok := c.Writer.(http.Flusher)
	return flusher, ok
}

func (s *Server) handleChat(c *gin.Context) {
	var req stream.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Messages) == 0 {
		metrics.RelayRequests.WithLabelValues("chat", "bad_request").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "expected a non-empty messages array"})
		return
	}

	flusher, ok := prepareSSE(c)
	if !ok {
		metrics.RelayRequests.WithLabelValues("chat", "error").Inc()
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}
	c.Status(http.StatusOK)

	ctx := c.Request.Context()
	write := func(p stream.Payload) error {
		b, err := stream.EncodeFrame(p)
		if err != nil {
			return err
		}
		if _, err := c.Writer.Write(b); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	err := s.completer.Stream(ctx, req.Messages, func(chunk string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return write(stream.Payload{Status: stream.StatusProcessing, Data: chunk})
	})

	if ctx.Err() != nil {
		log.Debug().Msg("Client disconnected, stopped generation")
		metrics.RelayRequests.WithLabelValues("chat", "cancelled").Inc()
		return
	}

	status := "ok"
	if err != nil {
		status = "error"
		log.Warn().Err(err).Msg("Upstream generation failed")
		_ = write(stream.Payload{Status: stream.StatusError, Data: err.Error()})
	}
	_ = write(stream.Payload{Status: stream.StatusComplete, Data: stream.FinishedSentinel})
	metrics.RelayRequests.WithLabelValues("chat", status).Inc()
}

func (s *Server) handleTitle(c *gin.Context) {
	var req title.Request
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.UserMessage) == "" {
		metrics.RelayRequests.WithLabelValues("title", "bad_request").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "expected userMessage and aiResponse"})
		return
	}

	turns := []conversation.Turn{
		{Role: conversation.RoleSystem, Content: titleInstruction},
		{Role: conversation.RoleUser, Content: "User: " + req.UserMessage + "\nAssistant: " + req.AIResponse},
	}
	t, err := s.completer.Complete(c.Request.Context(), turns)
	t = strings.Trim(strings.TrimSpace(t), "\"'")
	if err == nil && t == "" {
		err = errors.New("upstream returned an empty title")
	}
	if err != nil {
		log.Warn().Err(err).Msg("Title generation failed upstream")
		metrics.RelayRequests.WithLabelValues("title", "error").Inc()
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	metrics.RelayRequests.WithLabelValues("title", "ok").Inc()
	c.JSON(http.StatusOK, title.Response{Title: t})
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		event := log.Debug()
		if status >= 400 {
			event = log.Warn()
		}
		if status >= 500 {
			event = log.Error()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("Request completed")
	}
}
