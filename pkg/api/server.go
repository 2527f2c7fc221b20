// Package api exposes the re-run trigger and decision queries over HTTP.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Mindburn-Labs/quorum/pkg/errorir"
	"github.com/Mindburn-Labs/quorum/pkg/observability"
	"github.com/Mindburn-Labs/quorum/pkg/pipeline"
	"github.com/Mindburn-Labs/quorum/pkg/store"
	"github.com/Mindburn-Labs/quorum/pkg/verdict"
)

// Executor starts decision runs. *pipeline.Controller implements it.
type Executor interface {
	Execute(ctx context.Context, req pipeline.Request) (*store.Run, error)
}

// Deps are the collaborators of the HTTP server.
type Deps struct {
	Executor Executor
	Records  store.Store
	Metrics  *observability.Metrics
	// Token, when set, is required as a bearer token on mutating routes.
	Token string
}

type Server struct {
	r      *gin.Engine
	deps   Deps
	logger *slog.Logger
}

func NewServer(deps Deps) *Server {
	r := gin.New()
	r.Use(gin.Recovery())

	s := &Server{r: r, deps: deps, logger: slog.Default().With("component", "api")}
	r.Use(s.requestLog())
	s.routes()
	return s
}

// Handler returns the root handler, for http.Server and tests.
func (s *Server) Handler() http.Handler { return s.r }

func (s *Server) routes() {
	s.r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if s.deps.Metrics != nil {
		s.r.GET("/metrics", gin.WrapH(s.deps.Metrics.Handler()))
	}

	v1 := s.r.Group("/v1/proposals/:network/:id")
	v1.GET("", s.handleCurrent)
	v1.GET("/history", s.handleHistory)
	v1.POST("/runs", s.requireToken(), s.handleRerun)
}

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	RunID   string `json:"run_id,omitempty"`
}

type rerunRequest struct {
	Reason     string         `json:"reason"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Contents   []struct {
		Name string `json:"name"`
		Data []byte `json:"data"`
	} `json:"contents,omitempty"`
}

func (s *Server) handleRerun(c *gin.Context) {
	p, ok := proposalParam(c)
	if !ok {
		return
	}
	var body rerunRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_JSON", "invalid request body")
		return
	}
	if strings.TrimSpace(body.Reason) == "" {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_ARGUMENT", "reason is required")
		return
	}

	req := pipeline.Request{Proposal: p, Reason: body.Reason, Attributes: body.Attributes}
	for _, ct := range body.Contents {
		req.Contents = append(req.Contents, verdict.Content{Name: ct.Name, Data: ct.Data})
	}

	run, err := s.deps.Executor.Execute(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, run)
}

func (s *Server) handleCurrent(c *gin.Context) {
	p, ok := proposalParam(c)
	if !ok {
		return
	}
	run, err := s.deps.Records.Current(c.Request.Context(), p)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

func (s *Server) handleHistory(c *gin.Context) {
	p, ok := proposalParam(c)
	if !ok {
		return
	}
	runs, err := s.deps.Records.History(c.Request.Context(), p)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"proposal": p, "runs": runs})
}

func proposalParam(c *gin.Context) (verdict.Proposal, bool) {
	p, err := verdict.NewProposal(c.Param("network"), c.Param("id"))
	if err != nil {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
		return verdict.Proposal{}, false
	}
	return p, true
}

func (s *Server) requireToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.deps.Token == "" {
			c.Next()
			return
		}
		got := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.deps.Token)) != 1 {
			writeErrorCode(c, http.StatusUnauthorized, "UNAUTHORIZED", "authentication failed")
			return
		}
		c.Next()
	}
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.InfoContext(c.Request.Context(), "http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}

// statusFor maps an error class to its HTTP status.
func statusFor(err error) (int, string) {
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound, "NOT_FOUND"
	}
	switch errorir.ClassOf(err) {
	case errorir.ClassIntegrity:
		return http.StatusUnprocessableEntity, string(errorir.ClassIntegrity)
	case errorir.ClassConflict:
		return http.StatusConflict, string(errorir.ClassConflict)
	case errorir.ClassTransient, errorir.ClassUnavailable:
		return http.StatusServiceUnavailable, string(errorir.ClassOf(err))
	case errorir.ClassIneligible:
		return http.StatusForbidden, string(errorir.ClassIneligible)
	case errorir.ClassStorage:
		return http.StatusInternalServerError, string(errorir.ClassStorage)
	}
	return http.StatusInternalServerError, "INTERNAL"
}

func writeError(c *gin.Context, err error) {
	status, code := statusFor(err)
	resp := ErrorResponse{Code: code, Message: err.Error()}
	var re *errorir.RunError
	if errors.As(err, &re) {
		resp.RunID = re.RunID
	}
	c.AbortWithStatusJSON(status, resp)
}

func writeErrorCode(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, ErrorResponse{Code: code, Message: message})
}
