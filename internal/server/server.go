// Package server provides the vaultd HTTP API.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/vaultd/internal/config"
	"github.com/fyrsmithlabs/vaultd/internal/crossproject"
	"github.com/fyrsmithlabs/vaultd/internal/keys"
	"github.com/fyrsmithlabs/vaultd/internal/vault"
	"github.com/fyrsmithlabs/vaultd/internal/vectorstore"
)

// Server exposes the vault over HTTP.
type Server struct {
	echo   *echo.Echo
	vault  *vault.Service
	engine *crossproject.Engine
	logger *zap.Logger
	cfg    config.ServerConfig
}

// NewServer wires routes and middleware.
func NewServer(svc *vault.Service, engine *crossproject.Engine, cfg config.ServerConfig, logger *zap.Logger) (*Server, error) {
	if svc == nil {
		return nil, fmt.Errorf("vault service is required")
	}
	if engine == nil {
		return nil, fmt.Errorf("cross-project engine is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	if cfg.RequestTimeout > 0 {
		e.Use(middleware.TimeoutWithConfig(middleware.TimeoutConfig{Timeout: cfg.RequestTimeout}))
	}
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{
		echo:   e,
		vault:  svc,
		engine: engine,
		logger: logger.Named("server"),
		cfg:    cfg,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/healthz", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/v1")
	v1.POST("/memories", s.handleStoreMemory)
	v1.POST("/memories/query", s.handleQueryMemories)
	v1.POST("/crossproject/query", s.handleCrossProjectQuery)
	v1.POST("/crossproject/resolve", s.handleResolveContradiction)
	v1.GET("/users/:id/export", s.handleExportUser)
	v1.DELETE("/users/:id", s.handleEraseUser)
}

// errorResponse is the JSON error envelope: a stable component code plus
// a human-readable message.
type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError maps component errors onto HTTP statuses.
func (s *Server) writeError(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	code := "INTERNAL"

	var encErr *keys.EncryptionError
	var storeErr *vectorstore.StoreError
	switch {
	case errors.As(err, &encErr):
		code = string(encErr.Code)
		switch encErr.Code {
		case keys.CodeKeyNotFound:
			status = http.StatusNotFound
		case keys.CodeInvalidKey, keys.CodeKeyExpired:
			status = http.StatusConflict
		}
	case errors.As(err, &storeErr):
		code = string(storeErr.Code)
		switch storeErr.Code {
		case vectorstore.CodeCollectionNotFound:
			status = http.StatusNotFound
		case vectorstore.CodeNotInitialized:
			status = http.StatusServiceUnavailable
		}
	case errors.Is(err, vectorstore.ErrMissingOwner),
		errors.Is(err, vectorstore.ErrInvalidCollectionName),
		errors.Is(err, vectorstore.ErrEmptyBatch):
		status = http.StatusBadRequest
		code = "INVALID_REQUEST"
	}

	s.logger.Warn("request failed",
		zap.String("code", code),
		zap.Error(err))
	return c.JSON(status, errorResponse{Code: code, Message: err.Error()})
}

type healthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{Status: "ok"})
}

// StoreMemoryRequest is the body for POST /v1/memories.
type StoreMemoryRequest struct {
	UserID         string                 `json:"user_id"`
	Type           string                 `json:"type"`
	Content        string                 `json:"content"`
	ProjectID      string                 `json:"project_id,omitempty"`
	ConversationID string                 `json:"conversation_id,omitempty"`
	DocumentID     string                 `json:"document_id,omitempty"`
	Origin         string                 `json:"origin,omitempty"`
	Topics         []string               `json:"topics,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	Embedding      []float32              `json:"embedding,omitempty"`
}

// StoreMemoryResponse carries the stored record's id.
type StoreMemoryResponse struct {
	ID string `json:"id"`
}

func (s *Server) handleStoreMemory(c echo.Context) error {
	var req StoreMemoryRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.UserID == "" || req.Content == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "user_id and content are required")
	}

	meta := req.Metadata
	if meta == nil {
		meta = make(map[string]interface{})
	}
	if req.ProjectID != "" {
		meta[vectorstore.MetaProjectID] = req.ProjectID
	}
	if len(req.Topics) > 0 {
		topics := make([]interface{}, len(req.Topics))
		for i, tp := range req.Topics {
			topics[i] = tp
		}
		meta[vectorstore.MetaTopics] = topics
	}

	rec := &vectorstore.MemoryRecord{
		Content:    req.Content,
		Embedding:  req.Embedding,
		Metadata:   meta,
		Collection: vectorstore.CollectionType(req.Type),
		UserID:     req.UserID,
	}
	id, err := s.vault.StoreMemory(c.Request().Context(), rec)
	if err != nil {
		return s.writeError(c, err)
	}
	if req.ProjectID != "" {
		s.engine.AddSourceContext(crossproject.SourceContext{
			MemoryID:       id,
			UserID:         req.UserID,
			ProjectID:      req.ProjectID,
			ConversationID: req.ConversationID,
			DocumentID:     req.DocumentID,
			Origin:         req.Origin,
		})
	}
	return c.JSON(http.StatusCreated, StoreMemoryResponse{ID: id})
}

// QueryMemoriesRequest is the body for POST /v1/memories/query.
type QueryMemoriesRequest struct {
	UserID string `json:"user_id"`
	Type   string `json:"type"`
	Query  string `json:"query"`
	Limit  int    `json:"limit,omitempty"`
}

// QueryMemoriesResponse lists decrypted hits.
type QueryMemoriesResponse struct {
	Hits []vault.MemoryHit `json:"hits"`
}

func (s *Server) handleQueryMemories(c echo.Context) error {
	var req QueryMemoriesRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.UserID == "" || req.Query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "user_id and query are required")
	}
	t := vectorstore.CollectionType(req.Type)
	if !t.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("unknown memory type %q", req.Type))
	}

	hits, err := s.vault.QueryMemories(c.Request().Context(), t, req.UserID, req.Query,
		vectorstore.QueryOptions{Limit: req.Limit})
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, QueryMemoriesResponse{Hits: hits})
}

func (s *Server) handleCrossProjectQuery(c echo.Context) error {
	var req crossproject.QueryInput
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.UserID == "" || req.Query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "user_id and query are required")
	}
	out, err := s.engine.QueryCrossProject(c.Request().Context(), req)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

// ResolveRequest is the body for POST /v1/crossproject/resolve.
type ResolveRequest struct {
	UserID     string `json:"user_id"`
	MemoryA    string `json:"memory_a"`
	MemoryB    string `json:"memory_b"`
	Resolution string `json:"resolution"`
}

func (s *Server) handleResolveContradiction(c echo.Context) error {
	var req ResolveRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.UserID == "" || req.MemoryA == "" || req.MemoryB == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "user_id, memory_a and memory_b are required")
	}
	err := s.engine.ResolveContradiction(c.Request().Context(), req.UserID,
		req.MemoryA, req.MemoryB, crossproject.Resolution(req.Resolution))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleExportUser(c echo.Context) error {
	userID := c.Param("id")
	export, err := s.vault.ExportUserData(c.Request().Context(), userID)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, export)
}

func (s *Server) handleEraseUser(c echo.Context) error {
	userID := c.Param("id")
	if err := s.vault.EraseUser(c.Request().Context(), userID); err != nil {
		return s.writeError(c, err)
	}
	s.engine.ResetUser(userID)
	return c.NoContent(http.StatusNoContent)
}

// Start begins serving. It blocks until the listener fails or Shutdown
// is called.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

// Handler exposes the root handler for tests.
func (s *Server) Handler() http.Handler { return s.echo }
