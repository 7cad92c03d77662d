// Package api serves a converted model over HTTP.
package api

import (
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/qat/internal/logger"
	"github.com/samcharles93/qat/internal/tensor"
	"github.com/samcharles93/qat/internal/version"
	"github.com/samcharles93/qat/pkg/nn"
)

// Server exposes one model. Layers keep per-call state, so forward passes
// are serialised.
type Server struct {
	mu    sync.Mutex
	model nn.Module
	info  Info
	log   logger.Logger
	clock func() time.Time
}

func NewServer(model nn.Module, info Info, log logger.Logger) *Server {
	return &Server{
		model: model,
		info:  info,
		log:   logger.OrDiscard(log),
		clock: time.Now,
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/v1/model", s.handleModel)
	e.GET("/v1/modules", s.handleModules)
	e.GET("/v1/state", s.handleState)
	e.POST("/v1/forward", s.handleForward)
}

func (s *Server) handleModel(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"object":  "model",
		"info":    s.info,
		"version": version.Resolve(),
	})
}

func (s *Server) handleModules(c *echo.Context) error {
	if s.model == nil {
		return writeModelError(c, ErrNoModel)
	}
	var data []ModuleInfo
	_ = nn.Walk(s.model, func(path string, m nn.Module) error {
		data = append(data, ModuleInfo{Path: path, Type: nn.TypeName(m)})
		return nil
	})
	return c.JSON(http.StatusOK, map[string]any{
		"object": "list",
		"data":   data,
	})
}

func (s *Server) handleState(c *echo.Context) error {
	if s.model == nil {
		return writeModelError(c, ErrNoModel)
	}
	sd := nn.StateDict(s.model)
	names := make([]string, 0, len(sd))
	for name := range sd {
		names = append(names, name)
	}
	sort.Strings(names)
	data := make([]TensorInfo, 0, len(names))
	for _, name := range names {
		m := sd[name]
		data = append(data, TensorInfo{Name: name, DType: m.DType.String(), Shape: []int{m.R, m.C}})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"object": "list",
		"data":   data,
	})
}

func (s *Server) handleForward(c *echo.Context) error {
	if s.model == nil {
		return writeModelError(c, ErrNoModel)
	}
	req, err := decodeJSON[ForwardRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	x, err := req.mat()
	if err != nil {
		return writeBadRequest(c, err.Error())
	}

	id := "fwd_" + uuid.NewString()
	start := s.clock()
	s.mu.Lock()
	y, err := s.model.Forward(x)
	s.mu.Unlock()
	if err != nil {
		s.log.Warn("forward failed", "id", id, "error", err)
		return writeModelError(c, err)
	}
	s.log.Debug("forward", "id", id, "rows", x.R, "elapsed", s.clock().Sub(start))
	return c.JSON(http.StatusOK, ForwardResponse{
		ID:     id,
		Object: "forward",
		Rows:   y.R,
		Cols:   y.C,
		Data:   y.Data,
	})
}

func (r ForwardRequest) mat() (*tensor.Mat, error) {
	if r.Rows <= 0 || r.Cols <= 0 {
		return nil, newInvalidRequest("rows and cols must be positive")
	}
	// Checked by division first so rows*cols cannot overflow.
	if r.Cols > len(r.Data)/r.Rows || len(r.Data) != r.Rows*r.Cols {
		return nil, newInvalidRequest(fmt.Sprintf("data has %d values, want %d x %d", len(r.Data), r.Rows, r.Cols))
	}
	return tensor.NewMatFromData(r.Rows, r.Cols, r.Data), nil
}
