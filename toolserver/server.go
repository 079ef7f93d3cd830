// Package toolserver exposes the tool call wrapper over HTTP.
//
// Information Hiding:
// - Route layout and request body decoding hidden
// - Control fields split from tool arguments before the wrapper sees them
// - Phase selection from the validate/schedule flags hidden

package toolserver

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/richinex/ledgerline/storage"
	"github.com/richinex/ledgerline/toolcall"
	"github.com/richinex/ledgerline/tools"
)

const maxBodyBytes = 1 << 20

// controlFields are request keys consumed by the server, never passed as arguments.
var controlFields = []string{"cbid", "thread_id", "tool_call_id", "validate", "schedule"}

// Server serves POST /:tool, GET /tools and GET /tasks/:handle.
type Server struct {
	wrapper *toolcall.Wrapper
	tasks   storage.TaskStore
	engine  *gin.Engine
	logger  *slog.Logger
}

// New builds the gin engine. tasks may be nil, which disables /tasks.
func New(wrapper *toolcall.Wrapper, tasks storage.TaskStore, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	gin.SetMode(gin.ReleaseMode)

	s := &Server{wrapper: wrapper, tasks: tasks, engine: gin.New(), logger: logger}
	s.engine.Use(gin.Recovery(), s.requestLogger())

	s.engine.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	s.engine.GET("/tools", s.listTools)
	s.engine.GET("/tasks/:handle", s.getTask)
	s.engine.POST("/:tool", s.executeTool)
	return s
}

// Engine returns the gin engine so callers can mount more routes.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.engine.ServeHTTP(w, r)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

func (s *Server) listTools(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"tools":   s.wrapper.Registry().Descriptors(),
	})
}

func (s *Server) getTask(c *gin.Context) {
	if s.tasks == nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "task lookup is disabled"})
		return
	}
	threadID, err := tools.ParseID(c.Query("thread_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "thread_id query parameter is required"})
		return
	}
	task, err := s.tasks.GetTaskByHandle(c.Request.Context(), threadID, c.Param("handle"))
	if errors.Is(err, storage.ErrTaskNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "task": task})
}

// executeTool always answers 200 with a result dictionary, except for
// bodies it cannot decode.
func (s *Server) executeTool(c *gin.Context) {
	name := c.Param("tool")

	req, err := decodeRequest(c.Request.Body)
	if err != nil {
		result := tools.Failure(name, req.inv, err)
		c.JSON(http.StatusBadRequest, result.ToDict())
		return
	}

	s.logger.Info("tool request",
		"tool", name,
		"phase", req.phase,
		"thread_id", req.inv.ThreadID,
		"tool_call_id", req.inv.ToolCallID,
		"cbid", req.inv.CBID,
	)
	result := s.wrapper.Execute(c.Request.Context(), req.phase, name, req.inv)
	c.JSON(http.StatusOK, result.ToDict())
}

type request struct {
	inv   tools.Invocation
	phase toolcall.Phase
}

// decodeRequest splits the body into control fields and tool arguments.
func decodeRequest(body io.Reader) (request, error) {
	var req request
	data, err := io.ReadAll(io.LimitReader(body, maxBodyBytes))
	if err != nil {
		return req, tools.Protocolf("failed to read request body: %v", err)
	}

	fields := map[string]any{}
	if len(bytes.TrimSpace(data)) > 0 {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&fields); err != nil {
			return req, tools.Protocolf("malformed request body: %v", err)
		}
	}

	req.inv.CBID, _ = fields["cbid"].(string)
	req.inv.ToolCallID, _ = fields["tool_call_id"].(string)
	if v, ok := fields["thread_id"]; ok && v != nil {
		id, err := tools.ParseID(v)
		if err != nil {
			return req, tools.Protocolf("thread_id: %v", err)
		}
		req.inv.ThreadID = id
	}

	validate, err := flag(fields, "validate")
	if err != nil {
		return req, err
	}
	schedule, err := flag(fields, "schedule")
	if err != nil {
		return req, err
	}
	switch {
	case schedule:
		req.phase = toolcall.PhaseSchedule
	case validate:
		req.phase = toolcall.PhaseValidate
	default:
		req.phase = toolcall.PhaseRetrieve
	}

	for _, k := range controlFields {
		delete(fields, k)
	}
	req.inv.Arguments = fields
	return req, nil
}

func flag(fields map[string]any, name string) (bool, error) {
	switch v := fields[name].(type) {
	case nil:
		return false, nil
	case bool:
		return v, nil
	case string:
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, tools.Protocolf("%s must be a boolean", name)
		}
		return b, nil
	default:
		return false, tools.Protocolf("%s must be a boolean, got %T", name, v)
	}
}
