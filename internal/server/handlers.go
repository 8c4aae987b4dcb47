package server

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/calvera-dev/stepflow/internal/engine"
	"github.com/calvera-dev/stepflow/internal/streaming"
	"github.com/calvera-dev/stepflow/pkg/schema"
)

// executeRequest is the body of execute and stream calls.
type executeRequest struct {
	Input   any `json:"input"`
	Options struct {
		UserID         string         `json:"user_id"`
		ConversationID string         `json:"conversation_id"`
		UserContext    map[string]any `json:"user_context"`
	} `json:"options"`
}

func (r *executeRequest) runOptions() engine.RunOptions {
	return engine.RunOptions{
		UserID:         r.Options.UserID,
		ConversationID: r.Options.ConversationID,
		UserContext:    r.Options.UserContext,
	}
}

// resumeRequest is the body of a resume call.
type resumeRequest struct {
	ResumeData map[string]any `json:"resume_data"`
	Options    struct {
		StepID string `json:"step_id"`
	} `json:"options"`
}

// suspendRequest is the body of a suspend call.
type suspendRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleExecute(c *gin.Context) {
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, schema.NewError(schema.ErrCodeValidation, "invalid request body").WithCause(err))
		return
	}

	res, err := s.engine.Execute(c.Request.Context(), c.Param("id"), req.Input, req.runOptions())
	if err != nil {
		respondError(c, err)
		return
	}
	respondData(c, http.StatusOK, res)
}

func (s *Server) handleExecuteStream(c *gin.Context) {
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, schema.NewError(schema.ErrCodeValidation, "invalid request body").WithCause(err))
		return
	}

	run, err := s.engine.Stream(c.Request.Context(), c.Param("id"), req.Input, req.runOptions())
	if err != nil {
		respondError(c, err)
		return
	}

	sseHeaders(c)
	events := run.Events(c.Request.Context())
	c.Stream(func(w io.Writer) bool {
		ev, ok := <-events
		if !ok {
			return false
		}
		c.SSEvent("message", ev)
		// A transport stream ends when the execution settles; a suspended
		// execution stays resumable, the caller just reconnects after resume.
		return !settles(ev.Type)
	})
}

func (s *Server) handleListWorkflows(c *gin.Context) {
	defs := s.engine.ListDefinitions()
	out := make([]gin.H, 0, len(defs))
	for _, def := range defs {
		out = append(out, gin.H{
			"id":          def.ID,
			"name":        def.Name,
			"description": def.Description,
			"steps":       len(def.Steps),
		})
	}
	respondData(c, http.StatusOK, out)
}

func (s *Server) handleStatus(c *gin.Context) {
	res, err := s.engine.Get(c.Request.Context(), c.Param("executionId"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondData(c, http.StatusOK, res)
}

func (s *Server) handleSuspend(c *gin.Context) {
	var req suspendRequest
	if err := c.ShouldBindJSON(&req); err != nil && err != io.EOF {
		respondError(c, schema.NewError(schema.ErrCodeValidation, "invalid request body").WithCause(err))
		return
	}
	if req.Reason == "" {
		req.Reason = "requested by caller"
	}

	id := c.Param("executionId")
	if err := s.engine.Suspend(c.Request.Context(), id, req.Reason); err != nil {
		respondError(c, err)
		return
	}
	respondData(c, http.StatusOK, gin.H{"execution_id": id, "accepted": true})
}

func (s *Server) handleResume(c *gin.Context) {
	var req resumeRequest
	if err := c.ShouldBindJSON(&req); err != nil && err != io.EOF {
		respondError(c, schema.NewError(schema.ErrCodeValidation, "invalid request body").WithCause(err))
		return
	}

	run, err := s.engine.Resume(c.Request.Context(), c.Param("executionId"), req.ResumeData,
		engine.ResumeOptions{StepID: req.Options.StepID})
	if err != nil {
		respondError(c, err)
		return
	}
	respondData(c, http.StatusOK, run.Wait())
}

func (s *Server) handleExecutionEvents(c *gin.Context) {
	events, release, err := s.engine.Watch(c.Request.Context(), c.Param("executionId"))
	if err != nil {
		respondError(c, err)
		return
	}
	defer release()

	sseHeaders(c)
	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent("message", ev)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func (s *Server) handleFirehose(c *gin.Context) {
	filter := streaming.EventFilter{
		ExecutionID: c.Query("execution_id"),
		WorkflowID:  c.Query("workflow_id"),
		EventTypes:  c.QueryArray("type"),
	}

	events, cancel, err := s.engine.Hub().Subscribe(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}
	defer cancel()

	sseHeaders(c)
	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent("message", ev)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// settles reports whether an event type ends a transport stream.
func settles(eventType string) bool {
	switch eventType {
	case schema.EventWorkflowComplete, schema.EventWorkflowError,
		schema.EventWorkflowCancelled, schema.EventWorkflowSuspended:
		return true
	}
	return false
}

func sseHeaders(c *gin.Context) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
}

func respondData(c *gin.Context, status int, data any) {
	c.JSON(status, gin.H{"success": true, "data": data})
}

func respondError(c *gin.Context, err error) {
	fe := schema.AsFlowError(err, schema.ErrCodeExecution)
	c.JSON(statusFor(fe.Code), gin.H{"success": false, "error": fe})
}

func statusFor(code string) int {
	switch code {
	case schema.ErrCodeValidation, schema.ErrCodeState, schema.ErrCodeTransition:
		return http.StatusBadRequest
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
