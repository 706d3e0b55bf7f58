package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/loomworks/loom/internal/auth"
	"github.com/loomworks/loom/internal/driver"
	"github.com/loomworks/loom/internal/executor"
	"github.com/loomworks/loom/internal/logger"
	"github.com/loomworks/loom/internal/metrics"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/internal/stream"
	"github.com/loomworks/loom/internal/validation"
)

// maxBodyBytes bounds the execute request body.
const maxBodyBytes = 1 << 20

// handleExecute serves POST /v1/execute. Everything that can be
// rejected is rejected with a plain HTTP status before the response is
// upgraded to an event stream; once streaming starts, failures travel
// as error frames and the HTTP status stays 200.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		jsonError(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	body, err := s.schema.decode(raw)
	if err != nil {
		jsonError(w, fmt.Sprintf("invalid request: %v", err), http.StatusBadRequest)
		return
	}
	if err := validateBody(body); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if body.IntentMode == "" {
		body.IntentMode = validation.DefaultIntentMode
	}

	authCtx := auth.FromContext(r.Context())

	executionID := uuid.New().String()
	req := &driver.Request{
		ExecutionID:    executionID,
		SessionID:      body.SessionID,
		ProjectID:      body.ProjectID,
		UserID:         authCtx.UserID(),
		Prompt:         body.Request,
		Model:          body.Model,
		IntentMode:     body.IntentMode,
		History:        toHistory(body.History),
		ActiveFilePath: body.ActiveFilePath,
		ExplicitFiles:  body.ExplicitFiles,
		OpenTabs:       body.OpenTabs,
		SubagentCount:  body.SubagentCount,
		Async:          body.Async,
	}

	ctx := context.WithValue(r.Context(), logger.ContextKeyExecutionID, executionID)
	ctx = context.WithValue(ctx, logger.ContextKeyProjectID, body.ProjectID)
	if body.SessionID != "" {
		ctx = context.WithValue(ctx, logger.ContextKeySessionID, body.SessionID)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Execution-Id", executionID)
	w.WriteHeader(http.StatusOK)

	metrics.ActiveStreams.Inc()
	defer metrics.ActiveStreams.Dec()

	em := stream.NewEmitter(executionID, newHTTPSink(w))
	em.StartHeartbeat()
	defer em.Close()

	// A panic anywhere below must still end the stream with an error
	// frame rather than a truncated connection.
	defer func() {
		if rec := recover(); rec != nil {
			logger.ErrorContext(ctx, "execute handler panicked",
				"panic", fmt.Sprintf("%v", rec), "stack", string(debug.Stack()))
			em.EmitEvent(stream.NewError(string(executor.CodeUnknown), "internal error"))
		}
	}()

	res := s.driver.Run(ctx, req, em)

	if res.State == driver.StateCheckpointed {
		s.handoffCheckpoint(ctx, req, res)
	}
}

// handoffCheckpoint persists a checkpointed execution for the
// background worker and opens its replay buffer so clients can poll
// for progress after this stream closes. Persistence uses a detached
// context: the client closing the stream must not lose the checkpoint.
func (s *Server) handoffCheckpoint(ctx context.Context, req *driver.Request, res *driver.RunResult) {
	cp := &store.Checkpoint{
		ExecutionID:    res.ExecutionID,
		CheckpointID:   res.CheckpointID,
		ProjectID:      req.ProjectID,
		UserID:         req.UserID,
		SessionID:      req.SessionID,
		Prompt:         req.Prompt,
		Model:          req.Model,
		IntentMode:     req.IntentMode,
		History:        req.History,
		ActiveFilePath: req.ActiveFilePath,
		ExplicitFiles:  req.ExplicitFiles,
		OpenTabs:       req.OpenTabs,
		SubagentCount:  req.SubagentCount,
	}

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.store.SaveCheckpoint(saveCtx, cp); err != nil {
		logger.ErrorContext(ctx, "failed to persist checkpoint", "error", err)
		return
	}
	s.conts.Buffer(res.ExecutionID)
}

func toHistory(turns []historyTurn) []executor.HistoryTurn {
	if len(turns) == 0 {
		return nil
	}
	out := make([]executor.HistoryTurn, len(turns))
	for i, t := range turns {
		out[i] = executor.HistoryTurn{Role: t.Role, Content: t.Content}
	}
	return out
}

// validateBody applies the field-level checks the JSON schema cannot
// express.
func validateBody(b *executeBody) error {
	if err := validation.ValidateProjectID(b.ProjectID); err != nil {
		return err
	}
	if err := validation.ValidateSessionID(b.SessionID); err != nil {
		return err
	}
	if err := validation.ValidateRequestText(b.Request); err != nil {
		return err
	}
	if err := validation.ValidateIntentMode(b.IntentMode); err != nil {
		return err
	}
	if err := validation.ValidateModel(b.Model); err != nil {
		return err
	}
	return nil
}
