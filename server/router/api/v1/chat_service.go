package v1

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/parleyhq/parley/plugin/tracer"
	"github.com/parleyhq/parley/server/pipeline"
	"github.com/parleyhq/parley/store"
)

// ─────────────────────────────────────────────────────────────────────────────
// Request / Response types
// ─────────────────────────────────────────────────────────────────────────────

// usagePayload keeps the provider-side snake_case field convention.
type usagePayload struct {
	PromptTokens     int32  `json:"prompt_tokens"`
	CompletionTokens int32  `json:"completion_tokens"`
	TotalTokens      int32  `json:"total_tokens"`
	Source           string `json:"source"`
	ContextLimit     int    `json:"context_limit"`
	ContextRemaining int    `json:"context_remaining"`
	MaxTokens        int    `json:"max_tokens"`
}

type completionResponse struct {
	Content          string                   `json:"content"`
	Reasoning        string                   `json:"reasoning,omitempty"`
	MessageID        *int32                   `json:"messageId,omitempty"`
	MessageWasReused bool                     `json:"messageWasReused"`
	Usage            usagePayload             `json:"usage"`
	Quota            *pipeline.QuotaSnapshot  `json:"quota"`
	Compression      *pipeline.CompressResult `json:"compression,omitempty"`
	TraceID          string                   `json:"traceId"`
}

// ─────────────────────────────────────────────────────────────────────────────
// Route registration (called from v1.go)
// ─────────────────────────────────────────────────────────────────────────────

func (s *APIV1Service) registerChatRoutes(e *echo.Echo) {
	g := e.Group("/api/v1")
	g.POST("/sessions/:uid/completion", s.handleCompletion)
}

// ─────────────────────────────────────────────────────────────────────────────
// Completion handler
// ─────────────────────────────────────────────────────────────────────────────

func (s *APIV1Service) handleCompletion(c *echo.Context) error {
	actor, err := s.resolveActor(c)
	if err != nil {
		return err
	}

	var req pipeline.CompletionPayload
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.Content) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "content required")
	}

	ctx := c.Request().Context()

	// ── 1. Load session & model ──────────────────────────────────────────────
	sess, err := s.sessionForActor(c, actor)
	if err != nil {
		return err
	}
	model, err := s.providerModel(ctx, sess.ModelID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if model == nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "session model no longer registered")
	}
	if model.ContextWindow <= 0 {
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("model %s has no context window configured", model.Name))
	}

	// ── 2. Start trace ───────────────────────────────────────────────────────
	recorder := s.startTrace(ctx)
	status := store.TraceStatusError
	defer func() {
		// Request ctx may already be gone when we get here.
		recorder.Finalize(context.Background(), status)
	}()
	recorder.Log("request_received", map[string]any{
		"session": sess.UID,
		"model":   model.Name,
		"chars":   len(req.Content),
		"images":  len(req.Images),
	})

	// ── 3. Reserve the turn (dedup + quota debit + user message) ─────────────
	reserved, err := s.ledger.Reserve(ctx, actor, &pipeline.ReserveInput{
		SessionID:       sess.ID,
		Content:         req.Content,
		ClientMessageID: req.ClientMessageID,
		TokenCount:      int32(s.counter.CountTokens(req.Content)),
		Cost:            1,
	})
	if err != nil {
		var overLimit *pipeline.OverLimitError
		if errors.As(err, &overLimit) {
			status = store.TraceStatusCancelled
			recorder.Log("quota_rejected", map[string]any{"used": overLimit.Snapshot.UsedCount, "limit": overLimit.Snapshot.DailyLimit})
			return c.JSON(http.StatusTooManyRequests, map[string]any{
				"error": "daily message limit reached",
				"quota": overLimit.Snapshot,
			})
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	recorder.Log("turn_reserved", map[string]any{
		"messageId": reserved.Message.ID,
		"reused":    reserved.Reused,
		"remaining": reserved.Snapshot.Remaining,
	})

	// ── 4. Compress history if over threshold (never fatal) ──────────────────
	var compression *pipeline.CompressResult
	compression, err = s.compressor.CompressIfNeeded(ctx, sess, int(model.ContextWindow), reserved.Message.ID, reserved.Message.ID)
	if err != nil {
		slog.Warn("history compression failed", "session", sess.UID, "err", err)
		recorder.Log("compression_failed", map[string]any{"err": err.Error()})
		compression = nil
	} else if compression != nil {
		recorder.Log("compression", compression)
		if !compression.Applied {
			compression = nil
		}
	}

	// ── 5. Assemble history: active digests, then ungrouped messages ─────────
	history, err := s.loadHistory(ctx, sess.ID, reserved.Message.ID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	// ── 6. Build the provider request ────────────────────────────────────────
	prepared, err := s.builder.Prepare(sess, model, "", &req, history, pipeline.ModeChat)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	recorder.Log("request_prepared", map[string]any{
		"url":             prepared.URL,
		"promptTokens":    prepared.PromptTokens,
		"maxTokens":       prepared.MaxTokens,
		"blockedBodyKeys": prepared.BlockedBodyKeys,
		"blockedHeaders":  prepared.BlockedHeaders,
	})

	// ── 7. Call the provider ─────────────────────────────────────────────────
	resp, err := s.requester.Do(ctx, prepared, recorder)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return echo.NewHTTPError(http.StatusGatewayTimeout, "provider timed out")
		}
		return echo.NewHTTPError(http.StatusBadGateway, "provider unreachable")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return echo.NewHTTPError(http.StatusBadGateway, fmt.Sprintf("provider returned status %d", resp.StatusCode))
	}

	// ── 8. Parse & reconcile ─────────────────────────────────────────────────
	parsed, err := pipeline.ParseResponse(model.Family, resp.Body, s.counter, int32(prepared.PromptTokens))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	saved := s.reconciler.Finalize(ctx, prepared, parsed, sess.ID, &reserved.Message.ID)

	// ── 9. Auto-title on first exchange ──────────────────────────────────────
	if len(history) == 0 && sess.Title == "New Chat" {
		go s.autoTitleSession(context.Background(), sess.UID, req.Content)
	}

	status = store.TraceStatusCompleted
	recorder.Log("completion", map[string]any{
		"completionTokens": parsed.CompletionTokens,
		"usageSource":      parsed.UsageSource,
		"attempts":         resp.Attempts,
	})

	out := completionResponse{
		Content:          parsed.Content,
		MessageWasReused: reserved.Reused,
		Usage: usagePayload{
			PromptTokens:     parsed.PromptTokens,
			CompletionTokens: parsed.CompletionTokens,
			TotalTokens:      parsed.TotalTokens,
			Source:           parsed.UsageSource,
			ContextLimit:     prepared.ContextLimit,
			ContextRemaining: prepared.ContextRemaining,
			MaxTokens:        prepared.MaxTokens,
		},
		Quota:       reserved.Snapshot,
		Compression: compression,
		TraceID:     recorder.ID(),
	}
	if s.Profile.SaveReasoning {
		out.Reasoning = parsed.Reasoning
	}
	if saved != nil {
		out.MessageID = &saved.ID
	}
	return c.JSON(http.StatusOK, out)
}

// ─────────────────────────────────────────────────────────────────────────────
// History assembly
// ─────────────────────────────────────────────────────────────────────────────

// loadHistory returns the conversation the provider should see: one
// synthetic digest message per active group, then the ungrouped messages
// up to but excluding the current turn.
func (s *APIV1Service) loadHistory(ctx context.Context, sessionID, currentMessageID int32) ([]*store.Message, error) {
	groups, err := s.Store.ListMessageGroups(ctx, &store.FindMessageGroup{SessionID: &sessionID, Active: true})
	if err != nil {
		return nil, err
	}
	upper := currentMessageID
	msgs, err := s.Store.ListMessages(ctx, &store.FindMessage{
		SessionID: sessionID,
		Ungrouped: true,
		MaxID:     &upper,
	})
	if err != nil {
		return nil, err
	}

	history := make([]*store.Message, 0, len(groups)+len(msgs))
	for _, g := range groups {
		history = append(history, &store.Message{
			Role:      "assistant",
			Content:   pipeline.DigestContent(g.Summary),
			CreatedTs: g.CreatedTs,
		})
	}
	for _, m := range msgs {
		if m.ID == currentMessageID {
			continue
		}
		history = append(history, m)
	}
	return history, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Trace bootstrap
// ─────────────────────────────────────────────────────────────────────────────

// startTrace registers a trace row and returns its recorder. Failures
// degrade to a sink-less recorder; diagnostics never block completions.
func (s *APIV1Service) startTrace(ctx context.Context) *tracer.Recorder {
	traceID := uuid.NewString()
	recorder := tracer.NewRecorder(s.Profile.TraceDir(), traceID, &traceSink{store: s.Store})
	if _, err := s.Store.CreateTrace(ctx, &store.Trace{
		ID:          traceID,
		Status:      store.TraceStatusRunning,
		LogFilePath: recorder.LogFilePath(),
	}); err != nil {
		slog.Warn("failed to register trace", "trace", traceID, "err", err)
		return tracer.NewRecorder(s.Profile.TraceDir(), traceID, nil)
	}
	return recorder
}

// ─────────────────────────────────────────────────────────────────────────────
// Auto-title
// ─────────────────────────────────────────────────────────────────────────────

func (s *APIV1Service) autoTitleSession(ctx context.Context, uid, firstMessage string) {
	model, err := s.resolveSummaryModel(ctx)
	if err != nil || model == nil {
		return
	}
	prompt := fmt.Sprintf(
		"Generate a short (5-7 word) title for a chat that starts with:\n%q\nReturn only the title, no quotes.",
		firstMessage,
	)
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	prepared, err := s.builder.PrepareSingleTurn(model, prompt, 32)
	if err != nil {
		return
	}
	resp, err := s.requester.Do(ctx, prepared, nil)
	if err != nil || resp.StatusCode != http.StatusOK {
		return
	}
	parsed, err := pipeline.ParseResponse(model.Family, resp.Body, s.counter, 0)
	if err != nil {
		return
	}
	title := strings.Trim(strings.TrimSpace(parsed.Content), `"`)
	if title == "" {
		return
	}
	if _, err := s.Store.UpdateChatSession(ctx, &store.UpdateChatSession{UID: uid, Title: &title}); err != nil {
		slog.Warn("failed to set auto title", "session", uid, "err", err)
	}
}
