package v1

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/lithammer/shortuuid/v4"

	"github.com/parleyhq/parley/server/pipeline"
	"github.com/parleyhq/parley/store"
)

// ─────────────────────────────────────────────────────────────────────────────
// Request / Response types
// ─────────────────────────────────────────────────────────────────────────────

type sessionRequest struct {
	Title            string `json:"title"`
	ModelID          int32  `json:"modelId"`
	Prompt           string `json:"prompt"`
	ReasoningEnabled bool   `json:"reasoningEnabled"`
}

type sessionPatchRequest struct {
	Title            *string `json:"title"`
	Prompt           *string `json:"prompt"`
	ReasoningEnabled *bool   `json:"reasoningEnabled"`
}

type sessionResponse struct {
	UID              string `json:"uid"`
	Title            string `json:"title"`
	ModelID          int32  `json:"modelId"`
	Prompt           string `json:"prompt"`
	ReasoningEnabled bool   `json:"reasoningEnabled"`
	CreatedTs        int64  `json:"createdTs"`
	UpdatedTs        int64  `json:"updatedTs"`
}

type messageResponse struct {
	ID        int32  `json:"id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	Reasoning string `json:"reasoning,omitempty"`
	GroupID   *int32 `json:"groupId,omitempty"`
	CreatedTs int64  `json:"createdTs"`
}

type groupResponse struct {
	UID           string `json:"uid"`
	Summary       string `json:"summary"`
	LastMessageID int32  `json:"lastMessageId"`
	Expanded      bool   `json:"expanded"`
	Cancelled     bool   `json:"cancelled"`
	CreatedTs     int64  `json:"createdTs"`
}

type modelResponse struct {
	ID                  int32  `json:"id"`
	Name                string `json:"name"`
	Family              string `json:"family"`
	ContextWindow       int32  `json:"contextWindow"`
	MaxCompletionTokens int32  `json:"maxCompletionTokens"`
	SupportsReasoning   bool   `json:"supportsReasoning"`
}

// ─────────────────────────────────────────────────────────────────────────────
// Route registration (called from v1.go)
// ─────────────────────────────────────────────────────────────────────────────

func (s *APIV1Service) registerSessionRoutes(e *echo.Echo) {
	g := e.Group("/api/v1")
	g.GET("/sessions", s.listSessions)
	g.POST("/sessions", s.createSession)
	g.PATCH("/sessions/:uid", s.updateSession)
	g.DELETE("/sessions/:uid", s.deleteSession)
	g.GET("/sessions/:uid/messages", s.listMessages)
	g.GET("/sessions/:uid/groups", s.listGroups)
	g.POST("/sessions/:uid/groups/:groupUid/cancel", s.cancelGroup)
	g.POST("/sessions/:uid/groups/:groupUid/expanded", s.setGroupExpanded)
	g.GET("/quota", s.inspectQuota)
	g.GET("/models", s.listModels)
}

// ─────────────────────────────────────────────────────────────────────────────
// Actor resolution & ownership
// ─────────────────────────────────────────────────────────────────────────────

// resolveActor maps the request credentials to an actor. A malformed or
// invalid token is rejected outright rather than downgraded to anonymous.
func (s *APIV1Service) resolveActor(c *echo.Context) (pipeline.Actor, error) {
	actor, err := s.authn.Authenticate(c.Request().Header.Get("Authorization"), c.RealIP())
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	return actor, nil
}

func actorOwns(sess *store.ChatSession, actor pipeline.Actor) bool {
	switch a := actor.(type) {
	case pipeline.AuthenticatedActor:
		return sess.CreatorID == a.UserID
	case pipeline.AnonymousActor:
		return sess.CreatorID == 0 && sess.AnonKey == a.Key
	default:
		return false
	}
}

// sessionForActor loads the session by UID and verifies ownership. Both
// missing and foreign sessions surface as 404.
func (s *APIV1Service) sessionForActor(c *echo.Context, actor pipeline.Actor) (*store.ChatSession, error) {
	uid := c.Param("uid")
	sess, err := s.Store.GetChatSession(c.Request().Context(), &store.FindChatSession{UID: &uid})
	if err != nil || sess == nil || !actorOwns(sess, actor) {
		return nil, echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	return sess, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Session CRUD
// ─────────────────────────────────────────────────────────────────────────────

func (s *APIV1Service) listSessions(c *echo.Context) error {
	actor, err := s.resolveActor(c)
	if err != nil {
		return err
	}
	find := &store.FindChatSession{}
	switch a := actor.(type) {
	case pipeline.AuthenticatedActor:
		find.CreatorID = &a.UserID
	case pipeline.AnonymousActor:
		find.AnonKey = &a.Key
	}
	sessions, err := s.Store.ListChatSessions(c.Request().Context(), find)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	resp := make([]sessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		resp = append(resp, toSessionResponse(sess))
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *APIV1Service) createSession(c *echo.Context) error {
	actor, err := s.resolveActor(c)
	if err != nil {
		return err
	}
	var req sessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request")
	}
	if req.Title == "" {
		req.Title = "New Chat"
	}
	model, err := s.providerModel(c.Request().Context(), req.ModelID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if model == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown model")
	}

	create := &store.ChatSession{
		UID:              shortuuid.New(),
		Title:            req.Title,
		ModelID:          model.ID,
		Prompt:           req.Prompt,
		ReasoningEnabled: req.ReasoningEnabled,
	}
	switch a := actor.(type) {
	case pipeline.AuthenticatedActor:
		create.CreatorID = a.UserID
	case pipeline.AnonymousActor:
		create.AnonKey = a.Key
	}
	sess, err := s.Store.CreateChatSession(c.Request().Context(), create)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, toSessionResponse(sess))
}

func (s *APIV1Service) updateSession(c *echo.Context) error {
	actor, err := s.resolveActor(c)
	if err != nil {
		return err
	}
	sess, err := s.sessionForActor(c, actor)
	if err != nil {
		return err
	}
	var req sessionPatchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request")
	}
	if req.Title != nil && strings.TrimSpace(*req.Title) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "title must not be empty")
	}
	updated, err := s.Store.UpdateChatSession(c.Request().Context(), &store.UpdateChatSession{
		UID:              sess.UID,
		Title:            req.Title,
		Prompt:           req.Prompt,
		ReasoningEnabled: req.ReasoningEnabled,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, toSessionResponse(updated))
}

func (s *APIV1Service) deleteSession(c *echo.Context) error {
	actor, err := s.resolveActor(c)
	if err != nil {
		return err
	}
	sess, err := s.sessionForActor(c, actor)
	if err != nil {
		return err
	}
	if err := s.Store.DeleteChatSession(c.Request().Context(), sess.UID); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

// ─────────────────────────────────────────────────────────────────────────────
// Messages & groups
// ─────────────────────────────────────────────────────────────────────────────

func (s *APIV1Service) listMessages(c *echo.Context) error {
	actor, err := s.resolveActor(c)
	if err != nil {
		return err
	}
	sess, err := s.sessionForActor(c, actor)
	if err != nil {
		return err
	}
	msgs, err := s.Store.ListMessages(c.Request().Context(), &store.FindMessage{SessionID: sess.ID})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	resp := make([]messageResponse, 0, len(msgs))
	for _, m := range msgs {
		resp = append(resp, messageResponse{
			ID:        m.ID,
			Role:      m.Role,
			Content:   m.Content,
			Reasoning: m.Reasoning,
			GroupID:   m.GroupID,
			CreatedTs: m.CreatedTs,
		})
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *APIV1Service) listGroups(c *echo.Context) error {
	actor, err := s.resolveActor(c)
	if err != nil {
		return err
	}
	sess, err := s.sessionForActor(c, actor)
	if err != nil {
		return err
	}
	groups, err := s.Store.ListMessageGroups(c.Request().Context(), &store.FindMessageGroup{SessionID: &sess.ID})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	resp := make([]groupResponse, 0, len(groups))
	for _, g := range groups {
		resp = append(resp, groupResponse{
			UID:           g.UID,
			Summary:       g.Summary,
			LastMessageID: g.LastMessageID,
			Expanded:      g.Expanded,
			Cancelled:     g.CancelledTs != nil,
			CreatedTs:     g.CreatedTs,
		})
	}
	return c.JSON(http.StatusOK, resp)
}

// groupForSession finds a group by UID within an already-authorized
// session.
func (s *APIV1Service) groupForSession(c *echo.Context, sess *store.ChatSession) (*store.MessageGroup, error) {
	groupUID := c.Param("groupUid")
	groups, err := s.Store.ListMessageGroups(c.Request().Context(), &store.FindMessageGroup{SessionID: &sess.ID})
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	for _, g := range groups {
		if g.UID == groupUID {
			return g, nil
		}
	}
	return nil, echo.NewHTTPError(http.StatusNotFound, "group not found")
}

func (s *APIV1Service) cancelGroup(c *echo.Context) error {
	actor, err := s.resolveActor(c)
	if err != nil {
		return err
	}
	sess, err := s.sessionForActor(c, actor)
	if err != nil {
		return err
	}
	group, err := s.groupForSession(c, sess)
	if err != nil {
		return err
	}
	released, err := s.Store.CancelMessageGroup(c.Request().Context(), group.ID, time.Now().Unix())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{
		"uid":              group.UID,
		"releasedMessages": released,
	})
}

func (s *APIV1Service) setGroupExpanded(c *echo.Context) error {
	actor, err := s.resolveActor(c)
	if err != nil {
		return err
	}
	sess, err := s.sessionForActor(c, actor)
	if err != nil {
		return err
	}
	group, err := s.groupForSession(c, sess)
	if err != nil {
		return err
	}
	var req struct {
		Expanded bool `json:"expanded"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request")
	}
	if err := s.Store.UpdateGroupExpanded(c.Request().Context(), group.ID, req.Expanded); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"uid": group.UID, "expanded": req.Expanded})
}

// ─────────────────────────────────────────────────────────────────────────────
// Quota & models
// ─────────────────────────────────────────────────────────────────────────────

func (s *APIV1Service) inspectQuota(c *echo.Context) error {
	actor, err := s.resolveActor(c)
	if err != nil {
		return err
	}
	snapshot, err := s.ledger.Inspect(c.Request().Context(), actor)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, snapshot)
}

func (s *APIV1Service) listModels(c *echo.Context) error {
	models, err := s.Store.ListProviderModels(c.Request().Context(), &store.FindProviderModel{})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	resp := make([]modelResponse, 0, len(models))
	for _, m := range models {
		resp = append(resp, modelResponse{
			ID:                  m.ID,
			Name:                m.Name,
			Family:              string(m.Family),
			ContextWindow:       m.ContextWindow,
			MaxCompletionTokens: m.MaxCompletionTokens,
			SupportsReasoning:   m.SupportsReasoning,
		})
	}
	return c.JSON(http.StatusOK, resp)
}

func toSessionResponse(sess *store.ChatSession) sessionResponse {
	return sessionResponse{
		UID:              sess.UID,
		Title:            sess.Title,
		ModelID:          sess.ModelID,
		Prompt:           sess.Prompt,
		ReasoningEnabled: sess.ReasoningEnabled,
		CreatedTs:        sess.CreatedTs,
		UpdatedTs:        sess.UpdatedTs,
	}
}
