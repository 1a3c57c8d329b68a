package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sharkey-go/latestnote/internal/auth"
	"github.com/sharkey-go/latestnote/internal/feed"
	"github.com/sharkey-go/latestnote/internal/notes"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	userIDContextKey       = "latestnote_user_id"
	defaultHeartbeatPeriod = 30 * time.Second
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingNotesService     = errors.New("notes service dependency required")
	errMissingSocialService    = errors.New("social service dependency required")
	errMissingFeedService      = errors.New("feed service dependency required")
	errMissingRealtime         = errors.New("realtime dispatcher dependency required")
)

// SessionValidator authenticates requests. *auth.SessionValidator satisfies it.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// NoteService owns notes. *notes.Service satisfies it.
type NoteService interface {
	CreateNote(ctx context.Context, draft notes.NoteDraft) (notes.Note, error)
	EditNote(ctx context.Context, userID notes.UserID, noteID notes.NoteID, edit notes.NoteEdit) (notes.Note, error)
	DeleteNote(ctx context.Context, userID notes.UserID, noteID notes.NoteID) error
	MakePrivate(ctx context.Context, userID notes.UserID, noteID notes.NoteID) error
}

// SocialService edits the follow graph. *social.Service satisfies it.
type SocialService interface {
	Follow(ctx context.Context, followerID, followeeID string) error
	Unfollow(ctx context.Context, followerID, followeeID string) error
}

// FeedService reads timelines. *feed.Service satisfies it.
type FeedService interface {
	Following(ctx context.Context, viewerID string, query feed.Query) ([]notes.Note, error)
	Latest(ctx context.Context, userID string, filter feed.Filter) ([]notes.Note, error)
}

type Dependencies struct {
	Sessions SessionValidator
	Notes    NoteService
	Social   SocialService
	Feed     FeedService
	Realtime *RealtimeDispatcher
	// Metrics serves /metrics when set.
	Metrics http.Handler
	// Health backs /healthz when set.
	Health          func(ctx context.Context) error
	HeartbeatPeriod time.Duration
	Logger          *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sessions == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Notes == nil {
		return nil, errMissingNotesService
	}
	if deps.Social == nil {
		return nil, errMissingSocialService
	}
	if deps.Feed == nil {
		return nil, errMissingFeedService
	}
	if deps.Realtime == nil {
		return nil, errMissingRealtime
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatPeriod
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatPeriod
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		sessions:  deps.Sessions,
		notes:     deps.Notes,
		social:    deps.Social,
		feed:      deps.Feed,
		realtime:  deps.Realtime,
		health:    deps.Health,
		heartbeat: heartbeat,
		logger:    logger,
	}

	router.GET("/healthz", handler.handleHealth)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics))
	}
	router.GET("/users/:userId/latest", handler.handleUserLatest)
	router.GET("/users/:userId/latest/stream", handler.handleLatestStream)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/notes", handler.handleCreateNote)
	protected.PATCH("/notes/:noteId", handler.handleEditNote)
	protected.DELETE("/notes/:noteId", handler.handleDeleteNote)
	protected.POST("/notes/:noteId/make-private", handler.handleMakePrivate)
	protected.GET("/notes/following", handler.handleFollowingFeed)
	protected.POST("/following/:userId", handler.handleFollow)
	protected.DELETE("/following/:userId", handler.handleUnfollow)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc:  func(string) bool { return true },
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	sessions  SessionValidator
	notes     NoteService
	social    SocialService
	feed      FeedService
	realtime  *RealtimeDispatcher
	health    func(ctx context.Context) error
	heartbeat time.Duration
	logger    *zap.Logger
}

type createNoteRequest struct {
	Visibility string   `json:"visibility"`
	ReplyID    *string  `json:"reply_id"`
	RenoteID   *string  `json:"renote_id"`
	Text       *string  `json:"text"`
	CW         *string  `json:"cw"`
	HasPoll    bool     `json:"has_poll"`
	FileIDs    []string `json:"file_ids"`
}

type editNoteRequest struct {
	Text       *string   `json:"text"`
	ClearText  bool      `json:"clear_text"`
	CW         *string   `json:"cw"`
	ClearCW    bool      `json:"clear_cw"`
	Visibility *string   `json:"visibility"`
	HasPoll    *bool     `json:"has_poll"`
	FileIDs    *[]string `json:"file_ids"`
}

type notesResponse struct {
	Notes []notes.Note `json:"notes"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	if h.health != nil {
		if err := h.health(c.Request.Context()); err != nil {
			h.logger.Warn("health check failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleCreateNote(c *gin.Context) {
	var request createNoteRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	visibility := request.Visibility
	if visibility == "" {
		visibility = string(notes.VisibilityPublic)
	}

	note, err := h.notes.CreateNote(c.Request.Context(), notes.NoteDraft{
		UserID:     notes.UserID(c.GetString(userIDContextKey)),
		Visibility: notes.Visibility(visibility),
		ReplyID:    request.ReplyID,
		RenoteID:   request.RenoteID,
		Text:       request.Text,
		CW:         request.CW,
		HasPoll:    request.HasPoll,
		FileIDs:    request.FileIDs,
	})
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, note)
}

func (h *httpHandler) handleEditNote(c *gin.Context) {
	noteID, ok := h.noteIDParam(c)
	if !ok {
		return
	}
	var request editNoteRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	edit := notes.NoteEdit{
		Text:      request.Text,
		ClearText: request.ClearText,
		CW:        request.CW,
		ClearCW:   request.ClearCW,
		HasPoll:   request.HasPoll,
	}
	if request.Visibility != nil {
		visibility := notes.Visibility(*request.Visibility)
		edit.Visibility = &visibility
	}
	if request.FileIDs != nil {
		edit.FileIDs = *request.FileIDs
		edit.SetFiles = true
	}

	note, err := h.notes.EditNote(c.Request.Context(), h.currentUser(c), noteID, edit)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, note)
}

func (h *httpHandler) handleDeleteNote(c *gin.Context) {
	noteID, ok := h.noteIDParam(c)
	if !ok {
		return
	}
	if err := h.notes.DeleteNote(c.Request.Context(), h.currentUser(c), noteID); err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleMakePrivate(c *gin.Context) {
	noteID, ok := h.noteIDParam(c)
	if !ok {
		return
	}
	if err := h.notes.MakePrivate(c.Request.Context(), h.currentUser(c), noteID); err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleFollow(c *gin.Context) {
	if err := h.social.Follow(c.Request.Context(), c.GetString(userIDContextKey), c.Param("userId")); err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleUnfollow(c *gin.Context) {
	if err := h.social.Unfollow(c.Request.Context(), c.GetString(userIDContextKey), c.Param("userId")); err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleFollowingFeed(c *gin.Context) {
	limit := feed.DefaultLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = parsed
	}
	mutualsOnly, ok := h.boolQuery(c, "mutuals_only", false)
	if !ok {
		return
	}
	filter, ok := h.filterQuery(c)
	if !ok {
		return
	}

	found, err := h.feed.Following(c.Request.Context(), c.GetString(userIDContextKey), feed.Query{
		Limit:       limit,
		UntilID:     c.Query("until_id"),
		SinceID:     c.Query("since_id"),
		MutualsOnly: mutualsOnly,
		Filter:      filter,
	})
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, notesResponse{Notes: found})
}

func (h *httpHandler) handleUserLatest(c *gin.Context) {
	userID, err := notes.NewUserID(c.Param("userId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_user_id"})
		return
	}
	filter, ok := h.filterQuery(c)
	if !ok {
		return
	}
	found, err := h.feed.Latest(c.Request.Context(), userID.String(), filter)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, notesResponse{Notes: found})
}

func (h *httpHandler) handleLatestStream(c *gin.Context) {
	userID, err := notes.NewUserID(c.Param("userId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_user_id"})
		return
	}

	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx, userID.String())
	defer cleanup()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message, open := <-stream:
			if !open {
				return false
			}
			c.SSEvent(message.EventType, message)
			return true
		case tick := <-ticker.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{"timestamp": tick.UTC()})
			return true
		}
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		level := zapcore.WarnLevel
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			level = zapcore.InfoLevel
		}
		h.logger.Log(level, "session validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, claims.UserID)
	c.Next()
}

func (h *httpHandler) currentUser(c *gin.Context) notes.UserID {
	return notes.UserID(c.GetString(userIDContextKey))
}

func (h *httpHandler) noteIDParam(c *gin.Context) (notes.NoteID, bool) {
	noteID, err := notes.NewNoteID(c.Param("noteId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_note_id"})
		return "", false
	}
	return noteID, true
}

// filterQuery reads the key-class filter. Every class is included unless excluded explicitly.
func (h *httpHandler) filterQuery(c *gin.Context) (feed.Filter, bool) {
	publicOnly, ok := h.boolQuery(c, "public_only", false)
	if !ok {
		return feed.Filter{}, false
	}
	includeReplies, ok := h.boolQuery(c, "include_replies", true)
	if !ok {
		return feed.Filter{}, false
	}
	includeQuotes, ok := h.boolQuery(c, "include_quotes", true)
	if !ok {
		return feed.Filter{}, false
	}
	return feed.Filter{PublicOnly: publicOnly, IncludeReplies: includeReplies, IncludeQuotes: includeQuotes}, true
}

func (h *httpHandler) boolQuery(c *gin.Context, name string, fallback bool) (bool, bool) {
	raw := c.Query(name)
	if raw == "" {
		return fallback, true
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_" + name})
		return false, false
	}
	return value, true
}

type codedError interface {
	Code() string
}

// writeServiceError maps "operation.reason" codes to a status and a JSON body.
func (h *httpHandler) writeServiceError(c *gin.Context, err error) {
	if errors.Is(err, feed.ErrInvalidLimit) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
		return
	}

	var coded codedError
	if !errors.As(err, &coded) {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	code := coded.Code()
	reason := code
	if index := strings.LastIndex(code, "."); index >= 0 {
		reason = code[index+1:]
	}
	status := statusForReason(reason)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.String("code", code), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": reason, "code": code})
}

func statusForReason(reason string) int {
	switch {
	case reason == "not_found":
		return http.StatusNotFound
	case reason == "forbidden":
		return http.StatusForbidden
	case reason == "self_follow", strings.HasPrefix(reason, "invalid_"):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
