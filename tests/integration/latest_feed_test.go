package integration_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sharkey-go/latestnote/internal/auth"
	"github.com/sharkey-go/latestnote/internal/cache"
	"github.com/sharkey-go/latestnote/internal/database"
	"github.com/sharkey-go/latestnote/internal/feed"
	"github.com/sharkey-go/latestnote/internal/latestnote"
	"github.com/sharkey-go/latestnote/internal/notes"
	"github.com/sharkey-go/latestnote/internal/server"
	"github.com/sharkey-go/latestnote/internal/social"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	sessionSigningSecret = "integration-secret"
	sessionCookieName    = "latestnote_session"
	authorUserID         = "alice"
	readerUserID         = "bob"
	jsonContentType      = "application/json"
)

type integrationStack struct {
	handler    http.Handler
	db         *gorm.DB
	projection *latestnote.Service
	tokens     map[string]string
}

func newIntegrationStack(testContext *testing.T) *integrationStack {
	testContext.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()
	logger := zap.NewNop()

	db, err := database.OpenAndMigrate(ctx, database.Config{
		Driver: database.DriverSQLite,
		DSN:    "file:integration_latest_feed?mode=memory&cache=shared",
	}, logger)
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	testContext.Cleanup(func() {
		_ = sqlDB.Close()
	})

	realtime := server.NewRealtimeDispatcher()
	projection, err := latestnote.NewService(latestnote.ServiceConfig{
		Store:    latestnote.NewStore(db),
		Notes:    notes.NewStore(db),
		Observer: realtime,
		Logger:   logger,
	})
	if err != nil {
		testContext.Fatalf("failed to build projection: %v", err)
	}
	testContext.Cleanup(func() {
		_ = projection.Scheduler().Shutdown(context.Background())
	})

	notesService, err := notes.NewService(notes.ServiceConfig{
		Database:   db,
		IDProvider: notes.NewUUIDProvider(),
		Hooks:      projection,
		Logger:     logger,
	})
	if err != nil {
		testContext.Fatalf("failed to build notes service: %v", err)
	}

	socialStore := social.NewStore(db)
	followees, err := cache.NewLRU[[]string](64, time.Minute, socialStore.Followees)
	if err != nil {
		testContext.Fatalf("failed to build cache: %v", err)
	}
	socialService, err := social.NewService(social.ServiceConfig{Store: socialStore, Cache: followees, Logger: logger})
	if err != nil {
		testContext.Fatalf("failed to build social service: %v", err)
	}
	feedService, err := feed.NewService(feed.ServiceConfig{
		Rows:   latestnote.NewStore(db),
		Notes:  notes.NewStore(db),
		Graph:  socialService,
		Logger: logger,
	})
	if err != nil {
		testContext.Fatalf("failed to build feed service: %v", err)
	}

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(sessionSigningSecret),
		CookieName:    sessionCookieName,
	})
	if err != nil {
		testContext.Fatalf("failed to build validator: %v", err)
	}
	issuer, err := auth.NewSessionIssuer(auth.SessionIssuerConfig{SigningSecret: []byte(sessionSigningSecret)})
	if err != nil {
		testContext.Fatalf("failed to build issuer: %v", err)
	}
	tokens := map[string]string{}
	for _, userID := range []string{authorUserID, readerUserID} {
		token, _, err := issuer.Issue(userID)
		if err != nil {
			testContext.Fatalf("failed to issue token: %v", err)
		}
		tokens[userID] = token
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions: validator,
		Notes:    notesService,
		Social:   socialService,
		Feed:     feedService,
		Realtime: realtime,
		Logger:   logger,
	})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}

	return &integrationStack{handler: handler, db: db, projection: projection, tokens: tokens}
}

func (s *integrationStack) do(testContext *testing.T, userID, method, target, body string, expectedStatus int) *httptest.ResponseRecorder {
	testContext.Helper()
	request := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		request.Header.Set("Content-Type", jsonContentType)
	}
	if userID != "" {
		request.Header.Set("Authorization", "Bearer "+s.tokens[userID])
	}
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	if recorder.Code != expectedStatus {
		testContext.Fatalf("%s %s: expected %d, got %d: %s", method, target, expectedStatus, recorder.Code, recorder.Body.String())
	}
	return recorder
}

func (s *integrationStack) createNote(testContext *testing.T, body string) notes.Note {
	testContext.Helper()
	recorder := s.do(testContext, authorUserID, http.MethodPost, "/notes", body, http.StatusCreated)
	var created notes.Note
	if err := json.Unmarshal(recorder.Body.Bytes(), &created); err != nil {
		testContext.Fatalf("failed to decode note: %v", err)
	}
	return created
}

func (s *integrationStack) noteIDs(testContext *testing.T, userID, target string) []string {
	testContext.Helper()
	recorder := s.do(testContext, userID, http.MethodGet, target, "", http.StatusOK)
	var response struct {
		Notes []notes.Note `json:"notes"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		testContext.Fatalf("failed to decode feed: %v", err)
	}
	ids := make([]string, 0, len(response.Notes))
	for _, note := range response.Notes {
		ids = append(ids, note.ID)
	}
	return ids
}

// awaitFeed polls until the background projection has caught up with the expected ids.
func (s *integrationStack) awaitFeed(testContext *testing.T, userID, target string, expected []string) {
	testContext.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		ids := s.noteIDs(testContext, userID, target)
		if strings.Join(ids, ",") == strings.Join(expected, ",") {
			return
		}
		if time.Now().After(deadline) {
			testContext.Fatalf("%s: expected %v, got %v", target, expected, ids)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestFollowingFeedTracksLatestNotes(testContext *testing.T) {
	stack := newIntegrationStack(testContext)

	stack.do(testContext, readerUserID, http.MethodPost, "/following/"+authorUserID, "", http.StatusNoContent)
	stack.do(testContext, "", http.MethodGet, "/notes/following", "", http.StatusUnauthorized)

	first := stack.createNote(testContext, `{"text":"first"}`)
	second := stack.createNote(testContext, `{"text":"second"}`)
	reply := stack.createNote(testContext, `{"text":"reply","reply_id":"`+first.ID+`"}`)
	stack.createNote(testContext, `{"renote_id":"`+first.ID+`"}`)

	stack.awaitFeed(testContext, readerUserID, "/notes/following", []string{reply.ID, second.ID})
	stack.awaitFeed(testContext, readerUserID, "/notes/following?include_replies=false", []string{second.ID})

	stack.do(testContext, authorUserID, http.MethodDelete, "/notes/"+second.ID, "", http.StatusNoContent)
	stack.awaitFeed(testContext, "", "/users/"+authorUserID+"/latest?include_replies=false", []string{first.ID})

	stack.do(testContext, authorUserID, http.MethodPost, "/notes/"+first.ID+"/make-private", "", http.StatusNoContent)
	stack.awaitFeed(testContext, readerUserID, "/notes/following?include_replies=false", []string{})

	stack.do(testContext, readerUserID, http.MethodDelete, "/notes/"+reply.ID, "", http.StatusForbidden)
	stack.do(testContext, readerUserID, http.MethodDelete, "/following/"+authorUserID, "", http.StatusNoContent)
	stack.awaitFeed(testContext, readerUserID, "/notes/following", []string{})

	exists, err := stack.projection.ExistsForUser(context.Background(), authorUserID)
	if err != nil {
		testContext.Fatalf("failed to check projection: %v", err)
	}
	if !exists {
		testContext.Fatalf("expected author to keep projection rows")
	}
}
