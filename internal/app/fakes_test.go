package app

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"

	"cardflow/api/internal/annotation"
	"cardflow/api/internal/board"
	"cardflow/api/internal/config"
	"cardflow/api/internal/fallback"
	"cardflow/api/internal/notify"
	"cardflow/api/internal/pipeline"
	"cardflow/api/internal/search"
	"cardflow/api/internal/store"
)

// fakeStore stands in for PostgresStore: users, cards, stage log, annotation
// lists and notifications live in memory. Function fields override defaults.
type fakeStore struct {
	mu            sync.Mutex
	users         map[string]store.User
	cards         map[string]pipeline.Card
	stageLog      []store.StageLogEntry
	lists         map[string][]byte
	notifications []notify.Notification
	revoked       map[string]bool

	pingFn        func(context.Context) error
	commitStageFn func(context.Context, store.StageCommit) (int64, error)
	saveListFn    func(context.Context, string, []byte) error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:   make(map[string]store.User),
		cards:   make(map[string]pipeline.Card),
		lists:   make(map[string][]byte),
		revoked: make(map[string]bool),
	}
}

func (f *fakeStore) EnsureUserByName(_ context.Context, name, role string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, user := range f.users {
		if user.DisplayName == name {
			return user, nil
		}
	}
	user := store.User{
		ID:          fmt.Sprintf("user-%d", len(f.users)+1),
		DisplayName: name,
		Email:       name + "@local.cardflow.dev",
		Role:        role,
		CreatedAt:   time.Now(),
	}
	f.users[user.ID] = user
	return user, nil
}

func (f *fakeStore) GetUserByID(_ context.Context, userID string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[userID]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (f *fakeStore) GetUserByName(_ context.Context, name string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, user := range f.users {
		if user.DisplayName == name {
			return user, nil
		}
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeStore) ListStageLog(_ context.Context, cardID string) ([]store.StageLogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.StageLogEntry, 0)
	for _, entry := range f.stageLog {
		if entry.CardID == cardID {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (f *fakeStore) InsertNotification(_ context.Context, n notify.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifications = append(f.notifications, n)
	return nil
}

func (f *fakeStore) ListNotifications(_ context.Context, userID string, unreadOnly bool, _ int) ([]notify.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []notify.Notification
	for _, n := range f.notifications {
		if n.TargetUser != userID || (unreadOnly && n.ReadAt != nil) {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

func (f *fakeStore) MarkNotificationRead(_ context.Context, userID, notificationID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, n := range f.notifications {
		if n.ID == notificationID && n.TargetUser == userID && n.ReadAt == nil {
			now := time.Now()
			f.notifications[i].ReadAt = &now
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) RevokeAccessToken(_ context.Context, jti string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked[jti] = true
	return nil
}

func (f *fakeStore) IsAccessTokenRevoked(_ context.Context, jti string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.revoked[jti], nil
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func (f *fakeStore) InsertCard(_ context.Context, card pipeline.Card) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cards[card.ID] = card
	return nil
}

func (f *fakeStore) GetCard(_ context.Context, cardID string) (pipeline.Card, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	card, ok := f.cards[cardID]
	if !ok {
		return pipeline.Card{}, sql.ErrNoRows
	}
	return card, nil
}

func (f *fakeStore) ListCards(context.Context) ([]pipeline.Card, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]pipeline.Card, 0, len(f.cards))
	for _, card := range f.cards {
		out = append(out, card)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeStore) CommitStage(ctx context.Context, c store.StageCommit) (int64, error) {
	if f.commitStageFn != nil {
		return f.commitStageFn(ctx, c)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	card, ok := f.cards[c.CardID]
	if !ok {
		return 0, sql.ErrNoRows
	}
	from := card
	card = card.WithPosition(c.Area, c.Stage, time.Now().UTC())
	card.Version++
	f.cards[c.CardID] = card
	f.stageLog = append(f.stageLog, store.StageLogEntry{
		ID:        int64(len(f.stageLog) + 1),
		CardID:    c.CardID,
		FromArea:  from.Area,
		FromStage: from.Stage,
		ToArea:    c.Area,
		ToStage:   c.Stage,
		Comment:   c.Comment,
		Actor:     c.Actor,
		Version:   card.Version,
		CreatedAt: time.Now().UTC(),
	})
	return card.Version, nil
}

func (f *fakeStore) LoadAnnotationList(_ context.Context, cardID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lists[cardID], nil
}

func (f *fakeStore) SaveAnnotationList(ctx context.Context, cardID string, serialized []byte) error {
	if f.saveListFn != nil {
		return f.saveListFn(ctx, cardID, serialized)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists[cardID] = append([]byte(nil), serialized...)
	return nil
}

func (f *fakeStore) notificationsFor(userID string) []notify.Notification {
	items, _ := f.ListNotifications(context.Background(), userID, false, 0)
	return items
}

type memoryFallback struct {
	mu      sync.Mutex
	records map[string]fallback.Record
	putErr  error
}

func newMemoryFallback() *memoryFallback {
	return &memoryFallback{records: make(map[string]fallback.Record)}
}

func (m *memoryFallback) Put(_ context.Context, r fallback.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return m.putErr
	}
	m.records[r.CardID] = r
	return nil
}

func (m *memoryFallback) Get(_ context.Context, cardID string) (fallback.Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[cardID]
	return r, ok, nil
}

func (m *memoryFallback) DeleteIfSeq(_ context.Context, cardID string, seq uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.records[cardID]; ok && r.Seq == seq {
		delete(m.records, cardID)
	}
	return nil
}

func (m *memoryFallback) List(context.Context) ([]fallback.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]fallback.Record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	return out, nil
}

type testEnv struct {
	store    *fakeStore
	fallback *memoryFallback
	service  *Service
	server   *HTTPServer
}

func newTestEnv(t *testing.T, fs *fakeStore) *testEnv {
	t.Helper()
	cache := newMemoryFallback()
	annotations := annotation.NewStore(fs)
	coordinator := board.NewCoordinator(pipeline.NewEngine(annotations), fs, cache, nil)
	coordinator.SetBackOff(func() backoff.BackOff {
		return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 1)
	})
	if err := coordinator.Load(context.Background()); err != nil {
		t.Fatalf("load board: %v", err)
	}

	svc := New(config.Config{JWTSecret: "test-secret", AccessTTL: time.Hour}, fs, coordinator, annotations, search.NewService(nil, nil))
	return &testEnv{
		store:    fs,
		fallback: cache,
		service:  svc,
		server:   NewHTTPServer(svc, "*"),
	}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) login(t *testing.T, name, role string) string {
	t.Helper()
	rr := e.do(t, http.MethodPost, "/api/session/login", "", map[string]string{"name": name, "role": role})
	if rr.Code != http.StatusOK {
		t.Fatalf("login %s: status %d body=%s", name, rr.Code, rr.Body.String())
	}
	payload := decode(t, rr)
	token, _ := payload["token"].(string)
	if token == "" {
		t.Fatalf("login %s: missing token", name)
	}
	return token
}

func (e *testEnv) createCard(t *testing.T, token, title string) string {
	t.Helper()
	rr := e.do(t, http.MethodPost, "/api/cards", token, map[string]string{"title": title, "applicantRef": "APP-1"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create card: status %d body=%s", rr.Code, rr.Body.String())
	}
	card, _ := decode(t, rr)["card"].(map[string]any)
	id, _ := card["id"].(string)
	if id == "" {
		t.Fatalf("create card: missing id")
	}
	return id
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v body=%s", err, rr.Body.String())
	}
	return payload
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	code, _ := decode(t, rr)["code"].(string)
	return code
}
