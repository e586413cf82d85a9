package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cardflow/api/internal/annotation"
	"cardflow/api/internal/mention"
)

type fakeResolver struct {
	byPrefix map[string][]mention.Identity
	errs     map[string]error
}

func (r fakeResolver) ResolveByNamePrefix(_ context.Context, prefix string) ([]mention.Identity, error) {
	key := strings.ToLower(prefix)
	if err := r.errs[key]; err != nil {
		return nil, err
	}
	return r.byPrefix[key], nil
}

type recordingSink struct {
	mu    sync.Mutex
	items []Notification
	fail  map[string]error
}

func (s *recordingSink) InsertNotification(_ context.Context, n Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail[n.TargetUser]; err != nil {
		return err
	}
	s.items = append(s.items, n)
	return nil
}

func (s *recordingSink) targets() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.items))
	for _, n := range s.items {
		out = append(out, n.TargetUser)
	}
	return out
}

var (
	ana   = mention.Identity{ID: "u-ana", DisplayName: "Ana", Email: "ana@example.com"}
	anaP  = mention.Identity{ID: "u-anap", DisplayName: "Ana Paula"}
	bruno = mention.Identity{ID: "u-bruno", DisplayName: "Bruno"}
	carla = mention.Identity{ID: "u-carla", DisplayName: "Carla"}
)

func newTestFanout(resolver mention.Resolver, sink Sink) *Fanout {
	f := NewFanout(resolver, sink)
	f.now = func() time.Time { return time.Date(2026, 5, 3, 12, 0, 0, 0, time.UTC) }
	seq := 0
	var mu sync.Mutex
	f.newID = func(prefix string) string {
		mu.Lock()
		defer mu.Unlock()
		seq++
		return fmt.Sprintf("%s_%d", prefix, seq)
	}
	return f
}

func TestFanoutNotifiesEachMentionedUserOnce(t *testing.T) {
	resolver := fakeResolver{byPrefix: map[string][]mention.Identity{
		"ana":   {ana, anaP},
		"bruno": {bruno},
		"carla": {carla},
	}}
	sink := &recordingSink{}
	f := newTestFanout(resolver, sink)

	entry := annotation.Entry{
		ID: "a1", ThreadID: "t1", AuthorID: "u-carla", AuthorName: "Carla",
		Text: "@ana @Bruno please review; @ANA again and @carla",
	}
	sent := f.OnAnnotationCreated(context.Background(), entry, annotation.CardContext{CardID: "C2", Title: "Loan 2"})

	require.Len(t, sent, 3)
	assert.ElementsMatch(t, []string{"u-ana", "u-anap", "u-bruno"}, sink.targets())
	for _, n := range sent {
		assert.Equal(t, TypeMention, n.Type)
		assert.Equal(t, "Carla mentioned you on Loan 2", n.Title)
		assert.Equal(t, "C2", n.Meta["cardId"])
		assert.Equal(t, "t1", n.Meta["threadId"])
		assert.Equal(t, "a1", n.Meta["entryId"])
	}
}

func TestFanoutSkipsFailuresAndContinues(t *testing.T) {
	resolver := fakeResolver{
		byPrefix: map[string][]mention.Identity{"bruno": {bruno}, "carla": {carla}},
		errs:     map[string]error{"ana": errors.New("directory down")},
	}
	sink := &recordingSink{fail: map[string]error{"u-bruno": errors.New("insert failed")}}
	f := newTestFanout(resolver, sink)

	entry := annotation.Entry{ID: "a1", ThreadID: "t1", AuthorID: "u-x", Text: "@ana @bruno @carla"}
	sent := f.OnAnnotationCreated(context.Background(), entry, annotation.CardContext{CardID: "C2"})

	require.Len(t, sent, 1)
	assert.Equal(t, "u-carla", sent[0].TargetUser)
	assert.Equal(t, "Someone mentioned you on C2", sent[0].Title)
}

func TestFanoutCapsCandidates(t *testing.T) {
	many := make([]mention.Identity, 0, 8)
	for i := 0; i < 8; i++ {
		many = append(many, mention.Identity{ID: fmt.Sprintf("u-%d", i)})
	}
	sink := &recordingSink{}
	f := newTestFanout(fakeResolver{byPrefix: map[string][]mention.Identity{"a": many}}, sink)

	sent := f.OnAnnotationCreated(context.Background(), annotation.Entry{ID: "a1", Text: "@a"}, annotation.CardContext{CardID: "C1"})
	assert.Len(t, sent, mention.MaxCandidates)
}

func TestDispatchIsAsynchronousAndOnlyForCreated(t *testing.T) {
	sink := &recordingSink{}
	f := newTestFanout(fakeResolver{byPrefix: map[string][]mention.Identity{"bruno": {bruno}}}, sink)

	ctx, cancel := context.WithCancel(context.Background())
	entry := annotation.Entry{ID: "a1", ThreadID: "t1", AuthorID: "u-ana", Text: "@bruno look"}
	f.HandleAnnotationEvent(ctx, annotation.Event{Type: annotation.EventEdited, Entry: entry})
	f.HandleAnnotationEvent(ctx, annotation.Event{Type: annotation.EventCreated, Entry: entry, Card: annotation.CardContext{CardID: "C2"}})
	// The request finishing must not cut the fan-out short.
	cancel()
	f.Wait()

	assert.Equal(t, []string{"u-bruno"}, sink.targets())
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("  short ", 140))
	long := strings.Repeat("é", 150)
	got := Truncate(long, 140)
	assert.Equal(t, strings.Repeat("é", 140)+"…", got)
}

func TestMultiSinkDeliversToAll(t *testing.T) {
	first := &recordingSink{fail: map[string]error{"u-bruno": errors.New("boom")}}
	second := &recordingSink{}
	err := MultiSink{first, nil, second}.InsertNotification(context.Background(), Notification{TargetUser: "u-bruno"})
	require.Error(t, err)
	assert.Equal(t, []string{"u-bruno"}, second.targets())
}

type fakeMailer struct {
	configured bool
	sent       []string
}

func (m *fakeMailer) IsConfigured() bool { return m.configured }

func (m *fakeMailer) SendMentionEmail(to, userName, authorName, cardID, cardTitle, excerpt string) error {
	m.sent = append(m.sent, strings.Join([]string{to, userName, authorName, cardID, cardTitle, excerpt}, "|"))
	return nil
}

func TestEmailSink(t *testing.T) {
	mailer := &fakeMailer{configured: true}
	sink := NewEmailSink(mailer)
	n := Notification{
		Type: TypeMention, TargetUser: "u-ana", TargetName: "Ana", TargetEmail: "ana@example.com",
		Body: "@ana check", Meta: map[string]string{"cardId": "C2", "cardName": "Loan 2", "authorName": "Carla"},
	}
	require.NoError(t, sink.InsertNotification(context.Background(), n))
	require.NoError(t, sink.InsertNotification(context.Background(), Notification{Type: TypeMention, TargetUser: "u-x"}))

	assert.Equal(t, []string{"ana@example.com|Ana|Carla|C2|Loan 2|@ana check"}, mailer.sent)

	mailer.configured = false
	require.NoError(t, sink.InsertNotification(context.Background(), n))
	assert.Len(t, mailer.sent, 1)
}
