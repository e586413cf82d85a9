package search

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	meili "github.com/meilisearch/meilisearch-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cardflow/api/internal/annotation"
)

type fakeIndex struct {
	mu          sync.Mutex
	healthy     bool
	searchErr   error
	results     []Result
	cards       []CardRecord
	annotations []AnnotationRecord
	deleted     []string
}

func (f *fakeIndex) Search(context.Context, Query) ([]Result, int, error) {
	if f.searchErr != nil {
		return nil, 0, f.searchErr
	}
	return f.results, len(f.results), nil
}

func (f *fakeIndex) Healthy() bool { return f.healthy }

func (f *fakeIndex) IndexCard(c CardRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cards = append(f.cards, c)
	return nil
}

func (f *fakeIndex) IndexAnnotation(a AnnotationRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.annotations = append(f.annotations, a)
	return nil
}

func (f *fakeIndex) DeleteAnnotation(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeIndex) IndexCards(cards []CardRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cards = append(f.cards, cards...)
	return nil
}

func (f *fakeIndex) IndexAnnotations(annotations []AnnotationRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.annotations = append(f.annotations, annotations...)
	return nil
}

type fakeFallback struct {
	results []Result
	err     error
	calls   int
}

func (f *fakeFallback) Search(context.Context, Query) ([]Result, int, error) {
	f.calls++
	return f.results, len(f.results), f.err
}

func (f *fakeFallback) Healthy() bool { return true }

func (f *fakeFallback) LoadAllRecords(context.Context) ([]CardRecord, []AnnotationRecord, error) {
	return []CardRecord{{ID: "C1"}}, []AnnotationRecord{{ID: "a1"}}, nil
}

func TestSearchPrefersHealthyPrimary(t *testing.T) {
	primary := &fakeIndex{healthy: true, results: []Result{{Type: ResultCard, ID: "C1"}}}
	fallback := &fakeFallback{}
	svc := NewService(primary, fallback)

	resp := svc.Search(context.Background(), Query{Text: "loan"})
	assert.Equal(t, 1, resp.Total)
	assert.Equal(t, 0, fallback.calls)
}

func TestSearchFallsBack(t *testing.T) {
	fallback := &fakeFallback{results: []Result{{Type: ResultAnnotation, ID: "a1"}}}

	unhealthy := NewService(&fakeIndex{healthy: false}, fallback)
	resp := unhealthy.Search(context.Background(), Query{Text: "ok"})
	assert.Equal(t, "a1", resp.Results[0].ID)

	failing := NewService(&fakeIndex{healthy: true, searchErr: errors.New("down")}, fallback)
	resp = failing.Search(context.Background(), Query{Text: "ok"})
	assert.Equal(t, 1, resp.Total)

	broken := NewService(nil, &fakeFallback{err: errors.New("db down")})
	resp = broken.Search(context.Background(), Query{Text: "ok"})
	assert.NotNil(t, resp.Results)
	assert.Empty(t, resp.Results)
}

func TestAnnotationEventsFeedTheIndex(t *testing.T) {
	primary := &fakeIndex{healthy: true}
	svc := NewService(primary, &fakeFallback{})
	ctx := context.Background()
	card := annotation.CardContext{CardID: "C2", Title: "Loan 2"}
	entry := annotation.Entry{ID: "a1", ThreadID: "t1", AuthorName: "Ana", Text: "ok to proceed"}

	svc.HandleAnnotationEvent(ctx, annotation.Event{Type: annotation.EventCreated, Card: card, Entry: entry})
	svc.HandleAnnotationEvent(ctx, annotation.Event{Type: annotation.EventDeleted, Card: card, Entry: entry})
	svc.Wait()

	require.Len(t, primary.annotations, 1)
	assert.Equal(t, "Loan 2", primary.annotations[0].CardTitle)
	assert.Equal(t, []string{"a1"}, primary.deleted)
}

func TestNoPrimaryMeansNoIndexing(t *testing.T) {
	svc := NewService(nil, &fakeFallback{})
	svc.IndexCard(CardRecord{ID: "C1"})
	svc.ReindexAllFromPG(context.Background())
	svc.Wait()
}

func TestReindexAllFromPG(t *testing.T) {
	primary := &fakeIndex{healthy: true}
	svc := NewService(primary, &fakeFallback{})
	svc.ReindexAllFromPG(context.Background())

	assert.Len(t, primary.cards, 1)
	assert.Len(t, primary.annotations, 1)
}

func TestHitToResult(t *testing.T) {
	raw := func(v any) json.RawMessage {
		b, _ := json.Marshal(v)
		return b
	}

	card := hitToResult(meili.Hit{
		"id":         raw("C1"),
		"title":      raw("Loan 1"),
		"area":       raw("analysis"),
		"stage":      raw("in_review"),
		"_formatted": raw(map[string]string{"title": "<mark>Loan</mark> 1"}),
	}, ResultCard)
	assert.Equal(t, "C1", card.CardID)
	assert.Equal(t, "<mark>Loan</mark> 1", card.Title)
	assert.Equal(t, "in_review", card.Stage)

	entry := hitToResult(meili.Hit{
		"id":       raw("a1"),
		"cardId":   raw("C2"),
		"threadId": raw("t1"),
		"text":     raw("ok to proceed"),
	}, ResultAnnotation)
	assert.Equal(t, "C2", entry.CardID)
	assert.Equal(t, "C2", entry.Title)
	assert.Equal(t, "ok to proceed", entry.Snippet)
	assert.Equal(t, ResultAnnotation, indexToResultType(idxAnnotations))
}
