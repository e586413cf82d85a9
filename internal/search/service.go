package search

import (
	"context"
	"log"
	"sync"

	"cardflow/api/internal/annotation"
)

// Service is the facade that tries the primary index first and falls back to PG FTS.
type Service struct {
	primary  Index
	fallback Searcher
	loader   RecordLoader

	wg sync.WaitGroup
}

// RecordLoader reads every searchable record from the system of record.
type RecordLoader interface {
	LoadAllRecords(ctx context.Context) ([]CardRecord, []AnnotationRecord, error)
}

// NewService creates a search service. primary may be nil if Meilisearch is
// not configured.
func NewService(primary Index, fallback Searcher) *Service {
	s := &Service{primary: primary, fallback: fallback}
	if loader, ok := fallback.(RecordLoader); ok {
		s.loader = loader
	}
	return s
}

// Search tries the primary index if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.primaryReady() {
		results, total, err := s.primary.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to pgfts: %v", err)
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		log.Printf("search: pgfts error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexCard indexes a card (fire-and-forget).
func (s *Service) IndexCard(c CardRecord) {
	s.async("index card "+c.ID, func() error { return s.primary.IndexCard(c) })
}

// IndexAnnotation indexes an annotation entry (fire-and-forget).
func (s *Service) IndexAnnotation(a AnnotationRecord) {
	s.async("index annotation "+a.ID, func() error { return s.primary.IndexAnnotation(a) })
}

// DeleteAnnotation removes an annotation entry from the index (fire-and-forget).
func (s *Service) DeleteAnnotation(id string) {
	s.async("delete annotation "+id, func() error { return s.primary.DeleteAnnotation(id) })
}

// HandleAnnotationEvent implements annotation.Listener.
func (s *Service) HandleAnnotationEvent(_ context.Context, event annotation.Event) {
	switch event.Type {
	case annotation.EventDeleted:
		s.DeleteAnnotation(event.Entry.ID)
	default:
		s.IndexAnnotation(AnnotationRecord{
			ID:         event.Entry.ID,
			CardID:     event.Card.CardID,
			CardTitle:  event.Card.Title,
			ThreadID:   event.Entry.ThreadID,
			AuthorName: event.Entry.AuthorName,
			Text:       event.Entry.Text,
		})
	}
}

// ReindexAll pushes every record into the primary index.
func (s *Service) ReindexAll(cards []CardRecord, annotations []AnnotationRecord) {
	if !s.primaryReady() {
		return
	}
	if err := s.primary.IndexCards(cards); err != nil {
		log.Printf("search: reindex cards: %v", err)
	}
	if err := s.primary.IndexAnnotations(annotations); err != nil {
		log.Printf("search: reindex annotations: %v", err)
	}
}

// ReindexAllFromPG reindexes all searchable entities from PostgreSQL.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if !s.primaryReady() || s.loader == nil {
		return
	}
	cards, annotations, err := s.loader.LoadAllRecords(ctx)
	if err != nil {
		log.Printf("search: reindex load failed: %v", err)
		return
	}
	s.ReindexAll(cards, annotations)
}

// Wait blocks until in-flight index writes finish.
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) primaryReady() bool {
	return s.primary != nil && s.primary.Healthy()
}

func (s *Service) async(what string, fn func() error) {
	if !s.primaryReady() {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := fn(); err != nil {
			log.Printf("search: %s: %v", what, err)
		}
	}()
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
