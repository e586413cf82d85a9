package search

import "context"

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultCard       ResultType = "card"
	ResultAnnotation ResultType = "annotation"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type     ResultType `json:"type"`
	ID       string     `json:"id"`
	Title    string     `json:"title"`
	Snippet  string     `json:"snippet"`
	CardID   string     `json:"cardId"`
	ThreadID string     `json:"threadId,omitempty"`
	Area     string     `json:"area,omitempty"`
	Stage    string     `json:"stage,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text       string
	FilterType ResultType // empty = all types
	FilterArea string
	Limit      int
	Offset     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push entities into a search index.
type Indexer interface {
	IndexCard(c CardRecord) error
	IndexAnnotation(a AnnotationRecord) error
	DeleteAnnotation(id string) error
}

// Index is a search backend that is also fed with writes.
type Index interface {
	Searcher
	Indexer
	IndexCards(cards []CardRecord) error
	IndexAnnotations(annotations []AnnotationRecord) error
}

// CardRecord is the data we index for a card.
type CardRecord struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	ApplicantRef string `json:"applicantRef"`
	Area         string `json:"area"`
	Stage        string `json:"stage"`
}

// AnnotationRecord is the data we index for one annotation entry.
type AnnotationRecord struct {
	ID         string `json:"id"`
	CardID     string `json:"cardId"`
	CardTitle  string `json:"cardTitle"`
	ThreadID   string `json:"threadId"`
	AuthorName string `json:"authorName"`
	Text       string `json:"text"`
}
