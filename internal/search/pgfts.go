package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true: if Postgres is down the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search runs a UNION ALL across cards and the active entries of every
// annotation list, ranked with ts_rank.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('simple', $1)"
	args := []any{q.Text}
	argN := 2

	var subQueries []string

	if q.FilterType == "" || q.FilterType == ResultCard {
		cardWhere := "c.fts @@ " + tsQuery
		if q.FilterArea != "" {
			cardWhere += fmt.Sprintf(" AND c.area = $%d", argN)
			args = append(args, q.FilterArea)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'card'::text AS type, c.id, c.title,
				c.applicant_ref AS snippet,
				c.id AS card_id, ''::text AS thread_id, c.area, c.stage,
				ts_rank(c.fts, %s) AS rank
			FROM cards c
			WHERE %s`, tsQuery, cardWhere))
	}

	if q.FilterType == "" || q.FilterType == ResultAnnotation {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'annotation'::text AS type, e->>'id' AS id, c.title,
				ts_headline('simple', coalesce(e->>'text', ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				c.id AS card_id, coalesce(e->>'threadId', '') AS thread_id, c.area, c.stage,
				ts_rank(to_tsvector('simple', coalesce(e->>'text', '')), %s) AS rank
			FROM card_annotations ca
			JOIN cards c ON c.id = ca.card_id
			CROSS JOIN LATERAL jsonb_array_elements(ca.entries) AS e
			WHERE NOT coalesce((e->>'deleted')::boolean, false)
				AND to_tsvector('simple', coalesce(e->>'text', '')) @@ %s`, tsQuery, tsQuery, tsQuery))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub",
		strings.Join(subQueries, " UNION ALL "))

	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, card_id, thread_id, area, stage
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`,
		strings.Join(subQueries, " UNION ALL "),
		limit, offset)

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.CardID, &r.ThreadID, &r.Area, &r.Stage); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]CardRecord, []AnnotationRecord, error) {
	cardRows, err := p.db.QueryContext(ctx, `
		SELECT id, title, applicant_ref, area, stage
		FROM cards
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load cards: %w", err)
	}
	defer cardRows.Close()

	cards := make([]CardRecord, 0)
	for cardRows.Next() {
		var c CardRecord
		if err := cardRows.Scan(&c.ID, &c.Title, &c.ApplicantRef, &c.Area, &c.Stage); err != nil {
			return nil, nil, fmt.Errorf("scan card: %w", err)
		}
		cards = append(cards, c)
	}
	if err := cardRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate cards: %w", err)
	}

	annotationRows, err := p.db.QueryContext(ctx, `
		SELECT e->>'id', c.id, c.title, coalesce(e->>'threadId', ''), coalesce(e->>'authorName', ''), coalesce(e->>'text', '')
		FROM card_annotations ca
		JOIN cards c ON c.id = ca.card_id
		CROSS JOIN LATERAL jsonb_array_elements(ca.entries) AS e
		WHERE NOT coalesce((e->>'deleted')::boolean, false)
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load annotations: %w", err)
	}
	defer annotationRows.Close()

	annotations := make([]AnnotationRecord, 0)
	for annotationRows.Next() {
		var a AnnotationRecord
		if err := annotationRows.Scan(&a.ID, &a.CardID, &a.CardTitle, &a.ThreadID, &a.AuthorName, &a.Text); err != nil {
			return nil, nil, fmt.Errorf("scan annotation: %w", err)
		}
		annotations = append(annotations, a)
	}
	if err := annotationRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate annotations: %w", err)
	}

	return cards, annotations, nil
}
