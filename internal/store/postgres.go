package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cardflow/api/internal/mention"
	"cardflow/api/internal/notify"
	"cardflow/api/internal/pipeline"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// EnsureUserByName returns the user called name, creating it with role when
// it does not exist yet. An existing user keeps its stored role.
func (s *PostgresStore) EnsureUserByName(ctx context.Context, name, role string) (User, error) {
	const findUser = `SELECT id, display_name, email, role, created_at FROM users WHERE display_name = $1`
	var user User
	err := s.db.QueryRowContext(ctx, findUser, name).Scan(&user.ID, &user.DisplayName, &user.Email, &user.Role, &user.CreatedAt)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}

	insertUser := `
		INSERT INTO users (display_name, email, role)
		VALUES ($1, CONCAT(LOWER(REPLACE($1, ' ', '.')), '@local.cardflow.dev'), $2)
		ON CONFLICT (display_name) DO UPDATE SET display_name = EXCLUDED.display_name
		RETURNING id, display_name, email, role, created_at
	`
	if err := s.db.QueryRowContext(ctx, insertUser, name, role).Scan(&user.ID, &user.DisplayName, &user.Email, &user.Role, &user.CreatedAt); err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `SELECT id, display_name, email, role, created_at FROM users WHERE id=$1`, userID).
		Scan(&user.ID, &user.DisplayName, &user.Email, &user.Role, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByName(ctx context.Context, name string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `SELECT id, display_name, email, role, created_at FROM users WHERE display_name=$1`, name).
		Scan(&user.ID, &user.DisplayName, &user.Email, &user.Role, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// ResolveByNamePrefix implements mention.Resolver.
func (s *PostgresStore) ResolveByNamePrefix(ctx context.Context, prefix string) ([]mention.Identity, error) {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, display_name, email, role
		FROM users
		WHERE LOWER(display_name) LIKE LOWER($1) || '%' ESCAPE '\'
		ORDER BY display_name ASC
		LIMIT $2
	`, escapeLike(prefix), mention.MaxCandidates)
	if err != nil {
		return nil, fmt.Errorf("resolve mention %q: %w", prefix, err)
	}
	defer rows.Close()

	items := make([]mention.Identity, 0)
	for rows.Next() {
		var item mention.Identity
		if err := rows.Scan(&item.ID, &item.DisplayName, &item.Email, &item.Role); err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate identities: %w", err)
	}
	return items, nil
}

func escapeLike(value string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(value)
}

const cardColumns = `id, title, area, stage, COALESCE(commercial_stage, ''), COALESCE(assignee_id, ''), applicant_ref, version, created_at, last_moved_at`

func scanCard(row interface{ Scan(...any) error }) (pipeline.Card, error) {
	var (
		card                    pipeline.Card
		area, stage, commercial string
	)
	err := row.Scan(&card.ID, &card.Title, &area, &stage, &commercial, &card.AssigneeID, &card.ApplicantRef, &card.Version, &card.CreatedAt, &card.LastMovedAt)
	if err != nil {
		return pipeline.Card{}, err
	}
	card.Area = pipeline.Area(area)
	card.Stage = pipeline.Stage(stage)
	card.CommercialStage = pipeline.Stage(commercial)
	return card, nil
}

func (s *PostgresStore) InsertCard(ctx context.Context, card pipeline.Card) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cards (id, title, area, stage, commercial_stage, assignee_id, applicant_ref, version, created_at, last_moved_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7, $8, $9, $10)
	`, card.ID, card.Title, string(card.Area), string(card.Stage), string(card.CommercialStage), card.AssigneeID,
		card.ApplicantRef, card.Version, card.CreatedAt, card.LastMovedAt)
	if err != nil {
		return fmt.Errorf("insert card: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetCard(ctx context.Context, cardID string) (pipeline.Card, error) {
	card, err := scanCard(s.db.QueryRowContext(ctx, `SELECT `+cardColumns+` FROM cards WHERE id=$1`, cardID))
	if err != nil {
		return pipeline.Card{}, fmt.Errorf("get card %s: %w", cardID, err)
	}
	return card, nil
}

func (s *PostgresStore) ListCards(ctx context.Context) ([]pipeline.Card, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+cardColumns+` FROM cards ORDER BY last_moved_at DESC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list cards: %w", err)
	}
	defer rows.Close()

	items := make([]pipeline.Card, 0)
	for rows.Next() {
		card, err := scanCard(rows)
		if err != nil {
			return nil, fmt.Errorf("scan card: %w", err)
		}
		items = append(items, card)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cards: %w", err)
	}
	return items, nil
}

// CommitStage moves the card to c's position and appends a stage log line,
// returning the card's new version. Repeating the commit that produced the
// latest log line is a no-op that returns the current version.
func (s *PostgresStore) CommitStage(ctx context.Context, c StageCommit) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin commit stage tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		fromArea, fromStage string
		version             int64
	)
	err = tx.QueryRowContext(ctx, `SELECT area, stage, version FROM cards WHERE id=$1 FOR UPDATE`, c.CardID).
		Scan(&fromArea, &fromStage, &version)
	if err != nil {
		return 0, fmt.Errorf("lock card %s: %w", c.CardID, err)
	}

	if fromArea == string(c.Area) && fromStage == string(c.Stage) {
		var last struct {
			area, stage, comment, actor string
		}
		err := tx.QueryRowContext(ctx, `
			SELECT to_area, to_stage, comment, actor
			FROM card_stage_log
			WHERE card_id=$1
			ORDER BY id DESC
			LIMIT 1
		`, c.CardID).Scan(&last.area, &last.stage, &last.comment, &last.actor)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("read latest stage log: %w", err)
		}
		if err == nil && last.area == string(c.Area) && last.stage == string(c.Stage) &&
			last.comment == c.Comment && last.actor == c.Actor {
			return version, nil
		}
	}

	err = tx.QueryRowContext(ctx, `
		UPDATE cards
		SET area=$2,
			stage=$3,
			commercial_stage=CASE WHEN $2 = 'commercial' THEN $3 ELSE NULL END,
			last_moved_at=NOW(),
			version=version+1
		WHERE id=$1
		RETURNING version
	`, c.CardID, string(c.Area), string(c.Stage)).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("update card stage: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO card_stage_log (card_id, from_area, from_stage, to_area, to_stage, comment, actor, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, c.CardID, fromArea, fromStage, string(c.Area), string(c.Stage), c.Comment, c.Actor, version); err != nil {
		return 0, fmt.Errorf("insert stage log: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit stage tx: %w", err)
	}
	return version, nil
}

func (s *PostgresStore) ListStageLog(ctx context.Context, cardID string) ([]StageLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, card_id, from_area, from_stage, to_area, to_stage, comment, actor, version, created_at
		FROM card_stage_log
		WHERE card_id=$1
		ORDER BY id ASC
	`, cardID)
	if err != nil {
		return nil, fmt.Errorf("list stage log: %w", err)
	}
	defer rows.Close()

	items := make([]StageLogEntry, 0)
	for rows.Next() {
		var (
			item                                 StageLogEntry
			fromArea, fromStage, toArea, toStage string
		)
		if err := rows.Scan(&item.ID, &item.CardID, &fromArea, &fromStage, &toArea, &toStage, &item.Comment, &item.Actor, &item.Version, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan stage log: %w", err)
		}
		item.FromArea = pipeline.Area(fromArea)
		item.FromStage = pipeline.Stage(fromStage)
		item.ToArea = pipeline.Area(toArea)
		item.ToStage = pipeline.Stage(toStage)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stage log: %w", err)
	}
	return items, nil
}

// LoadAnnotationList implements annotation.Persister. A card without
// annotations yields nil.
func (s *PostgresStore) LoadAnnotationList(ctx context.Context, cardID string) ([]byte, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT entries::text FROM card_annotations WHERE card_id=$1`, cardID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load annotation list: %w", err)
	}
	return raw, nil
}

// SaveAnnotationList implements annotation.Persister.
func (s *PostgresStore) SaveAnnotationList(ctx context.Context, cardID string, serialized []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO card_annotations (card_id, entries, updated_at)
		VALUES ($1, $2::jsonb, NOW())
		ON CONFLICT (card_id) DO UPDATE SET entries=EXCLUDED.entries, updated_at=NOW()
	`, cardID, string(serialized))
	if err != nil {
		return fmt.Errorf("save annotation list: %w", err)
	}
	return nil
}

// InsertNotification implements notify.Sink.
func (s *PostgresStore) InsertNotification(ctx context.Context, n notify.Notification) error {
	meta, err := json.Marshal(n.Meta)
	if err != nil {
		return fmt.Errorf("marshal notification meta: %w", err)
	}
	createdAt := n.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, user_id, type, title, body, meta, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7)
		ON CONFLICT (id) DO NOTHING
	`, n.ID, n.TargetUser, n.Type, n.Title, n.Body, string(meta), createdAt)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListNotifications(ctx context.Context, userID string, unreadOnly bool, limit int) ([]notify.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, type, title, body, meta::text, created_at, read_at
		FROM notifications
		WHERE user_id=$1
		  AND (NOT $2::boolean OR read_at IS NULL)
		ORDER BY created_at DESC
		LIMIT $3
	`, userID, unreadOnly, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	items := make([]notify.Notification, 0)
	for rows.Next() {
		var (
			item   notify.Notification
			meta   string
			readAt sql.NullTime
		)
		if err := rows.Scan(&item.ID, &item.TargetUser, &item.Type, &item.Title, &item.Body, &meta, &item.CreatedAt, &readAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		if err := json.Unmarshal([]byte(meta), &item.Meta); err != nil {
			return nil, fmt.Errorf("decode notification meta: %w", err)
		}
		if readAt.Valid {
			t := readAt.Time
			item.ReadAt = &t
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) MarkNotificationRead(ctx context.Context, userID, notificationID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET read_at=NOW()
		WHERE id=$1 AND user_id=$2 AND read_at IS NULL
	`, notificationID, userID)
	if err != nil {
		return false, fmt.Errorf("mark notification read: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark notification read rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}
