package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"cardflow/api/internal/annotation"
	"cardflow/api/internal/auth"
	"cardflow/api/internal/board"
	"cardflow/api/internal/config"
	"cardflow/api/internal/notify"
	"cardflow/api/internal/pipeline"
	"cardflow/api/internal/rbac"
	"cardflow/api/internal/search"
	"cardflow/api/internal/store"
	"cardflow/api/internal/util"
)

type Session struct {
	Token     string
	UserID    string
	UserName  string
	Role      string
	JTI       string
	ExpiresAt time.Time
}

type CreateCardInput struct {
	Title        string `json:"title"`
	ApplicantRef string `json:"applicantRef"`
	AssigneeID   string `json:"assigneeId"`
}

type MoveCardInput struct {
	Area    string `json:"area"`
	Stage   string `json:"stage"`
	Comment string `json:"comment"`
}

type dataStore interface {
	EnsureUserByName(context.Context, string, string) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)
	GetUserByName(context.Context, string) (store.User, error)
	ListStageLog(context.Context, string) ([]store.StageLogEntry, error)
	InsertNotification(context.Context, notify.Notification) error
	ListNotifications(context.Context, string, bool, int) ([]notify.Notification, error)
	MarkNotificationRead(context.Context, string, string) (bool, error)
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
	Ping(ctx context.Context) error
}

// revocationStore records logged-out token ids. Postgres by default; Redis
// when configured.
type revocationStore interface {
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
}

type Service struct {
	cfg         config.Config
	store       dataStore
	board       *board.Coordinator
	annotations *annotation.Store
	search      *search.Service
	revocations revocationStore
	now         func() time.Time
}

func New(cfg config.Config, dataStore dataStore, coordinator *board.Coordinator, annotations *annotation.Store, searchService *search.Service) *Service {
	s := &Service{
		cfg:         cfg,
		store:       dataStore,
		board:       coordinator,
		annotations: annotations,
		search:      searchService,
		revocations: dataStore,
		now:         time.Now,
	}
	coordinator.OnFailure(s.HandleMoveFailure)
	coordinator.AddNotifier(s)
	return s
}

// SetRevocationStore moves token revocation off the data store.
func (s *Service) SetRevocationStore(r revocationStore) {
	if r != nil {
		s.revocations = r
	}
}

// Login is the development sign-in: it finds or creates the user by display
// name. role only applies to a user created here.
func (s *Service) Login(ctx context.Context, name, role string) (Session, error) {
	userName := strings.TrimSpace(name)
	if userName == "" {
		return Session{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	if strings.TrimSpace(role) == "" {
		role = string(rbac.RoleAnalyst)
	}

	user, err := s.store.EnsureUserByName(ctx, userName, string(rbac.Normalize(role)))
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(user)
}

func (s *Service) issueSession(user store.User) (Session, error) {
	expiresAt := s.now().Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		Role: user.Role,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Role:      user.Role,
		JTI:       jti,
		ExpiresAt: expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.revocations.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Role:      user.Role,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session) error {
	if session.JTI == "" {
		return nil
	}
	return s.revocations.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

func (s *Service) Board() map[string]any {
	return map[string]any{
		"columns": s.board.View().Columns(),
		"pending": s.board.PendingAll(),
	}
}

// BoardChanges streams view changes until cancel is called.
func (s *Service) BoardChanges() (<-chan board.CardChanged, func()) {
	return s.board.View().Subscribe(32)
}

func (s *Service) CreateCard(ctx context.Context, input CreateCardInput) (map[string]any, error) {
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}

	card := pipeline.NewCard(util.NewID("card"), title, strings.TrimSpace(input.ApplicantRef), s.now().UTC())
	card.AssigneeID = strings.TrimSpace(input.AssigneeID)
	created, err := s.board.Create(ctx, card)
	if err != nil {
		return nil, err
	}
	return map[string]any{"card": created}, nil
}

func (s *Service) GetCard(ctx context.Context, cardID string) (map[string]any, error) {
	card, err := s.board.Card(ctx, cardID)
	if err != nil {
		return nil, err
	}
	stageLog, err := s.store.ListStageLog(ctx, cardID)
	if err != nil {
		return nil, fmt.Errorf("list stage log: %w", err)
	}

	payload := map[string]any{
		"card":     card,
		"stageLog": stageLog,
	}
	if pending, ok := s.board.Pending(cardID); ok {
		payload["pending"] = pending
	}
	return payload, nil
}

// MoveCard applies a move optimistically. The remote commit finishes in the
// background; its state is visible through GetCard and Board.
func (s *Service) MoveCard(ctx context.Context, session Session, cardID string, input MoveCardInput) (map[string]any, error) {
	area, err := pipeline.ParseArea(input.Area)
	if err != nil {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown area", map[string]any{"area": input.Area})
	}
	stage, err := pipeline.ParseStage(area, input.Stage)
	if err != nil {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "stage is not part of area", map[string]any{
			"area":  area,
			"stage": input.Stage,
		})
	}
	// Parsed before the role check so a mixed-case decision stage still
	// needs the decide permission.
	req := pipeline.Request{Area: area, Stage: stage, Comment: strings.TrimSpace(input.Comment)}
	action := rbac.ActionMove
	if pipeline.RequiresRationale(req.Stage) {
		action = rbac.ActionDecide
	}
	if !s.Can(session.Role, action) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", map[string]any{"action": action})
	}

	result, err := s.board.ApplyAndCommit(ctx, cardID, req, session.UserName)
	if err != nil {
		return nil, err
	}
	if result.Outcome == pipeline.OutcomeNeedsAnnotation {
		return nil, domainError(http.StatusUnprocessableEntity, "NEEDS_ANNOTATION",
			"A written rationale is required before this decision", map[string]any{
				"cardId": cardID,
				"area":   result.Target.Area,
				"stage":  result.Target.Stage,
			})
	}
	return map[string]any{
		"card":    result.Card,
		"outcome": result.Outcome,
		"target":  result.Target,
	}, nil
}

// HandleMoveFailure tells the actor that a move was lost. Wired as the
// coordinator's failure hook.
func (s *Service) HandleMoveFailure(f board.Failure) {
	ctx := context.Background()
	user, err := s.store.GetUserByName(ctx, f.Actor)
	if err != nil {
		log.Printf("app: move failure for card %s: lookup actor %q: %v", f.CardID, f.Actor, err)
		return
	}

	body := fmt.Sprintf("The move to %s/%s could not be saved. The card is back at %s/%s.",
		f.Target.Area, f.Target.Stage, f.Previous.Area, f.Previous.Stage)
	if !f.RolledBack {
		body = fmt.Sprintf("The move to %s/%s could not be saved.", f.Target.Area, f.Target.Stage)
	}
	n := notify.Notification{
		ID:         util.NewID("ntf"),
		TargetUser: user.ID,
		Type:       notify.TypeMoveFailed,
		Title:      fmt.Sprintf("Move of %s was not saved", firstNonBlank(f.Previous.Title, f.CardID)),
		Body:       body,
		Meta: map[string]string{
			"cardId":   f.CardID,
			"cardName": f.Previous.Title,
			"area":     string(f.Target.Area),
			"stage":    string(f.Target.Stage),
		},
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.InsertNotification(ctx, n); err != nil {
		log.Printf("app: notify move failure for card %s: %v", f.CardID, err)
	}
}

func (s *Service) ListAnnotations(ctx context.Context, session Session, cardID string, includeDeleted bool) (map[string]any, error) {
	if _, err := s.board.Card(ctx, cardID); err != nil {
		return nil, err
	}
	if includeDeleted {
		if !rbac.Elevated(session.Role) {
			return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
		}
		entries, err := s.annotations.ListAll(ctx, cardID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"entries": nonNilEntries(entries)}, nil
	}

	threads, err := s.annotations.ListActive(ctx, cardID)
	if err != nil {
		return nil, err
	}
	if threads == nil {
		threads = []annotation.Thread{}
	}
	return map[string]any{"threads": threads}, nil
}

func (s *Service) AddAnnotation(ctx context.Context, session Session, cardID, text string) (map[string]any, error) {
	card, err := s.cardContext(ctx, cardID)
	if err != nil {
		return nil, err
	}
	entry, err := s.annotations.Append(ctx, card, author(session), text)
	if err != nil {
		return nil, err
	}
	return map[string]any{"entry": entry}, nil
}

func (s *Service) ReplyAnnotation(ctx context.Context, session Session, cardID, parentID, text string) (map[string]any, error) {
	card, err := s.cardContext(ctx, cardID)
	if err != nil {
		return nil, err
	}
	entry, err := s.annotations.Reply(ctx, card, parentID, author(session), text)
	if err != nil {
		return nil, err
	}
	return map[string]any{"entry": entry}, nil
}

func (s *Service) EditAnnotation(ctx context.Context, session Session, cardID, entryID, text string) (map[string]any, error) {
	card, err := s.cardContext(ctx, cardID)
	if err != nil {
		return nil, err
	}
	entry, err := s.annotations.Edit(ctx, card.CardID, entryID, author(session), text)
	if err != nil {
		return nil, err
	}
	return map[string]any{"entry": entry}, nil
}

func (s *Service) DeleteAnnotation(ctx context.Context, session Session, cardID, entryID string) (map[string]any, error) {
	card, err := s.cardContext(ctx, cardID)
	if err != nil {
		return nil, err
	}
	entry, err := s.annotations.SoftDelete(ctx, card.CardID, entryID, author(session))
	if err != nil {
		return nil, err
	}
	return map[string]any{"entry": entry}, nil
}

func (s *Service) Notifications(ctx context.Context, session Session, unreadOnly bool, limit int) (map[string]any, error) {
	items, err := s.store.ListNotifications(ctx, session.UserID, unreadOnly, limit)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []notify.Notification{}
	}
	return map[string]any{"notifications": items}, nil
}

func (s *Service) MarkNotificationRead(ctx context.Context, session Session, notificationID string) (map[string]any, error) {
	updated, err := s.store.MarkNotificationRead(ctx, session.UserID, notificationID)
	if err != nil {
		return nil, err
	}
	if !updated {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Notification not found", nil)
	}
	return map[string]any{"ok": true, "id": notificationID}, nil
}

func (s *Service) Search(ctx context.Context, q, filterType, filterArea string, limit, offset int) (search.Response, error) {
	resultType := search.ResultType(filterType)
	if resultType != "" && resultType != search.ResultCard && resultType != search.ResultAnnotation {
		return search.Response{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "type must be 'card' or 'annotation'", nil)
	}
	if filterArea != "" && !pipeline.ValidArea(pipeline.Area(filterArea)) {
		return search.Response{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown area", nil)
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.search.Search(ctx, search.Query{
		Text:       q,
		FilterType: resultType,
		FilterArea: filterArea,
		Limit:      limit,
		Offset:     offset,
	}), nil
}

// Ping checks the health of service dependencies.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) cardContext(ctx context.Context, cardID string) (annotation.CardContext, error) {
	card, err := s.board.Card(ctx, cardID)
	if err != nil {
		return annotation.CardContext{}, err
	}
	return annotation.CardContext{CardID: card.ID, Title: card.Title}, nil
}

// CardCommitted reindexes a card once the remote has accepted a write.
func (s *Service) CardCommitted(_ context.Context, cardID string, _ int64) {
	if s.search == nil {
		return
	}
	card, ok := s.board.View().Get(cardID)
	if !ok {
		return
	}
	s.search.IndexCard(search.CardRecord{
		ID:           card.ID,
		Title:        card.Title,
		ApplicantRef: card.ApplicantRef,
		Area:         string(card.Area),
		Stage:        string(card.Stage),
	})
}

func author(session Session) annotation.Author {
	return annotation.Author{ID: session.UserID, Name: session.UserName, Role: session.Role}
}

func nonNilEntries(entries []annotation.Entry) []annotation.Entry {
	if entries == nil {
		return []annotation.Entry{}
	}
	return entries
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
