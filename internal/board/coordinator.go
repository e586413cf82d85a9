// Package board keeps the local board view and drives optimistic stage moves
// through the remote store, the fallback cache and reconciliation.
package board

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"cardflow/api/internal/fallback"
	"cardflow/api/internal/pipeline"
	"cardflow/api/internal/store"
	"cardflow/api/internal/telemetry"
)

var (
	ErrRemoteCommit   = errors.New("remote commit failed")
	ErrFallbackWrite  = errors.New("fallback write failed")
	ErrConcurrentMove = errors.New("card changed while the move was being applied")
)

type Status string

const (
	StatusAppliedLocally Status = "applied_locally"
	StatusCommitting     Status = "committing"
	StatusCommitted      Status = "committed"
	StatusFallbackCached Status = "fallback_cached"
	StatusFailed         Status = "failed"
)

const (
	applyAttempts       = 3
	defaultReconcileMax = 60 * time.Second
)

// PendingMutation is the local record of a move whose remote commit has not
// been confirmed. There is at most one per card; a newer move replaces it.
type PendingMutation struct {
	CardID    string        `json:"cardId"`
	Previous  pipeline.Card `json:"previous"`
	Target    pipeline.Card `json:"target"`
	Comment   string        `json:"comment,omitempty"`
	Actor     string        `json:"actor,omitempty"`
	Status    Status        `json:"status"`
	Seq       uint64        `json:"seq"`
	Error     string        `json:"error,omitempty"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

func (m *PendingMutation) inFlight() bool {
	return m != nil && (m.Status == StatusAppliedLocally || m.Status == StatusCommitting)
}

// Failure is reported when a move could be neither committed nor cached.
type Failure struct {
	CardID     string
	Actor      string
	Previous   pipeline.Card
	Target     pipeline.Card
	RolledBack bool
	Err        error
}

// Remote is the system of record for cards.
type Remote interface {
	InsertCard(ctx context.Context, card pipeline.Card) error
	GetCard(ctx context.Context, cardID string) (pipeline.Card, error)
	ListCards(ctx context.Context) ([]pipeline.Card, error)
	CommitStage(ctx context.Context, c store.StageCommit) (int64, error)
}

// FallbackStore durably caches moves the remote rejected or never saw.
type FallbackStore interface {
	Put(ctx context.Context, r fallback.Record) error
	Get(ctx context.Context, cardID string) (fallback.Record, bool, error)
	DeleteIfSeq(ctx context.Context, cardID string, seq uint64) error
	List(ctx context.Context) ([]fallback.Record, error)
}

// CommitNotifier hears about every card write confirmed by the remote.
type CommitNotifier interface {
	CardCommitted(ctx context.Context, cardID string, version int64)
}

type Coordinator struct {
	engine   *pipeline.Engine
	remote   Remote
	fallback FallbackStore
	view     *View
	metrics  *telemetry.Board
	tracer   trace.Tracer

	newBackOff func() backoff.BackOff
	notifiers  []CommitNotifier
	onFailure  func(Failure)
	now        func() time.Time

	// mu guards pending, seq and confirmed, and orders writes to view. It is
	// never held across remote or fallback I/O.
	mu        sync.Mutex
	pending   map[string]*PendingMutation
	seq       uint64
	confirmed map[string]uint64

	wg sync.WaitGroup
}

func NewCoordinator(engine *pipeline.Engine, remote Remote, cache FallbackStore, metrics *telemetry.Board) *Coordinator {
	c := &Coordinator{
		engine:    engine,
		remote:    remote,
		fallback:  cache,
		view:      NewView(),
		metrics:   metrics,
		tracer:    telemetry.Tracer("cardflow/api/board"),
		now:       time.Now,
		pending:   make(map[string]*PendingMutation),
		confirmed: make(map[string]uint64),
	}
	c.SetReconcileMaxWait(defaultReconcileMax)
	return c
}

// SetReconcileMaxWait bounds how long one reconciliation keeps retrying the
// remote. Call before the coordinator is used.
func (c *Coordinator) SetReconcileMaxWait(d time.Duration) {
	c.newBackOff = func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 250 * time.Millisecond
		b.MaxElapsedTime = d
		return b
	}
}

// SetBackOff replaces the retry policy. Call before the coordinator is used.
func (c *Coordinator) SetBackOff(newBackOff func() backoff.BackOff) {
	if newBackOff != nil {
		c.newBackOff = newBackOff
	}
}

// OnFailure registers the hook that surfaces failed moves to the user.
func (c *Coordinator) OnFailure(fn func(Failure)) {
	c.onFailure = fn
}

// AddNotifier registers a CommitNotifier. Call before the coordinator is used.
func (c *Coordinator) AddNotifier(n CommitNotifier) {
	if n != nil {
		c.notifiers = append(c.notifiers, n)
	}
}

func (c *Coordinator) View() *View {
	return c.view
}

// Load replaces the view with the remote board and re-applies moves still
// waiting in the fallback cache from an earlier run. Each cached move is run
// through the engine against the remote card first; moves that no longer
// apply are dropped.
func (c *Coordinator) Load(ctx context.Context) error {
	cards, err := c.remote.ListCards(ctx)
	if err != nil {
		return fmt.Errorf("load board: %w", err)
	}
	records, err := c.fallback.List(ctx)
	if err != nil {
		return fmt.Errorf("list cached moves: %w", err)
	}

	byID := make(map[string]pipeline.Card, len(cards))
	for _, card := range cards {
		byID[card.ID] = card
	}
	var maxSeq uint64
	kept := make([]fallback.Record, 0, len(records))
	for _, rec := range records {
		if rec.Seq > maxSeq {
			maxSeq = rec.Seq
		}
		current, ok := byID[rec.CardID]
		if !ok {
			log.Printf("board: cached move for unknown card %s", rec.CardID)
			continue
		}
		apply, reason, err := c.revalidate(ctx, current, rec)
		if err != nil {
			log.Printf("board: revalidate cached move for card %s: %v", rec.CardID, err)
			kept = append(kept, rec)
			continue
		}
		if !apply {
			c.discard(ctx, rec, current, reason)
			continue
		}
		kept = append(kept, rec)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.view.replaceAll(cards)
	if maxSeq > c.seq {
		c.seq = maxSeq
	}
	for _, rec := range kept {
		current := byID[rec.CardID]
		target := applyRecord(current, rec)
		c.view.put(target, ReasonFallback)
		c.pending[rec.CardID] = &PendingMutation{
			CardID:    rec.CardID,
			Previous:  current,
			Target:    target,
			Comment:   rec.Comment,
			Actor:     rec.Actor,
			Status:    StatusFallbackCached,
			Seq:       rec.Seq,
			UpdatedAt: c.now().UTC(),
		}
	}
	log.Printf("board: loaded %d cards, %d cached moves", len(cards), len(kept))
	return nil
}

// Card returns the local view of a card, loading it from the remote on a miss.
func (c *Coordinator) Card(ctx context.Context, cardID string) (pipeline.Card, error) {
	if card, ok := c.view.Get(cardID); ok {
		return card, nil
	}
	card, err := c.remote.GetCard(ctx, cardID)
	if err != nil {
		return pipeline.Card{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.view.Get(cardID); ok {
		return existing, nil
	}
	c.view.put(card, ReasonLoaded)
	return card, nil
}

// Create persists a card coming from intake and adds it to the view.
func (c *Coordinator) Create(ctx context.Context, card pipeline.Card) (pipeline.Card, error) {
	if err := card.Validate(); err != nil {
		return pipeline.Card{}, err
	}
	if err := c.remote.InsertCard(ctx, card); err != nil {
		return pipeline.Card{}, fmt.Errorf("insert card: %w", err)
	}

	c.mu.Lock()
	c.view.put(card, ReasonCreated)
	c.mu.Unlock()

	c.notify(ctx, card.ID, card.Version)
	return card, nil
}

// ApplyAndCommit runs the move through the engine, applies an accepted move
// to the view and returns. The remote commit continues in the background.
func (c *Coordinator) ApplyAndCommit(ctx context.Context, cardID string, req pipeline.Request, actor string) (pipeline.Result, error) {
	for attempt := 1; ; attempt++ {
		snapshot, err := c.Card(ctx, cardID)
		if err != nil {
			return pipeline.Result{}, err
		}

		result, err := c.engine.Transition(ctx, snapshot, req)
		if err != nil {
			if errors.Is(err, pipeline.ErrIllegalTransition) {
				c.metrics.Transition(ctx, "illegal")
			}
			return pipeline.Result{}, err
		}
		if result.Outcome != pipeline.OutcomeApplied {
			c.metrics.Transition(ctx, string(result.Outcome))
			return result, nil
		}

		c.mu.Lock()
		if current, _ := c.view.Get(cardID); current != snapshot {
			c.mu.Unlock()
			if attempt < applyAttempts {
				continue
			}
			return pipeline.Result{}, fmt.Errorf("move card %s: %w", cardID, ErrConcurrentMove)
		}
		c.seq++
		m := &PendingMutation{
			CardID:    cardID,
			Previous:  snapshot,
			Target:    result.Card,
			Comment:   req.Comment,
			Actor:     actor,
			Status:    StatusAppliedLocally,
			Seq:       c.seq,
			UpdatedAt: c.now().UTC(),
		}
		c.pending[cardID] = m
		c.view.put(result.Card, ReasonOptimistic)
		job := *m
		c.wg.Add(1)
		c.mu.Unlock()

		c.metrics.Transition(ctx, string(result.Outcome))
		go c.commit(context.WithoutCancel(ctx), job)
		return result, nil
	}
}

func (c *Coordinator) commit(ctx context.Context, m PendingMutation) {
	defer c.wg.Done()
	ctx, span := c.tracer.Start(ctx, "board.commit", trace.WithAttributes(
		attribute.String("card.id", m.CardID),
		attribute.String("card.stage", string(m.Target.Stage)),
	))
	defer span.End()

	c.setStatus(m.CardID, m.Seq, StatusCommitting, nil)
	version, err := c.remote.CommitStage(ctx, stageCommit(m.CardID, m.Target, m.Comment, m.Actor))
	if err == nil {
		c.metrics.Commit(ctx, true)
		c.confirm(m.CardID, m.Seq)
		if version > m.Previous.Version+1 {
			log.Printf("board: card %s moved concurrently (version %d -> %d)", m.CardID, m.Previous.Version, version)
		}
		if err := c.Reconcile(ctx, m.CardID); err != nil {
			log.Printf("board: reconcile after commit: %v", err)
		}
		c.refreshList(ctx)
		c.notify(ctx, m.CardID, version)
		return
	}

	c.metrics.Commit(ctx, false)
	span.RecordError(err)
	commitErr := fmt.Errorf("%w: card %s: %w", ErrRemoteCommit, m.CardID, err)
	log.Printf("board: %v", commitErr)

	rec := fallback.Record{
		CardID:          m.CardID,
		Area:            m.Target.Area,
		Stage:           m.Target.Stage,
		CommercialStage: m.Target.CommercialStage,
		Comment:         m.Comment,
		Actor:           m.Actor,
		Seq:             m.Seq,
		CachedAt:        m.Target.LastMovedAt,
	}
	ferr := c.fallback.Put(ctx, rec)
	if ferr == nil {
		c.metrics.FallbackWrite(ctx)
		c.setStatus(m.CardID, m.Seq, StatusFallbackCached, commitErr)
		c.ReconcileAsync(ctx, m.CardID)
		return
	}

	c.metrics.Rollback(ctx)
	failure := Failure{
		CardID:   m.CardID,
		Actor:    m.Actor,
		Previous: m.Previous,
		Target:   m.Target,
		Err:      errors.Join(commitErr, fmt.Errorf("%w: %w", ErrFallbackWrite, ferr)),
	}
	failure.RolledBack = c.rollback(m, failure.Err)
	span.SetStatus(codes.Error, "commit and fallback write failed")
	log.Printf("board: move of card %s lost (rolled back: %t): %v", m.CardID, failure.RolledBack, failure.Err)
	if c.onFailure != nil {
		c.onFailure(failure)
	}
}

// Reconcile replays a cached move for the card, then re-reads the card from
// the remote and adopts it. Remote calls are retried with backoff; when the
// remote stays unreachable the cached move is re-applied to the view.
func (c *Coordinator) Reconcile(ctx context.Context, cardID string) error {
	ctx, span := c.tracer.Start(ctx, "board.reconcile", trace.WithAttributes(attribute.String("card.id", cardID)))
	defer span.End()

	if err := c.replay(ctx, cardID); err != nil {
		c.readBack(ctx, cardID)
		c.metrics.Reconcile(ctx, false)
		span.RecordError(err)
		return err
	}

	remote, err := retry(ctx, c.newBackOff(), func() (pipeline.Card, error) {
		return c.remote.GetCard(ctx, cardID)
	})
	if err != nil {
		c.readBack(ctx, cardID)
		c.metrics.Reconcile(ctx, false)
		span.RecordError(err)
		return fmt.Errorf("reconcile card %s: %w", cardID, err)
	}

	c.adopt(ctx, remote)
	c.metrics.Reconcile(ctx, true)
	return nil
}

// ReconcileAsync runs Reconcile in the background and logs its failure.
func (c *Coordinator) ReconcileAsync(ctx context.Context, cardID string) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.Reconcile(context.WithoutCancel(ctx), cardID); err != nil {
			log.Printf("board: %v", err)
		}
	}()
}

// ReconcilePending reconciles every card that has a cached move.
func (c *Coordinator) ReconcilePending(ctx context.Context) error {
	records, err := c.fallback.List(ctx)
	if err != nil {
		return fmt.Errorf("list cached moves: %w", err)
	}
	var errs []error
	for _, rec := range records {
		if err := c.Reconcile(ctx, rec.CardID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Run reconciles cached moves every interval until ctx is done.
func (c *Coordinator) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		log.Printf("board: periodic reconcile disabled (interval %s)", interval)
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.ReconcilePending(ctx); err != nil {
				log.Printf("board: periodic reconcile: %v", err)
			}
		}
	}
}

// Wait blocks until background commits and reconciliations finish.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

func (c *Coordinator) Pending(cardID string) (PendingMutation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.pending[cardID]
	if !ok {
		return PendingMutation{}, false
	}
	return *m, true
}

// PendingAll lists outstanding mutations ordered by card id.
func (c *Coordinator) PendingAll() []PendingMutation {
	c.mu.Lock()
	out := make([]PendingMutation, 0, len(c.pending))
	for _, m := range c.pending {
		out = append(out, *m)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CardID < out[j].CardID })
	return out
}

func (c *Coordinator) replay(ctx context.Context, cardID string) error {
	rec, ok, err := c.fallback.Get(ctx, cardID)
	if err != nil {
		log.Printf("board: read cached move for card %s: %v", cardID, err)
		return nil
	}
	if !ok {
		return nil
	}

	c.mu.Lock()
	pm := c.pending[cardID]
	obsolete := rec.Seq <= c.confirmed[cardID] || (pm.inFlight() && pm.Seq > rec.Seq)
	c.mu.Unlock()
	if obsolete {
		if err := c.fallback.DeleteIfSeq(ctx, cardID, rec.Seq); err != nil {
			log.Printf("board: drop superseded cached move for card %s: %v", cardID, err)
		}
		return nil
	}

	remote, err := retry(ctx, c.newBackOff(), func() (pipeline.Card, error) {
		return c.remote.GetCard(ctx, cardID)
	})
	if errors.Is(err, sql.ErrNoRows) {
		log.Printf("board: dropping cached move for card %s: card no longer exists", cardID)
		if derr := c.fallback.DeleteIfSeq(ctx, cardID, rec.Seq); derr != nil {
			log.Printf("board: drop cached move for card %s: %v", cardID, derr)
		}
		return fmt.Errorf("replay cached move for card %s: %w", cardID, err)
	}
	if err != nil {
		return fmt.Errorf("%w: read card %s before replay: %w", ErrRemoteCommit, cardID, err)
	}

	apply, reason, err := c.revalidate(ctx, remote, rec)
	if err != nil {
		return fmt.Errorf("revalidate cached move for card %s: %w", cardID, err)
	}
	if !apply {
		c.discard(ctx, rec, remote, reason)
		return nil
	}

	version, err := retry(ctx, c.newBackOff(), func() (int64, error) {
		return c.remote.CommitStage(ctx, stageCommit(cardID, recordCard(rec), rec.Comment, rec.Actor))
	})
	if err != nil {
		c.metrics.Commit(ctx, false)
		return fmt.Errorf("%w: replay cached move for card %s: %w", ErrRemoteCommit, cardID, err)
	}
	c.metrics.Commit(ctx, true)
	c.confirm(cardID, rec.Seq)
	if err := c.fallback.DeleteIfSeq(ctx, cardID, rec.Seq); err != nil {
		log.Printf("board: delete replayed move for card %s: %v", cardID, err)
	}
	log.Printf("board: replayed cached move for card %s (version %d)", cardID, version)
	c.notify(ctx, cardID, version)
	return nil
}

// revalidate runs a cached move through the engine against the remote card.
// apply is false when the move no longer applies: reason is set when the
// engine refuses it and empty when the card already sits at the target.
func (c *Coordinator) revalidate(ctx context.Context, remote pipeline.Card, rec fallback.Record) (apply bool, reason string, err error) {
	result, err := c.engine.Transition(ctx, remote, pipeline.Request{Area: rec.Area, Stage: rec.Stage, Comment: rec.Comment})
	if errors.Is(err, pipeline.ErrIllegalTransition) {
		return false, err.Error(), nil
	}
	if err != nil {
		return false, "", err
	}
	switch result.Outcome {
	case pipeline.OutcomeApplied:
		return true, "", nil
	case pipeline.OutcomeNeedsAnnotation:
		return false, "decision has no rationale on the remote", nil
	default:
		return false, "", nil
	}
}

// discard removes a cached move that no longer applies to the remote card.
// A refused move counts as a divergence and takes its pending entry with it.
func (c *Coordinator) discard(ctx context.Context, rec fallback.Record, remote pipeline.Card, reason string) {
	if err := c.fallback.DeleteIfSeq(ctx, rec.CardID, rec.Seq); err != nil {
		log.Printf("board: drop cached move for card %s: %v", rec.CardID, err)
	}
	if reason == "" {
		c.confirm(rec.CardID, rec.Seq)
		return
	}

	c.metrics.Divergence(ctx)
	log.Printf("board: dropped cached move of card %s to %s/%s, remote is at %s/%s (version %d): %s",
		rec.CardID, rec.Area, rec.Stage, remote.Area, remote.Stage, remote.Version, reason)
	c.mu.Lock()
	defer c.mu.Unlock()
	if pm := c.pending[rec.CardID]; pm != nil && pm.Seq == rec.Seq {
		delete(c.pending, rec.CardID)
	}
}

// readBack re-applies the cached move, if any, to the view.
func (c *Coordinator) readBack(ctx context.Context, cardID string) {
	rec, ok, err := c.fallback.Get(ctx, cardID)
	if err != nil || !ok {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if pm := c.pending[cardID]; pm.inFlight() && pm.Seq > rec.Seq {
		return
	}
	current, ok := c.view.Get(cardID)
	if !ok {
		return
	}
	c.view.put(applyRecord(current, rec), ReasonFallback)
}

// adopt makes the remote card the local truth unless a newer local move is
// still committing.
func (c *Coordinator) adopt(ctx context.Context, remote pipeline.Card) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pm := c.pending[remote.ID]
	if pm.inFlight() {
		return
	}
	if pm != nil && !samePosition(pm.Target, remote) {
		c.metrics.Divergence(ctx)
		log.Printf("board: card %s diverged: local %s/%s, remote %s/%s (version %d)",
			remote.ID, pm.Target.Area, pm.Target.Stage, remote.Area, remote.Stage, remote.Version)
	}
	c.view.put(remote, ReasonReconciled)
	delete(c.pending, remote.ID)
}

// refreshList pulls the whole board and updates cards with no local move
// outstanding.
func (c *Coordinator) refreshList(ctx context.Context) {
	cards, err := c.remote.ListCards(ctx)
	if err != nil {
		log.Printf("board: refresh list: %v", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, card := range cards {
		if _, busy := c.pending[card.ID]; busy {
			continue
		}
		if local, ok := c.view.Get(card.ID); ok && local == card {
			continue
		}
		c.view.put(card, ReasonReconciled)
	}
}

func (c *Coordinator) rollback(m PendingMutation, cause error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	pm := c.pending[m.CardID]
	if pm == nil || pm.Seq != m.Seq {
		return false
	}
	c.view.put(m.Previous, ReasonRollback)
	pm.Status = StatusFailed
	pm.Error = cause.Error()
	pm.UpdatedAt = c.now().UTC()
	return true
}

func (c *Coordinator) setStatus(cardID string, seq uint64, status Status, cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pm := c.pending[cardID]
	if pm == nil || pm.Seq != seq {
		return
	}
	pm.Status = status
	pm.Error = ""
	if cause != nil {
		pm.Error = cause.Error()
	}
	pm.UpdatedAt = c.now().UTC()
}

// confirm records that the move with seq reached the remote.
func (c *Coordinator) confirm(cardID string, seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seq > c.confirmed[cardID] {
		c.confirmed[cardID] = seq
	}
	if pm := c.pending[cardID]; pm != nil && pm.Seq == seq {
		pm.Status = StatusCommitted
		pm.Error = ""
		pm.UpdatedAt = c.now().UTC()
	}
}

func (c *Coordinator) notify(ctx context.Context, cardID string, version int64) {
	for _, n := range c.notifiers {
		n.CardCommitted(ctx, cardID, version)
	}
}

func stageCommit(cardID string, target pipeline.Card, comment, actor string) store.StageCommit {
	return store.StageCommit{
		CardID:  cardID,
		Area:    target.Area,
		Stage:   target.Stage,
		Comment: comment,
		Actor:   actor,
	}
}

func recordCard(rec fallback.Record) pipeline.Card {
	return pipeline.Card{ID: rec.CardID, Area: rec.Area, Stage: rec.Stage, CommercialStage: rec.CommercialStage}
}

func applyRecord(card pipeline.Card, rec fallback.Record) pipeline.Card {
	card = card.WithPosition(rec.Area, rec.Stage, rec.CachedAt)
	card.CommercialStage = rec.CommercialStage
	return card
}

func samePosition(a, b pipeline.Card) bool {
	return a.Area == b.Area && a.Stage == b.Stage && a.CommercialStage == b.CommercialStage
}

// retry runs op under b. Missing rows and cancellation are not retried.
func retry[T any](ctx context.Context, b backoff.BackOff, op func() (T, error)) (T, error) {
	return backoff.RetryWithData(func() (T, error) {
		v, err := op()
		if err != nil && (errors.Is(err, sql.ErrNoRows) || errors.Is(err, context.Canceled)) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithContext(b, ctx))
}
