package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// AnnotationChecker reports whether a card already carries a decision
// rationale.
type AnnotationChecker interface {
	HasActive(ctx context.Context, cardID string) (bool, error)
}

type Request struct {
	Area    Area   `json:"area"`
	Stage   Stage  `json:"stage"`
	Comment string `json:"comment,omitempty"`
}

type Outcome string

const (
	OutcomeApplied         Outcome = "applied"
	OutcomeUnchanged       Outcome = "unchanged"
	OutcomeNeedsAnnotation Outcome = "needs_annotation"
)

// Result is the outcome of a transition. Target is the position the card was
// actually sent to once cascades ran; it differs from the request for
// completed and decision moves.
type Result struct {
	Card    Card    `json:"card"`
	Outcome Outcome `json:"outcome"`
	Target  Request `json:"target"`
}

// Engine validates and applies area/stage moves. It is stateless apart from
// its collaborators and safe for concurrent use.
type Engine struct {
	annotations AnnotationChecker
	now         func() time.Time
}

func NewEngine(annotations AnnotationChecker) *Engine {
	return &Engine{annotations: annotations, now: time.Now}
}

// SetClock replaces the time source used to stamp LastMovedAt.
func (e *Engine) SetClock(now func() time.Time) {
	if now != nil {
		e.now = now
	}
}

// Transition computes the next state of card for req. A rejected move returns
// a *TransitionError; a decision move without rationale returns
// OutcomeNeedsAnnotation and the card untouched.
func (e *Engine) Transition(ctx context.Context, card Card, req Request) (Result, error) {
	if err := card.Validate(); err != nil {
		return Result{}, err
	}
	if !ValidArea(req.Area) {
		return Result{}, illegal(card, req, fmt.Sprintf("unknown area %q", req.Area))
	}
	if !ValidStage(req.Area, req.Stage) {
		return Result{}, illegal(card, req, fmt.Sprintf("stage %q is not part of area %q", req.Stage, req.Area))
	}

	// The analysis pipeline is one-way. Checked against the requested area so
	// the completed cascade below cannot be used to bounce an analysis card
	// back to received.
	if card.Area == AreaAnalysis && req.Area == AreaCommercial {
		return Result{}, illegal(card, req, "analysis cards cannot re-enter the commercial pipeline")
	}

	target := Request{Area: req.Area, Stage: req.Stage, Comment: req.Comment}
	switch {
	case req.Area == AreaCommercial && req.Stage == StageCompleted:
		target.Area = AreaAnalysis
		target.Stage = StageReceived
	case req.Area == AreaAnalysis && (req.Stage == StageApproved || req.Stage == StageDenied):
		target.Stage = StageFinalized
	}

	if req.Area == AreaCommercial && req.Stage == StageEntry &&
		card.CommercialStage != "" && card.CommercialStage != StageEntry {
		return Result{}, illegal(card, req, "processed cards cannot return to entry")
	}

	if RequiresRationale(req.Stage) && strings.TrimSpace(req.Comment) == "" {
		has, err := e.hasAnnotation(ctx, card.ID)
		if err != nil {
			return Result{}, err
		}
		if !has {
			return Result{Card: card, Outcome: OutcomeNeedsAnnotation, Target: target}, nil
		}
	}

	if target.Area == card.Area && target.Stage == card.Stage {
		return Result{Card: card, Outcome: OutcomeUnchanged, Target: target}, nil
	}

	return Result{
		Card:    card.WithPosition(target.Area, target.Stage, e.now().UTC()),
		Outcome: OutcomeApplied,
		Target:  target,
	}, nil
}

func (e *Engine) hasAnnotation(ctx context.Context, cardID string) (bool, error) {
	if e.annotations == nil {
		return false, nil
	}
	has, err := e.annotations.HasActive(ctx, cardID)
	if err != nil {
		return false, fmt.Errorf("check annotations for card %s: %w", cardID, err)
	}
	return has, nil
}

// RequiresRationale reports whether moving to stage needs a written decision.
func RequiresRationale(stage Stage) bool {
	switch stage {
	case StageApproved, StageDenied, StageReReview:
		return true
	default:
		return false
	}
}
