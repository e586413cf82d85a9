package pipeline

import (
	"errors"
	"fmt"
)

var (
	ErrIllegalTransition = errors.New("illegal transition")
	ErrInvalidCard       = errors.New("invalid card")
)

// TransitionError describes a rejected move. It matches ErrIllegalTransition
// with errors.Is.
type TransitionError struct {
	CardID    string
	FromArea  Area
	FromStage Stage
	ToArea    Area
	ToStage   Stage
	Reason    string
}

func (e *TransitionError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("illegal transition for card %s (%s/%s -> %s/%s): %s",
		e.CardID, e.FromArea, e.FromStage, e.ToArea, e.ToStage, e.Reason)
}

func (e *TransitionError) Unwrap() error {
	return ErrIllegalTransition
}

func illegal(card Card, req Request, reason string) *TransitionError {
	return &TransitionError{
		CardID:    card.ID,
		FromArea:  card.Area,
		FromStage: card.Stage,
		ToArea:    req.Area,
		ToStage:   req.Stage,
		Reason:    reason,
	}
}
