// Package pipeline holds the card aggregate and the stage transition rules
// shared by every surface that moves cards between the commercial intake
// pipeline and the credit analysis pipeline.
package pipeline

import (
	"fmt"
	"strings"
	"time"
)

type Area string

const (
	AreaCommercial Area = "commercial"
	AreaAnalysis   Area = "analysis"
)

type Stage string

const (
	StageEntry            Stage = "entry"
	StageMade             Stage = "made"
	StageAwaitingDocument Stage = "awaiting_document"
	StageCancelled        Stage = "cancelled"
	StageCompleted        Stage = "completed"

	StageReceived  Stage = "received"
	StageInReview  Stage = "in_review"
	StageReReview  Stage = "re_review"
	StageApproved  Stage = "approved"
	StageDenied    Stage = "denied"
	StageFinalized Stage = "finalized"
)

// Board column order per area.
var stagesByArea = map[Area][]Stage{
	AreaCommercial: {StageEntry, StageMade, StageAwaitingDocument, StageCancelled, StageCompleted},
	AreaAnalysis:   {StageReceived, StageInReview, StageReReview, StageApproved, StageDenied, StageFinalized},
}

// Areas returns the pipelines in board order.
func Areas() []Area {
	return []Area{AreaCommercial, AreaAnalysis}
}

// Stages returns the stages of an area in board order.
func Stages(area Area) []Stage {
	stages := stagesByArea[area]
	out := make([]Stage, len(stages))
	copy(out, stages)
	return out
}

func ValidArea(area Area) bool {
	_, ok := stagesByArea[area]
	return ok
}

func ValidStage(area Area, stage Stage) bool {
	for _, candidate := range stagesByArea[area] {
		if candidate == stage {
			return true
		}
	}
	return false
}

func ParseArea(value string) (Area, error) {
	area := Area(strings.ToLower(strings.TrimSpace(value)))
	if !ValidArea(area) {
		return "", fmt.Errorf("%w: unknown area %q", ErrInvalidCard, value)
	}
	return area, nil
}

func ParseStage(area Area, value string) (Stage, error) {
	stage := Stage(strings.ToLower(strings.TrimSpace(value)))
	if !ValidStage(area, stage) {
		return "", fmt.Errorf("%w: stage %q is not part of area %q", ErrInvalidCard, value, area)
	}
	return stage, nil
}

type Card struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	Area            Area      `json:"area"`
	Stage           Stage     `json:"stage"`
	CommercialStage Stage     `json:"commercialStage,omitempty"`
	AssigneeID      string    `json:"assigneeId,omitempty"`
	ApplicantRef    string    `json:"applicantRef,omitempty"`
	Version         int64     `json:"version"`
	CreatedAt       time.Time `json:"createdAt"`
	LastMovedAt     time.Time `json:"lastMovedAt"`
}

// NewCard builds a card as it leaves intake: commercial pipeline, entry stage.
func NewCard(id, title, applicantRef string, now time.Time) Card {
	return Card{
		ID:              id,
		Title:           title,
		Area:            AreaCommercial,
		Stage:           StageEntry,
		CommercialStage: StageEntry,
		ApplicantRef:    applicantRef,
		CreatedAt:       now,
		LastMovedAt:     now,
	}
}

// Validate checks the area/stage invariants of the aggregate.
func (c Card) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidCard)
	}
	if !ValidArea(c.Area) {
		return fmt.Errorf("%w: unknown area %q", ErrInvalidCard, c.Area)
	}
	if !ValidStage(c.Area, c.Stage) {
		return fmt.Errorf("%w: stage %q is not part of area %q", ErrInvalidCard, c.Stage, c.Area)
	}
	switch c.Area {
	case AreaCommercial:
		if c.CommercialStage != c.Stage {
			return fmt.Errorf("%w: commercial stage %q does not mirror stage %q", ErrInvalidCard, c.CommercialStage, c.Stage)
		}
	case AreaAnalysis:
		if c.CommercialStage != "" {
			return fmt.Errorf("%w: analysis card carries commercial stage %q", ErrInvalidCard, c.CommercialStage)
		}
	}
	return nil
}

// WithPosition returns a copy placed at area/stage with the commercial mirror
// kept consistent.
func (c Card) WithPosition(area Area, stage Stage, movedAt time.Time) Card {
	c.Area = area
	c.Stage = stage
	if area == AreaCommercial {
		c.CommercialStage = stage
	} else {
		c.CommercialStage = ""
	}
	c.LastMovedAt = movedAt
	return c
}
