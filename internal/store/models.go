package store

import (
	"time"

	"cardflow/api/internal/pipeline"
)

type User struct {
	ID          string
	DisplayName string
	Email       string
	Role        string
	CreatedAt   time.Time
}

// StageLogEntry is one accepted stage commit.
type StageLogEntry struct {
	ID        int64          `json:"id"`
	CardID    string         `json:"cardId"`
	FromArea  pipeline.Area  `json:"fromArea"`
	FromStage pipeline.Stage `json:"fromStage"`
	ToArea    pipeline.Area  `json:"toArea"`
	ToStage   pipeline.Stage `json:"toStage"`
	Comment   string         `json:"comment,omitempty"`
	Actor     string         `json:"actor,omitempty"`
	Version   int64          `json:"version"`
	CreatedAt time.Time      `json:"createdAt"`
}

// StageCommit is the remote write for one move.
type StageCommit struct {
	CardID  string
	Area    pipeline.Area
	Stage   pipeline.Stage
	Comment string
	Actor   string
}
