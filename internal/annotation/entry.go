// Package annotation keeps the per-card log of decision annotations
// (pareceres): threaded, depth limited, soft deleted, never physically removed.
package annotation

import (
	"errors"
	"time"
)

// MaxLevel is the first nesting level that can no longer be created. Roots
// sit at level 0, so the deepest reply lives at MaxLevel-1.
const MaxLevel = 7

var (
	ErrRejectedDepth = errors.New("reply exceeds maximum thread depth")
	ErrEntryNotFound = errors.New("annotation not found")
	ErrForbidden     = errors.New("only the author or a supervisor may change this annotation")
	ErrEmptyText     = errors.New("annotation text is required")
	ErrInvalidList   = errors.New("invalid annotation list")
	// ErrRemoteSave marks a failed whole-list save; the change was not persisted.
	ErrRemoteSave = errors.New("annotation list save failed")
)

type Entry struct {
	ID              string     `json:"id"`
	AuthorID        string     `json:"authorId"`
	AuthorName      string     `json:"authorName"`
	AuthorRole      string     `json:"authorRole"`
	Text            string     `json:"text"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedBy       string     `json:"updatedBy,omitempty"`
	UpdatedAt       *time.Time `json:"updatedAt,omitempty"`
	ParentID        string     `json:"parentId,omitempty"`
	Level           int        `json:"level"`
	ThreadID        string     `json:"threadId"`
	IsThreadStarter bool       `json:"isThreadStarter"`
	Deleted         bool       `json:"deleted"`
	DeletedAt       *time.Time `json:"deletedAt,omitempty"`
	DeletedBy       string     `json:"deletedBy,omitempty"`
}

// Thread is a root and its replies, ordered by creation time.
type Thread struct {
	ID      string  `json:"threadId"`
	Entries []Entry `json:"entries"`
}

type Author struct {
	ID   string
	Name string
	Role string
}

// CardContext is what listeners need to reference the card an entry belongs to.
type CardContext struct {
	CardID string
	Title  string
}

type EventType string

const (
	EventCreated EventType = "created"
	EventEdited  EventType = "edited"
	EventDeleted EventType = "deleted"
)

// Event is emitted after a successful save, never before.
type Event struct {
	Type  EventType
	Card  CardContext
	Entry Entry
}
