package annotation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"cardflow/api/internal/rbac"
	"cardflow/api/internal/util"
)

// Persister is the remote home of a card's annotation list. Saves replace the
// whole list.
type Persister interface {
	LoadAnnotationList(ctx context.Context, cardID string) ([]byte, error)
	SaveAnnotationList(ctx context.Context, cardID string, serialized []byte) error
}

// Listener receives post-save events. Implementations should return quickly;
// slow work belongs on their own goroutines.
type Listener interface {
	HandleAnnotationEvent(ctx context.Context, event Event)
}

type Store struct {
	persister Persister
	listeners []Listener
	now       func() time.Time
	newID     func(prefix string) string
	elevated  func(role string) bool

	// Serializes read-modify-write cycles inside this process. Writers in
	// other processes can still interleave; see DESIGN.md.
	mu sync.Mutex
}

func NewStore(persister Persister, listeners ...Listener) *Store {
	return &Store{
		persister: persister,
		listeners: listeners,
		now:       time.Now,
		newID:     util.NewID,
		elevated:  rbac.Elevated,
	}
}

// AddListener registers l for events emitted after later saves.
func (s *Store) AddListener(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Append starts a new thread on the card.
func (s *Store) Append(ctx context.Context, card CardContext, author Author, text string) (Entry, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Entry{}, ErrEmptyText
	}

	s.mu.Lock()
	entries, err := s.load(ctx, card.CardID)
	if err != nil {
		s.mu.Unlock()
		return Entry{}, err
	}
	entry := Entry{
		ID:              s.newID("ann"),
		AuthorID:        author.ID,
		AuthorName:      author.Name,
		AuthorRole:      author.Role,
		Text:            text,
		CreatedAt:       s.now().UTC(),
		Level:           0,
		ThreadID:        s.newID("thr"),
		IsThreadStarter: true,
	}
	entries = append(entries, entry)
	err = s.save(ctx, card.CardID, entries)
	s.mu.Unlock()
	if err != nil {
		return Entry{}, err
	}

	s.emit(ctx, Event{Type: EventCreated, Card: card, Entry: entry})
	return entry, nil
}

// Reply nests a new entry under parentID. Replies that would land on
// MaxLevel or deeper are rejected with ErrRejectedDepth.
func (s *Store) Reply(ctx context.Context, card CardContext, parentID string, author Author, text string) (Entry, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Entry{}, ErrEmptyText
	}

	s.mu.Lock()
	entries, err := s.load(ctx, card.CardID)
	if err != nil {
		s.mu.Unlock()
		return Entry{}, err
	}
	idx := indexOf(entries, parentID)
	if idx < 0 || entries[idx].Deleted {
		s.mu.Unlock()
		return Entry{}, fmt.Errorf("reply to %s: %w", parentID, ErrEntryNotFound)
	}
	parent := entries[idx]
	level := parent.Level + 1
	if level >= MaxLevel {
		s.mu.Unlock()
		return Entry{}, fmt.Errorf("reply to %s at level %d: %w", parentID, parent.Level, ErrRejectedDepth)
	}
	entry := Entry{
		ID:         s.newID("ann"),
		AuthorID:   author.ID,
		AuthorName: author.Name,
		AuthorRole: author.Role,
		Text:       text,
		CreatedAt:  s.now().UTC(),
		ParentID:   parent.ID,
		Level:      level,
		ThreadID:   parent.ThreadID,
	}
	entries = append(entries, entry)
	err = s.save(ctx, card.CardID, entries)
	s.mu.Unlock()
	if err != nil {
		return Entry{}, err
	}

	s.emit(ctx, Event{Type: EventCreated, Card: card, Entry: entry})
	return entry, nil
}

// Edit replaces the text of an entry. Only its author or an elevated role may
// edit; level and thread never change.
func (s *Store) Edit(ctx context.Context, cardID, entryID string, editor Author, text string) (Entry, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Entry{}, ErrEmptyText
	}

	s.mu.Lock()
	entries, err := s.load(ctx, cardID)
	if err != nil {
		s.mu.Unlock()
		return Entry{}, err
	}
	idx := indexOf(entries, entryID)
	if idx < 0 || entries[idx].Deleted {
		s.mu.Unlock()
		return Entry{}, fmt.Errorf("edit %s: %w", entryID, ErrEntryNotFound)
	}
	if !s.mayChange(entries[idx], editor) {
		s.mu.Unlock()
		return Entry{}, fmt.Errorf("edit %s: %w", entryID, ErrForbidden)
	}
	now := s.now().UTC()
	entries[idx].Text = text
	entries[idx].UpdatedBy = editor.ID
	entries[idx].UpdatedAt = &now
	entry := entries[idx]
	err = s.save(ctx, cardID, entries)
	s.mu.Unlock()
	if err != nil {
		return Entry{}, err
	}

	s.emit(ctx, Event{Type: EventEdited, Card: CardContext{CardID: cardID}, Entry: entry})
	return entry, nil
}

// SoftDelete hides an entry from the active view. The entry stays in the
// persisted list. Deleting an already deleted entry is a no-op.
func (s *Store) SoftDelete(ctx context.Context, cardID, entryID string, deleter Author) (Entry, error) {
	s.mu.Lock()
	entries, err := s.load(ctx, cardID)
	if err != nil {
		s.mu.Unlock()
		return Entry{}, err
	}
	idx := indexOf(entries, entryID)
	if idx < 0 {
		s.mu.Unlock()
		return Entry{}, fmt.Errorf("delete %s: %w", entryID, ErrEntryNotFound)
	}
	if !s.mayChange(entries[idx], deleter) {
		s.mu.Unlock()
		return Entry{}, fmt.Errorf("delete %s: %w", entryID, ErrForbidden)
	}
	if entries[idx].Deleted {
		entry := entries[idx]
		s.mu.Unlock()
		return entry, nil
	}
	now := s.now().UTC()
	entries[idx].Deleted = true
	entries[idx].DeletedAt = &now
	entries[idx].DeletedBy = deleter.ID
	entry := entries[idx]
	err = s.save(ctx, cardID, entries)
	s.mu.Unlock()
	if err != nil {
		return Entry{}, err
	}

	s.emit(ctx, Event{Type: EventDeleted, Card: CardContext{CardID: cardID}, Entry: entry})
	return entry, nil
}

// ListActive returns non-deleted entries grouped by thread. Threads are
// ordered by their earliest entry, entries inside a thread by CreatedAt.
func (s *Store) ListActive(ctx context.Context, cardID string) ([]Thread, error) {
	entries, err := s.load(ctx, cardID)
	if err != nil {
		return nil, err
	}
	active := make([]Entry, 0, len(entries))
	for _, entry := range entries {
		if !entry.Deleted {
			active = append(active, entry)
		}
	}
	return GroupByThread(active), nil
}

// ListAll returns the full persisted list, deleted entries included.
func (s *Store) ListAll(ctx context.Context, cardID string) ([]Entry, error) {
	return s.load(ctx, cardID)
}

// HasActive reports whether the card carries at least one visible annotation.
func (s *Store) HasActive(ctx context.Context, cardID string) (bool, error) {
	entries, err := s.load(ctx, cardID)
	if err != nil {
		return false, err
	}
	for _, entry := range entries {
		if !entry.Deleted {
			return true, nil
		}
	}
	return false, nil
}

// GroupByThread groups entries by ThreadID.
func GroupByThread(entries []Entry) []Thread {
	byThread := make(map[string]*Thread)
	order := make([]string, 0)
	for _, entry := range entries {
		thread, ok := byThread[entry.ThreadID]
		if !ok {
			thread = &Thread{ID: entry.ThreadID}
			byThread[entry.ThreadID] = thread
			order = append(order, entry.ThreadID)
		}
		thread.Entries = append(thread.Entries, entry)
	}

	threads := make([]Thread, 0, len(order))
	for _, id := range order {
		thread := byThread[id]
		sort.SliceStable(thread.Entries, func(i, j int) bool {
			return thread.Entries[i].CreatedAt.Before(thread.Entries[j].CreatedAt)
		})
		threads = append(threads, *thread)
	}
	sort.SliceStable(threads, func(i, j int) bool {
		return threads[i].Entries[0].CreatedAt.Before(threads[j].Entries[0].CreatedAt)
	})
	return threads
}

func (s *Store) mayChange(entry Entry, actor Author) bool {
	if actor.ID != "" && actor.ID == entry.AuthorID {
		return true
	}
	return s.elevated(actor.Role)
}

func (s *Store) load(ctx context.Context, cardID string) ([]Entry, error) {
	raw, err := s.persister.LoadAnnotationList(ctx, cardID)
	if err != nil {
		return nil, fmt.Errorf("load annotations for card %s: %w", cardID, err)
	}
	entries, err := Unmarshal(raw)
	if err != nil {
		return nil, fmt.Errorf("decode annotations for card %s: %w", cardID, err)
	}
	return entries, nil
}

func (s *Store) save(ctx context.Context, cardID string, entries []Entry) error {
	data, err := Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode annotations for card %s: %w", cardID, err)
	}
	if err := s.persister.SaveAnnotationList(ctx, cardID, data); err != nil {
		return fmt.Errorf("save annotations for card %s: %w", cardID, errors.Join(ErrRemoteSave, err))
	}
	return nil
}

func (s *Store) emit(ctx context.Context, event Event) {
	s.mu.Lock()
	listeners := make([]Listener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()
	for _, l := range listeners {
		l.HandleAnnotationEvent(ctx, event)
	}
}

func indexOf(entries []Entry, id string) int {
	for i, entry := range entries {
		if entry.ID == id {
			return i
		}
	}
	return -1
}
