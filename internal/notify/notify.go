// Package notify turns @mentions in new annotations into per-user
// notifications.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"cardflow/api/internal/annotation"
	"cardflow/api/internal/mention"
	"cardflow/api/internal/util"
)

const (
	TypeMention    = "mention"
	// TypeMoveFailed tells an actor their move was neither saved nor cached.
	TypeMoveFailed = "move_failed"

	// Bodies longer than this many runes are cut and suffixed with an ellipsis.
	maxBodyRunes = 140
	// Concurrent name lookups per annotation.
	resolveLimit = 4
)

type Notification struct {
	ID          string            `json:"id"`
	TargetUser  string            `json:"targetUser"`
	TargetName  string            `json:"-"`
	TargetEmail string            `json:"-"`
	Type        string            `json:"type"`
	Title       string            `json:"title"`
	Body        string            `json:"body"`
	Meta        map[string]string `json:"meta"`
	CreatedAt   time.Time         `json:"createdAt"`
	ReadAt      *time.Time        `json:"readAt,omitempty"`
}

// Sink delivers one notification.
type Sink interface {
	InsertNotification(ctx context.Context, n Notification) error
}

// MultiSink delivers to every sink; a failing sink does not stop the others.
type MultiSink []Sink

func (m MultiSink) InsertNotification(ctx context.Context, n Notification) error {
	var errs []error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.InsertNotification(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Fanout listens for created annotations and notifies every mentioned user
// except the author. Failures are logged and never reach the annotation write.
type Fanout struct {
	resolver mention.Resolver
	sink     Sink
	now      func() time.Time
	newID    func(prefix string) string
	onSent   func(ctx context.Context, n Notification)

	wg sync.WaitGroup
}

func NewFanout(resolver mention.Resolver, sink Sink) *Fanout {
	return &Fanout{
		resolver: resolver,
		sink:     sink,
		now:      time.Now,
		newID:    util.NewID,
	}
}

// OnSent registers a callback invoked after each successful delivery.
func (f *Fanout) OnSent(fn func(ctx context.Context, n Notification)) {
	f.onSent = fn
}

// HandleAnnotationEvent implements annotation.Listener.
func (f *Fanout) HandleAnnotationEvent(ctx context.Context, event annotation.Event) {
	if event.Type != annotation.EventCreated {
		return
	}
	f.Dispatch(ctx, event.Entry, event.Card)
}

// Dispatch runs the fan-out on its own goroutine. The request context may end
// before resolution completes, so only its values are kept.
func (f *Fanout) Dispatch(ctx context.Context, entry annotation.Entry, card annotation.CardContext) {
	if len(mention.Extract(entry.Text)) == 0 {
		return
	}
	detached := context.WithoutCancel(ctx)
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.OnAnnotationCreated(detached, entry, card)
	}()
}

// Wait blocks until every dispatched fan-out has finished.
func (f *Fanout) Wait() {
	f.wg.Wait()
}

// OnAnnotationCreated resolves the mentions in entry and delivers one
// notification per distinct identity. It returns what was delivered.
func (f *Fanout) OnAnnotationCreated(ctx context.Context, entry annotation.Entry, card annotation.CardContext) []Notification {
	names := mention.Extract(entry.Text)
	if len(names) == 0 {
		return nil
	}

	candidates := make([][]mention.Identity, len(names))
	var g errgroup.Group
	g.SetLimit(resolveLimit)
	for i, name := range names {
		g.Go(func() error {
			identities, err := f.resolver.ResolveByNamePrefix(ctx, name)
			if err != nil {
				log.Printf("notify: resolve mention @%s on card %s: %v", name, card.CardID, err)
				return nil
			}
			if len(identities) > mention.MaxCandidates {
				identities = identities[:mention.MaxCandidates]
			}
			candidates[i] = identities
			return nil
		})
	}
	_ = g.Wait()

	var flat []mention.Identity
	for _, identities := range candidates {
		flat = append(flat, identities...)
	}
	targets := mention.Unique(flat, entry.AuthorID)

	sent := make([]Notification, 0, len(targets))
	for _, target := range targets {
		n := f.build(entry, card, target)
		if err := f.sink.InsertNotification(ctx, n); err != nil {
			log.Printf("notify: deliver mention to %s on card %s: %v", target.ID, card.CardID, err)
			continue
		}
		if f.onSent != nil {
			f.onSent(ctx, n)
		}
		sent = append(sent, n)
	}
	return sent
}

func (f *Fanout) build(entry annotation.Entry, card annotation.CardContext, target mention.Identity) Notification {
	title := card.Title
	if strings.TrimSpace(title) == "" {
		title = card.CardID
	}
	author := entry.AuthorName
	if author == "" {
		author = "Someone"
	}
	return Notification{
		ID:          f.newID("ntf"),
		TargetUser:  target.ID,
		TargetName:  target.DisplayName,
		TargetEmail: target.Email,
		Type:        TypeMention,
		Title:       fmt.Sprintf("%s mentioned you on %s", author, title),
		Body:        Truncate(entry.Text, maxBodyRunes),
		Meta: map[string]string{
			"cardId":     card.CardID,
			"cardName":   title,
			"threadId":   entry.ThreadID,
			"entryId":    entry.ID,
			"authorId":   entry.AuthorID,
			"authorName": author,
		},
		CreatedAt: f.now().UTC(),
	}
}

// Truncate cuts text to max runes, appending an ellipsis when it had to cut.
func Truncate(text string, max int) string {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) <= max {
		return text
	}
	runes := []rune(text)
	return string(runes[:max]) + "…"
}
