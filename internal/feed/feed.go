// Package feed publishes and consumes card change notifications over Redis
// pub/sub. Events carry no state; consumers treat them as a cue to re-read.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"cardflow/api/internal/annotation"
	"cardflow/api/internal/util"
)

const (
	EventCardUpdated        = "card.updated"
	EventAnnotationsUpdated = "annotations.updated"

	publishTimeout = 2 * time.Second
)

type Event struct {
	Type    string    `json:"type"`
	CardID  string    `json:"cardId"`
	Version int64     `json:"version,omitempty"`
	Origin  string    `json:"origin,omitempty"`
	At      time.Time `json:"at"`
}

// Channel returns the pub/sub channel for a deployment namespace.
func Channel(namespace string) string {
	return fmt.Sprintf("cardflow:%s:card_events", namespace)
}

// Feed is one process's handle on the change channel. Origin tags outgoing
// events so Run can skip this process's own echoes.
type Feed struct {
	client  *redis.Client
	channel string
	origin  string
	wg      sync.WaitGroup
}

// New connects to redisURL and verifies the connection.
func New(redisURL, namespace string) (*Feed, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewWithClient(client, namespace), nil
}

// NewWithClient creates a feed from an existing Redis client
func NewWithClient(client *redis.Client, namespace string) *Feed {
	if namespace == "" {
		namespace = "default"
	}
	return &Feed{
		client:  client,
		channel: Channel(namespace),
		origin:  util.NewID("proc"),
	}
}

func (f *Feed) Origin() string {
	return f.origin
}

// Publish sends e on the channel, stamping origin and time when unset.
func (f *Feed) Publish(ctx context.Context, e Event) error {
	if e.Origin == "" {
		e.Origin = f.origin
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal feed event: %w", err)
	}
	if err := f.client.Publish(ctx, f.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s for card %s: %w", e.Type, e.CardID, err)
	}
	return nil
}

// CardCommitted implements the coordinator's commit notifier.
func (f *Feed) CardCommitted(ctx context.Context, cardID string, version int64) {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := f.Publish(ctx, Event{Type: EventCardUpdated, CardID: cardID, Version: version}); err != nil {
		log.Printf("feed: %v", err)
	}
}

// HandleAnnotationEvent implements annotation.Listener. It runs on the
// annotation request path, so the publish happens in the background.
func (f *Feed) HandleAnnotationEvent(ctx context.Context, event annotation.Event) {
	ctx = context.WithoutCancel(ctx)
	e := Event{Type: EventAnnotationsUpdated, CardID: event.Card.CardID}
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		ctx, cancel := context.WithTimeout(ctx, publishTimeout)
		defer cancel()
		if err := f.Publish(ctx, e); err != nil {
			log.Printf("feed: %v", err)
		}
	}()
}

// Wait blocks until background publishes have finished.
func (f *Feed) Wait() {
	f.wg.Wait()
}

// Subscription delivers decoded events until Close or context cancellation.
type Subscription struct {
	events chan Event
	errors chan error
	cancel context.CancelFunc
}

func (s *Subscription) Events() <-chan Event { return s.events }
func (s *Subscription) Errors() <-chan error { return s.errors }
func (s *Subscription) Close()               { s.cancel() }

// Subscribe attaches to the channel. It returns once Redis has confirmed the
// subscription, so events published afterwards are not missed.
func (f *Feed) Subscribe(ctx context.Context) (*Subscription, error) {
	pubsub := f.client.Subscribe(ctx, f.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", f.channel, err)
	}

	events := make(chan Event, 16)
	errs := make(chan error, 16)
	subCtx, cancel := context.WithCancel(ctx)

	go func() {
		defer close(events)
		defer close(errs)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var e Event
				if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
					select {
					case errs <- fmt.Errorf("decode feed event: %w", err):
					case <-subCtx.Done():
						return
					}
					continue
				}
				select {
				case events <- e:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return &Subscription{events: events, errors: errs, cancel: cancel}, nil
}

// Run subscribes and calls handle for every event from another process until
// ctx is done. Handler and decode errors are logged and do not stop the loop.
func (f *Feed) Run(ctx context.Context, handle func(ctx context.Context, e Event)) error {
	sub, err := f.Subscribe(ctx)
	if err != nil {
		return err
	}
	defer sub.Close()

	log.Printf("feed: subscribed to %s", f.channel)
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if e.Origin == f.origin || e.CardID == "" {
				continue
			}
			handle(ctx, e)
		case err, ok := <-sub.Errors():
			if !ok {
				return nil
			}
			log.Printf("feed: subscription error: %v", err)
		}
	}
}

func (f *Feed) Ping(ctx context.Context) error {
	return f.client.Ping(ctx).Err()
}

// Close waits for background publishes, then closes the Redis client.
func (f *Feed) Close() error {
	f.wg.Wait()
	return f.client.Close()
}
