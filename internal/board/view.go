package board

import (
	"sort"
	"sync"

	"cardflow/api/internal/pipeline"
)

// Change reasons carried by CardChanged.
const (
	ReasonLoaded     = "loaded"
	ReasonCreated    = "created"
	ReasonOptimistic = "optimistic"
	ReasonReconciled = "reconciled"
	ReasonFallback   = "fallback"
	ReasonRollback   = "rollback"
)

type CardChanged struct {
	Card   pipeline.Card `json:"card"`
	Reason string        `json:"reason"`
}

// Column is one stage of one area on the board.
type Column struct {
	Area  pipeline.Area   `json:"area"`
	Stage pipeline.Stage  `json:"stage"`
	Cards []pipeline.Card `json:"cards"`
}

// View is the local board state. Readers always get copies; only the
// Coordinator writes to it.
type View struct {
	mu      sync.RWMutex
	cards   map[string]pipeline.Card
	subs    map[int]chan CardChanged
	nextSub int
}

func NewView() *View {
	return &View{
		cards: make(map[string]pipeline.Card),
		subs:  make(map[int]chan CardChanged),
	}
}

func (v *View) Get(cardID string) (pipeline.Card, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	card, ok := v.cards[cardID]
	return card, ok
}

// Snapshot returns every card, most recently moved first.
func (v *View) Snapshot() []pipeline.Card {
	v.mu.RLock()
	out := make([]pipeline.Card, 0, len(v.cards))
	for _, card := range v.cards {
		out = append(out, card)
	}
	v.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastMovedAt.Equal(out[j].LastMovedAt) {
			return out[i].LastMovedAt.After(out[j].LastMovedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Columns groups the snapshot by area and stage in board order. Empty
// columns are included.
func (v *View) Columns() []Column {
	byPosition := make(map[pipeline.Area]map[pipeline.Stage][]pipeline.Card)
	for _, card := range v.Snapshot() {
		if byPosition[card.Area] == nil {
			byPosition[card.Area] = make(map[pipeline.Stage][]pipeline.Card)
		}
		byPosition[card.Area][card.Stage] = append(byPosition[card.Area][card.Stage], card)
	}

	var columns []Column
	for _, area := range pipeline.Areas() {
		for _, stage := range pipeline.Stages(area) {
			cards := byPosition[area][stage]
			if cards == nil {
				cards = []pipeline.Card{}
			}
			columns = append(columns, Column{Area: area, Stage: stage, Cards: cards})
		}
	}
	return columns
}

// Subscribe returns a channel of changes and a cancel func. Slow subscribers
// miss updates rather than block writers.
func (v *View) Subscribe(buffer int) (<-chan CardChanged, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan CardChanged, buffer)

	v.mu.Lock()
	id := v.nextSub
	v.nextSub++
	v.subs[id] = ch
	v.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			v.mu.Lock()
			delete(v.subs, id)
			v.mu.Unlock()
			close(ch)
		})
	}
}

func (v *View) put(card pipeline.Card, reason string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cards[card.ID] = card
	v.broadcast(CardChanged{Card: card, Reason: reason})
}

func (v *View) replaceAll(cards []pipeline.Card) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cards = make(map[string]pipeline.Card, len(cards))
	for _, card := range cards {
		v.cards[card.ID] = card
		v.broadcast(CardChanged{Card: card, Reason: ReasonLoaded})
	}
}

// Caller holds v.mu.
func (v *View) broadcast(change CardChanged) {
	for _, ch := range v.subs {
		select {
		case ch <- change:
		default:
		}
	}
}
