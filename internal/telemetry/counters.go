package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Board counts what the mutation coordinator does. A nil *Board is valid and
// records nothing.
type Board struct {
	transitions  metric.Int64Counter
	commits      metric.Int64Counter
	fallback     metric.Int64Counter
	rollbacks    metric.Int64Counter
	reconciles   metric.Int64Counter
	divergences  metric.Int64Counter
	notification metric.Int64Counter
}

// NewBoard registers the board instruments on m. Pass Meter("") for the
// global provider.
func NewBoard(m metric.Meter) *Board {
	transitions, _ := m.Int64Counter("cardflow.board.transitions",
		metric.WithDescription("Transition requests by outcome (applied, unchanged, needs_annotation, illegal)"),
	)
	commits, _ := m.Int64Counter("cardflow.board.commits",
		metric.WithDescription("Remote stage commits by result"),
	)
	fallback, _ := m.Int64Counter("cardflow.board.fallback_writes",
		metric.WithDescription("Mutations cached locally after a failed remote commit"),
	)
	rollbacks, _ := m.Int64Counter("cardflow.board.rollbacks",
		metric.WithDescription("Optimistic moves rolled back after remote and local persistence failed"),
	)
	reconciles, _ := m.Int64Counter("cardflow.board.reconciles",
		metric.WithDescription("Reconciliation passes by result"),
	)
	divergences, _ := m.Int64Counter("cardflow.board.divergences",
		metric.WithDescription("Cards whose remote state differed from the local view after reconciliation"),
	)
	notification, _ := m.Int64Counter("cardflow.notifications.sent",
		metric.WithDescription("Mention notifications delivered"),
	)
	return &Board{
		transitions:  transitions,
		commits:      commits,
		fallback:     fallback,
		rollbacks:    rollbacks,
		reconciles:   reconciles,
		divergences:  divergences,
		notification: notification,
	}
}

func (b *Board) Transition(ctx context.Context, outcome string) {
	if b == nil {
		return
	}
	b.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (b *Board) Commit(ctx context.Context, ok bool) {
	if b == nil {
		return
	}
	b.commits.Add(ctx, 1, metric.WithAttributes(result(ok)))
}

func (b *Board) FallbackWrite(ctx context.Context) {
	if b == nil {
		return
	}
	b.fallback.Add(ctx, 1)
}

func (b *Board) Rollback(ctx context.Context) {
	if b == nil {
		return
	}
	b.rollbacks.Add(ctx, 1)
}

func (b *Board) Reconcile(ctx context.Context, ok bool) {
	if b == nil {
		return
	}
	b.reconciles.Add(ctx, 1, metric.WithAttributes(result(ok)))
}

func (b *Board) Divergence(ctx context.Context) {
	if b == nil {
		return
	}
	b.divergences.Add(ctx, 1)
}

func (b *Board) NotificationSent(ctx context.Context, kind string) {
	if b == nil {
		return
	}
	b.notification.Add(ctx, 1, metric.WithAttributes(attribute.String("type", kind)))
}

func result(ok bool) attribute.KeyValue {
	if ok {
		return attribute.String("result", "ok")
	}
	return attribute.String("result", "error")
}
