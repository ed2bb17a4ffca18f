// Package reconciler keeps a viewer's local copy of the timeline consistent with
// the authoritative store by listening to the change feed.
//
// The store is the single source of truth. A push message is only a hint that
// something changed; by default every hint triggers a full refetch. Local writes
// are pessimistic: the view changes only after the store accepts the write.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/medrex/clinic-timeline/internal/changefeed"
	"github.com/medrex/clinic-timeline/pkg/logger"
	"github.com/medrex/clinic-timeline/pkg/monitoring"
	"github.com/medrex/clinic-timeline/pkg/types"
)

// Strategy selects how push messages are folded into the view
type Strategy string

const (
	// StrategyRefetch re-queries the whole view on every message
	StrategyRefetch Strategy = "refetch"
	// StrategyMerge applies the message row by ID and refetches only on resync
	StrategyMerge Strategy = "merge"
)

// ParseStrategy validates a strategy name; empty means StrategyRefetch
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case "", StrategyRefetch:
		return StrategyRefetch, nil
	case StrategyMerge:
		return StrategyMerge, nil
	}
	return "", fmt.Errorf("unknown reconcile strategy %q", s)
}

// ErrClosed is returned when a closed reconciler is started again
var ErrClosed = errors.New("reconciler: closed")

// Source reads the authoritative timeline
type Source interface {
	Query(ctx context.Context, filters *types.EventFilters) ([]*types.ScheduledEvent, error)
}

// Writer performs conflict-guarded writes against the authoritative store
type Writer interface {
	Create(ctx context.Context, event *types.ScheduledEvent) (*types.ScheduledEvent, error)
	Update(ctx context.Context, id string, patch *types.EventPatch) (*types.ScheduledEvent, error)
	Delete(ctx context.Context, id string) (*types.ScheduledEvent, error)
}

// Reconciler is one viewer's live timeline
type Reconciler struct {
	source   Source
	writer   Writer
	broker   changefeed.Broker
	logger   *logrus.Entry
	metrics  *monitoring.MetricsCollector
	filters  types.EventFilters
	strategy Strategy

	mu      sync.RWMutex
	view    map[string]*types.ScheduledEvent
	version uint64
	pending map[string]struct{}
	lastErr error

	updates chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// Option configures a Reconciler
type Option func(*Reconciler)

// WithFilters narrows the view; a ResourceID filter also narrows the subscriptions
func WithFilters(f types.EventFilters) Option {
	return func(r *Reconciler) { r.filters = f }
}

// WithStrategy selects the merge strategy
func WithStrategy(s Strategy) Option {
	return func(r *Reconciler) { r.strategy = s }
}

// WithMetrics records refetch and resync counters
func WithMetrics(m *monitoring.MetricsCollector) Option {
	return func(r *Reconciler) { r.metrics = m }
}

// New creates a reconciler; Start must be called before the view fills
func New(source Source, writer Writer, broker changefeed.Broker, log *logger.Logger, opts ...Option) *Reconciler {
	r := &Reconciler{
		source:   source,
		writer:   writer,
		broker:   broker,
		logger:   log.WithComponent("reconciler"),
		strategy: StrategyRefetch,
		view:     make(map[string]*types.ScheduledEvent),
		pending:  make(map[string]struct{}),
		updates:  make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start subscribes to every topic, loads the initial view and runs the merge
// loop in the background until ctx is done or Close is called.
func (r *Reconciler) Start(ctx context.Context) error {
	err := ErrClosed
	r.startOnce.Do(func() {
		err = r.start(ctx)
		if err != nil {
			close(r.done)
		}
	})
	return err
}

func (r *Reconciler) start(ctx context.Context) error {
	subs := make([]*changefeed.Subscription, 0, len(changefeed.AllTopics))
	release := func() {
		for _, sub := range subs {
			sub.Close()
		}
	}

	for _, topic := range changefeed.AllTopics {
		sub, err := r.broker.Subscribe(ctx, topic, r.filters.ResourceID)
		if err != nil {
			release()
			return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}
		if r.metrics != nil {
			sub.OnResync(func(t changefeed.Topic) { r.metrics.RecordResync(string(t)) })
		}
		subs = append(subs, sub)
	}

	// subscribe first so nothing committed after the initial query is missed
	if err := r.refetch(ctx); err != nil {
		release()
		return err
	}

	go r.run(ctx, subs, release)
	return nil
}

// Run starts the reconciler and blocks until it stops
func (r *Reconciler) Run(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		return err
	}
	<-r.done
	return nil
}

// Close stops the merge loop and releases the subscriptions
func (r *Reconciler) Close() error {
	r.stopOnce.Do(func() { close(r.stop) })
	r.startOnce.Do(func() { close(r.done) })
	<-r.done
	return nil
}

// Done is closed once the merge loop has exited
func (r *Reconciler) Done() <-chan struct{} {
	return r.done
}

func (r *Reconciler) run(ctx context.Context, subs []*changefeed.Subscription, release func()) {
	defer close(r.done)
	defer release()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-r.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	in := make(chan changefeed.Message)
	for _, sub := range subs {
		go func(sub *changefeed.Subscription) {
			for msg := range sub.C() {
				select {
				case in <- msg:
				case <-ctx.Done():
					return
				}
			}
		}(sub)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-in:
			r.handle(ctx, msg)
		}
	}
}

func (r *Reconciler) handle(ctx context.Context, msg changefeed.Message) {
	if msg.Operation == changefeed.OpResync {
		r.logger.WithField("topic", msg.Topic).Info("Change feed gap, refetching timeline")
		_ = r.refetch(ctx)
		return
	}

	if r.strategy == StrategyMerge && msg.Row != nil {
		r.apply(msg.Row, false)
		return
	}
	_ = r.refetch(ctx)
}

// refetch replaces the view with a fresh query. Failures are kept in LastError
// and retried on the next message.
func (r *Reconciler) refetch(ctx context.Context) error {
	filters := r.filters
	events, err := r.source.Query(ctx, &filters)
	if r.metrics != nil {
		r.metrics.RecordRefetch(err == nil)
	}
	if err != nil {
		if ctx.Err() == nil {
			r.logger.WithError(err).Warn("Timeline refetch failed")
		}
		r.mu.Lock()
		r.lastErr = err
		r.mu.Unlock()
		return fmt.Errorf("failed to refetch timeline: %w", err)
	}

	view := make(map[string]*types.ScheduledEvent, len(events))
	for _, e := range events {
		view[e.ID] = e.Clone()
	}

	r.mu.Lock()
	r.view = view
	r.lastErr = nil
	r.version++
	r.mu.Unlock()
	r.signal()
	return nil
}

// apply upserts or removes row by ID. Rows older than the cached copy are
// ignored unless authoritative is set.
func (r *Reconciler) apply(row *types.ScheduledEvent, authoritative bool) {
	r.mu.Lock()
	cached, ok := r.view[row.ID]
	if ok && !authoritative && row.UpdatedAt.Before(cached.UpdatedAt) {
		r.mu.Unlock()
		return
	}

	if r.filters.Match(row) {
		r.view[row.ID] = row.Clone()
	} else if ok {
		delete(r.view, row.ID)
	} else {
		r.mu.Unlock()
		return
	}
	r.version++
	r.mu.Unlock()
	r.signal()
}

func (r *Reconciler) signal() {
	select {
	case r.updates <- struct{}{}:
	default:
	}
}

// Snapshot returns the view ordered by start time, then ID
func (r *Reconciler) Snapshot() []*types.ScheduledEvent {
	r.mu.RLock()
	out := make([]*types.ScheduledEvent, 0, len(r.view))
	for _, e := range r.view {
		out = append(out, e.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.Before(out[j].StartTime)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Version increases on every view change
func (r *Reconciler) Version() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// Updates is signalled after view changes; signals coalesce
func (r *Reconciler) Updates() <-chan struct{} {
	return r.updates
}

// LastError returns the most recent refetch failure, cleared by the next success
func (r *Reconciler) LastError() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastErr
}

// Pending returns the IDs with a local write in flight
func (r *Reconciler) Pending() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.pending))
	for id := range r.pending {
		out = append(out, id)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// IsPending reports whether id has a local write in flight
func (r *Reconciler) IsPending(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.pending[id]
	return ok
}

// markPending claims id for one local write; a second write on the same id
// is rejected until the first completes
func (r *Reconciler) markPending(id string) error {
	r.mu.Lock()
	if _, busy := r.pending[id]; busy {
		r.mu.Unlock()
		return types.NewValidationError(types.ErrCodeWriteInFlight,
			fmt.Sprintf("a local write on event %s is already in flight", id),
			map[string]interface{}{"event_id": id})
	}
	r.pending[id] = struct{}{}
	r.mu.Unlock()
	r.signal()
	return nil
}

func (r *Reconciler) clearPending(id string) {
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
	r.signal()
}

// Create books event through the store. The view is untouched until the store accepts it.
func (r *Reconciler) Create(ctx context.Context, event *types.ScheduledEvent) (*types.ScheduledEvent, error) {
	candidate := event.Clone()
	if candidate.ID == "" {
		candidate.ID = uuid.New().String()
	}

	if err := r.markPending(candidate.ID); err != nil {
		return nil, err
	}
	defer r.clearPending(candidate.ID)

	created, err := r.writer.Create(ctx, candidate)
	if err != nil {
		return nil, err
	}
	r.apply(created, true)
	return created, nil
}

// Update patches an event through the store
func (r *Reconciler) Update(ctx context.Context, id string, patch *types.EventPatch) (*types.ScheduledEvent, error) {
	if err := r.markPending(id); err != nil {
		return nil, err
	}
	defer r.clearPending(id)

	updated, err := r.writer.Update(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	r.apply(updated, true)
	return updated, nil
}

// Delete cancels an event through the store
func (r *Reconciler) Delete(ctx context.Context, id string) (*types.ScheduledEvent, error) {
	if err := r.markPending(id); err != nil {
		return nil, err
	}
	defer r.clearPending(id)

	cancelled, err := r.writer.Delete(ctx, id)
	if err != nil {
		return nil, err
	}
	r.apply(cancelled, true)
	return cancelled, nil
}
