// Package dispatch decides when a capture session is complete, hands it off
// to the downstream consumer exactly once, and then supervises the session
// for attachments that arrive after the hand-off (common for slow downloads).
package dispatch

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/saisie/connector/internal/session"
)

// Consumer receives completed captures. Implementations own all further
// interpretation of the item payload and all persistence.
type Consumer interface {
	// CaptureComplete is called exactly once per session with a deep,
	// point-in-time copy of the primary item and the stored paths of every
	// successful attachment.
	CaptureComplete(item map[string]any, storedPaths []string, sessionID string)

	// AdditionalAttachments is called for attachments that resolved after
	// the capture was already handed off.
	AdditionalAttachments(itemID string, newPaths []string, sessionID string)
}

// ConsumerFuncs adapts plain functions to the Consumer interface.
type ConsumerFuncs struct {
	OnComplete   func(item map[string]any, storedPaths []string, sessionID string)
	OnAdditional func(itemID string, newPaths []string, sessionID string)
}

func (c ConsumerFuncs) CaptureComplete(item map[string]any, paths []string, sessionID string) {
	if c.OnComplete != nil {
		c.OnComplete(item, paths, sessionID)
	}
}

func (c ConsumerFuncs) AdditionalAttachments(itemID string, newPaths []string, sessionID string) {
	if c.OnAdditional != nil {
		c.OnAdditional(itemID, newPaths, sessionID)
	}
}

// SessionLookup resolves live sessions. Satisfied by *session.Registry.
type SessionLookup interface {
	Get(id string) (*session.Session, bool)
}

// Options tunes the dispatcher.
type Options struct {
	// WatchTick is the late-attachment poll interval. Default: 2s.
	WatchTick time.Duration
	// WatchBudget caps the number of ticks per watch. Default: 60.
	WatchBudget int
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.WatchTick <= 0 {
		o.WatchTick = 2 * time.Second
	}
	if o.WatchBudget <= 0 {
		o.WatchBudget = 60
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Dispatcher evaluates completion and supervises late arrivals.
type Dispatcher struct {
	sessions SessionLookup
	consumer Consumer
	opts     Options

	// done bounds all watch goroutines; set by Start.
	done <-chan struct{}

	dispatches atomic.Int64
	lateEvents atomic.Int64
	watchTicks atomic.Int64
	watching   atomic.Int64
}

// Stats are point-in-time counters.
type Stats struct {
	Dispatches int64 `json:"dispatches"`
	LateEvents int64 `json:"late_events"`
	WatchTicks int64 `json:"watch_ticks"`
	Watching   int64 `json:"watching"`
}

// New creates a Dispatcher.
func New(sessions SessionLookup, consumer Consumer, opts Options) *Dispatcher {
	opts.defaults()
	return &Dispatcher{
		sessions: sessions,
		consumer: consumer,
		opts:     opts,
	}
}

// Start binds watch goroutines to ctx so process shutdown stops them.
// Watches also self-terminate after their tick budget, so Start is optional.
func (d *Dispatcher) Start(ctx context.Context) {
	d.done = ctx.Done()
}

// Stats returns the current counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Dispatches: d.dispatches.Load(),
		LateEvents: d.lateEvents.Load(),
		WatchTicks: d.watchTicks.Load(),
		Watching:   d.watching.Load(),
	}
}

// Evaluate re-checks completion for sess and dispatches on the first
// transition. Safe to call from every attachment write and progress poll;
// calls after dispatch are no-ops. Returns true when this call dispatched.
func (d *Dispatcher) Evaluate(sess *session.Session) bool {
	if !sess.IsComplete() {
		return false
	}
	if !sess.MarkDispatched() {
		return false
	}

	item := sess.PrimaryItemCopy()
	paths := sess.SuccessPaths()
	d.consumer.CaptureComplete(item, paths, sess.ID())
	d.dispatches.Add(1)
	d.opts.Logger.Info("dispatch: capture complete",
		"session_id", sess.ID(), "attachments", len(paths))

	known := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		known[p] = struct{}{}
	}
	go d.watch(sess.ID(), sess.PrimaryItemID(), known)
	return true
}

// watch polls the session for newly resolved paths after dispatch. It stops
// after the tick budget, when the session disappears from the registry
// (deliberately silent), or when the dispatcher context ends.
func (d *Dispatcher) watch(sessionID, itemID string, known map[string]struct{}) {
	d.watching.Add(1)
	defer d.watching.Add(-1)

	ticker := time.NewTicker(d.opts.WatchTick)
	defer ticker.Stop()

	for tick := 0; tick < d.opts.WatchBudget; tick++ {
		select {
		case <-d.done:
			return
		case <-ticker.C:
		}
		d.watchTicks.Add(1)

		sess, ok := d.sessions.Get(sessionID)
		if !ok {
			return
		}

		var fresh []string
		for _, p := range sess.SuccessPaths() {
			if _, seen := known[p]; !seen {
				known[p] = struct{}{}
				fresh = append(fresh, p)
			}
		}
		if len(fresh) > 0 {
			d.consumer.AdditionalAttachments(itemID, fresh, sessionID)
			d.lateEvents.Add(1)
			d.opts.Logger.Info("dispatch: additional attachments",
				"session_id", sessionID, "count", len(fresh))
		}
	}
}
