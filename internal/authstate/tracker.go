// Package authstate mirrors a browser's session state on the server and
// streams changes to it, so pages can react to sign-out and refresh without
// polling.
package authstate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cardvault/storefront/internal/session"
)

// Source is the session authority a Tracker mirrors.
type Source interface {
	Lookup(ctx context.Context, sessionID string) (*session.User, error)
	Subscribe(ctx context.Context, sessionID string) (*session.Subscription, error)
}

// State is the mirrored session state. User is nil when signed out.
type State struct {
	Loading bool          `json:"loading"`
	User    *session.User `json:"user"`
}

// UserID returns the signed-in user's id, or "".
func (s State) UserID() string {
	if s.User == nil {
		return ""
	}
	return s.User.ID
}

// Tracker follows one session. It starts in the loading state.
type Tracker struct {
	source    Source
	sessionID string
	logger    *slog.Logger

	// deliver serializes watcher callbacks so every watcher sees states in order.
	deliver  sync.Mutex
	mu       sync.Mutex
	state    State
	watchers map[uint64]func(State)
	nextID   uint64

	sub       *session.Subscription
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// NewTracker constructs a Tracker for sessionID. An empty id tracks an
// anonymous visitor.
func NewTracker(source Source, sessionID string, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		source:    source,
		sessionID: sessionID,
		logger:    logger,
		state:     State{Loading: true},
		watchers:  make(map[uint64]func(State)),
	}
}

// Start subscribes to change notifications, resolves the current user once
// and then follows events until ctx ends or Close is called. Subscribing
// first means no change between the initial read and the subscription is lost.
func (t *Tracker) Start(ctx context.Context) error {
	if t.sessionID == "" {
		t.set(State{})
		return nil
	}
	sub, err := t.source.Subscribe(ctx, t.sessionID)
	if err != nil {
		t.set(State{})
		return fmt.Errorf("authstate: subscribe: %w", err)
	}
	runCtx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.sub = sub
	t.cancel = cancel
	t.done = make(chan struct{})
	t.mu.Unlock()

	t.refresh(runCtx)
	go t.run(runCtx, sub, t.done)
	return nil
}

// State returns the current state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Watch registers fn. It is called with the current state immediately and
// again on every change. The returned func unregisters fn.
func (t *Tracker) Watch(fn func(State)) (unwatch func()) {
	t.deliver.Lock()
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.watchers[id] = fn
	current := t.state
	t.mu.Unlock()
	fn(current)
	t.deliver.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.watchers, id)
		t.mu.Unlock()
	}
}

// Close stops following the session and drops every watcher.
func (t *Tracker) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.mu.Lock()
		sub, cancel, done := t.sub, t.cancel, t.done
		t.watchers = make(map[uint64]func(State))
		t.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		if sub != nil {
			err = sub.Close()
		}
		if done != nil {
			<-done
		}
	})
	return err
}

func (t *Tracker) run(ctx context.Context, sub *session.Subscription, done chan struct{}) {
	defer close(done)
	events := sub.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Type {
			case session.EventSignedOut:
				t.set(State{})
			case session.EventSignedIn, session.EventTokenRefreshed, session.EventUserUpdated:
				t.refresh(ctx)
			}
		}
	}
}

func (t *Tracker) refresh(ctx context.Context) {
	user, err := t.source.Lookup(ctx, t.sessionID)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		t.logger.Warn("authstate lookup", slog.String("session_id", t.sessionID), slog.Any("error", err))
		t.set(State{User: t.State().User})
		return
	}
	t.set(State{User: user})
}

func (t *Tracker) set(s State) {
	t.deliver.Lock()
	defer t.deliver.Unlock()

	t.mu.Lock()
	t.state = s
	fns := make([]func(State), 0, len(t.watchers))
	for _, fn := range t.watchers {
		fns = append(fns, fn)
	}
	t.mu.Unlock()

	for _, fn := range fns {
		fn(s)
	}
}
