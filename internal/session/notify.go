package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// EventType names a session-change notification.
type EventType string

const (
	EventSignedIn       EventType = "SIGNED_IN"
	EventSignedOut      EventType = "SIGNED_OUT"
	EventTokenRefreshed EventType = "TOKEN_REFRESHED"
	EventUserUpdated    EventType = "USER_UPDATED"
)

// Event is published whenever a session changes state.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	At        time.Time `json:"at"`
}

// Notifier fans session events out over Redis pub/sub.
type Notifier struct {
	client *redis.Client
	logger *slog.Logger
}

// NewNotifier constructs a Notifier.
func NewNotifier(client *redis.Client, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{client: client, logger: logger}
}

// Publish sends the event to subscribers of its session channel.
func (n *Notifier) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return n.client.Publish(ctx, channelName(ev.SessionID), data).Err()
}

// Subscribe listens for events on a single session. The subscription is
// active when Subscribe returns.
func (n *Notifier) Subscribe(ctx context.Context, sessionID string) (*Subscription, error) {
	ps := n.client.Subscribe(ctx, channelName(sessionID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("session: subscribe: %w", err)
	}
	sub := &Subscription{
		ps:     ps,
		events: make(chan Event, 8),
		done:   make(chan struct{}),
	}
	go sub.run(n.logger)
	return sub, nil
}

// Subscription delivers events for one session until closed.
type Subscription struct {
	ps     *redis.PubSub
	events chan Event
	done   chan struct{}
	once   sync.Once
}

// Events returns the delivery channel. It is closed after Close.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Close unsubscribes and releases the reader goroutine.
func (s *Subscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}

func (s *Subscription) run(logger *slog.Logger) {
	defer close(s.events)
	messages := s.ps.Channel()
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				logger.Warn("decode session event", slog.String("channel", msg.Channel), slog.Any("error", err))
				continue
			}
			select {
			case s.events <- ev:
			case <-s.done:
				return
			}
		}
	}
}

func channelName(sessionID string) string {
	return "auth:session:" + sessionID
}
