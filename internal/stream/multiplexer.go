package stream

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TopicKind identifies a family of push topics
type TopicKind string

const (
	TopicGlobal         TopicKind = "global"
	TopicReview         TopicKind = "ai_review"
	TopicStructuredData TopicKind = "structured_data"
)

// TopicKey identifies one subscribable stream
type TopicKey struct {
	Kind     TopicKind
	EntityID string
}

func (k TopicKey) String() string {
	if k.EntityID == "" {
		return string(k.Kind)
	}
	return fmt.Sprintf("%s/%s", k.Kind, k.EntityID)
}

// GlobalKey is the key of the session-wide job/task/heartbeat topic
var GlobalKey = TopicKey{Kind: TopicGlobal}

// ReviewKey returns the key of a review report's content topic
func ReviewKey(reportID int64) TopicKey {
	return TopicKey{Kind: TopicReview, EntityID: fmt.Sprint(reportID)}
}

// StructuredDataKey returns the key of a structured-data report's content topic
func StructuredDataKey(reportID int64) TopicKey {
	return TopicKey{Kind: TopicStructuredData, EntityID: fmt.Sprint(reportID)}
}

// Path returns the API path serving the topic
func (k TopicKey) Path() (string, error) {
	switch k.Kind {
	case TopicGlobal:
		return "events", nil
	case TopicReview:
		if k.EntityID == "" {
			return "", errors.New("review topic requires a report id")
		}
		return "events_ai_review/" + k.EntityID, nil
	case TopicStructuredData:
		if k.EntityID == "" {
			return "", errors.New("structured data topic requires a report id")
		}
		return "events_structured_data/" + k.EntityID, nil
	}
	return "", fmt.Errorf("unknown topic kind %q", k.Kind)
}

// ErrMultiplexerClosed is returned by Subscribe after Close
var ErrMultiplexerClosed = errors.New("multiplexer closed")

// MultiplexerConfig holds what every channel of a session shares
type MultiplexerConfig struct {
	BaseURL   string
	Token     string
	Dialer    Dialer
	Backoff   time.Duration
	AfterFunc AfterFunc
}

// Subscription is the live registration for one topic key
type Subscription struct {
	ID      string
	Key     TopicKey
	mux     *Multiplexer
	channel *Channel
}

// Unsubscribe tears the subscription down if it is still the live one for its key
func (s *Subscription) Unsubscribe() {
	if s == nil || s.mux == nil {
		return
	}
	s.mux.remove(s.Key, s.ID)
}

// Channel exposes the underlying channel (retry counters, teardown state)
func (s *Subscription) Channel() *Channel {
	return s.channel
}

// Multiplexer owns at most one channel per topic key
type Multiplexer struct {
	cfg MultiplexerConfig

	mu     sync.Mutex
	subs   map[TopicKey]*Subscription
	closed bool
}

// NewMultiplexer creates an empty registry for one authenticated session
func NewMultiplexer(cfg MultiplexerConfig) *Multiplexer {
	if cfg.Dialer == nil {
		cfg.Dialer = NewRestyDialer()
	}
	return &Multiplexer{
		cfg:  cfg,
		subs: make(map[TopicKey]*Subscription),
	}
}

// Subscribe opens a channel for key, closing any previous channel for the same key first
func (m *Multiplexer) Subscribe(key TopicKey, onEvent func(Event), onError func(error)) (*Subscription, error) {
	path, err := key.Path()
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrMultiplexerClosed
	}

	sub := &Subscription{
		ID:  uuid.New().String(),
		Key: key,
		mux: m,
	}
	sub.channel = NewChannel(ChannelConfig{
		Name:      key.String(),
		URL:       m.buildURL(path),
		Token:     m.cfg.Token,
		Dialer:    m.cfg.Dialer,
		Backoff:   m.cfg.Backoff,
		AfterFunc: m.cfg.AfterFunc,
	}, ListenerFuncs{Event: onEvent, Error: onError})

	old, replaced := m.subs[key]
	m.subs[key] = sub
	m.mu.Unlock()

	// The old channel is fully closed, including a callback in progress, before
	// the new one dials. Close runs unlocked since that callback may use the registry.
	if replaced {
		old.channel.Close()
		log.Printf("Replaced existing subscription for %s", key)
	}
	sub.channel.Open()
	return sub, nil
}

// Unsubscribe closes the channel for key. Unknown keys are ignored.
func (m *Multiplexer) Unsubscribe(key TopicKey) {
	m.mu.Lock()
	sub, exists := m.subs[key]
	if exists {
		delete(m.subs, key)
	}
	m.mu.Unlock()

	if exists {
		sub.channel.Close()
	}
}

// Active reports whether key has a live subscription
func (m *Multiplexer) Active(key TopicKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, exists := m.subs[key]
	return exists
}

// Lookup returns the live subscription for key
func (m *Multiplexer) Lookup(key TopicKey) (*Subscription, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, exists := m.subs[key]
	return sub, exists
}

// Keys lists the live topic keys in a stable order
func (m *Multiplexer) Keys() []TopicKey {
	m.mu.Lock()
	keys := make([]TopicKey, 0, len(m.subs))
	for key := range m.subs {
		keys = append(keys, key)
	}
	m.mu.Unlock()

	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})
	return keys
}

// Close tears down every channel; later Subscribe calls fail
func (m *Multiplexer) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	subs := m.subs
	m.subs = make(map[TopicKey]*Subscription)
	m.mu.Unlock()

	for _, sub := range subs {
		sub.channel.Close()
	}
	log.Printf("Closed %d stream subscriptions", len(subs))
}

func (m *Multiplexer) remove(key TopicKey, id string) {
	m.mu.Lock()
	sub, exists := m.subs[key]
	if !exists || sub.ID != id {
		m.mu.Unlock()
		return
	}
	delete(m.subs, key)
	m.mu.Unlock()

	sub.channel.Close()
}

func (m *Multiplexer) buildURL(path string) string {
	return strings.TrimRight(m.cfg.BaseURL, "/") + "/" + path
}
