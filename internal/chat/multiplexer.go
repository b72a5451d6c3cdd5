// Package chat multiplexes project rooms and peer conversations over the
// shared push connection.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/fieldsync/internal/model"
	"github.com/agentworkforce/fieldsync/internal/notify"
	"github.com/agentworkforce/fieldsync/internal/pushconn"
)

var (
	ErrNotConnected   = pushconn.ErrNotConnected
	ErrEmptyMessage   = errors.New("message content is empty")
	ErrInvalidChannel = errors.New("invalid channel")
)

type Logger interface {
	Printf(format string, args ...any)
}

// Transport is the push connection as seen by chat.
type Transport interface {
	Connected() bool
	Send(ctx context.Context, frame []byte) error
}

type HistorySource interface {
	ProjectHistory(ctx context.Context, projectID int64) ([]model.Message, error)
	DirectHistory(ctx context.Context, peerID int64) ([]model.Message, error)
}

// Recorder counts messages per direction: "sent", "received", "duplicate".
type Recorder interface {
	ObserveChat(direction string)
}

type Options struct {
	Transport Transport
	History   HistorySource
	Logger    Logger
	Recorder  Recorder
	Now       func() time.Time
	NewID     func() string
}

// Update is delivered to subscribers. Channel is set when a channel's
// sequence changed; Error carries a notice reported by the server.
type Update struct {
	Channel model.ChannelKey
	Error   string
}

type outboundFrame struct {
	Type       string `json:"type"`
	Content    string `json:"content"`
	ProjectID  *int64 `json:"project_id,omitempty"`
	ReceiverID *int64 `json:"receiver_id,omitempty"`
	ClientID   string `json:"client_id"`
}

// Multiplexer keeps one oldest-first sequence per channel for the lifetime
// of the session. Incoming messages are appended only to open channels.
type Multiplexer struct {
	transport Transport
	history   HistorySource
	logger    Logger
	recorder  Recorder
	now       func() time.Time
	newID     func() string

	mu        sync.Mutex
	userID    int64
	open      map[model.ChannelKey]bool
	channels  map[model.ChannelKey][]model.Message
	listeners map[int]func(Update)
	nextID    int
}

func NewMultiplexer(opts Options) (*Multiplexer, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	return &Multiplexer{
		transport: opts.Transport,
		history:   opts.History,
		logger:    opts.Logger,
		recorder:  opts.Recorder,
		now:       now,
		newID:     newID,
		open:      map[model.ChannelKey]bool{},
		channels:  map[model.ChannelKey][]model.Message{},
		listeners: map[int]func(Update){},
	}, nil
}

func (m *Multiplexer) SetUser(userID int64) {
	m.mu.Lock()
	m.userID = userID
	m.mu.Unlock()
}

func (m *Multiplexer) Open(key model.ChannelKey) error {
	if !key.Valid() {
		return fmt.Errorf("%w: %s", ErrInvalidChannel, key)
	}
	m.mu.Lock()
	m.open[key] = true
	m.mu.Unlock()
	return nil
}

// Close stops appending incoming messages to key. Its history is kept.
func (m *Multiplexer) Close(key model.ChannelKey) {
	m.mu.Lock()
	delete(m.open, key)
	m.mu.Unlock()
}

func (m *Multiplexer) IsOpen(key model.ChannelKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open[key]
}

func (m *Multiplexer) OpenChannels() []model.ChannelKey {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.ChannelKey, 0, len(m.open))
	for key := range m.open {
		out = append(out, key)
	}
	return out
}

// LoadHistory replaces the channel's sequence with the server history.
func (m *Multiplexer) LoadHistory(ctx context.Context, key model.ChannelKey) error {
	if !key.Valid() {
		return fmt.Errorf("%w: %s", ErrInvalidChannel, key)
	}
	if m.history == nil {
		return fmt.Errorf("history source is not configured")
	}
	var (
		messages []model.Message
		err      error
	)
	switch key.Kind {
	case model.ChannelProject:
		messages, err = m.history.ProjectHistory(ctx, key.ID)
	default:
		messages, err = m.history.DirectHistory(ctx, key.ID)
	}
	if err != nil {
		return fmt.Errorf("load %s history: %w", key, err)
	}
	m.mu.Lock()
	m.channels[key] = append([]model.Message(nil), messages...)
	m.mu.Unlock()
	m.notify(Update{Channel: key})
	return nil
}

// Send appends a provisional entry to key and transmits it. The returned
// message is the provisional entry; it is marked Failed when the write fails.
func (m *Multiplexer) Send(ctx context.Context, key model.ChannelKey, content string) (model.Message, error) {
	if !key.Valid() {
		return model.Message{}, fmt.Errorf("%w: %s", ErrInvalidChannel, key)
	}
	if strings.TrimSpace(content) == "" {
		return model.Message{}, ErrEmptyMessage
	}
	if !m.transport.Connected() {
		return model.Message{}, ErrNotConnected
	}

	id := key.ID
	frame := outboundFrame{Content: content}
	msg := model.Message{LocalID: m.newID(), Content: content, CreatedAt: m.now()}
	if key.Kind == model.ChannelProject {
		frame.Type = "project_chat"
		frame.ProjectID = &id
		msg.ProjectID = &id
	} else {
		frame.Type = "direct_message"
		frame.ReceiverID = &id
		msg.ReceiverID = &id
	}
	frame.ClientID = msg.LocalID
	payload, err := json.Marshal(frame)
	if err != nil {
		return model.Message{}, fmt.Errorf("encode chat frame: %w", err)
	}

	m.mu.Lock()
	msg.SenderID = m.userID
	m.channels[key] = append(m.channels[key], msg)
	m.mu.Unlock()
	m.notify(Update{Channel: key})

	if err := m.transport.Send(ctx, payload); err != nil {
		m.mu.Lock()
		seq := m.channels[key]
		for i := range seq {
			if seq[i].LocalID == msg.LocalID && seq[i].Provisional() {
				seq[i].Failed = true
			}
		}
		m.mu.Unlock()
		msg.Failed = true
		m.logf("chat send on %s failed: %v", key, err)
		m.notify(Update{Channel: key})
		return msg, fmt.Errorf("send chat message: %w", err)
	}
	m.observe("sent")
	return msg, nil
}

// Receive applies a chat event from the push channel and reports whether a
// channel changed.
func (m *Multiplexer) Receive(event notify.Event) bool {
	switch event.Kind {
	case notify.ServerError:
		m.logf("chat server error: %s", event.Error)
		m.notify(Update{Error: event.Error})
		return false
	case notify.ProjectMessage, notify.DirectMessage:
	default:
		return false
	}
	if event.Message == nil {
		return false
	}
	msg := *event.Message

	m.mu.Lock()
	key, ok := m.channelForLocked(event.Kind, msg)
	if !ok || !m.open[key] {
		m.mu.Unlock()
		return false
	}
	seq := m.channels[key]
	if msg.ID != 0 {
		for _, existing := range seq {
			if existing.ID == msg.ID {
				m.mu.Unlock()
				m.observe("duplicate")
				return false
			}
		}
	}
	replaced := false
	if msg.LocalID != "" {
		for i := range seq {
			if seq[i].Provisional() && seq[i].LocalID == msg.LocalID {
				seq[i] = msg
				replaced = true
				break
			}
		}
	}
	if !replaced {
		m.channels[key] = append(seq, msg)
	}
	m.mu.Unlock()
	m.observe("received")
	m.notify(Update{Channel: key})
	return true
}

func (m *Multiplexer) channelForLocked(kind notify.Kind, msg model.Message) (model.ChannelKey, bool) {
	if kind == notify.ProjectMessage {
		if msg.ProjectID == nil {
			return model.ChannelKey{}, false
		}
		return model.ProjectChannel(*msg.ProjectID), true
	}
	if msg.ReceiverID == nil || m.userID == 0 {
		return model.ChannelKey{}, false
	}
	switch m.userID {
	case msg.SenderID:
		return model.PeerChannel(*msg.ReceiverID), true
	case *msg.ReceiverID:
		return model.PeerChannel(msg.SenderID), true
	default:
		return model.ChannelKey{}, false
	}
}

func (m *Multiplexer) Messages(key model.ChannelKey) []model.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Message(nil), m.channels[key]...)
}

// Export returns every channel's sequence without provisional entries.
func (m *Multiplexer) Export() map[model.ChannelKey][]model.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[model.ChannelKey][]model.Message, len(m.channels))
	for key, seq := range m.channels {
		kept := make([]model.Message, 0, len(seq))
		for _, msg := range seq {
			if !msg.Provisional() {
				kept = append(kept, msg)
			}
		}
		out[key] = kept
	}
	return out
}

// Restore installs sequences for channels that have none yet.
func (m *Multiplexer) Restore(history map[model.ChannelKey][]model.Message) {
	m.mu.Lock()
	for key, seq := range history {
		if _, ok := m.channels[key]; ok || !key.Valid() {
			continue
		}
		m.channels[key] = append([]model.Message(nil), seq...)
	}
	m.mu.Unlock()
}

// Reset forgets every channel and the current user.
func (m *Multiplexer) Reset() {
	m.mu.Lock()
	m.userID = 0
	m.open = map[model.ChannelKey]bool{}
	m.channels = map[model.ChannelKey][]model.Message{}
	m.mu.Unlock()
}

func (m *Multiplexer) Subscribe(fn func(Update)) func() {
	if fn == nil {
		return func() {}
	}
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

func (m *Multiplexer) notify(update Update) {
	m.mu.Lock()
	listeners := make([]func(Update), 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(update)
	}
}

func (m *Multiplexer) observe(direction string) {
	if m.recorder != nil {
		m.recorder.ObserveChat(direction)
	}
}

func (m *Multiplexer) logf(format string, args ...any) {
	if m.logger == nil {
		return
	}
	m.logger.Printf(format, args...)
}
