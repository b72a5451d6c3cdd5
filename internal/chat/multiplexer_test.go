package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/fieldsync/internal/model"
	"github.com/agentworkforce/fieldsync/internal/notify"
)

func TestProjectMessageOnlyReachesItsChannel(t *testing.T) {
	mux := newTestMultiplexer(t, &fakeTransport{connected: true}, nil)
	mux.SetUser(3)
	mustOpen(t, mux, model.ProjectChannel(9))
	mustOpen(t, mux, model.PeerChannel(7))

	if mux.Receive(projectMessage(100, 4, 7, "for seven")) {
		t.Fatalf("expected project 7 message to be ignored while only project 9 is open")
	}
	if got := mux.Messages(model.ProjectChannel(9)); len(got) != 0 {
		t.Fatalf("project 9 channel received %v", got)
	}
	if got := mux.Messages(model.PeerChannel(7)); len(got) != 0 {
		t.Fatalf("peer channel received %v", got)
	}
	if got := mux.Messages(model.ProjectChannel(7)); len(got) != 0 {
		t.Fatalf("closed project 7 channel received %v", got)
	}

	if !mux.Receive(projectMessage(101, 4, 9, "for nine")) {
		t.Fatalf("expected project 9 message to be appended")
	}
	if got := mux.Messages(model.ProjectChannel(9)); len(got) != 1 || got[0].Content != "for nine" {
		t.Fatalf("unexpected project 9 sequence %v", got)
	}
}

func TestDirectMessageSymmetry(t *testing.T) {
	msg := directMessage(200, 3, 5, "hello")
	cases := []struct {
		viewer int64
		peer   int64
		want   bool
	}{
		{viewer: 3, peer: 5, want: true},
		{viewer: 5, peer: 3, want: true},
		{viewer: 7, peer: 3, want: false},
		{viewer: 7, peer: 5, want: false},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("viewer_%d_peer_%d", tc.viewer, tc.peer), func(t *testing.T) {
			mux := newTestMultiplexer(t, &fakeTransport{connected: true}, nil)
			mux.SetUser(tc.viewer)
			mustOpen(t, mux, model.PeerChannel(3))
			mustOpen(t, mux, model.PeerChannel(5))
			if got := mux.Receive(msg); got != tc.want {
				t.Fatalf("expected appended=%v, got %v", tc.want, got)
			}
			total := 0
			for _, peer := range []int64{3, 5} {
				total += len(mux.Messages(model.PeerChannel(peer)))
			}
			if tc.want && len(mux.Messages(model.PeerChannel(tc.peer))) != 1 {
				t.Fatalf("expected message in peer %d channel", tc.peer)
			}
			if !tc.want && total != 0 {
				t.Fatalf("expected no channel to receive the message, got %d entries", total)
			}
		})
	}
}

func TestDirectMessageIgnoredForClosedPeer(t *testing.T) {
	mux := newTestMultiplexer(t, &fakeTransport{connected: true}, nil)
	mux.SetUser(3)
	mustOpen(t, mux, model.PeerChannel(8))
	if mux.Receive(directMessage(1, 5, 3, "hi")) {
		t.Fatalf("expected message from peer 5 to be ignored while peer 5 is not open")
	}
}

func TestReceiveSkipsDuplicateServerIDs(t *testing.T) {
	recorder := &chatRecorder{}
	mux := newTestMultiplexer(t, &fakeTransport{connected: true}, nil)
	mux.recorder = recorder
	mux.SetUser(3)
	mustOpen(t, mux, model.ProjectChannel(9))
	mux.Receive(projectMessage(101, 4, 9, "once"))
	if mux.Receive(projectMessage(101, 4, 9, "once")) {
		t.Fatalf("expected duplicate to be skipped")
	}
	if got := mux.Messages(model.ProjectChannel(9)); len(got) != 1 {
		t.Fatalf("expected one entry, got %v", got)
	}
	if recorder.get("duplicate") != 1 || recorder.get("received") != 1 {
		t.Fatalf("unexpected chat counts: %v", recorder.counts)
	}
}

func TestSendRequiresOpenConnection(t *testing.T) {
	transport := &fakeTransport{}
	mux := newTestMultiplexer(t, transport, nil)
	mux.SetUser(3)
	key := model.ProjectChannel(9)
	mustOpen(t, mux, key)

	if _, err := mux.Send(context.Background(), key, "hi"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if got := mux.Messages(key); len(got) != 0 {
		t.Fatalf("expected nothing appended when not connected, got %v", got)
	}
	if _, err := mux.Send(context.Background(), key, "   "); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}
	if _, err := mux.Send(context.Background(), model.ChannelKey{Kind: "room", ID: 1}, "x"); !errors.Is(err, ErrInvalidChannel) {
		t.Fatalf("expected ErrInvalidChannel, got %v", err)
	}
}

func TestSendAppendsProvisionalAndTransmits(t *testing.T) {
	transport := &fakeTransport{connected: true}
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	mux := newTestMultiplexer(t, transport, nil)
	mux.now = func() time.Time { return now }
	mux.newID = func() string { return "c-1" }
	mux.SetUser(3)
	key := model.PeerChannel(5)
	mustOpen(t, mux, key)

	msg, err := mux.Send(context.Background(), key, "hello")
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if !msg.Provisional() || msg.LocalID != "c-1" || msg.SenderID != 3 || !msg.CreatedAt.Equal(now) {
		t.Fatalf("unexpected provisional message %+v", msg)
	}
	got := mux.Messages(key)
	if len(got) != 1 || got[0].Content != "hello" {
		t.Fatalf("expected provisional entry in channel, got %v", got)
	}

	frames := transport.sent()
	if len(frames) != 1 {
		t.Fatalf("expected one frame, got %d", len(frames))
	}
	var out map[string]any
	if err := json.Unmarshal(frames[0], &out); err != nil {
		t.Fatalf("decode frame failed: %v", err)
	}
	if out["type"] != "direct_message" || out["content"] != "hello" || out["receiver_id"] != float64(5) || out["client_id"] != "c-1" {
		t.Fatalf("unexpected outbound frame %v", out)
	}
	if _, ok := out["project_id"]; ok {
		t.Fatalf("direct message must not carry project_id: %v", out)
	}
}

func TestSendFailureMarksEntryFailed(t *testing.T) {
	transport := &fakeTransport{connected: true, err: errors.New("write failed")}
	mux := newTestMultiplexer(t, transport, nil)
	mux.SetUser(3)
	key := model.ProjectChannel(9)

	msg, err := mux.Send(context.Background(), key, "hello")
	if err == nil {
		t.Fatalf("expected send error")
	}
	if !msg.Failed {
		t.Fatalf("expected returned message to be marked failed")
	}
	if got := mux.Messages(key); len(got) != 1 || !got[0].Failed {
		t.Fatalf("expected failed entry in channel, got %v", got)
	}
}

func TestEchoReplacesProvisionalEntry(t *testing.T) {
	transport := &fakeTransport{connected: true}
	mux := newTestMultiplexer(t, transport, nil)
	mux.newID = func() string { return "c-9" }
	mux.SetUser(3)
	key := model.ProjectChannel(9)
	mustOpen(t, mux, key)
	mux.Receive(projectMessage(50, 4, 9, "earlier"))
	if _, err := mux.Send(context.Background(), key, "mine"); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	echo := projectMessage(51, 3, 9, "mine")
	echo.Message.LocalID = "c-9"
	if !mux.Receive(echo) {
		t.Fatalf("expected echo to be applied")
	}
	got := mux.Messages(key)
	if len(got) != 2 {
		t.Fatalf("expected echo to replace provisional entry, got %v", got)
	}
	if got[1].ID != 51 || got[1].Provisional() {
		t.Fatalf("expected server entry in place of provisional one, got %+v", got[1])
	}

	// Without a correlation id the echo is appended.
	if _, err := mux.Send(context.Background(), key, "again"); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	mux.Receive(projectMessage(52, 3, 9, "again"))
	if got := mux.Messages(key); len(got) != 4 {
		t.Fatalf("expected uncorrelated echo to be appended, got %v", got)
	}
}

func TestLoadHistoryReplacesSequence(t *testing.T) {
	history := &fakeHistory{
		project: map[int64][]model.Message{9: {*projectMessage(1, 4, 9, "a").Message, *projectMessage(2, 4, 9, "b").Message}},
		direct:  map[int64][]model.Message{5: {*directMessage(3, 5, 3, "dm").Message}},
	}
	mux := newTestMultiplexer(t, &fakeTransport{connected: true}, history)
	mux.SetUser(3)
	key := model.ProjectChannel(9)
	mustOpen(t, mux, key)
	mux.Receive(projectMessage(99, 4, 9, "live"))

	if err := mux.LoadHistory(context.Background(), key); err != nil {
		t.Fatalf("load history failed: %v", err)
	}
	got := mux.Messages(key)
	if len(got) != 2 || got[0].ID != 1 || got[1].ID != 2 {
		t.Fatalf("expected history to replace sequence, got %v", got)
	}
	if err := mux.LoadHistory(context.Background(), model.PeerChannel(5)); err != nil {
		t.Fatalf("load direct history failed: %v", err)
	}
	if got := mux.Messages(model.PeerChannel(5)); len(got) != 1 || got[0].Content != "dm" {
		t.Fatalf("unexpected direct history %v", got)
	}

	history.err = errors.New("unavailable")
	if err := mux.LoadHistory(context.Background(), key); err == nil {
		t.Fatalf("expected history error")
	}
	if got := mux.Messages(key); len(got) != 2 {
		t.Fatalf("expected failed load to keep sequence, got %v", got)
	}
}

func TestChannelsRetainedAcrossSwitches(t *testing.T) {
	mux := newTestMultiplexer(t, &fakeTransport{connected: true}, nil)
	mux.SetUser(3)
	mustOpen(t, mux, model.ProjectChannel(9))
	mux.Receive(projectMessage(1, 4, 9, "a"))
	mux.Close(model.ProjectChannel(9))
	mustOpen(t, mux, model.ProjectChannel(10))
	mux.Receive(projectMessage(2, 4, 10, "b"))
	if got := mux.Messages(model.ProjectChannel(9)); len(got) != 1 {
		t.Fatalf("expected project 9 history retained, got %v", got)
	}
	if mux.Receive(projectMessage(3, 4, 9, "c")) {
		t.Fatalf("expected closed channel to ignore new messages")
	}

	exported := mux.Export()
	mux.Reset()
	if len(mux.Messages(model.ProjectChannel(9))) != 0 || len(mux.OpenChannels()) != 0 {
		t.Fatalf("expected reset to clear channels")
	}
	mux.Restore(exported)
	if got := mux.Messages(model.ProjectChannel(10)); len(got) != 1 || got[0].Content != "b" {
		t.Fatalf("expected restored history, got %v", got)
	}
}

func TestServerErrorNotifiesSubscribers(t *testing.T) {
	mux := newTestMultiplexer(t, &fakeTransport{connected: true}, nil)
	var updates []Update
	cancel := mux.Subscribe(func(u Update) { updates = append(updates, u) })
	defer cancel()
	if mux.Receive(notify.Event{Kind: notify.ServerError, Error: "Not a project member"}) {
		t.Fatalf("server error must not change a channel")
	}
	if len(updates) != 1 || updates[0].Error != "Not a project member" {
		t.Fatalf("unexpected updates %v", updates)
	}
}

func newTestMultiplexer(t *testing.T, transport Transport, history HistorySource) *Multiplexer {
	t.Helper()
	mux, err := NewMultiplexer(Options{Transport: transport, History: history})
	if err != nil {
		t.Fatalf("new multiplexer failed: %v", err)
	}
	return mux
}

func mustOpen(t *testing.T, mux *Multiplexer, key model.ChannelKey) {
	t.Helper()
	if err := mux.Open(key); err != nil {
		t.Fatalf("open %s failed: %v", key, err)
	}
}

func projectMessage(id, sender, projectID int64, content string) notify.Event {
	return notify.Event{
		Kind:      notify.ProjectMessage,
		ProjectID: projectID,
		UserID:    sender,
		Message:   &model.Message{ID: id, SenderID: sender, ProjectID: &projectID, Content: content},
	}
}

func directMessage(id, sender, receiver int64, content string) notify.Event {
	return notify.Event{
		Kind:    notify.DirectMessage,
		UserID:  sender,
		Message: &model.Message{ID: id, SenderID: sender, ReceiverID: &receiver, Content: content},
	}
}

type fakeTransport struct {
	mu        sync.Mutex
	connected bool
	err       error
	frames    [][]byte
}

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) Send(ctx context.Context, frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.frames = append(f.frames, append([]byte(nil), frame...))
	return nil
}

func (f *fakeTransport) sent() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.frames...)
}

type fakeHistory struct {
	project map[int64][]model.Message
	direct  map[int64][]model.Message
	err     error
}

func (f *fakeHistory) ProjectHistory(ctx context.Context, projectID int64) ([]model.Message, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.project[projectID], nil
}

func (f *fakeHistory) DirectHistory(ctx context.Context, peerID int64) ([]model.Message, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.direct[peerID], nil
}

type chatRecorder struct {
	mu     sync.Mutex
	counts map[string]int
}

func (r *chatRecorder) ObserveChat(direction string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counts == nil {
		r.counts = map[string]int{}
	}
	r.counts[direction]++
}

func (r *chatRecorder) get(direction string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[direction]
}
