package notify

import (
	"fmt"
	"strings"
	"sync"
	"testing"
)

func TestDecodeControlFrames(t *testing.T) {
	decoder := newTestDecoder(t, nil)
	cases := []struct {
		frame string
		want  Event
	}{
		{"PROJECT_CREATED", Event{Kind: ProjectCreated}},
		{"PROJECT_UPDATED:7", Event{Kind: ProjectUpdated, ProjectID: 7}},
		{"PROJECT_DELETED:7", Event{Kind: ProjectDeleted, ProjectID: 7}},
		{"USER_ADDED:12:99:member", Event{Kind: MembershipAdded, ProjectID: 12, UserID: 99, Role: "member"}},
		{"USER_REMOVED:12:99", Event{Kind: MembershipRemoved, ProjectID: 12, UserID: 99}},
		{"TASK_CREATED:4", Event{Kind: TaskCreated, ProjectID: 4}},
		{"TASK_UPDATED:4:31", Event{Kind: TaskUpdated, ProjectID: 4, TaskID: 31}},
		{"TASK_DELETED:4:31\n", Event{Kind: TaskDeleted, ProjectID: 4, TaskID: 31}},
	}
	for _, tc := range cases {
		got, ok := decoder.Decode([]byte(tc.frame))
		if !ok {
			t.Fatalf("expected %q to decode", tc.frame)
		}
		if got != tc.want {
			t.Fatalf("decode %q: expected %+v, got %+v", tc.frame, tc.want, got)
		}
	}
}

func TestDecodeDropsMalformedControlFrames(t *testing.T) {
	logger := &recordingLogger{}
	recorder := &frameCounter{}
	decoder, err := NewDecoder(logger, recorder)
	if err != nil {
		t.Fatalf("new decoder failed: %v", err)
	}
	frames := []string{
		"USER_ADDED:abc:99:member",
		"USER_REMOVED:12",
		"USER_REMOVED:12:99:extra",
		"PROJECT_CREATED:1",
		"PROJECT_UPDATED",
		"TASK_UPDATED:4:x",
		"TASK_DELETED:4:1.5",
		"SOMETHING_ELSE:1",
		"project_created",
		"",
	}
	for _, frame := range frames {
		if event, ok := decoder.Decode([]byte(frame)); ok {
			t.Fatalf("expected %q to be dropped, got %+v", frame, event)
		}
	}
	if recorder.count("dropped") != len(frames) {
		t.Fatalf("expected %d dropped observations, got %d", len(frames), recorder.count("dropped"))
	}
	if len(logger.lines()) != len(frames) {
		t.Fatalf("expected one log line per dropped frame, got %v", logger.lines())
	}
}

func TestDecodeStructuredFrames(t *testing.T) {
	decoder := newTestDecoder(t, nil)

	event, ok := decoder.Decode([]byte(`{"type":"new_project_message","data":{"id":41,"sender_id":3,"sender_email":"a@x.io","project_id":7,"content":"hi","created_at":"2024-05-01T10:00:00Z"}}`))
	if !ok {
		t.Fatalf("expected project message to decode")
	}
	if event.Kind != ProjectMessage || event.ProjectID != 7 || event.Message == nil || event.Message.ID != 41 || event.Message.Content != "hi" {
		t.Fatalf("unexpected project message event: %+v", event)
	}

	event, ok = decoder.Decode([]byte(`  {"type":"new_direct_message","data":{"id":42,"sender_id":3,"receiver_id":5,"content":"yo","client_id":"c-1"}}`))
	if !ok {
		t.Fatalf("expected direct message to decode")
	}
	if event.Kind != DirectMessage || event.UserID != 3 || *event.Message.ReceiverID != 5 || event.Message.LocalID != "c-1" {
		t.Fatalf("unexpected direct message event: %+v", event)
	}

	event, ok = decoder.Decode([]byte(`{"type":"error","error":"Not a project member"}`))
	if !ok || event.Kind != ServerError || event.Error != "Not a project member" {
		t.Fatalf("unexpected error event: %+v ok=%v", event, ok)
	}
}

func TestDecodeDropsInvalidStructuredFrames(t *testing.T) {
	decoder := newTestDecoder(t, nil)
	frames := []string{
		`{"type":"new_project_message"`,
		`{"type":"new_project_message"}`,
		`{"type":"new_project_message","data":{"sender_id":3,"content":"no project"}}`,
		`{"type":"new_direct_message","data":{"sender_id":3,"content":"no receiver"}}`,
		`{"type":"new_direct_message","data":{"sender_id":"3","receiver_id":5,"content":"x"}}`,
		`{"type":"presence","data":{}}`,
		`{"data":{"sender_id":3,"content":"x"}}`,
		`{"type":"new_project_message","data":{"sender_id":3,"project_id":7,"content":"x","created_at":"yesterday"}}`,
	}
	for _, frame := range frames {
		if event, ok := decoder.Decode([]byte(frame)); ok {
			t.Fatalf("expected %s to be dropped, got %+v", frame, event)
		}
	}
}

func TestKindNames(t *testing.T) {
	if MembershipRemoved.String() != "membership_removed" || KindUnknown.String() != "unknown" {
		t.Fatalf("unexpected kind names")
	}
	if !TaskDeleted.Control() || ProjectMessage.Control() || KindUnknown.Control() {
		t.Fatalf("unexpected control classification")
	}
}

func newTestDecoder(t *testing.T, logger Logger) *Decoder {
	t.Helper()
	decoder, err := NewDecoder(logger, nil)
	if err != nil {
		t.Fatalf("new decoder failed: %v", err)
	}
	return decoder
}

type recordingLogger struct {
	mu    sync.Mutex
	items []string
}

func (l *recordingLogger) Printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = append(l.items, fmt.Sprintf(format, args...))
}

func (l *recordingLogger) lines() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.items...)
}

func (l *recordingLogger) contains(substr string) bool {
	for _, line := range l.lines() {
		if strings.Contains(line, substr) {
			return true
		}
	}
	return false
}

type frameCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func (c *frameCounter) ObserveFrame(result string) {
	c.inc(result)
}

func (c *frameCounter) ObserveDispatch(kind string) {
	c.inc("dispatch:" + kind)
}

func (c *frameCounter) inc(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = map[string]int{}
	}
	c.counts[key]++
}

func (c *frameCounter) count(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[key]
}
