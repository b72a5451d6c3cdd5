package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agentworkforce/fieldsync/internal/model"
)

type Logger interface {
	Printf(format string, args ...any)
}

// Recorder receives one result per decoded frame: "control", "chat", "error"
// or "dropped".
type Recorder interface {
	ObserveFrame(result string)
}

const frameSchemaURL = "https://fieldsync.local/schema/frame.json"

const frameSchema = `{
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": {"enum": ["new_project_message", "new_direct_message", "error"]},
    "error": {"type": "string"},
    "data": {
      "type": "object",
      "required": ["sender_id", "content"],
      "properties": {
        "id": {"type": "integer", "minimum": 0},
        "client_id": {"type": "string"},
        "sender_id": {"type": "integer", "minimum": 1},
        "sender_email": {"type": "string"},
        "project_id": {"type": ["integer", "null"]},
        "receiver_id": {"type": ["integer", "null"]},
        "content": {"type": "string"},
        "created_at": {"type": ["string", "null"]}
      }
    }
  }
}`

type controlSpec struct {
	kind  Kind
	arity int
}

var controlKinds = map[string]controlSpec{
	"PROJECT_CREATED": {ProjectCreated, 0},
	"PROJECT_UPDATED": {ProjectUpdated, 1},
	"PROJECT_DELETED": {ProjectDeleted, 1},
	"USER_ADDED":      {MembershipAdded, 3},
	"USER_REMOVED":    {MembershipRemoved, 2},
	"TASK_CREATED":    {TaskCreated, 1},
	"TASK_UPDATED":    {TaskUpdated, 2},
	"TASK_DELETED":    {TaskDeleted, 2},
}

// Decoder classifies push frames. A frame that does not decode is dropped and
// logged; Decode never returns an error.
type Decoder struct {
	schema   *jsonschema.Schema
	logger   Logger
	recorder Recorder
}

func NewDecoder(logger Logger, recorder Recorder) (*Decoder, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(frameSchema))
	if err != nil {
		return nil, fmt.Errorf("parse frame schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(frameSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add frame schema: %w", err)
	}
	schema, err := compiler.Compile(frameSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile frame schema: %w", err)
	}
	return &Decoder{schema: schema, logger: logger, recorder: recorder}, nil
}

// Decode returns the event carried by frame, or false when the frame is dropped.
func (d *Decoder) Decode(frame []byte) (Event, bool) {
	trimmed := bytes.TrimSpace(frame)
	var (
		event Event
		err   error
	)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		event, err = d.decodeStructured(trimmed)
	} else {
		event, err = decodeControl(string(trimmed))
	}
	if err != nil {
		d.logf("dropping push frame %q: %v", truncate(trimmed, 120), err)
		d.observe("dropped")
		return Event{}, false
	}
	switch {
	case event.Kind.Control():
		d.observe("control")
	case event.Kind == ServerError:
		d.observe("error")
	default:
		d.observe("chat")
	}
	return event, true
}

func decodeControl(frame string) (Event, error) {
	if frame == "" {
		return Event{}, fmt.Errorf("empty frame")
	}
	parts := strings.Split(frame, ":")
	ctl, ok := controlKinds[parts[0]]
	if !ok {
		return Event{}, fmt.Errorf("unknown kind %q", parts[0])
	}
	args := parts[1:]
	if len(args) != ctl.arity {
		return Event{}, fmt.Errorf("%s expects %d arguments, got %d", parts[0], ctl.arity, len(args))
	}
	event := Event{Kind: ctl.kind}
	var err error
	switch ctl.kind {
	case ProjectUpdated, ProjectDeleted, TaskCreated:
		event.ProjectID, err = parseID(args[0])
	case MembershipAdded, MembershipRemoved:
		if event.ProjectID, err = parseID(args[0]); err != nil {
			break
		}
		if event.UserID, err = parseID(args[1]); err != nil {
			break
		}
		if ctl.kind == MembershipAdded {
			event.Role = args[2]
		}
	case TaskUpdated, TaskDeleted:
		if event.ProjectID, err = parseID(args[0]); err != nil {
			break
		}
		event.TaskID, err = parseID(args[1])
	}
	if err != nil {
		return Event{}, err
	}
	return event, nil
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return id, nil
}

type structuredFrame struct {
	Type  string         `json:"type"`
	Data  *model.Message `json:"data"`
	Error string         `json:"error"`
}

func (d *Decoder) decodeStructured(frame []byte) (Event, error) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(frame))
	if err != nil {
		return Event{}, fmt.Errorf("invalid json: %w", err)
	}
	if err := d.schema.Validate(inst); err != nil {
		return Event{}, fmt.Errorf("schema: %w", err)
	}
	var decoded structuredFrame
	if err := json.Unmarshal(frame, &decoded); err != nil {
		return Event{}, fmt.Errorf("invalid json: %w", err)
	}
	switch decoded.Type {
	case "new_project_message":
		if decoded.Data == nil || decoded.Data.ProjectID == nil {
			return Event{}, fmt.Errorf("project message without project id")
		}
		return Event{Kind: ProjectMessage, ProjectID: *decoded.Data.ProjectID, UserID: decoded.Data.SenderID, Message: decoded.Data}, nil
	case "new_direct_message":
		if decoded.Data == nil || decoded.Data.ReceiverID == nil {
			return Event{}, fmt.Errorf("direct message without receiver id")
		}
		return Event{Kind: DirectMessage, UserID: decoded.Data.SenderID, Message: decoded.Data}, nil
	default:
		return Event{Kind: ServerError, Error: decoded.Error}, nil
	}
}

func truncate(frame []byte, n int) string {
	if len(frame) <= n {
		return string(frame)
	}
	return string(frame[:n]) + "..."
}

func (d *Decoder) observe(result string) {
	if d.recorder != nil {
		d.recorder.ObserveFrame(result)
	}
}

func (d *Decoder) logf(format string, args ...any) {
	if d.logger == nil {
		return
	}
	d.logger.Printf(format, args...)
}
