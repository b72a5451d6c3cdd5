// Package notify turns raw push frames into typed events and routes them to
// the handler registered for their kind.
package notify

import "github.com/agentworkforce/fieldsync/internal/model"

type Kind int

const (
	KindUnknown Kind = iota
	ProjectCreated
	ProjectUpdated
	ProjectDeleted
	MembershipAdded
	MembershipRemoved
	TaskCreated
	TaskUpdated
	TaskDeleted
	ProjectMessage
	DirectMessage
	ServerError
)

var kindNames = map[Kind]string{
	ProjectCreated:    "project_created",
	ProjectUpdated:    "project_updated",
	ProjectDeleted:    "project_deleted",
	MembershipAdded:   "membership_added",
	MembershipRemoved: "membership_removed",
	TaskCreated:       "task_created",
	TaskUpdated:       "task_updated",
	TaskDeleted:       "task_deleted",
	ProjectMessage:    "project_message",
	DirectMessage:     "direct_message",
	ServerError:       "server_error",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Control reports whether events of this kind are invalidation cues rather
// than payload carriers.
func (k Kind) Control() bool {
	return k >= ProjectCreated && k <= TaskDeleted
}

// Event is one decoded push frame. Control kinds fill only the identifiers
// their frame carries; chat kinds fill Message; ServerError fills Error.
type Event struct {
	Kind      Kind
	ProjectID int64
	UserID    int64
	TaskID    int64
	Role      string
	Message   *model.Message
	Error     string
}
