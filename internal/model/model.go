// Package model holds the entities shared by the sync packages.
package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type Project struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	OwnerID     int64     `json:"owner_id"`
	OwnerName   string    `json:"owner_name,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ProjectInput is the writable part of a project.
type ProjectInput struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Member is one row of a project's membership list. ID is the user id.
type Member struct {
	ID    int64  `json:"id"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

type TaskStatus string

const (
	TaskTodo       TaskStatus = "TODO"
	TaskInProgress TaskStatus = "IN_PROGRESS"
	TaskDone       TaskStatus = "DONE"
)

type Task struct {
	ID          int64      `json:"id"`
	ProjectID   int64      `json:"project_id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Status      TaskStatus `json:"status"`
	AssignedTo  *int64     `json:"assigned_to"`
	CreatedAt   time.Time  `json:"created_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at,omitempty"`
}

type TaskInput struct {
	ProjectID   int64      `json:"project_id,omitempty"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Status      TaskStatus `json:"status"`
	AssignedTo  *int64     `json:"assigned_to"`
}

type TaskActivity struct {
	ID        int64     `json:"id"`
	TaskID    int64     `json:"task_id"`
	UserID    int64     `json:"user_id"`
	UserEmail string    `json:"user_email"`
	Action    string    `json:"action"`
	Details   string    `json:"details"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is a chat message. ID is zero until the server has assigned one;
// LocalID is set on entries created by this client.
type Message struct {
	ID          int64     `json:"id,omitempty"`
	LocalID     string    `json:"client_id,omitempty"`
	SenderID    int64     `json:"sender_id"`
	SenderEmail string    `json:"sender_email,omitempty"`
	ProjectID   *int64    `json:"project_id,omitempty"`
	ReceiverID  *int64    `json:"receiver_id,omitempty"`
	Content     string    `json:"content"`
	CreatedAt   time.Time `json:"created_at"`
	Failed      bool      `json:"-"`
}

func (m Message) Provisional() bool {
	return m.ID == 0
}

type ChannelKind string

const (
	ChannelProject ChannelKind = "project"
	ChannelPeer    ChannelKind = "peer"
)

// ChannelKey names one chat conversation: a project room or a peer conversation
// keyed by the counter-party's user id.
type ChannelKey struct {
	Kind ChannelKind `json:"kind"`
	ID   int64       `json:"id"`
}

func ProjectChannel(projectID int64) ChannelKey {
	return ChannelKey{Kind: ChannelProject, ID: projectID}
}

func PeerChannel(userID int64) ChannelKey {
	return ChannelKey{Kind: ChannelPeer, ID: userID}
}

func (k ChannelKey) String() string {
	return fmt.Sprintf("%s:%d", k.Kind, k.ID)
}

func (k ChannelKey) Valid() bool {
	return (k.Kind == ChannelProject || k.Kind == ChannelPeer) && k.ID > 0
}

func ParseChannelKey(raw string) (ChannelKey, error) {
	kind, id, ok := strings.Cut(strings.TrimSpace(raw), ":")
	if !ok {
		return ChannelKey{}, fmt.Errorf("invalid channel key %q", raw)
	}
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return ChannelKey{}, fmt.Errorf("invalid channel key %q: %w", raw, err)
	}
	key := ChannelKey{Kind: ChannelKind(kind), ID: n}
	if !key.Valid() {
		return ChannelKey{}, fmt.Errorf("invalid channel key %q", raw)
	}
	return key, nil
}
