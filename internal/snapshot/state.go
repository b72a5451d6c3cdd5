// Package snapshot persists the last known synchronized state so a restarted
// client can show cached data while its first pulls run.
package snapshot

import (
	"context"
	"errors"
	"time"

	"github.com/agentworkforce/fieldsync/internal/model"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

const stateVersion = 1

// State is one user's cached view. Chat histories are keyed by the channel
// key's string form.
type State struct {
	Version  int                        `json:"version"`
	UserID   int64                      `json:"user_id"`
	SavedAt  time.Time                  `json:"saved_at"`
	Projects []model.Project            `json:"projects,omitempty"`
	Members  map[int64][]model.Member   `json:"members,omitempty"`
	Tasks    map[int64][]model.Task     `json:"tasks,omitempty"`
	Chat     map[string][]model.Message `json:"chat,omitempty"`
}

func NewState(userID int64) *State {
	return &State{
		Version: stateVersion,
		UserID:  userID,
		Members: map[int64][]model.Member{},
		Tasks:   map[int64][]model.Task{},
		Chat:    map[string][]model.Message{},
	}
}

// Backend stores one State per key. Load returns nil, nil when nothing has
// been saved under key.
type Backend interface {
	Load(ctx context.Context, key string) (*State, error)
	Save(ctx context.Context, key string, state *State) error
	Close() error
}
