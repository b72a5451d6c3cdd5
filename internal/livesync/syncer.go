// Package livesync wires the push connection, the event router, the
// reconciliation layers and the chat multiplexer into one client session.
package livesync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/fieldsync/internal/chat"
	"github.com/agentworkforce/fieldsync/internal/metrics"
	"github.com/agentworkforce/fieldsync/internal/model"
	"github.com/agentworkforce/fieldsync/internal/notify"
	"github.com/agentworkforce/fieldsync/internal/pushconn"
	"github.com/agentworkforce/fieldsync/internal/reconcile"
	"github.com/agentworkforce/fieldsync/internal/session"
	"github.com/agentworkforce/fieldsync/internal/snapshot"
)

const (
	FamilyProjects = "projects"
	FamilyMembers  = "members"
	FamilyTasks    = "tasks"

	// projectsScope is the single scope of the projects family.
	projectsScope int64 = 0

	defaultPullTimeout = 30 * time.Second
)

var ErrNoSession = errors.New("no active session")

// RemoteClient is the REST surface the syncer pulls from and mutates through.
type RemoteClient interface {
	ListProjects(ctx context.Context) ([]model.Project, error)
	CreateProject(ctx context.Context, in model.ProjectInput) (model.Project, error)
	UpdateProject(ctx context.Context, projectID int64, in model.ProjectInput) (model.Project, error)
	DeleteProject(ctx context.Context, projectID int64) error
	ListMembers(ctx context.Context, projectID int64) ([]model.Member, error)
	AddMember(ctx context.Context, projectID, userID int64, role string) error
	RemoveMember(ctx context.Context, projectID, userID int64) error
	ListTasks(ctx context.Context, projectID int64) ([]model.Task, error)
	CreateTask(ctx context.Context, in model.TaskInput) (model.Task, error)
	UpdateTask(ctx context.Context, taskID int64, in model.TaskInput) (model.Task, error)
	DeleteTask(ctx context.Context, taskID int64) error
	TaskHistory(ctx context.Context, taskID int64) ([]model.TaskActivity, error)
	ProjectHistory(ctx context.Context, projectID int64) ([]model.Message, error)
	DirectHistory(ctx context.Context, peerID int64) ([]model.Message, error)
}

// tokenSetter is implemented by remotes that authenticate per session.
type tokenSetter interface {
	SetToken(token string)
}

type Logger interface {
	Printf(format string, args ...any)
}

type SyncerOptions struct {
	PushURL     string
	Dialer      pushconn.Dialer
	SettleDelay time.Duration
	PullTimeout time.Duration
	Logger      Logger
	Metrics     *metrics.Metrics
}

// Change names the cache that changed: a family scope, or a chat channel
// when Family is empty.
type Change struct {
	Family  string
	Scope   int64
	Channel model.ChannelKey
	Error   string
}

type Syncer struct {
	remote      RemoteClient
	logger      Logger
	metrics     *metrics.Metrics
	pullTimeout time.Duration

	conn   *pushconn.Manager
	router *notify.Router
	chat   *chat.Multiplexer

	projects *reconcile.Layer[model.Project]
	members  *reconcile.Layer[model.Member]
	tasks    *reconcile.Layer[model.Task]

	projectPulls *reconcile.Scheduler[int64]
	memberPulls  *reconcile.Scheduler[int64]
	taskPulls    *reconcile.Scheduler[int64]

	mu      sync.Mutex
	session *session.Session
}

func NewSyncer(remote RemoteClient, opts SyncerOptions) (*Syncer, error) {
	if remote == nil {
		return nil, fmt.Errorf("remote client is required")
	}
	if strings.TrimSpace(opts.PushURL) == "" {
		return nil, fmt.Errorf("push url is required")
	}
	pullTimeout := opts.PullTimeout
	if pullTimeout <= 0 {
		pullTimeout = defaultPullTimeout
	}
	s := &Syncer{
		remote:      remote,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		pullTimeout: pullTimeout,
	}

	decoder, err := notify.NewDecoder(opts.Logger, opts.Metrics)
	if err != nil {
		return nil, err
	}
	s.router = notify.NewRouter(decoder, opts.Metrics)

	s.conn, err = pushconn.NewManager(pushconn.Options{
		URL:     opts.PushURL,
		Dialer:  opts.Dialer,
		OnFrame: s.router.HandleFrame,
		Logger:  opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	s.conn.Subscribe(opts.Metrics.SetConnectionStatus)

	s.projectPulls = s.newScheduler(FamilyProjects, opts.SettleDelay, func() pullable { return s.projects })
	s.memberPulls = s.newScheduler(FamilyMembers, opts.SettleDelay, func() pullable { return s.members })
	s.taskPulls = s.newScheduler(FamilyTasks, opts.SettleDelay, func() pullable { return s.tasks })

	s.projects, err = reconcile.NewLayer(reconcile.LayerOptions[model.Project]{
		Family: FamilyProjects,
		Fetch: func(ctx context.Context, _ int64) ([]model.Project, error) {
			return remote.ListProjects(ctx)
		},
		ID:       func(p model.Project) int64 { return p.ID },
		OnStale:  func(scope int64) { s.projectPulls.Schedule(scope) },
		Logger:   opts.Logger,
		Recorder: opts.Metrics,
	})
	if err != nil {
		return nil, err
	}
	s.members, err = reconcile.NewLayer(reconcile.LayerOptions[model.Member]{
		Family:   FamilyMembers,
		Fetch:    remote.ListMembers,
		ID:       func(m model.Member) int64 { return m.ID },
		OnStale:  func(scope int64) { s.memberPulls.Schedule(scope) },
		Logger:   opts.Logger,
		Recorder: opts.Metrics,
	})
	if err != nil {
		return nil, err
	}
	s.tasks, err = reconcile.NewLayer(reconcile.LayerOptions[model.Task]{
		Family:   FamilyTasks,
		Fetch:    remote.ListTasks,
		ID:       func(t model.Task) int64 { return t.ID },
		OnStale:  func(scope int64) { s.taskPulls.Schedule(scope) },
		Logger:   opts.Logger,
		Recorder: opts.Metrics,
	})
	if err != nil {
		return nil, err
	}

	s.chat, err = chat.NewMultiplexer(chat.Options{
		Transport: s.conn,
		History:   remote,
		Logger:    opts.Logger,
		Recorder:  opts.Metrics,
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// pullable is the part of a reconcile.Layer a scheduler drives.
type pullable interface {
	Pull(ctx context.Context, scope int64) error
	State(scope int64) (reconcile.State, bool)
}

// newScheduler debounces pulls for one family. A scope forgotten while its
// timer was armed is skipped, since pulling it would start tracking it again.
func (s *Syncer) newScheduler(family string, delay time.Duration, layer func() pullable) *reconcile.Scheduler[int64] {
	return reconcile.NewScheduler(reconcile.SchedulerOptions[int64]{
		SettleDelay: delay,
		Fire: func(scope int64) {
			l := layer()
			if _, tracked := l.State(scope); !tracked {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), s.pullTimeout)
			defer cancel()
			if err := l.Pull(ctx, scope); err != nil {
				s.logf("background pull failed: %v", err)
			}
		},
		OnCoalesce: func(int64) { s.metrics.ObserveCoalesced(family) },
		OnFire:     func(_ int64, waited time.Duration) { s.metrics.ObserveSettle(family, waited) },
	})
}

// SetSession switches the syncer to sess. A nil session logs out: the
// connection closes and every cache, timer and chat history is dropped.
// Switching to a different user resets the caches first.
func (s *Syncer) SetSession(sess *session.Session) {
	s.mu.Lock()
	prev := s.session
	if sess == nil && prev == nil {
		s.mu.Unlock()
		return
	}
	if sess != nil && prev != nil && prev.UserID == sess.UserID && prev.Token == sess.Token {
		s.mu.Unlock()
		return
	}
	s.session = sess
	s.mu.Unlock()

	if sess == nil {
		s.router.SetHandlers(nil)
		s.conn.Stop()
		s.setRemoteToken("")
		s.resetCaches()
		s.logf("session ended, caches cleared")
		return
	}
	if prev != nil && prev.UserID != sess.UserID {
		s.router.SetHandlers(nil)
		s.conn.Stop()
		s.resetCaches()
	}

	s.setRemoteToken(sess.Token)
	s.chat.SetUser(sess.UserID)
	s.router.SetHandlers(s.handlers(sess.UserID))
	s.conn.SetToken(sess.Token)
	s.scheduleStale()
}

func (s *Syncer) Session() *session.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

func (s *Syncer) setRemoteToken(token string) {
	if setter, ok := s.remote.(tokenSetter); ok {
		setter.SetToken(token)
	}
}

func (s *Syncer) resetCaches() {
	s.projectPulls.Stop()
	s.memberPulls.Stop()
	s.taskPulls.Stop()
	s.projects.Reset()
	s.members.Reset()
	s.tasks.Reset()
	s.chat.Reset()
}

// scheduleStale queues a pull for every tracked scope that is not fresh,
// which covers scopes seeded from a snapshot before the session started.
func (s *Syncer) scheduleStale() {
	for _, scope := range s.projects.Scopes() {
		if state, _ := s.projects.State(scope); state == reconcile.Stale {
			s.projectPulls.Schedule(scope)
		}
	}
	for _, scope := range s.members.Scopes() {
		if state, _ := s.members.State(scope); state == reconcile.Stale {
			s.memberPulls.Schedule(scope)
		}
	}
	for _, scope := range s.tasks.Scopes() {
		if state, _ := s.tasks.State(scope); state == reconcile.Stale {
			s.taskPulls.Schedule(scope)
		}
	}
}

// handlers builds the routing table for userID. Control events only mark
// caches stale; the data itself always comes from a pull.
func (s *Syncer) handlers(userID int64) notify.Handlers {
	return notify.Handlers{
		notify.ProjectCreated: func(notify.Event) {
			s.projects.Invalidate(projectsScope)
		},
		notify.ProjectUpdated: func(e notify.Event) {
			s.projects.Invalidate(projectsScope, e.ProjectID)
		},
		notify.ProjectDeleted: func(e notify.Event) {
			s.projects.Invalidate(projectsScope, e.ProjectID)
			s.dropProject(e.ProjectID)
		},
		notify.MembershipAdded: func(e notify.Event) {
			s.members.Invalidate(e.ProjectID, e.UserID)
			if e.UserID == userID {
				s.projects.Invalidate(projectsScope)
			}
		},
		notify.MembershipRemoved: func(e notify.Event) {
			s.members.Invalidate(e.ProjectID, e.UserID)
			if e.UserID == userID {
				s.projects.Invalidate(projectsScope, e.ProjectID)
				s.dropProject(e.ProjectID)
			}
		},
		notify.TaskCreated: func(e notify.Event) {
			s.tasks.Invalidate(e.ProjectID)
		},
		notify.TaskUpdated: func(e notify.Event) {
			s.tasks.Invalidate(e.ProjectID, e.TaskID)
		},
		notify.TaskDeleted: func(e notify.Event) {
			s.tasks.Invalidate(e.ProjectID, e.TaskID)
		},
		notify.ProjectMessage: func(e notify.Event) { s.chat.Receive(e) },
		notify.DirectMessage:  func(e notify.Event) { s.chat.Receive(e) },
		notify.ServerError:    func(e notify.Event) { s.chat.Receive(e) },
	}
}

// dropProject forgets the project's scoped caches and closes its room.
func (s *Syncer) dropProject(projectID int64) {
	s.members.Forget(projectID)
	s.tasks.Forget(projectID)
	s.chat.Close(model.ProjectChannel(projectID))
}

// Refresh pulls the project list now.
func (s *Syncer) Refresh(ctx context.Context) error {
	if s.Session() == nil {
		return ErrNoSession
	}
	return s.projects.Pull(ctx, projectsScope)
}

// Watch starts tracking a project: members and tasks are pulled and the
// project room is opened with its history.
func (s *Syncer) Watch(ctx context.Context, projectID int64) error {
	if s.Session() == nil {
		return ErrNoSession
	}
	if projectID <= 0 {
		return fmt.Errorf("%w: project id %d", reconcile.ErrInvalidInput, projectID)
	}
	key := model.ProjectChannel(projectID)
	if err := s.chat.Open(key); err != nil {
		return err
	}
	return errors.Join(
		s.members.Pull(ctx, projectID),
		s.tasks.Pull(ctx, projectID),
		s.chat.LoadHistory(ctx, key),
	)
}

// Unwatch stops tracking a project; later signals for it are ignored.
func (s *Syncer) Unwatch(projectID int64) {
	s.dropProject(projectID)
}

// WatchPeer opens the direct conversation with peerID and loads its history.
func (s *Syncer) WatchPeer(ctx context.Context, peerID int64) error {
	if s.Session() == nil {
		return ErrNoSession
	}
	key := model.PeerChannel(peerID)
	if err := s.chat.Open(key); err != nil {
		return err
	}
	return s.chat.LoadHistory(ctx, key)
}

func (s *Syncer) CreateProject(ctx context.Context, in model.ProjectInput) (model.Project, error) {
	if strings.TrimSpace(in.Name) == "" {
		return model.Project{}, fmt.Errorf("%w: project name is required", reconcile.ErrInvalidInput)
	}
	provisional := model.Project{Name: in.Name, Description: in.Description}
	return s.projects.OptimisticCreate(ctx, projectsScope, provisional, func(ctx context.Context) (model.Project, error) {
		return s.remote.CreateProject(ctx, in)
	})
}

func (s *Syncer) UpdateProject(ctx context.Context, projectID int64, in model.ProjectInput) error {
	return s.projects.MutateAndInvalidate(ctx, projectsScope, projectID, func(ctx context.Context) error {
		_, err := s.remote.UpdateProject(ctx, projectID, in)
		return err
	})
}

func (s *Syncer) DeleteProject(ctx context.Context, projectID int64) error {
	err := s.projects.MutateAndInvalidate(ctx, projectsScope, projectID, func(ctx context.Context) error {
		return s.remote.DeleteProject(ctx, projectID)
	})
	if err != nil {
		return err
	}
	s.dropProject(projectID)
	return nil
}

func (s *Syncer) AddMember(ctx context.Context, projectID, userID int64, role string) error {
	return s.members.MutateAndInvalidate(ctx, projectID, userID, func(ctx context.Context) error {
		return s.remote.AddMember(ctx, projectID, userID, role)
	})
}

func (s *Syncer) RemoveMember(ctx context.Context, projectID, userID int64) error {
	return s.members.MutateAndInvalidate(ctx, projectID, userID, func(ctx context.Context) error {
		return s.remote.RemoveMember(ctx, projectID, userID)
	})
}

func (s *Syncer) CreateTask(ctx context.Context, in model.TaskInput) (model.Task, error) {
	if in.ProjectID <= 0 || strings.TrimSpace(in.Title) == "" {
		return model.Task{}, fmt.Errorf("%w: task needs a project and a title", reconcile.ErrInvalidInput)
	}
	if in.Status == "" {
		in.Status = model.TaskTodo
	}
	provisional := model.Task{
		ProjectID:   in.ProjectID,
		Title:       in.Title,
		Description: in.Description,
		Status:      in.Status,
		AssignedTo:  in.AssignedTo,
	}
	return s.tasks.OptimisticCreate(ctx, in.ProjectID, provisional, func(ctx context.Context) (model.Task, error) {
		return s.remote.CreateTask(ctx, in)
	})
}

func (s *Syncer) UpdateTask(ctx context.Context, projectID, taskID int64, in model.TaskInput) error {
	return s.tasks.MutateAndInvalidate(ctx, projectID, taskID, func(ctx context.Context) error {
		_, err := s.remote.UpdateTask(ctx, taskID, in)
		return err
	})
}

func (s *Syncer) DeleteTask(ctx context.Context, projectID, taskID int64) error {
	return s.tasks.MutateAndInvalidate(ctx, projectID, taskID, func(ctx context.Context) error {
		return s.remote.DeleteTask(ctx, taskID)
	})
}

func (s *Syncer) TaskHistory(ctx context.Context, taskID int64) ([]model.TaskActivity, error) {
	return s.remote.TaskHistory(ctx, taskID)
}

func (s *Syncer) SendMessage(ctx context.Context, key model.ChannelKey, content string) (model.Message, error) {
	return s.chat.Send(ctx, key, content)
}

func (s *Syncer) Projects() []model.Project {
	return s.projects.Snapshot(projectsScope)
}

func (s *Syncer) Members(projectID int64) []model.Member {
	return s.members.Snapshot(projectID)
}

func (s *Syncer) Tasks(projectID int64) []model.Task {
	return s.tasks.Snapshot(projectID)
}

func (s *Syncer) Messages(key model.ChannelKey) []model.Message {
	return s.chat.Messages(key)
}

// ScopeState reports the reconciliation state of a family scope.
func (s *Syncer) ScopeState(family string, scope int64) (reconcile.State, bool) {
	switch family {
	case FamilyProjects:
		return s.projects.State(scope)
	case FamilyMembers:
		return s.members.State(scope)
	case FamilyTasks:
		return s.tasks.State(scope)
	}
	return reconcile.Stale, false
}

// Status is a point-in-time summary of the session, the push connection and
// every tracked scope.
type Status struct {
	UserID       int64         `json:"userId,omitempty"`
	Connection   string        `json:"connection"`
	Scopes       []ScopeStatus `json:"scopes"`
	OpenChannels []string      `json:"openChannels"`
}

type ScopeStatus struct {
	Family string `json:"family"`
	Scope  int64  `json:"scope"`
	State  string `json:"state"`
}

func (s *Syncer) Status() Status {
	out := Status{
		Connection:   s.conn.Status().String(),
		Scopes:       []ScopeStatus{},
		OpenChannels: []string{},
	}
	if sess := s.Session(); sess != nil {
		out.UserID = sess.UserID
	}
	for _, family := range []string{FamilyProjects, FamilyMembers, FamilyTasks} {
		var scopes []int64
		switch family {
		case FamilyProjects:
			scopes = s.projects.Scopes()
		case FamilyMembers:
			scopes = s.members.Scopes()
		case FamilyTasks:
			scopes = s.tasks.Scopes()
		}
		sort.Slice(scopes, func(i, j int) bool { return scopes[i] < scopes[j] })
		for _, scope := range scopes {
			state, tracked := s.ScopeState(family, scope)
			if !tracked {
				continue
			}
			out.Scopes = append(out.Scopes, ScopeStatus{Family: family, Scope: scope, State: state.String()})
		}
	}
	for _, key := range s.chat.OpenChannels() {
		out.OpenChannels = append(out.OpenChannels, key.String())
	}
	sort.Strings(out.OpenChannels)
	return out
}

func (s *Syncer) Connection() *pushconn.Manager {
	return s.conn
}

func (s *Syncer) Chat() *chat.Multiplexer {
	return s.chat
}

// Subscribe registers fn for every cache and chat change.
func (s *Syncer) Subscribe(fn func(Change)) func() {
	if fn == nil {
		return func() {}
	}
	cancels := []func(){
		s.projects.Subscribe(func(scope int64) { fn(Change{Family: FamilyProjects, Scope: scope}) }),
		s.members.Subscribe(func(scope int64) { fn(Change{Family: FamilyMembers, Scope: scope}) }),
		s.tasks.Subscribe(func(scope int64) { fn(Change{Family: FamilyTasks, Scope: scope}) }),
		s.chat.Subscribe(func(u chat.Update) { fn(Change{Channel: u.Channel, Error: u.Error}) }),
	}
	return func() {
		for _, cancel := range cancels {
			cancel()
		}
	}
}

// Snapshot captures the confirmed contents of every cache for the current
// user. It returns nil without a session.
func (s *Syncer) Snapshot() *snapshot.State {
	sess := s.Session()
	if sess == nil {
		return nil
	}
	state := snapshot.NewState(sess.UserID)
	state.SavedAt = time.Now().UTC()
	state.Projects = s.projects.Export()[projectsScope]
	for scope, members := range s.members.Export() {
		state.Members[scope] = members
	}
	for scope, tasks := range s.tasks.Export() {
		state.Tasks[scope] = tasks
	}
	for key, messages := range s.chat.Export() {
		state.Chat[key.String()] = messages
	}
	return state
}

// Restore seeds the caches from state. Restored scopes start stale and are
// pulled as soon as a session is live. Scopes already tracked are left alone.
func (s *Syncer) Restore(state *snapshot.State) error {
	if state == nil {
		return fmt.Errorf("%w: snapshot is nil", reconcile.ErrInvalidInput)
	}
	if sess := s.Session(); sess != nil && sess.UserID != state.UserID {
		return fmt.Errorf("%w: snapshot belongs to user %d", reconcile.ErrInvalidInput, state.UserID)
	}
	if len(state.Projects) > 0 {
		s.projects.Seed(projectsScope, state.Projects)
	}
	for scope, members := range state.Members {
		s.members.Seed(scope, members)
	}
	for scope, tasks := range state.Tasks {
		s.tasks.Seed(scope, tasks)
	}
	history := make(map[model.ChannelKey][]model.Message, len(state.Chat))
	for raw, messages := range state.Chat {
		key, err := model.ParseChannelKey(raw)
		if err != nil {
			s.logf("skipping cached chat channel %q: %v", raw, err)
			continue
		}
		history[key] = messages
	}
	s.chat.Restore(history)
	if s.Session() != nil {
		s.scheduleStale()
	}
	return nil
}

// Close ends the session and stops every timer.
func (s *Syncer) Close() {
	s.SetSession(nil)
}

func (s *Syncer) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}
