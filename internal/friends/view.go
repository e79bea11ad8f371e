// internal/friends/view.go
package friends

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/jason-s-yu/sipsocial/internal/friendship"
	"github.com/jason-s-yu/sipsocial/internal/models"
	"github.com/sirupsen/logrus"
)

// List names one of the three lists a View tracks.
type List string

const (
	ListFriends List = "friends"
	ListPending List = "pending"
	ListSent    List = "sent"
)

// Lists is every list a View tracks, in load order.
var Lists = []List{ListFriends, ListPending, ListSent}

// LoadState is the per-list load progress.
type LoadState string

const (
	StateIdle    LoadState = "idle"
	StateLoading LoadState = "loading"
	StateReady   LoadState = "ready"
)

// API is the friendship operations a View drives. *friendship.Service implements it.
type API interface {
	GetFriends(ctx context.Context, caller uuid.UUID) ([]models.Friendship, error)
	GetPendingRequests(ctx context.Context, caller uuid.UUID) ([]models.Friendship, error)
	GetSentRequests(ctx context.Context, caller uuid.UUID) ([]models.Friendship, error)

	SendFriendRequest(ctx context.Context, caller uuid.UUID, friendID string) (*models.Friendship, error)
	AcceptFriendRequest(ctx context.Context, caller uuid.UUID, requestID string) (*models.Friendship, error)
	DeclineFriendRequest(ctx context.Context, caller uuid.UUID, requestID string) error
	CancelFriendRequest(ctx context.Context, caller uuid.UUID, requestID string) error
	RemoveFriend(ctx context.Context, caller uuid.UUID, friendID string) error
	BlockUser(ctx context.Context, caller uuid.UUID, userID string) (*models.Friendship, error)
	UnblockUser(ctx context.Context, caller uuid.UUID, userID string) error
}

// Subscriber registers for row changes concerning caller. *friendship.Listener implements it.
type Subscriber interface {
	Subscribe(caller uuid.UUID, fn func(models.ChangeEvent)) (teardown func())
}

// ListCache is an optional query cache keyed by caller and list. *cache.ListCache implements it.
type ListCache interface {
	Get(ctx context.Context, caller uuid.UUID, list string) ([]models.Friendship, bool, error)
	Set(ctx context.Context, caller uuid.UUID, list string, rows []models.Friendship) error
	Invalidate(ctx context.Context, caller uuid.UUID, lists ...string) error
}

// Snapshot is a copy of a View's observable state.
type Snapshot struct {
	Caller       uuid.UUID           `json:"caller"`
	Friends      []models.Friendship `json:"friends"`
	Pending      []models.Friendship `json:"pending"`
	Sent         []models.Friendship `json:"sent"`
	States       map[List]LoadState  `json:"states"`
	FriendCount  int                 `json:"friend_count"`
	PendingCount int                 `json:"pending_count"`
	SentCount    int                 `json:"sent_count"`
	Error        string              `json:"error,omitempty"`
}

// Option configures a View.
type Option func(*View)

// WithCache routes list reads through c.
func WithCache(c ListCache) Option {
	return func(v *View) { v.cache = c }
}

// WithLogger sets the logger.
func WithLogger(l *logrus.Logger) Option {
	return func(v *View) { v.logger = l }
}

// OnChange registers fn to receive a snapshot after every state change.
func OnChange(fn func(Snapshot)) Option {
	return func(v *View) { v.onChange = fn }
}

// OnEvent registers fn to receive every raw change event before the reload it triggers.
func OnEvent(fn func(models.ChangeEvent)) Option {
	return func(v *View) { v.onEvent = fn }
}

// View owns the friends, pending and sent lists of one caller and keeps them
// fresh: lists reload on Refresh, after every successful mutation and on every
// change event. Read errors land in the error slot and keep the old data.
type View struct {
	api    API
	sub    Subscriber
	cache  ListCache
	logger *logrus.Logger

	onChange func(Snapshot)
	onEvent  func(models.ChangeEvent)

	// loadMu serializes loads so an older load cannot overwrite a newer one.
	loadMu sync.Mutex

	mu       sync.Mutex
	ctx      context.Context
	caller   uuid.UUID
	gen      uint64 // bumped on identity switch and close; stale loads are dropped
	closed   bool
	lists    map[List][]models.Friendship
	states   map[List]LoadState
	err      error
	teardown func()
}

// NewView builds a View for caller. Call Start to load and subscribe.
func NewView(api API, sub Subscriber, caller uuid.UUID, opts ...Option) *View {
	v := &View{
		api:    api,
		sub:    sub,
		caller: caller,
		ctx:    context.Background(),
		logger: logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(v)
	}
	v.resetLocked()
	return v
}

func (v *View) resetLocked() {
	v.lists = make(map[List][]models.Friendship, len(Lists))
	v.states = make(map[List]LoadState, len(Lists))
	for _, l := range Lists {
		v.lists[l] = []models.Friendship{}
		v.states[l] = StateIdle
	}
	v.err = nil
}

// Start subscribes to changes and performs the first load. ctx bounds the
// reloads triggered by change events for the life of the View.
func (v *View) Start(ctx context.Context) error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	v.ctx = ctx
	caller, gen := v.caller, v.gen
	v.mu.Unlock()

	v.subscribe(caller, gen)
	return v.load(ctx, gen, false)
}

func (v *View) subscribe(caller uuid.UUID, gen uint64) {
	teardown := v.sub.Subscribe(caller, func(ev models.ChangeEvent) {
		v.handleEvent(gen, ev)
	})

	v.mu.Lock()
	if v.closed || v.gen != gen {
		v.mu.Unlock()
		teardown()
		return
	}
	v.teardown = teardown
	v.mu.Unlock()
}

func (v *View) handleEvent(gen uint64, ev models.ChangeEvent) {
	v.mu.Lock()
	if v.closed || v.gen != gen {
		v.mu.Unlock()
		return
	}
	ctx := v.ctx
	v.mu.Unlock()

	if v.onEvent != nil {
		v.onEvent(ev)
	}
	if err := v.load(ctx, gen, true); err != nil {
		v.logger.WithField("error", err).Debug("reload after change event failed")
	}
}

// Refresh reloads all three lists, bypassing the cache.
func (v *View) Refresh(ctx context.Context) error {
	v.mu.Lock()
	gen := v.gen
	v.mu.Unlock()
	return v.load(ctx, gen, true)
}

func (v *View) fetch(ctx context.Context, caller uuid.UUID, l List) ([]models.Friendship, error) {
	switch l {
	case ListPending:
		return v.api.GetPendingRequests(ctx, caller)
	case ListSent:
		return v.api.GetSentRequests(ctx, caller)
	default:
		return v.api.GetFriends(ctx, caller)
	}
}

// load reloads every list for the generation gen. fresh skips and invalidates the cache.
func (v *View) load(ctx context.Context, gen uint64, fresh bool) error {
	v.loadMu.Lock()
	defer v.loadMu.Unlock()

	v.mu.Lock()
	if v.closed || v.gen != gen {
		v.mu.Unlock()
		return nil
	}
	caller := v.caller
	prev := make(map[List]LoadState, len(Lists))
	for _, l := range Lists {
		prev[l] = v.states[l]
		v.states[l] = StateLoading
	}
	v.mu.Unlock()
	v.notify()

	if v.cache != nil && fresh {
		names := make([]string, len(Lists))
		for i, l := range Lists {
			names[i] = string(l)
		}
		if err := v.cache.Invalidate(ctx, caller, names...); err != nil {
			v.logger.WithFields(logrus.Fields{"caller": caller, "error": err}).Warn("list cache invalidate failed")
		}
	}

	var firstErr error
	for _, l := range Lists {
		rows, err := v.read(ctx, caller, l, fresh)

		v.mu.Lock()
		if v.closed || v.gen != gen {
			v.mu.Unlock()
			return nil
		}
		if err != nil {
			v.err = err
			v.states[l] = prev[l]
			if firstErr == nil {
				firstErr = err
			}
		} else {
			v.lists[l] = rows
			v.states[l] = StateReady
		}
		v.mu.Unlock()
	}

	v.notify()
	return firstErr
}

func (v *View) read(ctx context.Context, caller uuid.UUID, l List, fresh bool) ([]models.Friendship, error) {
	if v.cache != nil && !fresh {
		rows, ok, err := v.cache.Get(ctx, caller, string(l))
		if err != nil {
			v.logger.WithFields(logrus.Fields{"caller": caller, "list": l, "error": err}).Warn("list cache read failed")
		} else if ok {
			return rows, nil
		}
	}

	rows, err := v.fetch(ctx, caller, l)
	if err != nil {
		return nil, err
	}
	if v.cache != nil {
		if err := v.cache.Set(ctx, caller, string(l), rows); err != nil {
			v.logger.WithFields(logrus.Fields{"caller": caller, "list": l, "error": err}).Warn("list cache write failed")
		}
	}
	return rows, nil
}

// mutate runs op for the current caller; on success it reloads, on failure it
// fills the error slot and returns the error unchanged.
func (v *View) mutate(ctx context.Context, op func(uuid.UUID) error) error {
	v.mu.Lock()
	caller, gen := v.caller, v.gen
	v.mu.Unlock()

	if err := op(caller); err != nil {
		v.mu.Lock()
		stale := v.closed || v.gen != gen
		if !stale {
			v.err = err
		}
		v.mu.Unlock()
		if !stale {
			v.notify()
		}
		return err
	}

	if err := v.load(ctx, gen, true); err != nil {
		v.logger.WithField("error", err).Debug("reload after mutation failed")
	}
	return nil
}

// SendRequest sends a friend request to friendID.
func (v *View) SendRequest(ctx context.Context, friendID string) (*models.Friendship, error) {
	var row *models.Friendship
	err := v.mutate(ctx, func(caller uuid.UUID) error {
		var err error
		row, err = v.api.SendFriendRequest(ctx, caller, friendID)
		return err
	})
	return row, err
}

// AcceptRequest accepts the pending request requestID.
func (v *View) AcceptRequest(ctx context.Context, requestID string) (*models.Friendship, error) {
	var row *models.Friendship
	err := v.mutate(ctx, func(caller uuid.UUID) error {
		var err error
		row, err = v.api.AcceptFriendRequest(ctx, caller, requestID)
		return err
	})
	return row, err
}

// DeclineRequest declines the pending request requestID.
func (v *View) DeclineRequest(ctx context.Context, requestID string) error {
	return v.mutate(ctx, func(caller uuid.UUID) error {
		return v.api.DeclineFriendRequest(ctx, caller, requestID)
	})
}

// CancelRequest withdraws a request the caller sent.
func (v *View) CancelRequest(ctx context.Context, requestID string) error {
	return v.mutate(ctx, func(caller uuid.UUID) error {
		return v.api.CancelFriendRequest(ctx, caller, requestID)
	})
}

// RemoveFriend unfriends friendID.
func (v *View) RemoveFriend(ctx context.Context, friendID string) error {
	return v.mutate(ctx, func(caller uuid.UUID) error {
		return v.api.RemoveFriend(ctx, caller, friendID)
	})
}

// Block blocks userID.
func (v *View) Block(ctx context.Context, userID string) (*models.Friendship, error) {
	var row *models.Friendship
	err := v.mutate(ctx, func(caller uuid.UUID) error {
		var err error
		row, err = v.api.BlockUser(ctx, caller, userID)
		return err
	})
	return row, err
}

// Unblock lifts a block the caller placed on userID.
func (v *View) Unblock(ctx context.Context, userID string) error {
	return v.mutate(ctx, func(caller uuid.UUID) error {
		return v.api.UnblockUser(ctx, caller, userID)
	})
}

// SwitchCaller re-keys the View to a new identity: lists are dropped, the old
// subscription is torn down and everything reloads for id.
func (v *View) SwitchCaller(ctx context.Context, id uuid.UUID) error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	v.gen++
	old := v.teardown
	v.teardown = nil
	v.caller = id
	v.ctx = ctx
	v.resetLocked()
	gen := v.gen
	v.mu.Unlock()

	if old != nil {
		old()
	}
	v.notify()
	v.subscribe(id, gen)
	return v.load(ctx, gen, false)
}

// Close tears down the subscription. Loads and events still in flight are discarded.
func (v *View) Close() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	v.gen++
	teardown := v.teardown
	v.teardown = nil
	v.mu.Unlock()

	if teardown != nil {
		teardown()
	}
}

// Caller returns the identity the View is keyed to.
func (v *View) Caller() uuid.UUID {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.caller
}

// Err returns the error slot.
func (v *View) Err() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.err
}

// ClearError dismisses the error slot.
func (v *View) ClearError() {
	v.mu.Lock()
	v.err = nil
	v.mu.Unlock()
	v.notify()
}

// State returns the load state of l.
func (v *View) State(l List) LoadState {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.states[l]
}

// Friends returns the accepted friendships.
func (v *View) Friends() []models.Friendship { return v.list(ListFriends) }

// Pending returns requests addressed to the caller.
func (v *View) Pending() []models.Friendship { return v.list(ListPending) }

// Sent returns requests the caller sent.
func (v *View) Sent() []models.Friendship { return v.list(ListSent) }

func (v *View) list(l List) []models.Friendship {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]models.Friendship{}, v.lists[l]...)
}

// Snapshot copies the observable state. Counts are list lengths.
func (v *View) Snapshot() Snapshot {
	v.mu.Lock()
	defer v.mu.Unlock()
	s := Snapshot{
		Caller:  v.caller,
		Friends: append([]models.Friendship{}, v.lists[ListFriends]...),
		Pending: append([]models.Friendship{}, v.lists[ListPending]...),
		Sent:    append([]models.Friendship{}, v.lists[ListSent]...),
		States:  make(map[List]LoadState, len(Lists)),
	}
	for _, l := range Lists {
		s.States[l] = v.states[l]
	}
	s.FriendCount = len(s.Friends)
	s.PendingCount = len(s.Pending)
	s.SentCount = len(s.Sent)
	if v.err != nil {
		s.Error = v.err.Error()
		var fe *friendship.Error
		if errors.As(v.err, &fe) {
			s.Error = fe.Msg
		}
	}
	return s
}

func (v *View) notify() {
	if v.onChange == nil {
		return
	}
	v.mu.Lock()
	closed := v.closed
	v.mu.Unlock()
	if closed {
		return
	}
	v.onChange(v.Snapshot())
}
