package friendship

import (
	"github.com/google/uuid"
	"github.com/jason-s-yu/sipsocial/internal/models"
	"github.com/jason-s-yu/sipsocial/internal/realtime"
	"github.com/sirupsen/logrus"
)

// Listener notifies a caller of row changes on either side of their friendships.
type Listener struct {
	hub    *realtime.Hub
	logger *logrus.Logger
}

// NewListener binds a Listener to the hub the store's changes are published on.
func NewListener(hub *realtime.Hub, logger *logrus.Logger) *Listener {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Listener{hub: hub, logger: logger}
}

// Subscribe calls fn for every insert, update or delete of a row where caller is
// user_id or friend_id. The returned teardown removes both bindings and releases
// the channel. An unauthenticated caller gets a no-op teardown.
func (l *Listener) Subscribe(caller uuid.UUID, fn func(models.ChangeEvent)) (teardown func()) {
	if caller == uuid.Nil {
		l.logger.Warn("friendship listener: no authenticated caller, not subscribing")
		return func() {}
	}

	// one channel per subscription so sessions of the same user tear down independently
	ch := l.hub.Channel("friendships:" + caller.String() + ":" + uuid.NewString())
	ch.On(realtime.ColumnUserID, caller, fn)
	ch.On(realtime.ColumnFriendID, caller, fn)

	l.logger.WithFields(logrus.Fields{
		"caller":  caller,
		"channel": ch.Name(),
	}).Debug("friendship listener subscribed")

	return ch.Unsubscribe
}
