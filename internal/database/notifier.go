// internal/database/notifier.go
package database

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jason-s-yu/sipsocial/internal/models"
	"github.com/sirupsen/logrus"
)

// ChangeChannel is the NOTIFY channel the friendships trigger publishes on.
const ChangeChannel = "friendship_changes"

const (
	minReconnectDelay = 500 * time.Millisecond
	maxReconnectDelay = 30 * time.Second
)

// Notifier holds a dedicated connection LISTENing on ChangeChannel and hands
// every decoded change to publish. It reconnects on its own when the connection drops.
type Notifier struct {
	pool    *pgxpool.Pool
	publish func(models.ChangeEvent)
	logger  *logrus.Logger
}

// NewNotifier builds a notifier; call Run to start listening.
func NewNotifier(pool *pgxpool.Pool, publish func(models.ChangeEvent), logger *logrus.Logger) *Notifier {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Notifier{pool: pool, publish: publish, logger: logger}
}

// Run blocks until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) {
	delay := minReconnectDelay
	for {
		listened, err := n.listen(ctx)
		if ctx.Err() != nil {
			n.logger.Info("friendship notifier stopped")
			return
		}
		if listened {
			delay = minReconnectDelay
		}
		n.logger.WithFields(logrus.Fields{
			"error": err,
			"retry": delay,
		}).Warn("friendship notifier disconnected")

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

func (n *Notifier) listen(ctx context.Context) (bool, error) {
	conn, err := n.pool.Acquire(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+ChangeChannel); err != nil {
		return false, err
	}
	n.logger.WithField("channel", ChangeChannel).Info("friendship notifier listening")

	for {
		note, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			// a LISTENing connection must not go back to the pool
			conn.Conn().Close(context.Background())
			return true, err
		}
		ev, err := DecodeChange([]byte(note.Payload))
		if err != nil {
			n.logger.WithField("error", err).Warn("invalid friendship change payload")
			continue
		}
		n.publish(ev)
	}
}

// DecodeChange parses a trigger payload.
func DecodeChange(payload []byte) (models.ChangeEvent, error) {
	var ev models.ChangeEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return ev, err
	}
	if ev.New == nil && ev.Old == nil {
		return ev, errors.New("change payload carries no row")
	}
	return ev, nil
}
