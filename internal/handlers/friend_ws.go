// internal/handlers/friend_ws.go
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/jason-s-yu/sipsocial/internal/friends"
	"github.com/jason-s-yu/sipsocial/internal/friendship"
	"github.com/jason-s-yu/sipsocial/internal/middleware"
	"github.com/jason-s-yu/sipsocial/internal/models"
	"github.com/sirupsen/logrus"
)

// FeedSubprotocol is the subprotocol friends feed clients must request.
const FeedSubprotocol = "friends"

const (
	feedBuffer       = 32
	feedPingInterval = 30 * time.Second
	feedWriteTimeout = 5 * time.Second
)

// feedMessage is the envelope for everything the feed sends.
type feedMessage struct {
	Type   string `json:"type"`
	Action string `json:"action,omitempty"`
	Data   any    `json:"data,omitempty"`
	Error  string `json:"error,omitempty"`
}

// feedCommand is what a client may send: an action name plus its target.
type feedCommand struct {
	Type     string `json:"type"`
	ID       string `json:"id"`
	FriendID string `json:"friend_id"`
	UserID   string `json:"user_id"`
}

// feedConn is one client of the friends feed.
type feedConn struct {
	caller uuid.UUID
	out    chan feedMessage
	cancel context.CancelFunc
	logger *logrus.Logger
}

// send queues msg without blocking. A client that cannot keep up is disconnected.
func (fc *feedConn) send(msg feedMessage) {
	select {
	case fc.out <- msg:
	default:
		fc.logger.WithField("caller", fc.caller).Warn("friends feed: outbound buffer full, disconnecting")
		fc.cancel()
	}
}

// FriendsWSHandler serves the live friends feed. Each connection owns a
// friends.View for the caller: the client gets a "snapshot" after every
// reload, a "change" per raw row change, and may send actions.
func (fs *FriendServer) FriendsWSHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := fs.authenticate(w, r)
	if !ok {
		return
	}

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{FeedSubprotocol},
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		fs.Logger.Warnf("websocket accept error: %v", err)
		return
	}
	defer c.Close(websocket.StatusInternalError, "handler finished")

	if c.Subprotocol() != FeedSubprotocol {
		c.Close(BadSubprotocolError, "client must speak the friends subprotocol")
		return
	}

	middleware.LogWebSocketConnect(fs.Logger, r.RemoteAddr, r.URL.Path, caller.String())

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn := &feedConn{
		caller: caller,
		out:    make(chan feedMessage, feedBuffer),
		cancel: cancel,
		logger: fs.Logger,
	}

	opts := []friends.Option{
		friends.WithLogger(fs.Logger),
		friends.OnChange(func(s friends.Snapshot) {
			for _, st := range s.States {
				if st == friends.StateLoading {
					return
				}
			}
			conn.send(feedMessage{Type: "snapshot", Data: s})
		}),
		friends.OnEvent(func(ev models.ChangeEvent) {
			conn.send(feedMessage{Type: "change", Data: ev})
		}),
	}
	if fs.Cache != nil {
		opts = append(opts, friends.WithCache(fs.Cache))
	}
	view := friends.NewView(fs.Service, fs.Listener, caller, opts...)
	defer view.Close()

	go feedWritePump(ctx, c, conn)

	if err := view.Start(ctx); err != nil {
		fs.Logger.WithFields(logrus.Fields{"caller": caller, "error": err}).Warn("friends feed: initial load failed")
	}

	err = feedReadPump(ctx, c, view, conn)
	middleware.LogWebSocketDisconnect(fs.Logger, r.RemoteAddr, r.URL.Path, err)

	if ctx.Err() != nil && r.Context().Err() == nil {
		c.Close(FeedOverflowError, "client too slow")
		return
	}
	c.Close(websocket.StatusNormalClosure, "")
}

// feedReadPump runs client actions against the view until the connection ends.
func feedReadPump(ctx context.Context, c *websocket.Conn, view *friends.View, conn *feedConn) error {
	for {
		typ, msg, err := c.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if typ != websocket.MessageText {
			continue
		}

		var cmd feedCommand
		if err := json.Unmarshal(msg, &cmd); err != nil {
			conn.send(feedMessage{Type: "error", Error: "invalid message"})
			continue
		}
		data, err := runFeedCommand(ctx, view, cmd)
		if err != nil {
			reply := feedMessage{Type: "error", Action: cmd.Type, Error: err.Error()}
			var fe *friendship.Error
			if errors.As(err, &fe) {
				reply.Error = fe.Msg
			}
			conn.send(reply)
			continue
		}
		conn.send(feedMessage{Type: "ok", Action: cmd.Type, Data: data})
	}
}

var errUnknownCommand = errors.New("unknown command")

func runFeedCommand(ctx context.Context, view *friends.View, cmd feedCommand) (any, error) {
	switch cmd.Type {
	case "refresh":
		return nil, view.Refresh(ctx)
	case "clear_error":
		view.ClearError()
		return nil, nil
	case "send_request":
		return view.SendRequest(ctx, cmd.FriendID)
	case "accept_request":
		return view.AcceptRequest(ctx, cmd.ID)
	case "decline_request":
		return nil, view.DeclineRequest(ctx, cmd.ID)
	case "cancel_request":
		return nil, view.CancelRequest(ctx, cmd.ID)
	case "remove_friend":
		return nil, view.RemoveFriend(ctx, cmd.FriendID)
	case "block_user":
		return view.Block(ctx, cmd.UserID)
	case "unblock_user":
		return nil, view.Unblock(ctx, cmd.UserID)
	}
	return nil, errUnknownCommand
}

// feedWritePump drains conn.out to the socket and pings periodically.
func feedWritePump(ctx context.Context, c *websocket.Conn, conn *feedConn) {
	ticker := time.NewTicker(feedPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-conn.out:
			data, err := json.Marshal(msg)
			if err != nil {
				conn.logger.Warnf("friends feed: failed to marshal %s for %v: %v", msg.Type, conn.caller, err)
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, feedWriteTimeout)
			err = c.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				conn.logger.Warnf("friends feed: write failed for %v: %v", conn.caller, err)
				conn.cancel()
				return
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, feedWriteTimeout)
			err := c.Ping(pingCtx)
			cancel()
			if err != nil {
				conn.logger.Warnf("friends feed: ping failed for %v: %v", conn.caller, err)
				conn.cancel()
				return
			}
		}
	}
}
