// internal/handlers/friend.go
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/jason-s-yu/sipsocial/internal/auth"
	"github.com/jason-s-yu/sipsocial/internal/friends"
	"github.com/jason-s-yu/sipsocial/internal/friendship"
	"github.com/jason-s-yu/sipsocial/internal/models"
	"github.com/sirupsen/logrus"
)

// FriendServer holds what the friend endpoints need.
type FriendServer struct {
	Service  *friendship.Service
	Listener *friendship.Listener
	Cache    friends.ListCache // optional
	Logger   *logrus.Logger
}

// NewFriendServer wires the endpoints to a service and listener.
func NewFriendServer(svc *friendship.Service, listener *friendship.Listener, cache friends.ListCache, logger *logrus.Logger) *FriendServer {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &FriendServer{Service: svc, Listener: listener, Cache: cache, Logger: logger}
}

// Routes registers every friend endpoint on mux, each wrapped by wrap.
func (fs *FriendServer) Routes(mux *http.ServeMux, wrap func(http.Handler) http.Handler) {
	if wrap == nil {
		wrap = func(h http.Handler) http.Handler { return h }
	}
	handle := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, wrap(h))
	}

	handle("POST /friends/request", fs.SendRequestHandler)
	handle("POST /friends/accept", fs.AcceptRequestHandler)
	handle("POST /friends/decline", fs.DeclineRequestHandler)
	handle("POST /friends/cancel", fs.CancelRequestHandler)
	handle("POST /friends/remove", fs.RemoveFriendHandler)
	handle("POST /friends/block", fs.BlockHandler)
	handle("POST /friends/unblock", fs.UnblockHandler)
	handle("GET /friends/list", fs.ListFriendsHandler)
	handle("GET /friends/pending", fs.PendingRequestsHandler)
	handle("GET /friends/sent", fs.SentRequestsHandler)
	handle("GET /friends/status", fs.StatusHandler)
	handle("GET /friends/are-friends", fs.AreFriendsHandler)
	handle("GET /friends/ws", fs.FriendsWSHandler)
}

// authenticate resolves the caller or writes 401.
func (fs *FriendServer) authenticate(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	caller, err := auth.CallerFromRequest(r)
	if err != nil {
		writeJSONError(w, http.StatusUnauthorized, "not authenticated")
		return uuid.Nil, false
	}
	return caller, true
}

type friendTarget struct {
	FriendID string `json:"friend_id"`
	UserID   string `json:"user_id"`
	ID       string `json:"id"`
}

func decodeTarget(w http.ResponseWriter, r *http.Request) (friendTarget, bool) {
	var req friendTarget
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid payload")
		return req, false
	}
	return req, true
}

// SendRequestHandler: { "friend_id": "<uuid>" } → 201 with the pending row.
func (fs *FriendServer) SendRequestHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := fs.authenticate(w, r)
	if !ok {
		return
	}
	req, ok := decodeTarget(w, r)
	if !ok {
		return
	}
	row, err := fs.Service.SendFriendRequest(r.Context(), caller, req.FriendID)
	if err != nil {
		fs.writeError(w, err)
		return
	}
	fs.invalidate(r, caller, row.FriendID)
	writeJSON(w, http.StatusCreated, row)
}

// AcceptRequestHandler: { "id": "<request id>" } → 200 with the accepted row.
func (fs *FriendServer) AcceptRequestHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := fs.authenticate(w, r)
	if !ok {
		return
	}
	req, ok := decodeTarget(w, r)
	if !ok {
		return
	}
	row, err := fs.Service.AcceptFriendRequest(r.Context(), caller, req.ID)
	if err != nil {
		fs.writeError(w, err)
		return
	}
	fs.invalidate(r, caller, row.UserID)
	writeJSON(w, http.StatusOK, row)
}

// DeclineRequestHandler: { "id": "<request id>" } → 204.
func (fs *FriendServer) DeclineRequestHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := fs.authenticate(w, r)
	if !ok {
		return
	}
	req, ok := decodeTarget(w, r)
	if !ok {
		return
	}
	if err := fs.Service.DeclineFriendRequest(r.Context(), caller, req.ID); err != nil {
		fs.writeError(w, err)
		return
	}
	fs.invalidate(r, caller)
	w.WriteHeader(http.StatusNoContent)
}

// CancelRequestHandler: { "id": "<request id>" } → 204.
func (fs *FriendServer) CancelRequestHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := fs.authenticate(w, r)
	if !ok {
		return
	}
	req, ok := decodeTarget(w, r)
	if !ok {
		return
	}
	if err := fs.Service.CancelFriendRequest(r.Context(), caller, req.ID); err != nil {
		fs.writeError(w, err)
		return
	}
	fs.invalidate(r, caller)
	w.WriteHeader(http.StatusNoContent)
}

// RemoveFriendHandler: { "friend_id": "<uuid>" } → 204.
func (fs *FriendServer) RemoveFriendHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := fs.authenticate(w, r)
	if !ok {
		return
	}
	req, ok := decodeTarget(w, r)
	if !ok {
		return
	}
	if err := fs.Service.RemoveFriend(r.Context(), caller, req.FriendID); err != nil {
		fs.writeError(w, err)
		return
	}
	fs.invalidateTarget(r, caller, req.FriendID)
	w.WriteHeader(http.StatusNoContent)
}

// BlockHandler: { "user_id": "<uuid>" } → 200 with the blocked row.
func (fs *FriendServer) BlockHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := fs.authenticate(w, r)
	if !ok {
		return
	}
	req, ok := decodeTarget(w, r)
	if !ok {
		return
	}
	row, err := fs.Service.BlockUser(r.Context(), caller, req.UserID)
	if err != nil {
		fs.writeError(w, err)
		return
	}
	fs.invalidate(r, caller, row.FriendID)
	writeJSON(w, http.StatusOK, row)
}

// UnblockHandler: { "user_id": "<uuid>" } → 204.
func (fs *FriendServer) UnblockHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := fs.authenticate(w, r)
	if !ok {
		return
	}
	req, ok := decodeTarget(w, r)
	if !ok {
		return
	}
	if err := fs.Service.UnblockUser(r.Context(), caller, req.UserID); err != nil {
		fs.writeError(w, err)
		return
	}
	fs.invalidateTarget(r, caller, req.UserID)
	w.WriteHeader(http.StatusNoContent)
}

// ListFriendsHandler returns the caller's accepted friendships.
func (fs *FriendServer) ListFriendsHandler(w http.ResponseWriter, r *http.Request) {
	fs.serveList(w, r, friends.ListFriends)
}

// PendingRequestsHandler returns requests addressed to the caller.
func (fs *FriendServer) PendingRequestsHandler(w http.ResponseWriter, r *http.Request) {
	fs.serveList(w, r, friends.ListPending)
}

// SentRequestsHandler returns requests the caller sent.
func (fs *FriendServer) SentRequestsHandler(w http.ResponseWriter, r *http.Request) {
	fs.serveList(w, r, friends.ListSent)
}

func (fs *FriendServer) serveList(w http.ResponseWriter, r *http.Request, list friends.List) {
	caller, ok := fs.authenticate(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	if fs.Cache != nil {
		cached, hit, err := fs.Cache.Get(ctx, caller, string(list))
		if err != nil {
			fs.Logger.WithFields(logrus.Fields{"caller": caller, "list": list, "error": err}).Warn("list cache read failed")
		} else if hit {
			writeJSON(w, http.StatusOK, cached)
			return
		}
	}

	var (
		rows []models.Friendship
		err  error
	)
	switch list {
	case friends.ListPending:
		rows, err = fs.Service.GetPendingRequests(ctx, caller)
	case friends.ListSent:
		rows, err = fs.Service.GetSentRequests(ctx, caller)
	default:
		rows, err = fs.Service.GetFriends(ctx, caller)
	}
	if err != nil {
		fs.writeError(w, err)
		return
	}
	if fs.Cache != nil {
		if err := fs.Cache.Set(ctx, caller, string(list), rows); err != nil {
			fs.Logger.WithFields(logrus.Fields{"caller": caller, "list": list, "error": err}).Warn("list cache write failed")
		}
	}
	writeJSON(w, http.StatusOK, rows)
}

// StatusHandler: ?user_id=<uuid> → {"status": "..."}.
func (fs *FriendServer) StatusHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := fs.authenticate(w, r)
	if !ok {
		return
	}
	st := fs.Service.GetFriendshipStatus(r.Context(), caller, r.URL.Query().Get("user_id"))
	writeJSON(w, http.StatusOK, map[string]string{"status": string(st)})
}

// AreFriendsHandler: ?user_id=<uuid> → {"friends": bool}.
func (fs *FriendServer) AreFriendsHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := fs.authenticate(w, r)
	if !ok {
		return
	}
	ok = fs.Service.AreFriends(r.Context(), caller, r.URL.Query().Get("user_id"))
	writeJSON(w, http.StatusOK, map[string]bool{"friends": ok})
}

// invalidate drops the cached lists of everyone a successful mutation touched.
func (fs *FriendServer) invalidate(r *http.Request, users ...uuid.UUID) {
	if fs.Cache == nil {
		return
	}
	names := make([]string, len(friends.Lists))
	for i, l := range friends.Lists {
		names[i] = string(l)
	}
	for _, u := range users {
		if err := fs.Cache.Invalidate(r.Context(), u, names...); err != nil {
			fs.Logger.WithFields(logrus.Fields{"user": u, "error": err}).Warn("list cache invalidate failed")
		}
	}
}

// invalidateTarget invalidates caller and, when raw parses, the other user.
func (fs *FriendServer) invalidateTarget(r *http.Request, caller uuid.UUID, raw string) {
	if target, ok := friendship.ParseID(raw); ok {
		fs.invalidate(r, caller, target)
		return
	}
	fs.invalidate(r, caller)
}

// writeError maps the friendship error kinds to HTTP statuses.
func (fs *FriendServer) writeError(w http.ResponseWriter, err error) {
	var fe *friendship.Error
	if !errors.As(err, &fe) {
		fs.Logger.WithField("error", err).Error("unexpected friendship error")
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}
	status := http.StatusInternalServerError
	switch fe.Kind {
	case friendship.KindUnauthenticated:
		status = http.StatusUnauthorized
	case friendship.KindInvalid:
		status = http.StatusBadRequest
	case friendship.KindConflict:
		status = http.StatusConflict
	case friendship.KindNotFound:
		status = http.StatusNotFound
	case friendship.KindTransport:
		status = http.StatusBadGateway
	}
	writeJSONError(w, status, fe.Msg)
}
