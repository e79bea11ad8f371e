// internal/friendship/service.go
package friendship

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jason-s-yu/sipsocial/internal/models"
	"github.com/sirupsen/logrus"
)

// Service turns friendship intents into narrowly scoped store calls. Every
// operation takes the caller explicitly; uuid.Nil means not authenticated.
//
// Authorization lives in the shape of each mutation's filter: a caller who may
// not perform a transition simply matches zero rows.
type Service struct {
	store  Store
	logger *logrus.Logger
}

// NewService wires a Service to a store.
func NewService(store Store, logger *logrus.Logger) *Service {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Service{store: store, logger: logger}
}

func (s *Service) storeFailure(op string, caller uuid.UUID, msg string, err error) error {
	s.logger.WithFields(logrus.Fields{
		"op":     op,
		"caller": caller,
		"error":  err,
	}).Error("friendship store call failed")
	return transportError(msg, err)
}

func requireCaller(caller uuid.UUID) error {
	if caller == uuid.Nil {
		return newError(KindUnauthenticated, MsgNotAuthenticated)
	}
	return nil
}

// SendFriendRequest creates a pending row from caller to friendID.
func (s *Service) SendFriendRequest(ctx context.Context, caller uuid.UUID, friendID string) (*models.Friendship, error) {
	if err := requireCaller(caller); err != nil {
		return nil, err
	}
	target, err := parseUserID(friendID)
	if err != nil {
		return nil, err
	}
	if target == caller {
		return nil, newError(KindInvalid, MsgSelfRequest)
	}

	existing, err := s.store.FindPair(ctx, caller, target)
	if err != nil {
		return nil, s.storeFailure("send_request", caller, "failed to check existing friendship", err)
	}
	if existing != nil {
		return nil, conflictFor(existing.Status)
	}

	f := &models.Friendship{
		UserID:   caller,
		FriendID: target,
		Status:   models.StatusPending,
	}
	if err := s.store.Insert(ctx, f); err != nil {
		if errors.Is(err, models.ErrPairExists) {
			// lost a race with the other party or another session
			return nil, newError(KindConflict, MsgAlreadySent)
		}
		return nil, s.storeFailure("send_request", caller, "failed to send friend request", err)
	}
	return f, nil
}

func conflictFor(status models.Status) error {
	switch status {
	case models.StatusPending:
		return newError(KindConflict, MsgAlreadySent)
	case models.StatusAccepted:
		return newError(KindConflict, MsgAlreadyFriends)
	default:
		return newError(KindConflict, MsgCannotSend)
	}
}

// AcceptFriendRequest moves a pending request addressed to caller to accepted.
// A request that does not exist and one caller may not accept are reported identically.
func (s *Service) AcceptFriendRequest(ctx context.Context, caller uuid.UUID, requestID string) (*models.Friendship, error) {
	if err := requireCaller(caller); err != nil {
		return nil, err
	}
	id, err := parseRequestID(requestID)
	if err != nil {
		return nil, err
	}

	rows, err := s.store.Update(ctx,
		models.Filter{ID: id, FriendID: caller, Status: models.StatusPending},
		models.Patch{Status: models.StatusAccepted},
	)
	if err != nil {
		return nil, s.storeFailure("accept_request", caller, "failed to accept friend request", err)
	}
	if len(rows) == 0 {
		s.logger.WithFields(logrus.Fields{"caller": caller, "request_id": id}).Debug("accept matched no pending request")
		return nil, newError(KindNotFound, MsgRequestNotFound)
	}
	return &rows[0], nil
}

// DeclineFriendRequest deletes a pending request addressed to caller. Already gone is success.
func (s *Service) DeclineFriendRequest(ctx context.Context, caller uuid.UUID, requestID string) error {
	return s.deletePending(ctx, "decline_request", caller, requestID, func(id uuid.UUID) models.Filter {
		return models.Filter{ID: id, FriendID: caller, Status: models.StatusPending}
	})
}

// CancelFriendRequest deletes a pending request caller sent. Already gone is success.
func (s *Service) CancelFriendRequest(ctx context.Context, caller uuid.UUID, requestID string) error {
	return s.deletePending(ctx, "cancel_request", caller, requestID, func(id uuid.UUID) models.Filter {
		return models.Filter{ID: id, UserID: caller, Status: models.StatusPending}
	})
}

func (s *Service) deletePending(ctx context.Context, op string, caller uuid.UUID, requestID string, scope func(uuid.UUID) models.Filter) error {
	if err := requireCaller(caller); err != nil {
		return err
	}
	id, err := parseRequestID(requestID)
	if err != nil {
		return err
	}
	n, err := s.store.Delete(ctx, scope(id))
	if err != nil {
		return s.storeFailure(op, caller, "failed to update friend request", err)
	}
	if n == 0 {
		s.logger.WithFields(logrus.Fields{"op": op, "caller": caller, "request_id": id}).Debug("no pending request matched")
	}
	return nil
}

// GetFriends lists caller's accepted friendships.
func (s *Service) GetFriends(ctx context.Context, caller uuid.UUID) ([]models.Friendship, error) {
	return s.list(ctx, "get_friends", caller, s.store.Friends)
}

// GetPendingRequests lists pending requests addressed to caller.
func (s *Service) GetPendingRequests(ctx context.Context, caller uuid.UUID) ([]models.Friendship, error) {
	return s.list(ctx, "get_pending_requests", caller, s.store.PendingRequests)
}

// GetSentRequests lists pending requests caller sent.
func (s *Service) GetSentRequests(ctx context.Context, caller uuid.UUID) ([]models.Friendship, error) {
	return s.list(ctx, "get_sent_requests", caller, s.store.SentRequests)
}

func (s *Service) list(ctx context.Context, op string, caller uuid.UUID, read func(context.Context, uuid.UUID) ([]models.Friendship, error)) ([]models.Friendship, error) {
	if err := requireCaller(caller); err != nil {
		return nil, err
	}
	rows, err := read(ctx, caller)
	if err != nil {
		return nil, s.storeFailure(op, caller, "failed to load friends", err)
	}
	if rows == nil {
		rows = []models.Friendship{}
	}
	return rows, nil
}

// RemoveFriend deletes an accepted friendship with friendID, whichever side started it.
func (s *Service) RemoveFriend(ctx context.Context, caller uuid.UUID, friendID string) error {
	if err := requireCaller(caller); err != nil {
		return err
	}
	target, err := parseUserID(friendID)
	if err != nil {
		return err
	}
	if _, err := s.store.DeletePair(ctx, caller, target, models.StatusAccepted); err != nil {
		return s.storeFailure("remove_friend", caller, "failed to remove friend", err)
	}
	return nil
}

// BlockUser forces the pair into blocked with caller as the blocker, updating
// the existing row or inserting a new one. A block already placed by userID
// is returned unchanged.
func (s *Service) BlockUser(ctx context.Context, caller uuid.UUID, userID string) (*models.Friendship, error) {
	if err := requireCaller(caller); err != nil {
		return nil, err
	}
	target, err := parseUserID(userID)
	if err != nil {
		return nil, err
	}
	if target == caller {
		return nil, newError(KindInvalid, MsgSelfBlock)
	}

	existing, err := s.store.FindPair(ctx, caller, target)
	if err != nil {
		return nil, s.storeFailure("block_user", caller, "failed to block user", err)
	}
	if existing != nil && existing.Status == models.StatusBlocked && existing.UserID != caller {
		// caller is the blockee; taking the blocker side would let them unblock
		return existing, nil
	}
	if existing != nil {
		rows, err := s.store.Update(ctx,
			models.Filter{ID: existing.ID},
			models.Patch{UserID: caller, FriendID: target, Status: models.StatusBlocked},
		)
		if err != nil {
			return nil, s.storeFailure("block_user", caller, "failed to block user", err)
		}
		if len(rows) > 0 {
			return &rows[0], nil
		}
		// row vanished between lookup and update; fall through to insert
	}

	f := &models.Friendship{
		UserID:   caller,
		FriendID: target,
		Status:   models.StatusBlocked,
	}
	if err := s.store.Insert(ctx, f); err != nil {
		if errors.Is(err, models.ErrPairExists) {
			return nil, newError(KindConflict, MsgCannotSend)
		}
		return nil, s.storeFailure("block_user", caller, "failed to block user", err)
	}
	return f, nil
}

// UnblockUser deletes a block caller placed on userID. Only the blocker matches.
func (s *Service) UnblockUser(ctx context.Context, caller uuid.UUID, userID string) error {
	if err := requireCaller(caller); err != nil {
		return err
	}
	target, err := parseUserID(userID)
	if err != nil {
		return err
	}
	n, err := s.store.Delete(ctx, models.Filter{UserID: caller, FriendID: target, Status: models.StatusBlocked})
	if err != nil {
		return s.storeFailure("unblock_user", caller, "failed to unblock user", err)
	}
	if n == 0 {
		s.logger.WithFields(logrus.Fields{"caller": caller, "target": target}).Debug("unblock matched no block")
	}
	return nil
}

// AreFriends reports whether caller and friendID are friends. Any failure reads as false.
func (s *Service) AreFriends(ctx context.Context, caller uuid.UUID, friendID string) bool {
	if caller == uuid.Nil {
		return false
	}
	target, ok := ParseID(friendID)
	if !ok {
		return false
	}
	ok, err := s.store.AreFriends(ctx, caller, target)
	if err != nil {
		s.logger.WithFields(logrus.Fields{"caller": caller, "error": err}).Debug("are_friends probe failed")
		return false
	}
	return ok
}

// GetFriendshipStatus reports the relation from caller's side. Any failure reads as none.
func (s *Service) GetFriendshipStatus(ctx context.Context, caller uuid.UUID, userID string) models.RelationStatus {
	if caller == uuid.Nil {
		return models.RelationNone
	}
	target, ok := ParseID(userID)
	if !ok {
		return models.RelationNone
	}
	st, err := s.store.RelationStatus(ctx, caller, target)
	if err != nil {
		s.logger.WithFields(logrus.Fields{"caller": caller, "error": err}).Debug("friendship status probe failed")
		return models.RelationNone
	}
	if st == "" {
		return models.RelationNone
	}
	return st
}
