// internal/database/friend.go

package database

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jason-s-yu/sipsocial/internal/models"
)

const friendshipColumns = `id, user_id, friend_id, status, created_at`

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

// FriendStore is the Postgres-backed friendship store.
type FriendStore struct {
	pool *pgxpool.Pool
}

// NewFriendStore wraps a pool.
func NewFriendStore(pool *pgxpool.Pool) *FriendStore {
	return &FriendStore{pool: pool}
}

// whereClause renders a Filter as a parameterized WHERE clause, numbering
// placeholders from start. An empty filter renders as TRUE.
func whereClause(f models.Filter, start int) (string, []any) {
	var conds []string
	var args []any
	add := func(col string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf("%s=$%d", col, start+len(args)-1))
	}
	if f.ID != uuid.Nil {
		add("id", f.ID)
	}
	if f.UserID != uuid.Nil {
		add("user_id", f.UserID)
	}
	if f.FriendID != uuid.Nil {
		add("friend_id", f.FriendID)
	}
	if f.Status != "" {
		add("status", string(f.Status))
	}
	if len(conds) == 0 {
		return "TRUE", nil
	}
	return strings.Join(conds, " AND "), args
}

// setClause renders a Patch as a SET list, numbering placeholders from 1.
func setClause(p models.Patch) (string, []any) {
	var sets []string
	var args []any
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s=$%d", col, len(args)))
	}
	if p.UserID != uuid.Nil {
		add("user_id", p.UserID)
	}
	if p.FriendID != uuid.Nil {
		add("friend_id", p.FriendID)
	}
	if p.Status != "" {
		add("status", string(p.Status))
	}
	return strings.Join(sets, ", "), args
}

func scanFriendships(rows pgx.Rows) ([]models.Friendship, error) {
	defer rows.Close()
	fs := []models.Friendship{}
	for rows.Next() {
		var f models.Friendship
		var status string
		if err := rows.Scan(&f.ID, &f.UserID, &f.FriendID, &status, &f.CreatedAt); err != nil {
			return nil, err
		}
		f.Status = models.Status(status)
		fs = append(fs, f)
	}
	return fs, rows.Err()
}

// FindPair returns the row between a and b in either direction, or nil.
func (s *FriendStore) FindPair(ctx context.Context, a, b uuid.UUID) (*models.Friendship, error) {
	q := `
		SELECT ` + friendshipColumns + `
		FROM friendships
		WHERE (user_id=$1 AND friend_id=$2)
		   OR (user_id=$2 AND friend_id=$1)
		LIMIT 1
	`
	rows, err := s.pool.Query(ctx, q, a, b)
	if err != nil {
		return nil, err
	}
	fs, err := scanFriendships(rows)
	if err != nil {
		return nil, err
	}
	if len(fs) == 0 {
		return nil, nil
	}
	return &fs[0], nil
}

// Insert stores f and fills in ID and CreatedAt from the database.
func (s *FriendStore) Insert(ctx context.Context, f *models.Friendship) error {
	q := `
		INSERT INTO friendships (user_id, friend_id, status)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, q, f.UserID, f.FriendID, string(f.Status)).Scan(&f.ID, &f.CreatedAt)
	})
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return models.ErrPairExists
	}
	return err
}

// Update writes set over every row matching match and returns the updated rows.
func (s *FriendStore) Update(ctx context.Context, match models.Filter, set models.Patch) ([]models.Friendship, error) {
	sets, args := setClause(set)
	if sets == "" {
		return nil, fmt.Errorf("update with empty patch")
	}
	where, whereArgs := whereClause(match, len(args)+1)
	args = append(args, whereArgs...)

	q := `UPDATE friendships SET ` + sets + ` WHERE ` + where + ` RETURNING ` + friendshipColumns

	var out []models.Friendship
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, q, args...)
		if err != nil {
			return err
		}
		out, err = scanFriendships(rows)
		return err
	})
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return nil, models.ErrPairExists
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes every row matching match.
func (s *FriendStore) Delete(ctx context.Context, match models.Filter) (int64, error) {
	where, args := whereClause(match, 1)
	return s.exec(ctx, `DELETE FROM friendships WHERE `+where, args...)
}

// DeletePair removes the pair row in either direction if it has status.
func (s *FriendStore) DeletePair(ctx context.Context, a, b uuid.UUID, status models.Status) (int64, error) {
	q := `
		DELETE FROM friendships
		WHERE status=$3
		  AND ((user_id=$1 AND friend_id=$2)
		    OR (user_id=$2 AND friend_id=$1))
	`
	return s.exec(ctx, q, a, b, string(status))
}

func (s *FriendStore) exec(ctx context.Context, q string, args ...any) (int64, error) {
	var n int64
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		ct, err := tx.Exec(ctx, q, args...)
		if err != nil {
			return err
		}
		n = ct.RowsAffected()
		return nil
	})
	return n, err
}

func (s *FriendStore) rpcList(ctx context.Context, fn string, userID uuid.UUID) ([]models.Friendship, error) {
	// fn is one of the fixed function names below, never user input
	rows, err := s.pool.Query(ctx, `SELECT `+friendshipColumns+` FROM `+fn+`($1)`, userID)
	if err != nil {
		return nil, err
	}
	return scanFriendships(rows)
}

// Friends calls get_friends.
func (s *FriendStore) Friends(ctx context.Context, userID uuid.UUID) ([]models.Friendship, error) {
	return s.rpcList(ctx, "get_friends", userID)
}

// PendingRequests calls get_pending_requests.
func (s *FriendStore) PendingRequests(ctx context.Context, userID uuid.UUID) ([]models.Friendship, error) {
	return s.rpcList(ctx, "get_pending_requests", userID)
}

// SentRequests calls get_sent_requests.
func (s *FriendStore) SentRequests(ctx context.Context, userID uuid.UUID) ([]models.Friendship, error) {
	return s.rpcList(ctx, "get_sent_requests", userID)
}

// AreFriends calls are_friends.
func (s *FriendStore) AreFriends(ctx context.Context, userID, friendID uuid.UUID) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx, `SELECT are_friends($1, $2)`, userID, friendID).Scan(&ok)
	return ok, err
}

// RelationStatus calls get_friendship_status.
func (s *FriendStore) RelationStatus(ctx context.Context, userID, otherID uuid.UUID) (models.RelationStatus, error) {
	var st string
	err := s.pool.QueryRow(ctx, `SELECT get_friendship_status($1, $2)`, userID, otherID).Scan(&st)
	if err != nil {
		return models.RelationNone, err
	}
	return models.RelationStatus(st), nil
}
