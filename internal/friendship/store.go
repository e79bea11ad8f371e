package friendship

import (
	"context"

	"github.com/google/uuid"
	"github.com/jason-s-yu/sipsocial/internal/models"
)

// Store is the relation store the Service drives. Every mutation is scoped by
// an equality Filter; a filter that matches nothing is not an error at this level.
type Store interface {
	// FindPair returns the row between a and b in either direction, or nil.
	FindPair(ctx context.Context, a, b uuid.UUID) (*models.Friendship, error)
	// Insert stores f, assigning ID and CreatedAt. Returns models.ErrPairExists
	// when the pair already has a row.
	Insert(ctx context.Context, f *models.Friendship) error
	// Update writes set over every row matching match and returns the updated rows.
	Update(ctx context.Context, match models.Filter, set models.Patch) ([]models.Friendship, error)
	// Delete removes every row matching match and returns the count.
	Delete(ctx context.Context, match models.Filter) (int64, error)
	// DeletePair removes the pair row in either direction if it has status.
	DeletePair(ctx context.Context, a, b uuid.UUID, status models.Status) (int64, error)

	Friends(ctx context.Context, userID uuid.UUID) ([]models.Friendship, error)
	PendingRequests(ctx context.Context, userID uuid.UUID) ([]models.Friendship, error)
	SentRequests(ctx context.Context, userID uuid.UUID) ([]models.Friendship, error)
	AreFriends(ctx context.Context, userID, friendID uuid.UUID) (bool, error)
	RelationStatus(ctx context.Context, userID, otherID uuid.UUID) (models.RelationStatus, error)
}
