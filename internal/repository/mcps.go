package repository

import (
	"context"

	"github.com/imyashkale/mcphost/internal/database"
	"github.com/imyashkale/mcphost/internal/models"
)

// Re-export errors from database package so callers need not import it
var (
	ErrNotFound            = database.ErrNotFound
	ErrAlreadyExists       = database.ErrAlreadyExists
	ErrPortTaken           = database.ErrPortTaken
	ErrTokenTaken          = database.ErrTokenTaken
	ErrInstanceNumberTaken = database.ErrInstanceNumberTaken
	ErrMaxInstances        = database.ErrMaxInstances
	ErrUnknownType         = database.ErrUnknownType
)

// IsConflict reports whether err is a uniqueness violation worth retrying
// with freshly generated values.
func IsConflict(err error) bool {
	return database.IsConflict(err)
}

// MCPTypeStore is implemented by the database backends that hold the catalog
type MCPTypeStore interface {
	UpsertMCPType(ctx context.Context, t *models.MCPType) error
	GetMCPType(ctx context.Context, id string) (*models.MCPType, error)
	ListMCPTypes(ctx context.Context) ([]*models.MCPType, error)
}

// MCPTypeRepository defines the interface for catalog operations
type MCPTypeRepository interface {
	Upsert(ctx context.Context, t *models.MCPType) error
	Get(ctx context.Context, id string) (*models.MCPType, error)
	List(ctx context.Context) ([]*models.MCPType, error)
	Seed(ctx context.Context, types []models.MCPType) error
}

type mcpTypeRepository struct {
	db MCPTypeStore
}

// NewMCPTypeRepository creates a catalog repository over any store backend
func NewMCPTypeRepository(db MCPTypeStore) MCPTypeRepository {
	return &mcpTypeRepository{
		db: db,
	}
}

// Upsert creates or replaces a catalog entry
func (r *mcpTypeRepository) Upsert(ctx context.Context, t *models.MCPType) error {
	return r.db.UpsertMCPType(ctx, t)
}

// Get retrieves a catalog entry by ID
func (r *mcpTypeRepository) Get(ctx context.Context, id string) (*models.MCPType, error) {
	return r.db.GetMCPType(ctx, id)
}

// List returns the whole catalog
func (r *mcpTypeRepository) List(ctx context.Context) ([]*models.MCPType, error) {
	return r.db.ListMCPTypes(ctx)
}

// Seed upserts every entry of a loaded catalog
func (r *mcpTypeRepository) Seed(ctx context.Context, types []models.MCPType) error {
	for i := range types {
		if err := r.db.UpsertMCPType(ctx, &types[i]); err != nil {
			return err
		}
	}
	return nil
}
