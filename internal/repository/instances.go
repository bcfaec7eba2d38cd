package repository

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/imyashkale/mcphost/internal/database"
	"github.com/imyashkale/mcphost/internal/logger"
	"github.com/imyashkale/mcphost/internal/models"
)

const (
	accessTokenPrefix = "mcp_"
	accessTokenBytes  = 32
	maxTokenAttempts  = 5
)

// ErrTokenGeneration is returned when no unused access token could be found
// within the attempt budget.
var ErrTokenGeneration = errors.New("could not generate a unique access token")

// InstanceStore is implemented by the database backends that hold instance records
type InstanceStore interface {
	InsertInstance(ctx context.Context, inst *models.Instance) error
	GetInstance(ctx context.Context, id string) (*models.Instance, error)
	GetInstanceByAccessToken(ctx context.Context, token string) (*models.Instance, error)
	ListInstancesByUser(ctx context.Context, userID string) ([]*models.Instance, error)
	ListActiveInstances(ctx context.Context) ([]*models.Instance, error)
	DeleteInstance(ctx context.Context, id, userID string) error
	ListActivePorts(ctx context.Context) ([]int, error)
	ListInstanceNumbers(ctx context.Context, userID, mcpTypeID string) ([]int, error)
	CountInstances(ctx context.Context, userID string) (int, error)
	CountInstancesByType(ctx context.Context, userID, mcpTypeID string) (int, error)
	AccessTokenExists(ctx context.Context, token string) (bool, error)
	UpdateProcess(ctx context.Context, id string, pid *int, status models.InstanceStatus) error
	UpdateOAuthTokens(ctx context.Context, id string, tokens models.OAuthTokens) error
	MarkOAuthStatus(ctx context.Context, id string, status models.OAuthStatus) error
	RecordUsage(ctx context.Context, id string, at time.Time) error
}

// Compile-time interface assertions.
var (
	_ InstanceStore = (*database.SQLiteStore)(nil)
	_ InstanceStore = (*database.DynamoInstanceStore)(nil)
	_ MCPTypeStore  = (*database.SQLiteStore)(nil)
	_ MCPTypeStore  = (*database.DynamoMCPTypeStore)(nil)
)

// InstanceRepository defines the interface for instance record operations
type InstanceRepository interface {
	Insert(ctx context.Context, inst *models.Instance) error
	Get(ctx context.Context, id string) (*models.Instance, error)
	GetByAccessToken(ctx context.Context, token string) (*models.Instance, error)
	ListByUser(ctx context.Context, userID string) ([]*models.Instance, error)
	ListActive(ctx context.Context) ([]*models.Instance, error)
	Delete(ctx context.Context, id, userID string) error
	ListActivePorts(ctx context.Context) ([]int, error)
	NextInstanceNumber(ctx context.Context, userID, mcpTypeID string) (int, error)
	CountInstances(ctx context.Context, userID string) (int, error)
	CountInstancesByType(ctx context.Context, userID, mcpTypeID string) (int, error)
	GenerateUniqueAccessToken(ctx context.Context) (string, error)
	UpdateProcess(ctx context.Context, id string, pid *int, status models.InstanceStatus) error
	UpdateOAuthTokens(ctx context.Context, id string, tokens models.OAuthTokens) error
	MarkOAuthStatus(ctx context.Context, id string, status models.OAuthStatus) error
	RecordUsage(ctx context.Context, id string, at time.Time) error
}

type instanceRepository struct {
	db         InstanceStore
	maxPerType int
	randRead   func([]byte) (int, error)
}

// NewInstanceRepository creates an instance repository over any store backend
func NewInstanceRepository(db InstanceStore, maxPerType int) InstanceRepository {
	return &instanceRepository{
		db:         db,
		maxPerType: maxPerType,
		randRead:   rand.Read,
	}
}

// Insert persists a new instance record
func (r *instanceRepository) Insert(ctx context.Context, inst *models.Instance) error {
	return r.db.InsertInstance(ctx, inst)
}

// Get retrieves an instance by ID
func (r *instanceRepository) Get(ctx context.Context, id string) (*models.Instance, error) {
	return r.db.GetInstance(ctx, id)
}

// GetByAccessToken retrieves the instance that owns an access token
func (r *instanceRepository) GetByAccessToken(ctx context.Context, token string) (*models.Instance, error) {
	return r.db.GetInstanceByAccessToken(ctx, token)
}

// ListByUser retrieves all instances of a user
func (r *instanceRepository) ListByUser(ctx context.Context, userID string) ([]*models.Instance, error) {
	return r.db.ListInstancesByUser(ctx, userID)
}

// ListActive retrieves every active instance
func (r *instanceRepository) ListActive(ctx context.Context) ([]*models.Instance, error) {
	return r.db.ListActiveInstances(ctx)
}

// Delete removes an instance owned by userID
func (r *instanceRepository) Delete(ctx context.Context, id, userID string) error {
	return r.db.DeleteInstance(ctx, id, userID)
}

// ListActivePorts returns the ports held by active instances
func (r *instanceRepository) ListActivePorts(ctx context.Context) ([]int, error) {
	return r.db.ListActivePorts(ctx)
}

// NextInstanceNumber returns the lowest instance number in 1..max that is
// not used by (user, type). Numbers freed by deletion are handed out again.
func (r *instanceRepository) NextInstanceNumber(ctx context.Context, userID, mcpTypeID string) (int, error) {
	used, err := r.db.ListInstanceNumbers(ctx, userID, mcpTypeID)
	if err != nil {
		return 0, fmt.Errorf("failed to list instance numbers: %w", err)
	}
	return lowestFreeNumber(used, r.maxPerType)
}

func lowestFreeNumber(used []int, limit int) (int, error) {
	sorted := append([]int(nil), used...)
	sort.Ints(sorted)

	next := 1
	for _, n := range sorted {
		if n < next {
			continue
		}
		if n > next {
			break
		}
		next++
	}
	if next > limit {
		return 0, ErrMaxInstances
	}
	return next, nil
}

// CountInstances returns the number of instances a user owns
func (r *instanceRepository) CountInstances(ctx context.Context, userID string) (int, error) {
	return r.db.CountInstances(ctx, userID)
}

// CountInstancesByType returns the number of instances a user owns for one type
func (r *instanceRepository) CountInstancesByType(ctx context.Context, userID, mcpTypeID string) (int, error) {
	return r.db.CountInstancesByType(ctx, userID, mcpTypeID)
}

// GenerateUniqueAccessToken returns a fresh "mcp_" token that is not in the
// store. The insert's unique constraint still arbitrates races between
// concurrent generators.
func (r *instanceRepository) GenerateUniqueAccessToken(ctx context.Context) (string, error) {
	buf := make([]byte, accessTokenBytes)
	for attempt := 1; attempt <= maxTokenAttempts; attempt++ {
		if _, err := r.randRead(buf); err != nil {
			return "", fmt.Errorf("failed to read random bytes: %w", err)
		}
		token := accessTokenPrefix + hex.EncodeToString(buf)

		exists, err := r.db.AccessTokenExists(ctx, token)
		if err != nil {
			return "", err
		}
		if !exists {
			return token, nil
		}
		logger.WithField("attempt", attempt).Warn("Generated access token already exists, retrying")
	}
	return "", ErrTokenGeneration
}

// UpdateProcess records the backing pid and status
func (r *instanceRepository) UpdateProcess(ctx context.Context, id string, pid *int, status models.InstanceStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid instance status %q", status)
	}
	return r.db.UpdateProcess(ctx, id, pid, status)
}

// UpdateOAuthTokens stores refreshed vendor tokens
func (r *instanceRepository) UpdateOAuthTokens(ctx context.Context, id string, tokens models.OAuthTokens) error {
	return r.db.UpdateOAuthTokens(ctx, id, tokens)
}

// MarkOAuthStatus sets the vendor OAuth status
func (r *instanceRepository) MarkOAuthStatus(ctx context.Context, id string, status models.OAuthStatus) error {
	return r.db.MarkOAuthStatus(ctx, id, status)
}

// RecordUsage bumps the usage counter
func (r *instanceRepository) RecordUsage(ctx context.Context, id string, at time.Time) error {
	return r.db.RecordUsage(ctx, id, at)
}
