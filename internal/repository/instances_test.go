package repository

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/imyashkale/mcphost/internal/database"
	"github.com/imyashkale/mcphost/internal/logger"
	"github.com/imyashkale/mcphost/internal/models"
)

func init() {
	logger.SetOutput(io.Discard)
}

func TestLowestFreeNumber(t *testing.T) {
	tests := []struct {
		name    string
		used    []int
		max     int
		want    int
		wantErr bool
	}{
		{name: "Empty", used: nil, max: 10, want: 1},
		{name: "Sequential", used: []int{1, 2, 3}, max: 10, want: 4},
		{name: "Gap in the middle", used: []int{1, 3}, max: 10, want: 2},
		{name: "Gap at the start", used: []int{2, 3}, max: 10, want: 1},
		{name: "Unsorted input", used: []int{3, 1, 2, 5}, max: 10, want: 4},
		{name: "Full", used: []int{1, 2, 3}, max: 3, wantErr: true},
		{name: "Duplicates tolerated", used: []int{1, 1, 2}, max: 10, want: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := lowestFreeNumber(tt.used, tt.max)
			if tt.wantErr {
				if !errors.Is(err, ErrMaxInstances) {
					t.Fatalf("expected ErrMaxInstances, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %d, got %d", tt.want, got)
			}
		})
	}
}

func newSQLiteRepo(t *testing.T) (InstanceRepository, *database.SQLiteStore) {
	t.Helper()
	store, err := database.NewSQLiteStore(filepath.Join(t.TempDir(), "repo.db"), 10)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	types := NewMCPTypeRepository(store)
	if err := types.Seed(context.Background(), []models.MCPType{{Id: "figma", Name: "figma", DisplayName: "Figma", Active: true}}); err != nil {
		t.Fatalf("failed to seed catalog: %v", err)
	}
	return NewInstanceRepository(store, 10), store
}

func TestNextInstanceNumberReusesGaps(t *testing.T) {
	repo, _ := newSQLiteRepo(t)
	ctx := context.Background()

	for i, id := range []string{"a", "b", "c"} {
		n, err := repo.NextInstanceNumber(ctx, "u1", "figma")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if n != i+1 {
			t.Fatalf("expected number %d, got %d", i+1, n)
		}
		if err := repo.Insert(ctx, &models.Instance{
			Id: id, UserId: "u1", MCPTypeId: "figma", InstanceNumber: n,
			AssignedPort: 49160 + n, Status: models.StatusActive, AccessToken: "mcp_" + id,
			OAuthStatus: models.OAuthPending, CreatedAt: time.Now(), UpdatedAt: time.Now(),
		}); err != nil {
			t.Fatalf("insert failed: %v", err)
		}
	}

	if err := repo.Delete(ctx, "b", "u1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	n, err := repo.NextInstanceNumber(ctx, "u1", "figma")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 {
		t.Errorf("expected freed number 2 to be reused, got %d", n)
	}
}

func TestGenerateUniqueAccessToken(t *testing.T) {
	repo, _ := newSQLiteRepo(t)

	token, err := repo.GenerateUniqueAccessToken(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(token, "mcp_") || len(token) != len("mcp_")+64 {
		t.Errorf("unexpected token format %q", token)
	}

	other, err := repo.GenerateUniqueAccessToken(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if other == token {
		t.Error("two generated tokens should differ")
	}
}

type tokenStore struct {
	InstanceStore
	existing map[string]bool
	lookups  int
}

func (s *tokenStore) AccessTokenExists(ctx context.Context, token string) (bool, error) {
	s.lookups++
	return s.existing[token], nil
}

func TestGenerateUniqueAccessTokenRetriesCollisions(t *testing.T) {
	collide := "mcp_" + strings.Repeat("00", 32)
	store := &tokenStore{existing: map[string]bool{collide: true}}
	repo := &instanceRepository{db: store, maxPerType: 10}

	calls := 0
	repo.randRead = func(b []byte) (int, error) {
		calls++
		for i := range b {
			b[i] = 0
		}
		if calls > 2 {
			b[0] = 1
		}
		return len(b), nil
	}

	token, err := repo.GenerateUniqueAccessToken(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token == collide {
		t.Error("colliding token returned")
	}
	if store.lookups != 3 {
		t.Errorf("expected 3 lookups, got %d", store.lookups)
	}

	// Every attempt collides.
	repo.randRead = func(b []byte) (int, error) {
		for i := range b {
			b[i] = 0
		}
		return len(b), nil
	}
	if _, err := repo.GenerateUniqueAccessToken(context.Background()); !errors.Is(err, ErrTokenGeneration) {
		t.Errorf("expected ErrTokenGeneration, got %v", err)
	}
}

func TestUpdateProcessRejectsUnknownStatus(t *testing.T) {
	repo, _ := newSQLiteRepo(t)
	if err := repo.UpdateProcess(context.Background(), "x", nil, models.InstanceStatus("zombie")); err == nil {
		t.Error("expected error for unknown status")
	}
}
