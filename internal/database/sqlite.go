package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/imyashkale/mcphost/internal/logger"
	"github.com/imyashkale/mcphost/internal/models"
	_ "modernc.org/sqlite"
)

// SQLiteStore keeps instance records and the MCP type catalog in a local
// SQLite database. Uniqueness and the per-type cardinality limit are
// enforced by the schema so concurrent writers are arbitrated by the store.
type SQLiteStore struct {
	db         *sql.DB
	maxPerType int
}

// NewSQLiteStore opens (creating if needed) the database at path and applies
// migrations. maxPerType is the per (user, type) instance limit.
func NewSQLiteStore(path string, maxPerType int) (*SQLiteStore, error) {
	if maxPerType < 1 {
		return nil, fmt.Errorf("max instances per type must be positive, got %d", maxPerType)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes; a single connection also keeps the
	// insert-time trigger and constraint checks strictly ordered.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &SQLiteStore{db: db, maxPerType: maxPerType}

	if err := s.configurePragmas(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.WithFields(map[string]interface{}{
		"path":         path,
		"max_per_type": maxPerType,
	}).Info("SQLite store ready")

	return s, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) configurePragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS mcp_types (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			display_name TEXT NOT NULL,
			token_url TEXT NOT NULL DEFAULT '',
			scopes TEXT NOT NULL DEFAULT '[]',
			client_id TEXT NOT NULL DEFAULT '',
			client_secret TEXT NOT NULL DEFAULT '',
			active INTEGER NOT NULL DEFAULT 1,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS instances (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			mcp_type_id TEXT NOT NULL REFERENCES mcp_types(id),
			instance_number INTEGER NOT NULL CHECK (instance_number >= 1),
			assigned_port INTEGER NOT NULL CHECK (assigned_port BETWEEN 1 AND 65535),
			process_id INTEGER,
			status TEXT NOT NULL CHECK (status IN ('active', 'inactive', 'expired', 'failed')),
			access_token TEXT NOT NULL,
			client_id TEXT NOT NULL DEFAULT '',
			client_secret TEXT NOT NULL DEFAULT '',
			oauth_access_token TEXT NOT NULL DEFAULT '',
			refresh_token TEXT NOT NULL DEFAULT '',
			token_expires_at TEXT,
			oauth_status TEXT NOT NULL DEFAULT 'pending',
			custom_name TEXT NOT NULL DEFAULT '',
			config TEXT NOT NULL DEFAULT '{}',
			expires_at TEXT,
			usage_count INTEGER NOT NULL DEFAULT 0,
			last_used_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE (user_id, mcp_type_id, instance_number),
			UNIQUE (access_token)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_instances_active_port ON instances(assigned_port) WHERE status = 'active'`,
		`CREATE INDEX IF NOT EXISTS idx_instances_user ON instances(user_id, mcp_type_id)`,
		`CREATE INDEX IF NOT EXISTS idx_instances_status ON instances(status)`,
		// The limit is configurable, so the trigger is rebuilt on every start.
		`DROP TRIGGER IF EXISTS trg_instances_max_per_type`,
		fmt.Sprintf(`CREATE TRIGGER trg_instances_max_per_type
			BEFORE INSERT ON instances
			WHEN NEW.instance_number > %[1]d
				OR (SELECT COUNT(*) FROM instances
					WHERE user_id = NEW.user_id AND mcp_type_id = NEW.mcp_type_id) >= %[1]d
			BEGIN
				SELECT RAISE(ABORT, 'max instances per type reached');
			END`, s.maxPerType),
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// mapConstraintError converts SQLite constraint failures into the package's
// sentinel errors. Anything else is returned unchanged.
func mapConstraintError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "max instances per type reached"):
		return ErrMaxInstances
	case strings.Contains(msg, "instances.assigned_port"):
		return ErrPortTaken
	case strings.Contains(msg, "instances.access_token"):
		return ErrTokenTaken
	case strings.Contains(msg, "instances.instance_number"):
		return ErrInstanceNumberTaken
	case strings.Contains(msg, "instances.id"):
		return ErrAlreadyExists
	case strings.Contains(msg, "FOREIGN KEY constraint failed"):
		return ErrUnknownType
	}
	return err
}

const instanceColumns = `id, user_id, mcp_type_id, instance_number, assigned_port, process_id, status,
	access_token, client_id, client_secret, oauth_access_token, refresh_token, token_expires_at,
	oauth_status, custom_name, config, expires_at, usage_count, last_used_at, created_at, updated_at`

// InsertInstance persists a new instance record in a single statement.
func (s *SQLiteStore) InsertInstance(ctx context.Context, inst *models.Instance) error {
	if err := inst.Config.Validate(); err != nil {
		return err
	}
	cfg, err := inst.Config.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO instances (`+instanceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.Id, inst.UserId, inst.MCPTypeId, inst.InstanceNumber, inst.AssignedPort,
		nullInt(inst.ProcessId), string(inst.Status),
		inst.AccessToken, inst.ClientId, inst.ClientSecret, inst.OAuthAccessToken, inst.RefreshToken,
		nullTime(inst.TokenExpiresAt), string(inst.OAuthStatus), inst.CustomName, cfg,
		nullTime(inst.ExpiresAt), inst.UsageCount, nullTime(inst.LastUsedAt),
		formatTime(inst.CreatedAt), formatTime(inst.UpdatedAt),
	)
	if err != nil {
		mapped := mapConstraintError(err)
		if mapped != err {
			return mapped
		}
		return fmt.Errorf("failed to insert instance: %w", err)
	}
	return nil
}

// GetInstance returns the instance with the given id.
func (s *SQLiteStore) GetInstance(ctx context.Context, id string) (*models.Instance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM instances WHERE id = ?`, id)
	return scanInstance(row)
}

// GetInstanceByAccessToken returns the instance that was issued token.
func (s *SQLiteStore) GetInstanceByAccessToken(ctx context.Context, token string) (*models.Instance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM instances WHERE access_token = ?`, token)
	return scanInstance(row)
}

// ListInstancesByUser returns a user's instances ordered by type and number.
func (s *SQLiteStore) ListInstancesByUser(ctx context.Context, userID string) ([]*models.Instance, error) {
	return s.queryInstances(ctx, `SELECT `+instanceColumns+` FROM instances
		WHERE user_id = ? ORDER BY mcp_type_id, instance_number`, userID)
}

// ListActiveInstances returns every instance whose status is active.
func (s *SQLiteStore) ListActiveInstances(ctx context.Context) ([]*models.Instance, error) {
	return s.queryInstances(ctx, `SELECT `+instanceColumns+` FROM instances
		WHERE status = 'active' ORDER BY assigned_port`)
}

func (s *SQLiteStore) queryInstances(ctx context.Context, query string, args ...any) ([]*models.Instance, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query instances: %w", err)
	}
	defer rows.Close()

	var out []*models.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate instances: %w", err)
	}
	return out, nil
}

// DeleteInstance removes the record owned by userID. It returns ErrNotFound
// when no such row exists for that user.
func (s *SQLiteStore) DeleteInstance(ctx context.Context, id, userID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM instances WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("failed to delete instance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read delete result: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListActivePorts returns the assigned ports of all active instances.
func (s *SQLiteStore) ListActivePorts(ctx context.Context) ([]int, error) {
	return s.queryInts(ctx, `SELECT assigned_port FROM instances WHERE status = 'active' ORDER BY assigned_port`)
}

// ListInstanceNumbers returns the instance numbers in use for (user, type).
func (s *SQLiteStore) ListInstanceNumbers(ctx context.Context, userID, mcpTypeID string) ([]int, error) {
	return s.queryInts(ctx, `SELECT instance_number FROM instances
		WHERE user_id = ? AND mcp_type_id = ? ORDER BY instance_number`, userID, mcpTypeID)
}

func (s *SQLiteStore) queryInts(ctx context.Context, query string, args ...any) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var out []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// CountInstances returns how many instances a user has across all types.
func (s *SQLiteStore) CountInstances(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM instances WHERE user_id = ?`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count instances: %w", err)
	}
	return n, nil
}

// CountInstancesByType returns how many instances a user has for one type.
func (s *SQLiteStore) CountInstancesByType(ctx context.Context, userID, mcpTypeID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM instances WHERE user_id = ? AND mcp_type_id = ?`,
		userID, mcpTypeID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count instances: %w", err)
	}
	return n, nil
}

// AccessTokenExists reports whether token has already been issued.
func (s *SQLiteStore) AccessTokenExists(ctx context.Context, token string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM instances WHERE access_token = ?`, token).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up access token: %w", err)
	}
	return true, nil
}

// UpdateProcess records the backing pid (nil once the process is gone) and
// the runtime status. Re-activating a record is subject to the active-port
// uniqueness constraint.
func (s *SQLiteStore) UpdateProcess(ctx context.Context, id string, pid *int, status models.InstanceStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE instances SET process_id = ?, status = ?, updated_at = ? WHERE id = ?`,
		nullInt(pid), string(status), formatTime(time.Now()), id)
	if err != nil {
		mapped := mapConstraintError(err)
		if mapped != err {
			return mapped
		}
		return fmt.Errorf("failed to update process: %w", err)
	}
	return expectOneRow(res)
}

// UpdateOAuthTokens stores a refreshed vendor token set and marks OAuth completed.
func (s *SQLiteStore) UpdateOAuthTokens(ctx context.Context, id string, tokens models.OAuthTokens) error {
	res, err := s.db.ExecContext(ctx, `UPDATE instances
		SET oauth_access_token = ?, refresh_token = ?, token_expires_at = ?, oauth_status = ?, updated_at = ?
		WHERE id = ?`,
		tokens.AccessToken, tokens.RefreshToken, nullTime(tokens.ExpiresAt), string(models.OAuthCompleted),
		formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to update oauth tokens: %w", err)
	}
	return expectOneRow(res)
}

// MarkOAuthStatus sets the OAuth status without touching the tokens.
func (s *SQLiteStore) MarkOAuthStatus(ctx context.Context, id string, status models.OAuthStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE instances SET oauth_status = ?, updated_at = ? WHERE id = ?`,
		string(status), formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to update oauth status: %w", err)
	}
	return expectOneRow(res)
}

// RecordUsage increments the usage counter and stamps last_used_at.
func (s *SQLiteStore) RecordUsage(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE instances SET usage_count = usage_count + 1, last_used_at = ? WHERE id = ?`,
		formatTime(at), id)
	if err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}
	return expectOneRow(res)
}

// UpsertMCPType inserts or replaces a catalog entry.
func (s *SQLiteStore) UpsertMCPType(ctx context.Context, t *models.MCPType) error {
	scopes, err := json.Marshal(t.Scopes)
	if err != nil {
		return fmt.Errorf("failed to marshal scopes: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO mcp_types
		(id, name, display_name, token_url, scopes, client_id, client_secret, active, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			display_name = excluded.display_name,
			token_url = excluded.token_url,
			scopes = excluded.scopes,
			client_id = excluded.client_id,
			client_secret = excluded.client_secret,
			active = excluded.active,
			updated_at = excluded.updated_at`,
		t.Id, t.Name, t.DisplayName, t.TokenURL, string(scopes), t.ClientId, t.ClientSecret,
		boolToInt(t.Active), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to upsert mcp type: %w", err)
	}
	return nil
}

// GetMCPType returns a catalog entry by id.
func (s *SQLiteStore) GetMCPType(ctx context.Context, id string) (*models.MCPType, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, display_name, token_url, scopes, client_id, client_secret, active
		FROM mcp_types WHERE id = ?`, id)
	return scanMCPType(row)
}

// ListMCPTypes returns the catalog ordered by id.
func (s *SQLiteStore) ListMCPTypes(ctx context.Context) ([]*models.MCPType, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, display_name, token_url, scopes, client_id, client_secret, active
		FROM mcp_types ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list mcp types: %w", err)
	}
	defer rows.Close()

	var out []*models.MCPType
	for rows.Next() {
		t, err := scanMCPType(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanInstance(row scanner) (*models.Instance, error) {
	var (
		inst                            models.Instance
		pid                             sql.NullInt64
		status, oauthStatus, cfg        string
		tokenExpires, expires, lastUsed sql.NullString
		createdAt, updatedAt            string
	)
	err := row.Scan(&inst.Id, &inst.UserId, &inst.MCPTypeId, &inst.InstanceNumber, &inst.AssignedPort,
		&pid, &status, &inst.AccessToken, &inst.ClientId, &inst.ClientSecret, &inst.OAuthAccessToken,
		&inst.RefreshToken, &tokenExpires, &oauthStatus, &inst.CustomName, &cfg, &expires,
		&inst.UsageCount, &lastUsed, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan instance: %w", err)
	}

	if pid.Valid {
		p := int(pid.Int64)
		inst.ProcessId = &p
	}
	inst.Status = models.InstanceStatus(status)
	inst.OAuthStatus = models.OAuthStatus(oauthStatus)
	if inst.Config, err = models.DecodeInstanceConfig(cfg); err != nil {
		return nil, err
	}
	inst.TokenExpiresAt = parseNullTime(tokenExpires)
	inst.ExpiresAt = parseNullTime(expires)
	inst.LastUsedAt = parseNullTime(lastUsed)
	inst.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	inst.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &inst, nil
}

func scanMCPType(row scanner) (*models.MCPType, error) {
	var (
		t      models.MCPType
		scopes string
		active int
	)
	err := row.Scan(&t.Id, &t.Name, &t.DisplayName, &t.TokenURL, &scopes, &t.ClientId, &t.ClientSecret, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan mcp type: %w", err)
	}
	if err := json.Unmarshal([]byte(scopes), &t.Scopes); err != nil {
		return nil, fmt.Errorf("failed to decode scopes for %s: %w", t.Id, err)
	}
	t.Active = active != 0
	return &t, nil
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
