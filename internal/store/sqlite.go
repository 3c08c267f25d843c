// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides agent persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agents (
			id            TEXT PRIMARY KEY,
			agent_uid     TEXT NOT NULL UNIQUE,
			name          TEXT NOT NULL,
			owner_user_id TEXT NOT NULL,
			api_host      TEXT NOT NULL,
			api_key       TEXT NOT NULL,
			enabled       INTEGER NOT NULL DEFAULT 1,
			config_json   TEXT NOT NULL DEFAULT '',
			created_at    TEXT NOT NULL,
			updated_at    TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_agents_owner ON agents(owner_user_id);
		CREATE INDEX IF NOT EXISTS idx_agents_enabled ON agents(enabled);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateAgent inserts a new agent
func (s *SQLiteStore) CreateAgent(ctx context.Context, agent *Agent) error {
	configJSON, err := agent.Config.marshal()
	if err != nil {
		return err
	}

	query := `
		INSERT INTO agents (id, agent_uid, name, owner_user_id, api_host, api_key, enabled, config_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		agent.ID,
		agent.AgentUID,
		agent.Name,
		agent.OwnerUserID,
		agent.APIHost,
		agent.APIKey,
		boolToInt(agent.Enabled),
		configJSON,
		agent.CreatedAt.UTC().Format(time.RFC3339),
		agent.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateAgent
		}
		return fmt.Errorf("inserting agent: %w", err)
	}

	s.logger.Debug("created agent", "id", agent.ID, "agent_uid", agent.AgentUID)
	return nil
}

// GetAgent retrieves an agent by row ID
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	return s.getAgentWhere(ctx, "id = ?", id)
}

// GetAgentByUID retrieves an agent by its public UID
func (s *SQLiteStore) GetAgentByUID(ctx context.Context, agentUID string) (*Agent, error) {
	return s.getAgentWhere(ctx, "agent_uid = ?", agentUID)
}

func (s *SQLiteStore) getAgentWhere(ctx context.Context, where string, arg any) (*Agent, error) {
	query := `
		SELECT id, agent_uid, name, owner_user_id, api_host, api_key, enabled, config_json, created_at, updated_at
		FROM agents
		WHERE ` + where

	agent, err := scanAgent(s.db.QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying agent: %w", err)
	}
	return agent, nil
}

// ListAgents returns all agents, newest first. A non-empty ownerUserID
// restricts the listing to that owner.
func (s *SQLiteStore) ListAgents(ctx context.Context, ownerUserID string) ([]*Agent, error) {
	query := `
		SELECT id, agent_uid, name, owner_user_id, api_host, api_key, enabled, config_json, created_at, updated_at
		FROM agents
	`
	args := []any{}
	if ownerUserID != "" {
		query += " WHERE owner_user_id = ?"
		args = append(args, ownerUserID)
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}
	defer rows.Close()

	return collectAgents(rows)
}

// GetEnabledAgentsByUIDs returns the enabled agents among the given UIDs,
// preserving the caller's UID order. Unknown and disabled UIDs are dropped.
func (s *SQLiteStore) GetEnabledAgentsByUIDs(ctx context.Context, uids []string) ([]*Agent, error) {
	if len(uids) == 0 {
		return nil, nil
	}

	placeholders := strings.Repeat("?,", len(uids)-1) + "?"
	query := `
		SELECT id, agent_uid, name, owner_user_id, api_host, api_key, enabled, config_json, created_at, updated_at
		FROM agents
		WHERE enabled = 1 AND agent_uid IN (` + placeholders + `)`

	args := make([]any, len(uids))
	for i, uid := range uids {
		args[i] = uid
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying enabled agents: %w", err)
	}
	defer rows.Close()

	found, err := collectAgents(rows)
	if err != nil {
		return nil, err
	}

	byUID := make(map[string]*Agent, len(found))
	for _, a := range found {
		byUID[a.AgentUID] = a
	}

	ordered := make([]*Agent, 0, len(found))
	for _, uid := range uids {
		if a, ok := byUID[uid]; ok {
			ordered = append(ordered, a)
		}
	}
	return ordered, nil
}

// UpdateAgent rewrites a stored agent's mutable fields
func (s *SQLiteStore) UpdateAgent(ctx context.Context, agent *Agent) error {
	configJSON, err := agent.Config.marshal()
	if err != nil {
		return err
	}

	query := `
		UPDATE agents
		SET name = ?, api_host = ?, api_key = ?, enabled = ?, config_json = ?, updated_at = ?
		WHERE id = ?
	`
	result, err := s.db.ExecContext(ctx, query,
		agent.Name,
		agent.APIHost,
		agent.APIKey,
		boolToInt(agent.Enabled),
		configJSON,
		agent.UpdatedAt.UTC().Format(time.RFC3339),
		agent.ID,
	)
	if err != nil {
		return fmt.Errorf("updating agent: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("updated agent", "id", agent.ID)
	return nil
}

// DeleteAgent removes an agent by row ID
func (s *SQLiteStore) DeleteAgent(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM agents WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting agent: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("deleted agent", "id", id)
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*Agent, error) {
	var agent Agent
	var enabled int
	var configJSON, createdAt, updatedAt string

	err := row.Scan(
		&agent.ID,
		&agent.AgentUID,
		&agent.Name,
		&agent.OwnerUserID,
		&agent.APIHost,
		&agent.APIKey,
		&enabled,
		&configJSON,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	agent.Enabled = enabled != 0
	if agent.Config, err = unmarshalConfig(configJSON); err != nil {
		return nil, err
	}
	if agent.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if agent.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &agent, nil
}

func collectAgents(rows *sql.Rows) ([]*Agent, error) {
	var agents []*Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning agent: %w", err)
		}
		agents = append(agents, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating agents: %w", err)
	}
	return agents, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "unique constraint")
}
