package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/doniyusdinar/command-fleet/pkg/models"
	_ "github.com/mattn/go-sqlite3"
)

const pausedKey = "paused"

// DB is the sqlite-backed registry store
type DB struct {
	conn *sql.DB
}

// New creates a new database connection
func New(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := conn.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := conn.Exec("PRAGMA busy_timeout=5000;"); err != nil {
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return db, nil
}

// migrate creates the database schema
func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		info TEXT,
		registered_at TIMESTAMP NOT NULL,
		last_seen TIMESTAMP NOT NULL,
		disabled INTEGER NOT NULL DEFAULT 0,
		current_command TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS commands (
		id TEXT PRIMARY KEY,
		batch_id TEXT NOT NULL DEFAULT '',
		agent_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		status TEXT NOT NULL,
		seq INTEGER NOT NULL,
		enqueued_at TIMESTAMP NOT NULL,
		dispatched_at TIMESTAMP,
		completed_at TIMESTAMP,
		result TEXT NOT NULL DEFAULT '',
		exit_code INTEGER,
		elapsed_seconds REAL
	);

	CREATE INDEX IF NOT EXISTS idx_commands_agent_status ON commands (agent_id, status);
	CREATE INDEX IF NOT EXISTS idx_commands_seq ON commands (seq);

	CREATE TABLE IF NOT EXISTS agent_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		agent_id TEXT NOT NULL,
		level TEXT NOT NULL,
		message TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`

	if _, err := db.conn.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks the connection, used by the health endpoint
func (db *DB) Ping() error {
	return db.conn.Ping()
}

// LoadState reads every agent and every unresolved command
func (db *DB) LoadState() (*models.PersistedState, error) {
	state := &models.PersistedState{}

	rows, err := db.conn.Query(`
		SELECT id, info, registered_at, last_seen, disabled, current_command FROM agents ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var agent models.Agent
		var info sql.NullString
		if err := rows.Scan(&agent.ID, &info, &agent.RegisteredAt, &agent.LastSeen, &agent.Disabled, &agent.CurrentCommand); err != nil {
			return nil, err
		}
		if info.Valid && info.String != "" {
			if err := json.Unmarshal([]byte(info.String), &agent.Info); err != nil {
				return nil, fmt.Errorf("failed to unmarshal info of agent %s: %w", agent.ID, err)
			}
		}
		state.Agents = append(state.Agents, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	state.Commands, err = db.queryCommands(`WHERE status IN (?, ?) ORDER BY seq`, string(models.CommandPending), string(models.CommandDispatched))
	if err != nil {
		return nil, err
	}

	if err := db.conn.QueryRow(`SELECT COALESCE(MAX(seq), 0) FROM commands`).Scan(&state.MaxSeq); err != nil {
		return nil, err
	}

	var paused string
	err = db.conn.QueryRow(`SELECT value FROM settings WHERE key = ?`, pausedKey).Scan(&paused)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}
	state.Paused = paused == "true"

	return state, nil
}

// SaveAgent inserts or replaces an agent row. The queue is not stored; it is
// rebuilt from pending commands.
func (db *DB) SaveAgent(agent models.Agent) error {
	var info []byte
	if agent.Info != nil {
		var err error
		info, err = json.Marshal(agent.Info)
		if err != nil {
			return fmt.Errorf("failed to marshal info: %w", err)
		}
	}

	_, err := db.conn.Exec(`
		INSERT INTO agents (id, info, registered_at, last_seen, disabled, current_command)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			info = excluded.info,
			last_seen = excluded.last_seen,
			disabled = excluded.disabled,
			current_command = excluded.current_command
	`, agent.ID, string(info), agent.RegisteredAt, agent.LastSeen, agent.Disabled, agent.CurrentCommand)
	return err
}

// DeleteAgent removes an agent row
func (db *DB) DeleteAgent(agentID string) error {
	_, err := db.conn.Exec(`DELETE FROM agents WHERE id = ?`, agentID)
	return err
}

// SaveCommand inserts or replaces a command row
func (db *DB) SaveCommand(cmd models.Command) error {
	_, err := db.conn.Exec(`
		INSERT INTO commands (id, batch_id, agent_id, payload, status, seq, enqueued_at, dispatched_at, completed_at, result, exit_code, elapsed_seconds)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			dispatched_at = excluded.dispatched_at,
			completed_at = excluded.completed_at,
			result = excluded.result,
			exit_code = excluded.exit_code,
			elapsed_seconds = excluded.elapsed_seconds
	`, cmd.ID, cmd.BatchID, cmd.AgentID, cmd.Payload, string(cmd.Status), cmd.Seq, cmd.EnqueuedAt,
		nullTime(cmd.DispatchedAt), nullTime(cmd.CompletedAt), cmd.Result, nullInt(cmd.ExitCode), nullFloat(cmd.ElapsedSeconds))
	return err
}

// GetCommand returns a command by id, or nil when it does not exist
func (db *DB) GetCommand(id string) (*models.Command, error) {
	commands, err := db.queryCommands(`WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(commands) == 0 {
		return nil, nil
	}
	return &commands[0], nil
}

// ListCommands returns command history, newest first
func (db *DB) ListCommands(filter models.CommandFilter) ([]models.Command, error) {
	var where []string
	var args []interface{}
	if filter.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, filter.AgentID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}

	clause := ""
	if len(where) > 0 {
		clause = "WHERE " + strings.Join(where, " AND ")
	}
	clause += " ORDER BY seq DESC"
	if filter.Limit > 0 {
		clause += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	return db.queryCommands(clause, args...)
}

// AbandonCommands marks every unresolved command of an agent as abandoned
func (db *DB) AbandonCommands(agentID string, at time.Time) error {
	_, err := db.conn.Exec(`
		UPDATE commands SET status = ?, completed_at = ?
		WHERE agent_id = ? AND status IN (?, ?)
	`, string(models.CommandAbandoned), at, agentID, string(models.CommandPending), string(models.CommandDispatched))
	return err
}

// AppendLog stores one agent log line
func (db *DB) AppendLog(entry models.LogEntry) error {
	_, err := db.conn.Exec(`
		INSERT INTO agent_logs (agent_id, level, message, created_at)
		VALUES (?, ?, ?, ?)
	`, entry.AgentID, entry.Level, entry.Message, entry.Timestamp)
	return err
}

// ListLogs returns the newest limit log lines, oldest first
func (db *DB) ListLogs(agentID string, limit int) ([]models.LogEntry, error) {
	query := `SELECT id, agent_id, level, message, created_at FROM agent_logs`
	var args []interface{}
	if agentID != "" {
		query += ` WHERE agent_id = ?`
		args = append(args, agentID)
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := []models.LogEntry{}
	for rows.Next() {
		var entry models.LogEntry
		if err := rows.Scan(&entry.ID, &entry.AgentID, &entry.Level, &entry.Message, &entry.Timestamp); err != nil {
			return nil, err
		}
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(logs)-1; i < j; i, j = i+1, j-1 {
		logs[i], logs[j] = logs[j], logs[i]
	}
	return logs, nil
}

// SavePaused persists the global pause flag
func (db *DB) SavePaused(paused bool) error {
	value := "false"
	if paused {
		value = "true"
	}
	_, err := db.conn.Exec(`
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, pausedKey, value)
	return err
}

func (db *DB) queryCommands(clause string, args ...interface{}) ([]models.Command, error) {
	rows, err := db.conn.Query(`
		SELECT id, batch_id, agent_id, payload, status, seq, enqueued_at, dispatched_at, completed_at, result, exit_code, elapsed_seconds
		FROM commands `+clause, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	commands := []models.Command{}
	for rows.Next() {
		var cmd models.Command
		var status string
		var dispatchedAt, completedAt sql.NullTime
		var exitCode sql.NullInt64
		var elapsed sql.NullFloat64

		err := rows.Scan(&cmd.ID, &cmd.BatchID, &cmd.AgentID, &cmd.Payload, &status, &cmd.Seq, &cmd.EnqueuedAt,
			&dispatchedAt, &completedAt, &cmd.Result, &exitCode, &elapsed)
		if err != nil {
			return nil, err
		}

		cmd.Status = models.CommandStatus(status)
		if dispatchedAt.Valid {
			t := dispatchedAt.Time
			cmd.DispatchedAt = &t
		}
		if completedAt.Valid {
			t := completedAt.Time
			cmd.CompletedAt = &t
		}
		if exitCode.Valid {
			code := int(exitCode.Int64)
			cmd.ExitCode = &code
		}
		if elapsed.Valid {
			secs := elapsed.Float64
			cmd.ElapsedSeconds = &secs
		}
		commands = append(commands, cmd)
	}

	return commands, rows.Err()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}
