// Package store persists conversations, tasks, schedules and
// checkpoints in a single SQLite database. Methods are mechanical:
// they never emit events, callers do.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when an id does not exist.
var ErrNotFound = errors.New("store: not found")

// Store handles SQLite operations for the server state.
type Store struct {
	db     *sql.DB
	dbPath string
}

// Open opens (creating if necessary) the database at dbPath and
// ensures the schema exists.
func Open(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps PRAGMA foreign_keys in force for every
	// statement and sidesteps SQLITE_BUSY under concurrent writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &Store{db: db, dbPath: dbPath}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT FALSE,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		description TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS schedules (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		interval_secs INTEGER NOT NULL,
		next_run DATETIME NOT NULL,
		enabled BOOLEAN NOT NULL DEFAULT TRUE
	);

	CREATE TABLE IF NOT EXISTS checkpoints (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		title TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, id);
	CREATE INDEX IF NOT EXISTS idx_checkpoints_conversation ON checkpoints(conversation_id);
	CREATE INDEX IF NOT EXISTS idx_schedules_next_run ON schedules(enabled, next_run);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Conversation operations

// CreateConversation inserts a new conversation and makes it the
// active one.
func (s *Store) CreateConversation(title string) (*Conversation, error) {
	if title == "" {
		title = "New Conversation"
	}
	now := time.Now()
	conv := &Conversation{
		ID:        uuid.NewString(),
		Title:     title,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("UPDATE conversations SET active = FALSE"); err != nil {
		return nil, err
	}
	if _, err := tx.Exec(`
		INSERT INTO conversations (id, title, active, created_at, updated_at)
		VALUES (?, ?, TRUE, ?, ?)
	`, conv.ID, conv.Title, now, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return conv, nil
}

// ListConversations returns every conversation, most recently updated
// first.
func (s *Store) ListConversations() ([]*Conversation, error) {
	rows, err := s.db.Query(`
		SELECT id, title, active, created_at, updated_at
		FROM conversations
		ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		conv := &Conversation{}
		if err := rows.Scan(&conv.ID, &conv.Title, &conv.Active, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
			return nil, err
		}
		convs = append(convs, conv)
	}
	return convs, rows.Err()
}

// Active returns the active conversation, or ErrNotFound when the
// database holds none.
func (s *Store) Active() (*Conversation, error) {
	conv := &Conversation{}
	err := s.db.QueryRow(`
		SELECT id, title, active, created_at, updated_at
		FROM conversations WHERE active = TRUE
	`).Scan(&conv.ID, &conv.Title, &conv.Active, &conv.CreatedAt, &conv.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// EnsureActive returns the active conversation, creating a default one
// on a fresh database.
func (s *Store) EnsureActive() (*Conversation, error) {
	conv, err := s.Active()
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return s.CreateConversation("")
}

// Switch makes the given conversation the active one.
func (s *Store) Switch(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("UPDATE conversations SET active = FALSE"); err != nil {
		return err
	}
	res, err := tx.Exec(`
		UPDATE conversations SET active = TRUE, updated_at = ? WHERE id = ?
	`, time.Now(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	return tx.Commit()
}

// RenameConversation updates a conversation title.
func (s *Store) RenameConversation(id, title string) error {
	res, err := s.db.Exec(`
		UPDATE conversations SET title = ?, updated_at = ? WHERE id = ?
	`, title, time.Now(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteConversation removes a conversation and, via cascade, its
// messages and checkpoints. Deleting the active conversation activates
// the most recently updated remaining one, or creates a fresh default
// so that exactly one conversation stays active.
func (s *Store) DeleteConversation(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var wasActive bool
	err = tx.QueryRow("SELECT active FROM conversations WHERE id = ?", id).Scan(&wasActive)
	if err == sql.ErrNoRows {
		return fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return err
	}

	if _, err := tx.Exec("DELETE FROM conversations WHERE id = ?", id); err != nil {
		return err
	}

	if wasActive {
		var nextID string
		err := tx.QueryRow(`
			SELECT id FROM conversations ORDER BY updated_at DESC LIMIT 1
		`).Scan(&nextID)
		switch {
		case err == sql.ErrNoRows:
			now := time.Now()
			if _, err := tx.Exec(`
				INSERT INTO conversations (id, title, active, created_at, updated_at)
				VALUES (?, 'New Conversation', TRUE, ?, ?)
			`, uuid.NewString(), now, now); err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			if _, err := tx.Exec("UPDATE conversations SET active = TRUE WHERE id = ?", nextID); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

// Message operations

// AppendMessage adds one turn to a conversation and bumps its
// updated_at.
func (s *Store) AppendMessage(convID, role, content string) (*Message, error) {
	now := time.Now()
	res, err := s.db.Exec(`
		INSERT INTO messages (conversation_id, role, content, created_at)
		VALUES (?, ?, ?, ?)
	`, convID, role, content, now)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	if _, err := s.db.Exec(`
		UPDATE conversations SET updated_at = ? WHERE id = ?
	`, now, convID); err != nil {
		return nil, err
	}
	return &Message{
		ID:             id,
		ConversationID: convID,
		Role:           role,
		Content:        content,
		CreatedAt:      now,
	}, nil
}

// History returns the last limit messages of a conversation, oldest
// first. limit <= 0 means no limit.
func (s *Store) History(convID string, limit int) ([]*Message, error) {
	query := `
		SELECT id, conversation_id, role, content, created_at
		FROM (
			SELECT id, conversation_id, role, content, created_at
			FROM messages WHERE conversation_id = ?
			ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC
	`
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(query, convID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		msg := &Message{}
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// Task operations

// CreateTask inserts a pending task.
func (s *Store) CreateTask(description string) (*Task, error) {
	now := time.Now()
	task := &Task{
		ID:          uuid.NewString(),
		Description: description,
		Status:      TaskPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err := s.db.Exec(`
		INSERT INTO tasks (id, description, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, task.ID, task.Description, task.Status, now, now)
	if err != nil {
		return nil, err
	}
	return task, nil
}

// UpdateTask changes a task's description and/or status. Empty values
// leave the field untouched.
func (s *Store) UpdateTask(id, description, status string) (*Task, error) {
	if status != "" && !ValidTaskStatus(status) {
		return nil, fmt.Errorf("invalid task status %q", status)
	}

	task, err := s.GetTask(id)
	if err != nil {
		return nil, err
	}
	if description != "" {
		task.Description = description
	}
	if status != "" {
		task.Status = status
	}
	task.UpdatedAt = time.Now()

	_, err = s.db.Exec(`
		UPDATE tasks SET description = ?, status = ?, updated_at = ? WHERE id = ?
	`, task.Description, task.Status, task.UpdatedAt, id)
	if err != nil {
		return nil, err
	}
	return task, nil
}

// GetTask returns one task by id.
func (s *Store) GetTask(id string) (*Task, error) {
	task := &Task{}
	err := s.db.QueryRow(`
		SELECT id, description, status, created_at, updated_at
		FROM tasks WHERE id = ?
	`, id).Scan(&task.ID, &task.Description, &task.Status, &task.CreatedAt, &task.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return task, nil
}

// DeleteTask removes a task.
func (s *Store) DeleteTask(id string) error {
	res, err := s.db.Exec("DELETE FROM tasks WHERE id = ?", id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListTasks returns every task, oldest first.
func (s *Store) ListTasks() ([]*Task, error) {
	rows, err := s.db.Query(`
		SELECT id, description, status, created_at, updated_at
		FROM tasks ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		task := &Task{}
		if err := rows.Scan(&task.ID, &task.Description, &task.Status, &task.CreatedAt, &task.UpdatedAt); err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// Schedule operations

// CreateSchedule inserts an enabled schedule whose first run is one
// interval from now.
func (s *Store) CreateSchedule(name string, intervalSecs int64) (*Schedule, error) {
	if intervalSecs <= 0 {
		return nil, fmt.Errorf("schedule interval must be positive, got %d", intervalSecs)
	}
	// Schedule times are stored in UTC so that next_run comparisons
	// stay chronological in SQL.
	sched := &Schedule{
		ID:           uuid.NewString(),
		Name:         name,
		IntervalSecs: intervalSecs,
		NextRun:      time.Now().UTC().Add(time.Duration(intervalSecs) * time.Second),
		Enabled:      true,
	}
	_, err := s.db.Exec(`
		INSERT INTO schedules (id, name, interval_secs, next_run, enabled)
		VALUES (?, ?, ?, ?, TRUE)
	`, sched.ID, sched.Name, sched.IntervalSecs, sched.NextRun)
	if err != nil {
		return nil, err
	}
	return sched, nil
}

// ListSchedules returns every schedule ordered by next run time.
func (s *Store) ListSchedules() ([]*Schedule, error) {
	rows, err := s.db.Query(`
		SELECT id, name, interval_secs, next_run, enabled
		FROM schedules ORDER BY next_run ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var scheds []*Schedule
	for rows.Next() {
		sched := &Schedule{}
		if err := rows.Scan(&sched.ID, &sched.Name, &sched.IntervalSecs, &sched.NextRun, &sched.Enabled); err != nil {
			return nil, err
		}
		scheds = append(scheds, sched)
	}
	return scheds, rows.Err()
}

// DeleteSchedule removes a schedule.
func (s *Store) DeleteSchedule(id string) error {
	res, err := s.db.Exec("DELETE FROM schedules WHERE id = ?", id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	return nil
}

// SetScheduleEnabled toggles whether a schedule can fire.
func (s *Store) SetScheduleEnabled(id string, enabled bool) error {
	res, err := s.db.Exec("UPDATE schedules SET enabled = ? WHERE id = ?", enabled, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	return nil
}

// DueSchedules returns enabled schedules whose next run is at or
// before now.
func (s *Store) DueSchedules(now time.Time) ([]*Schedule, error) {
	rows, err := s.db.Query(`
		SELECT id, name, interval_secs, next_run, enabled
		FROM schedules WHERE enabled = TRUE AND next_run <= ?
		ORDER BY next_run ASC
	`, now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var scheds []*Schedule
	for rows.Next() {
		sched := &Schedule{}
		if err := rows.Scan(&sched.ID, &sched.Name, &sched.IntervalSecs, &sched.NextRun, &sched.Enabled); err != nil {
			return nil, err
		}
		scheds = append(scheds, sched)
	}
	return scheds, rows.Err()
}

// MarkTriggered advances a schedule's next run by one interval from
// now.
func (s *Store) MarkTriggered(id string, now time.Time) error {
	var intervalSecs int64
	err := s.db.QueryRow("SELECT interval_secs FROM schedules WHERE id = ?", id).Scan(&intervalSecs)
	if err == sql.ErrNoRows {
		return fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return err
	}

	next := now.UTC().Add(time.Duration(intervalSecs) * time.Second)
	_, err = s.db.Exec("UPDATE schedules SET next_run = ? WHERE id = ?", next, id)
	return err
}

// Checkpoint operations

type checkpointTurn struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// CreateCheckpoint freezes the full history of a conversation under a
// title.
func (s *Store) CreateCheckpoint(convID, title string) (*Checkpoint, error) {
	msgs, err := s.History(convID, 0)
	if err != nil {
		return nil, err
	}
	turns := make([]checkpointTurn, 0, len(msgs))
	for _, m := range msgs {
		turns = append(turns, checkpointTurn{Role: m.Role, Content: m.Content, CreatedAt: m.CreatedAt})
	}
	payload, err := json.Marshal(turns)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize history: %w", err)
	}

	cp := &Checkpoint{
		ID:             uuid.NewString(),
		ConversationID: convID,
		Title:          title,
		CreatedAt:      time.Now(),
	}
	_, err = s.db.Exec(`
		INSERT INTO checkpoints (id, conversation_id, title, payload, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, cp.ID, cp.ConversationID, cp.Title, string(payload), cp.CreatedAt)
	if err != nil {
		return nil, err
	}
	return cp, nil
}

// RestoreCheckpoint replaces the owning conversation's history with
// the checkpoint's frozen copy and returns the conversation id.
func (s *Store) RestoreCheckpoint(id string) (string, error) {
	var convID, payload string
	err := s.db.QueryRow(`
		SELECT conversation_id, payload FROM checkpoints WHERE id = ?
	`, id).Scan(&convID, &payload)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("checkpoint %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return "", err
	}

	var turns []checkpointTurn
	if err := json.Unmarshal([]byte(payload), &turns); err != nil {
		return "", fmt.Errorf("failed to decode checkpoint payload: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM messages WHERE conversation_id = ?", convID); err != nil {
		return "", err
	}
	for _, turn := range turns {
		if _, err := tx.Exec(`
			INSERT INTO messages (conversation_id, role, content, created_at)
			VALUES (?, ?, ?, ?)
		`, convID, turn.Role, turn.Content, turn.CreatedAt); err != nil {
			return "", err
		}
	}
	if _, err := tx.Exec(`
		UPDATE conversations SET updated_at = ? WHERE id = ?
	`, time.Now(), convID); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return convID, nil
}

// ListCheckpoints returns checkpoint metadata for a conversation,
// newest first.
func (s *Store) ListCheckpoints(convID string) ([]*Checkpoint, error) {
	rows, err := s.db.Query(`
		SELECT id, conversation_id, title, created_at
		FROM checkpoints WHERE conversation_id = ?
		ORDER BY created_at DESC
	`, convID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cps []*Checkpoint
	for rows.Next() {
		cp := &Checkpoint{}
		if err := rows.Scan(&cp.ID, &cp.ConversationID, &cp.Title, &cp.CreatedAt); err != nil {
			return nil, err
		}
		cps = append(cps, cp)
	}
	return cps, rows.Err()
}
