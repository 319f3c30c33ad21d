package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/adjutant/adjutant/internal/id"
	"github.com/adjutant/adjutant/internal/util/timefmt"
)

// Message roles.
const (
	RoleUser   = "user"
	RoleAgent  = "agent"
	RoleSystem = "system"
)

// Delivery statuses, ordered. A message only ever moves forward.
const (
	StatusPending   = "pending"
	StatusDelivered = "delivered"
	StatusRead      = "read"
)

// Query limits.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// ErrNotFound is returned when a message id does not exist.
var ErrNotFound = errors.New("message not found")

// Message is one durable chat line.
type Message struct {
	ID             string          `json:"id"`
	SessionID      string          `json:"sessionId,omitempty"`
	AgentID        string          `json:"agentId,omitempty"`
	Recipient      string          `json:"recipient,omitempty"`
	Role           string          `json:"role"`
	Body           string          `json:"body"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	DeliveryStatus string          `json:"deliveryStatus"`
	EventType      string          `json:"eventType,omitempty"`
	ThreadID       string          `json:"threadId,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// InsertInput is the caller-supplied part of a new message.
type InsertInput struct {
	ID             string
	SessionID      string
	AgentID        string
	Recipient      string
	Role           string
	Body           string
	Metadata       json.RawMessage
	DeliveryStatus string
	EventType      string
	ThreadID       string
}

// MessageQuery filters GetMessages.
type MessageQuery struct {
	AgentID  string
	ThreadID string
	Role     string
	Limit    int
	Before   time.Time
	After    time.Time
}

// UnreadCount is one row of GetUnreadCounts.
type UnreadCount struct {
	AgentID string `json:"agentId"`
	Count   int    `json:"count"`
}

// Thread summarizes one conversation thread.
type Thread struct {
	ThreadID      string    `json:"threadId"`
	MessageCount  int       `json:"messageCount"`
	LastMessageAt time.Time `json:"lastMessageAt"`
	Participants  []string  `json:"participants"`
}

// Store is the durable message log. Mutations are serialized by a store-level
// mutex on top of SQLite's single-writer connection; readers hit the database
// directly.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// New wraps an opened, migrated database.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

const messageColumns = `id, session_id, agent_id, recipient, role,
	body, body_compression, metadata, delivery_status, event_type, thread_id,
	created_at, updated_at`

// InsertMessage appends a message and returns the stored row. The id is
// generated when absent; deliveryStatus defaults to delivered. Existing rows
// are never overwritten.
func (s *Store) InsertMessage(in InsertInput) (*Message, error) {
	switch in.Role {
	case RoleUser, RoleAgent, RoleSystem:
	default:
		return nil, fmt.Errorf("invalid role %q", in.Role)
	}
	if in.ID == "" {
		in.ID = id.New()
	}
	if in.DeliveryStatus == "" {
		in.DeliveryStatus = StatusDelivered
	}

	now := time.Now().UTC()
	body, compression := Compress([]byte(in.Body))
	metadata := ""
	if len(in.Metadata) > 0 {
		metadata = string(in.Metadata)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(`INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		in.ID, in.SessionID, in.AgentID, in.Recipient, in.Role,
		body, compression, metadata, in.DeliveryStatus, in.EventType, in.ThreadID,
		timefmt.Format(now), timefmt.Format(now))
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	if _, err := tx.Exec(
		`INSERT INTO messages_fts (message_id, body) VALUES (?, ?)`,
		in.ID, in.Body); err != nil {
		return nil, fmt.Errorf("index message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit insert: %w", err)
	}

	return &Message{
		ID:             in.ID,
		SessionID:      in.SessionID,
		AgentID:        in.AgentID,
		Recipient:      in.Recipient,
		Role:           in.Role,
		Body:           in.Body,
		Metadata:       in.Metadata,
		DeliveryStatus: in.DeliveryStatus,
		EventType:      in.EventType,
		ThreadID:       in.ThreadID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// GetMessage fetches one message by id.
func (s *Store) GetMessage(msgID string) (*Message, error) {
	row := s.db.QueryRow(
		`SELECT `+messageColumns+` FROM messages WHERE id = ?`, msgID)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, err
}

// GetMessages lists messages newest-first.
func (s *Store) GetMessages(q MessageQuery) ([]*Message, error) {
	where, args := q.whereClause()
	limit := clampLimit(q.Limit)

	rows, err := s.db.Query(
		`SELECT `+messageColumns+` FROM messages`+where+
			` ORDER BY created_at DESC, id DESC LIMIT ?`,
		append(args, limit)...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

func (q MessageQuery) whereClause() (string, []any) {
	var conds []string
	var args []any
	if q.AgentID != "" {
		conds = append(conds, "agent_id = ?")
		args = append(args, q.AgentID)
	}
	if q.ThreadID != "" {
		conds = append(conds, "thread_id = ?")
		args = append(args, q.ThreadID)
	}
	if q.Role != "" {
		conds = append(conds, "role = ?")
		args = append(args, q.Role)
	}
	if !q.Before.IsZero() {
		conds = append(conds, "created_at < ?")
		args = append(args, timefmt.Format(q.Before.UTC()))
	}
	if !q.After.IsZero() {
		conds = append(conds, "created_at > ?")
		args = append(args, timefmt.Format(q.After.UTC()))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// MarkRead moves a message to read. Backward transitions are rejected
// silently, so replays of stale acks are harmless.
func (s *Store) MarkRead(msgID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`UPDATE messages SET delivery_status = ?, updated_at = ?
		 WHERE id = ? AND delivery_status != ?`,
		StatusRead, timefmt.Format(time.Now().UTC()), msgID, StatusRead)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

// MarkAllReadFilter scopes MarkAllRead. At least one field must be set.
type MarkAllReadFilter struct {
	AgentID   string
	SessionID string
}

// MarkAllRead moves every matching unread message to read and returns how
// many rows changed.
func (s *Store) MarkAllRead(f MarkAllReadFilter) (int64, error) {
	if f.AgentID == "" && f.SessionID == "" {
		return 0, errors.New("markAllRead requires an agentId or sessionId")
	}

	conds := []string{"delivery_status != ?"}
	args := []any{StatusRead}
	if f.AgentID != "" {
		conds = append(conds, "agent_id = ?")
		args = append(args, f.AgentID)
	}
	if f.SessionID != "" {
		conds = append(conds, "session_id = ?")
		args = append(args, f.SessionID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(
		`UPDATE messages SET delivery_status = ?, updated_at = ? WHERE `+
			strings.Join(conds, " AND "),
		append([]any{StatusRead, timefmt.Format(time.Now().UTC())}, args...)...)
	if err != nil {
		return 0, fmt.Errorf("mark all read: %w", err)
	}
	return res.RowsAffected()
}

// SearchMessages runs a full-text query over message bodies, newest-first.
func (s *Store) SearchMessages(query string, q MessageQuery) ([]*Message, error) {
	where, args := q.whereClause()
	if where == "" {
		where = " WHERE 1=1"
	}
	limit := clampLimit(q.Limit)

	rows, err := s.db.Query(
		`SELECT `+prefixColumns("m")+` FROM messages m
		 JOIN messages_fts f ON f.message_id = m.id`+
			strings.Replace(where, " WHERE ", " WHERE messages_fts MATCH ? AND ", 1)+
			` ORDER BY m.created_at DESC, m.id DESC LIMIT ?`,
		append(append([]any{query}, args...), limit)...)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

// GetUnreadCounts returns per-agent unread totals.
func (s *Store) GetUnreadCounts() ([]UnreadCount, error) {
	rows, err := s.db.Query(
		`SELECT agent_id, COUNT(*) FROM messages
		 WHERE delivery_status != ? AND agent_id != ''
		 GROUP BY agent_id ORDER BY agent_id`, StatusRead)
	if err != nil {
		return nil, fmt.Errorf("unread counts: %w", err)
	}
	defer rows.Close()

	var out []UnreadCount
	for rows.Next() {
		var c UnreadCount
		if err := rows.Scan(&c.AgentID, &c.Count); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetThreads summarizes threads, optionally scoped to one agent.
func (s *Store) GetThreads(agentID string) ([]Thread, error) {
	where := " WHERE thread_id != ''"
	var args []any
	if agentID != "" {
		where += " AND (agent_id = ? OR recipient = ?)"
		args = append(args, agentID, agentID)
	}

	rows, err := s.db.Query(
		`SELECT thread_id, COUNT(*), MAX(created_at),
		        group_concat(DISTINCT agent_id), group_concat(DISTINCT recipient)
		 FROM messages`+where+` GROUP BY thread_id ORDER BY MAX(created_at) DESC`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	var out []Thread
	for rows.Next() {
		var t Thread
		var last string
		var agents, recipients sql.NullString
		if err := rows.Scan(&t.ThreadID, &t.MessageCount, &last, &agents, &recipients); err != nil {
			return nil, err
		}
		if t.LastMessageAt, err = timefmt.Parse(last); err != nil {
			return nil, fmt.Errorf("thread %s: %w", t.ThreadID, err)
		}
		t.Participants = mergeParticipants(agents.String, recipients.String)
		out = append(out, t)
	}
	return out, rows.Err()
}

// Close checkpoints the WAL and closes the database.
func (s *Store) Close() error {
	if err := Checkpoint(s.db); err != nil {
		return err
	}
	return s.db.Close()
}

// DB exposes the underlying handle for migrations and tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(r rowScanner) (*Message, error) {
	var m Message
	var body []byte
	var compression int
	var metadata, created, updated string
	err := r.Scan(&m.ID, &m.SessionID, &m.AgentID, &m.Recipient, &m.Role,
		&body, &compression, &metadata, &m.DeliveryStatus, &m.EventType, &m.ThreadID,
		&created, &updated)
	if err != nil {
		return nil, err
	}

	plain, err := Decompress(body, compression)
	if err != nil {
		return nil, fmt.Errorf("message %s: %w", m.ID, err)
	}
	m.Body = string(plain)
	if metadata != "" {
		m.Metadata = json.RawMessage(metadata)
	}
	if m.CreatedAt, err = timefmt.Parse(created); err != nil {
		return nil, fmt.Errorf("message %s: %w", m.ID, err)
	}
	if m.UpdatedAt, err = timefmt.Parse(updated); err != nil {
		return nil, fmt.Errorf("message %s: %w", m.ID, err)
	}
	return &m, nil
}

func collectMessages(rows *sql.Rows) ([]*Message, error) {
	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// mergeParticipants unions two comma-joined identity lists, dropping blanks
// and duplicates while keeping first-seen order.
func mergeParticipants(lists ...string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, list := range lists {
		for _, p := range strings.Split(list, ",") {
			p = strings.TrimSpace(p)
			if p == "" || seen[p] {
				continue
			}
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

func prefixColumns(alias string) string {
	cols := strings.Split(messageColumns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}
