package repo

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/ntfy-daemon/ntfyd/internal/model"
	"github.com/ntfy-daemon/ntfyd/internal/ntfyerr"
)

// Repo wraps the message/subscription database. All writes are serialized
// by an internal mutex, matching the single-writer connection Open sets up.
type Repo struct {
	db *sql.DB
	mu sync.Mutex
}

// New wraps an already-open, already-migrated *sql.DB.
func New(db *sql.DB) *Repo {
	return &Repo{db: db}
}

func isUniqueConstraint(err error) bool {
	var sqlErr *sqlite.Error
	if !errors.As(err, &sqlErr) {
		return false
	}
	return sqlErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE || sqlErr.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

// --- subscriptions ---

// InsertSubscription registers server (idempotently) and adds a new
// subscription row for (server, topic).
func (r *Repo) InsertSubscription(sub model.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.Begin()
	if err != nil {
		return &ntfyerr.ErrDB{Cause: err}
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`INSERT OR IGNORE INTO servers (base_url) VALUES (?)`, sub.Server); err != nil {
		return &ntfyerr.ErrDB{Cause: err}
	}

	_, err = tx.Exec(`
		INSERT INTO subscriptions (server, topic, display_name, muted, archived, reserved, symbolic_icon, read_until)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, sub.Server, sub.Topic, sub.DisplayName, sub.Muted, sub.Archived, sub.Reserved, sub.SymbolicIcon, sub.ReadUntil)
	if err != nil {
		if isUniqueConstraint(err) {
			return &ntfyerr.ErrDB{Cause: fmt.Errorf("subscription %s/%s already exists", sub.Server, sub.Topic)}
		}
		return &ntfyerr.ErrDB{Cause: err}
	}

	return tx.Commit()
}

// UpdateSubscription overwrites the mutable fields of an existing
// subscription row. Returns ErrSubscriptionNotFound if no row matches.
func (r *Repo) UpdateSubscription(sub model.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.Exec(`
		UPDATE subscriptions
		SET display_name = ?, muted = ?, archived = ?, reserved = ?, symbolic_icon = ?, read_until = ?
		WHERE server = ? AND topic = ?
	`, sub.DisplayName, sub.Muted, sub.Archived, sub.Reserved, sub.SymbolicIcon, sub.ReadUntil, sub.Server, sub.Topic)
	if err != nil {
		return &ntfyerr.ErrDB{Cause: err}
	}
	return requireAffected(res, sub.Key().String())
}

// RemoveSubscription deletes the subscription row and cascades to its
// messages. Returns ErrSubscriptionNotFound if no row matches.
func (r *Repo) RemoveSubscription(server, topic string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.Exec(`DELETE FROM subscriptions WHERE server = ? AND topic = ?`, server, topic)
	if err != nil {
		return &ntfyerr.ErrDB{Cause: err}
	}
	return requireAffected(res, model.SubscriptionKey{Server: server, Topic: topic}.String())
}

// UpdateReadUntil advances the read cursor for (server, topic) to readUntil,
// the same semantics as "mark everything up to this message time as read."
func (r *Repo) UpdateReadUntil(server, topic string, readUntil uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.Exec(`UPDATE subscriptions SET read_until = ? WHERE server = ? AND topic = ?`,
		readUntil, server, topic)
	if err != nil {
		return &ntfyerr.ErrDB{Cause: err}
	}
	return requireAffected(res, model.SubscriptionKey{Server: server, Topic: topic}.String())
}

// GetSubscription returns the subscription row for (server, topic).
// Returns ErrSubscriptionNotFound if no row matches.
func (r *Repo) GetSubscription(server, topic string) (model.Subscription, error) {
	var s model.Subscription
	err := r.db.QueryRow(`
		SELECT server, topic, display_name, muted, archived, reserved, symbolic_icon, read_until
		FROM subscriptions
		WHERE server = ? AND topic = ?
	`, server, topic).Scan(&s.Server, &s.Topic, &s.DisplayName, &s.Muted, &s.Archived, &s.Reserved, &s.SymbolicIcon, &s.ReadUntil)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Subscription{}, &ntfyerr.ErrSubscriptionNotFound{Context: model.SubscriptionKey{Server: server, Topic: topic}.String()}
	}
	if err != nil {
		return model.Subscription{}, &ntfyerr.ErrDB{Cause: err}
	}
	return s, nil
}

// ListSubscriptions returns every subscription, ordered by server, then
// display name, then topic, so a UI renders a stable grouping.
func (r *Repo) ListSubscriptions() ([]model.Subscription, error) {
	rows, err := r.db.Query(`
		SELECT server, topic, display_name, muted, archived, reserved, symbolic_icon, read_until
		FROM subscriptions
		ORDER BY server, display_name, topic
	`)
	if err != nil {
		return nil, &ntfyerr.ErrDB{Cause: err}
	}
	defer rows.Close()

	var out []model.Subscription
	for rows.Next() {
		var s model.Subscription
		if err := rows.Scan(&s.Server, &s.Topic, &s.DisplayName, &s.Muted, &s.Archived, &s.Reserved, &s.SymbolicIcon, &s.ReadUntil); err != nil {
			return nil, &ntfyerr.ErrDB{Cause: err}
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, &ntfyerr.ErrDB{Cause: err}
	}
	return out, nil
}

// --- messages ---

// InsertMessage stores msg under (server, topic). If a message with the
// same (server, id) already exists, ErrDuplicateMessage is returned; the
// caller treats this as "already handled," not a failure.
func (r *Repo) InsertMessage(server, topic string, msg model.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return &ntfyerr.ErrDB{Cause: fmt.Errorf("marshal message: %w", err)}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	_, err = r.db.Exec(`
		INSERT INTO messages (server, topic, id, time, data_json)
		VALUES (?, ?, ?, ?, ?)
	`, server, topic, msg.ID, msg.Time, string(data))
	if err != nil {
		if isUniqueConstraint(err) {
			return ntfyerr.ErrDuplicateMessage
		}
		return &ntfyerr.ErrDB{Cause: err}
	}
	return nil
}

// ListMessages returns every message under (server, topic) with
// time >= since, ordered oldest-first.
func (r *Repo) ListMessages(server, topic string, since uint64) ([]model.Message, error) {
	rows, err := r.db.Query(`
		SELECT data_json FROM messages
		WHERE server = ? AND topic = ? AND time >= ?
		ORDER BY time ASC
	`, server, topic, since)
	if err != nil {
		return nil, &ntfyerr.ErrDB{Cause: err}
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, &ntfyerr.ErrDB{Cause: err}
		}
		var msg model.Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			return nil, &ntfyerr.ErrDB{Cause: err}
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, &ntfyerr.ErrDB{Cause: err}
	}
	return out, nil
}

// LatestMessageTime returns the time of the most recently persisted
// message under (server, topic), and false if none exist yet. This backs
// the unread-count check against a subscription's read cursor.
func (r *Repo) LatestMessageTime(server, topic string) (uint64, bool, error) {
	var t uint64
	err := r.db.QueryRow(`
		SELECT time FROM messages WHERE server = ? AND topic = ? ORDER BY time DESC, rowid DESC LIMIT 1
	`, server, topic).Scan(&t)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, &ntfyerr.ErrDB{Cause: err}
	}
	return t, true, nil
}

// DeleteMessages clears every stored message under (server, topic), used
// when a user clears a subscription's notification history.
func (r *Repo) DeleteMessages(server, topic string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.Exec(`DELETE FROM messages WHERE server = ? AND topic = ?`, server, topic)
	if err != nil {
		return &ntfyerr.ErrDB{Cause: err}
	}
	// Absence of messages is not an error on its own; only an unknown
	// subscription is. Check the subscription exists separately.
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		err := r.db.QueryRow(`SELECT 1 FROM subscriptions WHERE server = ? AND topic = ?`, server, topic).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return &ntfyerr.ErrSubscriptionNotFound{Context: model.SubscriptionKey{Server: server, Topic: topic}.String()}
		}
		if err != nil {
			return &ntfyerr.ErrDB{Cause: err}
		}
	}
	return nil
}

func requireAffected(res sql.Result, context string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return &ntfyerr.ErrDB{Cause: err}
	}
	if n == 0 {
		return &ntfyerr.ErrSubscriptionNotFound{Context: context}
	}
	return nil
}
