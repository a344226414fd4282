package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")
)

func (s *Store) EnsureUser(ctx context.Context, userID int64, username, firstName string) error {
	q := s.sql.Insert("users").
		Columns("id", "username", "first_name").
		Values(userID, username, firstName).
		Suffix("ON CONFLICT(id) DO UPDATE SET username=excluded.username, first_name=excluded.first_name")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build ensure user query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("ensure user: %w", err)
	}
	return nil
}

// GetActiveBackend returns the user's sticky backend selection. ErrNotFound
// means the user has never selected one; callers fall back to the default.
func (s *Store) GetActiveBackend(ctx context.Context, userID int64) (kind, ref string, err error) {
	q := s.sql.Select("active_kind", "active_ref").From("users").Where(sq.Eq{"id": userID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return "", "", fmt.Errorf("build active backend query: %w", err)
	}

	var k, r sql.NullString
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&k, &r); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", "", ErrNotFound
		}
		return "", "", fmt.Errorf("get active backend: %w", err)
	}
	if !k.Valid || !r.Valid {
		return "", "", ErrNotFound
	}
	return k.String, r.String, nil
}

// SetActiveBackend writes the selection in a single statement; concurrent
// writers resolve last-write-wins and the row always holds exactly one value.
func (s *Store) SetActiveBackend(ctx context.Context, userID int64, kind, ref string) error {
	q := s.sql.Update("users").
		Set("active_kind", kind).
		Set("active_ref", ref).
		Where(sq.Eq{"id": userID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build set active backend query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("set active backend: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) InsertBackendConfig(ctx context.Context, c BackendConfig) (int64, error) {
	if _, err := s.backendConfigID(ctx, c.UserID, c.Label); err == nil {
		return 0, ErrConflict
	} else if !errors.Is(err, ErrNotFound) {
		return 0, err
	}

	q := s.sql.Insert("backend_configs").
		Columns("user_id", "label", "endpoint", "model", "enc_secret").
		Values(c.UserID, c.Label, c.Endpoint, c.Model, c.EncSecret).
		Suffix("ON CONFLICT(user_id, label) DO NOTHING")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build backend config insert query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return 0, fmt.Errorf("insert backend config: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// Lost the race to a concurrent insert with the same label.
		return 0, ErrConflict
	}

	return s.backendConfigID(ctx, c.UserID, c.Label)
}

func (s *Store) backendConfigID(ctx context.Context, userID int64, label string) (int64, error) {
	q := s.sql.Select("id").From("backend_configs").Where(sq.Eq{"user_id": userID, "label": label})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build backend config id query: %w", err)
	}
	var id int64
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("get backend config id: %w", err)
	}
	return id, nil
}

func (s *Store) GetBackendConfigByID(ctx context.Context, userID, id int64) (BackendConfig, error) {
	return s.getBackendConfig(ctx, sq.Eq{"user_id": userID, "id": id})
}

func (s *Store) GetBackendConfigByLabel(ctx context.Context, userID int64, label string) (BackendConfig, error) {
	return s.getBackendConfig(ctx, sq.Eq{"user_id": userID, "label": label})
}

func (s *Store) getBackendConfig(ctx context.Context, where sq.Sqlizer) (BackendConfig, error) {
	q := s.sql.Select("id", "user_id", "label", "endpoint", "model", "enc_secret", "created_at").
		From("backend_configs").
		Where(where)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return BackendConfig{}, fmt.Errorf("build backend config query: %w", err)
	}

	var c BackendConfig
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&c.ID, &c.UserID, &c.Label, &c.Endpoint, &c.Model, &c.EncSecret, &c.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return BackendConfig{}, ErrNotFound
		}
		return BackendConfig{}, fmt.Errorf("get backend config: %w", err)
	}
	return c, nil
}

func (s *Store) ListBackendConfigs(ctx context.Context, userID int64) ([]BackendConfig, error) {
	q := s.sql.Select("id", "user_id", "label", "endpoint", "model", "enc_secret", "created_at").
		From("backend_configs").
		Where(sq.Eq{"user_id": userID}).
		OrderBy("created_at ASC", "id ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list backend configs query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list backend configs: %w", err)
	}
	defer rows.Close()

	out := make([]BackendConfig, 0)
	for rows.Next() {
		var c BackendConfig
		if err := rows.Scan(&c.ID, &c.UserID, &c.Label, &c.Endpoint, &c.Model, &c.EncSecret, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan backend config row: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate backend config rows: %w", err)
	}
	return out, nil
}

func (s *Store) DeleteBackendConfig(ctx context.Context, userID, id int64) error {
	q := s.sql.Delete("backend_configs").Where(sq.Eq{"user_id": userID, "id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build delete backend config query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("delete backend config: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetBan upserts a ban record. Writing the same value twice is a no-op,
// which makes ban and unban idempotent.
func (s *Store) SetBan(ctx context.Context, userID, chatScope int64, banned bool) error {
	q := s.sql.Insert("ban_records").
		Columns("user_id", "chat_scope", "banned", "updated_at").
		Values(userID, chatScope, banned, nowExpr(s.driver)).
		Suffix("ON CONFLICT(user_id, chat_scope) DO UPDATE SET banned=excluded.banned, updated_at=excluded.updated_at")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build set ban query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("set ban: %w", err)
	}
	return nil
}

func (s *Store) GetBan(ctx context.Context, userID, chatScope int64) (bool, error) {
	q := s.sql.Select("banned").From("ban_records").Where(sq.Eq{"user_id": userID, "chat_scope": chatScope})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return false, fmt.Errorf("build get ban query: %w", err)
	}
	var banned bool
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&banned); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("get ban: %w", err)
	}
	return banned, nil
}

// AppendMessage inserts one turn and trims the conversation to the newest
// window rows in the same transaction. An empty dedupe key inserts NULL;
// a repeated dedupe key inserts nothing, so retried appends stay single.
func (s *Store) AppendMessage(ctx context.Context, m Message, window int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var dedupe any
	if m.DedupeKey != "" {
		dedupe = m.DedupeKey
	}
	ins := s.sql.Insert("messages").
		Columns("user_id", "chat_id", "role", "content", "dedupe_key").
		Values(m.UserID, m.ChatID, m.Role, m.Content, dedupe).
		Suffix("ON CONFLICT(dedupe_key) DO NOTHING")
	sqlStr, args, err := ins.ToSql()
	if err != nil {
		return fmt.Errorf("build message insert query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	if window > 0 {
		del := s.sql.Delete("messages").
			Where(sq.Eq{"user_id": m.UserID, "chat_id": m.ChatID}).
			Where(sq.Expr(
				"id NOT IN (SELECT id FROM messages WHERE user_id = ? AND chat_id = ? ORDER BY id DESC LIMIT ?)",
				m.UserID, m.ChatID, window,
			))
		sqlStr, args, err = del.ToSql()
		if err != nil {
			return fmt.Errorf("build trim query: %w", err)
		}
		if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
			return fmt.Errorf("trim conversation: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append tx: %w", err)
	}
	return nil
}

// ListWindow returns the newest limit messages of a conversation in
// chronological order.
func (s *Store) ListWindow(ctx context.Context, userID, chatID int64, limit int) ([]Message, error) {
	q := s.sql.Select("id", "user_id", "chat_id", "role", "content", "created_at").
		From("messages").
		Where(sq.Eq{"user_id": userID, "chat_id": chatID}).
		OrderBy("id DESC").
		Limit(uint64(limit))
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list window query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list window: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0, limit)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.UserID, &m.ChatID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}

	// Query walks newest-first; flip to chronological.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *Store) ClearConversation(ctx context.Context, userID, chatID int64) error {
	q := s.sql.Delete("messages").Where(sq.Eq{"user_id": userID, "chat_id": chatID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build clear conversation query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("clear conversation: %w", err)
	}
	return nil
}
