package index

import (
	"context"
	"convlog/internal/model"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// SQLite is a Store backed by a SQLite database file.
type SQLite struct {
	db *sql.DB
}

var _ Store = (*SQLite)(nil)

// Open creates or opens the database at path and applies the schema.
// It is safe to call repeatedly on the same file.
func Open(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite has a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLite) Save(ctx context.Context, owner string, core model.ConversationCore) error {
	participants, err := json.Marshal(core.Participants)
	if err != nil {
		return model.StorageError("encode participants", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations
		(owner, id, log_key, discovery_key, is_group, participants, created_at, last_synced_at, local_length, remote_length)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner, id) DO UPDATE SET
			log_key = excluded.log_key,
			discovery_key = excluded.discovery_key,
			is_group = excluded.is_group,
			participants = excluded.participants,
			last_synced_at = COALESCE(excluded.last_synced_at, conversations.last_synced_at),
			local_length = MAX(excluded.local_length, conversations.local_length),
			remote_length = COALESCE(excluded.remote_length, conversations.remote_length)
	`,
		owner,
		core.ID,
		core.LogPublicKey.String(),
		core.DiscoveryKey.String(),
		core.IsGroup,
		string(participants),
		core.CreatedAt.UnixNano(),
		nullableTime(core.LastSyncedAt),
		core.LocalLength,
		nullableInt(core.RemoteLength),
	)
	if err != nil {
		return model.StorageError("save conversation", err)
	}
	return nil
}

const selectColumns = `id, log_key, discovery_key, is_group, participants, created_at, last_synced_at, local_length, remote_length`

func (s *SQLite) Get(ctx context.Context, owner, id string) (model.ConversationCore, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM conversations WHERE owner = ? AND id = ?`, owner, id)
	core, err := scanCore(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ConversationCore{}, fmt.Errorf("%w: %s", model.ErrConversationNotFound, id)
	}
	if err != nil {
		return model.ConversationCore{}, model.StorageError("get conversation", err)
	}
	return core, nil
}

func (s *SQLite) List(ctx context.Context, owner string) ([]model.ConversationCore, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM conversations WHERE owner = ? ORDER BY id`, owner)
	if err != nil {
		return nil, model.StorageError("list conversations", err)
	}
	defer rows.Close()

	var out []model.ConversationCore
	for rows.Next() {
		core, err := scanCore(rows)
		if err != nil {
			return nil, model.StorageError("scan conversation", err)
		}
		out = append(out, core)
	}
	if err := rows.Err(); err != nil {
		return nil, model.StorageError("list conversations", err)
	}
	return out, nil
}

func (s *SQLite) Count(ctx context.Context, owner string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations WHERE owner = ?`, owner).Scan(&n)
	if err != nil {
		return 0, model.StorageError("count conversations", err)
	}
	return n, nil
}

func (s *SQLite) UpdateLengths(ctx context.Context, owner, id string, local int, remote *int, syncedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations
		SET local_length = MAX(local_length, ?),
		    remote_length = COALESCE(?, remote_length),
		    last_synced_at = ?
		WHERE owner = ? AND id = ?
	`, local, nullableInt(remote), syncedAt.UnixNano(), owner, id)
	if err != nil {
		return model.StorageError("update lengths", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return model.StorageError("update lengths", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", model.ErrConversationNotFound, id)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCore(row scanner) (model.ConversationCore, error) {
	var (
		core                  model.ConversationCore
		logKey, discoveryKey  string
		participants          string
		createdAt             int64
		lastSynced, remoteLen sql.NullInt64
	)
	err := row.Scan(&core.ID, &logKey, &discoveryKey, &core.IsGroup, &participants,
		&createdAt, &lastSynced, &core.LocalLength, &remoteLen)
	if err != nil {
		return core, err
	}

	if core.LogPublicKey, err = model.ParseHexKey(logKey); err != nil {
		return core, fmt.Errorf("log key: %w", err)
	}
	if core.DiscoveryKey, err = model.ParseHexKey(discoveryKey); err != nil {
		return core, fmt.Errorf("discovery key: %w", err)
	}
	if err := json.Unmarshal([]byte(participants), &core.Participants); err != nil {
		return core, fmt.Errorf("participants: %w", err)
	}
	core.CreatedAt = time.Unix(0, createdAt).UTC()
	if lastSynced.Valid {
		t := time.Unix(0, lastSynced.Int64).UTC()
		core.LastSyncedAt = &t
	}
	if remoteLen.Valid {
		core.RemoteLength = model.IntPtr(int(remoteLen.Int64))
	}
	return core, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
