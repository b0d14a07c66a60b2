package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"crosspost/internal/crosspost"
	"crosspost/internal/messaging"
	logx "crosspost/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// outcomeRetention bounds the outcomes audit table.
const outcomeRetention = 30 * 24 * time.Hour

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// settings

const settingsCols = `tenant_id, channel, enabled, credentials, token, updated_at`

func scanSettings(rows interface{ Scan(...any) error }) (crosspost.Settings, error) {
	var (
		out               crosspost.Settings
		ch, updated       string
		enabled           bool
		credJSON, tokJSON sql.NullString
	)
	if err := rows.Scan(&out.TenantID, &ch, &enabled, &credJSON, &tokJSON, &updated); err != nil {
		return out, err
	}
	out.Channel = crosspost.Channel(ch)
	out.Enabled = enabled
	out.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	if credJSON.Valid && credJSON.String != "" {
		if err := json.Unmarshal([]byte(credJSON.String), &out.Credentials); err != nil {
			return out, fmt.Errorf("settings %s/%s credentials: %w", out.TenantID, ch, err)
		}
	}
	if tokJSON.Valid && tokJSON.String != "" {
		var tok crosspost.TokenState
		if err := json.Unmarshal([]byte(tokJSON.String), &tok); err != nil {
			return out, fmt.Errorf("settings %s/%s token: %w", out.TenantID, ch, err)
		}
		out.Token = &tok
	}
	return out, nil
}

func (s *sqliteStore) querySettings(ctx context.Context, q string, args ...any) ([]crosspost.Settings, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []crosspost.Settings
	for rows.Next() {
		v, err := scanSettings(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ListSettings(ctx context.Context, tenantID string) ([]crosspost.Settings, error) {
	return s.querySettings(ctx,
		`SELECT `+settingsCols+` FROM settings WHERE tenant_id = ? ORDER BY channel`, tenantID)
}

func (s *sqliteStore) AllSettings(ctx context.Context) ([]crosspost.Settings, error) {
	return s.querySettings(ctx, `SELECT `+settingsCols+` FROM settings ORDER BY tenant_id, channel`)
}

func (s *sqliteStore) GetSettings(ctx context.Context, tenantID string, ch crosspost.Channel) (crosspost.Settings, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+settingsCols+` FROM settings WHERE tenant_id = ? AND channel = ?`, tenantID, string(ch))
	v, err := scanSettings(row)
	if errors.Is(err, sql.ErrNoRows) {
		return crosspost.Settings{}, false, nil
	}
	if err != nil {
		return crosspost.Settings{}, false, err
	}
	return v, true, nil
}

func (s *sqliteStore) PutSettings(ctx context.Context, v crosspost.Settings) error {
	if v.TenantID == "" || v.Channel == "" {
		return errors.New("settings need a tenant and a channel")
	}
	if v.UpdatedAt.IsZero() {
		v.UpdatedAt = time.Now()
	}
	cred, err := jsonOrNull(v.Credentials, len(v.Credentials) == 0)
	if err != nil {
		return err
	}
	tok, err := jsonOrNull(v.Token, v.Token == nil)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO settings(`+settingsCols+`) VALUES(?,?,?,?,?,?)
		 ON CONFLICT(tenant_id, channel) DO UPDATE SET
		   enabled=excluded.enabled, credentials=excluded.credentials,
		   token=excluded.token, updated_at=excluded.updated_at`,
		v.TenantID, string(v.Channel), v.Enabled, cred, tok, v.UpdatedAt.Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) SaveToken(ctx context.Context, tenantID string, ch crosspost.Channel, tok crosspost.TokenState) error {
	b, err := json.Marshal(tok)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO settings(tenant_id, channel, enabled, token, updated_at) VALUES(?,?,0,?,?)
		 ON CONFLICT(tenant_id, channel) DO UPDATE SET token=excluded.token, updated_at=excluded.updated_at`,
		tenantID, string(ch), string(b), time.Now().Format(time.RFC3339Nano),
	)
	return err
}

// tenants

func (s *sqliteStore) PutTenant(ctx context.Context, t messaging.Tenant) error {
	if t.ID == "" {
		return errors.New("tenant id is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tenants(id, code, name) VALUES(?,?,?)
		 ON CONFLICT(id) DO UPDATE SET code=excluded.code, name=excluded.name`,
		t.ID, messaging.NormalizeCode(t.Code), t.Name,
	)
	return err
}

func (s *sqliteStore) ResolveTenant(ctx context.Context, code string) (messaging.Tenant, bool, error) {
	var (
		t       messaging.Tenant
		enabled sql.NullBool
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT t.id, t.code, t.name, s.enabled
		 FROM tenants t LEFT JOIN settings s ON s.tenant_id = t.id AND s.channel = ?
		 WHERE t.code = ?`,
		string(crosspost.WhatsApp), messaging.NormalizeCode(code),
	).Scan(&t.ID, &t.Code, &t.Name, &enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return messaging.Tenant{}, false, nil
	}
	if err != nil {
		return messaging.Tenant{}, false, err
	}
	t.WhatsAppEnabled = enabled.Valid && enabled.Bool
	return t, true, nil
}

// subscribers

func (s *sqliteStore) querySubscribers(ctx context.Context, where string, arg string) ([]messaging.Subscriber, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tenant_id, phone, tenant_name, status, subscribed_at, updated_at
		 FROM subscribers WHERE `+where+` = ? ORDER BY tenant_id, phone`, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []messaging.Subscriber
	for rows.Next() {
		var (
			v             messaging.Subscriber
			name          sql.NullString
			status        string
			since, update string
		)
		if err := rows.Scan(&v.TenantID, &v.Phone, &name, &status, &since, &update); err != nil {
			return nil, err
		}
		v.TenantName = name.String
		v.Status = messaging.Status(status)
		v.SubscribedAt, _ = time.Parse(time.RFC3339Nano, since)
		v.UpdatedAt, _ = time.Parse(time.RFC3339Nano, update)
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ListSubscribers(ctx context.Context, tenantID string) ([]messaging.Subscriber, error) {
	return s.querySubscribers(ctx, "tenant_id", tenantID)
}

func (s *sqliteStore) SubscriptionsFor(ctx context.Context, phone string) ([]messaging.Subscriber, error) {
	return s.querySubscribers(ctx, "phone", phone)
}

func (s *sqliteStore) PutSubscriber(ctx context.Context, v messaging.Subscriber) error {
	if v.TenantID == "" || v.Phone == "" {
		return errors.New("subscriber needs a tenant and a phone")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscribers(tenant_id, phone, tenant_name, status, subscribed_at, updated_at)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(tenant_id, phone) DO UPDATE SET
		   tenant_name=excluded.tenant_name, status=excluded.status,
		   subscribed_at=excluded.subscribed_at, updated_at=excluded.updated_at`,
		v.TenantID, v.Phone, nullStr(v.TenantName), string(v.Status),
		v.SubscribedAt.Format(time.RFC3339Nano), v.UpdatedAt.Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) DeleteSubscriber(ctx context.Context, tenantID, phone string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM subscribers WHERE tenant_id = ? AND phone = ?`, tenantID, phone)
	return err
}

// outbox

func (s *sqliteStore) EnqueueOutbox(ctx context.Context, batch []messaging.Descriptor) error {
	if len(batch) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for _, d := range batch {
		if d.ID == "" {
			return errors.New("outbox descriptor without id")
		}
		var body any
		if d.Text != nil {
			body = *d.Text
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO outbox(id, batch_id, tenant_id, recipient, body, media_url, media_type, status, created_at)
			 VALUES(?,?,?,?,?,?,?,?,?)`,
			d.ID, nullStr(d.BatchID), d.TenantID, d.To, body, nullStr(d.MediaURL), nullStr(d.MediaType),
			OutboxPending, now,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) ClaimOutbox(ctx context.Context, limit int, now time.Time) ([]messaging.Envelope, error) {
	if limit <= 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`SELECT id, batch_id, tenant_id, recipient, body, media_url, media_type, attempts
		 FROM outbox WHERE status = ? ORDER BY seq LIMIT ?`, OutboxPending, limit)
	if err != nil {
		return nil, err
	}
	var out []messaging.Envelope
	for rows.Next() {
		var (
			e                        messaging.Envelope
			batch, body, mURL, mType sql.NullString
		)
		if err := rows.Scan(&e.ID, &batch, &e.TenantID, &e.To, &body, &mURL, &mType, &e.Attempts); err != nil {
			rows.Close()
			return nil, err
		}
		e.BatchID = batch.String
		if body.Valid {
			text := body.String
			e.Text = &text
		}
		e.MediaURL = mURL.String
		e.MediaType = mType.String
		e.Attempts++
		e.ClaimedAt = now
		out = append(out, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, e := range out {
		if _, err := tx.ExecContext(ctx,
			`UPDATE outbox SET status = ?, attempts = ?, claimed_at = ? WHERE id = ?`,
			OutboxClaimed, e.Attempts, now.UnixMilli(), e.ID,
		); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *sqliteStore) AckOutbox(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM outbox WHERE id = ?`, id)
	return err
}

func (s *sqliteStore) FailOutbox(ctx context.Context, id, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbox SET status = ?, last_error = ? WHERE id = ?`, OutboxFailed, nullStr(reason), id)
	return err
}

func (s *sqliteStore) RequeueStale(ctx context.Context, claimedBefore time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE outbox SET status = ?, claimed_at = NULL WHERE status = ? AND claimed_at < ?`,
		OutboxPending, OutboxClaimed, claimedBefore.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// counters

func (s *sqliteStore) IncrementPosts(ctx context.Context, tenantID string, ch crosspost.Channel) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO post_counters(tenant_id, channel, posts) VALUES(?,?,1)
		 ON CONFLICT(tenant_id, channel) DO UPDATE SET posts = posts + 1`,
		tenantID, string(ch))
	return err
}

func (s *sqliteStore) ResetPostCounters(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM post_counters`)
	return err
}

func (s *sqliteStore) PostCounters(ctx context.Context, tenantID string) (map[crosspost.Channel]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT channel, posts FROM post_counters WHERE tenant_id = ?`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[crosspost.Channel]int{}
	for rows.Next() {
		var (
			ch string
			n  int
		)
		if err := rows.Scan(&ch, &n); err != nil {
			return nil, err
		}
		out[crosspost.Channel(ch)] = n
	}
	return out, rows.Err()
}

// outcomes

func (s *sqliteStore) AppendOutcome(ctx context.Context, dispatchID, tenantID, postID string, o crosspost.Outcome) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	at := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO outcomes(at, dispatch_id, tenant_id, post_id, channel, success, skipped, content_id, class, err, fallback, took_ms)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		at.Format(time.RFC3339Nano), dispatchID, tenantID, nullStr(postID), string(o.Channel),
		o.Success, o.Skipped, nullStr(o.ContentID), nullStr(string(o.Class)), nullStr(o.Error),
		nullStr(o.Fallback), o.Took.Milliseconds(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		if perr := s.pruneOutcomes(pctx, at.Add(-outcomeRetention)); perr != nil {
			s.log.Debug("outcome prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqliteStore) pruneOutcomes(ctx context.Context, before time.Time) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM outcomes WHERE at < ?`, before.Format(time.RFC3339Nano))
	return err
}

func jsonOrNull(v any, empty bool) (any, error) {
	if empty {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
