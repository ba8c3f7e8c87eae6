package playlist

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
	"time"

	_ "modernc.org/sqlite"

	"playd/internal/device"
	logx "playd/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Store is the sqlite-backed playlist. All methods are safe for use from the
// tick goroutine; sqlite serializes the single writer underneath.
type Store struct {
	db        *sql.DB
	log       logx.Logger
	frameRate int
}

func Open(cfg Config, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("playlist path is required")
	}
	if cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	fr := cfg.FrameRate
	if fr <= 0 {
		fr = 25
	}
	s := &Store{db: db, log: log, frameRate: fr}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const eventColumns = `event_id, parent_id, device, device_kind, event_type,
	trigger_time, duration, action, action_name, description, preprocessor,
	extra_data, processed`

// Add persists a new event and returns its store-assigned id.
func (s *Store) Add(ctx context.Context, e Event) (int64, error) {
	extras, err := marshalExtras(e.ExtraData)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events(parent_id, device, device_kind, event_type, trigger_time,
			duration, action, action_name, description, preprocessor, extra_data, processed)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,0)`,
		e.ParentID, e.Device, e.DeviceKind.String(), e.Type.String(), e.TriggerTime,
		e.Duration, e.Action, e.ActionName, e.Description, e.PreProcessor, extras,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) Get(ctx context.Context, id int64) (Event, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE event_id = ?`, id)
	return scanEvent(row)
}

// ChildrenOf returns the direct children of id in insertion order.
func (s *Store) ChildrenOf(ctx context.Context, id int64) ([]Event, error) {
	return s.queryEvents(ctx,
		`SELECT `+eventColumns+` FROM events WHERE parent_id = ? ORDER BY event_id ASC`, id)
}

// EventsDue returns unprocessed events of the given trigger kind whose
// trigger time has passed, in stable dispatch order.
func (s *Store) EventsDue(ctx context.Context, kind EventType, at int64) ([]Event, error) {
	return s.queryEvents(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE processed = 0 AND event_type = ? AND trigger_time <= ?
		 ORDER BY trigger_time ASC, event_id ASC`, kind.String(), at)
}

// ExecutingEvents returns events currently inside their execution window.
// The window is rounded up to whole seconds so sub-second events still
// appear for the second they trigger in.
func (s *Store) ExecutingEvents(ctx context.Context, at int64) ([]Event, error) {
	return s.queryEvents(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE trigger_time <= ? AND trigger_time + ((duration + ? - 1) / ?) > ?
		 ORDER BY trigger_time ASC, event_id ASC`, at, s.frameRate, s.frameRate, at)
}

// NextEvent returns the earliest unprocessed event after the given time.
// ErrNotFound means the playlist has nothing queued; callers treat that as an
// empty result.
func (s *Store) NextEvent(ctx context.Context, after int64) (Event, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE processed = 0 AND trigger_time > ?
		 ORDER BY trigger_time ASC, event_id ASC LIMIT 1`, after)
	return scanEvent(row)
}

// EventsInRange returns events triggering in [start, start+length).
func (s *Store) EventsInRange(ctx context.Context, start, length int64) ([]Event, error) {
	return s.queryEvents(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE trigger_time >= ? AND trigger_time < ?
		 ORDER BY trigger_time ASC, event_id ASC`, start, start+length)
}

// Remove deletes the event. Children are not cascaded; callers decide.
func (s *Store) Remove(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE event_id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Shunt shifts every event at or after from by delta seconds, atomically.
func (s *Store) Shunt(ctx context.Context, from, delta int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE events SET trigger_time = trigger_time + ? WHERE trigger_time >= ?`,
		delta, from)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// SetProcessed flips the processed flag. The transition is one-way; replaying
// an already-processed event is a caller bug the store does not police.
func (s *Store) SetProcessed(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE events SET processed = 1 WHERE event_id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ActiveHold returns the id of the manual event currently holding the
// channel, or 0 when nothing is held.
func (s *Store) ActiveHold(ctx context.Context, at int64) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT event_id FROM events
		 WHERE processed = 0 AND event_type = ? AND trigger_time <= ?
		 ORDER BY trigger_time ASC, event_id ASC LIMIT 1`,
		EventManual.String(), at).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return id, nil
}

// ---- plugin table ----

func (s *Store) UpsertPlugin(ctx context.Context, row PluginRow) error {
	at := row.UpdatedAt
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO plugins(instance_name, plugin_name, type, status, updated_at)
		 VALUES(?,?,?,?,?)
		 ON CONFLICT(instance_name) DO UPDATE SET
			plugin_name=excluded.plugin_name, type=excluded.type,
			status=excluded.status, updated_at=excluded.updated_at`,
		row.Instance, row.Plugin, row.Type, row.Status, at.Format(time.RFC3339Nano))
	return err
}

func (s *Store) RemovePlugin(ctx context.Context, instance string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM plugins WHERE instance_name = ?`, instance)
	return err
}

func (s *Store) ListPlugins(ctx context.Context) ([]PluginRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT instance_name, plugin_name, type, status, updated_at
		 FROM plugins ORDER BY instance_name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PluginRow
	for rows.Next() {
		var r PluginRow
		var at string
		if err := rows.Scan(&r.Instance, &r.Plugin, &r.Type, &r.Status, &at); err != nil {
			return nil, err
		}
		r.UpdatedAt, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ---- scanning helpers ----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (Event, error) {
	var (
		e      Event
		kind   string
		etype  string
		extras string
		proc   int
	)
	err := row.Scan(&e.ID, &e.ParentID, &e.Device, &kind, &etype, &e.TriggerTime,
		&e.Duration, &e.Action, &e.ActionName, &e.Description, &e.PreProcessor,
		&extras, &proc)
	if errors.Is(err, sql.ErrNoRows) {
		return Event{}, ErrNotFound
	}
	if err != nil {
		return Event{}, err
	}
	e.DeviceKind, _ = device.KindFromString(kind)
	e.Type, _ = EventTypeFromString(etype)
	e.Processed = proc != 0
	if extras != "" && extras != "{}" {
		if err := json.Unmarshal([]byte(extras), &e.ExtraData); err != nil {
			return Event{}, fmt.Errorf("event %d: bad extra_data: %w", e.ID, err)
		}
	}
	return e, nil
}

func (s *Store) queryEvents(ctx context.Context, q string, args ...any) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func marshalExtras(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
