// Package persistence provides SQLite-based colony state storage.
package persistence

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/talgya/mini-colony/internal/engine"
	"github.com/talgya/mini-colony/internal/jobs"
	"github.com/talgya/mini-colony/internal/request"
	"github.com/talgya/mini-colony/internal/requestable"
	"github.com/talgya/mini-colony/internal/token"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("persistence: not found")

// DB wraps a SQLite connection for colony state persistence.
type DB struct {
	conn  *sqlx.DB
	codec request.Codec
}

// Open opens or creates a SQLite database at the given path.
func Open(path string) (*DB, error) {
	conn, err := sqlx.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db := &DB{conn: conn, codec: request.DefaultCodec()}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS requests (
		token TEXT PRIMARY KEY,
		requester TEXT NOT NULL,
		state TEXT NOT NULL,
		resolver TEXT,
		parent TEXT,
		seq INTEGER NOT NULL,
		payload_type TEXT NOT NULL,
		record BLOB NOT NULL
	);

	CREATE TABLE IF NOT EXISTS transitions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tick INTEGER NOT NULL,
		token TEXT NOT NULL,
		parent TEXT,
		from_state TEXT NOT NULL,
		to_state TEXT NOT NULL,
		resolver TEXT,
		reason TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS structures (
		id TEXT PRIMARY KEY,
		level INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS warehouse_stock (
		warehouse TEXT NOT NULL,
		item TEXT NOT NULL,
		count INTEGER NOT NULL,
		PRIMARY KEY (warehouse, item)
	);

	CREATE TABLE IF NOT EXISTS citizens (
		id TEXT PRIMARY KEY,
		food REAL NOT NULL,
		tools REAL NOT NULL,
		alive INTEGER NOT NULL,
		starving INTEGER NOT NULL,
		completed INTEGER NOT NULL,
		cancelled INTEGER NOT NULL,
		stalled INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS colony_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_requests_requester ON requests(requester);
	CREATE INDEX IF NOT EXISTS idx_requests_state ON requests(state);
	CREATE INDEX IF NOT EXISTS idx_transitions_token ON transitions(token);
	`
	_, err := db.conn.Exec(schema)
	return err
}

// RequestRow is the indexed view of one persisted request.
type RequestRow struct {
	Token       string         `db:"token" json:"token"`
	Requester   string         `db:"requester" json:"requester"`
	State       string         `db:"state" json:"state"`
	Resolver    sql.NullString `db:"resolver" json:"-"`
	Parent      sql.NullString `db:"parent" json:"-"`
	Seq         uint64         `db:"seq" json:"seq"`
	PayloadType string         `db:"payload_type" json:"payload_type"`
}

// SaveRequests writes all live requests to the database (full replace).
func (db *DB) SaveRequests(reqs []*request.Request) error {
	tx, err := db.conn.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM requests"); err != nil {
		return err
	}

	stmt, err := tx.Preparex(`INSERT INTO requests
		(token, requester, state, resolver, parent, seq, payload_type, record)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range reqs {
		rec, err := db.codec.Encode(r)
		if err != nil {
			return fmt.Errorf("encode request %s: %w", r.ID.Short(), err)
		}
		_, err = stmt.Exec(
			r.ID.String(), r.RequesterID.String(), r.State.String(),
			nullToken(r.ResolverID), nullToken(r.Parent),
			r.CreatedSeq, string(r.Payload.TypeTag()), rec,
		)
		if err != nil {
			return fmt.Errorf("insert request %s: %w", r.ID.Short(), err)
		}
	}

	return tx.Commit()
}

// LoadRequests decodes every persisted request in creation order.
// Rows that no longer decode are dropped and counted.
func (db *DB) LoadRequests() ([]*request.Request, int, error) {
	var records [][]byte
	if err := db.conn.Select(&records, "SELECT record FROM requests ORDER BY seq"); err != nil {
		return nil, 0, fmt.Errorf("load requests: %w", err)
	}
	reqs, dropped := db.codec.DecodeAll(records)
	if dropped > 0 {
		slog.Warn("persisted requests dropped on load", "dropped", dropped, "loaded", len(reqs))
	}
	return reqs, dropped, nil
}

// RawRequest returns the stored record of one request.
func (db *DB) RawRequest(t token.Token) ([]byte, error) {
	var rec []byte
	err := db.conn.Get(&rec, "SELECT record FROM requests WHERE token = ?", t.String())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("request %s: %w", t.Short(), ErrNotFound)
	}
	return rec, err
}

// ListRequests returns the indexed columns of persisted requests, optionally
// filtered by state.
func (db *DB) ListRequests(state string) ([]RequestRow, error) {
	var rows []RequestRow
	q := "SELECT token, requester, state, resolver, parent, seq, payload_type FROM requests"
	var args []any
	if state != "" {
		q += " WHERE state = ?"
		args = append(args, state)
	}
	err := db.conn.Select(&rows, q+" ORDER BY seq", args...)
	return rows, err
}

// SaveTransitions appends audit transitions to the database.
func (db *DB) SaveTransitions(ts []request.Transition) error {
	if len(ts) == 0 {
		return nil
	}

	tx, err := db.conn.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, t := range ts {
		_, err := tx.Exec(
			`INSERT INTO transitions (tick, token, parent, from_state, to_state, resolver, reason)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			t.Tick, t.Token.String(), nullToken(t.Parent),
			t.From.String(), t.To.String(), nullToken(t.Resolver), t.Reason,
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

type transitionRow struct {
	Tick     uint64         `db:"tick"`
	Token    string         `db:"token"`
	Parent   sql.NullString `db:"parent"`
	From     string         `db:"from_state"`
	To       string         `db:"to_state"`
	Resolver sql.NullString `db:"resolver"`
	Reason   string         `db:"reason"`
}

// RecentTransitions returns the most recent N transitions, newest first.
func (db *DB) RecentTransitions(limit int) ([]request.Transition, error) {
	var rows []transitionRow
	err := db.conn.Select(&rows,
		`SELECT tick, token, parent, from_state, to_state, resolver, reason
		FROM transitions ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	out := make([]request.Transition, 0, len(rows))
	for _, row := range rows {
		t, err := row.transition()
		if err != nil {
			slog.Warn("skipping unreadable transition", "token", row.Token, "error", err)
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (row transitionRow) transition() (request.Transition, error) {
	t := request.Transition{Tick: row.Tick, Reason: row.Reason}
	var err error
	if t.Token, err = token.Parse(row.Token); err != nil {
		return t, err
	}
	if t.From, err = request.ParseState(row.From); err != nil {
		return t, err
	}
	if t.To, err = request.ParseState(row.To); err != nil {
		return t, err
	}
	if t.Parent, err = parseNullToken(row.Parent); err != nil {
		return t, err
	}
	t.Resolver, err = parseNullToken(row.Resolver)
	return t, err
}

// SaveProgress writes structure levels, warehouse stock and citizens
// (full replace).
func (db *DB) SaveProgress(p engine.Progress) error {
	tx, err := db.conn.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, table := range []string{"structures", "warehouse_stock", "citizens"} {
		if _, err := tx.Exec("DELETE FROM " + table); err != nil {
			return err
		}
	}

	for _, s := range p.Structures {
		if _, err := tx.Exec("INSERT INTO structures (id, level) VALUES (?, ?)", s.ID.String(), s.Level); err != nil {
			return fmt.Errorf("insert structure %s: %w", s.ID.Short(), err)
		}
	}
	for _, w := range p.Stock {
		for _, st := range w.Stacks {
			_, err := tx.Exec("INSERT INTO warehouse_stock (warehouse, item, count) VALUES (?, ?, ?)",
				w.Warehouse.String(), st.Item, st.Count)
			if err != nil {
				return fmt.Errorf("insert stock %s/%s: %w", w.Warehouse.Short(), st.Item, err)
			}
		}
	}

	stmt, err := tx.Preparex(`INSERT INTO citizens
		(id, food, tools, alive, starving, completed, cancelled, stalled)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, c := range p.Citizens {
		alive := 0
		if c.Alive {
			alive = 1
		}
		_, err := stmt.Exec(
			c.ID.String(), c.Needs.Food, c.Needs.Tools, alive,
			c.Starving, c.Completed, c.Cancelled, c.Stalled,
		)
		if err != nil {
			return fmt.Errorf("insert citizen %s: %w", c.ID.Short(), err)
		}
	}

	return tx.Commit()
}

type stockRow struct {
	Warehouse string `db:"warehouse"`
	Item      string `db:"item"`
	Count     int    `db:"count"`
}

type citizenRow struct {
	ID        string  `db:"id"`
	Food      float32 `db:"food"`
	Tools     float32 `db:"tools"`
	Alive     int     `db:"alive"`
	Starving  int     `db:"starving"`
	Completed int     `db:"completed"`
	Cancelled int     `db:"cancelled"`
	Stalled   int     `db:"stalled"`
}

// LoadProgress reads what SaveProgress wrote. Rows with unreadable
// tokens are skipped with a warning.
func (db *DB) LoadProgress() (engine.Progress, error) {
	var p engine.Progress

	var structs []struct {
		ID    string `db:"id"`
		Level int    `db:"level"`
	}
	if err := db.conn.Select(&structs, "SELECT id, level FROM structures ORDER BY id"); err != nil {
		return p, fmt.Errorf("load structures: %w", err)
	}
	for _, row := range structs {
		id, err := token.Parse(row.ID)
		if err != nil {
			slog.Warn("skipping unreadable structure", "id", row.ID, "error", err)
			continue
		}
		p.Structures = append(p.Structures, engine.StructureState{ID: id, Level: row.Level})
	}

	var stock []stockRow
	if err := db.conn.Select(&stock, "SELECT warehouse, item, count FROM warehouse_stock ORDER BY warehouse, item"); err != nil {
		return p, fmt.Errorf("load stock: %w", err)
	}
	for _, row := range stock {
		id, err := token.Parse(row.Warehouse)
		if err != nil {
			slog.Warn("skipping unreadable stock", "warehouse", row.Warehouse, "error", err)
			continue
		}
		stack := requestable.ItemStack{Item: row.Item, Count: row.Count}
		if n := len(p.Stock); n > 0 && p.Stock[n-1].Warehouse == id {
			p.Stock[n-1].Stacks = append(p.Stock[n-1].Stacks, stack)
			continue
		}
		p.Stock = append(p.Stock, engine.StockState{Warehouse: id, Stacks: []requestable.ItemStack{stack}})
	}

	var citizens []citizenRow
	err := db.conn.Select(&citizens, `SELECT id, food, tools, alive, starving, completed, cancelled, stalled
		FROM citizens ORDER BY id`)
	if err != nil {
		return p, fmt.Errorf("load citizens: %w", err)
	}
	for _, row := range citizens {
		id, err := token.Parse(row.ID)
		if err != nil {
			slog.Warn("skipping unreadable citizen", "id", row.ID, "error", err)
			continue
		}
		p.Citizens = append(p.Citizens, engine.CitizenState{ID: id, State: jobs.State{
			Needs:     jobs.Needs{Food: row.Food, Tools: row.Tools},
			Alive:     row.Alive == 1,
			Starving:  row.Starving,
			Completed: row.Completed,
			Cancelled: row.Cancelled,
			Stalled:   row.Stalled,
		}})
	}
	return p, nil
}

// SaveMeta stores a key-value pair in colony metadata.
func (db *DB) SaveMeta(key, value string) error {
	_, err := db.conn.Exec(
		"INSERT OR REPLACE INTO colony_meta (key, value) VALUES (?, ?)",
		key, value,
	)
	return err
}

// GetMeta retrieves a metadata value.
func (db *DB) GetMeta(key string) (string, error) {
	var value string
	err := db.conn.Get(&value, "SELECT value FROM colony_meta WHERE key = ?", key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("meta %q: %w", key, ErrNotFound)
	}
	return value, err
}

// GetMetaUint reads a numeric metadata value.
func (db *DB) GetMetaUint(key string) (uint64, error) {
	v, err := db.GetMeta(key)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(v, 10, 64)
}

// HasColonyState reports whether a colony has been saved before.
func (db *DB) HasColonyState() bool {
	_, err := db.GetMeta("last_tick")
	return err == nil
}

// SaveColonyState performs a full save of the colony. It must run on the
// tick goroutine, or after the engine has stopped.
func (db *DB) SaveColonyState(c *engine.Colony, log *engine.TransitionLog) error {
	reqs := c.Manager.Snapshot()
	slog.Info("saving colony state", "requests", len(reqs), "tick", c.LastTick)

	if err := db.SaveRequests(reqs); err != nil {
		return fmt.Errorf("save requests: %w", err)
	}
	if err := db.SaveProgress(c.Progress()); err != nil {
		return fmt.Errorf("save progress: %w", err)
	}
	if log != nil {
		if err := db.SaveTransitions(log.Drain()); err != nil {
			return fmt.Errorf("save transitions: %w", err)
		}
	}
	if err := db.SaveMeta("seed", strconv.FormatInt(c.Seed, 10)); err != nil {
		return fmt.Errorf("save meta: %w", err)
	}
	if err := db.SaveMeta("colony", c.ID.String()); err != nil {
		return fmt.Errorf("save meta: %w", err)
	}
	if err := db.SaveMeta("last_tick", strconv.FormatUint(c.LastTick, 10)); err != nil {
		return fmt.Errorf("save meta: %w", err)
	}

	slog.Info("colony state saved")
	return nil
}

func nullToken(t *token.Token) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.String(), Valid: true}
}

func parseNullToken(s sql.NullString) (*token.Token, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := token.Parse(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
