package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

type DB struct {
	*sql.DB
}

// RequestRecord is one proxied job as persisted for diagnostics.
type RequestRecord struct {
	Timestamp  time.Time `json:"ts"`
	ReqID      string    `json:"req_id"`
	Source     string    `json:"source"`
	Endpoint   string    `json:"endpoint"`
	Method     string    `json:"method"`
	Cost       int       `json:"cost"`
	Stream     bool      `json:"stream"`
	StatusCode int       `json:"status_code"`
	DurationMs float64   `json:"dur_ms"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
}

func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS events(
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts REAL,
		level TEXT,
		code TEXT,
		msg TEXT,
		meta TEXT
	)`); err != nil {
		return nil, err
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS requests(
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts REAL,
		req_id TEXT,
		source TEXT,
		endpoint TEXT,
		method TEXT,
		cost INTEGER,
		stream INTEGER,
		status_code INTEGER,
		dur_ms REAL,
		status TEXT,
		error TEXT
	)`); err != nil {
		return nil, err
	}

	return &DB{db}, nil
}

// Event records a diagnostic event. Inserts are fire-and-forget: the store
// must never become the reason a request or the monitor fails.
func (db *DB) Event(level, code, msg string, meta map[string]interface{}) {
	m := ""
	if meta != nil {
		b, _ := json.Marshal(meta)
		m = string(b)
	}
	_, _ = db.Exec(`INSERT INTO events(ts,level,code,msg,meta) VALUES(?,?,?,?,?)`,
		float64(time.Now().UnixNano())/1e9, level, code, msg, m)
}

// Req records one proxied request.
func (db *DB) Req(rec RequestRecord) {
	stream := 0
	if rec.Stream {
		stream = 1
	}
	_, _ = db.Exec(`INSERT INTO requests(
		ts, req_id, source, endpoint, method, cost, stream, status_code, dur_ms, status, error)
		VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		float64(rec.Timestamp.UnixNano())/1e9, rec.ReqID, rec.Source, rec.Endpoint, rec.Method,
		rec.Cost, stream, rec.StatusCode, rec.DurationMs, rec.Status, rec.Error)
}

// RecentRequests returns the newest request rows, most recent first.
func (db *DB) RecentRequests(ctx context.Context, limit int) ([]RequestRecord, error) {
	rows, err := db.QueryContext(ctx, `SELECT ts, req_id, source, endpoint, method, cost, stream, status_code, dur_ms, status, error
		FROM requests ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RequestRecord
	for rows.Next() {
		var rec RequestRecord
		var ts float64
		var stream int
		if err := rows.Scan(&ts, &rec.ReqID, &rec.Source, &rec.Endpoint, &rec.Method,
			&rec.Cost, &stream, &rec.StatusCode, &rec.DurationMs, &rec.Status, &rec.Error); err != nil {
			return nil, err
		}
		rec.Timestamp = time.Unix(0, int64(ts*1e9))
		rec.Stream = stream == 1
		out = append(out, rec)
	}
	return out, rows.Err()
}
