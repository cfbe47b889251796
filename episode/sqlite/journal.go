// Package sqlite provides an episode journal stored in SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hupe1980/shopmesh/core"
	"github.com/hupe1980/shopmesh/episode"
)

const schema = `CREATE TABLE IF NOT EXISTS episodes (
	session_id  TEXT NOT NULL,
	sequence_no INTEGER NOT NULL,
	id          TEXT NOT NULL,
	user_id     TEXT NOT NULL,
	turn_id     TEXT,
	utterance   TEXT,
	handler     TEXT,
	payload     TEXT,
	created_at  TEXT NOT NULL,
	PRIMARY KEY (session_id, sequence_no)
)`

// payload holds the structured parts of an episode.
type payload struct {
	Entities       []core.Entity                `json:"entities,omitempty"`
	Observations   []core.Observation           `json:"observations,omitempty"`
	Paralinguistic *core.ParalinguisticFeatures `json:"paralinguistic,omitempty"`
}

// Journal implements core.EpisodeJournal on SQLite.
type Journal struct {
	db *sql.DB
}

// Open opens (or creates) the journal at path. ":memory:" opens a private
// in-memory database.
func Open(ctx context.Context, path string) (*Journal, error) {
	if path == "" {
		return nil, errors.New("journal path is required")
	}
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create episodes table: %w", err)
	}
	return &Journal{db: db}, nil
}

// Append inserts ep. An existing (session, sequence) is never overwritten.
func (j *Journal) Append(ctx context.Context, ep core.Episode) error {
	if err := episode.Validate(ep); err != nil {
		return err
	}
	body, err := json.Marshal(payload{Entities: ep.Entities, Observations: ep.Observations, Paralinguistic: ep.Paralinguistic})
	if err != nil {
		return fmt.Errorf("encode episode: %w", err)
	}

	res, err := j.db.ExecContext(ctx, `INSERT INTO episodes
		(session_id, sequence_no, id, user_id, turn_id, utterance, handler, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id, sequence_no) DO NOTHING`,
		ep.SessionID, int64(ep.Sequence), ep.ID, ep.UserID, ep.TurnID, ep.Utterance, string(ep.Handler),
		string(body), ep.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("append episode: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("append episode: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s/%d", episode.ErrDuplicateEpisode, ep.SessionID, ep.Sequence)
	}
	return nil
}

// List returns the session's episodes ordered by sequence.
func (j *Journal) List(ctx context.Context, sessionID string) ([]core.Episode, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT sequence_no, id, user_id, turn_id, utterance, handler, payload, created_at
		FROM episodes WHERE session_id = ? ORDER BY sequence_no`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list episodes: %w", err)
	}
	defer rows.Close()

	var out []core.Episode
	for rows.Next() {
		var (
			ep                       core.Episode
			seq                      int64
			turnID, utterance, hname sql.NullString
			body                     sql.NullString
			created                  string
		)
		if err := rows.Scan(&seq, &ep.ID, &ep.UserID, &turnID, &utterance, &hname, &body, &created); err != nil {
			return nil, fmt.Errorf("scan episode: %w", err)
		}
		ep.SessionID = sessionID
		ep.Sequence = uint64(seq)
		ep.TurnID = turnID.String
		ep.Utterance = utterance.String
		ep.Handler = core.HandlerName(hname.String)
		if ep.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		if body.Valid && body.String != "" {
			var p payload
			if err := json.Unmarshal([]byte(body.String), &p); err != nil {
				return nil, fmt.Errorf("decode episode: %w", err)
			}
			ep.Entities, ep.Observations, ep.Paralinguistic = p.Entities, p.Observations, p.Paralinguistic
		}
		out = append(out, ep)
	}
	return out, rows.Err()
}

// Close closes the database.
func (j *Journal) Close() error { return j.db.Close() }
