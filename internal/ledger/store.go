package ledger

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/loomwork/conclave/internal/message"

	_ "github.com/go-sql-driver/mysql"
)

// Store persists a Ledger's full message sequence across process
// restarts. Writers append one message at a time as it is published;
// Load reproduces the original sequence for Ledger.Restore.
type Store interface {
	Append(m message.Message) error
	Load() ([]message.Message, error)
	Close() error
}

// OpenStore selects a Store implementation from a storage location.
// A "mysql://" URL selects the SQL-backed store; anything else is
// treated as a filesystem path to a JSONL file (the default).
func OpenStore(location string) (Store, error) {
	if strings.HasPrefix(location, "mysql://") {
		return newSQLStore(strings.TrimPrefix(location, "mysql://"))
	}
	return newJSONLStore(location)
}

// --- JSONL store (default) ---

type jsonlStore struct {
	path string
	f    *os.File
}

func newJSONLStore(path string) (*jsonlStore, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening ledger file %s: %w", path, err)
	}
	return &jsonlStore{path: path, f: f}, nil
}

func (s *jsonlStore) Append(m message.Message) error {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	b = append(b, '\n')
	if _, err := s.f.Write(b); err != nil {
		return fmt.Errorf("writing ledger entry: %w", err)
	}
	return nil
}

func (s *jsonlStore) Load() ([]message.Message, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening ledger file %s: %w", s.path, err)
	}
	defer f.Close()

	var out []message.Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		var m message.Message
		if err := json.Unmarshal(line, &m); err != nil {
			return nil, fmt.Errorf("parsing ledger line: %w", err)
		}
		out = append(out, m)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading ledger file %s: %w", s.path, err)
	}
	return out, nil
}

func (s *jsonlStore) Close() error {
	return s.f.Close()
}

// --- SQL store (alternate backend) ---

// sqlStore persists messages to a `messages` table keyed by
// (cluster_id, id).
type sqlStore struct {
	db        *sql.DB
	clusterID string
}

func newSQLStore(dsnAndCluster string) (*sqlStore, error) {
	// Expected form: "<dsn>#<cluster_id>".
	parts := strings.SplitN(dsnAndCluster, "#", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("mysql store location must be 'dsn#cluster_id'")
	}
	db, err := sql.Open("mysql", parts[0])
	if err != nil {
		return nil, fmt.Errorf("opening mysql ledger store: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS messages (
		cluster_id VARCHAR(64) NOT NULL,
		id BIGINT NOT NULL,
		payload JSON NOT NULL,
		PRIMARY KEY (cluster_id, id)
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensuring messages table: %w", err)
	}
	return &sqlStore{db: db, clusterID: parts[1]}, nil
}

func (s *sqlStore) Append(m message.Message) error {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO messages (cluster_id, id, payload) VALUES (?, ?, ?)`,
		s.clusterID, m.ID, b,
	)
	if err != nil {
		return fmt.Errorf("inserting message %d: %w", m.ID, err)
	}
	return nil
}

func (s *sqlStore) Load() ([]message.Message, error) {
	rows, err := s.db.QueryContext(context.Background(),
		`SELECT payload FROM messages WHERE cluster_id = ? ORDER BY id ASC`, s.clusterID)
	if err != nil {
		return nil, fmt.Errorf("loading messages: %w", err)
	}
	defer rows.Close()

	var out []message.Message
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		var m message.Message
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("parsing message row: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}
