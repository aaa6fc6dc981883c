package broadcast

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	nostrlib "fiatjaf.com/nostr"
)

// Spool holds lifecycle events that could not be delivered to any
// relay, keyed by (cluster, topic): enqueueing an event replaces any
// spooled event with the same key rather than appending. Relays
// themselves keep one replaceable event per cluster id (the "d" tag),
// so several spooled topics of one cluster supersede each other there
// as they are delivered. The whole map is persisted
// as one JSON document, rewritten atomically on every change.
type Spool struct {
	mu         sync.Mutex
	path       string
	maxEntries int
}

// spoolRecord is one undelivered event plus its retry schedule.
type spoolRecord struct {
	ID        string        `json:"id"`
	CreatedAt int64         `json:"created_at"`
	Kind      int           `json:"kind"`
	Tags      nostrlib.Tags `json:"tags"`
	Content   string        `json:"content"`
	PubKey    string        `json:"pubkey"`
	Sig       string        `json:"sig"`

	Attempts  int   `json:"attempts"`
	NextTry   int64 `json:"next_try_unix"`
	SpooledAt int64 `json:"spooled_at_unix"`
}

const (
	// DefaultSpoolMaxEntries bounds distinct (cluster, topic) keys. The
	// natural population is #clusters x #lifecycle-topics, so hitting
	// this means something is minting cluster ids in a loop.
	DefaultSpoolMaxEntries = 4096

	spoolFileName  = "broadcast-spool.json"
	spoolBaseDelay = 30 * time.Second
	spoolMaxDelay  = 10 * time.Minute
)

// NewSpool creates a spool rooted at runtimeDir.
func NewSpool(runtimeDir string) *Spool {
	return &Spool{
		path:       filepath.Join(runtimeDir, spoolFileName),
		maxEntries: DefaultSpoolMaxEntries,
	}
}

// spoolKey derives the replacement key from the event's tags: the "d"
// tag carries the cluster id, the "type" tag the lifecycle topic.
func spoolKey(event nostrlib.Event) string {
	var cluster, topic string
	for _, tag := range event.Tags {
		if len(tag) < 2 {
			continue
		}
		switch tag[0] {
		case "d":
			cluster = tag[1]
		case "type":
			topic = tag[1]
		}
	}
	return cluster + "/" + topic
}

// Enqueue records event for later redelivery, replacing any older
// event spooled under the same (cluster, topic) key.
func (s *Spool) Enqueue(event nostrlib.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := s.loadLocked()
	key := spoolKey(event)
	if _, replacing := records[key]; !replacing && len(records) >= s.maxEntries {
		return fmt.Errorf("spool holds %d distinct keys; refusing new key %q", len(records), key)
	}

	now := time.Now()
	records[key] = spoolRecord{
		ID:        hex.EncodeToString(event.ID[:]),
		CreatedAt: int64(event.CreatedAt),
		Kind:      int(event.Kind),
		Tags:      event.Tags,
		Content:   event.Content,
		PubKey:    hex.EncodeToString(event.PubKey[:]),
		Sig:       hex.EncodeToString(event.Sig[:]),
		SpooledAt: now.Unix(),
		NextTry:   now.Unix(),
	}
	return s.storeLocked(records)
}

// Drain retries every due event against pool, removing those that
// deliver. Events still inside their backoff window are left alone.
func (s *Spool) Drain(ctx context.Context, pool *RelayPool) (sent, failed int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := s.loadLocked()
	if len(records) == 0 {
		return 0, 0, nil
	}

	now := time.Now()
	changed := false

	for key, rec := range records {
		if now.Unix() < rec.NextTry {
			continue
		}

		event, decodeErr := rec.toEvent()
		if decodeErr != nil {
			log.Printf("[broadcast] dropping undecodable spool entry %s: %v", key, decodeErr)
			delete(records, key)
			changed = true
			continue
		}

		if pubErr := pool.Publish(ctx, event); pubErr != nil {
			rec.Attempts++
			rec.NextTry = now.Add(retryDelay(rec.Attempts)).Unix()
			records[key] = rec
			changed = true
			failed++
			continue
		}
		delete(records, key)
		changed = true
		sent++
	}

	if changed {
		if err := s.storeLocked(records); err != nil {
			return sent, failed, fmt.Errorf("rewriting spool: %w", err)
		}
	}
	return sent, failed, nil
}

// Count returns the number of distinct keys currently spooled.
func (s *Spool) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.loadLocked())
}

// retryDelay doubles per attempt from spoolBaseDelay, capped at
// spoolMaxDelay.
func retryDelay(attempts int) time.Duration {
	d := spoolBaseDelay
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= spoolMaxDelay {
			return spoolMaxDelay
		}
	}
	return d
}

func (r spoolRecord) toEvent() (nostrlib.Event, error) {
	var event nostrlib.Event
	idBytes, err := hex.DecodeString(r.ID)
	if err != nil || len(idBytes) != len(event.ID) {
		return event, fmt.Errorf("invalid spooled event id")
	}
	copy(event.ID[:], idBytes)

	pkBytes, err := hex.DecodeString(r.PubKey)
	if err != nil || len(pkBytes) != len(event.PubKey) {
		return event, fmt.Errorf("invalid spooled pubkey")
	}
	copy(event.PubKey[:], pkBytes)

	sigBytes, err := hex.DecodeString(r.Sig)
	if err != nil || len(sigBytes) != len(event.Sig) {
		return event, fmt.Errorf("invalid spooled sig")
	}
	copy(event.Sig[:], sigBytes)

	event.CreatedAt = nostrlib.Timestamp(r.CreatedAt)
	event.Kind = nostrlib.Kind(r.Kind)
	event.Tags = r.Tags
	event.Content = r.Content
	return event, nil
}

// loadLocked reads the spool map; a missing file is an empty spool and
// a corrupted one degrades to empty with a warning rather than wedging
// every future Enqueue.
func (s *Spool) loadLocked() map[string]spoolRecord {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("[broadcast] reading spool %s: %v", s.path, err)
		}
		return map[string]spoolRecord{}
	}
	var records map[string]spoolRecord
	if err := json.Unmarshal(data, &records); err != nil {
		log.Printf("[broadcast] spool %s is corrupted, starting empty: %v", s.path, err)
		return map[string]spoolRecord{}
	}
	if records == nil {
		records = map[string]spoolRecord{}
	}
	return records
}

// storeLocked rewrites the whole spool atomically (temp file + rename)
// so a crash mid-write never leaves a half-written document behind.
func (s *Spool) storeLocked(records map[string]spoolRecord) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("creating spool directory: %w", err)
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding spool: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing spool: %w", err)
	}
	return os.Rename(tmp, s.path)
}
