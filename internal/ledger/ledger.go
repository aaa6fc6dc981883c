// Package ledger implements the append-only, indexed message store.
// A Ledger belongs to exactly one cluster.
package ledger

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/loomwork/conclave/internal/message"
)

// ErrClosed is returned by Append once the cluster has begun stopping.
var ErrClosed = errors.New("ledger: closed")

// Query selects a subset of messages. Zero values mean "no filter" for
// Topic/Sender, Since/Until are inclusive bounds on Timestamp (0/0 means
// unbounded), and Limit <= 0 means unbounded.
type Query struct {
	Topic  string
	Sender string
	Since  int64
	Until  int64
	Limit  int
}

// Ledger is the ordered, append-only sequence of Messages for one
// cluster, plus an index by topic. There is no separate (topic,
// timestamp) index: Since/Until bounds are applied by filtering the
// topic's entries.
type Ledger struct {
	mu      sync.RWMutex
	closed  bool
	lastID  int64
	all     []message.Message
	byTopic map[string][]int // indices into all, insertion (= id) order
}

// New creates an empty Ledger.
func New() *Ledger {
	return &Ledger{
		byTopic: make(map[string][]int),
	}
}

// Append assigns an id (last_id+1), stamps Timestamp if unset, and
// inserts the message into the primary sequence and the topic index.
// Fails with ErrClosed once the ledger has been closed (cluster
// stopping/stopped).
func (l *Ledger) Append(m message.Message) (message.Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return message.Message{}, ErrClosed
	}

	l.lastID++
	m.ID = l.lastID
	if m.Timestamp == 0 {
		m.Timestamp = time.Now().UnixMilli()
	}

	idx := len(l.all)
	l.all = append(l.all, m)
	l.byTopic[m.Topic] = append(l.byTopic[m.Topic], idx)

	return m.Clone(), nil
}

// Close marks the ledger closed; subsequent Append calls fail with
// ErrClosed. Queries remain valid after Close.
func (l *Ledger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
}

// Query returns a snapshot slice of messages matching q, sorted by
// (timestamp, id) ascending. When q.Limit > 0, only the most recent N
// matches (by that same order) are returned.
func (l *Ledger) Query(q Query) []message.Message {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var candidates []int
	if q.Topic != "" {
		candidates = l.byTopic[q.Topic]
	} else {
		candidates = make([]int, len(l.all))
		for i := range l.all {
			candidates[i] = i
		}
	}

	out := make([]message.Message, 0, len(candidates))
	for _, idx := range candidates {
		m := l.all[idx]
		if q.Sender != "" && m.Sender != q.Sender {
			continue
		}
		if q.Since != 0 && m.Timestamp < q.Since {
			continue
		}
		if q.Until != 0 && m.Timestamp > q.Until {
			continue
		}
		out = append(out, m)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		return out[i].ID < out[j].ID
	})

	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}

	clones := make([]message.Message, len(out))
	for i, m := range out {
		clones[i] = m.Clone()
	}
	return clones
}

// FindLast returns the highest-id message on topic, or (zero, false).
func (l *Ledger) FindLast(topic string) (message.Message, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	idxs := l.byTopic[topic]
	if len(idxs) == 0 {
		return message.Message{}, false
	}
	best := idxs[0]
	for _, idx := range idxs[1:] {
		if l.all[idx].ID > l.all[best].ID {
			best = idx
		}
	}
	return l.all[best].Clone(), true
}

// Count returns the number of messages matching topic (or the total
// count when topic == "").
func (l *Ledger) Count(topic string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if topic == "" {
		return len(l.all)
	}
	return len(l.byTopic[topic])
}

// LastID returns the highest assigned message id (0 if empty).
func (l *Ledger) LastID() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastID
}

// Snapshot returns every message in primary (id) order. Used by
// export and by persistence.
func (l *Ledger) Snapshot() []message.Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]message.Message, len(l.all))
	for i, m := range l.all {
		out[i] = m.Clone()
	}
	return out
}

// Restore loads a previously persisted, id-ordered sequence of
// messages, keeping each message's persisted id and timestamp and
// rebuilding the topic index, so ids and indices match the original
// exactly. It does not go through Append and does not stamp
// timestamps. The ledger must be empty and the ids strictly
// increasing.
func (l *Ledger) Restore(msgs []message.Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.all) != 0 {
		return errors.New("ledger: restore requires an empty ledger")
	}

	for _, m := range msgs {
		if m.ID <= l.lastID {
			return errors.New("ledger: restore requires strictly increasing ids")
		}
		l.lastID = m.ID
		idx := len(l.all)
		l.all = append(l.all, m.Clone())
		l.byTopic[m.Topic] = append(l.byTopic[m.Topic], idx)
	}
	return nil
}
