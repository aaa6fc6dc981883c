// Package orchestrator implements the Orchestrator Front Door:
// the top-level registry over many clusters. It owns cross-cluster
// persistence (clusters.json plus per-cluster ledger files) behind
// an advisory file lock, and exposes the lifecycle operations the CLI
// front-end drives: start, stop, kill, killAll, resume, listClusters,
// getStatus, export.
//
// The registry of *cluster.Controller values is the shared mutable
// state here, guarded by a mutex that never wraps the lock-protected
// disk I/O.
package orchestrator

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/loomwork/conclave/internal/cluster"
	"github.com/loomwork/conclave/internal/clusterconfig"
	"github.com/loomwork/conclave/internal/external"
	"github.com/loomwork/conclave/internal/message"
)

const clustersFileName = "clusters.json"

// Orchestrator is the process-wide registry over every cluster backed
// by one storage directory.
type Orchestrator struct {
	storageDir string
	deps       cluster.Deps

	mu       sync.Mutex
	closed   bool
	clusters map[string]*cluster.Controller
}

// Open loads (or creates) the registry rooted at storageDir. A
// corrupted or incomplete clusters.json yields an empty list with a
// logged warning; an entry whose per-cluster ledger file is
// missing is pruned as orphaned.
func Open(storageDir string, deps cluster.Deps) (*Orchestrator, error) {
	if err := os.MkdirAll(storageDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating storage dir %s: %w", storageDir, err)
	}
	deps.StorageDir = storageDir

	o := &Orchestrator{
		storageDir: storageDir,
		deps:       deps,
		clusters:   make(map[string]*cluster.Controller),
	}

	records, err := o.loadRecords()
	if err != nil {
		log.Printf("[orchestrator] %s: %v — starting with an empty cluster list", clustersFileName, err)
		return o, nil
	}

	for id, rec := range records {
		if rec.State != cluster.StateStopped {
			// A process crashed mid-run; the persisted state is stale.
			// Treat it the way Kill would have left it: stopped.
			rec.State = cluster.StateStopped
		}
		if _, err := os.Stat(ledgerFilePath(storageDir, id)); err != nil {
			log.Printf("[orchestrator] pruning orphaned cluster %s (no ledger file)", id)
			continue
		}
		c, err := cluster.Resume(rec, deps)
		if err != nil {
			log.Printf("[orchestrator] failed to resume cluster %s on load: %v", id, err)
			continue
		}
		c.Stop() // Open() only rehydrates the registry; it does not restart work.
		o.clusters[id] = c
	}

	return o, nil
}

func ledgerFilePath(storageDir, id string) string {
	return filepath.Join(storageDir, fmt.Sprintf("ledger-%s.jsonl", id))
}

// Start validates and starts a new cluster, waits for
// its initialisation to finish, persists its record, and returns the
// running Controller. Cluster IDs are globally unique (uuid-assigned
// by cluster.New).
func (o *Orchestrator) Start(cfg clusterconfig.Config, input external.InputSource) (*cluster.Controller, error) {
	c, err := cluster.New(cfg, input, o.deps)
	if err != nil {
		return nil, err
	}
	c.WaitInit()

	o.mu.Lock()
	o.clusters[c.ID()] = c
	o.mu.Unlock()

	if err := o.save(); err != nil {
		log.Printf("[orchestrator] %s: persisting after start: %v", c.ID(), err)
	}

	return c, nil
}

// Stop gracefully stops a running cluster and
// persists the resulting state.
func (o *Orchestrator) Stop(id string) error {
	c, err := o.get(id)
	if err != nil {
		return err
	}
	c.Stop()
	return o.save()
}

// Kill stops a cluster without draining and removes its persisted
// ledger and registry entry from disk.
func (o *Orchestrator) Kill(id string) error {
	c, err := o.get(id)
	if err != nil {
		return err
	}
	c.Kill()

	o.mu.Lock()
	delete(o.clusters, id)
	o.mu.Unlock()

	return o.save()
}

// KillAll kills every cluster currently tracked by the registry.
func (o *Orchestrator) KillAll() error {
	o.mu.Lock()
	ids := make([]string, 0, len(o.clusters))
	for id := range o.clusters {
		ids = append(ids, id)
	}
	o.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := o.Kill(id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Resume restarts a stopped cluster from its persisted Ledger. It is only legal from "stopped"; attempting to resume a
// running cluster fails.
func (o *Orchestrator) Resume(id string) (*cluster.Controller, error) {
	o.mu.Lock()
	existing, ok := o.clusters[id]
	o.mu.Unlock()
	if ok && existing.State() != cluster.StateStopped {
		return nil, fmt.Errorf("cluster %s: resume only allowed from stopped, was %s", id, existing.State())
	}

	rec, err := o.recordFor(id)
	if err != nil {
		return nil, err
	}

	c, err := cluster.Resume(rec, o.deps)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	o.clusters[id] = c
	o.mu.Unlock()

	if err := o.save(); err != nil {
		log.Printf("[orchestrator] %s: persisting after resume: %v", id, err)
	}
	return c, nil
}

// ListClusters returns the registry's current records, sorted by id for
// deterministic output.
func (o *Orchestrator) ListClusters() []cluster.Record {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]cluster.Record, 0, len(o.clusters))
	for _, c := range o.clusters {
		out = append(out, c.Record())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetStatus returns a single cluster's current record.
func (o *Orchestrator) GetStatus(id string) (cluster.Record, error) {
	c, err := o.get(id)
	if err != nil {
		return cluster.Record{}, err
	}
	return c.Record(), nil
}

// ExportFormat selects the export(id, format) rendering.
type ExportFormat string

const (
	ExportJSON     ExportFormat = "json"
	ExportMarkdown ExportFormat = "markdown"
)

// exportJSON is the byte-for-byte-reproducible shape of export(id,"json").
type exportJSON struct {
	ClusterID string            `json:"cluster_id"`
	State     cluster.State     `json:"state"`
	CreatedAt int64             `json:"createdAt"`
	Messages  []message.Message `json:"messages"`
}

// Export renders a cluster's Ledger in the requested format.
func (o *Orchestrator) Export(id string, format ExportFormat) (string, error) {
	c, err := o.get(id)
	if err != nil {
		return "", err
	}

	msgs := c.Ledger().Snapshot()

	switch format {
	case ExportJSON:
		rec := c.Record()
		doc := exportJSON{ClusterID: c.ID(), State: c.State(), CreatedAt: rec.CreatedAt, Messages: msgs}
		b, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return "", fmt.Errorf("marshalling export: %w", err)
		}
		return string(b), nil
	case ExportMarkdown:
		return renderMarkdown(c, msgs), nil
	default:
		return "", fmt.Errorf("unknown export format %q", format)
	}
}

func renderMarkdown(c *cluster.Controller, msgs []message.Message) string {
	rec := c.Record()
	var b strings.Builder

	fmt.Fprintf(&b, "# Cluster %s\n\n", rec.ID)
	fmt.Fprintf(&b, "- State: %s\n", rec.State)
	fmt.Fprintf(&b, "- Created: %s\n\n", time.UnixMilli(rec.CreatedAt).UTC().Format(time.RFC3339))

	b.WriteString("## Messages\n\n")
	for _, m := range msgs {
		ts := time.UnixMilli(m.Timestamp).UTC().Format(time.RFC3339)
		fmt.Fprintf(&b, "- `%d` [%s] **%s** (%s): %s\n", m.ID, ts, m.Topic, m.Sender, m.Content.GetText())
	}

	type reasonPair struct {
		id     int64
		reason string
	}
	cannotValidate := []reasonPair{}
	cannotValidateYet := []reasonPair{}

	for _, m := range msgs {
		if m.Topic != message.TopicValidationResult {
			continue
		}
		raw, ok := m.Content.Data["criteriaResults"]
		results, ok2 := raw.([]any)
		if !ok || !ok2 {
			continue
		}
		for _, r := range results {
			entry, ok := r.(map[string]any)
			if !ok {
				continue
			}
			status, _ := entry["status"].(string)
			reason, _ := entry["reason"].(string)
			if reason == "" {
				reason = "No reason provided"
			}
			switch status {
			case "CANNOT_VALIDATE":
				cannotValidate = append(cannotValidate, reasonPair{m.ID, reason})
			case "CANNOT_VALIDATE_YET":
				cannotValidateYet = append(cannotValidateYet, reasonPair{m.ID, reason})
			}
		}
	}

	if len(cannotValidate) > 0 {
		b.WriteString("\n## Could Not Validate\n\n")
		for _, p := range cannotValidate {
			fmt.Fprintf(&b, "- `%d`: %s\n", p.id, p.reason)
		}
	}
	if len(cannotValidateYet) > 0 {
		b.WriteString("\n## Cannot Validate Yet\n\n")
		for _, p := range cannotValidateYet {
			fmt.Fprintf(&b, "- `%d`: %s\n", p.id, p.reason)
		}
	}

	return b.String()
}

// Close sets a closed flag that turns every subsequent save into a
// no-op, avoiding write races during shutdown.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
}

func (o *Orchestrator) get(id string) (*cluster.Controller, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	c, ok := o.clusters[id]
	if !ok {
		return nil, fmt.Errorf("cluster %s: not found", id)
	}
	return c, nil
}

func (o *Orchestrator) recordFor(id string) (cluster.Record, error) {
	c, err := o.get(id)
	if err != nil {
		return cluster.Record{}, err
	}
	return c.Record(), nil
}

// loadRecords reads clusters.json under a shared advisory lock.
func (o *Orchestrator) loadRecords() (map[string]cluster.Record, error) {
	path := filepath.Join(o.storageDir, clustersFileName)
	fl := flock.New(path + ".lock")
	if err := fl.RLock(); err != nil {
		return nil, fmt.Errorf("acquiring shared lock: %w", err)
	}
	defer fl.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]cluster.Record{}, nil
		}
		return nil, fmt.Errorf("reading %s: %w", clustersFileName, err)
	}

	var records map[string]cluster.Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", clustersFileName, err)
	}
	return records, nil
}

// save writes clusters.json under an exclusive advisory lock.
// A no-op once Close has been called.
func (o *Orchestrator) save() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	records := make(map[string]cluster.Record, len(o.clusters))
	for id, c := range o.clusters {
		records[id] = c.Record()
	}
	o.mu.Unlock()

	path := filepath.Join(o.storageDir, clustersFileName)
	fl := flock.New(path + ".lock")
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("acquiring exclusive lock: %w", err)
	}
	defer fl.Unlock()

	b, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling %s: %w", clustersFileName, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", clustersFileName, err)
	}
	return os.Rename(tmp, path)
}
