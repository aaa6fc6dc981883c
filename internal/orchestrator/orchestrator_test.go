package orchestrator

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loomwork/conclave/internal/cluster"
	"github.com/loomwork/conclave/internal/clusterconfig"
	"github.com/loomwork/conclave/internal/external"
	"github.com/loomwork/conclave/internal/message"
	"github.com/loomwork/conclave/internal/taskrunner"
)

func okRunner(agent clusterconfig.Agent) taskrunner.TaskRunner {
	return taskrunner.RunFunc(func(ctx context.Context, prompt string, opts taskrunner.Options) (taskrunner.Result, error) {
		return taskrunner.Result{Success: true, Output: "{}"}, nil
	})
}

func completingConfig() clusterconfig.Config {
	return clusterconfig.Config{Agents: []clusterconfig.Agent{
		{
			ID:   "worker",
			Role: "implementation",
			Triggers: []clusterconfig.Trigger{{
				Topic:  message.TopicIssueOpened,
				Action: clusterconfig.ActionExecuteTask,
				OnComplete: &clusterconfig.Hook{
					Action: clusterconfig.HookActionPublishMessage,
					Config: &clusterconfig.HookConfig{Topic: "TASK_COMPLETE", Content: map[string]any{"text": "done"}},
				},
			}},
			MaxIterations: 3,
		},
		{
			ID:       "orchestrator",
			Role:     clusterconfig.RoleOrchestrator,
			Triggers: []clusterconfig.Trigger{{Topic: "TASK_COMPLETE", Action: clusterconfig.ActionStopCluster}},
		},
	}}
}

func waitStopped(t *testing.T, c *cluster.Controller) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == cluster.StateStopped {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("cluster %s did not stop, state=%s", c.ID(), c.State())
}

func TestStartPersistsAndLists(t *testing.T) {
	dir := t.TempDir()
	o, err := Open(dir, cluster.Deps{NewRunner: okRunner})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	c, err := o.Start(completingConfig(), external.InputSource{Text: "task"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitStopped(t, c)
	if err := o.Stop(c.ID()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	records := o.ListClusters()
	if len(records) != 1 || records[0].ID != c.ID() {
		t.Fatalf("unexpected records: %+v", records)
	}

	rec, err := o.GetStatus(c.ID())
	if err != nil || rec.State != cluster.StateStopped {
		t.Fatalf("status: %+v err=%v", rec, err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "clusters.json"))
	if err != nil {
		t.Fatalf("clusters.json missing: %v", err)
	}
	var persisted map[string]cluster.Record
	if err := json.Unmarshal(data, &persisted); err != nil {
		t.Fatalf("clusters.json is not a valid map: %v", err)
	}
	if _, ok := persisted[c.ID()]; !ok {
		t.Fatal("cluster record missing from clusters.json")
	}
}

func TestReloadPreservesLedger(t *testing.T) {
	dir := t.TempDir()
	deps := cluster.Deps{NewRunner: okRunner}

	o, err := Open(dir, deps)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	c, err := o.Start(completingConfig(), external.InputSource{Text: "task"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitStopped(t, c)
	if err := o.Stop(c.ID()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	before := c.Ledger().Snapshot()
	o.Close()

	o2, err := Open(dir, deps)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	rec, err := o2.GetStatus(c.ID())
	if err != nil {
		t.Fatalf("status after reload: %v", err)
	}
	if rec.State != cluster.StateStopped {
		t.Fatalf("reloaded cluster should be stopped, got %s", rec.State)
	}

	out, err := o2.Export(c.ID(), ExportJSON)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	var doc struct {
		ClusterID string            `json:"cluster_id"`
		Messages  []message.Message `json:"messages"`
	}
	if err := json.Unmarshal([]byte(out), &doc); err != nil {
		t.Fatalf("export is not valid JSON: %v", err)
	}
	if doc.ClusterID != c.ID() {
		t.Fatalf("export cluster_id = %s", doc.ClusterID)
	}
	if len(doc.Messages) != len(before) {
		t.Fatalf("ledger diverged across reload: %d vs %d", len(doc.Messages), len(before))
	}
	for i := range before {
		if doc.Messages[i].ID != before[i].ID || doc.Messages[i].Timestamp != before[i].Timestamp {
			t.Fatalf("message %d diverged across reload", i)
		}
	}
}

func TestKillRemovesStateFromDisk(t *testing.T) {
	dir := t.TempDir()
	o, err := Open(dir, cluster.Deps{NewRunner: okRunner})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	c, err := o.Start(completingConfig(), external.InputSource{Text: "task"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitStopped(t, c)

	ledgerFile := filepath.Join(dir, "ledger-"+c.ID()+".jsonl")
	if _, err := os.Stat(ledgerFile); err != nil {
		t.Fatalf("expected ledger file before kill: %v", err)
	}

	if err := o.Kill(c.ID()); err != nil {
		t.Fatalf("kill: %v", err)
	}
	if _, err := os.Stat(ledgerFile); !os.IsNotExist(err) {
		t.Fatal("kill must remove the persisted ledger")
	}
	if len(o.ListClusters()) != 0 {
		t.Fatal("kill must remove the registry entry")
	}
	if _, err := o.GetStatus(c.ID()); err == nil {
		t.Fatal("killed cluster must not be addressable")
	}
}

func TestExportMarkdownRendersValidationBlocks(t *testing.T) {
	dir := t.TempDir()
	o, err := Open(dir, cluster.Deps{NewRunner: okRunner})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	cfg := completingConfig()
	cfg.Agents[0].Triggers[0].OnComplete = &clusterconfig.Hook{
		Action: clusterconfig.HookActionPublishMessage,
		Config: &clusterconfig.HookConfig{
			Topic: message.TopicValidationResult,
			Content: map[string]any{
				"criteriaResults": []any{
					map[string]any{"criterion": "c1", "status": "CANNOT_VALIDATE", "reason": "needs prod data"},
					map[string]any{"criterion": "c2", "status": "CANNOT_VALIDATE_YET"},
				},
			},
		},
	}
	cfg.Agents[1].Triggers[0].Topic = message.TopicValidationResult

	c, err := o.Start(cfg, external.InputSource{Text: "task"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitStopped(t, c)

	out, err := o.Export(c.ID(), ExportMarkdown)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if !strings.Contains(out, "## Could Not Validate") {
		t.Fatalf("missing Could Not Validate block:\n%s", out)
	}
	if !strings.Contains(out, "needs prod data") {
		t.Fatal("missing reason text")
	}
	if !strings.Contains(out, "## Cannot Validate Yet") {
		t.Fatalf("missing Cannot Validate Yet block:\n%s", out)
	}
	if !strings.Contains(out, "No reason provided") {
		t.Fatal("a missing reason must render as 'No reason provided'")
	}
}

func TestExportUnknownFormatFails(t *testing.T) {
	dir := t.TempDir()
	o, err := Open(dir, cluster.Deps{NewRunner: okRunner})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	c, err := o.Start(completingConfig(), external.InputSource{Text: "task"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitStopped(t, c)

	if _, err := o.Export(c.ID(), ExportFormat("yaml")); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestCloseMakesSaveANoOp(t *testing.T) {
	dir := t.TempDir()
	o, err := Open(dir, cluster.Deps{NewRunner: okRunner})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	c, err := o.Start(completingConfig(), external.InputSource{Text: "task"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitStopped(t, c)
	if err := o.Stop(c.ID()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	path := filepath.Join(dir, "clusters.json")
	before, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read clusters.json: %v", err)
	}

	o.Close()
	if err := o.Kill(c.ID()); err != nil {
		t.Fatalf("kill after close: %v", err)
	}

	after, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read clusters.json: %v", err)
	}
	if string(before) != string(after) {
		t.Fatal("save after Close must not rewrite clusters.json")
	}
}

func TestCorruptClustersFileYieldsEmptyRegistry(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "clusters.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	o, err := Open(dir, cluster.Deps{NewRunner: okRunner})
	if err != nil {
		t.Fatalf("open should tolerate corruption: %v", err)
	}
	if len(o.ListClusters()) != 0 {
		t.Fatal("corrupt clusters.json must yield an empty registry")
	}
}

func TestOrphanedRecordIsPruned(t *testing.T) {
	dir := t.TempDir()
	records := map[string]cluster.Record{
		"ghost": {ID: "ghost", State: cluster.StateStopped, CreatedAt: 1, Config: completingConfig()},
	}
	b, _ := json.MarshalIndent(records, "", "  ")
	if err := os.WriteFile(filepath.Join(dir, "clusters.json"), b, 0o644); err != nil {
		t.Fatal(err)
	}

	o, err := Open(dir, cluster.Deps{NewRunner: okRunner})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if len(o.ListClusters()) != 0 {
		t.Fatal("a record with no ledger file must be pruned as orphaned")
	}
}
