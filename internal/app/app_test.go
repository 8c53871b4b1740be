package app

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clinicrm/internal/config"
	"clinicrm/internal/domain"
	"clinicrm/internal/engine"
	"clinicrm/internal/queue"
)

func openTestApp(t *testing.T) *App {
	t.Helper()
	var logs bytes.Buffer
	a, err := Open(context.Background(), Options{Workspace: t.TempDir(), LogOutput: &logs})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestOpenDefaultsToSQLQueue(t *testing.T) {
	a := openTestApp(t)
	_, ok := a.Queue.(*queue.SQLQueue)
	assert.True(t, ok, "expected the sql backend, got %T", a.Queue)
	assert.NotNil(t, a.Engine.Dispatcher)
	assert.Equal(t, a.Config.Sweeper.Schedule, a.Sweeper().Schedule)
}

func TestProcessPendingGeneratesTasks(t *testing.T) {
	a := openTestApp(t)
	ctx := context.Background()
	_, err := a.Engine.CreateStep(ctx, domain.FunnelStep{ID: "new", CompanyID: "clinic-1", Name: "New"})
	require.NoError(t, err)
	_, err = a.Engine.ReplaceStepRules(ctx, "new", []engine.RuleInput{
		{Order: 1, Title: "Call", TaskType: domain.TaskTypeCall, DelayType: domain.DelayAbsolute, AssignType: domain.AssignLeadOwner},
		{Order: 2, Title: "Follow up", TaskType: domain.TaskTypeMessage, DelayDays: 2, DelayType: domain.DelayAfterPrevious, AssignType: domain.AssignLeadOwner},
	}, "admin")
	require.NoError(t, err)

	owner := "dr-ana"
	res, err := a.Engine.CreateLead(ctx, engine.NewLead{Name: "Maria", StepID: "new", ResponsibleID: &owner, ActorID: "admin"})
	require.NoError(t, err)
	require.NotEmpty(t, res.JobID)

	n, err := a.ProcessPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	tasks, err := a.Engine.GetTasksByLead(ctx, res.Lead.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	for _, task := range tasks {
		assert.Equal(t, owner, task.AssignedID)
		assert.Equal(t, domain.TaskPending, task.Status)
	}

	n, err = a.ProcessPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestLoadConfigPrefersExplicitPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.yml")
	require.NoError(t, os.WriteFile(path, []byte("queue:\n  workers: 7\n"), 0o644))

	cfg, err := LoadConfig(t.TempDir(), path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Queue.Workers)

	cfg, err = LoadConfig(dir, "")
	require.NoError(t, err)
	assert.Equal(t, config.Default().Queue.Workers, cfg.Queue.Workers)
}

func TestPolicyFromConfig(t *testing.T) {
	var pc config.PolicyConfig
	pc.Attempts = 5
	pc.Backoff.Type = "fixed"
	pc.Backoff.Delay = 2 * time.Second
	pc.RemoveOnFail = true

	p := PolicyFromConfig(pc)
	assert.Equal(t, 5, p.Attempts)
	assert.Equal(t, queue.BackoffType("fixed"), p.Backoff.Type)
	assert.Equal(t, 2*time.Second, p.Backoff.Delay)
	assert.True(t, p.RemoveOnFail)
	assert.False(t, p.RemoveOnComplete)
}

func TestNewLoggerFormatAndLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "json", "warn")
	logger.Info("hidden")
	logger.Warn("shown", "lead_id", "lead-1")

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, "shown", line["msg"])
	assert.Equal(t, "lead-1", line["lead_id"])

	buf.Reset()
	NewLogger(&buf, "text", "").Info("plain")
	assert.Contains(t, buf.String(), "msg=plain")
}
