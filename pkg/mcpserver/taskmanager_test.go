package mcpserver

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-json-experiment/json/jsontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *TaskManager {
	t.Helper()
	tm := NewTaskManager()
	t.Cleanup(tm.Stop)
	return tm
}

func TestTaskLifecycle(t *testing.T) {
	tm := newTestManager(t)

	task, ctx, err := tm.Create(context.Background(), "db_nmap 10.0.0.0/24")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(task.ID, "task_"))
	assert.Equal(t, TaskRunning, task.Snapshot().Status)
	assert.Equal(t, 1, tm.ActiveCount())

	task.Complete(jsontext.Value(`{"ok":true}`))

	snap := task.Snapshot()
	assert.Equal(t, TaskCompleted, snap.Status)
	assert.Equal(t, `{"ok":true}`, string(snap.Result))
	assert.Empty(t, snap.Error)
	assert.Equal(t, 0, tm.ActiveCount())

	// Settling cancels the task context.
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("task context not cancelled after completion")
	}
}

func TestTaskSettleIsTerminal(t *testing.T) {
	tm := newTestManager(t)

	task, _, err := tm.Create(context.Background(), "run")
	require.NoError(t, err)

	task.Cancel()
	// A late Complete from the worker goroutine must not resurrect it.
	task.Complete(jsontext.Value(`{"late":true}`))

	snap := task.Snapshot()
	assert.Equal(t, TaskCancelled, snap.Status)
	assert.Nil(t, snap.Result)
}

func TestTaskFailOmitsResult(t *testing.T) {
	tm := newTestManager(t)

	task, _, err := tm.Create(context.Background(), "exploit")
	require.NoError(t, err)
	task.Fail("console died")

	snap := task.Snapshot()
	assert.Equal(t, TaskFailed, snap.Status)
	assert.Equal(t, "console died", snap.Error)
	assert.Nil(t, snap.Result)
}

func TestTaskWaitFor(t *testing.T) {
	tm := newTestManager(t)

	task, _, err := tm.Create(context.Background(), "run")
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		task.WaitFor(context.Background(), 10)
	}()
	time.Sleep(20 * time.Millisecond)
	task.Complete(nil)
	wg.Wait()

	// Zero wait returns immediately even for a running task.
	task2, _, err := tm.Create(context.Background(), "run")
	require.NoError(t, err)
	start := time.Now()
	task2.WaitFor(context.Background(), 0)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestCreateCapsActiveTasks(t *testing.T) {
	tm := newTestManager(t)

	for i := 0; i < maxActiveTasks; i++ {
		_, _, err := tm.Create(context.Background(), "run")
		require.NoError(t, err)
	}
	_, _, err := tm.Create(context.Background(), "one too many")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too many active tasks")

	// Settling one frees a slot.
	for _, snap := range tm.List(TaskRunning) {
		tm.Get(snap.ID).Cancel()
		break
	}
	_, _, err = tm.Create(context.Background(), "fits now")
	assert.NoError(t, err)
}

func TestListFiltersByStatus(t *testing.T) {
	tm := newTestManager(t)

	a, _, _ := tm.Create(context.Background(), "version")
	b, _, _ := tm.Create(context.Background(), "exploit")
	_, _, _ = tm.Create(context.Background(), "run")
	a.Complete(nil)
	b.Fail("boom")

	assert.Len(t, tm.List(), 3)
	assert.Len(t, tm.List(TaskRunning), 1)
	assert.Len(t, tm.List(TaskCompleted), 1)
	assert.Len(t, tm.List(TaskFailed), 1)
	assert.Len(t, tm.List(TaskCompleted, TaskFailed), 2)
}

func TestCleanupReapsExpired(t *testing.T) {
	tm := newTestManager(t)

	old, _, _ := tm.Create(context.Background(), "version")
	old.Complete(nil)
	old.mu.Lock()
	old.UpdatedAt = time.Now().Add(-taskTTL - time.Minute)
	old.mu.Unlock()

	fresh, _, _ := tm.Create(context.Background(), "run")

	tm.cleanup()

	assert.Nil(t, tm.Get(old.ID))
	assert.NotNil(t, tm.Get(fresh.ID))

	// Running tasks survive cleanup regardless of age.
	fresh.mu.Lock()
	fresh.UpdatedAt = time.Now().Add(-taskTTL - time.Minute)
	fresh.mu.Unlock()
	tm.cleanup()
	assert.NotNil(t, tm.Get(fresh.ID))
}

func TestStopDrainsGoroutines(t *testing.T) {
	tm := NewTaskManager()

	task, ctx, err := tm.Create(context.Background(), "run")
	require.NoError(t, err)
	started := make(chan struct{})
	tm.Go(func() {
		close(started)
		<-ctx.Done()
		task.Fail(ctx.Err().Error())
	})
	<-started

	tm.Stop()
	assert.Equal(t, TaskCancelled, task.Snapshot().Status)
}

func TestCommandTruncatedForStorage(t *testing.T) {
	tm := newTestManager(t)

	task, _, err := tm.Create(context.Background(), strings.Repeat("x", 5000))
	require.NoError(t, err)
	assert.Less(t, len(task.Command), 5000)
}
