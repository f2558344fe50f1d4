package mcpserver

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/go-json-experiment/json/jsontext"
	"github.com/google/uuid"

	"github.com/msfmcp/msfmcp/pkg/audit"
)

// TaskStatus is the lifecycle state of an async execution.
type TaskStatus string

const (
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

func (s TaskStatus) terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

const (
	// taskTTL keeps finished tasks around long enough for slow pollers.
	taskTTL = 15 * time.Minute

	cleanupInterval = time.Minute

	// maxActiveTasks bounds concurrent console executions; the console
	// serializes them anyway, so a large backlog only wastes memory.
	maxActiveTasks = 32

	// maxTaskDuration is the hard ceiling on one async execution. Long
	// exploit runs fit well inside it.
	maxTaskDuration = 10 * time.Minute
)

// Task tracks one async console execution. The command is truncated for
// storage the same way the audit trail truncates it.
type Task struct {
	mu sync.RWMutex

	ID        string    `json:"task_id"`
	Command   string    `json:"command"`
	CreatedAt time.Time `json:"created_at"`

	Status    TaskStatus `json:"status"`
	Message   string     `json:"message"`
	UpdatedAt time.Time  `json:"updated_at"`

	Result jsontext.Value `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`

	cancel context.CancelFunc
	done   chan struct{}
}

// TaskSnapshot is the immutable JSON view handed to clients.
type TaskSnapshot struct {
	ID        string         `json:"task_id"`
	Command   string         `json:"command"`
	Status    TaskStatus     `json:"status"`
	Message   string         `json:"message"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	Result    jsontext.Value `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Complete stores the result and settles the task. No-op once terminal,
// so a racing Cancel wins cleanly.
func (t *Task) Complete(result jsontext.Value) {
	t.settle(TaskCompleted, "completed", result, "")
}

// Fail settles the task with an error message.
func (t *Task) Fail(errMsg string) {
	t.settle(TaskFailed, "failed: "+errMsg, nil, errMsg)
}

// Cancel aborts a running task and fires its context.
func (t *Task) Cancel() {
	t.settle(TaskCancelled, "cancelled by user", nil, "")
}

func (t *Task) settle(status TaskStatus, message string, result jsontext.Value, errMsg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Status.terminal() {
		return
	}
	t.Status = status
	t.Message = message
	t.Result = result
	t.Error = errMsg
	t.UpdatedAt = time.Now()
	if t.cancel != nil {
		t.cancel()
	}
	select {
	case <-t.done:
	default:
		close(t.done)
	}
	log.Printf("[mcp-task] %s id=%s cmd=%s", strings.ToUpper(string(status)), t.ID, t.Command)
}

// WaitFor blocks until the task settles, the context ends, or waitSeconds
// elapses. Long-poll support for get_task_status.
func (t *Task) WaitFor(ctx context.Context, waitSeconds int) {
	if waitSeconds <= 0 {
		return
	}
	timer := time.NewTimer(time.Duration(waitSeconds) * time.Second)
	defer timer.Stop()
	select {
	case <-t.done:
	case <-ctx.Done():
	case <-timer.C:
	}
}

// Snapshot copies the task under the read lock.
func (t *Task) Snapshot() TaskSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	snap := TaskSnapshot{
		ID:        t.ID,
		Command:   t.Command,
		Status:    t.Status,
		Message:   t.Message,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	}
	if t.Status == TaskCompleted {
		snap.Result = t.Result
	}
	if t.Status == TaskFailed {
		snap.Error = t.Error
	}
	return snap
}

// TaskManager stores async tasks and reaps expired ones.
type TaskManager struct {
	mu    sync.RWMutex
	tasks map[string]*Task
	wg    sync.WaitGroup
	stop  chan struct{}
	once  sync.Once
}

// NewTaskManager starts the cleanup loop.
func NewTaskManager() *TaskManager {
	tm := &TaskManager{
		tasks: make(map[string]*Task),
		stop:  make(chan struct{}),
	}
	go tm.cleanupLoop()
	return tm
}

// Create registers a running task bound to a context capped at
// maxTaskDuration. The caller runs the work in a goroutine tracked via Go.
func (tm *TaskManager) Create(parent context.Context, command string) (*Task, context.Context, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	active := 0
	for _, t := range tm.tasks {
		t.mu.RLock()
		terminal := t.Status.terminal()
		t.mu.RUnlock()
		if !terminal {
			active++
		}
	}
	if active >= maxActiveTasks {
		return nil, nil, fmt.Errorf("too many active tasks (%d/%d), wait or cancel some", active, maxActiveTasks)
	}

	timeoutCtx, timeoutCancel := context.WithTimeout(parent, maxTaskDuration)
	ctx, cancel := context.WithCancel(timeoutCtx)
	now := time.Now()
	task := &Task{
		ID:        "task_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16],
		Command:   audit.TruncateCommand(command),
		Status:    TaskRunning,
		Message:   "running",
		CreatedAt: now,
		UpdatedAt: now,
		cancel: func() {
			cancel()
			timeoutCancel()
		},
		done: make(chan struct{}),
	}
	tm.tasks[task.ID] = task
	log.Printf("[mcp-task] CREATED id=%s active=%d", task.ID, active+1)
	return task, ctx, nil
}

// Go runs fn tracked by the manager's wait group so Stop can drain it.
func (tm *TaskManager) Go(fn func()) {
	tm.wg.Add(1)
	go func() {
		defer tm.wg.Done()
		fn()
	}()
}

// Get returns a task or nil.
func (tm *TaskManager) Get(id string) *Task {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return tm.tasks[id]
}

// List snapshots all tasks, optionally filtered by status.
func (tm *TaskManager) List(filter ...TaskStatus) []TaskSnapshot {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	want := make(map[TaskStatus]bool, len(filter))
	for _, s := range filter {
		want[s] = true
	}
	out := make([]TaskSnapshot, 0, len(tm.tasks))
	for _, t := range tm.tasks {
		snap := t.Snapshot()
		if len(want) > 0 && !want[snap.Status] {
			continue
		}
		out = append(out, snap)
	}
	return out
}

// ActiveCount reports how many tasks are not yet terminal.
func (tm *TaskManager) ActiveCount() int {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	n := 0
	for _, t := range tm.tasks {
		t.mu.RLock()
		terminal := t.Status.terminal()
		t.mu.RUnlock()
		if !terminal {
			n++
		}
	}
	return n
}

// Stop cancels everything and waits briefly for goroutines to drain.
func (tm *TaskManager) Stop() {
	tm.once.Do(func() {
		tm.mu.RLock()
		for _, t := range tm.tasks {
			t.Cancel()
		}
		tm.mu.RUnlock()

		done := make(chan struct{})
		go func() {
			tm.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			log.Println("[mcp-task] shutdown timed out waiting for task goroutines")
		}
		close(tm.stop)
	})
}

func (tm *TaskManager) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-tm.stop:
			return
		case <-ticker.C:
			tm.cleanup()
		}
	}
}

func (tm *TaskManager) cleanup() {
	cutoff := time.Now().Add(-taskTTL)

	tm.mu.RLock()
	var expired []string
	for id, t := range tm.tasks {
		t.mu.RLock()
		gone := t.Status.terminal() && t.UpdatedAt.Before(cutoff)
		t.mu.RUnlock()
		if gone {
			expired = append(expired, id)
		}
	}
	tm.mu.RUnlock()
	if len(expired) == 0 {
		return
	}

	tm.mu.Lock()
	for _, id := range expired {
		delete(tm.tasks, id)
	}
	remaining := len(tm.tasks)
	tm.mu.Unlock()
	log.Printf("[mcp-task] cleanup removed=%d remaining=%d", len(expired), remaining)
}
