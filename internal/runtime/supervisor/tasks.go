package supervisor

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// TaskStats aggregates every run started under one name.
type TaskStats struct {
	Name      string        `json:"name"`
	Running   int           `json:"running"`
	Runs      int           `json:"runs"`
	Restarts  int           `json:"restarts"`
	Panics    int           `json:"panics"`
	LastStart time.Time     `json:"last_start"`
	LastStop  time.Time     `json:"last_stop,omitempty"`
	LastErr   string        `json:"last_err,omitempty"`
	LastPanic string        `json:"last_panic,omitempty"`
	Runtime   time.Duration `json:"runtime"`
}

type Snapshot struct {
	Running    int         `json:"running"`
	Runs       int         `json:"runs"`
	FirstError string      `json:"first_error,omitempty"`
	Tasks      []TaskStats `json:"tasks"`
}

type taskTable struct {
	mu    sync.Mutex
	now   func() time.Time
	byKey map[string]*TaskStats
}

// taskRun identifies one run for stop.
type taskRun struct {
	name string
	at   time.Time
}

func newTaskTable() *taskTable {
	return &taskTable{now: time.Now, byKey: map[string]*TaskStats{}}
}

func (t *taskTable) entry(name string) *TaskStats {
	st := t.byKey[name]
	if st == nil {
		st = &TaskStats{Name: name}
		t.byKey[name] = st
	}
	return st
}

func (t *taskTable) start(name string, restart bool) taskRun {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	st := t.entry(name)
	st.Runs++
	st.Running++
	st.LastStart = now
	if restart {
		st.Restarts++
	}
	return taskRun{name: name, at: now}
}

func (t *taskTable) stop(run taskRun, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	st := t.entry(run.name)
	st.Running--
	st.LastStop = now
	st.Runtime += now.Sub(run.at)
	if err != nil {
		st.LastErr = err.Error()
	}
}

func (t *taskTable) panicked(name string, p any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.entry(name)
	st.Panics++
	st.LastPanic = fmt.Sprint(p)
}

// snapshot lists running tasks first, then by name.
func (t *taskTable) snapshot() Snapshot {
	t.mu.Lock()
	var snap Snapshot
	for _, st := range t.byKey {
		snap.Running += st.Running
		snap.Runs += st.Runs
		snap.Tasks = append(snap.Tasks, *st)
	}
	t.mu.Unlock()

	sort.Slice(snap.Tasks, func(i, j int) bool {
		a, b := snap.Tasks[i], snap.Tasks[j]
		if (a.Running > 0) != (b.Running > 0) {
			return a.Running > 0
		}
		return a.Name < b.Name
	})
	return snap
}
