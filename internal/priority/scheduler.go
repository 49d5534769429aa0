package priority

import (
	"context"
	"sort"
	"sync"
	"time"

	"sales-crm/internal/tasks"
)

// Scheduler keeps a per-assignee ranking of open tasks so "what should I work
// on next" is answered without hitting the store.
//
// The index is derived state. The Entity Store stays the record of truth and
// RebuildFrom must be able to reconstruct the index from it at any time.
type Scheduler struct {
	mu       sync.RWMutex
	rankings map[string][]Entry // assignee -> entries sorted best-first
	owners   map[string]string  // task id -> assignee
	clock    func() time.Time
}

// Entry is one ranked task.
type Entry struct {
	TaskID     string         `json:"task_id"`
	AssigneeID string         `json:"assignee_id"`
	Score      int            `json:"score"`
	DueDate    *time.Time     `json:"due_date,omitempty"`
	Seq        int64          `json:"seq"`
	Priority   tasks.Priority `json:"priority"`
}

// Source lists the tasks the index is rebuilt from.
type Source interface {
	ListOpenTasks(ctx context.Context) ([]tasks.Task, error)
}

func NewScheduler() *Scheduler {
	return &Scheduler{
		rankings: map[string][]Entry{},
		owners:   map[string]string{},
		clock:    time.Now,
	}
}

// WithClock sets the clock used to score urgency. Intended for tests.
func (s *Scheduler) WithClock(clock func() time.Time) *Scheduler {
	s.clock = clock
	return s
}

// Index (re)inserts the task into its assignee's ranking. Closed, deleted or
// unassigned tasks are removed instead.
func (s *Scheduler) Index(t tasks.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.removeLocked(t.ID)
	if !t.IsOpen() || t.AssigneeID == "" {
		return
	}
	s.insertLocked(Entry{
		TaskID:     t.ID,
		AssigneeID: t.AssigneeID,
		Score:      Score(t.Priority, t.DueDate, s.clock()),
		DueDate:    t.DueDate,
		Seq:        t.Seq,
		Priority:   t.Priority,
	})
}

// Remove drops the task from the assignee's ranking.
func (s *Scheduler) Remove(taskID, assigneeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if owner, ok := s.owners[taskID]; ok && (assigneeID == "" || owner == assigneeID) {
		s.removeLocked(taskID)
	}
}

// Next returns the highest-ranked entry for the assignee.
func (s *Scheduler) Next(assigneeID string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r := s.rankings[assigneeID]
	if len(r) == 0 {
		return Entry{}, false
	}
	return r[0], true
}

// Snapshot returns a copy of the assignee's ranking, best first.
func (s *Scheduler) Snapshot(assigneeID string) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, len(s.rankings[assigneeID]))
	copy(out, s.rankings[assigneeID])
	return out
}

// Len is the number of indexed tasks across all assignees.
func (s *Scheduler) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.owners)
}

// RebuildFrom discards the index and re-runs Index over every open task in src.
func (s *Scheduler) RebuildFrom(ctx context.Context, src Source) error {
	list, err := src.ListOpenTasks(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.rankings = map[string][]Entry{}
	s.owners = map[string]string{}
	s.mu.Unlock()

	// Seq order keeps tie-breaking stable across rebuilds.
	sort.SliceStable(list, func(i, j int) bool { return list[i].Seq < list[j].Seq })
	for _, t := range list {
		s.Index(t)
	}
	return nil
}

// Rescore recomputes urgency for every entry against the current clock.
// Urgency drifts as due dates approach, so periodic sweeps call this.
func (s *Scheduler) Rescore() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	for assignee, r := range s.rankings {
		for i := range r {
			r[i].Score = Score(r[i].Priority, r[i].DueDate, now)
		}
		sort.SliceStable(r, func(i, j int) bool { return less(r[i], r[j]) })
		s.rankings[assignee] = r
	}
}

func (s *Scheduler) insertLocked(e Entry) {
	r := s.rankings[e.AssigneeID]
	i := sort.Search(len(r), func(i int) bool { return less(e, r[i]) })
	r = append(r, Entry{})
	copy(r[i+1:], r[i:])
	r[i] = e
	s.rankings[e.AssigneeID] = r
	s.owners[e.TaskID] = e.AssigneeID
}

func (s *Scheduler) removeLocked(taskID string) {
	owner, ok := s.owners[taskID]
	if !ok {
		return
	}
	delete(s.owners, taskID)
	r := s.rankings[owner]
	for i := range r {
		if r[i].TaskID == taskID {
			r = append(r[:i], r[i+1:]...)
			break
		}
	}
	if len(r) == 0 {
		delete(s.rankings, owner)
		return
	}
	s.rankings[owner] = r
}

// less orders by score desc, then earliest due date (no due date last), then creation order.
func less(a, b Entry) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	switch {
	case a.DueDate != nil && b.DueDate != nil:
		if !a.DueDate.Equal(*b.DueDate) {
			return a.DueDate.Before(*b.DueDate)
		}
	case a.DueDate != nil:
		return true
	case b.DueDate != nil:
		return false
	}
	return a.Seq < b.Seq
}
