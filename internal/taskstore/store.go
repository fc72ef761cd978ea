package taskstore

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/zulandar/teamyard/internal/fault"
	"github.com/zulandar/teamyard/internal/models"
)

// Options configures a Store.
type Options struct {
	Logger *zap.Logger
	// OnChange runs after a mutation commits, outside the writer lock.
	OnChange func(Change)
}

// Store is the task list of one session.
type Store struct {
	db        *gorm.DB
	sessionID string
	opts      Options
	logger    *zap.Logger

	mu     sync.RWMutex
	loaded bool
	high   int
	tasks  map[int]*Task
}

// NewStore returns the task store for sessionID.
func NewStore(db *gorm.DB, sessionID string, opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		db:        db,
		sessionID: sessionID,
		opts:      opts,
		logger:    logger.With(zap.String("component", "taskstore"), zap.String("session_id", sessionID)),
		tasks:     make(map[int]*Task),
	}
}

// ensureLoaded reads the session's tasks, deps and counter once.
func (s *Store) ensureLoaded(ctx context.Context) error {
	s.mu.RLock()
	ok := s.loaded
	s.mu.RUnlock()
	if ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(ctx)
}

func (s *Store) loadLocked(ctx context.Context) error {
	if s.loaded {
		return nil
	}
	db := s.db.WithContext(ctx)

	var counter models.TaskCounter
	if err := db.Where("session_id = ?", s.sessionID).Limit(1).Find(&counter).Error; err != nil {
		return &fault.StoreError{Store: "tasks", Key: "counter", Err: err}
	}
	var rows []models.Task
	if err := db.Where("session_id = ?", s.sessionID).Order("id ASC").Find(&rows).Error; err != nil {
		return &fault.StoreError{Store: "tasks", Key: "load", Err: err}
	}
	var deps []models.TaskDep
	if err := db.Where("session_id = ?", s.sessionID).Order("task_id ASC, depends_on ASC").Find(&deps).Error; err != nil {
		return &fault.StoreError{Store: "tasks", Key: "deps", Err: err}
	}

	tasks := make(map[int]*Task, len(rows))
	high := counter.HighWater
	for _, r := range rows {
		t := &Task{
			ID:          r.ID,
			Subject:     r.Subject,
			Description: r.Description,
			ActiveForm:  r.ActiveForm,
			Status:      Status(r.Status),
			Owner:       r.Owner,
			CreatedAt:   r.CreatedAt,
			UpdatedAt:   r.UpdatedAt,
		}
		if r.Metadata != "" {
			if err := json.Unmarshal([]byte(r.Metadata), &t.Metadata); err != nil {
				s.logger.Warn("task metadata unreadable", zap.Int("task", r.ID), zap.Error(err))
			}
		}
		tasks[r.ID] = t
		// A counter row lost to a crash must never let ids be reused.
		high = max(high, r.ID)
	}
	for _, d := range deps {
		if t, ok := tasks[d.TaskID]; ok {
			t.DependsOn = append(t.DependsOn, d.DependsOn)
		}
	}

	s.tasks = tasks
	s.high = high
	s.loaded = true
	return nil
}

// Create validates draft, assigns the next id and stores the task.
func (s *Store) Create(ctx context.Context, d Draft) (Task, error) {
	subject := strings.TrimSpace(d.Subject)
	if subject == "" {
		return Task{}, fault.Invalid("subject", "is required")
	}
	if d.Status == "" {
		d.Status = StatusOpen
	}
	if !d.Status.Valid() {
		return Task{}, fault.Invalid("status", "unknown status %q", d.Status)
	}

	s.mu.Lock()
	if err := s.loadLocked(ctx); err != nil {
		s.mu.Unlock()
		return Task{}, err
	}

	deps := uniqueSorted(d.DependsOn)
	for _, dep := range deps {
		if _, ok := s.tasks[dep]; !ok {
			s.mu.Unlock()
			return Task{}, fault.Invalid("depends_on", "task %d does not exist", dep)
		}
	}
	if d.Status.requiresDeps() {
		if err := s.checkDepsDone(deps); err != nil {
			s.mu.Unlock()
			return Task{}, err
		}
	}

	now := time.Now().UTC()
	t := &Task{
		ID:          s.high + 1,
		Subject:     subject,
		Description: d.Description,
		ActiveForm:  d.ActiveForm,
		Status:      d.Status,
		Owner:       d.Owner,
		DependsOn:   deps,
		Metadata:    mergeMetadata(nil, d.Metadata),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		counter := models.TaskCounter{SessionID: s.sessionID, HighWater: t.ID}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"high_water"}),
		}).Create(&counter).Error; err != nil {
			return err
		}
		if err := tx.Create(s.row(t)).Error; err != nil {
			return err
		}
		return s.writeDeps(tx, t)
	})
	if err != nil {
		s.mu.Unlock()
		return Task{}, &fault.StoreError{Store: "tasks", Key: strconv.Itoa(t.ID), Err: err}
	}
	s.high = t.ID
	s.tasks[t.ID] = t
	snap := s.snapshot(t)
	s.mu.Unlock()

	s.notify(Change{Op: "created", Task: snap})
	return snap, nil
}

// Update applies patch to task id.
func (s *Store) Update(ctx context.Context, id int, p Patch) (Task, error) {
	s.mu.Lock()
	if err := s.loadLocked(ctx); err != nil {
		s.mu.Unlock()
		return Task{}, err
	}
	cur, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return Task{}, fmt.Errorf("taskstore: task %d: %w", id, ErrNotFound)
	}
	before := s.snapshot(cur)

	next := *cur
	next.DependsOn = slices.Clone(cur.DependsOn)
	next.Metadata = maps.Clone(cur.Metadata)
	if p.Subject != nil {
		subj := strings.TrimSpace(*p.Subject)
		if subj == "" {
			s.mu.Unlock()
			return Task{}, fault.Invalid("subject", "cannot be empty")
		}
		next.Subject = subj
	}
	if p.Description != nil {
		next.Description = *p.Description
	}
	if p.ActiveForm != nil {
		next.ActiveForm = *p.ActiveForm
	}
	if p.Owner != nil {
		next.Owner = *p.Owner
	}
	if p.Metadata != nil {
		next.Metadata = mergeMetadata(next.Metadata, p.Metadata)
	}

	deps := make(map[int]bool, len(next.DependsOn))
	for _, d := range next.DependsOn {
		deps[d] = true
	}
	for _, d := range p.RemoveDependsOn {
		delete(deps, d)
	}
	for _, d := range p.AddDependsOn {
		if err := s.checkEdge(id, d); err != nil {
			s.mu.Unlock()
			return Task{}, err
		}
		deps[d] = true
	}
	next.DependsOn = sortedKeys(deps)

	// AddBlocks makes each target depend on this task. Cycle checks run
	// against the patched dependency list, so the cache briefly holds next.
	blocked := make(map[int]*Task)
	s.tasks[id] = &next
	for _, target := range uniqueSorted(p.AddBlocks) {
		if err := s.checkEdge(target, id); err != nil {
			s.tasks[id] = cur
			s.mu.Unlock()
			return Task{}, err
		}
		cp := *s.tasks[target]
		cp.DependsOn = uniqueSorted(append(slices.Clone(cp.DependsOn), id))
		blocked[target] = &cp
	}
	s.tasks[id] = cur

	if p.Status != nil {
		if !p.Status.Valid() {
			s.mu.Unlock()
			return Task{}, fault.Invalid("status", "unknown status %q", *p.Status)
		}
		if p.Status.requiresDeps() {
			if err := s.checkDepsDone(next.DependsOn); err != nil {
				s.mu.Unlock()
				return Task{}, err
			}
		}
		next.Status = *p.Status
	}
	next.UpdatedAt = time.Now().UTC()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(s.row(&next)).Error; err != nil {
			return err
		}
		if err := s.writeDeps(tx, &next); err != nil {
			return err
		}
		for _, bt := range blocked {
			if err := s.writeDeps(tx, bt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.mu.Unlock()
		return Task{}, &fault.StoreError{Store: "tasks", Key: strconv.Itoa(id), Err: err}
	}
	s.tasks[id] = &next
	for tid, bt := range blocked {
		s.tasks[tid] = bt
	}
	snap := s.snapshot(&next)
	s.mu.Unlock()

	s.notify(Change{Op: "updated", Task: snap, Before: &before})
	return snap, nil
}

// Delete removes task id and strips it from every dependent's DependsOn.
// The id is never handed out again.
func (s *Store) Delete(ctx context.Context, id int) (Task, error) {
	s.mu.Lock()
	if err := s.loadLocked(ctx); err != nil {
		s.mu.Unlock()
		return Task{}, err
	}
	cur, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return Task{}, fmt.Errorf("taskstore: task %d: %w", id, ErrNotFound)
	}
	snap := s.snapshot(cur)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ? AND (task_id = ? OR depends_on = ?)", s.sessionID, id, id).
			Delete(&models.TaskDep{}).Error; err != nil {
			return err
		}
		return tx.Where("session_id = ? AND id = ?", s.sessionID, id).Delete(&models.Task{}).Error
	})
	if err != nil {
		s.mu.Unlock()
		return Task{}, &fault.StoreError{Store: "tasks", Key: strconv.Itoa(id), Err: err}
	}
	delete(s.tasks, id)
	for _, t := range s.tasks {
		if i := slices.Index(t.DependsOn, id); i >= 0 {
			t.DependsOn = slices.Delete(slices.Clone(t.DependsOn), i, i+1)
		}
	}
	s.mu.Unlock()

	s.notify(Change{Op: "deleted", Task: snap})
	return snap, nil
}

// Get returns task id.
func (s *Store) Get(ctx context.Context, id int) (Task, error) {
	if err := s.ensureLoaded(ctx); err != nil {
		return Task{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return Task{}, fmt.Errorf("taskstore: task %d: %w", id, ErrNotFound)
	}
	return s.snapshot(t), nil
}

// List returns the tasks matching f, ordered by id.
func (s *Store) List(ctx context.Context, f Filter) ([]Task, error) {
	if err := s.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := sortedKeys(s.tasks)
	out := make([]Task, 0, len(ids))
	for _, id := range ids {
		t := s.tasks[id]
		if f.match(t) {
			out = append(out, s.snapshot(t))
		}
	}
	return out, nil
}

// Ready returns open tasks whose dependencies are all done or cancelled.
func (s *Store) Ready(ctx context.Context, f Filter) ([]Task, error) {
	f.Status = StatusOpen
	all, err := s.List(ctx, f)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Task
	for _, t := range all {
		ready := true
		for _, d := range t.DependsOn {
			if dep, ok := s.tasks[d]; ok && dep.Open() {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, t)
		}
	}
	return out, nil
}

// HighWater returns the largest id ever assigned in this session.
func (s *Store) HighWater(ctx context.Context) (int, error) {
	if err := s.ensureLoaded(ctx); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.high, nil
}

// checkEdge validates that task may depend on dep. Callers hold s.mu.
func (s *Store) checkEdge(task, dep int) error {
	if task == dep {
		return fault.Invalid("depends_on", "task %d cannot depend on itself", task)
	}
	if _, ok := s.tasks[dep]; !ok {
		return fault.Invalid("depends_on", "task %d does not exist", dep)
	}
	if _, ok := s.tasks[task]; !ok {
		return fault.Invalid("depends_on", "task %d does not exist", task)
	}
	if s.reachable(dep, task, make(map[int]bool)) {
		return fault.Invalid("depends_on", "adding %d -> %d would create a cycle", task, dep)
	}
	return nil
}

// reachable performs a DFS from current along DependsOn edges to determine
// whether target is reachable.
func (s *Store) reachable(current, target int, visited map[int]bool) bool {
	if current == target {
		return true
	}
	if visited[current] {
		return false
	}
	visited[current] = true
	t, ok := s.tasks[current]
	if !ok {
		return false
	}
	for _, d := range t.DependsOn {
		if s.reachable(d, target, visited) {
			return true
		}
	}
	return false
}

func (s *Store) checkDepsDone(deps []int) error {
	var pending []string
	for _, d := range deps {
		dep, ok := s.tasks[d]
		if !ok {
			return fault.Invalid("depends_on", "task %d does not exist", d)
		}
		if dep.Status != StatusDone {
			pending = append(pending, fmt.Sprintf("#%d (%s)", d, dep.Status))
		}
	}
	if len(pending) > 0 {
		return fault.Invalid("status", "dependencies not done: %s", strings.Join(pending, ", "))
	}
	return nil
}

// snapshot copies t and fills Blocks. Callers hold s.mu.
func (s *Store) snapshot(t *Task) Task {
	cp := *t
	cp.DependsOn = slices.Clone(t.DependsOn)
	if cp.DependsOn == nil {
		cp.DependsOn = []int{}
	}
	cp.Metadata = maps.Clone(t.Metadata)
	cp.Blocks = []int{}
	for _, id := range sortedKeys(s.tasks) {
		if slices.Contains(s.tasks[id].DependsOn, t.ID) {
			cp.Blocks = append(cp.Blocks, id)
		}
	}
	return cp
}

func (s *Store) row(t *Task) *models.Task {
	meta := ""
	if len(t.Metadata) > 0 {
		if data, err := json.Marshal(t.Metadata); err == nil {
			meta = string(data)
		}
	}
	return &models.Task{
		SessionID:   s.sessionID,
		ID:          t.ID,
		Subject:     t.Subject,
		Description: t.Description,
		ActiveForm:  t.ActiveForm,
		Status:      string(t.Status),
		Owner:       t.Owner,
		Metadata:    meta,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
}

// writeDeps replaces t's dependency rows.
func (s *Store) writeDeps(tx *gorm.DB, t *Task) error {
	if err := tx.Where("session_id = ? AND task_id = ?", s.sessionID, t.ID).
		Delete(&models.TaskDep{}).Error; err != nil {
		return err
	}
	if len(t.DependsOn) == 0 {
		return nil
	}
	rows := make([]models.TaskDep, len(t.DependsOn))
	for i, d := range t.DependsOn {
		rows[i] = models.TaskDep{SessionID: s.sessionID, TaskID: t.ID, DependsOn: d}
	}
	return tx.Create(&rows).Error
}

func (s *Store) notify(c Change) {
	if s.opts.OnChange != nil {
		s.opts.OnChange(c)
	}
}

func mergeMetadata(base, patch map[string]any) map[string]any {
	if len(patch) == 0 {
		return base
	}
	out := maps.Clone(base)
	if out == nil {
		out = make(map[string]any, len(patch))
	}
	for k, v := range patch {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func uniqueSorted(ids []int) []int {
	set := make(map[int]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return sortedKeys(set)
}

func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
