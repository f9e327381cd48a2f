package stores

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/samber/lo"

	"github.com/labforge/labforge/pkg/engine"
)

// MemoryStore keeps the registry in process memory. It honors the same
// version checks and atomic quota counting as SQLiteStore, and is used for
// development and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	resources map[string]*engine.ResourceRecord
	order     map[string]int
	projects  map[string]*engine.ProjectRecord
	tasks     map[string]*engine.ReuploadKeyTask
	keys      map[string]*engine.UserKey
	audit     []*engine.AuditEntry
	seq       int
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		resources: make(map[string]*engine.ResourceRecord),
		order:     make(map[string]int),
		projects:  make(map[string]*engine.ProjectRecord),
		tasks:     make(map[string]*engine.ReuploadKeyTask),
		keys:      make(map[string]*engine.UserKey),
	}
}

func (s *MemoryStore) Init(context.Context) error    { return nil }
func (s *MemoryStore) Close() error                  { return nil }
func (s *MemoryStore) Migrate(context.Context) error { return nil }

func (s *MemoryStore) HealthCheck(context.Context) error { return nil }

// CreateResource counts and inserts under one lock.
func (s *MemoryStore) CreateResource(_ context.Context, rec *engine.ResourceRecord, limit engine.QuotaLimit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.resources[rec.ID]; ok {
		return engine.NewPermanentError("resource already exists", nil).WithCode(engine.ErrCodeAlreadyExists).WithResource(rec.ID)
	}
	if err := s.checkQuota(rec, limit); err != nil {
		return err
	}

	rec.Version = 1
	s.resources[rec.ID] = rec.Clone()
	s.seq++
	s.order[rec.ID] = s.seq
	return nil
}

// GetResource returns a copy of the record.
func (s *MemoryStore) GetResource(_ context.Context, id string) (*engine.ResourceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.resources[id]
	if !ok {
		return nil, engine.NewNotFoundError("resource", id)
	}
	return rec.Clone(), nil
}

// UpdateResource writes rec if the stored version matches.
func (s *MemoryStore) UpdateResource(_ context.Context, rec *engine.ResourceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.update(rec)
}

// UpdateResourceWithQuota re-checks quota and writes rec under one lock.
func (s *MemoryStore) UpdateResourceWithQuota(_ context.Context, rec *engine.ResourceRecord, limit engine.QuotaLimit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkQuota(rec, limit); err != nil {
		return err
	}
	return s.update(rec)
}

// ListResources returns copies of the matching records, oldest first.
func (s *MemoryStore) ListResources(_ context.Context, filter engine.ResourceFilter) ([]*engine.ResourceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []*engine.ResourceRecord{}
	for _, rec := range s.resources {
		if matches(rec, filter) {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return s.order[out[i].ID] < s.order[out[j].ID]
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// CountResources returns the number of records per status for a type.
func (s *MemoryStore) CountResources(_ context.Context, t engine.ResourceType) (map[engine.ResourceStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[engine.ResourceStatus]int)
	for _, rec := range s.resources {
		if rec.Type == t {
			counts[rec.Status]++
		}
	}
	return counts, nil
}

// CreateProject inserts a project record.
func (s *MemoryStore) CreateProject(_ context.Context, p *engine.ProjectRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.projects[p.Name]; ok {
		return engine.NewPermanentError("project already exists", nil).WithCode(engine.ErrCodeAlreadyExists).WithResource(p.Name)
	}
	p.Version = 1
	cp := *p
	s.projects[p.Name] = &cp
	return nil
}

// GetProject returns a copy of the project.
func (s *MemoryStore) GetProject(_ context.Context, name string) (*engine.ProjectRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.projects[name]
	if !ok {
		return nil, engine.NewNotFoundError("project", name)
	}
	cp := *p
	return &cp, nil
}

// UpdateProject writes p if the stored version matches.
func (s *MemoryStore) UpdateProject(_ context.Context, p *engine.ProjectRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.projects[p.Name]
	if !ok {
		return engine.NewNotFoundError("project", p.Name)
	}
	if cur.Version != p.Version {
		return engine.NewConflictError("project was modified concurrently", nil).WithResource(p.Name)
	}
	p.Version++
	cp := *p
	s.projects[p.Name] = &cp
	return nil
}

// ListProjects lists every project ordered by name.
func (s *MemoryStore) ListProjects(context.Context) ([]*engine.ProjectRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*engine.ProjectRecord, 0, len(s.projects))
	for _, p := range s.projects {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// CreateReuploadTask inserts task unless the user already has an active task in the project.
func (s *MemoryStore) CreateReuploadTask(_ context.Context, task *engine.ReuploadKeyTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.tasks {
		if t.User == task.User && t.Project == task.Project && t.Status.IsActive() {
			return engine.NewConflictError(
				fmt.Sprintf("user %s already has an active key reupload in project %s", task.User, task.Project), nil,
			).WithResource(task.Project)
		}
	}
	task.Version = 1
	s.tasks[task.ID] = task.Clone()
	s.seq++
	s.order[task.ID] = s.seq
	return nil
}

// GetReuploadTask returns a copy of the task.
func (s *MemoryStore) GetReuploadTask(_ context.Context, id string) (*engine.ReuploadKeyTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, engine.NewNotFoundError("reupload task", id)
	}
	return t.Clone(), nil
}

// UpdateReuploadTask writes task if the stored version matches.
func (s *MemoryStore) UpdateReuploadTask(_ context.Context, task *engine.ReuploadKeyTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.tasks[task.ID]
	if !ok {
		return engine.NewNotFoundError("reupload task", task.ID)
	}
	if cur.Version != task.Version {
		return engine.NewConflictError("reupload task was modified concurrently", nil).WithResource(task.ID)
	}
	task.Version++
	s.tasks[task.ID] = task.Clone()
	return nil
}

// ListActiveReuploadTasks lists running tasks, oldest first.
func (s *MemoryStore) ListActiveReuploadTasks(context.Context) ([]*engine.ReuploadKeyTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []*engine.ReuploadKeyTask{}
	for _, t := range s.tasks {
		if t.Status.IsActive() {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return s.order[out[i].ID] < s.order[out[j].ID] })
	return out, nil
}

// PutUserKey stores a copy of key, replacing the user's previous key in the project.
func (s *MemoryStore) PutUserKey(_ context.Context, key *engine.UserKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *key
	s.keys[key.Project+"/"+key.User] = &cp
	return nil
}

// ListUserKeys returns the project's keys ordered by user.
func (s *MemoryStore) ListUserKeys(_ context.Context, project string) ([]*engine.UserKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []*engine.UserKey{}
	for _, k := range s.keys {
		if k.Project == project {
			cp := *k
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].User < out[j].User })
	return out, nil
}

// AppendAudit appends an audit entry.
func (s *MemoryStore) AppendAudit(_ context.Context, entry *engine.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry.ID = int64(len(s.audit) + 1)
	cp := *entry
	s.audit = append(s.audit, &cp)
	return nil
}

// ListAudit lists audit entries, newest first.
func (s *MemoryStore) ListAudit(_ context.Context, targetID string, limit int) ([]*engine.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []*engine.AuditEntry{}
	for i := len(s.audit) - 1; i >= 0; i-- {
		e := s.audit[i]
		if targetID != "" && e.TargetID != targetID {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) update(rec *engine.ResourceRecord) error {
	cur, ok := s.resources[rec.ID]
	if !ok {
		return engine.NewNotFoundError("resource", rec.ID)
	}
	if cur.Version != rec.Version {
		return engine.NewConflictError("resource was modified concurrently", nil).WithResource(rec.ID)
	}
	rec.Version++
	s.resources[rec.ID] = rec.Clone()
	return nil
}

// checkQuota counts slot holders of rec's type, excluding rec. Caller holds mu.
func (s *MemoryStore) checkQuota(rec *engine.ResourceRecord, limit engine.QuotaLimit) error {
	if limit.Unlimited() {
		return nil
	}

	var user, project int
	for _, r := range s.resources {
		if r.ID == rec.ID || r.Type != rec.Type || !r.Status.HoldsQuota() {
			continue
		}
		if r.Owner == rec.Owner {
			user++
		}
		if r.Project == rec.Project {
			project++
		}
	}
	if limit.MaxPerUser > 0 && user >= limit.MaxPerUser {
		return engine.NewQuotaExceededError("user", rec.Type, limit.MaxPerUser).WithResource(rec.ID)
	}
	if limit.MaxPerProject > 0 && project >= limit.MaxPerProject {
		return engine.NewQuotaExceededError("project", rec.Type, limit.MaxPerProject).WithResource(rec.ID)
	}
	return nil
}

func matches(rec *engine.ResourceRecord, f engine.ResourceFilter) bool {
	switch {
	case f.Type != "" && rec.Type != f.Type:
		return false
	case f.Owner != "" && rec.Owner != f.Owner:
		return false
	case f.Project != "" && rec.Project != f.Project:
		return false
	case f.ParentID != "" && rec.ParentID != f.ParentID:
		return false
	case len(f.Statuses) > 0 && !lo.Contains(f.Statuses, rec.Status):
		return false
	case f.QueuedOnly && rec.QueuedAction == "":
		return false
	case f.ScheduledOnly && rec.Schedule == nil:
		return false
	case f.DeadlineBefore != nil && (rec.DispatchDeadline == nil || rec.DispatchDeadline.After(*f.DeadlineBefore)):
		return false
	}
	return true
}
