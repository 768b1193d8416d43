package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bigkaa/chankeeper/internal/domain/model"
	"github.com/bigkaa/chankeeper/internal/repository"
)

// memStore — in-memory реализация всех репозиториев для unit-тестов.
type memStore struct {
	mu sync.Mutex

	settings  map[string]*string
	locks     map[string]*model.RunLockState
	queue     []model.QueueEntry
	seq       int64
	summaries map[string]model.JobSummary
	sources   map[int64]*model.Source
	items     map[int64]*model.Item
	runs      []*model.RunRecord

	nextID int64

	// Ошибки, которые возвращают отдельные операции
	acquireErr error
	releaseErr error
	markErr    map[int64]error
	getErr     map[int64]error
}

func newMemStore() *memStore {
	return &memStore{
		settings:  make(map[string]*string),
		locks:     make(map[string]*model.RunLockState),
		summaries: make(map[string]model.JobSummary),
		sources:   make(map[int64]*model.Source),
		items:     make(map[int64]*model.Item),
		markErr:   make(map[int64]error),
	}
}

func (m *memStore) repos() *repository.Repositories {
	return &repository.Repositories{
		Settings:  memSettings{m},
		Locks:     memLocks{m},
		Queue:     memQueue{m},
		Summaries: memSummaries{m},
		Sources:   memSources{m},
		Items:     memItems{m},
		Runs:      memRuns{m},
	}
}

func (m *memStore) id() int64 {
	m.nextID++
	return m.nextID
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// addSource добавляет источник напрямую в хранилище.
func (m *memStore) addSource(cap int, enabled bool) *model.Source {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := &model.Source{ID: m.id(), Name: "src", URL: "https://example.com/@src", Cap: cap, Enabled: enabled}
	m.sources[s.ID] = s
	cp := *s
	return &cp
}

// addItem добавляет завершённый элемент на диске.
func (m *memStore) addItem(sourceID int64, producedAt *time.Time, path string) *model.Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	it := &model.Item{
		ID: m.id(), SourceID: sourceID, ExternalID: path, Status: model.ItemCompleted,
		ProducedAt: producedAt, ExistsOnDisk: true, FilePath: path,
	}
	m.items[it.ID] = it
	return it
}

func (m *memStore) onDisk(sourceID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, it := range m.items {
		if it.SourceID == sourceID && it.ExistsOnDisk {
			n++
		}
	}
	return n
}

func (m *memStore) runsOf(sourceID int64) []model.RunRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.RunRecord
	for _, r := range m.runs {
		if r.SourceID == sourceID {
			out = append(out, *r)
		}
	}
	return out
}

func (m *memStore) lockHeld(job string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[job]
	return ok && l.Held
}

// --- settings ---

type memSettings struct{ m *memStore }

func (r memSettings) Get(_ context.Context, key string) (*model.Setting, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	v, ok := r.m.settings[key]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &model.Setting{Key: key, Value: v}, nil
}

func (r memSettings) Set(_ context.Context, key string, value *string) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if value == nil {
		r.m.settings[key] = nil
		return nil
	}
	v := *value
	r.m.settings[key] = &v
	return nil
}

func (r memSettings) ListByPrefix(_ context.Context, prefix string) ([]model.Setting, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var out []model.Setting
	for k, v := range r.m.settings {
		if strings.HasPrefix(k, prefix) {
			out = append(out, model.Setting{Key: k, Value: v})
		}
	}
	return out, nil
}

func (r memSettings) Delete(_ context.Context, key string) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if _, ok := r.m.settings[key]; !ok {
		return repository.ErrNotFound
	}
	delete(r.m.settings, key)
	return nil
}

// --- locks ---

type memLocks struct{ m *memStore }

func (r memLocks) TryAcquire(_ context.Context, job, holder string, now time.Time) (bool, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if r.m.acquireErr != nil {
		return false, r.m.acquireErr
	}
	l, ok := r.m.locks[job]
	if ok && l.Held {
		return false, nil
	}
	t := now
	r.m.locks[job] = &model.RunLockState{JobName: job, Held: true, AcquiredAt: &t, LastRunAt: &t, Holder: holder}
	return true, nil
}

func (r memLocks) Release(_ context.Context, job string, _ time.Time) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if r.m.releaseErr != nil {
		return r.m.releaseErr
	}
	if l, ok := r.m.locks[job]; ok {
		l.Held = false
		l.Holder = ""
	}
	return nil
}

func (r memLocks) Get(_ context.Context, job string) (*model.RunLockState, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	l, ok := r.m.locks[job]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *l
	return &cp, nil
}

func (r memLocks) ReleaseStale(_ context.Context, cutoff, _ time.Time) ([]string, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var jobs []string
	for name, l := range r.m.locks {
		if l.Held && (l.LastRunAt == nil || l.LastRunAt.Before(cutoff)) {
			l.Held = false
			jobs = append(jobs, name)
		}
	}
	sort.Strings(jobs)
	return jobs, nil
}

// --- queue ---

type memQueue struct{ m *memStore }

func (r memQueue) Enqueue(_ context.Context, e *model.QueueEntry) (*model.QueueEntry, int, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	r.m.seq++
	cp := *e
	cp.Seq = r.m.seq
	r.m.queue = append(r.m.queue, cp)
	pos := 0
	for _, q := range r.m.queue {
		if q.JobName == e.JobName {
			pos++
		}
	}
	return &cp, pos, nil
}

func (r memQueue) List(_ context.Context, job string) ([]model.QueueEntry, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var out []model.QueueEntry
	for _, q := range r.m.queue {
		if q.JobName == job {
			out = append(out, q)
		}
	}
	return out, nil
}

func (r memQueue) Count(ctx context.Context, job string) (int, error) {
	l, err := r.List(ctx, job)
	return len(l), err
}

func (r memQueue) take(job string, pred func(model.QueueEntry) bool) []model.QueueEntry {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var taken, kept []model.QueueEntry
	for _, q := range r.m.queue {
		if q.JobName == job && pred(q) {
			taken = append(taken, q)
		} else {
			kept = append(kept, q)
		}
	}
	r.m.queue = kept
	return taken
}

func (r memQueue) DeleteOlderThan(_ context.Context, job string, cutoff time.Time) ([]model.QueueEntry, error) {
	return r.take(job, func(q model.QueueEntry) bool { return q.EnqueuedAt.Before(cutoff) }), nil
}

func (r memQueue) TakeAll(_ context.Context, job string) ([]model.QueueEntry, error) {
	return r.take(job, func(model.QueueEntry) bool { return true }), nil
}

// --- summaries ---

type memSummaries struct{ m *memStore }

func (r memSummaries) Save(_ context.Context, s *model.JobSummary) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	r.m.summaries[s.JobName] = *s
	return nil
}

func (r memSummaries) Get(_ context.Context, job string) (*model.JobSummary, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	s, ok := r.m.summaries[job]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &s, nil
}

// --- sources ---

type memSources struct{ m *memStore }

func (r memSources) Create(_ context.Context, s *model.Source) (*model.Source, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for _, existing := range r.m.sources {
		if existing.URL == s.URL {
			return nil, repository.ErrConflict
		}
	}
	cp := *s
	cp.ID = r.m.id()
	r.m.sources[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (r memSources) Get(_ context.Context, id int64) (*model.Source, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if err := r.m.getErr[id]; err != nil {
		return nil, err
	}
	s, ok := r.m.sources[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (r memSources) list(onlyEnabled bool) []model.Source {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var out []model.Source
	for _, s := range r.m.sources {
		if onlyEnabled && !s.Enabled {
			continue
		}
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r memSources) List(context.Context) ([]model.Source, error) { return r.list(false), nil }

func (r memSources) ListEnabled(context.Context) ([]model.Source, error) { return r.list(true), nil }

func (r memSources) SetEnabled(_ context.Context, id int64, enabled bool) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	s, ok := r.m.sources[id]
	if !ok {
		return repository.ErrNotFound
	}
	s.Enabled = enabled
	return nil
}

func (r memSources) TouchChecked(_ context.Context, id int64, at time.Time) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	s, ok := r.m.sources[id]
	if !ok {
		return repository.ErrNotFound
	}
	t := at
	s.LastCheckedAt = &t
	return nil
}

// --- items ---

type memItems struct{ m *memStore }

func (r memItems) Create(_ context.Context, it *model.Item) (*model.Item, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	cp := *it
	cp.ID = r.m.id()
	r.m.items[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (r memItems) GetByExternalID(_ context.Context, sourceID int64, externalID string) (*model.Item, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for _, it := range r.m.items {
		if it.SourceID == sourceID && it.ExternalID == externalID {
			cp := *it
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r memItems) Update(_ context.Context, it *model.Item) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if _, ok := r.m.items[it.ID]; !ok {
		return repository.ErrNotFound
	}
	cp := *it
	r.m.items[it.ID] = &cp
	return nil
}

// ListOnDisk возвращает элементы в случайном порядке map: сортирует сервис.
func (r memItems) ListOnDisk(_ context.Context, sourceID int64) ([]model.Item, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var out []model.Item
	for _, it := range r.m.items {
		if it.SourceID == sourceID && it.ExistsOnDisk && it.Status == model.ItemCompleted {
			out = append(out, *it)
		}
	}
	return out, nil
}

func (r memItems) MarkEvicted(_ context.Context, id int64, at time.Time) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if err := r.m.markErr[id]; err != nil {
		return err
	}
	it, ok := r.m.items[id]
	if !ok || !it.ExistsOnDisk {
		return repository.ErrNotFound
	}
	t := at
	it.ExistsOnDisk = false
	it.RemovedAt = &t
	return nil
}

func (r memItems) Stats(_ context.Context, sourceID int64) (int, int, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	onDisk, evicted := 0, 0
	for _, it := range r.m.items {
		if it.SourceID != sourceID {
			continue
		}
		if it.ExistsOnDisk {
			onDisk++
		} else if it.RemovedAt != nil {
			evicted++
		}
	}
	return onDisk, evicted, nil
}

// --- runs ---

type memRuns struct{ m *memStore }

func (r memRuns) Create(_ context.Context, rec *model.RunRecord) (*model.RunRecord, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	cp := *rec
	cp.ID = r.m.id()
	cp.Status = model.RunRunning
	r.m.runs = append(r.m.runs, &cp)
	out := cp
	return &out, nil
}

func (r memRuns) Finalize(_ context.Context, id int64, status model.RunStatus, res model.FetchResult, errMsg *string, at time.Time) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for _, rec := range r.m.runs {
		if rec.ID != id {
			continue
		}
		if rec.CompletedAt != nil {
			return repository.ErrNotFound
		}
		t := at
		rec.Status = status
		rec.ItemsFound = res.ItemsFound
		rec.ItemsFetched = res.ItemsFetched
		rec.ItemsSkipped = res.ItemsSkipped
		rec.ErrorMessage = errMsg
		rec.CompletedAt = &t
		return nil
	}
	return repository.ErrNotFound
}

func (r memRuns) ListBySource(_ context.Context, sourceID int64, limit int) ([]model.RunRecord, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var out []model.RunRecord
	for i := len(r.m.runs) - 1; i >= 0 && len(out) < limit; i-- {
		if r.m.runs[i].SourceID == sourceID {
			out = append(out, *r.m.runs[i])
		}
	}
	return out, nil
}

// --- загрузчик и файлы ---

// fakeDownloader — загрузчик с функцией-полем.
type fakeDownloader struct {
	mu    sync.Mutex
	calls map[int64]int
	fn    func(ctx context.Context, src *model.Source, call int) (model.FetchResult, error)
}

func (d *fakeDownloader) FetchNew(ctx context.Context, src *model.Source) (model.FetchResult, error) {
	d.mu.Lock()
	if d.calls == nil {
		d.calls = make(map[int64]int)
	}
	d.calls[src.ID]++
	call := d.calls[src.ID]
	d.mu.Unlock()

	if d.fn == nil {
		return model.FetchResult{}, nil
	}
	return d.fn(ctx, src, call)
}

func (d *fakeDownloader) callsFor(id int64) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[id]
}

// fakeFiles — учёт удалённых путей.
type fakeFiles struct {
	mu      sync.Mutex
	removed []string
	failOn  map[string]bool
}

func (f *fakeFiles) Remove(rel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn[rel] {
		return errors.New("permission denied")
	}
	f.removed = append(f.removed, rel)
	return nil
}

func (f *fakeFiles) removedPaths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.removed...)
}
