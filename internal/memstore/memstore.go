// Package memstore is an in-process implementation of the pipeline task and
// content stores. Values are copied on the way in and out so callers never
// share memory with the store.
package memstore

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/novel-creator/internal/pipeline"
	"github.com/jonathan/novel-creator/internal/types"
)

// Store holds tasks, stage records, outlines, volumes and chapters
type Store struct {
	mu       sync.RWMutex
	tasks    map[uuid.UUID]*types.Task
	records  map[uuid.UUID][]types.StageRecord
	outlines map[uuid.UUID][]types.OutlineNode
	volumes  map[uuid.UUID]map[int]types.Volume
	chapters map[uuid.UUID]map[int]types.Chapter
}

var (
	_ pipeline.TaskStore    = (*Store)(nil)
	_ pipeline.ContentStore = (*Store)(nil)
)

// New returns an empty store
func New() *Store {
	return &Store{
		tasks:    make(map[uuid.UUID]*types.Task),
		records:  make(map[uuid.UUID][]types.StageRecord),
		outlines: make(map[uuid.UUID][]types.OutlineNode),
		volumes:  make(map[uuid.UUID]map[int]types.Volume),
		chapters: make(map[uuid.UUID]map[int]types.Chapter),
	}
}

// CreateTask stores a new task at version 1
func (s *Store) CreateTask(_ context.Context, task *types.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[task.ID]; exists {
		return fmt.Errorf("task %s already exists", task.ID)
	}
	task.Version = 1
	s.tasks[task.ID] = task.Clone()
	return nil
}

// LoadTask returns a copy of the task, or nil when it does not exist
func (s *Store) LoadTask(_ context.Context, id uuid.UUID) (*types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, nil
	}
	return t.Clone(), nil
}

// SaveTask writes the task when its version matches the stored one
func (s *Store) SaveTask(_ context.Context, task *types.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.tasks[task.ID]
	if !ok {
		return fmt.Errorf("task %s: %w", task.ID, pipeline.ErrNotFound)
	}
	if current.Version != task.Version {
		return pipeline.ErrVersionConflict
	}
	task.Version++
	s.tasks[task.ID] = task.Clone()
	return nil
}

// ListTasks returns tasks newest first
func (s *Store) ListTasks(_ context.Context, filter types.TaskFilter, page types.Page) (*types.TaskPage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	page = page.Normalize()
	var matched []types.Task
	for _, t := range s.tasks {
		if filter.UserID != nil && t.UserID != *filter.UserID {
			continue
		}
		if filter.Lifecycle != "" && t.Lifecycle != filter.Lifecycle {
			continue
		}
		if filter.Status != "" && t.Status() != filter.Status {
			continue
		}
		matched = append(matched, *t.Clone())
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID.String() < matched[j].ID.String()
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	out := &types.TaskPage{Tasks: []types.Task{}, Total: len(matched), Page: page.Number, PageSize: page.Size}
	if start := page.Offset(); start < len(matched) {
		end := min(start+page.Size, len(matched))
		out.Tasks = matched[start:end]
	}
	return out, nil
}

// AppendStageRecord adds a record to the task's audit trail
func (s *Store) AppendStageRecord(_ context.Context, record *types.StageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[record.TaskID]; !ok {
		return fmt.Errorf("task %s: %w", record.TaskID, pipeline.ErrNotFound)
	}
	s.records[record.TaskID] = append(s.records[record.TaskID], cloneRecord(*record))
	return nil
}

// UpdateStageRecord replaces a record unless it is already completed
func (s *Store) UpdateStageRecord(_ context.Context, record *types.StageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := s.records[record.TaskID]
	for i := range records {
		if records[i].ID != record.ID {
			continue
		}
		if records[i].Status == types.StageRecordCompleted {
			return pipeline.ErrRecordImmutable
		}
		records[i] = cloneRecord(*record)
		return nil
	}
	return fmt.Errorf("stage record %s: %w", record.ID, pipeline.ErrNotFound)
}

// ListStageRecords returns the records of a task in append order
func (s *Store) ListStageRecords(_ context.Context, taskID uuid.UUID) ([]types.StageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.StageRecord, len(s.records[taskID]))
	for i, r := range s.records[taskID] {
		out[i] = cloneRecord(r)
	}
	return out, nil
}

func cloneRecord(r types.StageRecord) types.StageRecord {
	r.Input = slices.Clone(r.Input)
	r.Output = slices.Clone(r.Output)
	return r
}

// ReplaceOutline swaps the whole outline tree of a task
func (s *Store) ReplaceOutline(_ context.Context, taskID uuid.UUID, nodes []types.OutlineNode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.outlines[taskID] = slices.Clone(nodes)
	return nil
}

// GetOutline returns the outline tree in storage order
func (s *Store) GetOutline(_ context.Context, taskID uuid.UUID) ([]types.OutlineNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return slices.Clone(s.outlines[taskID]), nil
}

// GetOutlineNode returns one node, or nil
func (s *Store) GetOutlineNode(_ context.Context, taskID, nodeID uuid.UUID) (*types.OutlineNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, n := range s.outlines[taskID] {
		if n.ID == nodeID {
			return &n, nil
		}
	}
	return nil, nil
}

// UpdateOutlineNode replaces a stored node
func (s *Store) UpdateOutlineNode(_ context.Context, node *types.OutlineNode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	nodes := s.outlines[node.TaskID]
	for i := range nodes {
		if nodes[i].ID == node.ID {
			nodes[i] = *node
			return nil
		}
	}
	return fmt.Errorf("outline node %s: %w", node.ID, pipeline.ErrNotFound)
}

// UpsertVolume stores a volume keyed by (task, order)
func (s *Store) UpsertVolume(_ context.Context, volume *types.Volume) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byOrder, ok := s.volumes[volume.TaskID]
	if !ok {
		byOrder = make(map[int]types.Volume)
		s.volumes[volume.TaskID] = byOrder
	}
	if existing, ok := byOrder[volume.Order]; ok {
		volume.ID = existing.ID
		volume.CreatedAt = existing.CreatedAt
	}
	byOrder[volume.Order] = *volume
	return nil
}

// ListVolumes returns volumes by ascending order
func (s *Store) ListVolumes(_ context.Context, taskID uuid.UUID) ([]types.Volume, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.Volume, 0, len(s.volumes[taskID]))
	for _, v := range s.volumes[taskID] {
		out = append(out, v)
	}
	slices.SortFunc(out, func(a, b types.Volume) int { return a.Order - b.Order })
	return out, nil
}

// UpsertChapter stores a chapter keyed by (task, order)
func (s *Store) UpsertChapter(_ context.Context, chapter *types.Chapter) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byOrder, ok := s.chapters[chapter.TaskID]
	if !ok {
		byOrder = make(map[int]types.Chapter)
		s.chapters[chapter.TaskID] = byOrder
	}
	if existing, ok := byOrder[chapter.Order]; ok {
		chapter.ID = existing.ID
		chapter.CreatedAt = existing.CreatedAt
	}
	if chapter.UpdatedAt.IsZero() {
		chapter.UpdatedAt = time.Now().UTC()
	}
	byOrder[chapter.Order] = *chapter
	return nil
}

// GetChapter returns a chapter by id, or nil
func (s *Store) GetChapter(_ context.Context, taskID, chapterID uuid.UUID) (*types.Chapter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, ch := range s.chapters[taskID] {
		if ch.ID == chapterID {
			return &ch, nil
		}
	}
	return nil, nil
}

// GetChapterByOrder returns the chapter at order, or nil
func (s *Store) GetChapterByOrder(_ context.Context, taskID uuid.UUID, order int) (*types.Chapter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ch, ok := s.chapters[taskID][order]
	if !ok {
		return nil, nil
	}
	return &ch, nil
}

// ListChapters returns chapters by ascending order
func (s *Store) ListChapters(_ context.Context, taskID uuid.UUID) ([]types.Chapter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.Chapter, 0, len(s.chapters[taskID]))
	for _, ch := range s.chapters[taskID] {
		out = append(out, ch)
	}
	slices.SortFunc(out, func(a, b types.Chapter) int { return a.Order - b.Order })
	return out, nil
}
