package pipeline_test

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/novel-creator/internal/llm"
	"github.com/jonathan/novel-creator/internal/memstore"
	"github.com/jonathan/novel-creator/internal/pipeline"
	"github.com/jonathan/novel-creator/internal/prompts"
	"github.com/jonathan/novel-creator/internal/review"
	"github.com/jonathan/novel-creator/internal/types"
)

// fakeModel answers every prompt of the default catalog with canned,
// schema-valid output and records how many calls overlap.
type fakeModel struct {
	mu          sync.Mutex
	chapters    int
	fail        map[string]error
	failOrders  map[string]bool
	blockOn     string
	entered     chan struct{}
	release     chan struct{}
	delay       time.Duration
	inflight    int
	maxInflight int
	calls       []string
}

func newFakeModel(chapters int) *fakeModel {
	return &fakeModel{
		chapters:   chapters,
		fail:       make(map[string]error),
		failOrders: make(map[string]bool),
		entered:    make(chan struct{}, 1),
		release:    make(chan struct{}),
	}
}

func kindOf(inv llm.Invocation) string {
	switch inv.PromptID {
	case 1:
		return "idea"
	case 2:
		return "title"
	case 3:
		return "outline"
	case 4:
		return "chapter"
	case 5:
		return "review"
	}
	switch inv.PromptKey {
	case "chapter-summary":
		return "summary"
	case "chapter-review":
		return "review"
	case "stage-optimize":
		return "optimize"
	case "chapter-optimize":
		return "chapter-optimize"
	}
	return "unknown"
}

func (m *fakeModel) setBlock(kind string) {
	m.mu.Lock()
	m.blockOn = kind
	m.mu.Unlock()
}

func (m *fakeModel) setFail(kind string, err error) {
	m.mu.Lock()
	if err == nil {
		delete(m.fail, kind)
	} else {
		m.fail[kind] = err
	}
	m.mu.Unlock()
}

func (m *fakeModel) setFailOrder(order int, fail bool) {
	m.mu.Lock()
	m.failOrders[strconv.Itoa(order)] = fail
	m.mu.Unlock()
}

func (m *fakeModel) peak() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxInflight
}

func (m *fakeModel) count(kind string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c == kind {
			n++
		}
	}
	return n
}

func (m *fakeModel) Complete(ctx context.Context, inv llm.Invocation) (*llm.Completion, error) {
	return m.Stream(ctx, inv, nil)
}

func (m *fakeModel) Stream(ctx context.Context, inv llm.Invocation, onChunk llm.ChunkFunc) (*llm.Completion, error) {
	kind := kindOf(inv)

	m.mu.Lock()
	m.calls = append(m.calls, kind)
	m.inflight++
	if m.inflight > m.maxInflight {
		m.maxInflight = m.inflight
	}
	block := m.blockOn == kind
	err := m.fail[kind]
	if kind == "chapter" && m.failOrders[inv.Context["ChapterOrder"]] {
		err = fmt.Errorf("model refused chapter %s", inv.Context["ChapterOrder"])
	}
	delay := m.delay
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inflight--
		m.mu.Unlock()
	}()

	if block {
		select {
		case m.entered <- struct{}{}:
		default:
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-m.release:
		}
	}
	if delay > 0 && kind == "chapter" {
		time.Sleep(delay)
	}
	if err != nil {
		return nil, err
	}

	text := m.answer(kind, inv)
	if onChunk != nil {
		half := len(text) / 2
		if err := onChunk(text[:half]); err != nil {
			return nil, err
		}
		if err := onChunk(text[half:]); err != nil {
			return nil, err
		}
	}
	return &llm.Completion{
		Text:        text,
		Prompt:      kind + " prompt",
		InputChars:  100,
		OutputChars: int64(len(text)),
		ModelID:     "fake-model",
	}, nil
}

func (m *fakeModel) answer(kind string, inv llm.Invocation) string {
	switch kind {
	case "idea":
		return "A lighthouse keeper finds a door in the sea."
	case "title":
		return titleJSON("Salt", "Low Tide", "The Keeper")
	case "outline":
		return m.outlineJSON()
	case "chapter":
		return fmt.Sprintf("Chapter %s prose about %s.", inv.Context["ChapterOrder"], inv.Context["ChapterTitle"])
	case "summary":
		return "Summary of " + inv.Context["ChapterTitle"]
	case "review":
		return `{"score": 80, "issues": [{"type": "pacing", "severity": "low", "description": "slow start"}], "suggestions": ["tighten"], "strengths": ["voice"]}`
	case "optimize":
		switch inv.Context["Stage"] {
		case "title":
			return titleJSON("Brine", "High Water")
		case "outline":
			return m.outlineJSON()
		}
		return "Optimized: " + inv.Context["Feedback"]
	case "chapter-optimize":
		return "Revised: " + inv.Context["ChapterTitle"]
	}
	return ""
}

func titleJSON(titles ...string) string {
	b, _ := json.Marshal(map[string]any{"titles": titles, "synopsis": "The sea keeps what it takes."})
	return string(b)
}

func (m *fakeModel) outlineJSON() string {
	type chapter struct {
		Title   string `json:"title"`
		Summary string `json:"summary"`
	}
	type volume struct {
		Title    string    `json:"title"`
		Summary  string    `json:"summary"`
		Chapters []chapter `json:"chapters"`
	}
	first := (m.chapters + 1) / 2
	vols := []volume{{Title: "Ebb", Summary: "The keeper alone"}, {Title: "Flood", Summary: "The door opens"}}
	for i := 1; i <= m.chapters; i++ {
		v := 0
		if i > first {
			v = 1
		}
		vols[v].Chapters = append(vols[v].Chapters, chapter{Title: fmt.Sprintf("Chapter %d", i), Summary: fmt.Sprintf("Events of chapter %d", i)})
	}
	b, _ := json.Marshal(map[string]any{"main_outline": "A keeper, a door, a choice.", "volumes": vols})
	return string(b)
}

type eventLog struct {
	mu     sync.Mutex
	events []types.Event
	// onEvent runs after each event is recorded, outside the lock
	onEvent func(types.Event)
}

func (l *eventLog) Publish(_ uuid.UUID, e types.Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	hook := l.onEvent
	l.mu.Unlock()
	if hook != nil {
		hook(e)
	}
}

func (l *eventLog) setHook(fn func(types.Event)) {
	l.mu.Lock()
	l.onEvent = fn
	l.mu.Unlock()
}

func (l *eventLog) kinds() []types.EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]types.EventType, len(l.events))
	for i, e := range l.events {
		out[i] = e.Event
	}
	return out
}

type harness struct {
	orch   *pipeline.Orchestrator
	store  *memstore.Store
	model  *fakeModel
	events *eventLog
	user   uuid.UUID
}

func newHarness(t *testing.T, chapters int) *harness {
	t.Helper()
	catalog, err := prompts.LoadDefaultCatalog()
	require.NoError(t, err)

	h := &harness{store: memstore.New(), model: newFakeModel(chapters), events: &eventLog{}, user: uuid.New()}
	h.orch, err = pipeline.New(pipeline.Options{
		Tasks:     h.store,
		Content:   h.store,
		Invoker:   h.model,
		Catalog:   catalog,
		Reviewer:  review.New(h.model),
		Publisher: h.events,
	})
	require.NoError(t, err)
	return h
}

func group7() types.PromptConfig {
	id := int64(7)
	return types.PromptConfig{PromptGroupID: &id}
}

func (h *harness) create(t *testing.T, cfg types.TaskConfig, autoExecute bool) *types.Task {
	t.Helper()
	task, err := h.orch.CreateTask(context.Background(), h.user, group7(), cfg, autoExecute)
	require.NoError(t, err)
	return task
}

// toContent drives a new task through stages 1 to 3
func (h *harness) toContent(t *testing.T, cfg types.TaskConfig) *types.Task {
	t.Helper()
	ctx := context.Background()
	task := h.create(t, cfg, true)

	res, err := h.orch.ExecuteStage(ctx, task.ID, "")
	require.NoError(t, err)
	require.Equal(t, types.StageTitle, res.Task.CurrentStage)

	_, err = h.orch.SelectTitle(ctx, task.ID, res.Task.ProcessedData.Titles[0], false)
	require.NoError(t, err)

	res, err = h.orch.ExecuteStage(ctx, task.ID, "")
	require.NoError(t, err)
	require.Equal(t, types.StageContent, res.Task.CurrentStage)
	require.Equal(t, types.LifecycleRunning, res.Task.Lifecycle)
	return res.Task
}

func (h *harness) records(t *testing.T, taskID uuid.UUID) []types.StageRecord {
	t.Helper()
	records, err := h.orch.ListStageRecords(context.Background(), taskID)
	require.NoError(t, err)
	return records
}

func (h *harness) chapters(t *testing.T, taskID uuid.UUID) []types.Chapter {
	t.Helper()
	chapters, err := h.store.ListChapters(context.Background(), taskID)
	require.NoError(t, err)
	return chapters
}

func written(chapters []types.Chapter) int {
	n := 0
	for _, ch := range chapters {
		if ch.HasContent() {
			n++
		}
	}
	return n
}

// waitEntered blocks until the fake model is inside a blocked call
func (h *harness) waitEntered(t *testing.T) {
	t.Helper()
	select {
	case <-h.model.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("model call never started")
	}
}
