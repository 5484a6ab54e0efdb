package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/lamim/sdgforge/internal/api"
	"github.com/lamim/sdgforge/internal/buffer"
	"github.com/lamim/sdgforge/internal/config"
	"github.com/lamim/sdgforge/internal/executor"
	"github.com/lamim/sdgforge/internal/progress"
	"github.com/lamim/sdgforge/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeCaller routes calls by model name: the student answers from a lookup
// over the prompt text, the refiner returns a scripted rewrite.
type fakeCaller struct {
	mu       sync.Mutex
	answers  map[string]string // prompt substring -> student answer
	rewrites map[string]string // prompt substring -> rewrite JSON

	studentCalls int64
	inFlight     int64
	peakInFlight int64
}

func (f *fakeCaller) ChatCompletion(_ context.Context, mc config.ModelConfig, _ string, msgs []api.Message) (*api.ChatCompletionResponse, error) {
	n := atomic.AddInt64(&f.inFlight, 1)
	for {
		old := atomic.LoadInt64(&f.peakInFlight)
		if n <= old || atomic.CompareAndSwapInt64(&f.peakInFlight, old, n) {
			break
		}
	}
	defer atomic.AddInt64(&f.inFlight, -1)

	prompt := msgs[len(msgs)-1].Content
	var table map[string]string
	switch mc.ModelName {
	case "student-model":
		atomic.AddInt64(&f.studentCalls, 1)
		f.mu.Lock()
		table = f.answers
		f.mu.Unlock()
	case "refiner-model":
		f.mu.Lock()
		table = f.rewrites
		f.mu.Unlock()
	default:
		return nil, errors.New("unexpected model " + mc.ModelName)
	}

	for substr, reply := range table {
		if strings.Contains(prompt, substr) {
			return &api.ChatCompletionResponse{
				Choices: []api.Choice{{Message: api.Message{Role: "assistant", Content: reply}}},
				Usage:   api.TokenUsage{TotalTokens: 5},
			}, nil
		}
	}
	return nil, errors.New("no scripted reply for prompt")
}

// fakeExecutor serves a fixed draft list in batches
type fakeExecutor struct {
	drafts []models.Draft
	pos    int
	err    error
}

func (f *fakeExecutor) NextBatch(_ context.Context, n int) ([]models.Draft, error) {
	if f.err != nil && f.pos == 0 {
		return nil, f.err
	}
	end := f.pos + n
	if end > len(f.drafts) {
		end = len(f.drafts)
	}
	out := f.drafts[f.pos:end]
	f.pos = end
	return out, nil
}

func (f *fakeExecutor) Describe() executor.SourceInfo {
	return executor.SourceInfo{Source: models.SourceDistill, Name: "test"}
}

// fakeExporter records the partition it was handed
type fakeExporter struct {
	mu        sync.Mutex
	partition map[models.Category][]models.ExportRecord
	called    bool
}

func (f *fakeExporter) Export(_ context.Context, p map[models.Category][]models.ExportRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.partition = p
	f.called = true
	return nil
}

func testConfig(target int) *config.Config {
	return &config.Config{
		Task: config.TaskConfig{
			Name:        "arith",
			Source:      models.SourceDistill,
			Instruction: "Answer the arithmetic question",
			NumSamples:  target,
		},
		Run:        config.RunConfig{Concurrency: 2, BatchSize: 10},
		Evaluation: config.EvaluationConfig{Strategy: "exact", SamplesPerEval: 1},
		Refinement: config.RefinementConfig{Trigger: "failed", MaxRounds: 1},
		Models: map[string]config.ModelConfig{
			"generation": {ModelName: "gen-model"},
			"student":    {ModelName: "student-model"},
			"refiner":    {ModelName: "refiner-model"},
		},
		PromptTemplates: config.PromptTemplates{
			Refinement: "Rewrite this sample. input: {{.Input}} output: {{.Output}}",
		},
	}
}

// collectEvents drains the reporter stream and returns the events after the
// stream closes.
func collectEvents(r *progress.Reporter) func() []models.ProgressEvent {
	var mu sync.Mutex
	var events []models.ProgressEvent
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range r.Events() {
			mu.Lock()
			events = append(events, ev)
			mu.Unlock()
		}
	}()
	return func() []models.ProgressEvent {
		<-done
		mu.Lock()
		defer mu.Unlock()
		return events
	}
}

func newTestPipeline(t *testing.T, cfg *config.Config, caller api.Caller, exec executor.Executor, log *buffer.Log) (*Pipeline, *fakeExporter, func() []models.ProgressEvent) {
	t.Helper()
	exporter := &fakeExporter{}
	reporter := progress.New(testLogger(), 16)
	events := collectEvents(reporter)
	secrets := &config.Secrets{APIKeys: map[string]string{}}

	p, err := New(cfg, secrets, caller, nil, log, exec, exporter, reporter, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return p, exporter, events
}

func TestRunSolvedAndLearnable(t *testing.T) {
	cfg := testConfig(3)
	caller := &fakeCaller{
		answers: map[string]string{
			"q1":          "a1",
			"q2 original": "wrong answer",
			"q2 easier":   "a2",
			"q3":          "a3",
		},
		rewrites: map[string]string{
			"q2 original": `{"input":"q2 easier","output":"a2"}`,
		},
	}
	exec := &fakeExecutor{drafts: []models.Draft{
		{Input: "q1", Output: "a1"},
		{Input: "q2 original", Output: "a2 original"},
		{Input: "q3", Output: "a3"},
	}}
	log := buffer.OpenMemory(testLogger())
	defer log.Close()

	p, exporter, events := newTestPipeline(t, cfg, caller, exec, log)
	stats, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	if stats.Generated != 3 {
		t.Errorf("Expected 3 generated, got %d", stats.Generated)
	}
	if stats.Solved != 2 || stats.Learnable != 1 || stats.Unsolved != 0 || stats.Raw != 0 {
		t.Errorf("Unexpected categories: solved=%d learnable=%d unsolved=%d raw=%d",
			stats.Solved, stats.Learnable, stats.Unsolved, stats.Raw)
	}

	if !exporter.called {
		t.Fatal("Exporter never called")
	}
	learnable := exporter.partition[models.CategoryLearnable]
	if len(learnable) != 1 || learnable[0].Input != "q2 easier" {
		t.Errorf("Expected learnable export to carry the refined pair, got %+v", learnable)
	}

	// The buffer holds the full history for the refined sample
	fp := executor.Fingerprint("arith", "q2 original")
	for _, stage := range []models.Stage{
		models.StageGeneration,
		models.StageEvaluation,
		models.StageRefinement,
		models.StageFinalEvaluation,
	} {
		if !log.Has(fp, stage) {
			t.Errorf("Missing %s record for refined sample", stage)
		}
	}

	terminal := 0
	for _, ev := range events() {
		if ev.Terminal() {
			terminal++
			if ev.Kind != models.EventRunComplete {
				t.Errorf("Expected run_complete terminal event, got %s", ev.Kind)
			}
		}
	}
	if terminal != 1 {
		t.Errorf("Expected exactly one terminal event, got %d", terminal)
	}
}

func TestRunUnsolvedWhenRefinementDoesNotHelp(t *testing.T) {
	cfg := testConfig(1)
	caller := &fakeCaller{
		answers: map[string]string{
			"q1": "still wrong",
		},
		rewrites: map[string]string{
			"q1": `{"input":"q1 simplified","output":"a1"}`,
		},
	}
	// The rewrite's prompt contains "q1 simplified", which still matches the
	// "q1" answer table entry, so the student keeps failing
	exec := &fakeExecutor{drafts: []models.Draft{{Input: "q1", Output: "a1"}}}
	log := buffer.OpenMemory(testLogger())
	defer log.Close()

	p, _, events := newTestPipeline(t, cfg, caller, exec, log)
	stats, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if stats.Unsolved != 1 || stats.Learnable != 0 {
		t.Errorf("Expected 1 unsolved, got unsolved=%d learnable=%d", stats.Unsolved, stats.Learnable)
	}
	_ = events()
}

func TestResumeSkipsCompletedEvaluations(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/" + buffer.LogFilename

	inputs := []string{"q1", "q2", "q3", "q4", "q5"}

	// First session: all five generated, two already evaluated
	log, err := buffer.Open(path, testLogger())
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	for _, in := range inputs {
		fp := executor.Fingerprint("arith", in)
		rec := successRecord(fp, models.StageGeneration, 1, models.Usage{}, models.StageResult{
			Input: in, Output: "a-" + in,
		})
		if err := log.Append(rec); err != nil {
			t.Fatalf("Append() failed: %v", err)
		}
	}
	for _, in := range inputs[:2] {
		fp := executor.Fingerprint("arith", in)
		rec := successRecord(fp, models.StageEvaluation, 1, models.Usage{}, models.StageResult{
			Passed: true, Prediction: "a-" + in, Strategy: "exact",
		})
		if err := log.Append(rec); err != nil {
			t.Fatalf("Append() failed: %v", err)
		}
	}
	if err := log.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	// Resumed session
	log, err = buffer.Open(path, testLogger())
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer log.Close()

	answers := make(map[string]string)
	for _, in := range inputs {
		answers[in] = "a-" + in
	}
	caller := &fakeCaller{answers: answers}
	exec := &fakeExecutor{} // must not be needed: everything is checkpointed

	cfg := testConfig(5)
	p, _, events := newTestPipeline(t, cfg, caller, exec, log)
	stats, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	if stats.Generated != 5 {
		t.Errorf("Expected 5 samples restored, got %d", stats.Generated)
	}
	if got := atomic.LoadInt64(&caller.studentCalls); got != 3 {
		t.Errorf("Expected 3 student calls for the unevaluated samples, got %d", got)
	}
	if stats.Solved != 5 {
		t.Errorf("Expected all 5 solved, got %d", stats.Solved)
	}
	_ = events()
}

func TestSourceExhaustionWarnsAndProceeds(t *testing.T) {
	cfg := testConfig(10)
	answers := make(map[string]string)
	drafts := make([]models.Draft, 0, 7)
	for _, in := range []string{"q1", "q2", "q3", "q4", "q5", "q6", "q7"} {
		answers[in] = "a-" + in
		drafts = append(drafts, models.Draft{Input: in, Output: "a-" + in})
	}
	caller := &fakeCaller{answers: answers}
	exec := &fakeExecutor{drafts: drafts}
	log := buffer.OpenMemory(testLogger())
	defer log.Close()

	p, exporter, events := newTestPipeline(t, cfg, caller, exec, log)
	stats, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if stats.Generated != 7 {
		t.Errorf("Expected 7 of 10 generated, got %d", stats.Generated)
	}
	if !exporter.called {
		t.Error("Expected export despite exhaustion")
	}

	warned := false
	for _, ev := range events() {
		if ev.Kind == models.EventWarning && strings.Contains(ev.Message, "exhausted") {
			warned = true
		}
	}
	if !warned {
		t.Error("Expected an exhaustion warning event")
	}
}

// repeatExecutor always fills the requested batch with the same draft, the
// way a deterministic low-temperature model does.
type repeatExecutor struct {
	calls int
}

func (r *repeatExecutor) NextBatch(_ context.Context, n int) ([]models.Draft, error) {
	r.calls++
	out := make([]models.Draft, n)
	for i := range out {
		out[i] = models.Draft{Input: "q1", Output: "a-q1"}
	}
	return out, nil
}

func (r *repeatExecutor) Describe() executor.SourceInfo {
	return executor.SourceInfo{Source: models.SourceDistill, Name: "repeat"}
}

func TestRepeatingSourceTerminatesGeneration(t *testing.T) {
	cfg := testConfig(5)
	caller := &fakeCaller{answers: map[string]string{"q1": "a-q1"}}
	exec := &repeatExecutor{}
	log := buffer.OpenMemory(testLogger())
	defer log.Close()

	p, exporter, events := newTestPipeline(t, cfg, caller, exec, log)
	stats, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	if stats.Generated != 1 {
		t.Errorf("Expected 1 unique sample, got %d", stats.Generated)
	}
	if exec.calls > 1+maxStaleBatches {
		t.Errorf("Expected at most %d generation calls, got %d", 1+maxStaleBatches, exec.calls)
	}
	if !exporter.called {
		t.Error("Expected export to run with the one unique sample")
	}

	warned := false
	for _, ev := range events() {
		if ev.Kind == models.EventWarning && strings.Contains(ev.Message, "exhausted") {
			warned = true
		}
	}
	if !warned {
		t.Error("Expected an exhaustion warning for the repeating source")
	}
}

func TestFatalWhenSourceProducesNothing(t *testing.T) {
	cfg := testConfig(5)
	caller := &fakeCaller{}
	exec := &fakeExecutor{err: errors.New("collaborator unreachable")}
	log := buffer.OpenMemory(testLogger())
	defer log.Close()

	p, exporter, events := newTestPipeline(t, cfg, caller, exec, log)
	if _, err := p.Run(context.Background()); err == nil {
		t.Fatal("Expected fatal error when the source produces nothing")
	}
	if exporter.called {
		t.Error("No export should happen for a run that never reached categorizing")
	}

	terminal := 0
	for _, ev := range events() {
		if ev.Terminal() {
			terminal++
			if ev.Kind != models.EventFatalError {
				t.Errorf("Expected fatal_error terminal event, got %s", ev.Kind)
			}
		}
	}
	if terminal != 1 {
		t.Errorf("Expected exactly one terminal event, got %d", terminal)
	}
}

func TestEvaluationConcurrencyBounded(t *testing.T) {
	const workers = 2
	cfg := testConfig(12)
	cfg.Run.Concurrency = workers

	answers := make(map[string]string)
	drafts := make([]models.Draft, 0, 12)
	for i := 0; i < 12; i++ {
		in := "question-" + string(rune('a'+i))
		answers[in] = "yes"
		drafts = append(drafts, models.Draft{Input: in, Output: "yes"})
	}
	caller := &fakeCaller{answers: answers}
	exec := &fakeExecutor{drafts: drafts}
	log := buffer.OpenMemory(testLogger())
	defer log.Close()

	p, _, events := newTestPipeline(t, cfg, caller, exec, log)
	if _, err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if got := atomic.LoadInt64(&caller.peakInFlight); got > workers {
		t.Errorf("Peak concurrent model calls %d exceeds worker count %d", got, workers)
	}
	_ = events()
}

func TestStudentErrorBecomesErrorRecordNotAbort(t *testing.T) {
	cfg := testConfig(2)
	// q2 has no scripted answer: every student call for it errors
	caller := &fakeCaller{
		answers:  map[string]string{"q1": "a1"},
		rewrites: map[string]string{},
	}
	exec := &fakeExecutor{drafts: []models.Draft{
		{Input: "q1", Output: "a1"},
		{Input: "q2", Output: "a2"},
	}}
	log := buffer.OpenMemory(testLogger())
	defer log.Close()

	p, _, events := newTestPipeline(t, cfg, caller, exec, log)
	stats, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() should survive per-sample errors: %v", err)
	}
	if stats.Solved != 1 {
		t.Errorf("Expected 1 solved, got %d", stats.Solved)
	}
	if stats.Unsolved != 1 {
		t.Errorf("Expected errored sample to categorize unsolved, got %d", stats.Unsolved)
	}
	if stats.ErrorCount == 0 {
		t.Error("Expected error records counted in stats")
	}

	fp := executor.Fingerprint("arith", "q2")
	rec, ok := log.Get(fp, models.StageEvaluation)
	if !ok {
		t.Fatal("Expected an evaluation record for the errored sample")
	}
	if rec.Status != models.StatusError || rec.ErrorTag == "" {
		t.Errorf("Expected error record with tag, got %+v", rec)
	}
	_ = events()
}
