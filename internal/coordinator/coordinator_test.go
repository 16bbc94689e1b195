// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package coordinator

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/trainchat/internal/backend"
	"github.com/jeranaias/trainchat/internal/failure"
	"github.com/jeranaias/trainchat/internal/inference"
	"github.com/jeranaias/trainchat/internal/project"
	"github.com/jeranaias/trainchat/internal/training"
)

// =============================================================================
// FAKES
// =============================================================================

type fakeStream struct {
	frames    chan []byte
	sent      chan backend.ChatRequest
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		frames: make(chan []byte, 16),
		sent:   make(chan backend.ChatRequest, 16),
		closed: make(chan struct{}),
	}
}

func (f *fakeStream) Send(req backend.ChatRequest) error {
	f.sent <- req
	return nil
}

func (f *fakeStream) Read() ([]byte, error) {
	select {
	case data := <-f.frames:
		return data, nil
	case <-f.closed:
		return nil, backend.ErrStreamClosed
	}
}

func (f *fakeStream) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

type fakeBackend struct {
	mu sync.Mutex

	status    backend.TrainingStatus
	projects  []string
	uploadErr map[string]error
	uploaded  []string
	startErr  error
	starts    []backend.StartTrainingRequest
	continues []backend.ContinueTrainingRequest
	loads     int
	unloads   []string
	streams   []*fakeStream
}

func newFakeBackend(projects ...string) *fakeBackend {
	return &fakeBackend{projects: projects, uploadErr: map[string]error{}}
}

func (b *fakeBackend) setStatus(s backend.TrainingStatus) {
	b.mu.Lock()
	b.status = s
	b.mu.Unlock()
}

func (b *fakeBackend) TrainingStatus(ctx context.Context) (*backend.TrainingStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.status
	return &s, nil
}

func (b *fakeBackend) SystemInfo(ctx context.Context) (*backend.SystemInfo, error) {
	return &backend.SystemInfo{Device: "cpu", CPUPercent: 5}, nil
}

func (b *fakeBackend) ListProjects(ctx context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.projects...), nil
}

func (b *fakeBackend) UploadData(ctx context.Context, slug, filename string, data io.Reader) (*backend.UploadResult, error) {
	body, _ := io.ReadAll(data)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.uploaded = append(b.uploaded, filename)
	if err := b.uploadErr[filename]; err != nil {
		return nil, err
	}
	return &backend.UploadResult{Success: true, TextsCount: 1, TotalChars: len(body)}, nil
}

func (b *fakeBackend) StartTraining(ctx context.Context, req backend.StartTrainingRequest) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.starts = append(b.starts, req)
	return b.startErr
}

func (b *fakeBackend) ContinueTraining(ctx context.Context, req backend.ContinueTrainingRequest) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.continues = append(b.continues, req)
	return nil
}

func (b *fakeBackend) LoadModel(ctx context.Context, slug string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.loads++
	return nil
}

func (b *fakeBackend) UnloadModel(ctx context.Context, slug string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unloads = append(b.unloads, slug)
	return nil
}

func (b *fakeBackend) DialStream(ctx context.Context, slug, sessionID string) (backend.Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := newFakeStream()
	b.streams = append(b.streams, st)
	return st, nil
}

func (b *fakeBackend) lastStream() *fakeStream {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.streams[len(b.streams)-1]
}

type memArchive struct {
	mu    sync.Mutex
	saved []inference.Archive
}

func (m *memArchive) Save(ctx context.Context, a inference.Archive) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append(m.saved, a)
	return nil
}

func (m *memArchive) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.saved)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Monitor = training.Config{FastInterval: 5 * time.Millisecond, SlowInterval: 10 * time.Millisecond, DegradedAfter: 3}
	cfg.Session = inference.Config{ReconnectAttempts: 1, ReconnectInitial: time.Millisecond, ReconnectMax: time.Millisecond}
	cfg.TelemetryInterval = 10 * time.Millisecond
	cfg.AutoLoad = false
	return cfg
}

func newTestCoordinator(t *testing.T, be *fakeBackend, cfg Config) *Coordinator {
	t.Helper()
	c := New(be, cfg)
	t.Cleanup(c.Close)
	require.NoError(t, c.Start(context.Background()))
	return c
}

func completedStatus(slug string) backend.TrainingStatus {
	return backend.TrainingStatus{Project: slug, Progress: backend.Progress{Completed: true, CurrentEpoch: 1, TotalEpochs: 1}}
}

func waitPhase(t *testing.T, c *Coordinator, want training.Phase) {
	t.Helper()
	require.Eventually(t, func() bool { return c.Snapshot().Training.Phase == want }, 2*time.Second, time.Millisecond,
		"phase never reached %s", want)
}

func waitSession(t *testing.T, c *Coordinator, want inference.State) {
	t.Helper()
	require.Eventually(t, func() bool { return c.Snapshot().Session.State == want }, 2*time.Second, time.Millisecond,
		"session never reached %s", want)
}

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

// =============================================================================
// SELECTION TESTS
// =============================================================================

func TestSelectProject_ReplacesMonitorAndSession(t *testing.T) {
	be := newFakeBackend("alpha", "beta")
	be.setStatus(completedStatus("alpha"))
	c := newTestCoordinator(t, be, testConfig())

	require.NoError(t, c.SelectProject(context.Background(), "alpha"))
	waitPhase(t, c, training.PhaseCompleted)
	require.NoError(t, c.LoadModel(context.Background()))
	old := c.Session()
	require.Equal(t, inference.StateReadyIdle, old.State())

	require.NoError(t, c.SelectProject(context.Background(), "beta"))

	assert.Equal(t, inference.StateUnloaded, old.State(), "old session closed before the switch returns")
	snap := c.Snapshot()
	assert.Equal(t, "beta", snap.Project)
	assert.Equal(t, "beta", snap.Training.Project)
	assert.Equal(t, "beta", snap.Session.Project)
	assert.NotEqual(t, old.ID(), snap.Session.ID)
}

func TestSelectProject_DropsEventsFromReplacedProject(t *testing.T) {
	be := newFakeBackend("alpha", "beta")
	c := newTestCoordinator(t, be, testConfig())

	require.NoError(t, c.SelectProject(context.Background(), "alpha"))
	require.NoError(t, c.SelectProject(context.Background(), "beta"))

	var mu sync.Mutex
	var seen []string
	c.OnEvent(func(ev Event) {
		mu.Lock()
		seen = append(seen, ev.Project)
		mu.Unlock()
	})

	be.setStatus(completedStatus("alpha"))
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.NotContains(t, seen, "alpha")
	assert.Equal(t, training.PhaseIdle, c.Snapshot().Training.Phase)
}

func TestSelectProject_WaitsForInFlightDelivery(t *testing.T) {
	be := newFakeBackend("alpha", "beta")
	c := newTestCoordinator(t, be, testConfig())
	require.NoError(t, c.SelectProject(context.Background(), "alpha"))
	alpha := c.Active()

	marker := Event{Kind: EventDegraded, Project: "alpha", Degraded: true}
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	var mu sync.Mutex
	var after []Event
	var switched atomic.Bool
	c.OnEvent(func(ev Event) {
		if ev.Kind == EventDegraded && ev.Project == "alpha" && ev.Degraded {
			once.Do(func() { close(entered) })
			<-release
		}
		if switched.Load() {
			mu.Lock()
			after = append(after, ev)
			mu.Unlock()
		}
	})

	go c.emit(alpha, marker)
	<-entered

	done := make(chan error, 1)
	go func() { done <- c.SelectProject(context.Background(), "beta") }()

	select {
	case <-done:
		t.Fatal("selection changed while an event of the old project was being delivered")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("selection never completed")
	}
	switched.Store(true)

	c.emit(alpha, marker)
	mu.Lock()
	defer mu.Unlock()
	for _, ev := range after {
		assert.NotEqual(t, "alpha", ev.Project)
	}
}

func TestSelectProject_UnknownRefreshesList(t *testing.T) {
	be := newFakeBackend()
	c := newTestCoordinator(t, be, testConfig())

	err := c.SelectProject(context.Background(), "ghost")
	assert.ErrorIs(t, err, project.ErrUnknown)

	be.mu.Lock()
	be.projects = []string{"ghost"}
	be.mu.Unlock()
	require.NoError(t, c.SelectProject(context.Background(), "ghost"))
	assert.Equal(t, []string{"ghost"}, c.Projects())
}

// =============================================================================
// UPLOAD TESTS
// =============================================================================

func TestUpload_ExtensionCheckedBeforeIO(t *testing.T) {
	be := newFakeBackend()
	c := newTestCoordinator(t, be, testConfig())
	dir := t.TempDir()

	_, err := c.Upload(context.Background(), "demo", []string{
		writeFile(t, dir, "a.txt", "hello"),
		writeFile(t, dir, "b.docx", "nope"),
	})
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.KindUploadRejected))
	assert.Contains(t, err.Error(), "b.docx")
	assert.Empty(t, be.uploaded)
}

func TestUpload_StopsAtFirstRejection(t *testing.T) {
	be := newFakeBackend()
	be.uploadErr["b.csv"] = &backend.ClientError{Type: backend.ErrTypeRejected, Status: 400, Message: "no text found"}
	c := newTestCoordinator(t, be, testConfig())
	dir := t.TempDir()

	reports, err := c.Upload(context.Background(), "stories", []string{
		writeFile(t, dir, "a.txt", "once upon a time"),
		writeFile(t, dir, "b.csv", ""),
		writeFile(t, dir, "c.txt", "never sent"),
	})

	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.KindUploadRejected))
	assert.Contains(t, err.Error(), "b.csv")
	require.Len(t, reports, 1)
	assert.Equal(t, len("once upon a time"), reports[0].TotalChars)
	assert.Equal(t, []string{"a.txt", "b.csv"}, be.uploaded)

	// The first accepted file created and selected the project.
	snap := c.Snapshot()
	assert.Equal(t, "stories", snap.Project)
	assert.Contains(t, snap.Projects, "stories")
	assert.Equal(t, training.PhaseIdle, snap.Training.Phase)
}

func TestUpload_ActiveProjectPassesThroughUploading(t *testing.T) {
	be := newFakeBackend("demo")
	c := newTestCoordinator(t, be, testConfig())
	require.NoError(t, c.SelectProject(context.Background(), "demo"))

	var mu sync.Mutex
	var phases []training.Phase
	c.OnEvent(func(ev Event) {
		if ev.Kind == EventPhase {
			mu.Lock()
			phases = append(phases, ev.Transition.To)
			mu.Unlock()
		}
	})

	_, err := c.Upload(context.Background(), "demo", []string{writeFile(t, t.TempDir(), "data.jsonl", `{"text":"hi"}`)})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []training.Phase{training.PhaseUploading, training.PhaseIdle}, phases)
}

// =============================================================================
// TRAINING TESTS
// =============================================================================

func TestStartTraining(t *testing.T) {
	be := newFakeBackend("demo")
	c := newTestCoordinator(t, be, testConfig())

	err := c.StartTraining(context.Background(), DefaultTrainingOptions())
	assert.ErrorIs(t, err, project.ErrNoneSelected)

	require.NoError(t, c.SelectProject(context.Background(), "demo"))

	bad := DefaultTrainingOptions()
	bad.Epochs = 9
	err = c.StartTraining(context.Background(), bad)
	assert.True(t, failure.Is(err, failure.KindTrainingStartRejected))
	assert.Contains(t, err.Error(), "epochs must be between 1 and 5")

	be.mu.Lock()
	be.startErr = &backend.ClientError{Type: backend.ErrTypeRejected, Status: 400, Message: "Training already in progress"}
	be.mu.Unlock()
	err = c.StartTraining(context.Background(), DefaultTrainingOptions())
	assert.True(t, failure.Is(err, failure.KindTrainingStartRejected))
	assert.Equal(t, training.PhaseIdle, c.Snapshot().Training.Phase)

	be.mu.Lock()
	be.startErr = nil
	be.status = backend.TrainingStatus{IsTraining: true, Project: "demo"}
	be.mu.Unlock()
	opts := DefaultTrainingOptions()
	opts.ModelSize = "base"
	require.NoError(t, c.StartTraining(context.Background(), opts))
	assert.Equal(t, training.PhaseRunning, c.Snapshot().Training.Phase)

	be.mu.Lock()
	last := be.starts[len(be.starts)-1]
	be.mu.Unlock()
	assert.Equal(t, backend.StartTrainingRequest{ProjectSlug: "demo", ModelSize: "base", Epochs: 1, LearningRate: 5e-5, UseCase: "general", Temperature: 0.7}, last)

	err = c.StartTraining(context.Background(), DefaultTrainingOptions())
	assert.True(t, failure.Is(err, failure.KindTrainingStartRejected), "second start while running")
}

func TestStartTraining_BackendBusy(t *testing.T) {
	be := newFakeBackend("demo", "other")
	be.setStatus(backend.TrainingStatus{IsTraining: true, Project: "other"})
	c := newTestCoordinator(t, be, testConfig())
	require.NoError(t, c.SelectProject(context.Background(), "demo"))
	require.NoError(t, c.Refresh(context.Background()))

	err := c.StartTraining(context.Background(), DefaultTrainingOptions())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "busy with other")
	assert.Empty(t, be.starts)
}

func TestTrainingOptions_Validate(t *testing.T) {
	assert.NoError(t, DefaultTrainingOptions().Validate())

	o := DefaultTrainingOptions()
	o.ModelSize = "huge"
	o.UseCase = "poetry"
	err := o.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `model size "huge"`)
	assert.Contains(t, err.Error(), `use case "poetry"`)
}

// =============================================================================
// CHAT TESTS
// =============================================================================

func TestLoadModel_RequiresCompletedPhase(t *testing.T) {
	be := newFakeBackend("demo")
	c := newTestCoordinator(t, be, testConfig())
	require.NoError(t, c.SelectProject(context.Background(), "demo"))

	err := c.LoadModel(context.Background())
	assert.ErrorIs(t, err, ErrNotTrained)
	assert.True(t, failure.Is(err, failure.KindModelLoadFailed))
	assert.Zero(t, be.loads)

	err = c.Send("hello", inference.DefaultChatConfig())
	assert.True(t, failure.IsNotReady(err))

	be.setStatus(completedStatus("demo"))
	waitPhase(t, c, training.PhaseCompleted)
	require.NoError(t, c.LoadModel(context.Background()))
	assert.Equal(t, inference.StateReadyIdle, c.Snapshot().Session.State)
}

func TestAutoLoadOnCompletion(t *testing.T) {
	be := newFakeBackend("demo")
	be.setStatus(completedStatus("demo"))
	cfg := testConfig()
	cfg.AutoLoad = true
	c := newTestCoordinator(t, be, cfg)

	var completions sync.WaitGroup
	completions.Add(1)
	var once sync.Once
	c.OnEvent(func(ev Event) {
		if ev.Kind == EventCompleted {
			once.Do(completions.Done)
		}
	})

	require.NoError(t, c.SelectProject(context.Background(), "demo"))
	completions.Wait()
	waitSession(t, c, inference.StateReadyIdle)
}

func TestSend_RecordsUsageAndTranscript(t *testing.T) {
	be := newFakeBackend("demo")
	be.setStatus(completedStatus("demo"))
	c := newTestCoordinator(t, be, testConfig())
	require.NoError(t, c.SelectProject(context.Background(), "demo"))
	waitPhase(t, c, training.PhaseCompleted)
	require.NoError(t, c.LoadModel(context.Background()))

	require.NoError(t, c.Send("Tell me a story", inference.DefaultChatConfig()))
	err := c.Send("and another", inference.DefaultChatConfig())
	assert.True(t, failure.IsNotReady(err), "second send while awaiting")

	st := be.lastStream()
	req := <-st.sent
	assert.Equal(t, backend.ChatRequest{Message: "Tell me a story", Temperature: 0.7, MaxTokens: 150}, req)
	for _, fr := range []string{
		`{"type":"message_received"}`,
		`{"type":"token","token":"Once"}`,
		`{"type":"token","token":" upon a time."}`,
		`{"type":"complete","latency_ms":120,"input_tokens":5,"output_tokens":4,"total_tokens":9}`,
	} {
		st.frames <- []byte(fr)
	}
	waitSession(t, c, inference.StateReadyIdle)

	snap := c.Snapshot()
	require.Len(t, snap.Session.Transcript, 2)
	assert.Equal(t, "Once upon a time.", snap.Session.Transcript[1].Content)
	require.Eventually(t, func() bool { return c.Snapshot().Usage.Turns == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 9, c.Snapshot().Usage.TotalTokens)
}

func TestContinueTraining_ClosesSession(t *testing.T) {
	be := newFakeBackend("demo")
	be.setStatus(completedStatus("demo"))
	archive := &memArchive{}
	cfg := testConfig()
	cfg.Archiver = archive
	c := newTestCoordinator(t, be, cfg)
	require.NoError(t, c.SelectProject(context.Background(), "demo"))
	waitPhase(t, c, training.PhaseCompleted)
	require.NoError(t, c.LoadModel(context.Background()))

	require.NoError(t, c.Send("hi", inference.DefaultChatConfig()))
	st := be.lastStream()
	<-st.sent
	st.frames <- []byte(`{"type":"token","token":"hello"}`)
	st.frames <- []byte(`{"type":"complete","latency_ms":10,"input_tokens":1,"output_tokens":1,"total_tokens":2}`)
	waitSession(t, c, inference.StateReadyIdle)
	old := c.Session()

	assert.Error(t, c.ContinueTraining(context.Background(), 0))

	be.setStatus(backend.TrainingStatus{IsTraining: true, Project: "demo"})
	require.NoError(t, c.ContinueTraining(context.Background(), 2))

	assert.Equal(t, inference.StateUnloaded, old.State())
	assert.Equal(t, 1, archive.count())
	snap := c.Snapshot()
	assert.Equal(t, training.PhaseRunning, snap.Training.Phase)
	assert.Equal(t, inference.StateUnloaded, snap.Session.State)
	assert.Empty(t, snap.Session.Transcript)
	assert.NotEqual(t, old.ID(), snap.Session.ID)
	assert.Equal(t, []backend.ContinueTrainingRequest{{ProjectSlug: "demo", AdditionalEpochs: 2}}, be.continues)

	assert.True(t, failure.IsNotReady(c.Send("more?", inference.DefaultChatConfig())))
}

func TestContinueTraining_RequiresCompleted(t *testing.T) {
	be := newFakeBackend("demo")
	c := newTestCoordinator(t, be, testConfig())
	require.NoError(t, c.SelectProject(context.Background(), "demo"))

	err := c.ContinueTraining(context.Background(), 1)
	assert.True(t, failure.Is(err, failure.KindTrainingStartRejected))
	assert.Empty(t, be.continues)
}

// =============================================================================
// LIFECYCLE TESTS
// =============================================================================

func TestClose_UnloadsAndIsIdempotent(t *testing.T) {
	be := newFakeBackend("demo")
	be.setStatus(completedStatus("demo"))
	cfg := testConfig()
	cfg.UnloadOnClose = true
	c := New(be, cfg)
	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.SelectProject(context.Background(), "demo"))
	waitPhase(t, c, training.PhaseCompleted)
	require.NoError(t, c.LoadModel(context.Background()))

	c.Close()
	c.Close()

	assert.Equal(t, []string{"demo"}, be.unloads)
	assert.False(t, c.Snapshot().HasProject)
	assert.ErrorIs(t, c.SelectProject(context.Background(), "demo"), ErrClosed)
}

func TestSnapshot_IncludesTelemetry(t *testing.T) {
	be := newFakeBackend()
	c := newTestCoordinator(t, be, testConfig())

	require.NoError(t, c.Refresh(context.Background()))
	snap := c.Snapshot()
	assert.True(t, snap.SystemOK)
	assert.Equal(t, "cpu", snap.System.Info.Device)
	assert.False(t, snap.HasProject)
}

func TestSend_NoProject(t *testing.T) {
	c := newTestCoordinator(t, newFakeBackend(), testConfig())
	err := c.Send("hi", inference.DefaultChatConfig())
	assert.True(t, failure.IsNotReady(err))
	assert.True(t, errors.Is(err, project.ErrNoneSelected))
}
