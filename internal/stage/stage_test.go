package stage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"soundforge/internal/gpu"
	"soundforge/internal/model"
	"soundforge/internal/progressbus"
	"soundforge/internal/registry"
	"soundforge/internal/requestctx"
	"soundforge/internal/store"
)

// fakeProc writes the real marker files for its stage so the Runner's
// cache check observes completion the same way it would for a real
// processor. partialFail writes one marker and then errors, leaving
// partial output for the cleanup path to remove.
type fakeProc struct {
	name        string
	stg         model.StageKind
	requiresGPU bool
	partialFail bool
	calls       int
}

func (f *fakeProc) Name() string { return f.name }
func (f *fakeProc) Stage() model.StageKind { return f.stg }
func (f *fakeProc) RequiresGPU() bool { return f.requiresGPU }
func (f *fakeProc) Variants() model.StageVariants {
	return model.StageVariants{Variants: []string{"default"}, Default: "default"}
}

func (f *fakeProc) ExpectedOutputs(fileID, variant string, params map[string]interface{}) []string {
	switch f.stg {
	case model.StageSeparation:
		return []string{"vocals.wav", "no_vocals.wav"}
	case model.StageTranscription:
		return []string{fmt.Sprintf("transcription_%s.txt", variant)}
	case model.StageKaraoke:
		return []string{fileID + "_karaoke.lrc"}
	default:
		return []string{fmt.Sprintf("%s_%s.out", f.stg, variant)}
	}
}

func (f *fakeProc) Process(pc registry.ProcessContext) (*model.StageOutput, error) {
	f.calls++
	pc.ProgressSink(50, "halfway")

	names := f.ExpectedOutputs(pc.FileID, pc.Variant, pc.Params)
	for i, name := range names {
		if _, err := pc.Store.WriteStageFile(pc.FileID, f.stg, name, strings.NewReader("ok")); err != nil {
			return nil, err
		}
		if f.partialFail && i == 0 {
			return nil, errors.New("boom")
		}
	}
	return &model.StageOutput{FileID: pc.FileID, Stage: f.stg, Variant: pc.Variant, Status: "completed", Files: names}, nil
}

func newTestRunner(t *testing.T, ciSmoke bool) (*Runner, *registry.Registry, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.New(dir+"/uploads", dir+"/outputs", "Karaoke-pjesme", nil)
	require.NoError(t, err)
	reg := registry.New(gpu.NewProber(time.Minute, "", ciSmoke))
	bus := progressbus.New(8)
	t.Cleanup(bus.Close)
	return NewRunner(reg, st, bus, 2, 2), reg, st
}

func TestRunExecutesAndCaches(t *testing.T) {
	r, reg, _ := newTestRunner(t, true)
	p := &fakeProc{name: "separation", stg: model.StageSeparation}
	reg.Register(p)

	out, err := r.Run(context.Background(), "f1", "separation", "default", nil, "req1")
	require.NoError(t, err)
	assert.Equal(t, "completed", out.Status)
	assert.Equal(t, 1, p.calls)

	out2, err := r.Run(context.Background(), "f1", "separation", "default", nil, "req1")
	require.NoError(t, err)
	assert.Equal(t, "completed", out2.Status)
	assert.Equal(t, 1, p.calls, "second call should hit cache, not re-invoke the processor")

	job := r.JobFor("f1", model.StageSeparation)
	require.NotNil(t, job)
	assert.Equal(t, model.JobSkipped, job.State)
}

func TestRunGPURequiredUnavailable(t *testing.T) {
	r, reg, _ := newTestRunner(t, false) // not smoke mode: GPU precondition enforced, no GPU present
	p := &fakeProc{name: "transcription", stg: model.StageTranscription, requiresGPU: true}
	reg.Register(p)

	_, err := r.Run(context.Background(), "f1", "transcription", "default", nil, "req1")
	var apiErr *requestctx.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, requestctx.KindGPURequired, apiErr.Kind)
	assert.Equal(t, 0, p.calls)
}

func TestRunSkipsGPUCheckInSmokeMode(t *testing.T) {
	r, reg, _ := newTestRunner(t, true) // ci_smoke_mode: skip GPU checks entirely
	p := &fakeProc{name: "transcription", stg: model.StageTranscription, requiresGPU: true}
	reg.Register(p)

	out, err := r.Run(context.Background(), "f1", "transcription", "default", nil, "req1")
	require.NoError(t, err)
	assert.Equal(t, "completed", out.Status)
	assert.Equal(t, 1, p.calls, "ci_smoke_mode must still run a GPU-required stage against its stub processor")
}

func TestRunDependencyMissing(t *testing.T) {
	r, reg, _ := newTestRunner(t, true)
	p := &fakeProc{name: "karaoke", stg: model.StageKaraoke}
	reg.Register(p)

	_, err := r.Run(context.Background(), "f1", "karaoke", "default", nil, "req1")
	var apiErr *requestctx.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, requestctx.KindBadRequest, apiErr.Kind)
	assert.Equal(t, 0, p.calls)
}

func TestRunCleansUpPartialOutputOnFailure(t *testing.T) {
	r, reg, st := newTestRunner(t, true)
	p := &fakeProc{name: "separation", stg: model.StageSeparation, partialFail: true}
	reg.Register(p)

	_, err := r.Run(context.Background(), "f1", "separation", "default", nil, "req1")
	var apiErr *requestctx.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, requestctx.KindProcessorFailure, apiErr.Kind)

	files, err := st.ListStageFiles("f1", model.StageSeparation)
	require.NoError(t, err)
	assert.Empty(t, files, "partial output must be cleaned up after failure")

	job := r.JobFor("f1", model.StageSeparation)
	require.NotNil(t, job)
	assert.Equal(t, model.JobFailed, job.State)
	assert.NotEmpty(t, job.Error)
}

func TestRunPublishesTerminalEventWithError(t *testing.T) {
	dir := t.TempDir()
	st, err := store.New(dir+"/uploads", dir+"/outputs", "Karaoke-pjesme", nil)
	require.NoError(t, err)
	reg := registry.New(gpu.NewProber(time.Minute, "", true))
	bus := progressbus.New(8)
	t.Cleanup(bus.Close)
	r := NewRunner(reg, st, bus, 2, 2)

	p := &fakeProc{name: "separation", stg: model.StageSeparation, partialFail: true}
	reg.Register(p)

	sub := bus.Subscribe("f1")
	defer sub.Close()

	_, runErr := r.Run(context.Background(), "f1", "separation", "default", nil, "req1")
	require.Error(t, runErr)

	var terminal *model.ProgressEvent
	for terminal == nil {
		select {
		case ev := <-sub.Events:
			if ev.Terminal() {
				terminal = &ev
			}
		case <-time.After(time.Second):
			t.Fatal("expected a terminal progress event")
		}
	}
	assert.NotEmpty(t, terminal.Error)
	assert.Equal(t, "req1", terminal.RequestID)
}

func TestRunUnknownModel(t *testing.T) {
	r, _, _ := newTestRunner(t, true)
	_, err := r.Run(context.Background(), "f1", "nope", "", nil, "req1")
	var apiErr *requestctx.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, requestctx.KindNotFound, apiErr.Kind)
}
