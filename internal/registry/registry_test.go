package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"soundforge/internal/gpu"
	"soundforge/internal/model"
	"soundforge/internal/requestctx"
)

type fakeProcessor struct {
	name        string
	stage       model.StageKind
	requiresGPU bool
	called      bool
}

func (f *fakeProcessor) Name() string { return f.name }
func (f *fakeProcessor) Stage() model.StageKind { return f.stage }
func (f *fakeProcessor) ExpectedOutputs(fileID, v string, params map[string]interface{}) []string {
	return []string{"out_" + v}
}
func (f *fakeProcessor) RequiresGPU() bool { return f.requiresGPU }
func (f *fakeProcessor) Variants() model.StageVariants {
	return model.StageVariants{Variants: []string{"default"}, Default: "default"}
}
func (f *fakeProcessor) Process(pc ProcessContext) (*model.StageOutput, error) {
	f.called = true
	pc.ProgressSink(100, "done")
	return &model.StageOutput{FileID: pc.FileID, Stage: f.stage, Status: "completed"}, nil
}

func TestDispatchUnknownModel(t *testing.T) {
	r := New(gpu.NewProber(time.Minute, "", true))
	_, err := r.Dispatch(context.Background(), "nope", ProcessContext{})
	var apiErr *requestctx.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, requestctx.KindNotFound, apiErr.Kind)
}

func TestDispatchGPURequiredUnavailable(t *testing.T) {
	r := New(gpu.NewProber(time.Minute, "", false)) // no GPU on the test host, not in smoke mode
	p := &fakeProcessor{name: "transcription", stage: model.StageTranscription, requiresGPU: true}
	r.Register(p)

	_, err := r.Dispatch(context.Background(), "transcription", ProcessContext{FileID: "f1"})
	var apiErr *requestctx.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, requestctx.KindGPURequired, apiErr.Kind)
	assert.False(t, p.called, "processor must never be invoked when GPU is required but unavailable")
}

func TestDispatchSkipsGPUCheckInSmokeMode(t *testing.T) {
	r := New(gpu.NewProber(time.Minute, "", true)) // ci_smoke_mode: skip GPU checks entirely
	p := &fakeProcessor{name: "transcription", stage: model.StageTranscription, requiresGPU: true}
	r.Register(p)

	out, err := r.Dispatch(context.Background(), "transcription", ProcessContext{
		FileID:       "f1",
		ProgressSink: func(int, string) {},
	})
	require.NoError(t, err)
	assert.Equal(t, "completed", out.Status)
	assert.True(t, p.called, "ci_smoke_mode must still run a GPU-required stage against its stub processor")
}

func TestDispatchSucceedsWithoutGPU(t *testing.T) {
	r := New(gpu.NewProber(time.Minute, "", true))
	p := &fakeProcessor{name: "separation", stage: model.StageSeparation}
	r.Register(p)

	out, err := r.Dispatch(context.Background(), "separation", ProcessContext{
		FileID:       "f1",
		ProgressSink: func(int, string) {},
	})
	require.NoError(t, err)
	assert.Equal(t, "completed", out.Status)
	assert.True(t, p.called)
}

func TestListModels(t *testing.T) {
	r := New(gpu.NewProber(time.Minute, "", true))
	r.Register(&fakeProcessor{name: "karaoke", stage: model.StageKaraoke})

	models := r.ListModels()
	require.Contains(t, models, "karaoke")
	assert.Equal(t, "default", models["karaoke"].Default)
}
