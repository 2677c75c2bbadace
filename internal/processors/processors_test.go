package processors

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"soundforge/internal/model"
	"soundforge/internal/registry"
	"soundforge/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.New(dir+"/uploads", dir+"/outputs", "Karaoke-pjesme", nil)
	require.NoError(t, err)
	return s
}

func TestSeparationWritesBothStems(t *testing.T) {
	s := newTestStore(t)
	var events []int
	out, err := Separation{}.Process(registry.ProcessContext{
		FileID:       "f1",
		Variant:      "htdemucs",
		Store:        s,
		ProgressSink: func(p int, _ string) { events = append(events, p) },
	})
	require.NoError(t, err)
	assert.Equal(t, "completed", out.Status)
	assert.Equal(t, 100, events[len(events)-1])

	complete, err := s.StageComplete("f1", model.StageSeparation, "", "")
	require.NoError(t, err)
	assert.True(t, complete)
}

func TestTranscriptionProducesTextFile(t *testing.T) {
	s := newTestStore(t)
	out, err := Transcription{}.Process(registry.ProcessContext{
		FileID:       "f1",
		Variant:      "base",
		Store:        s,
		ProgressSink: func(int, string) {},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"transcription_base.txt"}, out.Files)

	complete, err := s.StageComplete("f1", model.StageTranscription, "base", "")
	require.NoError(t, err)
	assert.True(t, complete)
}

func TestGenerationRequiresSeparationDependency(t *testing.T) {
	s := newTestStore(t)
	_, err := Generation{}.Process(registry.ProcessContext{
		FileID:       "f1",
		Variant:      "rvc",
		Store:        s,
		ProgressSink: func(int, string) {},
		Dependencies: map[model.StageKind]*model.StageOutput{},
	})
	assert.Error(t, err)
}

func TestAnalysisKeyedByTaskParam(t *testing.T) {
	s := newTestStore(t)
	out, err := Analysis{}.Process(registry.ProcessContext{
		FileID:       "f1",
		Variant:      "htdemucs",
		Store:        s,
		ProgressSink: func(int, string) {},
		Params:       map[string]interface{}{"task": "key"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"analysis_htdemucs_key.json"}, out.Files)
}
