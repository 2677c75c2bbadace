// Package processors implements the concrete Processor plugins for each
// StageKind. The neural networks themselves are replaceable and out of
// scope for this repository; these implementations produce small,
// syntactically valid artifacts that satisfy every stage's
// expected_outputs contract, the same bar ci_smoke_mode sets for stub
// processors. Swapping any one of them for a real model/tool wrapper
// requires no change outside this package.
package processors

import (
	"fmt"
	"strings"
	"time"

	"soundforge/internal/karaoke"
	"soundforge/internal/model"
	"soundforge/internal/registry"
)

// defaultVariants is reused by processors that do not expose model flavors.
func defaultVariants(names ...string) model.StageVariants {
	if len(names) == 0 {
		names = []string{"default"}
	}
	return model.StageVariants{Variants: names, Default: names[0]}
}

// ---- separation --------------------------------------------------------

// Separation splits a track into vocal and instrumental stems.
type Separation struct{}

func (Separation) Name() string { return "separation" }
func (Separation) Stage() model.StageKind { return model.StageSeparation }
func (Separation) RequiresGPU() bool { return true }
func (Separation) Variants() model.StageVariants {
	return defaultVariants("htdemucs", "htdemucs_ft", "mdx_extra")
}
func (Separation) ExpectedOutputs(fileID, variant string, params map[string]interface{}) []string {
	return []string{"vocals.wav", "no_vocals.wav"}
}

func (s Separation) Process(pc registry.ProcessContext) (*model.StageOutput, error) {
	pc.ProgressSink(10, "starting separation")

	names := s.ExpectedOutputs(pc.FileID, pc.Variant, pc.Params)
	for i, name := range names {
		if _, err := pc.Store.WriteStageFile(pc.FileID, model.StageSeparation, name, strings.NewReader(stemPlaceholder(name))); err != nil {
			return nil, err
		}
		pc.ProgressSink(10+40*(i+1), fmt.Sprintf("wrote %s", name))
	}

	pc.ProgressSink(100, "separation complete")
	return &model.StageOutput{
		FileID:  pc.FileID,
		Stage:   model.StageSeparation,
		Variant: pc.Variant,
		Status:  "completed",
		Files:   names,
	}, nil
}

func stemPlaceholder(name string) string {
	return fmt.Sprintf("RIFF-placeholder-stem:%s", name)
}

// ---- transcription -------------------------------------------------------

// Transcription produces a timed lyric/speech transcript from the vocal stem.
type Transcription struct{}

func (Transcription) Name() string { return "transcription" }
func (Transcription) Stage() model.StageKind { return model.StageTranscription }
func (Transcription) RequiresGPU() bool { return true }
func (Transcription) Variants() model.StageVariants {
	return defaultVariants("base", "small", "medium", "large-v3")
}
func (t Transcription) ExpectedOutputs(fileID, variant string, params map[string]interface{}) []string {
	return []string{fmt.Sprintf("transcription_%s.txt", variant)}
}

func (t Transcription) Process(pc registry.ProcessContext) (*model.StageOutput, error) {
	pc.ProgressSink(10, "starting transcription")

	// A real model decodes the vocal stem at pc.Dependencies[model.StageSeparation]
	// here; this implementation emits a placeholder transcript instead.
	text := "[00:00.00] (instrumental)\n[00:05.00] la la la\n"
	name := t.ExpectedOutputs(pc.FileID, pc.Variant, pc.Params)[0]
	if _, err := pc.Store.WriteStageFile(pc.FileID, model.StageTranscription, name, strings.NewReader(text)); err != nil {
		return nil, err
	}

	pc.ProgressSink(100, "transcription complete")
	return &model.StageOutput{
		FileID:  pc.FileID,
		Stage:   model.StageTranscription,
		Variant: pc.Variant,
		Status:  "completed",
		Files:   []string{name},
		Result:  map[string]interface{}{"text": text},
	}, nil
}

// ---- analysis -------------------------------------------------------------

// Analysis runs a named musical-feature task (key, bpm, ...) over a track.
type Analysis struct{}

func (Analysis) Name() string { return "analysis" }
func (Analysis) Stage() model.StageKind { return model.StageAnalysis }
func (Analysis) RequiresGPU() bool { return false }
func (Analysis) Variants() model.StageVariants {
	return defaultVariants("htdemucs")
}
func (a Analysis) ExpectedOutputs(fileID, variant string, params map[string]interface{}) []string {
	task, _ := params["task"].(string)
	if task == "" {
		task = "bpm"
	}
	return []string{fmt.Sprintf("analysis_%s_%s.json", variant, task)}
}

func (a Analysis) Process(pc registry.ProcessContext) (*model.StageOutput, error) {
	name := a.ExpectedOutputs(pc.FileID, pc.Variant, pc.Params)[0]
	task, _ := pc.Params["task"].(string)
	if task == "" {
		task = "bpm"
	}
	pc.ProgressSink(10, "starting analysis:"+task)

	body := fmt.Sprintf(`{"task":%q,"value":120}`, task)
	if _, err := pc.Store.WriteStageFile(pc.FileID, model.StageAnalysis, name, strings.NewReader(body)); err != nil {
		return nil, err
	}

	pc.ProgressSink(100, "analysis complete")
	return &model.StageOutput{
		FileID:  pc.FileID,
		Stage:   model.StageAnalysis,
		Variant: pc.Variant,
		Status:  "completed",
		Files:   []string{name},
		Result:  map[string]interface{}{"task": task},
	}, nil
}

// ---- pitch ------------------------------------------------------------

// Pitch extracts a pitch/key contour from the vocal stem.
type Pitch struct{}

func (Pitch) Name() string { return "pitch" }
func (Pitch) Stage() model.StageKind { return model.StagePitch }
func (Pitch) RequiresGPU() bool { return false }
func (Pitch) Variants() model.StageVariants {
	return defaultVariants("crepe", "pyin")
}
func (p Pitch) ExpectedOutputs(fileID, variant string, params map[string]interface{}) []string {
	return []string{fmt.Sprintf("pitch_analysis_%s.json", variant)}
}

func (p Pitch) Process(pc registry.ProcessContext) (*model.StageOutput, error) {
	pc.ProgressSink(10, "starting pitch analysis")

	name := p.ExpectedOutputs(pc.FileID, pc.Variant, pc.Params)[0]
	body := `{"contour":[220.0,224.5,229.1]}`
	if _, err := pc.Store.WriteStageFile(pc.FileID, model.StagePitch, name, strings.NewReader(body)); err != nil {
		return nil, err
	}

	pc.ProgressSink(100, "pitch analysis complete")
	return &model.StageOutput{
		FileID:  pc.FileID,
		Stage:   model.StagePitch,
		Variant: pc.Variant,
		Status:  "completed",
		Files:   []string{name},
	}, nil
}

// ---- generation ------------------------------------------------------------

// Generation synthesizes a new vocal or instrumental rendition (e.g. voice
// conversion) from upstream stage outputs.
type Generation struct{}

func (Generation) Name() string { return "generation" }
func (Generation) Stage() model.StageKind { return model.StageGeneration }
func (Generation) RequiresGPU() bool { return true }
func (Generation) Variants() model.StageVariants {
	return defaultVariants("rvc", "so-vits-svc")
}
func (g Generation) ExpectedOutputs(fileID, variant string, params map[string]interface{}) []string {
	return []string{fmt.Sprintf("generated_%s.wav", variant)}
}

func (g Generation) Process(pc registry.ProcessContext) (*model.StageOutput, error) {
	if _, ok := pc.Dependencies[model.StageSeparation]; !ok {
		return nil, fmt.Errorf("generation requires separation output")
	}
	pc.ProgressSink(10, "starting generation")

	name := g.ExpectedOutputs(pc.FileID, pc.Variant, pc.Params)[0]
	if _, err := pc.Store.WriteStageFile(pc.FileID, model.StageGeneration, name, strings.NewReader("RIFF-placeholder-generated")); err != nil {
		return nil, err
	}

	pc.ProgressSink(100, "generation complete")
	return &model.StageOutput{
		FileID:  pc.FileID,
		Stage:   model.StageGeneration,
		Variant: pc.Variant,
		Status:  "completed",
		Files:   []string{name},
	}, nil
}

// ---- karaoke ---------------------------------------------------------

// defaultKaraokeDuration stands in for the track length this stage would
// otherwise read from the separation stage's decoded audio. Without that,
// lyric lines are spread across a fixed window rather than the real
// duration — on top of the uniform-timing limitation already documented in
// the karaoke package.
const defaultKaraokeDuration = 180 * time.Second

// Karaoke assembles a .lrc file from the transcription stage's text output.
type Karaoke struct{}

func (Karaoke) Name() string { return "karaoke" }
func (Karaoke) Stage() model.StageKind { return model.StageKaraoke }
func (Karaoke) RequiresGPU() bool { return false }
func (Karaoke) Variants() model.StageVariants {
	return defaultVariants("default")
}
func (k Karaoke) ExpectedOutputs(fileID, variant string, params map[string]interface{}) []string {
	return []string{fileID + "_karaoke.lrc"}
}

func (k Karaoke) Process(pc registry.ProcessContext) (*model.StageOutput, error) {
	transcript, ok := pc.Dependencies[model.StageTranscription]
	if !ok {
		return nil, fmt.Errorf("karaoke requires transcription output")
	}
	text, _ := transcript.Result["text"].(string)

	pc.ProgressSink(10, "starting karaoke")
	lines := karaoke.Assemble(text, defaultKaraokeDuration)
	lrc := karaoke.Render(lines)

	name := k.ExpectedOutputs(pc.FileID, pc.Variant, pc.Params)[0]
	if _, err := pc.Store.WriteStageFile(pc.FileID, model.StageKaraoke, name, strings.NewReader(lrc)); err != nil {
		return nil, err
	}

	pc.ProgressSink(100, "karaoke complete")
	return &model.StageOutput{
		FileID: pc.FileID,
		Stage:  model.StageKaraoke,
		Status: "completed",
		Files:  []string{name},
		Result: map[string]interface{}{"line_count": len(lines)},
	}, nil
}
