// Package stage implements the stage runner: the state machine that
// executes a single stage for a single file, with skip-cache, GPU and
// dependency preconditions, failure cleanup, and an at-most-one-execution
// guarantee per (file_id, stage).
//
// Unlike a pipeline that runs a fixed sequence of stages over a single
// in-memory job ledger, this is a per-(file_id, stage)-keyed executor
// backed by the Artifact Store as the completion index — there is no
// database, so the on-disk marker files are the source of truth.
package stage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"soundforge/internal/model"
	"soundforge/internal/progressbus"
	"soundforge/internal/registry"
	"soundforge/internal/requestctx"
	"soundforge/internal/store"
)

// dependsOn declares which other stages must already be complete (under any
// variant) before stage can run: karaoke depends on separation and
// transcription, generation depends on separation.
func dependsOn(stage model.StageKind) []model.StageKind {
	switch stage {
	case model.StageKaraoke:
		return []model.StageKind{model.StageSeparation, model.StageTranscription}
	case model.StageGeneration:
		return []model.StageKind{model.StageSeparation}
	default:
		return nil
	}
}

// Runner executes stages against a Registry and Artifact Store, publishing
// progress to a Bus. Heavy processor invocations are bounded by one of two
// worker pools: gpuSem for GPU-required stages, sized
// min(gpu_count*gpu_concurrency, cpu_count), and ioSem for everything else.
type Runner struct {
	registry *registry.Registry
	store    *store.Store
	bus      *progressbus.Bus
	log      *logrus.Entry

	gpuSem chan struct{}
	ioSem  chan struct{}

	keyMu sync.Mutex
	keys  map[string]*sync.Mutex

	jobMu sync.Mutex
	jobs  map[string]*model.Job // keyed by stageKey(fileID, stage); in-memory only
}

// NewRunner builds a Runner. gpuPoolSize bounds concurrent executions of
// GPU-required stages; ioPoolSize bounds everything else. Both are clamped
// to at least 1 so a misconfigured pool size of 0 cannot deadlock every
// stage.
func NewRunner(reg *registry.Registry, st *store.Store, bus *progressbus.Bus, gpuPoolSize, ioPoolSize int) *Runner {
	if gpuPoolSize < 1 {
		gpuPoolSize = 1
	}
	if ioPoolSize < 1 {
		ioPoolSize = 1
	}
	return &Runner{
		registry: reg,
		store:    st,
		bus:      bus,
		log:      logrus.WithField("component", "stage"),
		gpuSem:   make(chan struct{}, gpuPoolSize),
		ioSem:    make(chan struct{}, ioPoolSize),
		keys:     make(map[string]*sync.Mutex),
		jobs:     make(map[string]*model.Job),
	}
}

// setJob records the current Job state for (fileID, stage). Jobs live only
// in memory; they back the /status endpoint and the progress sink's
// high-water mark, and are never consulted by Run's cache or dependency
// checks.
func (r *Runner) setJob(fileID string, stage model.StageKind, mutate func(j *model.Job)) {
	r.jobMu.Lock()
	defer r.jobMu.Unlock()
	key := stageKey(fileID, stage)
	j, ok := r.jobs[key]
	if !ok {
		j = &model.Job{FileID: fileID, Stage: stage}
		r.jobs[key] = j
	}
	mutate(j)
}

// JobFor returns a defensive copy of the last known Job for (fileID, stage),
// or nil if that pair has never been run.
func (r *Runner) JobFor(fileID string, stage model.StageKind) *model.Job {
	r.jobMu.Lock()
	defer r.jobMu.Unlock()
	j, ok := r.jobs[stageKey(fileID, stage)]
	if !ok {
		return nil
	}
	cp := *j
	return &cp
}

// JobsFor returns a defensive copy of every Job this Runner has recorded for
// fileID, across all stages.
func (r *Runner) JobsFor(fileID string) []*model.Job {
	r.jobMu.Lock()
	defer r.jobMu.Unlock()
	var out []*model.Job
	for _, j := range r.jobs {
		if j.FileID == fileID {
			cp := *j
			out = append(out, &cp)
		}
	}
	return out
}

func stageKey(fileID string, stage model.StageKind) string {
	return fileID + "|" + string(stage)
}

// lockFor returns the mutex guarding (fileID, stage), creating it on first
// use. This enforces at-most-one-concurrent-execution per pair; a second
// caller blocks here until the first finishes, then observes the
// now-cached result.
func (r *Runner) lockFor(fileID string, stage model.StageKind) *sync.Mutex {
	key := stageKey(fileID, stage)

	r.keyMu.Lock()
	defer r.keyMu.Unlock()
	m, ok := r.keys[key]
	if !ok {
		m = &sync.Mutex{}
		r.keys[key] = m
	}
	return m
}

// Run executes modelName's stage for fileID, honoring skip-cache, the GPU
// precondition, and dependency preconditions, emitting ProgressEvents
// throughout.
func (r *Runner) Run(ctx context.Context, fileID, modelName, variant string, params map[string]interface{}, requestID string) (*model.StageOutput, error) {
	proc, ok := r.registry.Get(modelName)
	if !ok {
		return nil, requestctx.New(requestctx.KindNotFound, "unknown model: "+modelName)
	}
	stageKind := proc.Stage()

	if variant == "" {
		variant = proc.Variants().Default
	}
	task, _ := params["task"].(string)

	mu := r.lockFor(fileID, stageKind)
	mu.Lock()
	defer mu.Unlock()

	log := r.log.WithFields(logrus.Fields{
		"file_id": fileID, "stage": stageKind, "variant": variant, "request_id": requestID,
	})

	r.setJob(fileID, stageKind, func(j *model.Job) {
		j.Variant, j.State, j.RequestID = variant, model.JobQueued, requestID
		j.Progress, j.Error, j.FinishedAt = 0, "", nil
	})

	// [check cache]
	cached, err := r.store.StageComplete(fileID, stageKind, variant, task)
	if err != nil {
		return nil, requestctx.Wrap(requestctx.KindStorageError, "cache check failed", err)
	}
	if cached {
		out, err := r.store.ReadStageOutput(fileID, stageKind, variant, task)
		if err != nil {
			return nil, requestctx.Wrap(requestctx.KindStorageError, "reading cached stage output failed", err)
		}
		now := time.Now()
		r.setJob(fileID, stageKind, func(j *model.Job) {
			j.State, j.Progress, j.StartedAt, j.FinishedAt = model.JobSkipped, 100, now, &now
		})
		r.emit(fileID, stageKind, 100, fmt.Sprintf("%s already complete, skipped", stageKind), "", requestID)
		log.Info("stage cache hit, skipped")
		return out, nil
	}

	// [check GPU if required]
	if proc.RequiresGPU() && !r.registry.GPUAvailable(ctx) {
		r.failJob(fileID, stageKind, "GPU required but unavailable")
		return nil, requestctx.New(requestctx.KindGPURequired, "GPU required but unavailable")
	}

	// [check dependencies]
	deps := make(map[model.StageKind]*model.StageOutput)
	for _, dep := range dependsOn(stageKind) {
		complete, err := r.store.AnyStageComplete(fileID, dep)
		if err != nil {
			return nil, requestctx.Wrap(requestctx.KindStorageError, "dependency check failed", err)
		}
		if !complete {
			msg := fmt.Sprintf("%s requires %s to complete first", stageKind, dep)
			r.failJob(fileID, stageKind, msg)
			return nil, requestctx.New(requestctx.KindBadRequest, msg)
		}
		depOut, err := r.store.ReadStageOutput(fileID, dep, "", "")
		if err != nil {
			return nil, requestctx.Wrap(requestctx.KindStorageError, "reading dependency output failed", err)
		}
		deps[dep] = depOut
	}

	started := time.Now()
	r.setJob(fileID, stageKind, func(j *model.Job) {
		j.State, j.Progress, j.StartedAt = model.JobRunning, 10, started
	})
	r.emit(fileID, stageKind, 10, fmt.Sprintf("starting %s", stageKind), "", requestID)
	log.Info("stage starting")

	inputPath := ""
	if rec, err := r.store.ReadMetadata(fileID); err == nil {
		inputPath = r.store.UploadPath(fileID, rec.Extension)
	}

	pc := registry.ProcessContext{
		Ctx:          ctx,
		Variant:      variant,
		Params:       params,
		Dependencies: deps,
		FileID:       fileID,
		InputPath:    inputPath,
		Store:        r.store,
		ProgressSink: func(percent int, message string) {
			// Progress for a (file_id, stage) never goes backwards within a
			// run: a processor reporting a lower value is clamped to the
			// high-water mark before the event is published.
			clamped := percent
			r.setJob(fileID, stageKind, func(j *model.Job) {
				if percent > j.Progress {
					j.Progress = percent
				}
				clamped = j.Progress
			})
			r.emit(fileID, stageKind, clamped, message, "", requestID)
		},
	}

	sem := r.ioSem
	if proc.RequiresGPU() {
		sem = r.gpuSem
	}
	select {
	case sem <- struct{}{}:
		defer func() { <-sem }()
	case <-ctx.Done():
		r.failJob(fileID, stageKind, ctx.Err().Error())
		return nil, requestctx.Wrap(requestctx.KindInternal, "stage wait cancelled", ctx.Err())
	}

	out, procErr := r.registry.Dispatch(ctx, modelName, pc)
	if procErr != nil {
		r.store.RemoveStageFiles(fileID, stageKind, proc.ExpectedOutputs(fileID, variant, params))
		r.failJob(fileID, stageKind, procErr.Error())
		r.emit(fileID, stageKind, 100, fmt.Sprintf("%s failed", stageKind), procErr.Error(), requestID)
		log.WithError(procErr).WithField("duration", time.Since(started)).Error("stage failed")
		return nil, requestctx.Wrap(requestctx.KindProcessorFailure, fmt.Sprintf("%s failed", stageKind), procErr)
	}

	now := time.Now()
	r.setJob(fileID, stageKind, func(j *model.Job) {
		j.State, j.Progress, j.FinishedAt = model.JobCompleted, 100, &now
	})
	r.emit(fileID, stageKind, 100, fmt.Sprintf("%s complete", stageKind), "", requestID)
	log.WithField("duration", time.Since(started)).Info("stage complete")
	return out, nil
}

// failJob records a terminal failed Job state for (fileID, stage).
func (r *Runner) failJob(fileID string, stage model.StageKind, errMsg string) {
	now := time.Now()
	r.setJob(fileID, stage, func(j *model.Job) {
		j.State, j.Progress, j.Error, j.FinishedAt = model.JobFailed, 100, errMsg, &now
	})
}

func (r *Runner) emit(fileID string, stage model.StageKind, percent int, message, errMsg, requestID string) {
	r.bus.Publish(model.ProgressEvent{
		FileID:    fileID,
		Stage:     stage,
		Progress:  percent,
		Message:   message,
		Error:     errMsg,
		RequestID: requestID,
	})
}
