// Package registry implements the processor registry: a read-mostly lookup
// table from model name to Processor, enforcing the GPU precondition before
// any GPU-required processor is invoked.
package registry

import (
	"context"
	"sync"

	"soundforge/internal/gpu"
	"soundforge/internal/model"
	"soundforge/internal/requestctx"
	"soundforge/internal/store"
)

// ProgressSink is called during processing to report intermediate progress.
type ProgressSink func(percent int, message string)

// ProcessContext bundles everything a Processor needs to run one stage
// invocation.
type ProcessContext struct {
	Ctx          context.Context
	Variant      string
	Params       map[string]interface{}
	ProgressSink ProgressSink
	Dependencies map[model.StageKind]*model.StageOutput
	FileID       string
	InputPath    string
	Store        *store.Store
}

// Processor is the polymorphic stage worker. Every concrete implementation
// (real or stub) must satisfy every invariant here, including progress_sink
// and expected_outputs, even in ci_smoke_mode.
type Processor interface {
	Name() string
	Stage() model.StageKind
	ExpectedOutputs(fileID, variant string, params map[string]interface{}) []string
	RequiresGPU() bool
	Variants() model.StageVariants
	Process(pc ProcessContext) (*model.StageOutput, error)
}

// Registry is the model_name -> Processor lookup table.
type Registry struct {
	mu         sync.RWMutex
	processors map[string]Processor
	prober     *gpu.Prober
}

// New builds an empty Registry bound to a GPU prober.
func New(prober *gpu.Prober) *Registry {
	return &Registry{
		processors: make(map[string]Processor),
		prober:     prober,
	}
}

// Register adds p under its own name, under the registry's write lock.
// Called once at startup; the registry is initialized once, then
// read-mostly.
func (r *Registry) Register(p Processor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processors[p.Name()] = p
}

// Get returns the Processor for name, or nil if unknown.
func (r *Registry) Get(name string) (Processor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.processors[name]
	return p, ok
}

// ListModels implements GET /models: the declared variant/default/GPU
// requirement of every registered processor.
func (r *Registry) ListModels() map[string]model.StageVariants {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]model.StageVariants, len(r.processors))
	for name, p := range r.processors {
		v := p.Variants()
		v.RequiresGPU = p.RequiresGPU()
		out[name] = v
	}
	return out
}

// Dispatch looks up name, enforces the GPU precondition, and invokes the
// processor. It returns requestctx.KindNotFound if the model is
// unknown and requestctx.KindGPURequired if a GPU-required processor is
// requested while gpu_status().available is false — in that case the
// processor is never constructed or invoked. In ci_smoke_mode the GPU
// precondition is skipped entirely, so a GPU-required stub processor
// still runs.
func (r *Registry) Dispatch(ctx context.Context, name string, pc ProcessContext) (*model.StageOutput, error) {
	p, ok := r.Get(name)
	if !ok {
		return nil, requestctx.New(requestctx.KindNotFound, "unknown model: "+name)
	}

	if p.RequiresGPU() && !r.GPUAvailable(ctx) {
		return nil, requestctx.New(requestctx.KindGPURequired, "GPU required but unavailable")
	}

	return p.Process(pc)
}

// GPUAvailable reports whether a GPU-required processor may run: either a
// real GPU is present (gpu_status().available), or ci_smoke_mode is active
// and the precondition is skipped outright. Used by both Dispatch and the
// Stage Runner's own pre-check.
func (r *Registry) GPUAvailable(ctx context.Context) bool {
	if r.prober.SkipGPUCheck() {
		return true
	}
	return r.prober.Status(ctx).Available
}
