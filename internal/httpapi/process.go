package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"soundforge/internal/requestctx"
)

// processRequest is the JSON body for POST /process/<model>/<file_id>:
// a per-stage variant override plus free-form params. Params are handed to
// the Processor as-is; no per-stage schema validation is applied, and
// unknown keys are neither rejected nor stripped.
type processRequest struct {
	Variant string                 `json:"variant"`
	Params  map[string]interface{} `json:"params"`
}

// processResponse mirrors the returned StageOutput, with a skipped flag and
// the marker file that satisfied the cache check set on a cache hit.
type processResponse struct {
	FileID         string                 `json:"file_id"`
	Stage          string                 `json:"stage"`
	Variant        string                 `json:"variant"`
	Status         string                 `json:"status"`
	Skipped        bool                   `json:"skipped,omitempty"`
	ExistingOutput string                 `json:"existing_output,omitempty"`
	Files          []string               `json:"files"`
	Result         map[string]interface{} `json:"result,omitempty"`
}

// handleProcess implements POST /process/<model>/<file_id>: runs one stage
// via the Stage Runner, which owns skip-cache, GPU, and dependency
// preconditions.
func (s *Server) handleProcess(c *gin.Context) {
	modelName := c.Param("model")
	fileID := c.Param("file_id")
	requestID := requestctx.RequestID(c)

	var req processRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			requestctx.RespondError(c, requestctx.New(requestctx.KindBadRequest, "malformed JSON body"), s.Debug)
			return
		}
	}

	if _, err := s.Store.ReadMetadata(fileID); err != nil {
		requestctx.RespondError(c, requestctx.New(requestctx.KindNotFound, "unknown file_id: "+fileID), s.Debug)
		return
	}

	wasComplete, _ := s.anyVariantComplete(fileID, modelName, req.Variant, req.Params)

	out, err := s.Runner.Run(c.Request.Context(), fileID, modelName, req.Variant, req.Params, requestID)
	if err != nil {
		requestctx.HandleError(c, err, s.Debug)
		return
	}

	resp := processResponse{
		FileID:  out.FileID,
		Stage:   string(out.Stage),
		Variant: out.Variant,
		Status:  out.Status,
		Skipped: wasComplete,
		Files:   out.Files,
		Result:  out.Result,
	}
	if wasComplete && len(out.Files) > 0 {
		resp.ExistingOutput = out.Files[0]
	}
	c.JSON(http.StatusOK, resp)
}

// anyVariantComplete reports whether the stage was already complete before
// this call, purely to annotate the response with skipped=true; it never
// gates the Runner's own, authoritative cache check.
func (s *Server) anyVariantComplete(fileID, modelName, variant string, params map[string]interface{}) (bool, error) {
	proc, ok := s.Registry.Get(modelName)
	if !ok {
		return false, nil
	}
	if variant == "" {
		variant = proc.Variants().Default
	}
	task, _ := params["task"].(string)
	return s.Store.StageComplete(fileID, proc.Stage(), variant, task)
}
