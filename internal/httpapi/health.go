package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// healthResponse is the body of GET /health.
type healthResponse struct {
	Status           string   `json:"status"`
	AvailableModels  []string `json:"available_models"`
	WebsocketSupport bool     `json:"websocket_support"`
	Timestamp        string   `json:"timestamp"`
}

// handleHealth implements GET /health.
func (s *Server) handleHealth(c *gin.Context) {
	models := s.Registry.ListModels()
	names := make([]string, 0, len(models))
	for name := range models {
		names = append(names, name)
	}
	c.JSON(http.StatusOK, healthResponse{
		Status:           "ok",
		AvailableModels:  names,
		WebsocketSupport: true,
		Timestamp:        time.Now().UTC().Format(time.RFC3339),
	})
}

// handleStatusOK implements GET /status: a bare liveness probe, distinct
// from GET /status/<file_id>'s per-file aggregation.
func (s *Server) handleStatusOK(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// gpuStatusResponse is the body of GET /gpu-status: never loads any model,
// purely reflects gpu.Prober's cheap probe.
type gpuStatusResponse struct {
	Available      bool     `json:"available"`
	GPUCount       int      `json:"gpu_count"`
	Devices        []string `json:"devices"`
	TorchInstalled bool     `json:"torch_installed"`
}

// handleGPUStatus implements GET /gpu-status.
func (s *Server) handleGPUStatus(c *gin.Context) {
	status := s.GPU.Status(c.Request.Context())
	c.JSON(http.StatusOK, gpuStatusResponse{
		Available:      status.Available,
		GPUCount:       status.GPUCount,
		Devices:        status.Devices,
		TorchInstalled: status.TorchInstalled,
	})
}

// handleModels implements GET /models: the registry's declared
// variants/default/requires_gpu per model name.
func (s *Server) handleModels(c *gin.Context) {
	c.JSON(http.StatusOK, s.Registry.ListModels())
}
