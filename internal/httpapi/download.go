package httpapi

import (
	"mime"
	"net/http"
	"path/filepath"

	"github.com/gin-gonic/gin"

	"soundforge/internal/requestctx"
	"soundforge/internal/store"
)

// handleDownloadOriginal implements GET /download/<file_id>: streams the
// original upload. One path segment always serves the source file; a second
// segment (handleDownloadArtifact) serves a named stage-output artifact.
func (s *Server) handleDownloadOriginal(c *gin.Context) {
	fileID := c.Param("file_id")

	path, err := s.Store.ResolveUpload(fileID)
	if err != nil {
		if err == store.ErrNotFound {
			notFound := requestctx.New(requestctx.KindNotFound, "unknown file_id: "+fileID)
			notFound.Path = c.Request.URL.Path
			requestctx.RespondError(c, notFound, s.Debug)
			return
		}
		requestctx.HandleError(c, err, s.Debug)
		return
	}

	serveFile(c, path)
}

// handleDownloadArtifact implements GET /download/<file_id>/<filename>: the
// two-segment form, serving a named stage-output artifact from the file's
// own output directory (not the karaoke subtree, which has its own route).
func (s *Server) handleDownloadArtifact(c *gin.Context) {
	fileID := c.Param("file_id")
	filename := c.Param("filename")

	path, err := s.Store.ResolveFileArtifact(fileID, filename)
	if err != nil {
		notFound := requestctx.New(requestctx.KindNotFound, "no such artifact: "+filename)
		notFound.Path = c.Request.URL.Path
		requestctx.RespondError(c, notFound, s.Debug)
		return
	}

	serveFile(c, path)
}

// handleKaraokeArtifact implements GET /karaoke/<file_id>/<filename>:
// streams a karaoke-stage artifact (audio, .lrc, .json) from its own
// subtree.
func (s *Server) handleKaraokeArtifact(c *gin.Context) {
	fileID := c.Param("file_id")
	filename := c.Param("filename")

	path, err := s.Store.ResolveKaraokeArtifact(fileID, filename)
	if err != nil {
		notFound := requestctx.New(requestctx.KindNotFound, "no such karaoke artifact: "+filename)
		notFound.Path = c.Request.URL.Path
		requestctx.RespondError(c, notFound, s.Debug)
		return
	}

	serveFile(c, path)
}

// serveFile streams path to the response without buffering it into memory
// (http.ServeFile/gin's c.File use io.Copy under the hood), setting
// content-type by extension.
func serveFile(c *gin.Context, path string) {
	if ct := mime.TypeByExtension(filepath.Ext(path)); ct != "" {
		c.Header("Content-Type", ct)
	}
	c.Header("Access-Control-Allow-Origin", "*")
	c.Status(http.StatusOK)
	c.File(path)
}
