package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"soundforge/internal/requestctx"
	"soundforge/internal/upload"
)

// uploadResponse is the 200/201 body for POST /upload.
type uploadResponse struct {
	FileID   string `json:"file_id"`
	Filename string `json:"filename"`
	Title    string `json:"title"`
	Artist   string `json:"artist"`
	Size     int64  `json:"size"`
	Status   string `json:"status"`
}

// duplicateResponse is the 409 body for a collision against an existing
// content_fingerprint.
type duplicateResponse struct {
	Error    string `json:"error"`
	FileID   string `json:"file_id"`
	Existing bool   `json:"existing"`
	Message  string `json:"message"`
}

// handleUpload implements POST /upload: multipart ingestion, duplicate
// detection, and (when auto_process is true, the default) scheduling the
// configured stage chain in the background so the response can return
// immediately.
func (s *Server) handleUpload(c *gin.Context) {
	requestID := requestctx.RequestID(c)

	fileHeader, err := c.FormFile("file")
	if err != nil {
		requestctx.RespondError(c, requestctx.New(requestctx.KindBadRequest, "missing \"file\" form field"), s.Debug)
		return
	}

	f, err := fileHeader.Open()
	if err != nil {
		requestctx.RespondError(c, requestctx.Wrap(requestctx.KindStorageError, "could not open uploaded file", err), s.Debug)
		return
	}
	defer f.Close()

	autoProcess := true
	if v, ok := c.GetPostForm("auto_process"); ok {
		autoProcess = v == "true" || v == "1"
	}

	modelOverride := c.PostForm("model")

	rec, err := s.Uploader.Ingest(upload.Request{
		Filename:       fileHeader.Filename,
		Size:           fileHeader.Size,
		Data:           f,
		TitleOverride:  c.PostForm("title"),
		ArtistOverride: c.PostForm("artist"),
		RequestID:      requestID,
	})
	if err != nil {
		var dup *upload.DuplicateError
		if errors.As(err, &dup) {
			c.JSON(http.StatusConflict, duplicateResponse{
				Error:    "Song already exists",
				FileID:   dup.Existing,
				Existing: true,
				Message:  "A file with this name has already been uploaded.",
			})
			return
		}
		requestctx.HandleError(c, err, s.Debug)
		return
	}

	chain := s.Uploader.Chain()
	if modelOverride != "" {
		chain = []string{modelOverride}
	}
	if autoProcess && len(chain) > 0 {
		go s.Uploader.RunAutoChain(context.Background(), rec.FileID, requestID, chain)
	}

	// status describes the upload itself, not the background auto-process
	// chain; stage completion is observable via /ws/progress and /status.
	c.JSON(http.StatusOK, uploadResponse{
		FileID:   rec.FileID,
		Filename: rec.OriginalFilename,
		Title:    rec.Title,
		Artist:   rec.Artist,
		Size:     rec.SizeBytes,
		Status:   "completed",
	})
}
