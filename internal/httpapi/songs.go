package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"soundforge/internal/model"
	"soundforge/internal/requestctx"
	"soundforge/internal/store"
)

// songEntry is one row of GET /songs: an UploadRecord plus an absolute URL
// to its original audio.
type songEntry struct {
	FileID string `json:"file_id"`
	Title  string `json:"title"`
	Artist string `json:"artist"`
	URL    string `json:"url"`
}

// handleSongs implements GET /songs.
func (s *Server) handleSongs(c *gin.Context) {
	records, err := s.Store.IterAllUploads()
	if err != nil {
		requestctx.HandleError(c, err, s.Debug)
		return
	}

	out := make([]songEntry, 0, len(records))
	for _, rec := range records {
		out = append(out, songEntry{
			FileID: rec.FileID,
			Title:  rec.Title,
			Artist: rec.Artist,
			URL:    requestctx.AbsoluteURL(c, "/download/"+rec.FileID),
		})
	}
	c.JSON(http.StatusOK, out)
}

// karaokeSongEntry is one row of GET /karaoke/songs: an UploadRecord for
// which the karaoke stage has completed, plus its lyric/audio file names.
type karaokeSongEntry struct {
	ID     string   `json:"id"`
	FileID string   `json:"file_id"`
	Title  string   `json:"title"`
	Artist string   `json:"artist"`
	URL    string   `json:"url"`
	Files  []string `json:"files"`
}

// handleKaraokeSongs implements GET /karaoke/songs: only UploadRecords for
// which the karaoke stage marker is present.
func (s *Server) handleKaraokeSongs(c *gin.Context) {
	records, err := s.Store.IterAllUploads()
	if err != nil {
		requestctx.HandleError(c, err, s.Debug)
		return
	}

	out := make([]karaokeSongEntry, 0)
	for _, rec := range records {
		complete, err := s.Store.AnyStageComplete(rec.FileID, model.StageKaraoke)
		if err != nil || !complete {
			continue
		}
		files, _ := s.Store.ListStageFiles(rec.FileID, model.StageKaraoke)
		out = append(out, karaokeSongEntry{
			ID:     rec.FileID,
			FileID: rec.FileID,
			Title:  rec.Title,
			Artist: rec.Artist,
			URL:    requestctx.AbsoluteURL(c, "/download/"+rec.FileID),
			Files:  files,
		})
	}
	c.JSON(http.StatusOK, out)
}

// stageStatusEntry reports one stage's aggregated completion + last-known
// in-memory Job state for the /status/<file_id> response.
type stageStatusEntry struct {
	Complete bool       `json:"complete"`
	Job      *model.Job `json:"job,omitempty"`
}

// fileStatusResponse is the body of GET /status/<file_id>.
type fileStatusResponse struct {
	FileID string                               `json:"file_id"`
	Title  string                               `json:"title"`
	Artist string                               `json:"artist"`
	Stages map[model.StageKind]stageStatusEntry `json:"stages"`
}

var allStages = []model.StageKind{
	model.StageSeparation, model.StageTranscription, model.StageAnalysis,
	model.StageGeneration, model.StagePitch, model.StageKaraoke,
}

// handleFileStatus implements GET /status/<file_id>: a 404 for an unknown
// file_id, otherwise every stage's on-disk completion state plus whatever
// in-memory Job record the Stage Runner has for it.
func (s *Server) handleFileStatus(c *gin.Context) {
	fileID := c.Param("file_id")

	rec, err := s.Store.ReadMetadata(fileID)
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

	stages := make(map[model.StageKind]stageStatusEntry, len(allStages))
	for _, st := range allStages {
		complete, _ := s.Store.AnyStageComplete(fileID, st)
		stages[st] = stageStatusEntry{Complete: complete, Job: s.Runner.JobFor(fileID, st)}
	}

	c.JSON(http.StatusOK, fileStatusResponse{
		FileID: rec.FileID,
		Title:  rec.Title,
		Artist: rec.Artist,
		Stages: stages,
	})
}

// deleteResponse is the body of DELETE /songs/<file_id>: every artifact path
// removed, plus any non-fatal warnings encountered along the way.
type deleteResponse struct {
	Deleted  []string `json:"deleted"`
	Warnings []string `json:"warnings"`
}

// handleDeleteSong implements DELETE /songs/<file_id>: best-effort removal
// of every known artifact subtree, 404 if the file was never known.
func (s *Server) handleDeleteSong(c *gin.Context) {
	fileID := c.Param("file_id")

	if _, err := s.Store.ReadMetadata(fileID); err != nil {
		if err == store.ErrNotFound {
			requestctx.RespondError(c, requestctx.New(requestctx.KindNotFound, "unknown file_id: "+fileID), s.Debug)
			return
		}
		requestctx.HandleError(c, err, s.Debug)
		return
	}

	report := s.Store.DeleteFile(fileID)
	c.JSON(http.StatusOK, deleteResponse{
		Deleted:  nonNil(report.Deleted),
		Warnings: nonNil(report.Warnings),
	})
}

func nonNil(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}
