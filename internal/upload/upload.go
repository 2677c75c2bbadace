// Package upload implements the upload pipeline: multipart ingestion,
// extension/size validation, filename parsing, fingerprint duplicate
// detection, and auto-process chain scheduling.
//
// Filename parsing reuses a cleanTitle-style regex pipeline (strip
// bracketed content, normalize separators, collapse whitespace) for the
// "<artist> - <title>" track heuristic.
package upload

import (
	"context"
	"io"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"soundforge/internal/model"
	"soundforge/internal/requestctx"
	"soundforge/internal/stage"
	"soundforge/internal/store"
)

var (
	bracketPattern  = regexp.MustCompile(`[\(\[\{][^\)\]\}]*[\)\]\}]`)
	separatorRegexp = regexp.MustCompile(`[._]`)
	multiSpace      = regexp.MustCompile(`\s{2,}`)
)

// Pipeline owns upload ingestion and the post-upload auto-process chain.
type Pipeline struct {
	store             *store.Store
	runner            *stage.Runner
	allowedExtensions map[string]struct{}
	maxUploadBytes    int64
	chain             []string
	log               *logrus.Entry
}

// New builds a Pipeline. chain is the ordered list of model names run after
// upload when auto_process=true.
func New(st *store.Store, runner *stage.Runner, allowedExtensions []string, maxUploadBytes int64, chain []string) *Pipeline {
	allowed := make(map[string]struct{}, len(allowedExtensions))
	for _, ext := range allowedExtensions {
		allowed[strings.ToLower(ext)] = struct{}{}
	}
	return &Pipeline{
		store:             st,
		runner:            runner,
		allowedExtensions: allowed,
		maxUploadBytes:    maxUploadBytes,
		chain:             chain,
		log:               logrus.WithField("component", "upload"),
	}
}

// Request is the inbound upload request, already parsed out of the
// multipart form by the HTTP facade.
type Request struct {
	Filename       string
	Size           int64
	Data           io.Reader
	TitleOverride  string
	ArtistOverride string
	RequestID      string
}

// Ingest validates, deduplicates, and persists one upload, returning its
// UploadRecord. Duplicate detection and the metadata.json write happen under
// the store's exclusive section so two concurrent uploads of the same
// filename cannot both win.
func (p *Pipeline) Ingest(req Request) (*model.UploadRecord, error) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(req.Filename), "."))
	if _, ok := p.allowedExtensions[ext]; !ok {
		return nil, requestctx.New(requestctx.KindUnsupportedMedia, "unsupported file extension: "+ext)
	}
	if req.Size > p.maxUploadBytes {
		return nil, requestctx.New(requestctx.KindPayloadTooLarge, "file exceeds maximum upload size")
	}

	fingerprint := Fingerprint(req.Filename)

	p.store.Lock()
	defer p.store.Unlock()

	existing, err := p.findByFingerprint(fingerprint)
	if err != nil {
		return nil, requestctx.Wrap(requestctx.KindStorageError, "duplicate scan failed", err)
	}
	if existing != nil {
		return nil, &DuplicateError{Existing: existing.FileID}
	}

	fileID := uuid.New().String()
	title, artist := req.TitleOverride, req.ArtistOverride
	if title == "" || artist == "" {
		parsedArtist, parsedTitle := ParseArtistTitle(req.Filename)
		if artist == "" {
			artist = parsedArtist
		}
		if title == "" {
			title = parsedTitle
		}
	}

	if _, err := p.store.WriteUpload(fileID, req.Data, ext); err != nil {
		return nil, requestctx.Wrap(requestctx.KindStorageError, "writing upload failed", err)
	}

	rec := &model.UploadRecord{
		FileID:             fileID,
		OriginalFilename:   req.Filename,
		SanitizedFilename:  fileID + "." + ext,
		Title:              title,
		Artist:             artist,
		SizeBytes:          req.Size,
		Extension:          ext,
		UploadTime:         time.Now(),
		ContentFingerprint: fingerprint,
	}

	if err := p.store.WriteMetadata(rec); err != nil {
		p.store.RemoveUpload(fileID, ext)
		return nil, requestctx.Wrap(requestctx.KindStorageError, "persisting upload metadata failed", err)
	}

	p.log.WithFields(logrus.Fields{
		"file_id": fileID, "artist": artist, "title": title, "request_id": req.RequestID,
	}).Info("upload ingested")
	return rec, nil
}

// Chain returns the configured auto-process stage sequence, e.g. for the
// upload handler when no model override is given.
func (p *Pipeline) Chain() []string {
	out := make([]string, len(p.chain))
	copy(out, p.chain)
	return out
}

// RunAutoChain executes chain's stages for fileID in order. It runs
// synchronously with respect to its caller; callers that need the upload
// response to return before processing completes invoke it in their own
// goroutine. A stage whose dependency never completed simply fails its own
// precondition check inside stage.Runner.Run, so independent stages still
// run and only their dependents are skipped.
func (p *Pipeline) RunAutoChain(ctx context.Context, fileID, requestID string, chain []string) {
	log := p.log.WithFields(logrus.Fields{"file_id": fileID, "request_id": requestID})
	for _, modelName := range chain {
		if _, err := p.runner.Run(ctx, fileID, modelName, "", nil, requestID); err != nil {
			log.WithError(err).WithField("model", modelName).Warn("auto-process chain stage did not complete")
			continue
		}
		log.WithField("model", modelName).Info("auto-process chain stage complete")
	}
}

func (p *Pipeline) findByFingerprint(fingerprint string) (*model.UploadRecord, error) {
	records, err := p.store.IterAllUploads()
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		if rec.ContentFingerprint == fingerprint {
			return rec, nil
		}
	}
	return nil, nil
}

// DuplicateError signals a 409 "song already exists" response.
type DuplicateError struct {
	Existing string
}

func (e *DuplicateError) Error() string {
	return "duplicate upload: " + e.Existing
}

// Fingerprint derives the content_fingerprint from a normalized filename:
// lowercased, whitespace-collapsed. This is NOT a content hash: two
// different files sharing a filename will collide, and the same file under
// a different name will not deduplicate. Known, accepted.
func Fingerprint(filename string) string {
	name := strings.TrimSuffix(filename, filepath.Ext(filename))
	name = strings.ToLower(name)
	name = multiSpace.ReplaceAllString(name, " ")
	return strings.TrimSpace(name)
}

const defaultArtist = "Unknown Artist"

// ParseArtistTitle applies the "<artist> - <title>" heuristic to a filename:
// bracketed content is stripped, separators normalized to spaces, whitespace
// collapsed, then split on the first " - ". A missing artist falls back to
// "Unknown Artist"; a missing title falls back to the whole cleaned name.
func ParseArtistTitle(filename string) (artist, title string) {
	name := strings.TrimSuffix(filename, filepath.Ext(filename))
	name = bracketPattern.ReplaceAllString(name, "")
	name = separatorRegexp.ReplaceAllString(name, " ")
	name = multiSpace.ReplaceAllString(name, " ")
	name = strings.TrimSpace(name)

	if idx := strings.Index(name, " - "); idx >= 0 {
		artist = strings.TrimSpace(name[:idx])
		title = strings.TrimSpace(name[idx+3:])
	} else {
		title = name
	}

	if artist == "" {
		artist = defaultArtist
	}
	if title == "" {
		title = name
	}
	return artist, title
}
