// Package store implements the Artifact Store: the on-disk, content-addressed
// layout that is the sole source of truth for "has this stage already run?"
// Writes are atomic at artifact granularity (temp+rename); reads may observe
// in-progress stages because a stage's files only appear after the final
// rename.
package store

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"soundforge/internal/model"
)

// Errors returned by Store operations.
var (
	ErrNotFound = fmt.Errorf("store: not found")
)

// StorageError wraps an I/O failure encountered by the Artifact Store.
type StorageError struct {
	Op    string
	Cause error
}

func (e *StorageError) Error() string { return fmt.Sprintf("store: %s: %v", e.Op, e.Cause) }
func (e *StorageError) Unwrap() error { return e.Cause }

// markerPatterns lists, per stage, the glob patterns whose presence indicates
// the stage is complete. All patterns in a group must match at least one
// file.
func markerPatterns(stage model.StageKind, variant string) []string {
	switch stage {
	case model.StageSeparation:
		return []string{"vocals.*", "no_vocals.*"}
	case model.StageTranscription:
		return []string{fmt.Sprintf("transcription_%s.txt", variant)}
	case model.StagePitch:
		return []string{fmt.Sprintf("pitch_analysis_%s.json", variant)}
	case model.StageGeneration:
		return []string{fmt.Sprintf("generated_%s.wav", variant)}
	default:
		return nil
	}
}

// analysisMarker builds the marker pattern for the analysis stage, which is
// additionally keyed by task.
func analysisMarker(variant, task string) string {
	return fmt.Sprintf("analysis_%s_%s.json", variant, task)
}

// Store owns the Artifact Store's on-disk tree.
type Store struct {
	uploadDir     string
	outputDir     string
	karaokeSubdir string

	mu     sync.Mutex // serializes metadata.json creation + duplicate scans
	mirror Mirror     // optional async secondary copy; nil when unconfigured
	log    *logrus.Entry
}

// New creates a Store rooted at uploadDir/outputDir, creating both if absent.
func New(uploadDir, outputDir, karaokeSubdir string, mirror Mirror) (*Store, error) {
	if err := os.MkdirAll(uploadDir, 0o755); err != nil {
		return nil, &StorageError{Op: "mkdir upload dir", Cause: err}
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, &StorageError{Op: "mkdir output dir", Cause: err}
	}
	return &Store{
		uploadDir:     uploadDir,
		outputDir:     outputDir,
		karaokeSubdir: karaokeSubdir,
		mirror:        mirror,
		log:           logrus.WithField("component", "store"),
	}, nil
}

// Lock acquires the store-wide exclusive section covering the duplicate
// scan + metadata write, so two concurrent uploads of the same fingerprint
// cannot both persist a record. Callers must defer Unlock.
func (s *Store) Lock()   { s.mu.Lock() }
func (s *Store) Unlock() { s.mu.Unlock() }

func (s *Store) fileDir(fileID string) string {
	return filepath.Join(s.outputDir, fileID)
}

func (s *Store) karaokeDir(fileID string) string {
	return filepath.Join(s.outputDir, s.karaokeSubdir, fileID)
}

// UploadPath returns the path of the original upload for fileID/ext. It does
// not check existence.
func (s *Store) UploadPath(fileID, ext string) string {
	return filepath.Join(s.uploadDir, fileID+"."+ext)
}

// WriteUpload atomically writes the original upload bytes to disk (temp file
// + rename) and returns the final path.
func (s *Store) WriteUpload(fileID string, data io.Reader, ext string) (string, error) {
	finalPath := s.UploadPath(fileID, ext)
	if err := atomicWrite(s.uploadDir, finalPath, data); err != nil {
		return "", &StorageError{Op: "write upload", Cause: err}
	}
	s.mirrorAsync(finalPath, filepath.Join("uploads", fileID+"."+ext))
	return finalPath, nil
}

// WriteMetadata serializes rec as metadata.json under the file's output dir.
func (s *Store) WriteMetadata(rec *model.UploadRecord) error {
	dir := s.fileDir(rec.FileID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &StorageError{Op: "mkdir file dir", Cause: err}
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return &StorageError{Op: "marshal metadata", Cause: err}
	}
	path := filepath.Join(dir, "metadata.json")
	if err := atomicWrite(dir, path, strings.NewReader(string(data))); err != nil {
		return &StorageError{Op: "write metadata", Cause: err}
	}
	s.mirrorAsync(path, filepath.Join(rec.FileID, "metadata.json"))
	return nil
}

// ReadMetadata returns the UploadRecord for fileID, or ErrNotFound if absent.
func (s *Store) ReadMetadata(fileID string) (*model.UploadRecord, error) {
	path := filepath.Join(s.fileDir(fileID), "metadata.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, &StorageError{Op: "read metadata", Cause: err}
	}
	var rec model.UploadRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, &StorageError{Op: "parse metadata", Cause: err}
	}
	return &rec, nil
}

// RemoveUpload deletes the original upload file. Used to unwind a partial
// upload when writing metadata.json subsequently fails, so every surviving
// upload has a metadata record.
func (s *Store) RemoveUpload(fileID, ext string) error {
	err := os.Remove(s.UploadPath(fileID, ext))
	if err != nil && !os.IsNotExist(err) {
		return &StorageError{Op: "remove upload", Cause: err}
	}
	return nil
}

// StageDir returns the directory a stage writes its outputs into. Karaoke
// uses a separate subtree; every other stage writes into the file's own
// output directory.
func (s *Store) StageDir(fileID string, stage model.StageKind) string {
	if stage == model.StageKaraoke {
		return s.karaokeDir(fileID)
	}
	return s.fileDir(fileID)
}

// StageComplete reports whether all marker files for (fileID, stage, variant)
// are present. For analysis, task must be supplied; task is ignored otherwise.
func (s *Store) StageComplete(fileID string, stage model.StageKind, variant, task string) (bool, error) {
	dir := s.StageDir(fileID, stage)

	var patterns []string
	if stage == model.StageAnalysis {
		patterns = []string{analysisMarker(variant, task)}
	} else if stage == model.StageKaraoke {
		patterns = []string{fileID + "_karaoke.lrc"}
	} else {
		patterns = markerPatterns(stage, variant)
	}
	if len(patterns) == 0 {
		return false, fmt.Errorf("store: unknown stage %q", stage)
	}

	for _, pat := range patterns {
		matches, err := filepath.Glob(filepath.Join(dir, pat))
		if err != nil {
			return false, &StorageError{Op: "glob marker", Cause: err}
		}
		if len(matches) == 0 {
			return false, nil
		}
	}
	return true, nil
}

// AnyStageComplete reports whether stage has completed for fileID under any
// variant/task. Used by the Stage Runner for dependency checks, where the
// exact variant a prior stage ran with does not matter.
func (s *Store) AnyStageComplete(fileID string, stage model.StageKind) (bool, error) {
	return s.StageComplete(fileID, stage, "*", "*")
}

// ReadStageOutput reconstructs a StageOutput for an already-complete stage
// from its persisted artifacts, for cache-hit responses and for populating a
// downstream processor's Dependencies. An empty variant or task matches any:
// a dependent stage does not care which flavor the prior stage ran with.
func (s *Store) ReadStageOutput(fileID string, stage model.StageKind, variant, task string) (*model.StageOutput, error) {
	out := &model.StageOutput{
		FileID:  fileID,
		Stage:   stage,
		Variant: variant,
		Status:  "completed",
	}

	if variant == "" {
		variant = "*"
	}
	if task == "" {
		task = "*"
	}

	dir := s.StageDir(fileID, stage)

	// Files lists the stage's own marker files, in marker-pattern order.
	var patterns []string
	switch stage {
	case model.StageAnalysis:
		patterns = []string{analysisMarker(variant, task)}
	case model.StageKaraoke:
		patterns = []string{fileID + "_karaoke.lrc"}
	default:
		patterns = markerPatterns(stage, variant)
	}
	for _, pat := range patterns {
		matches, err := filepath.Glob(filepath.Join(dir, pat))
		if err != nil {
			return nil, &StorageError{Op: "glob marker", Cause: err}
		}
		sort.Strings(matches)
		for _, m := range matches {
			out.Files = append(out.Files, filepath.Base(m))
		}
	}

	switch stage {
	case model.StageTranscription:
		if data, ok := readFirstMatch(dir, fmt.Sprintf("transcription_%s.txt", variant)); ok {
			out.Result = map[string]interface{}{"text": string(data)}
		}
	case model.StageAnalysis:
		if data, ok := readFirstMatch(dir, analysisMarker(variant, task)); ok {
			var parsed map[string]interface{}
			if json.Unmarshal(data, &parsed) == nil {
				out.Result = parsed
			}
		}
	case model.StagePitch:
		if data, ok := readFirstMatch(dir, fmt.Sprintf("pitch_analysis_%s.json", variant)); ok {
			var parsed map[string]interface{}
			if json.Unmarshal(data, &parsed) == nil {
				out.Result = parsed
			}
		}
	case model.StageKaraoke:
		if data, err := os.ReadFile(filepath.Join(dir, fileID+"_karaoke.lrc")); err == nil {
			out.Result = map[string]interface{}{"lrc": string(data)}
		}
	}

	return out, nil
}

// readFirstMatch reads the lexically first file matching pattern inside dir.
func readFirstMatch(dir, pattern string) ([]byte, bool) {
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil || len(matches) == 0 {
		return nil, false
	}
	sort.Strings(matches)
	data, err := os.ReadFile(matches[0])
	if err != nil {
		return nil, false
	}
	return data, true
}

// ListStageFiles returns every file currently present in (fileID, stage)'s
// directory, relative to it. Only karaoke has a directory of its own; for
// every other stage this is the file's shared output directory, so the list
// also holds metadata.json and other stages' outputs.
func (s *Store) ListStageFiles(fileID string, stage model.StageKind) ([]string, error) {
	dir := s.StageDir(fileID, stage)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &StorageError{Op: "list stage files", Cause: err}
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

// WriteStageFile atomically writes one artifact file for (fileID, stage).
func (s *Store) WriteStageFile(fileID string, stage model.StageKind, name string, data io.Reader) (string, error) {
	dir := s.StageDir(fileID, stage)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", &StorageError{Op: "mkdir stage dir", Cause: err}
	}
	path := filepath.Join(dir, name)
	if err := atomicWrite(dir, path, data); err != nil {
		return "", &StorageError{Op: "write stage file", Cause: err}
	}
	s.mirrorAsync(path, filepath.Join(fileID, string(stage), name))
	return path, nil
}

// RemoveStageFiles deletes the named files from a stage's directory. Used by
// the Stage Runner to clean up partial output after a processor failure, so
// a stage either leaves all its expected output files present, or leaves
// none.
func (s *Store) RemoveStageFiles(fileID string, stage model.StageKind, names []string) []string {
	dir := s.StageDir(fileID, stage)
	var failed []string
	for _, name := range names {
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
			failed = append(failed, name)
			s.log.WithError(err).WithFields(logrus.Fields{
				"file_id": fileID, "stage": stage, "file": name,
			}).Warn("failed to clean up partial stage output")
		}
	}
	return failed
}

// DeleteReport records the outcome of a best-effort DeleteFile call.
type DeleteReport struct {
	Deleted  []string
	Warnings []string
}

// DeleteFile removes every known artifact subtree for fileID: the original
// upload (any extension), the per-file output dir, and the karaoke subtree.
// Deletion never raises; failures are collected into Warnings.
func (s *Store) DeleteFile(fileID string) DeleteReport {
	report := DeleteReport{}

	matches, _ := filepath.Glob(filepath.Join(s.uploadDir, fileID+".*"))
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
			report.Warnings = append(report.Warnings, fmt.Sprintf("%s: %v", m, err))
		} else {
			report.Deleted = append(report.Deleted, m)
		}
	}

	for _, dir := range []string{s.fileDir(fileID), s.karaokeDir(fileID)} {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			continue
		}
		walkErr := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
			if err != nil || info.IsDir() {
				return nil
			}
			report.Deleted = append(report.Deleted, path)
			return nil
		})
		if walkErr != nil {
			report.Warnings = append(report.Warnings, fmt.Sprintf("%s: %v", dir, walkErr))
		}
		if err := os.RemoveAll(dir); err != nil {
			report.Warnings = append(report.Warnings, fmt.Sprintf("%s: %v", dir, err))
		}
	}

	return report
}

// ResolveUpload returns the path to fileID's original upload, using its
// persisted extension. Returns ErrNotFound if no metadata (and therefore no
// extension) is on record.
func (s *Store) ResolveUpload(fileID string) (string, error) {
	rec, err := s.ReadMetadata(fileID)
	if err != nil {
		return "", err
	}
	path := s.UploadPath(fileID, rec.Extension)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound
		}
		return "", &StorageError{Op: "stat upload", Cause: err}
	}
	return path, nil
}

// ResolveFileArtifact resolves filename against fileID's own output
// directory (every stage but karaoke, which has its own subtree). Used by
// GET /download/<file_id>/<filename>.
func (s *Store) ResolveFileArtifact(fileID, filename string) (string, error) {
	return s.resolveIn(s.fileDir(fileID), filename)
}

// ResolveKaraokeArtifact resolves filename against fileID's karaoke subtree.
// Used by GET /karaoke/<file_id>/<filename>.
func (s *Store) ResolveKaraokeArtifact(fileID, filename string) (string, error) {
	return s.resolveIn(s.karaokeDir(fileID), filename)
}

func (s *Store) resolveIn(dir, filename string) (string, error) {
	if filename == "" || strings.ContainsAny(filename, "/\\") || filename == "." || filename == ".." {
		return "", ErrNotFound
	}
	path := filepath.Join(dir, filename)
	if filepath.Dir(path) != filepath.Clean(dir) {
		return "", ErrNotFound
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return "", ErrNotFound
	}
	return path, nil
}

// ResolveArtifact composes and validates the path to a single named artifact
// under (fileID, stage)'s directory. No caller may join these paths itself;
// this is the one place that does. filename must name a plain file directly
// inside the stage directory — any path separator or ".." component is
// rejected to keep the resolved path confined to that directory.
func (s *Store) ResolveArtifact(fileID string, stage model.StageKind, filename string) (string, error) {
	return s.resolveIn(s.StageDir(fileID, stage), filename)
}

// IterAllUploads scans outputDir/*/metadata.json and returns every UploadRecord.
func (s *Store) IterAllUploads() ([]*model.UploadRecord, error) {
	entries, err := os.ReadDir(s.outputDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &StorageError{Op: "list output dir", Cause: err}
	}

	var records []*model.UploadRecord
	for _, e := range entries {
		if !e.IsDir() || e.Name() == s.karaokeSubdir {
			continue
		}
		rec, err := s.ReadMetadata(e.Name())
		if err != nil {
			if err == ErrNotFound {
				continue
			}
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// atomicWrite writes data to a temp file inside dir and renames it onto path.
func atomicWrite(dir, path string, data io.Reader) error {
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

func (s *Store) mirrorAsync(localPath, key string) {
	if s.mirror == nil {
		return
	}
	go func() {
		if err := s.mirror.Copy(localPath, key); err != nil {
			s.log.WithError(err).WithField("key", key).Warn("artifact mirror copy failed")
		}
	}()
}
