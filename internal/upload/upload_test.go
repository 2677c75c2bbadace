package upload

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"soundforge/internal/gpu"
	"soundforge/internal/model"
	"soundforge/internal/processors"
	"soundforge/internal/progressbus"
	"soundforge/internal/registry"
	"soundforge/internal/stage"
	"soundforge/internal/store"
)

func newTestPipeline(t *testing.T, chain []string) (*Pipeline, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.New(dir+"/uploads", dir+"/outputs", "Karaoke-pjesme", nil)
	require.NoError(t, err)
	reg := registry.New(gpu.NewProber(time.Minute, "", true))
	reg.Register(processors.Karaoke{})
	reg.Register(processors.Pitch{})
	bus := progressbus.New(8)
	t.Cleanup(bus.Close)
	runner := stage.NewRunner(reg, st, bus, 2, 2)
	return New(st, runner, []string{"mp3", "wav", "flac", "m4a", "ogg"}, 100*1024*1024, chain), st
}

func TestParseArtistTitleHeuristic(t *testing.T) {
	artist, title := ParseArtistTitle("Adele - Hello.mp3")
	assert.Equal(t, "Adele", artist)
	assert.Equal(t, "Hello", title)
}

func TestParseArtistTitleStripsBracketsAndDefaults(t *testing.T) {
	artist, title := ParseArtistTitle("Unknown Track (Live) [Remaster].mp3")
	assert.Equal(t, defaultArtist, artist)
	assert.Equal(t, "Unknown Track", title)
}

func TestFingerprintNormalizesCaseAndWhitespace(t *testing.T) {
	assert.Equal(t, Fingerprint("Song.mp3"), Fingerprint("  song.mp3  "))
	assert.Equal(t, Fingerprint("My  Song.mp3"), Fingerprint("my song.mp3"))
}

func TestIngestRejectsDisallowedExtension(t *testing.T) {
	p, _ := newTestPipeline(t, nil)
	_, err := p.Ingest(Request{Filename: "track.aiff", Size: 10, Data: strings.NewReader("x")})
	require.Error(t, err)
}

func TestIngestRejectsOversizeUpload(t *testing.T) {
	p, _ := newTestPipeline(t, nil)
	_, err := p.Ingest(Request{Filename: "track.mp3", Size: 1 << 40, Data: strings.NewReader("x")})
	require.Error(t, err)
}

func TestIngestDuplicateDetection(t *testing.T) {
	p, _ := newTestPipeline(t, nil)
	rec, err := p.Ingest(Request{Filename: "Song.mp3", Size: 1, Data: strings.NewReader("x")})
	require.NoError(t, err)

	_, err = p.Ingest(Request{Filename: "Song.mp3", Size: 1, Data: strings.NewReader("y")})
	var dup *DuplicateError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, rec.FileID, dup.Existing)
}

func TestRunAutoChainContinuesPastFailedDependency(t *testing.T) {
	p, st := newTestPipeline(t, []string{"karaoke", "pitch"})
	rec, err := p.Ingest(Request{Filename: "Song.mp3", Size: 1, Data: strings.NewReader("x")})
	require.NoError(t, err)

	// karaoke has no separation/transcription outputs yet; RunAutoChain must
	// not panic, must simply log the failed precondition, and must still run
	// the independent pitch stage after it.
	p.RunAutoChain(context.Background(), rec.FileID, "req1", p.Chain())

	karaokeDone, err := st.AnyStageComplete(rec.FileID, model.StageKaraoke)
	require.NoError(t, err)
	assert.False(t, karaokeDone)
	pitchDone, err := st.AnyStageComplete(rec.FileID, model.StagePitch)
	require.NoError(t, err)
	assert.True(t, pitchDone)
}
