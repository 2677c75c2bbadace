// Package karaoke assembles a .lrc lyric file from a transcription stage's
// plain-text output, distributed uniformly across the track's duration.
// Without word-level ASR alignment, lines cannot be timed to when they are
// actually sung, so they are spaced evenly instead; this is an accepted
// limitation rather than a bug.
package karaoke

import (
	"bufio"
	"fmt"
	"strings"
	"time"
)

// Line is one timed lyric line.
type Line struct {
	Timestamp time.Duration
	Text      string
}

// Assemble splits transcriptText into non-empty lines and spreads them
// evenly across duration, producing karaoke Lines in order.
func Assemble(transcriptText string, duration time.Duration) []Line {
	lines := nonEmptyLines(transcriptText)
	if len(lines) == 0 {
		return nil
	}

	step := duration / time.Duration(len(lines))
	out := make([]Line, 0, len(lines))
	for i, text := range lines {
		out = append(out, Line{
			Timestamp: step * time.Duration(i),
			Text:      text,
		})
	}
	return out
}

func nonEmptyLines(text string) []string {
	var lines []string
	scanner := bufio.NewScanner(strings.NewReader(text))
	for scanner.Scan() {
		line := stripTimestampPrefix(strings.TrimSpace(scanner.Text()))
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// stripTimestampPrefix removes a leading "[mm:ss.xx]" marker, if present,
// from transcription output — the karaoke stage supplies its own timing.
func stripTimestampPrefix(line string) string {
	if !strings.HasPrefix(line, "[") {
		return line
	}
	end := strings.Index(line, "]")
	if end < 0 {
		return line
	}
	return strings.TrimSpace(line[end+1:])
}

// Render writes Lines as standard .lrc text: "[mm:ss.xx]text" per line.
func Render(lines []Line) string {
	var b strings.Builder
	for _, l := range lines {
		minutes := int(l.Timestamp.Minutes())
		seconds := l.Timestamp.Seconds() - float64(minutes)*60
		fmt.Fprintf(&b, "[%02d:%05.2f]%s\n", minutes, seconds, l.Text)
	}
	return b.String()
}
