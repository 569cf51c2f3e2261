package service

import (
	"fmt"
	"strings"
	"time"

	"github.com/storyreel/api/internal/model"
)

// BuildSRT renders per-sentence timestamps as an SRT document. Entries are
// numbered from 1 in input order; empty input yields an empty string.
func BuildSRT(stamps []model.SentenceTimestamp) string {
	if len(stamps) == 0 {
		return ""
	}
	var b strings.Builder
	for i, st := range stamps {
		fmt.Fprintf(&b, "%d\n%s --> %s\n%s\n\n",
			i+1, srtTime(st.Start), srtTime(st.End), strings.TrimSpace(st.Text))
	}
	return b.String()
}

// EstimateTimestamps spreads sentences across a known total duration in
// proportion to their character length. Used when the speech workflow
// reports no timestamps of its own.
func EstimateTimestamps(text string, totalSeconds float64) []model.SentenceTimestamp {
	sentences := splitSentences(text)
	if len(sentences) == 0 || totalSeconds <= 0 {
		return nil
	}

	total := 0
	for _, s := range sentences {
		total += len([]rune(s))
	}
	if total == 0 {
		return nil
	}

	stamps := make([]model.SentenceTimestamp, 0, len(sentences))
	cursor := 0.0
	for _, s := range sentences {
		share := float64(len([]rune(s))) / float64(total) * totalSeconds
		stamps = append(stamps, model.SentenceTimestamp{
			Text:  s,
			Start: cursor,
			End:   cursor + share,
		})
		cursor += share
	}
	return stamps
}

func splitSentences(text string) []string {
	var out []string
	var cur strings.Builder
	for _, r := range text {
		cur.WriteRune(r)
		switch r {
		case '.', '!', '?', '。', '！', '？', ';', '；':
			if s := strings.TrimSpace(cur.String()); s != "" {
				out = append(out, s)
			}
			cur.Reset()
		}
	}
	if s := strings.TrimSpace(cur.String()); s != "" {
		out = append(out, s)
	}
	return out
}

func srtTime(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	d := time.Duration(seconds * float64(time.Second))
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	ms := int(d.Milliseconds()) % 1000
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms)
}
