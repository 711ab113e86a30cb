package models

import (
	"fmt"
	"strings"
	"time"
)

type ResultFormat string

const (
	FormatText ResultFormat = "text"
	FormatSRT  ResultFormat = "srt"
	FormatFull ResultFormat = "full"
)

func ParseResultFormat(v string) (ResultFormat, bool) {
	switch ResultFormat(v) {
	case FormatText, FormatSRT, FormatFull:
		return ResultFormat(v), true
	case "":
		return FormatText, true
	default:
		return "", false
	}
}

// Segment is one timed span of transcribed speech. Times are seconds from
// the start of the audio.
type Segment struct {
	Number int     `json:"number"`
	Start  float64 `json:"start"`
	End    float64 `json:"end"`
	Text   string  `json:"text"`
}

// Word is a single word with its aligned timestamps.
type Word struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Word  string  `json:"word"`
}

// Transcript is the raw inference output before formatting.
type Transcript struct {
	Language string    `json:"language"`
	Segments []Segment `json:"segments"`
	Words    []Word    `json:"words,omitempty"`
}

// ToText joins all segment texts into a single plain-text transcript.
func (t *Transcript) ToText() string {
	parts := make([]string, 0, len(t.Segments))
	for _, seg := range t.Segments {
		if s := strings.TrimSpace(seg.Text); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}

// ToSRT renders the segments in SubRip subtitle format.
func (t *Transcript) ToSRT() string {
	var b strings.Builder
	for i, seg := range t.Segments {
		fmt.Fprintf(&b, "%d\n%s --> %s\n%s\n\n",
			i+1, srtTimestamp(seg.Start), srtTimestamp(seg.End), strings.TrimSpace(seg.Text))
	}
	return b.String()
}

func srtTimestamp(seconds float64) string {
	d := time.Duration(seconds * float64(time.Second))
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	ms := int(d.Milliseconds()) % 1000
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms)
}
