package models

import (
	"strings"
	"testing"
)

func sampleTranscript() *Transcript {
	return &Transcript{
		Language: "en",
		Segments: []Segment{
			{Number: 1, Start: 0, End: 2.5, Text: " Hello there. "},
			{Number: 2, Start: 2.5, End: 61.04, Text: "General Kenobi."},
		},
	}
}

// TestToText joins trimmed segments with single spaces.
func TestToText(t *testing.T) {
	got := sampleTranscript().ToText()
	want := "Hello there. General Kenobi."
	if got != want {
		t.Fatalf("ToText = %q, want %q", got, want)
	}
}

// TestToSRT checks SubRip numbering and HH:MM:SS,mmm timestamps.
func TestToSRT(t *testing.T) {
	srt := sampleTranscript().ToSRT()

	wantLines := []string{
		"1",
		"00:00:00,000 --> 00:00:02,500",
		"Hello there.",
		"",
		"2",
		"00:00:02,500 --> 00:01:01,040",
		"General Kenobi.",
	}
	gotLines := strings.Split(strings.TrimRight(srt, "\n"), "\n")
	if len(gotLines) != len(wantLines) {
		t.Fatalf("line count = %d, want %d\n%s", len(gotLines), len(wantLines), srt)
	}
	for i := range wantLines {
		if gotLines[i] != wantLines[i] {
			t.Fatalf("line %d = %q, want %q", i, gotLines[i], wantLines[i])
		}
	}
}

// TestParseResultFormat covers the accepted values and the empty default.
func TestParseResultFormat(t *testing.T) {
	cases := []struct {
		in   string
		want ResultFormat
		ok   bool
	}{
		{"", FormatText, true},
		{"text", FormatText, true},
		{"srt", FormatSRT, true},
		{"full", FormatFull, true},
		{"vtt", "", false},
	}
	for _, c := range cases {
		got, ok := ParseResultFormat(c.in)
		if got != c.want || ok != c.ok {
			t.Fatalf("ParseResultFormat(%q) = (%q, %v), want (%q, %v)", c.in, got, ok, c.want, c.ok)
		}
	}
}

// TestCatalogLookup checks known ids resolve and unknown ids do not.
func TestCatalogLookup(t *testing.T) {
	if _, ok := LookupModel("small"); !ok {
		t.Fatal("small should be in the catalog")
	}
	if _, ok := LookupModel("gigantic"); ok {
		t.Fatal("unknown model should not resolve")
	}
	if !SupportedLanguage("en") || !SupportedLanguage("") {
		t.Fatal("en and autodetect should be supported")
	}
	if SupportedLanguage("tlh") {
		t.Fatal("unsupported language accepted")
	}
}
