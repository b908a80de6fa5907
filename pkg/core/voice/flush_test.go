package voice

import (
	"reflect"
	"testing"
)

func TestParseFlushPolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    FlushPolicy
		wantErr bool
	}{
		{in: "", want: FlushFull},
		{in: "full", want: FlushFull},
		{in: " Sentence ", want: FlushSentence},
		{in: "word", wantErr: true},
	}
	for _, tc := range tests {
		got, err := ParseFlushPolicy(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("ParseFlushPolicy(%q) error=nil, want error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseFlushPolicy(%q) error=%v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("ParseFlushPolicy(%q)=%q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSegmenter_FullWaitsForFlush(t *testing.T) {
	s := NewSegmenter(FlushFull)
	for _, d := range []string{"Hello there. ", "Tell me ", "about yourself?"} {
		if out := s.Add(d); out != nil {
			t.Fatalf("Add(%q)=%v, want nil under full policy", d, out)
		}
	}
	got := s.Flush()
	want := []string{"Hello there. Tell me about yourself?"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Flush()=%v, want %v", got, want)
	}
}

func TestSegmenter_SentenceEmitsIncrementally(t *testing.T) {
	s := NewSegmenter(FlushSentence)
	var got []string
	for _, d := range []string{"Hello ", "there. Tell", " me about", " yourself"} {
		got = append(got, s.Add(d)...)
	}
	got = append(got, s.Flush()...)

	want := []string{"Hello there.", "Tell me about yourself"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("segments=%v, want %v", got, want)
	}
	if s.Text() != "Hello there. Tell me about yourself" {
		t.Fatalf("Text()=%q", s.Text())
	}
}

func TestSegmenter_EmptyGeneration(t *testing.T) {
	s := NewSegmenter(FlushFull)
	s.Add("   ")
	if out := s.Flush(); out != nil {
		t.Fatalf("Flush()=%v, want nil", out)
	}
}

func TestSplitSentences(t *testing.T) {
	tests := []struct {
		in   string
		want []string
		rest string
	}{
		{in: "Hello world. ", want: []string{"Hello world."}, rest: " "},
		{in: "How are you? I am fine. Done", want: []string{"How are you?", "I am fine."}, rest: " Done"},
		{in: "Great! Next question.", want: []string{"Great!"}, rest: " Next question."},
		{in: "I have 3.5 years of Go. ", want: []string{"I have 3.5 years of Go."}, rest: " "},
		{in: "Dr. Smith referred me, e.g. for Go. ", want: []string{"Dr. Smith referred me, e.g. for Go."}, rest: " "},
		{in: "J. Doe led it. Then I joined. ", want: []string{"J. Doe led it.", "Then I joined."}, rest: " "},
		{in: "Really?! Wow... ok. ", want: []string{"Really?!", "Wow...", "ok."}, rest: " "},
		{in: `She said "ship it." Then we did. `, want: []string{`She said "ship it."`, "Then we did."}, rest: " "},
		{in: "", want: nil, rest: ""},
	}
	for _, tc := range tests {
		got, rest := splitSentences(tc.in)
		if !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("splitSentences(%q)=%q, want %q", tc.in, got, tc.want)
		}
		if rest != tc.rest {
			t.Fatalf("splitSentences(%q) rest=%q, want %q", tc.in, rest, tc.rest)
		}
	}
}

func TestSegmenter_SentenceWaitsAcrossDeltas(t *testing.T) {
	s := NewSegmenter(FlushSentence)
	// The period could start a decimal until the next delta arrives.
	if out := s.Add("I used Go 1"); out != nil {
		t.Fatalf("Add=%v, want nil", out)
	}
	if out := s.Add("."); out != nil {
		t.Fatalf("Add=%v, want nil before the next delta", out)
	}
	if out := s.Add("22 at work. What "); !reflect.DeepEqual(out, []string{"I used Go 1.22 at work."}) {
		t.Fatalf("Add=%v", out)
	}
	if out := s.Flush(); !reflect.DeepEqual(out, []string{"What"}) {
		t.Fatalf("Flush=%v", out)
	}
	if out := s.Flush(); out != nil {
		t.Fatalf("second Flush=%v, want nil", out)
	}
}
