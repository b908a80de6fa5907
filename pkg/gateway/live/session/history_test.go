package session

import (
	"testing"

	"github.com/vango-go/vai-interview/pkg/core"
)

func TestHistoryManager_KeepsLastExchanges(t *testing.T) {
	h := newHistoryManager(2)
	for _, line := range []string{"q1", "a1", "q2", "a2", "q3", "a3"} {
		if line[0] == 'q' {
			h.appendInterviewer(line)
		} else {
			h.appendCandidate(line)
		}
	}
	got := h.snapshot()
	if len(got) != 4 {
		t.Fatalf("len=%d, want 4: %+v", len(got), got)
	}
	if got[0].Text != "q2" || got[0].Role != core.RoleInterviewer || got[3].Text != "a3" || got[3].Role != core.RoleCandidate {
		t.Fatalf("history=%+v", got)
	}

	got[0].Text = "mutated"
	if h.snapshot()[0].Text != "q2" {
		t.Fatalf("snapshot aliases internal storage")
	}
}

func TestHistoryManager_ZeroLimitIsStateless(t *testing.T) {
	h := newHistoryManager(0)
	h.appendCandidate("hello")
	if got := h.snapshot(); got != nil {
		t.Fatalf("snapshot=%+v, want nil", got)
	}
}

func TestHistoryManager_SkipsBlankLines(t *testing.T) {
	h := newHistoryManager(5)
	h.appendCandidate("  ")
	h.appendInterviewer(" ok ")
	got := h.snapshot()
	if len(got) != 1 || got[0].Text != "ok" {
		t.Fatalf("history=%+v", got)
	}
}
