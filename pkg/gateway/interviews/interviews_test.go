package interviews

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vango-go/vai-interview/pkg/core"
)

func TestCheckStartable(t *testing.T) {
	store := NewMemory(
		Interview{ID: "int_sched"},
		Interview{ID: "int_live", Status: StatusInProgress},
		Interview{ID: "int_done", Status: StatusCompleted},
		Interview{ID: "int_cancel", Status: StatusCancelled},
	)
	cases := []struct {
		id string
		ok bool
	}{
		{"int_sched", true},
		{"int_live", true},
		{"int_done", false},
		{"int_cancel", false},
		{"missing", false},
		{"  ", false},
	}
	for _, tc := range cases {
		_, err := CheckStartable(context.Background(), store, tc.id)
		if tc.ok && err != nil {
			t.Fatalf("%s: err=%v", tc.id, err)
		}
		if !tc.ok && !core.IsType(err, core.ErrInvalidInterview) {
			t.Fatalf("%s: err=%v, want invalid interview", tc.id, err)
		}
	}
}

type failingStore struct{ Memory }

func (*failingStore) GetInterview(context.Context, string) (Interview, error) {
	return Interview{}, errors.New("connection refused")
}

func TestCheckStartable_BackendErrorIsNotInvalidInterview(t *testing.T) {
	_, err := CheckStartable(context.Background(), &failingStore{}, "int_1")
	if err == nil || core.IsType(err, core.ErrInvalidInterview) {
		t.Fatalf("err=%v, want plain backend error", err)
	}
}

func TestMemory_MarkStarted(t *testing.T) {
	m := NewMemory(Interview{ID: "int_1"})
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	if err := m.MarkStarted(context.Background(), "int_1", at); err != nil {
		t.Fatalf("MarkStarted() error: %v", err)
	}
	iv, _ := m.GetInterview(context.Background(), "int_1")
	if iv.Status != StatusInProgress || iv.StartedAt == nil || !iv.StartedAt.Equal(at) {
		t.Fatalf("interview=%+v", iv)
	}
	if iv.Type != "AI_VOICE" {
		t.Fatalf("type=%q, want default AI_VOICE", iv.Type)
	}
	if err := m.MarkStarted(context.Background(), "nope", at); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err=%v, want ErrNotFound", err)
	}
}

type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			*p = r.values[i].(string)
		case **time.Time:
			if v, ok := r.values[i].(*time.Time); ok {
				*p = v
			}
		}
	}
	return nil
}

type fakeQuerier struct {
	row      fakeRow
	lastSQL  string
	lastArgs []any
}

func (q *fakeQuerier) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	q.lastSQL, q.lastArgs = sql, args
	return q.row
}

func (q *fakeQuerier) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	q.lastSQL, q.lastArgs = sql, args
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func TestPostgres_GetInterview(t *testing.T) {
	scheduled := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	q := &fakeQuerier{row: fakeRow{values: []any{"int_1", "cand_1", "job_1", "rec_1", "AI_VOICE", "SCHEDULED", &scheduled, nil}}}
	p := &Postgres{q: q}

	iv, err := p.GetInterview(context.Background(), "int_1")
	if err != nil {
		t.Fatalf("GetInterview() error: %v", err)
	}
	if iv.CandidateID != "cand_1" || iv.Status != StatusScheduled || iv.ScheduledAt == nil || iv.StartedAt != nil {
		t.Fatalf("interview=%+v", iv)
	}
	if len(q.lastArgs) != 1 || q.lastArgs[0] != "int_1" {
		t.Fatalf("args=%v", q.lastArgs)
	}
}

func TestPostgres_NoRowsIsNotFound(t *testing.T) {
	p := &Postgres{q: &fakeQuerier{row: fakeRow{err: pgx.ErrNoRows}}}
	if _, err := p.GetInterview(context.Background(), "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err=%v, want ErrNotFound", err)
	}
	if _, err := CheckStartable(context.Background(), p, "x"); !core.IsType(err, core.ErrInvalidInterview) {
		t.Fatalf("err=%v, want invalid interview", err)
	}
}

func TestPostgres_MarkStarted(t *testing.T) {
	q := &fakeQuerier{}
	p := &Postgres{q: q}
	at := time.Now()
	if err := p.MarkStarted(context.Background(), "int_1", at); err != nil {
		t.Fatalf("MarkStarted() error: %v", err)
	}
	if q.lastSQL != markStarted || q.lastArgs[0] != "int_1" {
		t.Fatalf("sql=%q args=%v", q.lastSQL, q.lastArgs)
	}
}

func TestMigrationsEmbedded(t *testing.T) {
	data, err := migrations.ReadFile("migrations/00001_create_interviews.sql")
	if err != nil {
		t.Fatalf("ReadFile() error: %v", err)
	}
	if !strings.Contains(string(data), "-- +goose Up") || !strings.Contains(string(data), "-- +goose Down") {
		t.Fatalf("migration is missing goose annotations")
	}
}
