// Package interviews looks up interview records for session_start. The
// records are owned by the hiring service; this package only reads them and
// marks a voice interview as started.
package interviews

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/vango-go/vai-interview/pkg/core"
)

type Status string

const (
	StatusScheduled  Status = "SCHEDULED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusCancelled  Status = "CANCELLED"
)

// Startable reports whether a voice session may begin for an interview in s.
func (s Status) Startable() bool {
	return s == StatusScheduled || s == StatusInProgress
}

var ErrNotFound = errors.New("interview not found")

type Interview struct {
	ID          string     `yaml:"id"`
	CandidateID string     `yaml:"candidate_id"`
	JobID       string     `yaml:"job_id"`
	RecruiterID string     `yaml:"recruiter_id"`
	Type        string     `yaml:"type"`
	Status      Status     `yaml:"status"`
	ScheduledAt *time.Time `yaml:"scheduled_at"`
	StartedAt   *time.Time `yaml:"started_at"`
}

// Store is the interview collaborator.
type Store interface {
	GetInterview(ctx context.Context, id string) (Interview, error)
	// MarkStarted moves a SCHEDULED interview to IN_PROGRESS. It is a no-op for
	// interviews already in progress.
	MarkStarted(ctx context.Context, id string, at time.Time) error
}

// CheckStartable resolves id and maps every failure to an invalid interview
// error, except lookup failures that are not ErrNotFound.
func CheckStartable(ctx context.Context, store Store, id string) (Interview, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Interview{}, core.NewInvalidInterviewError("interview_id is required")
	}
	iv, err := store.GetInterview(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Interview{}, core.NewInvalidInterviewError("interview not found")
		}
		return Interview{}, fmt.Errorf("lookup interview %s: %w", id, err)
	}
	if !iv.Status.Startable() {
		return Interview{}, core.NewInvalidInterviewError(fmt.Sprintf("interview is %s", iv.Status))
	}
	return iv, nil
}

// Memory is an in-process store, used for development tables and tests.
type Memory struct {
	mu   sync.RWMutex
	byID map[string]Interview
}

func NewMemory(items ...Interview) *Memory {
	m := &Memory{byID: make(map[string]Interview, len(items))}
	for _, iv := range items {
		m.Put(iv)
	}
	return m
}

func (m *Memory) Put(iv Interview) {
	if iv.Status == "" {
		iv.Status = StatusScheduled
	}
	if iv.Type == "" {
		iv.Type = "AI_VOICE"
	}
	m.mu.Lock()
	m.byID[iv.ID] = iv
	m.mu.Unlock()
}

func (m *Memory) GetInterview(_ context.Context, id string) (Interview, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	iv, ok := m.byID[id]
	if !ok {
		return Interview{}, ErrNotFound
	}
	return iv, nil
}

func (m *Memory) MarkStarted(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	iv, ok := m.byID[id]
	if !ok {
		return ErrNotFound
	}
	if iv.Status == StatusScheduled {
		iv.Status = StatusInProgress
		iv.StartedAt = &at
		m.byID[id] = iv
	}
	return nil
}
