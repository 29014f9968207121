// Package responses reads and writes questionnaire answers stored under a
// participant's responses map.
package responses

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/dalemusser/conspiracypass/internal/domain/models"
)

// ErrNoComponent is returned when a component id is blank.
var ErrNoComponent = errors.New("responses: component id is required")

// Progress loads and saves whole participant records.
type Progress interface {
	LoadUserProgress(ctx context.Context, code string) (models.Participant, error)
	SaveProgress(ctx context.Context, code string, p models.Participant) error
}

// Manager layers per-component answer bookkeeping over Progress.
type Manager struct {
	progress Progress

	// Device is recorded in each component's metadata when set.
	Device string
	Now    func() time.Time
}

func New(p Progress) *Manager {
	return &Manager{progress: p, Now: func() time.Time { return time.Now().UTC() }}
}

// SaveAnswer records one answer for questionID in componentID.
func (m *Manager) SaveAnswer(ctx context.Context, code, componentID, questionID string, value any) error {
	if strings.TrimSpace(questionID) == "" {
		return errors.New("responses: question id is required")
	}
	return m.SaveAnswers(ctx, code, componentID, map[string]any{questionID: value})
}

// SaveAnswers merges answers into componentID. Existing answers for other
// questions are kept.
func (m *Manager) SaveAnswers(ctx context.Context, code, componentID string, answers map[string]any) error {
	_, err := m.update(ctx, code, componentID, func(c *models.ComponentResponse, now time.Time) bool {
		for q, v := range answers {
			c.Answers[q] = v
		}
		return true
	})
	return err
}

// GetAnswers returns a copy of componentID's answers; an unknown component
// gives an empty map.
func (m *Manager) GetAnswers(ctx context.Context, code, componentID string) (map[string]any, error) {
	if strings.TrimSpace(componentID) == "" {
		return nil, ErrNoComponent
	}
	p, err := m.progress.LoadUserProgress(ctx, code)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	for k, v := range p.Responses[componentID].Answers {
		out[k] = v
	}
	return out, nil
}

// MarkComponentCompleted sets the completion flag on componentID once. It
// reports false when the component was already complete.
func (m *Manager) MarkComponentCompleted(ctx context.Context, code, componentID string, timeSpentSeconds float64) (bool, error) {
	return m.update(ctx, code, componentID, func(c *models.ComponentResponse, now time.Time) bool {
		if c.Metadata.Completed {
			return false
		}
		c.Metadata.Completed = true
		c.Metadata.CompletedAt = &now
		if timeSpentSeconds > 0 {
			c.Metadata.TimeSpentSeconds = timeSpentSeconds
		}
		return true
	})
}

// update applies fn to componentID and saves when fn reports a change.
func (m *Manager) update(ctx context.Context, code, componentID string, fn func(*models.ComponentResponse, time.Time) bool) (bool, error) {
	if strings.TrimSpace(componentID) == "" {
		return false, ErrNoComponent
	}
	p, err := m.progress.LoadUserProgress(ctx, code)
	if err != nil {
		return false, err
	}
	now := m.Now()

	if p.Responses == nil {
		p.Responses = map[string]models.ComponentResponse{}
	}
	c := p.Responses[componentID]
	if c.Answers == nil {
		c.Answers = map[string]interface{}{}
	}
	if !fn(&c, now) {
		return false, nil
	}
	if c.Metadata.StartedAt == nil {
		c.Metadata.StartedAt = &now
	}
	c.Metadata.LastUpdated = &now
	if m.Device != "" {
		c.Metadata.Device = m.Device
	}
	p.Responses[componentID] = c
	return true, m.progress.SaveProgress(ctx, code, p)
}
