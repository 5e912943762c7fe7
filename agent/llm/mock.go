package llm

import (
	"context"
	"fmt"
	"sync"
)

// Mock implements Client with scripted responses for tests.
//
// Responses are returned in registration order per method; the last one
// repeats when the script runs out. A nil script yields a benign default.
type Mock struct {
	mu sync.Mutex

	classifications []*Classification
	classifyErrs    []error
	classifyCalls   []ClassifyRequest

	drafts     []*Draft
	draftErrs  []error
	draftCalls []DraftRequest
}

// NewMock creates an empty mock.
func NewMock() *Mock {
	return &Mock{}
}

// QueueClassification scripts the next Classify result.
func (m *Mock) QueueClassification(c *Classification, err error) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.classifications = append(m.classifications, c)
	m.classifyErrs = append(m.classifyErrs, err)
	return m
}

// QueueDraft scripts the next Draft result.
func (m *Mock) QueueDraft(d *Draft, err error) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drafts = append(m.drafts, d)
	m.draftErrs = append(m.draftErrs, err)
	return m
}

// Classify implements Classifier.
func (m *Mock) Classify(_ context.Context, req ClassifyRequest) (*Classification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.classifyCalls = append(m.classifyCalls, req)

	if len(m.classifications) == 0 {
		return &Classification{
			Category:   CategoryOther,
			Summary:    "no script registered",
			Confidence: 0.5,
		}, nil
	}
	i := len(m.classifyCalls) - 1
	if i >= len(m.classifications) {
		i = len(m.classifications) - 1
	}
	if err := m.classifyErrs[i]; err != nil {
		return nil, err
	}
	return m.classifications[i], nil
}

// Draft implements Drafter.
func (m *Mock) Draft(_ context.Context, req DraftRequest) (*Draft, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.draftCalls = append(m.draftCalls, req)

	if len(m.drafts) == 0 {
		return &Draft{
			Subject:    fmt.Sprintf("Re: records request (%s)", req.Kind),
			Body:       "Placeholder draft.",
			Reasoning:  []string{"no script registered"},
			Confidence: 0.8,
		}, nil
	}
	i := len(m.draftCalls) - 1
	if i >= len(m.drafts) {
		i = len(m.drafts) - 1
	}
	if err := m.draftErrs[i]; err != nil {
		return nil, err
	}
	return m.drafts[i], nil
}

// ClassifyCalls returns the recorded Classify requests.
func (m *Mock) ClassifyCalls() []ClassifyRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ClassifyRequest, len(m.classifyCalls))
	copy(out, m.classifyCalls)
	return out
}

// DraftCalls returns the recorded Draft requests.
func (m *Mock) DraftCalls() []DraftRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]DraftRequest, len(m.draftCalls))
	copy(out, m.draftCalls)
	return out
}
