package sentinel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"guardrail/pkg/httpx"
)

// StaticSource reports a fixed round; tests and fixtures mutate it.
type StaticSource struct {
	mu        sync.Mutex
	answer    int64
	startedAt time.Time
	err       error
}

func NewStaticSource(answer int64, startedAt time.Time) *StaticSource {
	return &StaticSource{answer: answer, startedAt: startedAt}
}

func (s *StaticSource) Update(answer int64, startedAt time.Time) {
	s.mu.Lock()
	s.answer = answer
	s.startedAt = startedAt
	s.err = nil
	s.mu.Unlock()
}

func (s *StaticSource) Fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *StaticSource) LatestRound(ctx context.Context) (int64, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, time.Time{}, s.err
	}
	return s.answer, s.startedAt, nil
}

// HTTPSource reads a JSON uptime endpoint of the shape
// {"answer":0,"started_at":1712345678}.
type HTTPSource struct {
	Client *http.Client
	URL    string
}

type uptimeRound struct {
	Answer    int64 `json:"answer"`
	StartedAt int64 `json:"started_at"`
}

func (s *HTTPSource) LatestRound(ctx context.Context) (int64, time.Time, error) {
	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	status, body, err := httpx.RequestJSON(ctx, client, http.MethodGet, s.URL, nil, nil, 0, 0)
	if err != nil {
		return 0, time.Time{}, err
	}
	if status != http.StatusOK {
		return 0, time.Time{}, fmt.Errorf("uptime endpoint status %d", status)
	}
	var round uptimeRound
	if err := json.Unmarshal(body, &round); err != nil {
		return 0, time.Time{}, err
	}
	return round.Answer, time.Unix(round.StartedAt, 0).UTC(), nil
}
