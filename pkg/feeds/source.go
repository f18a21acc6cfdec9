package feeds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"guardrail/pkg/httpx"
)

// Source is the external price feed surface: one round, no retry. Callers
// needing retry or backoff build it above this layer.
type Source interface {
	LatestValue(ctx context.Context) (answer *big.Int, updatedAt time.Time, err error)
}

// StaticSource returns a fixed round; tests and fixtures mutate it.
type StaticSource struct {
	mu        sync.Mutex
	answer    *big.Int
	updatedAt time.Time
	err       error
}

func NewStaticSource(answer *big.Int, updatedAt time.Time) *StaticSource {
	return &StaticSource{answer: answer, updatedAt: updatedAt}
}

func (s *StaticSource) Update(answer *big.Int, updatedAt time.Time) {
	s.mu.Lock()
	s.answer = answer
	s.updatedAt = updatedAt
	s.err = nil
	s.mu.Unlock()
}

func (s *StaticSource) Fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *StaticSource) LatestValue(ctx context.Context) (*big.Int, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, time.Time{}, s.err
	}
	return new(big.Int).Set(s.answer), s.updatedAt, nil
}

// HTTPSource reads a JSON aggregator endpoint of the shape
// {"answer":"123456","updated_at":1712345678}. Answer accepts either a
// decimal string or a JSON number.
type HTTPSource struct {
	Client  *http.Client
	URL     string
	Headers map[string]string
}

type feedRound struct {
	Answer    json.Number `json:"answer"`
	UpdatedAt int64       `json:"updated_at"`
}

func (s *HTTPSource) LatestValue(ctx context.Context) (*big.Int, time.Time, error) {
	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	status, body, err := httpx.RequestJSON(ctx, client, http.MethodGet, s.URL, nil, s.Headers, 0, 0)
	if err != nil {
		return nil, time.Time{}, err
	}
	if status != http.StatusOK {
		return nil, time.Time{}, fmt.Errorf("feed endpoint status %d", status)
	}
	var round feedRound
	if err := json.Unmarshal(body, &round); err != nil {
		return nil, time.Time{}, err
	}
	answer, ok := new(big.Int).SetString(round.Answer.String(), 10)
	if !ok {
		return nil, time.Time{}, errors.New("feed answer is not an integer")
	}
	return answer, time.Unix(round.UpdatedAt, 0).UTC(), nil
}
