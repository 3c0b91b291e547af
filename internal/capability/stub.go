package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// StubClient returns fixed structured output, keyed by a substring of the
// prompt. It backs golden-case regression tests: the same input always
// reproduces the same structured result.
type StubClient struct {
	mu        sync.Mutex
	responses map[string]string // prompt substring -> JSON payload
	fallback  string
	err       error
	Calls     []string
}

// NewStubClient creates a stub with no responses registered.
func NewStubClient() *StubClient {
	return &StubClient{responses: make(map[string]string)}
}

// Respond registers a JSON payload returned for any prompt containing match.
func (s *StubClient) Respond(match, payload string) *StubClient {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[match] = payload
	return s
}

// RespondAlways registers the payload returned when no substring matches.
func (s *StubClient) RespondAlways(payload string) *StubClient {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fallback = payload
	return s
}

// Fail makes every Generate call return err.
func (s *StubClient) Fail(err error) *StubClient {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
	return s
}

// Generate implements Client.
func (s *StubClient) Generate(_ context.Context, prompt string, target Validator) error {
	s.mu.Lock()
	s.Calls = append(s.Calls, prompt)
	err := s.err
	payload := s.fallback
	for match, p := range s.responses {
		if strings.Contains(prompt, match) {
			payload = p
			break
		}
	}
	s.mu.Unlock()

	if err != nil {
		return err
	}
	if payload == "" {
		return fmt.Errorf("stub has no response for prompt")
	}

	if err := json.Unmarshal([]byte(payload), target); err != nil {
		return invalid(err)
	}
	if err := target.Validate(); err != nil {
		return invalid(err)
	}
	return nil
}
