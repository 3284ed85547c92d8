package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"golang.org/x/time/rate"
)

// DefaultAnswerEndpoint is where the answer service listens when nothing else is configured.
const DefaultAnswerEndpoint = "http://localhost:8000/get_answer"

// ErrEmptyAnswer is returned when the answer service responds without a generated field.
var ErrEmptyAnswer = errors.New("answer service returned no generated text")

// Answer is the answer service's response to a prompt.
type Answer struct {
	Generated string `json:"generated"`
	Past      string `json:"past,omitempty"`
}

type answerRequest struct {
	Prompt string `json:"prompt"`
}

// HTTPStatusError captures non-2xx responses from the answer service.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("answer service: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

// AnswerService posts prompts to the remote answer-generation service. Requests are throttled by a
// token bucket shared by every chat session.
type AnswerService struct {
	endpoint string
	client   *http.Client
	limiter  *rate.Limiter

	logger *slog.Logger
}

// AnswerOption customizes an AnswerService.
type AnswerOption func(*AnswerService)

// WithHTTPClient replaces the HTTP client used for requests.
func WithHTTPClient(client *http.Client) AnswerOption {
	return func(a *AnswerService) {
		a.client = client
	}
}

// WithRateLimit throttles requests to r per second with the given burst. A non-positive r disables
// throttling.
func WithRateLimit(r float64, burst int) AnswerOption {
	return func(a *AnswerService) {
		if r <= 0 {
			a.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		if burst < 1 {
			burst = 1
		}
		a.limiter = rate.NewLimiter(rate.Limit(r), burst)
	}
}

// NewAnswerService creates an AnswerService for the given endpoint. An empty endpoint falls back
// to DefaultAnswerEndpoint.
func NewAnswerService(endpoint string, logger *slog.Logger, opts ...AnswerOption) AnswerService {
	if endpoint == "" {
		endpoint = DefaultAnswerEndpoint
	}
	a := AnswerService{
		endpoint: endpoint,
		client:   &http.Client{},
		limiter:  rate.NewLimiter(rate.Inf, 0),
		logger:   logger.With(slog.String("module", "answer")),
	}
	for _, opt := range opts {
		opt(&a)
	}
	return a
}

// Answer sends prompt to the answer service and returns its response. The context bounds both the
// wait for the rate limiter and the request itself.
func (a AnswerService) Answer(ctx context.Context, prompt string) (Answer, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return Answer{}, fmt.Errorf("error waiting for rate limiter: %w", err)
	}

	body, err := json.Marshal(answerRequest{Prompt: prompt})
	if err != nil {
		return Answer{}, fmt.Errorf("error marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		return Answer{}, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	a.logger.Debug("Request", slog.String("endpoint", a.endpoint), slog.Int("promptLength", len(prompt)))

	resp, err := a.client.Do(req)
	if err != nil {
		return Answer{}, fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Answer{}, &HTTPStatusError{
			StatusCode: resp.StatusCode,
			URL:        a.endpoint,
			Body:       string(buf),
		}
	}

	var payload struct {
		Generated *string `json:"generated"`
		Past      string  `json:"past"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&payload); err != nil {
		return Answer{}, fmt.Errorf("error decoding response: %w", err)
	}
	if payload.Generated == nil {
		return Answer{}, ErrEmptyAnswer
	}

	return Answer{
		Generated: *payload.Generated,
		Past:      payload.Past,
	}, nil
}
