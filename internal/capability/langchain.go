package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"
	"github.com/rs/zerolog"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/openai"
	"golang.org/x/time/rate"

	"github.com/foiaflow/internal/retry"
)

// Options configures the langchain-backed capability client.
type Options struct {
	Provider      string // "googleai" or "openai"
	Model         string
	APIKey        string
	Timeout       time.Duration
	RetryConfig   retry.RetryConfig
	RatePerMinute float64
}

// LangchainClient implements Client over a langchaingo llms.Model with retry,
// rate limiting, and JSON repair before validation.
type LangchainClient struct {
	llm      llms.Model
	limiter  *rate.Limiter
	timeout  time.Duration
	retryCfg retry.RetryConfig
	logger   zerolog.Logger
}

// NewLangchainClient builds the model once at process start; it is passed by
// reference into each component, never resolved lazily.
func NewLangchainClient(ctx context.Context, opts Options, logger zerolog.Logger) (*LangchainClient, error) {
	var llm llms.Model
	var err error

	switch opts.Provider {
	case "openai":
		llm, err = openai.New(openai.WithToken(opts.APIKey), openai.WithModel(opts.Model))
	default:
		llm, err = googleai.New(ctx,
			googleai.WithAPIKey(opts.APIKey),
			googleai.WithDefaultModel(opts.Model),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create capability model: %w", err)
	}

	perMinute := opts.RatePerMinute
	if perMinute <= 0 {
		perMinute = 30
	}

	cfg := opts.RetryConfig
	if cfg.MaxRetries == 0 && cfg.BaseDelay == 0 {
		cfg = retry.CapabilityRetryConfig()
	}

	return &LangchainClient{
		llm:      llm,
		limiter:  rate.NewLimiter(rate.Limit(perMinute/60.0), 1),
		timeout:  opts.Timeout,
		retryCfg: cfg,
		logger:   logger,
	}, nil
}

// Generate prompts the model and unmarshals its JSON into target. Malformed
// JSON goes through repair first; output that still fails target.Validate()
// after retries surfaces as ErrSchemaInvalid.
func (c *LangchainClient) Generate(ctx context.Context, prompt string, target Validator) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter wait: %w", err)
	}

	var lastValidationErr error
	result := retry.RetryWithBackoff(ctx, c.retryCfg, c.logger, func() error {
		raw, err := llms.GenerateFromSinglePrompt(ctx, c.llm, prompt)
		if err != nil {
			return fmt.Errorf("capability request failed: %w", err)
		}

		if err := decodeInto(raw, target); err != nil {
			// Malformed or out-of-enumeration output: worth one more attempt,
			// the model may produce valid output next time.
			lastValidationErr = err
			return fmt.Errorf("temporary failure decoding capability output: %w", err)
		}

		lastValidationErr = nil
		return nil
	})

	if !result.Success {
		if lastValidationErr != nil {
			c.logger.Error().Err(lastValidationErr).Int("attempts", result.Attempts).
				Msg("Capability output invalid after retries, failing closed")
			return invalid(lastValidationErr)
		}
		return result.LastError
	}
	return nil
}

// decodeInto extracts JSON from a raw model response, repairs it if needed,
// unmarshals and validates.
func decodeInto(raw string, target Validator) error {
	jsonStr := extractJSON(raw)
	if jsonStr == "" {
		return fmt.Errorf("no JSON found in response")
	}

	if !json.Valid([]byte(jsonStr)) {
		repaired, err := jsonrepair.JSONRepair(jsonStr)
		if err != nil {
			return fmt.Errorf("JSON repair failed: %w", err)
		}
		jsonStr = repaired
	}

	dec := json.NewDecoder(strings.NewReader(jsonStr))
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		return fmt.Errorf("unmarshal capability output: %w", err)
	}

	if err := target.Validate(); err != nil {
		return err
	}
	return nil
}

// extractJSON pulls the JSON object out of a response that may carry markdown
// fences or explanatory text around it.
func extractJSON(raw string) string {
	s := strings.TrimSpace(raw)

	if start := strings.Index(s, "```json"); start >= 0 {
		s = s[start+len("```json"):]
		if end := strings.Index(s, "```"); end >= 0 {
			s = s[:end]
		}
	} else if start := strings.Index(s, "```"); start >= 0 {
		s = s[start+3:]
		if end := strings.Index(s, "```"); end >= 0 {
			s = s[:end]
		}
	}

	first := strings.Index(s, "{")
	last := strings.LastIndex(s, "}")
	if first < 0 || last < first {
		return ""
	}
	return strings.TrimSpace(s[first : last+1])
}
