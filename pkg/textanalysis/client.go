// Package textanalysis extracts attribute observations from free text through
// an OpenAI-compatible chat completion API.
package textanalysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/Ramsey-B/clover/pkg/attributes"
	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

var (
	// ErrMalformedResponse means the service answered with something that is
	// not the expected JSON document.
	ErrMalformedResponse = errors.New("malformed text-analysis response")
	// ErrServiceUnavailable wraps transport and API failures.
	ErrServiceUnavailable = errors.New("text-analysis service unavailable")
)

// SharedLimiter spaces calls across processes.
type SharedLimiter interface {
	Wait(ctx context.Context, key string, interval time.Duration) error
}

type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	MinInterval time.Duration
	Timeout     time.Duration
	// LimiterKey names the shared budget when a SharedLimiter is set.
	LimiterKey string
}

func DefaultConfig() Config {
	return Config{
		Model:       openai.GPT4oMini,
		MinInterval: 500 * time.Millisecond,
		Timeout:     30 * time.Second,
		LimiterKey:  "text_analysis",
	}
}

type Request struct {
	Kind   models.EntityKind
	Text   string
	Schema []attributes.KeySchema
}

// Response carries the recognized observations. Signal is false when the
// service found nothing worth recording.
type Response struct {
	Signal       bool
	Observations []models.AttributeInput
	Discarded    []string
}

type Client struct {
	client  *openai.Client
	cfg     Config
	limiter *rate.Limiter
	shared  SharedLimiter
	logger  ectologger.Logger
}

// NewClient builds the client. shared may be nil.
func NewClient(cfg Config, shared SharedLimiter, logger ectologger.Logger) *Client {
	def := DefaultConfig()
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = def.MinInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.LimiterKey == "" {
		cfg.LimiterKey = def.LimiterKey
	}

	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}
	return &Client{
		client:  openai.NewClientWithConfig(config),
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Every(cfg.MinInterval), 1),
		shared:  shared,
		logger:  logger,
	}
}

type extraction struct {
	Attributes []struct {
		Key        string  `json:"attribute_key"`
		Value      any     `json:"value"`
		Confidence float64 `json:"confidence"`
		Evidence   string  `json:"evidence"`
	} `json:"attributes"`
}

// Analyze asks the service for observations about req.Text. Keys missing from
// req.Schema are discarded and counted.
func (c *Client) Analyze(ctx context.Context, req Request) (*Response, error) {
	ctx, span := tracing.StartSpan(ctx, "textanalysis.Client.Analyze")
	defer span.End()

	if strings.TrimSpace(req.Text) == "" {
		return &Response{}, nil
	}
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	start := time.Now()
	content, err := c.complete(ctx, req)
	elapsed := time.Since(start).Seconds()
	if err != nil {
		metrics.RecordTextAnalysis(string(req.Kind), "error", elapsed)
		c.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"entity_kind": req.Kind,
		}).Warn("Text analysis request failed")
		return nil, err
	}

	resp, err := parse(content, req)
	if err != nil {
		metrics.RecordTextAnalysis(string(req.Kind), "malformed", elapsed)
		c.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"entity_kind": req.Kind,
		}).Warn("Text analysis returned a malformed response")
		return nil, err
	}

	outcome := "signal"
	if !resp.Signal {
		outcome = "no_signal"
	}
	metrics.RecordTextAnalysis(string(req.Kind), outcome, elapsed)
	if len(resp.Discarded) > 0 {
		metrics.TextAnalysisDiscardedKeys.WithLabelValues(string(req.Kind)).Add(float64(len(resp.Discarded)))
		c.logger.WithContext(ctx).WithFields(map[string]any{
			"entity_kind": req.Kind,
			"discarded":   resp.Discarded,
		}).Info("Discarded unrecognized attribute keys")
	}
	return resp, nil
}

func (c *Client) wait(ctx context.Context) error {
	start := time.Now()
	defer func() { metrics.RateLimitWaitTime.Observe(time.Since(start).Seconds()) }()

	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	if c.shared != nil {
		if err := c.shared.Wait(ctx, c.cfg.LimiterKey, c.cfg.MinInterval); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: shared limiter: %v", ErrServiceUnavailable, err)
		}
	}
	return nil
}

func (c *Client) complete(ctx context.Context, req Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.cfg.Model,
		Temperature: 0,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt(req)},
			{Role: openai.ChatMessageRoleUser, Content: req.Text},
		},
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: no response choices", ErrMalformedResponse)
	}
	return resp.Choices[0].Message.Content, nil
}

func systemPrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You extract facts about a %s from field notes.\n", req.Kind)
	b.WriteString("Respond with a JSON object {\"attributes\": [{\"attribute_key\", \"value\", \"confidence\", \"evidence\"}]}.\n")
	b.WriteString("Only use these keys:\n")
	for _, ks := range req.Schema {
		fmt.Fprintf(&b, "- %s (%s)", ks.Key, ks.DataType)
		if len(ks.Enum) > 0 {
			fmt.Fprintf(&b, " one of %s", strings.Join(ks.Enum, ", "))
		}
		if ks.Description != "" {
			fmt.Fprintf(&b, ": %s", ks.Description)
		}
		b.WriteString("\n")
	}
	b.WriteString("For yes/no health or status keys, only report a value the text states explicitly, and quote the words as evidence.\n")
	b.WriteString("Confidence is between 0 and 1. Return {\"attributes\": []} when the text says nothing relevant.")
	return b.String()
}

// parse decodes the model output, tolerating a fenced code block around it.
func parse(content string, req Request) (*Response, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	var out extraction
	if err := json.Unmarshal([]byte(content), &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	known := make(map[string]bool, len(req.Schema))
	for _, ks := range req.Schema {
		known[ks.Key] = true
	}

	resp := &Response{}
	for _, a := range out.Attributes {
		if !known[a.Key] {
			resp.Discarded = append(resp.Discarded, a.Key)
			continue
		}
		resp.Observations = append(resp.Observations, models.AttributeInput{
			Key:        a.Key,
			Value:      a.Value,
			Confidence: a.Confidence,
			Evidence:   a.Evidence,
		})
	}
	resp.Signal = len(resp.Observations) > 0
	return resp, nil
}
