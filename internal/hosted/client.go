package hosted

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/danshapiro/caravan/internal/migrate/runtime"
)

// defaultRetryDelay is the flat pause between retryable attempts. No
// exponential growth, no jitter.
const defaultRetryDelay = 2 * time.Second

// Config configures a hosted-model client. Zero values take the documented
// defaults.
type Config struct {
	ModelID        string
	Region         string
	RateLimitRPM   int     // default 60
	TimeoutSeconds int     // default 60; bounds one network call and the permit wait
	RetryAttempts  int     // default 3; total attempts, not re-attempts
	MaxTokens      int     // default 4096
	Temperature    float64 // default 0.7
	TopP           float64 // default 0.9
	SystemPrompt   string
	LogRequests    bool
	LogResponses   bool
}

func (c Config) withDefaults() Config {
	if c.RateLimitRPM <= 0 {
		c.RateLimitRPM = 60
	}
	if c.TimeoutSeconds <= 0 {
		c.TimeoutSeconds = 60
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 3
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 4096
	}
	if c.Temperature == 0 {
		c.Temperature = 0.7
	}
	if c.TopP == 0 {
		c.TopP = 0.9
	}
	return c
}

// invoker is the one-method slice of the Bedrock runtime client the Client
// needs; tests inject fakes.
type invoker interface {
	InvokeModel(ctx context.Context, in *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// Client calls a hosted model endpoint directly instead of a local assistant
// CLI. One instance may be shared by concurrent callers; the rate limiter is
// the only synchronized state.
type Client struct {
	cfg        Config
	api        invoker
	sink       runtime.Sink
	retryDelay time.Duration

	mu        sync.Mutex
	lastStart time.Time
	sem       chan struct{}
}

// Response is one successful model reply. RawBody is always retained
// alongside the extracted text.
type Response struct {
	Text     string
	RawBody  []byte
	ModelID  string
	Attempts int
}

// New builds a Client against the real Bedrock runtime. SDK-level retries are
// disabled; the Client owns the retry policy.
func New(ctx context.Context, cfg Config, sink runtime.Sink) (*Client, error) {
	cfg = cfg.withDefaults()
	if strings.TrimSpace(cfg.ModelID) == "" {
		return nil, fmt.Errorf("hosted client: model id is required")
	}
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRetryer(func() aws.Retryer { return aws.NopRetryer{} }),
	}
	if strings.TrimSpace(cfg.Region) != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return newWithInvoker(cfg, bedrockruntime.NewFromConfig(awsCfg), sink), nil
}

func newWithInvoker(cfg Config, api invoker, sink runtime.Sink) *Client {
	cfg = cfg.withDefaults()
	if sink == nil {
		sink = runtime.NopSink{}
	}
	return &Client{
		cfg:        cfg,
		api:        api,
		sink:       sink,
		retryDelay: defaultRetryDelay,
		sem:        make(chan struct{}, cfg.RateLimitRPM),
	}
}

// Generate sends one prompt and returns the extracted reply. Failures whose
// message matches the retryable keyword set are re-attempted, with a flat
// delay between attempts, up to cfg.RetryAttempts total attempts. Retries are
// bounded by attempt count only, never by overall elapsed time.
func (c *Client) Generate(ctx context.Context, prompt string) (*Response, error) {
	attempts := c.cfg.RetryAttempts
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		resp, err := c.invokeOnce(ctx, prompt)
		if err == nil {
			resp.Attempts = attempt
			return resp, nil
		}
		lastErr = err
		if attempt == attempts || !IsRetryable(err) || ctx.Err() != nil {
			break
		}
		c.sink.Warnf("hosted model call failed (attempt %d/%d), retrying in %s: %v",
			attempt, attempts, c.retryDelay, err)
		if !sleepContext(ctx, c.retryDelay) {
			break
		}
	}
	return nil, lastErr
}

func (c *Client) invokeOnce(ctx context.Context, prompt string) (*Response, error) {
	if err := c.awaitInterval(ctx); err != nil {
		return nil, err
	}
	if err := c.acquirePermit(ctx); err != nil {
		return nil, err
	}
	defer c.releasePermit()

	body, err := json.Marshal(buildRequestBody(c.cfg, prompt))
	if err != nil {
		return nil, fmt.Errorf("serialize request for %s: %w", c.cfg.ModelID, err)
	}
	if c.cfg.LogRequests {
		c.sink.Infof("hosted request model=%s body=%s", c.cfg.ModelID, body)
	}

	cctx, cancel := context.WithTimeout(ctx, time.Duration(c.cfg.TimeoutSeconds)*time.Second)
	defer cancel()
	out, err := c.api.InvokeModel(cctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(c.cfg.ModelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, wrapInvokeError(err)
	}
	if c.cfg.LogResponses {
		c.sink.Infof("hosted response model=%s body=%s", c.cfg.ModelID, out.Body)
	}

	text, err := extractText(c.cfg.ModelID, out.Body)
	if err != nil {
		return nil, err
	}
	return &Response{Text: text, RawBody: out.Body, ModelID: c.cfg.ModelID}, nil
}

// awaitInterval spaces call starts at least 60s/RPM apart. Each caller claims
// the next free slot under the mutex before sleeping, so concurrent callers
// cannot observe the same previous start and proceed together.
func (c *Client) awaitInterval(ctx context.Context) error {
	interval := time.Minute / time.Duration(c.cfg.RateLimitRPM)
	now := time.Now()
	c.mu.Lock()
	slot := now
	if !c.lastStart.IsZero() {
		if next := c.lastStart.Add(interval); next.After(slot) {
			slot = next
		}
	}
	c.lastStart = slot
	c.mu.Unlock()
	if wait := slot.Sub(now); wait > 0 {
		if !sleepContext(ctx, wait) {
			return fmt.Errorf("interrupted while pacing requests: %w", ctx.Err())
		}
	}
	return nil
}

func (c *Client) acquirePermit(ctx context.Context) error {
	bound := time.Duration(c.cfg.TimeoutSeconds) * time.Second
	select {
	case c.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("interrupted while waiting for rate limiter: %w", ctx.Err())
	case <-time.After(bound):
		return &RateLimitError{Wait: bound}
	}
}

func (c *Client) releasePermit() {
	<-c.sem
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
