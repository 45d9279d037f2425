package hosted

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
)

// fakeInvoker scripts InvokeModel results and records every request.
type fakeInvoker struct {
	mu       sync.Mutex
	requests []*bedrockruntime.InvokeModelInput
	starts   []time.Time
	respond  func(attempt int, in *bedrockruntime.InvokeModelInput) (*bedrockruntime.InvokeModelOutput, error)
}

func (f *fakeInvoker) InvokeModel(ctx context.Context, in *bedrockruntime.InvokeModelInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error) {
	f.mu.Lock()
	f.requests = append(f.requests, in)
	f.starts = append(f.starts, time.Now())
	attempt := len(f.requests)
	f.mu.Unlock()
	return f.respond(attempt, in)
}

func (f *fakeInvoker) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func reply(text string) func(int, *bedrockruntime.InvokeModelInput) (*bedrockruntime.InvokeModelOutput, error) {
	body, _ := json.Marshal(map[string]any{"content": []map[string]any{{"type": "text", "text": text}}})
	return func(int, *bedrockruntime.InvokeModelInput) (*bedrockruntime.InvokeModelOutput, error) {
		return &bedrockruntime.InvokeModelOutput{Body: body}, nil
	}
}

const testModelID = "anthropic.claude-3-sonnet-20240229-v1:0"

func testClient(api invoker, cfg Config) *Client {
	if cfg.ModelID == "" {
		cfg.ModelID = testModelID
	}
	if cfg.RateLimitRPM == 0 {
		cfg.RateLimitRPM = 6000 // 10ms spacing keeps tests fast
	}
	return newWithInvoker(cfg, api, nil)
}

func TestGenerate_MessagesRoundTrip(t *testing.T) {
	fake := &fakeInvoker{respond: reply("Hello!")}
	c := testClient(fake, Config{})

	resp, err := c.Generate(context.Background(), "Hi")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Text != "Hello!" {
		t.Fatalf("Text=%q want Hello!", resp.Text)
	}
	if resp.Attempts != 1 {
		t.Fatalf("Attempts=%d want 1", resp.Attempts)
	}
	if len(resp.RawBody) == 0 {
		t.Fatalf("RawBody not retained")
	}

	in := fake.requests[0]
	if *in.ModelId != testModelID {
		t.Fatalf("ModelId=%q", *in.ModelId)
	}
	if *in.ContentType != "application/json" || *in.Accept != "application/json" {
		t.Fatalf("content negotiation headers wrong: %q %q", *in.ContentType, *in.Accept)
	}
	var body map[string]any
	if err := json.Unmarshal(in.Body, &body); err != nil {
		t.Fatalf("request body not json: %v", err)
	}
	if body["anthropic_version"] != anthropicVersion {
		t.Fatalf("anthropic_version=%v", body["anthropic_version"])
	}
	msgs, _ := body["messages"].([]any)
	if len(msgs) != 1 {
		t.Fatalf("messages=%v", body["messages"])
	}
	msg, _ := msgs[0].(map[string]any)
	if msg["role"] != "user" || msg["content"] != "Hi" {
		t.Fatalf("messages[0]=%v want user/Hi", msg)
	}
}

func TestGenerate_RetryableErrorUsesAllAttempts(t *testing.T) {
	fake := &fakeInvoker{
		respond: func(int, *bedrockruntime.InvokeModelInput) (*bedrockruntime.InvokeModelOutput, error) {
			return nil, errors.New("ThrottlingException: throttle")
		},
	}
	c := testClient(fake, Config{RetryAttempts: 3})
	c.retryDelay = time.Millisecond

	_, err := c.Generate(context.Background(), "Hi")
	if err == nil {
		t.Fatalf("Generate succeeded; want exhausted retries")
	}
	if fake.calls() != 3 {
		t.Fatalf("attempts=%d want exactly 3", fake.calls())
	}
	var ue *UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("err=%T want *UpstreamError", err)
	}
}

func TestGenerate_NonRetryableErrorSingleAttempt(t *testing.T) {
	fake := &fakeInvoker{
		respond: func(int, *bedrockruntime.InvokeModelInput) (*bedrockruntime.InvokeModelOutput, error) {
			return nil, errors.New("ValidationException: model not found")
		},
	}
	c := testClient(fake, Config{RetryAttempts: 3})
	c.retryDelay = time.Millisecond

	_, err := c.Generate(context.Background(), "Hi")
	if err == nil {
		t.Fatalf("Generate succeeded; want failure")
	}
	if fake.calls() != 1 {
		t.Fatalf("attempts=%d want exactly 1", fake.calls())
	}
}

func TestGenerate_RecoversOnLaterAttempt(t *testing.T) {
	fake := &fakeInvoker{}
	fake.respond = func(attempt int, in *bedrockruntime.InvokeModelInput) (*bedrockruntime.InvokeModelOutput, error) {
		if attempt < 3 {
			return nil, errors.New("connection reset")
		}
		return reply("third time lucky")(attempt, in)
	}
	c := testClient(fake, Config{RetryAttempts: 3})
	c.retryDelay = time.Millisecond

	resp, err := c.Generate(context.Background(), "Hi")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Attempts != 3 {
		t.Fatalf("Attempts=%d want 3", resp.Attempts)
	}
	if resp.Text != "third time lucky" {
		t.Fatalf("Text=%q", resp.Text)
	}
}

func TestGenerate_RateLimiterSpacesCallStarts(t *testing.T) {
	const rpm = 600 // 100ms spacing
	fake := &fakeInvoker{respond: reply("ok")}
	c := testClient(fake, Config{RateLimitRPM: rpm})

	for i := 0; i < 3; i++ {
		if _, err := c.Generate(context.Background(), "Hi"); err != nil {
			t.Fatalf("Generate[%d]: %v", i, err)
		}
	}
	interval := time.Minute / rpm
	for i := 1; i < len(fake.starts); i++ {
		gap := fake.starts[i].Sub(fake.starts[i-1])
		// Allow a small scheduling slop below the nominal interval.
		if gap < interval-10*time.Millisecond {
			t.Fatalf("call %d started %s after previous; want >= %s", i, gap, interval)
		}
	}
}

func TestGenerate_ConcurrentCallersShareTheInterval(t *testing.T) {
	const rpm = 600 // 100ms spacing
	fake := &fakeInvoker{respond: reply("ok")}
	c := testClient(fake, Config{RateLimitRPM: rpm})

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := 0; i < len(errs); i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Generate(context.Background(), "Hi")
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("Generate[%d]: %v", i, err)
		}
	}

	starts := append([]time.Time{}, fake.starts...)
	sort.Slice(starts, func(i, j int) bool { return starts[i].Before(starts[j]) })
	interval := time.Minute / rpm
	for i := 1; i < len(starts); i++ {
		gap := starts[i].Sub(starts[i-1])
		if gap < interval-20*time.Millisecond {
			t.Fatalf("concurrent calls %d and %d started %s apart; want >= %s", i-1, i, gap, interval)
		}
	}
}

func TestGenerate_ContextCancelStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fake := &fakeInvoker{
		respond: func(int, *bedrockruntime.InvokeModelInput) (*bedrockruntime.InvokeModelOutput, error) {
			cancel()
			return nil, errors.New("connection reset")
		},
	}
	c := testClient(fake, Config{RetryAttempts: 5})
	c.retryDelay = time.Millisecond

	_, err := c.Generate(ctx, "Hi")
	if err == nil {
		t.Fatalf("Generate succeeded; want failure")
	}
	if fake.calls() != 1 {
		t.Fatalf("attempts=%d want 1 after cancellation", fake.calls())
	}
}

func TestConfig_Defaults(t *testing.T) {
	cfg := Config{ModelID: testModelID}.withDefaults()
	if cfg.RateLimitRPM != 60 || cfg.TimeoutSeconds != 60 || cfg.RetryAttempts != 3 {
		t.Fatalf("defaults wrong: %+v", cfg)
	}
	if cfg.MaxTokens != 4096 || cfg.Temperature != 0.7 || cfg.TopP != 0.9 {
		t.Fatalf("sampling defaults wrong: %+v", cfg)
	}
}

func TestNew_RequiresModelID(t *testing.T) {
	_, err := New(context.Background(), Config{}, nil)
	if err == nil || !strings.Contains(err.Error(), "model id") {
		t.Fatalf("err=%v want model id requirement", err)
	}
}
