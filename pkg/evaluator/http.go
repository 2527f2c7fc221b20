package evaluator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/quorum/pkg/errorir"
	"github.com/Mindburn-Labs/quorum/pkg/verdict"
)

// ResponseSchema is the contract every HTTP evaluator response must meet.
const ResponseSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["decision", "rationale"],
  "properties": {
    "decision":   {"type": "string", "pattern": "^(?i)(aye|nay|abstain)$"},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "rationale":  {"type": "string"}
  }
}`

const responseSchemaURL = "https://quorum.schemas.local/evaluator/response.schema.json"

var responseSchema = mustCompile(ResponseSchema)

func mustCompile(schema string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(responseSchemaURL, strings.NewReader(schema)); err != nil {
		panic(fmt.Errorf("evaluator schema load failed: %w", err))
	}
	compiled, err := c.Compile(responseSchemaURL)
	if err != nil {
		panic(fmt.Errorf("evaluator schema compile failed: %w", err))
	}
	return compiled
}

// HTTPConfig configures an HTTPEvaluator.
type HTTPConfig struct {
	Name    string
	URL     string
	Token   string
	Timeout time.Duration
	// RPS and Burst throttle calls to the endpoint. Zero RPS means unlimited.
	RPS   float64
	Burst int

	Client *http.Client
	Now    func() time.Time
}

// HTTPEvaluator posts the proposal and content to a remote evaluator.
type HTTPEvaluator struct {
	name    string
	url     string
	token   string
	client  *http.Client
	limiter *rate.Limiter
	now     func() time.Time
}

// NewHTTPEvaluator validates cfg and returns an evaluator.
func NewHTTPEvaluator(cfg HTTPConfig) (*HTTPEvaluator, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("evaluator %s: missing url", cfg.Name)
	}
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 2 * time.Minute
		}
		client = &http.Client{Timeout: timeout}
	}
	limit := rate.Inf
	burst := cfg.Burst
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
		if burst <= 0 {
			burst = 1
		}
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &HTTPEvaluator{
		name:    cfg.Name,
		url:     cfg.URL,
		token:   cfg.Token,
		client:  client,
		limiter: rate.NewLimiter(limit, burst),
		now:     now,
	}, nil
}

func (e *HTTPEvaluator) Name() string { return e.name }

type wireContent struct {
	Name string `json:"name"`
	Data []byte `json:"data"`
}

type wireRequest struct {
	Evaluator string           `json:"evaluator"`
	Proposal  verdict.Proposal `json:"proposal"`
	Contents  []wireContent    `json:"contents"`
}

type wireResponse struct {
	Decision   string   `json:"decision"`
	Confidence *float64 `json:"confidence"`
	Rationale  string   `json:"rationale"`
}

const opEvaluate = "evaluator.http"

// Evaluate classifies failures: transport errors, 429 and 5xx responses are
// transient; any other status or a response violating ResponseSchema is an
// integrity error.
func (e *HTTPEvaluator) Evaluate(ctx context.Context, proposal verdict.Proposal, contents []verdict.Content) (verdict.Verdict, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return verdict.Verdict{}, errorir.Transient(opEvaluate, fmt.Errorf("%s: rate limit wait: %w", e.name, err))
	}

	req := wireRequest{Evaluator: e.name, Proposal: proposal, Contents: make([]wireContent, len(contents))}
	for i, c := range contents {
		req.Contents[i] = wireContent{Name: c.Name, Data: c.Data}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return verdict.Verdict{}, errorir.Integrity(opEvaluate, "%s: encode request: %w", e.name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return verdict.Verdict{}, errorir.Integrity(opEvaluate, "%s: %w", e.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if e.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+e.token)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return verdict.Verdict{}, errorir.Transient(opEvaluate, fmt.Errorf("%s: %w", e.name, err))
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return verdict.Verdict{}, errorir.Transient(opEvaluate, fmt.Errorf("%s: read response: %w", e.name, err))
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return verdict.Verdict{}, errorir.Transient(opEvaluate, fmt.Errorf("%s: status %d", e.name, resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return verdict.Verdict{}, errorir.Integrity(opEvaluate, "%s: status %d", e.name, resp.StatusCode)
	}

	return e.decode(raw)
}

func (e *HTTPEvaluator) decode(raw []byte) (verdict.Verdict, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return verdict.Verdict{}, errorir.Integrity(opEvaluate, "%s: response is not JSON: %w", e.name, err)
	}
	if err := responseSchema.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return verdict.Verdict{}, errorir.Integrity(opEvaluate, "%s: response schema: %s", e.name, ve.Error())
		}
		return verdict.Verdict{}, errorir.Integrity(opEvaluate, "%s: response schema: %w", e.name, err)
	}

	var wr wireResponse
	if err := json.Unmarshal(raw, &wr); err != nil {
		return verdict.Verdict{}, errorir.Integrity(opEvaluate, "%s: decode response: %w", e.name, err)
	}
	d, err := verdict.ParseDecision(wr.Decision)
	if err != nil {
		return verdict.Verdict{}, errorir.Integrity(opEvaluate, "%s: %w", e.name, err)
	}

	v := verdict.Verdict{
		Evaluator:  e.name,
		Decision:   d,
		Confidence: wr.Confidence,
		Rationale:  wr.Rationale,
		ProducedAt: e.now(),
		Raw:        raw,
	}
	if err := v.Validate(); err != nil {
		return verdict.Verdict{}, errorir.Integrity(opEvaluate, "%w", err)
	}
	return v, nil
}
