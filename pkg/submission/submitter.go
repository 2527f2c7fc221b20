package submission

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/Mindburn-Labs/quorum/pkg/attest"
)

// Envelope is what a submitter delivers: the attestation and the composed
// ledger batch.
type Envelope struct {
	Attestation *attest.Attestation `json:"attestation"`
	Batch       *Batch              `json:"batch"`
}

// Prepare composes the batch for an attestation.
func Prepare(a *attest.Attestation, params Params) (*Envelope, error) {
	b, err := Compose(a.Proposal, a.Outcome.Decision, a.Remark, params)
	if err != nil {
		return nil, err
	}
	return &Envelope{Attestation: a, Batch: b}, nil
}

// LogSubmitter records the envelope in the log without delivering it.
type LogSubmitter struct {
	Params Params
	logger *slog.Logger
}

func NewLogSubmitter(params Params) *LogSubmitter {
	return &LogSubmitter{Params: params, logger: slog.Default().With("component", "submission")}
}

func (s *LogSubmitter) Submit(ctx context.Context, a *attest.Attestation) error {
	env, err := Prepare(a, s.Params)
	if err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "vote prepared (dry run)",
		"proposal", a.Proposal.Key(),
		"run_index", a.RunIndex,
		"decision", env.Batch.Decision,
		"remark", env.Batch.Remark,
	)
	return nil
}

// WebhookSubmitter POSTs the envelope to an external signer service.
type WebhookSubmitter struct {
	URL    string
	Token  string
	Params Params
	Client *http.Client
	logger *slog.Logger
}

func NewWebhookSubmitter(url, token string, params Params) *WebhookSubmitter {
	return &WebhookSubmitter{
		URL:    url,
		Token:  token,
		Params: params,
		Client: &http.Client{Timeout: 30 * time.Second},
		logger: slog.Default().With("component", "submission"),
	}
}

func (s *WebhookSubmitter) Submit(ctx context.Context, a *attest.Attestation) error {
	env, err := Prepare(a, s.Params)
	if err != nil {
		return err
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.Token)
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return fmt.Errorf("submit %s: %w", a.Proposal.Key(), err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("submit %s: status %d: %s", a.Proposal.Key(), resp.StatusCode, bytes.TrimSpace(msg))
	}
	s.logger.InfoContext(ctx, "vote submitted", "proposal", a.Proposal.Key(), "run_index", a.RunIndex)
	return nil
}
