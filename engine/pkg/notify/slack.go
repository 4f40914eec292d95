package notify

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/slack-go/slack"
)

type SlackSinkConfig struct {
	Logger     *slog.Logger
	WebhookURL string
	// FeeThreshold is the smallest committed fee that raises an alert.
	FeeThreshold uint64
	HTTPClient   *http.Client
}

func (cfg *SlackSinkConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.WebhookURL == "" {
		return errors.New("slack webhook url is required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	return nil
}

// SlackSink posts an alert for every committed settlement whose fee reaches
// the threshold, and for every payout.
type SlackSink struct {
	log *slog.Logger
	cfg SlackSinkConfig

	mu      sync.Mutex
	pending map[uuid.UUID]FeeAccrued
}

func NewSlackSink(cfg SlackSinkConfig) (*SlackSink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &SlackSink{
		log:     cfg.Logger,
		cfg:     cfg,
		pending: make(map[uuid.UUID]FeeAccrued),
	}, nil
}

func (s *SlackSink) FeeAccrued(_ context.Context, e FeeAccrued) {
	if e.Fee < s.cfg.FeeThreshold || e.Fee == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[e.SettlementID] = e
}

func (s *SlackSink) SettlementFinished(ctx context.Context, e SettlementFinished) {
	s.mu.Lock()
	fee, ok := s.pending[e.SettlementID]
	delete(s.pending, e.SettlementID)
	s.mu.Unlock()
	if !ok || !e.Committed {
		return
	}

	s.post(ctx, &slack.WebhookMessage{
		Text: "Large partner fee accrued",
		Attachments: []slack.Attachment{{
			Color: "good",
			Fields: []slack.AttachmentField{
				{Title: "Partner", Value: fee.Partner.String()},
				{Title: "User", Value: fee.User.String()},
				{Title: "Fee", Value: strconv.FormatUint(fee.Fee, 10), Short: true},
				{Title: "Operation", Value: fee.Operation, Short: true},
				{Title: "Settlement", Value: fee.SettlementID.String()},
			},
		}},
	})
}

func (s *SlackSink) PayoutSettled(ctx context.Context, e PayoutSettled) {
	s.post(ctx, &slack.WebhookMessage{
		Text: "Partner payout settled",
		Attachments: []slack.Attachment{{
			Color: "#439FE0",
			Fields: []slack.AttachmentField{
				{Title: "Partner", Value: e.Partner.String()},
				{Title: "Destination", Value: e.PayoutDestination.String()},
				{Title: "Amount", Value: strconv.FormatUint(e.Amount, 10), Short: true},
				{Title: "Remaining", Value: strconv.FormatUint(e.RemainingFee, 10), Short: true},
			},
		}},
	})
}

func (s *SlackSink) post(ctx context.Context, msg *slack.WebhookMessage) {
	if err := slack.PostWebhookCustomHTTPContext(ctx, s.cfg.WebhookURL, s.cfg.HTTPClient, msg); err != nil {
		s.log.Warn("notify: failed to post slack alert", "error", err)
	}
}
