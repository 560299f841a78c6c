package executor

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/djlord-it/easy-jobs/internal/circuitbreaker"
)

const (
	HeaderDeliveryID = "X-EasyJobs-Delivery-ID"
	HeaderJobID      = "X-EasyJobs-Job-ID"
	HeaderSignature  = "X-EasyJobs-Signature"

	DefaultWebhookTimeout = 30 * time.Second
)

type WebhookRequest struct {
	URL        string
	Secret     string
	Timeout    time.Duration
	DeliveryID string
	Payload    WebhookPayload
}

type WebhookPayload struct {
	JobID   string          `json:"jobId"`
	JobName string          `json:"jobName"`
	SentAt  string          `json:"sentAt"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type WebhookResult struct {
	StatusCode int
	Error      error
	Duration   time.Duration
}

func (r WebhookResult) IsSuccess() bool {
	return r.Error == nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// IsRetryable reports transport errors, 429 and 5xx.
func (r WebhookResult) IsRetryable() bool {
	if r.Error != nil {
		return true
	}
	if r.StatusCode == http.StatusTooManyRequests {
		return true
	}
	return r.StatusCode >= 500
}

type HTTPWebhookSender struct {
	client *http.Client
}

func NewHTTPWebhookSender() *HTTPWebhookSender {
	return &HTTPWebhookSender{
		client: &http.Client{},
	}
}

// Send posts the payload signed with HMAC-SHA256 over the body.
func (s *HTTPWebhookSender) Send(ctx context.Context, req WebhookRequest) WebhookResult {
	start := time.Now()

	body, err := json.Marshal(req.Payload)
	if err != nil {
		return WebhookResult{Error: errors.Wrap(err, "marshal"), Duration: time.Since(start)}
	}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = DefaultWebhookTimeout
	}
	ctxTimeout, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctxTimeout, http.MethodPost, req.URL, bytes.NewReader(body))
	if err != nil {
		return WebhookResult{Error: errors.Wrap(err, "create request"), Duration: time.Since(start)}
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(HeaderDeliveryID, req.DeliveryID)
	httpReq.Header.Set(HeaderJobID, req.Payload.JobID)
	httpReq.Header.Set(HeaderSignature, ComputeSignature(req.Secret, body))

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return WebhookResult{Error: errors.Wrap(err, "send"), Duration: time.Since(start)}
	}
	defer resp.Body.Close()

	return WebhookResult{StatusCode: resp.StatusCode, Duration: time.Since(start)}
}

func ComputeSignature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature is for receivers to verify incoming webhooks.
func VerifySignature(secret string, body []byte, signature string) bool {
	expected := ComputeSignature(secret, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}

type Sender interface {
	Send(ctx context.Context, req WebhookRequest) WebhookResult
}

// WebhookHandler implements the "webhook" action. Deliveries are guarded by
// a circuit breaker keyed on the target host.
type WebhookHandler struct {
	sender        Sender
	breaker       *circuitbreaker.CircuitBreaker
	defaultSecret string
	logger        *zap.SugaredLogger
}

func NewWebhookHandler(sender Sender, breaker *circuitbreaker.CircuitBreaker) *WebhookHandler {
	return &WebhookHandler{
		sender:  sender,
		breaker: breaker,
		logger:  zap.NewNop().Sugar(),
	}
}

// WithDefaultSecret sets the signing secret used when the payload has none.
func (h *WebhookHandler) WithDefaultSecret(secret string) *WebhookHandler {
	h.defaultSecret = secret
	return h
}

func (h *WebhookHandler) WithLogger(l *zap.SugaredLogger) *WebhookHandler {
	h.logger = l
	return h
}

type webhookParams struct {
	URL            string          `json:"url"`
	Secret         string          `json:"secret"`
	TimeoutSeconds int             `json:"timeoutSeconds"`
	Data           json.RawMessage `json:"data"`
}

var errWebhookFailed = errors.New("webhook delivery failed")

func (h *WebhookHandler) Handle(ctx context.Context, req Request) (json.RawMessage, error) {
	var p webhookParams
	if err := decode(req, &p); err != nil {
		return nil, err
	}
	target, err := url.Parse(p.URL)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return nil, errors.Newf("webhook url must be an absolute http(s) URL, got %q", p.URL)
	}
	secret := p.Secret
	if secret == "" {
		secret = h.defaultSecret
	}

	wreq := WebhookRequest{
		URL:        p.URL,
		Secret:     secret,
		Timeout:    time.Duration(p.TimeoutSeconds) * time.Second,
		DeliveryID: uuid.NewString(),
		Payload: WebhookPayload{
			JobID:   req.JobID.String(),
			JobName: req.Name,
			SentAt:  time.Now().UTC().Format(time.RFC3339),
			Data:    p.Data,
		},
	}

	var result WebhookResult
	send := func() error {
		result = h.sender.Send(ctx, wreq)
		if result.IsRetryable() {
			return errWebhookFailed
		}
		return nil
	}
	host := strings.ToLower(target.Host)
	if h.breaker != nil {
		err = h.breaker.Do(host, send)
	} else {
		err = send()
	}

	switch {
	case errors.Is(err, circuitbreaker.ErrCircuitOpen):
		h.logger.Warnw("webhook skipped, circuit open", "host", host, "job_id", req.JobID)
		return nil, err
	case result.Error != nil:
		return nil, errors.Wrapf(result.Error, "webhook %s", host)
	case !result.IsSuccess():
		return nil, errors.Newf("webhook %s responded %d", host, result.StatusCode)
	}

	return encode(map[string]any{
		"deliveryId": wreq.DeliveryID,
		"statusCode": result.StatusCode,
		"durationMs": result.Duration.Milliseconds(),
	})
}
