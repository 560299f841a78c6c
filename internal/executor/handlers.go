package executor

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/djlord-it/easy-jobs/internal/domain"
)

const (
	ActionProcessData      = "process-data"
	ActionSendNotification = "send-notification"
	ActionGenerateReport   = "generate-report"
	ActionWebhook          = "webhook"
)

func decode(req Request, v any) error {
	if len(req.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(req.Payload, v); err != nil {
		return errors.Wrap(err, "decode payload")
	}
	return nil
}

func encode(v any) (json.RawMessage, error) {
	out, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "encode output")
	}
	return out, nil
}

// ProcessData aggregates the numeric values in payload.records.
func ProcessData(ctx context.Context, req Request) (json.RawMessage, error) {
	var p struct {
		Records   []float64 `json:"records"`
		Operation string    `json:"operation"`
	}
	if err := decode(req, &p); err != nil {
		return nil, err
	}
	if p.Operation == "" {
		p.Operation = "sum"
	}

	var result float64
	switch p.Operation {
	case "sum", "avg":
		for _, v := range p.Records {
			result += v
		}
		if p.Operation == "avg" && len(p.Records) > 0 {
			result /= float64(len(p.Records))
		}
	case "count":
		result = float64(len(p.Records))
	case "max", "min":
		for i, v := range p.Records {
			if i == 0 || (p.Operation == "max" && v > result) || (p.Operation == "min" && v < result) {
				result = v
			}
		}
	default:
		return nil, errors.Newf("unsupported operation %q", p.Operation)
	}

	return encode(map[string]any{
		"processed": len(p.Records),
		"operation": p.Operation,
		"result":    result,
	})
}

var notificationChannels = map[string]bool{"email": true, "sms": true, "slack": true, "webhook": true}

// SendNotification validates and accepts a notification for delivery.
func SendNotification(ctx context.Context, req Request) (json.RawMessage, error) {
	var p struct {
		Channel   string `json:"channel"`
		Recipient string `json:"recipient"`
		Message   string `json:"message"`
	}
	if err := decode(req, &p); err != nil {
		return nil, err
	}
	if p.Channel == "" {
		p.Channel = "email"
	}
	if !notificationChannels[p.Channel] {
		return nil, errors.Newf("unsupported channel %q", p.Channel)
	}
	if strings.TrimSpace(p.Recipient) == "" {
		return nil, errors.New("recipient is required")
	}
	if strings.TrimSpace(p.Message) == "" {
		return nil, errors.New("message is required")
	}

	return encode(map[string]any{
		"notificationId": uuid.NewString(),
		"channel":        p.Channel,
		"recipient":      p.Recipient,
		"status":         "sent",
		"sentAt":         time.Now().UTC().Format(time.RFC3339),
	})
}

// GenerateReport returns a report descriptor for the requested period.
func GenerateReport(ctx context.Context, req Request) (json.RawMessage, error) {
	var p struct {
		ReportType string `json:"reportType"`
		Format     string `json:"format"`
		From       string `json:"from"`
		To         string `json:"to"`
	}
	if err := decode(req, &p); err != nil {
		return nil, err
	}
	if p.ReportType == "" {
		return nil, errors.New("reportType is required")
	}
	if p.Format == "" {
		p.Format = "json"
	}
	for field, v := range map[string]string{"from": p.From, "to": p.To} {
		if v == "" {
			continue
		}
		if _, err := time.Parse(time.RFC3339, v); err != nil {
			return nil, errors.Newf("%s must be RFC 3339, got %q", field, v)
		}
	}

	return encode(map[string]any{
		"reportId":    uuid.NewString(),
		"reportType":  p.ReportType,
		"format":      p.Format,
		"from":        p.From,
		"to":          p.To,
		"generatedAt": time.Now().UTC().Format(time.RFC3339),
	})
}

// Echo is the fallback: it acknowledges the job and echoes its payload.
func Echo(ctx context.Context, req Request) (json.RawMessage, error) {
	out := map[string]any{
		"message": "job executed",
		"jobId":   req.JobID.String(),
		"jobName": req.Name,
		"type":    req.Type,
	}
	if len(req.Payload) > 0 {
		out["payload"] = req.Payload
	}
	if req.Type == domain.JobTypeCron {
		out["executedAt"] = time.Now().UTC().Format(time.RFC3339)
	}
	return encode(out)
}
