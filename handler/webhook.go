// Package handler exposes the Lambda entry points: the webhook intake and
// the scheduled sweep.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"line-relay/internal/domain"
	"line-relay/internal/usecase"
)

// Intake is the fast-path entry into the relay pipeline.
type Intake interface {
	Intake(ctx context.Context, event domain.WebhookEvent) error
}

// Response is the API Gateway proxy response shape.
type Response struct {
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
}

type ackResponse struct {
	Status string `json:"status"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// WebhookHandler acknowledges every inbound webhook within the platform's
// synchronous window. Downstream failures are logged, never propagated: the
// only non-2xx acknowledgment is for a body that cannot be deserialized at
// all.
type WebhookHandler struct {
	intake Intake
	log    *slog.Logger
}

func NewWebhookHandler(intake Intake, log *slog.Logger) (*WebhookHandler, error) {
	if intake == nil {
		return nil, errors.New("handler: intake must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	return &WebhookHandler{intake: intake, log: log}, nil
}

func (h *WebhookHandler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (Response, error) {
	corrID := correlationID(event.Headers)
	log := h.log.With("correlationId", corrID)

	var env domain.WebhookEnvelope
	if err := json.Unmarshal([]byte(event.Body), &env); err != nil {
		log.Error("webhook body unparseable", "err", err)
		return jsonResponse(http.StatusBadRequest, corrID, errorResponse{Error: string(usecase.ErrorInvalidInput)}), nil
	}

	if len(env.Events) == 0 {
		log.Info("webhook connectivity probe acknowledged")
		return jsonResponse(http.StatusOK, corrID, ackResponse{Status: "ok"}), nil
	}

	for _, ev := range env.Events {
		if err := h.intake.Intake(ctx, ev); err != nil {
			// Ack regardless; the pending queue gives the sweep a second
			// chance at this event.
			log.Error("event processing failed", "eventType", ev.Type, "err", err)
		}
	}

	return jsonResponse(http.StatusOK, corrID, ackResponse{Status: "ok"}), nil
}

func jsonResponse(status int, corrID string, body any) Response {
	raw, err := json.Marshal(body)
	if err != nil {
		raw = []byte(`{}`)
	}
	return Response{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":     "application/json",
			"X-Correlation-Id": corrID,
		},
		Body: string(raw),
	}
}

// correlationID honors a caller-supplied header case-insensitively, minting
// a fresh id otherwise.
func correlationID(headers map[string]string) string {
	for k, v := range headers {
		if strings.EqualFold(k, "x-correlation-id") && v != "" {
			return v
		}
	}
	return uuid.NewString()
}
