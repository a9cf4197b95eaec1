package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/require"

	"line-relay/internal/domain"
)

type fakeIntake struct {
	events []domain.WebhookEvent
	err    error
}

func (f *fakeIntake) Intake(_ context.Context, event domain.WebhookEvent) error {
	f.events = append(f.events, event)
	return f.err
}

func webhookBody(t *testing.T, events ...domain.WebhookEvent) string {
	t.Helper()
	raw, err := json.Marshal(domain.WebhookEnvelope{Destination: "bot", Events: events})
	require.NoError(t, err)
	return string(raw)
}

func TestWebhookHandle_AcksAndForwardsEvents(t *testing.T) {
	intake := &fakeIntake{}
	h, err := NewWebhookHandler(intake, nil)
	require.NoError(t, err)

	body := webhookBody(t,
		domain.WebhookEvent{
			Type:           domain.EventTypeMessage,
			WebhookEventID: "E1",
			ReplyToken:     "tok",
			Source:         domain.EventSource{Type: "user", UserID: "U1"},
			Message:        domain.EventMessage{ID: "m1", Type: domain.MessageTypeText, Text: "hello"},
		},
		domain.WebhookEvent{
			Type:           domain.EventTypeFollow,
			WebhookEventID: "E2",
			Source:         domain.EventSource{Type: "user", UserID: "U2"},
		},
	)

	res, err := h.Handle(context.Background(), events.APIGatewayProxyRequest{Body: body})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.JSONEq(t, `{"status":"ok"}`, res.Body)

	require.Len(t, intake.events, 2)
	require.Equal(t, "E1", intake.events[0].WebhookEventID)
	require.Equal(t, "hello", intake.events[0].Message.Text)
	require.Equal(t, domain.EventTypeFollow, intake.events[1].Type)
}

func TestWebhookHandle_ProbeWithNoEvents(t *testing.T) {
	intake := &fakeIntake{}
	h, err := NewWebhookHandler(intake, nil)
	require.NoError(t, err)

	res, err := h.Handle(context.Background(), events.APIGatewayProxyRequest{
		Body: `{"destination":"bot","events":[]}`,
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Empty(t, intake.events)
}

func TestWebhookHandle_UnparseableBody(t *testing.T) {
	intake := &fakeIntake{}
	h, err := NewWebhookHandler(intake, nil)
	require.NoError(t, err)

	res, err := h.Handle(context.Background(), events.APIGatewayProxyRequest{Body: "not json"})
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
	require.JSONEq(t, `{"error":"INVALID_INPUT"}`, res.Body)
	require.Empty(t, intake.events)
}

func TestWebhookHandle_IntakeErrorStillAcks(t *testing.T) {
	intake := &fakeIntake{err: fmt.Errorf("downstream broken")}
	h, err := NewWebhookHandler(intake, nil)
	require.NoError(t, err)

	body := webhookBody(t, domain.WebhookEvent{
		Type:           domain.EventTypeMessage,
		WebhookEventID: "E1",
		Source:         domain.EventSource{Type: "user", UserID: "U1"},
		Message:        domain.EventMessage{Type: domain.MessageTypeText, Text: "hi"},
	})

	res, err := h.Handle(context.Background(), events.APIGatewayProxyRequest{Body: body})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Len(t, intake.events, 1)
}

func TestWebhookHandle_CorrelationIDPassthrough(t *testing.T) {
	h, err := NewWebhookHandler(&fakeIntake{}, nil)
	require.NoError(t, err)

	res, err := h.Handle(context.Background(), events.APIGatewayProxyRequest{
		Headers: map[string]string{"X-CORRELATION-ID": "corr-123"},
		Body:    `{"events":[]}`,
	})
	require.NoError(t, err)
	require.Equal(t, "corr-123", res.Headers["X-Correlation-Id"])
}

func TestWebhookHandle_CorrelationIDMinted(t *testing.T) {
	h, err := NewWebhookHandler(&fakeIntake{}, nil)
	require.NoError(t, err)

	res, err := h.Handle(context.Background(), events.APIGatewayProxyRequest{Body: `{"events":[]}`})
	require.NoError(t, err)
	require.NotEmpty(t, res.Headers["X-Correlation-Id"])
}

func TestNewWebhookHandler_NilIntake(t *testing.T) {
	_, err := NewWebhookHandler(nil, nil)
	require.Error(t, err)
}
