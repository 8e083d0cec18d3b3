package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/nexigo/be-bp-approvals/internal/identity"
	"github.com/nexigo/be-bp-approvals/internal/metrics"
	"github.com/nexigo/be-bp-approvals/internal/repository"
)

// NotificationPublisher publishes approval lifecycle events to NATS
// JetStream for the platform notification service.
//
// Subject convention: notifications.bp.<event_type>
// Event types: request_submitted, step_activated, request_approved,
//              request_rejected, request_returned, request_cancelled
//
// All publish operations are non-fatal — errors are logged but never
// propagated, so notification failures never interrupt approval operations.
type NotificationPublisher struct {
	nats *NATSClient
	log  zerolog.Logger
}

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventType   string          `json:"event_type"`
	RequestID   string          `json:"request_id"`
	RequestType string          `json:"request_type"`
	ObjectID    string          `json:"object_id"`
	Status      string          `json:"status"`
	CurrentStep int             `json:"current_step"`
	StepName    string          `json:"step_name,omitempty"`
	Approvers   []identity.Spec `json:"approvers,omitempty"`
	RequestedBy string          `json:"requested_by"`
	Payload     map[string]any  `json:"payload,omitempty"`
}

// NewNotificationPublisher creates a publisher backed by the given NATS
// client. A nil client disables publishing.
func NewNotificationPublisher(nats *NATSClient, log zerolog.Logger) *NotificationPublisher {
	return &NotificationPublisher{nats: nats, log: log}
}

// OnRequestSubmitted fires when a new request is opened.
func (p *NotificationPublisher) OnRequestSubmitted(ctx context.Context, req *repository.ApprovalRequest) {
	p.publish(ctx, "request_submitted", req, nil)
}

// OnStepActivated fires once whenever a step becomes the active step of a
// pending request, including the first step at submission.
func (p *NotificationPublisher) OnStepActivated(ctx context.Context, req *repository.ApprovalRequest, step repository.FlowStep) {
	p.publish(ctx, "step_activated", req, &step)
}

// OnRequestFinished fires when a request reaches a settled outcome
// (approved, rejected, returned or cancelled).
func (p *NotificationPublisher) OnRequestFinished(ctx context.Context, req *repository.ApprovalRequest, event string) {
	p.publish(ctx, event, req, nil)
}

func (p *NotificationPublisher) publish(ctx context.Context, eventType string, req *repository.ApprovalRequest, step *repository.FlowStep) {
	if p.nats == nil {
		return
	}

	event := &NotificationEvent{
		EventType:   eventType,
		RequestID:   req.ID,
		RequestType: req.RequestType,
		ObjectID:    req.RequestID,
		Status:      string(req.Status),
		CurrentStep: req.CurrentStep,
		RequestedBy: req.RequestedBy,
	}
	if step != nil {
		event.StepName = step.Name
		event.Approvers = step.Approvers
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", eventType).Msg("notification: failed to marshal event")
		return
	}

	subject := fmt.Sprintf("notifications.bp.%s", eventType)
	if err := p.nats.Publish(ctx, subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("request_id", req.ID).
			Msg("notification: failed to publish NATS event (non-fatal)")
		return
	}

	metrics.NotificationsPublished.Inc()
	p.log.Debug().
		Str("subject", subject).
		Str("request_id", req.ID).
		Msg("notification: event published")
}
