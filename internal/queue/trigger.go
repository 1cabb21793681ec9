// Package queue carries onboarding triggers over SQS. The signup relay
// publishes a TriggerMessage per new member; the bot consumes them and starts
// onboarding.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"

	"bagbot/internal/types"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// TriggerMessage asks the bot to welcome a user.
type TriggerMessage struct {
	UserID      string              `json:"userID"`
	Source      types.TriggerSource `json:"source"`
	TraceID     string              `json:"traceID"`
	RequestedAt time.Time           `json:"requestedAt"`
}

// ErrEmptyUserID is returned when a trigger names no user.
var ErrEmptyUserID = errors.New("queue: trigger has no user ID")

// Publisher sends TriggerMessages to the trigger queue.
type Publisher struct {
	client   SQSSender
	queueURL string
	logger   *slog.Logger
	now      func() time.Time
}

// NewPublisher creates a Publisher for queueURL.
func NewPublisher(client SQSSender, queueURL string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		client:   client,
		queueURL: queueURL,
		logger:   logger,
		now:      time.Now,
	}
}

// Publish enqueues a welcome for userID. The trace ID defaults to the request
// ID carried by ctx, or a fresh UUID.
func (p *Publisher) Publish(ctx context.Context, userID string, source types.TriggerSource) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ErrEmptyUserID
	}

	traceID := types.GetRequestID(ctx)
	if traceID == "" {
		traceID = uuid.New().String()
	}
	msg := TriggerMessage{
		UserID:      userID,
		Source:      source,
		TraceID:     traceID,
		RequestedAt: p.now().UTC(),
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal TriggerMessage: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"source": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(source)),
			},
		},
	}

	if _, err := p.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("queue: failed to send TriggerMessage to %s: %w", p.queueURL, err)
	}

	p.logger.InfoContext(ctx, "onboarding trigger queued",
		"queue_url", p.queueURL,
		"user_id", userID,
		"source", string(source),
		"trace_id", traceID,
	)
	return nil
}

// DecodeTrigger parses a queue message body.
func DecodeTrigger(body string) (TriggerMessage, error) {
	var msg TriggerMessage
	if err := json.Unmarshal([]byte(body), &msg); err != nil {
		return TriggerMessage{}, fmt.Errorf("queue: malformed trigger message: %w", err)
	}
	msg.UserID = strings.TrimSpace(msg.UserID)
	if msg.UserID == "" {
		return TriggerMessage{}, ErrEmptyUserID
	}
	if msg.Source == "" {
		msg.Source = types.TriggerSourceQueue
	}
	return msg, nil
}
