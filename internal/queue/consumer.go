package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"bagbot/internal/types"
)

// SQSReceiver abstracts the SQS receive and delete operations.
type SQSReceiver interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// HandlerFunc processes one trigger. Returning an error leaves the message on
// the queue for redelivery, except for errors IsPermanent reports true for.
type HandlerFunc func(ctx context.Context, msg TriggerMessage) error

// Consumer long-polls the trigger queue and dispatches each message.
type Consumer struct {
	client   SQSReceiver
	queueURL string
	handle   HandlerFunc
	logger   *slog.Logger

	waitSeconds int32
	maxMessages int32
	errorDelay  time.Duration
}

// NewConsumer creates a Consumer reading from queueURL.
func NewConsumer(client SQSReceiver, queueURL string, handle HandlerFunc, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		client:      client,
		queueURL:    queueURL,
		handle:      handle,
		logger:      logger,
		waitSeconds: 20,
		maxMessages: 10,
		errorDelay:  5 * time.Second,
	}
}

// Run polls until ctx is done. Receive errors are logged and retried after a
// short pause.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.InfoContext(ctx, "trigger consumer started", "queue_url", c.queueURL)
	for {
		if ctx.Err() != nil {
			c.logger.InfoContext(ctx, "trigger consumer stopped")
			return nil
		}
		if _, err := c.PollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				continue
			}
			c.logger.ErrorContext(ctx, "failed to receive trigger messages", "error", err)
			select {
			case <-time.After(c.errorDelay):
			case <-ctx.Done():
			}
		}
	}
}

// PollOnce receives one batch and processes it. It returns how many messages
// were acknowledged.
func (c *Consumer) PollOnce(ctx context.Context) (int, error) {
	out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: c.maxMessages,
		WaitTimeSeconds:     c.waitSeconds,
	})
	if err != nil {
		return 0, err
	}

	acked := 0
	for _, m := range out.Messages {
		if c.process(ctx, m) {
			if err := c.ack(ctx, m); err != nil {
				c.logger.ErrorContext(ctx, "failed to delete trigger message",
					"message_id", aws.ToString(m.MessageId),
					"error", err,
				)
				continue
			}
			acked++
		}
	}
	return acked, nil
}

// process reports whether the message should be deleted.
func (c *Consumer) process(ctx context.Context, m sqsTypes.Message) bool {
	messageID := aws.ToString(m.MessageId)

	msg, err := DecodeTrigger(aws.ToString(m.Body))
	if err != nil {
		// Permanent parse failure: retrying cannot help.
		c.logger.ErrorContext(ctx, "dropping malformed trigger message",
			"message_id", messageID,
			"error", err,
		)
		return true
	}

	ctx = types.WithTriggerSource(ctx, msg.Source)
	if msg.TraceID != "" {
		ctx = types.WithRequestID(ctx, msg.TraceID)
	}

	if err := c.handle(ctx, msg); err != nil {
		if IsPermanent(err) {
			c.logger.WarnContext(ctx, "trigger rejected, acknowledging",
				"message_id", messageID,
				"user_id", msg.UserID,
				"error", err,
			)
			return true
		}
		c.logger.ErrorContext(ctx, "trigger failed, leaving for redelivery",
			"message_id", messageID,
			"user_id", msg.UserID,
			"error", err,
		)
		return false
	}

	c.logger.InfoContext(ctx, "trigger processed",
		"message_id", messageID,
		"user_id", msg.UserID,
	)
	return true
}

func (c *Consumer) ack(ctx context.Context, m sqsTypes.Message) error {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: m.ReceiptHandle,
	})
	return err
}

// IsPermanent reports whether redelivering a trigger that failed with err
// would fail the same way. Client-side AppErrors are permanent, including the
// conflict for a user who already started; rate limiting is not.
func IsPermanent(err error) bool {
	if errors.Is(err, ErrEmptyUserID) {
		return true
	}
	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		return false
	}
	status := appErr.HTTPStatus()
	return status >= 400 && status < 500 && status != 429
}
