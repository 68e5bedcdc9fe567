// Package events relays order events recorded in the outbox table to a
// message queue.
package events

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"
	"github.com/safar/storefront/internal/models"
	"go.uber.org/zap"
)

// ErrPermanent marks a publish failure that retrying cannot fix, such as a
// missing queue or a rejected message.
var ErrPermanent = errors.New("permanent publish failure")

type Publisher interface {
	Publish(ctx context.Context, event *models.OrderEvent) error
}

// SQSAPI is the subset of the SQS client used by SQSPublisher.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSPublisher sends each event as one message. The event type and ids are
// carried as message attributes so consumers can filter without decoding the
// body.
type SQSPublisher struct {
	client   SQSAPI
	queueURL string
}

func NewSQSPublisher(client SQSAPI, queueURL string) *SQSPublisher {
	return &SQSPublisher{client: client, queueURL: queueURL}
}

var permanentCodes = map[string]bool{
	"AWS.SimpleQueueService.NonExistentQueue": true,
	"QueueDoesNotExist":                       true,
	"InvalidMessageContents":                  true,
	"InvalidParameterValue":                   true,
}

func (p *SQSPublisher) Publish(ctx context.Context, event *models.OrderEvent) error {
	attrs := map[string]string{
		"event_type": event.Type,
		"event_id":   strconv.FormatInt(event.ID, 10),
		"order_id":   strconv.FormatInt(event.OrderID, 10),
	}

	input := &sqs.SendMessageInput{
		QueueUrl:          aws.String(p.queueURL),
		MessageBody:       aws.String(string(event.Payload)),
		MessageAttributes: make(map[string]sqstypes.MessageAttributeValue, len(attrs)),
	}
	for k, v := range attrs {
		input.MessageAttributes[k] = sqstypes.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(v),
		}
	}

	if _, err := p.client.SendMessage(ctx, input); err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && permanentCodes[apiErr.ErrorCode()] {
			return fmt.Errorf("send event %d: %w: %w", event.ID, ErrPermanent, err)
		}
		return fmt.Errorf("send event %d: %w", event.ID, err)
	}

	return nil
}

// LogPublisher writes events to the log. It is used when no queue is
// configured so the outbox still drains.
type LogPublisher struct {
	logger *zap.Logger
}

func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, event *models.OrderEvent) error {
	p.logger.Info("order event",
		zap.Int64("event_id", event.ID),
		zap.Int64("order_id", event.OrderID),
		zap.String("event_type", event.Type),
		zap.ByteString("payload", event.Payload),
	)
	return nil
}
