// Package sns publishes projection dead letters to an AWS SNS topic.
package sns

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"

	kin "github.com/AshkanYarmoradi/go-kin"
	"github.com/AshkanYarmoradi/go-kin/deadletter"
)

// SNSClient defines the subset of the SNS API used by the publisher.
type SNSClient interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Publisher publishes dead letters to one SNS topic.
type Publisher struct {
	client   SNSClient
	topicARN string
	fifo     bool
}

// Option configures an SNS Publisher.
type Option func(*Publisher)

// WithSNSClient sets a custom SNS client.
func WithSNSClient(client SNSClient) Option {
	return func(p *Publisher) {
		p.client = client
	}
}

// WithFIFO groups messages by stream and deduplicates by event id, as
// required by FIFO topics.
func WithFIFO() Option {
	return func(p *Publisher) {
		p.fifo = true
	}
}

// New creates a new SNS Publisher for topicARN.
func New(topicARN string, opts ...Option) *Publisher {
	p := &Publisher{topicARN: topicARN}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// NewFromConfig loads the default AWS configuration for region and builds a
// publisher backed by a real SNS client.
func NewFromConfig(ctx context.Context, region, topicARN string, opts ...Option) (*Publisher, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("sns: failed to load AWS config: %w", err)
	}
	opts = append([]Option{WithSNSClient(sns.NewFromConfig(cfg))}, opts...)
	return New(topicARN, opts...), nil
}

// Destination implements kin.DeadLetterPublisher.
func (p *Publisher) Destination() string {
	return "sns:" + p.topicARN
}

// Publish implements kin.DeadLetterPublisher.
func (p *Publisher) Publish(ctx context.Context, dl *kin.DeadLetter) error {
	if p.client == nil {
		return fmt.Errorf("sns: client not configured")
	}
	if p.topicARN == "" {
		return fmt.Errorf("sns: missing topic ARN")
	}

	body, err := deadletter.Encode(dl)
	if err != nil {
		return err
	}

	input := &sns.PublishInput{
		TopicArn:          aws.String(p.topicARN),
		Message:           aws.String(string(body)),
		MessageAttributes: make(map[string]types.MessageAttributeValue),
	}
	for k, v := range deadletter.Headers(dl) {
		input.MessageAttributes[k] = types.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(v),
		}
	}
	if p.fifo {
		input.MessageGroupId = aws.String(deadletter.Key(dl))
		input.MessageDeduplicationId = aws.String(dl.Event.ID)
	}

	if _, err := p.client.Publish(ctx, input); err != nil {
		return fmt.Errorf("sns: failed to publish to %s: %w", p.topicARN, err)
	}
	return nil
}

var _ kin.DeadLetterPublisher = (*Publisher)(nil)
