// Package sqs publishes projection dead letters to an AWS SQS queue.
package sqs

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	kin "github.com/AshkanYarmoradi/go-kin"
	"github.com/AshkanYarmoradi/go-kin/deadletter"
)

// SQSClient defines the subset of the SQS API used by the publisher.
type SQSClient interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Config describes the queue to publish to.
type Config struct {
	Region   string
	QueueURL string

	// Endpoint overrides the AWS endpoint, e.g. for ElasticMQ or LocalStack.
	Endpoint string
}

// Publisher sends dead letters to one SQS queue.
type Publisher struct {
	client   SQSClient
	queueURL string
	logger   kin.Logger
}

// Option configures an SQS Publisher.
type Option func(*Publisher)

// WithSQSClient sets a custom SQS client.
func WithSQSClient(client SQSClient) Option {
	return func(p *Publisher) {
		p.client = client
	}
}

// WithLogger sets the logger.
func WithLogger(l kin.Logger) Option {
	return func(p *Publisher) {
		p.logger = l
	}
}

// New creates a Publisher for queueURL.
func New(queueURL string, opts ...Option) *Publisher {
	p := &Publisher{queueURL: queueURL, logger: kin.NopLogger()}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// NewFromConfig loads the AWS configuration and builds a publisher backed by
// a real SQS client. A non-empty Endpoint uses static dummy credentials.
func NewFromConfig(ctx context.Context, cfg Config, opts ...Option) (*Publisher, error) {
	configOpts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}

	var clientOpts []func(*sqs.Options)
	if cfg.Endpoint != "" {
		configOpts = append(configOpts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("dummy", "dummy", "")))
		clientOpts = append(clientOpts, func(o *sqs.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, configOpts...)
	if err != nil {
		return nil, fmt.Errorf("sqs: failed to load AWS config: %w", err)
	}

	opts = append([]Option{WithSQSClient(sqs.NewFromConfig(awsCfg, clientOpts...))}, opts...)
	p := New(cfg.QueueURL, opts...)
	p.logger.Info("SQS dead-letter publisher created", "region", cfg.Region, "queue_url", cfg.QueueURL)
	return p, nil
}

// Destination implements kin.DeadLetterPublisher.
func (p *Publisher) Destination() string {
	return "sqs:" + p.queueURL
}

// Publish implements kin.DeadLetterPublisher.
func (p *Publisher) Publish(ctx context.Context, dl *kin.DeadLetter) error {
	if p.client == nil {
		return fmt.Errorf("sqs: client not configured")
	}

	body, err := deadletter.Encode(dl)
	if err != nil {
		return err
	}

	input := &sqs.SendMessageInput{
		QueueUrl:          aws.String(p.queueURL),
		MessageBody:       aws.String(string(body)),
		MessageAttributes: make(map[string]types.MessageAttributeValue),
	}
	for k, v := range deadletter.Headers(dl) {
		input.MessageAttributes[k] = types.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(v),
		}
	}
	if strings.HasSuffix(p.queueURL, ".fifo") {
		input.MessageGroupId = aws.String(deadletter.Key(dl))
		input.MessageDeduplicationId = aws.String(dl.Event.ID)
	}

	if _, err := p.client.SendMessage(ctx, input); err != nil {
		p.logger.Error("Failed to send dead letter to SQS", "event_id", dl.Event.ID, "error", err)
		return fmt.Errorf("sqs: failed to send message: %w", err)
	}

	p.logger.Debug("Dead letter sent to SQS", "event_id", dl.Event.ID, "kind", dl.Event.Kind)
	return nil
}

var _ kin.DeadLetterPublisher = (*Publisher)(nil)
