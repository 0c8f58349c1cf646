package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// SQSAPI is the subset of the SQS client the channel uses (for testing)
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
}

// SQSChannelConfig holds SQS channel configuration
type SQSChannelConfig struct {
	Region string

	// CustomEndpoint is used for LocalStack/testing
	CustomEndpoint string

	// AccessKeyID and SecretAccessKey override the default credential
	// chain (optional, for testing)
	AccessKeyID     string
	SecretAccessKey string
}

// SQSChannel sends notifications to an SQS queue. The callback URL
// names the queue: sqs://task-callbacks resolves the queue URL once
// and caches it.
type SQSChannel struct {
	client SQSAPI
	logger *slog.Logger

	queueURLs map[string]string
	mu        sync.Mutex
}

// NewSQSChannel creates an SQS delivery channel.
func NewSQSChannel(ctx context.Context, cfg SQSChannelConfig) (*SQSChannel, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	var awsCfg aws.Config
	var err error

	if cfg.CustomEndpoint != "" {
		// LocalStack/testing mode with custom endpoint
		awsCfg, err = config.LoadDefaultConfig(ctx,
			config.WithRegion(cfg.Region),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID, cfg.SecretAccessKey, "",
			)),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}

		client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
			o.BaseEndpoint = aws.String(cfg.CustomEndpoint)
		})
		return NewSQSChannelWithClient(client), nil
	}

	awsCfg, err = config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewSQSChannelWithClient(sqs.NewFromConfig(awsCfg)), nil
}

// NewSQSChannelWithClient creates the channel over an existing client.
func NewSQSChannelWithClient(client SQSAPI) *SQSChannel {
	return &SQSChannel{
		client:    client,
		logger:    slog.Default().With("channel", "sqs"),
		queueURLs: make(map[string]string),
	}
}

// Name implements Channel.
func (c *SQSChannel) Name() string {
	return "sqs"
}

// Deliver sends the payload as one SQS message. Transport headers ride
// along as message attributes so receivers can verify the signature.
func (c *SQSChannel) Deliver(ctx context.Context, req Request) error {
	queueName, err := queueNameFromURL(req.URL)
	if err != nil {
		return err
	}

	queueURL, err := c.resolveQueueURL(ctx, queueName)
	if err != nil {
		return err
	}

	attributes := map[string]types.MessageAttributeValue{
		"MessageId": {
			DataType:    aws.String("String"),
			StringValue: aws.String(req.MessageID),
		},
		"TaskId": {
			DataType:    aws.String("String"),
			StringValue: aws.String(req.TaskID),
		},
	}
	for k, v := range req.Headers {
		attributes[k] = types.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(v),
		}
	}

	input := &sqs.SendMessageInput{
		QueueUrl:          aws.String(queueURL),
		MessageBody:       aws.String(string(req.Body)),
		MessageAttributes: attributes,
	}

	if _, err := c.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("failed to send SQS message: %w", err)
	}

	c.logger.Debug("notification sent", "queue", queueName, "messageId", req.MessageID)
	return nil
}

// resolveQueueURL looks up and caches the queue URL for a queue name.
func (c *SQSChannel) resolveQueueURL(ctx context.Context, queueName string) (string, error) {
	c.mu.Lock()
	cached, ok := c.queueURLs[queueName]
	c.mu.Unlock()
	if ok {
		return cached, nil
	}

	out, err := c.client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{
		QueueName: aws.String(queueName),
	})
	if err != nil {
		return "", fmt.Errorf("failed to resolve queue %q: %w", queueName, err)
	}

	queueURL := aws.ToString(out.QueueUrl)
	c.mu.Lock()
	c.queueURLs[queueName] = queueURL
	c.mu.Unlock()
	return queueURL, nil
}

// queueNameFromURL extracts the queue name from an sqs:// callback URL.
func queueNameFromURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid sqs url %q: %w", rawURL, err)
	}

	name := u.Host
	if name == "" {
		name = strings.Trim(u.Opaque, "/")
	}
	if name == "" {
		return "", fmt.Errorf("sqs url %q has no queue name", rawURL)
	}
	return name, nil
}
