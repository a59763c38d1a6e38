package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// SQSAPI is the subset of the SQS client the provider needs.
type SQSAPI interface {
	CreateQueue(ctx context.Context, params *sqs.CreateQueueInput, optFns ...func(*sqs.Options)) (*sqs.CreateQueueOutput, error)
	GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	DeleteQueue(ctx context.Context, params *sqs.DeleteQueueInput, optFns ...func(*sqs.Options)) (*sqs.DeleteQueueOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// SQSProvider backs pool queues with AWS SQS, one queue per pool code.
type SQSProvider struct {
	client     SQSAPI
	visibility time.Duration
}

// NewSQSProvider builds a provider over an existing client.
func NewSQSProvider(client SQSAPI, visibility time.Duration) *SQSProvider {
	if visibility <= 0 {
		visibility = DefaultVisibilityTimeout
	}
	return &SQSProvider{client: client, visibility: visibility}
}

// OpenSQS loads default AWS config for the region and builds a provider.
func OpenSQS(ctx context.Context, region string, visibility time.Duration) (*SQSProvider, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewSQSProvider(sqs.NewFromConfig(cfg), visibility), nil
}

// CreateIfNotExists implements Provider. SQS CreateQueue is idempotent for
// identical attributes, so existence is probed first only to report the
// created flag accurately.
func (p *SQSProvider) CreateIfNotExists(ctx context.Context, name string) (Queue, bool, error) {
	existing, err := p.queueURL(ctx, name)
	if err == nil {
		return &sqsQueue{provider: p, name: name, url: existing}, false, nil
	}
	var notFound *sqstypes.QueueDoesNotExist
	if !errors.As(err, &notFound) {
		return nil, false, err
	}

	out, err := p.client.CreateQueue(ctx, &sqs.CreateQueueInput{
		QueueName: aws.String(name),
		Attributes: map[string]string{
			string(sqstypes.QueueAttributeNameVisibilityTimeout): strconv.Itoa(int(p.visibility.Seconds())),
		},
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to create queue %s: %w", name, err)
	}
	return &sqsQueue{provider: p, name: name, url: aws.ToString(out.QueueUrl)}, true, nil
}

// Open implements Provider.
func (p *SQSProvider) Open(ctx context.Context, name string) (Queue, error) {
	url, err := p.queueURL(ctx, name)
	if err != nil {
		return nil, err
	}
	return &sqsQueue{provider: p, name: name, url: url}, nil
}

// DeleteIfExists implements Provider.
func (p *SQSProvider) DeleteIfExists(ctx context.Context, name string) (bool, error) {
	url, err := p.queueURL(ctx, name)
	if err != nil {
		var notFound *sqstypes.QueueDoesNotExist
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, err
	}
	if _, err := p.client.DeleteQueue(ctx, &sqs.DeleteQueueInput{QueueUrl: aws.String(url)}); err != nil {
		return false, fmt.Errorf("failed to delete queue %s: %w", name, err)
	}
	return true, nil
}

func (p *SQSProvider) queueURL(ctx context.Context, name string) (string, error) {
	out, err := p.client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(name)})
	if err != nil {
		return "", err
	}
	return aws.ToString(out.QueueUrl), nil
}

type sqsQueue struct {
	provider *SQSProvider
	name     string
	url      string
}

func (q *sqsQueue) Name() string { return q.name }

func (q *sqsQueue) Add(ctx context.Context, body []byte) error {
	_, err := q.provider.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.url),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("failed to send message to %s: %w", q.name, err)
	}
	return nil
}

func (q *sqsQueue) Get(ctx context.Context) (*Message, error) {
	out, err := q.provider.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.url),
		MaxNumberOfMessages: 1,
		VisibilityTimeout:   int32(q.provider.visibility.Seconds()),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to receive from %s: %w", q.name, err)
	}
	if len(out.Messages) == 0 {
		return nil, nil
	}
	msg := out.Messages[0]
	return &Message{
		ID:       aws.ToString(msg.MessageId),
		Receipt:  aws.ToString(msg.ReceiptHandle),
		Body:     []byte(aws.ToString(msg.Body)),
		Dequeued: time.Now().UTC(),
	}, nil
}

func (q *sqsQueue) Delete(ctx context.Context, msg *Message) error {
	_, err := q.provider.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.url),
		ReceiptHandle: aws.String(msg.Receipt),
	})
	if err != nil {
		return fmt.Errorf("failed to delete message from %s: %w", q.name, err)
	}
	return nil
}

func (q *sqsQueue) ApproximateCount(ctx context.Context) (int, error) {
	out, err := q.provider.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(q.url),
		AttributeNames: []sqstypes.QueueAttributeName{sqstypes.QueueAttributeNameApproximateNumberOfMessages},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get attributes for %s: %w", q.name, err)
	}
	raw := out.Attributes[string(sqstypes.QueueAttributeNameApproximateNumberOfMessages)]
	count, err := strconv.Atoi(raw)
	if err != nil {
		return 0, nil
	}
	return count, nil
}
