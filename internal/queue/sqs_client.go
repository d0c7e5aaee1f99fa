package queue

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// sqsAPI is the subset of the SQS client the broker uses.
type sqsAPI interface {
	SendMessage(ctx context.Context, queueURL, body string) (string, error)
	ReceiveMessages(ctx context.Context, in sqsReceiveInput) ([]sqsMessage, error)
	DeleteMessage(ctx context.Context, queueURL, receiptHandle string) error
	ChangeVisibility(ctx context.Context, queueURL, receiptHandle string, seconds int32) error
	QueueDepth(ctx context.Context, queueURL string) (string, error)
}

type sqsReceiveInput struct {
	QueueURL    string
	MaxMessages int32
	WaitSeconds int32
	Visibility  int32
}

type sqsMessage struct {
	MessageID     string
	ReceiptHandle string
	Body          string
}

// awsSQSClient adapts the AWS SDK client to sqsAPI.
type awsSQSClient struct {
	client *sqs.Client
}

func newAWSSQSClient(ctx context.Context, region string) (*awsSQSClient, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &awsSQSClient{client: sqs.NewFromConfig(cfg)}, nil
}

func (c *awsSQSClient) SendMessage(ctx context.Context, queueURL, body string) (string, error) {
	out, err := c.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(queueURL),
		MessageBody: aws.String(body),
	})
	if err != nil {
		return "", err
	}
	return aws.ToString(out.MessageId), nil
}

func (c *awsSQSClient) ReceiveMessages(ctx context.Context, in sqsReceiveInput) ([]sqsMessage, error) {
	out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(in.QueueURL),
		MaxNumberOfMessages: in.MaxMessages,
		WaitTimeSeconds:     in.WaitSeconds,
		VisibilityTimeout:   in.Visibility,
	})
	if err != nil {
		return nil, err
	}

	msgs := make([]sqsMessage, 0, len(out.Messages))
	for _, m := range out.Messages {
		msgs = append(msgs, sqsMessage{
			MessageID:     aws.ToString(m.MessageId),
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
			Body:          aws.ToString(m.Body),
		})
	}
	return msgs, nil
}

func (c *awsSQSClient) DeleteMessage(ctx context.Context, queueURL, receiptHandle string) error {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	return err
}

func (c *awsSQSClient) ChangeVisibility(ctx context.Context, queueURL, receiptHandle string, seconds int32) error {
	_, err := c.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(queueURL),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: seconds,
	})
	return err
}

// QueueDepth returns the approximate number of visible messages.
func (c *awsSQSClient) QueueDepth(ctx context.Context, queueURL string) (string, error) {
	out, err := c.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(queueURL),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameApproximateNumberOfMessages},
	})
	if err != nil {
		return "", err
	}
	return out.Attributes[string(types.QueueAttributeNameApproximateNumberOfMessages)], nil
}
