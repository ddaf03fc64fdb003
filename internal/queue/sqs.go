package queue

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// SQSMaxBatch is the largest batch SQS accepts for receive and batch calls.
const SQSMaxBatch = 10

// SQSAPI is the subset of the SQS client used by SQSQueue.
type SQSAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	ChangeMessageVisibilityBatch(ctx context.Context, params *sqs.ChangeMessageVisibilityBatchInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityBatchOutput, error)
}

// SQSQueue is a Queue backed by an SQS queue URL.
type SQSQueue struct {
	api  SQSAPI
	desc Descriptor
}

// NewSQSClient builds an SQS client, optionally against a custom endpoint.
func NewSQSClient(cfg aws.Config, endpoint string) *sqs.Client {
	return sqs.NewFromConfig(cfg, func(o *sqs.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
}

// NewSQS returns a queue for desc. MaxBatch is clamped to what SQS allows.
func NewSQS(api SQSAPI, desc Descriptor) *SQSQueue {
	if desc.MaxBatch <= 0 || desc.MaxBatch > SQSMaxBatch {
		desc.MaxBatch = SQSMaxBatch
	}
	return &SQSQueue{api: api, desc: desc}
}

func (q *SQSQueue) Descriptor() Descriptor {
	return q.desc
}

func (q *SQSQueue) Receive(ctx context.Context, max int) ([]Message, error) {
	if max <= 0 {
		return nil, nil
	}
	if max > q.desc.MaxBatch {
		max = q.desc.MaxBatch
	}

	out, err := q.api.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.desc.Address),
		MaxNumberOfMessages: int32(max),
		VisibilityTimeout:   seconds(q.desc.VisibilityTimeout),
		WaitTimeSeconds:     seconds(q.desc.WaitTime),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to receive from %s: %w", q.desc.Name, err)
	}

	msgs := make([]Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		msgs = append(msgs, Message{
			Handle:   aws.ToString(m.ReceiptHandle),
			Body:     []byte(aws.ToString(m.Body)),
			Priority: q.desc.Priority,
		})
	}
	return msgs, nil
}

func (q *SQSQueue) Delete(ctx context.Context, handle string) error {
	if _, err := q.api.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.desc.Address),
		ReceiptHandle: aws.String(handle),
	}); err != nil {
		return fmt.Errorf("failed to delete message from %s: %w", q.desc.Name, err)
	}
	return nil
}

func (q *SQSQueue) Requeue(ctx context.Context, handle string) error {
	if _, err := q.api.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(q.desc.Address),
		ReceiptHandle:     aws.String(handle),
		VisibilityTimeout: 0,
	}); err != nil {
		return fmt.Errorf("failed to requeue message on %s: %w", q.desc.Name, err)
	}
	return nil
}

// ExtendVisibility sends one batch request per SQSMaxBatch handles.
func (q *SQSQueue) ExtendVisibility(ctx context.Context, handles []string, d time.Duration) error {
	var failed []string
	for start := 0; start < len(handles); start += SQSMaxBatch {
		end := min(start+SQSMaxBatch, len(handles))

		entries := make([]types.ChangeMessageVisibilityBatchRequestEntry, 0, end-start)
		for i, h := range handles[start:end] {
			entries = append(entries, types.ChangeMessageVisibilityBatchRequestEntry{
				Id:                aws.String(strconv.Itoa(start + i)),
				ReceiptHandle:     aws.String(h),
				VisibilityTimeout: seconds(d),
			})
		}

		out, err := q.api.ChangeMessageVisibilityBatch(ctx, &sqs.ChangeMessageVisibilityBatchInput{
			QueueUrl: aws.String(q.desc.Address),
			Entries:  entries,
		})
		if err != nil {
			return fmt.Errorf("failed to extend visibility on %s: %w", q.desc.Name, err)
		}
		for _, f := range out.Failed {
			failed = append(failed, fmt.Sprintf("%s: %s", aws.ToString(f.Id), aws.ToString(f.Code)))
		}
	}

	if len(failed) > 0 {
		return fmt.Errorf("failed to extend %d of %d leases on %s: %s",
			len(failed), len(handles), q.desc.Name, strings.Join(failed, ", "))
	}
	return nil
}

func seconds(d time.Duration) int32 {
	return int32(d / time.Second)
}
