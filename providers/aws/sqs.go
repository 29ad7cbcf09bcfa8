package aws

import (
	"context"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/stackd-io/stackd/internal/resource"
)

// Queue provisions an SQS queue.
//
// Properties:
//
//	name (required)            - queue name; changing it replaces the queue
//	visibility_timeout_seconds - int
//	retention_seconds          - int
//	fifo                       - bool; FIFO queue names must end in .fifo
//	tags                       - string map
type Queue struct {
	apiErrors
	clients *Clients
}

func newQueueErrors() apiErrors {
	return apiErrors{
		notFound:  []string{"QueueDoesNotExist", "AWS.SimpleQueueService.NonExistentQueue"},
		conflict:  []string{"QueueNameExists", "QueueDeletedRecently"},
		overLimit: []string{"OverLimit"},
	}
}

func (q *Queue) Validate(ctx context.Context, req *resource.Request) error {
	name, err := requiredString(req.Properties, "name")
	if err != nil {
		return err
	}
	if boolProp(req.Properties, "fifo") && len(name) > 5 && name[len(name)-5:] != ".fifo" {
		return fmt.Errorf("fifo queue name %q must end in .fifo", name)
	}
	return nil
}

func (q *Queue) HandleCreate(ctx context.Context, req *resource.Request) (*resource.Progress, error) {
	if err := q.clients.ensure(ctx); err != nil {
		return nil, err
	}
	name := stringProp(req.Properties, "name")

	out, err := q.clients.sqsClient.CreateQueue(ctx, &sqs.CreateQueueInput{
		QueueName:  aws.String(name),
		Attributes: queueAttributes(req.Properties),
		Tags:       stringMapProp(req.Properties, "tags"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create queue %s: %w", name, err)
	}

	return &resource.Progress{
		ResourceID: aws.ToString(out.QueueUrl),
		Done:       true,
		Data:       map[string]string{"url": aws.ToString(out.QueueUrl)},
	}, nil
}

func (q *Queue) CheckCreateComplete(ctx context.Context, req *resource.Request, token string) (bool, error) {
	return true, nil
}

func (q *Queue) HandleUpdate(ctx context.Context, req *resource.Request, changed []string) (*resource.Progress, error) {
	if contains(changed, "name") || contains(changed, "fifo") {
		return nil, resource.ErrNeedsReplacement
	}
	if err := q.clients.ensure(ctx); err != nil {
		return nil, err
	}
	_, err := q.clients.sqsClient.SetQueueAttributes(ctx, &sqs.SetQueueAttributesInput{
		QueueUrl:   aws.String(req.ResourceID),
		Attributes: queueAttributes(req.Properties),
	})
	if err != nil {
		if q.IsNotFound(err) {
			return nil, resource.ErrNotFound
		}
		return nil, fmt.Errorf("failed to update queue: %w", err)
	}
	return &resource.Progress{Done: true}, nil
}

func (q *Queue) CheckUpdateComplete(ctx context.Context, req *resource.Request, token string) (bool, error) {
	return true, nil
}

func (q *Queue) HandleDelete(ctx context.Context, req *resource.Request) (*resource.Progress, error) {
	if err := q.clients.ensure(ctx); err != nil {
		return nil, err
	}
	_, err := q.clients.sqsClient.DeleteQueue(ctx, &sqs.DeleteQueueInput{QueueUrl: aws.String(req.ResourceID)})
	if err != nil {
		if q.IsNotFound(err) {
			return nil, resource.ErrNotFound
		}
		return nil, fmt.Errorf("failed to delete queue: %w", err)
	}
	return &resource.Progress{Done: true}, nil
}

func (q *Queue) CheckDeleteComplete(ctx context.Context, req *resource.Request, token string) (bool, error) {
	return true, nil
}

// HandleCheck verifies the queue still exists.
func (q *Queue) HandleCheck(ctx context.Context, req *resource.Request) (*resource.Progress, error) {
	if err := q.clients.ensure(ctx); err != nil {
		return nil, err
	}
	_, err := q.clients.sqsClient.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(req.ResourceID),
		AttributeNames: []sqstypes.QueueAttributeName{sqstypes.QueueAttributeNameQueueArn},
	})
	if err != nil {
		if q.IsNotFound(err) {
			return nil, resource.ErrNotFound
		}
		return nil, err
	}
	return &resource.Progress{Done: true}, nil
}

func (q *Queue) CheckCheckComplete(ctx context.Context, req *resource.Request, token string) (bool, error) {
	return true, nil
}

func queueAttributes(props map[string]any) map[string]string {
	attrs := make(map[string]string)
	if v := intProp(props, "visibility_timeout_seconds", -1); v >= 0 {
		attrs[string(sqstypes.QueueAttributeNameVisibilityTimeout)] = strconv.Itoa(v)
	}
	if v := intProp(props, "retention_seconds", -1); v >= 0 {
		attrs[string(sqstypes.QueueAttributeNameMessageRetentionPeriod)] = strconv.Itoa(v)
	}
	if boolProp(props, "fifo") {
		attrs[string(sqstypes.QueueAttributeNameFifoQueue)] = "true"
	}
	if len(attrs) == 0 {
		return nil
	}
	return attrs
}
