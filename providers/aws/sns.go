package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"

	"github.com/stackd-io/stackd/internal/resource"
)

// Topic provisions an SNS topic.
//
// Properties:
//
//	name (required) - topic name; changing it replaces the topic
//	display_name    - human-readable name shown in SMS/email
//	tags            - string map
type Topic struct {
	apiErrors
	clients *Clients
}

func newTopicErrors() apiErrors {
	return apiErrors{
		notFound:  []string{"NotFound", "NotFoundException"},
		conflict:  []string{"ConcurrentAccess", "ConcurrentAccessException"},
		overLimit: []string{"TopicLimitExceeded"},
	}
}

func (t *Topic) Validate(ctx context.Context, req *resource.Request) error {
	_, err := requiredString(req.Properties, "name")
	return err
}

func (t *Topic) HandleCreate(ctx context.Context, req *resource.Request) (*resource.Progress, error) {
	if err := t.clients.ensure(ctx); err != nil {
		return nil, err
	}
	name := stringProp(req.Properties, "name")

	input := &sns.CreateTopicInput{Name: aws.String(name)}
	if dn := stringProp(req.Properties, "display_name"); dn != "" {
		input.Attributes = map[string]string{"DisplayName": dn}
	}
	if tags := stringMapProp(req.Properties, "tags"); len(tags) > 0 {
		for k, v := range tags {
			input.Tags = append(input.Tags, snstypes.Tag{Key: aws.String(k), Value: aws.String(v)})
		}
	}

	out, err := t.clients.snsClient.CreateTopic(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to create topic %s: %w", name, err)
	}

	arn := aws.ToString(out.TopicArn)
	return &resource.Progress{
		ResourceID: arn,
		Done:       true,
		Data:       map[string]string{"arn": arn},
	}, nil
}

func (t *Topic) CheckCreateComplete(ctx context.Context, req *resource.Request, token string) (bool, error) {
	return true, nil
}

func (t *Topic) HandleUpdate(ctx context.Context, req *resource.Request, changed []string) (*resource.Progress, error) {
	if contains(changed, "name") {
		return nil, resource.ErrNeedsReplacement
	}
	if err := t.clients.ensure(ctx); err != nil {
		return nil, err
	}
	if contains(changed, "display_name") {
		_, err := t.clients.snsClient.SetTopicAttributes(ctx, &sns.SetTopicAttributesInput{
			TopicArn:       aws.String(req.ResourceID),
			AttributeName:  aws.String("DisplayName"),
			AttributeValue: aws.String(stringProp(req.Properties, "display_name")),
		})
		if err != nil {
			if t.IsNotFound(err) {
				return nil, resource.ErrNotFound
			}
			return nil, fmt.Errorf("failed to update topic: %w", err)
		}
	}
	return &resource.Progress{Done: true}, nil
}

func (t *Topic) CheckUpdateComplete(ctx context.Context, req *resource.Request, token string) (bool, error) {
	return true, nil
}

func (t *Topic) HandleDelete(ctx context.Context, req *resource.Request) (*resource.Progress, error) {
	if err := t.clients.ensure(ctx); err != nil {
		return nil, err
	}
	_, err := t.clients.snsClient.DeleteTopic(ctx, &sns.DeleteTopicInput{TopicArn: aws.String(req.ResourceID)})
	if err != nil {
		if t.IsNotFound(err) {
			return nil, resource.ErrNotFound
		}
		return nil, fmt.Errorf("failed to delete topic: %w", err)
	}
	return &resource.Progress{Done: true}, nil
}

func (t *Topic) CheckDeleteComplete(ctx context.Context, req *resource.Request, token string) (bool, error) {
	return true, nil
}

// HandleCheck verifies the topic still exists.
func (t *Topic) HandleCheck(ctx context.Context, req *resource.Request) (*resource.Progress, error) {
	if err := t.clients.ensure(ctx); err != nil {
		return nil, err
	}
	_, err := t.clients.snsClient.GetTopicAttributes(ctx, &sns.GetTopicAttributesInput{
		TopicArn: aws.String(req.ResourceID),
	})
	if err != nil {
		if t.IsNotFound(err) {
			return nil, resource.ErrNotFound
		}
		return nil, err
	}
	return &resource.Progress{Done: true}, nil
}

func (t *Topic) CheckCheckComplete(ctx context.Context, req *resource.Request, token string) (bool, error) {
	return true, nil
}
