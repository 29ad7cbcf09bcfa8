package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"

	"github.com/stackd-io/stackd/internal/resource"
)

// LogGroup provisions a CloudWatch Logs log group.
//
// Properties:
//
//	name (required) - log group name; changing it replaces the group
//	retention_days  - int, applied in place; 0 means never expire
type LogGroup struct {
	apiErrors
	clients *Clients
}

func newLogsErrors() apiErrors {
	return apiErrors{
		notFound:  []string{"ResourceNotFoundException"},
		conflict:  []string{"ResourceAlreadyExistsException", "OperationAbortedException"},
		overLimit: []string{"LimitExceededException"},
	}
}

func (g *LogGroup) Validate(ctx context.Context, req *resource.Request) error {
	_, err := requiredString(req.Properties, "name")
	return err
}

func (g *LogGroup) HandleCreate(ctx context.Context, req *resource.Request) (*resource.Progress, error) {
	if err := g.clients.ensure(ctx); err != nil {
		return nil, err
	}
	name := stringProp(req.Properties, "name")

	_, err := g.clients.logsClient.CreateLogGroup(ctx, &cloudwatchlogs.CreateLogGroupInput{
		LogGroupName: aws.String(name),
	})
	if err != nil && !isCode(err, "ResourceAlreadyExistsException") {
		return nil, fmt.Errorf("failed to create log group %s: %w", name, err)
	}

	if err := g.applyRetention(ctx, name, req.Properties); err != nil {
		return nil, err
	}

	return &resource.Progress{ResourceID: name, Done: true}, nil
}

func (g *LogGroup) CheckCreateComplete(ctx context.Context, req *resource.Request, token string) (bool, error) {
	return true, nil
}

func (g *LogGroup) HandleUpdate(ctx context.Context, req *resource.Request, changed []string) (*resource.Progress, error) {
	if contains(changed, "name") {
		return nil, resource.ErrNeedsReplacement
	}
	if err := g.clients.ensure(ctx); err != nil {
		return nil, err
	}
	if err := g.applyRetention(ctx, req.ResourceID, req.Properties); err != nil {
		return nil, err
	}
	return &resource.Progress{Done: true}, nil
}

func (g *LogGroup) CheckUpdateComplete(ctx context.Context, req *resource.Request, token string) (bool, error) {
	return true, nil
}

func (g *LogGroup) HandleDelete(ctx context.Context, req *resource.Request) (*resource.Progress, error) {
	if err := g.clients.ensure(ctx); err != nil {
		return nil, err
	}
	_, err := g.clients.logsClient.DeleteLogGroup(ctx, &cloudwatchlogs.DeleteLogGroupInput{
		LogGroupName: aws.String(req.ResourceID),
	})
	if err != nil {
		if g.IsNotFound(err) {
			return nil, resource.ErrNotFound
		}
		return nil, fmt.Errorf("failed to delete log group %s: %w", req.ResourceID, err)
	}
	return &resource.Progress{Done: true}, nil
}

func (g *LogGroup) CheckDeleteComplete(ctx context.Context, req *resource.Request, token string) (bool, error) {
	return true, nil
}

// HandleCheck verifies the log group still exists.
func (g *LogGroup) HandleCheck(ctx context.Context, req *resource.Request) (*resource.Progress, error) {
	if err := g.clients.ensure(ctx); err != nil {
		return nil, err
	}
	out, err := g.clients.logsClient.DescribeLogGroups(ctx, &cloudwatchlogs.DescribeLogGroupsInput{
		LogGroupNamePrefix: aws.String(req.ResourceID),
	})
	if err != nil {
		return nil, err
	}
	for _, lg := range out.LogGroups {
		if aws.ToString(lg.LogGroupName) == req.ResourceID {
			return &resource.Progress{Done: true}, nil
		}
	}
	return nil, resource.ErrNotFound
}

func (g *LogGroup) CheckCheckComplete(ctx context.Context, req *resource.Request, token string) (bool, error) {
	return true, nil
}

func (g *LogGroup) applyRetention(ctx context.Context, name string, props map[string]any) error {
	days := intProp(props, "retention_days", 0)
	if days <= 0 {
		return nil
	}
	_, err := g.clients.logsClient.PutRetentionPolicy(ctx, &cloudwatchlogs.PutRetentionPolicyInput{
		LogGroupName:    aws.String(name),
		RetentionInDays: aws.Int32(int32(days)),
	})
	if err != nil {
		return fmt.Errorf("failed to set retention on log group %s: %w", name, err)
	}
	return nil
}
