package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"

	"github.com/stackd-io/stackd/internal/resource"
)

// Role provisions an IAM role.
//
// Properties:
//
//	name (required)               - role name; changing it replaces the role
//	assume_role_policy (required) - trust policy JSON document
//	description                   - free text, applied in place
type Role struct {
	apiErrors
	clients *Clients
}

func newIAMErrors() apiErrors {
	return apiErrors{
		notFound:  []string{"NoSuchEntity", "NoSuchEntityException"},
		conflict:  []string{"EntityAlreadyExists", "DeleteConflict", "ConcurrentModification"},
		overLimit: []string{"LimitExceeded"},
	}
}

func (r *Role) Validate(ctx context.Context, req *resource.Request) error {
	if _, err := requiredString(req.Properties, "name"); err != nil {
		return err
	}
	_, err := requiredString(req.Properties, "assume_role_policy")
	return err
}

func (r *Role) HandleCreate(ctx context.Context, req *resource.Request) (*resource.Progress, error) {
	if err := r.clients.ensure(ctx); err != nil {
		return nil, err
	}
	name := stringProp(req.Properties, "name")

	input := &iam.CreateRoleInput{
		RoleName:                 aws.String(name),
		AssumeRolePolicyDocument: aws.String(stringProp(req.Properties, "assume_role_policy")),
	}
	if desc := stringProp(req.Properties, "description"); desc != "" {
		input.Description = aws.String(desc)
	}

	out, err := r.clients.iamClient.CreateRole(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to create role %s: %w", name, err)
	}

	return &resource.Progress{
		ResourceID: name,
		Done:       true,
		Data:       map[string]string{"arn": aws.ToString(out.Role.Arn)},
	}, nil
}

func (r *Role) CheckCreateComplete(ctx context.Context, req *resource.Request, token string) (bool, error) {
	return true, nil
}

func (r *Role) HandleUpdate(ctx context.Context, req *resource.Request, changed []string) (*resource.Progress, error) {
	if contains(changed, "name") {
		return nil, resource.ErrNeedsReplacement
	}
	if err := r.clients.ensure(ctx); err != nil {
		return nil, err
	}

	if contains(changed, "assume_role_policy") {
		_, err := r.clients.iamClient.UpdateAssumeRolePolicy(ctx, &iam.UpdateAssumeRolePolicyInput{
			RoleName:       aws.String(req.ResourceID),
			PolicyDocument: aws.String(stringProp(req.Properties, "assume_role_policy")),
		})
		if err != nil {
			if r.IsNotFound(err) {
				return nil, resource.ErrNotFound
			}
			return nil, fmt.Errorf("failed to update trust policy on role %s: %w", req.ResourceID, err)
		}
	}
	if contains(changed, "description") {
		_, err := r.clients.iamClient.UpdateRole(ctx, &iam.UpdateRoleInput{
			RoleName:    aws.String(req.ResourceID),
			Description: aws.String(stringProp(req.Properties, "description")),
		})
		if err != nil {
			if r.IsNotFound(err) {
				return nil, resource.ErrNotFound
			}
			return nil, fmt.Errorf("failed to update role %s: %w", req.ResourceID, err)
		}
	}
	return &resource.Progress{Done: true}, nil
}

func (r *Role) CheckUpdateComplete(ctx context.Context, req *resource.Request, token string) (bool, error) {
	return true, nil
}

func (r *Role) HandleDelete(ctx context.Context, req *resource.Request) (*resource.Progress, error) {
	if err := r.clients.ensure(ctx); err != nil {
		return nil, err
	}
	_, err := r.clients.iamClient.DeleteRole(ctx, &iam.DeleteRoleInput{RoleName: aws.String(req.ResourceID)})
	if err != nil {
		if r.IsNotFound(err) {
			return nil, resource.ErrNotFound
		}
		return nil, fmt.Errorf("failed to delete role %s: %w", req.ResourceID, err)
	}
	return &resource.Progress{Done: true}, nil
}

func (r *Role) CheckDeleteComplete(ctx context.Context, req *resource.Request, token string) (bool, error) {
	return true, nil
}

// HandleCheck verifies the role still exists.
func (r *Role) HandleCheck(ctx context.Context, req *resource.Request) (*resource.Progress, error) {
	if err := r.clients.ensure(ctx); err != nil {
		return nil, err
	}
	_, err := r.clients.iamClient.GetRole(ctx, &iam.GetRoleInput{RoleName: aws.String(req.ResourceID)})
	if err != nil {
		if r.IsNotFound(err) {
			return nil, resource.ErrNotFound
		}
		return nil, err
	}
	return &resource.Progress{Done: true}, nil
}

func (r *Role) CheckCheckComplete(ctx context.Context, req *resource.Request, token string) (bool, error) {
	return true, nil
}
