package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	"github.com/stackd-io/stackd/internal/resource"
)

// Secret provisions a Secrets Manager secret.
//
// Properties:
//
//	name (required) - secret name; changing it replaces the secret
//	value           - secret string; rotated in place
//	description     - free text, applied in place
//	force_delete    - bool, skip the recovery window on delete
type Secret struct {
	apiErrors
	clients *Clients
}

func newSecretErrors() apiErrors {
	return apiErrors{
		notFound:  []string{"ResourceNotFoundException"},
		conflict:  []string{"ResourceExistsException", "InvalidRequestException"},
		overLimit: []string{"LimitExceededException"},
	}
}

func (s *Secret) Validate(ctx context.Context, req *resource.Request) error {
	_, err := requiredString(req.Properties, "name")
	return err
}

func (s *Secret) HandleCreate(ctx context.Context, req *resource.Request) (*resource.Progress, error) {
	if err := s.clients.ensure(ctx); err != nil {
		return nil, err
	}
	name := stringProp(req.Properties, "name")

	input := &secretsmanager.CreateSecretInput{Name: aws.String(name)}
	if v := stringProp(req.Properties, "value"); v != "" {
		input.SecretString = aws.String(v)
	}
	if desc := stringProp(req.Properties, "description"); desc != "" {
		input.Description = aws.String(desc)
	}

	out, err := s.clients.secretsmanagerClient.CreateSecret(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to create secret %s: %w", name, err)
	}

	arn := aws.ToString(out.ARN)
	return &resource.Progress{
		ResourceID: arn,
		Done:       true,
		Data:       map[string]string{"arn": arn},
	}, nil
}

func (s *Secret) CheckCreateComplete(ctx context.Context, req *resource.Request, token string) (bool, error) {
	return true, nil
}

func (s *Secret) HandleUpdate(ctx context.Context, req *resource.Request, changed []string) (*resource.Progress, error) {
	if contains(changed, "name") {
		return nil, resource.ErrNeedsReplacement
	}
	if err := s.clients.ensure(ctx); err != nil {
		return nil, err
	}

	input := &secretsmanager.UpdateSecretInput{SecretId: aws.String(req.ResourceID)}
	if contains(changed, "value") {
		input.SecretString = aws.String(stringProp(req.Properties, "value"))
	}
	if contains(changed, "description") {
		input.Description = aws.String(stringProp(req.Properties, "description"))
	}

	if _, err := s.clients.secretsmanagerClient.UpdateSecret(ctx, input); err != nil {
		if s.IsNotFound(err) {
			return nil, resource.ErrNotFound
		}
		return nil, fmt.Errorf("failed to update secret: %w", err)
	}
	return &resource.Progress{Done: true}, nil
}

func (s *Secret) CheckUpdateComplete(ctx context.Context, req *resource.Request, token string) (bool, error) {
	return true, nil
}

func (s *Secret) HandleDelete(ctx context.Context, req *resource.Request) (*resource.Progress, error) {
	if err := s.clients.ensure(ctx); err != nil {
		return nil, err
	}

	input := &secretsmanager.DeleteSecretInput{SecretId: aws.String(req.ResourceID)}
	if boolProp(req.Properties, "force_delete") {
		input.ForceDeleteWithoutRecovery = aws.Bool(true)
	}

	if _, err := s.clients.secretsmanagerClient.DeleteSecret(ctx, input); err != nil {
		if s.IsNotFound(err) {
			return nil, resource.ErrNotFound
		}
		return nil, fmt.Errorf("failed to delete secret: %w", err)
	}
	return &resource.Progress{Done: true}, nil
}

func (s *Secret) CheckDeleteComplete(ctx context.Context, req *resource.Request, token string) (bool, error) {
	return true, nil
}

// HandleCheck verifies the secret exists and is not scheduled for deletion.
func (s *Secret) HandleCheck(ctx context.Context, req *resource.Request) (*resource.Progress, error) {
	if err := s.clients.ensure(ctx); err != nil {
		return nil, err
	}
	out, err := s.clients.secretsmanagerClient.DescribeSecret(ctx, &secretsmanager.DescribeSecretInput{
		SecretId: aws.String(req.ResourceID),
	})
	if err != nil {
		if s.IsNotFound(err) {
			return nil, resource.ErrNotFound
		}
		return nil, err
	}
	if out.DeletedDate != nil {
		return nil, resource.ErrNotFound
	}
	return &resource.Progress{Done: true}, nil
}

func (s *Secret) CheckCheckComplete(ctx context.Context, req *resource.Request, token string) (bool, error) {
	return true, nil
}

// HandleSnapshot records the current version id so a restore can pin it.
func (s *Secret) HandleSnapshot(ctx context.Context, req *resource.Request) (*resource.Progress, error) {
	if err := s.clients.ensure(ctx); err != nil {
		return nil, err
	}
	out, err := s.clients.secretsmanagerClient.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(req.ResourceID),
	})
	if err != nil {
		if s.IsNotFound(err) {
			return nil, resource.ErrNotFound
		}
		return nil, fmt.Errorf("failed to read secret: %w", err)
	}
	return &resource.Progress{
		Done: true,
		Data: map[string]string{"version_id": aws.ToString(out.VersionId)},
	}, nil
}

func (s *Secret) CheckSnapshotComplete(ctx context.Context, req *resource.Request, token string) (bool, error) {
	return true, nil
}
