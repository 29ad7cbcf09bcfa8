package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"

	"github.com/stackd-io/stackd/internal/resource"
)

// Key provisions a KMS key. Suspend disables the key and resume enables it
// again; delete schedules key deletion with the minimum pending window.
//
// Properties:
//
//	description           - free text, applied in place
//	deletion_window_days  - 7..30, used when the key is deleted (default 7)
type Key struct {
	apiErrors
	clients *Clients
}

func newKMSErrors() apiErrors {
	return apiErrors{
		notFound:  []string{"NotFoundException"},
		conflict:  []string{"KMSInvalidStateException", "InvalidStateException"},
		overLimit: []string{"LimitExceededException"},
	}
}

func (k *Key) Validate(ctx context.Context, req *resource.Request) error {
	if days := intProp(req.Properties, "deletion_window_days", 7); days < 7 || days > 30 {
		return fmt.Errorf("deletion_window_days must be between 7 and 30, got %d", days)
	}
	return nil
}

func (k *Key) HandleCreate(ctx context.Context, req *resource.Request) (*resource.Progress, error) {
	if err := k.clients.ensure(ctx); err != nil {
		return nil, err
	}

	input := &kms.CreateKeyInput{}
	if desc := stringProp(req.Properties, "description"); desc != "" {
		input.Description = aws.String(desc)
	}

	out, err := k.clients.kmsClient.CreateKey(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to create key: %w", err)
	}

	id := aws.ToString(out.KeyMetadata.KeyId)
	return &resource.Progress{
		ResourceID: id,
		Done:       true,
		Data:       map[string]string{"arn": aws.ToString(out.KeyMetadata.Arn)},
	}, nil
}

func (k *Key) CheckCreateComplete(ctx context.Context, req *resource.Request, token string) (bool, error) {
	return true, nil
}

func (k *Key) HandleUpdate(ctx context.Context, req *resource.Request, changed []string) (*resource.Progress, error) {
	if err := k.clients.ensure(ctx); err != nil {
		return nil, err
	}
	if contains(changed, "description") {
		_, err := k.clients.kmsClient.UpdateKeyDescription(ctx, &kms.UpdateKeyDescriptionInput{
			KeyId:       aws.String(req.ResourceID),
			Description: aws.String(stringProp(req.Properties, "description")),
		})
		if err != nil {
			if k.IsNotFound(err) {
				return nil, resource.ErrNotFound
			}
			return nil, fmt.Errorf("failed to update key %s: %w", req.ResourceID, err)
		}
	}
	return &resource.Progress{Done: true}, nil
}

func (k *Key) CheckUpdateComplete(ctx context.Context, req *resource.Request, token string) (bool, error) {
	return true, nil
}

func (k *Key) HandleDelete(ctx context.Context, req *resource.Request) (*resource.Progress, error) {
	if err := k.clients.ensure(ctx); err != nil {
		return nil, err
	}
	days := int32(intProp(req.Properties, "deletion_window_days", 7))
	_, err := k.clients.kmsClient.ScheduleKeyDeletion(ctx, &kms.ScheduleKeyDeletionInput{
		KeyId:               aws.String(req.ResourceID),
		PendingWindowInDays: aws.Int32(days),
	})
	if err != nil {
		if k.IsNotFound(err) {
			return nil, resource.ErrNotFound
		}
		// Already pending deletion counts as deleted.
		if isCode(err, "KMSInvalidStateException") {
			return &resource.Progress{Done: true}, nil
		}
		return nil, fmt.Errorf("failed to schedule deletion of key %s: %w", req.ResourceID, err)
	}
	return &resource.Progress{Done: true}, nil
}

func (k *Key) CheckDeleteComplete(ctx context.Context, req *resource.Request, token string) (bool, error) {
	return true, nil
}

// HandleSuspend disables the key.
func (k *Key) HandleSuspend(ctx context.Context, req *resource.Request) (*resource.Progress, error) {
	if err := k.clients.ensure(ctx); err != nil {
		return nil, err
	}
	_, err := k.clients.kmsClient.DisableKey(ctx, &kms.DisableKeyInput{KeyId: aws.String(req.ResourceID)})
	if err != nil {
		if k.IsNotFound(err) {
			return nil, resource.ErrNotFound
		}
		return nil, fmt.Errorf("failed to disable key %s: %w", req.ResourceID, err)
	}
	return &resource.Progress{Token: req.ResourceID}, nil
}

func (k *Key) CheckSuspendComplete(ctx context.Context, req *resource.Request, token string) (bool, error) {
	out, err := k.describe(ctx, token)
	if err != nil {
		return false, err
	}
	return out.KeyState == kmstypes.KeyStateDisabled, nil
}

// HandleResume enables the key.
func (k *Key) HandleResume(ctx context.Context, req *resource.Request) (*resource.Progress, error) {
	if err := k.clients.ensure(ctx); err != nil {
		return nil, err
	}
	_, err := k.clients.kmsClient.EnableKey(ctx, &kms.EnableKeyInput{KeyId: aws.String(req.ResourceID)})
	if err != nil {
		if k.IsNotFound(err) {
			return nil, resource.ErrNotFound
		}
		return nil, fmt.Errorf("failed to enable key %s: %w", req.ResourceID, err)
	}
	return &resource.Progress{Token: req.ResourceID}, nil
}

func (k *Key) CheckResumeComplete(ctx context.Context, req *resource.Request, token string) (bool, error) {
	out, err := k.describe(ctx, token)
	if err != nil {
		return false, err
	}
	return out.KeyState == kmstypes.KeyStateEnabled, nil
}

// HandleCheck verifies the key exists and is not pending deletion.
func (k *Key) HandleCheck(ctx context.Context, req *resource.Request) (*resource.Progress, error) {
	if err := k.clients.ensure(ctx); err != nil {
		return nil, err
	}
	out, err := k.describe(ctx, req.ResourceID)
	if err != nil {
		if k.IsNotFound(err) {
			return nil, resource.ErrNotFound
		}
		return nil, err
	}
	if out.KeyState == kmstypes.KeyStatePendingDeletion {
		return nil, resource.ErrNotFound
	}
	return &resource.Progress{Done: true}, nil
}

func (k *Key) CheckCheckComplete(ctx context.Context, req *resource.Request, token string) (bool, error) {
	return true, nil
}

func (k *Key) describe(ctx context.Context, id string) (*kmstypes.KeyMetadata, error) {
	out, err := k.clients.kmsClient.DescribeKey(ctx, &kms.DescribeKeyInput{KeyId: aws.String(id)})
	if err != nil {
		return nil, err
	}
	return out.KeyMetadata, nil
}
