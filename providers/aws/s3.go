package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/stackd-io/stackd/internal/resource"
)

// Bucket provisions an S3 bucket.
//
// Properties:
//
//	bucket (required) - bucket name; changing it replaces the bucket
//	versioning        - bool, enables object versioning
//	tags              - string map
type Bucket struct {
	apiErrors
	clients *Clients
}

func newBucketErrors() apiErrors {
	return apiErrors{
		notFound:  []string{"NotFound", "NoSuchBucket"},
		conflict:  []string{"BucketAlreadyOwnedByYou", "BucketAlreadyExists", "OperationAborted"},
		overLimit: []string{"SlowDown", "TooManyBuckets"},
	}
}

func (b *Bucket) Validate(ctx context.Context, req *resource.Request) error {
	_, err := requiredString(req.Properties, "bucket")
	return err
}

func (b *Bucket) HandleCreate(ctx context.Context, req *resource.Request) (*resource.Progress, error) {
	if err := b.clients.ensure(ctx); err != nil {
		return nil, err
	}
	name := stringProp(req.Properties, "bucket")

	input := &s3.CreateBucketInput{Bucket: aws.String(name)}
	if region := b.clients.Region; region != "" && region != "us-east-1" {
		input.CreateBucketConfiguration = &s3types.CreateBucketConfiguration{
			LocationConstraint: s3types.BucketLocationConstraint(region),
		}
	}

	if _, err := b.clients.s3Client.CreateBucket(ctx, input); err != nil {
		// Re-creating a bucket we already own is idempotent.
		if !isCode(err, "BucketAlreadyOwnedByYou") {
			return nil, fmt.Errorf("failed to create bucket %s: %w", name, err)
		}
	}

	if err := b.applySettings(ctx, name, req.Properties); err != nil {
		return nil, err
	}

	return &resource.Progress{
		ResourceID: name,
		Token:      name,
		Data:       map[string]string{"arn": "arn:aws:s3:::" + name},
	}, nil
}

func (b *Bucket) CheckCreateComplete(ctx context.Context, req *resource.Request, token string) (bool, error) {
	_, err := b.clients.s3Client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(token)})
	if err != nil {
		if b.IsNotFound(err) {
			// Name propagation can lag the create call.
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// HandleUpdate applies versioning and tag changes in place. A bucket rename
// needs a new bucket.
func (b *Bucket) HandleUpdate(ctx context.Context, req *resource.Request, changed []string) (*resource.Progress, error) {
	if contains(changed, "bucket") {
		return nil, resource.ErrNeedsReplacement
	}
	if err := b.clients.ensure(ctx); err != nil {
		return nil, err
	}
	if err := b.applySettings(ctx, req.ResourceID, req.Properties); err != nil {
		return nil, err
	}
	return &resource.Progress{Done: true}, nil
}

func (b *Bucket) CheckUpdateComplete(ctx context.Context, req *resource.Request, token string) (bool, error) {
	return true, nil
}

func (b *Bucket) HandleDelete(ctx context.Context, req *resource.Request) (*resource.Progress, error) {
	if err := b.clients.ensure(ctx); err != nil {
		return nil, err
	}
	_, err := b.clients.s3Client.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(req.ResourceID)})
	if err != nil {
		if b.IsNotFound(err) {
			return nil, resource.ErrNotFound
		}
		return nil, fmt.Errorf("failed to delete bucket %s: %w", req.ResourceID, err)
	}
	return &resource.Progress{Token: req.ResourceID}, nil
}

func (b *Bucket) CheckDeleteComplete(ctx context.Context, req *resource.Request, token string) (bool, error) {
	_, err := b.clients.s3Client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(token)})
	if err != nil {
		if b.IsNotFound(err) {
			return true, nil
		}
		return false, err
	}
	return false, nil
}

// HandleCheck verifies the bucket still exists.
func (b *Bucket) HandleCheck(ctx context.Context, req *resource.Request) (*resource.Progress, error) {
	if err := b.clients.ensure(ctx); err != nil {
		return nil, err
	}
	_, err := b.clients.s3Client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(req.ResourceID)})
	if err != nil {
		if b.IsNotFound(err) {
			return nil, resource.ErrNotFound
		}
		return nil, err
	}
	return &resource.Progress{Done: true}, nil
}

func (b *Bucket) CheckCheckComplete(ctx context.Context, req *resource.Request, token string) (bool, error) {
	return true, nil
}

func (b *Bucket) applySettings(ctx context.Context, name string, props map[string]any) error {
	if _, ok := props["versioning"]; ok {
		status := s3types.BucketVersioningStatusSuspended
		if boolProp(props, "versioning") {
			status = s3types.BucketVersioningStatusEnabled
		}
		_, err := b.clients.s3Client.PutBucketVersioning(ctx, &s3.PutBucketVersioningInput{
			Bucket:                  aws.String(name),
			VersioningConfiguration: &s3types.VersioningConfiguration{Status: status},
		})
		if err != nil {
			return fmt.Errorf("failed to set versioning on bucket %s: %w", name, err)
		}
	}

	if tags := stringMapProp(props, "tags"); len(tags) > 0 {
		set := make([]s3types.Tag, 0, len(tags))
		for k, v := range tags {
			set = append(set, s3types.Tag{Key: aws.String(k), Value: aws.String(v)})
		}
		_, err := b.clients.s3Client.PutBucketTagging(ctx, &s3.PutBucketTaggingInput{
			Bucket:  aws.String(name),
			Tagging: &s3types.Tagging{TagSet: set},
		})
		if err != nil {
			return fmt.Errorf("failed to tag bucket %s: %w", name, err)
		}
	}
	return nil
}
