package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"

	"github.com/stackd-io/stackd/internal/resource"
)

// Function provisions a Lambda function from code staged in S3. Suspend
// throttles the function to zero concurrency; resume lifts the throttle.
//
// Properties:
//
//	name (required)      - function name; changing it replaces the function
//	role (required)      - execution role ARN
//	runtime (required)   - e.g. python3.12
//	handler (required)   - e.g. app.handler
//	s3_bucket (required) - code bucket
//	s3_key (required)    - code object key
//	memory_mb            - int, applied in place
//	timeout_seconds      - int, applied in place
type Function struct {
	apiErrors
	clients *Clients
}

func newLambdaErrors() apiErrors {
	return apiErrors{
		notFound:  []string{"ResourceNotFoundException"},
		conflict:  []string{"ResourceConflictException", "InvalidParameterValueException"},
		overLimit: []string{"TooManyRequestsException", "CodeStorageExceededException"},
	}
}

func (f *Function) Validate(ctx context.Context, req *resource.Request) error {
	for _, key := range []string{"name", "role", "runtime", "handler", "s3_bucket", "s3_key"} {
		if _, err := requiredString(req.Properties, key); err != nil {
			return err
		}
	}
	return nil
}

func (f *Function) HandleCreate(ctx context.Context, req *resource.Request) (*resource.Progress, error) {
	if err := f.clients.ensure(ctx); err != nil {
		return nil, err
	}
	name := stringProp(req.Properties, "name")

	input := &lambda.CreateFunctionInput{
		FunctionName: aws.String(name),
		Role:         aws.String(stringProp(req.Properties, "role")),
		Runtime:      lambdatypes.Runtime(stringProp(req.Properties, "runtime")),
		Handler:      aws.String(stringProp(req.Properties, "handler")),
		Code: &lambdatypes.FunctionCode{
			S3Bucket: aws.String(stringProp(req.Properties, "s3_bucket")),
			S3Key:    aws.String(stringProp(req.Properties, "s3_key")),
		},
	}
	if mb := intProp(req.Properties, "memory_mb", 0); mb > 0 {
		input.MemorySize = aws.Int32(int32(mb))
	}
	if secs := intProp(req.Properties, "timeout_seconds", 0); secs > 0 {
		input.Timeout = aws.Int32(int32(secs))
	}

	out, err := f.clients.lambdaClient.CreateFunction(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to create function %s: %w", name, err)
	}

	return &resource.Progress{
		ResourceID: name,
		Token:      name,
		Data:       map[string]string{"arn": aws.ToString(out.FunctionArn)},
	}, nil
}

func (f *Function) CheckCreateComplete(ctx context.Context, req *resource.Request, token string) (bool, error) {
	out, err := f.clients.lambdaClient.GetFunction(ctx, &lambda.GetFunctionInput{
		FunctionName: aws.String(token),
	})
	if err != nil {
		return false, err
	}
	switch out.Configuration.State {
	case lambdatypes.StateActive:
		return true, nil
	case lambdatypes.StateFailed:
		return false, fmt.Errorf("function %s entered Failed state: %s", token, aws.ToString(out.Configuration.StateReason))
	default:
		return false, nil
	}
}

func (f *Function) HandleUpdate(ctx context.Context, req *resource.Request, changed []string) (*resource.Progress, error) {
	if contains(changed, "name") {
		return nil, resource.ErrNeedsReplacement
	}
	if err := f.clients.ensure(ctx); err != nil {
		return nil, err
	}

	if contains(changed, "s3_bucket") || contains(changed, "s3_key") {
		_, err := f.clients.lambdaClient.UpdateFunctionCode(ctx, &lambda.UpdateFunctionCodeInput{
			FunctionName: aws.String(req.ResourceID),
			S3Bucket:     aws.String(stringProp(req.Properties, "s3_bucket")),
			S3Key:        aws.String(stringProp(req.Properties, "s3_key")),
		})
		if err != nil {
			if f.IsNotFound(err) {
				return nil, resource.ErrNotFound
			}
			return nil, fmt.Errorf("failed to update code of function %s: %w", req.ResourceID, err)
		}
	}

	config := &lambda.UpdateFunctionConfigurationInput{FunctionName: aws.String(req.ResourceID)}
	touched := false
	if contains(changed, "role") {
		config.Role = aws.String(stringProp(req.Properties, "role"))
		touched = true
	}
	if contains(changed, "runtime") {
		config.Runtime = lambdatypes.Runtime(stringProp(req.Properties, "runtime"))
		touched = true
	}
	if contains(changed, "handler") {
		config.Handler = aws.String(stringProp(req.Properties, "handler"))
		touched = true
	}
	if contains(changed, "memory_mb") {
		config.MemorySize = aws.Int32(int32(intProp(req.Properties, "memory_mb", 128)))
		touched = true
	}
	if contains(changed, "timeout_seconds") {
		config.Timeout = aws.Int32(int32(intProp(req.Properties, "timeout_seconds", 3)))
		touched = true
	}
	if touched {
		if _, err := f.clients.lambdaClient.UpdateFunctionConfiguration(ctx, config); err != nil {
			if f.IsNotFound(err) {
				return nil, resource.ErrNotFound
			}
			return nil, fmt.Errorf("failed to update function %s: %w", req.ResourceID, err)
		}
	}

	return &resource.Progress{Token: req.ResourceID}, nil
}

func (f *Function) CheckUpdateComplete(ctx context.Context, req *resource.Request, token string) (bool, error) {
	out, err := f.clients.lambdaClient.GetFunction(ctx, &lambda.GetFunctionInput{
		FunctionName: aws.String(token),
	})
	if err != nil {
		return false, err
	}
	return out.Configuration.LastUpdateStatus == lambdatypes.LastUpdateStatusSuccessful, nil
}

func (f *Function) HandleDelete(ctx context.Context, req *resource.Request) (*resource.Progress, error) {
	if err := f.clients.ensure(ctx); err != nil {
		return nil, err
	}
	_, err := f.clients.lambdaClient.DeleteFunction(ctx, &lambda.DeleteFunctionInput{
		FunctionName: aws.String(req.ResourceID),
	})
	if err != nil {
		if f.IsNotFound(err) {
			return nil, resource.ErrNotFound
		}
		return nil, fmt.Errorf("failed to delete function %s: %w", req.ResourceID, err)
	}
	return &resource.Progress{Done: true}, nil
}

func (f *Function) CheckDeleteComplete(ctx context.Context, req *resource.Request, token string) (bool, error) {
	return true, nil
}

// HandleSuspend throttles the function to zero reserved concurrency.
func (f *Function) HandleSuspend(ctx context.Context, req *resource.Request) (*resource.Progress, error) {
	if err := f.clients.ensure(ctx); err != nil {
		return nil, err
	}
	_, err := f.clients.lambdaClient.PutFunctionConcurrency(ctx, &lambda.PutFunctionConcurrencyInput{
		FunctionName:                 aws.String(req.ResourceID),
		ReservedConcurrentExecutions: aws.Int32(0),
	})
	if err != nil {
		if f.IsNotFound(err) {
			return nil, resource.ErrNotFound
		}
		return nil, fmt.Errorf("failed to throttle function %s: %w", req.ResourceID, err)
	}
	return &resource.Progress{Done: true}, nil
}

func (f *Function) CheckSuspendComplete(ctx context.Context, req *resource.Request, token string) (bool, error) {
	return true, nil
}

// HandleResume lifts the zero-concurrency throttle.
func (f *Function) HandleResume(ctx context.Context, req *resource.Request) (*resource.Progress, error) {
	if err := f.clients.ensure(ctx); err != nil {
		return nil, err
	}
	_, err := f.clients.lambdaClient.DeleteFunctionConcurrency(ctx, &lambda.DeleteFunctionConcurrencyInput{
		FunctionName: aws.String(req.ResourceID),
	})
	if err != nil {
		if f.IsNotFound(err) {
			return nil, resource.ErrNotFound
		}
		return nil, fmt.Errorf("failed to unthrottle function %s: %w", req.ResourceID, err)
	}
	return &resource.Progress{Done: true}, nil
}

func (f *Function) CheckResumeComplete(ctx context.Context, req *resource.Request, token string) (bool, error) {
	return true, nil
}

// HandleCheck verifies the function exists and is active.
func (f *Function) HandleCheck(ctx context.Context, req *resource.Request) (*resource.Progress, error) {
	if err := f.clients.ensure(ctx); err != nil {
		return nil, err
	}
	out, err := f.clients.lambdaClient.GetFunction(ctx, &lambda.GetFunctionInput{
		FunctionName: aws.String(req.ResourceID),
	})
	if err != nil {
		if f.IsNotFound(err) {
			return nil, resource.ErrNotFound
		}
		return nil, err
	}
	if out.Configuration.State == lambdatypes.StateFailed {
		return nil, fmt.Errorf("function %s is in Failed state", req.ResourceID)
	}
	return &resource.Progress{Done: true}, nil
}

func (f *Function) CheckCheckComplete(ctx context.Context, req *resource.Request, token string) (bool, error) {
	return true, nil
}
