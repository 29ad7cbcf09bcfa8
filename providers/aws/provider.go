// Package aws implements stack resource types backed by the AWS SDK.
package aws

import (
	"context"
	"errors"
	"fmt"
	"sync"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/smithy-go"

	"github.com/stackd-io/stackd/internal/resource"
)

// Clients bundles the service clients shared by every AWS resource type. The
// SDK config is loaded lazily on first use.
type Clients struct {
	Region  string
	Profile string

	mu          sync.Mutex
	initialized bool

	s3Client             *s3.Client
	ec2Client            *ec2.Client
	iamClient            *iam.Client
	lambdaClient         *lambda.Client
	dynamodbClient       *dynamodb.Client
	sqsClient            *sqs.Client
	snsClient            *sns.Client
	kmsClient            *kms.Client
	secretsmanagerClient *secretsmanager.Client
	logsClient           *cloudwatchlogs.Client
}

// NewClients returns a client bundle for the region. An empty region falls
// back to the SDK's resolution chain.
func NewClients(region, profile string) *Clients {
	return &Clients{Region: region, Profile: profile}
}

func (c *Clients) ensure(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initialized {
		return nil
	}

	var opts []func(*awsconfig.LoadOptions) error
	if c.Region != "" {
		opts = append(opts, awsconfig.WithRegion(c.Region))
	}
	if c.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(c.Profile))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("unable to load SDK config: %w", err)
	}

	c.s3Client = s3.NewFromConfig(cfg)
	c.ec2Client = ec2.NewFromConfig(cfg)
	c.iamClient = iam.NewFromConfig(cfg)
	c.lambdaClient = lambda.NewFromConfig(cfg)
	c.dynamodbClient = dynamodb.NewFromConfig(cfg)
	c.sqsClient = sqs.NewFromConfig(cfg)
	c.snsClient = sns.NewFromConfig(cfg)
	c.kmsClient = kms.NewFromConfig(cfg)
	c.secretsmanagerClient = secretsmanager.NewFromConfig(cfg)
	c.logsClient = cloudwatchlogs.NewFromConfig(cfg)

	c.initialized = true
	return nil
}

// Register wires every AWS resource type into the registry, all backed by the
// same client bundle.
func Register(reg *resource.Registry, c *Clients) error {
	types := map[string]resource.Factory{
		"aws::s3.bucket":             func() resource.Implementation { return &Bucket{apiErrors: newBucketErrors(), clients: c} },
		"aws::sqs.queue":             func() resource.Implementation { return &Queue{apiErrors: newQueueErrors(), clients: c} },
		"aws::sns.topic":             func() resource.Implementation { return &Topic{apiErrors: newTopicErrors(), clients: c} },
		"aws::dynamodb.table":        func() resource.Implementation { return &Table{apiErrors: newTableErrors(), clients: c} },
		"aws::ec2.vpc":               func() resource.Implementation { return &Vpc{apiErrors: newEC2Errors(), clients: c} },
		"aws::ec2.instance":          func() resource.Implementation { return &Instance{apiErrors: newEC2Errors(), clients: c} },
		"aws::iam.role":              func() resource.Implementation { return &Role{apiErrors: newIAMErrors(), clients: c} },
		"aws::kms.key":               func() resource.Implementation { return &Key{apiErrors: newKMSErrors(), clients: c} },
		"aws::secretsmanager.secret": func() resource.Implementation { return &Secret{apiErrors: newSecretErrors(), clients: c} },
		"aws::logs.group":            func() resource.Implementation { return &LogGroup{apiErrors: newLogsErrors(), clients: c} },
		"aws::lambda.function":       func() resource.Implementation { return &Function{apiErrors: newLambdaErrors(), clients: c} },
	}
	for name, factory := range types {
		if err := reg.Register(name, factory); err != nil {
			return err
		}
	}
	return nil
}

// errorCode extracts the service error code from an SDK error.
func errorCode(err error) string {
	var ae smithy.APIError
	if errors.As(err, &ae) {
		return ae.ErrorCode()
	}
	return ""
}

func isCode(err error, codes ...string) bool {
	got := errorCode(err)
	if got == "" {
		return false
	}
	for _, code := range codes {
		if got == code {
			return true
		}
	}
	return false
}

// apiErrors classifies SDK errors by service error code. Resource types embed
// it with their service's code lists.
type apiErrors struct {
	notFound  []string
	conflict  []string
	overLimit []string
}

func (e apiErrors) IsNotFound(err error) bool {
	return isCode(err, e.notFound...) || errors.Is(err, resource.ErrNotFound)
}

func (e apiErrors) IsConflict(err error) bool {
	return isCode(err, e.conflict...)
}

func (e apiErrors) IsOverLimit(err error) bool {
	return isCode(err, append(e.overLimit, "Throttling", "ThrottlingException", "TooManyRequestsException", "RequestLimitExceeded")...)
}

// Property helpers. Templates carry YAML-decoded bags, so numbers may arrive
// as int or float64.

func stringProp(props map[string]any, key string) string {
	if v, ok := props[key].(string); ok {
		return v
	}
	return ""
}

func requiredString(props map[string]any, key string) (string, error) {
	v := stringProp(props, key)
	if v == "" {
		return "", fmt.Errorf("property %q is required", key)
	}
	return v, nil
}

func boolProp(props map[string]any, key string) bool {
	if v, ok := props[key].(bool); ok {
		return v
	}
	return false
}

func intProp(props map[string]any, key string, def int) int {
	switch v := props[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

func stringMapProp(props map[string]any, key string) map[string]string {
	raw, ok := props[key].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
