package aws

import (
	"errors"
	"testing"

	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackd-io/stackd/internal/resource"
)

func apiErr(code string) error {
	return &smithy.GenericAPIError{Code: code, Message: code}
}

func TestAPIErrorClassification(t *testing.T) {
	e := newBucketErrors()

	assert.True(t, e.IsNotFound(apiErr("NoSuchBucket")))
	assert.True(t, e.IsNotFound(resource.ErrNotFound))
	assert.False(t, e.IsNotFound(apiErr("AccessDenied")))
	assert.False(t, e.IsNotFound(errors.New("plain error")))

	assert.True(t, e.IsConflict(apiErr("BucketAlreadyOwnedByYou")))
	assert.False(t, e.IsConflict(apiErr("NoSuchBucket")))

	assert.True(t, e.IsOverLimit(apiErr("SlowDown")))
	assert.True(t, e.IsOverLimit(apiErr("Throttling")), "generic throttling codes apply to every service")
	assert.False(t, e.IsOverLimit(apiErr("NoSuchBucket")))
}

func TestRegisterTypes(t *testing.T) {
	reg := resource.NewRegistry()
	require.NoError(t, Register(reg, NewClients("us-east-1", "")))

	impl, err := reg.New("aws::s3.bucket")
	require.NoError(t, err)
	assert.IsType(t, &Bucket{}, impl)

	_, err = reg.New("aws::nope")
	assert.Error(t, err)

	// Optional capabilities are discovered by assertion.
	inst, err := reg.New("aws::ec2.instance")
	require.NoError(t, err)
	_, ok := inst.(resource.Suspender)
	assert.True(t, ok)
	_, ok = inst.(resource.Snapshotter)
	assert.True(t, ok)
}

func TestPropertyHelpers(t *testing.T) {
	props := map[string]any{
		"name":  "thing",
		"count": float64(3), // YAML numbers may decode as float64
		"flag":  true,
		"tags":  map[string]any{"env": "prod", "n": 1},
	}

	assert.Equal(t, "thing", stringProp(props, "name"))
	assert.Equal(t, "", stringProp(props, "missing"))

	v, err := requiredString(props, "name")
	require.NoError(t, err)
	assert.Equal(t, "thing", v)
	_, err = requiredString(props, "missing")
	assert.Error(t, err)

	assert.Equal(t, 3, intProp(props, "count", 0))
	assert.Equal(t, 9, intProp(props, "missing", 9))
	assert.True(t, boolProp(props, "flag"))

	assert.Equal(t, map[string]string{"env": "prod"}, stringMapProp(props, "tags"))
}
