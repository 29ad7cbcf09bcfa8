package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackd-io/stackd/internal/ir"
)

func TestClassifyNoChange(t *testing.T) {
	old := nullDef(map[string]any{"size": "small", "tags": map[string]any{"env": "prod"}})
	new := nullDef(map[string]any{"size": "small", "tags": map[any]any{"env": "prod"}})

	change, err := Classify("web", old, new)
	require.NoError(t, err)
	assert.Equal(t, ChangeNone, change.Kind)
	assert.Empty(t, change.ChangedKeys)
}

func TestClassifyInPlaceUpdate(t *testing.T) {
	old := nullDef(map[string]any{"size": "small", "color": "red"})
	new := nullDef(map[string]any{"size": "large", "color": "red", "extra": true})

	change, err := Classify("web", old, new)
	require.NoError(t, err)
	assert.Equal(t, ChangeUpdate, change.Kind)
	assert.Equal(t, []string{"extra", "size"}, change.ChangedKeys)
}

func TestClassifyTypeChangeReplaces(t *testing.T) {
	old := &ir.Definition{Type: "aws::s3.bucket", Properties: map[string]any{}}
	new := &ir.Definition{Type: "aws::sqs.queue", Properties: map[string]any{}}

	change, err := Classify("store", old, new)
	require.NoError(t, err)
	assert.Equal(t, ChangeReplace, change.Kind)
}

func TestClassifyReplacePolicy(t *testing.T) {
	old := nullDef(map[string]any{"cidr": "10.0.0.0/16", "name": "net"})
	new := nullDef(map[string]any{"cidr": "10.1.0.0/16", "name": "net-2"})
	new.UpdatePolicies = map[string]ir.UpdatePolicy{"cidr": ir.UpdateReplace}

	change, err := Classify("net", old, new)
	require.NoError(t, err)
	assert.Equal(t, ChangeReplace, change.Kind)
	assert.Equal(t, []string{"cidr", "name"}, change.ChangedKeys)
}

func TestClassifyForbiddenChange(t *testing.T) {
	old := nullDef(map[string]any{"zone": "us-east-1a"})
	new := nullDef(map[string]any{"zone": "us-west-2b"})
	new.UpdatePolicies = map[string]ir.UpdatePolicy{"zone": ir.UpdateForbidden}

	_, err := Classify("db", old, new)
	require.Error(t, err)

	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Contains(t, err.Error(), `resources.db: property "zone" cannot be changed`)
}

func TestClassifyNilDefinitions(t *testing.T) {
	def := nullDef(nil)

	change, err := Classify("a", nil, def)
	require.NoError(t, err)
	assert.Equal(t, ChangeCreate, change.Kind)

	change, err = Classify("a", def, nil)
	require.NoError(t, err)
	assert.Equal(t, ChangeDelete, change.Kind)
}

func TestDiffKeys(t *testing.T) {
	prior := map[string]any{"a": 1, "b": "x", "c": []any{1, 2}}
	desired := map[string]any{"a": 2, "b": "x", "d": true}

	assert.Equal(t, []string{"a", "c", "d"}, diffKeys(prior, desired))
	assert.Empty(t, diffKeys(prior, prior))
}

func TestValueEqualNormalizesYAMLMaps(t *testing.T) {
	a := map[string]any{"tags": map[any]any{"env": "prod", "n": 1}}
	b := map[string]any{"tags": map[string]any{"env": "prod", "n": 1}}
	assert.True(t, valueEqual(a, b))

	c := map[string]any{"tags": map[string]any{"env": "dev"}}
	assert.False(t, valueEqual(a, c))
}
