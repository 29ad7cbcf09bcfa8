package engine

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackd-io/stackd/internal/ir"
)

func TestMetricsCountOperations(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	s, _ := newTestStack(t, &ir.Template{Resources: map[string]*ir.Definition{
		"a": nullDef(nil),
		"b": nullDef(nil, "a"),
	}}, WithMetrics(m))

	ctx := context.Background()
	require.NoError(t, s.Create(ctx))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.operations.WithLabelValues(string(ir.ActionCreate), "complete")))

	require.NoError(t, s.Delete(ctx))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.operations.WithLabelValues(string(ir.ActionDelete), "complete")))
}

func TestMetricsCountFailures(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	s, _ := newTestStack(t, &ir.Template{Resources: map[string]*ir.Definition{
		"a": nullDef(map[string]any{"fail_create": "boom"}),
	}}, WithMetrics(m))

	require.Error(t, s.Create(context.Background()))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues(string(ir.ActionCreate), "failed")))
}

func TestMetricsCountPolls(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	s, _ := newTestStack(t, &ir.Template{Resources: map[string]*ir.Definition{
		"a": nullDef(map[string]any{"create_polls": 1}),
	}}, WithMetrics(m))

	require.NoError(t, s.Create(context.Background()))
	assert.GreaterOrEqual(t, testutil.ToFloat64(m.polls), 1.0)
}

func TestMetricsNilIsInert(t *testing.T) {
	var m *Metrics
	m.observeOperation("CREATE", "complete", 0)
	m.observePoll()
}
