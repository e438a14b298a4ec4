package version

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompatible(t *testing.T) {
	v := func(s string) *HooksyncVersionInformation { return &HooksyncVersionInformation{Version: s} }
	assert.True(t, v("v1.2.0").Compatible(v("v1.2.0")))
	assert.False(t, v("v1.2.0").Compatible(v("v1.3.0")))
	assert.True(t, v("").Compatible(v("v1.3.0")))
	assert.True(t, v("v1.2.0").Compatible(v("")))
}

func TestPrometheusRegister(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	PrometheusRegister(reg)
	n, err := testutil.GatherAndCount(reg, "hooksync_version_daemon")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Contains(t, NewHooksyncVersionInformation().String(), "hooksync version=")
}
