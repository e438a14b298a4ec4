package envconst_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/hooksync/hooksync/util/envconst"
)

func TestDefaults(t *testing.T) {
	assert.Equal(t, 3*time.Second, envconst.Duration("HOOKSYNC_ENVCONST_TEST_UNSET_DURATION", 3*time.Second))
	assert.Equal(t, 7, envconst.Int("HOOKSYNC_ENVCONST_TEST_UNSET_INT", 7))
	assert.Equal(t, "x", envconst.String("HOOKSYNC_ENVCONST_TEST_UNSET_STRING", "x"))
}

func TestCachedAfterFirstRead(t *testing.T) {
	const name = "HOOKSYNC_ENVCONST_TEST_INT64"
	t.Setenv(name, "42")
	assert.Equal(t, int64(42), envconst.Int64(name, 1))
	t.Setenv(name, "43")
	assert.Equal(t, int64(42), envconst.Int64(name, 1))
}

func TestMalformedPanics(t *testing.T) {
	const name = "HOOKSYNC_ENVCONST_TEST_BOOL"
	t.Setenv(name, "not-a-bool")
	assert.Panics(t, func() { envconst.Bool(name, false) })
}

func TestReport(t *testing.T) {
	const name = "HOOKSYNC_ENVCONST_TEST_REPORT"
	t.Setenv(name, "2m")
	envconst.Duration(name, time.Second)
	envconst.Int("HOOKSYNC_ENVCONST_TEST_REPORT_UNSET", 5)

	byVar := make(map[string]envconst.EntryReport)
	for _, e := range envconst.GetReport().Entries {
		byVar[e.Var] = e
	}
	assert.Equal(t, envconst.EntryReport{Var: name, Value: "2m0s", ValueGoType: "time.Duration"}, byVar[name])
	assert.Equal(t, "5", byVar["HOOKSYNC_ENVCONST_TEST_REPORT_UNSET"].Value)
	assert.True(t, byVar["HOOKSYNC_ENVCONST_TEST_REPORT_UNSET"].Default)
}
