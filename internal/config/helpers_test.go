package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGetEnvStr_FallsBackWhenUnset(t *testing.T) {
	assert.Equal(t, "localhost", GetEnvStr("QF_TEST_HOST", "localhost"))

	t.Setenv("QF_TEST_HOST", "db.internal")
	assert.Equal(t, "db.internal", GetEnvStr("QF_TEST_HOST", "localhost"))
}

func TestGetEnvInt_IgnoresUnparseableValue(t *testing.T) {
	t.Setenv("QF_TEST_PORT", "not-a-number")
	assert.Equal(t, 8080, GetEnvInt("QF_TEST_PORT", 8080))

	t.Setenv("QF_TEST_PORT", "9090")
	assert.Equal(t, 9090, GetEnvInt("QF_TEST_PORT", 8080))
}

func TestGetEnvInt64_ParsesSetValue(t *testing.T) {
	t.Setenv("QF_TEST_MAX_SIZE", "1048576")
	assert.Equal(t, int64(1048576), GetEnvInt64("QF_TEST_MAX_SIZE", 0))
}

func TestGetEnvBool_AcceptsAliasesCaseInsensitively(t *testing.T) {
	for _, v := range []string{"true", "1", "yes", "TRUE", "Yes"} {
		t.Setenv("QF_TEST_FLAG", v)
		assert.True(t, GetEnvBool("QF_TEST_FLAG", false), v)
	}

	for _, v := range []string{"false", "0", "no", "FALSE"} {
		t.Setenv("QF_TEST_FLAG", v)
		assert.False(t, GetEnvBool("QF_TEST_FLAG", true), v)
	}
}

func TestGetEnvBool_UnrecognizedValueFallsBackToDefault(t *testing.T) {
	t.Setenv("QF_TEST_FLAG", "maybe")
	assert.True(t, GetEnvBool("QF_TEST_FLAG", true))
}

func TestGetEnvDuration_ParsesSetValue(t *testing.T) {
	t.Setenv("QF_TEST_TIMEOUT", "5m")
	assert.Equal(t, 5*time.Minute, GetEnvDuration("QF_TEST_TIMEOUT", time.Second))
}

func TestGetEnvLogLevel_ParsesKnownLevels(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}

	for raw, want := range cases {
		t.Setenv("QF_TEST_LOG_LEVEL", raw)
		assert.Equal(t, want, GetEnvLogLevel("QF_TEST_LOG_LEVEL", slog.LevelInfo), raw)
	}
}

func TestGetEnvFloat_ParsesSetValue(t *testing.T) {
	t.Setenv("QF_TEST_RATE", "2.5")
	assert.InDelta(t, 2.5, GetEnvFloat("QF_TEST_RATE", 1.0), 0.0001)
}

func TestParseCommaSeparatedList_TrimsAndDropsEmpties(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, ParseCommaSeparatedList(" a, b ,c,"))
	assert.Equal(t, []string{}, ParseCommaSeparatedList(""))
}
