package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestString(t *testing.T) {
	t.Setenv("USERNOTIFY_TEST_STR", "  value ")
	assert.Equal(t, "value", String("USERNOTIFY_TEST_STR", "fallback"))
	assert.Equal(t, "fallback", String("USERNOTIFY_TEST_UNSET", "fallback"))
}

func TestRequiredString(t *testing.T) {
	_, err := RequiredString("USERNOTIFY_TEST_UNSET")
	require.Error(t, err)

	t.Setenv("USERNOTIFY_TEST_REQ", "x")
	v, err := RequiredString("USERNOTIFY_TEST_REQ")
	require.NoError(t, err)
	assert.Equal(t, "x", v)
}

func TestPort(t *testing.T) {
	p, err := Port("USERNOTIFY_TEST_PORT", "8085")
	require.NoError(t, err)
	assert.Equal(t, "8085", p)

	t.Setenv("USERNOTIFY_TEST_PORT", "70000")
	_, err = Port("USERNOTIFY_TEST_PORT", "8085")
	require.Error(t, err)
}

func TestInt(t *testing.T) {
	n, err := Int("USERNOTIFY_TEST_INT", 5)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	t.Setenv("USERNOTIFY_TEST_INT", "12")
	n, err = Int("USERNOTIFY_TEST_INT", 5)
	require.NoError(t, err)
	assert.Equal(t, 12, n)

	t.Setenv("USERNOTIFY_TEST_INT", "-1")
	_, err = Int("USERNOTIFY_TEST_INT", 5)
	require.Error(t, err)
}

func TestDuration(t *testing.T) {
	d, err := Duration("USERNOTIFY_TEST_DUR", time.Second)
	require.NoError(t, err)
	assert.Equal(t, time.Second, d)

	t.Setenv("USERNOTIFY_TEST_DUR", "45")
	d, err = Duration("USERNOTIFY_TEST_DUR", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, d)

	t.Setenv("USERNOTIFY_TEST_DUR", "1m30s")
	d, err = Duration("USERNOTIFY_TEST_DUR", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)

	t.Setenv("USERNOTIFY_TEST_DUR", "soon")
	_, err = Duration("USERNOTIFY_TEST_DUR", time.Second)
	require.Error(t, err)
}

func TestBool(t *testing.T) {
	assert.True(t, Bool("USERNOTIFY_TEST_BOOL", true))

	t.Setenv("USERNOTIFY_TEST_BOOL", "false")
	assert.False(t, Bool("USERNOTIFY_TEST_BOOL", true))

	t.Setenv("USERNOTIFY_TEST_BOOL", "maybe")
	assert.True(t, Bool("USERNOTIFY_TEST_BOOL", true))
}
