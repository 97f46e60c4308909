package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGetStrFallsBackOnEmpty(t *testing.T) {
	t.Setenv("CFG_TEST_STR", "")
	assert.Equal(t, "default", getStr("CFG_TEST_STR", "default"))
	t.Setenv("CFG_TEST_STR", "set")
	assert.Equal(t, "set", getStr("CFG_TEST_STR", "default"))
}

func TestGetBoolFallsBackOnEmptyOrInvalid(t *testing.T) {
	t.Setenv("CFG_TEST_BOOL", "")
	assert.True(t, getBool("CFG_TEST_BOOL", true))
	t.Setenv("CFG_TEST_BOOL", "not-a-bool")
	assert.True(t, getBool("CFG_TEST_BOOL", true))
	t.Setenv("CFG_TEST_BOOL", "false")
	assert.False(t, getBool("CFG_TEST_BOOL", true))
}

func TestGetIntFallsBackOnEmptyOrInvalid(t *testing.T) {
	t.Setenv("CFG_TEST_INT", "")
	assert.Equal(t, 5, getInt("CFG_TEST_INT", 5))
	t.Setenv("CFG_TEST_INT", "abc")
	assert.Equal(t, 5, getInt("CFG_TEST_INT", 5))
	t.Setenv("CFG_TEST_INT", "42")
	assert.Equal(t, 42, getInt("CFG_TEST_INT", 5))
}

func TestGetFloatFallsBackOnEmptyOrInvalid(t *testing.T) {
	t.Setenv("CFG_TEST_FLOAT", "")
	assert.Equal(t, 1.5, getFloat("CFG_TEST_FLOAT", 1.5))
	t.Setenv("CFG_TEST_FLOAT", "nope")
	assert.Equal(t, 1.5, getFloat("CFG_TEST_FLOAT", 1.5))
	t.Setenv("CFG_TEST_FLOAT", "2.25")
	assert.Equal(t, 2.25, getFloat("CFG_TEST_FLOAT", 1.5))
}

func TestRequireLiveCredentialsSkippedInDryRun(t *testing.T) {
	c := &Config{DryRun: true}
	assert.NoError(t, c.RequireLiveCredentials())
}

func TestRequireLiveCredentialsErrorsWithoutKeysWhenLive(t *testing.T) {
	c := &Config{DryRun: false}
	assert.Error(t, c.RequireLiveCredentials())

	c.BinanceAPIKey = "k"
	c.BinanceAPISecret = "s"
	assert.NoError(t, c.RequireLiveCredentials())
}

func TestScanIntervalAndManagePollConvertSecondsToDuration(t *testing.T) {
	c := &Config{ScanIntervalSeconds: 30, ManagePollSeconds: 5}
	assert.Equal(t, 30*time.Second, c.ScanInterval())
	assert.Equal(t, 5*time.Second, c.ManagePoll())
}
