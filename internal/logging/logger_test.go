package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetForTest() {
	CloseAll()
	configMu.Lock()
	logsDir = ""
	debugMode = false
	logLevel = LevelInfo
	configMu.Unlock()
}

func TestInitializeDisabledIsNoOp(t *testing.T) {
	defer resetForTest()
	dir := filepath.Join(t.TempDir(), "logs")

	require.NoError(t, Initialize(dir, false))

	Runs("should not be written")
	_, err := os.Stat(dir)
	assert.True(t, os.IsNotExist(err), "disabled logging must not create the directory")
}

func TestInitializeDebugWritesCategoryFiles(t *testing.T) {
	defer resetForTest()
	dir := filepath.Join(t.TempDir(), "logs")

	require.NoError(t, Initialize(dir, true))
	Gateway("call to %s", "gemini")
	GatewayDebug("detail %d", 42)
	CloseAll()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)

	var gatewayFile string
	for _, e := range entries {
		if strings.Contains(e.Name(), string(CategoryGateway)) {
			gatewayFile = filepath.Join(dir, e.Name())
		}
	}
	require.NotEmpty(t, gatewayFile, "gateway log file should exist")

	data, err := os.ReadFile(gatewayFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "call to gemini")
	assert.Contains(t, string(data), "[DEBUG] detail 42")
}

func TestGetReturnsNoOpLoggerWhenDisabled(t *testing.T) {
	defer resetForTest()
	l := Get(CategoryCache)
	require.NotNil(t, l)
	// Must not panic on a no-op logger.
	l.Info("x")
	l.Error("y")
}

func TestTimerStopDoesNotPanic(t *testing.T) {
	defer resetForTest()
	timer := StartTimer(CategoryStore, "open")
	timer.Stop()
}
