package cli

// ============================================================================
// CLI Tests
// Purpose: verify flag parsing helpers, YAML config loading and the
// exit-code mapping for configuration errors.
// ============================================================================

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitNonEmpty(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, splitNonEmpty("a, b ,c"))
	assert.Equal(t, []string{"a"}, splitNonEmpty("a,,"))
	assert.Nil(t, splitNonEmpty(""))
}

func TestParseCapacities(t *testing.T) {
	caps, err := parseCapacities("1.0,0.2,0.5", 3)
	require.NoError(t, err)
	assert.Equal(t, []float64{1.0, 0.2, 0.5}, caps)

	_, err = parseCapacities("1.0,0.2", 3)
	assert.Error(t, err)

	_, err = parseCapacities("1.5", 1)
	assert.Error(t, err, "capacity above 1 must be rejected")

	_, err = parseCapacities("0", 1)
	assert.Error(t, err)

	caps, err = parseCapacities("", 4)
	require.NoError(t, err)
	assert.Nil(t, caps)
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.yaml")
	require.NoError(t, os.WriteFile(path, []byte("target_rps: 5000\nlb: \"10.0.0.1:31860\"\n"), 0o644))

	var f clientFlags
	require.NoError(t, loadYAML(path, &f))
	assert.Equal(t, uint64(5000), f.TargetRPS)
	assert.Equal(t, "10.0.0.1:31860", f.LBAddr)

	assert.NoError(t, loadYAML("", &f), "empty path is a no-op")

	err := loadYAML(filepath.Join(dir, "missing.yaml"), &f)
	require.Error(t, err)
	var ee *exitError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, ExitConfigError, ee.code)
}

func TestMissingRequiredFlagExitsOne(t *testing.T) {
	cmd := BuildClientCommand()
	cmd.SetArgs([]string{}) // no --lb
	err := cmd.Execute()
	require.Error(t, err)
	var ee *exitError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, ExitConfigError, ee.code)
}

func TestLBCommandRequiresWorkers(t *testing.T) {
	cmd := BuildLBCommand()
	cmd.SetArgs([]string{})
	err := cmd.Execute()
	require.Error(t, err)
	var ee *exitError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, ExitConfigError, ee.code)
}

func TestWorkerCommandRejectsBadMode(t *testing.T) {
	cmd := BuildWorkerCommand()
	cmd.SetArgs([]string{"--mode", "sideways", "--host", "127.0.0.1", "--port", "0"})
	err := cmd.Execute()
	require.Error(t, err)
}

func TestWorkerCommandRejectsBadScheduler(t *testing.T) {
	cmd := BuildWorkerCommand()
	cmd.SetArgs([]string{"--scheduler", "lifo", "--host", "127.0.0.1", "--port", "0"})
	err := cmd.Execute()
	require.Error(t, err)
}
