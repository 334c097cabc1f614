package run

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gpuspot/internal/config"
)

func TestLifecycleConfig(t *testing.T) {
	cfg := &config.Config{
		RequiredGPU:       "H100",
		PriceCap:          2.5,
		ReadinessTimeout:  20 * time.Minute,
		ProvisionAttempts: 4,
		MaxRuntime:        3 * time.Hour,
	}

	c := lifecycleConfig(cfg, "run-1", "datacrunch")

	assert.Equal(t, "run-1", c.RunID)
	assert.Equal(t, "datacrunch", c.Provider)
	assert.Equal(t, "H100", c.RequiredGPU)
	assert.Equal(t, 2.5, c.PriceCap)
	assert.Equal(t, uint(4), c.ProvisionRetry.Attempts)
	assert.Equal(t, uint(1), c.TerminateRetry.Attempts)
	assert.Equal(t, 3*time.Hour, c.MaxRuntime)
}

func TestLoadStartupScript(t *testing.T) {
	script, err := loadStartupScript("", nil)
	require.NoError(t, err)
	assert.Empty(t, script)

	path := filepath.Join(t.TempDir(), "startup.sh")
	require.NoError(t, os.WriteFile(path, []byte("huggingface-cli login --token ${HUGGINGFACE_TOKEN}\necho ${UNKNOWN}\n"), 0o644))

	script, err = loadStartupScript(path, map[string]string{"HUGGINGFACE_TOKEN": "hf_x"})
	require.NoError(t, err)
	assert.Equal(t, "huggingface-cli login --token hf_x\necho ${UNKNOWN}\n", script)

	_, err = loadStartupScript(filepath.Join(t.TempDir(), "missing.sh"), nil)
	assert.Error(t, err)
}
