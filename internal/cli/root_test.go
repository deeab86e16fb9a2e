package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	require.NoError(t, loadEnvFile(""), "missing default .env is fine")
	require.Error(t, loadEnvFile(filepath.Join(dir, "absent.env")))

	t.Setenv("SENTINEL_TEST_ENV_VALUE", "")
	os.Unsetenv("SENTINEL_TEST_ENV_VALUE")
	require.NoError(t, os.WriteFile(".env", []byte("SENTINEL_TEST_ENV_VALUE=from-dotenv\n"), 0o600))
	require.NoError(t, loadEnvFile(""))
	assert.Equal(t, "from-dotenv", os.Getenv("SENTINEL_TEST_ENV_VALUE"))
}

func TestVersionCommandSkipsAppSetup(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})

	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "sentinel ")
	assert.Nil(t, appHandle)
}
