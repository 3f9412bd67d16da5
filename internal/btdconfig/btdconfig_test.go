package btdconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/btrfsd/internal/action"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.conf")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	return path
}

func TestLoadMissingFileYieldsBuiltinDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.conf"))
	require.NoError(t, err)

	assert.Equal(t, time.Hour, cfg.Interval("/mnt/data", action.Stats))
	assert.Equal(t, durationspecMonth(), cfg.Interval("/mnt/data", action.Scrub))
	assert.Equal(t, time.Duration(0), cfg.Interval("/mnt/data", action.Balance))
	assert.Empty(t, cfg.MailAddress("/mnt/data"))
}

func TestMountpointSectionOverridesDefault(t *testing.T) {
	path := writeConfig(t, `
[default]
scrub_interval = 1w
mail_address = ops@example.com

[/mnt/data]
scrub_interval = 1d
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 24*time.Hour, cfg.Interval("/mnt/data", action.Scrub))
	assert.Equal(t, 7*24*time.Hour, cfg.Interval("/mnt/other", action.Scrub))
	assert.Equal(t, "ops@example.com", cfg.MailAddress("/mnt/data"))
}

func TestMailFromCascade(t *testing.T) {
	path := writeConfig(t, `
[default]
mail_from = btrfsd@example.com

[/mnt/data]
mail_address = data-admin@example.com
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "btrfsd@example.com", cfg.MailFrom("/mnt/data"))
	assert.Equal(t, "data-admin@example.com", cfg.MailAddress("/mnt/data"))
	assert.Empty(t, cfg.MailAddress("/mnt/other"))
}

func durationspecMonth() time.Duration {
	return time.Duration(30.44 * float64(24*time.Hour))
}
