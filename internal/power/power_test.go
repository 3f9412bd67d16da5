package power

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOnBatteryViaSysfsDischarging(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "status")
	require.NoError(t, os.WriteFile(path, []byte("Discharging\n"), 0644))

	old := sysfsBatteryStatusPath
	sysfsBatteryStatusPath = path
	defer func() { sysfsBatteryStatusPath = old }()

	assert.True(t, onBatteryViaSysfs())
}

func TestOnBatteryViaSysfsCharging(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "status")
	require.NoError(t, os.WriteFile(path, []byte("Charging\n"), 0644))

	old := sysfsBatteryStatusPath
	sysfsBatteryStatusPath = path
	defer func() { sysfsBatteryStatusPath = old }()

	assert.False(t, onBatteryViaSysfs())
}

func TestOnBatteryViaSysfsMissingBattery(t *testing.T) {
	old := sysfsBatteryStatusPath
	sysfsBatteryStatusPath = filepath.Join(t.TempDir(), "does-not-exist")
	defer func() { sysfsBatteryStatusPath = old }()

	assert.False(t, onBatteryViaSysfs())
}
