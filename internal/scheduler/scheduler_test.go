package scheduler

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/btrfsd/internal/action"
	"github.com/jmylchreest/btrfsd/internal/btdconfig"
	"github.com/jmylchreest/btrfsd/internal/mount"
	"github.com/jmylchreest/btrfsd/internal/staterecord"
)

// fakeController lets tests script btrfs subprocess outcomes without
// spawning real processes.
type fakeController struct {
	statsReport string
	statsTotal  int64
	statsErr    error
	usage       string
	usageErr    error
	scrubErr    error
	balanceErr  error

	statsCalls, usageCalls, scrubCalls, balanceCalls []string
}

func (f *fakeController) ReadErrorStats(_ context.Context, mountpoint string) (string, int64, error) {
	f.statsCalls = append(f.statsCalls, mountpoint)
	return f.statsReport, f.statsTotal, f.statsErr
}

func (f *fakeController) ReadUsage(_ context.Context, mountpoint string) (string, error) {
	f.usageCalls = append(f.usageCalls, mountpoint)
	return f.usage, f.usageErr
}

func (f *fakeController) Scrub(_ context.Context, mountpoint string) error {
	f.scrubCalls = append(f.scrubCalls, mountpoint)
	return f.scrubErr
}

func (f *fakeController) Balance(_ context.Context, mountpoint string) error {
	f.balanceCalls = append(f.balanceCalls, mountpoint)
	return f.balanceErr
}

func newTestScheduler(t *testing.T, mounts []mount.Filesystem, configContents string) (*Scheduler, *fakeController) {
	t.Helper()
	stateDir := t.TempDir()

	configPath := filepath.Join(t.TempDir(), "settings.conf")
	if configContents != "" {
		require.NoError(t, os.WriteFile(configPath, []byte(configContents), 0644))
	}

	ctl := &fakeController{}
	fixedNow := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	s := &Scheduler{
		opts:            Options{ConfigPath: configPath, StateDir: stateDir},
		ctl:             ctl,
		mountEnumerator: func() ([]mount.Filesystem, error) { return mounts, nil },
		isRoot:          func() bool { return true },
		onBattery:       func() bool { return false },
		now:             func() time.Time { return fixedNow },
		broadcast:       func(string) {},
		sendEmail:       func(string, string) error { return nil },
	}
	require.NoError(t, s.Load())
	return s, ctl
}

func TestDedupByDeviceNumberVisitsEachFilesystemOnce(t *testing.T) {
	mounts := []mount.Filesystem{
		{DevicePath: "/dev/sda1", Mountpoint: "/mnt/b", DeviceNumber: 42},
		{DevicePath: "/dev/sda1", Mountpoint: "/mnt/a", DeviceNumber: 42},
		{DevicePath: "/dev/sdb1", Mountpoint: "/mnt/c", DeviceNumber: 77},
	}

	s, ctl := newTestScheduler(t, mounts, "")
	require.NoError(t, s.Run())

	require.Len(t, ctl.statsCalls, 2)
	assert.Equal(t, "/mnt/a", ctl.statsCalls[0], "sorts first within device 42")
	assert.Equal(t, "/mnt/c", ctl.statsCalls[1])
}

func TestRunSkipsDisabledAction(t *testing.T) {
	mounts := []mount.Filesystem{{DevicePath: "/dev/sda1", Mountpoint: "/mnt/data", DeviceNumber: 1}}
	s, ctl := newTestScheduler(t, mounts, "[default]\nscrub_interval = never\nbalance_interval = never\n")

	require.NoError(t, s.Run())
	assert.Empty(t, ctl.scrubCalls)
	assert.Empty(t, ctl.balanceCalls)
	assert.Len(t, ctl.statsCalls, 1, "stats should still run (1h default)")
}

func TestRunSkipsBatteryDisallowedActions(t *testing.T) {
	mounts := []mount.Filesystem{{DevicePath: "/dev/sda1", Mountpoint: "/mnt/data", DeviceNumber: 1}}
	s, ctl := newTestScheduler(t, mounts, "[default]\nscrub_interval = 1h\nbalance_interval = 1h\n")
	s.onBattery = func() bool { return true }

	// Seed both actions as overdue relative to the fixed reference time, so
	// the skip is unambiguously attributable to the battery check rather
	// than to the interval not yet having elapsed.
	refUnix := s.referenceTime.Unix()
	rec := openTestRecord(t, s.opts.StateDir, "/mnt/data")
	rec.SetLastActionTime(action.Scrub, refUnix-int64((2*time.Hour).Seconds()))
	rec.SetLastActionTime(action.Balance, refUnix-int64((2*time.Hour).Seconds()))
	saveTestRecord(t, rec)

	require.NoError(t, s.Run())
	assert.Empty(t, ctl.scrubCalls, "scrub should be skipped on battery")
	assert.Empty(t, ctl.balanceCalls, "balance should be skipped on battery")
	assert.Len(t, ctl.statsCalls, 1, "stats is allowed on battery and should still run")
}

func TestRunNotRoot(t *testing.T) {
	s, _ := newTestScheduler(t, nil, "")
	s.isRoot = func() bool { return false }

	assert.ErrorIs(t, s.Run(), ErrNotRoot)
}

func TestLoadTwiceFails(t *testing.T) {
	s, _ := newTestScheduler(t, nil, "")
	assert.ErrorIs(t, s.Load(), ErrAlreadyInitialized)
}

func TestMailRateLimitSuppressedWithinWindow(t *testing.T) {
	mounts := []mount.Filesystem{{DevicePath: "/dev/sda1", Mountpoint: "/mnt/data", DeviceNumber: 1}}
	s, ctl := newTestScheduler(t, mounts, "[default]\nmail_address = ops@example.com\nscrub_interval = never\nbalance_interval = never\n")
	ctl.statsTotal = 5

	var sentTo []string
	s.sendEmail = func(to, body string) error { sentTo = append(sentTo, to); return nil }

	// Seed the record: prior total already 5 (no new errors), mail sent 10h ago.
	refUnix := s.referenceTime.Unix()
	rec := openTestRecord(t, s.opts.StateDir, "/mnt/data")
	rec.SetErrorsTotal(5)
	rec.SetIssueMailSent(refUnix - int64((10 * time.Hour).Seconds()))
	saveTestRecord(t, rec)

	require.NoError(t, s.Run())
	assert.Empty(t, sentTo, "mail should be suppressed within the rate-limit window")
}

func TestMailSentWhenNewErrorsFound(t *testing.T) {
	mounts := []mount.Filesystem{{DevicePath: "/dev/sda1", Mountpoint: "/mnt/data", DeviceNumber: 1}}
	s, ctl := newTestScheduler(t, mounts, "[default]\nmail_address = ops@example.com\nscrub_interval = never\nbalance_interval = never\n")
	ctl.statsTotal = 7

	var sentTo []string
	s.sendEmail = func(to, body string) error { sentTo = append(sentTo, to); return nil }

	refUnix := s.referenceTime.Unix()
	rec := openTestRecord(t, s.opts.StateDir, "/mnt/data")
	rec.SetErrorsTotal(5) // prior total lower -> new errors found
	rec.SetIssueMailSent(refUnix - int64((10 * time.Hour).Seconds()))
	saveTestRecord(t, rec)

	require.NoError(t, s.Run())
	require.Len(t, sentTo, 1)
	assert.Equal(t, "ops@example.com", sentTo[0])
}

func TestMailSentWhenRateLimitElapsed(t *testing.T) {
	mounts := []mount.Filesystem{{DevicePath: "/dev/sda1", Mountpoint: "/mnt/data", DeviceNumber: 1}}
	s, ctl := newTestScheduler(t, mounts, "[default]\nmail_address = ops@example.com\nscrub_interval = never\nbalance_interval = never\n")
	ctl.statsTotal = 5

	var sentTo []string
	s.sendEmail = func(to, body string) error { sentTo = append(sentTo, to); return nil }

	refUnix := s.referenceTime.Unix()
	rec := openTestRecord(t, s.opts.StateDir, "/mnt/data")
	rec.SetErrorsTotal(5) // unchanged total -> no new errors
	rec.SetIssueMailSent(refUnix - int64((21 * time.Hour).Seconds()))
	saveTestRecord(t, rec)

	require.NoError(t, s.Run())
	assert.Len(t, sentTo, 1, "mail should be sent once the rate limit elapsed")
}

func TestRunZeroErrorsResetsTotal(t *testing.T) {
	mounts := []mount.Filesystem{{DevicePath: "/dev/sda1", Mountpoint: "/mnt/data", DeviceNumber: 1}}
	s, ctl := newTestScheduler(t, mounts, "[default]\nscrub_interval = never\nbalance_interval = never\n")
	ctl.statsTotal = 0

	rec := openTestRecord(t, s.opts.StateDir, "/mnt/data")
	rec.SetErrorsTotal(3)
	saveTestRecord(t, rec)

	require.NoError(t, s.Run())

	reloaded := openTestRecord(t, s.opts.StateDir, "/mnt/data")
	assert.Equal(t, int64(0), reloaded.ErrorsTotal())
}

func TestConfigIntervalCascade(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.conf")
	require.NoError(t, os.WriteFile(path, []byte("[default]\nstats_interval = 2h\n"), 0644))

	cfg, err := btdconfig.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour, cfg.Interval("/mnt/anything", action.Stats))
}

func TestPrintStatusGroupsMountpointsByDeviceNumber(t *testing.T) {
	mounts := []mount.Filesystem{
		{DevicePath: "/dev/sda1", Mountpoint: "/mnt/b", DeviceNumber: 42},
		{DevicePath: "/dev/sda1", Mountpoint: "/mnt/a", DeviceNumber: 42},
		{DevicePath: "/dev/sdb1", Mountpoint: "/mnt/c", DeviceNumber: 77},
	}
	s, _ := newTestScheduler(t, mounts, "")

	var buf bytes.Buffer
	ok := s.PrintStatus(&buf)

	require.True(t, ok)
	out := buf.String()
	assert.Contains(t, out, "Filesystem (device 42):")
	assert.Contains(t, out, "Filesystem (device 77):")

	// Both mountpoints sharing device 42 are listed once under the same
	// block, sorted, rather than once per mountpoint.
	idx42 := bytes.Index(buf.Bytes(), []byte("device 42"))
	idx77 := bytes.Index(buf.Bytes(), []byte("device 77"))
	block42 := out[idx42:idx77]
	assert.Contains(t, block42, "mountpoint: /mnt/a")
	assert.Contains(t, block42, "mountpoint: /mnt/b")
	assert.Equal(t, 1, strings.Count(out, "Filesystem (device 42):"))
}

func TestPrintStatusNeverForFreshRecord(t *testing.T) {
	mounts := []mount.Filesystem{{DevicePath: "/dev/sda1", Mountpoint: "/mnt/data", DeviceNumber: 1}}
	s, _ := newTestScheduler(t, mounts, "")

	var buf bytes.Buffer
	ok := s.PrintStatus(&buf)

	require.True(t, ok)
	out := buf.String()
	// A never-before-seen mountpoint pre-seeds non-Stats timestamps to "now"
	// on Open, but IsNew() still forces "Never" in the status output rather
	// than showing that synthetic pre-seed time.
	assert.Contains(t, out, "last_run=Never")
	assert.NotContains(t, out, "last_run=20")
}

func TestPrintStatusShowsTimestampForExistingRecord(t *testing.T) {
	mounts := []mount.Filesystem{{DevicePath: "/dev/sda1", Mountpoint: "/mnt/data", DeviceNumber: 1}}
	s, _ := newTestScheduler(t, mounts, "")

	rec := openTestRecord(t, s.opts.StateDir, "/mnt/data")
	known := time.Date(2025, 6, 15, 9, 30, 0, 0, time.UTC).Unix()
	rec.SetLastActionTime(action.Stats, known)
	saveTestRecord(t, rec)

	var buf bytes.Buffer
	ok := s.PrintStatus(&buf)

	require.True(t, ok)
	out := buf.String()
	assert.Contains(t, out, time.Unix(known, 0).Local().Format("2006-01-02 15:04:05"))
}

func TestPrintStatusShowsBalanceUsageFiltersAndMailAddress(t *testing.T) {
	mounts := []mount.Filesystem{{DevicePath: "/dev/sda1", Mountpoint: "/mnt/data", DeviceNumber: 1}}
	s, _ := newTestScheduler(t, mounts, "[default]\nmail_address = ops@example.com\n")

	var buf bytes.Buffer
	require.True(t, s.PrintStatus(&buf))
	out := buf.String()

	assert.Contains(t, out, "balance usage filters: -dusage=15 -musage=10")
	assert.Contains(t, out, "notify: ops@example.com")
}

func TestPrintStatusNotifyFallsBackWhenMailAddressUnset(t *testing.T) {
	mounts := []mount.Filesystem{{DevicePath: "/dev/sda1", Mountpoint: "/mnt/data", DeviceNumber: 1}}
	s, _ := newTestScheduler(t, mounts, "")

	var buf bytes.Buffer
	require.True(t, s.PrintStatus(&buf))
	assert.Contains(t, buf.String(), "notify: (none configured)")
}

func TestPrintStatusReturnsFalseWhenStateRecordUnreadable(t *testing.T) {
	mounts := []mount.Filesystem{{DevicePath: "/dev/sda1", Mountpoint: "/mnt/data", DeviceNumber: 1}}
	s, _ := newTestScheduler(t, mounts, "")

	// Put a directory where the state file would be, so staterecord.Open's
	// ini.LooseLoad fails reading it instead of finding a missing file.
	statePath := filepath.Join(s.opts.StateDir, staterecord.EncodeMountpoint("/mnt/data")+".state")
	require.NoError(t, os.Mkdir(statePath, 0755))

	var buf bytes.Buffer
	ok := s.PrintStatus(&buf)

	assert.False(t, ok)
	assert.Contains(t, buf.String(), "error loading record")
}

func openTestRecord(t *testing.T, stateDir, mountpoint string) *staterecord.Record {
	t.Helper()
	rec, err := staterecord.Open(stateDir, mountpoint)
	require.NoError(t, err)
	return rec
}

func saveTestRecord(t *testing.T, rec *staterecord.Record) {
	t.Helper()
	require.NoError(t, rec.Save())
}
