// Package scheduler is the daemon's core: it enumerates Btrfs mounts,
// deduplicates by device number, resolves per-action intervals through
// the config cascade, and drives the Stats/Scrub/Balance pipeline per
// filesystem, persisting state and engaging notifications along the way.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jmylchreest/btrfsd/internal/action"
	"github.com/jmylchreest/btrfsd/internal/btdconfig"
	"github.com/jmylchreest/btrfsd/internal/btrfsctl"
	"github.com/jmylchreest/btrfsd/internal/durationspec"
	"github.com/jmylchreest/btrfsd/internal/mount"
	"github.com/jmylchreest/btrfsd/internal/notify"
	"github.com/jmylchreest/btrfsd/internal/power"
	"github.com/jmylchreest/btrfsd/internal/staterecord"
)

// Default compiled-in paths; overridable via Options for testing and
// non-standard installs.
const (
	DefaultConfigPath = "/etc/btrfsd/settings.conf"
	DefaultStateDir   = "/var/lib/btrfsd"

	stateDirPerm = 0755

	// referenceTimeSkew is subtracted from "now" when capturing the
	// reference time, absorbing jitter from the external timer that
	// invokes this process periodically.
	referenceTimeSkew = 60 * time.Second

	// broadcastInterval is the minimum gap between repeat broadcasts for
	// a filesystem whose error count hasn't changed.
	broadcastInterval = 6 * time.Hour
	// mailRateLimit is the minimum gap between repeat notification emails
	// when no new errors have appeared.
	mailRateLimit = 20 * time.Hour
)

// Sentinel errors surfaced to callers; all other failures are locally
// recovered (logged, degrade to "not launched") per the daemon's error
// handling philosophy.
var (
	ErrAlreadyInitialized = errors.New("scheduler already initialized")
	ErrNotRoot            = errors.New("btrfsd must run as root")
	ErrConfigParseError   = errors.New("failed to parse config file")
)

// btrfsController is the subset of *btrfsctl.Controller the scheduler
// needs, narrowed to an interface so tests can supply a fake.
type btrfsController interface {
	ReadErrorStats(ctx context.Context, mountpoint string) (report string, totalErrors int64, err error)
	ReadUsage(ctx context.Context, mountpoint string) (string, error)
	Scrub(ctx context.Context, mountpoint string) error
	Balance(ctx context.Context, mountpoint string) error
}

// Options configures a Scheduler.
type Options struct {
	ConfigPath string
	StateDir   string
}

// Scheduler is the daemon's orchestration core. Construct with New, call
// Load once, then Run or PrintStatus.
type Scheduler struct {
	opts Options

	loaded        bool
	referenceTime time.Time
	config        *btdconfig.Config
	mounts        []mount.Filesystem

	ctl             btrfsController
	mountEnumerator func() ([]mount.Filesystem, error)
	isRoot          func() bool
	onBattery       func() bool
	now             func() time.Time
	broadcast       func(message string)
	sendEmail       func(to, body string) error
}

// New constructs a Scheduler wired to the real btrfs binary, kernel mount
// table, and UPower/sysfs power probe.
func New(opts Options) *Scheduler {
	if opts.ConfigPath == "" {
		opts.ConfigPath = DefaultConfigPath
	}
	if opts.StateDir == "" {
		opts.StateDir = DefaultStateDir
	}
	return &Scheduler{
		opts:            opts,
		ctl:             btrfsctl.New(),
		mountEnumerator: mount.Enumerate,
		isRoot:          func() bool { return os.Geteuid() == 0 },
		onBattery:       power.OnBattery,
		now:             time.Now,
		broadcast:       notify.Broadcast,
		sendEmail:       notify.SendEmail,
	}
}

// Load captures the reference time, enumerates mounts, and reads config.
// It is idempotent-guarded: a second call returns ErrAlreadyInitialized.
func (s *Scheduler) Load() error {
	if s.loaded {
		return ErrAlreadyInitialized
	}

	s.referenceTime = s.now().Add(-referenceTimeSkew)

	mounts, err := s.mountEnumerator()
	if err != nil {
		return err
	}
	s.mounts = mounts

	if err := os.MkdirAll(s.opts.StateDir, stateDirPerm); err != nil {
		return fmt.Errorf("creating state directory %s: %w", s.opts.StateDir, err)
	}

	cfg, err := btdconfig.Load(s.opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConfigParseError, err)
	}
	s.config = cfg

	s.loaded = true
	return nil
}

// Run processes every unique Btrfs filesystem through the per-mount
// action pipeline. It fails fast with ErrNotRoot; all other per-filesystem
// problems are logged and do not abort the run.
func (s *Scheduler) Run() error {
	if !s.isRoot() {
		return ErrNotRoot
	}
	if len(s.mounts) == 0 {
		return nil
	}

	for _, fs := range dedupByDeviceNumber(s.mounts) {
		s.processMount(fs)
	}
	return nil
}

// processMount runs the per-mount pipeline for a single filesystem: each
// action in fixed order, gated by interval and battery policy, followed
// by a state save.
func (s *Scheduler) processMount(fs mount.Filesystem) {
	rec, err := staterecord.Open(s.opts.StateDir, fs.Mountpoint)
	if err != nil {
		log.Warn().Err(err).Str("mountpoint", fs.Mountpoint).Msg("Failed to open state record")
		return
	}

	for _, kind := range action.Order {
		s.processAction(kind, fs, rec)
	}

	if err := rec.Save(); err != nil {
		log.Warn().Err(err).Str("mountpoint", fs.Mountpoint).Msg("Failed to save state record")
	}
}

func (s *Scheduler) processAction(kind action.Kind, fs mount.Filesystem, rec *staterecord.Record) {
	interval := s.config.Interval(fs.Mountpoint, kind)
	if interval <= 0 {
		log.Debug().Str("mountpoint", fs.Mountpoint).Str("action", kind.Tag()).Msg("Action disabled by config")
		return
	}

	last := rec.LastActionTime(kind)
	elapsed := s.referenceTime.Unix() - last
	if elapsed <= int64(interval.Seconds()) {
		log.Debug().Str("mountpoint", fs.Mountpoint).Str("action", kind.Tag()).Msg("Action not yet due")
		return
	}

	if !kind.AllowedOnBattery() && s.onBattery() {
		log.Debug().Str("mountpoint", fs.Mountpoint).Str("action", kind.Tag()).Msg("Skipping action while on battery")
		return
	}

	launched := s.runAction(kind, fs, rec)
	if launched {
		rec.SetLastActionTime(kind, s.referenceTime.Unix())
	}
}

// runAction invokes the handler for kind and reports whether it was
// "launched" as opposed to "not launched". A handler reports "not
// launched" whenever its btrfs call returned an error (spawn failure,
// non-zero exit, or unparseable output); notification failures inside the
// Stats handler do not affect the result.
func (s *Scheduler) runAction(kind action.Kind, fs mount.Filesystem, rec *staterecord.Record) bool {
	ctx := context.Background()
	switch kind {
	case action.Stats:
		return s.runStats(ctx, fs, rec)
	case action.Scrub:
		return s.runScrub(ctx, fs)
	case action.Balance:
		return s.runBalance(ctx, fs)
	default:
		return false
	}
}

func (s *Scheduler) runScrub(ctx context.Context, fs mount.Filesystem) bool {
	if err := s.ctl.Scrub(ctx, fs.Mountpoint); err != nil {
		log.Warn().Err(err).Str("mountpoint", fs.Mountpoint).Msg("Scrub failed")
		return false
	}
	return true
}

func (s *Scheduler) runBalance(ctx context.Context, fs mount.Filesystem) bool {
	if err := s.ctl.Balance(ctx, fs.Mountpoint); err != nil {
		log.Warn().Err(err).Str("mountpoint", fs.Mountpoint).Msg("Balance failed")
		return false
	}
	return true
}

// runStats reads device-error stats, diffs against the previously
// recorded total, and engages broadcast/email notification per the rate
// limit rules.
func (s *Scheduler) runStats(ctx context.Context, fs mount.Filesystem, rec *staterecord.Record) bool {
	report, total, err := s.ctl.ReadErrorStats(ctx, fs.Mountpoint)
	if err != nil {
		log.Warn().Err(err).Str("mountpoint", fs.Mountpoint).Msg("Failed to read device error stats")
		return false
	}

	if total == 0 {
		rec.SetErrorsTotal(0)
		return true
	}

	prev := rec.ErrorsTotal()
	rec.SetErrorsTotal(total)
	newErrorsFound := total > prev

	refUnix := s.referenceTime.Unix()

	if newErrorsFound || refUnix-rec.BroadcastSent() > int64(broadcastInterval.Seconds()) {
		s.broadcast(fmt.Sprintf(
			"btrfsd: device errors detected on %s - run `btrfs device stats %s` for details",
			fs.Mountpoint, fs.Mountpoint))
		rec.SetBroadcastSent(refUnix)
	}

	mailAddress := s.config.MailAddress(fs.Mountpoint)
	if mailAddress == "" {
		log.Warn().Str("mountpoint", fs.Mountpoint).Msg("Device errors detected but no mail_address configured")
		return true
	}

	s.sendErrorMail(ctx, fs, rec, report, mailAddress, newErrorsFound, refUnix)
	return true
}

func (s *Scheduler) sendErrorMail(ctx context.Context, fs mount.Filesystem, rec *staterecord.Record, report, mailAddress string, newErrorsFound bool, refUnix int64) {
	if !newErrorsFound && refUnix-rec.IssueMailSent() < int64(mailRateLimit.Seconds()) {
		log.Debug().Str("mountpoint", fs.Mountpoint).Msg("Suppressing repeat issue mail, rate limit not elapsed")
		return
	}

	usage, err := s.ctl.ReadUsage(ctx, fs.Mountpoint)
	if err != nil {
		usage = "Failed to read usage data."
	}

	body := notify.RenderMail(notify.MailFields{
		MailFrom:    s.config.MailFrom(fs.Mountpoint),
		DateTime:    time.Unix(refUnix, 0),
		Mountpoint:  fs.Mountpoint,
		IssueReport: report,
		FSUsage:     usage,
	})

	if err := s.sendEmail(mailAddress, body); err != nil {
		log.Warn().Err(err).Str("mountpoint", fs.Mountpoint).Msg("Failed to send issue mail")
		return
	}
	rec.SetIssueMailSent(refUnix)
}

// FilesystemGroup is one distinct Btrfs filesystem (by device number) and
// every mountpoint it is reachable under.
type FilesystemGroup struct {
	DeviceNumber uint64
	Mountpoints  []string
}

// dedupByDeviceNumber sorts mounts lexicographically by mountpoint, then
// keeps only the first mountpoint seen for each distinct device number.
func dedupByDeviceNumber(mounts []mount.Filesystem) []mount.Filesystem {
	sorted := make([]mount.Filesystem, len(mounts))
	copy(sorted, mounts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Mountpoint < sorted[j].Mountpoint })

	seen := map[uint64]bool{}
	var result []mount.Filesystem
	for _, fs := range sorted {
		if seen[fs.DeviceNumber] {
			continue
		}
		seen[fs.DeviceNumber] = true
		result = append(result, fs)
	}
	return result
}

// groupByDeviceNumber groups all mounts (not deduplicated) by device
// number for status reporting, sorted by device number's first
// mountpoint.
func groupByDeviceNumber(mounts []mount.Filesystem) []FilesystemGroup {
	byDevice := map[uint64][]string{}
	for _, fs := range mounts {
		byDevice[fs.DeviceNumber] = append(byDevice[fs.DeviceNumber], fs.Mountpoint)
	}

	var groups []FilesystemGroup
	for devno, mps := range byDevice {
		sort.Strings(mps)
		groups = append(groups, FilesystemGroup{DeviceNumber: devno, Mountpoints: mps})
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Mountpoints[0] < groups[j].Mountpoints[0] })
	return groups
}

// PrintStatus writes a human-readable status block per filesystem,
// listing every mountpoint, configured intervals, last-run times and the
// notification target. Returns false if any state record failed to load.
func (s *Scheduler) PrintStatus(w io.Writer) bool {
	ok := true
	for _, group := range groupByDeviceNumber(s.mounts) {
		representative := group.Mountpoints[0]

		fmt.Fprintf(w, "Filesystem (device %d):\n", group.DeviceNumber)
		for _, mp := range group.Mountpoints {
			fmt.Fprintf(w, "  mountpoint: %s\n", mp)
		}

		rec, err := staterecord.Open(s.opts.StateDir, representative)
		if err != nil {
			fmt.Fprintf(w, "  state: error loading record: %v\n", err)
			ok = false
			continue
		}

		for _, kind := range action.Order {
			interval := s.config.Interval(representative, kind)
			last := rec.LastActionTime(kind)

			lastStr := "Never"
			if last != 0 && !rec.IsNew() {
				lastStr = time.Unix(last, 0).Local().Format("2006-01-02 15:04:05")
			}

			fmt.Fprintf(w, "  %s: interval=%s last_run=%s\n", kind.Label(), durationspec.Humanize(interval), lastStr)
		}
		fmt.Fprintf(w, "  balance usage filters: -dusage=%d -musage=%d\n", btrfsctl.BalanceDataUsage, btrfsctl.BalanceMetadataUsage)

		mailAddress := s.config.MailAddress(representative)
		if mailAddress == "" {
			mailAddress = "(none configured)"
		}
		fmt.Fprintf(w, "  notify: %s\n\n", mailAddress)
	}
	return ok
}
