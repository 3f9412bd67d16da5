// Package staterecord persists the last-run bookkeeping for a single Btrfs
// filesystem between daemon invocations: the last time each maintenance
// action ran, and the device-error counters observed on the previous Stats
// pass. One INI-format file lives per filesystem under the state directory,
// named after its mountpoint.
package staterecord

import (
	"fmt"
	"hash/crc32"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/ini.v1"

	"github.com/jmylchreest/btrfsd/internal/action"
)

const (
	sectionTimes    = "times"
	sectionErrors   = "errors"
	sectionMessages = "messages"
	fileSuffix      = ".state"

	// KeyErrorsTotal is the errors section key tracking the last observed
	// total device-error count.
	KeyErrorsTotal = "total"
	// KeyIssueMailSent and KeyBroadcastSent are messages section keys
	// tracking the last notification timestamps.
	KeyIssueMailSent = "issue_mail_sent"
	KeyBroadcastSent = "broadcast_sent"
)

// Record is the persisted state for one filesystem. It is not safe for
// concurrent use; the scheduler processes filesystems sequentially.
type Record struct {
	mountpoint string
	path       string
	file       *ini.File
	isNew      bool
}

// EncodeMountpoint maps a mountpoint path to the filename-safe identifier
// used for its state file, mirroring the daemon's historical
// encode_mountpoint behaviour: the leading slash is stripped, remaining
// path separators become hyphens, a resulting leading dot is escaped with
// an underscore (so the file never starts with "." and is hidden by
// accident), and a stable 32-bit hash of the canonicalized path is appended
// to keep distinct paths that collapse to the same hyphenated form (e.g.
// "/a/b/c" and "/a-b/c") from colliding. The root filesystem "/" encodes to
// the bare string "-".
func EncodeMountpoint(mountpoint string) string {
	canon := canonicalize(mountpoint)
	if canon == "/" {
		return "-"
	}

	name := strings.TrimPrefix(canon, "/")
	name = strings.ReplaceAll(name, "/", "-")
	name = strings.ReplaceAll(name, "\\", "-")
	if strings.HasPrefix(name, ".") {
		name = "_" + name
	}

	hash := crc32.ChecksumIEEE([]byte(canon))
	return fmt.Sprintf("%s_%d", name, hash)
}

// canonicalize resolves a mountpoint to an absolute, cleaned path. Empty
// strings and paths that climb above root (e.g. "..") canonicalize to "/".
func canonicalize(mountpoint string) string {
	joined := filepath.Join("/", mountpoint)
	if joined == "" {
		return "/"
	}
	return joined
}

// pathFor returns the state file path for a mountpoint under stateDir.
func pathFor(stateDir, mountpoint string) string {
	return filepath.Join(stateDir, EncodeMountpoint(mountpoint)+fileSuffix)
}

// Open loads the state file for mountpoint from stateDir, creating an
// empty in-memory record if none exists yet. A freshly-created record has
// IsNew() true, and Open pre-seeds its non-Stats action timestamps to now
// so that scrub and balance do not run immediately on first sight of a
// filesystem.
func Open(stateDir, mountpoint string) (*Record, error) {
	path := pathFor(stateDir, mountpoint)

	file, err := ini.LooseLoad(path)
	if err != nil {
		return nil, fmt.Errorf("loading state file %s: %w", path, err)
	}

	r := &Record{
		mountpoint: mountpoint,
		path:       path,
		file:       file,
	}

	sec := file.Section(sectionTimes)
	r.isNew = len(sec.Keys()) == 0

	if r.isNew {
		// Pre-seed every non-Stats action to "now" so a freshly-discovered
		// filesystem doesn't immediately trigger a scrub and a balance the
		// first time the daemon sees it. Stats is left at zero so the first
		// pass establishes a baseline error count rather than being skipped.
		now := nowUnix()
		for _, kind := range action.Order {
			if kind == action.Stats {
				continue
			}
			sec.Key(kind.Tag()).SetValue(fmt.Sprintf("%d", now))
		}
	}

	return r, nil
}

// nowUnix is a variable so tests can pin the pre-seed timestamp.
var nowUnix = func() int64 { return time.Now().Unix() }

// IsNew reports whether this record had no prior state on disk when
// opened.
func (r *Record) IsNew() bool {
	return r.isNew
}

// Mountpoint returns the filesystem mountpoint this record tracks.
func (r *Record) Mountpoint() string {
	return r.mountpoint
}

// Path returns the on-disk location of the state file.
func (r *Record) Path() string {
	return r.path
}

// LastActionTime returns the unix timestamp of the last successful run of
// kind, or zero if it has never run.
func (r *Record) LastActionTime(kind action.Kind) int64 {
	return r.file.Section(sectionTimes).Key(kind.Tag()).MustInt64(0)
}

// SetLastActionTimeNow records kind as having just run successfully, using
// the wall clock. Scheduler code should prefer SetLastActionTime with the
// invocation's captured reference time instead, so every action updated
// during one run() shares exactly one timestamp value.
func (r *Record) SetLastActionTimeNow(kind action.Kind) {
	r.SetLastActionTime(kind, nowUnix())
}

// SetLastActionTime records kind as having just run successfully at the
// given UNIX timestamp.
func (r *Record) SetLastActionTime(kind action.Kind, unixTime int64) {
	r.file.Section(sectionTimes).Key(kind.Tag()).SetValue(fmt.Sprintf("%d", unixTime))
}

// GetInt reads an arbitrary section/key as an int64, returning def if
// absent or unparseable. This backs errors.total and the messages.*
// notification timestamps.
func (r *Record) GetInt(section, key string, def int64) int64 {
	return r.file.Section(section).Key(key).MustInt64(def)
}

// SetInt writes an arbitrary section/key as an int64.
func (r *Record) SetInt(section, key string, value int64) {
	r.file.Section(section).Key(key).SetValue(fmt.Sprintf("%d", value))
}

// ErrorsTotal returns the last observed total device-error count, or 0 if
// never recorded.
func (r *Record) ErrorsTotal() int64 {
	return r.GetInt(sectionErrors, KeyErrorsTotal, 0)
}

// SetErrorsTotal persists the total device-error count observed on the
// most recent Stats pass.
func (r *Record) SetErrorsTotal(total int64) {
	r.SetInt(sectionErrors, KeyErrorsTotal, total)
}

// IssueMailSent returns the UNIX timestamp of the last error-notification
// email sent for this filesystem, or 0 if none has been sent.
func (r *Record) IssueMailSent() int64 {
	return r.GetInt(sectionMessages, KeyIssueMailSent, 0)
}

// SetIssueMailSent records that an error-notification email was just sent.
func (r *Record) SetIssueMailSent(unixTime int64) {
	r.SetInt(sectionMessages, KeyIssueMailSent, unixTime)
}

// BroadcastSent returns the UNIX timestamp of the last terminal broadcast
// sent for this filesystem, or 0 if none has been sent.
func (r *Record) BroadcastSent() int64 {
	return r.GetInt(sectionMessages, KeyBroadcastSent, 0)
}

// SetBroadcastSent records that a terminal broadcast was just sent.
func (r *Record) SetBroadcastSent(unixTime int64) {
	r.SetInt(sectionMessages, KeyBroadcastSent, unixTime)
}

// Save writes the record back to its state file.
func (r *Record) Save() error {
	if err := r.file.SaveTo(r.path); err != nil {
		return fmt.Errorf("saving state file %s: %w", r.path, err)
	}
	return nil
}
