// Package btdconfig loads the daemon's settings.conf and resolves
// per-mountpoint values with the mountpoint → default → built-in cascade
// described by the scheduler's config contract.
package btdconfig

import (
	"fmt"
	"time"

	"gopkg.in/ini.v1"

	"github.com/jmylchreest/btrfsd/internal/action"
	"github.com/jmylchreest/btrfsd/internal/durationspec"
)

const sectionDefault = "default"

// Built-in fallbacks applied when neither the mountpoint section nor the
// default section configures an action's interval.
var builtinIntervals = map[action.Kind]string{
	action.Stats:   "1h",
	action.Scrub:   "1M",
	action.Balance: "never",
}

const (
	keyMailAddress = "mail_address"
	keyMailFrom    = "mail_from"
)

// Config is the loaded settings.conf, queried per mountpoint.
type Config struct {
	file *ini.File
}

// Load parses the INI file at path. A missing file is not an error: it
// yields a Config that resolves every lookup via built-in defaults.
func Load(path string) (*Config, error) {
	file, err := ini.LooseLoad(path)
	if err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return &Config{file: file}, nil
}

// Interval resolves the interval for kind at mountpoint, following the
// mountpoint section → default section → built-in default cascade.
func (c *Config) Interval(mountpoint string, kind action.Kind) time.Duration {
	key := kind.IntervalConfigKey()

	if v := c.lookupString(mountpoint, key); v != "" {
		return durationspec.Parse(v)
	}
	if v := c.lookupString(sectionDefault, key); v != "" {
		return durationspec.Parse(v)
	}
	return durationspec.Parse(builtinIntervals[kind])
}

// MailAddress resolves the notification recipient for mountpoint, or ""
// if none is configured anywhere in the cascade.
func (c *Config) MailAddress(mountpoint string) string {
	if v := c.lookupString(mountpoint, keyMailAddress); v != "" {
		return v
	}
	return c.lookupString(sectionDefault, keyMailAddress)
}

// MailFrom resolves the sender identity for error mails sent about
// mountpoint, or "" if unconfigured.
func (c *Config) MailFrom(mountpoint string) string {
	if v := c.lookupString(mountpoint, keyMailFrom); v != "" {
		return v
	}
	return c.lookupString(sectionDefault, keyMailFrom)
}

// lookupString returns a key's value from a named section, or "" if the
// section or key doesn't exist. ini.v1's Section()/Key() never return nil,
// so this never panics even on a missing section.
func (c *Config) lookupString(section, key string) string {
	if !c.file.HasSection(section) {
		return ""
	}
	return c.file.Section(section).Key(key).String()
}
