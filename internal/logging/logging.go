// Package logging selects and wires the daemon's log backend at startup:
// a colored console writer when attached to a terminal, the systemd
// journal when running under systemd, and syslog otherwise. It always
// writes through zerolog's global logger so the rest of the codebase just
// calls log.Debug()/log.Info()/... without caring which backend is live.
package logging

import (
	"log/syslog"
	"os"

	"github.com/coreos/go-systemd/v22/journal"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"
)

// Backend identifies which sink the global logger was wired to.
type Backend int

const (
	BackendConsole Backend = iota
	BackendJournal
	BackendSyslog
)

func (b Backend) String() string {
	switch b {
	case BackendConsole:
		return "console"
	case BackendJournal:
		return "journal"
	case BackendSyslog:
		return "syslog"
	default:
		return "unknown"
	}
}

// journalAvailable and isTerminal are package-level seams for testing
// backend selection without a real tty or systemd journal socket.
var (
	journalAvailable = journal.Enabled
	isTerminal       = func() bool { return term.IsTerminal(int(os.Stdout.Fd())) }
)

// Setup selects a log backend following the daemon's historical rule —
// console if stdout is a tty, otherwise journal if available, otherwise
// syslog — and wires zerolog's global logger to it. verbose enables debug
// level; otherwise info level is used.
func Setup(verbose bool) Backend {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	backend := selectBackend()
	switch backend {
	case BackendConsole:
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: "15:04:05",
		})
	case BackendJournal:
		log.Logger = log.Output(journalWriter{})
	case BackendSyslog:
		writer, err := syslog.New(syslog.LOG_DAEMON, "btrfsd")
		if err != nil {
			// Fall back to console rather than lose log output entirely.
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
			backend = BackendConsole
			break
		}
		log.Logger = log.Output(syslogWriter{w: writer})
	}

	log.Debug().Str("backend", backend.String()).Msg("Logging backend selected")
	return backend
}

func selectBackend() Backend {
	if isTerminal() {
		return BackendConsole
	}
	if journalAvailable() {
		return BackendJournal
	}
	return BackendSyslog
}

// journalWriter adapts the systemd journal to zerolog's io.Writer sink,
// sending every line at priority 6 (info) since zerolog already encodes
// the level in the message body; the journal's own PRIORITY field isn't
// otherwise consulted by journalctl's default view.
type journalWriter struct{}

func (journalWriter) Write(p []byte) (int, error) {
	if err := journal.Send(string(p), journal.PriInfo, nil); err != nil {
		return 0, err
	}
	return len(p), nil
}

// syslogWriter adapts a *syslog.Writer to zerolog's io.Writer sink.
type syslogWriter struct {
	w *syslog.Writer
}

func (s syslogWriter) Write(p []byte) (int, error) {
	if err := s.w.Info(string(p)); err != nil {
		return 0, err
	}
	return len(p), nil
}
