// Package notify handles operator notification: broadcasting a message to
// every logged-in terminal, and sending error emails via sendmail, using a
// template embedded at compile time. Rate limiting of broadcasts and emails
// is done by the scheduler, not here.
package notify

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jmylchreest/btrfsd/internal/tmpl"
)

//go:embed error-mail.tmpl
var errorMailTemplate string

// ErrSendmailMissing is returned when no sendmail executable can be found
// in PATH.
var ErrSendmailMissing = errors.New("sendmail executable not found in PATH")

// ErrMailFailed is returned when sendmail exits non-zero.
var ErrMailFailed = errors.New("sendmail exited with a failure status")

// MailFields are the template placeholders substituted into the embedded
// error-mail template.
type MailFields struct {
	MailFrom    string
	DateTime    time.Time
	Hostname    string
	Mountpoint  string
	IssueReport string
	FSUsage     string
}

// RenderMail renders the embedded error-mail template with the given
// fields, following the daemon's {{placeholder}} substitution grammar.
func RenderMail(f MailFields) string {
	hostname := f.Hostname
	if hostname == "" {
		if h, err := os.Hostname(); err == nil {
			hostname = h
		}
	}

	return tmpl.Render(errorMailTemplate,
		tmpl.P("mail_from", f.MailFrom),
		tmpl.P("date_time", f.DateTime.Format("2006-01-02 15:04:05")),
		tmpl.P("hostname", hostname),
		tmpl.P("mountpoint", f.Mountpoint),
		tmpl.P("issue_report", f.IssueReport),
		tmpl.P("fs_usage", f.FSUsage),
	)
}

// sendmailLookPath is a package-level seam so tests can substitute a fake
// sendmail without needing one installed.
var sendmailLookPath = exec.LookPath

// SendEmail locates sendmail in PATH and sends body to to. body is
// expected to already contain any header lines (Subject, From) the caller
// wants, consistent with RenderMail's output; the To header is added
// here.
func SendEmail(to, body string) error {
	sendmailPath, err := sendmailLookPath("sendmail")
	if err != nil {
		return ErrSendmailMissing
	}

	cmd := exec.Command(sendmailPath, "-t")
	cmd.Stdin = strings.NewReader(fmt.Sprintf("To: %s\n%s", to, body))

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %w", ErrMailFailed, err)
	}
	return nil
}

// Broadcast sends message to every currently logged-in terminal, the way
// `wall` does. It shells out to `who` to enumerate active sessions rather
// than parsing the binary utmp format directly, then writes to each
// /dev/<tty>; terminals that can't be opened (stale entries, permissions)
// are silently skipped, matching the original daemon's best-effort
// broadcast.
func Broadcast(message string) {
	ttys, err := activeTTYs()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to enumerate logged-in terminals for broadcast")
		return
	}

	for _, tty := range ttys {
		writeToTTY(tty, message)
	}
}

var whoOutput = func() (string, error) {
	out, err := exec.Command("who").Output()
	return string(out), err
}

// activeTTYs parses `who` output and returns the distinct TTY device
// names (the second whitespace-separated field of each line).
func activeTTYs() ([]string, error) {
	output, err := whoOutput()
	if err != nil {
		return nil, fmt.Errorf("running who: %w", err)
	}

	seen := map[string]bool{}
	var ttys []string
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		tty := fields[1]
		if seen[tty] {
			continue
		}
		seen[tty] = true
		ttys = append(ttys, tty)
	}
	return ttys, nil
}

var writeToTTY = func(tty, message string) {
	f, err := os.OpenFile("/dev/"+tty, os.O_WRONLY, 0)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.WriteString(message)
}
