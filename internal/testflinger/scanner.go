package testflinger

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/h3ow3d/cephtools/internal/log"
	"github.com/h3ow3d/cephtools/internal/runner"
)

// reservationPrefixes is the banner testflinger poll prints once a machine
// is reserved. Each line of the banner starts with the matching prefix.
var reservationPrefixes = [...]string{
	"*** TESTFLINGER SYSTEM RESERVED ***",
	"You can now connect to ",
	"Current time:           [",
	"Reservation expires at: [",
	"Reservation will automatically timeout in ",
	"To end the reservation sooner use: testflinger-cli cancel ",
}

const windowSize = len(reservationPrefixes)

// maxLineLen caps how much of a single poll line is kept.
const maxLineLen = 4 << 10

var (
	// ErrNoReservation is returned when the poll output ends without a
	// reservation banner.
	ErrNoReservation = errors.New("failed to identify reservation details in testflinger output")
	// ErrJobIDMismatch is returned when the banner names a different job
	// than the one submitted.
	ErrJobIDMismatch = errors.New("mismatch between job id reported by submit and poll output")
)

// Details describes a live reservation.
type Details struct {
	JobID          string
	Queue          string
	User           string
	IP             string
	ExpiresAt      time.Time
	TimeoutSeconds int
}

// timestampLayouts are tried in order. Timestamps without an offset are UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02",
}

func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

// ParseWindow matches lines against the reservation banner. Line i must start
// with prefix i. A banner whose fields do not parse is not a match.
func ParseWindow(lines []string, queue string) (Details, bool) {
	if len(lines) != windowSize {
		return Details{}, false
	}
	var rest [windowSize]string
	for i, prefix := range reservationPrefixes {
		after, ok := strings.CutPrefix(lines[i], prefix)
		if !ok {
			return Details{}, false
		}
		rest[i] = strings.TrimSpace(after)
	}

	user, ip, ok := strings.Cut(rest[1], "@")
	if !ok || user == "" || ip == "" {
		return Details{}, false
	}
	if _, err := parseTimestamp(strings.TrimRight(rest[2], "]")); err != nil {
		return Details{}, false
	}
	expires, err := parseTimestamp(strings.TrimRight(rest[3], "]"))
	if err != nil {
		return Details{}, false
	}
	timeoutFields := strings.Fields(rest[4])
	if len(timeoutFields) == 0 {
		return Details{}, false
	}
	timeout, err := strconv.Atoi(timeoutFields[0])
	if err != nil || timeout < 0 {
		return Details{}, false
	}
	cancelFields := strings.Fields(rest[5])
	if len(cancelFields) == 0 {
		return Details{}, false
	}

	return Details{
		JobID:          cancelFields[len(cancelFields)-1],
		Queue:          queue,
		User:           user,
		IP:             ip,
		ExpiresAt:      expires,
		TimeoutSeconds: timeout,
	}, true
}

// window holds the most recent windowSize lines.
type window struct {
	ring  [windowSize]string
	next  int
	count int
	view  [windowSize]string
}

func (w *window) push(line string) {
	w.ring[w.next] = line
	w.next = (w.next + 1) % windowSize
	if w.count < windowSize {
		w.count++
	}
}

// lines returns the buffered lines oldest first. The slice is reused by the
// next call.
func (w *window) lines() []string {
	if w.count < windowSize {
		return w.ring[:w.count]
	}
	for i := range w.view {
		w.view[i] = w.ring[(w.next+i)%windowSize]
	}
	return w.view[:]
}

// readLine returns the next line without its terminator, truncated to
// maxLineLen. The remainder of an overlong line is discarded.
func readLine(r *bufio.Reader) (string, error) {
	var buf []byte
	for {
		frag, more, err := r.ReadLine()
		if err != nil {
			if err == io.EOF && len(buf) > 0 {
				return string(buf), nil
			}
			return "", err
		}
		if room := maxLineLen - len(buf); room > 0 {
			if len(frag) > room {
				frag = frag[:room]
			}
			buf = append(buf, frag...)
		}
		if !more {
			return string(buf), nil
		}
	}
}

// AwaitReservation reads the poll output of proc until the reservation banner
// for jobID appears. Every line is passed to echo as it arrives. proc is
// stopped before AwaitReservation returns, and also as soon as ctx is done.
func AwaitReservation(ctx context.Context, proc runner.Process, jobID, queue string, echo func(string)) (Details, error) {
	defer proc.Stop()
	stopOnCancel := context.AfterFunc(ctx, func() { _ = proc.Stop() })
	defer stopOnCancel()

	var (
		w       window
		details Details
		found   bool
		readErr error
	)
	r := bufio.NewReaderSize(proc.Stdout(), maxLineLen)
	for {
		line, err := readLine(r)
		if err != nil {
			if err != io.EOF {
				readErr = err
			}
			break
		}
		if echo != nil {
			echo(line)
		}
		w.push(line)
		if details, found = ParseWindow(w.lines(), queue); found {
			break
		}
	}

	if err := proc.Stop(); err != nil {
		log.Debug(fmt.Sprintf("stop testflinger poll: %v", err))
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return Details{}, fmt.Errorf("await reservation for job %s: %w", jobID, ctxErr)
	}
	if !found {
		if readErr != nil {
			return Details{}, fmt.Errorf("%w: read poll output: %w", ErrNoReservation, readErr)
		}
		if stderr := proc.Stderr(); stderr != "" {
			return Details{}, fmt.Errorf("%w. Stderr: %s", ErrNoReservation, stderr)
		}
		return Details{}, ErrNoReservation
	}
	if details.JobID != jobID {
		return Details{}, fmt.Errorf("%w: submit reported %q, poll reported %q", ErrJobIDMismatch, jobID, details.JobID)
	}
	return details, nil
}
