// Package codec implements the wire framing and parsing shared by the MRAD
// and MCS clients.
//
// Commands out are text lines: MRAD commands end in bare CR (EncodeCommand),
// MCS commands in CRLF (EncodeCommandCRLF). Replies in are line-oriented and
// fall into one of five shapes: banner,
// XML block, ReportState, StateChanged, or a bare completion marker. This
// file implements encoding and the response-boundary policy; events.go and
// xml.go implement the two parsed-reply shapes that carry structured data.
package codec

import (
	"context"
	"strings"
	"time"

	"nuvogw/internal/errs"
)

// DefaultQuietTimeout is the default inter-line idle timeout used to decide
// a reply is complete when no explicit marker was seen.
const DefaultQuietTimeout = 500 * time.Millisecond

// DefaultHardTimeout aborts a read outright regardless of quiet-timeout resets.
const DefaultHardTimeout = 10 * time.Second

// EncodeCommand renders a command and its arguments as a single CR-terminated
// line, e.g. EncodeCommand("Volume", "50", "3") -> "Volume 50 3\r".
func EncodeCommand(name string, args ...string) []byte {
	parts := append([]string{name}, args...)
	return append([]byte(strings.Join(parts, " ")), '\r')
}

// EncodeCommandCRLF is EncodeCommand but CRLF-terminated, for MCS.
func EncodeCommandCRLF(name string, args ...string) []byte {
	parts := append([]string{name}, args...)
	return append([]byte(strings.Join(parts, " ")), '\r', '\n')
}

// isCompletionMarker reports whether line carries a completion marker either
// as the whole (trimmed) line, or trailing at the end of it.
func isCompletionMarker(line string) bool {
	t := strings.TrimRight(line, "\r\n")
	t = strings.TrimSpace(t)
	if t == "Ok" || t == "=Done" || t == ">" {
		return true
	}
	return strings.HasSuffix(t, "=Done") || strings.HasSuffix(t, ">") ||
		strings.HasSuffix(t, " Ok")
}

// xmlRootOf returns the root element name if line opens an XML tag, e.g.
// "<Zones total=\"2\">" -> "Zones". Returns "" if line doesn't look like XML.
func xmlRootOf(line string) string {
	t := strings.TrimSpace(line)
	if !strings.HasPrefix(t, "<") {
		return ""
	}
	t = t[1:]
	end := strings.IndexAny(t, " \t>/")
	if end < 0 {
		end = len(t)
	}
	name := t[:end]
	if name == "" {
		return ""
	}
	return name
}

// xmlClosesRoot reports whether line contains the closing tag for root, or a
// self-closing instance of root itself on a single line. Child elements
// that happen to be self-closing (e.g. "<Zone .../>" inside a "<Zones>"
// block) must not be mistaken for the root closing.
func xmlClosesRoot(line, root string) bool {
	if root == "" {
		return false
	}
	t := strings.TrimSpace(line)
	if strings.Contains(t, "</"+root+">") {
		return true
	}
	return strings.HasPrefix(t, "<"+root) && strings.HasSuffix(t, "/>")
}

// LineReader abstracts pulling the next reply line from either a background
// reader's queue (MRAD) or a direct socket scan (MCS). next returns
// ok=false on an idle timeout (not an error) so the caller can apply the
// quiet-timeout boundary rule.
type LineReader func(ctx context.Context, timeout time.Duration) (line string, ok bool, err error)

// Reply is the accumulated result of reading one command's response.
type Reply struct {
	Lines      []string
	XMLRoot    string // non-empty if an XML block was detected
	Completion string // the marker that ended the reply, if any
}

// Text joins all accumulated lines with "\n".
func (r Reply) Text() string { return strings.Join(r.Lines, "\n") }

// ReadReply pulls lines via next until a completion condition fires: a
// completion marker, a closing XML tag matching the opened root, the quiet
// timeout elapsing after at least one line, or the hard timeout elapsing.
// hard bounds the whole call regardless of activity.
func ReadReply(ctx context.Context, next LineReader, quiet, hard time.Duration, op string) (Reply, error) {
	if quiet <= 0 {
		quiet = DefaultQuietTimeout
	}
	if hard <= 0 {
		hard = DefaultHardTimeout
	}

	deadline := time.Now().Add(hard)
	var reply Reply

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return reply, errs.New(errs.Timeout, op, "hard timeout reading reply")
		}
		wait := quiet
		if wait > remaining {
			wait = remaining
		}

		line, ok, err := next(ctx, wait)
		if err != nil {
			return reply, errs.Wrap(errs.Unavailable, op, "read error", err)
		}
		if !ok {
			// Idle timeout: only a valid completion if we've seen at least one line.
			if len(reply.Lines) > 0 {
				return reply, nil
			}
			continue
		}

		reply.Lines = append(reply.Lines, line)

		if reply.XMLRoot == "" {
			if root := xmlRootOf(line); root != "" {
				reply.XMLRoot = root
			}
		}
		if reply.XMLRoot != "" && xmlClosesRoot(line, reply.XMLRoot) {
			return reply, nil
		}
		// Inside an open XML block, only its own closing tag (above) can end
		// the reply: a self-closing child line, or the opening tag itself,
		// both happen to end in ">" and must not be mistaken for a marker.
		if reply.XMLRoot == "" && isCompletionMarker(line) {
			reply.Completion = strings.TrimSpace(line)
			return reply, nil
		}
	}
}
