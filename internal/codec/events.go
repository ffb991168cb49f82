package codec

import (
	"regexp"
	"strings"

	"nuvogw/internal/errs"
)

// eventLineRE matches "ReportState <target> <property>=<value>" and
// "StateChanged <target> <property>=<value>".
var eventLineRE = regexp.MustCompile(`^(ReportState|StateChanged)\s+(\S+)\s+(\S+)=(.*)$`)

// mcsBareKV matches MCS's bare "<Key>=<Value>" shape; the
// "ReportState <instance> <Key>=<Value>" shape is matched by eventLineRE.
var mcsBareKV = regexp.MustCompile(`^(\S+)=(.*)$`)

// EventLine is a parsed ReportState or StateChanged line.
type EventLine struct {
	Kind     string // "ReportState" or "StateChanged"
	Target   string
	Property string
	Value    string
}

// ParseEventLine parses a single ReportState/StateChanged line. Malformed
// lines return a Framing error; the caller must not let this crash a read
// loop.
func ParseEventLine(line, op string) (EventLine, error) {
	m := eventLineRE.FindStringSubmatch(strings.TrimRight(line, "\r\n"))
	if m == nil {
		return EventLine{}, errs.New(errs.Framing, op, "line does not match ReportState/StateChanged grammar: "+line)
	}
	return EventLine{Kind: m[1], Target: m[2], Property: m[3], Value: m[4]}, nil
}

// ParseMCSReportState parses either "ReportState <instance> Key=Value" or a
// bare "Key=Value" line; both yield the same Kind, Property and Value (Target
// is empty for the bare shape).
func ParseMCSReportState(line, op string) (EventLine, error) {
	trimmed := strings.TrimRight(line, "\r\n")
	if e, err := ParseEventLine(trimmed, op); err == nil {
		return e, nil
	}
	m := mcsBareKV.FindStringSubmatch(trimmed)
	if m == nil {
		return EventLine{}, errs.New(errs.Framing, op, "line is neither ReportState nor Key=Value: "+line)
	}
	return EventLine{Kind: "ReportState", Property: m[1], Value: m[2]}, nil
}

// AsBool interprets the literal True/False values used on the wire.
func AsBool(v string) bool { return strings.EqualFold(v, "True") }

// IsEventLine is a cheap pre-check used by background readers to decide
// whether a line should be routed to the event path before fully parsing it.
func IsEventLine(line string) bool {
	t := strings.TrimSpace(line)
	return strings.HasPrefix(t, "StateChanged ") || strings.HasPrefix(t, "ReportState ")
}
