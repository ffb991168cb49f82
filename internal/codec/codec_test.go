package codec

import (
	"context"
	"testing"
	"time"
)

func TestEncodeCommand(t *testing.T) {
	got := string(EncodeCommand("Volume", "50", "3"))
	want := "Volume 50 3\r"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestEncodeCommandCRLF(t *testing.T) {
	got := string(EncodeCommandCRLF("SetInstance", "Music_Server_A"))
	want := "SetInstance Music_Server_A\r\n"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestIsCompletionMarker(t *testing.T) {
	cases := map[string]bool{
		"Ok":                 true,
		"=Done":              true,
		">":                  true,
		"ReportState Zone_1 Volume=50": false,
		"something >":        true,
		"trailer=Done":       true,
		"random text":        false,
	}
	for line, want := range cases {
		if got := isCompletionMarker(line); got != want {
			t.Errorf("isCompletionMarker(%q) = %v, want %v", line, got, want)
		}
	}
}

// lineQueue is a simple fake LineReader fed from a slice, used to drive
// ReadReply without a real socket.
func lineQueue(lines []string) LineReader {
	i := 0
	return func(_ context.Context, _ time.Duration) (string, bool, error) {
		if i >= len(lines) {
			return "", false, nil
		}
		l := lines[i]
		i++
		return l, true, nil
	}
}

func TestReadReplyCompletionMarker(t *testing.T) {
	next := lineQueue([]string{"ReportState Zone_1 Volume=50", "Ok"})
	reply, err := ReadReply(context.Background(), next, 50*time.Millisecond, time.Second, "test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(reply.Lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(reply.Lines))
	}
	if reply.Completion != "Ok" {
		t.Fatalf("got completion %q, want Ok", reply.Completion)
	}
}

func TestReadReplyXMLClose(t *testing.T) {
	next := lineQueue([]string{`<Zones total="1">`, `<Zone guid="a" id="Zone_1" name="Den" number="1"/>`, `</Zones>`})
	reply, err := ReadReply(context.Background(), next, 50*time.Millisecond, time.Second, "test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply.XMLRoot != "Zones" {
		t.Fatalf("got root %q, want Zones", reply.XMLRoot)
	}
	if len(reply.Lines) != 3 {
		t.Fatalf("got %d lines, want 3 (self-closing child must not end the reply early)", len(reply.Lines))
	}
}

func TestReadReplyQuietTimeout(t *testing.T) {
	next := lineQueue([]string{"some banner text"})
	reply, err := ReadReply(context.Background(), next, 10*time.Millisecond, time.Second, "test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(reply.Lines) != 1 {
		t.Fatalf("got %d lines, want 1", len(reply.Lines))
	}
}

func TestReadReplyHardTimeout(t *testing.T) {
	next := func(_ context.Context, _ time.Duration) (string, bool, error) {
		return "", false, nil // never produces a line
	}
	_, err := ReadReply(context.Background(), next, 5*time.Millisecond, 20*time.Millisecond, "test")
	if err == nil {
		t.Fatal("expected hard timeout error")
	}
}

func TestParseEventLine(t *testing.T) {
	e, err := ParseEventLine("StateChanged Zone_2 Volume=37", "test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.Kind != "StateChanged" || e.Target != "Zone_2" || e.Property != "Volume" || e.Value != "37" {
		t.Fatalf("got %+v", e)
	}
}

func TestParseEventLineMalformed(t *testing.T) {
	if _, err := ParseEventLine("garbage line without kv", "test"); err == nil {
		t.Fatal("expected framing error")
	}
}

func TestParseMCSReportStateBothShapes(t *testing.T) {
	a, err := ParseMCSReportState("ReportState Music_Server_A Volume=20", "test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := ParseMCSReportState("Volume=20", "test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.Property != b.Property || a.Value != b.Value {
		t.Fatalf("shapes parsed to different records: %+v vs %+v", a, b)
	}
}

func TestParseZones(t *testing.T) {
	xmlText := `<Zones total="2"><Zone guid="g1" id="Zone_1" name="Master Bedroom" on="False"/><Zone guid="g3" id="Zone_3" name="Living Room" on="True"/></Zones>`
	zones, err := ParseZones(xmlText, "test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(zones) != 2 {
		t.Fatalf("got %d zones, want 2", len(zones))
	}
	if zones[0].Number != 1 || zones[1].Number != 3 {
		t.Fatalf("got numbers %d, %d, want 1, 3", zones[0].Number, zones[1].Number)
	}
	if zones[0].Name != "Master Bedroom" || zones[0].IsOn {
		t.Fatalf("got %+v", zones[0])
	}
	if !zones[1].IsOn {
		t.Fatalf("got %+v", zones[1])
	}
}

func TestParseSourcesUnknownAttrsTolerated(t *testing.T) {
	xmlText := `<Sources total="1"><Source guid="sg1" name="Music Server A" smart="True" weirdattr="xyz"/></Sources>`
	sources, err := ParseSources(xmlText, "test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sources) != 1 || !sources[0].Smart {
		t.Fatalf("got %+v", sources)
	}
	if sources[0].Metadata["weirdattr"] != "xyz" {
		t.Fatalf("expected unknown attr to be retained as metadata, got %+v", sources[0].Metadata)
	}
}

func TestParsePickList(t *testing.T) {
	xmlText := `<RadioStations total="2"><Item title="TuneIn Radio" guid="r1"/><Item title="97.1 Hot 97" guid="r2"/></RadioStations>`
	items, err := ParsePickList(xmlText, "test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(items) != 2 || items[1].Index != 1 {
		t.Fatalf("got %+v", items)
	}
	if items[1].Title != "97.1 Hot 97" {
		t.Fatalf("got %+v", items[1])
	}
}
