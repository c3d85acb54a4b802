package resp

import (
	"bytes"
	"testing"
)

func TestNewCommandRoundTrip(t *testing.T) {
	v := NewCommand("SET", []byte("foo"), []byte("bar"))
	want := "*3\r\n$3\r\nSET\r\n$3\r\nfoo\r\n$3\r\nbar\r\n"
	if string(v.Bytes) != want {
		t.Fatalf("NewCommand bytes = %q, want %q", v.Bytes, want)
	}
	if v.Len() != len(want) {
		t.Fatalf("Len() = %d, want %d", v.Len(), len(want))
	}
}

func TestNewSimpleAndError(t *testing.T) {
	if s := NewSimple("OK"); string(s.Bytes) != "+OK\r\n" {
		t.Fatalf("NewSimple = %q", s.Bytes)
	}
	if e := NewError("NOT AUTHORIZED"); string(e.Bytes) != "-NOT AUTHORIZED\r\n" {
		t.Fatalf("NewError = %q", e.Bytes)
	}
}

func TestParserWholeFrame(t *testing.T) {
	var p Parser
	p.Feed([]byte("*2\r\n$3\r\nGET\r\n$3\r\nfoo\r\n"))

	n := p.Parse()
	if n <= 0 {
		t.Fatalf("Parse() = %d, want a completed frame", n)
	}
	cmd, ok := p.Command()
	if !ok || string(cmd) != "GET" {
		t.Fatalf("Command() = %q, %v, want GET, true", cmd, ok)
	}
	p.Drain(n)
	if p.Buffered() != 0 {
		t.Fatalf("Buffered() = %d after Drain, want 0", p.Buffered())
	}
}

func TestParserByteAtATime(t *testing.T) {
	frame := []byte("*3\r\n$4\r\nAUTH\r\n$6\r\nsecret\r\n$0\r\n\r\n")

	var p Parser
	var n int
	for i, b := range frame {
		p.Feed([]byte{b})
		n = p.Parse()
		if n > 0 && i != len(frame)-1 {
			t.Fatalf("Parse() completed early at byte %d of %d", i, len(frame))
		}
	}
	if n != len(frame) {
		t.Fatalf("Parse() = %d, want %d", n, len(frame))
	}
	cmd, ok := p.Command()
	if !ok || string(cmd) != "AUTH" {
		t.Fatalf("Command() = %q, %v, want AUTH, true", cmd, ok)
	}
}

// A command whose name (first bulk string) is split across Feed calls must
// still report the correct name: this is the exact case that a premature
// pendingBytes-based capture gets wrong.
func TestParserCommandSplitAcrossFeeds(t *testing.T) {
	var p Parser
	p.Feed([]byte("*1\r\n$4\r\nPI"))
	if n := p.Parse(); n != int(NeedMore) {
		t.Fatalf("Parse() = %d, want NeedMore", n)
	}
	p.Feed([]byte("NG\r\n"))
	n := p.Parse()
	if n <= 0 {
		t.Fatalf("Parse() = %d, want completed frame", n)
	}
	cmd, ok := p.Command()
	if !ok || string(cmd) != "PING" {
		t.Fatalf("Command() = %q, %v, want PING, true", cmd, ok)
	}
}

func TestParserPipelinedFrames(t *testing.T) {
	var p Parser
	p.Feed([]byte("*1\r\n$4\r\nPING\r\n*1\r\n$4\r\nPING\r\n"))

	n := p.Parse()
	if n != 14 {
		t.Fatalf("first frame length = %d, want 14", n)
	}
	p.Drain(n)
	if p.PendingParts() != 0 {
		t.Fatalf("PendingParts() after Drain = %d, want 0", p.PendingParts())
	}
	n = p.Parse()
	if n != 14 {
		t.Fatalf("second frame length = %d, want 14", n)
	}
	cmd, _ := p.Command()
	if string(cmd) != "PING" {
		t.Fatalf("Command() = %q, want PING", cmd)
	}
}

func TestParserElementsReportsDeclaredArrayLength(t *testing.T) {
	var p Parser
	p.Feed([]byte("*2\r\n$4\r\nAUTH\r\n$6\r\nsecret\r\n"))
	if n := p.Parse(); n <= 0 {
		t.Fatalf("Parse() = %d, want completed frame", n)
	}
	if p.Elements() != 2 {
		t.Fatalf("Elements() = %d, want 2", p.Elements())
	}
}

func TestParserMalformedMissingStar(t *testing.T) {
	var p Parser
	p.Feed([]byte("GET\r\n"))
	if n := p.Parse(); n != int(Malformed) {
		t.Fatalf("Parse() = %d, want Malformed", n)
	}
}

func TestParserMalformedBadCount(t *testing.T) {
	var p Parser
	p.Feed([]byte("*x\r\n"))
	if n := p.Parse(); n != int(Malformed) {
		t.Fatalf("Parse() = %d, want Malformed", n)
	}
}

func TestParserEmptyArray(t *testing.T) {
	var p Parser
	p.Feed([]byte("*0\r\n"))
	n := p.Parse()
	if n != 4 {
		t.Fatalf("Parse() = %d, want 4", n)
	}
	if _, ok := p.Command(); ok {
		t.Fatalf("Command() ok = true for an empty array, want false")
	}
}

func TestParserLastBulkIsAuthPassword(t *testing.T) {
	var p Parser
	p.Feed([]byte("*2\r\n$4\r\nAUTH\r\n$6\r\nhunter\r\n"))
	n := p.Parse()
	if n <= 0 {
		t.Fatalf("Parse() = %d, want completed frame", n)
	}
	pass := p.LastBulk()
	if !bytes.Equal(pass, []byte("hunter")) {
		t.Fatalf("LastBulk() = %q, want %q", pass, "hunter")
	}
}

func TestParserDrainResetsCommand(t *testing.T) {
	var p Parser
	p.Feed([]byte("*1\r\n$3\r\nGET\r\n"))
	n := p.Parse()
	p.Drain(n)
	if _, ok := p.Command(); ok {
		t.Fatalf("Command() ok = true after Drain, want false")
	}
}

func TestParserNeedMoreOnPartialHeader(t *testing.T) {
	var p Parser
	p.Feed([]byte("*1\r\n$3"))
	if n := p.Parse(); n != int(NeedMore) {
		t.Fatalf("Parse() = %d, want NeedMore", n)
	}
}
