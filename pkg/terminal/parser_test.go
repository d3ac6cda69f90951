package terminal

import (
	"reflect"
	"testing"
)

type csiCall struct {
	prefix       byte
	params       []int
	intermediate string
	final        byte
}

type recordingSink struct {
	printed  []rune
	executed []byte
	csi      []csiCall
	osc      []string
	escapes  []byte
}

func newRecordingParser() (*Parser, *recordingSink) {
	sink := &recordingSink{}
	p := NewParser()
	p.OnPrint = func(r rune) { sink.printed = append(sink.printed, r) }
	p.OnExecute = func(b byte) { sink.executed = append(sink.executed, b) }
	p.OnCSI = func(prefix byte, params []int, intermediate []byte, final byte) {
		ps := make([]int, len(params))
		copy(ps, params)
		sink.csi = append(sink.csi, csiCall{prefix, ps, string(intermediate), final})
	}
	p.OnOSC = func(data []byte) { sink.osc = append(sink.osc, string(data)) }
	p.OnEscape = func(intermediate []byte, final byte) { sink.escapes = append(sink.escapes, final) }
	return p, sink
}

func TestParserPlainText(t *testing.T) {
	p, sink := newRecordingParser()
	p.Parse([]byte("hi\r\n"))
	if string(sink.printed) != "hi" {
		t.Errorf("printed %q", string(sink.printed))
	}
	if string(sink.executed) != "\r\n" {
		t.Errorf("executed %v", sink.executed)
	}
}

func TestParserUTF8(t *testing.T) {
	p, sink := newRecordingParser()
	p.Parse([]byte("héllo 世界"))
	if string(sink.printed) != "héllo 世界" {
		t.Errorf("printed %q", string(sink.printed))
	}
}

func TestParserCSIParams(t *testing.T) {
	p, sink := newRecordingParser()
	p.Parse([]byte("\x1b[2;5H"))
	if len(sink.csi) != 1 {
		t.Fatalf("expected 1 CSI, got %d", len(sink.csi))
	}
	c := sink.csi[0]
	if c.final != 'H' || !reflect.DeepEqual(c.params, []int{2, 5}) || c.prefix != 0 {
		t.Errorf("got %+v", c)
	}
}

func TestParserCSIPrivatePrefix(t *testing.T) {
	p, sink := newRecordingParser()
	p.Parse([]byte("\x1b[?1049h"))
	if len(sink.csi) != 1 {
		t.Fatalf("expected 1 CSI, got %d", len(sink.csi))
	}
	c := sink.csi[0]
	if c.prefix != '?' || c.final != 'h' || !reflect.DeepEqual(c.params, []int{1049}) {
		t.Errorf("got %+v", c)
	}
}

func TestParserCSINoParams(t *testing.T) {
	p, sink := newRecordingParser()
	p.Parse([]byte("\x1b[m"))
	if len(sink.csi) != 1 {
		t.Fatalf("expected 1 CSI, got %d", len(sink.csi))
	}
	if len(sink.csi[0].params) != 0 {
		t.Errorf("expected no params, got %v", sink.csi[0].params)
	}
}

func TestParserSplitAcrossChunks(t *testing.T) {
	p, sink := newRecordingParser()
	for _, b := range []byte("\x1b[38;5;208mx") {
		p.Parse([]byte{b})
	}
	if len(sink.csi) != 1 {
		t.Fatalf("expected 1 CSI, got %d", len(sink.csi))
	}
	if !reflect.DeepEqual(sink.csi[0].params, []int{38, 5, 208}) {
		t.Errorf("params %v", sink.csi[0].params)
	}
	if string(sink.printed) != "x" {
		t.Errorf("printed %q", string(sink.printed))
	}
}

func TestParserOSCBel(t *testing.T) {
	p, sink := newRecordingParser()
	p.Parse([]byte("\x1b]0;my title\x07after"))
	if len(sink.osc) != 1 || sink.osc[0] != "0;my title" {
		t.Errorf("osc %v", sink.osc)
	}
	if string(sink.printed) != "after" {
		t.Errorf("printed %q", string(sink.printed))
	}
}

func TestParserOSCStringTerminator(t *testing.T) {
	p, sink := newRecordingParser()
	p.Parse([]byte("\x1b]2;t\x1b\\x"))
	if len(sink.osc) != 1 || sink.osc[0] != "2;t" {
		t.Errorf("osc %v", sink.osc)
	}
	if string(sink.printed) != "x" {
		t.Errorf("printed %q", string(sink.printed))
	}
}

func TestParserOSCSplitStringTerminator(t *testing.T) {
	p, sink := newRecordingParser()
	p.Parse([]byte("\x1b]0;t\x1b"))
	p.Parse([]byte("\\done"))
	if len(sink.osc) != 1 || sink.osc[0] != "0;t" {
		t.Errorf("osc %v", sink.osc)
	}
	if string(sink.printed) != "done" {
		t.Errorf("printed %q", string(sink.printed))
	}
}

func TestParserSimpleEscape(t *testing.T) {
	p, sink := newRecordingParser()
	p.Parse([]byte("\x1b7text\x1b8"))
	if string(sink.escapes) != "78" {
		t.Errorf("escapes %q", string(sink.escapes))
	}
	if string(sink.printed) != "text" {
		t.Errorf("printed %q", string(sink.printed))
	}
}

func TestParserIgnoresUnknownSequences(t *testing.T) {
	p, sink := newRecordingParser()
	// A CSI with a bogus byte mid-sequence is consumed to its final byte.
	p.Parse([]byte("\x1b[12\x0134~ok"))
	if string(sink.printed) != "ok" {
		t.Errorf("printed %q", string(sink.printed))
	}
}

func TestParserReset(t *testing.T) {
	p, sink := newRecordingParser()
	p.Parse([]byte("\x1b[12"))
	p.Reset()
	p.Parse([]byte("x"))
	if len(sink.csi) != 0 {
		t.Errorf("partial CSI survived reset: %v", sink.csi)
	}
	if string(sink.printed) != "x" {
		t.Errorf("printed %q", string(sink.printed))
	}
}
