package terminal

import (
	"strings"
	"testing"
)

// feed runs raw bytes through a parser wired to the screen.
func feed(s *Screen, input string) {
	p := NewParser()
	p.OnPrint = s.Print
	p.OnExecute = s.Execute
	p.OnCSI = s.HandleCSI
	p.OnEscape = s.HandleEscape
	p.Parse([]byte(input))
}

func rowText(s *Screen, y int) string {
	row := s.Row(y)
	runes := make([]rune, len(row))
	for x, c := range row {
		runes[x] = c.Char
	}
	return strings.TrimRight(string(runes), " ")
}

func TestScreenPrintAndNewline(t *testing.T) {
	s := NewScreen(10, 4, 100)
	feed(s, "ab\r\ncd")
	if got := rowText(s, 0); got != "ab" {
		t.Errorf("row 0: %q", got)
	}
	if got := rowText(s, 1); got != "cd" {
		t.Errorf("row 1: %q", got)
	}
	x, y := s.Cursor()
	if x != 2 || y != 1 {
		t.Errorf("cursor at (%d, %d)", x, y)
	}
}

func TestScreenWrapAtRightEdge(t *testing.T) {
	s := NewScreen(4, 3, 100)
	feed(s, "abcdef")
	if got := rowText(s, 0); got != "abcd" {
		t.Errorf("row 0: %q", got)
	}
	if got := rowText(s, 1); got != "ef" {
		t.Errorf("row 1: %q", got)
	}
}

func TestScreenScrollIntoScrollback(t *testing.T) {
	s := NewScreen(10, 2, 100)
	feed(s, "one\r\ntwo\r\nthree")
	if s.ScrollbackLen() != 1 {
		t.Fatalf("scrollback len %d", s.ScrollbackLen())
	}
	sb := s.ScrollbackRow(0)
	if string([]rune{sb[0].Char, sb[1].Char, sb[2].Char}) != "one" {
		t.Errorf("scrollback row wrong")
	}
	if got := rowText(s, 0); got != "two" {
		t.Errorf("row 0: %q", got)
	}
	if got := rowText(s, 1); got != "three" {
		t.Errorf("row 1: %q", got)
	}
}

func TestScreenScrollbackCap(t *testing.T) {
	s := NewScreen(5, 2, 3)
	for i := 0; i < 10; i++ {
		feed(s, "x\r\n")
	}
	if s.ScrollbackLen() != 3 {
		t.Errorf("scrollback len %d, want 3", s.ScrollbackLen())
	}
}

func TestScreenCursorMovement(t *testing.T) {
	s := NewScreen(20, 10, 0)
	feed(s, "\x1b[5;10H")
	x, y := s.Cursor()
	if x != 9 || y != 4 {
		t.Errorf("cursor at (%d, %d), want (9, 4)", x, y)
	}
	feed(s, "\x1b[2A\x1b[3D")
	x, y = s.Cursor()
	if x != 6 || y != 2 {
		t.Errorf("cursor at (%d, %d), want (6, 2)", x, y)
	}
	// Moves clamp at the edges.
	feed(s, "\x1b[99A\x1b[99D")
	x, y = s.Cursor()
	if x != 0 || y != 0 {
		t.Errorf("cursor at (%d, %d), want (0, 0)", x, y)
	}
}

func TestScreenEraseLine(t *testing.T) {
	s := NewScreen(10, 2, 0)
	feed(s, "abcdef\x1b[3G\x1b[K")
	if got := rowText(s, 0); got != "ab" {
		t.Errorf("row 0: %q", got)
	}
}

func TestScreenEraseDisplay(t *testing.T) {
	s := NewScreen(10, 3, 0)
	feed(s, "one\r\ntwo\r\nthree\x1b[2J")
	for y := 0; y < 3; y++ {
		if got := rowText(s, y); got != "" {
			t.Errorf("row %d not cleared: %q", y, got)
		}
	}
}

func TestScreenScrollRegion(t *testing.T) {
	s := NewScreen(10, 4, 100)
	// Region rows 2-3 (1-based), cursor homes to top of screen.
	feed(s, "\x1b[2;3r")
	x, y := s.Cursor()
	if x != 0 || y != 0 {
		t.Errorf("cursor after DECSTBM at (%d, %d)", x, y)
	}
	// Fill the region and force a scroll inside it.
	feed(s, "\x1b[2;1Haa\r\nbb\r\ncc")
	if got := rowText(s, 1); got != "bb" {
		t.Errorf("row 1: %q", got)
	}
	if got := rowText(s, 2); got != "cc" {
		t.Errorf("row 2: %q", got)
	}
	// Scrolling inside a region must not touch scrollback.
	if s.ScrollbackLen() != 0 {
		t.Errorf("region scroll leaked into scrollback: %d", s.ScrollbackLen())
	}
}

func TestScreenAltScreen(t *testing.T) {
	s := NewScreen(10, 3, 100)
	feed(s, "main")
	feed(s, "\x1b[?1049h")
	if got := rowText(s, 0); got != "" {
		t.Errorf("alt screen not blank: %q", got)
	}
	feed(s, "alt")
	feed(s, "\x1b[?1049l")
	if got := rowText(s, 0); got != "main" {
		t.Errorf("primary screen lost: %q", got)
	}
}

func TestScreenAltScreenNoScrollback(t *testing.T) {
	s := NewScreen(5, 2, 100)
	feed(s, "\x1b[?1049h")
	for i := 0; i < 5; i++ {
		feed(s, "x\r\n")
	}
	if s.ScrollbackLen() != 0 {
		t.Errorf("alt screen scrolled into scrollback: %d", s.ScrollbackLen())
	}
}

func TestScreenSGRBasicColors(t *testing.T) {
	s := NewScreen(10, 2, 0)
	feed(s, "\x1b[31;1mA\x1b[0mB")
	a := s.Row(0)[0]
	if a.Fg != 1 || a.Attr&AttrBold == 0 {
		t.Errorf("cell A: %+v", a)
	}
	b := s.Row(0)[1]
	if b.Fg != DefaultColor || b.Attr != 0 {
		t.Errorf("cell B: %+v", b)
	}
}

func TestScreenSGR256Color(t *testing.T) {
	s := NewScreen(10, 2, 0)
	feed(s, "\x1b[38;5;208mX")
	c := s.Row(0)[0]
	if c.Fg != 208 {
		t.Errorf("fg %d, want 208", c.Fg)
	}
}

func TestScreenSGRTrueColor(t *testing.T) {
	s := NewScreen(10, 2, 0)
	feed(s, "\x1b[48;2;10;20;30mX")
	c := s.Row(0)[0]
	if c.Bg != RGB(10, 20, 30) {
		t.Errorf("bg %d, want %d", c.Bg, RGB(10, 20, 30))
	}
	if !IsRGB(c.Bg) {
		t.Error("bg not marked as RGB")
	}
}

func TestScreenSGRBrightAndResets(t *testing.T) {
	s := NewScreen(10, 2, 0)
	feed(s, "\x1b[94;4mA\x1b[24mB")
	a := s.Row(0)[0]
	if a.Fg != 12 || a.Attr&AttrUnderline == 0 {
		t.Errorf("cell A: %+v", a)
	}
	b := s.Row(0)[1]
	if b.Attr&AttrUnderline != 0 {
		t.Errorf("underline not cleared: %+v", b)
	}
	if b.Fg != 12 {
		t.Errorf("fg reset unexpectedly: %+v", b)
	}
}

func TestScreenSaveRestoreCursor(t *testing.T) {
	s := NewScreen(20, 10, 0)
	feed(s, "\x1b[3;4H\x1b7\x1b[8;8H\x1b8")
	x, y := s.Cursor()
	if x != 3 || y != 2 {
		t.Errorf("cursor at (%d, %d), want (3, 2)", x, y)
	}
}

func TestScreenCursorVisibility(t *testing.T) {
	s := NewScreen(10, 2, 0)
	if !s.CursorVisible() {
		t.Error("cursor should start visible")
	}
	feed(s, "\x1b[?25l")
	if s.CursorVisible() {
		t.Error("cursor still visible after ?25l")
	}
	feed(s, "\x1b[?25h")
	if !s.CursorVisible() {
		t.Error("cursor still hidden after ?25h")
	}
}

func TestScreenFullReset(t *testing.T) {
	s := NewScreen(10, 3, 0)
	feed(s, "stuff\x1b[31m\x1bc")
	if got := rowText(s, 0); got != "" {
		t.Errorf("screen not cleared: %q", got)
	}
	feed(s, "x")
	if c := s.Row(0)[0]; c.Fg != DefaultColor {
		t.Errorf("SGR state survived reset: %+v", c)
	}
}

func TestScreenResizeGrow(t *testing.T) {
	s := NewScreen(5, 2, 10)
	feed(s, "abc")
	s.Resize(8, 4)
	cols, rows := s.Size()
	if cols != 8 || rows != 4 {
		t.Errorf("size (%d, %d)", cols, rows)
	}
	if got := rowText(s, 0); got != "abc" {
		t.Errorf("content lost on grow: %q", got)
	}
}

func TestScreenResizeShrinkClampsCursor(t *testing.T) {
	s := NewScreen(20, 10, 10)
	feed(s, "\x1b[10;20H")
	s.Resize(5, 3)
	x, y := s.Cursor()
	if x > 4 || y > 2 {
		t.Errorf("cursor not clamped: (%d, %d)", x, y)
	}
}

func TestScreenInsertDeleteChars(t *testing.T) {
	s := NewScreen(10, 2, 0)
	feed(s, "abcdef\x1b[3G\x1b[2@")
	if got := rowText(s, 0); got != "ab  cdef" {
		t.Errorf("after ICH: %q", got)
	}
	feed(s, "\x1b[2P")
	if got := rowText(s, 0); got != "abcdef" {
		t.Errorf("after DCH: %q", got)
	}
}

func TestScreenInsertDeleteLines(t *testing.T) {
	s := NewScreen(10, 4, 0)
	feed(s, "a\r\nb\r\nc\r\nd\x1b[2;1H\x1b[L")
	if got := rowText(s, 1); got != "" {
		t.Errorf("inserted line not blank: %q", got)
	}
	if got := rowText(s, 2); got != "b" {
		t.Errorf("lines not shifted: %q", got)
	}
	feed(s, "\x1b[M")
	if got := rowText(s, 1); got != "b" {
		t.Errorf("after DL: %q", got)
	}
}

func TestScreenTabStops(t *testing.T) {
	s := NewScreen(20, 2, 0)
	feed(s, "a\tb")
	if c := s.Row(0)[8]; c.Char != 'b' {
		t.Errorf("tab landed wrong; row: %q", rowText(s, 0))
	}
}
