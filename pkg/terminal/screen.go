package terminal

// Cell attribute bits.
const (
	AttrBold uint8 = 1 << iota
	AttrDim
	AttrItalic
	AttrUnderline
	AttrInverse
	AttrInvisible
	AttrStrikethrough
)

// DefaultColor marks an unset foreground/background.
const DefaultColor int32 = -1

// rgbTag marks a 24-bit color; the low 24 bits hold RGB. Values 0-255 are
// palette indices.
const rgbTag int32 = 1 << 24

// RGB packs a truecolor value.
func RGB(r, g, b uint8) int32 {
	return rgbTag | int32(r)<<16 | int32(g)<<8 | int32(b)
}

// IsRGB reports whether a color value is truecolor rather than palette.
func IsRGB(c int32) bool {
	return c > 255
}

// Cell is one character cell of the grid.
type Cell struct {
	Char rune
	Fg   int32
	Bg   int32
	Attr uint8
}

func blankCell() Cell {
	return Cell{Char: ' ', Fg: DefaultColor, Bg: DefaultColor}
}

// IsBlank reports whether the cell is an unstyled space.
func (c Cell) IsBlank() bool {
	return c.Char == ' ' && c.Fg == DefaultColor && c.Bg == DefaultColor && c.Attr == 0
}

type cursorState struct {
	x, y int
	fg   int32
	bg   int32
	attr uint8
}

// Screen is the VT grid: a cols×rows viewport, a bounded scrollback, cursor
// and SGR state, scroll region and alternate screen. It is not goroutine
// safe; the Emulator wraps it with a lock.
type Screen struct {
	cols, rows int

	lines      [][]Cell // active buffer
	savedLines [][]Cell // inactive buffer while the alternate screen is live
	altScreen  bool

	scrollback    [][]Cell
	maxScrollback int

	cursorX, cursorY         int
	scrollTop, scrollBottom  int // inclusive, 0-based
	saved                    cursorState
	savedValid               bool

	fg   int32
	bg   int32
	attr uint8

	cursorVisible bool
}

// NewScreen creates a screen with the given viewport size and scrollback cap.
func NewScreen(cols, rows, scrollbackRows int) *Screen {
	if cols < 1 {
		cols = 1
	}
	if rows < 1 {
		rows = 1
	}
	s := &Screen{
		cols:          cols,
		rows:          rows,
		maxScrollback: scrollbackRows,
		fg:            DefaultColor,
		bg:            DefaultColor,
		cursorVisible: true,
		scrollBottom:  rows - 1,
	}
	s.lines = makeGrid(cols, rows)
	return s
}

func makeGrid(cols, rows int) [][]Cell {
	grid := make([][]Cell, rows)
	for y := range grid {
		grid[y] = makeRow(cols)
	}
	return grid
}

func makeRow(cols int) []Cell {
	row := make([]Cell, cols)
	for x := range row {
		row[x] = blankCell()
	}
	return row
}

func (s *Screen) Size() (cols, rows int) { return s.cols, s.rows }

func (s *Screen) Cursor() (x, y int) { return s.cursorX, s.cursorY }

func (s *Screen) CursorVisible() bool { return s.cursorVisible }

// ScrollbackLen returns the number of rows above the viewport.
func (s *Screen) ScrollbackLen() int { return len(s.scrollback) }

// Row returns the viewport row at y. The returned slice is live.
func (s *Screen) Row(y int) []Cell {
	return s.lines[y]
}

// ScrollbackRow returns a retained row, oldest first.
func (s *Screen) ScrollbackRow(i int) []Cell {
	return s.scrollback[i]
}

// Print places a rune at the cursor with the current SGR state, wrapping at
// the right edge and scrolling at the bottom of the scroll region.
func (s *Screen) Print(r rune) {
	if s.cursorX >= s.cols {
		s.cursorX = s.cols - 1
	}
	s.lines[s.cursorY][s.cursorX] = Cell{Char: r, Fg: s.fg, Bg: s.bg, Attr: s.attr}
	s.cursorX++
	if s.cursorX >= s.cols {
		s.cursorX = 0
		s.lineFeed()
	}
}

// Execute handles C0 control bytes.
func (s *Screen) Execute(b byte) {
	switch b {
	case '\r':
		s.cursorX = 0
	case '\n', 0x0b, 0x0c:
		s.lineFeed()
	case '\b':
		if s.cursorX > 0 {
			s.cursorX--
		}
	case '\t':
		next := ((s.cursorX / 8) + 1) * 8
		if next >= s.cols {
			next = s.cols - 1
		}
		s.cursorX = next
	case 0x07:
		// bell, ignored
	}
}

func (s *Screen) lineFeed() {
	if s.cursorY == s.scrollBottom {
		s.scrollUp(1)
	} else if s.cursorY < s.rows-1 {
		s.cursorY++
	}
}

// scrollUp shifts the scroll region up by n rows, pushing rows into
// scrollback when the region starts at the top of the primary screen.
func (s *Screen) scrollUp(n int) {
	if n < 1 {
		n = 1
	}
	for ; n > 0; n-- {
		if s.scrollTop == 0 && !s.altScreen {
			s.pushScrollback(s.lines[0])
		}
		for y := s.scrollTop; y < s.scrollBottom; y++ {
			s.lines[y] = s.lines[y+1]
		}
		s.lines[s.scrollBottom] = makeRow(s.cols)
	}
}

func (s *Screen) scrollDown(n int) {
	if n < 1 {
		n = 1
	}
	for ; n > 0; n-- {
		for y := s.scrollBottom; y > s.scrollTop; y-- {
			s.lines[y] = s.lines[y-1]
		}
		s.lines[s.scrollTop] = makeRow(s.cols)
	}
}

func (s *Screen) pushScrollback(row []Cell) {
	if s.maxScrollback <= 0 {
		return
	}
	kept := make([]Cell, len(row))
	copy(kept, row)
	s.scrollback = append(s.scrollback, kept)
	if len(s.scrollback) > s.maxScrollback {
		over := len(s.scrollback) - s.maxScrollback
		s.scrollback = append([][]Cell(nil), s.scrollback[over:]...)
	}
}

// HandleCSI applies a parsed CSI sequence. Unhandled finals are dropped.
func (s *Screen) HandleCSI(prefix byte, params []int, intermediate []byte, final byte) {
	if prefix == '?' {
		switch final {
		case 'h':
			s.setPrivateModes(params, true)
		case 'l':
			s.setPrivateModes(params, false)
		}
		return
	}
	if prefix != 0 || len(intermediate) > 0 {
		return
	}

	switch final {
	case 'A': // CUU
		s.moveCursor(0, -param(params, 0, 1))
	case 'B': // CUD
		s.moveCursor(0, param(params, 0, 1))
	case 'C': // CUF
		s.moveCursor(param(params, 0, 1), 0)
	case 'D': // CUB
		s.moveCursor(-param(params, 0, 1), 0)
	case 'E': // CNL
		s.cursorX = 0
		s.moveCursor(0, param(params, 0, 1))
	case 'F': // CPL
		s.cursorX = 0
		s.moveCursor(0, -param(params, 0, 1))
	case 'G': // CHA
		s.cursorX = clamp(param(params, 0, 1)-1, 0, s.cols-1)
	case 'd': // VPA
		s.cursorY = clamp(param(params, 0, 1)-1, 0, s.rows-1)
	case 'H', 'f': // CUP / HVP
		s.cursorY = clamp(param(params, 0, 1)-1, 0, s.rows-1)
		s.cursorX = clamp(param(params, 1, 1)-1, 0, s.cols-1)
	case 'J':
		s.eraseDisplay(param(params, 0, 0))
	case 'K':
		s.eraseLine(param(params, 0, 0))
	case 'L':
		s.insertLines(param(params, 0, 1))
	case 'M':
		s.deleteLines(param(params, 0, 1))
	case '@':
		s.insertChars(param(params, 0, 1))
	case 'P':
		s.deleteChars(param(params, 0, 1))
	case 'X': // ECH
		s.eraseChars(param(params, 0, 1))
	case 'S':
		s.scrollUp(param(params, 0, 1))
	case 'T':
		s.scrollDown(param(params, 0, 1))
	case 'r': // DECSTBM
		top := clamp(param(params, 0, 1)-1, 0, s.rows-1)
		bottom := clamp(param(params, 1, s.rows)-1, 0, s.rows-1)
		if top < bottom {
			s.scrollTop = top
			s.scrollBottom = bottom
			s.cursorX = 0
			s.cursorY = 0
		}
	case 's':
		s.saveCursor()
	case 'u':
		s.restoreCursor()
	case 'm':
		s.handleSGR(params)
	case 'n':
		// DSR: no back channel here; consumed.
	}
}

// HandleEscape applies non-CSI escape sequences.
func (s *Screen) HandleEscape(intermediate []byte, final byte) {
	if len(intermediate) > 0 {
		return
	}
	switch final {
	case '7':
		s.saveCursor()
	case '8':
		s.restoreCursor()
	case 'D': // IND
		s.lineFeed()
	case 'E': // NEL
		s.cursorX = 0
		s.lineFeed()
	case 'M': // RI
		if s.cursorY == s.scrollTop {
			s.scrollDown(1)
		} else if s.cursorY > 0 {
			s.cursorY--
		}
	case 'c': // RIS
		s.reset()
	}
}

func (s *Screen) reset() {
	s.lines = makeGrid(s.cols, s.rows)
	s.savedLines = nil
	s.altScreen = false
	s.cursorX, s.cursorY = 0, 0
	s.scrollTop, s.scrollBottom = 0, s.rows-1
	s.fg, s.bg, s.attr = DefaultColor, DefaultColor, 0
	s.savedValid = false
	s.cursorVisible = true
}

func (s *Screen) setPrivateModes(params []int, enable bool) {
	for _, p := range params {
		switch p {
		case 25:
			s.cursorVisible = enable
		case 47, 1047:
			s.setAltScreen(enable, false)
		case 1049:
			s.setAltScreen(enable, true)
		case 1, 2004, 1000, 1002, 1003, 1005, 1006, 1015:
			// application cursor keys, bracketed paste, mouse modes:
			// accepted and ignored
		}
	}
}

func (s *Screen) setAltScreen(enable, withCursor bool) {
	if enable == s.altScreen {
		return
	}
	if enable {
		if withCursor {
			s.saveCursor()
		}
		s.savedLines = s.lines
		s.lines = makeGrid(s.cols, s.rows)
		s.altScreen = true
	} else {
		if s.savedLines != nil {
			s.lines = s.savedLines
			s.savedLines = nil
		}
		s.altScreen = false
		if withCursor {
			s.restoreCursor()
		}
	}
	s.scrollTop, s.scrollBottom = 0, s.rows-1
	s.clampCursor()
}

func (s *Screen) saveCursor() {
	s.saved = cursorState{x: s.cursorX, y: s.cursorY, fg: s.fg, bg: s.bg, attr: s.attr}
	s.savedValid = true
}

func (s *Screen) restoreCursor() {
	if !s.savedValid {
		s.cursorX, s.cursorY = 0, 0
		return
	}
	s.cursorX = clamp(s.saved.x, 0, s.cols-1)
	s.cursorY = clamp(s.saved.y, 0, s.rows-1)
	s.fg, s.bg, s.attr = s.saved.fg, s.saved.bg, s.saved.attr
}

func (s *Screen) moveCursor(dx, dy int) {
	s.cursorX = clamp(s.cursorX+dx, 0, s.cols-1)
	s.cursorY = clamp(s.cursorY+dy, 0, s.rows-1)
}

func (s *Screen) clampCursor() {
	s.cursorX = clamp(s.cursorX, 0, s.cols-1)
	s.cursorY = clamp(s.cursorY, 0, s.rows-1)
}

func (s *Screen) eraseDisplay(mode int) {
	switch mode {
	case 0:
		s.eraseLine(0)
		for y := s.cursorY + 1; y < s.rows; y++ {
			s.lines[y] = makeRow(s.cols)
		}
	case 1:
		s.eraseLine(1)
		for y := 0; y < s.cursorY; y++ {
			s.lines[y] = makeRow(s.cols)
		}
	case 2, 3:
		s.lines = makeGrid(s.cols, s.rows)
		if mode == 3 {
			s.scrollback = nil
		}
	}
}

func (s *Screen) eraseLine(mode int) {
	row := s.lines[s.cursorY]
	switch mode {
	case 0:
		for x := s.cursorX; x < s.cols; x++ {
			row[x] = blankCell()
		}
	case 1:
		for x := 0; x <= s.cursorX && x < s.cols; x++ {
			row[x] = blankCell()
		}
	case 2:
		s.lines[s.cursorY] = makeRow(s.cols)
	}
}

func (s *Screen) insertLines(n int) {
	if s.cursorY < s.scrollTop || s.cursorY > s.scrollBottom {
		return
	}
	for ; n > 0; n-- {
		for y := s.scrollBottom; y > s.cursorY; y-- {
			s.lines[y] = s.lines[y-1]
		}
		s.lines[s.cursorY] = makeRow(s.cols)
	}
}

func (s *Screen) deleteLines(n int) {
	if s.cursorY < s.scrollTop || s.cursorY > s.scrollBottom {
		return
	}
	for ; n > 0; n-- {
		for y := s.cursorY; y < s.scrollBottom; y++ {
			s.lines[y] = s.lines[y+1]
		}
		s.lines[s.scrollBottom] = makeRow(s.cols)
	}
}

func (s *Screen) insertChars(n int) {
	row := s.lines[s.cursorY]
	for ; n > 0; n-- {
		for x := s.cols - 1; x > s.cursorX; x-- {
			row[x] = row[x-1]
		}
		row[s.cursorX] = blankCell()
	}
}

func (s *Screen) deleteChars(n int) {
	row := s.lines[s.cursorY]
	for ; n > 0; n-- {
		for x := s.cursorX; x < s.cols-1; x++ {
			row[x] = row[x+1]
		}
		row[s.cols-1] = blankCell()
	}
}

func (s *Screen) eraseChars(n int) {
	row := s.lines[s.cursorY]
	for x := s.cursorX; x < s.cursorX+n && x < s.cols; x++ {
		row[x] = blankCell()
	}
}

func (s *Screen) handleSGR(params []int) {
	if len(params) == 0 {
		params = []int{0}
	}
	for i := 0; i < len(params); i++ {
		p := params[i]
		switch {
		case p == 0:
			s.fg, s.bg, s.attr = DefaultColor, DefaultColor, 0
		case p == 1:
			s.attr |= AttrBold
		case p == 2:
			s.attr |= AttrDim
		case p == 3:
			s.attr |= AttrItalic
		case p == 4:
			s.attr |= AttrUnderline
		case p == 7:
			s.attr |= AttrInverse
		case p == 8:
			s.attr |= AttrInvisible
		case p == 9:
			s.attr |= AttrStrikethrough
		case p == 22:
			s.attr &^= AttrBold | AttrDim
		case p == 23:
			s.attr &^= AttrItalic
		case p == 24:
			s.attr &^= AttrUnderline
		case p == 27:
			s.attr &^= AttrInverse
		case p == 28:
			s.attr &^= AttrInvisible
		case p == 29:
			s.attr &^= AttrStrikethrough
		case p >= 30 && p <= 37:
			s.fg = int32(p - 30)
		case p == 38:
			if c, used := extendedColor(params[i+1:]); used > 0 {
				s.fg = c
				i += used
			}
		case p == 39:
			s.fg = DefaultColor
		case p >= 40 && p <= 47:
			s.bg = int32(p - 40)
		case p == 48:
			if c, used := extendedColor(params[i+1:]); used > 0 {
				s.bg = c
				i += used
			}
		case p == 49:
			s.bg = DefaultColor
		case p >= 90 && p <= 97:
			s.fg = int32(p - 90 + 8)
		case p >= 100 && p <= 107:
			s.bg = int32(p - 100 + 8)
		}
	}
}

// extendedColor decodes the tail of a 38/48 sequence: "5;n" or "2;r;g;b".
// Returns the color and how many params were consumed.
func extendedColor(rest []int) (int32, int) {
	if len(rest) >= 2 && rest[0] == 5 {
		return int32(clamp(rest[1], 0, 255)), 2
	}
	if len(rest) >= 4 && rest[0] == 2 {
		r := uint8(clamp(rest[1], 0, 255))
		g := uint8(clamp(rest[2], 0, 255))
		b := uint8(clamp(rest[3], 0, 255))
		return RGB(r, g, b), 4
	}
	return 0, 0
}

// Resize changes the viewport. Grown columns are right-padded with blanks;
// shrunk columns truncate (soft-wrap history is not reconstructed). The
// scroll region resets to the full screen and the cursor is clamped.
func (s *Screen) Resize(cols, rows int) {
	if cols < 1 {
		cols = 1
	}
	if rows < 1 {
		rows = 1
	}
	if cols == s.cols && rows == s.rows {
		return
	}

	s.lines = resizeGrid(s.lines, cols, rows)
	if s.savedLines != nil {
		s.savedLines = resizeGrid(s.savedLines, cols, rows)
	}
	for i, row := range s.scrollback {
		s.scrollback[i] = resizeRow(row, cols)
	}

	s.cols = cols
	s.rows = rows
	s.scrollTop = 0
	s.scrollBottom = rows - 1
	s.clampCursor()
}

func resizeGrid(grid [][]Cell, cols, rows int) [][]Cell {
	out := make([][]Cell, rows)
	for y := 0; y < rows; y++ {
		if y < len(grid) {
			out[y] = resizeRow(grid[y], cols)
		} else {
			out[y] = makeRow(cols)
		}
	}
	return out
}

func resizeRow(row []Cell, cols int) []Cell {
	if len(row) == cols {
		return row
	}
	if len(row) > cols {
		return row[:cols]
	}
	out := make([]Cell, cols)
	copy(out, row)
	for x := len(row); x < cols; x++ {
		out[x] = blankCell()
	}
	return out
}

func param(params []int, i, def int) int {
	if i < len(params) && params[i] > 0 {
		return params[i]
	}
	return def
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
