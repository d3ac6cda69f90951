package terminal

import (
	"bytes"
	"encoding/binary"
	"unicode/utf8"
)

// Binary snapshot wire format, version 1. The layout is a stable contract
// with remote clients:
//
//	0  2  magic "VT"
//	2  1  version
//	3  1  flags
//	4  4  cols (uint32 LE)
//	8  4  rows (uint32 LE)
//	12 4  viewportY (int32 LE)
//	16 4  cursorX (int32 LE)
//	20 4  cursorY (int32 LE)
//	24 8  reserved
//
// followed by rows in viewport order: 0xFE count for runs of empty rows,
// 0xFD len (uint16 LE) and len cells otherwise.
const (
	snapshotMagic0  = 0x56
	snapshotMagic1  = 0x54
	snapshotVersion = 0x01

	markerEmptyRows  = 0xFE
	markerContentRow = 0xFD
)

// Cell type byte bits.
const (
	cellHasExtended = 0x80
	cellIsUnicode   = 0x40
	cellHasFg       = 0x20
	cellHasBg       = 0x10
	cellFgRGB       = 0x08
	cellBgRGB       = 0x04
	cellCharUnicode = 0x02
	cellCharASCII   = 0x01
)

// EncodeSnapshot serializes the visible viewport of a screen.
func EncodeSnapshot(s *Screen) []byte {
	cols, rows := s.Size()
	cursorX, cursorY := s.Cursor()

	var buf bytes.Buffer
	buf.WriteByte(snapshotMagic0)
	buf.WriteByte(snapshotMagic1)
	buf.WriteByte(snapshotVersion)
	buf.WriteByte(0x00) // flags

	binary.Write(&buf, binary.LittleEndian, uint32(cols))
	binary.Write(&buf, binary.LittleEndian, uint32(rows))
	binary.Write(&buf, binary.LittleEndian, int32(s.ScrollbackLen()))
	binary.Write(&buf, binary.LittleEndian, int32(cursorX))
	binary.Write(&buf, binary.LittleEndian, int32(cursorY))
	buf.Write(make([]byte, 8)) // reserved

	emptyRun := 0
	flushEmpty := func() {
		for emptyRun > 0 {
			n := emptyRun
			if n > 255 {
				n = 255
			}
			buf.WriteByte(markerEmptyRows)
			buf.WriteByte(byte(n))
			emptyRun -= n
		}
	}

	for y := 0; y < rows; y++ {
		row := s.Row(y)
		trimmed := trimTrailingBlanks(row)
		if len(trimmed) == 0 {
			emptyRun++
			continue
		}
		flushEmpty()
		buf.WriteByte(markerContentRow)
		binary.Write(&buf, binary.LittleEndian, uint16(len(trimmed)))
		for i := range trimmed {
			encodeCell(&buf, trimmed[i])
		}
	}
	flushEmpty()

	return buf.Bytes()
}

func trimTrailingBlanks(row []Cell) []Cell {
	last := len(row) - 1
	for last >= 0 && row[last].IsBlank() {
		last--
	}
	return row[:last+1]
}

func encodeCell(buf *bytes.Buffer, cell Cell) {
	hasFg := cell.Fg != DefaultColor
	hasBg := cell.Bg != DefaultColor
	hasExt := hasFg || hasBg || cell.Attr != 0
	isASCII := cell.Char < 128

	if cell.Char == ' ' && !hasExt {
		buf.WriteByte(0x00)
		return
	}

	var t byte
	if hasExt {
		t |= cellHasExtended
	}
	if isASCII {
		t |= cellCharASCII
	} else {
		t |= cellIsUnicode | cellCharUnicode
	}
	if hasFg {
		t |= cellHasFg
		if IsRGB(cell.Fg) {
			t |= cellFgRGB
		}
	}
	if hasBg {
		t |= cellHasBg
		if IsRGB(cell.Bg) {
			t |= cellBgRGB
		}
	}
	buf.WriteByte(t)

	if isASCII {
		buf.WriteByte(byte(cell.Char))
	} else {
		var enc [4]byte
		n := utf8.EncodeRune(enc[:], cell.Char)
		buf.WriteByte(byte(n))
		buf.Write(enc[:n])
	}

	if hasExt {
		buf.WriteByte(cell.Attr)
		if hasFg {
			writeColor(buf, cell.Fg)
		}
		if hasBg {
			writeColor(buf, cell.Bg)
		}
	}
}

func writeColor(buf *bytes.Buffer, c int32) {
	if IsRGB(c) {
		buf.WriteByte(byte(c >> 16))
		buf.WriteByte(byte(c >> 8))
		buf.WriteByte(byte(c))
		return
	}
	buf.WriteByte(byte(c))
}
