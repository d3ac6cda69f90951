package terminal

import (
	"unicode/utf8"
)

// Parser is a state machine for ANSI/VT escape sequences. It owns no screen
// state; consumers attach callbacks for the actions they care about. Unknown
// sequences are consumed to their final byte and dropped.
type Parser struct {
	state        parserState
	prefix       byte // CSI private marker ('?', '>', '<', '=')
	intermediate []byte
	params       []int
	currentParam int
	haveParam    bool
	oscData      []byte
	oscEsc       bool // saw ESC inside OSC, waiting for '\'

	OnPrint   func(r rune)
	OnExecute func(b byte)
	OnCSI     func(prefix byte, params []int, intermediate []byte, final byte)
	OnOSC     func(data []byte)
	OnEscape  func(intermediate []byte, final byte)
}

type parserState int

const (
	stateGround parserState = iota
	stateEscape
	stateEscapeIntermediate
	stateCSIEntry
	stateCSIParam
	stateCSIIntermediate
	stateCSIIgnore
	stateOSCString
)

func NewParser() *Parser {
	return &Parser{
		intermediate: make([]byte, 0, 2),
		params:       make([]int, 0, 16),
	}
}

// Parse feeds bytes through the state machine. Sequences may be split across
// calls at any byte boundary.
func (p *Parser) Parse(data []byte) {
	for i := 0; i < len(data); {
		b := data[i]

		switch p.state {
		case stateGround:
			if b == 0x1b {
				p.state = stateEscape
				i++
			} else if b < 0x20 {
				if p.OnExecute != nil {
					p.OnExecute(b)
				}
				i++
			} else if b < 0x80 {
				if p.OnPrint != nil {
					p.OnPrint(rune(b))
				}
				i++
			} else {
				r, size := utf8.DecodeRune(data[i:])
				if p.OnPrint != nil {
					if r == utf8.RuneError && size <= 1 {
						p.OnPrint(utf8.RuneError)
					} else {
						p.OnPrint(r)
					}
				}
				i += size
			}

		case stateEscape:
			p.intermediate = p.intermediate[:0]
			switch {
			case b == '[':
				p.resetCSI()
				p.state = stateCSIEntry
			case b == ']':
				p.oscData = p.oscData[:0]
				p.oscEsc = false
				p.state = stateOSCString
			case b >= 0x20 && b <= 0x2f:
				p.intermediate = append(p.intermediate, b)
				p.state = stateEscapeIntermediate
			case b >= 0x30 && b <= 0x7e:
				if p.OnEscape != nil {
					p.OnEscape(p.intermediate, b)
				}
				p.state = stateGround
			default:
				p.state = stateGround
			}
			i++

		case stateEscapeIntermediate:
			if b >= 0x20 && b <= 0x2f {
				p.intermediate = append(p.intermediate, b)
			} else if b >= 0x30 && b <= 0x7e {
				if p.OnEscape != nil {
					p.OnEscape(p.intermediate, b)
				}
				p.state = stateGround
			} else {
				p.state = stateGround
			}
			i++

		case stateCSIEntry:
			switch {
			case b >= '0' && b <= '9':
				p.currentParam = int(b - '0')
				p.haveParam = true
				p.state = stateCSIParam
			case b == ';' || b == ':':
				p.params = append(p.params, 0)
			case b >= 0x3c && b <= 0x3f:
				p.prefix = b
			case b >= 0x20 && b <= 0x2f:
				p.intermediate = append(p.intermediate, b)
				p.state = stateCSIIntermediate
			case b >= 0x40 && b <= 0x7e:
				p.dispatchCSI(b)
			default:
				p.state = stateCSIIgnore
			}
			i++

		case stateCSIParam:
			switch {
			case b >= '0' && b <= '9':
				p.currentParam = p.currentParam*10 + int(b-'0')
			case b == ';' || b == ':':
				p.params = append(p.params, p.currentParam)
				p.currentParam = 0
			case b >= 0x20 && b <= 0x2f:
				p.params = append(p.params, p.currentParam)
				p.haveParam = false
				p.intermediate = append(p.intermediate, b)
				p.state = stateCSIIntermediate
			case b >= 0x40 && b <= 0x7e:
				p.params = append(p.params, p.currentParam)
				p.haveParam = false
				p.dispatchCSI(b)
			default:
				p.state = stateCSIIgnore
			}
			i++

		case stateCSIIntermediate:
			if b >= 0x20 && b <= 0x2f {
				p.intermediate = append(p.intermediate, b)
			} else if b >= 0x40 && b <= 0x7e {
				p.dispatchCSI(b)
			} else {
				p.state = stateCSIIgnore
			}
			i++

		case stateCSIIgnore:
			if b >= 0x40 && b <= 0x7e {
				p.state = stateGround
			}
			i++

		case stateOSCString:
			if p.oscEsc {
				// Previous byte was ESC: '\' terminates (ST), anything
				// else abandons the OSC and reprocesses from ESC.
				p.oscEsc = false
				if b == '\\' {
					p.dispatchOSC()
					p.state = stateGround
					i++
				} else {
					p.state = stateEscape
				}
				continue
			}
			if b == 0x07 {
				p.dispatchOSC()
				p.state = stateGround
			} else if b == 0x1b {
				p.oscEsc = true
			} else {
				p.oscData = append(p.oscData, b)
			}
			i++

		default:
			p.state = stateGround
			i++
		}
	}
}

func (p *Parser) resetCSI() {
	p.params = p.params[:0]
	p.currentParam = 0
	p.haveParam = false
	p.prefix = 0
	p.intermediate = p.intermediate[:0]
}

func (p *Parser) dispatchCSI(final byte) {
	if p.OnCSI != nil {
		p.OnCSI(p.prefix, p.params, p.intermediate, final)
	}
	p.state = stateGround
	p.prefix = 0
}

func (p *Parser) dispatchOSC() {
	if p.OnOSC != nil {
		p.OnOSC(p.oscData)
	}
}

// Reset returns the parser to ground state, dropping any partial sequence.
func (p *Parser) Reset() {
	p.state = stateGround
	p.resetCSI()
	p.oscData = p.oscData[:0]
	p.oscEsc = false
}
