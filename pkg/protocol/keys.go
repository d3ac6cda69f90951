package protocol

import "fmt"

// keySequences maps logical key names to the byte sequences delivered to the
// child's stdin. This table is an external contract; clients send names, not
// bytes.
var keySequences = map[string][]byte{
	"arrow_up":    {0x1b, '[', 'A'},
	"arrow_down":  {0x1b, '[', 'B'},
	"arrow_right": {0x1b, '[', 'C'},
	"arrow_left":  {0x1b, '[', 'D'},
	"escape":      {0x1b},
	"enter":       {'\r'},
	"ctrl_enter":  {'\n'},
	"shift_enter": {'\r', '\n'},
}

// KeySequence resolves a logical key name to its byte sequence.
func KeySequence(name string) ([]byte, error) {
	seq, ok := keySequences[name]
	if !ok {
		return nil, fmt.Errorf("unknown key: %q", name)
	}
	out := make([]byte, len(seq))
	copy(out, seq)
	return out, nil
}

// KnownKey reports whether name is in the key table.
func KnownKey(name string) bool {
	_, ok := keySequences[name]
	return ok
}
