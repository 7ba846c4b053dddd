package outputlog

type ansiState int

const (
	ansiText ansiState = iota
	ansiEsc
	ansiCSI
	ansiString
	ansiStringEsc
)

// ANSIStripper removes escape sequences and control bytes from a stream.
// It keeps state across writes, so a sequence split between chunks is still
// removed.
type ANSIStripper struct {
	state ansiState
	// OSC strings end on BEL as well as ST.
	belEnds bool
}

func (f *ANSIStripper) Write(data []byte) []byte {
	if len(data) == 0 {
		return nil
	}
	out := make([]byte, 0, len(data))
	for _, b := range data {
		switch f.state {
		case ansiText:
			switch {
			case b == 0x1b:
				f.state = ansiEsc
			case b == 0x9b:
				f.state = ansiCSI
			case b == 0x9d:
				f.enterString(true)
			case b == 0x90 || b == 0x9e || b == 0x9f:
				f.enterString(false)
			case b == '\n' || b == '\t':
				out = append(out, b)
			case b == '\r':
				// CRLF is normalized by the line splitter.
				out = append(out, b)
			case b < 0x20 || b == 0x7f:
			default:
				out = append(out, b)
			}
		case ansiEsc:
			switch b {
			case '[':
				f.state = ansiCSI
			case ']':
				f.enterString(true)
			case 'P', '^', '_':
				f.enterString(false)
			default:
				f.state = ansiText
			}
		case ansiCSI:
			if b >= 0x40 && b <= 0x7e {
				f.state = ansiText
			}
		case ansiString:
			if b == 0x1b {
				f.state = ansiStringEsc
			} else if b == 0x07 && f.belEnds {
				f.state = ansiText
			}
		case ansiStringEsc:
			if b == '\\' {
				f.state = ansiText
			} else {
				f.state = ansiString
			}
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (f *ANSIStripper) enterString(belEnds bool) {
	f.state = ansiString
	f.belEnds = belEnds
}

// StripANSI is a one-shot convenience for complete strings.
func StripANSI(text string) string {
	var f ANSIStripper
	return string(f.Write([]byte(text)))
}
