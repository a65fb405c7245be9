package wire

// Line splits off the first text line from buf. A line ends at a bare LF, a
// CRLF pair, or a CR followed by more data. A CR as the very last byte is
// ambiguous (it may be half of a CRLF still in flight), so it yields
// ErrIncomplete rather than a line.
func Line(buf []byte) (line, rest []byte, err error) {
	for i, b := range buf {
		switch b {
		case '\n':
			return buf[:i], buf[i+1:], nil
		case '\r':
			if i+1 == len(buf) {
				return nil, nil, ErrIncomplete
			}
			if buf[i+1] == '\n' {
				return buf[:i], buf[i+2:], nil
			}
			return buf[:i], buf[i+1:], nil
		}
	}
	return nil, nil, ErrIncomplete
}
