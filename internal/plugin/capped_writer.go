package plugin

// cappedBuffer is an io.Writer that retains at most limit bytes and silently
// discards the rest, so a runaway plugin writing unbounded stderr cannot
// balloon agent memory (§6.3: stderr capture caps at 1 MiB).
type cappedBuffer struct {
	limit int
	buf   []byte
}

func newCappedBuffer(limit int) *cappedBuffer {
	return &cappedBuffer{limit: limit}
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	if remaining := c.limit - len(c.buf); remaining > 0 {
		n := remaining
		if n > len(p) {
			n = len(p)
		}
		c.buf = append(c.buf, p[:n]...)
	}
	return len(p), nil
}

func (c *cappedBuffer) String() string {
	return string(c.buf)
}
