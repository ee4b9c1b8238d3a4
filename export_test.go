package mcpx

// ManualClock exposes the manual test clock to the external test package.
type ManualClock = manualClock

func NewManualClock() *ManualClock { return newManualClock() }

// ReconnectState reports the reconnect controller state and attempt count of c.
func (c *Client) ReconnectState() (string, int) {
	st, attempts := c.reconnector.snapshot()
	return st.String(), attempts
}
