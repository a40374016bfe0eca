package tell

// counters mirrors two aggregates of the store: unsent tells per recipient
// and authored tells per sender. It is not safe for concurrent use; Service
// guards it with its mutex.
type counters struct {
	unsent   map[string]int
	authored map[string]int
}

func newCounters() *counters {
	return &counters{unsent: map[string]int{}, authored: map[string]int{}}
}

func (c *counters) replace(unsent, authored map[string]int) {
	if unsent == nil {
		unsent = map[string]int{}
	}
	if authored == nil {
		authored = map[string]int{}
	}
	c.unsent = unsent
	c.authored = authored
}

func (c *counters) created(sender, recipient string) {
	c.unsent[recipient]++
	c.authored[sender]++
}

// delivered decrements the recipient's unsent count and reports whether the
// result went negative, which means the cache drifted from the store.
func (c *counters) delivered(recipient string) bool {
	c.unsent[recipient]--
	n := c.unsent[recipient]
	if n == 0 {
		delete(c.unsent, recipient)
	}
	return n < 0
}

// removed undoes created for a deleted unsent tell.
func (c *counters) removed(sender, recipient string) bool {
	if c.authored[sender]--; c.authored[sender] <= 0 {
		delete(c.authored, sender)
	}
	return c.delivered(recipient)
}

func (c *counters) pending(recipient string) int { return c.unsent[recipient] }

func (c *counters) hasAuthored(sender string) bool { return c.authored[sender] > 0 }

func (c *counters) snapshot() map[string]int {
	out := make(map[string]int, len(c.unsent))
	for k, v := range c.unsent {
		if v > 0 {
			out[k] = v
		}
	}
	return out
}
