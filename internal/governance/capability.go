package governance

import "slices"

// Capabilities is the authority capability table. It is owned by one
// coordinator instance and shared by reference with the registry; callers
// serialize access through the coordinator.
type Capabilities struct {
	holders map[string]struct{}
}

// NewCapabilities seeds the table with the bootstrap holders.
func NewCapabilities(bootstrap ...string) *Capabilities {
	c := &Capabilities{holders: make(map[string]struct{}, len(bootstrap))}
	for _, id := range bootstrap {
		if id != "" {
			c.holders[id] = struct{}{}
		}
	}
	return c
}

func (c *Capabilities) Has(id string) bool {
	_, ok := c.holders[id]
	return ok
}

func (c *Capabilities) grant(id string) { c.holders[id] = struct{}{} }

// Holders returns the sorted holder ids.
func (c *Capabilities) Holders() []string {
	out := make([]string, 0, len(c.holders))
	for id := range c.holders {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}
