package sketch

import (
	"encoding/json"
	"fmt"
	"sort"
)

// exactCounter keeps the full id set. Used when the table must report
// true distinct order counts regardless of memory growth.
type exactCounter struct {
	ids map[string]struct{}
}

func newExactCounter() *exactCounter {
	return &exactCounter{ids: make(map[string]struct{})}
}

func (c *exactCounter) Add(id string) { c.ids[id] = struct{}{} }

func (c *exactCounter) Merge(other Counter) error {
	o, ok := other.(*exactCounter)
	if !ok {
		return ErrPolicyMismatch
	}
	for id := range o.ids {
		c.ids[id] = struct{}{}
	}
	return nil
}

func (c *exactCounter) Count() int64 { return int64(len(c.ids)) }

func (c *exactCounter) Policy() Policy { return PolicyExact }

func (c *exactCounter) MarshalBinary() ([]byte, error) {
	ids := make([]string, 0, len(c.ids))
	for id := range c.ids {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	b, err := json.Marshal(ids)
	if err != nil {
		return nil, fmt.Errorf("marshal exact counter: %w", err)
	}
	return append([]byte{tagExact}, b...), nil
}

func unmarshalExact(data []byte) (*exactCounter, error) {
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("unmarshal exact counter: %w", err)
	}
	c := newExactCounter()
	for _, id := range ids {
		c.ids[id] = struct{}{}
	}
	return c, nil
}
