package media

import "container/list"

// byteLRU is a least-recently-used cache bounded by the total size of its
// values. It is not safe for concurrent use; Resolver guards it.
type byteLRU struct {
	max   int64
	size  int64
	ll    *list.List
	items map[string]*list.Element
}

type lruEntry struct {
	key  string
	data []byte
}

func newByteLRU(max int64) *byteLRU {
	return &byteLRU{
		max:   max,
		ll:    list.New(),
		items: make(map[string]*list.Element),
	}
}

func (c *byteLRU) get(key string) ([]byte, bool) {
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*lruEntry).data, true
}

// add stores data under key. Values larger than the whole budget are not
// cached. It returns the number of entries evicted.
func (c *byteLRU) add(key string, data []byte) int {
	if int64(len(data)) > c.max {
		return 0
	}
	if el, ok := c.items[key]; ok {
		e := el.Value.(*lruEntry)
		c.size += int64(len(data)) - int64(len(e.data))
		e.data = data
		c.ll.MoveToFront(el)
	} else {
		c.items[key] = c.ll.PushFront(&lruEntry{key: key, data: data})
		c.size += int64(len(data))
	}

	evicted := 0
	for c.size > c.max {
		el := c.ll.Back()
		if el == nil {
			break
		}
		e := el.Value.(*lruEntry)
		c.ll.Remove(el)
		delete(c.items, e.key)
		c.size -= int64(len(e.data))
		evicted++
	}
	return evicted
}

func (c *byteLRU) len() int {
	return c.ll.Len()
}

func (c *byteLRU) bytes() int64 {
	return c.size
}
