package store

// SliceCursor is a Cursor over records already held in memory.
type SliceCursor struct {
	records []Record
	pos     int
	closed  bool
}

// NewSliceCursor returns a cursor over records. The slice is not copied.
func NewSliceCursor(records []Record) *SliceCursor {
	return &SliceCursor{records: records, pos: -1}
}

func (c *SliceCursor) Next() bool {
	if c.closed || c.pos+1 >= len(c.records) {
		return false
	}
	c.pos++
	return true
}

func (c *SliceCursor) Record() Record {
	if c.pos < 0 || c.pos >= len(c.records) {
		return Record{}
	}
	return c.records[c.pos]
}

func (c *SliceCursor) Err() error { return nil }

func (c *SliceCursor) Close() error {
	c.closed = true
	return nil
}

// Drain consumes c, calling fn for every record, and closes it.
func Drain(c Cursor, fn func(Record)) (int, error) {
	defer c.Close()
	n := 0
	for c.Next() {
		fn(c.Record())
		n++
	}
	return n, c.Err()
}
