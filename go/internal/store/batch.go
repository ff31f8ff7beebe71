package store

// OpKind is the kind of write in a batch.
type OpKind int

const (
	OpSet OpKind = iota
	OpMerge
	OpDelete
)

// Write is one operation in a batch.
type Write struct {
	Ref    Ref
	Op     OpKind
	Fields Fields
}

// Batch collects writes that are committed atomically.
type Batch struct {
	writes []Write
}

func NewBatch() *Batch {
	return &Batch{}
}

// Set replaces the whole document.
func (b *Batch) Set(ref Ref, fields Fields) *Batch {
	b.writes = append(b.writes, Write{Ref: ref, Op: OpSet, Fields: fields})
	return b
}

// Merge overlays fields onto the document.
func (b *Batch) Merge(ref Ref, fields Fields) *Batch {
	b.writes = append(b.writes, Write{Ref: ref, Op: OpMerge, Fields: fields})
	return b
}

func (b *Batch) Delete(ref Ref) *Batch {
	b.writes = append(b.writes, Write{Ref: ref, Op: OpDelete})
	return b
}

func (b *Batch) Writes() []Write {
	return b.writes
}

func (b *Batch) Len() int {
	return len(b.writes)
}
