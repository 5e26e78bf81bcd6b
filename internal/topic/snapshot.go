package topic

import (
	"github.com/snehjoshi/fastq/internal/logbuf"
	"github.com/snehjoshi/fastq/internal/types"
)

// DataSnapshot is an immutable view of the durable, retained messages of a
// topic: IDs [StartID, LastID]. A new snapshot replaces the old one on every
// persistence tick; Superseded is closed when that happens so readers can
// wait for new data without polling.
type DataSnapshot struct {
	StartID int64
	LastID  int64

	view       logbuf.View[types.Message]
	superseded chan struct{}
}

func newSnapshot(view logbuf.View[types.Message]) *DataSnapshot {
	return &DataSnapshot{
		StartID:    view.First(),
		LastID:     view.Last(),
		view:       view,
		superseded: make(chan struct{}),
	}
}

// Len returns the number of messages in the snapshot.
func (s *DataSnapshot) Len() int64 { return s.view.Len() }

// Message returns the message with the given ID.
func (s *DataSnapshot) Message(id int64) (types.Message, bool) {
	return s.view.At(id)
}

// CopyFrom copies messages starting at id into dst and returns the count.
func (s *DataSnapshot) CopyFrom(id int64, dst []types.Message) int {
	return s.view.CopyFrom(id, dst)
}

// Superseded is closed once a newer snapshot has been published.
func (s *DataSnapshot) Superseded() <-chan struct{} { return s.superseded }
