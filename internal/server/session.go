package server

import (
	"cmp"
	"slices"

	co "github.com/ilnaes/collabpad/internal/common"
)

// Peer is the document-facing side of a connection.
type Peer interface {
	// ID identifies the connection.
	ID() string
	// ClientID identifies the user behind the connection.
	ClientID() string
	// Send queues res for delivery without blocking. It reports false when
	// the connection is gone or could not keep up.
	Send(res co.Response) bool
}

type QueuedOperation struct {
	Op             co.Op
	SourceRevision int
	BatchID        int64
	IsLastInBatch  bool
}

// ClientSession is the per-connection state inside one document.
//
// acked is the revision of the last snapshot or acknowledgement sent to the
// client for its own work; revision is the newest one it has been informed
// of, broadcasts included. A well-behaved client bases its next operation
// on a revision in [acked, revision].
type ClientSession struct {
	peer     Peer
	id       string
	acked    int
	revision int
	queue    []QueuedOperation
}

func newClientSession(p Peer, revision int) *ClientSession {
	return &ClientSession{
		peer:     p,
		id:       p.ClientID(),
		acked:    revision,
		revision: revision,
	}
}

// base picks the transform base for an operation the client tagged with
// reported. Reports inside the recorded window are taken as is; reports
// within slack of it are pulled back onto the recorded bookkeeping. drifted
// is set when the report is further off than that, in which case the report
// is trusted and the bookkeeping resynchronised to it.
func (cs *ClientSession) base(reported, slack int) (base int, drifted bool) {
	switch {
	case reported >= cs.acked && reported <= cs.revision:
		return reported, false
	case reported < cs.acked && cs.acked-reported <= slack:
		return cs.acked, false
	case reported > cs.revision && reported-cs.revision <= slack:
		return cs.revision, false
	}
	cs.acked, cs.revision = reported, reported
	return reported, true
}

// enqueue keeps the queue ordered by (SourceRevision, BatchID). The sort is
// stable so operations sharing both keep their arrival order.
func (cs *ClientSession) enqueue(q QueuedOperation) {
	cs.queue = append(cs.queue, q)
	slices.SortStableFunc(cs.queue, func(a, b QueuedOperation) int {
		if c := cmp.Compare(a.SourceRevision, b.SourceRevision); c != 0 {
			return c
		}
		return cmp.Compare(a.BatchID, b.BatchID)
	})
}

func (cs *ClientSession) pop() (QueuedOperation, bool) {
	if len(cs.queue) == 0 {
		return QueuedOperation{}, false
	}
	q := cs.queue[0]
	cs.queue[0] = QueuedOperation{}
	cs.queue = cs.queue[1:]
	return q, true
}

func (cs *ClientSession) send(res co.Response) bool {
	return cs.peer.Send(res)
}
