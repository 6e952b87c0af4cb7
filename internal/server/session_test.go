package server

import (
	"testing"

	co "github.com/ilnaes/collabpad/internal/common"
	"github.com/stretchr/testify/require"
)

func TestEnqueueOrdersBySourceRevisionThenBatch(t *testing.T) {
	cs := newClientSession(newPeer("alice"), 0)

	cs.enqueue(QueuedOperation{Op: co.Insert{Position: 0, Text: "c"}, SourceRevision: 2, BatchID: 1})
	cs.enqueue(QueuedOperation{Op: co.Insert{Position: 0, Text: "b"}, SourceRevision: 1, BatchID: 2})
	cs.enqueue(QueuedOperation{Op: co.Insert{Position: 0, Text: "a"}, SourceRevision: 1, BatchID: 1})
	cs.enqueue(QueuedOperation{Op: co.Insert{Position: 0, Text: "a2"}, SourceRevision: 1, BatchID: 1})

	var got []string
	for {
		q, ok := cs.pop()
		if !ok {
			break
		}
		got = append(got, q.Op.(co.Insert).Text)
	}
	// equal keys keep arrival order
	require.Equal(t, []string{"a", "a2", "b", "c"}, got)
	require.Empty(t, cs.queue)
}
