package server

import (
	"sort"

	co "github.com/ilnaes/collabpad/internal/common"
	"github.com/ilnaes/collabpad/internal/metrics"
	"github.com/rs/zerolog"
)

// Document is the authoritative state of one open document. All of its state
// is owned by the goroutine started in run; other goroutines talk to it only
// through the inbox, so transform, apply and broadcast never interleave.
type Document struct {
	id string

	base     co.Text // content as loaded, history replays on top of it
	content  co.Text
	revision int
	history  []co.Op
	clients  map[string]*ClientSession // by connection id

	driftSlack int

	inbox chan interface{}
	quit  chan struct{}
	done  chan struct{}

	log zerolog.Logger
	m   *metrics.Metrics
}

type joinMsg struct {
	peer Peer
}

type updateMsg struct {
	peer           Peer
	op             QueuedOperation
	clientRevision int
}

type leaveMsg struct {
	peer Peer
}

type snapshotMsg struct {
	peer  Peer
	reply chan snapshot
}

// doMsg runs fn on the actor goroutine.
type doMsg struct {
	fn   func(*Document)
	done chan struct{}
}

type snapshot struct {
	content  string
	revision int
	err      error
}

func newDocument(id string, content string, inboxSize, driftSlack int, log zerolog.Logger, m *metrics.Metrics) *Document {
	text := co.NewText(content)
	return &Document{
		id:         id,
		base:       text,
		content:    text,
		history:    []co.Op{},
		clients:    make(map[string]*ClientSession),
		driftSlack: driftSlack,
		inbox:      make(chan interface{}, inboxSize),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		log:        log.With().Str("document", id).Logger(),
		m:          m,
	}
}

func (d *Document) start() {
	go d.run()
}

// stop ends the actor and waits for it. Messages still in the inbox are
// dropped.
func (d *Document) stop() {
	close(d.quit)
	<-d.done
}

func (d *Document) run() {
	defer close(d.done)
	for {
		select {
		case msg := <-d.inbox:
			d.handle(msg)
		case <-d.quit:
			return
		}
	}
}

func (d *Document) post(msg interface{}) error {
	select {
	case d.inbox <- msg:
		return nil
	case <-d.quit:
		return co.ErrUnknownDocument
	}
}

func (d *Document) snapshot(p Peer) (snapshot, error) {
	reply := make(chan snapshot, 1)
	if err := d.post(snapshotMsg{peer: p, reply: reply}); err != nil {
		return snapshot{}, err
	}
	select {
	case s := <-reply:
		return s, s.err
	case <-d.done:
		return snapshot{}, co.ErrUnknownDocument
	}
}

func (d *Document) do(fn func(*Document)) error {
	m := doMsg{fn: fn, done: make(chan struct{})}
	if err := d.post(m); err != nil {
		return err
	}
	select {
	case <-m.done:
		return nil
	case <-d.done:
		return co.ErrUnknownDocument
	}
}

func (d *Document) handle(msg interface{}) {
	switch m := msg.(type) {
	case joinMsg:
		d.join(m.peer)
	case updateMsg:
		d.update(m)
	case leaveMsg:
		d.leave(m.peer)
	case snapshotMsg:
		if _, ok := d.clients[m.peer.ID()]; !ok {
			m.reply <- snapshot{err: co.ErrUnregisteredClient}
			return
		}
		m.reply <- snapshot{content: d.content.String(), revision: d.revision}
	case doMsg:
		m.fn(d)
		close(m.done)
	default:
		d.log.Error().Msgf("unexpected message %T", msg)
	}
}

func (d *Document) roster(except string) []string {
	ids := make([]string, 0, len(d.clients))
	for conn, cs := range d.clients {
		if conn != except {
			ids = append(ids, cs.id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (d *Document) broadcast(except string, res co.Response) {
	for conn, cs := range d.clients {
		if conn == except {
			continue
		}
		cs.send(res)
	}
}

func (d *Document) join(p Peer) {
	_, rejoin := d.clients[p.ID()]
	cs := newClientSession(p, d.revision)
	d.clients[p.ID()] = cs

	cs.send(co.Response{
		Type:        co.DocumentUpdate,
		DocumentID:  d.id,
		Content:     d.content.String(),
		Revision:    d.revision,
		ForceUpdate: true,
	})
	cs.send(co.Response{
		Type:       co.UserList,
		DocumentID: d.id,
		Revision:   d.revision,
		Clients:    d.roster(p.ID()),
	})

	if rejoin {
		d.log.Debug().Str("conn", p.ID()).Int("revision", d.revision).Msg("client resynchronised")
		return
	}

	d.broadcast(p.ID(), co.Response{
		Type:       co.UserJoined,
		DocumentID: d.id,
		Revision:   d.revision,
		ClientID:   cs.id,
	})
	d.log.Info().Str("conn", p.ID()).Str("client", cs.id).Int("clients", len(d.clients)).Msg("client joined")
}

func (d *Document) leave(p Peer) {
	cs, ok := d.clients[p.ID()]
	if !ok {
		return
	}
	// queued operations are discarded with the session
	delete(d.clients, p.ID())

	d.broadcast("", co.Response{
		Type:       co.UserLeft,
		DocumentID: d.id,
		Revision:   d.revision,
		ClientID:   cs.id,
	})
	d.log.Info().Str("conn", p.ID()).Str("client", cs.id).Int("clients", len(d.clients)).Msg("client left")
}

func (d *Document) update(m updateMsg) {
	cs, ok := d.clients[m.peer.ID()]
	if !ok {
		m.peer.Send(d.reject(m.op, co.ErrUnregisteredClient))
		return
	}

	acked, recorded := cs.acked, cs.revision
	base, drifted := cs.base(m.clientRevision, d.driftSlack)
	if drifted {
		d.log.Warn().
			Str("conn", m.peer.ID()).
			Int("reported", m.clientRevision).
			Int("acked", acked).
			Int("recorded", recorded).
			Msg("client revision drifted, resynchronising")
	}

	m.op.SourceRevision = base
	cs.enqueue(m.op)
	d.process(cs)
}

// process drains the client's queue. The actor owns the document, so no
// other apply can be in flight while this runs.
func (d *Document) process(cs *ClientSession) {
	for {
		q, ok := cs.pop()
		if !ok {
			return
		}
		d.apply(cs, q)
	}
}

func (d *Document) apply(cs *ClientSession, q QueuedOperation) {
	if q.SourceRevision < 0 || q.SourceRevision > d.revision {
		d.m.OperationsRejected.Inc()
		d.log.Warn().Str("client", cs.id).Int("source", q.SourceRevision).Int("revision", d.revision).Msg("operation from unknown revision")
		cs.send(d.reject(q, co.Malformed("source revision %d outside [0, %d]", q.SourceRevision, d.revision)))
		return
	}

	op := q.Op
	distance := d.revision - q.SourceRevision
	for _, prior := range d.history[q.SourceRevision:] {
		if op = co.Transform(op, prior); op == nil {
			break
		}
	}
	d.m.TransformDistance.Observe(float64(distance))

	if op != nil && !op.Fits(d.content.Len()) {
		d.m.OperationsRejected.Inc()
		d.log.Warn().Str("client", cs.id).Stringer("op", op).Int("length", d.content.Len()).Msg("operation out of range")
		cs.send(d.reject(q, co.Malformed("operation %s does not fit document of length %d", op, d.content.Len())))
		return
	}

	if op != nil {
		d.content = op.Apply(d.content)
		d.history = append(d.history, op)
		d.revision++
		d.m.OperationsApplied.Inc()
		d.log.Debug().Str("client", cs.id).Stringer("op", op).Int("revision", d.revision).Int("distance", distance).Msg("applied")
	} else {
		d.m.OperationsSubsumed.Inc()
		d.log.Debug().Str("client", cs.id).Stringer("op", q.Op).Int("revision", d.revision).Int("distance", distance).Msg("subsumed")
	}
	cs.acked, cs.revision = d.revision, d.revision

	// acked even when subsumed so the sender's flow control unblocks
	cs.send(co.Response{
		Type:          co.OperationAck,
		DocumentID:    d.id,
		Revision:      d.revision,
		BatchID:       q.BatchID,
		IsLastInBatch: q.IsLastInBatch,
	})

	if op == nil {
		return
	}

	update := co.Response{
		Type:           co.DocumentUpdate,
		DocumentID:     d.id,
		Content:        d.content.String(),
		Revision:       d.revision,
		SourceClientID: cs.id,
	}
	for conn, other := range d.clients {
		if conn == cs.peer.ID() {
			continue
		}
		other.revision = d.revision
		other.send(update)
	}
}

// reject carries the batch fields so the sender can release its in-flight
// slot.
func (d *Document) reject(q QueuedOperation, err error) co.Response {
	res := co.ErrorResponse(d.id, err)
	res.Revision = d.revision
	res.BatchID = q.BatchID
	res.IsLastInBatch = q.IsLastInBatch
	return res
}
