// Package editor is the client half of the collaboration protocol. It turns
// whole-text snapshots from an editing widget into insert and delete
// operations and feeds them to the server one at a time.
package editor

import (
	"context"
	"sort"
	"sync"
	"time"

	co "github.com/ilnaes/collabpad/internal/common"
	"github.com/rs/zerolog"
	"golang.org/x/xerrors"
)

const DefaultDebounce = 40 * time.Millisecond

var ErrNotConnected = xerrors.New("editor: not connected")

type Options struct {
	DocumentID string
	StorageKey string
	MimeType   string
	Debounce   time.Duration
	Log        zerolog.Logger

	// OnContent is called, outside any lock, whenever remote changes replace
	// the local text.
	OnContent func(content string, revision int)
}

type pending struct {
	op    co.Op
	batch int64
	last  bool
}

type remote struct {
	content  string
	revision int
}

type Editor struct {
	opts Options
	t    Transport
	log  zerolog.Logger

	mu        sync.Mutex
	content   string // what the user sees
	diffed    string // content the queued operations lead to
	revision  int    // latest revision acknowledged or adopted
	connected bool
	peers     map[string]int

	queue     []pending
	inFlight  bool
	nextBatch int64
	timer     *time.Timer
	timerGen  uint64 // bumped whenever the debounce timer is replaced or cleared

	stash  *remote // snapshot received while local work was pending
	resync bool    // an operation was rejected, local text is suspect

	joinWait []chan error
	idleWait []chan struct{}
	saveWait chan error
}

func New(t Transport, opts Options) *Editor {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.MimeType == "" {
		opts.MimeType = "text/plain"
	}
	return &Editor{
		opts:  opts,
		t:     t,
		log:   opts.Log.With().Str("component", "editor").Str("document", opts.DocumentID).Logger(),
		peers: make(map[string]int),
	}
}

func (e *Editor) Content() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.content
}

func (e *Editor) Revision() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.revision
}

func (e *Editor) IsConnected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected
}

// Peers lists the other clients editing the document.
func (e *Editor) Peers() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.peers))
	for id, n := range e.peers {
		for i := 0; i < n; i++ {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Join asks for the document and waits for its first snapshot. Run must be
// receiving for Join to return.
func (e *Editor) Join(ctx context.Context) error {
	ch := make(chan error, 1)
	e.mu.Lock()
	e.joinWait = append(e.joinWait, ch)
	e.mu.Unlock()

	if err := e.send(ctx, e.joinRequest()); err != nil {
		return err
	}
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Editor) joinRequest() co.Request {
	return co.Request{
		Type:       co.JoinDocument,
		DocumentID: e.opts.DocumentID,
		StorageKey: e.opts.StorageKey,
	}
}

// Edit records the widget's full text. Operations are derived once typing
// pauses for the debounce window.
func (e *Editor) Edit(content string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.content = content
	e.stopTimer()
	gen := e.timerGen
	e.timer = time.AfterFunc(e.opts.Debounce, func() { e.debounced(gen) })
}

// stopTimer cancels the debounce timer. A callback that already fired sees
// the bumped generation and does nothing. e.mu must be held.
func (e *Editor) stopTimer() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.timerGen++
}

func (e *Editor) debounced(gen uint64) {
	e.mu.Lock()
	if gen != e.timerGen {
		e.mu.Unlock()
		return
	}
	e.flush()
}

// Flush diffs pending local changes into a batch without waiting for the
// debounce window.
func (e *Editor) Flush() {
	e.mu.Lock()
	e.flush()
}

// flush is called with e.mu held and releases it.
func (e *Editor) flush() {
	e.stopTimer()
	if e.content != e.diffed {
		ops := co.Diff(e.diffed, e.content)
		e.diffed = e.content
		e.nextBatch++
		for i, op := range ops {
			e.queue = append(e.queue, pending{op: op, batch: e.nextBatch, last: i == len(ops)-1})
		}
	}
	e.advance(context.Background())
}

// next takes the head of the queue if nothing is in flight. e.mu must be
// held.
func (e *Editor) next() (co.Request, bool) {
	if e.inFlight || len(e.queue) == 0 || !e.connected {
		return co.Request{}, false
	}
	p := e.queue[0]
	e.queue = e.queue[1:]
	e.inFlight = true

	op := co.EncodeOp(p.op)
	return co.Request{
		Type:           co.UpdateDocument,
		DocumentID:     e.opts.DocumentID,
		Operation:      &op,
		BatchID:        p.batch,
		IsLastInBatch:  p.last,
		ClientRevision: e.revision,
	}, true
}

func (e *Editor) send(ctx context.Context, req co.Request) error {
	if err := e.t.Send(ctx, req); err != nil {
		e.mu.Lock()
		e.connected = false
		e.mu.Unlock()
		return xerrors.Errorf("failed to send %s: %w", req.Type, err)
	}
	return nil
}

func (e *Editor) sendOp(req co.Request) {
	if err := e.send(context.Background(), req); err != nil {
		e.log.Error().Err(err).Int64("batch", req.BatchID).Msg("operation not sent")
	}
}

// idle reports whether no local work is outstanding. e.mu must be held.
func (e *Editor) idle() bool {
	return !e.inFlight && len(e.queue) == 0 && e.content == e.diffed && e.timer == nil
}

// Save flushes local edits, waits for the server to acknowledge all of
// them and then asks it to persist the document.
func (e *Editor) Save(ctx context.Context) error {
	e.Flush()

	e.mu.Lock()
	if !e.connected {
		e.mu.Unlock()
		return ErrNotConnected
	}
	var drained chan struct{}
	if !e.idle() {
		drained = make(chan struct{})
		e.idleWait = append(e.idleWait, drained)
	}
	e.mu.Unlock()

	if drained != nil {
		select {
		case <-drained:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	ch := make(chan error, 1)
	e.mu.Lock()
	if !e.connected {
		e.mu.Unlock()
		return ErrNotConnected
	}
	if e.saveWait != nil {
		e.mu.Unlock()
		return xerrors.New("editor: save already in progress")
	}
	e.saveWait = ch
	e.mu.Unlock()

	err := e.send(ctx, co.Request{
		Type:       co.SaveDocument,
		DocumentID: e.opts.DocumentID,
		StorageKey: e.opts.StorageKey,
		MimeType:   e.opts.MimeType,
	})
	if err == nil {
		select {
		case err = <-ch:
		case <-ctx.Done():
			err = ctx.Err()
		}
	}

	e.mu.Lock()
	if e.saveWait == ch {
		e.saveWait = nil
	}
	e.mu.Unlock()
	return err
}

// Leave drops all local work that has not been acknowledged. A later Join
// starts again from the server's snapshot.
func (e *Editor) Leave(ctx context.Context) error {
	e.mu.Lock()
	e.connected = false
	e.stopTimer()
	e.queue = nil
	e.inFlight = false
	e.diffed = e.content
	e.stash = nil
	e.resync = false
	waiters := e.idleWait
	e.idleWait = nil
	e.mu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}

	return e.send(ctx, co.Request{Type: co.LeaveDocument, DocumentID: e.opts.DocumentID})
}

// Run receives server messages until ctx ends or the transport fails.
func (e *Editor) Run(ctx context.Context) error {
	for {
		res, err := e.t.Receive(ctx)
		if err != nil {
			e.mu.Lock()
			e.connected = false
			waiters := e.joinWait
			e.joinWait = nil
			e.mu.Unlock()
			for _, ch := range waiters {
				ch <- ErrNotConnected
			}
			return err
		}
		if res.DocumentID != "" && res.DocumentID != e.opts.DocumentID {
			continue
		}
		e.handle(ctx, res)
	}
}

func (e *Editor) handle(ctx context.Context, res co.Response) {
	switch res.Type {
	case co.DocumentUpdate:
		e.handleUpdate(ctx, res)
	case co.OperationAck:
		e.release(ctx, res.Revision, false)
	case co.UserList:
		e.mu.Lock()
		e.peers = make(map[string]int)
		for _, id := range res.Clients {
			e.peers[id]++
		}
		e.mu.Unlock()
	case co.UserJoined:
		e.mu.Lock()
		e.peers[res.ClientID]++
		e.mu.Unlock()
	case co.UserLeft:
		e.mu.Lock()
		if e.peers[res.ClientID] <= 1 {
			delete(e.peers, res.ClientID)
		} else {
			e.peers[res.ClientID]--
		}
		e.mu.Unlock()
	case co.SaveSuccess:
		e.finishSave(nil)
	case co.ErrorRes:
		e.handleError(ctx, res)
	default:
		e.log.Debug().Str("type", string(res.Type)).Msg("ignored message")
	}
}

func (e *Editor) handleUpdate(ctx context.Context, res co.Response) {
	e.mu.Lock()
	if res.ForceUpdate && !e.connected {
		e.connected = true
		e.adopt(res.Content, res.Revision)
		waiters := e.joinWait
		e.joinWait = nil
		req, ok := e.next()
		e.mu.Unlock()

		for _, ch := range waiters {
			ch <- nil
		}
		e.notify(res.Content, res.Revision)
		if ok {
			e.sendOp(req)
		}
		return
	}

	if !e.idle() {
		if e.stash == nil || res.Revision >= e.stash.revision || res.ForceUpdate {
			e.stash = &remote{content: res.Content, revision: res.Revision}
		}
		e.mu.Unlock()
		return
	}
	if res.Revision < e.revision && !res.ForceUpdate {
		e.mu.Unlock()
		return
	}
	e.adopt(res.Content, res.Revision)
	e.mu.Unlock()

	e.notify(res.Content, res.Revision)
}

// adopt replaces local text with a server snapshot. e.mu must be held.
func (e *Editor) adopt(content string, revision int) {
	e.content = content
	e.diffed = content
	e.revision = revision
	e.stash = nil
	e.resync = false
}

func (e *Editor) notify(content string, revision int) {
	if e.opts.OnContent != nil {
		e.opts.OnContent(content, revision)
	}
}

// release frees the in-flight slot after an ack or a rejection.
func (e *Editor) release(ctx context.Context, revision int, rejected bool) {
	e.mu.Lock()
	e.inFlight = false
	if rejected {
		e.resync = true
	} else {
		e.revision = revision
	}
	e.advance(ctx)
}

// advance sends the next queued operation, or settles once no local work is
// left: a stashed snapshot is adopted if it already covers our own edits,
// otherwise a fresh one is requested. It is called with e.mu held and
// releases it.
func (e *Editor) advance(ctx context.Context) {
	if req, ok := e.next(); ok {
		e.mu.Unlock()
		e.sendOp(req)
		return
	}
	if !e.idle() {
		e.mu.Unlock()
		return
	}

	var (
		adopted *remote
		rejoin  bool
	)
	switch {
	case e.stash != nil && !e.resync && e.stash.revision >= e.revision:
		adopted = e.stash
		e.adopt(adopted.content, adopted.revision)
	case e.stash != nil || e.resync:
		rejoin = true
		e.stash = nil
		e.resync = false
	}
	revision := e.revision
	waiters := e.idleWait
	e.idleWait = nil
	e.mu.Unlock()

	if adopted != nil {
		e.notify(adopted.content, adopted.revision)
	}
	if rejoin {
		e.log.Debug().Int("revision", revision).Msg("resynchronising")
		if err := e.send(ctx, e.joinRequest()); err != nil {
			e.log.Error().Err(err).Msg("resync failed")
		}
	}
	for _, ch := range waiters {
		close(ch)
	}
}

func (e *Editor) handleError(ctx context.Context, res co.Response) {
	code, msg := co.CodeMalformedMessage, ""
	if res.Error != nil {
		code, msg = res.Error.Code, res.Error.Message
	}
	err := &co.Error{Code: code, Message: msg}

	if res.BatchID != 0 {
		e.log.Warn().Err(err).Int64("batch", res.BatchID).Msg("operation rejected")
		e.release(ctx, res.Revision, true)
		return
	}

	e.mu.Lock()
	joining := len(e.joinWait) > 0 && !e.connected
	var waiters []chan error
	if joining {
		waiters = e.joinWait
		e.joinWait = nil
	}
	e.mu.Unlock()

	if joining {
		for _, ch := range waiters {
			ch <- err
		}
		return
	}
	if e.finishSave(err) {
		return
	}
	e.log.Warn().Err(err).Msg("server error")
}

func (e *Editor) finishSave(err error) bool {
	e.mu.Lock()
	ch := e.saveWait
	e.saveWait = nil
	e.mu.Unlock()

	if ch == nil {
		return false
	}
	ch <- err
	return true
}
