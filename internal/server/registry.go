package server

import (
	"context"
	"sync"
	"time"

	co "github.com/ilnaes/collabpad/internal/common"
	"github.com/ilnaes/collabpad/internal/events"
	"github.com/ilnaes/collabpad/internal/metrics"
	"github.com/ilnaes/collabpad/internal/storage"
	"github.com/rs/zerolog"
	"golang.org/x/xerrors"
)

type Options struct {
	Blobs    storage.BlobStore
	Metadata storage.MetadataStore
	Events   events.Publisher
	Metrics  *metrics.Metrics
	Log      zerolog.Logger

	DriftSlack int
	InboxSize  int
	// CreateMissing starts an empty document when the storage key does not
	// exist yet. Other read errors still fail the join.
	CreateMissing bool
	LoadTimeout   time.Duration
	SaveTimeout   time.Duration

	// Now stamps modification records. Defaults to time.Now.
	Now func() time.Time
}

type entry struct {
	doc        *Document
	storageKey string
	ready      chan struct{} // closed once loading finished
	err        error
	members    map[string]Peer

	// saves are written one at a time; saved is the newest revision stored
	// under each key
	saveMu sync.Mutex
	saved  map[string]int
}

// Registry maps document ids to live sessions. Sessions are loaded on the
// first join and evicted when their last member leaves.
type Registry struct {
	opts Options
	log  zerolog.Logger
	m    *metrics.Metrics

	mu     sync.Mutex
	docs   map[string]*entry
	closed bool
}

func NewRegistry(opts Options) *Registry {
	if opts.Events == nil {
		opts.Events = events.NoopPublisher{}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.InboxSize <= 0 {
		opts.InboxSize = 64
	}
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = 10 * time.Second
	}
	if opts.SaveTimeout <= 0 {
		opts.SaveTimeout = 30 * time.Second
	}

	return &Registry{
		opts: opts,
		log:  opts.Log.With().Str("component", "registry").Logger(),
		m:    opts.Metrics,
		docs: make(map[string]*entry),
	}
}

// Join registers p with the document, loading it first if it is not
// resident. On return p has been queued the current snapshot and roster.
func (r *Registry) Join(ctx context.Context, p Peer, docID, storageKey string) error {
	if storageKey == "" {
		storageKey = docID
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return co.ErrUnknownDocument
	}
	e, ok := r.docs[docID]
	if !ok {
		e = &entry{
			storageKey: storageKey,
			ready:      make(chan struct{}),
			members:    make(map[string]Peer),
			saved:      make(map[string]int),
		}
		r.docs[docID] = e
	}
	if _, member := e.members[p.ID()]; !member {
		e.members[p.ID()] = p
		r.m.ClientsConnected.Inc()
	}
	r.mu.Unlock()

	if !ok {
		// every joiner waits on this load, not just the one that started it
		r.load(context.WithoutCancel(ctx), docID, e)
	}
	<-e.ready

	if e.err != nil {
		return e.err
	}
	return e.doc.post(joinMsg{peer: p})
}

func (r *Registry) load(ctx context.Context, docID string, e *entry) {
	defer close(e.ready)

	ctx, cancel := context.WithTimeout(ctx, r.opts.LoadTimeout)
	defer cancel()

	data, err := r.opts.Blobs.Read(ctx, e.storageKey)
	if err != nil && r.opts.CreateMissing && xerrors.Is(err, storage.ErrNotFound) {
		r.log.Info().Str("document", docID).Str("key", e.storageKey).Msg("new document")
		data, err = nil, nil
	}
	if err != nil {
		r.m.LoadFailures.Inc()
		r.log.Error().Err(err).Str("document", docID).Str("key", e.storageKey).Msg("failed to load document")

		r.mu.Lock()
		e.err = co.LoadFailure(xerrors.Errorf("failed to load %s: %w", e.storageKey, err))
		if r.docs[docID] == e {
			delete(r.docs, docID)
		}
		r.m.ClientsConnected.Sub(float64(len(e.members)))
		e.members = map[string]Peer{}
		r.mu.Unlock()
		return
	}

	e.doc = newDocument(docID, string(data), r.opts.InboxSize, r.opts.DriftSlack, r.opts.Log, r.m)
	e.doc.start()
	r.m.SessionsActive.Inc()
	r.log.Info().Str("document", docID).Str("key", e.storageKey).Int("bytes", len(data)).Msg("session loaded")
}

// lookup returns the live entry for docID if p is one of its members.
func (r *Registry) lookup(docID string, p Peer) (*entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.docs[docID]
	if !ok {
		return nil, co.ErrUnknownDocument
	}
	select {
	case <-e.ready:
	default:
		return nil, co.ErrUnknownDocument
	}
	if e.err != nil {
		return nil, co.ErrUnknownDocument
	}
	if _, member := e.members[p.ID()]; !member {
		return nil, co.ErrUnregisteredClient
	}
	return e, nil
}

// Update queues an operation the client generated at clientRevision. The
// document picks the transform base from it and the client's recorded
// revisions.
// Update queues an operation the client generated at clientRevision. The
// document picks the transform base from it and the client's recorded
// revisions.
func (r *Registry) Update(p Peer, docID string, q QueuedOperation, clientRevision int) error {
	e, err := r.lookup(docID, p)
	if err != nil {
		return err
	}
	return e.doc.post(updateMsg{peer: p, op: q, clientRevision: clientRevision})
}

func (r *Registry) Leave(p Peer, docID string) error {
	r.mu.Lock()
	e, ok := r.docs[docID]
	if !ok {
		r.mu.Unlock()
		return co.ErrUnknownDocument
	}
	if _, member := e.members[p.ID()]; !member {
		r.mu.Unlock()
		return co.ErrUnregisteredClient
	}
	delete(e.members, p.ID())
	r.m.ClientsConnected.Dec()
	evict := len(e.members) == 0
	if evict {
		delete(r.docs, docID)
	}
	r.mu.Unlock()

	<-e.ready
	if e.doc == nil {
		return nil
	}
	if evict {
		// history goes with the session
		e.doc.stop()
		r.m.SessionsActive.Dec()
		r.log.Info().Str("document", docID).Msg("session evicted")
		return nil
	}
	return e.doc.post(leaveMsg{peer: p})
}

// LeaveAll removes p from every document it joined.
func (r *Registry) LeaveAll(p Peer) {
	r.mu.Lock()
	var ids []string
	for id, e := range r.docs {
		if _, member := e.members[p.ID()]; member {
			ids = append(ids, id)
		}
	}
	r.mu.Unlock()

	for _, id := range ids {
		if err := r.Leave(p, id); err != nil && !xerrors.Is(err, co.ErrUnknownDocument) {
			r.log.Debug().Err(err).Str("document", id).Str("conn", p.ID()).Msg("leave on disconnect")
		}
	}
}

// SaveRequest describes one explicit save. An empty StorageKey saves under
// the key the document was loaded from.
type SaveRequest struct {
	DocumentID string
	StorageKey string
	MimeType   string
	SavedBy    string
	Content    string
	Revision   int

	entry *entry
}

// Persist writes a snapshot to storage and records who saved it. It runs
// outside the document actor; in-memory state is never rolled back. Saves of
// one session are serialised, and a snapshot older than one already stored
// is skipped so the newest explicit save is what survives.
func (r *Registry) Persist(ctx context.Context, req SaveRequest) error {
	e := req.entry
	if e == nil {
		r.mu.Lock()
		e = r.docs[req.DocumentID]
		r.mu.Unlock()
	}
	if req.StorageKey == "" {
		req.StorageKey = req.DocumentID
		if e != nil {
			req.StorageKey = e.storageKey
		}
	}

	if e != nil {
		e.saveMu.Lock()
		defer e.saveMu.Unlock()
		if last, ok := e.saved[req.StorageKey]; ok && req.Revision < last {
			r.m.Saves.WithLabelValues("superseded").Inc()
			r.log.Debug().
				Str("document", req.DocumentID).
				Int("revision", req.Revision).
				Int("stored", last).
				Msg("newer save already stored")
			return nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.SaveTimeout)
	defer cancel()

	log := r.log.With().Str("document", req.DocumentID).Str("key", req.StorageKey).Logger()

	if err := r.opts.Blobs.Write(ctx, req.StorageKey, []byte(req.Content), req.MimeType); err != nil {
		r.m.Saves.WithLabelValues("failure").Inc()
		log.Error().Err(err).Msg("failed to write document")
		return co.SaveFailure(xerrors.Errorf("failed to write %s: %w", req.StorageKey, err))
	}

	now := r.opts.Now()
	if err := r.opts.Metadata.Update(ctx, req.DocumentID, storage.Modification{
		LastModifiedBy: req.SavedBy,
		LastModifiedAt: now,
	}); err != nil {
		r.m.Saves.WithLabelValues("failure").Inc()
		log.Error().Err(err).Msg("failed to record modification")
		return co.SaveFailure(xerrors.Errorf("failed to update metadata for %s: %w", req.DocumentID, err))
	}

	if e != nil {
		e.saved[req.StorageKey] = req.Revision
	}
	r.m.Saves.WithLabelValues("success").Inc()
	log.Info().Int("revision", req.Revision).Str("by", req.SavedBy).Msg("document saved")

	if err := r.opts.Events.PublishSaved(ctx, events.SavedEvent{
		Type:       events.DocumentSaved,
		DocumentID: req.DocumentID,
		StorageKey: req.StorageKey,
		Revision:   req.Revision,
		SavedBy:    req.SavedBy,
		SavedAt:    now,
	}); err != nil {
		log.Warn().Err(err).Msg("failed to publish save event")
	}
	return nil
}

// PrepareSave copies the current content of a document p has joined into a
// request for Persist.
func (r *Registry) PrepareSave(p Peer, docID, storageKey, mimeType string) (SaveRequest, error) {
	e, err := r.lookup(docID, p)
	if err != nil {
		return SaveRequest{}, err
	}
	s, err := e.doc.snapshot(p)
	if err != nil {
		return SaveRequest{}, err
	}
	if storageKey == "" {
		storageKey = e.storageKey
	}
	return SaveRequest{
		DocumentID: docID,
		StorageKey: storageKey,
		MimeType:   mimeType,
		SavedBy:    p.ClientID(),
		Content:    s.content,
		Revision:   s.revision,
		entry:      e,
	}, nil
}

// Save snapshots the document and persists it.
func (r *Registry) Save(ctx context.Context, p Peer, docID, storageKey, mimeType string) error {
	req, err := r.PrepareSave(p, docID, storageKey, mimeType)
	if err != nil {
		return err
	}
	return r.Persist(ctx, req)
}

// Sessions counts resident documents, including ones still loading.
func (r *Registry) Sessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.docs)
}

// Close stops every document actor. Joins after Close fail.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	docs := r.docs
	r.docs = make(map[string]*entry)
	r.mu.Unlock()

	for _, e := range docs {
		<-e.ready
		if e.doc != nil {
			e.doc.stop()
			r.m.SessionsActive.Dec()
		}
		r.m.ClientsConnected.Sub(float64(len(e.members)))
	}
}
