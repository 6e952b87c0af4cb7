package editor

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ilnaes/collabpad/internal/auth"
	"github.com/ilnaes/collabpad/internal/config"
	"github.com/ilnaes/collabpad/internal/server"
	"github.com/ilnaes/collabpad/internal/storage"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type liveServer struct {
	url   string
	blobs *storage.MemoryBlobStore
	auth  *auth.Authenticator
}

func startServer(t *testing.T, files map[string]string) *liveServer {
	t.Helper()
	blobs := storage.NewMemoryBlobStore()
	for k, v := range files {
		require.NoError(t, blobs.Write(context.Background(), k, []byte(v), "text/plain"))
	}
	reg := server.NewRegistry(server.Options{
		Blobs:      blobs,
		Metadata:   storage.NewMemoryMetadataStore(),
		Log:        zerolog.Nop(),
		DriftSlack: 5,
	})
	a := auth.New("secret", false)
	s := server.NewServer(reg, a, config.SessionConfig{
		OutboundQueue:   256,
		MaxMessageBytes: 1 << 20,
		RateBurst:       1,
	}, nil, nil, nil, zerolog.Nop())
	ts := httptest.NewServer(s.Router())
	t.Cleanup(func() {
		s.Close()
		ts.Close()
		reg.Close()
	})

	return &liveServer{
		url:   "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
		blobs: blobs,
		auth:  a,
	}
}

func (ls *liveServer) editor(t *testing.T, uid string) *Editor {
	t.Helper()
	token, err := ls.auth.Sign(uid)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tr, err := Dial(ctx, ls.url, token)
	require.NoError(t, err)

	e := New(tr, Options{
		DocumentID: "notes",
		StorageKey: "files/notes.txt",
		Debounce:   5 * time.Millisecond,
		Log:        zerolog.Nop(),
	})

	runCtx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = e.Run(runCtx)
	}()
	t.Cleanup(func() {
		stop()
		_ = tr.Close()
		<-done
	})

	require.NoError(t, e.Join(ctx))
	return e
}

func TestEditorsConverge(t *testing.T) {
	ls := startServer(t, map[string]string{"files/notes.txt": "hello"})
	alice := ls.editor(t, "alice")
	bob := ls.editor(t, "bob")

	require.Equal(t, "hello", alice.Content())
	require.Equal(t, "hello", bob.Content())
	require.Eventually(t, func() bool { return len(alice.Peers()) == 1 }, 2*time.Second, 10*time.Millisecond)

	alice.Edit("hello world")
	bob.Edit("oh hello")

	converged := func() bool {
		a, b := alice.Content(), bob.Content()
		return a == b && alice.Revision() == bob.Revision() && alice.Revision() >= 2
	}
	require.Eventually(t, converged, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, "oh hello world", alice.Content())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, alice.Save(ctx))

	data, err := ls.blobs.Read(ctx, "files/notes.txt")
	require.NoError(t, err)
	require.Equal(t, "oh hello world", string(data))
}

func TestEditorReplaceAgainstServer(t *testing.T) {
	ls := startServer(t, map[string]string{"files/notes.txt": "foo"})
	e := ls.editor(t, "alice")

	e.Edit("bar")
	e.Flush()

	require.Eventually(t, func() bool { return e.Revision() == 2 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, "bar", e.Content())

	// a second client joining sees the server's copy
	other := ls.editor(t, "bob")
	require.Equal(t, "bar", other.Content())
	require.Equal(t, 2, other.Revision())
}

func TestDialRefused(t *testing.T) {
	ls := startServer(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := Dial(ctx, ls.url, "not-a-token")
	require.Error(t, err)
	require.Contains(t, err.Error(), "refused")
}
