package appworker

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/moggie-project/moggie-worker/internal/config"
	"github.com/moggie-project/moggie-worker/internal/cryptutil"
	"github.com/moggie-project/moggie-worker/internal/metastore"
	"github.com/moggie-project/moggie-worker/internal/metrics"
	"github.com/moggie-project/moggie-worker/internal/rpcframe"
)

type harness struct {
	cfg *config.Store
	srv *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()

	cfg, err := config.Open(filepath.Join(dir, "config.rc"))
	require.NoError(t, err)
	require.NoError(t, cfg.InitializePassphrase("pw"))

	var masterKey cryptutil.MasterKey
	copy(masterKey[:], []byte("0123456789abcdef0123456789abcdef"))
	meta, err := metastore.Open(filepath.Join(dir, "meta.log"), filepath.Join(dir, "meta.idx"), []cryptutil.MasterKey{masterKey})
	require.NoError(t, err)
	t.Cleanup(func() { meta.Close() })

	w := New(cfg, meta, &metrics.NoopCollector{})
	frame := rpcframe.NewFrame("s3cr3t", &metrics.NoopCollector{})
	frame.Expose(w)

	srv := httptest.NewServer(frame)
	t.Cleanup(srv.Close)

	return &harness{cfg: cfg, srv: srv}
}

func TestSearchRequiresPassphrase(t *testing.T) {
	h := newHarness(t)
	h.cfg.Lock()

	resp, err := http.Post(h.srv.URL+"/s3cr3t/search", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestPingSucceedsWithoutAuth(t *testing.T) {
	h := newHarness(t)

	resp, err := http.Get(h.srv.URL + "/anything/ping")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSearchDeniedWithoutBearerToken(t *testing.T) {
	h := newHarness(t)

	resp, err := http.Post(h.srv.URL+"/s3cr3t/search", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}
