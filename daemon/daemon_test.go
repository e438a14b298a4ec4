package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hooksync/hooksync/catalog"
	"github.com/hooksync/hooksync/config"
	"github.com/hooksync/hooksync/hooks"
	"github.com/hooksync/hooksync/persistence"
	"github.com/hooksync/hooksync/remediation"
)

func testConfig(t *testing.T, dir string) *config.Config {
	script, err := filepath.Abs("../gateway/command/testdata/gateway.sh")
	require.NoError(t, err)
	conf, err := config.ParseConfigBytes([]byte(fmt.Sprintf(`
store:
  driver: sqlite
  dsn: %s
gateway:
  type: command
  path: /bin/sh
  args: [%q]
  timeout: 5s
membership:
  type: static
  clusters:
    - id: c1
      servers: [s1, empty, down]
`, filepath.Join(dir, "hooks.db"), script)))
	require.NoError(t, err)
	return conf
}

func testServices(t *testing.T, conf *config.Config) *services {
	db, err := persistence.FromConfig(context.Background(), conf.Store)
	require.NoError(t, err)
	s, err := buildWithDB(context.Background(), conf, db)
	require.NoError(t, err)
	return s
}

type controlClient struct {
	t   *testing.T
	url string
}

func (c controlClient) call(endpoint string, req, res interface{}) int {
	var buf bytes.Buffer
	require.NoError(c.t, json.NewEncoder(&buf).Encode(req))
	resp, err := http.Post(c.url+endpoint, "application/json", &buf)
	require.NoError(c.t, err)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return resp.StatusCode
	}
	if res != nil {
		require.NoError(c.t, json.NewDecoder(resp.Body).Decode(res))
	}
	return resp.StatusCode
}

func startControl(t *testing.T, s *services) controlClient {
	j, err := newControlJob(filepath.Join(t.TempDir(), "control"), newJobs(), s.catalog, s.orch)
	require.NoError(t, err)
	srv := httptest.NewServer(j.mux(context.Background()))
	t.Cleanup(srv.Close)
	return controlClient{t, srv.URL}
}

func registerMount(t *testing.T, c controlClient) *catalog.Hook {
	var h catalog.Hook
	code := c.call(ControlJobEndpointHooksRegister, RegisterHookRequest{Definition: hooks.Definition{
		ClusterID: "c1",
		Stage:     hooks.StagePre,
		Command:   "start volume",
		Name:      "mount",
		Content:   []byte("echo hi\n"),
	}}, &h)
	require.Equal(t, http.StatusOK, code)
	require.NotEmpty(t, h.ID)
	return &h
}

func TestControlEndpoints(t *testing.T) {
	conf := testConfig(t, t.TempDir())
	s := testServices(t, conf)
	defer s.db.Close()
	c := startControl(t, s)

	h := registerMount(t, c)
	assert.Equal(t, []string{"down", "empty", "s1"}, h.Expected)
	assert.Equal(t, hooks.AggregateUndefined, h.Classification.AggregateStatus)
	assert.Equal(t, hooks.Digest([]byte("echo hi\n")), h.Checksum)

	t.Run("register duplicate", func(t *testing.T) {
		code := c.call(ControlJobEndpointHooksRegister, RegisterHookRequest{Definition: hooks.Definition{
			ClusterID: "c1", Stage: hooks.StagePre, Command: "start volume", Name: "mount",
		}}, nil)
		assert.Equal(t, http.StatusConflict, code)
	})

	t.Run("register invalid", func(t *testing.T) {
		code := c.call(ControlJobEndpointHooksRegister, RegisterHookRequest{Definition: hooks.Definition{
			ClusterID: "c1", Stage: "DURING", Command: "start volume", Name: "x",
		}}, nil)
		assert.Equal(t, http.StatusBadRequest, code)
	})

	t.Run("get unknown", func(t *testing.T) {
		assert.Equal(t, http.StatusNotFound, c.call(ControlJobEndpointHooksGet, HookRequest{HookID: "nope"}, nil))
	})

	t.Run("resync", func(t *testing.T) {
		var res BulkOperationResponse
		require.Equal(t, http.StatusOK, c.call(ControlJobEndpointHooksResync, ResyncRequest{HookID: h.ID}, &res))
		require.Len(t, res.Reports, 1)
		r := res.Reports[0]
		assert.Equal(t, remediation.Partial, r.Result)
		assert.True(t, r.Classification.MissingConflict)
		assert.True(t, r.Classification.Degraded)
		assert.Equal(t, hooks.AggregateEnabled, r.Classification.AggregateStatus)

		var got catalog.Hook
		require.Equal(t, http.StatusOK, c.call(ControlJobEndpointHooksGet, HookRequest{HookID: h.ID}, &got))
		status := make(map[string]hooks.Status)
		for _, rep := range got.Replicas {
			status[rep.ServerID] = rep.Status
		}
		assert.Equal(t, map[string]hooks.Status{
			"s1":    hooks.StatusEnabled,
			"empty": hooks.StatusMissing,
			"down":  hooks.StatusUnknown,
		}, status)
	})

	t.Run("invalid scope", func(t *testing.T) {
		code := c.call(ControlJobEndpointHooksSetEnabled, SetEnabledRequest{HookID: h.ID, Server: "s9"}, nil)
		assert.Equal(t, http.StatusBadRequest, code)
	})

	t.Run("disable", func(t *testing.T) {
		var res OperationResponse
		require.Equal(t, http.StatusOK, c.call(ControlJobEndpointHooksSetEnabled, SetEnabledRequest{HookID: h.ID, Enabled: false}, &res))
		assert.Empty(t, res.Error)
		assert.Equal(t, remediation.Partial, res.Report.Result)
		assert.Equal(t, []string{"down"}, res.Report.FailedServers())
		assert.Equal(t, hooks.AggregateDisabled, res.Report.Classification.AggregateStatus)
	})

	t.Run("all servers failed", func(t *testing.T) {
		var res OperationResponse
		require.Equal(t, http.StatusOK, c.call(ControlJobEndpointHooksSetEnabled, SetEnabledRequest{HookID: h.ID, Enabled: true, Server: "down"}, &res))
		assert.Empty(t, res.Error)
		assert.Equal(t, remediation.Failed, res.Report.Result)
	})

	t.Run("content", func(t *testing.T) {
		var res FetchContentResponse
		require.Equal(t, http.StatusOK, c.call(ControlJobEndpointHooksContent, FetchContentRequest{HookID: h.ID, Server: "s1"}, &res))
		assert.True(t, strings.HasPrefix(string(res.Content), h.ID+"|c1|start volume|pre|mount|text|"), "%q", res.Content)
	})

	t.Run("list and lookup", func(t *testing.T) {
		var all []*catalog.Hook
		require.Equal(t, http.StatusOK, c.call(ControlJobEndpointHooksList, ListHooksRequest{}, &all))
		require.Len(t, all, 1)
		assert.Equal(t, h.ID, all[0].ID)

		var none []*catalog.Hook
		require.Equal(t, http.StatusOK, c.call(ControlJobEndpointHooksList, ListHooksRequest{ClusterID: "c2"}, &none))
		assert.Empty(t, none)

		var found catalog.Hook
		require.Equal(t, http.StatusOK, c.call(ControlJobEndpointHooksLookup, LookupHookRequest{
			ClusterID: "c1", Command: "start volume", Stage: hooks.StagePre, Name: "mount",
		}, &found))
		assert.Equal(t, h.ID, found.ID)
	})

	t.Run("status and version", func(t *testing.T) {
		var st Status
		require.Equal(t, http.StatusOK, c.call(ControlJobEndpointStatus, struct{}{}, &st))
		assert.NotNil(t, st.Global.Envconst)
		var v map[string]string
		require.Equal(t, http.StatusOK, c.call(ControlJobEndpointVersion, struct{}{}, &v))
		assert.NotEmpty(t, v["RuntimeGo"])
	})

	t.Run("wakeup unknown job", func(t *testing.T) {
		assert.Equal(t, http.StatusInternalServerError, c.call(ControlJobEndpointWakeup, WakeupRequest{Name: "_audit"}, nil))
	})

	t.Run("bad request", func(t *testing.T) {
		resp, err := http.Post(c.url+ControlJobEndpointHooksGet, "application/json", strings.NewReader("{"))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("request too large", func(t *testing.T) {
		defer func(old int64) { maxRequestSize = old }(maxRequestSize)
		maxRequestSize = 16
		code := c.call(ControlJobEndpointHooksUpdateContent, UpdateContentRequest{HookID: h.ID, Content: []byte("echo a much longer script\n")}, nil)
		assert.Equal(t, http.StatusRequestEntityTooLarge, code)
	})

	t.Run("remove-all-except requires keep", func(t *testing.T) {
		code := c.call(ControlJobEndpointHooksRemoveAllExcept, RemoveAllExceptRequest{HookIDs: []string{h.ID}}, nil)
		assert.Equal(t, http.StatusBadRequest, code)
	})

	t.Run("purge", func(t *testing.T) {
		require.Equal(t, http.StatusOK, c.call(ControlJobEndpointHooksPurge, HookRequest{HookID: h.ID}, nil))
		assert.Equal(t, http.StatusNotFound, c.call(ControlJobEndpointHooksGet, HookRequest{HookID: h.ID}, nil))
		assert.Equal(t, http.StatusNotFound, c.call(ControlJobEndpointHooksPurge, HookRequest{HookID: h.ID}, nil))
	})
}

func TestStateSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	conf := testConfig(t, dir)

	s := testServices(t, conf)
	c := startControl(t, s)
	h := registerMount(t, c)
	var res BulkOperationResponse
	require.Equal(t, http.StatusOK, c.call(ControlJobEndpointHooksResync, ResyncRequest{}, &res))
	require.Len(t, res.Reports, 1)
	require.NoError(t, s.db.Close())

	s = testServices(t, conf)
	defer s.db.Close()
	got, err := s.catalog.Get(context.Background(), h.ID)
	require.NoError(t, err)
	assert.Equal(t, h.Checksum, got.Checksum)
	assert.Equal(t, []byte("echo hi\n"), got.Content)
	assert.Len(t, got.Replicas, 3)
	assert.True(t, got.Classification.MissingConflict)
	assert.True(t, got.Classification.Degraded)
}

func TestListenUnixPrivate(t *testing.T) {
	dir := t.TempDir()

	addr, err := net.ResolveUnixAddr("unix", filepath.Join(dir, "run", "control"))
	require.NoError(t, err)
	l, err := listenUnixPrivate(addr)
	require.NoError(t, err)
	l.Close()

	// a stale socket file is replaced
	require.NoError(t, os.WriteFile(addr.Name, nil, 0600))
	l, err = listenUnixPrivate(addr)
	require.NoError(t, err)
	l.Close()

	public := filepath.Join(dir, "public")
	require.NoError(t, os.Mkdir(public, 0700))
	require.NoError(t, os.Chmod(public, 0777))
	addr, err = net.ResolveUnixAddr("unix", filepath.Join(public, "control"))
	require.NoError(t, err)
	_, err = listenUnixPrivate(addr)
	assert.Error(t, err)
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, httpStatus(fmt.Errorf("x: %w", hooks.ErrNotFound)))
	assert.Equal(t, http.StatusServiceUnavailable, httpStatus(hooks.ErrLockTimeout))
	assert.Equal(t, http.StatusInternalServerError, httpStatus(fmt.Errorf("boom")))
}
