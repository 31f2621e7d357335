package peer

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/prodline/blocktrack/internal/schema"
	"github.com/prodline/blocktrack/internal/store/sqlite"
	"github.com/prodline/blocktrack/internal/store/storetest"
	"github.com/prodline/blocktrack/internal/syncer"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

const testToken = "s3cret"

type fixture struct {
	svc *Service
	hub *Hub
	ts  *httptest.Server
}

func openStore(t *testing.T, name string) *sqlite.Store {
	t.Helper()
	st, err := sqlite.Open(filepath.Join(t.TempDir(), name+".db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func setupPeer(t *testing.T, token string) *fixture {
	t.Helper()
	hub := NewHub(nil)
	svc := NewService(openStore(t, "peer"), nil, WithHub(hub))
	srv := NewServer(svc, hub, ServerConfig{Token: token})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		hub.Close()
		ts.Close()
	})
	return &fixture{svc: svc, hub: hub, ts: ts}
}

func (f *fixture) do(t *testing.T, method, path, contentType string, body []byte, header map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.ts.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Authorization", "Bearer "+testToken)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestSyncRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := setupPeer(t, testToken)
	local := openStore(t, "local")

	b, err := local.AddBlock(ctx, storetest.NewBlock("1001",
		storetest.NewOperation("Flashing", true, 0),
	))
	require.NoError(t, err)

	engine := syncer.New(local, syncer.NewHTTPTransport(f.ts.URL, syncer.WithToken(testToken)))
	res, err := engine.Synchronize(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.SentBlocks)

	onPeer, err := f.svc.Tracker().GetBlockByID(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, "1001", onPeer.BlockNumber)
	require.Len(t, onPeer.Operations, 1)
	assert.Equal(t, schema.SyncSynced, onPeer.SyncStatus)

	fresh, err := f.svc.Tracker().AddBlock(ctx, "Petrov", &schema.Block{BlockNumber: "2002", ModelType: "Model2"})
	require.NoError(t, err)

	res, err = engine.Synchronize(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.SentBlocks)
	assert.Equal(t, 1, res.ReceivedBlocks)

	got, err := local.GetBlockByID(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, "Petrov", got.Operator)
	assert.Equal(t, schema.SyncSynced, got.SyncStatus)
}

func TestSyncDeletionPropagates(t *testing.T) {
	ctx := context.Background()
	f := setupPeer(t, testToken)
	local := openStore(t, "local")

	b, err := local.AddBlock(ctx, storetest.NewBlock("1001"))
	require.NoError(t, err)

	engine := syncer.New(local, syncer.NewHTTPTransport(f.ts.URL, syncer.WithToken(testToken)))
	_, err = engine.Synchronize(ctx)
	require.NoError(t, err)

	require.NoError(t, local.DeleteBlock(ctx, b.ID))
	_, err = engine.Synchronize(ctx)
	require.NoError(t, err)

	_, err = f.svc.Tracker().GetBlockByID(ctx, b.ID)
	assert.ErrorIs(t, err, schema.ErrNotFound)
}

func TestSyncRequiresToken(t *testing.T) {
	ctx := context.Background()
	f := setupPeer(t, testToken)

	engine := syncer.New(openStore(t, "local"), syncer.NewHTTPTransport(f.ts.URL, syncer.WithToken("wrong")))
	_, err := engine.Synchronize(ctx)
	require.Error(t, err)

	var te *syncer.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.StatusUnauthorized, te.StatusCode)
}

func TestSyncRejectsIncompatibleProtocol(t *testing.T) {
	f := setupPeer(t, testToken)

	resp := f.do(t, http.MethodPost, syncer.SyncPath, "application/json", []byte(`{}`),
		map[string]string{syncer.ProtocolHeader: "v2.0.0"})
	assert.Equal(t, http.StatusPreconditionFailed, resp.StatusCode)

	resp = f.do(t, http.MethodPost, syncer.SyncPath, "application/json", []byte(`{not json`), nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSyncWithoutChangesAnswersServerTime(t *testing.T) {
	f := setupPeer(t, "")
	before := time.Now().UTC().Add(-time.Second)

	resp := f.do(t, http.MethodPost, syncer.SyncPath, "application/json", []byte(`{"blocks":[],"operations":[]}`), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, syncer.ProtocolVersion, resp.Header.Get(syncer.ProtocolHeader))

	out := decode[syncer.Response](t, resp)
	assert.True(t, out.ServerTime.After(before))
	assert.Empty(t, out.Blocks)
}

func TestHealthIsPublic(t *testing.T) {
	f := setupPeer(t, testToken)

	resp, err := http.Get(f.ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[map[string]any](t, resp)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, syncer.ProtocolVersion, body["protocol"])

	resp2, err := http.Get(f.ts.URL + "/api/v1/blocks")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp2.StatusCode)
}

func TestImportAndRead(t *testing.T) {
	f := setupPeer(t, testToken)
	records := `
- blockNumber: "1001"
  modelType: Model1
  date: 2025-03-03T08:00:00Z
  operations:
    - name: Flashing
      success: true
      timestamp: 2025-03-03T08:00:00Z
    - name: Calibration
      success: true
      timestamp: 2025-03-03T08:10:00Z
- blockNumber: "1002"
  modelType: Model2
  operator: Petrov
  date: 2025-03-04T08:00:00Z
`
	resp := f.do(t, http.MethodPost, "/api/v1/import", "application/yaml", []byte(records),
		map[string]string{OperatorHeader: "Ivanova"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, float64(2), decode[map[string]any](t, resp)["imported"])

	resp = f.do(t, http.MethodGet, "/api/v1/blocks", "", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	all := decode[[]BlockView](t, resp)
	require.Len(t, all, 2)

	resp = f.do(t, http.MethodGet, "/api/v1/blocks?operator=Petrov", "", nil, nil)
	byOperator := decode[[]BlockView](t, resp)
	require.Len(t, byOperator, 1)
	assert.Equal(t, "1002", byOperator[0].BlockNumber)

	var first BlockView
	for _, v := range all {
		if v.BlockNumber == "1001" {
			first = v
		}
	}
	require.NotNil(t, first.Block)
	resp = f.do(t, http.MethodGet, "/api/v1/blocks/"+first.ID, "", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	one := decode[BlockView](t, resp)
	assert.Len(t, one.Operations, 2)
	assert.Equal(t, schema.StatusInProgress, one.Status)

	resp = f.do(t, http.MethodGet, "/api/v1/blocks/missing", "", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/v1/stats?start=2025-03-03&end=2025-03-03", "", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stats := decode[map[string]any](t, resp)
	assert.Equal(t, float64(2), stats["totalOperations"])
}

func TestImportRejectsInvalidBatch(t *testing.T) {
	f := setupPeer(t, testToken)
	body := `[{"blockNumber":"1001","modelType":"Model1"},{"blockNumber":"x1","modelType":"Model1"}]`

	resp := f.do(t, http.MethodPost, "/api/v1/import", "application/json", []byte(body),
		map[string]string{OperatorHeader: "Ivanova"})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	out := decode[errorBody](t, resp)
	require.NotEmpty(t, out.Fields)
	assert.Equal(t, 1, out.Fields[0].Record)
	assert.Equal(t, "blockNumber", out.Fields[0].Field)

	blocks, err := f.svc.Tracker().GetAllBlocks(context.Background())
	require.NoError(t, err)
	assert.Empty(t, blocks)

	resp = f.do(t, http.MethodPost, "/api/v1/import", "application/json", []byte(`[{"blockNumber":"1","modelType":"Model1"}]`), nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode, "operator header is required")
}

func TestStatsRejectsBadBound(t *testing.T) {
	f := setupPeer(t, testToken)
	resp := f.do(t, http.MethodGet, "/api/v1/stats?start=yesterday", "", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestParseBound(t *testing.T) {
	tests := []struct {
		in      string
		end     bool
		want    time.Time
		wantErr bool
	}{
		{in: "", want: time.Time{}},
		{in: "2025-03-03", want: time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC)},
		{in: "2025-03-03", end: true, want: time.Date(2025, 3, 3, 23, 59, 59, 999999999, time.UTC)},
		{in: "2025-03-03T10:00:00+02:00", want: time.Date(2025, 3, 3, 8, 0, 0, 0, time.UTC)},
		{in: "03/03/2025", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseBound(tt.in, tt.end)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.True(t, tt.want.Equal(got), "%s: got %s", tt.in, got)
	}
}

func TestFeedPublishesAppliedExchanges(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	f := setupPeer(t, testToken)

	conn, _, err := websocket.Dial(ctx, strings.Replace(f.ts.URL, "http", "ws", 1)+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	readMessage := func() Message {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)
		var msg Message
		require.NoError(t, json.Unmarshal(data, &msg))
		return msg
	}
	assert.Equal(t, MessageHello, readMessage().Type)
	assert.Equal(t, 1, f.hub.ClientCount())

	local := openStore(t, "local")
	_, err = local.AddBlock(ctx, storetest.NewBlock("1001", storetest.NewOperation("Flashing", true, 0)))
	require.NoError(t, err)
	engine := syncer.New(local, syncer.NewHTTPTransport(f.ts.URL, syncer.WithToken(testToken)))
	_, err = engine.Synchronize(ctx)
	require.NoError(t, err)

	msg := readMessage()
	assert.Equal(t, MessageSyncApplied, msg.Type)
	var data SyncAppliedData
	require.NoError(t, json.Unmarshal(msg.Data, &data))
	assert.Equal(t, 1, data.ReceivedBlocks)
	assert.Equal(t, 1, data.ReceivedOperations)
	assert.Equal(t, 2, data.Applied)
}

func TestSyncReportsRejectedBlocks(t *testing.T) {
	ctx := context.Background()
	svc := NewService(openStore(t, "peer"), nil)

	_, err := svc.Tracker().AddBlock(ctx, "Ivanova", storetest.NewBlock("4001"))
	require.NoError(t, err)

	local := openStore(t, "client")
	mine, err := local.AddBlock(ctx, storetest.NewBlock("4001", storetest.NewOperation("Flashing", true, 0)))
	require.NoError(t, err)
	pending, err := local.GetPendingChanges(ctx, nil)
	require.NoError(t, err)

	resp, err := svc.Sync(ctx, &syncer.Request{ChangeSet: *pending})
	require.NoError(t, err)
	assert.Equal(t, []string{mine.ID}, resp.Rejected)

	_, err = svc.Tracker().GetBlockByID(ctx, mine.ID)
	assert.ErrorIs(t, err, schema.ErrNotFound)
}
