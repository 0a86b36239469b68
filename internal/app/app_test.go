package app

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scanbridge/go-scan-server/internal/config"
	"scanbridge/go-scan-server/internal/model"
	"scanbridge/go-scan-server/internal/mqttbroker"
	"scanbridge/go-scan-server/internal/registry"
	"scanbridge/go-scan-server/internal/store"
)

type published struct {
	topic string
	event model.SessionEvent
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []published
}

func (p *recordingPublisher) Publish(topic string, payload []byte) error {
	var ev model.SessionEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return err
	}
	p.mu.Lock()
	p.events = append(p.events, published{topic: topic, event: ev})
	p.mu.Unlock()
	return nil
}

func (p *recordingPublisher) all() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.events...)
}

type testEnv struct {
	app    *App
	reg    *registry.Registry
	events *recordingPublisher
	server *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	dir := t.TempDir()
	webRoot := filepath.Join(dir, "web")
	require.NoError(t, os.MkdirAll(webRoot, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(webRoot, "index.html"), []byte("<html>scan</html>"), 0o644))

	cfg := config.Config{
		HTTPPort:      8080,
		DatabasePath:  filepath.Join(dir, "scanbridge.db"),
		SessionTTL:    time.Hour,
		SweepInterval: time.Minute,
		SiteURL:       "https://scan.example.com",
		WebRoot:       webRoot,
	}

	reg := registry.New()
	a := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), reg)

	db, err := store.Open(cfg.DatabasePath)
	require.NoError(t, err)
	require.NoError(t, db.InitSchema(context.Background()))
	t.Cleanup(func() { _ = db.Close() })
	a.store = db

	events := &recordingPublisher{}
	a.events = events

	srv := httptest.NewServer(a.routes())
	t.Cleanup(srv.Close)

	return &testEnv{app: a, reg: reg, events: events, server: srv}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.server.URL+path, rdr)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err := client.Do(req)
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

func TestGetScans_UnknownSessionReturnsEmptyArray(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/api/sessions/never-seen/scans", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(body))
}

func TestPostThenGetScans_PreservesOrder(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/api/sessions/abc/scans", `{"code":"X","scan_timestamp":1000}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	first := decode[model.ScanData](t, resp)
	assert.Equal(t, int64(1), first.ID)
	assert.Equal(t, "abc", first.SessionID)
	assert.NotEmpty(t, first.CreatedAt)

	resp = env.do(t, http.MethodPost, "/api/sessions/abc/scans", `{"code":"Y","scan_timestamp":2000}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/sessions/abc/scans", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	scans := decode[[]model.ScanData](t, resp)
	require.Len(t, scans, 2)
	assert.Equal(t, "X", scans[0].Code)
	assert.Equal(t, int64(1000), scans[0].ScanTimestamp)
	assert.Equal(t, "Y", scans[1].Code)
	assert.Equal(t, int64(2), scans[1].ID)

	events := env.events.all()
	require.Len(t, events, 2)
	for i, ev := range events {
		assert.Equal(t, "sessions/abc/events", ev.topic)
		assert.Equal(t, model.EventScanNew, ev.event.Type)
		require.NotNil(t, ev.event.Scan)
		assert.Equal(t, int64(i+1), ev.event.Scan.ID)
	}

	resp = env.do(t, http.MethodGet, "/api/sessions/other/scans", "")
	assert.JSONEq(t, `[]`, readBody(t, resp))
}

func TestGetScans_RegistryFaultIs500(t *testing.T) {
	env := newTestEnv(t)
	env.reg.Close()

	resp := env.do(t, http.MethodGet, "/api/sessions/abc/scans", "")
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	body := decode[map[string]string](t, resp)
	assert.Contains(t, body["error"], "registry closed")
	assert.Len(t, body, 1)

	resp = env.do(t, http.MethodPost, "/api/sessions/abc/scans", `{"code":"X"}`)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestPostScan_Validation(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/api/sessions/abc/scans", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/sessions/abc/scans", `{"code":"  "}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "scan code is required", decode[map[string]string](t, resp)["error"])

	resp = env.do(t, http.MethodPost, "/api/sessions/abc/scans", `{"code":"X","scan_timestamp":-5}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	scans, err := env.reg.Scans("abc")
	require.NoError(t, err)
	assert.Empty(t, scans)

	resp = env.do(t, http.MethodGet, "/api/ingestion-errors", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	journal := decode[struct {
		Errors []model.IngestionError `json:"errors"`
	}](t, resp)
	require.Len(t, journal.Errors, 3)
	assert.Equal(t, sourceHTTP, journal.Errors[0].Source)
}

func TestSessionLifecycle(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/api/sessions", "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[model.Session](t, resp)
	require.NotEmpty(t, created.SessionID)
	assert.Equal(t, model.SessionActive, created.Status)

	resp = env.do(t, http.MethodGet, "/api/sessions/"+created.SessionID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, created.SessionID, decode[model.Session](t, resp).SessionID)

	resp = env.do(t, http.MethodGet, "/api/sessions", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[struct {
		Sessions []model.Session `json:"sessions"`
	}](t, resp)
	require.Len(t, list.Sessions, 1)

	resp = env.do(t, http.MethodPost, "/api/sessions/"+created.SessionID+"/close", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, model.SessionClosed, decode[model.Session](t, resp).Status)

	events := env.events.all()
	require.Len(t, events, 1)
	assert.Equal(t, model.EventSessionClosed, events[0].event.Type)
	assert.Equal(t, created.SessionID, events[0].event.SessionID)

	resp = env.do(t, http.MethodGet, "/api/sessions/missing", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = env.do(t, http.MethodPost, "/api/sessions/missing/close", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestExportScans(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.reg.Insert("abc", model.ScanInput{Code: "hello, world", ScanTimestamp: 1000})
	require.NoError(t, err)

	resp := env.do(t, http.MethodGet, "/api/sessions/abc/scans.csv", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/csv", resp.Header.Get("Content-Type"))

	records, err := csv.NewReader(resp.Body).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, []string{"id", "session_id", "code", "scan_timestamp", "created_at"}, records[0])
	assert.Equal(t, "hello, world", records[1][2])
	assert.Equal(t, "1000", records[1][3])
}

func TestShortLinkRedirect(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/xyz123", "")
	require.Equal(t, http.StatusTemporaryRedirect, resp.StatusCode)
	assert.Equal(t, "/session/xyz123", resp.Header.Get("Location"))

	resp = env.do(t, http.MethodGet, "/a%3Fb", "")
	require.Equal(t, http.StatusTemporaryRedirect, resp.StatusCode)
	assert.Equal(t, "/session/a%3Fb", resp.Header.Get("Location"))

	resp = env.do(t, http.MethodGet, "/dashboard", "")
	assert.NotEqual(t, http.StatusTemporaryRedirect, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("Location"))

	resp = env.do(t, http.MethodGet, "/index.html", "")
	assert.NotEqual(t, http.StatusTemporaryRedirect, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, readBody(t, resp), "scan")
}

func TestRobots(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/robots.txt", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := readBody(t, resp)
	assert.Contains(t, body, "Disallow: /api/")
	assert.Contains(t, body, "Sitemap: https://scan.example.com/sitemap.xml")
}

func TestHealthAndReadiness(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	rec := httptest.NewRecorder()
	env.app.handleReadyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "broker not started")

	env.app.broker = mqttbroker.New(env.app.logger)
	rec = httptest.NewRecorder()
	env.app.handleReadyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ready"}`, rec.Body.String())
}

func TestConfigUpdateAppliesSessionTTL(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/api/config", `{"session_ttl":"90m"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 90*time.Minute, env.app.SessionTTL())

	resp = env.do(t, http.MethodGet, "/api/config", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cfg := decode[struct {
		Active    map[string]any    `json:"active"`
		Persisted map[string]string `json:"persisted"`
	}](t, resp)
	assert.Equal(t, "1h30m0s", cfg.Active["session_ttl"])
	assert.Equal(t, "1h30m0s", cfg.Persisted["session_ttl"])

	resp = env.do(t, http.MethodPost, "/api/config", `{"session_ttl":"-1m"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = env.do(t, http.MethodPost, "/api/config", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// a fresh app picks the persisted value up at startup
	fresh := New(env.app.cfg, env.app.logger, registry.New())
	fresh.store = env.app.store
	fresh.applyPersistedConfig(context.Background())
	assert.Equal(t, 90*time.Minute, fresh.SessionTTL())
}

func TestWipe(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.reg.Insert("abc", model.ScanInput{Code: "X"})
	require.NoError(t, err)

	resp := env.do(t, http.MethodPost, "/api/admin/wipe", `{"confirm":"nope"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, 1, env.reg.Len())

	resp = env.do(t, http.MethodPost, "/api/admin/wipe", `{"confirm":"WIPE"}`)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, 0, env.reg.Len())
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodDelete, "/api/sessions/abc/scans", "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHandleMQTTPublish(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.app.handleMQTTPublish(ctx, mqttbroker.Message{Topic: "scanners/abc/scans", Payload: []byte(`{"code":"X","scan_timestamp":1000}`)})
	env.app.handleMQTTPublish(ctx, mqttbroker.Message{Topic: "scanners/abc/scans", Payload: []byte("  plain-code\n")})
	env.app.handleMQTTPublish(ctx, mqttbroker.Message{Topic: "scanners/abc/scans", Payload: []byte(`{"code":`)})
	env.app.handleMQTTPublish(ctx, mqttbroker.Message{Topic: "sessions/abc/events", Payload: []byte(`{"code":"ignored"}`)})
	env.app.handleMQTTPublish(ctx, mqttbroker.Message{Topic: "scanners/abc/other", Payload: []byte(`{"code":"ignored"}`)})

	scans, err := env.reg.Scans("abc")
	require.NoError(t, err)
	require.Len(t, scans, 2)
	assert.Equal(t, "X", scans[0].Code)
	assert.Equal(t, "plain-code", scans[1].Code)

	journal, err := env.app.store.RecentIngestionErrors(ctx, 10)
	require.NoError(t, err)
	require.Len(t, journal, 1)
	assert.Equal(t, sourceMQTT, journal[0].Source)
	assert.Equal(t, `{"code":`, journal[0].Payload)
}

func TestInsertNotBlockedByStalledSubscriber(t *testing.T) {
	env := newTestEnv(t)

	broker := mqttbroker.New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	_, err := broker.Start("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = broker.Stop() })
	env.app.events = broker

	conn, err := net.Dial("tcp", broker.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	// CONNECT as "viewer", then SUBSCRIBE sessions/# and never read past the SUBACK.
	connect := []byte{0x10, 0x12, 0x00, 0x04, 'M', 'Q', 'T', 'T', 0x04, 0x02, 0x00, 0x3c, 0x00, 0x06, 'v', 'i', 'e', 'w', 'e', 'r'}
	_, err = conn.Write(connect)
	require.NoError(t, err)
	_, err = io.ReadFull(conn, make([]byte, 4))
	require.NoError(t, err)

	subscribe := []byte{0x82, 0x0f, 0x00, 0x01, 0x00, 0x0a, 's', 'e', 's', 's', 'i', 'o', 'n', 's', '/', '#', 0x00}
	_, err = conn.Write(subscribe)
	require.NoError(t, err)
	_, err = io.ReadFull(conn, make([]byte, 5))
	require.NoError(t, err)

	handler := env.app.routes()
	body := `{"code":"` + strings.Repeat("c", 4000) + `"}`

	done := make(chan int, 1)
	go func() {
		n := 0
		for ; n < 2000; n++ {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/api/sessions/abc/scans", strings.NewReader(body))
			handler.ServeHTTP(rec, req)
			if rec.Code != http.StatusCreated {
				break
			}
		}
		done <- n
	}()

	select {
	case n := <-done:
		assert.Equal(t, 2000, n)
	case <-time.After(30 * time.Second):
		t.Fatal("scan inserts blocked behind an MQTT subscriber that stopped reading")
	}

	scans, err := env.reg.Scans("abc")
	require.NoError(t, err)
	assert.Len(t, scans, 2000)
}

func TestHandleExpiredPublishesEvents(t *testing.T) {
	env := newTestEnv(t)

	env.app.handleExpired([]string{"a", "b"})

	events := env.events.all()
	require.Len(t, events, 2)
	assert.Equal(t, "sessions/a/events", events[0].topic)
	assert.Equal(t, model.EventSessionExpired, events[1].event.Type)
	assert.Equal(t, "b", events[1].event.SessionID)
}

func TestScanTopicSession(t *testing.T) {
	id, ok := scanTopicSession("scanners/abc/scans")
	assert.True(t, ok)
	assert.Equal(t, "abc", id)

	for _, topic := range []string{"scanners//scans", "scanners/abc", "sessions/abc/scans", "scanners/abc/scans/extra"} {
		_, ok := scanTopicSession(topic)
		assert.False(t, ok, topic)
	}
}

func TestMDNSHelpers(t *testing.T) {
	assert.Equal(t, "Scanbridge (my host local)", mdnsInstanceName("Scanbridge (my_host.local)"))
	assert.Equal(t, "Scanbridge", mdnsInstanceName("  "))
	assert.Equal(t, "my-host", mdnsHostLabel("My Host"))
	assert.Len(t, mdnsHostLabel(strings.Repeat("a", 100)), mdnsLabelMax)

	txt := mdnsTXT(1883, 8080, "kiosk")
	assert.Contains(t, txt, "mqtt_port=1883")
	assert.Contains(t, txt, "http_port=8080")
	assert.Contains(t, txt, "host=kiosk.local")
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}
