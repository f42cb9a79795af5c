package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/websoft9/serissh/internal/bridge"
	"github.com/websoft9/serissh/internal/config"
	"github.com/websoft9/serissh/internal/server/handlers"
	"github.com/websoft9/serissh/internal/sshd"
	"github.com/websoft9/serissh/internal/supervisor"
)

// echoDevice loops everything written to it back to the reader.
type echoDevice struct {
	pr *io.PipeReader
	pw *io.PipeWriter

	mu   sync.Mutex
	size bridge.WindowSize
}

func newEchoDevice() *echoDevice {
	pr, pw := io.Pipe()
	return &echoDevice{pr: pr, pw: pw}
}

func (d *echoDevice) Read(p []byte) (int, error)  { return d.pr.Read(p) }
func (d *echoDevice) Write(p []byte) (int, error) { return d.pw.Write(p) }

func (d *echoDevice) Resize(rows, cols uint16) error {
	d.mu.Lock()
	d.size = bridge.WindowSize{Rows: rows, Cols: cols}
	d.mu.Unlock()
	return nil
}

func (d *echoDevice) Close() error {
	_ = d.pr.Close()
	return d.pw.Close()
}

type fakeSessions struct {
	err     error
	closing bool

	mu      sync.Mutex
	started []supervisor.SessionInfo
	devices []*echoDevice
}

func (f *fakeSessions) Start(ctx context.Context, ch bridge.Channel, info supervisor.SessionInfo) (*bridge.Bridge, error) {
	if f.err != nil {
		return nil, f.err
	}
	dev := newEchoDevice()
	b := bridge.New("web-1", ch, dev)
	go b.Run(ctx)

	f.mu.Lock()
	f.started = append(f.started, info)
	f.devices = append(f.devices, dev)
	f.mu.Unlock()
	return b, nil
}

func (f *fakeSessions) Sessions() []supervisor.SessionSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]supervisor.SessionSnapshot, 0, len(f.started))
	for _, info := range f.started {
		out = append(out, supervisor.SessionSnapshot{User: info.User, Transport: info.Transport, Kind: "pty"})
	}
	return out
}

func (f *fakeSessions) ShuttingDown() bool { return f.closing }

func (f *fakeSessions) startedInfo() []supervisor.SessionInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]supervisor.SessionInfo(nil), f.started...)
}

var creds = sshd.StaticCredentials{User: "admin", Password: "secret"}

func newTestServer(t *testing.T, sessions SessionService) *httptest.Server {
	t.Helper()
	return newTestServerWithOrigins(t, sessions, []string{"http://console.test"})
}

func newTestServerWithOrigins(t *testing.T, sessions SessionService, origins []string) *httptest.Server {
	t.Helper()
	cfg := &config.Config{
		Version:            "test",
		CORSAllowedOrigins: origins,
		WebIdleTimeout:     time.Minute,
	}
	ts := httptest.NewServer(New(cfg, sessions, creds).Handler())
	t.Cleanup(ts.Close)
	return ts
}

func basicAuth(user, password string) http.Header {
	token := base64.StdEncoding.EncodeToString([]byte(user + ":" + password))
	return http.Header{"Authorization": {"Basic " + token}}
}

func get(t *testing.T, url string, header http.Header) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func TestServer_Healthz(t *testing.T) {
	ts := newTestServer(t, &fakeSessions{})

	resp := get(t, ts.URL+"/healthz", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body handlers.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "ok" || body.Version != "test" {
		t.Errorf("body = %+v", body)
	}
}

func TestServer_ReadyzShuttingDown(t *testing.T) {
	ts := newTestServer(t, &fakeSessions{closing: true})

	if resp := get(t, ts.URL+"/readyz", nil); resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func TestServer_SessionsRequireAuth(t *testing.T) {
	ts := newTestServer(t, &fakeSessions{})

	resp := get(t, ts.URL+"/sessions", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no credentials: status = %d", resp.StatusCode)
	}
	if resp.Header.Get("WWW-Authenticate") == "" {
		t.Error("missing WWW-Authenticate challenge")
	}

	if resp := get(t, ts.URL+"/sessions", basicAuth("admin", "wrong")); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad password: status = %d", resp.StatusCode)
	}
}

func TestServer_SessionsList(t *testing.T) {
	sessions := &fakeSessions{started: []supervisor.SessionInfo{{User: "admin", Transport: "ssh"}}}
	ts := newTestServer(t, sessions)

	resp := get(t, ts.URL+"/sessions", basicAuth("admin", "secret"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body handlers.SessionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if len(body.Sessions) != 1 || body.Sessions[0].User != "admin" || body.Sessions[0].Transport != "ssh" {
		t.Errorf("sessions = %+v", body.Sessions)
	}
}

func TestServer_SessionsEmptyIsArray(t *testing.T) {
	ts := newTestServer(t, &fakeSessions{})

	resp := get(t, ts.URL+"/sessions", basicAuth("admin", "secret"))
	raw, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(raw), `"sessions":[]`) {
		t.Errorf("body = %s", raw)
	}
}

func TestServer_TerminalRoundTrip(t *testing.T) {
	sessions := &fakeSessions{}
	ts := newTestServer(t, sessions)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/terminal?rows=30&cols=100"), basicAuth("admin", "secret"))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte("ls\n")); err != nil {
		t.Fatal(err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	mt, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if mt != websocket.BinaryMessage || string(msg) != "ls\n" {
		t.Errorf("echo = type %d %q", mt, msg)
	}

	started := sessions.startedInfo()
	if len(started) != 1 || started[0].User != "admin" || started[0].Transport != "websocket" {
		t.Errorf("started = %+v", started)
	}

	sessions.mu.Lock()
	dev := sessions.devices[0]
	sessions.mu.Unlock()
	dev.mu.Lock()
	size := dev.size
	dev.mu.Unlock()
	if size != (bridge.WindowSize{Rows: 30, Cols: 100}) {
		t.Errorf("initial size = %+v, want 30x100", size)
	}
}

func TestServer_TerminalStartFailure(t *testing.T) {
	ts := newTestServer(t, &fakeSessions{err: supervisor.ErrDeviceBusy})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/terminal"), basicAuth("admin", "secret"))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	mt, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if mt != websocket.TextMessage || !strings.Contains(string(msg), `"type":"error"`) || !strings.Contains(string(msg), "busy") {
		t.Errorf("got type %d %s", mt, msg)
	}

	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		t.Errorf("second read = %v, want close frame", err)
	}
}

func TestServer_TerminalRequiresAuth(t *testing.T) {
	ts := newTestServer(t, &fakeSessions{})

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "/terminal"), nil)
	if err == nil {
		t.Fatal("dial without credentials succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("response = %v, want 401", resp)
	}
}

func TestServer_TerminalOrigin(t *testing.T) {
	ts := newTestServer(t, &fakeSessions{})

	header := basicAuth("admin", "secret")
	header.Set("Origin", "http://evil.test")
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "/terminal"), header)
	if err == nil {
		t.Fatal("foreign origin accepted")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("response = %v, want 403", resp)
	}

	header.Set("Origin", "http://console.test")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/terminal"), header)
	if err != nil {
		t.Fatalf("configured origin rejected: %v", err)
	}
	conn.Close()
}

func TestServer_CORSDefaultsToSameOrigin(t *testing.T) {
	ts := newTestServerWithOrigins(t, &fakeSessions{}, nil)

	header := basicAuth("admin", "secret")
	header.Set("Origin", "https://evil.example")
	resp := get(t, ts.URL+"/sessions", header)
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Access-Control-Allow-Origin = %q with no origins configured, want none", got)
	}
	if got := resp.Header.Get("Access-Control-Allow-Credentials"); got != "" {
		t.Errorf("Access-Control-Allow-Credentials = %q, want none", got)
	}
}

func TestServer_CORSConfiguredOrigin(t *testing.T) {
	ts := newTestServer(t, &fakeSessions{})

	header := basicAuth("admin", "secret")
	header.Set("Origin", "http://console.test")
	resp := get(t, ts.URL+"/sessions", header)
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "http://console.test" {
		t.Errorf("Access-Control-Allow-Origin = %q, want the configured origin", got)
	}

	header.Set("Origin", "https://evil.example")
	resp = get(t, ts.URL+"/sessions", header)
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Access-Control-Allow-Origin = %q for a foreign origin, want none", got)
	}
}
