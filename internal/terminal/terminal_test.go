package terminal

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/websoft9/serissh/internal/bridge"
)

// pair returns a server-side Channel and the client connection talking to it.
func pair(t *testing.T, opts ...Option) (*Channel, *websocket.Conn) {
	t.Helper()
	chc := make(chan *Channel, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		chc <- NewChannel(conn, bridge.WindowSize{Rows: 24, Cols: 80}, opts...)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	select {
	case ch := <-chc:
		t.Cleanup(func() { ch.Close() })
		return ch, client
	case <-time.After(2 * time.Second):
		t.Fatal("server channel not created")
		return nil, nil
	}
}

type readResult struct {
	data string
	err  error
}

func readAsync(ch *Channel, n int) <-chan readResult {
	out := make(chan readResult, 1)
	go func() {
		buf := make([]byte, n)
		k, err := ch.Read(buf)
		out <- readResult{string(buf[:k]), err}
	}()
	return out
}

func await(t *testing.T, c <-chan readResult) readResult {
	t.Helper()
	select {
	case r := <-c:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("Read timed out")
		return readResult{}
	}
}

func TestChannel_DataBothWays(t *testing.T) {
	ch, client := pair(t)

	if got := ch.InitialSize(); got != (bridge.WindowSize{Rows: 24, Cols: 80}) {
		t.Errorf("InitialSize = %+v", got)
	}

	if err := client.WriteMessage(websocket.BinaryMessage, []byte("ls\n")); err != nil {
		t.Fatal(err)
	}
	if r := await(t, readAsync(ch, 64)); r.err != nil || r.data != "ls\n" {
		t.Errorf("Read = %q, %v", r.data, r.err)
	}

	if _, err := ch.Write([]byte("file\r\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	mt, msg, err := client.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if mt != websocket.BinaryMessage || string(msg) != "file\r\n" {
		t.Errorf("client got type %d %q", mt, msg)
	}
}

func TestChannel_SplitsLargeFrames(t *testing.T) {
	ch, client := pair(t)

	_ = client.WriteMessage(websocket.BinaryMessage, []byte("abcdef"))
	var got string
	for len(got) < 6 {
		r := await(t, readAsync(ch, 4))
		if r.err != nil {
			t.Fatalf("Read: %v", r.err)
		}
		got += r.data
	}
	if got != "abcdef" {
		t.Errorf("reassembled %q", got)
	}
}

func TestChannel_ResizeControl(t *testing.T) {
	ch, client := pair(t)
	pending := readAsync(ch, 64)

	_ = client.WriteMessage(websocket.TextMessage, []byte(`{"type":"resize","rows":40,"cols":120}`))
	_ = client.WriteMessage(websocket.BinaryMessage, append([]byte{0x00}, `{"type":"resize","rows":50,"cols":132}`...))

	for _, want := range []bridge.Signal{bridge.Resized(40, 120), bridge.Resized(50, 132)} {
		select {
		case sig := <-ch.Signals():
			if sig != want {
				t.Errorf("signal = %+v, want %+v", sig, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("resize signal not delivered")
		}
	}

	_ = client.WriteMessage(websocket.BinaryMessage, []byte("x"))
	if r := await(t, pending); r.data != "x" {
		t.Errorf("Read after control frames = %q, %v", r.data, r.err)
	}
}

func TestChannel_NulByteIsData(t *testing.T) {
	ch, client := pair(t)

	_ = client.WriteMessage(websocket.BinaryMessage, []byte{0x00, 'a'})
	if r := await(t, readAsync(ch, 8)); r.data != "\x00a" {
		t.Errorf("Read = %q, %v; want NUL passed through", r.data, r.err)
	}
}

func TestChannel_ClientCloseIsEOF(t *testing.T) {
	ch, client := pair(t)
	pending := readAsync(ch, 8)

	_ = client.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))

	if r := await(t, pending); !errors.Is(r.err, io.EOF) {
		t.Errorf("Read error = %v, want io.EOF", r.err)
	}
}

func TestChannel_SendError(t *testing.T) {
	ch, client := pair(t)

	if err := ch.SendError("device busy"); err != nil {
		t.Fatalf("SendError: %v", err)
	}
	mt, msg, err := client.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if mt != websocket.TextMessage || string(msg) != `{"type":"error","message":"device busy"}` {
		t.Errorf("client got type %d %s", mt, msg)
	}
}

func TestChannel_CloseIdempotent(t *testing.T) {
	ch, _ := pair(t)
	if err := ch.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	_ = ch.Close()
	select {
	case <-ch.Done():
	default:
		t.Error("Done not closed")
	}
}

func TestChannel_IdleTimeout(t *testing.T) {
	ch, _ := pair(t, WithIdleTimeout(50*time.Millisecond))

	select {
	case <-ch.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("idle channel not closed")
	}
}
