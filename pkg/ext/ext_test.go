package ext

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/go-test/deep"

	"github.com/Faultbox/gearth/pkg/packet"
)

// fakeHost plays the G-Earth side of the extension wire on a loopback
// listener.
type fakeHost struct {
	t    *testing.T
	ln   net.Listener
	conn net.Conn
}

func newFakeHost(t *testing.T) *fakeHost {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	return &fakeHost{t: t, ln: ln}
}

func (h *fakeHost) port() int {
	return h.ln.Addr().(*net.TCPAddr).Port
}

func (h *fakeHost) accept() {
	h.t.Helper()
	h.ln.(*net.TCPListener).SetDeadline(time.Now().Add(3 * time.Second))
	conn, err := h.ln.Accept()
	if err != nil {
		h.t.Fatalf("accept: %v", err)
	}
	h.conn = conn
	h.t.Cleanup(func() { conn.Close() })
}

func (h *fakeHost) send(p *packet.Packet) {
	h.t.Helper()
	if _, err := h.conn.Write(p.Bytes()); err != nil {
		h.t.Fatalf("host write: %v", err)
	}
}

// read frames one packet off the extension's stream.
func (h *fakeHost) read() *packet.Packet {
	h.t.Helper()
	h.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	head := make([]byte, 4)
	if _, err := io.ReadFull(h.conn, head); err != nil {
		h.t.Fatalf("host read: %v", err)
	}
	body := make([]byte, binary.BigEndian.Uint32(head))
	if _, err := io.ReadFull(h.conn, body); err != nil {
		h.t.Fatalf("host read body: %v", err)
	}
	return packet.FromBytes(append(head, body...))
}

// expect reads frames until one carries the wanted header id, skipping
// console logs and other chatter.
func (h *fakeHost) expect(id int16) *packet.Packet {
	h.t.Helper()
	for i := 0; i < 16; i++ {
		if p := h.read(); p.HeaderID() == id {
			return p
		}
	}
	h.t.Fatalf("no frame with id %d arrived", id)
	return nil
}

func testInfo() Info {
	return Info{Title: "T", Description: "D", Version: "V", Author: "A"}
}

// startWith runs the init handshake for an already-built extension.
func startWith(t *testing.T, h *fakeHost, e *Extension) {
	t.Helper()
	started := make(chan error, 1)
	go func() { started <- e.Start() }()
	h.accept()
	h.send(packet.New(7, false))
	select {
	case err := <-started:
		if err != nil {
			t.Fatalf("start: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("start did not return")
	}
	h.expect(98) // init success console line
	t.Cleanup(func() { e.Stop() })
}

func startExtension(t *testing.T, h *fakeHost) *Extension {
	t.Helper()
	e, err := New(testInfo(), Options{Port: h.port()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	startWith(t, h, e)
	return e
}

type hostInfo struct {
	id       int32
	hash     string
	name     string
	outgoing bool
}

func connectionStartPacket(infos ...hostInfo) *packet.Packet {
	p := packet.New(5, "host.example", 9001, "HOTEL-V1", "client-id", "UNITY", len(infos))
	orNull := func(s string) string {
		if s == "" {
			return "NULL"
		}
		return s
	}
	for _, pi := range infos {
		p.AppendInt(pi.id).
			AppendString(orNull(pi.hash)).
			AppendString(orNull(pi.name)).
			AppendString("NULL").
			AppendBool(pi.outgoing).
			AppendString("test")
	}
	p.Edited = false
	return p
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNewValidation(t *testing.T) {
	if _, err := New(testInfo(), Options{}); !errors.Is(err, ErrNoPort) {
		t.Errorf("expected ErrNoPort, got %v", err)
	}

	info := testInfo()
	info.Author = ""
	_, err := New(info, Options{Port: 9092})
	if err == nil || !strings.Contains(err.Error(), "author") {
		t.Errorf("expected author-missing error, got %v", err)
	}
}

func TestInfoHandshake(t *testing.T) {
	h := newFakeHost(t)
	_ = startExtension(t, h)

	h.send(packet.New(2)) // info request
	reply := h.expect(1)

	for _, want := range []string{"T", "A", "V", "D"} {
		got, err := reply.ReadString()
		if err != nil || got != want {
			t.Fatalf("expected %q, got %q (err %v)", want, got, err)
		}
	}
	rest, err := reply.ReadBytes(8)
	if err != nil {
		t.Fatalf("reading settings tail: %v", err)
	}
	// use_click_trigger, has_file, file "", cookie "", can_leave, can_delete
	want := []byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x01, 0x01}
	if !bytes.Equal(rest, want) {
		t.Errorf("settings tail %x, want %x", rest, want)
	}
}

func TestInfoHandshakeWithFile(t *testing.T) {
	h := newFakeHost(t)
	settings := Settings{UseClickTrigger: true, CanLeave: false, CanDelete: true}
	e, err := New(testInfo(), Options{
		Port:     h.port(),
		Filename: "ext.zip",
		Cookie:   "secret",
		Settings: &settings,
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	startWith(t, h, e)

	h.send(packet.New(2))
	reply := h.expect(1)
	vals, err := reply.Read("ssssBBssBB")
	if err != nil {
		t.Fatalf("decoding info: %v", err)
	}
	want := []any{"T", "A", "V", "D", true, true, "ext.zip", "secret", false, true}
	if diff := deep.Equal(vals, want); diff != nil {
		t.Error(diff)
	}
}

func TestInterceptEcho(t *testing.T) {
	h := newFakeHost(t)
	_ = startExtension(t, h)

	inner := packet.FromBytes([]byte{0, 0, 0, 2, 0, 100})
	envelope := "0\t5\tTOSERVER\t" + inner.HostText()
	h.send(packet.New(3).AppendHostString(envelope))

	reply := h.expect(2)
	got, err := reply.ReadHostString()
	if err != nil {
		t.Fatalf("reading manipulated envelope: %v", err)
	}
	if got != envelope {
		t.Errorf("envelope changed: %q != %q", got, envelope)
	}
}

func TestBlockingInterceptBlocks(t *testing.T) {
	h := newFakeHost(t)
	e := startExtension(t, h)

	e.Intercept(packet.ToServer, ID(100), Blocking, func(msg *packet.Message) {
		msg.Blocked = true
	})

	inner := packet.FromBytes([]byte{0, 0, 0, 2, 0, 100})
	h.send(packet.New(3).AppendHostString("0\t5\tTOSERVER\t" + inner.HostText()))

	reply := h.expect(2)
	got, err := reply.ReadHostString()
	if err != nil {
		t.Fatalf("reading manipulated envelope: %v", err)
	}
	if !strings.HasPrefix(got, "1\t") {
		t.Errorf("expected blocked envelope, got %q", got)
	}
	// the packet itself was not edited
	msg, err := packet.ParseMessage(got)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.Packet.Edited {
		t.Error("blocking must not mark the packet edited")
	}
}

func TestFlagsRequest(t *testing.T) {
	h := newFakeHost(t)
	e := startExtension(t, h)

	type result struct {
		flags []string
		err   error
	}
	results := make(chan result, 2)
	for i := 0; i < 2; i++ {
		go func() {
			flags, err := e.RequestFlags()
			results <- result{flags, err}
		}()
	}

	// the request mutex serializes the two callers into two round-trips
	for i := 0; i < 2; i++ {
		h.expect(3)
		h.send(packet.New(4, 2, "alpha", "beta"))
	}
	for i := 0; i < 2; i++ {
		select {
		case r := <-results:
			if r.err != nil {
				t.Fatalf("request flags: %v", r.err)
			}
			if diff := deep.Equal(r.flags, []string{"alpha", "beta"}); diff != nil {
				t.Error(diff)
			}
		case <-time.After(3 * time.Second):
			t.Fatal("request flags did not return")
		}
	}
}

func TestPacketToStringAndExpression(t *testing.T) {
	h := newFakeHost(t)
	e := startExtension(t, h)

	type result struct {
		text string
		err  error
	}

	textCh := make(chan result, 1)
	go func() {
		text, err := e.PacketToString(packet.New(42, "hi"))
		textCh <- result{text, err}
	}()
	h.expect(20)
	h.send(packet.New(20).AppendHostString("{in:Chat}{s:\"hi\"}").AppendBlob([]byte("expr")))
	if r := <-textCh; r.err != nil || r.text != "{in:Chat}{s:\"hi\"}" {
		t.Errorf("packet to string: got %q, err %v", r.text, r.err)
	}

	exprCh := make(chan result, 1)
	go func() {
		expr, err := e.PacketToExpression(packet.New(42, "hi"))
		exprCh <- result{expr, err}
	}()
	h.expect(20)
	h.send(packet.New(20).AppendHostString("text").AppendBlob([]byte("expr-form")))
	if r := <-exprCh; r.err != nil || r.text != "expr-form" {
		t.Errorf("packet to expression: got %q, err %v", r.text, r.err)
	}
}

func TestStringToPacket(t *testing.T) {
	h := newFakeHost(t)
	e := startExtension(t, h)

	inner := packet.New(77, "hello")

	type result struct {
		p   *packet.Packet
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		p, err := e.StringToPacket("{in:Test}")
		resCh <- result{p, err}
	}()

	req := h.expect(21)
	if got, err := req.ReadBlob(); err != nil || string(got) != "{in:Test}" {
		t.Errorf("unexpected request payload %q (err %v)", got, err)
	}
	h.send(packet.New(21).AppendHostString(inner.HostText()))

	r := <-resCh
	if r.err != nil {
		t.Fatalf("string to packet: %v", r.err)
	}
	if !bytes.Equal(r.p.Bytes(), inner.Bytes()) {
		t.Errorf("packet bytes %x != %x", r.p.Bytes(), inner.Bytes())
	}
}

func TestFramingMultipleFramesOneWrite(t *testing.T) {
	h := newFakeHost(t)
	e, err := New(testInfo(), Options{Port: h.port()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	started := make(chan error, 1)
	go func() { started <- e.Start() }()
	h.accept()
	t.Cleanup(func() { e.Stop() })

	// init and info request in a single TCP write
	buf := append([]byte{}, packet.New(7, false).Bytes()...)
	buf = append(buf, packet.New(2).Bytes()...)
	if _, err := h.conn.Write(buf); err != nil {
		t.Fatalf("host write: %v", err)
	}

	if err := <-started; err != nil {
		t.Fatalf("start: %v", err)
	}
	reply := h.expect(1)
	if got, _ := reply.ReadString(); got != "T" {
		t.Errorf("expected title T, got %q", got)
	}
}

func TestAwaitConnectionStartBarrier(t *testing.T) {
	h := newFakeHost(t)
	e, err := New(testInfo(), Options{Port: h.port()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	started := make(chan error, 1)
	go func() { started <- e.Start() }()
	h.accept()
	t.Cleanup(func() { e.Stop() })

	h.send(packet.New(7, true)) // host asks us to wait for a game connection
	select {
	case err := <-started:
		t.Fatalf("start returned before connection start (err %v)", err)
	case <-time.After(150 * time.Millisecond):
	}

	h.send(connectionStartPacket())
	select {
	case err := <-started:
		if err != nil {
			t.Fatalf("start: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("start did not return after connection start")
	}

	if _, ok := e.ConnectionInfo(); !ok {
		t.Error("connection info missing after connection start")
	}
}

func TestConnectionEndClearsState(t *testing.T) {
	h := newFakeHost(t)
	e := startExtension(t, h)

	h.send(connectionStartPacket(hostInfo{id: 42, name: "Chat", outgoing: true}))
	waitFor(t, "connection info", func() bool {
		_, ok := e.ConnectionInfo()
		return ok && e.PacketInfos().Len(packet.ToServer) == 1
	})

	ended := make(chan struct{}, 1)
	e.OnEvent(EventConnectionEnd, func() { ended <- struct{}{} })

	h.send(packet.New(6))
	select {
	case <-ended:
	case <-time.After(3 * time.Second):
		t.Fatal("connection_end event not raised")
	}
	waitFor(t, "state cleared", func() bool {
		_, ok := e.ConnectionInfo()
		return !ok && e.PacketInfos().Len(packet.ToServer) == 0
	})
}

func TestLifecycle(t *testing.T) {
	h := newFakeHost(t)
	e, err := New(testInfo(), Options{Port: h.port()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if !e.IsClosed() {
		t.Error("fresh extension must report closed")
	}
	if err := e.Stop(); !errors.Is(err, ErrNotRunning) {
		t.Errorf("expected ErrNotRunning, got %v", err)
	}

	startWith(t, h, e)
	if e.IsClosed() {
		t.Error("running extension must not report closed")
	}
	if err := e.Start(); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("expected ErrAlreadyRunning, got %v", err)
	}

	if err := e.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !e.IsClosed() {
		t.Error("stopped extension must report closed")
	}
	if _, err := e.RequestFlags(); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed after stop, got %v", err)
	}

	// a stopped extension may start again
	startWith(t, h, e)
	if e.IsClosed() {
		t.Error("restarted extension must not report closed")
	}
}

func TestCloseWhileWaitingForResponse(t *testing.T) {
	h := newFakeHost(t)
	e := startExtension(t, h)

	errCh := make(chan error, 1)
	go func() {
		_, err := e.RequestFlags()
		errCh <- err
	}()
	h.expect(3)
	h.conn.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("expected ErrClosed, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("request did not observe close")
	}
	waitFor(t, "extension closed", e.IsClosed)
}

func TestDoubleClickEvent(t *testing.T) {
	h := newFakeHost(t)
	e := startExtension(t, h)

	clicked := make(chan struct{}, 1)
	e.OnEvent(EventDoubleClick, func() { clicked <- struct{}{} })

	h.send(packet.New(1))
	select {
	case <-clicked:
	case <-time.After(3 * time.Second):
		t.Fatal("double_click event not raised")
	}
}
