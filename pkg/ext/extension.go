// Package ext implements the G-Earth extension runtime: it connects to the
// host over a local TCP socket, answers the host's control messages, runs
// user interceptors over the packets the host offers for manipulation, and
// exposes the host's synchronous helper calls.
package ext

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/Faultbox/gearth/internal/logger"
	"github.com/Faultbox/gearth/pkg/packet"
)

var (
	// ErrNoPort is returned by New when no host port was supplied.
	ErrNoPort = errors.New("ext: port was not specified (argument example: -p 9092)")
	// ErrAlreadyRunning is returned by Start on a running extension.
	ErrAlreadyRunning = errors.New("ext: attempted to start already-running extension")
	// ErrNotRunning is returned by Stop on an extension that is not running.
	ErrNotRunning = errors.New("ext: attempted to stop extension that wasn't running")
	// ErrClosed is returned when an operation needs a live host connection.
	ErrClosed = errors.New("ext: extension is not connected to G-Earth")
)

// Info identifies the extension to the host. All fields are required.
type Info struct {
	Title       string
	Description string
	Version     string
	Author      string
}

// Settings are the optional extension toggles shown by the host.
type Settings struct {
	UseClickTrigger bool
	CanLeave        bool
	CanDelete       bool
}

// DefaultSettings returns the host defaults: no click trigger, leavable,
// deletable.
func DefaultSettings() Settings {
	return Settings{CanLeave: true, CanDelete: true}
}

// Options configures the host link.
type Options struct {
	// Port is the local TCP port the host listens on. Required.
	Port int
	// Filename is the extension's installation file, when launched from one.
	Filename string
	// Cookie is the authentication token passed by the host.
	Cookie string
	// Settings overrides DefaultSettings when non-nil.
	Settings *Settings
}

type state int

const (
	stateNew state = iota
	stateStarting
	stateRunning
	stateClosed
)

// Extension is a single connection to the host. Construct with New, register
// interceptors and events, then Start.
type Extension struct {
	info     Info
	settings Settings
	port     int
	filename string
	cookie   string

	mu    sync.Mutex
	state state
	conn  net.Conn
	done  chan struct{}

	// startCh is the start barrier: closed when the host signals the
	// extension may consider itself started.
	startCh   chan struct{}
	startOnce *sync.Once

	// awaitConnect mirrors the trailing flag of the host's init message.
	// Only the reader goroutine touches it.
	awaitConnect bool

	streamMu sync.Mutex

	eventsMu sync.Mutex
	events   map[string][]func()

	registry *interceptRegistry
	infos    *packet.InfoTable

	connMu   sync.RWMutex
	connInfo *ConnectionInfo

	reqMu  sync.Mutex
	respCh chan any

	manipQueue chan *packet.Message
	manipGoID  atomic.Int64

	lost    atomic.Uint64
	metrics *extMetrics
}

// New validates the extension identity and host options.
func New(info Info, opts Options) (*Extension, error) {
	if opts.Port <= 0 {
		return nil, ErrNoPort
	}
	for field, v := range map[string]string{
		"title":       info.Title,
		"description": info.Description,
		"version":     info.Version,
		"author":      info.Author,
	} {
		if v == "" {
			return nil, fmt.Errorf("ext: extension info: %s field missing", field)
		}
	}
	settings := DefaultSettings()
	if opts.Settings != nil {
		settings = *opts.Settings
	}
	e := &Extension{
		info:       info,
		settings:   settings,
		port:       opts.Port,
		filename:   opts.Filename,
		cookie:     opts.Cookie,
		events:     make(map[string][]func()),
		registry:   newInterceptRegistry(),
		infos:      packet.NewInfoTable(),
		respCh:     make(chan any, 1),
		manipQueue: make(chan *packet.Message, 512),
		metrics:    newExtMetrics(),
	}
	e.manipGoID.Store(-1)
	return e, nil
}

// Start dials the host, spawns the reader and manipulation goroutines and
// blocks until the host releases the start barrier (at init, or at
// connection start when the host asked the extension to wait for one).
func (e *Extension) Start() error {
	e.mu.Lock()
	if e.state == stateStarting || e.state == stateRunning {
		e.mu.Unlock()
		return ErrAlreadyRunning
	}
	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", e.port))
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("ext: connecting to G-Earth: %w", err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
	}
	e.conn = conn
	e.done = make(chan struct{})
	e.startCh = make(chan struct{})
	e.startOnce = new(sync.Once)
	e.awaitConnect = false
	e.state = stateStarting
	startCh, done := e.startCh, e.done
	e.mu.Unlock()

	logger.Info("connected to G-Earth", zap.Int("port", e.port))
	go e.readLoop(conn)
	go e.manipulateLoop()

	select {
	case <-startCh:
	case <-done:
		return ErrClosed
	}

	e.mu.Lock()
	if e.state == stateStarting {
		e.state = stateRunning
	}
	e.mu.Unlock()
	return nil
}

// Stop closes the host socket. The reader observes EOF and both goroutines
// exit.
func (e *Extension) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != stateStarting && e.state != stateRunning {
		return ErrNotRunning
	}
	e.closeLocked()
	return nil
}

// shutdown is the reader's orderly close after a framing error or EOF on
// conn. It does nothing when conn was already closed or has been replaced by
// a later Start, and reports whether it closed the extension.
func (e *Extension) shutdown(conn net.Conn) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn != conn || e.state == stateClosed || e.state == stateNew {
		return false
	}
	e.closeLocked()
	return true
}

func (e *Extension) closeLocked() {
	e.state = stateClosed
	if e.conn != nil {
		e.conn.Close()
	}
	if e.done != nil {
		close(e.done)
		e.done = nil
	}
}

// IsClosed reports whether no host connection is live.
func (e *Extension) IsClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == stateNew || e.state == stateClosed
}

// Wait blocks until the host connection closes. Returns immediately if the
// extension never started.
func (e *Extension) Wait() {
	e.mu.Lock()
	done := e.done
	e.mu.Unlock()
	if done == nil {
		return
	}
	<-done
}

func (e *Extension) doneChan() chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done
}

func (e *Extension) releaseStart() {
	e.mu.Lock()
	once, ch := e.startOnce, e.startCh
	e.mu.Unlock()
	if once == nil {
		return
	}
	once.Do(func() { close(ch) })
}

// ConnectionInfo returns the current game connection scalars, if a game
// connection is up.
func (e *Extension) ConnectionInfo() (ConnectionInfo, bool) {
	e.connMu.RLock()
	defer e.connMu.RUnlock()
	if e.connInfo == nil {
		return ConnectionInfo{}, false
	}
	return *e.connInfo, true
}

// PacketInfos returns the host-supplied packet-info table. Empty outside a
// game connection.
func (e *Extension) PacketInfos() *packet.InfoTable {
	return e.infos
}

// LostPackets returns how many outgoing packets were dropped by the send
// paths.
func (e *Extension) LostPackets() uint64 {
	return e.lost.Load()
}

// readLoop frames host packets and branches on their header id. Packet
// intercepts are queued for the manipulation goroutine; everything else is
// handled inline.
func (e *Extension) readLoop(conn net.Conn) {
	for {
		p, err := readFrame(conn)
		if err != nil {
			if e.shutdown(conn) && !errors.Is(err, io.EOF) {
				logger.Error("host link read failed", zap.Error(err))
			}
			return
		}
		e.dispatch(p)
	}
}

// readFrame fully reads one length-prefixed host frame.
func readFrame(conn net.Conn) (*packet.Packet, error) {
	frame := make([]byte, 4)
	if _, err := io.ReadFull(conn, frame); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(frame)
	frame = append(frame, make([]byte, length)...)
	if _, err := io.ReadFull(conn, frame[4:]); err != nil {
		return nil, err
	}
	return packet.FromBytes(frame), nil
}

func (e *Extension) dispatch(p *packet.Packet) {
	switch p.HeaderID() {
	case inDoubleClick:
		e.raiseEvent(EventDoubleClick)

	case inInfoRequest:
		e.sendRaw(e.buildInfoPacket())

	case inPacketIntercept:
		text, err := p.ReadHostString()
		if err != nil {
			logger.Error("bad intercept payload", zap.Error(err))
			return
		}
		msg, err := packet.ParseMessage(text)
		if err != nil {
			logger.Error("bad intercept envelope", zap.Error(err))
			return
		}
		e.metrics.intercepted[msg.Direction.Index()].Inc()
		select {
		case e.manipQueue <- msg:
		case <-e.doneOrClosed():
		}

	case inFlagsCheck:
		n, err := p.ReadInt()
		if err != nil {
			return
		}
		flags := make([]string, 0, n)
		for i := int32(0); i < n; i++ {
			s, err := p.ReadString()
			if err != nil {
				return
			}
			flags = append(flags, s)
		}
		e.deliverResponse(flags)

	case inConnectionStart:
		e.handleConnectionStart(p)

	case inConnectionEnd:
		e.raiseEvent(EventConnectionEnd)
		e.connMu.Lock()
		e.connInfo = nil
		e.connMu.Unlock()
		e.infos.Clear()

	case inInit:
		e.raiseEvent(EventInit)
		e.WriteToConsoleColor("green",
			fmt.Sprintf("extension %q successfully initialized", e.info.Title), false)
		await, err := p.ReadBool()
		if err != nil {
			await = false
		}
		e.awaitConnect = await
		if !await {
			e.releaseStart()
		}

	case inPacketToStringResponse:
		text, err := p.ReadHostString()
		if err != nil {
			return
		}
		expr, err := p.ReadBlob()
		if err != nil {
			return
		}
		e.deliverResponse(stringPair{text: text, expression: string(expr)})

	case inStringToPacketResponse:
		text, err := p.ReadHostString()
		if err != nil {
			return
		}
		e.deliverResponse(packet.FromHostText(text))

	default:
		logger.Warn("unknown host message", zap.Int16("id", p.HeaderID()))
	}
}

func (e *Extension) handleConnectionStart(p *packet.Packet) {
	vals, err := p.Read("sisss")
	if err != nil {
		logger.Error("bad connection start payload", zap.Error(err))
		return
	}
	info := &ConnectionInfo{
		Host:             vals[0].(string),
		Port:             int(vals[1].(int32)),
		HotelVersion:     vals[2].(string),
		ClientIdentifier: vals[3].(string),
		ClientType:       vals[4].(string),
	}
	e.connMu.Lock()
	e.connInfo = info
	e.connMu.Unlock()

	e.infos.Clear()
	if count, err := p.ReadInt(); err == nil {
		for i := int32(0); i < count; i++ {
			rec, err := p.Read("isssBs")
			if err != nil {
				logger.Error("bad packet info record", zap.Error(err))
				break
			}
			pi := &packet.Info{
				ID:        int16(rec[0].(int32)),
				Hash:      nullable(rec[1].(string)),
				Name:      nullable(rec[2].(string)),
				Structure: nullable(rec[3].(string)),
				Source:    rec[5].(string),
			}
			dir := packet.ToClient
			if rec[4].(bool) {
				dir = packet.ToServer
			}
			e.infos.Add(dir, pi)
		}
	}
	logger.Info("game connection started",
		zap.String("host", info.Host), zap.Int("port", info.Port),
		zap.String("client", info.ClientType),
		zap.Int("incoming_infos", e.infos.Len(packet.ToClient)),
		zap.Int("outgoing_infos", e.infos.Len(packet.ToServer)))

	if e.awaitConnect {
		e.releaseStart()
	}
	e.raiseEvent(EventConnectionStart)
}

func nullable(s string) string {
	if s == "NULL" {
		return ""
	}
	return s
}

func (e *Extension) buildInfoPacket() *packet.Packet {
	return packet.New(outExtensionInfo).
		AppendString(e.info.Title).
		AppendString(e.info.Author).
		AppendString(e.info.Version).
		AppendString(e.info.Description).
		AppendBool(e.settings.UseClickTrigger).
		AppendBool(e.filename != "").
		AppendString(e.filename).
		AppendString(e.cookie).
		AppendBool(e.settings.CanLeave).
		AppendBool(e.settings.CanDelete)
}

// doneOrClosed returns the live done channel, or an already-closed one when
// the extension has shut down.
func (e *Extension) doneOrClosed() chan struct{} {
	if done := e.doneChan(); done != nil {
		return done
	}
	closed := make(chan struct{})
	close(closed)
	return closed
}

// sendRaw writes one frame under the stream mutex.
func (e *Extension) sendRaw(p *packet.Packet) error {
	e.mu.Lock()
	conn := e.conn
	closed := e.state == stateNew || e.state == stateClosed
	e.mu.Unlock()
	if closed || conn == nil {
		return ErrClosed
	}
	e.streamMu.Lock()
	defer e.streamMu.Unlock()
	if _, err := conn.Write(p.Bytes()); err != nil {
		return fmt.Errorf("ext: writing to host: %w", err)
	}
	return nil
}

// OnEvent registers fn for one of the user events: double_click, init,
// connection_start, connection_end. Callbacks run on a worker goroutine.
func (e *Extension) OnEvent(name string, fn func()) {
	e.eventsMu.Lock()
	defer e.eventsMu.Unlock()
	e.events[name] = append(e.events[name], fn)
}

func (e *Extension) raiseEvent(name string) {
	e.eventsMu.Lock()
	fns := append([]func(){}, e.events[name]...)
	e.eventsMu.Unlock()
	e.metrics.events.Inc()
	if len(fns) == 0 {
		return
	}
	go func() {
		for _, fn := range fns {
			safeCall(name, fn)
		}
	}()
}

func safeCall(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("callback panicked", zap.String("callback", what), zap.Any("panic", r))
		}
	}()
	fn()
}

// WriteToConsole writes a line to the host's extension console, prefixed
// with the extension title.
func (e *Extension) WriteToConsole(text string) error {
	return e.WriteToConsoleColor("black", text, true)
}

// WriteToConsoleColor writes a line to the host's extension console in the
// given color, optionally prefixed with the extension title.
func (e *Extension) WriteToConsoleColor(color, text string, mentionTitle bool) error {
	prefix := ""
	if mentionTitle {
		prefix = e.info.Title + " --> "
	}
	return e.sendRaw(packet.New(outConsoleLog, fmt.Sprintf("[%s]%s%s", color, prefix, text)))
}

// SendToClient sends a packet toward the game client. Reports whether the
// packet was handed to the host.
func (e *Extension) SendToClient(p *packet.Packet) bool {
	return e.send(packet.ToClient, p)
}

// SendToServer sends a packet toward the game server.
func (e *Extension) SendToServer(p *packet.Packet) bool {
	return e.send(packet.ToServer, p)
}

// SendStringToClient parses a human packet representation via the host, then
// sends it toward the game client.
func (e *Extension) SendStringToClient(s string) bool {
	p, err := e.StringToPacket(s)
	if err != nil {
		e.lostPacket()
		return false
	}
	return e.send(packet.ToClient, p)
}

// SendStringToServer parses a human packet representation via the host, then
// sends it toward the game server.
func (e *Extension) SendStringToServer(s string) bool {
	p, err := e.StringToPacket(s)
	if err != nil {
		e.lostPacket()
		return false
	}
	return e.send(packet.ToServer, p)
}

type savedHeader struct {
	id       int16
	edited   bool
	deferred string
}

func (e *Extension) send(dir packet.Direction, p *packet.Packet) bool {
	if e.IsClosed() {
		e.lostPacket()
		return false
	}

	// Resolve a symbolic header against the current info table, remembering
	// the caller's view of the packet so it can be put back afterwards.
	var saved *savedHeader
	if p.Incomplete() {
		saved = &savedHeader{id: p.HeaderID(), edited: p.Edited, deferred: p.DeferredID()}
		if !p.FillID(dir, e.infos) {
			e.lostPacket()
			return false
		}
	}
	defer func() {
		if saved != nil {
			p.ReplaceShort(4, saved.id)
			p.Edited = saved.edited
			p.SetDeferredID(saved.deferred)
		}
	}()

	if _, ok := e.ConnectionInfo(); !ok {
		e.lostPacket()
		return false
	}
	if p.IsCorrupted() {
		logger.Warn("refusing to send corrupted packet", zap.Stringer("packet", p))
		e.lostPacket()
		return false
	}

	raw := p.Bytes()
	wrapper := packet.New(outSendMessage, dir == packet.ToServer, int32(len(raw)), raw)
	if err := e.sendRaw(wrapper); err != nil {
		e.lostPacket()
		return false
	}
	e.metrics.sent.Inc()
	return true
}

func (e *Extension) lostPacket() {
	e.lost.Add(1)
	e.metrics.lost.Inc()
}
