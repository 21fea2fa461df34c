package ext

import (
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"strings"

	"github.com/Faultbox/gearth/pkg/packet"
)

// ErrRequestFromInterceptor is returned when a synchronous helper is called
// on the manipulation goroutine. The host services helper requests only
// after the pending manipulated-packet reply, so waiting there would
// deadlock the intercept round-trip.
var ErrRequestFromInterceptor = errors.New("ext: synchronous request from a blocking interceptor")

type stringPair struct {
	text       string
	expression string
}

// awaitResponse serializes one request/response round-trip with the host.
func (e *Extension) awaitResponse(req *packet.Packet) (any, error) {
	if goid() == e.manipGoID.Load() {
		return nil, ErrRequestFromInterceptor
	}
	if e.IsClosed() {
		return nil, ErrClosed
	}

	e.reqMu.Lock()
	defer e.reqMu.Unlock()

	// Drop a stale payload left by a request that was abandoned on close.
	select {
	case <-e.respCh:
	default:
	}

	done := e.doneOrClosed()
	if err := e.sendRaw(req); err != nil {
		return nil, err
	}
	select {
	case v := <-e.respCh:
		return v, nil
	case <-done:
		return nil, ErrClosed
	}
}

// deliverResponse hands a decoded response payload to the waiting requester.
// Unsolicited responses are dropped rather than blocking the reader.
func (e *Extension) deliverResponse(v any) {
	select {
	case e.respCh <- v:
	default:
	}
}

// RequestFlags asks the host for the command line flags it was launched with.
func (e *Extension) RequestFlags() ([]string, error) {
	v, err := e.awaitResponse(packet.New(outRequestFlags))
	if err != nil {
		return nil, err
	}
	flags, ok := v.([]string)
	if !ok {
		return nil, fmt.Errorf("ext: unexpected flags response %T", v)
	}
	return flags, nil
}

// PacketToString renders a packet in the host's readable form.
func (e *Extension) PacketToString(p *packet.Packet) (string, error) {
	pair, err := e.packetToStringPair(p)
	if err != nil {
		return "", err
	}
	return pair.text, nil
}

// PacketToExpression renders a packet as a host expression.
func (e *Extension) PacketToExpression(p *packet.Packet) (string, error) {
	pair, err := e.packetToStringPair(p)
	if err != nil {
		return "", err
	}
	return pair.expression, nil
}

func (e *Extension) packetToStringPair(p *packet.Packet) (stringPair, error) {
	req := packet.New(outPacketToStringRequest).AppendHostString(p.HostText())
	v, err := e.awaitResponse(req)
	if err != nil {
		return stringPair{}, err
	}
	pair, ok := v.(stringPair)
	if !ok {
		return stringPair{}, fmt.Errorf("ext: unexpected packet-to-string response %T", v)
	}
	return pair, nil
}

// StringToPacket asks the host to parse a human packet representation.
func (e *Extension) StringToPacket(s string) (*packet.Packet, error) {
	req := packet.New(outStringToPacketRequest).AppendBlob([]byte(s))
	v, err := e.awaitResponse(req)
	if err != nil {
		return nil, err
	}
	p, ok := v.(*packet.Packet)
	if !ok {
		return nil, fmt.Errorf("ext: unexpected string-to-packet response %T", v)
	}
	return p, nil
}

// goid returns the current goroutine id, parsed from the stack header. Used
// only to detect helper calls made from the manipulation goroutine.
func goid() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	s := strings.TrimPrefix(string(buf[:n]), "goroutine ")
	if i := strings.IndexByte(s, ' '); i > 0 {
		if id, err := strconv.ParseInt(s[:i], 10, 64); err == nil {
			return id
		}
	}
	return -2
}
