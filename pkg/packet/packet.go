// Package packet implements the length-prefixed binary packet format spoken
// on the G-Earth extension wire: a 4-byte big-endian length, a 2-byte header
// id and a typed payload, plus the lossless ISO-8859-1 text form used when
// packets are carried inside host envelope strings.
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrOutOfRange is returned when a read or replace would touch bytes outside
// the packet buffer.
var ErrOutOfRange = errors.New("packet: index out of range")

// sentinel header id of a packet whose identifier is still symbolic
const incompleteHeader = 0xFFFF

// Packet is a mutable binary packet. The first four bytes hold the payload
// length (len(buf)-4), bytes 4..6 hold the signed 16-bit header id, and the
// payload follows. The zero value is not usable; use one of the constructors.
type Packet struct {
	buf       []byte
	readIndex int

	// Edited is true once any append or replace has been applied. It is the
	// bit the host uses to decide whether an intercepted packet was changed.
	Edited bool

	// deferred holds the symbolic name or hash of an incomplete packet.
	deferred string
}

// New builds a packet with the given numeric header id and appends each value
// by type: string, int/int32/int16/int64, bool or []byte. Values of any other
// type are skipped. The new packet is not marked edited.
func New(id int16, values ...any) *Packet {
	p := &Packet{
		buf:       []byte{0x00, 0x00, 0x00, 0x02, 0xFF, 0xFF},
		readIndex: 6,
	}
	p.putShort(4, id)
	p.appendValues(values)
	p.Edited = false
	return p
}

// NewNamed builds an incomplete packet whose header id is the symbolic name
// or hash. The 2-byte header stays at the 0xFFFF sentinel until FillID
// resolves it against a packet-info table.
func NewNamed(name string, values ...any) *Packet {
	p := &Packet{
		buf:       []byte{0x00, 0x00, 0x00, 0x02, 0xFF, 0xFF},
		readIndex: 6,
		deferred:  name,
	}
	p.appendValues(values)
	p.Edited = false
	return p
}

// FromBytes wraps raw bytes as a packet. The slice must include the 4-byte
// length prefix and the 2-byte header id; it is copied.
func FromBytes(raw []byte) *Packet {
	buf := make([]byte, len(raw))
	copy(buf, raw)
	return &Packet{buf: buf, readIndex: 6}
}

// FromHostText decodes the host text form: one '0'/'1' character for the
// edited flag followed by the raw buffer under the ISO-8859-1 mapping.
func FromHostText(s string) *Packet {
	if s == "" {
		return &Packet{readIndex: 6}
	}
	return &Packet{
		buf:       Latin1Bytes(s[1:]),
		readIndex: 6,
		Edited:    s[0] == '1',
	}
}

func (p *Packet) appendValues(values []any) {
	for _, v := range values {
		switch t := v.(type) {
		case string:
			p.AppendString(t)
		case int:
			p.AppendInt(int32(t))
		case int32:
			p.AppendInt(t)
		case int16:
			p.AppendShort(t)
		case int64:
			p.AppendLong(t)
		case bool:
			p.AppendBool(t)
		case []byte:
			p.AppendBytes(t)
		}
	}
}

// Bytes returns the underlying buffer, length prefix included.
func (p *Packet) Bytes() []byte {
	return p.buf
}

// Copy returns a deep copy sharing no state with p.
func (p *Packet) Copy() *Packet {
	buf := make([]byte, len(p.buf))
	copy(buf, p.buf)
	return &Packet{
		buf:       buf,
		readIndex: p.readIndex,
		Edited:    p.Edited,
		deferred:  p.deferred,
	}
}

// HeaderID returns the signed 16-bit header id, or 0 for a truncated buffer.
func (p *Packet) HeaderID() int16 {
	if len(p.buf) < 6 {
		return 0
	}
	return int16(binary.BigEndian.Uint16(p.buf[4:6]))
}

// Length returns the value of the 4-byte length prefix.
func (p *Packet) Length() int32 {
	if len(p.buf) < 4 {
		return 0
	}
	return int32(binary.BigEndian.Uint32(p.buf[0:4]))
}

// IsCorrupted reports whether the buffer is truncated or its length prefix
// disagrees with the buffer size.
func (p *Packet) IsCorrupted() bool {
	return len(p.buf) < 6 || p.Length() != int32(len(p.buf)-4)
}

// Reset moves the read cursor back to the start of the payload.
func (p *Packet) Reset() {
	p.readIndex = 6
}

// FixLength rewrites the length prefix after a payload-size mutation.
func (p *Packet) FixLength() {
	binary.BigEndian.PutUint32(p.buf[0:4], uint32(len(p.buf)-4))
}

// Incomplete reports whether the header id is still a symbolic identifier.
func (p *Packet) Incomplete() bool {
	return p.deferred != ""
}

// DeferredID returns the symbolic identifier of an incomplete packet, or "".
func (p *Packet) DeferredID() string {
	return p.deferred
}

// FillID resolves a symbolic identifier against the packet-info table for the
// given direction, writing the numeric id into the header. Resolution does
// not count as an edit. Returns true if the packet has a numeric header
// afterwards.
func (p *Packet) FillID(dir Direction, infos *InfoTable) bool {
	if p.deferred == "" {
		return true
	}
	if infos == nil {
		return false
	}
	info, ok := infos.Resolve(dir, p.deferred)
	if !ok {
		return false
	}
	edited := p.Edited
	p.putShort(4, info.ID)
	p.Edited = edited
	p.deferred = ""
	return true
}

// SetDeferredID restores a symbolic identifier, marking the packet incomplete
// again. Used to undo a FillID on a caller-owned packet.
func (p *Packet) SetDeferredID(name string) {
	p.deferred = name
}

// HostText encodes the packet for host envelope strings: the edited bit as
// '0'/'1' followed by the buffer under ISO-8859-1. Lossless.
func (p *Packet) HostText() string {
	bit := "0"
	if p.Edited {
		bit = "1"
	}
	return bit + Latin1String(p.buf)
}

// String formats the packet for log lines.
func (p *Packet) String() string {
	if p.Incomplete() {
		return fmt.Sprintf("(id:%s, length:%d) -> %x", p.deferred, p.Length(), p.buf)
	}
	return fmt.Sprintf("(id:%d, length:%d) -> %x", p.HeaderID(), p.Length(), p.buf)
}

func (p *Packet) check(i, n int) error {
	if i < 0 || i+n > len(p.buf) {
		return fmt.Errorf("%w: %d bytes at %d, buffer is %d", ErrOutOfRange, n, i, len(p.buf))
	}
	return nil
}

// putShort writes a header value without touching the Edited flag.
func (p *Packet) putShort(i int, v int16) {
	binary.BigEndian.PutUint16(p.buf[i:i+2], uint16(v))
}

// ReadInt reads a signed 32-bit big-endian integer at the cursor.
func (p *Packet) ReadInt() (int32, error) {
	v, err := p.ReadIntAt(p.readIndex)
	if err == nil {
		p.readIndex += 4
	}
	return v, err
}

// ReadIntAt reads a signed 32-bit integer at index without moving the cursor.
func (p *Packet) ReadIntAt(i int) (int32, error) {
	if err := p.check(i, 4); err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(p.buf[i : i+4])), nil
}

// ReadShort reads a signed 16-bit big-endian integer at the cursor.
func (p *Packet) ReadShort() (int16, error) {
	v, err := p.ReadShortAt(p.readIndex)
	if err == nil {
		p.readIndex += 2
	}
	return v, err
}

// ReadShortAt reads a signed 16-bit integer at index without moving the cursor.
func (p *Packet) ReadShortAt(i int) (int16, error) {
	if err := p.check(i, 2); err != nil {
		return 0, err
	}
	return int16(binary.BigEndian.Uint16(p.buf[i : i+2])), nil
}

// ReadLong reads a signed 64-bit big-endian integer at the cursor.
func (p *Packet) ReadLong() (int64, error) {
	v, err := p.ReadLongAt(p.readIndex)
	if err == nil {
		p.readIndex += 8
	}
	return v, err
}

// ReadLongAt reads a signed 64-bit integer at index without moving the cursor.
func (p *Packet) ReadLongAt(i int) (int64, error) {
	if err := p.check(i, 8); err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(p.buf[i : i+8])), nil
}

// ReadByte reads a single byte at the cursor.
func (p *Packet) ReadByte() (byte, error) {
	v, err := p.ReadByteAt(p.readIndex)
	if err == nil {
		p.readIndex++
	}
	return v, err
}

// ReadByteAt reads a single byte at index without moving the cursor.
func (p *Packet) ReadByteAt(i int) (byte, error) {
	if err := p.check(i, 1); err != nil {
		return 0, err
	}
	return p.buf[i], nil
}

// ReadBool reads one byte at the cursor; any nonzero value is true.
func (p *Packet) ReadBool() (bool, error) {
	b, err := p.ReadByte()
	return b != 0, err
}

// ReadBoolAt reads a bool at index without moving the cursor.
func (p *Packet) ReadBoolAt(i int) (bool, error) {
	b, err := p.ReadByteAt(i)
	return b != 0, err
}

// ReadBytes reads n raw bytes at the cursor. The returned slice is a copy.
func (p *Packet) ReadBytes(n int) ([]byte, error) {
	if err := p.check(p.readIndex, n); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, p.buf[p.readIndex:p.readIndex+n])
	p.readIndex += n
	return out, nil
}

// ReadString reads a 2-byte-length-prefixed UTF-8 string at the cursor.
func (p *Packet) ReadString() (string, error) {
	raw, adv, err := p.stringBody(p.readIndex, 2)
	if err != nil {
		return "", err
	}
	p.readIndex += adv
	return string(raw), nil
}

// ReadStringAt reads a 2-byte-length-prefixed UTF-8 string at index without
// moving the cursor.
func (p *Packet) ReadStringAt(i int) (string, error) {
	raw, _, err := p.stringBody(i, 2)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// ReadBlob reads a 4-byte-length-prefixed byte string at the cursor.
func (p *Packet) ReadBlob() ([]byte, error) {
	raw, adv, err := p.stringBody(p.readIndex, 4)
	if err != nil {
		return nil, err
	}
	p.readIndex += adv
	out := make([]byte, len(raw))
	copy(out, raw)
	return out, nil
}

// ReadHostString reads a 4-byte-head ISO-8859-1 string at the cursor. This is
// the form the host uses for envelope strings.
func (p *Packet) ReadHostString() (string, error) {
	raw, err := p.ReadBlob()
	if err != nil {
		return "", err
	}
	return Latin1String(raw), nil
}

func (p *Packet) stringBody(i, head int) ([]byte, int, error) {
	if err := p.check(i, head); err != nil {
		return nil, 0, err
	}
	var n int
	if head == 2 {
		n = int(binary.BigEndian.Uint16(p.buf[i : i+2]))
	} else {
		n = int(binary.BigEndian.Uint32(p.buf[i : i+4]))
	}
	if err := p.check(i+head, n); err != nil {
		return nil, 0, err
	}
	return p.buf[i+head : i+head+n], head + n, nil
}

// Read batch-reads values per the structure string: 'i' int32, 's' string,
// 'b' byte, 'B' bool, 'u' int16, 'l' int64. Reads share the cursor.
func (p *Packet) Read(structure string) ([]any, error) {
	out := make([]any, 0, len(structure))
	for _, c := range structure {
		var (
			v   any
			err error
		)
		switch c {
		case 'i':
			v, err = p.ReadInt()
		case 's':
			v, err = p.ReadString()
		case 'b':
			v, err = p.ReadByte()
		case 'B':
			v, err = p.ReadBool()
		case 'u':
			v, err = p.ReadShort()
		case 'l':
			v, err = p.ReadLong()
		default:
			return nil, fmt.Errorf("packet: unknown structure character %q", c)
		}
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// ReplaceInt overwrites the 4 bytes at index with a signed 32-bit integer.
func (p *Packet) ReplaceInt(i int, v int32) error {
	if err := p.check(i, 4); err != nil {
		return err
	}
	binary.BigEndian.PutUint32(p.buf[i:i+4], uint32(v))
	p.Edited = true
	return nil
}

// ReplaceShort overwrites the 2 bytes at index with a signed 16-bit integer.
func (p *Packet) ReplaceShort(i int, v int16) error {
	if err := p.check(i, 2); err != nil {
		return err
	}
	p.putShort(i, v)
	p.Edited = true
	return nil
}

// ReplaceLong overwrites the 8 bytes at index with a signed 64-bit integer.
func (p *Packet) ReplaceLong(i int, v int64) error {
	if err := p.check(i, 8); err != nil {
		return err
	}
	binary.BigEndian.PutUint64(p.buf[i:i+8], uint64(v))
	p.Edited = true
	return nil
}

// ReplaceBool overwrites the byte at index with 01/00.
func (p *Packet) ReplaceBool(i int, v bool) error {
	if err := p.check(i, 1); err != nil {
		return err
	}
	if v {
		p.buf[i] = 1
	} else {
		p.buf[i] = 0
	}
	p.Edited = true
	return nil
}

// ReplaceString splices a new 2-byte-head UTF-8 string over the one at index,
// rebuilding the buffer and fixing the length prefix.
func (p *Packet) ReplaceString(i int, v string) error {
	oldLen, err := p.ReadShortAt(i)
	if err != nil {
		return err
	}
	if err := p.check(i+2, int(uint16(oldLen))); err != nil {
		return err
	}
	body := []byte(v)
	out := make([]byte, 0, len(p.buf)-int(uint16(oldLen))+len(body))
	out = append(out, p.buf[:i]...)
	out = binary.BigEndian.AppendUint16(out, uint16(len(body)))
	out = append(out, body...)
	out = append(out, p.buf[i+2+int(uint16(oldLen)):]...)
	p.buf = out
	p.FixLength()
	p.Edited = true
	return nil
}

// AppendInt appends a signed 32-bit big-endian integer.
func (p *Packet) AppendInt(v int32) *Packet {
	p.buf = binary.BigEndian.AppendUint32(p.buf, uint32(v))
	return p.appended()
}

// AppendShort appends a signed 16-bit big-endian integer.
func (p *Packet) AppendShort(v int16) *Packet {
	p.buf = binary.BigEndian.AppendUint16(p.buf, uint16(v))
	return p.appended()
}

// AppendLong appends a signed 64-bit big-endian integer.
func (p *Packet) AppendLong(v int64) *Packet {
	p.buf = binary.BigEndian.AppendUint64(p.buf, uint64(v))
	return p.appended()
}

// AppendByte appends a single byte.
func (p *Packet) AppendByte(v byte) *Packet {
	p.buf = append(p.buf, v)
	return p.appended()
}

// AppendBool appends 01 for true, 00 for false.
func (p *Packet) AppendBool(v bool) *Packet {
	if v {
		return p.AppendByte(1)
	}
	return p.AppendByte(0)
}

// AppendBytes appends raw bytes verbatim.
func (p *Packet) AppendBytes(v []byte) *Packet {
	p.buf = append(p.buf, v...)
	return p.appended()
}

// AppendString appends a 2-byte-length-prefixed UTF-8 string.
func (p *Packet) AppendString(v string) *Packet {
	body := []byte(v)
	p.buf = binary.BigEndian.AppendUint16(p.buf, uint16(len(body)))
	p.buf = append(p.buf, body...)
	return p.appended()
}

// AppendBlob appends a 4-byte-length-prefixed byte string.
func (p *Packet) AppendBlob(v []byte) *Packet {
	p.buf = binary.BigEndian.AppendUint32(p.buf, uint32(len(v)))
	p.buf = append(p.buf, v...)
	return p.appended()
}

// AppendHostString appends a 4-byte-head ISO-8859-1 string.
func (p *Packet) AppendHostString(v string) *Packet {
	return p.AppendBlob(Latin1Bytes(v))
}

func (p *Packet) appended() *Packet {
	p.FixLength()
	p.Edited = true
	return p
}

// Latin1String maps raw bytes to a string one rune per byte. The mapping is
// lossless in both directions for byte values 0..255.
func Latin1String(b []byte) string {
	runes := make([]rune, len(b))
	for i, c := range b {
		runes[i] = rune(c)
	}
	return string(runes)
}

// Latin1Bytes is the inverse of Latin1String. Runes above 255 are truncated
// to their low byte; they never occur in host-produced text.
func Latin1Bytes(s string) []byte {
	out := make([]byte, 0, len(s))
	for _, r := range s {
		out = append(out, byte(r))
	}
	return out
}
