package packet

import (
	"fmt"
	"strconv"
	"strings"
)

// Message wraps an intercepted packet with its direction, the host's queue
// index and the blocked flag. Setting Blocked inside an interceptor stops the
// packet from reaching the game.
type Message struct {
	Packet    *Packet
	Direction Direction
	Index     int
	Blocked   bool
}

// HostText encodes the envelope for the host wire:
// "<blocked>\t<index>\t<TOCLIENT|TOSERVER>\t<packet-text>".
func (m *Message) HostText() string {
	blocked := "0"
	if m.Blocked {
		blocked = "1"
	}
	return fmt.Sprintf("%s\t%d\t%s\t%s", blocked, m.Index, m.Direction, m.Packet.HostText())
}

// CopyShallow duplicates the envelope but shares the packet buffer.
func (m *Message) CopyShallow() *Message {
	c := *m
	return &c
}

// CopyDeep duplicates the envelope and the packet buffer.
func (m *Message) CopyDeep() *Message {
	c := *m
	c.Packet = m.Packet.Copy()
	return &c
}

// ParseMessage decodes the host-text envelope. The packet text is the fourth
// tab-separated field and may itself contain tabs.
func ParseMessage(s string) (*Message, error) {
	parts := strings.SplitN(s, "\t", 4)
	if len(parts) != 4 {
		return nil, fmt.Errorf("packet: malformed message envelope %q", s)
	}
	index, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, fmt.Errorf("packet: bad message index %q: %w", parts[1], err)
	}
	return &Message{
		Packet:    FromHostText(parts[3]),
		Direction: ParseDirection(parts[2]),
		Index:     index,
		Blocked:   parts[0] == "1",
	}, nil
}
