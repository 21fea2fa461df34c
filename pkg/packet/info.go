package packet

import "sync"

// Info describes one packet type as announced by the host at connection
// start. Name, Hash and Structure are empty when the host sent "NULL" for
// them; Source is kept as sent.
type Info struct {
	ID        int16
	Name      string
	Hash      string
	Structure string
	Source    string
}

// InfoTable holds the per-direction packet-info records, addressable by id,
// name or hash. Several records may share a key. The table is rebuilt on
// every connection start and cleared at connection end; lookups may race
// with that, so access is guarded.
type InfoTable struct {
	mu     sync.RWMutex
	byID   [2]map[int16][]*Info
	byName [2]map[string][]*Info
	byHash [2]map[string][]*Info
}

// NewInfoTable returns an empty table.
func NewInfoTable() *InfoTable {
	t := &InfoTable{}
	t.reset()
	return t
}

func (t *InfoTable) reset() {
	for i := 0; i < 2; i++ {
		t.byID[i] = make(map[int16][]*Info)
		t.byName[i] = make(map[string][]*Info)
		t.byHash[i] = make(map[string][]*Info)
	}
}

// Add inserts a record under every key it exposes.
func (t *InfoTable) Add(dir Direction, info *Info) {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := dir.Index()
	t.byID[i][info.ID] = append(t.byID[i][info.ID], info)
	if info.Name != "" {
		t.byName[i][info.Name] = append(t.byName[i][info.Name], info)
	}
	if info.Hash != "" {
		t.byHash[i][info.Hash] = append(t.byHash[i][info.Hash], info)
	}
}

// ByID returns all records registered under the header id.
func (t *InfoTable) ByID(dir Direction, id int16) []*Info {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.byID[dir.Index()][id]
}

// Resolve looks a symbolic identifier up as a name first, then as a hash,
// returning the first matching record.
func (t *InfoTable) Resolve(dir Direction, symbol string) (*Info, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	i := dir.Index()
	if infos := t.byName[i][symbol]; len(infos) > 0 {
		return infos[0], true
	}
	if infos := t.byHash[i][symbol]; len(infos) > 0 {
		return infos[0], true
	}
	return nil, false
}

// Clear drops every record.
func (t *InfoTable) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reset()
}

// Len returns the number of distinct ids registered for the direction.
func (t *InfoTable) Len(dir Direction) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byID[dir.Index()])
}
