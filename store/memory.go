package store

import (
	"sort"
	"sync"
	"time"

	"github.com/aau-network-security/cloakwatch/store/models"
)

type memoryState struct {
	ids           uint
	sources       map[uint]models.Source
	destinations  map[uint]models.Destination
	statuses      map[uint]models.TakedownStatus // by destination id
	detections    map[uint]models.Detection
	statusChanges []models.DetectionStatusChange
}

func (st *memoryState) nextId() uint {
	st.ids++
	return st.ids
}

// serializes transactions working on the same dedup key
type keyLocks struct {
	m     sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sync.Mutex
	refs int
}

func (kl *keyLocks) lock(key string) func() {
	kl.m.Lock()
	l, ok := kl.locks[key]
	if !ok {
		l = &keyLock{}
		kl.locks[key] = l
	}
	l.refs++
	kl.m.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		kl.m.Lock()
		l.refs--
		if l.refs == 0 {
			delete(kl.locks, key)
		}
		kl.m.Unlock()
	}
}

// Memory is a Repository that keeps everything in process memory.
// Used for dry runs and tests.
type Memory struct {
	m     sync.Mutex
	state *memoryState
	keys  *keyLocks
}

func NewMemory() *Memory {
	return &Memory{
		state: &memoryState{
			sources:      make(map[uint]models.Source),
			destinations: make(map[uint]models.Destination),
			statuses:     make(map[uint]models.TakedownStatus),
			detections:   make(map[uint]models.Detection),
		},
		keys: &keyLocks{
			locks: make(map[string]*keyLock),
		},
	}
}

// Transact runs fn without holding the store lock. Writes are buffered and applied
// together once fn returns without error. Dedup keys matched by fn stay locked until then.
func (mem *Memory) Transact(fn func(Tx) error) error {
	tx := newMemTx(mem)
	defer tx.release()

	if err := fn(tx); err != nil {
		return err
	}

	mem.m.Lock()
	defer mem.m.Unlock()
	for _, op := range tx.ops {
		op(mem.state)
	}
	return nil
}

func (mem *Memory) nextId() uint {
	mem.m.Lock()
	defer mem.m.Unlock()

	return mem.state.nextId()
}

func (mem *Memory) Sources() ([]*models.Source, error) {
	mem.m.Lock()
	defer mem.m.Unlock()

	var res []*models.Source
	for _, s := range mem.state.sources {
		s := s
		res = append(res, &s)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

func (mem *Memory) DeleteSource(id uint) error {
	mem.m.Lock()
	defer mem.m.Unlock()

	for did, d := range mem.state.destinations {
		if d.SourceID == id {
			delete(mem.state.statuses, did)
			delete(mem.state.destinations, did)
		}
	}
	delete(mem.state.sources, id)
	return nil
}

func (mem *Memory) LastScamActivity(sourceID uint) (time.Time, error) {
	mem.m.Lock()
	defer mem.m.Unlock()

	var last time.Time
	for _, d := range mem.state.destinations {
		if d.SourceID == sourceID && d.IsScam && d.LastSeen.After(last) {
			last = d.LastSeen
		}
	}
	return last, nil
}

func (mem *Memory) ActiveDestinations() ([]*models.MonitoredDestination, error) {
	mem.m.Lock()
	defer mem.m.Unlock()

	var res []*models.MonitoredDestination
	for did, st := range mem.state.statuses {
		if !st.CheckActive {
			continue
		}
		d, ok := mem.state.destinations[did]
		if !ok {
			continue
		}
		res = append(res, &models.MonitoredDestination{
			Destination: d,
			Status:      st,
		})
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Status.ID < res[j].Status.ID })
	return res, nil
}

func (mem *Memory) FlagDestination(destID uint, svc models.Service, t time.Time) (bool, error) {
	if _, err := flagColumn(svc); err != nil {
		return false, err
	}
	mem.m.Lock()
	defer mem.m.Unlock()

	st, ok := mem.state.statuses[destID]
	if !ok {
		return false, nil
	}
	changed := st.SetFlaggedAt(svc, t)
	mem.state.statuses[destID] = st
	return changed, nil
}

func (mem *Memory) MarkUnresolvable(destID uint, t time.Time) (bool, error) {
	mem.m.Lock()
	defer mem.m.Unlock()

	st, ok := mem.state.statuses[destID]
	if !ok || st.DnsUnresolvableAt != nil {
		return false, nil
	}
	st.DnsUnresolvableAt = &t
	st.CheckActive = false
	mem.state.statuses[destID] = st
	return true, nil
}

func (mem *Memory) TouchChecked(destID uint, t time.Time) error {
	mem.m.Lock()
	defer mem.m.Unlock()

	st, ok := mem.state.statuses[destID]
	if !ok {
		return nil
	}
	st.LastChecked = &t
	mem.state.statuses[destID] = st
	return nil
}

func (mem *Memory) Close() error {
	return nil
}

// Destinations returns a snapshot of all destinations
func (mem *Memory) Destinations() []models.Destination {
	mem.m.Lock()
	defer mem.m.Unlock()

	var res []models.Destination
	for _, d := range mem.state.destinations {
		res = append(res, d)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res
}

// Status returns the takedown status of a destination
func (mem *Memory) Status(destID uint) (models.TakedownStatus, bool) {
	mem.m.Lock()
	defer mem.m.Unlock()

	st, ok := mem.state.statuses[destID]
	return st, ok
}

// Detections returns a snapshot of all detections
func (mem *Memory) Detections() []models.Detection {
	mem.m.Lock()
	defer mem.m.Unlock()

	var res []models.Detection
	for _, d := range mem.state.detections {
		res = append(res, d)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res
}

// StatusChanges returns the verdict history of a detection
func (mem *Memory) StatusChanges(detectionID uint) []models.DetectionStatusChange {
	mem.m.Lock()
	defer mem.m.Unlock()

	var res []models.DetectionStatusChange
	for _, c := range mem.state.statusChanges {
		if c.DetectionID == detectionID {
			res = append(res, c)
		}
	}
	return res
}

type memTx struct {
	mem  *Memory
	held map[string]func()
	ops  []func(*memoryState)

	// rows written by the transaction, visible to itself only
	sources      map[uint]models.Source
	destinations map[uint]models.Destination
	statuses     map[uint]models.TakedownStatus
	detections   map[uint]models.Detection
}

func newMemTx(mem *Memory) *memTx {
	return &memTx{
		mem:          mem,
		held:         make(map[string]func()),
		sources:      make(map[uint]models.Source),
		destinations: make(map[uint]models.Destination),
		statuses:     make(map[uint]models.TakedownStatus),
		detections:   make(map[uint]models.Detection),
	}
}

func (t *memTx) lock(key string) {
	if _, ok := t.held[key]; ok {
		return
	}
	t.held[key] = t.mem.keys.lock(key)
}

func (t *memTx) release() {
	for _, unlock := range t.held {
		unlock()
	}
	t.held = nil
}

func (t *memTx) MatchDestination(sourceID uint, normalized string) (*models.Destination, error) {
	t.lock(lockName("destination", destinationKey(sourceID, normalized)))

	var match *models.Destination
	consider := func(d models.Destination) {
		if d.SourceID == sourceID && d.NormalizedUrl == normalized {
			if match == nil || d.ID < match.ID {
				match = &d
			}
		}
	}
	for _, d := range t.destinations {
		consider(d)
	}

	t.mem.m.Lock()
	defer t.mem.m.Unlock()
	for id, d := range t.mem.state.destinations {
		if _, ok := t.destinations[id]; ok {
			continue
		}
		consider(d)
	}
	return match, nil
}

func (t *memTx) InsertDestination(d *models.Destination) error {
	d.ID = t.mem.nextId()
	row := *d
	t.destinations[d.ID] = row
	t.ops = append(t.ops, func(st *memoryState) {
		st.destinations[row.ID] = row
	})
	return nil
}

func (t *memTx) TouchDestination(d *models.Destination, ts time.Time) error {
	d.LastSeen = ts
	if row, ok := t.destinations[d.ID]; ok {
		row.LastSeen = ts
		t.destinations[d.ID] = row
	}
	id := d.ID
	t.ops = append(t.ops, func(st *memoryState) {
		stored, ok := st.destinations[id]
		if !ok {
			return
		}
		stored.LastSeen = ts
		st.destinations[id] = stored
	})
	return nil
}

func (t *memTx) InsertTakedownStatus(ts *models.TakedownStatus) error {
	if _, ok := t.statuses[ts.DestinationID]; ok {
		return DuplicateStatusErr{DestinationID: ts.DestinationID}
	}
	t.mem.m.Lock()
	_, exists := t.mem.state.statuses[ts.DestinationID]
	t.mem.m.Unlock()
	if exists {
		return DuplicateStatusErr{DestinationID: ts.DestinationID}
	}

	ts.ID = t.mem.nextId()
	row := *ts
	t.statuses[row.DestinationID] = row
	t.ops = append(t.ops, func(st *memoryState) {
		if _, ok := st.statuses[row.DestinationID]; ok {
			return
		}
		st.statuses[row.DestinationID] = row
	})
	return nil
}

func (t *memTx) FindSource(url string) (*models.Source, error) {
	t.lock(lockName("source", url))

	for _, s := range t.sources {
		if s.Url == url {
			return &s, nil
		}
	}

	t.mem.m.Lock()
	defer t.mem.m.Unlock()
	for _, s := range t.mem.state.sources {
		if s.Url == url {
			return &s, nil
		}
	}
	return nil, nil
}

func (t *memTx) InsertSource(src *models.Source) error {
	src.ID = t.mem.nextId()
	row := *src
	t.sources[row.ID] = row
	t.ops = append(t.ops, func(st *memoryState) {
		st.sources[row.ID] = row
	})
	return nil
}

func (t *memTx) MatchDetection(huntType string, normalized string) (*models.Detection, error) {
	t.lock(lockName("detection", detectionKey(huntType, normalized)))

	var match *models.Detection
	consider := func(d models.Detection) {
		if d.HuntType == huntType && d.NormalizedUrl == normalized {
			if match == nil || d.ID < match.ID {
				match = &d
			}
		}
	}
	for _, d := range t.detections {
		consider(d)
	}

	t.mem.m.Lock()
	defer t.mem.m.Unlock()
	for id, d := range t.mem.state.detections {
		if _, ok := t.detections[id]; ok {
			continue
		}
		consider(d)
	}
	return match, nil
}

func (t *memTx) InsertDetection(d *models.Detection) error {
	d.ID = t.mem.nextId()
	row := *d
	t.detections[row.ID] = row
	t.ops = append(t.ops, func(st *memoryState) {
		st.detections[row.ID] = row
	})
	return nil
}

func (t *memTx) UpdateDetection(d *models.Detection) error {
	row := *d
	t.detections[row.ID] = row
	t.ops = append(t.ops, func(st *memoryState) {
		if _, ok := st.detections[row.ID]; !ok {
			return
		}
		st.detections[row.ID] = row
	})
	return nil
}

func (t *memTx) InsertStatusChange(c *models.DetectionStatusChange) error {
	c.ID = t.mem.nextId()
	row := *c
	t.ops = append(t.ops, func(st *memoryState) {
		st.statusChanges = append(st.statusChanges, row)
	})
	return nil
}
