// Package memstore is an in-process SyncStore for development and tests.
// A single mutex plays the role of the backing store's transaction manager.
package memstore

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"github.com/zlnvch/docsync/models"
	"github.com/zlnvch/docsync/store"
)

type document struct {
	lastSeq   int64
	deltas    []models.Delta
	snapshots []models.Snapshot
	docKeys   map[string]models.DocKey
}

type user struct {
	key     models.UserKey
	devices map[string]models.Device
	wmks    map[string]models.WrappedMasterKey
}

type MemStore struct {
	mu    sync.Mutex
	docs  map[string]*document
	users map[string]*user
}

func New() *MemStore {
	return &MemStore{
		docs:  make(map[string]*document),
		users: make(map[string]*user),
	}
}

func (s *MemStore) doc(documentId string) *document {
	d, ok := s.docs[documentId]
	if !ok {
		d = &document{docKeys: make(map[string]models.DocKey)}
		s.docs[documentId] = d
	}
	return d
}

func (s *MemStore) AppendDelta(ctx context.Context, delta models.Delta) (models.Delta, error) {
	if err := ctx.Err(); err != nil {
		return models.Delta{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.doc(delta.DocumentId)
	d.lastSeq++
	delta.Seq = d.lastSeq
	delta.Payload = bytes.Clone(delta.Payload)
	d.deltas = append(d.deltas, delta)
	return delta, nil
}

func (s *MemStore) GetDeltas(ctx context.Context, documentId string, afterSeq int64, limit int) ([]models.Delta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.docs[documentId]
	if !ok {
		return []models.Delta{}, nil
	}
	i := sort.Search(len(d.deltas), func(i int) bool { return d.deltas[i].Seq > afterSeq })
	out := make([]models.Delta, 0, len(d.deltas)-i)
	for _, delta := range d.deltas[i:] {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, delta)
	}
	return out, nil
}

func (s *MemStore) GetLatestSeq(ctx context.Context, documentId string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.docs[documentId]; ok {
		return d.lastSeq, nil
	}
	return 0, nil
}

func (s *MemStore) PutSnapshot(ctx context.Context, snapshot models.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.doc(snapshot.DocumentId)
	if n := len(d.snapshots); n > 0 && snapshot.Seq <= d.snapshots[n-1].Seq {
		return store.ErrConditionFailed
	}
	if snapshot.Seq > d.lastSeq {
		return store.ErrConditionFailed
	}
	d.snapshots = append(d.snapshots, snapshot)
	return nil
}

func (s *MemStore) GetLatestSnapshot(ctx context.Context, documentId string) (models.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[documentId]
	if !ok || len(d.snapshots) == 0 {
		return models.Snapshot{}, store.ErrItemNotFound
	}
	return d.snapshots[len(d.snapshots)-1], nil
}

func (s *MemStore) PruneDeltas(ctx context.Context, documentId string, uptoSeq int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.docs[documentId]
	if !ok || len(d.snapshots) == 0 {
		return 0, nil
	}
	// never prune past the latest committed snapshot
	uptoSeq = min(uptoSeq, d.snapshots[len(d.snapshots)-1].Seq)
	i := sort.Search(len(d.deltas), func(i int) bool { return d.deltas[i].Seq > uptoSeq })
	d.deltas = append([]models.Delta(nil), d.deltas[i:]...)
	if n := len(d.snapshots); n > 1 {
		d.snapshots = d.snapshots[n-1:]
	}
	return i, nil
}

func (s *MemStore) BootstrapUser(ctx context.Context, userKey models.UserKey, device models.Device, wmk models.WrappedMasterKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[userKey.UserId]; ok {
		return store.ErrConditionFailed
	}
	s.users[userKey.UserId] = &user{
		key:     userKey,
		devices: map[string]models.Device{device.DeviceId: device},
		wmks:    map[string]models.WrappedMasterKey{wmk.DeviceId: wmk},
	}
	return nil
}

func (s *MemStore) GetUserKey(ctx context.Context, userId string) (models.UserKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userId]
	if !ok {
		return models.UserKey{}, store.ErrItemNotFound
	}
	return u.key, nil
}

func (s *MemStore) CreateDevice(ctx context.Context, device models.Device) (models.Device, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[device.UserId]
	if !ok {
		return models.Device{}, false, store.ErrItemNotFound
	}
	if existing, ok := u.devices[device.DeviceId]; ok {
		return existing, false, nil
	}
	u.devices[device.DeviceId] = device
	return device, true, nil
}

func (s *MemStore) GetDevice(ctx context.Context, userId string, deviceId string) (models.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userId]
	if !ok {
		return models.Device{}, store.ErrItemNotFound
	}
	d, ok := u.devices[deviceId]
	if !ok {
		return models.Device{}, store.ErrItemNotFound
	}
	return d, nil
}

func (s *MemStore) ListDevices(ctx context.Context, userId string) ([]models.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userId]
	if !ok {
		return []models.Device{}, nil
	}
	out := make([]models.Device, 0, len(u.devices))
	for _, d := range u.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceId < out[j].DeviceId })
	return out, nil
}

func (s *MemStore) ApproveDevice(ctx context.Context, approverDeviceId string, device models.Device, wmk models.WrappedMasterKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[device.UserId]
	if !ok {
		return store.ErrConditionFailed
	}
	approver, ok := u.devices[approverDeviceId]
	if !ok || !approver.Approved {
		return store.ErrConditionFailed
	}
	if existing, ok := u.devices[device.DeviceId]; ok {
		if !bytes.Equal(existing.PublicKey, device.PublicKey) {
			return store.ErrConditionFailed
		}
		device.Created = existing.Created
	}
	device.Approved = true
	device.Revoked = 0
	u.devices[device.DeviceId] = device
	u.wmks[device.DeviceId] = wmk
	return nil
}

func (s *MemStore) RevokeDevice(ctx context.Context, userId string, deviceId string, revokedAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userId]
	if !ok {
		return store.ErrItemNotFound
	}
	d, ok := u.devices[deviceId]
	if !ok {
		return store.ErrItemNotFound
	}
	d.Approved = false
	d.Revoked = revokedAt
	u.devices[deviceId] = d
	delete(u.wmks, deviceId)
	return nil
}

func (s *MemStore) TouchDevice(ctx context.Context, userId string, deviceId string, lastSeen int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userId]
	if !ok {
		return store.ErrItemNotFound
	}
	d, ok := u.devices[deviceId]
	if !ok {
		return store.ErrItemNotFound
	}
	d.LastSeen = lastSeen
	u.devices[deviceId] = d
	return nil
}

func (s *MemStore) GetWrappedMasterKey(ctx context.Context, userId string, deviceId string) (models.WrappedMasterKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userId]
	if !ok {
		return models.WrappedMasterKey{}, store.ErrItemNotFound
	}
	w, ok := u.wmks[deviceId]
	if !ok {
		return models.WrappedMasterKey{}, store.ErrItemNotFound
	}
	return w, nil
}

func (s *MemStore) ListWrappedMasterKeys(ctx context.Context, userId string) ([]models.WrappedMasterKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userId]
	if !ok {
		return []models.WrappedMasterKey{}, nil
	}
	out := make([]models.WrappedMasterKey, 0, len(u.wmks))
	for _, w := range u.wmks {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceId < out[j].DeviceId })
	return out, nil
}

func (s *MemStore) PutDocKey(ctx context.Context, key models.DocKey) (models.DocKey, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.doc(key.DocumentId)
	if existing, ok := d.docKeys[key.UserId]; ok {
		return existing, false, nil
	}
	key.Wrapped = bytes.Clone(key.Wrapped)
	d.docKeys[key.UserId] = key
	return key, true, nil
}

func (s *MemStore) GetDocKey(ctx context.Context, documentId string, userId string) (models.DocKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[documentId]
	if !ok {
		return models.DocKey{}, store.ErrItemNotFound
	}
	k, ok := d.docKeys[userId]
	if !ok {
		return models.DocKey{}, store.ErrItemNotFound
	}
	return k, nil
}

func (s *MemStore) CountDocKeys(ctx context.Context, documentId string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.docs[documentId]; ok {
		return len(d.docKeys), nil
	}
	return 0, nil
}

func (s *MemStore) DeleteDocKey(ctx context.Context, documentId string, userId string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[documentId]
	if !ok {
		return store.ErrItemNotFound
	}
	if _, ok := d.docKeys[userId]; !ok {
		return store.ErrItemNotFound
	}
	delete(d.docKeys, userId)
	return nil
}
