// Package memstore is an in-memory implementation of metastore.Store used
// by tests and local development: every query runs over plain Go maps
// under a single RWMutex, with a broadcast channel standing in for the
// live changes stream.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/mosaicfs/mosaicfs/internal/metastore"
)

// Store is the in-memory fake.
type Store struct {
	mu sync.RWMutex

	files             map[uuid.UUID]*metastore.File
	virtualDirs       map[string]*metastore.VirtualDirectory // by virtual_path
	labelAssignments  map[uuid.UUID]*metastore.LabelAssignment
	labelRules        []*metastore.LabelRule
	accessRecords     map[uuid.UUID]*metastore.AccessRecord
	replicas          map[uuid.UUID][]*metastore.Replica
	nodes             map[string]*metastore.Node
	annotations       map[string]map[string]interface{} // key: fileID.String()+"/"+pluginName

	nextSeq   uint64
	watchers  []chan metastore.Change
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		files:            make(map[uuid.UUID]*metastore.File),
		virtualDirs:      make(map[string]*metastore.VirtualDirectory),
		labelAssignments: make(map[uuid.UUID]*metastore.LabelAssignment),
		accessRecords:    make(map[uuid.UUID]*metastore.AccessRecord),
		replicas:         make(map[uuid.UUID][]*metastore.Replica),
		nodes:            make(map[string]*metastore.Node),
		annotations:      make(map[string]map[string]interface{}),
	}
}

// --- seeding helpers (test setup, not part of metastore.Store) ---

func (s *Store) PutFile(f *metastore.File) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[f.ID] = f
	s.publishLocked(metastore.ChangeFile, metastore.ChangeUpdated, f.ID.String(), f)
}

func (s *Store) PutVirtualDirectory(d *metastore.VirtualDirectory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.virtualDirs[d.VirtualPath] = d
	s.publishLocked(metastore.ChangeVirtualDirectory, metastore.ChangeUpdated, d.VirtualPath, d)
}

func (s *Store) PutNode(n *metastore.Node) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[n.ID] = n
	s.publishLocked(metastore.ChangeNode, metastore.ChangeUpdated, n.ID, n)
}

func (s *Store) PutLabelAssignment(a *metastore.LabelAssignment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.labelAssignments[a.FileID] = a
	s.publishLocked(metastore.ChangeLabelAssignment, metastore.ChangeUpdated, a.FileID.String(), a)
}

func (s *Store) PutLabelRule(r *metastore.LabelRule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.labelRules {
		if existing.ID == r.ID {
			s.labelRules[i] = r
			s.publishLocked(metastore.ChangeLabelRule, metastore.ChangeUpdated, r.ID, r)
			return
		}
	}
	s.labelRules = append(s.labelRules, r)
	s.publishLocked(metastore.ChangeLabelRule, metastore.ChangeCreated, r.ID, r)
}

// DeleteFile removes a file record, used by tests exercising file-deletion
// change events.
func (s *Store) DeleteFile(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.files, id)
	s.publishLocked(metastore.ChangeFile, metastore.ChangeDeleted, id.String(), nil)
}

// DeleteLabelAssignment removes a file's direct label assignment, used by
// tests exercising assignment-deletion change events.
func (s *Store) DeleteLabelAssignment(fileID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.labelAssignments, fileID)
	s.publishLocked(metastore.ChangeLabelAssignment, metastore.ChangeDeleted, fileID.String(), nil)
}

// DeleteLabelRule removes a label rule, used by tests exercising
// rule-deletion change events.
func (s *Store) DeleteLabelRule(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.labelRules {
		if existing.ID == id {
			s.labelRules = append(s.labelRules[:i], s.labelRules[i+1:]...)
			break
		}
	}
	s.publishLocked(metastore.ChangeLabelRule, metastore.ChangeDeleted, id, nil)
}

// DeleteAccessRecord removes a file's access record, used by tests
// exercising access-record-deletion change events.
func (s *Store) DeleteAccessRecord(fileID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.accessRecords, fileID)
	s.publishLocked(metastore.ChangeAccessRecord, metastore.ChangeDeleted, fileID.String(), nil)
}

func (s *Store) PutAccessRecord(a *metastore.AccessRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessRecords[a.FileID] = a
	s.publishLocked(metastore.ChangeAccessRecord, metastore.ChangeUpdated, a.FileID.String(), a)
}

func (s *Store) PutReplica(r *metastore.Replica) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replicas[r.FileID] = append(s.replicas[r.FileID], r)
	s.publishLocked(metastore.ChangeReplica, metastore.ChangeUpdated, r.FileID.String(), r)
}

func (s *Store) PutAnnotation(fileID uuid.UUID, pluginName string, doc map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.annotations[fileID.String()+"/"+pluginName] = doc
}

func (s *Store) publishLocked(typ metastore.ChangeType, kind metastore.ChangeKind, id string, doc interface{}) {
	s.nextSeq++
	ch := metastore.Change{Seq: s.nextSeq, Type: typ, Kind: kind, ID: id, Doc: doc}
	for _, w := range s.watchers {
		select {
		case w <- ch:
		default:
		}
	}
}

// --- metastore.Store implementation ---

func (s *Store) GetFile(_ context.Context, id uuid.UUID) (*metastore.File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.files[id]
	if !ok {
		return nil, nil
	}
	return f, nil
}

func (s *Store) BulkGetFiles(_ context.Context, ids []uuid.UUID) ([]*metastore.File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*metastore.File, 0, len(ids))
	for _, id := range ids {
		if f, ok := s.files[id]; ok {
			out = append(out, f)
		}
	}
	return out, nil
}

func (s *Store) GetVirtualDirectory(_ context.Context, virtualPath string) (*metastore.VirtualDirectory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.virtualDirs[virtualPath]
	if !ok {
		return nil, nil
	}
	return d, nil
}

func (s *Store) ChildVirtualDirectories(_ context.Context, virtualPath string) ([]*metastore.VirtualDirectory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*metastore.VirtualDirectory
	for _, d := range s.virtualDirs {
		if d.ParentVirtualPath == virtualPath {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VirtualPath < out[j].VirtualPath })
	return out, nil
}

func (s *Store) ScanFilesBySourcePrefix(_ context.Context, nodeID, exportParentPrefix string) ([]*metastore.File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*metastore.File
	for _, f := range s.files {
		if nodeID != "*" && f.Source.NodeID != nodeID {
			continue
		}
		if !strings.HasPrefix(f.ExportParent, exportParentPrefix) {
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

func (s *Store) ScanFilesByExportPathPrefix(_ context.Context, nodeID, exportPathPrefix string) ([]*metastore.File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*metastore.File
	for _, f := range s.files {
		if nodeID != "*" && f.Source.NodeID != nodeID {
			continue
		}
		if !strings.HasPrefix(f.Source.ExportPath, exportPathPrefix) {
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

func (s *Store) GetNode(_ context.Context, nodeID string) (*metastore.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[nodeID]
	if !ok {
		return nil, nil
	}
	return n, nil
}

func (s *Store) ListReplicas(_ context.Context, fileID uuid.UUID) ([]*metastore.Replica, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*metastore.Replica(nil), s.replicas[fileID]...), nil
}

func (s *Store) GetAccessRecord(_ context.Context, fileID uuid.UUID) (*metastore.AccessRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accessRecords[fileID]
	return a, ok, nil
}

func (s *Store) GetLabelAssignment(_ context.Context, fileID uuid.UUID) (*metastore.LabelAssignment, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.labelAssignments[fileID]
	return a, ok, nil
}

func (s *Store) ListLabelRules(_ context.Context) ([]*metastore.LabelRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*metastore.LabelRule(nil), s.labelRules...), nil
}

func (s *Store) ListLabelAssignments(_ context.Context) ([]*metastore.LabelAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*metastore.LabelAssignment, 0, len(s.labelAssignments))
	for _, a := range s.labelAssignments {
		out = append(out, a)
	}
	return out, nil
}

func (s *Store) ListAccessRecords(_ context.Context) ([]*metastore.AccessRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*metastore.AccessRecord, 0, len(s.accessRecords))
	for _, a := range s.accessRecords {
		out = append(out, a)
	}
	return out, nil
}

func (s *Store) GetAnnotation(_ context.Context, fileID uuid.UUID, pluginName string) (map[string]interface{}, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.annotations[fileID.String()+"/"+pluginName]
	return doc, ok, nil
}

func (s *Store) HasReplicaWithStatus(_ context.Context, fileID uuid.UUID, targetName string, status metastore.ReplicaStatus) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.replicas[fileID] {
		if r.TargetName == targetName && r.Status == status {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) Watch(ctx context.Context, _ uint64) (<-chan metastore.Change, error) {
	ch := make(chan metastore.Change, 64)
	s.mu.Lock()
	s.watchers = append(s.watchers, ch)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, w := range s.watchers {
			if w == ch {
				s.watchers = append(s.watchers[:i], s.watchers[i+1:]...)
				break
			}
		}
		close(ch)
	}()

	return ch, nil
}

var _ metastore.Store = (*Store)(nil)
