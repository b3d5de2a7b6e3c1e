package metastore

import (
	"context"

	"github.com/google/uuid"
)

// Store is the narrow read surface the engine needs from the replicated
// document store (§6.1). The store itself, and its replication, are out of
// scope for this engine — only this consumption contract matters.
type Store interface {
	// GetFile fetches a single file record by identity.
	GetFile(ctx context.Context, id uuid.UUID) (*File, error)

	// BulkGetFiles fetches many file records by identity in one round trip.
	BulkGetFiles(ctx context.Context, ids []uuid.UUID) ([]*File, error)

	// GetVirtualDirectory fetches a virtual directory by its deterministic
	// path-derived identity.
	GetVirtualDirectory(ctx context.Context, virtualPath string) (*VirtualDirectory, error)

	// ChildVirtualDirectories returns directories whose parent is
	// virtualPath.
	ChildVirtualDirectories(ctx context.Context, virtualPath string) ([]*VirtualDirectory, error)

	// ScanFilesBySourcePrefix prefix-scans the (node_id, export_parent)
	// secondary index: node may be the wildcard "*".
	ScanFilesBySourcePrefix(ctx context.Context, nodeID, exportParentPrefix string) ([]*File, error)

	// ScanFilesByExportPathPrefix prefix-scans export_path directly, used
	// for the "flatten" mapping strategy.
	ScanFilesByExportPathPrefix(ctx context.Context, nodeID, exportPathPrefix string) ([]*File, error)

	// GetNode fetches a node record.
	GetNode(ctx context.Context, nodeID string) (*Node, error)

	// ListReplicas lists replica records for a file.
	ListReplicas(ctx context.Context, fileID uuid.UUID) ([]*Replica, error)

	// GetAccessRecord fetches the last-access record for a file, if any.
	GetAccessRecord(ctx context.Context, fileID uuid.UUID) (*AccessRecord, bool, error)

	// GetLabelAssignment fetches the direct label assignment for a file, if any.
	GetLabelAssignment(ctx context.Context, fileID uuid.UUID) (*LabelAssignment, bool, error)

	// ListLabelRules lists all label rules (enabled and disabled).
	ListLabelRules(ctx context.Context) ([]*LabelRule, error)

	// ListLabelAssignments lists every direct label assignment, used to
	// build the derived label cache's initial state at startup.
	ListLabelAssignments(ctx context.Context) ([]*LabelAssignment, error)

	// ListAccessRecords lists every access record, used to build the
	// derived access cache's initial state at startup.
	ListAccessRecords(ctx context.Context) ([]*AccessRecord, error)

	// GetAnnotation returns the plugin-written annotation record for
	// (fileID, pluginName) and whether it exists, used by the `annotation`
	// operator. Any dotted key lookup and value comparison is applied by
	// the caller to the returned document.
	GetAnnotation(ctx context.Context, fileID uuid.UUID, pluginName string) (map[string]interface{}, bool, error)

	// HasReplicaWithStatus reports whether (fileID, targetName) has a
	// replica record with the given status, used by the `replicated`
	// operator.
	HasReplicaWithStatus(ctx context.Context, fileID uuid.UUID, targetName string, status ReplicaStatus) (bool, error)

	// Watch returns a channel of changes-feed events starting after
	// sinceSeq (0 means from the beginning of the currently retained
	// window). The channel is closed when ctx is canceled.
	Watch(ctx context.Context, sinceSeq uint64) (<-chan Change, error)
}
