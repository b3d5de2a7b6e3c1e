// Package metastore defines the data model the engine consumes from the
// replicated document store (§3) and the narrow Store interface (§6.1) it
// needs: get-by-id, bulk get, prefix scans, and a changes feed. It has no
// key-range scan.
package metastore

import (
	"time"

	"github.com/google/uuid"
)

// SourceDescriptor names where a file or mount's backing content lives:
// a node identifier (the wildcard "*" matches any node) and the export
// path on that node.
type SourceDescriptor struct {
	NodeID     string `json:"node_id"`
	ExportPath string `json:"export_path"`
}

// File is the engine's view of a replicated file record.
type File struct {
	ID           uuid.UUID        `json:"id"`
	Inode        uint64           `json:"inode"`
	Source       SourceDescriptor `json:"source"`
	ExportParent string           `json:"export_parent"`
	Size         int64            `json:"size"`
	MTime        time.Time        `json:"mtime"`
	MimeType     string           `json:"mime_type"`
	SoftDeleted  bool             `json:"soft_deleted"`
}

// MappingStrategy is how a mount entry projects source paths into the
// virtual directory.
type MappingStrategy string

const (
	MappingPrefixReplace MappingStrategy = "prefix_replace"
	MappingFlatten       MappingStrategy = "flatten"
)

// OnMatch is the action a filter step takes when it matches (§4.1.1).
type OnMatch string

const (
	OnMatchContinue OnMatch = "continue"
	OnMatchInclude  OnMatch = "include"
	OnMatchExclude  OnMatch = "exclude"
)

// DefaultResult is what a mount entry does with files that fall through its
// whole step pipeline without a short-circuit.
type DefaultResult string

const (
	DefaultInclude DefaultResult = "include"
	DefaultExclude DefaultResult = "exclude"
)

// ConflictPolicy resolves same-name collisions within a directory (§4.1.2).
type ConflictPolicy string

const (
	ConflictLastWriteWins  ConflictPolicy = "last_write_wins"
	ConflictSuffixNodeID   ConflictPolicy = "suffix_node_id"
)

// FilterStep is one operator in a mount entry's step pipeline. Params are
// decoded per-operator by internal/rules; the operator tag is the only
// part interpreted here.
type FilterStep struct {
	Op      string                 `json:"op"`
	Params  map[string]interface{} `json:"params"`
	Invert  bool                   `json:"invert"`
	OnMatch OnMatch                `json:"on_match"`
}

// MountEntry is one source mounted into a virtual directory.
type MountEntry struct {
	ID             string           `json:"id"`
	Source         SourceDescriptor `json:"source"`
	Mapping        MappingStrategy  `json:"mapping"`
	SourcePrefix   string           `json:"source_prefix,omitempty"`
	Steps          []FilterStep     `json:"steps"`
	DefaultResult  DefaultResult    `json:"default_result"`
	ConflictPolicy ConflictPolicy   `json:"conflict_policy"`
}

// VirtualDirectory is a mountable node in the virtual filesystem tree.
type VirtualDirectory struct {
	ID                uuid.UUID    `json:"id"`
	Inode             uint64       `json:"inode"`
	VirtualPath       string       `json:"virtual_path"`
	ParentVirtualPath string       `json:"parent_virtual_path"`
	SystemReserved    bool         `json:"system_reserved"`
	EnforceOnChildren bool         `json:"enforce_on_children"`
	Mounts            []MountEntry `json:"mounts"`
	Revision          uint64       `json:"revision"`
}

// LabelAssignment is a direct, per-file label set.
type LabelAssignment struct {
	FileID uuid.UUID `json:"file_id"`
	Labels []string  `json:"labels"`
}

// LabelRule applies labels to every file whose node/path scope it covers.
type LabelRule struct {
	ID         string   `json:"id"`
	NodeID     string   `json:"node_id"` // "*" matches any node
	PathPrefix string   `json:"path_prefix"` // must end in "/"
	Labels     []string `json:"labels"`
	Enabled    bool     `json:"enabled"`
}

// AccessRecord is the last-access timestamp for a file.
type AccessRecord struct {
	FileID     uuid.UUID `json:"file_id"`
	LastAccess time.Time `json:"last_access"`
}

// ReplicaStatus is the freshness of a replica record.
type ReplicaStatus string

const (
	ReplicaCurrent ReplicaStatus = "current"
	ReplicaStale   ReplicaStatus = "stale"
	ReplicaFrozen  ReplicaStatus = "frozen"
)

// ReplicaBackendKind names the kind of backend a replica is stored on.
type ReplicaBackendKind string

const (
	BackendAgent     ReplicaBackendKind = "agent"
	BackendObjectStore ReplicaBackendKind = "object_store"
	BackendDirectory ReplicaBackendKind = "directory"
)

// Replica is a copy of a file's content on some target.
type Replica struct {
	FileID     uuid.UUID          `json:"file_id"`
	TargetName string             `json:"target_name"`
	Backend    ReplicaBackendKind `json:"backend"`
	RemoteKey  string             `json:"remote_key"`
	Status     ReplicaStatus      `json:"status"`
	Size       int64              `json:"size"`
	MTime      time.Time          `json:"mtime"`
}

// NetworkMountKind is the kind of pre-mounted share or sync directory a
// node advertises (tiers 2/3).
type NetworkMountKind string

const (
	MountCIFS         NetworkMountKind = "cifs"
	MountNFS          NetworkMountKind = "nfs"
	MountICloudLocal  NetworkMountKind = "icloud_local"
	MountGDriveLocal  NetworkMountKind = "gdrive_local"
)

// NetworkMount maps a remote export onto a local mount point.
type NetworkMount struct {
	RemoteNodeID string           `json:"remote_node_id"`
	BaseExport   string           `json:"base_export"`
	MountPoint   string           `json:"mount_point"`
	Priority     int              `json:"priority"`
	Kind         NetworkMountKind `json:"kind"`
}

// Node is a replica of a fleet member's reachability and local-mount state.
type Node struct {
	ID             string         `json:"id"`
	Online         bool           `json:"online"`
	TransferEndpoint string       `json:"transfer_endpoint"` // host:port
	NetworkMounts  []NetworkMount `json:"network_mounts"`
}

// ChangeType identifies which kind of document a changes-feed event carries.
type ChangeType string

const (
	ChangeFile             ChangeType = "file"
	ChangeVirtualDirectory ChangeType = "virtual_directory"
	ChangeLabelAssignment  ChangeType = "label_assignment"
	ChangeLabelRule        ChangeType = "label_rule"
	ChangeAccessRecord     ChangeType = "access_record"
	ChangeReplica          ChangeType = "replica"
	ChangeNode             ChangeType = "node"
)

// ChangeKind is the operation the change represents.
type ChangeKind string

const (
	ChangeCreated ChangeKind = "created"
	ChangeUpdated ChangeKind = "updated"
	ChangeDeleted ChangeKind = "deleted"
)

// Change is one event off the live changes stream (§6.1).
type Change struct {
	Seq        uint64     `json:"seq"`
	Type       ChangeType `json:"type"`
	Kind       ChangeKind `json:"kind"`
	ID         string     `json:"id"`
	Doc        interface{} `json:"doc,omitempty"`
}
