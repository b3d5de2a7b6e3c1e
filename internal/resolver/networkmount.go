package resolver

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/mosaicfs/mosaicfs/internal/metastore"
)

// tier2NetworkMount serves content through a pre-mounted CIFS/NFS share
// declared on the owner's node record (§4.2 Tier 2).
func (r *Resolver) tier2NetworkMount(_ context.Context, f *metastore.File, owner *metastore.Node, rng *Range) (io.ReadCloser, outcome, error) {
	return r.readViaNetworkMount(f, owner, rng, metastore.MountCIFS, metastore.MountNFS)
}

// tier3CloudSync serves content through a local cloud-sync directory
// (iCloud/Google Drive, §4.2 Tier 3), falling through when the platform
// marks the file as evicted (not locally materialized).
func (r *Resolver) tier3CloudSync(_ context.Context, f *metastore.File, owner *metastore.Node, rng *Range) (io.ReadCloser, outcome, error) {
	mount, localPath, ok := r.matchNetworkMount(f, owner, metastore.MountICloudLocal, metastore.MountGDriveLocal)
	if !ok {
		return nil, outcomeUnavailable, nil
	}
	if mount.Kind == metastore.MountICloudLocal && isICloudEvicted(localPath) {
		return nil, outcomeUnavailable, nil
	}
	return r.readLocal(localPath, rng)
}

func (r *Resolver) readViaNetworkMount(f *metastore.File, owner *metastore.Node, rng *Range, kinds ...metastore.NetworkMountKind) (io.ReadCloser, outcome, error) {
	_, localPath, ok := r.matchNetworkMount(f, owner, kinds...)
	if !ok {
		return nil, outcomeUnavailable, nil
	}
	return r.readLocal(localPath, rng)
}

// matchNetworkMount finds the first network mount on owner whose base
// export contains f's export path and whose kind is one of kinds,
// translating to the corresponding local mount point.
func (r *Resolver) matchNetworkMount(f *metastore.File, owner *metastore.Node, kinds ...metastore.NetworkMountKind) (metastore.NetworkMount, string, bool) {
	if owner == nil {
		return metastore.NetworkMount{}, "", false
	}
	wantKind := func(k metastore.NetworkMountKind) bool {
		for _, want := range kinds {
			if k == want {
				return true
			}
		}
		return false
	}
	for _, nm := range owner.NetworkMounts {
		if !wantKind(nm.Kind) {
			continue
		}
		base := filepath.Clean(nm.BaseExport)
		export := filepath.Clean(f.Source.ExportPath)
		if !strings.HasPrefix(export, base) {
			continue
		}
		rel := strings.TrimPrefix(strings.TrimPrefix(export, base), string(filepath.Separator))
		return nm, filepath.Join(nm.MountPoint, rel), true
	}
	return metastore.NetworkMount{}, "", false
}

// isICloudEvicted reports whether the on-disk placeholder at localPath is
// the platform's "not downloaded" marker rather than materialized content:
// macOS leaves a zero-length ".icloud"-prefixed sibling file in that case.
func isICloudEvicted(localPath string) bool {
	marker := filepath.Join(filepath.Dir(localPath), "."+filepath.Base(localPath)+".icloud")
	_, err := os.Stat(marker)
	return err == nil
}
