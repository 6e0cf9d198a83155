package cluster

import (
	"fmt"

	"github.com/golang/glog"
)

// TenantShard pairs a shard with the pageserver currently serving it.
type TenantShard struct {
	ShardID    string
	Pageserver *Pageserver
}

// TenantGetShards resolves which pageserver serves each shard of a tenant.
// The controller's Locate answer is authoritative; a non-zero
// pinnedPageserverID substitutes a fixed node for every shard, for tests
// that moved attachments out from under the controller on purpose.
//
// Placement is instantly stale: the controller may migrate shards right
// after answering, so callers must not cache the result across operations
// that can trigger reconciliation.
func (c *Cluster) TenantGetShards(tenantID string, pinnedPageserverID int) ([]TenantShard, error) {
	if tenantID == "" {
		tenantID = c.InitialTenant
	}

	// An unsharded tenant on a single-pageserver cluster has exactly one
	// possible placement, pinned or not; skip the controller round-trip.
	if len(c.Pageservers) == 1 {
		return []TenantShard{{ShardID: tenantID, Pageserver: c.Pageservers[0]}}, nil
	}

	locations, err := c.StorageController.Client.Locate(tenantID)
	if err != nil {
		return nil, fmt.Errorf("locate tenant %s: %w", tenantID, err)
	}
	if len(locations) == 0 {
		return nil, fmt.Errorf("tenant %s has no shard placements", tenantID)
	}

	shards := make([]TenantShard, 0, len(locations))
	for _, loc := range locations {
		nodeID := loc.NodeID
		if pinnedPageserverID != 0 {
			nodeID = pinnedPageserverID
		}
		ps, err := c.GetPageserver(nodeID)
		if err != nil {
			return nil, fmt.Errorf("shard %s: %w", loc.ShardID, err)
		}
		shards = append(shards, TenantShard{ShardID: loc.ShardID, Pageserver: ps})
	}
	glog.V(2).Infof("tenant %s resolves to %d shards", tenantID, len(shards))
	return shards, nil
}
