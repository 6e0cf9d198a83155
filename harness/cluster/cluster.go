// Package cluster creates, starts, inspects and tears down whole test
// clusters of the storage platform: one storage controller, N pageservers,
// M safekeepers, a broker and ephemeral compute endpoints, all as child
// processes driven through the pagectl binary.
package cluster

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/sync/errgroup"

	"github.com/pagestream/harness/harness/pagectl"
	"github.com/pagestream/harness/harness/ports"
	"github.com/pagestream/harness/harness/remote"
	"github.com/pagestream/harness/harness/security"
	"github.com/pagestream/harness/harness/util"
)

// Cluster is the live object graph of one running test cluster. Topology
// (node counts, IDs) is fixed at construction; individual nodes can be
// stopped and restarted, but never added or removed.
type Cluster struct {
	RepoDir      string
	BinDir       string
	PgDistribDir string

	Ports *ports.Allocator
	CLI   *pagectl.CLI

	AuthEnabled     bool
	InitialTenant   string
	InitialTimeline string

	Broker            *Broker
	StorageController *StorageController
	Pageservers       []*Pageserver
	Safekeepers       []*Safekeeper
	Endpoints         *EndpointFactory
	Scrubber          *pagectl.Scrubber

	PageserverRemoteStorage *remote.Storage

	authKeysOnce sync.Once
	authKeys     *security.AuthKeys
	authKeysErr  error
}

// Start brings the whole cluster up. The controller must be ready before any
// dependent node starts, because pageservers and safekeepers register with
// it on startup; after that the broker and all nodes start concurrently.
// The first start error is returned after every concurrent task finished.
func (c *Cluster) Start(startTimeout time.Duration) error {
	if err := c.StorageController.Start(startTimeout); err != nil {
		return err
	}
	if err := c.StorageController.Client.WaitUntilReady(); err != nil {
		return err
	}

	var g errgroup.Group
	g.SetLimit(2 + len(c.Pageservers) + len(c.Safekeepers))

	g.Go(c.Broker.TryStart)
	for _, ps := range c.Pageservers {
		ps := ps
		g.Go(func() error { return ps.Start(nil) })
	}
	for _, sk := range c.Safekeepers {
		sk := sk
		g.Go(func() error { return sk.Start(nil) })
	}
	return g.Wait()
}

// Stop shuts everything down in reverse dependency order: endpoints first
// (they are clients of everything), then the controller (so it does not
// misread node shutdown as failures), then safekeepers, pageservers, broker.
// Every node gets a stop attempt; the first error is surfaced at the end.
func (c *Cluster) Stop(immediate bool) error {
	return c.stop(immediate, false, true)
}

func (c *Cluster) stop(immediate, assertMetricNoErrors, failOnEndpointErrors bool) error {
	var errs util.ErrorCollector

	errs.Add("stop endpoints", c.Endpoints.StopAll(failOnEndpointErrors))

	errs.Add("stop storage controller", c.StorageController.Stop(immediate))

	for _, sk := range c.Safekeepers {
		errs.Add(fmt.Sprintf("stop safekeeper %d", sk.ID), sk.Stop(immediate))
	}
	for _, ps := range c.Pageservers {
		// Metrics are scraped from the live process, so the check has to run
		// before the stop and only for pageservers that are still up.
		if assertMetricNoErrors && ps.Running() {
			errs.Add(fmt.Sprintf("metric check pageserver %d", ps.ID), c.assertNoMetricErrors(ps))
		}
		errs.Add(fmt.Sprintf("stop pageserver %d", ps.ID), ps.Stop(immediate))
	}
	errs.Add("stop broker", c.Broker.Stop(immediate))

	return errs.Err()
}

func (c *Cluster) assertNoMetricErrors(ps *Pageserver) error {
	client, err := ps.HTTPClient()
	if err != nil {
		return err
	}
	metrics, err := client.Metrics()
	if err != nil {
		return err
	}
	return metrics.AssertNoErrorCounters(nil)
}

// SolePageserver returns the only pageserver, for tests that are naive to
// multi-node clusters.
func (c *Cluster) SolePageserver() (*Pageserver, error) {
	if len(c.Pageservers) != 1 {
		return nil, fmt.Errorf("cluster has %d pageservers, caller assumes exactly one", len(c.Pageservers))
	}
	return c.Pageservers[0], nil
}

// GetPageserver looks a pageserver up by node ID.
func (c *Cluster) GetPageserver(id int) (*Pageserver, error) {
	for _, ps := range c.Pageservers {
		if ps.ID == id {
			return ps, nil
		}
	}
	return nil, fmt.Errorf("pageserver with ID %d not found", id)
}

// SafekeeperConnstrs lists safekeeper WAL endpoints for the compute GUC.
func (c *Cluster) SafekeeperConnstrs() string {
	out := ""
	for i, sk := range c.Safekeepers {
		if i > 0 {
			out += ","
		}
		out += fmt.Sprintf("localhost:%d", sk.Port.PG)
	}
	return out
}

// AuthKeys lazily loads the signing key pagectl init generated in the repo
// dir.
func (c *Cluster) AuthKeys() (*security.AuthKeys, error) {
	c.authKeysOnce.Do(func() {
		c.authKeys, c.authKeysErr = security.LoadAuthKeys(c.RepoDir)
	})
	return c.authKeys, c.authKeysErr
}

// controllerToken returns a bearer token for the controller API, empty in
// trust mode.
func (c *Cluster) controllerToken() (string, error) {
	if !c.AuthEnabled {
		return "", nil
	}
	keys, err := c.AuthKeys()
	if err != nil {
		return "", err
	}
	return keys.GenerateAdminToken()
}

// PgBin runs postgres client binaries (psql, pg_dump, pgbench) from the
// distribution the endpoints use.
func (c *Cluster) PgBin() *pagectl.PgBin {
	return pagectl.NewPgBin(c.PgDistribDir, c.RepoDir, nil)
}

// CreateTenant provisions a tenant with its initial timeline through
// pagectl.
func (c *Cluster) CreateTenant(tenantID, timelineID string, shardCount, stripeSize int, conf map[string]string) error {
	if tenantID == "" || timelineID == "" {
		return fmt.Errorf("tenant and timeline IDs are required")
	}
	glog.V(1).Infof("creating tenant %s with timeline %s (shards=%d)", tenantID, timelineID, shardCount)
	return c.CLI.TenantCreate(tenantID, timelineID, shardCount, stripeSize, conf)
}

// CreateBranch forks a branch off the initial tenant's default branch.
func (c *Cluster) CreateBranch(tenantID, newBranch string) (string, error) {
	if tenantID == "" {
		tenantID = c.InitialTenant
	}
	return c.CLI.CreateBranch(tenantID, newBranch, DefaultBranchName)
}
