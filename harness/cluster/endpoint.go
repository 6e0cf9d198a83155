package cluster

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/jackc/pgx/v5"

	"github.com/pagestream/harness/harness/logwatch"
	"github.com/pagestream/harness/harness/util"
)

// Endpoint is an ephemeral compute node serving SQL against one timeline.
// Endpoints are clients of everything else in the cluster and are stopped
// first at teardown.
type Endpoint struct {
	env        *Cluster
	ID         string
	TenantID   string
	BranchName string
	PGPort     int
	HTTPPort   int
	running    atomic.Bool
}

func (e *Endpoint) Create() error {
	return e.env.CLI.EndpointCreate(e.ID, e.TenantID, e.BranchName, e.PGPort, e.HTTPPort)
}

func (e *Endpoint) Start(extraOpts []string) error {
	if !e.running.CompareAndSwap(false, true) {
		return fmt.Errorf("endpoint %s already running", e.ID)
	}
	if err := e.env.CLI.EndpointStart(e.ID, extraOpts); err != nil {
		e.running.Store(false)
		return err
	}
	return nil
}

// Stop shuts the endpoint down; mode is "fast" or "immediate".
func (e *Endpoint) Stop(mode string) error {
	if !e.running.CompareAndSwap(true, false) {
		return nil
	}
	return e.env.CLI.EndpointStop(e.ID, mode, false)
}

func (e *Endpoint) StopAndDestroy(mode string) error {
	e.running.Store(false)
	return e.env.CLI.EndpointStop(e.ID, mode, true)
}

// Reconfigure re-targets the endpoint at another pageserver, e.g. after a
// shard migration.
func (e *Endpoint) Reconfigure(pageserverID int) error {
	return e.env.CLI.EndpointReconfigure(e.ID, pageserverID)
}

func (e *Endpoint) Running() bool { return e.running.Load() }

func (e *Endpoint) Path() string {
	return filepath.Join(e.env.RepoDir, "endpoints", e.ID)
}

func (e *Endpoint) LogWatcher() *logwatch.Watcher {
	return &logwatch.Watcher{Path: filepath.Join(e.Path(), "compute.log")}
}

// ConnStr builds a client connection string for the endpoint.
func (e *Endpoint) ConnStr(dbname string) string {
	if dbname == "" {
		dbname = "postgres"
	}
	return fmt.Sprintf("postgresql://cloud_admin@127.0.0.1:%d/%s", e.PGPort, dbname)
}

// SafeSQL runs one query and returns all rows, opening and closing a fresh
// connection. Convenient for test assertions, not for load.
func (e *Endpoint) SafeSQL(ctx context.Context, query string, args ...interface{}) ([][]interface{}, error) {
	conn, err := pgx.Connect(ctx, e.ConnStr(""))
	if err != nil {
		return nil, fmt.Errorf("connect to endpoint %s: %w", e.ID, err)
	}
	defer conn.Close(ctx)

	rows, err := conn.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out [][]interface{}
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, err
		}
		out = append(out, vals)
	}
	return out, rows.Err()
}

// EndpointFactory creates and tracks the compute endpoints of one cluster.
type EndpointFactory struct {
	env     *Cluster
	counter atomic.Int64

	mu        sync.Mutex
	endpoints []*Endpoint
}

// nextID generates a cluster-unique endpoint ID.
func (f *EndpointFactory) nextID() string {
	return fmt.Sprintf("ep-%d", f.counter.Add(1))
}

// Create allocates ports and registers a new endpoint on the given branch of
// the given tenant (defaults: initial tenant, main branch).
func (f *EndpointFactory) Create(tenantID, branchName string) (*Endpoint, error) {
	if tenantID == "" {
		tenantID = f.env.InitialTenant
	}
	if branchName == "" {
		branchName = DefaultBranchName
	}
	ports, err := f.env.Ports.AllocateN(2)
	if err != nil {
		return nil, err
	}

	ep := &Endpoint{
		env:        f.env,
		ID:         f.nextID(),
		TenantID:   tenantID,
		BranchName: branchName,
		PGPort:     ports[0],
		HTTPPort:   ports[1],
	}
	if err := ep.Create(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.endpoints = append(f.endpoints, ep)
	f.mu.Unlock()
	return ep, nil
}

// CreateStart creates and immediately starts an endpoint.
func (f *EndpointFactory) CreateStart(tenantID, branchName string) (*Endpoint, error) {
	ep, err := f.Create(tenantID, branchName)
	if err != nil {
		return nil, err
	}
	if err := ep.Start(nil); err != nil {
		return nil, err
	}
	return ep, nil
}

// List returns the tracked endpoints, creation order.
func (f *EndpointFactory) List() []*Endpoint {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Endpoint, len(f.endpoints))
	copy(out, f.endpoints)
	return out
}

// StopAll stops every endpoint. A failure stopping one endpoint never
// prevents a stop attempt on the rest; failOnError only controls whether the
// first collected failure propagates (teardown passes false and relies on
// the logged errors).
func (f *EndpointFactory) StopAll(failOnError bool) error {
	var errs util.ErrorCollector
	for _, ep := range f.List() {
		errs.Add("stop endpoint "+ep.ID, ep.Stop("fast"))
	}
	if !failOnError {
		return nil
	}
	return errs.Err()
}
