package cluster

import (
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/golang/glog"

	"github.com/pagestream/harness/harness/logwatch"
)

// Default allow-lists for teardown log scans. Lines matching these are
// expected noise for the node type; tests append their own patterns for
// deliberately injected failures.
var (
	defaultPageserverAllowedErrors = []string{
		"request was dropped before completing",
		"Cancelled request finished with an error",
		"queue is in state Stopped",
	}
	defaultSafekeeperAllowedErrors = []string{
		"failed to process query for timeline .*: walreceiver interrupted",
	}
	defaultControllerAllowedErrors = []string{
		"Call to node.*management API.*failed.*receive body",
		"Call to node.*management API.*failed.*ReceiveBody",
	}
)

// Broker is the coordination/discovery service safekeepers and pageservers
// use to find each other.
type Broker struct {
	env     *Cluster
	Port    int
	running atomic.Bool
}

func (b *Broker) ListenAddr() string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(b.Port))
}

// TryStart is idempotent: concurrent starters race on the flag and only the
// winner spawns the process.
func (b *Broker) TryStart() error {
	if !b.running.CompareAndSwap(false, true) {
		return nil
	}
	if err := b.env.CLI.BrokerStart(); err != nil {
		b.running.Store(false)
		return err
	}
	return nil
}

func (b *Broker) Stop(immediate bool) error {
	if !b.running.CompareAndSwap(true, false) {
		return nil
	}
	return b.env.CLI.BrokerStop(immediate)
}

func (b *Broker) Running() bool { return b.running.Load() }

// StorageController tracks cluster topology and decides shard placement.
type StorageController struct {
	env     *Cluster
	Port    int
	Client  *ControllerClient
	running atomic.Bool

	AllowedErrors []string
}

func (s *StorageController) Start(startTimeout time.Duration) error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("storage controller already running")
	}
	if err := s.env.CLI.StorageControllerStart(startTimeout); err != nil {
		s.running.Store(false)
		return err
	}
	return nil
}

func (s *StorageController) Stop(immediate bool) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	return s.env.CLI.StorageControllerStop(immediate)
}

func (s *StorageController) Running() bool { return s.running.Load() }

func (s *StorageController) Workdir() string {
	return filepath.Join(s.env.RepoDir, "storage_controller_1")
}

func (s *StorageController) LogWatcher() *logwatch.Watcher {
	return &logwatch.Watcher{Path: filepath.Join(s.Workdir(), "storage_controller.log")}
}

func (s *StorageController) AssertNoErrors() error {
	return assertNoLogErrors("storage controller", s.LogWatcher().Path, s.AllowedErrors)
}

// Pageserver serves page data for the tenant shards attached to it.
type Pageserver struct {
	env     *Cluster
	ID      int
	Port    PageserverPort
	running atomic.Bool

	AllowedErrors []string
}

func (p *Pageserver) Start(extraOpts []string) error {
	if !p.running.CompareAndSwap(false, true) {
		return fmt.Errorf("pageserver %d already running", p.ID)
	}
	if err := p.env.CLI.PageserverStart(p.ID, extraOpts); err != nil {
		p.running.Store(false)
		return err
	}
	return nil
}

func (p *Pageserver) Stop(immediate bool) error {
	if !p.running.CompareAndSwap(true, false) {
		return nil
	}
	return p.env.CLI.PageserverStop(p.ID, immediate)
}

func (p *Pageserver) Restart(immediate bool) error {
	if err := p.Stop(immediate); err != nil {
		return err
	}
	return p.Start(nil)
}

func (p *Pageserver) Running() bool { return p.running.Load() }

func (p *Pageserver) Workdir() string {
	return filepath.Join(p.env.RepoDir, fmt.Sprintf("pageserver_%d", p.ID))
}

func (p *Pageserver) TenantsDir() string {
	return filepath.Join(p.Workdir(), "tenants")
}

func (p *Pageserver) LogWatcher() *logwatch.Watcher {
	return &logwatch.Watcher{Path: filepath.Join(p.Workdir(), "pageserver.log")}
}

// AllowErrors extends the teardown allow-list for failures a test injects on
// purpose.
func (p *Pageserver) AllowErrors(patterns ...string) {
	p.AllowedErrors = append(p.AllowedErrors, patterns...)
}

func (p *Pageserver) AssertNoErrors() error {
	return assertNoLogErrors(fmt.Sprintf("pageserver %d", p.ID), p.LogWatcher().Path, p.AllowedErrors)
}

// HTTPClient returns a client for this pageserver's management API, with a
// bearer token when the cluster runs in token-auth mode.
func (p *Pageserver) HTTPClient() (*PageserverClient, error) {
	token := ""
	if p.env.AuthEnabled {
		keys, err := p.env.AuthKeys()
		if err != nil {
			return nil, err
		}
		if token, err = keys.GeneratePageserverToken(); err != nil {
			return nil, err
		}
	}
	return NewPageserverClient(fmt.Sprintf("http://127.0.0.1:%d", p.Port.HTTP), token), nil
}

// Safekeeper durably accepts and replicates WAL before pageservers ingest it.
type Safekeeper struct {
	env     *Cluster
	ID      int
	Port    SafekeeperPort
	running atomic.Bool

	ExtraOpts     []string
	AllowedErrors []string
}

func (s *Safekeeper) Start(extraOpts []string) error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("safekeeper %d already running", s.ID)
	}
	opts := append(append([]string{}, s.ExtraOpts...), extraOpts...)
	if err := s.env.CLI.SafekeeperStart(s.ID, opts); err != nil {
		s.running.Store(false)
		return err
	}
	return nil
}

func (s *Safekeeper) Stop(immediate bool) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	return s.env.CLI.SafekeeperStop(s.ID, immediate)
}

func (s *Safekeeper) Running() bool { return s.running.Load() }

func (s *Safekeeper) Workdir() string {
	return filepath.Join(s.env.RepoDir, fmt.Sprintf("safekeeper_%d", s.ID))
}

func (s *Safekeeper) LogWatcher() *logwatch.Watcher {
	return &logwatch.Watcher{Path: filepath.Join(s.Workdir(), "safekeeper.log")}
}

func (s *Safekeeper) AssertNoErrors() error {
	return assertNoLogErrors(fmt.Sprintf("safekeeper %d", s.ID), s.LogWatcher().Path, s.AllowedErrors)
}

func assertNoLogErrors(node, logPath string, allowed []string) error {
	offenders, err := logwatch.ScanForErrors(logPath, allowed)
	if err != nil {
		return err
	}
	if len(offenders) == 0 {
		return nil
	}
	for _, line := range offenders {
		glog.Errorf("%s log error: %s", node, line)
	}
	return fmt.Errorf("%s log contains %d disallowed error lines, first: %s", node, len(offenders), offenders[0])
}
