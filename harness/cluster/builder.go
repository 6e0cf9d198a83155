package cluster

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/pagestream/harness/harness/overlay"
	"github.com/pagestream/harness/harness/pagectl"
	"github.com/pagestream/harness/harness/ports"
	"github.com/pagestream/harness/harness/remote"
	"github.com/pagestream/harness/harness/snapshot"
	"github.com/pagestream/harness/harness/util"
)

var (
	ErrAlreadyConfigured = errors.New("cluster is already configured")
	ErrNotConfigured     = errors.New("cluster is not configured")
)

// initConfigFilename is where the builder persists the TOML it hands to
// `pagectl init`; snapshot adoption re-reads and re-patches it.
const initConfigFilename = "cluster.toml"

// Builder accumulates topology choices, materializes the cluster working
// directory through `pagectl init`, and constructs the Cluster object graph.
// One builder per test; Close tears everything down.
type Builder struct {
	TestName string

	// Topology. Zero values mean one node of each kind.
	NumPageservers int
	NumSafekeepers int

	AuthEnabled     bool
	InitialTenant   string
	InitialTimeline string
	ShardCount      int
	ShardStripeSize int

	// PageserverConfig is merged into every pageserver's init table.
	PageserverConfig    map[string]interface{}
	SafekeeperExtraOpts []string

	StartTimeout time.Duration

	PageserverRemoteStorage *remote.Storage

	outputDir    string
	binDir       string
	pgDistribDir string

	repoDirOverride string

	allocator *ports.Allocator
	overlays  *overlay.Manager

	env            *Cluster
	configured     bool
	scrubOnExit    bool
	preserveFiles  bool
	adoptedFromDir string
}

// NewBuilder derives paths and the worker port slice from the harness
// configuration and environment.
func NewBuilder(testName string) (*Builder, error) {
	util.LoadHarnessConfiguration()
	cfg := util.GetViper()

	slot, err := ports.SlotFromEnv()
	if err != nil {
		return nil, err
	}

	b := &Builder{
		TestName:        testName,
		NumPageservers:  1,
		NumSafekeepers:  1,
		InitialTenant:   GenerateID(),
		InitialTimeline: GenerateID(),
		StartTimeout:    10 * time.Second,
		outputDir:       cfg.GetString(util.KeyOutputDir),
		binDir:          cfg.GetString(util.KeyBinDir),
		pgDistribDir:    cfg.GetString(util.KeyPgDistribDir),
		allocator:       ports.NewAllocator(slot),
		preserveFiles:   cfg.GetBool(util.KeyPreserveDatabaseFiles),
	}
	if b.outputDir == "" {
		b.outputDir = filepath.Join(os.TempDir(), "pagestream-harness")
	}
	if overlayDir := cfg.GetString(util.KeyOverlayDir); overlayDir != "" {
		b.overlays = overlay.NewManager(overlayDir)
	}
	return b, nil
}

// RepoDir is the cluster working directory every managed process runs under.
func (b *Builder) RepoDir() string {
	if b.repoDirOverride != "" {
		return b.repoDirOverride
	}
	return filepath.Join(b.outputDir, b.TestName, "repo")
}

// EnableScrubOnExit schedules a storage_scrubber metadata scan during Close.
// Requires remote storage, otherwise there is nothing to scan.
func (b *Builder) EnableScrubOnExit() error {
	if !b.PageserverRemoteStorage.Enabled() {
		return fmt.Errorf("scrub on exit requires pageserver remote storage")
	}
	b.scrubOnExit = true
	return nil
}

// EnablePageserverRemoteStorage selects the durable storage backend the
// pageservers upload to. Must be called before InitConfigs.
func (b *Builder) EnablePageserverRemoteStorage(kind remote.Kind) error {
	if b.configured {
		return ErrAlreadyConfigured
	}
	switch kind {
	case remote.KindLocalFS:
		b.PageserverRemoteStorage = remote.NewLocalFS(b.RepoDir(), "local_fs_remote_storage")
	case remote.KindRealS3:
		storage, err := remote.NewRealS3FromEnv(b.TestName + "/" + GenerateID())
		if err != nil {
			return err
		}
		b.PageserverRemoteStorage = storage
	default:
		return fmt.Errorf("unsupported remote storage kind %q", kind)
	}
	return nil
}

// InitConfigs allocates ports, writes the init TOML, runs `pagectl init` and
// builds the Cluster object graph, without starting any node.
func (b *Builder) InitConfigs() (*Cluster, error) {
	if b.configured {
		return nil, ErrAlreadyConfigured
	}

	repoDir := b.RepoDir()
	if err := os.MkdirAll(repoDir, 0o755); err != nil {
		return nil, err
	}

	brokerPort, err := b.allocator.Allocate()
	if err != nil {
		return nil, err
	}
	controllerPort, err := b.allocator.Allocate()
	if err != nil {
		return nil, err
	}
	psPorts := make([]PageserverPort, b.NumPageservers)
	for i := range psPorts {
		p, err := b.allocator.AllocateN(2)
		if err != nil {
			return nil, err
		}
		psPorts[i] = PageserverPort{PG: p[0], HTTP: p[1]}
	}
	skPorts := make([]SafekeeperPort, b.NumSafekeepers)
	for i := range skPorts {
		p, err := b.allocator.AllocateN(3)
		if err != nil {
			return nil, err
		}
		skPorts[i] = SafekeeperPort{PG: p[0], PGTenantOnly: p[1], HTTP: p[2]}
	}

	cfg := b.buildInitConfig(brokerPort, controllerPort, psPorts, skPorts)
	configPath := filepath.Join(repoDir, initConfigFilename)
	if err := cfg.WriteFile(configPath); err != nil {
		return nil, err
	}

	cli := b.newCLI(repoDir)
	if err := cli.Init(configPath, ""); err != nil {
		return nil, fmt.Errorf("pagectl init: %w", err)
	}

	b.env = b.buildCluster(cli, repoDir, brokerPort, controllerPort, psPorts, skPorts)
	b.configured = true
	return b.env, nil
}

func (b *Builder) buildInitConfig(brokerPort, controllerPort int, psPorts []PageserverPort, skPorts []SafekeeperPort) *InitConfig {
	cfg := &InitConfig{
		DefaultTenantID: b.InitialTenant,
		Broker: BrokerConfig{
			ListenAddr: net.JoinHostPort("127.0.0.1", strconv.Itoa(brokerPort)),
		},
		ControlPlaneAPI:   fmt.Sprintf("http://127.0.0.1:%d/upcall/v1/", controllerPort),
		StorageController: map[string]interface{}{"port": controllerPort},
		BranchNameMappings: map[string]map[string]string{
			DefaultBranchName: {b.InitialTenant: b.InitialTimeline},
		},
	}

	authType := "Trust"
	if b.AuthEnabled {
		authType = "JWT"
	}
	for i, port := range psPorts {
		table := map[string]interface{}{
			"id":               i + 1,
			"listen_pg_addr":   fmt.Sprintf("127.0.0.1:%d", port.PG),
			"listen_http_addr": fmt.Sprintf("127.0.0.1:%d", port.HTTP),
			"pg_auth_type":     authType,
			"http_auth_type":   authType,
		}
		if b.PageserverRemoteStorage.Enabled() {
			table["remote_storage"] = b.PageserverRemoteStorage.TOMLTable()
		}
		for k, v := range b.PageserverConfig {
			table[k] = v
		}
		cfg.Pageservers = append(cfg.Pageservers, table)
	}
	for i, port := range skPorts {
		cfg.Safekeepers = append(cfg.Safekeepers, map[string]interface{}{
			"id":                  i + 1,
			"pg_port":             port.PG,
			"pg_tenant_only_port": port.PGTenantOnly,
			"http_port":           port.HTTP,
			"auth_enabled":        b.AuthEnabled,
		})
	}
	return cfg
}

func (b *Builder) newCLI(repoDir string) *pagectl.CLI {
	var extraEnv []string
	if b.pgDistribDir != "" {
		extraEnv = append(extraEnv, pagectl.PgDistribDirEnv+"="+b.pgDistribDir)
	}
	return pagectl.NewCLI(b.binDir, repoDir, extraEnv)
}

func (b *Builder) buildCluster(cli *pagectl.CLI, repoDir string, brokerPort, controllerPort int, psPorts []PageserverPort, skPorts []SafekeeperPort) *Cluster {
	env := &Cluster{
		RepoDir:                 repoDir,
		BinDir:                  b.binDir,
		PgDistribDir:            b.pgDistribDir,
		Ports:                   b.allocator,
		CLI:                     cli,
		AuthEnabled:             b.AuthEnabled,
		InitialTenant:           b.InitialTenant,
		InitialTimeline:         b.InitialTimeline,
		PageserverRemoteStorage: b.PageserverRemoteStorage,
	}

	env.Broker = &Broker{env: env, Port: brokerPort}

	// Keys exist on disk after pagectl init; a load failure here would also
	// fail every API call, so it is not fatal at construction time.
	token, _ := env.controllerToken()
	env.StorageController = &StorageController{
		env:           env,
		Port:          controllerPort,
		Client:        NewControllerClient(fmt.Sprintf("http://127.0.0.1:%d", controllerPort), token),
		AllowedErrors: append([]string{}, defaultControllerAllowedErrors...),
	}

	for i, port := range psPorts {
		env.Pageservers = append(env.Pageservers, &Pageserver{
			env:           env,
			ID:            i + 1,
			Port:          port,
			AllowedErrors: append([]string{}, defaultPageserverAllowedErrors...),
		})
	}
	for i, port := range skPorts {
		env.Safekeepers = append(env.Safekeepers, &Safekeeper{
			env:           env,
			ID:            i + 1,
			Port:          port,
			ExtraOpts:     append([]string{}, b.SafekeeperExtraOpts...),
			AllowedErrors: append([]string{}, defaultSafekeeperAllowedErrors...),
		})
	}

	env.Endpoints = &EndpointFactory{env: env}
	if b.scrubOnExit {
		env.Scrubber = pagectl.NewScrubber(b.binDir, repoDir, nil)
	}
	return env
}

// Start boots the configured cluster.
func (b *Builder) Start() error {
	if !b.configured {
		return ErrNotConfigured
	}
	return b.env.Start(b.StartTimeout)
}

// InitStart is the common case: init, start, create the initial tenant with
// its default-branch timeline.
func (b *Builder) InitStart() (*Cluster, error) {
	env, err := b.InitConfigs()
	if err != nil {
		return nil, err
	}
	if err := b.Start(); err != nil {
		return nil, err
	}
	if err := env.CreateTenant(b.InitialTenant, b.InitialTimeline, b.ShardCount, b.ShardStripeSize, nil); err != nil {
		return nil, fmt.Errorf("create initial tenant: %w", err)
	}
	return env, nil
}

// BuildAndUseSnapshot returns a configured, stopped cluster whose working
// directory was seeded from the shared snapshot cache. The first caller for a
// key builds the snapshot with build (which receives a started cluster and
// must leave its data worth caching); the cluster is then stopped and its
// working directory becomes the canonical snapshot. Everyone else adopts the
// cached content. Concurrent workers serialize on a file lock, so exactly one
// build happens per key per host.
func (b *Builder) BuildAndUseSnapshot(key string, build func(env *Cluster) error) (*Cluster, error) {
	if b.configured {
		return nil, ErrAlreadyConfigured
	}

	dir, err := snapshot.SharedDir(b.outputDir, key)
	if err != nil {
		return nil, err
	}

	var snapPath string
	err = dir.WithLocked(func(l snapshot.Locked) error {
		snapPath = l.Path()
		if l.IsInitialized() {
			glog.V(1).Infof("reusing snapshot %q", key)
			return nil
		}
		return b.buildSnapshotLocked(key, l, build)
	})
	if err != nil {
		return nil, err
	}
	return b.adoptSnapshotDir(snapPath)
}

func (b *Builder) buildSnapshotLocked(key string, l snapshot.Locked, build func(env *Cluster) error) error {
	glog.V(1).Infof("building snapshot %q", key)

	scratch := l.Path() + ".tmp"
	if err := os.RemoveAll(scratch); err != nil {
		return err
	}

	sb := *b
	sb.repoDirOverride = scratch
	sb.configured = false
	sb.env = nil
	env, err := sb.InitStart()
	if err != nil {
		return fmt.Errorf("snapshot %q build startup: %w", key, err)
	}
	buildErr := build(env)
	stopErr := env.Stop(false)
	if buildErr != nil {
		return fmt.Errorf("snapshot %q build: %w", key, buildErr)
	}
	if stopErr != nil {
		return fmt.Errorf("snapshot %q build shutdown: %w", key, stopErr)
	}

	// Relocate first, publish after: the marker must never describe a
	// partial snapshot.
	if err := os.Rename(scratch, l.Path()); err != nil {
		return err
	}
	return l.SetInitialized()
}

// adoptSnapshotDir turns cached snapshot content into this test's working
// directory: copy (or overlay-mount) the content, re-allocate every port from
// this worker's range, patch the persisted init config and re-run
// `pagectl init` so node configs pick the new ports up.
func (b *Builder) adoptSnapshotDir(snapPath string) (*Cluster, error) {
	repoDir := b.RepoDir()

	if b.overlays != nil {
		if err := b.overlays.Mount("repo-"+b.TestName, snapPath, repoDir); err != nil {
			return nil, err
		}
	} else {
		if err := copyDirTree(snapPath, repoDir); err != nil {
			return nil, fmt.Errorf("copy snapshot content: %w", err)
		}
	}
	b.adoptedFromDir = snapPath

	configPath := filepath.Join(repoDir, initConfigFilename)
	cfg, err := ReadInitConfig(configPath)
	if err != nil {
		return nil, err
	}

	brokerPort, err := b.allocator.Allocate()
	if err != nil {
		return nil, err
	}
	controllerPort, err := b.allocator.Allocate()
	if err != nil {
		return nil, err
	}
	cfg.Broker.ListenAddr = net.JoinHostPort("127.0.0.1", strconv.Itoa(brokerPort))
	cfg.ControlPlaneAPI = fmt.Sprintf("http://127.0.0.1:%d/upcall/v1/", controllerPort)
	if cfg.StorageController == nil {
		cfg.StorageController = map[string]interface{}{}
	}
	cfg.StorageController["port"] = controllerPort

	psPorts := make([]PageserverPort, len(cfg.Pageservers))
	for i, table := range cfg.Pageservers {
		p, err := b.allocator.AllocateN(2)
		if err != nil {
			return nil, err
		}
		psPorts[i] = PageserverPort{PG: p[0], HTTP: p[1]}
		table["listen_pg_addr"] = fmt.Sprintf("127.0.0.1:%d", psPorts[i].PG)
		table["listen_http_addr"] = fmt.Sprintf("127.0.0.1:%d", psPorts[i].HTTP)
	}
	skPorts := make([]SafekeeperPort, len(cfg.Safekeepers))
	for i, table := range cfg.Safekeepers {
		p, err := b.allocator.AllocateN(3)
		if err != nil {
			return nil, err
		}
		skPorts[i] = SafekeeperPort{PG: p[0], PGTenantOnly: p[1], HTTP: p[2]}
		table["pg_port"] = skPorts[i].PG
		table["pg_tenant_only_port"] = skPorts[i].PGTenantOnly
		table["http_port"] = skPorts[i].HTTP
	}

	if err := cfg.WriteFile(configPath); err != nil {
		return nil, err
	}

	cli := b.newCLI(repoDir)
	if err := cli.Init(configPath, "update-existing"); err != nil {
		return nil, fmt.Errorf("pagectl init on adopted snapshot: %w", err)
	}

	// The snapshot's identity wins over whatever IDs this builder generated.
	b.InitialTenant = cfg.DefaultTenantID
	if timeline, ok := cfg.InitialTimelineOf(cfg.DefaultTenantID); ok {
		b.InitialTimeline = timeline
	}

	b.env = b.buildCluster(cli, repoDir, brokerPort, controllerPort, psPorts, skPorts)
	b.configured = true
	return b.env, nil
}

// cleanupKeepPatterns lists what survives local storage cleanup: diagnostics
// and configuration, never bulk page or WAL data.
var cleanupKeepPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\.log(\.\d+)?$`),
	regexp.MustCompile(`\.toml$`),
	regexp.MustCompile(`\.json$`),
	regexp.MustCompile(`\.pem$`),
	regexp.MustCompile(`\.pid$`),
}

// CleanupLocalStorage reclaims the bulk data of a finished test while keeping
// logs and configs for post-mortem. No-op when preserve_database_files is
// set.
func (b *Builder) CleanupLocalStorage() error {
	if b.preserveFiles {
		glog.V(1).Infof("preserve_database_files set, keeping %s intact", b.RepoDir())
		return nil
	}
	if !b.configured {
		return nil
	}
	if b.overlays != nil && b.adoptedFromDir != "" {
		// The working dir is an overlay mountpoint; deleting through it
		// only bloats the upper layer. Overlay teardown reclaims it whole.
		return nil
	}

	root := b.RepoDir()
	var dirs []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if path != root {
				dirs = append(dirs, path)
			}
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		for _, pattern := range cleanupKeepPatterns {
			if pattern.MatchString(info.Name()) {
				return nil
			}
		}
		return os.Remove(path)
	})
	if err != nil {
		return err
	}

	// Prune directories the file pass emptied, children before parents.
	// Removal of a dir that still holds kept files fails and is skipped.
	sort.Sort(sort.Reverse(sort.StringSlice(dirs)))
	for _, dir := range dirs {
		_ = os.Remove(dir)
	}
	return nil
}

// CleanupRemoteStorage deletes everything the cluster uploaded.
func (b *Builder) CleanupRemoteStorage(ctx context.Context) error {
	if !b.PageserverRemoteStorage.Enabled() {
		return nil
	}
	return b.PageserverRemoteStorage.Cleanup(ctx)
}

// Close tears the whole test environment down: stop every node (checking
// pageserver error counters on the way down), run the scheduled storage
// scrub, reclaim local storage, scan node logs for disallowed errors, then
// reclaim remote storage and unwind overlay mounts. Every step runs even
// when an earlier one fails; the first error is returned.
func (b *Builder) Close(ctx context.Context) error {
	var errs util.ErrorCollector

	if b.configured {
		errs.Add("cluster stop", b.env.stop(true, true, false))

		if b.scrubOnExit && b.env.Scrubber != nil {
			report, err := b.env.Scrubber.ScanMetadata()
			if err != nil {
				errs.Add("storage scrub", err)
			} else {
				glog.V(1).Infof("scrubber report: %s", report)
			}
		}

		errs.Add("local storage cleanup", b.CleanupLocalStorage())

		errs.Add("storage controller log scan", b.env.StorageController.AssertNoErrors())
		for _, ps := range b.env.Pageservers {
			errs.Add(fmt.Sprintf("pageserver %d log scan", ps.ID), ps.AssertNoErrors())
		}
		for _, sk := range b.env.Safekeepers {
			errs.Add(fmt.Sprintf("safekeeper %d log scan", sk.ID), sk.AssertNoErrors())
		}
	}

	// The backend may hold uploads even when configuration failed half-way,
	// so this runs regardless of builder state (and no-ops without a backend).
	errs.Add("remote storage cleanup", b.CleanupRemoteStorage(ctx))

	if b.overlays != nil {
		errs.Add("overlay teardown", b.overlays.CleanupTeardown())
	}
	return errs.Err()
}

// copyDirTree recursively copies src into dst, preserving file modes.
// Symlinks inside cluster working directories point at the postgres distrib
// and are recreated as-is.
func copyDirTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case info.IsDir():
			return os.MkdirAll(target, info.Mode().Perm())
		case info.Mode()&os.ModeSymlink != 0:
			linkTarget, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(linkTarget, target)
		case info.Mode().IsRegular():
			return copyFile(path, target, info.Mode().Perm())
		default:
			return fmt.Errorf("unsupported file type at %s", path)
		}
	})
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
