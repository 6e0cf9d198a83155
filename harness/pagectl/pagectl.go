// Package pagectl drives the external management binaries of the storage
// platform: the pagectl cluster-control tool and the storage scrubber. The
// binaries are opaque collaborators; this package only builds argument
// lists, captures output, and maps exit codes to structured errors.
package pagectl

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"
)

const (
	// Env vars consumed by the managed binaries.
	RepoDirEnv      = "PAGESTREAM_REPO_DIR"
	BinDirEnv       = "PAGESTREAM_BIN_DIR"
	PgDistribDirEnv = "POSTGRES_DISTRIB_DIR"

	defaultCommandTimeout = 10 * time.Minute
)

// CommandError carries the diagnostics of a failed management command.
type CommandError struct {
	Args     []string
	ExitCode int
	Stdout   string
	Stderr   string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %v failed with exit code %d\nstdout: %s\nstderr: %s",
		e.Args, e.ExitCode, strings.TrimSpace(e.Stdout), strings.TrimSpace(e.Stderr))
}

// Runner invokes one external binary with a fixed environment.
type Runner struct {
	Binary  string
	RepoDir string
	// ExtraEnv is appended after the computed environment and wins on conflict.
	ExtraEnv []string
	// Timeout bounds one invocation; zero means the 10 minute default.
	Timeout time.Duration
}

// Run executes the binary with args, returning captured stdout. A non-zero
// exit maps to *CommandError; spawn and timeout failures are wrapped plainly.
func (r *Runner) Run(args ...string) (string, error) {
	timeout := r.Timeout
	if timeout == 0 {
		timeout = defaultCommandTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.Binary, args...)
	cmd.Dir = r.RepoDir
	cmd.Env = append(os.Environ(),
		RepoDirEnv+"="+r.RepoDir,
		BinDirEnv+"="+filepath.Dir(r.Binary),
	)
	cmd.Env = append(cmd.Env, r.ExtraEnv...)
	// Children must not outlive the harness.
	cmd.SysProcAttr = &syscall.SysProcAttr{Pdeathsig: syscall.SIGKILL}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	glog.V(1).Infof("running %s %s", r.Binary, strings.Join(args, " "))
	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return stdout.String(), errors.Wrapf(ctx.Err(), "%s %v timed out after %s", r.Binary, args, timeout)
	}
	if err != nil {
		exitCode := -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return stdout.String(), errors.Wrapf(err, "spawn %s", r.Binary)
		}
		cmdErr := &CommandError{
			Args:     append([]string{filepath.Base(r.Binary)}, args...),
			ExitCode: exitCode,
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
		}
		glog.Errorf("%v", cmdErr)
		return stdout.String(), cmdErr
	}
	glog.V(2).Infof("%s %v succeeded, stdout: %s", filepath.Base(r.Binary), args, strings.TrimSpace(stdout.String()))
	return stdout.String(), nil
}

// CLI wraps the pagectl binary's subcommands. One instance per cluster
// working directory.
type CLI struct {
	runner Runner
}

func NewCLI(binDir, repoDir string, extraEnv []string) *CLI {
	return &CLI{runner: Runner{
		Binary:   filepath.Join(binDir, "pagectl"),
		RepoDir:  repoDir,
		ExtraEnv: extraEnv,
	}}
}

// Raw runs an arbitrary pagectl invocation. Typed wrappers below are
// preferred in tests.
func (c *CLI) Raw(args ...string) (string, error) {
	return c.runner.Run(args...)
}

// Init materializes a cluster working directory from the given TOML config.
func (c *CLI) Init(configPath string, force string) error {
	args := []string{"init", "--config=" + configPath}
	if force != "" {
		args = append(args, "--force="+force)
	}
	_, err := c.Raw(args...)
	return err
}

func (c *CLI) StorageControllerStart(startTimeout time.Duration) error {
	args := []string{"storage_controller", "start"}
	if startTimeout > 0 {
		args = append(args, "--start-timeout="+startTimeout.String())
	}
	_, err := c.Raw(args...)
	return err
}

func (c *CLI) StorageControllerStop(immediate bool) error {
	args := []string{"storage_controller", "stop"}
	if immediate {
		args = append(args, "--immediate")
	}
	_, err := c.Raw(args...)
	return err
}

func (c *CLI) BrokerStart() error {
	_, err := c.Raw("storage_broker", "start")
	return err
}

func (c *CLI) BrokerStop(immediate bool) error {
	args := []string{"storage_broker", "stop"}
	if immediate {
		args = append(args, "--immediate")
	}
	_, err := c.Raw(args...)
	return err
}

func (c *CLI) PageserverStart(id int, extraOpts []string) error {
	args := []string{"pageserver", "start", "--id=" + strconv.Itoa(id)}
	args = append(args, extraOpts...)
	_, err := c.Raw(args...)
	return err
}

func (c *CLI) PageserverStop(id int, immediate bool) error {
	mode := "--stop-mode=fast"
	if immediate {
		mode = "--stop-mode=immediate"
	}
	_, err := c.Raw("pageserver", "stop", "--id="+strconv.Itoa(id), mode)
	return err
}

func (c *CLI) SafekeeperStart(id int, extraOpts []string) error {
	args := []string{"safekeeper", "start", strconv.Itoa(id)}
	args = append(args, extraOpts...)
	_, err := c.Raw(args...)
	return err
}

func (c *CLI) SafekeeperStop(id int, immediate bool) error {
	args := []string{"safekeeper", "stop", strconv.Itoa(id)}
	if immediate {
		args = append(args, "--immediate")
	}
	_, err := c.Raw(args...)
	return err
}

// TenantCreate registers a new tenant with optional sharding parameters and
// creates its initial timeline.
func (c *CLI) TenantCreate(tenantID, timelineID string, shardCount, stripeSize int, conf map[string]string) error {
	args := []string{
		"tenant", "create",
		"--tenant-id=" + tenantID,
		"--timeline-id=" + timelineID,
	}
	if shardCount > 0 {
		args = append(args, "--shard-count="+strconv.Itoa(shardCount))
	}
	if stripeSize > 0 {
		args = append(args, "--shard-stripe-size="+strconv.Itoa(stripeSize))
	}
	for k, v := range conf {
		args = append(args, "-c", k+":"+v)
	}
	_, err := c.Raw(args...)
	return err
}

func (c *CLI) TimelineCreate(tenantID, timelineID, branchName string) error {
	_, err := c.Raw("timeline", "create",
		"--tenant-id="+tenantID,
		"--timeline-id="+timelineID,
		"--branch-name="+branchName)
	return err
}

// CreateBranch forks a new timeline off an ancestor branch.
func (c *CLI) CreateBranch(tenantID, newBranch, ancestorBranch string) (string, error) {
	out, err := c.Raw("timeline", "branch",
		"--tenant-id="+tenantID,
		"--branch-name="+newBranch,
		"--ancestor-branch-name="+ancestorBranch)
	if err != nil {
		return "", err
	}
	// pagectl prints "Created timeline '<id>' ..." on success.
	return parseCreatedTimelineID(out), nil
}

func parseCreatedTimelineID(out string) string {
	for _, line := range strings.Split(out, "\n") {
		if i := strings.Index(line, "Created timeline '"); i >= 0 {
			rest := line[i+len("Created timeline '"):]
			if j := strings.Index(rest, "'"); j > 0 {
				return rest[:j]
			}
		}
	}
	return ""
}

func (c *CLI) EndpointCreate(endpointID, tenantID, branchName string, pgPort, httpPort int) error {
	_, err := c.Raw("endpoint", "create", endpointID,
		"--tenant-id="+tenantID,
		"--branch-name="+branchName,
		"--pg-port="+strconv.Itoa(pgPort),
		"--http-port="+strconv.Itoa(httpPort))
	return err
}

func (c *CLI) EndpointStart(endpointID string, extraOpts []string) error {
	args := []string{"endpoint", "start", endpointID}
	args = append(args, extraOpts...)
	_, err := c.Raw(args...)
	return err
}

func (c *CLI) EndpointStop(endpointID, mode string, destroy bool) error {
	args := []string{"endpoint", "stop", endpointID, "--mode=" + mode}
	if destroy {
		args = append(args, "--destroy")
	}
	_, err := c.Raw(args...)
	return err
}

// EndpointReconfigure re-targets a running endpoint, typically at a
// different pageserver after a shard migration.
func (c *CLI) EndpointReconfigure(endpointID string, pageserverID int) error {
	_, err := c.Raw("endpoint", "reconfigure", endpointID,
		"--pageserver-id="+strconv.Itoa(pageserverID))
	return err
}

// PgBin runs client binaries (psql, pg_dump, pgbench, ...) out of the
// postgres distribution the compute endpoints use.
type PgBin struct {
	distribDir string
	repoDir    string
	extraEnv   []string
}

func NewPgBin(distribDir, repoDir string, extraEnv []string) *PgBin {
	return &PgBin{distribDir: distribDir, repoDir: repoDir, extraEnv: extraEnv}
}

// Run invokes one client binary by name. The distribution's lib dir is put on
// the library path since the binaries are not relinked against system libs.
func (p *PgBin) Run(binary string, args ...string) (string, error) {
	env := append([]string{
		PgDistribDirEnv + "=" + p.distribDir,
		"LD_LIBRARY_PATH=" + filepath.Join(p.distribDir, "lib"),
	}, p.extraEnv...)
	r := Runner{
		Binary:   filepath.Join(p.distribDir, "bin", binary),
		RepoDir:  p.repoDir,
		ExtraEnv: env,
	}
	return r.Run(args...)
}

// Scrubber wraps the storage_scrubber binary used for teardown-time
// consistency scans over durable storage.
type Scrubber struct {
	runner Runner
}

func NewScrubber(binDir, repoDir string, extraEnv []string) *Scrubber {
	return &Scrubber{runner: Runner{
		Binary:   filepath.Join(binDir, "storage_scrubber"),
		RepoDir:  repoDir,
		ExtraEnv: extraEnv,
	}}
}

// ScanMetadata checks remote storage metadata for inconsistencies and
// returns the scrubber's JSON report.
func (s *Scrubber) ScanMetadata() (string, error) {
	return s.runner.Run("scan-metadata", "--json")
}
