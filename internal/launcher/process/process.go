// Package process implements launcher.AgentLauncher by starting a local
// OS process per agent invocation (one command per agent type, configured
// at construction) and recording the resulting PID in a StateStore under
// the launched_agents key, mirroring the teacher's one-process-per-agent
// model but without any dependency on a specific hosted background-agent
// API.
package process

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/nickmisasi/nexuscore/internal/clock"
	"github.com/nickmisasi/nexuscore/internal/launcher"
	"github.com/nickmisasi/nexuscore/internal/metrics"
	"github.com/nickmisasi/nexuscore/internal/nexus"
	"github.com/nickmisasi/nexuscore/internal/store"
)

// DefaultLaunchRateLimit and DefaultLaunchBurst bound how many agent
// processes this launcher will start per second across all issues,
// smoothing launch storms (e.g. a reconciliation cycle that decides many
// issues need an orphan-recovery relaunch at once) independently of
// RetryGuard's per-issue attempt cap.
const (
	DefaultLaunchRateLimit = 2.0
	DefaultLaunchBurst     = 4
)

const launchedAgentsKey = "launched_agents"

// AgentRecentWindowSeconds bounds how far back pruneStale keeps entries
// when recentOnly is requested (spec §3, LaunchedAgentRecord retention).
const AgentRecentWindowSeconds = int64(6 * 60 * 60)

// CommandResolver maps an agent name + tier to the local command and
// arguments that start it.
type CommandResolver func(agentName, tier, repo string) (command string, args []string)

// Launcher starts local processes and tracks their PIDs.
type Launcher struct {
	backend      store.StateStore
	clock        clock.Clock
	resolve      CommandResolver
	excludes     []string
	limiter      *rate.Limiter
	metrics      *metrics.Registry
	worktreeRoot string
}

// WithMetrics attaches a metrics.Registry so launch counts are recorded.
func (l *Launcher) WithMetrics(m *metrics.Registry) *Launcher {
	l.metrics = m
	return l
}

// New constructs a Launcher. resolve maps an agent invocation to a
// concrete command; excludeTools is recorded on each launch record for
// downstream agent sandbox configuration. Launches are throttled to
// DefaultLaunchRateLimit per second with a DefaultLaunchBurst allowance;
// use WithRateLimit to override.
func New(backend store.StateStore, clk clock.Clock, resolve CommandResolver, excludeTools []string) *Launcher {
	return &Launcher{
		backend:  backend,
		clock:    clk,
		resolve:  resolve,
		excludes: excludeTools,
		limiter:  rate.NewLimiter(rate.Limit(DefaultLaunchRateLimit), DefaultLaunchBurst),
	}
}

// WithWorktreeRoot sets the directory under which per-issue git worktrees
// are checked out (as root/<issueID>), enabling CleanupWorktree. Leaving
// it unset makes CleanupWorktree a no-op, for deployments that don't use
// per-issue worktrees.
func (l *Launcher) WithWorktreeRoot(root string) *Launcher {
	l.worktreeRoot = root
	return l
}

// WithRateLimit overrides the default launch-rate throttle.
func (l *Launcher) WithRateLimit(perSecond float64, burst int) *Launcher {
	l.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	return l
}

type document struct {
	Records map[string]nexus.LaunchedAgentRecord `json:"records"`
}

func recordKey(issueID, agentName string) string {
	return issueID + ":" + nexus.NormalizeAgentReference(agentName)
}

func (l *Launcher) load(ctx context.Context) (*document, error) {
	var doc document
	ok, err := store.LoadInto(ctx, l.backend, launchedAgentsKey, &doc)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load launched agents")
	}
	if !ok || doc.Records == nil {
		doc.Records = map[string]nexus.LaunchedAgentRecord{}
	}
	return &doc, nil
}

func (l *Launcher) save(ctx context.Context, doc *document) error {
	if err := l.backend.Save(ctx, launchedAgentsKey, doc); err != nil {
		return errors.Wrap(err, "failed to save launched agents")
	}
	return nil
}

// PruneStale drops launched-agent records older than
// AgentRecentWindowSeconds, as on-load retention for recent_only reads.
func (l *Launcher) PruneStale(ctx context.Context) error {
	doc, err := l.load(ctx)
	if err != nil {
		return err
	}
	cutoff := l.clock.Now().Unix() - AgentRecentWindowSeconds
	for k, rec := range doc.Records {
		if rec.Timestamp < cutoff {
			delete(doc.Records, k)
		}
	}
	return l.save(ctx, doc)
}

func (l *Launcher) Launch(ctx context.Context, req launcher.LaunchRequest) (launcher.LaunchResult, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return launcher.LaunchResult{}, errors.Wrap(err, "launch rate limit wait cancelled")
	}

	repo := req.Repo
	if req.RepoOverride != "" {
		repo = req.RepoOverride
	}

	command, args := l.resolve(req.AgentName, req.Tier, repo)
	cmd := exec.CommandContext(ctx, command, args...)
	if err := cmd.Start(); err != nil {
		return launcher.LaunchResult{}, errors.Wrapf(err, "failed to start agent %q for issue %q", req.AgentName, req.IssueID)
	}

	pid := cmd.Process.Pid
	go func() { _ = cmd.Wait() }()

	if l.metrics != nil {
		l.metrics.AgentLaunchesTotal.WithLabelValues(nexus.NormalizeAgentReference(req.AgentName)).Inc()
	}

	doc, err := l.load(ctx)
	if err != nil {
		return launcher.LaunchResult{}, err
	}
	doc.Records[recordKey(req.IssueID, req.AgentName)] = nexus.LaunchedAgentRecord{
		IssueID:      req.IssueID,
		AgentName:    req.AgentName,
		PID:          pid,
		Tool:         command,
		Tier:         req.Tier,
		Timestamp:    l.clock.Now().Unix(),
		ExcludeTools: l.excludes,
	}
	if err := l.save(ctx, doc); err != nil {
		return launcher.LaunchResult{}, err
	}

	return launcher.LaunchResult{PID: pid, Tool: command}, nil
}

func (l *Launcher) IsAlive(ctx context.Context, issueID, agentName string) (bool, error) {
	doc, err := l.load(ctx)
	if err != nil {
		return false, err
	}
	rec, ok := doc.Records[recordKey(issueID, agentName)]
	if !ok {
		return false, nil
	}
	return processAlive(rec.PID), nil
}

// processAlive reports whether PID still exists, using signal 0 (which
// performs error checking without actually sending a signal).
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, syscall.Signal(0))
	return err == nil
}

func (l *Launcher) Stop(ctx context.Context, issueID, agentName string) error {
	doc, err := l.load(ctx)
	if err != nil {
		return err
	}
	rec, ok := doc.Records[recordKey(issueID, agentName)]
	if !ok {
		return nil
	}
	if rec.PID > 0 {
		if err := syscall.Kill(rec.PID, syscall.SIGTERM); err != nil && !strings.Contains(err.Error(), "no such process") {
			return errors.Wrapf(err, "failed to stop agent pid %d", rec.PID)
		}
	}
	delete(doc.Records, recordKey(issueID, agentName))
	return l.save(ctx, doc)
}

func (l *Launcher) CleanupWorktree(ctx context.Context, issueID string) error {
	if l.worktreeRoot == "" {
		return nil
	}
	path := filepath.Join(l.worktreeRoot, issueID)
	if err := os.RemoveAll(path); err != nil {
		return errors.Wrapf(err, "failed to remove worktree %q", path)
	}
	return nil
}

var _ launcher.AgentLauncher = (*Launcher)(nil)
