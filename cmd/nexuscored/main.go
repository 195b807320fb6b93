// Command nexuscored is the orchestrator's standalone entrypoint: it wires
// storage, queue, engine, reconciler, and scheduler together and exposes the
// GitHub webhook receiver plus health/metrics endpoints over HTTP, in place
// of the teacher's Mattermost plugin host process.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/nickmisasi/nexuscore/internal/clock"
	"github.com/nickmisasi/nexuscore/internal/config"
	"github.com/nickmisasi/nexuscore/internal/contract"
	"github.com/nickmisasi/nexuscore/internal/engine"
	"github.com/nickmisasi/nexuscore/internal/eventbus"
	"github.com/nickmisasi/nexuscore/internal/launcher/process"
	"github.com/nickmisasi/nexuscore/internal/ledger"
	"github.com/nickmisasi/nexuscore/internal/ledger/rediscache"
	"github.com/nickmisasi/nexuscore/internal/lock"
	"github.com/nickmisasi/nexuscore/internal/lock/redislock"
	"github.com/nickmisasi/nexuscore/internal/log"
	"github.com/nickmisasi/nexuscore/internal/metrics"
	"github.com/nickmisasi/nexuscore/internal/nexus"
	"github.com/nickmisasi/nexuscore/internal/platform"
	"github.com/nickmisasi/nexuscore/internal/platform/breaker"
	"github.com/nickmisasi/nexuscore/internal/platform/github"
	"github.com/nickmisasi/nexuscore/internal/queue"
	"github.com/nickmisasi/nexuscore/internal/queue/pgqueue"
	"github.com/nickmisasi/nexuscore/internal/queue/storequeue"
	"github.com/nickmisasi/nexuscore/internal/reconcile"
	"github.com/nickmisasi/nexuscore/internal/registry"
	"github.com/nickmisasi/nexuscore/internal/router"
	"github.com/nickmisasi/nexuscore/internal/scheduler"
	"github.com/nickmisasi/nexuscore/internal/store"
	"github.com/nickmisasi/nexuscore/internal/store/fsstore"
	"github.com/nickmisasi/nexuscore/internal/store/pgstore"
	"github.com/nickmisasi/nexuscore/internal/watch"
	"github.com/nickmisasi/nexuscore/internal/webhook"
)

// loadDotenv mirrors the teacher pack's convention for local development:
// ".env.local" overrides take precedence over ".env", neither file is
// required, and a missing file is not an error.
func loadDotenv(logger *log.Logger) {
	for _, name := range []string{".env.local", ".env"} {
		if err := godotenv.Load(name); err != nil && !os.IsNotExist(err) {
			logger.Debugf("main: failed to load %s: %v", name, err)
		}
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func main() {
	logger, err := log.New(os.Getenv("LOG_DEBUG") == "true")
	if err != nil {
		fmt.Fprintf(os.Stderr, "nexuscored: failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	loadDotenv(logger)

	if err := contract.ValidateRequiredCommandInterface(); err != nil {
		logger.Errorf("main: command interface parity check failed: %v", err)
		os.Exit(1)
	}
	if _, err := contract.ValidateCommandParity(nil); err != nil {
		logger.Errorf("main: command parity check failed: %v", err)
		os.Exit(1)
	}

	if err := run(logger); err != nil {
		logger.Errorf("main: fatal: %v", err)
		os.Exit(1)
	}
}

func run(logger *log.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	configPath := envOr("NEXUSCORE_CONFIG", "config/projects.yaml")
	cfgWatcher, err := config.NewWatcher(configPath, logger)
	if err != nil {
		return errors.Wrap(err, "failed to load project configuration")
	}
	stopWatcher, err := cfgWatcher.Start()
	if err != nil {
		return errors.Wrap(err, "failed to start config watcher")
	}
	defer stopWatcher()

	clk := clock.Real{}
	metricsReg := metrics.New()
	terminals := nexus.NewTerminalSet()

	backend, backendCloser, err := buildStateStore(ctx, logger)
	if err != nil {
		return err
	}
	if backendCloser != nil {
		defer backendCloser()
	}

	inbox, err := buildQueue(ctx, backend, clk)
	if err != nil {
		return err
	}

	led := ledger.New(backend)
	var led2 ledger.Ledger = led
	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
		led2 = rediscache.New(rdb, led)
		logger.Infof("main: ledger backed by redis cache at %s", redisAddr)
	}

	var locker lock.IssueLocker
	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
		locker = redislock.New(rdb)
	} else {
		locker = lock.NewInMemory()
	}

	bus := eventbus.NewInMemory()

	eng := engine.New(backend, led2, locker, bus, clk, terminals, metricsReg)
	featureRegistry := registry.New(backend, clk, envIntOr("MAX_FEATURE_ITEMS_PER_PROJECT", 200))
	_ = featureRegistry // exposed to operators via future admin endpoints; not yet consumed by an HTTP route

	var plat platform.GitPlatform = github.New(os.Getenv("GITHUB_TOKEN"), os.Getenv("GITHUB_BOT_LOGIN"))
	plat = breaker.New("github", plat)

	projectRouter := router.New(cfgWatcher, plat)

	launch := process.New(backend, clk, resolveAgentCommand, splitCSV(os.Getenv("AGENT_EXCLUDE_TOOLS"))).
		WithMetrics(metricsReg)

	reconciler := reconcile.New(eng, plat, launch, projectRouter, bus, clk, logger, terminals, metricsReg, reconcile.Options{})

	whRouter := webhook.New([]byte(os.Getenv("GITHUB_WEBHOOK_SECRET")), os.Getenv("GITHUB_BOT_LOGIN"), projectRouter, inbox, eng, plat, bus, logger, launch)

	notifier := logNotifier{logger: logger}
	watchSvc := watch.New(bus, notifier, clk)
	watchSvc.BindSnapshotFetcher(func(issueID, projectKey string) (watch.Snapshot, bool) {
		wf, err := eng.GetWorkflowForIssue(ctx, issueID)
		if err != nil || wf == nil {
			return watch.Snapshot{}, false
		}
		running := wf.RunningStep()
		snap := watch.Snapshot{
			WorkflowState: string(wf.State),
			CurrentStep:   fmt.Sprintf("%d/%d", wf.CurrentStepNum, len(wf.Steps)),
		}
		if running != nil {
			snap.CurrentStepName = running.Name
			snap.CurrentAgent = running.Agent.Name
		}
		return snap, true
	})
	go watchSvc.Run(ctx)

	sched := scheduler.New(inbox, clk, logger, metricsReg, scheduler.Options{}, func(taskCtx context.Context, t nexus.Task) error {
		return createWorkflowFromTask(taskCtx, eng, cfgWatcher, plat, t)
	}, buildSlowAxisHooks(ctx, reconciler, cfgWatcher)...)

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { return sched.Run(gctx) })
	group.Go(func() error { return serveHTTP(gctx, logger, whRouter, metricsReg) })

	return group.Wait()
}

// resolveAgentCommand locates the agent's launch command under
// AGENT_BIN_DIR, mirroring the teacher's fixed per-agent-type command map
// but driven by the normalized agent name instead of a hardcoded switch.
func resolveAgentCommand(agentName, tier, repo string) (string, []string) {
	binDir := envOr("AGENT_BIN_DIR", "/opt/nexuscore/agents")
	command := filepath.Join(binDir, nexus.NormalizeAgentReference(agentName))
	return command, []string{"--tier", tier, "--repo", repo}
}

func splitCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// buildStateStore selects fsstore or pgstore (running goose migrations on
// pgstore) based on DATABASE_URL, following the teacher's pattern of a
// single environment-driven backend switch rather than separate binaries.
func buildStateStore(ctx context.Context, logger *log.Logger) (store.StateStore, func(), error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		baseDir := envOr("NEXUSCORE_DATA_DIR", "./data")
		s, err := fsstore.New(baseDir)
		if err != nil {
			return nil, nil, errors.Wrap(err, "failed to open filesystem state store")
		}
		logger.Infof("main: state store backed by filesystem at %s", baseDir)
		return s, nil, nil
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to open postgres connection for migrations")
	}
	if err := pgstore.Migrate(db); err != nil {
		_ = db.Close()
		return nil, nil, errors.Wrap(err, "failed to run postgres migrations")
	}
	_ = db.Close()

	s, err := pgstore.New(ctx, dsn)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to open postgres state store")
	}
	logger.Infof("main: state store backed by postgres")
	return s, nil, nil
}

// buildQueue mirrors buildStateStore's DATABASE_URL switch so the queue and
// state store always agree on backend.
func buildQueue(ctx context.Context, backend store.StateStore, clk clock.Clock) (queue.InboxQueue, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		return storequeue.New(backend, clk), nil
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open postgres pool for queue")
	}
	return pgqueue.New(pool), nil
}

type logNotifier struct {
	logger *log.Logger
}

func (n logNotifier) Send(chatID int64, text string) error {
	n.logger.Infof("watch: notify chat %d: %s", chatID, text)
	return nil
}

// workflowDefinitionFile is the on-disk shape of a project's
// WorkflowDefinitionPath, parsed into nexus.WorkflowDefinition. Tier applies
// to the whole workflow (spec §3's per-issue Tier), not per-step.
type workflowDefinitionFile struct {
	Name  string `yaml:"name"`
	Tier  string `yaml:"tier"`
	Steps []struct {
		Name  string `yaml:"name"`
		Agent struct {
			Name        string `yaml:"name"`
			DisplayName string `yaml:"displayName"`
			Type        string `yaml:"type"`
		} `yaml:"agent"`
	} `yaml:"steps"`
}

func loadWorkflowDefinition(path string) (nexus.WorkflowDefinition, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nexus.WorkflowDefinition{}, "", errors.Wrapf(err, "failed to read workflow definition %q", path)
	}
	var doc workflowDefinitionFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nexus.WorkflowDefinition{}, "", errors.Wrapf(err, "failed to parse workflow definition %q", path)
	}
	def := nexus.WorkflowDefinition{Name: doc.Name}
	for _, s := range doc.Steps {
		def.Steps = append(def.Steps, nexus.StepDefinition{
			Name:  s.Name,
			Agent: nexus.Agent{Name: s.Agent.Name, DisplayName: s.Agent.DisplayName, Type: s.Agent.Type},
		})
	}
	tier := doc.Tier
	if tier == "" {
		tier = "standard"
	}
	return def, tier, nil
}

// issueFilenameRe matches the webhook-sourced naming convention
// ("issue_<number>.md"); tasks submitted directly to the inbox (e.g.
// "task_901.md") carry no pre-existing GitHub issue number and return "".
var issueFilenameRe = regexp.MustCompile(`^issue_(\d+)\.md$`)

func issueIDFromFilename(filename string) string {
	if m := issueFilenameRe.FindStringSubmatch(filepath.Base(filename)); m != nil {
		return m[1]
	}
	return ""
}

// taskTitle derives an issue title for a freshly-submitted task: its first
// markdown heading if it has one, else its filename with underscores
// turned into spaces.
func taskTitle(t nexus.Task) string {
	for _, line := range strings.Split(t.MarkdownContent, "\n") {
		line = strings.TrimSpace(line)
		if after, ok := strings.CutPrefix(line, "#"); ok {
			return strings.TrimSpace(strings.TrimLeft(after, "#"))
		}
	}
	name := strings.TrimSuffix(filepath.Base(t.Filename), filepath.Ext(t.Filename))
	return strings.ReplaceAll(name, "_", " ")
}

// createWorkflowFromTask is the scheduler's per-task handler. Tasks that
// arrived via the GitHub webhook already name a GitHub issue in their
// filename; tasks submitted directly to the inbox have none yet and get
// one created on the fly before the workflow starts. It then resolves the
// project's workflow definition and tier, creates the workflow if this
// issue has none yet, and starts it. Already-started issues are a no-op
// (idempotent replay on queue redelivery).
func createWorkflowFromTask(ctx context.Context, eng *engine.Engine, cfgWatcher *config.Watcher, plat platform.GitPlatform, t nexus.Task) error {
	pc, ok := cfgWatcher.Current().Project(t.ProjectKey)
	if !ok {
		return errors.Errorf("createWorkflowFromTask: unknown project %q", t.ProjectKey)
	}
	repo := ""
	if len(pc.Repos) > 0 {
		repo = pc.Repos[0]
	}

	issueID := issueIDFromFilename(t.Filename)
	if issueID == "" {
		number, err := plat.CreateIssue(ctx, repo, taskTitle(t), t.MarkdownContent, nil)
		if err != nil {
			return errors.Wrapf(err, "createWorkflowFromTask: failed to create issue for task %q", t.Filename)
		}
		issueID = strconv.Itoa(number)
	}

	existing, err := eng.GetWorkflowForIssue(ctx, issueID)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}

	defPath := pc.WorkflowDefinitionPath
	if defPath == "" {
		defPath = filepath.Join(pc.Workspace, ".nexus", "workflow.yaml")
	}
	def, tier, err := loadWorkflowDefinition(defPath)
	if err != nil {
		return err
	}

	workflowID, err := eng.CreateWorkflowForIssue(ctx, issueID, t.ProjectKey, repo, tier, def)
	if err != nil {
		return err
	}
	return eng.StartWorkflow(ctx, workflowID, issueID)
}

func buildSlowAxisHooks(ctx context.Context, reconciler *reconcile.Reconciler, cfgWatcher *config.Watcher) []scheduler.SlowAxisHook {
	startupDone := false
	return []scheduler.SlowAxisHook{
		func(hookCtx context.Context) error {
			isStartup := !startupDone
			startupDone = true
			return reconciler.RunCycle(hookCtx, isStartup)
		},
		func(hookCtx context.Context) error {
			var firstErr error
			for _, pc := range cfgWatcher.Current().All() {
				if err := reconciler.RunUnmappedScan(hookCtx, pc.ProjectKey); err != nil && firstErr == nil {
					firstErr = err
				}
			}
			return firstErr
		},
	}
}

func serveHTTP(ctx context.Context, logger *log.Logger, whRouter *webhook.Router, metricsReg *metrics.Registry) error {
	r := mux.NewRouter()

	r.HandleFunc("/api/v1/webhooks/github", func(w http.ResponseWriter, req *http.Request) {
		body, err := io.ReadAll(req.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		status, resp := whRouter.Handle(req.Context(),
			req.Header.Get("X-Hub-Signature-256"),
			req.Header.Get("X-GitHub-Event"),
			req.Header.Get("X-GitHub-Delivery"),
			body,
		)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		writeJSON(w, resp)
	}).Methods(http.MethodPost)

	admin := r.PathPrefix("/api/v1/admin").Subrouter()
	admin.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	admin.Handle("/metrics", promhttp.HandlerFor(metricsReg.Gatherer(), promhttp.HandlerOpts{}))

	addr := envOr("HTTP_ADDR", ":8080")
	srv := &http.Server{Addr: addr, Handler: r}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("main: http server listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

func writeJSON(w http.ResponseWriter, resp webhook.Response) {
	if resp == nil {
		_, _ = w.Write([]byte("{}"))
		return
	}
	b, err := json.Marshal(resp)
	if err != nil {
		_, _ = w.Write([]byte(`{"status":"error"}`))
		return
	}
	_, _ = w.Write(b)
}
