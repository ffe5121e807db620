package upgradecmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/astriaorg/astria/system-tests/e2e/internal/fatal"
	"github.com/astriaorg/astria/system-tests/e2e/internal/gomod"
	"github.com/astriaorg/astria/system-tests/e2e/internal/kube"
	"github.com/astriaorg/astria/system-tests/e2e/internal/logging"
	"github.com/astriaorg/astria/system-tests/e2e/internal/metrics"
	"github.com/astriaorg/astria/system-tests/e2e/internal/portforward"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type ExitCode int

const (
	exitCodeSuccess = 0
	exitCodeError   = 1
)

const (
	sequencerImageRepo     = "ghcr.io/astriaorg/sequencer"
	sequencerChart         = "charts/sequencer"
	defaultUpgradeName     = "upgrade1"
	metricsShutdownTimeout = 5 * time.Second
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func Run() ExitCode {
	return execute(os.Args[1:], os.Stdout, os.Stderr)
}

func execute(args []string, stdout, stderr io.Writer) ExitCode {
	// A missing .env is fine; flags and the environment still apply.
	_ = godotenv.Load()

	rootCmd := newRootCmd(stderr)
	rootCmd.SetArgs(args)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	if err := rootCmd.Execute(); err != nil {
		var reported *reportedError
		if !errors.As(err, &reported) {
			fmt.Fprintln(stderr, "Error:", err)
		}
		return exitCodeError
	}
	return exitCodeSuccess
}

func newRootCmd(stderr io.Writer) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "upgrade-test",
		Short:         "Verify that a sequencer network upgrades at a predetermined block height.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			err := cmd.Help()
			if err != nil {
				return fmt.Errorf("failed to show help: %w", err)
			}
			return nil
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.BoolP("verbose", "v", false, "print verbose output and set debug logging level")
	flags.String("metrics-addr", envWithDefault("ASTRIA_METRICS_ADDR", ""), "address to serve prometheus metrics on while running (env: ASTRIA_METRICS_ADDR)")
	flags.String("kubectl", envWithDefault("KUBECTL", "kubectl"), "kubectl binary (env: KUBECTL)")
	flags.String("helm", envWithDefault("HELM", "helm"), "helm binary (env: HELM)")
	flags.String("workspace", envWithDefault("ASTRIA_WORKSPACE", ""), "repository root holding charts/ and dev/ (env: ASTRIA_WORKSPACE, default: found from the working directory)")

	rootCmd.AddCommand(
		NewRunCmd().Command(),
		NewMultiCmd().Command(),
		NewActivationPointCmd().Command(),
	)

	rootCmd.SetErr(stderr)
	return rootCmd
}

// reportedError marks an error that has already been logged.
type reportedError struct {
	err error
}

func (e *reportedError) Error() string { return e.err.Error() }
func (e *reportedError) Unwrap() error { return e.err }

// Env is what every subcommand gets: a logger and lazily resolved access to the cluster.
type Env struct {
	Log     *slog.Logger
	Verbose bool

	kubectl   string
	helm      string
	workspace string
}

// Workspace returns the repository root that holds the charts and dev values.
func (e *Env) Workspace() (string, error) {
	if e.workspace != "" {
		return e.workspace, nil
	}
	root, err := gomod.FindRepoRoot(".")
	if err != nil {
		return "", fmt.Errorf("failed to find workspace: %w", err)
	}
	e.workspace = root
	return root, nil
}

// Cluster returns helm and kubectl drivers that run from the workspace.
func (e *Env) Cluster() (*kube.Cluster, error) {
	ws, err := e.Workspace()
	if err != nil {
		return nil, err
	}
	runner := &kube.ExecRunner{Log: e.Log, Dir: ws}
	cluster := kube.NewCluster(e.Log, runner, filepath.Join(ws, sequencerChart))
	cluster.Helm.SetBinary(e.helm)
	cluster.Kubectl.SetBinary(e.kubectl)
	return cluster, nil
}

func (e *Env) Forwarder() (*portforward.Kubectl, error) {
	return portforward.New(portforward.Config{Logger: e.Log, Kubectl: e.kubectl})
}

func newEnv(cmd *cobra.Command, flags *pflag.FlagSet) (*Env, error) {
	verbose, err := flags.GetBool("verbose")
	if err != nil {
		return nil, fmt.Errorf("failed to get verbose flag: %w", err)
	}
	log := logging.New(cmd.ErrOrStderr(), verbose)
	logging.SetTestcontainersLogger(log)

	env := &Env{Log: log, Verbose: verbose}
	if env.kubectl, err = flags.GetString("kubectl"); err != nil {
		return nil, fmt.Errorf("failed to get kubectl flag: %w", err)
	}
	if env.helm, err = flags.GetString("helm"); err != nil {
		return nil, fmt.Errorf("failed to get helm flag: %w", err)
	}
	if env.workspace, err = flags.GetString("workspace"); err != nil {
		return nil, fmt.Errorf("failed to get workspace flag: %w", err)
	}
	return env, nil
}

// withEnv is the single place errors are reported: fatal errors fail the test, anything else
// is a harness failure. Either way the command exits non-zero.
func withEnv(f func(ctx context.Context, env *Env, cmd *cobra.Command, args []string) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		flags := cmd.Root().PersistentFlags()
		env, err := newEnv(cmd, flags)
		if err != nil {
			return err
		}
		log := env.Log

		metricsAddr, err := flags.GetString("metrics-addr")
		if err != nil {
			return fmt.Errorf("failed to get metrics-addr flag: %w", err)
		}
		if metricsAddr != "" {
			_, stop, err := serveMetrics(ctx, log, metricsAddr)
			if err != nil {
				return fmt.Errorf("failed to start metrics server: %w", err)
			}
			defer stop()
		}

		err = f(ctx, env, cmd, args)
		if err != nil {
			if fatal.Is(err) {
				log.Error("==> Upgrade test failed", "error", err)
			} else {
				log.Error("failed to run command", "error", err)
			}
			return &reportedError{err: err}
		}
		return nil
	}
}

// serveMetrics serves /metrics on addr until the returned stop func is called, and returns the
// address it listens on.
func serveMetrics(ctx context.Context, log *slog.Logger, addr string) (string, func(), error) {
	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", nil, err
	}
	log.Info("prometheus metrics server listening", "address", listener.Addr().String())

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("prometheus metrics server failed", "error", err)
		}
	}()

	return listener.Addr().String(), func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), metricsShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}, nil
}

func envWithDefault(envVar, defaultValue string) string {
	if value := os.Getenv(envVar); value != "" {
		return value
	}
	return defaultValue
}
