// Package portforward exposes a pod port on a local ephemeral port by supervising a
// `kubectl port-forward` subprocess.
package portforward

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/astriaorg/astria/system-tests/e2e/internal/metrics"
	"github.com/astriaorg/astria/system-tests/e2e/internal/retry"
)

var forwardingLine = regexp.MustCompile(`^Forwarding from 127\.0\.0\.1:(\d+) -> (\d+)`)

var ErrExited = errors.New("port-forwarding process exited")

// Spec names the remote end of a forward.
type Spec struct {
	Namespace string
	// Target is a kubectl resource reference such as "pod/sequencer-0".
	Target     string
	RemotePort int
}

func (s Spec) String() string {
	return fmt.Sprintf("%s/%s:%d", s.Namespace, s.Target, s.RemotePort)
}

// Endpoint is a live local forward.
type Endpoint interface {
	Addr() string
	LocalPort() int
	Exited() bool
	Close() error
}

// Forwarder establishes forwards. It is satisfied by *Kubectl and by in-process fakes.
type Forwarder interface {
	Forward(ctx context.Context, spec Spec) (Endpoint, error)
}

type Config struct {
	Logger *slog.Logger

	// Kubectl is the kubectl binary to run. Defaults to "kubectl".
	Kubectl string

	// Retries is the number of additional attempts after a forward fails to come up.
	Retries uint

	// ReadyTimeout bounds how long a single attempt waits for kubectl to report the local port.
	ReadyTimeout time.Duration
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Kubectl == "" {
		c.Kubectl = "kubectl"
	}
	if c.Retries == 0 {
		c.Retries = 4
	}
	if c.ReadyTimeout == 0 {
		c.ReadyTimeout = 10 * time.Second
	}
	return nil
}

type Kubectl struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Kubectl, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Kubectl{log: cfg.Logger, cfg: cfg}, nil
}

// Forward starts a port-forward to spec, retrying until kubectl reports a local port that
// accepts connections.
func (k *Kubectl) Forward(ctx context.Context, spec Spec) (Endpoint, error) {
	fwd, err := retry.Do(ctx, retry.Options{Name: "port-forward " + spec.String(), Retries: k.cfg.Retries, Log: k.log},
		func(ctx context.Context) (*Forward, error) {
			fwd, err := k.start(ctx, spec)
			if err != nil {
				metrics.PortForwardsTotal.WithLabelValues(spec.Namespace, "error").Inc()
				k.log.Debug("--> Port-forwarding attempt failed", "target", spec.String(), "error", err)
				return nil, err
			}
			metrics.PortForwardsTotal.WithLabelValues(spec.Namespace, "ok").Inc()
			return fwd, nil
		})
	if err != nil {
		return nil, fmt.Errorf("failed to start port-forwarding to %s: %w", spec, err)
	}
	k.log.Debug("--> Port-forwarding started", "target", spec.String(), "localPort", fwd.localPort)
	return fwd, nil
}

// Forward is a running kubectl port-forward process.
type Forward struct {
	log       *slog.Logger
	spec      Spec
	cmd       *exec.Cmd
	localPort int

	done    chan struct{}
	waitErr error

	mu     sync.Mutex
	output []string
	// partial holds a trailing line not yet terminated by a newline.
	partial string
}

// maxOutputLines bounds the kubectl output kept for diagnostics. kubectl logs one line per
// forwarded connection, so a long run would otherwise grow without limit.
const maxOutputLines = 64

func (k *Kubectl) start(ctx context.Context, spec Spec) (*Forward, error) {
	cmd := exec.Command(k.cfg.Kubectl, "port-forward",
		"--namespace", spec.Namespace,
		"--address", "127.0.0.1",
		spec.Target, fmt.Sprintf(":%d", spec.RemotePort))

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	f := &Forward{log: k.log, spec: spec, cmd: cmd, done: make(chan struct{})}
	cmd.Stderr = &lockedWriter{f: f}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start kubectl: %w", err)
	}

	ports := make(chan int, 1)
	scanDone := make(chan struct{})
	go func() {
		defer close(scanDone)
		sc := bufio.NewScanner(stdout)
		for sc.Scan() {
			line := sc.Text()
			f.appendOutput(line + "\n")
			if m := forwardingLine.FindStringSubmatch(line); m != nil {
				port, _ := strconv.Atoi(m[1])
				select {
				case ports <- port:
				default:
				}
			}
		}
	}()
	go func() {
		<-scanDone
		f.waitErr = cmd.Wait()
		close(f.done)
	}()

	timer := time.NewTimer(k.cfg.ReadyTimeout)
	defer timer.Stop()
	select {
	case port := <-ports:
		f.localPort = port
	case <-f.done:
		return nil, fmt.Errorf("%w before reporting a local port: %v: %s", ErrExited, f.waitErr, f.Output())
	case <-timer.C:
		_ = f.Close()
		return nil, fmt.Errorf("timed out after %s waiting for kubectl to report a local port: %s", k.cfg.ReadyTimeout, f.Output())
	case <-ctx.Done():
		_ = f.Close()
		return nil, ctx.Err()
	}

	conn, err := net.DialTimeout("tcp", f.Addr(), time.Second)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("local port %d not accepting connections: %w", f.localPort, err)
	}
	_ = conn.Close()

	return f, nil
}

func (f *Forward) Addr() string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(f.localPort))
}

func (f *Forward) LocalPort() int {
	return f.localPort
}

// Exited reports whether the kubectl process has terminated.
func (f *Forward) Exited() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Output returns the most recent lines kubectl has written.
func (f *Forward) Output() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return strings.Join(f.output, "") + f.partial
}

// Close stops the forward. A process that already exited on its own has its output logged.
func (f *Forward) Close() error {
	if f.Exited() {
		f.log.Warn("--> Port-forwarding had already terminated", "target", f.spec.String(), "error", f.waitErr, "output", f.Output())
		return nil
	}
	if err := f.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to kill port-forwarding process: %w", err)
	}
	<-f.done
	return nil
}

func (f *Forward) appendOutput(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s = f.partial + s
	for {
		i := strings.IndexByte(s, '\n')
		if i < 0 {
			break
		}
		f.output = append(f.output, s[:i+1])
		s = s[i+1:]
	}
	f.partial = s
	if n := len(f.output) - maxOutputLines; n > 0 {
		f.output = append(f.output[:0], f.output[n:]...)
	}
}

type lockedWriter struct {
	f *Forward
}

func (w *lockedWriter) Write(p []byte) (int, error) {
	w.f.appendOutput(string(p))
	return len(p), nil
}
