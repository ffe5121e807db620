package kube

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

type Kubectl struct {
	log    *slog.Logger
	runner Runner
	binary string
}

func NewKubectl(log *slog.Logger, runner Runner) *Kubectl {
	return &Kubectl{log: log, runner: runner, binary: "kubectl"}
}

// SetBinary overrides the kubectl executable.
func (k *Kubectl) SetBinary(name string) {
	k.binary = name
}

// Apply applies manifest in namespace.
func (k *Kubectl) Apply(ctx context.Context, namespace string, manifest []byte) error {
	if _, err := k.runner.Run(ctx, manifest, k.binary, "apply", "--namespace="+namespace, "--filename=-"); err != nil {
		return fmt.Errorf("failed to apply manifest: %w", err)
	}
	return nil
}

// SetImage points container of the statefulset at image.
func (k *Kubectl) SetImage(ctx context.Context, namespace, statefulSet, container, image string) error {
	if _, err := k.runner.Run(ctx, nil, k.binary, "set", "image", "--namespace="+namespace,
		"statefulset", statefulSet, container+"="+image); err != nil {
		return fmt.Errorf("failed to set image on statefulset %s: %w", statefulSet, err)
	}
	return nil
}

func (k *Kubectl) DeletePod(ctx context.Context, namespace, pod string) error {
	if _, err := k.runner.Run(ctx, nil, k.binary, "delete", "pod", "--namespace="+namespace, pod); err != nil {
		return fmt.Errorf("failed to delete pod %s: %w", pod, err)
	}
	return nil
}

// WaitForRollout waits for the statefulset's rollout to finish. On failure the namespace's pods
// and the pod's warning events are logged before the error is returned.
func (k *Kubectl) WaitForRollout(ctx context.Context, namespace, statefulSet, pod string, timeout time.Duration) error {
	_, err := k.runner.Run(ctx, nil, k.binary, "rollout", "status", "statefulset/"+statefulSet,
		"--namespace="+namespace, fmt.Sprintf("--timeout=%ds", int(timeout.Seconds())))
	if err == nil {
		return nil
	}
	k.log.Error("--> Rollout did not complete", "namespace", namespace, "statefulset", statefulSet, "timeout", timeout)
	k.log.Error("--> Pods", "namespace", namespace, "output", k.Diagnostics(ctx, namespace, pod))
	return fmt.Errorf("statefulset %s in %s did not roll out within %s: %w", statefulSet, namespace, timeout, err)
}

// Diagnostics returns the pod listing and warning events for pod, for inclusion in failure
// reports. Failures to collect are folded into the text.
func (k *Kubectl) Diagnostics(ctx context.Context, namespace, pod string) string {
	var b strings.Builder
	pods, err := k.runner.Run(ctx, nil, k.binary, "get", "pods", "--namespace="+namespace)
	if err != nil {
		fmt.Fprintf(&b, "failed to list pods: %v\n", err)
	} else {
		b.Write(pods)
	}
	events, err := k.runner.Run(ctx, nil, k.binary, "events", "--namespace="+namespace, "--for=Pod/"+pod, "--types=Warning")
	if err != nil {
		fmt.Fprintf(&b, "failed to get events: %v\n", err)
	} else {
		b.Write(events)
	}
	return b.String()
}
