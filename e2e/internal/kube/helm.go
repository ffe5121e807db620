package kube

import (
	"context"
	"errors"
	"fmt"
	"os"
)

// Release identifies a helm release of the sequencer chart.
type Release struct {
	Name      string
	Namespace string

	// ValuesFiles are passed in order before the rendered overrides.
	ValuesFiles []string
}

type Helm struct {
	runner   Runner
	binary   string
	chartDir string
}

// NewHelm returns a helm driver for the chart at chartDir, relative to the runner's working
// directory.
func NewHelm(runner Runner, chartDir string) *Helm {
	return &Helm{runner: runner, binary: "helm", chartDir: chartDir}
}

// SetBinary overrides the helm executable.
func (h *Helm) SetBinary(name string) {
	h.binary = name
}

func (h *Helm) Install(ctx context.Context, rel Release, values Values) error {
	return h.release(ctx, "install", rel, values, "--create-namespace")
}

func (h *Helm) Upgrade(ctx context.Context, rel Release, values Values) error {
	return h.release(ctx, "upgrade", rel, values)
}

func (h *Helm) release(ctx context.Context, subcommand string, rel Release, values Values, extra ...string) error {
	return h.withValuesFile(values, func(path string) error {
		args := []string{subcommand, "--namespace=" + rel.Namespace, rel.Name, h.chartDir}
		args = append(args, valuesArgs(rel.ValuesFiles, path)...)
		args = append(args, extra...)
		if _, err := h.runner.Run(ctx, nil, h.binary, args...); err != nil {
			return fmt.Errorf("failed to %s release %s: %w", subcommand, rel.Name, err)
		}
		return nil
	})
}

// Template renders the single chart template showOnly with the given values.
func (h *Helm) Template(ctx context.Context, showOnly string, valuesFiles []string, values Values) ([]byte, error) {
	var manifest []byte
	err := h.withValuesFile(values, func(path string) error {
		args := []string{"template", h.chartDir, "--dry-run", "--show-only=" + showOnly}
		args = append(args, valuesArgs(valuesFiles, path)...)
		out, err := h.runner.Run(ctx, nil, h.binary, args...)
		if err != nil {
			return fmt.Errorf("failed to render %s: %w", showOnly, err)
		}
		manifest = out
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(manifest) == 0 {
		return nil, errors.New("helm template produced an empty manifest for " + showOnly)
	}
	return manifest, nil
}

func valuesArgs(files []string, overrides string) []string {
	args := make([]string, 0, len(files)+1)
	for _, f := range files {
		args = append(args, "--values="+f)
	}
	return append(args, "--values="+overrides)
}

func (h *Helm) withValuesFile(values Values, f func(path string) error) error {
	data, err := values.Render()
	if err != nil {
		return err
	}
	file, err := os.CreateTemp("", "sequencer-values-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create values file: %w", err)
	}
	defer os.Remove(file.Name())
	if _, err := file.Write(data); err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to write values file: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close values file: %w", err)
	}
	return f(file.Name())
}
