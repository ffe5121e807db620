package kube

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const (
	SequencerStatefulSet = "sequencer"
	SequencerContainer   = "sequencer"
	SequencerPod         = "sequencer-0"

	UpgradeConfigMapTemplate = "templates/upgrade_configmap.yaml"
)

// Cluster bundles the helm and kubectl drivers used to manage sequencer releases.
type Cluster struct {
	*Helm
	*Kubectl
}

func NewCluster(log *slog.Logger, runner Runner, chartDir string) *Cluster {
	return &Cluster{Helm: NewHelm(runner, chartDir), Kubectl: NewKubectl(log, runner)}
}

// ImageStager stages an upgrade on an already running single-node cluster by rewriting the
// upgrades configmap and swapping the sequencer image in place.
type ImageStager struct {
	Log         *slog.Logger
	Cluster     *Cluster
	Namespace   string
	ValuesFiles []string
	UpgradeName string
	Image       string
}

func (s *ImageStager) StageUpgrade(ctx context.Context, activationHeight uint64) error {
	manifest, err := s.Cluster.Template(ctx, UpgradeConfigMapTemplate, s.ValuesFiles, Values{
		UpgradeName:      s.UpgradeName,
		ActivationHeight: activationHeight,
	})
	if err != nil {
		return fmt.Errorf("failed to render upgrade configmap: %w", err)
	}
	if err := s.Cluster.Apply(ctx, s.Namespace, manifest); err != nil {
		return err
	}
	s.Log.Info("==> Upgrade configmap applied", "upgrade", s.UpgradeName, "activationHeight", activationHeight)

	if err := s.Cluster.SetImage(ctx, s.Namespace, SequencerStatefulSet, SequencerContainer, s.Image); err != nil {
		return err
	}
	s.Log.Info("==> Sequencer image updated", "image", s.Image)
	return nil
}

func (s *ImageStager) WaitForRollout(ctx context.Context, timeout time.Duration) error {
	return s.Cluster.WaitForRollout(ctx, s.Namespace, SequencerStatefulSet, SequencerPod, timeout)
}
