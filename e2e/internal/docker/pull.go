package docker

import (
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/image"
)

// Pull fetches imageName ahead of time so that the first run is not charged the pull.
func (r *Runner) Pull(ctx context.Context, imageName string) error {
	r.log.Debug("--> Pulling image", "image", imageName)
	rc, err := r.docker.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull docker image %s: %w", imageName, err)
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("failed to read pull progress for %s: %w", imageName, err)
	}
	return nil
}
