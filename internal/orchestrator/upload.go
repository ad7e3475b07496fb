package orchestrator

import (
	"context"
	"fmt"
	"time"

	v1 "github.com/f9-o/fleet/api/v1"
	"github.com/f9-o/fleet/internal/core/logger"
	"github.com/f9-o/fleet/internal/metrics"
	"github.com/f9-o/fleet/internal/remote"
	"github.com/f9-o/fleet/pkg/errs"
)

// Upload retry policy.
const (
	UploadRetries    = 3
	UploadRetryDelay = 5 * time.Second
)

// SigningKeyFile is the deployer's nix store signing key.
const SigningKeyFile = "/etc/nix/private-key"

// Uploader copies built closures to their hosts.
type Uploader struct {
	// Local signs closures before they leave the deployer.
	Local   remote.Host
	Metrics *metrics.Collector
	Log     *logger.Logger
	// Sleep waits between attempts; nil means a context-aware time sleep.
	Sleep   func(ctx context.Context, d time.Duration) error
}

// Upload makes path available on host and returns the path valid there.
func (u *Uploader) Upload(ctx context.Context, host remote.Host, location v1.GenerationStorage, path string) (string, error) {
	if location == v1.StoragePusher {
		return "", errs.Newf(errs.ErrUploadTarget, "upload.location",
			"pusher storage is not supported in this version").WithHost(host.Name())
	}
	if host.IsLocal() {
		return path, nil
	}

	log := u.Log.ForHost(host.Name())

	// Signing lets the host accept the closure without trusting the deployer user.
	sign := remote.Cmd("nix", "store", "sign", "--key-file", SigningKeyFile, "-r", path).Privileged()
	if _, err := u.Local.Run(ctx, sign); err != nil {
		log.Warn("upload.sign.failed", "path", path, "err", err)
	}

	var lastErr error
	for attempt := 0; attempt <= UploadRetries; attempt++ {
		if attempt > 0 {
			log.Warn("upload.retry", "attempt", attempt, "of", UploadRetries, "err", lastErr)
			if err := u.sleep(ctx, UploadRetryDelay); err != nil {
				return "", err
			}
		}
		remotePath, err := host.RemoteDerivation(ctx, path)
		if err != nil {
			u.Metrics.Upload(metrics.ResultFailure)
			lastErr = err
			continue
		}
		u.Metrics.Upload(metrics.ResultSuccess)
		if remotePath != path {
			panic(fmt.Sprintf("upload: %s became %s on %s; only content-addressed closures are supported",
				path, remotePath, host.Name()))
		}
		log.Info("upload.done", "path", path, "attempts", attempt+1)
		return remotePath, nil
	}
	return "", errs.Wrap(lastErr, errs.ErrUpload, "upload.copy").WithHost(host.Name()).
		WithAdvice("check that the host is reachable and trusts the deployer's signing key")
}

func (u *Uploader) sleep(ctx context.Context, d time.Duration) error {
	if u.Sleep != nil {
		return u.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
