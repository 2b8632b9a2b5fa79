package device

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"

	"Mansoor88-6/analytics-telemetry/internal/errs"
	"Mansoor88-6/analytics-telemetry/internal/localstore"
	"Mansoor88-6/analytics-telemetry/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const installationIDKey = "device.installation_id"

// Provider supplies static device metadata and a stable installation id.
type Provider struct {
	store      localstore.Store
	configured string
	appVersion string
	logger     *zap.Logger

	mu     sync.Mutex
	cached string
}

func NewProvider(store localstore.Store, configuredID, appVersion string, logger *zap.Logger) *Provider {
	return &Provider{
		store:      store,
		configured: strings.TrimSpace(configuredID),
		appVersion: appVersion,
		logger:     logger,
	}
}

// InstallationID returns the configured id, else the persisted one, else a
// freshly generated id which is persisted for the next start.
func (p *Provider) InstallationID(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cached != "" {
		return p.cached, nil
	}
	if p.configured != "" {
		p.cached = p.configured
		return p.cached, nil
	}

	stored, err := p.store.Get(ctx, installationIDKey)
	switch {
	case err == nil && len(stored) > 0:
		p.cached = string(stored)
		return p.cached, nil
	case err != nil && !errors.Is(err, errs.ErrNotFound):
		return "", fmt.Errorf("failed to load installation id: %w", err)
	}

	id := uuid.New().String()
	if err := p.store.Put(ctx, installationIDKey, []byte(id)); err != nil {
		return "", fmt.Errorf("failed to persist installation id: %w", err)
	}
	p.logger.Info("Generated installation ID", zap.String("installation_id", id))

	p.cached = id
	return id, nil
}

// Info returns device metadata. InstallationID is filled only once
// InstallationID has resolved.
func (p *Provider) Info() models.DeviceInfo {
	p.mu.Lock()
	id := p.cached
	p.mu.Unlock()

	release, machine := uname()
	if machine == "" {
		machine = runtime.GOARCH
	}
	hostname, _ := os.Hostname()

	return models.DeviceInfo{
		InstallationID: id,
		OS:             runtime.GOOS,
		OSRelease:      release,
		Arch:           runtime.GOARCH,
		Machine:        machine,
		Hostname:       hostname,
		AppVersion:     p.appVersion,
	}
}

// Platform is the short platform tag stamped on events, e.g. "linux/amd64".
func (p *Provider) Platform() string {
	return runtime.GOOS + "/" + runtime.GOARCH
}

func (p *Provider) AppVersion() string {
	return p.appVersion
}
