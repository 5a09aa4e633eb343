// Package container wraps the Docker SDK to provide the executor container
// pool described in spec §4.2.4: containers are acquired per session_id,
// reused while live, and bounded by a global capacity across the
// dispatcher process.
package container

import (
	"context"
	"fmt"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/loomrun/loomrun/internal/common/apperr"
	"github.com/loomrun/loomrun/internal/common/config"
	"github.com/loomrun/loomrun/internal/common/constants"
	"github.com/loomrun/loomrun/internal/common/logger"
)

// Handle identifies one acquired executor container, keyed by session_id
// per spec §4.2.4.
type Handle struct {
	SessionID   string
	ContainerID string
	ExecutorURL string
	Mode        string // "ephemeral" | "persistent"
}

// Pool acquires and releases executor containers, bounded by
// config.DockerConfig.MaxContainers. When ExecutorManagerURL is set the
// pool defers container lifecycle to that external fleet manager instead
// of driving the Docker socket directly.
type Pool struct {
	cli    *client.Client
	log    *logger.Logger
	cfg    config.DockerConfig
	sem    chan struct{}
	mu     sync.Mutex
	active map[string]*Handle // session_id -> handle, for reuse-if-live
}

// New builds a Pool. When cfg.Enabled is false (or ExecutorManagerURL is
// set), the returned Pool never touches the Docker socket; Acquire then
// returns a Handle pointing at ExecutorManagerURL, or fails with
// ContainerStartFailed when that URL is empty.
func New(cfg config.DockerConfig, log *logger.Logger) (*Pool, error) {
	p := &Pool{
		cfg:    cfg,
		log:    log,
		sem:    make(chan struct{}, maxInt(cfg.MaxContainers, 1)),
		active: make(map[string]*Handle),
	}
	if !cfg.Enabled || cfg.ExecutorManagerURL != "" {
		return p, nil
	}

	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	p.cli = cli
	return p, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Close releases the underlying Docker client.
func (p *Pool) Close() error {
	if p.cli == nil {
		return nil
	}
	return p.cli.Close()
}

// Acquire reserves a pool slot and returns a live executor container for
// sessionID, reusing an existing one when still running. It blocks until
// a slot is free or ctx is done, bounded by the caller's
// constants.ContainerAcquireTimeout deadline. The caller MUST call
// Release when the run completes, whether dispatch succeeded or not
// (spec §4.2.6).
func (p *Pool) Acquire(ctx context.Context, sessionID, workspaceDir, mode string) (*Handle, error) {
	p.mu.Lock()
	if h, ok := p.active[sessionID]; ok && p.isLive(ctx, h) {
		p.mu.Unlock()
		return h, nil
	}
	p.mu.Unlock()

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, apperr.ContainerStartFailed("acquire container pool slot", ctx.Err())
	}

	h, err := p.start(ctx, sessionID, workspaceDir, mode)
	if err != nil {
		<-p.sem
		return nil, err
	}

	p.mu.Lock()
	p.active[sessionID] = h
	p.mu.Unlock()
	return h, nil
}

// Release frees sessionID's pool slot for an ephemeral container, or for
// any container when forceStop is set, and stops and removes it; otherwise
// a persistent container is left running for reuse by a later run in the
// same session and keeps its slot.
func (p *Pool) Release(ctx context.Context, sessionID string, forceStop bool) {
	p.mu.Lock()
	h, ok := p.active[sessionID]
	if !ok {
		p.mu.Unlock()
		return
	}
	if h.Mode == "ephemeral" || forceStop {
		delete(p.active, sessionID)
	}
	p.mu.Unlock()

	if h.Mode != "ephemeral" && !forceStop {
		return // keep running for reuse, slot stays held
	}

	p.stop(ctx, h.ContainerID)
	<-p.sem
}

func (p *Pool) isLive(ctx context.Context, h *Handle) bool {
	if p.cli == nil {
		return true // externally managed fleet: assume the manager keeps it live
	}
	inspect, err := p.cli.ContainerInspect(ctx, h.ContainerID)
	if err != nil {
		return false
	}
	return inspect.State != nil && inspect.State.Running
}

func (p *Pool) start(ctx context.Context, sessionID, workspaceDir, mode string) (*Handle, error) {
	if p.cfg.ExecutorManagerURL != "" {
		return &Handle{SessionID: sessionID, ContainerID: sessionID, ExecutorURL: p.cfg.ExecutorManagerURL, Mode: mode}, nil
	}
	if p.cli == nil {
		return nil, apperr.ContainerStartFailed("docker disabled and no executor manager configured", nil)
	}

	name := "loomrun-exec-" + sessionID
	containerCfg := &container.Config{
		Image:  p.cfg.ExecutorImage,
		Labels: map[string]string{"loomrun.session_id": sessionID, "loomrun.mode": mode},
	}
	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{{
			Type:     mount.TypeBind,
			Source:   workspaceDir,
			Target:   "/workspace",
			ReadOnly: false,
		}},
		NetworkMode: container.NetworkMode(p.cfg.DefaultNetwork),
		AutoRemove:  mode == "ephemeral",
	}

	createCtx, cancel := context.WithTimeout(ctx, constants.ContainerAcquireTimeout)
	defer cancel()

	resp, err := p.cli.ContainerCreate(createCtx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		return nil, apperr.ContainerStartFailed(fmt.Sprintf("create container for session %s", sessionID), err)
	}
	if err := p.cli.ContainerStart(createCtx, resp.ID, container.StartOptions{}); err != nil {
		return nil, apperr.ContainerStartFailed(fmt.Sprintf("start container for session %s", sessionID), err)
	}

	p.log.Info("executor container started",
		zap.String("session_id", sessionID),
		zap.String("container_id", resp.ID),
		zap.String("mode", mode),
	)

	return &Handle{
		SessionID:   sessionID,
		ContainerID: resp.ID,
		ExecutorURL: fmt.Sprintf("http://%s:8090", name),
		Mode:        mode,
	}, nil
}

func (p *Pool) stop(ctx context.Context, containerID string) {
	if p.cli == nil {
		return
	}
	stopCtx, cancel := context.WithTimeout(ctx, constants.LocalCancelTimeout)
	defer cancel()

	timeoutSeconds := int(constants.LocalCancelTimeout.Seconds())
	if err := p.cli.ContainerStop(stopCtx, containerID, container.StopOptions{Timeout: &timeoutSeconds}); err != nil {
		p.log.Warn("stop container failed, forcing removal", zap.String("container_id", containerID), zap.Error(err))
	}
	if err := p.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		p.log.Warn("remove container failed", zap.String("container_id", containerID), zap.Error(err))
	}
}

// InUse returns the number of pool slots currently occupied, for
// internal/common/metrics.Registry.ContainerPoolInUse.
func (p *Pool) InUse() int {
	return len(p.sem)
}

// Capacity returns the pool's total slot count.
func (p *Pool) Capacity() int {
	return cap(p.sem)
}
