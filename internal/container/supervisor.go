// Package container implements the Container Supervisor: ensures one
// labelled runtime container exists per workflow, is healthy, and is
// reachable on a bound local port.
package container

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	containerdpkg "github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/deeployd/forge/internal/domain"
	"github.com/deeployd/forge/internal/forgeerrors"
	"github.com/deeployd/forge/internal/logger"
)

const (
	namespace      = "forge"
	readyTimeout   = 60 * time.Second
	readyInterval  = 1 * time.Second
	stopTimeout    = 10 * time.Second
	portRangeStart = 20000
	portRangeEnd   = 40000
)

// ImageResolver looks up the latest successfully built image for a
// workflow. Satisfied by internal/store's build repository.
type ImageResolver interface {
	LatestImage(ctx context.Context, workflowID string) (string, bool, error)
}

type Supervisor struct {
	client    *containerdpkg.Client
	images    ImageResolver
	log       *logger.Logger
	hasGPU    bool
	httpCheck *http.Client

	mu      sync.Mutex
	records map[string]*domain.RuntimeContainer
	ensures map[string]*sync.Mutex
}

// New dials the containerd socket. hasGPU comes from the caller (the app
// passes the GPU_ENABLED config flag) and applies to every container this
// supervisor starts.
func New(socketPath string, images ImageResolver, log *logger.Logger, hasGPU bool) (*Supervisor, error) {
	if socketPath == "" {
		socketPath = "/run/containerd/containerd.sock"
	}
	client, err := containerdpkg.New(socketPath)
	if err != nil {
		return nil, forgeerrors.Wrap(forgeerrors.RuntimeUnavailable, "connect to containerd", err)
	}
	return &Supervisor{
		client:    client,
		images:    images,
		log:       log.With("component", "ContainerSupervisor"),
		hasGPU:    hasGPU,
		records:   make(map[string]*domain.RuntimeContainer),
		ensures:   make(map[string]*sync.Mutex),
		httpCheck: &http.Client{Timeout: 5 * time.Second},
	}, nil
}

// ensureLock serializes Ensure/Restart per workflow id, so two workers
// racing on the same workflow can't each start a container and break the
// one-running-container-per-workflow invariant. Distinct workflows
// proceed concurrently.
func (s *Supervisor) ensureLock(workflowID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.ensures[workflowID]
	if !ok {
		l = &sync.Mutex{}
		s.ensures[workflowID] = l
	}
	return l
}

func (s *Supervisor) record(workflowID string) (*domain.RuntimeContainer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[workflowID]
	return rec, ok
}

func (s *Supervisor) setRecord(workflowID string, rec *domain.RuntimeContainer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec == nil {
		delete(s.records, workflowID)
		return
	}
	s.records[workflowID] = rec
}

func (s *Supervisor) Close() error {
	return s.client.Close()
}

func (s *Supervisor) ctx() context.Context {
	return namespaces.WithNamespace(context.Background(), namespace)
}

// label renders the containerd list filter selecting this workflow's
// containers by the workflow_id label.
func (s *Supervisor) label(workflowID string) string {
	return fmt.Sprintf("labels.%q==%q", "workflow_id", workflowID)
}

// Ensure resolves the latest built image for workflowID, reuses a
// running labelled container when it matches, and otherwise replaces any
// stale ones with a fresh container and waits for it to answer HTTP.
func (s *Supervisor) Ensure(ctx context.Context, workflowID string) (string, error) {
	lock := s.ensureLock(workflowID)
	lock.Lock()
	defer lock.Unlock()

	image, found, err := s.images.LatestImage(ctx, workflowID)
	if err != nil {
		return "", forgeerrors.Wrap(forgeerrors.Internal, "resolve image", err)
	}
	if !found {
		return "", forgeerrors.New(forgeerrors.BuildRequired, "no image built for workflow "+workflowID)
	}

	cctx := s.ctx()

	if existing, ok := s.findRunning(cctx, workflowID, image); ok {
		return existing.BaseURL(), nil
	}

	if err := s.stopLabelled(cctx, workflowID); err != nil {
		s.log.Warn("failed stopping stale containers", "workflow_id", workflowID, "error", err)
	}

	rec, err := s.start(cctx, workflowID, image)
	if err != nil {
		return "", err
	}
	s.setRecord(workflowID, rec)

	if err := s.waitReady(ctx, rec); err != nil {
		tail, _ := s.Logs(ctx, workflowID, 50)
		return "", forgeerrors.Wrap(forgeerrors.RuntimeUnavailable, "container failed readiness check: "+tail, err)
	}
	rec.Health = domain.ContainerHealthHealthy
	rec.LastSeen = time.Now()
	return rec.BaseURL(), nil
}

// Restart stops every labelled container for workflowID and re-ensures.
func (s *Supervisor) Restart(ctx context.Context, workflowID string) (string, error) {
	lock := s.ensureLock(workflowID)
	lock.Lock()
	if err := s.stopLabelled(s.ctx(), workflowID); err != nil {
		lock.Unlock()
		return "", forgeerrors.Wrap(forgeerrors.RuntimeUnavailable, "restart: stop labelled containers", err)
	}
	s.setRecord(workflowID, nil)
	lock.Unlock()
	return s.Ensure(ctx, workflowID)
}

func (s *Supervisor) findRunning(ctx context.Context, workflowID, image string) (*domain.RuntimeContainer, bool) {
	containers, err := s.client.Containers(ctx, s.label(workflowID))
	if err != nil {
		return nil, false
	}
	for _, c := range containers {
		info, err := c.Info(ctx)
		if err != nil || info.Image != image {
			continue
		}
		task, err := c.Task(ctx, nil)
		if err != nil {
			continue
		}
		status, err := task.Status(ctx)
		if err != nil || status.Status != containerdpkg.Running {
			continue
		}
		if rec, ok := s.record(workflowID); ok && rec.Image == image {
			return rec, true
		}
	}
	return nil, false
}

func (s *Supervisor) stopLabelled(ctx context.Context, workflowID string) error {
	containers, err := s.client.Containers(ctx, s.label(workflowID))
	if err != nil {
		return err
	}
	for _, c := range containers {
		if task, terr := c.Task(ctx, nil); terr == nil {
			stopCtx, cancel := context.WithTimeout(ctx, stopTimeout)
			_ = task.Kill(stopCtx, 15) // SIGTERM
			statusC, werr := task.Wait(stopCtx)
			if werr == nil {
				select {
				case <-statusC:
				case <-stopCtx.Done():
					_ = task.Kill(ctx, 9) // SIGKILL
				}
			}
			_, _ = task.Delete(ctx)
			cancel()
		}
		_ = c.Delete(ctx, containerdpkg.WithSnapshotCleanup)
	}
	return nil
}

func (s *Supervisor) start(ctx context.Context, workflowID, image string) (*domain.RuntimeContainer, error) {
	img, err := s.client.GetImage(ctx, image)
	if err != nil {
		img, err = s.client.Pull(ctx, image, containerdpkg.WithPullUnpack)
		if err != nil {
			return nil, forgeerrors.Wrap(forgeerrors.RuntimeUnavailable, "pull image "+image, err)
		}
	}

	hostPort := s.freePort()
	name := fmt.Sprintf("forge-%s-%d", workflowID, time.Now().UnixNano())

	// The container shares the host network namespace and is told to
	// listen on the chosen loopback port directly; containerd has no
	// docker-style port publishing of its own, and the inference runtime
	// honors COMFYUI_PORT.
	opts := []oci.SpecOpts{
		oci.WithImageConfig(img),
		oci.WithHostNamespace(specs.NetworkNamespace),
		oci.WithEnv([]string{
			fmt.Sprintf("COMFYUI_PORT=%d", hostPort),
			"COMFYUI_HOST=127.0.0.1",
		}),
	}
	if s.hasGPU {
		opts = append(opts, oci.WithEnv([]string{"NVIDIA_VISIBLE_DEVICES=all"}))
	}

	ctrd, err := s.client.NewContainer(
		ctx, name,
		containerdpkg.WithImage(img),
		containerdpkg.WithNewSnapshot(name+"-snapshot", img),
		containerdpkg.WithNewSpec(opts...),
		containerdpkg.WithContainerLabels(map[string]string{"workflow_id": workflowID}),
	)
	if err != nil {
		return nil, forgeerrors.Wrap(forgeerrors.RuntimeUnavailable, "create container", err)
	}

	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, forgeerrors.Wrap(forgeerrors.Internal, "create container log dir", err)
	}
	task, err := ctrd.NewTask(ctx, cio.LogFile(logPathFor(name)))
	if err != nil {
		return nil, forgeerrors.Wrap(forgeerrors.RuntimeUnavailable, "create task", err)
	}
	if err := task.Start(ctx); err != nil {
		return nil, forgeerrors.Wrap(forgeerrors.RuntimeUnavailable, "start task", err)
	}

	return &domain.RuntimeContainer{
		WorkflowID: workflowID,
		Image:      image,
		Name:       name,
		HostPort:   hostPort,
		Health:     domain.ContainerHealthStarting,
		LastSeen:   time.Now(),
	}, nil
}

// freePort picks a random port in a high range and verifies it's
// unbound; a bind race between the probe and the container claiming the
// port is tolerated since Ensure holds the per-workflow lock and retries
// surface through the readiness check.
func (s *Supervisor) freePort() int {
	for i := 0; i < 20; i++ {
		p := portRangeStart + rand.Intn(portRangeEnd-portRangeStart)
		l, err := net.Listen("tcp", "127.0.0.1:"+strconv.Itoa(p))
		if err == nil {
			_ = l.Close()
			return p
		}
	}
	return 0
}

func (s *Supervisor) waitReady(ctx context.Context, rec *domain.RuntimeContainer) error {
	deadline := time.Now().Add(readyTimeout)
	for time.Now().Before(deadline) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rec.BaseURL()+"/", nil)
		if err == nil {
			resp, err := s.httpCheck.Do(req)
			if err == nil {
				resp.Body.Close()
				if resp.StatusCode < 500 {
					return nil
				}
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(readyInterval):
		}
	}
	return forgeerrors.New(forgeerrors.Timeout, "container did not become ready within "+readyTimeout.String())
}

const logDir = "/var/log/forge"

// Logs returns the tail of the first labelled container's log stream.
// Each task is created with a cio.LogFile under logDir, so this tails
// that file.
func (s *Supervisor) Logs(ctx context.Context, workflowID string, tailLines int) (string, error) {
	containers, err := s.client.Containers(s.ctx(), s.label(workflowID))
	if err != nil {
		return "", forgeerrors.Wrap(forgeerrors.RuntimeUnavailable, "list containers", err)
	}
	if len(containers) == 0 {
		return "", forgeerrors.New(forgeerrors.NotFound, "no container labelled for "+workflowID)
	}
	return tailFile(logPathFor(containers[0].ID()), tailLines)
}

func logPathFor(containerName string) string {
	return logDir + "/" + strings.ReplaceAll(containerName, "/", "_") + ".log"
}
