// Package lifecycle manages per-tenant session containers and their
// persistent volumes. The container runtime is the source of truth: the
// in-memory registry is rebuilt from it at startup and the database row per
// session is only a mirror.
package lifecycle

import (
	"context"
	"fmt"
	"io"
	"log"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	dockerclient "github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/gluk-w/sessiond/internal/config"
	"github.com/gluk-w/sessiond/internal/database"
	"github.com/gluk-w/sessiond/internal/execchannel"
	"github.com/gluk-w/sessiond/internal/faults"
	"github.com/gluk-w/sessiond/internal/logutil"
)

const (
	labelManagedBy  = "sessiond"
	containerPrefix = "session-"
	volumePrefix    = "session-data-"
	workspaceDir    = "/workspace"
	volumeMountPath = "/volume_data"

	createAttempts = 3
)

// retryBackoff is the linear backoff base for transient runtime errors;
// tests shrink it.
var retryBackoff = 500 * time.Millisecond

var tenantPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,63}$`)

// ContainerName derives the deterministic container name for a tenant.
func ContainerName(tenantID string) string { return containerPrefix + tenantID }

// VolumeName derives the deterministic workspace volume name for a tenant.
func VolumeName(tenantID string) string { return volumePrefix + tenantID }

// Session describes one tenant's container.
type Session struct {
	TenantID      string    `json:"tenant_id"`
	ContainerID   string    `json:"container_id"`
	ContainerName string    `json:"container_name"`
	VolumeName    string    `json:"volume_name"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
}

// DockerAPI is the slice of the Docker client the manager needs.
// *client.Client satisfies it; tests inject fakes.
type DockerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
	VolumeCreate(ctx context.Context, options volume.CreateOptions) (volume.Volume, error)
	VolumeRemove(ctx context.Context, volumeID string, force bool) error
	ImageInspectWithRaw(ctx context.Context, imageID string) (types.ImageInspect, []byte, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
}

// Connect builds a Docker client from the environment plus config overrides
// and verifies the daemon responds.
func Connect(ctx context.Context) (*dockerclient.Client, error) {
	opts := []dockerclient.Opt{dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation()}
	if config.Cfg.DockerHost != "" {
		opts = append(opts, dockerclient.WithHost(config.Cfg.DockerHost))
	}

	cli, err := dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("docker ping: %w", err)
	}
	log.Println("Docker daemon connected")
	return cli, nil
}

type Manager struct {
	docker DockerAPI
	exec   *execchannel.Channel

	// readiness poll knobs; tests shrink them
	ReadyAttempts int
	ReadyDelay    time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewManager(docker DockerAPI, exec *execchannel.Channel) *Manager {
	return &Manager{
		docker:        docker,
		exec:          exec,
		ReadyAttempts: 30,
		ReadyDelay:    time.Second,
		locks:         make(map[string]*sync.Mutex),
	}
}

// tenantLock hands out one mutex per tenant so lifecycle operations for the
// same tenant serialize while different tenants proceed in parallel.
func (m *Manager) tenantLock(tenantID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[tenantID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[tenantID] = l
	}
	return l
}

func validateTenant(tenantID string) error {
	if !tenantPattern.MatchString(tenantID) {
		return faults.New(faults.KindPermanent, "invalid tenant id %q", logutil.SanitizeForLog(tenantID))
	}
	return nil
}

// runtimeImage resolves the image to run: the settings-table override wins
// over the configured default.
func runtimeImage() string {
	if database.DB != nil {
		if override, err := database.GetSetting("runtime_image_override"); err == nil && override != "" {
			return override
		}
	}
	return config.Cfg.ContainerImage
}

// CreateSession ensures the tenant has a running session container. Calling
// it for a tenant that already has one returns the existing session.
func (m *Manager) CreateSession(ctx context.Context, tenantID string) (*Session, error) {
	if err := validateTenant(tenantID); err != nil {
		return nil, err
	}
	lock := m.tenantLock(tenantID)
	lock.Lock()
	defer lock.Unlock()

	name := ContainerName(tenantID)

	inspect, err := m.docker.ContainerInspect(ctx, name)
	switch {
	case err == nil && inspect.State != nil && inspect.State.Running:
		sess := m.sessionFromInspect(tenantID, inspect)
		m.mirrorUpsert(sess)
		return sess, nil
	case err == nil:
		// Exists but stopped: restart instead of recreating, the volume
		// and workspace are already in place.
		if err := m.docker.ContainerStart(ctx, name, container.StartOptions{}); err != nil {
			return nil, faults.Wrap(faults.KindTransient, err, "restart container %s", name)
		}
		if err := m.waitReady(ctx, name); err != nil {
			return nil, err
		}
		sess := m.sessionFromInspect(tenantID, inspect)
		sess.Status = "running"
		m.mirrorUpsert(sess)
		return sess, nil
	case !dockerclient.IsErrNotFound(err):
		return nil, faults.Wrap(faults.KindTransient, err, "inspect container %s", name)
	}

	img := runtimeImage()
	if err := m.ensureImage(ctx, img); err != nil {
		return nil, err
	}

	volName := VolumeName(tenantID)
	if _, err := m.docker.VolumeCreate(ctx, volume.CreateOptions{
		Name:   volName,
		Labels: map[string]string{"managed-by": labelManagedBy, "tenant": tenantID},
	}); err != nil {
		// Volume create is idempotent in practice; an existing volume is fine.
		log.Printf("Volume %s may already exist: %v", volName, err)
	}

	containerCfg := &container.Config{
		Image:        img,
		Cmd:          []string{"sleep", "infinity"},
		Tty:          true,
		OpenStdin:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		WorkingDir:   workspaceDir,
		Labels:       map[string]string{"managed-by": labelManagedBy, "tenant": tenantID},
	}
	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{
			{Type: mount.TypeVolume, Source: volName, Target: volumeMountPath},
		},
		ShmSize: config.Cfg.ShmSizeBytes(),
		Resources: container.Resources{
			Memory: config.Cfg.MemoryLimitBytes(),
		},
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
	}

	var created container.CreateResponse
	err = withRetry(ctx, createAttempts, func() error {
		var cerr error
		created, cerr = m.docker.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
		if cerr != nil {
			return classifyCreateError(cerr, img)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = withRetry(ctx, createAttempts, func() error {
		if serr := m.docker.ContainerStart(ctx, created.ID, container.StartOptions{}); serr != nil {
			return faults.Wrap(faults.KindTransient, serr, "start container %s", name)
		}
		return nil
	})
	if err != nil {
		m.docker.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true})
		return nil, err
	}

	if err := m.waitReady(ctx, created.ID); err != nil {
		return nil, err
	}
	m.bootstrapWorkspace(ctx, created.ID)

	sess := &Session{
		TenantID:      tenantID,
		ContainerID:   created.ID,
		ContainerName: name,
		VolumeName:    volName,
		Status:        "running",
		CreatedAt:     time.Now(),
	}
	m.mirrorUpsert(sess)
	log.Printf("Session container %s started for tenant %s", name, logutil.SanitizeForLog(tenantID))
	return sess, nil
}

// classifyCreateError separates a missing image or bad config (no point in
// retrying) from daemon-side flakiness.
func classifyCreateError(err error, img string) error {
	if dockerclient.IsErrNotFound(err) || strings.Contains(err.Error(), "No such image") {
		return faults.Wrap(faults.KindPermanent, err, "image %s unavailable", img)
	}
	if strings.Contains(err.Error(), "invalid") {
		return faults.Wrap(faults.KindPermanent, err, "invalid container config")
	}
	return faults.Wrap(faults.KindTransient, err, "create container")
}

// withRetry retries op with linear backoff while failures stay transient.
func withRetry(ctx context.Context, attempts int, op func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = op(); err == nil {
			return nil
		}
		if faults.KindOf(err) != faults.KindTransient {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(time.Duration(i+1) * retryBackoff):
		}
	}
	return err
}

func (m *Manager) ensureImage(ctx context.Context, img string) error {
	if _, _, err := m.docker.ImageInspectWithRaw(ctx, img); err == nil {
		return nil
	}

	log.Printf("Image %s not found locally, pulling...", img)
	reader, err := m.docker.ImagePull(ctx, img, image.PullOptions{})
	if err == nil {
		io.Copy(io.Discard, reader)
		reader.Close()
	} else {
		log.Printf("Image pull %s: %v", img, err)
	}

	if _, _, err := m.docker.ImageInspectWithRaw(ctx, img); err != nil {
		return faults.Wrap(faults.KindPermanent, err, "image %s unavailable after pull", img)
	}
	return nil
}

// waitReady polls a trivial exec until the container answers.
func (m *Manager) waitReady(ctx context.Context, containerID string) error {
	for attempt := 1; attempt <= m.ReadyAttempts; attempt++ {
		out, code, err := m.exec.Run(ctx, containerID, []string{"echo", "ready"}, execchannel.Options{})
		if err == nil && code == 0 && strings.Contains(out, "ready") {
			return nil
		}
		select {
		case <-ctx.Done():
			return faults.Wrap(faults.KindTransient, ctx.Err(), "container %s readiness wait", containerID)
		case <-time.After(m.ReadyDelay):
		}
	}
	return faults.New(faults.KindTransient, "container %s not ready after %d attempts", containerID, m.ReadyAttempts)
}

// bootstrapWorkspace prepares the freshly started container: auth config
// dirs are relocated onto the mounted volume so credentials inside the
// container survive restarts, and a git identity is set so commits work out
// of the box. Best-effort; failures are logged, not fatal.
func (m *Manager) bootstrapWorkspace(ctx context.Context, containerID string) {
	script := strings.Join([]string{
		"mkdir -p /volume_data/assistant /volume_data/gh /root/.config",
		"rm -rf /root/.assistant /root/.config/gh",
		"test -f /volume_data/assistant.json || printf '{\"hasCompletedOnboarding\": true}' > /volume_data/assistant.json",
		"rm -f /root/.assistant.json",
		"ln -sf /volume_data/assistant /root/.assistant",
		"ln -sf /volume_data/gh /root/.config/gh",
		"ln -sf /volume_data/assistant.json /root/.assistant.json",
		"git config --global user.name sessiond",
		"git config --global user.email sessiond@localhost",
		"git config --global --add safe.directory '*'",
	}, " && ")

	out, code, err := m.exec.Run(ctx, containerID, []string{"sh", "-c", script}, execchannel.Options{})
	if err != nil || code != 0 {
		log.Printf("Workspace bootstrap for %s failed (exit %d): %v %s", containerID, code, err, strings.TrimSpace(out))
	}
}

// StopSession stops the tenant's container. Already absent counts as success.
func (m *Manager) StopSession(ctx context.Context, tenantID string) error {
	if err := validateTenant(tenantID); err != nil {
		return err
	}
	lock := m.tenantLock(tenantID)
	lock.Lock()
	defer lock.Unlock()

	name := ContainerName(tenantID)
	timeout := config.Cfg.StopTimeoutSeconds
	if err := m.docker.ContainerStop(ctx, name, container.StopOptions{Timeout: &timeout}); err != nil {
		if !dockerclient.IsErrNotFound(err) {
			return faults.Wrap(faults.KindTransient, err, "stop container %s", name)
		}
	}
	m.mirrorStatus(tenantID, "stopped")
	return nil
}

// RemoveSession removes the tenant's container and, when asked, its volume.
// Idempotent: removing what is already gone succeeds. Cleanup failures are
// logged, not retried forever.
func (m *Manager) RemoveSession(ctx context.Context, tenantID string, removeVolume bool) error {
	if err := validateTenant(tenantID); err != nil {
		return err
	}
	lock := m.tenantLock(tenantID)
	lock.Lock()
	defer lock.Unlock()

	name := ContainerName(tenantID)
	if err := m.docker.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}); err != nil && !dockerclient.IsErrNotFound(err) {
		log.Printf("Remove container %s: %v", name, err)
	}
	if removeVolume {
		volName := VolumeName(tenantID)
		if err := m.docker.VolumeRemove(ctx, volName, true); err != nil && !dockerclient.IsErrNotFound(err) {
			log.Printf("Remove volume %s: %v", volName, err)
		}
	}
	m.mirrorDelete(tenantID)
	return nil
}

// GetSession returns the tenant's current session descriptor.
func (m *Manager) GetSession(ctx context.Context, tenantID string) (*Session, error) {
	if err := validateTenant(tenantID); err != nil {
		return nil, err
	}
	name := ContainerName(tenantID)
	inspect, err := m.docker.ContainerInspect(ctx, name)
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			return nil, faults.New(faults.KindNotFound, "no session for tenant %s", logutil.SanitizeForLog(tenantID))
		}
		return nil, faults.Wrap(faults.KindTransient, err, "inspect container %s", name)
	}
	return m.sessionFromInspect(tenantID, inspect), nil
}

func (m *Manager) sessionFromInspect(tenantID string, inspect types.ContainerJSON) *Session {
	sess := &Session{
		TenantID:      tenantID,
		ContainerName: ContainerName(tenantID),
		VolumeName:    VolumeName(tenantID),
		Status:        "stopped",
	}
	if inspect.ContainerJSONBase != nil {
		sess.ContainerID = inspect.ID
		if inspect.State != nil {
			sess.Status = mapContainerState(inspect.State.Status)
		}
		if t, err := time.Parse(time.RFC3339Nano, inspect.Created); err == nil {
			sess.CreatedAt = t
		}
	}
	return sess
}

func mapContainerState(state string) string {
	switch state {
	case "running":
		return "running"
	case "created", "restarting":
		return "creating"
	default:
		return "stopped"
	}
}

// Reconcile rebuilds the session registry from the runtime. Containers
// carrying our label and name prefix are authoritative; mirror rows without
// a live container are pruned.
func (m *Manager) Reconcile(ctx context.Context) ([]Session, error) {
	args := filters.NewArgs(filters.Arg("label", "managed-by="+labelManagedBy))
	list, err := m.docker.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, faults.Wrap(faults.KindTransient, err, "list session containers")
	}

	alive := make(map[string]Session)
	for _, c := range list {
		tenantID, ok := tenantFromContainer(c)
		if !ok {
			continue
		}
		sess := Session{
			TenantID:      tenantID,
			ContainerID:   c.ID,
			ContainerName: ContainerName(tenantID),
			VolumeName:    VolumeName(tenantID),
			Status:        mapContainerState(c.State),
			CreatedAt:     time.Unix(c.Created, 0),
		}
		alive[tenantID] = sess
		m.mirrorUpsert(&sess)
	}

	if database.DB != nil {
		records, err := database.ListSessionRecords()
		if err == nil {
			for _, rec := range records {
				if _, ok := alive[rec.TenantID]; !ok {
					log.Printf("Pruning stale session record for tenant %s", logutil.SanitizeForLog(rec.TenantID))
					database.DeleteSessionRecord(rec.TenantID)
				}
			}
		}
	}

	sessions := make([]Session, 0, len(alive))
	for _, s := range alive {
		sessions = append(sessions, s)
	}
	log.Printf("Reconciled %d session container(s) from runtime", len(sessions))
	return sessions, nil
}

func tenantFromContainer(c types.Container) (string, bool) {
	if tenant, ok := c.Labels["tenant"]; ok && tenant != "" {
		return tenant, true
	}
	for _, name := range c.Names {
		name = strings.TrimPrefix(name, "/")
		if strings.HasPrefix(name, containerPrefix) {
			return strings.TrimPrefix(name, containerPrefix), true
		}
	}
	return "", false
}

// Shutdown stops every managed container, best-effort, for a clean exit.
func (m *Manager) Shutdown(ctx context.Context) {
	sessions, err := m.Reconcile(ctx)
	if err != nil {
		log.Printf("Shutdown reconcile: %v", err)
		return
	}
	for _, s := range sessions {
		if s.Status != "running" {
			continue
		}
		if err := m.StopSession(ctx, s.TenantID); err != nil {
			log.Printf("Shutdown stop %s: %v", s.ContainerName, err)
		}
	}
}

// Mirror helpers. The database row is a convenience copy for operators; it
// is never read back as the registry, so failures only warrant a log line.

func (m *Manager) mirrorUpsert(sess *Session) {
	if database.DB == nil {
		return
	}
	err := database.UpsertSessionRecord(&database.SessionRecord{
		TenantID:    sess.TenantID,
		ContainerID: sess.ContainerID,
		VolumeName:  sess.VolumeName,
		Status:      sess.Status,
	})
	if err != nil {
		log.Printf("Mirror upsert for tenant %s: %v", logutil.SanitizeForLog(sess.TenantID), err)
	}
}

func (m *Manager) mirrorStatus(tenantID, status string) {
	if database.DB == nil {
		return
	}
	rec, err := database.GetSessionRecord(tenantID)
	if err != nil {
		return
	}
	rec.Status = status
	if err := database.UpsertSessionRecord(rec); err != nil {
		log.Printf("Mirror status for tenant %s: %v", logutil.SanitizeForLog(tenantID), err)
	}
}

func (m *Manager) mirrorDelete(tenantID string) {
	if database.DB == nil {
		return
	}
	if err := database.DeleteSessionRecord(tenantID); err != nil {
		log.Printf("Mirror delete for tenant %s: %v", logutil.SanitizeForLog(tenantID), err)
	}
}
