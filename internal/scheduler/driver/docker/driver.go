package docker

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/google/uuid"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"k8s.io/utils/clock"

	"github.com/scaleproject/scale/internal/common/logging"
	"github.com/scaleproject/scale/internal/common/scalecontext"
	"github.com/scaleproject/scale/internal/scheduler/driver"
	"github.com/scaleproject/scale/internal/scheduler/models"
	"github.com/scaleproject/scale/internal/scheduler/offers"
	"github.com/scaleproject/scale/internal/scheduler/resources"
	"github.com/scaleproject/scale/internal/scheduler/tasks"
)

const (
	taskIDLabel    = "scale.task-id"
	clusterIDLabel = "scale.cluster-id"
	frameworkID    = "scale-docker"
)

// Client is the part of the docker engine API used by the driver.
type Client interface {
	Ping(ctx context.Context) (types.Ping, error)
	Info(ctx context.Context) (types.Info, error)
	ImagePull(ctx context.Context, ref string, options types.ImagePullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options types.ContainerStartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerList(ctx context.Context, options types.ContainerListOptions) ([]types.Container, error)
	ContainerRemove(ctx context.Context, containerID string, options types.ContainerRemoveOptions) error
}

type Config struct {
	// Defaults to the hostname of the machine.
	AgentID  string
	Hostname string
	// Resources offered to the scheduler. Cpus and mem default to what the docker engine reports.
	Resources   resources.NodeResources
	OfferPeriod time.Duration
	// Docker network containers are attached to.
	Network string
}

// Driver runs tasks as containers on the local docker engine. The machine is presented as a single agent that
// offers whatever is not in use by running containers.
type Driver struct {
	mu      sync.Mutex
	client  Client
	handler driver.EventHandler
	config  Config
	clock   clock.Clock
	total   resources.NodeResources
	// resources held by launched tasks, by task id
	used map[string]resources.NodeResources
	// task ids killed by the scheduler
	killed map[string]bool
	// the outstanding offer, if any
	offer *offers.Offer
}

var _ driver.Driver = &Driver{}

// NewDriver connects to the docker engine configured through the standard DOCKER_* environment variables.
func NewDriver(config Config, clock clock.Clock) (*Driver, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return NewDriverWithClient(cli, config, clock), nil
}

func NewDriverWithClient(cli Client, config Config, clock clock.Clock) *Driver {
	if config.Hostname == "" {
		config.Hostname, _ = os.Hostname()
	}
	if config.AgentID == "" {
		config.AgentID = config.Hostname
	}
	if config.OfferPeriod <= 0 {
		config.OfferPeriod = 5 * time.Second
	}
	return &Driver{
		client: cli,
		config: config,
		clock:  clock,
		used:   map[string]resources.NodeResources{},
		killed: map[string]bool{},
	}
}

// Run registers with the docker engine and offers the machine's free resources every OfferPeriod.
func (d *Driver) Run(ctx *scalecontext.Context, handler driver.EventHandler) error {
	ctx = scalecontext.WithLogField(ctx, "service", "DockerDriver")
	if err := d.Connect(ctx, handler); err != nil {
		return err
	}
	ticker := time.NewTicker(d.config.OfferPeriod)
	defer ticker.Stop()
	connected := true
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := d.client.Ping(ctx); err != nil {
				if connected {
					logging.WithStacktrace(ctx.Log, err).Warn("Lost connection to docker engine")
					handler.Disconnected(ctx)
					connected = false
				}
				continue
			}
			if !connected {
				ctx.Log.Info("Reconnected to docker engine")
				handler.Reconnected(ctx)
				connected = true
			}
			d.Offer(ctx)
		}
	}
}

// Connect pings the engine, works out the resources to offer and reports the registration to handler.
func (d *Driver) Connect(ctx *scalecontext.Context, handler driver.EventHandler) error {
	if _, err := d.client.Ping(ctx); err != nil {
		return errors.WithMessage(err, "error connecting to docker engine")
	}
	total := d.config.Resources.DeepCopy()
	if total == nil {
		total = resources.NodeResources{}
	}
	if _, ok := total[resources.Cpus]; !ok {
		info, err := d.client.Info(ctx)
		if err != nil {
			return errors.WithStack(err)
		}
		total[resources.Cpus] = resources.New(map[string]float64{resources.Cpus: float64(info.NCPU)})[resources.Cpus]
		if _, ok := total[resources.Mem]; !ok {
			total[resources.Mem] = resources.New(map[string]float64{resources.Mem: float64(info.MemTotal / (1 << 20))})[resources.Mem]
		}
	}
	d.mu.Lock()
	d.handler = handler
	d.total = total
	d.mu.Unlock()
	ctx.Log.Infof("Registered docker agent %s with %s", d.config.AgentID, total)
	handler.Registered(ctx, frameworkID)
	return nil
}

// Offer emits an offer of the free resources unless one is already outstanding.
func (d *Driver) Offer(ctx *scalecontext.Context) {
	d.mu.Lock()
	if d.offer != nil || d.handler == nil {
		d.mu.Unlock()
		return
	}
	free := d.total.DeepCopy()
	for _, used := range d.used {
		if err := free.Subtract(used); err != nil {
			free = resources.NodeResources{}
			break
		}
	}
	if free.IsZero() {
		d.mu.Unlock()
		return
	}
	d.offer = &offers.Offer{
		OfferID:     uuid.NewString(),
		AgentID:     d.config.AgentID,
		Hostname:    d.config.Hostname,
		FrameworkID: frameworkID,
		Resources:   free,
	}
	offer, handler := *d.offer, d.handler
	d.mu.Unlock()
	handler.Offers(ctx, []*offers.Offer{&offer})
}

// Launch starts the tasks. The offer is consumed whether or not every task starts; failures to start are reported
// as FAILED updates.
func (d *Driver) Launch(ctx *scalecontext.Context, agentID string, offerIDs []string, launched []*tasks.Task) error {
	if agentID != d.config.AgentID {
		return errors.Errorf("unknown agent %s", agentID)
	}
	d.mu.Lock()
	if d.offer == nil || !slices.Contains(offerIDs, d.offer.OfferID) {
		d.mu.Unlock()
		return errors.Errorf("offers %v are not outstanding", offerIDs)
	}
	d.offer = nil
	for _, task := range launched {
		d.used[task.TaskID] = task.Resources.DeepCopy()
	}
	d.mu.Unlock()

	for _, task := range launched {
		go d.run(ctx, task.DeepCopy())
	}
	return nil
}

func (d *Driver) run(ctx *scalecontext.Context, task *tasks.Task) {
	log := ctx.Log.WithField("taskId", task.TaskID)
	defer d.release(task.TaskID)
	switch task.Type {
	case tasks.TypePull:
		d.pull(ctx, task)
	case tasks.TypeCleanup:
		d.cleanup(ctx, task)
	default:
		if err := d.start(ctx, task); err != nil {
			logging.WithStacktrace(log, err).Warn("Failed to start container")
			d.report(ctx, task.TaskID, models.TaskFailed, nil, err.Error())
			return
		}
		d.wait(ctx, task)
	}
}

func (d *Driver) pull(ctx *scalecontext.Context, task *tasks.Task) {
	d.report(ctx, task.TaskID, models.TaskRunning, nil, "")
	reader, err := d.client.ImagePull(ctx, task.Image, types.ImagePullOptions{})
	if err == nil {
		_, err = io.Copy(io.Discard, reader)
		reader.Close()
	}
	if err != nil {
		d.report(ctx, task.TaskID, models.TaskFinished, models.IntPtr(1), err.Error())
		return
	}
	d.report(ctx, task.TaskID, models.TaskFinished, models.IntPtr(0), "")
}

// cleanup removes the containers named by the task's targets, or every scale container for an initial cleanup.
func (d *Driver) cleanup(ctx *scalecontext.Context, task *tasks.Task) {
	d.report(ctx, task.TaskID, models.TaskRunning, nil, "")
	targets := task.Env["SCALE_CLEANUP_TARGETS"]
	args := filters.NewArgs(filters.Arg("label", taskIDLabel))
	if targets != "all" {
		for _, clusterID := range strings.Split(targets, ",") {
			args.Add("label", fmt.Sprintf("%s=%s", clusterIDLabel, clusterID))
		}
	}
	containers, err := d.client.ContainerList(ctx, types.ContainerListOptions{All: true, Filters: args})
	if err != nil {
		d.report(ctx, task.TaskID, models.TaskFinished, models.IntPtr(1), err.Error())
		return
	}
	for _, c := range containers {
		if c.Labels[taskIDLabel] == task.TaskID {
			continue
		}
		if targets != "all" && !slices.Contains(strings.Split(targets, ","), c.Labels[clusterIDLabel]) {
			continue
		}
		if err := d.client.ContainerRemove(ctx, c.ID, types.ContainerRemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
			d.report(ctx, task.TaskID, models.TaskFinished, models.IntPtr(1), err.Error())
			return
		}
	}
	d.report(ctx, task.TaskID, models.TaskFinished, models.IntPtr(0), "")
}

func (d *Driver) start(ctx *scalecontext.Context, task *tasks.Task) error {
	var cmd []string
	if task.Command != "" {
		cmd = append(cmd, task.Command)
	}
	cmd = append(cmd, task.Args...)
	env := make([]string, 0, len(task.Env))
	for _, k := range sortedKeys(task.Env) {
		env = append(env, k+"="+task.Env[k])
	}
	cpus := task.Resources.Get(resources.Cpus)
	mem := task.Resources.Get(resources.Mem)
	hostConfig := &container.HostConfig{
		NetworkMode: container.NetworkMode(d.config.Network),
		Resources: container.Resources{
			NanoCPUs: cpus.MilliValue() * 1_000_000,
			Memory:   int64(math.Ceil(mem.AsApproximateFloat64())) << 20,
		},
	}
	resp, err := d.client.ContainerCreate(ctx, &container.Config{
		Image: task.Image,
		Cmd:   cmd,
		Env:   env,
		Labels: map[string]string{
			taskIDLabel:    task.TaskID,
			clusterIDLabel: task.ClusterID,
		},
	}, hostConfig, nil, nil, task.TaskID)
	if err != nil {
		return errors.WithStack(err)
	}
	if err := d.client.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return errors.WithStack(err)
	}
	d.report(ctx, task.TaskID, models.TaskRunning, nil, "")
	return nil
}

func (d *Driver) wait(ctx *scalecontext.Context, task *tasks.Task) {
	statusCh, errCh := d.client.ContainerWait(ctx, task.TaskID, container.WaitConditionNotRunning)
	select {
	case <-ctx.Done():
		// Reconciliation picks the task up again after a restart.
		return
	case err := <-errCh:
		d.report(ctx, task.TaskID, models.TaskLost, nil, err.Error())
	case status := <-statusCh:
		d.mu.Lock()
		killed := d.killed[task.TaskID]
		delete(d.killed, task.TaskID)
		d.mu.Unlock()
		exitCode := int(status.StatusCode)
		if killed {
			d.report(ctx, task.TaskID, models.TaskKilled, &exitCode, "")
			return
		}
		d.report(ctx, task.TaskID, models.TaskFinished, &exitCode, "")
	}
}

func (d *Driver) release(taskID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.used, taskID)
}

func (d *Driver) report(ctx *scalecontext.Context, taskID string, status models.TaskStatus, exitCode *int, message string) {
	d.reportFrom(ctx, taskID, status, exitCode, message, models.SourceDriver)
}

func (d *Driver) reportFrom(ctx *scalecontext.Context, taskID string, status models.TaskStatus, exitCode *int, message string, source models.UpdateSource) {
	d.mu.Lock()
	handler := d.handler
	d.mu.Unlock()
	update := &models.TaskUpdate{
		TaskID:    taskID,
		AgentID:   d.config.AgentID,
		Status:    status,
		Source:    source,
		Timestamp: d.clock.Now(),
		ExitCode:  exitCode,
		Message:   message,
	}
	if status.Terminal() {
		update.StdoutRef = "docker://" + taskID + "/stdout"
		update.StderrRef = "docker://" + taskID + "/stderr"
	}
	handler.StatusUpdate(ctx, update)
}

func (d *Driver) Kill(ctx *scalecontext.Context, agentID string, taskID string) error {
	if agentID != d.config.AgentID {
		return errors.Errorf("unknown agent %s", agentID)
	}
	d.mu.Lock()
	d.killed[taskID] = true
	d.mu.Unlock()
	if err := d.client.ContainerKill(ctx, taskID, "SIGKILL"); err != nil {
		if client.IsErrNotFound(err) {
			d.report(ctx, taskID, models.TaskKilled, nil, "container not found")
			return nil
		}
		return errors.WithStack(err)
	}
	return nil
}

func (d *Driver) Decline(_ *scalecontext.Context, offerIDs []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.offer != nil && slices.Contains(offerIDs, d.offer.OfferID) {
		d.offer = nil
	}
	return nil
}

// Reconcile reports the state of each task's container. Tasks without a container are reported LOST.
func (d *Driver) Reconcile(ctx *scalecontext.Context, taskIDs []string) error {
	for _, taskID := range taskIDs {
		info, err := d.client.ContainerInspect(ctx, taskID)
		if err != nil {
			if client.IsErrNotFound(err) {
				d.reportFrom(ctx, taskID, models.TaskLost, nil, "container not found", models.SourceReconciliation)
				continue
			}
			return errors.WithStack(err)
		}
		if info.ContainerJSONBase == nil || info.State == nil {
			continue
		}
		switch {
		case info.State.Running:
			d.reportFrom(ctx, taskID, models.TaskRunning, nil, "", models.SourceReconciliation)
		case info.State.Status == "created":
			d.reportFrom(ctx, taskID, models.TaskLaunched, nil, "", models.SourceReconciliation)
		default:
			exitCode := info.State.ExitCode
			d.reportFrom(ctx, taskID, models.TaskFinished, &exitCode, info.State.Error, models.SourceReconciliation)
		}
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := maps.Keys(m)
	slices.Sort(keys)
	return keys
}
