package execution

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
	"k8s.io/utils/clock"

	"github.com/scaleproject/scale/internal/common/logging"
	"github.com/scaleproject/scale/internal/common/scalecontext"
	"github.com/scaleproject/scale/internal/scheduler/messaging"
	"github.com/scaleproject/scale/internal/scheduler/metrics"
	"github.com/scaleproject/scale/internal/scheduler/models"
	"github.com/scaleproject/scale/internal/scheduler/queue"
	"github.com/scaleproject/scale/internal/scheduler/tasks"
)

// TaskRegistry is the task table of the update pipeline.
type TaskRegistry interface {
	Unregister(taskIDs ...string)
	Kill(ctx *scalecontext.Context, taskID string, reason string) (bool, error)
}

// CleanupScheduler receives executions whose leftovers must be removed from their agent.
type CleanupScheduler interface {
	AddFinishedExecution(agentID, clusterID string)
}

type Config struct {
	// Image running the pre and post tasks.
	SupportImage string
	PreCommand   string
	PostCommand  string
	// How long an image pulled onto an agent is assumed to stay there.
	ImagePresenceTTL time.Duration
}

// Exit codes of the pre and post tasks that describe a problem with the job's data rather than the system.
var (
	preTaskExitCodes = map[int]*models.JobError{
		3: models.DataError(models.ErrorNameMissingInputFiles, "Input files could not be found in their workspace"),
		4: models.DataError(models.ErrorNameInvalidInput, "The job's input is invalid"),
	}
	postTaskExitCodes = map[int]*models.JobError{
		4: models.DataError(models.ErrorNameInvalidInput, "The job's output manifest is invalid"),
	}
)

// Manager owns the running job executions and drives each through its PULL, PRE, MAIN and POST tasks.
type Manager struct {
	mu         sync.Mutex
	executions map[string]*RunningExecution
	// agent and image pairs known to be present
	images   *cache.Cache
	registry TaskRegistry
	cleanup  CleanupScheduler
	sender   messaging.Sender
	config   Config
	clock    clock.Clock
}

func NewManager(config Config, registry TaskRegistry, cleanup CleanupScheduler, sender messaging.Sender, clock clock.Clock) *Manager {
	ttl := config.ImagePresenceTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Manager{
		executions: map[string]*RunningExecution{},
		images:     cache.New(ttl, time.Hour),
		registry:   registry,
		cleanup:    cleanup,
		sender:     sender,
		config:     config,
		clock:      clock,
	}
}

func imageKey(agentID, image string) string {
	return agentID + "|" + image
}

// ImagePresent reports whether the image is believed to be present on the agent.
func (m *Manager) ImagePresent(agentID, image string) bool {
	_, ok := m.images.Get(imageKey(agentID, image))
	return ok
}

func (m *Manager) MarkImagePresent(agentID, image string) {
	m.images.SetDefault(imageKey(agentID, image), struct{}{})
}

// CreateExecution builds the execution of a queued job on an agent. The execution is not tracked until Add is called.
func (m *Manager) CreateExecution(entry *queue.Entry, jobType *models.JobType, agentID, hostname string, workspaces map[string]*models.Workspace) *RunningExecution {
	clusterID := models.ClusterID(entry.JobID, entry.ExeNum)
	exe := &RunningExecution{
		ClusterID:   clusterID,
		JobID:       entry.JobID,
		ExeNum:      entry.ExeNum,
		AgentID:     agentID,
		Hostname:    hostname,
		JobType:     jobType,
		Priority:    entry.Priority,
		Input:       entry.Input.DeepCopy(),
		MaxTries:    entry.MaxTries,
		LostRetries: entry.LostRetries,
		RecipeID:    entry.RecipeID,
		Created:     m.clock.Now(),
	}
	env := m.baseEnv(exe)
	newTask := func(taskType tasks.Type, image, command string, args []string, env map[string]string) *tasks.Task {
		return &tasks.Task{
			TaskID:    tasks.TaskID(clusterID, taskType),
			ClusterID: clusterID,
			Type:      taskType,
			AgentID:   agentID,
			Hostname:  hostname,
			Resources: jobType.Resources.DeepCopy(),
			Image:     image,
			Command:   command,
			Args:      args,
			Env:       env,
			Status:    models.TaskQueued,
		}
	}
	if !m.ImagePresent(agentID, jobType.Image) {
		exe.Tasks = append(exe.Tasks, newTask(tasks.TypePull, jobType.Image, "", nil, nil))
	}

	preEnv := maps.Clone(env)
	preEnv["SCALE_WORKSPACES"] = encodeWorkspaces(workspaces)
	exe.Tasks = append(exe.Tasks, newTask(tasks.TypePre, m.config.SupportImage, m.config.PreCommand, []string{clusterID}, preEnv))

	mainEnv := maps.Clone(env)
	for k, v := range jobType.Env {
		mainEnv[k] = v
	}
	main := newTask(tasks.TypeMain, jobType.Image, jobType.Command, append([]string(nil), jobType.Args...), mainEnv)
	main.Timeout = jobType.Timeout()
	exe.Tasks = append(exe.Tasks, main)

	postEnv := maps.Clone(env)
	postEnv["SCALE_WORKSPACES"] = preEnv["SCALE_WORKSPACES"]
	postEnv["SCALE_OUTPUT_WORKSPACE"] = jobType.OutputWorkspace
	exe.Tasks = append(exe.Tasks, newTask(tasks.TypePost, m.config.SupportImage, m.config.PostCommand, []string{clusterID}, postEnv))
	return exe
}

func (m *Manager) baseEnv(exe *RunningExecution) map[string]string {
	input := "{}"
	if exe.Input != nil {
		if b, err := json.Marshal(exe.Input); err == nil {
			input = string(b)
		}
	}
	return map[string]string{
		"SCALE_JOB_ID":     exe.JobID,
		"SCALE_EXE_NUM":    strconv.Itoa(exe.ExeNum),
		"SCALE_CLUSTER_ID": exe.ClusterID,
		"SCALE_JOB_TYPE":   exe.JobType.RevisionKey(),
		"SCALE_INPUT":      input,
	}
}

func encodeWorkspaces(workspaces map[string]*models.Workspace) string {
	configs := make(map[string]map[string]interface{}, len(workspaces))
	for name, ws := range workspaces {
		if ws.IsActive {
			configs[name] = ws.Configuration
		}
	}
	b, err := json.Marshal(configs)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// Add starts tracking executions.
func (m *Manager) Add(exes ...*RunningExecution) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, exe := range exes {
		m.executions[exe.ClusterID] = exe
	}
	metrics.RunningExecutions.Set(float64(len(m.executions)))
}

// Discard stops tracking an execution without reporting anything, e.g. when its launch has been rolled back.
func (m *Manager) Discard(clusterID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.executions, clusterID)
	metrics.RunningExecutions.Set(float64(len(m.executions)))
}

func (m *Manager) Get(clusterID string) (*RunningExecution, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exe, ok := m.executions[clusterID]
	return exe.DeepCopy(), ok
}

// Has reports whether the given execution of a job is tracked.
func (m *Manager) Has(jobID string, exeNum int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.executions[models.ClusterID(jobID, exeNum)]
	return ok
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.executions)
}

// GetAll returns copies of every tracked execution ordered by cluster id.
func (m *Manager) GetAll() []*RunningExecution {
	m.mu.Lock()
	defer m.mu.Unlock()
	rv := make([]*RunningExecution, 0, len(m.executions))
	for _, exe := range m.executions {
		rv = append(rv, exe.DeepCopy())
	}
	sort.Slice(rv, func(i, j int) bool { return rv[i].ClusterID < rv[j].ClusterID })
	return rv
}

// GetReadyTasks returns the next task of every execution whose previous task has finished, ordered by cluster id.
// These tasks are launched on the execution's agent.
func (m *Manager) GetReadyTasks() []*tasks.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	var rv []*tasks.Task
	for _, exe := range m.executions {
		if exe.launched || exe.cancelRequested {
			continue
		}
		if task := exe.CurrentTask(); task != nil {
			rv = append(rv, task.DeepCopy())
		}
	}
	sort.Slice(rv, func(i, j int) bool { return rv[i].TaskID < rv[j].TaskID })
	return rv
}

// BeginLaunch marks the current tasks of the executions as handed to the driver and returns the cluster ids of the
// executions that may go ahead. Executions finished or canceled since their tasks were planned are left out.
func (m *Manager) BeginLaunch(clusterIDs ...string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	rv := make([]string, 0, len(clusterIDs))
	for _, clusterID := range clusterIDs {
		exe, ok := m.executions[clusterID]
		if !ok || exe.cancelRequested || exe.CurrentTask() == nil {
			continue
		}
		exe.launched = true
		rv = append(rv, clusterID)
	}
	return rv
}

// AbortLaunch undoes BeginLaunch for executions whose tasks never reached the driver and returns the cluster ids of
// those still tracked. An execution canceled in between is finished as canceled, as no kill can land for it.
func (m *Manager) AbortLaunch(ctx *scalecontext.Context, clusterIDs ...string) []string {
	m.mu.Lock()
	var live []string
	var done []*completion
	for _, clusterID := range clusterIDs {
		exe, ok := m.executions[clusterID]
		if !ok {
			continue
		}
		exe.launched = false
		if exe.cancelRequested {
			done = append(done, m.finishLocked(exe, models.JobCanceled, nil, false, false))
			continue
		}
		live = append(live, clusterID)
	}
	m.mu.Unlock()
	for _, d := range done {
		m.apply(ctx, actions{done: d})
	}
	return live
}

// CurrentTaskIDs returns the ids of the launched tasks in flight, sorted.
func (m *Manager) CurrentTaskIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var rv []string
	for _, exe := range m.executions {
		if task := exe.CurrentTask(); task != nil && exe.launched {
			rv = append(rv, task.TaskID)
		}
	}
	sort.Strings(rv)
	return rv
}

// completion collects the side effects of finishing an execution so that they run outside the lock.
type completion struct {
	exe     *RunningExecution
	msg     *messaging.Message
	status  models.JobStatus
	jobErr  *models.JobError
	cleanup bool
}

type actions struct {
	unregister []string
	kill       string
	done       *completion
}

// HandleTaskUpdate advances the execution owning task according to the applied update.
func (m *Manager) HandleTaskUpdate(ctx *scalecontext.Context, task *tasks.Task, update *models.TaskUpdate) error {
	log := ctx.Log.WithFields(logrus.Fields{"clusterId": task.ClusterID, "taskId": task.TaskID})
	m.mu.Lock()
	exe, ok := m.executions[task.ClusterID]
	if !ok || exe.CurrentTask() == nil || exe.CurrentTask().TaskID != task.TaskID {
		m.mu.Unlock()
		if task.Status.Terminal() {
			m.registry.Unregister(task.TaskID)
			return nil
		}
		log.Warnf("Task %s does not belong to a running execution; killing it", task.TaskID)
		if _, err := m.registry.Kill(ctx, task.TaskID, "orphan"); err != nil {
			logging.WithStacktrace(log, err).Warn("Failed to kill orphaned task")
		}
		return nil
	}
	exe.Tasks[exe.current] = task.DeepCopy()
	var act actions
	switch {
	case !task.Status.Terminal():
		if exe.cancelRequested {
			act.kill = task.TaskID
		}
	case task.Succeeded():
		act.unregister = append(act.unregister, task.TaskID)
		if task.Type == tasks.TypePull {
			m.MarkImagePresent(exe.AgentID, task.Image)
		}
		switch {
		case exe.current == len(exe.Tasks)-1:
			act.done = m.finishLocked(exe, models.JobCompleted, nil, false, false)
		case exe.cancelRequested:
			act.done = m.finishLocked(exe, models.JobCanceled, nil, false, false)
		default:
			exe.current++
			exe.launched = false
		}
	default:
		act.unregister = append(act.unregister, task.TaskID)
		act.done = m.failLocked(exe, task)
	}
	m.mu.Unlock()

	if act.done != nil {
		log.Infof("Execution finished with status %s", act.done.status)
	}
	m.apply(ctx, act)
	return nil
}

// failLocked classifies the failure of the task in flight and finishes the execution.
func (m *Manager) failLocked(exe *RunningExecution, task *tasks.Task) *completion {
	if exe.cancelRequested {
		return m.finishLocked(exe, models.JobCanceled, nil, false, false)
	}
	jobErr := classify(exe, task)
	retry, lostRetry := false, false
	if jobErr.Retryable() && exe.ExeNum < exe.MaxTries {
		if task.Status == models.TaskLost {
			// Lost tasks are retried once, and only while running the algorithm.
			if task.Type == tasks.TypeMain && exe.LostRetries == 0 {
				retry, lostRetry = true, true
			}
		} else {
			retry = true
		}
	}
	return m.finishLocked(exe, models.JobFailed, jobErr, retry, lostRetry)
}

func classify(exe *RunningExecution, task *tasks.Task) *models.JobError {
	switch task.Status {
	case models.TaskLost:
		return models.SystemError(models.ErrorNameNodeLost, fmt.Sprintf("Agent %s was lost while running the %s task", exe.AgentID, task.Type))
	case models.TaskKilled:
		if task.TimedOut {
			return models.SystemError(models.ErrorNameTimeout, fmt.Sprintf("The %s task exceeded its timeout of %s", task.Type, task.Timeout))
		}
		return models.SystemError(models.ErrorNameTaskKilled, fmt.Sprintf("The %s task was killed", task.Type))
	}
	if task.ExitCode == nil {
		return models.SystemError(models.ErrorNameLaunchFailed, fmt.Sprintf("The %s task failed to run: %s", task.Type, task.Message))
	}
	exitCode := *task.ExitCode
	switch task.Type {
	case tasks.TypePull:
		return models.SystemError(models.ErrorNamePullFailed, fmt.Sprintf("Pulling image %s failed", task.Image))
	case tasks.TypePre:
		if jobErr, ok := preTaskExitCodes[exitCode]; ok {
			e := *jobErr
			return &e
		}
		return models.SystemError(models.ErrorNamePreTaskFailed, fmt.Sprintf("The pre task exited with code %d", exitCode))
	case tasks.TypePost:
		if jobErr, ok := postTaskExitCodes[exitCode]; ok {
			e := *jobErr
			return &e
		}
		return models.SystemError(models.ErrorNamePostTaskFailed, fmt.Sprintf("The post task exited with code %d", exitCode))
	default:
		return exe.JobType.ErrorMapping.Lookup(exitCode)
	}
}

// finishLocked removes the execution and builds the message announcing its end.
func (m *Manager) finishLocked(exe *RunningExecution, status models.JobStatus, jobErr *models.JobError, retry, lostRetry bool) *completion {
	exe.finished = true
	delete(m.executions, exe.ClusterID)
	metrics.RunningExecutions.Set(float64(len(m.executions)))

	ended := m.clock.Now()
	main := exe.task(tasks.TypeMain)
	var exitCode *int
	var stdoutRef, stderrRef string
	if main != nil {
		exitCode = main.ExitCode
		stdoutRef, stderrRef = main.StdoutRef, main.StderrRef
	}
	var msg *messaging.Message
	if status == models.JobCompleted {
		msg = messaging.MustNew(messaging.ProcessJobOutput, &messaging.ProcessJobOutputPayload{
			JobID:     exe.JobID,
			ExeNum:    exe.ExeNum,
			Output:    exe.output(),
			ExitCode:  exitCode,
			StdoutRef: stdoutRef,
			StderrRef: stderrRef,
			Ended:     ended,
		})
	} else {
		msg = messaging.MustNew(messaging.JobFinished, &messaging.JobFinishedPayload{
			JobID:     exe.JobID,
			ExeNum:    exe.ExeNum,
			Status:    status,
			Error:     jobErr,
			ExitCode:  exitCode,
			StdoutRef: stdoutRef,
			StderrRef: stderrRef,
			Ended:     ended,
			Retry:     retry,
			LostRetry: lostRetry,
		})
	}
	// Nothing needs cleaning up if no task was ever handed to the driver.
	ranSomething := exe.current > 0 || exe.launched
	return &completion{exe: exe.DeepCopy(), msg: msg, status: status, jobErr: jobErr, cleanup: ranSomething}
}

func (m *Manager) apply(ctx *scalecontext.Context, act actions) {
	if len(act.unregister) > 0 {
		m.registry.Unregister(act.unregister...)
	}
	if act.kill != "" {
		if _, err := m.registry.Kill(ctx, act.kill, "cancel"); err != nil {
			logging.WithStacktrace(ctx.Log, err).Warnf("Failed to kill task %s of canceled job", act.kill)
		}
	}
	if done := act.done; done != nil {
		m.registry.Unregister(done.exe.TaskIDs()...)
		if done.cleanup {
			m.cleanup.AddFinishedExecution(done.exe.AgentID, done.exe.ClusterID)
		}
		category, name := "", ""
		if done.jobErr != nil {
			category, name = string(done.jobErr.Category), done.jobErr.Name
		}
		metrics.RecordJobFinished(string(done.status), category, name)
		m.sender.Send(done.msg)
	}
}

// Cancel kills the task in flight of every execution of the job. Executions with no task in flight are finished as
// canceled straight away; the others finish when the kill lands. Returns false if the job has no execution.
func (m *Manager) Cancel(ctx *scalecontext.Context, jobID string) bool {
	m.mu.Lock()
	var kills []string
	var done []*completion
	found := false
	for _, exe := range m.executions {
		if exe.JobID != jobID {
			continue
		}
		found = true
		exe.cancelRequested = true
		if exe.launched {
			kills = append(kills, exe.CurrentTask().TaskID)
		} else {
			done = append(done, m.finishLocked(exe, models.JobCanceled, nil, false, false))
		}
	}
	m.mu.Unlock()

	for _, taskID := range kills {
		// A task still awaiting its first update cannot be killed yet; it is killed when that update arrives.
		m.apply(ctx, actions{kill: taskID})
	}
	for _, d := range done {
		m.apply(ctx, actions{done: d})
	}
	return found
}

// FailExecutionsOnAgent finishes executions on a lost agent that have no task in flight. Executions with a task in
// flight are finished when the LOST update for that task arrives.
func (m *Manager) FailExecutionsOnAgent(ctx *scalecontext.Context, agentID string) {
	m.mu.Lock()
	var done []*completion
	for _, exe := range m.executions {
		if exe.AgentID != agentID || exe.launched {
			continue
		}
		lost := exe.CurrentTask().DeepCopy()
		lost.Status = models.TaskLost
		done = append(done, m.failLocked(exe, lost))
	}
	m.mu.Unlock()
	for _, d := range done {
		m.apply(ctx, actions{done: d})
	}
}

// FailLaunch fails an execution whose next task could not be handed to the driver.
func (m *Manager) FailLaunch(ctx *scalecontext.Context, clusterID string, reason string) {
	m.mu.Lock()
	exe, ok := m.executions[clusterID]
	if !ok {
		m.mu.Unlock()
		return
	}
	failed := exe.CurrentTask().DeepCopy()
	failed.Status = models.TaskFailed
	failed.Message = reason
	done := m.failLocked(exe, failed)
	m.mu.Unlock()
	m.apply(ctx, actions{done: done})
}
