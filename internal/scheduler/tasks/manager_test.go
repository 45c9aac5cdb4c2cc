package tasks

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clock "k8s.io/utils/clock/testing"

	"github.com/scaleproject/scale/internal/common/scalecontext"
	"github.com/scaleproject/scale/internal/scheduler/models"
	"github.com/scaleproject/scale/internal/scheduler/resources"
)

var baseTime = time.Date(2023, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeKiller struct {
	kills []string
	err   error
}

func (k *fakeKiller) Kill(_ *scalecontext.Context, agentID string, taskID string) error {
	k.kills = append(k.kills, agentID+"/"+taskID)
	return k.err
}

type fakeReconciler struct {
	tasks map[string]bool
}

func (r *fakeReconciler) Add(taskIDs ...string) {
	for _, id := range taskIDs {
		r.tasks[id] = true
	}
}

func (r *fakeReconciler) Remove(taskID string) {
	delete(r.tasks, taskID)
}

type fakePersister struct {
	updates []*models.TaskUpdate
}

func (p *fakePersister) Enqueue(update *models.TaskUpdate) {
	p.updates = append(p.updates, update)
}

type recordingOwner struct {
	statuses []models.TaskStatus
	err      error
}

func (o *recordingOwner) HandleTaskUpdate(_ *scalecontext.Context, task *Task, _ *models.TaskUpdate) error {
	o.statuses = append(o.statuses, task.Status)
	return o.err
}

type fixture struct {
	manager    *Manager
	killer     *fakeKiller
	reconciler *fakeReconciler
	persister  *fakePersister
	owner      *recordingOwner
	clock      *clock.FakeClock
}

func newFixture() *fixture {
	f := &fixture{
		killer:     &fakeKiller{},
		reconciler: &fakeReconciler{tasks: map[string]bool{}},
		persister:  &fakePersister{},
		owner:      &recordingOwner{},
		clock:      clock.NewFakeClock(baseTime),
	}
	f.manager = NewManager(Config{}, f.killer, f.reconciler, f.persister, f.clock)
	f.manager.RegisterOwner(JobTaskPrefix, f.owner)
	return f
}

const mainTaskID = "scale_job_job1_1_main"

func mainTask() *Task {
	return &Task{
		TaskID:    mainTaskID,
		ClusterID: "scale_job_job1_1",
		Type:      TypeMain,
		AgentID:   "agent-1",
		Resources: resources.New(map[string]float64{resources.Cpus: 1}),
		Timeout:   time.Minute,
	}
}

func update(status models.TaskStatus) *models.TaskUpdate {
	return &models.TaskUpdate{
		TaskID:    mainTaskID,
		AgentID:   "agent-1",
		Status:    status,
		Source:    models.SourceDriver,
		Timestamp: baseTime,
	}
}

func TestApply_Sequences(t *testing.T) {
	tests := map[string]struct {
		updates          []*models.TaskUpdate
		expectedStatus   models.TaskStatus
		expectedForwards []models.TaskStatus
	}{
		"happy path": {
			updates:          []*models.TaskUpdate{update(models.TaskLaunched), update(models.TaskRunning), update(models.TaskFinished)},
			expectedStatus:   models.TaskFinished,
			expectedForwards: []models.TaskStatus{models.TaskLaunched, models.TaskRunning, models.TaskFinished},
		},
		"duplicate updates forwarded once": {
			updates:          []*models.TaskUpdate{update(models.TaskRunning), update(models.TaskRunning), update(models.TaskFinished), update(models.TaskFinished)},
			expectedStatus:   models.TaskFinished,
			expectedForwards: []models.TaskStatus{models.TaskRunning, models.TaskFinished},
		},
		"running after finished ignored": {
			updates:          []*models.TaskUpdate{update(models.TaskFinished), update(models.TaskRunning)},
			expectedStatus:   models.TaskFinished,
			expectedForwards: []models.TaskStatus{models.TaskFinished},
		},
		"stale launched ignored": {
			updates:          []*models.TaskUpdate{update(models.TaskRunning), update(models.TaskLaunched)},
			expectedStatus:   models.TaskRunning,
			expectedForwards: []models.TaskStatus{models.TaskRunning},
		},
		"first terminal status wins": {
			updates:          []*models.TaskUpdate{update(models.TaskFailed), update(models.TaskFinished)},
			expectedStatus:   models.TaskFailed,
			expectedForwards: []models.TaskStatus{models.TaskFailed},
		},
		"lost is sticky for driver updates": {
			updates:          []*models.TaskUpdate{update(models.TaskLost), update(models.TaskFinished)},
			expectedStatus:   models.TaskLost,
			expectedForwards: []models.TaskStatus{models.TaskLost},
		},
		"lost re-driven by reconciliation": {
			updates: []*models.TaskUpdate{
				update(models.TaskLost),
				{TaskID: mainTaskID, Status: models.TaskFinished, Source: models.SourceReconciliation, Timestamp: baseTime},
			},
			expectedStatus:   models.TaskFinished,
			expectedForwards: []models.TaskStatus{models.TaskLost, models.TaskFinished},
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			ctx := scalecontext.Background()
			f := newFixture()
			f.manager.Register(mainTask())
			for _, u := range tc.updates {
				f.manager.Apply(ctx, u)
			}
			task, ok := f.manager.Get(mainTaskID)
			require.True(t, ok)
			assert.Equal(t, tc.expectedStatus, task.Status)
			assert.Equal(t, tc.expectedForwards, f.owner.statuses)
			// Every update is persisted, applied or not.
			assert.Len(t, f.persister.updates, len(tc.updates))
		})
	}
}

func TestApply_RecordsTerminalDetails(t *testing.T) {
	ctx := scalecontext.Background()
	f := newFixture()
	f.manager.Register(mainTask())

	running := update(models.TaskRunning)
	f.manager.Apply(ctx, running)
	task, _ := f.manager.Get(mainTaskID)
	assert.Equal(t, baseTime.Add(time.Minute), task.Deadline)

	failed := update(models.TaskFailed)
	failed.Timestamp = baseTime.Add(10 * time.Second)
	failed.ExitCode = models.IntPtr(3)
	failed.StdoutRef = "stdout://1"
	failed.StderrRef = "stderr://1"
	f.manager.Apply(ctx, failed)

	task, _ = f.manager.Get(mainTaskID)
	require.NotNil(t, task.ExitCode)
	assert.Equal(t, 3, *task.ExitCode)
	assert.Equal(t, "stdout://1", task.StdoutRef)
	assert.Equal(t, "stderr://1", task.StderrRef)
	assert.Equal(t, baseTime.Add(10*time.Second), *task.Ended)
	assert.True(t, task.Deadline.IsZero())
	assert.False(t, task.Succeeded())
}

func TestApply_OwnerErrorReconciles(t *testing.T) {
	ctx := scalecontext.Background()
	f := newFixture()
	f.owner.err = errors.New("boom")
	f.manager.Register(mainTask())

	f.manager.Apply(ctx, update(models.TaskRunning))
	assert.True(t, f.reconciler.tasks[mainTaskID])

	// The next update removes it again.
	f.owner.err = nil
	f.manager.Apply(ctx, update(models.TaskFinished))
	assert.False(t, f.reconciler.tasks[mainTaskID])
}

func TestApply_KillsZombies(t *testing.T) {
	ctx := scalecontext.Background()
	f := newFixture()

	f.manager.Apply(ctx, update(models.TaskRunning))
	f.manager.Apply(ctx, update(models.TaskRunning))
	assert.Equal(t, []string{"agent-1/" + mainTaskID}, f.killer.kills)

	// Terminal updates for unknown tasks need no kill.
	other := update(models.TaskFinished)
	other.TaskID = "scale_job_other_1_main"
	f.manager.Apply(ctx, other)
	assert.Len(t, f.killer.kills, 1)
	assert.Empty(t, f.owner.statuses)
}

func TestKill(t *testing.T) {
	ctx := scalecontext.Background()
	f := newFixture()
	f.manager.Register(mainTask())

	// Not launched yet.
	sent, err := f.manager.Kill(ctx, mainTaskID, "cancel")
	require.NoError(t, err)
	assert.False(t, sent)

	f.manager.Apply(ctx, update(models.TaskRunning))
	for i := 0; i < 3; i++ {
		sent, err = f.manager.Kill(ctx, mainTaskID, "cancel")
		require.NoError(t, err)
		assert.True(t, sent)
	}
	assert.Len(t, f.killer.kills, 1)
}

func TestKill_RetriedAfterDriverError(t *testing.T) {
	ctx := scalecontext.Background()
	f := newFixture()
	f.manager.Register(mainTask())
	f.manager.Apply(ctx, update(models.TaskRunning))

	f.killer.err = errors.New("disconnected")
	_, err := f.manager.Kill(ctx, mainTaskID, "cancel")
	assert.Error(t, err)

	f.killer.err = nil
	sent, err := f.manager.Kill(ctx, mainTaskID, "cancel")
	require.NoError(t, err)
	assert.True(t, sent)
	assert.Len(t, f.killer.kills, 2)
}

func TestCheckDeadlines_KillsOnce(t *testing.T) {
	ctx := scalecontext.Background()
	f := newFixture()
	f.manager.Register(mainTask())
	f.manager.Apply(ctx, update(models.TaskRunning))

	f.manager.CheckDeadlines(ctx, baseTime.Add(30*time.Second))
	assert.Empty(t, f.killer.kills)

	f.manager.CheckDeadlines(ctx, baseTime.Add(61*time.Second))
	f.manager.CheckDeadlines(ctx, baseTime.Add(90*time.Second))
	assert.Equal(t, []string{"agent-1/" + mainTaskID}, f.killer.kills)

	task, _ := f.manager.Get(mainTaskID)
	assert.True(t, task.TimedOut)
	assert.True(t, task.KillSent)

	killed := update(models.TaskKilled)
	f.manager.Apply(ctx, killed)
	assert.Equal(t, []models.TaskStatus{models.TaskRunning, models.TaskKilled}, f.owner.statuses)
}

func TestLoseAgentTasks(t *testing.T) {
	f := newFixture()
	finished := mainTask()
	finished.TaskID = "scale_job_job0_1_main"
	finished.Status = models.TaskFinished
	elsewhere := mainTask()
	elsewhere.TaskID = "scale_job_job2_1_main"
	elsewhere.AgentID = "agent-2"
	f.manager.Register(mainTask(), finished, elsewhere)

	f.manager.LoseAgentTasks("agent-1")
	require.Len(t, f.manager.updates, 1)
	lost := <-f.manager.updates
	assert.Equal(t, mainTaskID, lost.TaskID)
	assert.Equal(t, models.TaskLost, lost.Status)
	assert.Equal(t, models.SourceNodeLost, lost.Source)
}

func TestRun_AppliesSubmittedUpdates(t *testing.T) {
	f := newFixture()
	f.manager.Register(mainTask())
	ctx, cancel := scalecontext.WithCancel(scalecontext.Background())
	done := make(chan struct{})
	go func() {
		_ = f.manager.Run(ctx)
		close(done)
	}()
	f.manager.Submit(update(models.TaskRunning))
	assert.Eventually(t, func() bool {
		task, _ := f.manager.Get(mainTaskID)
		return task.Status == models.TaskRunning
	}, time.Second, time.Millisecond)
	cancel()
	<-done
}
