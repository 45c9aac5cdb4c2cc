package fake

import (
	"fmt"
	"sync"

	"github.com/scaleproject/scale/internal/common/scalecontext"
	"github.com/scaleproject/scale/internal/scheduler/driver"
	"github.com/scaleproject/scale/internal/scheduler/models"
	"github.com/scaleproject/scale/internal/scheduler/offers"
	"github.com/scaleproject/scale/internal/scheduler/resources"
	"github.com/scaleproject/scale/internal/scheduler/tasks"
)

const FrameworkID = "fake-framework"

// Launch is a recorded call to Driver.Launch.
type Launch struct {
	AgentID  string
	OfferIDs []string
	Tasks    []*tasks.Task
}

// Driver records every request made to it and lets tests play the resource manager by emitting events.
type Driver struct {
	mu         sync.Mutex
	handler    driver.EventHandler
	seq        int
	launches   []Launch
	kills      []string
	declined   []string
	reconciled []string
	// Returned by the next calls to Launch while set.
	LaunchError error
	KillError   error
}

var _ driver.Driver = &Driver{}

func New() *Driver {
	return &Driver{}
}

// Run registers handler and reports a successful registration. It returns when ctx is cancelled.
func (d *Driver) Run(ctx *scalecontext.Context, handler driver.EventHandler) error {
	d.Attach(handler)
	handler.Registered(ctx, FrameworkID)
	<-ctx.Done()
	return nil
}

// Attach sets the handler events are delivered to without going through Run.
func (d *Driver) Attach(handler driver.EventHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handler = handler
}

func (d *Driver) Launch(_ *scalecontext.Context, agentID string, offerIDs []string, launched []*tasks.Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.LaunchError != nil {
		return d.LaunchError
	}
	copies := make([]*tasks.Task, len(launched))
	for i, task := range launched {
		copies[i] = task.DeepCopy()
	}
	d.launches = append(d.launches, Launch{AgentID: agentID, OfferIDs: append([]string(nil), offerIDs...), Tasks: copies})
	return nil
}

func (d *Driver) Kill(_ *scalecontext.Context, _ string, taskID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.KillError != nil {
		return d.KillError
	}
	d.kills = append(d.kills, taskID)
	return nil
}

func (d *Driver) Decline(_ *scalecontext.Context, offerIDs []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.declined = append(d.declined, offerIDs...)
	return nil
}

func (d *Driver) Reconcile(_ *scalecontext.Context, taskIDs []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reconciled = append(d.reconciled, taskIDs...)
	return nil
}

func (d *Driver) Launches() []Launch {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Launch(nil), d.launches...)
}

// LaunchedTasks returns every launched task in launch order.
func (d *Driver) LaunchedTasks() []*tasks.Task {
	d.mu.Lock()
	defer d.mu.Unlock()
	var rv []*tasks.Task
	for _, launch := range d.launches {
		rv = append(rv, launch.Tasks...)
	}
	return rv
}

func (d *Driver) Kills() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.kills...)
}

func (d *Driver) Declined() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.declined...)
}

func (d *Driver) Reconciled() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.reconciled...)
}

// Reset forgets every recorded request.
func (d *Driver) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.launches, d.kills, d.declined, d.reconciled = nil, nil, nil, nil
}

// Offer emits a single offer of amounts from the agent and returns its id.
func (d *Driver) Offer(ctx *scalecontext.Context, agentID, hostname string, amounts resources.NodeResources) string {
	d.mu.Lock()
	d.seq++
	offerID := fmt.Sprintf("offer-%d", d.seq)
	handler := d.handler
	d.mu.Unlock()
	handler.Offers(ctx, []*offers.Offer{{
		OfferID:     offerID,
		AgentID:     agentID,
		Hostname:    hostname,
		FrameworkID: FrameworkID,
		Resources:   amounts.DeepCopy(),
	}})
	return offerID
}

func (d *Driver) Rescind(ctx *scalecontext.Context, offerID string) {
	d.currentHandler().Rescind(ctx, offerID)
}

// Update emits a status update from the driver for a task.
func (d *Driver) Update(ctx *scalecontext.Context, agentID, taskID string, status models.TaskStatus, exitCode *int) {
	d.currentHandler().StatusUpdate(ctx, &models.TaskUpdate{
		TaskID:   taskID,
		AgentID:  agentID,
		Status:   status,
		Source:   models.SourceDriver,
		ExitCode: exitCode,
	})
}

// Finish emits the FINISHED update of a task that exited with exitCode after producing output.
func (d *Driver) Finish(ctx *scalecontext.Context, agentID, taskID string, exitCode int, output *models.Data) {
	d.currentHandler().StatusUpdate(ctx, &models.TaskUpdate{
		TaskID:   taskID,
		AgentID:  agentID,
		Status:   models.TaskFinished,
		Source:   models.SourceDriver,
		ExitCode: models.IntPtr(exitCode),
		Output:   output.DeepCopy(),
	})
}

// Answer emits the reconciliation answer for a task.
func (d *Driver) Answer(ctx *scalecontext.Context, agentID, taskID string, status models.TaskStatus) {
	d.currentHandler().StatusUpdate(ctx, &models.TaskUpdate{
		TaskID:  taskID,
		AgentID: agentID,
		Status:  status,
		Source:  models.SourceReconciliation,
	})
}

func (d *Driver) Disconnect(ctx *scalecontext.Context) {
	d.currentHandler().Disconnected(ctx)
}

func (d *Driver) Reconnect(ctx *scalecontext.Context) {
	d.currentHandler().Reconnected(ctx)
}

func (d *Driver) LoseAgent(ctx *scalecontext.Context, agentID string) {
	d.currentHandler().AgentLost(ctx, agentID)
}

func (d *Driver) currentHandler() driver.EventHandler {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handler
}
