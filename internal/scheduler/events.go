package scheduler

import (
	"github.com/scaleproject/scale/internal/common/scalecontext"
	"github.com/scaleproject/scale/internal/scheduler/driver"
	"github.com/scaleproject/scale/internal/scheduler/models"
	"github.com/scaleproject/scale/internal/scheduler/offers"
)

// driverEvents routes resource manager callbacks to the components owning the affected state. No callback blocks:
// status updates are queued for the update pipeline and everything else only takes component locks.
type driverEvents struct {
	app *App
}

var _ driver.EventHandler = &driverEvents{}

func (e *driverEvents) Registered(ctx *scalecontext.Context, frameworkID string) {
	ctx.Log.Infof("Registered with the resource manager as framework %s", frameworkID)
	e.connected(ctx)
}

func (e *driverEvents) Reconnected(ctx *scalecontext.Context) {
	ctx.Log.Info("Reconnected to the resource manager")
	e.connected(ctx)
}

// connected puts every task of every running execution up for reconciliation, since updates may have been missed
// while disconnected.
func (e *driverEvents) connected(ctx *scalecontext.Context) {
	taskIDs := e.app.executions.CurrentTaskIDs()
	e.app.reconciliation.Seed(taskIDs)
	if len(taskIDs) > 0 {
		ctx.Log.Infof("Reconciling %d running tasks", len(taskIDs))
	}
	e.app.scheduler.SetConnected(true)
}

// Disconnected stops launches and drops every offer, as offers do not survive a disconnection.
func (e *driverEvents) Disconnected(ctx *scalecontext.Context) {
	ctx.Log.Warn("Disconnected from the resource manager")
	e.app.scheduler.SetConnected(false)
	for _, agent := range e.app.nodes.GetAgents() {
		e.app.ledger.RemoveAgent(agent.AgentID)
	}
}

func (e *driverEvents) Offers(ctx *scalecontext.Context, received []*offers.Offer) {
	for _, offer := range received {
		if e.app.nodes.Observe(offer.AgentID, offer.Hostname) {
			ctx.Log.WithField("agentId", offer.AgentID).Infof("Agent %s (%s) joined", offer.AgentID, offer.Hostname)
			e.app.cleanup.AddAgent(offer.AgentID)
		}
	}
	e.app.ledger.AddOffers(received)
}

func (e *driverEvents) Rescind(ctx *scalecontext.Context, offerID string) {
	if len(e.app.ledger.Rescind(offerID)) > 0 {
		ctx.Log.Debugf("Offer %s rescinded", offerID)
	}
}

func (e *driverEvents) StatusUpdate(_ *scalecontext.Context, update *models.TaskUpdate) {
	if update.AgentID != "" {
		e.app.nodes.Touch(update.AgentID)
	}
	e.app.tasks.Submit(update)
}

func (e *driverEvents) AgentLost(ctx *scalecontext.Context, agentID string) {
	e.app.agentLost(ctx, agentID, "reported lost by the resource manager")
}

func (e *driverEvents) Error(ctx *scalecontext.Context, message string) {
	ctx.Log.Errorf("Resource manager error: %s", message)
}

// agentLost retires an agent: its offers are dropped, its tasks reported LOST and its idle executions failed.
func (a *App) agentLost(ctx *scalecontext.Context, agentID string, reason string) {
	a.ledger.RemoveAgent(agentID)
	a.nodes.AgentLost(ctx, agentID, reason)
	a.executions.FailExecutionsOnAgent(ctx, agentID)
}
