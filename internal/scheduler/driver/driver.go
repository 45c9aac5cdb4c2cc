package driver

import (
	"github.com/scaleproject/scale/internal/common/scalecontext"
	"github.com/scaleproject/scale/internal/scheduler/models"
	"github.com/scaleproject/scale/internal/scheduler/offers"
	"github.com/scaleproject/scale/internal/scheduler/tasks"
)

// Driver is the scheduler's connection to the resource manager. Calls return once the request has been handed over;
// their outcome arrives later through the EventHandler.
type Driver interface {
	// Run connects to the resource manager and delivers its events to handler until ctx is cancelled.
	Run(ctx *scalecontext.Context, handler EventHandler) error
	// Launch starts tasks on an agent using the given offers. Offers not needed by the tasks are returned to the
	// resource manager.
	Launch(ctx *scalecontext.Context, agentID string, offerIDs []string, tasks []*tasks.Task) error
	Kill(ctx *scalecontext.Context, agentID string, taskID string) error
	Decline(ctx *scalecontext.Context, offerIDs []string) error
	// Reconcile asks for the current status of the given tasks. Each answer arrives as a status update whose source
	// is reconciliation.
	Reconcile(ctx *scalecontext.Context, taskIDs []string) error
}

// EventHandler receives the callbacks of a Driver. Implementations must not block.
type EventHandler interface {
	Registered(ctx *scalecontext.Context, frameworkID string)
	Reconnected(ctx *scalecontext.Context)
	Disconnected(ctx *scalecontext.Context)
	Offers(ctx *scalecontext.Context, offers []*offers.Offer)
	Rescind(ctx *scalecontext.Context, offerID string)
	StatusUpdate(ctx *scalecontext.Context, update *models.TaskUpdate)
	// AgentLost reports an agent the resource manager has given up on.
	AgentLost(ctx *scalecontext.Context, agentID string)
	Error(ctx *scalecontext.Context, message string)
}
