package scalectl

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"sigs.k8s.io/yaml"

	"github.com/scaleproject/scale/internal/common/scalecontext"
	"github.com/scaleproject/scale/internal/common/util"
	"github.com/scaleproject/scale/internal/scheduler/messaging"
	"github.com/scaleproject/scale/internal/scheduler/models"
	"github.com/scaleproject/scale/internal/scheduler/recipe"
)

// NodePauser stores whether a host may receive new work.
type NodePauser interface {
	SetNodePaused(ctx *scalecontext.Context, hostname string, paused bool, reason string) error
}

// SchedulerPauser stores whether the scheduler as a whole places new work.
type SchedulerPauser interface {
	SetPaused(ctx *scalecontext.Context, paused bool) error
}

// Sender publishes messages to the scheduler.
type Sender interface {
	Send(ctx *scalecontext.Context, msgs ...*messaging.Message) error
}

// App holds the clients used by scalectl commands. Pauses are written to the database and picked up by the
// scheduler on its next sync; everything else is a message handled by the leading scheduler.
type App struct {
	Nodes     NodePauser
	Scheduler SchedulerPauser
	Sender    Sender
	// Destination for command output.
	Out io.Writer
	// Stamps cancellation requests.
	Now func() time.Time
}

func New(nodes NodePauser, scheduler SchedulerPauser, sender Sender) *App {
	return &App{
		Nodes:     nodes,
		Scheduler: scheduler,
		Sender:    sender,
		Out:       os.Stdout,
		Now:       time.Now,
	}
}

func (a *App) PauseNode(ctx *scalecontext.Context, hostname, reason string) error {
	if hostname == "" {
		return errors.New("hostname must be supplied")
	}
	if err := a.Nodes.SetNodePaused(ctx, hostname, true, reason); err != nil {
		return errors.WithMessagef(err, "error pausing node %s", hostname)
	}
	fmt.Fprintf(a.Out, "Paused node %s\n", hostname)
	return nil
}

func (a *App) ResumeNode(ctx *scalecontext.Context, hostname string) error {
	if hostname == "" {
		return errors.New("hostname must be supplied")
	}
	if err := a.Nodes.SetNodePaused(ctx, hostname, false, ""); err != nil {
		return errors.WithMessagef(err, "error resuming node %s", hostname)
	}
	fmt.Fprintf(a.Out, "Resumed node %s\n", hostname)
	return nil
}

// SetSchedulerPaused stops or restarts the placement of queued jobs. Running executions are not affected.
func (a *App) SetSchedulerPaused(ctx *scalecontext.Context, paused bool) error {
	if err := a.Scheduler.SetPaused(ctx, paused); err != nil {
		return errors.WithMessage(err, "error updating scheduler settings")
	}
	if paused {
		fmt.Fprintln(a.Out, "Scheduler paused")
	} else {
		fmt.Fprintln(a.Out, "Scheduler resumed")
	}
	return nil
}

func (a *App) CancelJobs(ctx *scalecontext.Context, jobIDs []string) error {
	if len(jobIDs) == 0 {
		return errors.New("at least one job id must be supplied")
	}
	msg := messaging.MustNew(messaging.CancelJob, &messaging.CancelJobPayload{JobIDs: jobIDs, When: a.Now()})
	if err := a.Sender.Send(ctx, msg); err != nil {
		return errors.WithMessagef(err, "error requesting cancellation of jobs %s", strings.Join(jobIDs, ", "))
	}
	fmt.Fprintf(a.Out, "Requested cancellation for jobs %s\n", strings.Join(jobIDs, ", "))
	return nil
}

// RequeueJobs puts failed or canceled jobs back in the queue, optionally at a new priority.
func (a *App) RequeueJobs(ctx *scalecontext.Context, jobIDs []string, priority *int) error {
	if len(jobIDs) == 0 {
		return errors.New("at least one job id must be supplied")
	}
	msg := messaging.MustNew(messaging.RequeueJob, &messaging.RequeueJobPayload{JobIDs: jobIDs, Priority: priority})
	if err := a.Sender.Send(ctx, msg); err != nil {
		return errors.WithMessagef(err, "error requesting requeue of jobs %s", strings.Join(jobIDs, ", "))
	}
	fmt.Fprintf(a.Out, "Requested requeue for jobs %s\n", strings.Join(jobIDs, ", "))
	return nil
}

// ReprocessRecipe supersedes a recipe with a new one re-running the given nodes, or every node if all is set. Nodes
// whose definition changed since the recipe ran are always re-run. Returns the id of the new recipe.
func (a *App) ReprocessRecipe(ctx *scalecontext.Context, recipeID string, nodes []string, all bool) (string, error) {
	if recipeID == "" {
		return "", errors.New("recipe id must be supplied")
	}
	var forced *models.ForcedNodes
	if all || len(nodes) > 0 {
		forced = &models.ForcedNodes{All: all, Nodes: nodes}
	}
	newRecipeID := util.NewULID()
	msg := messaging.MustNew(messaging.ReprocessRecipe, &messaging.ReprocessRecipePayload{
		RecipeID:    recipeID,
		ForcedNodes: forced,
		NewRecipeID: newRecipeID,
	})
	if err := a.Sender.Send(ctx, msg); err != nil {
		return "", errors.WithMessagef(err, "error requesting reprocessing of recipe %s", recipeID)
	}
	fmt.Fprintf(a.Out, "Requested reprocessing of recipe %s as %s\n", recipeID, newRecipeID)
	return newRecipeID, nil
}

// ValidateRecipe checks the recipe definition in fileName, written as YAML or JSON, and lists its nodes.
func (a *App) ValidateRecipe(fileName string) error {
	raw, err := os.ReadFile(fileName)
	if err != nil {
		return errors.WithStack(err)
	}
	return a.validateRecipe(fileName, raw)
}

func (a *App) validateRecipe(name string, raw []byte) error {
	doc, err := yaml.YAMLToJSON(raw)
	if err != nil {
		return errors.Wrapf(err, "%s is neither YAML nor JSON", name)
	}
	def, err := recipe.Parse(doc)
	if err != nil {
		return errors.WithMessagef(err, "%s is not a valid recipe definition", name)
	}
	fmt.Fprintf(a.Out, "%s is valid (version %s)\n", name, def.Version)
	for _, node := range def.NodeNames() {
		nodeType := def.Nodes[node].NodeType
		switch nodeType.NodeType {
		case models.NodeTypeJob:
			fmt.Fprintf(a.Out, "  %s: job %s %s\n", node, nodeType.JobTypeName, nodeType.JobTypeVersion)
		case models.NodeTypeRecipe:
			fmt.Fprintf(a.Out, "  %s: recipe %s\n", node, nodeType.RecipeTypeName)
		default:
			fmt.Fprintf(a.Out, "  %s: %s\n", node, nodeType.NodeType)
		}
	}
	return nil
}
