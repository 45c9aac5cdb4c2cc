package testfixtures

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/scaleproject/scale/internal/common/scalecontext"
	"github.com/scaleproject/scale/internal/scheduler/database"
	"github.com/scaleproject/scale/internal/scheduler/models"
)

var (
	_ database.JobRepository        = &Store{}
	_ database.RecipeRepository     = &Store{}
	_ database.DefinitionRepository = &Store{}
	_ database.NodeRepository       = &Store{}
	_ database.TaskUpdateRepository = &Store{}
	_ database.SchedulerRepository  = &Store{}
)

// Store is an in-memory implementation of every scheduler repository. Values are copied on the way in and out so
// callers cannot change stored state by accident.
type Store struct {
	mu          sync.Mutex
	jobs        map[string]*models.Job
	exes        map[string]*models.JobExecution
	jobTypes    map[string][]*models.JobType
	recipeTypes map[string][]*models.RecipeTypeRevision
	recipes     map[string]*models.Recipe
	recipeNodes map[string]map[string]*models.RecipeNode
	conditions  map[string]*models.Condition
	nodes       map[string]*models.Node
	workspaces  map[string]*models.Workspace
	settings    models.SchedulerSettings
	status      []byte
	taskUpdates []*models.TaskUpdate
	// If set, returned by every job repository call.
	JobError error
}

func NewStore() *Store {
	return &Store{
		jobs:        map[string]*models.Job{},
		exes:        map[string]*models.JobExecution{},
		jobTypes:    map[string][]*models.JobType{},
		recipeTypes: map[string][]*models.RecipeTypeRevision{},
		recipes:     map[string]*models.Recipe{},
		recipeNodes: map[string]map[string]*models.RecipeNode{},
		conditions:  map[string]*models.Condition{},
		nodes:       map[string]*models.Node{},
		workspaces:  map[string]*models.Workspace{},
	}
}

func notFound(entityType, value string) error {
	return errors.WithStack(&models.ErrNotFound{Type: entityType, Value: value})
}

func copyExe(exe *models.JobExecution) *models.JobExecution {
	c := *exe
	c.Output = exe.Output.DeepCopy()
	if exe.Error != nil {
		e := *exe.Error
		c.Error = &e
	}
	return &c
}

// Jobs

func (s *Store) GetJob(_ *scalecontext.Context, jobID string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.JobError != nil {
		return nil, s.JobError
	}
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, notFound("job", jobID)
	}
	return job.DeepCopy(), nil
}

func (s *Store) GetJobs(_ *scalecontext.Context, jobIDs []string) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.JobError != nil {
		return nil, s.JobError
	}
	var rv []*models.Job
	for _, id := range jobIDs {
		if job, ok := s.jobs[id]; ok {
			rv = append(rv, job.DeepCopy())
		}
	}
	return rv, nil
}

func (s *Store) GetJobsByStatus(_ *scalecontext.Context, statuses ...models.JobStatus) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.JobError != nil {
		return nil, s.JobError
	}
	var rv []*models.Job
	for _, job := range s.jobs {
		if slices.Contains(statuses, job.Status) {
			rv = append(rv, job.DeepCopy())
		}
	}
	sort.Slice(rv, func(i, j int) bool {
		if rv[i].Priority != rv[j].Priority {
			return rv[i].Priority < rv[j].Priority
		}
		return rv[i].ID < rv[j].ID
	})
	return rv, nil
}

func (s *Store) CreateJobs(_ *scalecontext.Context, jobs []*models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.JobError != nil {
		return s.JobError
	}
	for _, job := range jobs {
		if _, exists := s.jobs[job.ID]; exists {
			continue
		}
		s.jobs[job.ID] = job.DeepCopy()
		if job.RecipeID != "" {
			s.addNodeLocked(&models.RecipeNode{
				RecipeID:   job.RecipeID,
				NodeName:   job.RecipeNode,
				NodeType:   models.NodeTypeJob,
				JobID:      job.ID,
				IsOriginal: true,
			}, false)
		}
	}
	return nil
}

func (s *Store) UpdateJobs(_ *scalecontext.Context, updates []*models.JobUpdate) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.JobError != nil {
		return nil, s.JobError
	}
	var changed []string
	for _, update := range updates {
		job, ok := s.jobs[update.JobID]
		if !ok {
			return nil, notFound("job", update.JobID)
		}
		if !update.Allowed(job.Status) {
			continue
		}
		update.Apply(job)
		changed = append(changed, job.ID)
	}
	return changed, nil
}

func (s *Store) ScheduleExecutions(_ *scalecontext.Context, exes []*models.JobExecution) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.JobError != nil {
		return nil, s.JobError
	}
	var scheduled []string
	for _, exe := range exes {
		job, ok := s.jobs[exe.JobID]
		if !ok {
			return nil, notFound("job", exe.JobID)
		}
		if job.Status != models.JobQueued || job.NumExes != exe.ExeNum-1 {
			continue
		}
		s.exes[exe.ClusterID] = copyExe(exe)
		job.Status = models.JobRunning
		job.NumExes = exe.ExeNum
		job.LastModified = exe.Started
		scheduled = append(scheduled, exe.ClusterID)
	}
	return scheduled, nil
}

func (s *Store) UnscheduleExecutions(_ *scalecontext.Context, exes []*models.JobExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.JobError != nil {
		return s.JobError
	}
	for _, exe := range exes {
		stored, ok := s.exes[exe.ClusterID]
		if !ok || stored.Status != models.ExecutionRunning {
			continue
		}
		delete(s.exes, exe.ClusterID)
		if job, ok := s.jobs[exe.JobID]; ok && job.Status == models.JobRunning && job.NumExes == exe.ExeNum {
			job.Status = models.JobQueued
			job.NumExes = exe.ExeNum - 1
		}
	}
	return nil
}

func (s *Store) FinishExecution(_ *scalecontext.Context, exe *models.JobExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.JobError != nil {
		return s.JobError
	}
	stored, ok := s.exes[models.ClusterID(exe.JobID, exe.ExeNum)]
	if !ok || stored.Status != models.ExecutionRunning {
		return nil
	}
	stored.Status = exe.Status
	stored.Ended = exe.Ended
	stored.Error = exe.Error
	stored.ExitCode = exe.ExitCode
	stored.StdoutRef = exe.StdoutRef
	stored.StderrRef = exe.StderrRef
	stored.Output = exe.Output.DeepCopy()
	return nil
}

func (s *Store) GetExecution(_ *scalecontext.Context, jobID string, exeNum int) (*models.JobExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exe, ok := s.exes[models.ClusterID(jobID, exeNum)]
	if !ok {
		return nil, notFound("execution", models.ClusterID(jobID, exeNum))
	}
	return copyExe(exe), nil
}

func (s *Store) GetRunningExecutions(_ *scalecontext.Context) ([]*models.JobExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.JobError != nil {
		return nil, s.JobError
	}
	var rv []*models.JobExecution
	for _, exe := range s.exes {
		if exe.Status == models.ExecutionRunning {
			rv = append(rv, copyExe(exe))
		}
	}
	sort.Slice(rv, func(i, j int) bool { return rv[i].ClusterID < rv[j].ClusterID })
	return rv, nil
}

// Recipes

func (s *Store) GetRecipe(_ *scalecontext.Context, recipeID string) (*models.Recipe, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recipe, ok := s.recipes[recipeID]
	if !ok {
		return nil, notFound("recipe", recipeID)
	}
	c := *recipe
	c.Input = recipe.Input.DeepCopy()
	return &c, nil
}

func (s *Store) GetRecipeTypeRevision(_ *scalecontext.Context, name string, revision int64) (*models.RecipeTypeRevision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	revisions := s.recipeTypes[name]
	if len(revisions) == 0 {
		return nil, notFound("recipe type revision", name)
	}
	if revision == 0 {
		rev := *revisions[len(revisions)-1]
		return &rev, nil
	}
	for _, r := range revisions {
		if r.RevisionNum == revision {
			rev := *r
			return &rev, nil
		}
	}
	return nil, notFound("recipe type revision", name)
}

func (s *Store) CreateRecipeTypeRevision(_ *scalecontext.Context, revision *models.RecipeTypeRevision) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rev := *revision
	rev.RevisionNum = int64(len(s.recipeTypes[rev.Name]) + 1)
	s.recipeTypes[rev.Name] = append(s.recipeTypes[rev.Name], &rev)
	return rev.RevisionNum, nil
}

func (s *Store) GetRecipeNodes(_ *scalecontext.Context, recipeID string) ([]*models.RecipeNodeDetails, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	nodes := s.recipeNodes[recipeID]
	names := maps.Keys(nodes)
	slices.Sort(names)
	details := make([]*models.RecipeNodeDetails, 0, len(names))
	for _, name := range names {
		details = append(details, s.detailsLocked(nodes[name]))
	}
	return details, nil
}

func (s *Store) detailsLocked(node *models.RecipeNode) *models.RecipeNodeDetails {
	d := &models.RecipeNodeDetails{RecipeNode: *node}
	if job, ok := s.jobs[node.JobID]; ok && node.JobID != "" {
		d.JobStatus = job.Status
		d.JobOutput = job.Output.DeepCopy()
	}
	if sub, ok := s.recipes[node.SubRecipeID]; ok && node.SubRecipeID != "" {
		d.SubRecipeStatus = sub.Status
		if sub.Status == models.RecipeCompleted {
			d.SubRecipeOutput = s.recipeOutputLocked(sub.ID)
		}
	}
	if c, ok := s.conditions[node.ConditionID]; ok && node.ConditionID != "" {
		d.ConditionEvaluated = c.Evaluated
		d.ConditionAccepted = c.Accepted
		d.ConditionData = c.Data.DeepCopy()
	}
	return d
}

func (s *Store) recipeOutputLocked(recipeID string) *models.Data {
	output := models.NewData()
	nodes := s.recipeNodes[recipeID]
	names := maps.Keys(nodes)
	slices.Sort(names)
	for _, name := range names {
		if job, ok := s.jobs[nodes[name].JobID]; ok && job.Status == models.JobCompleted {
			output.Merge(job.Output)
		}
	}
	return output
}

func (s *Store) addNodeLocked(node *models.RecipeNode, replace bool) {
	if s.recipeNodes[node.RecipeID] == nil {
		s.recipeNodes[node.RecipeID] = map[string]*models.RecipeNode{}
	}
	if _, exists := s.recipeNodes[node.RecipeID][node.NodeName]; exists && !replace {
		return
	}
	n := *node
	s.recipeNodes[node.RecipeID][node.NodeName] = &n
}

func (s *Store) CreateRecipe(_ *scalecontext.Context, recipe *models.Recipe, carried []*models.RecipeNode, supersededJobIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.recipes[recipe.ID]; exists {
		return nil
	}
	c := *recipe
	c.Input = recipe.Input.DeepCopy()
	s.recipes[recipe.ID] = &c
	for _, node := range carried {
		s.addNodeLocked(node, false)
	}
	if prev, ok := s.recipes[recipe.SupersededRecipeID]; ok && recipe.SupersededRecipeID != "" {
		prev.IsSuperseded = true
		prev.SupersededBy = recipe.ID
	}
	for _, jobID := range supersededJobIDs {
		if job, ok := s.jobs[jobID]; ok {
			job.IsSuperseded = true
			job.SupersededBy = recipe.ID
		}
	}
	if recipe.ParentRecipeID != "" {
		s.addNodeLocked(&models.RecipeNode{
			RecipeID:    recipe.ParentRecipeID,
			NodeName:    recipe.ParentNode,
			NodeType:    models.NodeTypeRecipe,
			SubRecipeID: recipe.ID,
			IsOriginal:  true,
		}, true)
	}
	return nil
}

func (s *Store) UpdateRecipeStatus(_ *scalecontext.Context, recipeID string, status models.RecipeStatus, completed *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	recipe, ok := s.recipes[recipeID]
	if !ok {
		return notFound("recipe", recipeID)
	}
	recipe.Status = status
	recipe.Completed = completed
	return nil
}

func (s *Store) GetRecipeIDsForSubRecipe(_ *scalecontext.Context, subRecipeID string) ([]string, error) {
	return s.liveRecipesWithNode(func(n *models.RecipeNode) bool { return n.SubRecipeID == subRecipeID }), nil
}

func (s *Store) GetRecipeIDsForJob(_ *scalecontext.Context, jobID string) ([]string, error) {
	return s.liveRecipesWithNode(func(n *models.RecipeNode) bool { return n.JobID == jobID }), nil
}

func (s *Store) liveRecipesWithNode(match func(n *models.RecipeNode) bool) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rv []string
	for recipeID, nodes := range s.recipeNodes {
		if recipe, ok := s.recipes[recipeID]; !ok || recipe.IsSuperseded {
			continue
		}
		for _, node := range nodes {
			if match(node) {
				rv = append(rv, recipeID)
				break
			}
		}
	}
	slices.Sort(rv)
	return rv
}

func (s *Store) GetCondition(_ *scalecontext.Context, conditionID string) (*models.Condition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conditions[conditionID]
	if !ok {
		return nil, notFound("condition", conditionID)
	}
	rv := *c
	rv.Data = c.Data.DeepCopy()
	return &rv, nil
}

func (s *Store) CreateConditions(_ *scalecontext.Context, conditions []*models.Condition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range conditions {
		stored := *c
		s.conditions[c.ID] = &stored
		s.addNodeLocked(&models.RecipeNode{
			RecipeID:    c.RecipeID,
			NodeName:    c.NodeName,
			NodeType:    models.NodeTypeCondition,
			ConditionID: c.ID,
			IsOriginal:  true,
		}, false)
	}
	return nil
}

func (s *Store) SetConditionResult(_ *scalecontext.Context, conditionID string, accepted bool, data *models.Data) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conditions[conditionID]
	if !ok {
		return notFound("condition", conditionID)
	}
	c.Evaluated = true
	c.Accepted = accepted
	c.Data = data.DeepCopy()
	return nil
}

// Definitions

func (s *Store) GetJobType(_ *scalecontext.Context, name, version string, revision int64) (*models.JobType, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	revisions := s.jobTypes[models.JobTypeKey(name, version)]
	for i := len(revisions) - 1; i >= 0; i-- {
		if revision == 0 || revisions[i].RevisionNum == revision {
			jt := *revisions[i]
			return &jt, nil
		}
	}
	return nil, notFound("job type", models.JobTypeRevisionKey(name, version, revision))
}

func (s *Store) GetJobTypes(_ *scalecontext.Context, since time.Time) ([]*models.JobType, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rv []*models.JobType
	for _, revisions := range s.jobTypes {
		for _, jt := range revisions {
			if jt.LastModified.After(since) {
				c := *jt
				rv = append(rv, &c)
			}
		}
	}
	sort.Slice(rv, func(i, j int) bool {
		if !rv[i].LastModified.Equal(rv[j].LastModified) {
			return rv[i].LastModified.Before(rv[j].LastModified)
		}
		return rv[i].RevisionKey() < rv[j].RevisionKey()
	})
	return rv, nil
}

func (s *Store) CreateJobType(_ *scalecontext.Context, jobType *models.JobType) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	jt := *jobType
	key := jt.Key()
	jt.RevisionNum = int64(len(s.jobTypes[key]) + 1)
	if jt.LastModified.IsZero() {
		jt.LastModified = jt.Created
	}
	s.jobTypes[key] = append(s.jobTypes[key], &jt)
	return jt.RevisionNum, nil
}

func (s *Store) SetJobTypePaused(_ *scalecontext.Context, name, version string, paused bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	revisions := s.jobTypes[models.JobTypeKey(name, version)]
	if len(revisions) == 0 {
		return notFound("job type", models.JobTypeKey(name, version))
	}
	for _, jt := range revisions {
		jt.IsPaused = paused
		jt.LastModified = jt.LastModified.Add(time.Second)
	}
	return nil
}

func (s *Store) GetWorkspaces(_ *scalecontext.Context) ([]*models.Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := maps.Keys(s.workspaces)
	slices.Sort(names)
	rv := make([]*models.Workspace, 0, len(names))
	for _, name := range names {
		ws := *s.workspaces[name]
		ws.Configuration = maps.Clone(ws.Configuration)
		rv = append(rv, &ws)
	}
	return rv, nil
}

// AddWorkspace stores a workspace. There is no repository call for this; workspaces are managed outside the scheduler.
func (s *Store) AddWorkspace(ws *models.Workspace) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *ws
	s.workspaces[ws.Name] = &c
}

// Nodes

func (s *Store) UpsertNodes(_ *scalecontext.Context, nodes []*models.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, node := range nodes {
		existing, ok := s.nodes[node.Hostname]
		if !ok {
			c := *node
			c.IsPaused = false
			c.PauseReason = ""
			s.nodes[node.Hostname] = &c
			continue
		}
		existing.AgentID = node.AgentID
		existing.IsActive = node.IsActive
		existing.LastSeen = node.LastSeen
	}
	return nil
}

func (s *Store) GetNodes(_ *scalecontext.Context) ([]*models.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hosts := maps.Keys(s.nodes)
	slices.Sort(hosts)
	rv := make([]*models.Node, 0, len(hosts))
	for _, host := range hosts {
		n := *s.nodes[host]
		rv = append(rv, &n)
	}
	return rv, nil
}

func (s *Store) SetNodePaused(_ *scalecontext.Context, hostname string, paused bool, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	node, ok := s.nodes[hostname]
	if !ok {
		node = &models.Node{Hostname: hostname}
		s.nodes[hostname] = node
	}
	node.IsPaused = paused
	node.PauseReason = ""
	if paused {
		node.PauseReason = reason
	}
	return nil
}

func (s *Store) SetNodeActive(_ *scalecontext.Context, agentID string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, node := range s.nodes {
		if node.AgentID == agentID {
			node.IsActive = active
		}
	}
	return nil
}

// Task updates

func (s *Store) InsertTaskUpdates(_ *scalecontext.Context, updates []*models.TaskUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range updates {
		c := *u
		s.taskUpdates = append(s.taskUpdates, &c)
	}
	return nil
}

func (s *Store) PruneTaskUpdates(_ *scalecontext.Context, before time.Time, _ int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.taskUpdates[:0]
	for _, u := range s.taskUpdates {
		if !u.Timestamp.Before(before) {
			kept = append(kept, u)
		}
	}
	deleted := len(s.taskUpdates) - len(kept)
	s.taskUpdates = kept
	return deleted, nil
}

// TaskUpdates returns every stored task update in insertion order.
func (s *Store) TaskUpdates() []*models.TaskUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*models.TaskUpdate(nil), s.taskUpdates...)
}

// Scheduler

func (s *Store) GetSettings(_ *scalecontext.Context) (*models.SchedulerSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	settings := s.settings
	return &settings, nil
}

func (s *Store) SetPaused(_ *scalecontext.Context, paused bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings.IsPaused = paused
	return nil
}

func (s *Store) SetDiagnosticRequested(_ *scalecontext.Context, requested bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings.DiagnosticRequested = requested
	return nil
}

func (s *Store) StoreStatus(_ *scalecontext.Context, status []byte, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = append([]byte(nil), status...)
	return nil
}

// Status decodes the last stored status snapshot into into.
func (s *Store) Status(into interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == nil {
		return errors.New("no status stored")
	}
	return json.Unmarshal(s.status, into)
}
