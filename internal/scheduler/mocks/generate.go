package schedulermocks

// Mock implementations used by scheduler tests
//go:generate mockgen -destination=./mock_repositories.go -package=schedulermocks "github.com/scaleproject/scale/internal/scheduler/database" JobRepository,RecipeRepository,DefinitionRepository,NodeRepository,TaskUpdateRepository,SchedulerRepository
