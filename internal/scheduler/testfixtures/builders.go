package testfixtures

import (
	"time"

	clock "k8s.io/utils/clock/testing"

	"github.com/scaleproject/scale/internal/common/util"
	"github.com/scaleproject/scale/internal/scheduler/models"
	"github.com/scaleproject/scale/internal/scheduler/queue"
	"github.com/scaleproject/scale/internal/scheduler/resources"
)

// BaseTime is the start time of every fake clock handed out by this package.
var BaseTime = time.Date(2023, 3, 1, 12, 0, 0, 0, time.UTC)

func NewClock() *clock.FakeClock {
	return clock.NewFakeClock(BaseTime)
}

// Resources builds node resources from cpus, memory in MiB and disk in MiB.
func Resources(cpus, mem, disk float64) resources.NodeResources {
	return resources.New(map[string]float64{
		resources.Cpus: cpus,
		resources.Mem:  mem,
		resources.Disk: disk,
	})
}

// JobType returns an active job type needing one cpu and 1GiB of memory. Revision is left at zero so that
// Store.CreateJobType assigns it.
func JobType(name, version string) *models.JobType {
	return &models.JobType{
		Name:           name,
		Version:        version,
		Image:          name + ":" + version,
		Command:        "run.sh",
		Resources:      Resources(1, 1024, 0),
		TimeoutSeconds: 3600,
		MaxTries:       3,
		Priority:       100,
		IsActive:       true,
		Created:        BaseTime,
		LastModified:   BaseTime,
	}
}

// WithRequiredInputs sets the inputs that must be present before jobs of jt can be queued.
func WithRequiredInputs(jt *models.JobType, inputs ...string) *models.JobType {
	jt.RequiredInputs = inputs
	return jt
}

// Job returns a standalone job of jt in the given status.
func Job(jt *models.JobType, status models.JobStatus) *models.Job {
	return &models.Job{
		ID:              util.NewULID(),
		JobTypeName:     jt.Name,
		JobTypeVersion:  jt.Version,
		JobTypeRevision: jt.RevisionNum,
		Status:          status,
		MaxTries:        jt.MaxTries,
		Priority:        jt.Priority,
		Input:           models.NewData(),
		Created:         BaseTime,
		LastModified:    BaseTime,
	}
}

// Entry returns the queue entry that queuing job for its next execution would produce.
func Entry(job *models.Job, jt *models.JobType) *queue.Entry {
	return &queue.Entry{
		Key:             queue.EntryKey(job.ID, job.NextExeNum()),
		JobID:           job.ID,
		ExeNum:          job.NextExeNum(),
		Priority:        job.Priority,
		QueuedAt:        BaseTime.UnixNano(),
		Resources:       jt.Resources.DeepCopy(),
		NodeAffinity:    jt.NodeAffinity,
		JobTypeName:     jt.Name,
		JobTypeVersion:  jt.Version,
		JobTypeRevision: jt.RevisionNum,
		Input:           job.Input.DeepCopy(),
		MaxTries:        job.MaxTries,
		LostRetries:     job.LostRetries,
		RecipeID:        job.RecipeID,
	}
}

func Workspace(name string) *models.Workspace {
	return &models.Workspace{
		Name:          name,
		IsActive:      true,
		Configuration: map[string]interface{}{"broker": map[string]interface{}{"type": "host", "host_path": "/data/" + name}},
		LastModified:  BaseTime,
	}
}

// Files builds job data holding the given file ids under name.
func Files(name string, fileIDs ...string) *models.Data {
	d := models.NewData()
	d.Files[name] = fileIDs
	return d
}
