package api

import (
	"time"

	"github.com/lhoestq/hfjobs/internal/job"
)

// Wire types for the jobs backend API.

type submitRequest struct {
	Command        []string          `json:"command"`
	Arguments      []string          `json:"arguments"`
	Environment    map[string]string `json:"environment,omitempty"`
	Secrets        map[string]string `json:"secrets,omitempty"`
	Flavor         string            `json:"flavor"`
	TimeoutSeconds int64             `json:"timeoutSeconds,omitempty"`
	DockerImage    string            `json:"dockerImage,omitempty"`
	SpaceID        string            `json:"spaceId,omitempty"`
}

type jobMetadata struct {
	JobID       string    `json:"job_id"`
	Owner       string    `json:"owner"`
	CreatedAt   time.Time `json:"created_at"`
	DockerImage string    `json:"dockerImage,omitempty"`
	SpaceID     string    `json:"spaceId,omitempty"`
	Command     []string  `json:"command,omitempty"`
	Flavor      string    `json:"flavor,omitempty"`
}

type wireStatus struct {
	Stage    string `json:"stage"`
	Message  string `json:"message,omitempty"`
	Error    string `json:"error,omitempty"`
	ExitCode *int   `json:"exitCode,omitempty"`
}

type jobEnvelope struct {
	Metadata jobMetadata `json:"metadata"`
	Status   wireStatus  `json:"status"`
}

type listResponse struct {
	Jobs []jobEnvelope `json:"jobs"`
}

type whoamiResponse struct {
	Name string `json:"name"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type uploadResponse struct {
	URL string `json:"url"`
}

// JobSummary is one row of a job listing.
type JobSummary struct {
	Handle  job.Handle
	Status  job.Status
	Image   string
	Command []string
	Flavor  string
}

func (e jobEnvelope) handle() job.Handle {
	return job.Handle{
		ID:        e.Metadata.JobID,
		Owner:     e.Metadata.Owner,
		CreatedAt: e.Metadata.CreatedAt,
	}
}

func (e jobEnvelope) status() job.Status {
	return job.Status{
		State:    job.State(e.Status.Stage),
		ExitCode: e.Status.ExitCode,
		Message:  e.Status.Message,
		Err:      e.Status.Error,
	}
}

func (e jobEnvelope) image() string {
	if e.Metadata.SpaceID != "" {
		return "space:" + e.Metadata.SpaceID
	}
	return e.Metadata.DockerImage
}
