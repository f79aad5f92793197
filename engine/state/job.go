package state

import (
	"github.com/jrife/grouse/protocol"
)

// JobState is the state of a stored job
type JobState string

const (
	// JobActivatable jobs are waiting for a worker
	JobActivatable JobState = "ACTIVATABLE"
	// JobFailed jobs wait for their incident to be resolved
	JobFailed JobState = "FAILED"
)

// Job is a created job that has not completed, thrown an error or
// been canceled
type Job struct {
	Key    int64              `json:"key"`
	State  JobState           `json:"state"`
	Record protocol.JobRecord `json:"record"`
}

// PutJob stores a job
func (state *State) PutJob(job *Job) error {
	return state.put(jobsBucket, int64Bytes(job.Key), job)
}

// Job returns the job with this key or nil
func (state *State) Job(key int64) (*Job, error) {
	var job Job
	ok, err := state.get(jobsBucket, int64Bytes(key), &job)

	if err != nil || !ok {
		return nil, err
	}

	return &job, nil
}

// DeleteJob removes a job
func (state *State) DeleteJob(key int64) error {
	return state.delete(jobsBucket, int64Bytes(key))
}

// Jobs returns the stored jobs in key order. An empty jobType
// matches every type and an empty jobState every state.
func (state *State) Jobs(jobType string, jobState JobState) ([]Job, error) {
	var jobs []Job

	err := state.forEachWithPrefix(jobsBucket, nil, func(key []byte, value []byte) error {
		var job Job

		if err := decode(jobsBucket, key, value, &job); err != nil {
			return err
		}

		if (jobType == "" || job.Record.Type == jobType) && (jobState == "" || job.State == jobState) {
			jobs = append(jobs, job)
		}

		return nil
	})

	return jobs, err
}

// Incident is an open incident
type Incident struct {
	Key    int64                   `json:"key"`
	Record protocol.IncidentRecord `json:"record"`
}

// PutIncident stores an incident
func (state *State) PutIncident(incident *Incident) error {
	return state.put(incidentsBucket, int64Bytes(incident.Key), incident)
}

// Incident returns the incident with this key or nil
func (state *State) Incident(key int64) (*Incident, error) {
	var incident Incident
	ok, err := state.get(incidentsBucket, int64Bytes(key), &incident)

	if err != nil || !ok {
		return nil, err
	}

	return &incident, nil
}

// DeleteIncident removes an incident
func (state *State) DeleteIncident(key int64) error {
	return state.delete(incidentsBucket, int64Bytes(key))
}

// Incidents returns the open incidents in key order
func (state *State) Incidents() ([]Incident, error) {
	var incidents []Incident

	err := state.forEachWithPrefix(incidentsBucket, nil, func(key []byte, value []byte) error {
		var incident Incident

		if err := decode(incidentsBucket, key, value, &incident); err != nil {
			return err
		}

		incidents = append(incidents, incident)

		return nil
	})

	return incidents, err
}
