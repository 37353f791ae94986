package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// Job is one deferred call persisted in the indexing queue.
// Class and Method select a registered handler; Data is its JSON payload.
type Job struct {
	ID            uint           `gorm:"column:job_id;primaryKey;autoIncrement" json:"job_id"`
	Created       time.Time      `gorm:"column:created;not null;index" json:"created"`
	PID           *string        `gorm:"column:pid;size:64;index" json:"pid,omitempty"`
	Class         string         `gorm:"column:class;size:128;not null" json:"class"`
	Method        string         `gorm:"column:method;size:128;not null" json:"method"`
	Data          datatypes.JSON `gorm:"column:data;not null" json:"data"`
	MaxRetries    int            `gorm:"column:max_retries;not null" json:"max_retries"`
	Retries       int            `gorm:"column:retries;not null;default:0" json:"retries"`
	ErrorLog      string         `gorm:"column:error_log;type:text" json:"error_log,omitempty"`
	DataSize      int            `gorm:"column:data_size;not null" json:"data_size"`
	IsFullReindex bool           `gorm:"column:is_full_reindex;not null;default:false" json:"is_full_reindex"`
	LockedAt      *time.Time     `gorm:"column:locked_at" json:"locked_at,omitempty"`

	// MergedIDs lists the rows folded into this job at dequeue time.
	MergedIDs []uint `gorm:"-" json:"merged_ids,omitempty"`
}

// TableName returns the database table name for Job.
func (Job) TableName() string {
	return "index_queue"
}

// AllIDs returns the job's own row id followed by the ids merged into it.
func (j *Job) AllIDs() []uint {
	ids := make([]uint, 0, len(j.MergedIDs)+1)
	ids = append(ids, j.ID)
	return append(ids, j.MergedIDs...)
}

// Payload decodes the job data.
func (j *Job) Payload() (JobPayload, error) {
	var p JobPayload
	if len(j.Data) == 0 {
		return JobPayload{}, nil
	}
	if err := json.Unmarshal(j.Data, &p); err != nil {
		return nil, fmt.Errorf("failed to decode payload of job %d: %w", j.ID, err)
	}
	if p == nil {
		p = JobPayload{}
	}
	return p, nil
}

// JobArchive keeps a copy of every abandoned job for operator inspection.
type JobArchive struct {
	ID         uint           `gorm:"primaryKey;autoIncrement" json:"id"`
	JobID      uint           `gorm:"column:job_id;index" json:"job_id"`
	Created    time.Time      `gorm:"column:created" json:"created"`
	Class      string         `gorm:"column:class;size:128" json:"class"`
	Method     string         `gorm:"column:method;size:128" json:"method"`
	Data       datatypes.JSON `gorm:"column:data" json:"data"`
	Retries    int            `gorm:"column:retries" json:"retries"`
	ErrorLog   string         `gorm:"column:error_log;type:text" json:"error_log"`
	DataSize   int            `gorm:"column:data_size" json:"data_size"`
	ArchivedAt time.Time      `gorm:"column:archived_at;index" json:"archived_at"`
}

// TableName returns the database table name for JobArchive.
func (JobArchive) TableName() string {
	return "index_queue_archive"
}

// QueueRunLog records one queue runner invocation.
type QueueRunLog struct {
	ID             uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	RunnerID       string    `gorm:"column:runner_id;size:64;index" json:"runner_id"`
	Started        time.Time `gorm:"column:started;index" json:"started"`
	DurationMs     int64     `gorm:"column:duration_ms" json:"duration_ms"`
	ProcessedJobs  int       `gorm:"column:processed_jobs" json:"processed_jobs"`
	FailedJobs     int       `gorm:"column:failed_jobs" json:"failed_jobs"`
	WithEmptyQueue bool      `gorm:"column:with_empty_queue" json:"with_empty_queue"`
}

// TableName returns the database table name for QueueRunLog.
func (QueueRunLog) TableName() string {
	return "index_queue_log"
}

// JobPayload is the decoded form of Job.Data. It always carries store_id;
// list-style handlers add an entity id list under a handler specific key.
type JobPayload map[string]any

// PayloadStoreID is the payload key holding the store id.
const PayloadStoreID = "store_id"

// StoreID returns the payload store id, or false if it is missing.
func (p JobPayload) StoreID() (int, bool) {
	return p.Int(PayloadStoreID)
}

// Int reads an integer value. JSON numbers decode as float64, so both forms are accepted.
func (p JobPayload) Int(key string) (int, bool) {
	switch v := p[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	}
	return 0, false
}

// Bool reads a boolean value, defaulting to false.
func (p JobPayload) Bool(key string) bool {
	b, _ := p[key].(bool)
	return b
}

// String reads a string value, defaulting to "".
func (p JobPayload) String(key string) string {
	s, _ := p[key].(string)
	return s
}

// IDs reads an entity id list. A missing key and an empty list both yield nil.
func (p JobPayload) IDs(key string) []int {
	switch v := p[key].(type) {
	case []int:
		if len(v) == 0 {
			return nil
		}
		return append([]int(nil), v...)
	case []any:
		ids := make([]int, 0, len(v))
		for _, item := range v {
			switch n := item.(type) {
			case float64:
				ids = append(ids, int(n))
			case int:
				ids = append(ids, n)
			}
		}
		if len(ids) == 0 {
			return nil
		}
		return ids
	}
	return nil
}

// Strings reads a string list.
func (p JobPayload) Strings(key string) []string {
	switch v := p[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Clone returns a shallow copy of the payload.
func (p JobPayload) Clone() JobPayload {
	out := make(JobPayload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
