package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"

	bolt "go.etcd.io/bbolt"

	"github.com/hodei-pipelines/hodei/pkg/types"
)

var (
	// Bucket names
	bucketJobs       = []byte("jobs")
	bucketQueuedJobs = []byte("queued_jobs")
	bucketPools      = []byte("pools")
	bucketExecutions = []byte("executions")
	bucketAudit      = []byte("audit")
	bucketTemplates  = []byte("templates")
)

// BoltStore implements Store using bbolt. Aggregates are stored as JSON in a
// bucket per aggregate; uniqueness indexes are enforced inside the write
// transaction.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the database under dataDir and bootstraps
// the default pool.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "hodei.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketJobs,
			bucketQueuedJobs,
			bucketPools,
			bucketExecutions,
			bucketAudit,
			bucketTemplates,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &BoltStore{db: db}
	if err := s.ensureDefaultPool(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *BoltStore) ensureDefaultPool() error {
	_, err := s.GetPool(types.DefaultPoolID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, types.ErrNotFound) {
		return err
	}
	return s.SavePool(defaultPool())
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func put(tx *bolt.Tx, bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return tx.Bucket(bucket).Put(key, data)
}

// Job operations

func (s *BoltStore) SaveJob(job *types.Job) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketJobs, []byte(job.ID), job)
	})
}

func (s *BoltStore) GetJob(id types.JobID) (*types.Job, error) {
	var job types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketJobs).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("job %s: %w", id, types.ErrNotFound)
		}
		return json.Unmarshal(data, &job)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *BoltStore) ListJobs() ([]*types.Job, error) {
	var jobs []*types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(k, v []byte) error {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			jobs = append(jobs, &job)
			return nil
		})
	})
	return jobs, err
}

func (s *BoltStore) ListJobsByStatus(status types.JobStatus) ([]*types.Job, error) {
	jobs, err := s.ListJobs()
	if err != nil {
		return nil, err
	}
	var filtered []*types.Job
	for _, job := range jobs {
		if job.Status == status {
			filtered = append(filtered, job)
		}
	}
	return filtered, nil
}

func (s *BoltStore) DeleteJob(id types.JobID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).Delete([]byte(id))
	})
}

// Queued job operations. The bucket key is the job id, which makes the
// one-entry-per-job invariant structural.

func (s *BoltStore) SaveQueuedJob(entry *types.QueuedJob) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketQueuedJobs, []byte(entry.Job.ID), entry)
	})
}

func (s *BoltStore) GetQueuedJob(jobID types.JobID) (*types.QueuedJob, error) {
	var entry types.QueuedJob
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketQueuedJobs).Get([]byte(jobID))
		if data == nil {
			return fmt.Errorf("queued job %s: %w", jobID, types.ErrNotFound)
		}
		return json.Unmarshal(data, &entry)
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *BoltStore) ListQueuedJobs() ([]*types.QueuedJob, error) {
	var entries []*types.QueuedJob
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketQueuedJobs).ForEach(func(k, v []byte) error {
			var entry types.QueuedJob
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			entries = append(entries, &entry)
			return nil
		})
	})
	return entries, err
}

func (s *BoltStore) DeleteQueuedJob(jobID types.JobID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketQueuedJobs).Delete([]byte(jobID))
	})
}

// Pool operations

func (s *BoltStore) SavePool(pool *types.ResourcePool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPools)
		if b.Get([]byte(pool.ID)) != nil {
			return fmt.Errorf("pool %s: %w", pool.ID, types.ErrConflict)
		}
		if err := poolNameFree(b, pool.Name, pool.ID); err != nil {
			return err
		}
		return put(tx, bucketPools, []byte(pool.ID), pool)
	})
}

func (s *BoltStore) UpdatePool(pool *types.ResourcePool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPools)
		if b.Get([]byte(pool.ID)) == nil {
			return fmt.Errorf("pool %s: %w", pool.ID, types.ErrNotFound)
		}
		if err := poolNameFree(b, pool.Name, pool.ID); err != nil {
			return err
		}
		return put(tx, bucketPools, []byte(pool.ID), pool)
	})
}

// poolNameFree reports a conflict when another pool owns the given name.
func poolNameFree(b *bolt.Bucket, name string, self types.PoolID) error {
	return b.ForEach(func(k, v []byte) error {
		if bytes.Equal(k, []byte(self)) {
			return nil
		}
		var existing types.ResourcePool
		if err := json.Unmarshal(v, &existing); err != nil {
			return err
		}
		if existing.Name == name {
			return fmt.Errorf("pool name %q: %w", name, types.ErrConflict)
		}
		return nil
	})
}

func (s *BoltStore) GetPool(id types.PoolID) (*types.ResourcePool, error) {
	var pool types.ResourcePool
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketPools).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("pool %s: %w", id, types.ErrNotFound)
		}
		return json.Unmarshal(data, &pool)
	})
	if err != nil {
		return nil, err
	}
	return &pool, nil
}

func (s *BoltStore) GetPoolByName(name string) (*types.ResourcePool, error) {
	pools, err := s.ListPools()
	if err != nil {
		return nil, err
	}
	for _, pool := range pools {
		if pool.Name == name {
			return pool, nil
		}
	}
	return nil, fmt.Errorf("pool %q: %w", name, types.ErrNotFound)
}

func (s *BoltStore) ListPools() ([]*types.ResourcePool, error) {
	var pools []*types.ResourcePool
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPools).ForEach(func(k, v []byte) error {
			var pool types.ResourcePool
			if err := json.Unmarshal(v, &pool); err != nil {
				return err
			}
			pools = append(pools, &pool)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortPools(pools)
	return pools, nil
}

func (s *BoltStore) ListActivePools() ([]*types.ResourcePool, error) {
	pools, err := s.ListPools()
	if err != nil {
		return nil, err
	}
	var active []*types.ResourcePool
	for _, pool := range pools {
		if pool.Status == types.PoolStatusActive {
			active = append(active, pool)
		}
	}
	return active, nil
}

func (s *BoltStore) ListPoolsByLabel(key, value string) ([]*types.ResourcePool, error) {
	pools, err := s.ListPools()
	if err != nil {
		return nil, err
	}
	var matched []*types.ResourcePool
	for _, pool := range pools {
		if pool.Labels[key] == value {
			matched = append(matched, pool)
		}
	}
	return matched, nil
}

func (s *BoltStore) DeletePool(id types.PoolID) error {
	if id == types.DefaultPoolID {
		return &types.BusinessRuleError{Entity: "pool", ID: string(id), Rule: "the default pool cannot be deleted"}
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPools).Delete([]byte(id))
	})
}

func (s *BoltStore) PoolExists(id types.PoolID) (bool, error) {
	var exists bool
	err := s.db.View(func(tx *bolt.Tx) error {
		exists = tx.Bucket(bucketPools).Get([]byte(id)) != nil
		return nil
	})
	return exists, err
}

// Execution operations

func (s *BoltStore) SaveExecution(execution *types.Execution) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketExecutions, []byte(execution.ID), execution)
	})
}

func (s *BoltStore) GetExecution(id types.ExecutionID) (*types.Execution, error) {
	var execution types.Execution
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketExecutions).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("execution %s: %w", id, types.ErrNotFound)
		}
		return json.Unmarshal(data, &execution)
	})
	if err != nil {
		return nil, err
	}
	return &execution, nil
}

func (s *BoltStore) ListExecutionsByJob(jobID types.JobID) ([]*types.Execution, error) {
	var executions []*types.Execution
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketExecutions).ForEach(func(k, v []byte) error {
			var execution types.Execution
			if err := json.Unmarshal(v, &execution); err != nil {
				return err
			}
			if execution.JobID == jobID {
				executions = append(executions, &execution)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(executions, func(i, j int) bool {
		return executions[i].StartedAt.Before(executions[j].StartedAt)
	})
	return executions, nil
}

// Audit operations. Entries are appended under a monotonically increasing
// sequence key so listing returns them in write order.

func (s *BoltStore) AppendAudit(entry *types.AuditEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAudit)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := []byte(fmt.Sprintf("%020d", seq))
		return put(tx, bucketAudit, key, entry)
	})
}

func (s *BoltStore) ListAudit(limit int) ([]*types.AuditEntry, error) {
	var entries []*types.AuditEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketAudit).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(entries) >= limit {
				break
			}
			var entry types.AuditEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			entries = append(entries, &entry)
		}
		return nil
	})
	return entries, err
}

// Template operations

func (s *BoltStore) SaveTemplate(template *types.Template) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketTemplates, []byte(template.ID), template)
	})
}

func (s *BoltStore) GetTemplate(id string) (*types.Template, error) {
	var template types.Template
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTemplates).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("template %s: %w", id, types.ErrNotFound)
		}
		return json.Unmarshal(data, &template)
	})
	if err != nil {
		return nil, err
	}
	return &template, nil
}

func (s *BoltStore) GetTemplateByName(name string) (*types.Template, error) {
	templates, err := s.ListTemplates()
	if err != nil {
		return nil, err
	}
	for _, template := range templates {
		if template.Name == name {
			return template, nil
		}
	}
	return nil, fmt.Errorf("template %q: %w", name, types.ErrNotFound)
}

func (s *BoltStore) ListTemplates() ([]*types.Template, error) {
	var templates []*types.Template
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTemplates).ForEach(func(k, v []byte) error {
			var template types.Template
			if err := json.Unmarshal(v, &template); err != nil {
				return err
			}
			templates = append(templates, &template)
			return nil
		})
	})
	return templates, err
}

func (s *BoltStore) DeleteTemplate(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTemplates).Delete([]byte(id))
	})
}

func sortPools(pools []*types.ResourcePool) {
	sort.Slice(pools, func(i, j int) bool { return pools[i].Name < pools[j].Name })
}
