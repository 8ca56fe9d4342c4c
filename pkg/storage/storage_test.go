package storage

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hodei-pipelines/hodei/pkg/types"
)

// stores returns every Store realization under test.
func stores(t *testing.T) map[string]Store {
	t.Helper()
	bs, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { bs.Close() })
	return map[string]Store{
		"memory": NewMemStore(),
		"bolt":   bs,
	}
}

func TestDefaultPoolBootstrap(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			pool, err := s.GetPool(types.DefaultPoolID)
			require.NoError(t, err)
			assert.Equal(t, "default", pool.Name)
			assert.True(t, pool.System)
			assert.Equal(t, types.PoolStatusActive, pool.Status)

			err = s.DeletePool(types.DefaultPoolID)
			var bre *types.BusinessRuleError
			require.True(t, errors.As(err, &bre))

			// Still there.
			_, err = s.GetPool(types.DefaultPoolID)
			assert.NoError(t, err)
		})
	}
}

func TestJobRoundTrip(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			job := &types.Job{
				ID:       "j1",
				Name:     "build",
				Content:  types.JobContent{Kind: types.ContentShell, Commands: []string{"make"}},
				Priority: 500,
				Status:   types.JobStatusPending,
			}
			require.NoError(t, s.SaveJob(job))

			got, err := s.GetJob("j1")
			require.NoError(t, err)
			assert.Equal(t, job.Name, got.Name)
			assert.Equal(t, job.Content.Commands, got.Content.Commands)

			_, err = s.GetJob("missing")
			assert.True(t, errors.Is(err, types.ErrNotFound))

			got.Status = types.JobStatusQueued
			require.NoError(t, s.SaveJob(got))
			byStatus, err := s.ListJobsByStatus(types.JobStatusQueued)
			require.NoError(t, err)
			require.Len(t, byStatus, 1)

			require.NoError(t, s.DeleteJob("j1"))
			_, err = s.GetJob("j1")
			assert.True(t, errors.Is(err, types.ErrNotFound))
		})
	}
}

func TestQueuedJobUniquePerJobID(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			entry := &types.QueuedJob{
				Job:          &types.Job{ID: "j1", Status: types.JobStatusQueued},
				QueuedAt:     time.Now(),
				BasePriority: 500,
				Status:       types.QueueStatusWaiting,
			}
			require.NoError(t, s.SaveQueuedJob(entry))

			// A second save for the same job id replaces, never duplicates.
			entry.RetryCount = 1
			require.NoError(t, s.SaveQueuedJob(entry))

			all, err := s.ListQueuedJobs()
			require.NoError(t, err)
			require.Len(t, all, 1)
			assert.Equal(t, 1, all[0].RetryCount)

			require.NoError(t, s.DeleteQueuedJob("j1"))
			all, err = s.ListQueuedJobs()
			require.NoError(t, err)
			assert.Empty(t, all)
		})
	}
}

func TestPoolNameUniqueness(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			now := time.Now()
			a := &types.ResourcePool{ID: "p1", Name: "build", Type: "docker", Status: types.PoolStatusActive, CreatedAt: now}
			b := &types.ResourcePool{ID: "p2", Name: "build", Type: "local", Status: types.PoolStatusActive, CreatedAt: now}

			require.NoError(t, s.SavePool(a))
			err := s.SavePool(b)
			assert.True(t, errors.Is(err, types.ErrConflict))

			// Duplicate id is a conflict too.
			err = s.SavePool(&types.ResourcePool{ID: "p1", Name: "other"})
			assert.True(t, errors.Is(err, types.ErrConflict))

			// Renaming onto a free name works and updates the index.
			b.Name = "test"
			require.NoError(t, s.SavePool(b))
			b.Name = "staging"
			require.NoError(t, s.UpdatePool(b))

			got, err := s.GetPoolByName("staging")
			require.NoError(t, err)
			assert.Equal(t, types.PoolID("p2"), got.ID)
			_, err = s.GetPoolByName("test")
			assert.True(t, errors.Is(err, types.ErrNotFound))

			// Renaming onto an owned name conflicts.
			b.Name = "build"
			err = s.UpdatePool(b)
			assert.True(t, errors.Is(err, types.ErrConflict))
		})
	}
}

func TestListPoolsOrderedByName(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.SavePool(&types.ResourcePool{ID: "pz", Name: "zeta", Status: types.PoolStatusActive}))
			require.NoError(t, s.SavePool(&types.ResourcePool{ID: "pa", Name: "alpha", Status: types.PoolStatusInactive}))

			pools, err := s.ListPools()
			require.NoError(t, err)
			require.Len(t, pools, 3)
			assert.Equal(t, "alpha", pools[0].Name)
			assert.Equal(t, "default", pools[1].Name)
			assert.Equal(t, "zeta", pools[2].Name)

			active, err := s.ListActivePools()
			require.NoError(t, err)
			require.Len(t, active, 2) // default + zeta
		})
	}
}

func TestListPoolsByLabel(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.SavePool(&types.ResourcePool{
				ID: "p1", Name: "gpu", Status: types.PoolStatusActive,
				Labels: map[string]string{"accelerator": "gpu"},
			}))

			matched, err := s.ListPoolsByLabel("accelerator", "gpu")
			require.NoError(t, err)
			require.Len(t, matched, 1)
			assert.Equal(t, "gpu", matched[0].Name)
		})
	}
}

func TestExecutionsByJob(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			t0 := time.Now()
			require.NoError(t, s.SaveExecution(&types.Execution{ID: "e2", JobID: "j1", StartedAt: t0.Add(time.Minute)}))
			require.NoError(t, s.SaveExecution(&types.Execution{ID: "e1", JobID: "j1", StartedAt: t0}))
			require.NoError(t, s.SaveExecution(&types.Execution{ID: "e3", JobID: "j2", StartedAt: t0}))

			execs, err := s.ListExecutionsByJob("j1")
			require.NoError(t, err)
			require.Len(t, execs, 2)
			assert.Equal(t, types.ExecutionID("e1"), execs[0].ID)
			assert.Equal(t, types.ExecutionID("e2"), execs[1].ID)
		})
	}
}

func TestAuditAppendAndList(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 3; i++ {
				require.NoError(t, s.AppendAudit(&types.AuditEntry{
					ID: string(rune('a' + i)), Kind: "job.queued", Timestamp: time.Now(),
				}))
			}
			// Newest first, limited.
			entries, err := s.ListAudit(2)
			require.NoError(t, err)
			require.Len(t, entries, 2)
			assert.Equal(t, "c", entries[0].ID)
			assert.Equal(t, "b", entries[1].ID)
		})
	}
}

func TestTemplateRoundTrip(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			tpl := &types.Template{ID: "t1", Name: "go-build", Content: types.JobContent{Kind: types.ContentScript, Script: "make test"}}
			require.NoError(t, s.SaveTemplate(tpl))

			got, err := s.GetTemplateByName("go-build")
			require.NoError(t, err)
			assert.Equal(t, "t1", got.ID)

			require.NoError(t, s.DeleteTemplate("t1"))
			_, err = s.GetTemplate("t1")
			assert.True(t, errors.Is(err, types.ErrNotFound))
		})
	}
}
