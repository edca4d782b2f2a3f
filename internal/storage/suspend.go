package storage

import (
	"context"

	"github.com/digitalocean/go-libvirt"
	"github.com/juju/errors"

	"github.com/jbweber/poold/internal/pooldef"
)

// suspend runs fn with pools unlocked and relocks them in canonical order
// before returning. Callers must hold an async job on every pool so none
// can be removed while unlocked.
func suspend(fn func() error, pools ...*Pool) error {
	unlockPools(pools...)
	defer lockPools(pools...)
	return fn()
}

// buildJob describes one volume build running under suspend.
type buildJob struct {
	pool *Pool
	vol  *Volume

	// set for clones
	srcPool *Pool
	srcVol  *Volume
}

// begin marks the job's volumes and pools busy.
func (j *buildJob) begin() {
	j.vol.building = true
	j.pool.asyncJobs++
	if j.srcVol != nil {
		j.srcVol.inUse++
		if j.srcPool != j.pool {
			j.srcPool.asyncJobs++
		}
	}
}

// end reverses begin.
func (j *buildJob) end() {
	j.vol.building = false
	j.pool.asyncJobs--
	if j.srcVol != nil {
		j.srcVol.inUse--
		if j.srcPool != j.pool {
			j.srcPool.asyncJobs--
		}
	}
}

func (j *buildJob) pools() []*Pool {
	if j.srcPool != nil {
		return []*Pool{j.pool, j.srcPool}
	}
	return []*Pool{j.pool}
}

// runBuild materializes a volume that is already listed in its pool. The
// backend runs with the pools unlocked on private copies of the
// definitions; the built definition replaces the volume's on success.
func (d *Driver) runBuild(ctx context.Context, job *buildJob, flags libvirt.StorageVolCreateFlags, backend Backend) error {
	poolDef := job.pool.def.Clone()
	volDef := job.vol.def.Clone()
	var srcDef *pooldef.VolDef
	if job.srcVol != nil {
		srcDef = job.srcVol.def.Clone()
	}

	job.begin()
	err := suspend(func() error {
		if srcDef != nil {
			return backend.(VolFromBuilder).BuildVolFrom(ctx, poolDef, volDef, srcDef, flags)
		}
		return backend.(VolBuilder).BuildVol(ctx, poolDef, volDef, flags)
	}, job.pools()...)
	job.end()

	if err != nil {
		return errors.Annotatef(err, "failed to build volume %q", volDef.Name)
	}
	job.vol.def = volDef
	return nil
}
