// Package metrics exports the storage driver's pools as Prometheus gauges.
package metrics

import (
	"context"

	"github.com/digitalocean/go-libvirt"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jbweber/poold/internal/storage"
)

const (
	namespace = "poold"
	subsystem = "pool"
)

// PoolLister is the part of the driver the collector reads.
type PoolLister interface {
	ListPools(ctx context.Context, flags libvirt.ConnectListAllStoragePoolsFlags) []*storage.PoolInfo
}

// Collector implements prometheus.Collector over a snapshot of all pools
// taken at scrape time.
type Collector struct {
	pools PoolLister

	capacity   *prometheus.Desc
	allocation *prometheus.Desc
	available  *prometheus.Desc
	volumes    *prometheus.Desc
	active     *prometheus.Desc
	asyncJobs  *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector returns a collector reading pools from lister.
func NewCollector(lister PoolLister) *Collector {
	labels := []string{"pool", "type"}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, labels, nil)
	}
	return &Collector{
		pools:      lister,
		capacity:   desc("capacity_bytes", "Pool capacity in bytes"),
		allocation: desc("allocation_bytes", "Bytes allocated to volumes in the pool"),
		available:  desc("available_bytes", "Bytes free for new volumes in the pool"),
		volumes:    desc("volumes", "Number of volumes in the pool"),
		active:     desc("active", "1 when the pool is running"),
		asyncJobs:  desc("async_jobs", "Volume builds in progress on the pool"),
	}
}

// Describe sends descriptions of metrics.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.capacity
	ch <- c.allocation
	ch <- c.available
	ch <- c.volumes
	ch <- c.active
	ch <- c.asyncJobs
}

// Collect sends one sample per pool for each gauge. Sizes of inactive
// pools are reported as the driver last knew them.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, p := range c.pools.ListPools(context.Background(), 0) {
		labels := []string{p.Name, string(p.Type)}
		active := 0.0
		if p.Active() {
			active = 1
		}
		ch <- prometheus.MustNewConstMetric(c.capacity, prometheus.GaugeValue, float64(p.Capacity), labels...)
		ch <- prometheus.MustNewConstMetric(c.allocation, prometheus.GaugeValue, float64(p.Allocation), labels...)
		ch <- prometheus.MustNewConstMetric(c.available, prometheus.GaugeValue, float64(p.Available), labels...)
		ch <- prometheus.MustNewConstMetric(c.volumes, prometheus.GaugeValue, float64(p.Volumes), labels...)
		ch <- prometheus.MustNewConstMetric(c.active, prometheus.GaugeValue, active, labels...)
		ch <- prometheus.MustNewConstMetric(c.asyncJobs, prometheus.GaugeValue, float64(p.AsyncJobs), labels...)
	}
}
