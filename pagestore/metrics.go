// Copyright 2026 The pagestore Authors
// This file is part of the pagestore library.
//
// The pagestore library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The pagestore library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the pagestore library. If not, see <http://www.gnu.org/licenses/>.

package pagestore

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	storageTimeHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pagestore",
		Name:      "storage_operations_seconds",
		Help:      "Time spent on storage operations",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
	}, []string{"operation", "tenant_id", "timeline_id"})

	tenantStateGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "pagestore",
		Name:      "tenant_state",
		Help:      "Current tenant state, by state name",
	}, []string{"tenant_id", "state"})
)

func init() {
	prometheus.MustRegister(storageTimeHistogram, tenantStateGauge)
}

// observeStorageTime times f under the storage-operation histogram.
func observeStorageTime(operation, tenantID, timelineID string, f func() error) error {
	start := time.Now()
	err := f()
	storageTimeHistogram.WithLabelValues(operation, tenantID, timelineID).Observe(time.Since(start).Seconds())
	return err
}

func publishTenantState(tenantID string, state TenantState) {
	tenantStateGauge.DeletePartialMatch(prometheus.Labels{"tenant_id": tenantID})
	tenantStateGauge.WithLabelValues(tenantID, state.String()).Set(1)
}

// removeTenantMetrics drops all series belonging to a closed tenant.
func removeTenantMetrics(tenantID string) {
	labels := prometheus.Labels{"tenant_id": tenantID}
	storageTimeHistogram.DeletePartialMatch(labels)
	tenantStateGauge.DeletePartialMatch(labels)
}
