// Package metrics keeps lightweight time series for the admin status
// endpoints, persisted in an embedded tstorage partition under workdir.
package metrics

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/nakabonne/tstorage"
)

var (
	storage tstorage.Storage

	mu       sync.RWMutex
	gauges   = make(map[string]int64)
	counters = make(map[string]int64)
)

// InitMetrics opens the tstorage data directory under workdir.
func InitMetrics(workdir string) error {
	var err error
	storage, err = tstorage.NewStorage(
		tstorage.WithDataPath(filepath.Join(workdir, "data", "metrics")),
		tstorage.WithTimestampPrecision(tstorage.Seconds),
		tstorage.WithRetention(7*24*time.Hour),
	)
	return err
}

// SetGauge records the current value for name.
func SetGauge(name string, value int64) {
	mu.Lock()
	gauges[name] = value
	mu.Unlock()
	insert(name, value)
}

// IncrCounter adds delta to a monotonic counter and records the total.
func IncrCounter(name string, delta int64) {
	mu.Lock()
	counters[name] += delta
	total := counters[name]
	mu.Unlock()
	insert(name, total)
}

// GetGauge returns the last recorded value for name.
func GetGauge(name string) int64 {
	mu.RLock()
	defer mu.RUnlock()
	return gauges[name]
}

// GetCounter returns the current counter total for name.
func GetCounter(name string) int64 {
	mu.RLock()
	defer mu.RUnlock()
	return counters[name]
}

// SelectRange reads raw datapoints for name in [start, end].
func SelectRange(name string, start, end int64) ([]*tstorage.DataPoint, error) {
	if storage == nil {
		return nil, nil
	}
	return storage.Select(name, nil, start, end)
}

func insert(name string, value int64) {
	if storage == nil {
		return
	}
	_ = storage.InsertRows([]tstorage.Row{
		{
			Metric:    name,
			DataPoint: tstorage.DataPoint{Timestamp: time.Now().Unix(), Value: float64(value)},
		},
	})
}

func Close() error {
	if storage == nil {
		return nil
	}
	return storage.Close()
}
