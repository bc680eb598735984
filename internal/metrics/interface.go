package metrics

import (
	"context"
	"time"
)

// Collector records control tick snapshots and reads back the latest rows.
type Collector interface {
	Record(ctx context.Context, snapshot *Snapshot) error
	Recent(limit int) ([]Row, error)
	Close() error
}

// Repository persists snapshots.
type Repository interface {
	Record(snapshot *Snapshot) error
	Recent(limit int) ([]Row, error)
	Close() error
}

// Snapshot is the outcome of one control tick across all devices.
type Snapshot struct {
	Timestamp time.Time
	Devices   []DeviceMetrics
}

type DeviceMetrics struct {
	Device          int
	Temperature     float64
	Correction      float64
	Raw             float64
	Adjusted        float64
	Applied         bool
	TelemetryFailed bool
}

// Row is one stored device entry of a control tick.
type Row struct {
	Timestamp time.Time
	DeviceMetrics
}
