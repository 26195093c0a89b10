// Package opsstream serves a read-only live feed of the resource manager's
// utilization and the performance monitor's recommendations over a
// websocket, for operational dashboards. It never accepts commands from
// the socket; inbound frames are drained and discarded.
package opsstream

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ofreceptor/sync-engine/engine/perfmon"
	"github.com/ofreceptor/sync-engine/engine/resourcemgr"
	"github.com/ofreceptor/sync-engine/infrastructure/logging"
)

const writeTimeout = 10 * time.Second

// Snapshot is one frame on the wire.
type Snapshot struct {
	Timestamp       time.Time                 `json:"timestamp"`
	Utilization     []resourcemgr.Utilization `json:"utilization"`
	BatchSize       int64                     `json:"batchSize"`
	Recommendations perfmon.Recommendations   `json:"recommendations"`
	Throughput      float64                   `json:"throughputOpsSec"`
	Efficiency      float64                   `json:"efficiency"`
	ErrorRate       float64                   `json:"errorRate"`
}

// Stream upgrades HTTP requests and pushes snapshots on a fixed interval.
type Stream struct {
	manager  *resourcemgr.Manager
	monitor  *perfmon.Monitor
	interval time.Duration
	logger   *logging.Logger
	upgrader websocket.Upgrader
}

// New constructs a Stream. interval 0 defaults to 5s.
func New(manager *resourcemgr.Manager, monitor *perfmon.Monitor, interval time.Duration, logger *logging.Logger) *Stream {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Stream{
		manager:  manager,
		monitor:  monitor,
		interval: interval,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
}

// snapshot assembles the current frame.
func (s *Stream) snapshot() Snapshot {
	snap := Snapshot{Timestamp: time.Now().UTC()}
	if s.manager != nil {
		snap.Utilization = s.manager.ResourceUtilization()
		snap.BatchSize = s.manager.BatchSize()
	}
	if s.monitor != nil {
		report := s.monitor.Aggregate()
		snap.Recommendations = s.monitor.GetRecommendations()
		snap.Throughput = report.ThroughputOpsSec
		snap.Efficiency = report.Efficiency
		snap.ErrorRate = report.ErrorRate
	}
	return snap
}

// ServeHTTP implements http.Handler.
func (s *Stream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	// Drain inbound frames so pings and close frames are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(s.snapshot()); err != nil {
			if s.logger != nil {
				s.logger.WithError(err).Debug("snapshot stream closed")
			}
			return
		}
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}
