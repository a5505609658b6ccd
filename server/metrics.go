package server

import (
	"time"

	gometrics "github.com/rcrowley/go-metrics"
)

const (
	serviceName    = "warp-p2p-signaling"
	serviceVersion = "1.0.0"

	// CounterConnections counts every accepted websocket connection
	// over the process lifetime. It never decreases.
	CounterConnections = "server.connections.total"
)

type healthSnapshot struct {
	Status           string `json:"status"`
	Service          string `json:"service"`
	UptimeSeconds    int64  `json:"uptime_seconds"`
	TotalConnections int64  `json:"total_connections"`
	ActiveRooms      int    `json:"active_rooms"`
	ActiveClients    int    `json:"active_clients"`
	Version          string `json:"version"`
	Timestamp        string `json:"timestamp"`
}

func (srv *Server) snapshot() healthSnapshot {
	rooms, clients := srv.hub.Counts()
	return healthSnapshot{
		Status:           "healthy",
		Service:          serviceName,
		UptimeSeconds:    int64(time.Since(srv.started).Seconds()),
		TotalConnections: gometrics.GetOrRegisterCounter(CounterConnections, nil).Count(),
		ActiveRooms:      rooms,
		ActiveClients:    clients,
		Version:          serviceVersion,
		Timestamp:        time.Now().UTC().Format(time.RFC3339),
	}
}
