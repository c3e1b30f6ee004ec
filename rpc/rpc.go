package rpc

import (
	"net"
	"net/rpc"
	"time"

	"github.com/wfunc/snitch/logger"
	"github.com/wfunc/snitch/models"
	"github.com/wfunc/snitch/monitor"
	"github.com/wfunc/snitch/room"
	"github.com/wfunc/snitch/services"
	"github.com/wfunc/snitch/session"
)

// Server manages the RPC listener.
type Server struct {
	listener net.Listener
	address  string
}

// NewServer creates a new RPC server.
func NewServer(addr string) (*Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Server{
		listener: listener,
		address:  addr,
	}, nil
}

// Start begins listening for RPC requests.
func (s *Server) Start() {
	logger.Log.Infof("RPC server listening on %s", s.address)
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			// Check if the error is due to the listener being closed.
			if _, ok := err.(*net.OpError); ok {
				logger.Log.Info("RPC server listener closed.")
				return
			}
			logger.Log.Errorf("RPC server accept error: %v", err)
			continue
		}
		go rpc.ServeConn(conn)
	}
}

// Stop closes the RPC listener.
func (s *Server) Stop() {
	if s.listener != nil {
		logger.Log.Info("Stopping RPC server.")
		s.listener.Close()
	}
}

// Register exposes a service over net/rpc under its type name.
func Register(service interface{}) error {
	return rpc.Register(service)
}

// Admin exposes operational queries over net/rpc.
type Admin struct {
	registry *room.Registry
	sessions *session.Manager
	recorder *services.MatchRecorder
	monitor  *monitor.Monitor
}

// NewAdmin creates the admin RPC service.
func NewAdmin(registry *room.Registry, sessions *session.Manager, recorder *services.MatchRecorder, mon *monitor.Monitor) *Admin {
	return &Admin{
		registry: registry,
		sessions: sessions,
		recorder: recorder,
		monitor:  mon,
	}
}

type ServerStatsArgs struct{}

type ServerStatsReply struct {
	ActiveRooms       int
	ConnectedSessions int
	Spectators        int
	Uptime            time.Duration
}

// ServerStats returns a snapshot of the live server counters.
func (a *Admin) ServerStats(args *ServerStatsArgs, reply *ServerStatsReply) error {
	reply.ActiveRooms = a.registry.RoomCount()
	reply.ConnectedSessions = a.sessions.Count()
	reply.Spectators = a.registry.SpectatorCount()
	reply.Uptime = a.monitor.Uptime()
	return nil
}

type PlayerStatsArgs struct {
	Name string
}

type PlayerStatsReply struct {
	Stats *models.PlayerStats
}

// PlayerStats returns win/loss aggregates for a player name.
// Returns an error when the database is disabled or the player is unknown.
func (a *Admin) PlayerStats(args *PlayerStatsArgs, reply *PlayerStatsReply) error {
	stats, err := a.recorder.GetPlayerStats(args.Name)
	if err != nil {
		return err
	}
	reply.Stats = stats
	return nil
}
