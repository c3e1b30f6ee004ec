package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/wfunc/snitch/broadcast"
	"github.com/wfunc/snitch/game"
	"github.com/wfunc/snitch/logger"
	"github.com/wfunc/snitch/monitor"
	"github.com/wfunc/snitch/network"
	"github.com/wfunc/snitch/room"
	"github.com/wfunc/snitch/services"
	"github.com/wfunc/snitch/session"
)

// GameServer 连接协调器：接入 websocket，分发事件，驱动规则引擎和房间注册表
type GameServer struct {
	addr         string
	upgrader     websocket.Upgrader
	engine       *game.Engine
	registry     *room.Registry
	sessions     *session.Manager
	broadcaster  broadcast.Broadcaster
	recorder     *services.MatchRecorder
	monitor      *monitor.Monitor
	gracePeriod  time.Duration
	roomMutexes  map[string]*sync.Mutex
	mutexGuard   sync.Mutex
	shutdownChan chan struct{}
	shutdownOnce sync.Once
}

func NewGameServer(addr string, gracePeriod time.Duration, engine *game.Engine, registry *room.Registry, recorder *services.MatchRecorder, mon *monitor.Monitor) *GameServer {
	s := &GameServer{
		addr:         addr,
		engine:       engine,
		registry:     registry,
		sessions:     session.NewManager(),
		recorder:     recorder,
		monitor:      mon,
		gracePeriod:  gracePeriod,
		roomMutexes:  make(map[string]*sync.Mutex),
		shutdownChan: make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // 允许所有跨域请求
			},
		},
	}

	s.broadcaster = broadcast.NewRoomBroadcaster(registry, s.sessions)
	return s
}

// Sessions 会话管理器，供管理接口查询在线数
func (s *GameServer) Sessions() *session.Manager {
	return s.sessions
}

func (s *GameServer) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	logger.Log.Infof("Game server listening on %s", s.addr)
	return http.ListenAndServe(s.addr, mux)
}

func (s *GameServer) Shutdown() {
	s.shutdownOnce.Do(func() {
		close(s.shutdownChan)
	})
}

func (s *GameServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Log.Infof("Failed to upgrade connection: %v", err)
		return
	}
	s.handleConnection(network.NewWSConnection(conn))
}

func (s *GameServer) handleConnection(conn network.Connection) {
	sess := session.NewSession(uuid.New().String(), conn)
	s.sessions.Add(sess)
	s.updateGauges()

	logger.Log.Infof("New connection from %s, session ID: %s", conn.RemoteAddr(), sess.GetID())

	defer func() {
		logger.Log.Infof("Connection closed from %s, session ID: %s", conn.RemoteAddr(), sess.GetID())
		s.sessions.Remove(sess.GetID())
		// 读循环退出视为掉线，按非自愿离开处理
		s.handleDisconnect(sess, false)
		conn.Close()
		s.updateGauges()
	}()

	for {
		select {
		case <-s.shutdownChan:
			return
		default:
			msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			s.dispatch(sess, msg)
		}
	}
}

func (s *GameServer) dispatch(sess *session.Session, msg *network.Message) {
	if s.monitor != nil {
		s.monitor.IncMessagesReceived()
	}

	switch msg.Event {
	case network.EventCreateRoom:
		s.handleCreateRoom(sess, msg)
	case network.EventJoinRoom:
		s.handleJoinRoom(sess, msg)
	case network.EventReconnectGame:
		s.handleReconnect(sess, msg)
	case network.EventTakeQuaffles:
		s.handleTakeQuaffles(sess, msg)
	case network.EventCheckRoom:
		s.handleCheckRoom(sess, msg)
	case network.EventJoinAsSpectator:
		s.handleJoinAsSpectator(sess, msg)
	case network.EventLeaveRoom:
		s.handleDisconnect(sess, true)
	default:
		logger.Log.Infof("Unknown event %q from session %s", msg.Event, sess.GetID())
	}
}

// roomLock 返回房间码对应的串行化锁
// 状态更新和它触发的广播要在同一次持锁内完成，
// 同一房间的推送顺序才能和事件处理顺序一致
func (s *GameServer) roomLock(code string) *sync.Mutex {
	s.mutexGuard.Lock()
	defer s.mutexGuard.Unlock()

	lock, exists := s.roomMutexes[code]
	if !exists {
		lock = &sync.Mutex{}
		s.roomMutexes[code] = lock
	}
	return lock
}

// updateGauges 刷新监控面板上的在线计数
func (s *GameServer) updateGauges() {
	if s.monitor == nil {
		return
	}
	s.monitor.SetActiveRooms(s.registry.RoomCount())
	s.monitor.SetConnectedPlayers(s.sessions.Count())
	s.monitor.SetSpectators(s.registry.SpectatorCount())
}
