package server

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/wfunc/snitch/game"
	"github.com/wfunc/snitch/logger"
	"github.com/wfunc/snitch/models"
	"github.com/wfunc/snitch/network"
	"github.com/wfunc/snitch/session"
)

// 请求载荷

type createRoomRequest struct {
	PlayerName string `json:"playerName"`
}

type joinRoomRequest struct {
	RoomID     string `json:"roomId"`
	PlayerName string `json:"playerName"`
}

type reconnectRequest struct {
	RoomID       string `json:"roomId"`
	PlayerID     string `json:"playerId"`
	SessionToken string `json:"sessionToken"`
}

type takeQuafflesRequest struct {
	Indices []int `json:"indices"`
}

type checkRoomRequest struct {
	RoomID string `json:"roomId"`
}

type spectatorJoinRequest struct {
	RoomID string `json:"roomId"`
	Name   string `json:"name"`
}

// 应答载荷

type createRoomResponse struct {
	Success      bool   `json:"success"`
	RoomID       string `json:"roomId,omitempty"`
	PlayerID     string `json:"playerId,omitempty"`
	SessionToken string `json:"sessionToken,omitempty"`
	Error        string `json:"error,omitempty"`
}

type joinRoomResponse struct {
	Success      bool              `json:"success"`
	PlayerID     string            `json:"playerId,omitempty"`
	SessionToken string            `json:"sessionToken,omitempty"`
	GameState    *models.GameState `json:"gameState,omitempty"`
	Error        string            `json:"error,omitempty"`
}

type reconnectResponse struct {
	Success   bool              `json:"success"`
	GameState *models.GameState `json:"gameState,omitempty"`
	Error     string            `json:"error,omitempty"`
}

type checkRoomResponse struct {
	Exists             bool   `json:"exists"`
	CanJoinAsPlayer    bool   `json:"canJoinAsPlayer"`
	CanJoinAsSpectator bool   `json:"canJoinAsSpectator"`
	PlayerCount        int    `json:"playerCount"`
	SpectatorCount     int    `json:"spectatorCount"`
	GameStatus         string `json:"gameStatus,omitempty"`
}

type spectatorJoinResponse struct {
	Success        bool              `json:"success"`
	SpectatorID    string            `json:"spectatorId,omitempty"`
	GameState      *models.GameState `json:"gameState,omitempty"`
	SpectatorCount int               `json:"spectatorCount,omitempty"`
	Error          string            `json:"error,omitempty"`
}

// 推送载荷

type turnChangePayload struct {
	PlayerID string `json:"playerId"`
}

type gameOverPayload struct {
	WinnerID   string `json:"winnerId"`
	WinnerName string `json:"winnerName"`
}

type playerNamePayload struct {
	Name string `json:"name"`
}

type spectatorPayload struct {
	Name           string `json:"name"`
	SpectatorCount int    `json:"spectatorCount"`
}

type errorPayload struct {
	Message string `json:"message"`
}

// 宽限期移除在持锁校验时发现玩家已重连或已不在房间
var errRemovalSuperseded = errors.New("removal superseded")

// moveErrorMessage 把规则引擎的哨兵错误翻译成给玩家看的文案
func moveErrorMessage(err error) string {
	switch {
	case errors.Is(err, game.ErrNotYourTurn):
		return "Not your turn"
	case errors.Is(err, game.ErrGameNotInProgress):
		return "Game is not in progress"
	case errors.Is(err, game.ErrEmptySelection):
		return "Must select at least 1 quaffle"
	case errors.Is(err, game.ErrTooManySelected):
		return "Cannot select more than 3 quaffles"
	case errors.Is(err, game.ErrOutOfRange):
		return "Can only select from the first 3 quaffles"
	case errors.Is(err, game.ErrDuplicateSelection):
		return "Cannot select the same quaffle twice"
	case errors.Is(err, game.ErrPlayerNotFound):
		return "Player not found"
	default:
		return "Failed to process move"
	}
}

func (s *GameServer) handleCreateRoom(sess *session.Session, msg *network.Message) {
	var req createRoomRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		sess.Reply(msg.Ack, createRoomResponse{Success: false, Error: "Failed to create room"})
		return
	}

	player := s.engine.CreatePlayer(sess.GetID(), req.PlayerName)
	snap := s.registry.CreateRoom(func(code string) *models.GameState {
		return s.engine.CreateInitialState(code)
	})

	lock := s.roomLock(snap.Code)
	lock.Lock()
	defer lock.Unlock()

	state, err := s.registry.UpdateGame(snap.Code, func(st *models.GameState) (*models.GameState, error) {
		return s.engine.AddPlayer(st, player)
	})
	if err != nil {
		logger.Log.Errorf("Error creating room: %v", err)
		s.registry.Delete(snap.Code)
		sess.Reply(msg.Ack, createRoomResponse{Success: false, Error: "Failed to create room"})
		return
	}

	logger.Log.Infof("Room %s created by %s", snap.Code, req.PlayerName)
	s.updateGauges()

	sess.Reply(msg.Ack, createRoomResponse{
		Success:      true,
		RoomID:       snap.Code,
		PlayerID:     player.ID,
		SessionToken: player.SessionToken,
	})
	sess.Send(network.EventGameState, state)
}

func (s *GameServer) handleJoinRoom(sess *session.Session, msg *network.Message) {
	var req joinRoomRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		sess.Reply(msg.Ack, joinRoomResponse{Success: false, Error: "Failed to join room"})
		return
	}

	snap, exists := s.registry.GetRoom(req.RoomID)
	if !exists {
		sess.Reply(msg.Ack, joinRoomResponse{Success: false, Error: "Room not found"})
		return
	}
	if len(snap.Game.Players) >= 2 {
		sess.Reply(msg.Ack, joinRoomResponse{Success: false, Error: "Room is full"})
		return
	}
	if snap.Game.Status != models.GameWaiting {
		sess.Reply(msg.Ack, joinRoomResponse{Success: false, Error: "Game already in progress"})
		return
	}

	lock := s.roomLock(snap.Code)
	lock.Lock()
	defer lock.Unlock()

	player := s.engine.CreatePlayer(sess.GetID(), req.PlayerName)
	state, err := s.registry.UpdateGame(snap.Code, func(st *models.GameState) (*models.GameState, error) {
		next, err := s.engine.AddPlayer(st, player)
		if err != nil {
			return nil, err
		}
		return s.engine.StartGame(next)
	})
	if err != nil {
		if errors.Is(err, game.ErrRoomFull) {
			sess.Reply(msg.Ack, joinRoomResponse{Success: false, Error: "Room is full"})
			return
		}
		logger.Log.Errorf("Error joining room: %v", err)
		sess.Reply(msg.Ack, joinRoomResponse{Success: false, Error: "Failed to join room"})
		return
	}

	logger.Log.Infof("%s joined room %s", req.PlayerName, snap.Code)

	sess.Reply(msg.Ack, joinRoomResponse{
		Success:      true,
		PlayerID:     player.ID,
		SessionToken: player.SessionToken,
		GameState:    state,
	})

	s.broadcaster.ToRoom(snap.Code, network.EventGameStart, state)
	s.broadcaster.ToRoom(snap.Code, network.EventTurnChange, turnChangePayload{PlayerID: state.CurrentTurnPlayerID})
}

func (s *GameServer) handleReconnect(sess *session.Session, msg *network.Message) {
	var req reconnectRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		sess.Reply(msg.Ack, reconnectResponse{Success: false, Error: "Failed to reconnect"})
		return
	}

	snap, exists := s.registry.GetRoom(req.RoomID)
	if !exists {
		sess.Reply(msg.Ack, reconnectResponse{Success: false, Error: "Room not found"})
		return
	}

	lock := s.roomLock(snap.Code)
	lock.Lock()
	defer lock.Unlock()

	player, found := s.registry.FindPlayerByToken(snap.Code, req.SessionToken)
	if !found || player.ID != req.PlayerID {
		sess.Reply(msg.Ack, reconnectResponse{Success: false, Error: "Invalid session"})
		return
	}

	if !s.registry.RebindPlayer(snap.Code, player.ID, sess.GetID()) {
		sess.Reply(msg.Ack, reconnectResponse{Success: false, Error: "Failed to reconnect"})
		return
	}

	logger.Log.Infof("%s reconnected to room %s", player.Name, snap.Code)
	if s.monitor != nil {
		s.monitor.IncReconnects()
	}

	s.broadcaster.ToOthers(snap.Code, sess.GetID(), network.EventPlayerReconnected, playerNamePayload{Name: player.Name})

	current, _ := s.registry.GetRoom(snap.Code)
	sess.Reply(msg.Ack, reconnectResponse{Success: true, GameState: current.Game})
	sess.Send(network.EventGameState, current.Game)
}

func (s *GameServer) handleTakeQuaffles(sess *session.Session, msg *network.Message) {
	started := time.Now()

	var req takeQuafflesRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		sess.Send(network.EventError, errorPayload{Message: "Failed to process move"})
		return
	}

	snap, found := s.registry.FindBySession(sess.GetID())
	if !found {
		sess.Send(network.EventError, errorPayload{Message: "Not in a room"})
		return
	}

	player := snap.Game.PlayerBySessionID(sess.GetID())
	if player == nil {
		sess.Send(network.EventError, errorPayload{Message: "Player not found"})
		return
	}

	lock := s.roomLock(snap.Code)
	lock.Lock()
	defer lock.Unlock()

	state, err := s.registry.UpdateGame(snap.Code, func(st *models.GameState) (*models.GameState, error) {
		return s.engine.ProcessTake(st, player.ID, req.Indices)
	})
	if err != nil {
		// 非法走子只回给发起者，状态不变
		sess.Send(network.EventError, errorPayload{Message: moveErrorMessage(err)})
		return
	}

	if s.monitor != nil {
		s.monitor.IncMovesProcessed()
		s.monitor.ObserveMoveLatency(time.Since(started))
	}

	s.broadcaster.ToRoom(snap.Code, network.EventGameUpdate, state)

	if state.Status == models.GameFinished && state.Winner != "" {
		if idx := state.PlayerIndex(state.Winner); idx != -1 {
			s.broadcaster.ToRoom(snap.Code, network.EventGameOver, gameOverPayload{
				WinnerID:   state.Winner,
				WinnerName: state.Players[idx].Name,
			})
		}
		s.recorder.RecordFinishedGame(state)
		return
	}
	if state.CurrentTurnPlayerID != "" {
		s.broadcaster.ToRoom(snap.Code, network.EventTurnChange, turnChangePayload{PlayerID: state.CurrentTurnPlayerID})
	}
}

func (s *GameServer) handleCheckRoom(sess *session.Session, msg *network.Message) {
	var req checkRoomRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		sess.Reply(msg.Ack, checkRoomResponse{})
		return
	}

	snap, exists := s.registry.GetRoom(req.RoomID)
	if !exists {
		sess.Reply(msg.Ack, checkRoomResponse{})
		return
	}

	sess.Reply(msg.Ack, checkRoomResponse{
		Exists:             true,
		CanJoinAsPlayer:    len(snap.Game.Players) < 2 && snap.Game.Status == models.GameWaiting,
		CanJoinAsSpectator: snap.SpectatorCount < models.MaxSpectators,
		PlayerCount:        len(snap.Game.Players),
		SpectatorCount:     snap.SpectatorCount,
		GameStatus:         string(snap.Game.Status),
	})
}

func (s *GameServer) handleJoinAsSpectator(sess *session.Session, msg *network.Message) {
	var req spectatorJoinRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		sess.Reply(msg.Ack, spectatorJoinResponse{Success: false, Error: "Failed to join as spectator"})
		return
	}

	snap, exists := s.registry.GetRoom(req.RoomID)
	if !exists {
		sess.Reply(msg.Ack, spectatorJoinResponse{Success: false, Error: "Room not found"})
		return
	}

	spectator := models.Spectator{
		ID:        "spectator_" + uuid.New().String(),
		SessionID: sess.GetID(),
		Name:      req.Name,
		JoinedAt:  time.Now(),
	}

	lock := s.roomLock(snap.Code)
	lock.Lock()
	defer lock.Unlock()

	count, added := s.registry.AddSpectator(snap.Code, spectator)
	if !added {
		sess.Reply(msg.Ack, spectatorJoinResponse{Success: false, Error: "Spectator limit reached"})
		return
	}

	logger.Log.Infof("%s joined as spectator in room %s", req.Name, snap.Code)
	s.updateGauges()

	s.broadcaster.ToRoom(snap.Code, network.EventSpectatorJoined, spectatorPayload{
		Name:           req.Name,
		SpectatorCount: count,
	})

	current, _ := s.registry.GetRoom(snap.Code)
	sess.Reply(msg.Ack, spectatorJoinResponse{
		Success:        true,
		SpectatorID:    spectator.ID,
		GameState:      current.Game,
		SpectatorCount: count,
	})
}

// handleDisconnect 统一处理主动离开和掉线
// intentional 为 true 表示收到 leave_room，false 表示连接中断
func (s *GameServer) handleDisconnect(sess *session.Session, intentional bool) {
	snap, found := s.registry.FindBySession(sess.GetID())
	if !found {
		return
	}

	lock := s.roomLock(snap.Code)
	lock.Lock()
	defer lock.Unlock()

	// 拿到锁后重读，名单可能在等锁期间变了
	snap, found = s.registry.GetRoom(snap.Code)
	if !found {
		return
	}

	if s.registry.IsSpectator(sess.GetID()) {
		spectator, count, removed := s.registry.RemoveSpectator(snap.Code, sess.GetID())
		if removed {
			logger.Log.Infof("Spectator %s left room %s", spectator.Name, snap.Code)
			s.broadcaster.ToRoom(snap.Code, network.EventSpectatorLeft, spectatorPayload{
				Name:           spectator.Name,
				SpectatorCount: count,
			})
		}
		s.updateGauges()
		return
	}

	player := snap.Game.PlayerBySessionID(sess.GetID())
	if player == nil {
		return
	}

	logger.Log.Infof("%s disconnected from room %s", player.Name, snap.Code)

	// 单人房或已结束的对局直接销毁房间
	if len(snap.Game.Players) <= 1 || snap.Game.Status == models.GameFinished {
		s.registry.Delete(snap.Code)
		s.updateGauges()
		return
	}

	if intentional {
		s.broadcaster.ToOthers(snap.Code, sess.GetID(), network.EventPlayerLeft, playerNamePayload{Name: player.Name})
		state, err := s.registry.UpdateGame(snap.Code, func(st *models.GameState) (*models.GameState, error) {
			return s.engine.RemovePlayer(st, player.ID), nil
		})
		if err == nil {
			s.broadcaster.ToRoom(snap.Code, network.EventGameUpdate, state)
		}
		return
	}

	code, playerID, playerName := snap.Code, player.ID, player.Name

	s.registry.MarkDisconnected(code, playerID, time.Now())
	s.broadcaster.ToOthers(code, sess.GetID(), network.EventPlayerDisconnected, playerNamePayload{Name: playerName})

	s.registry.ScheduleRemoval(playerID, s.gracePeriod, func() {
		s.removeIfStillDisconnected(code, playerID, playerName)
	})
}

// removeIfStillDisconnected 宽限期到点后的移除
// 断线校验和移除在同一次注册表持锁内完成：期间完成的重连会让
// 校验失败并中止移除，player_left 只在移除真正落盘后才广播
func (s *GameServer) removeIfStillDisconnected(code, playerID, playerName string) {
	lock := s.roomLock(code)
	lock.Lock()
	defer lock.Unlock()

	state, err := s.registry.UpdateGame(code, func(st *models.GameState) (*models.GameState, error) {
		idx := st.PlayerIndex(playerID)
		if idx == -1 || st.Players[idx].ConnectionStatus == models.StatusConnected {
			return nil, errRemovalSuperseded
		}
		return s.engine.RemovePlayer(st, playerID), nil
	})
	if err != nil {
		return
	}

	logger.Log.Infof("%s failed to reconnect, removing from room %s", playerName, code)

	s.broadcaster.ToRoom(code, network.EventPlayerLeft, playerNamePayload{Name: playerName})
	s.broadcaster.ToRoom(code, network.EventGameUpdate, state)
}
