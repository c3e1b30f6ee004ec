package network

import "encoding/json"

// 客户端到服务端的请求事件
const (
	EventCreateRoom      = "create_room"
	EventJoinRoom        = "join_room"
	EventReconnectGame   = "reconnect_game"
	EventTakeQuaffles    = "take_quaffles"
	EventLeaveRoom       = "leave_room"
	EventCheckRoom       = "check_room"
	EventJoinAsSpectator = "join_as_spectator"
)

// 服务端到客户端的推送事件
const (
	EventAck                = "ack"
	EventGameState          = "game_state"
	EventGameStart          = "game_start"
	EventGameUpdate         = "game_update"
	EventTurnChange         = "turn_change"
	EventGameOver           = "game_over"
	EventPlayerLeft         = "player_left"
	EventPlayerDisconnected = "player_disconnected"
	EventPlayerReconnected  = "player_reconnected"
	EventSpectatorJoined    = "spectator_joined"
	EventSpectatorLeft      = "spectator_left"
	EventError              = "error"
)

// Message 统一的消息信封
// 带 Ack 的请求会得到恰好一条 event=ack 且 Ack 相同的应答
type Message struct {
	Event string          `json:"event"`
	Ack   uint32          `json:"ack,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}
