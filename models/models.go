// models/models.go
package models

import (
	"time"
)

// 游戏常量
const (
	QuafflesToWin         = 10  // 获胜所需红球数
	VisibleQuaffles       = 20  // 共享球列的可见数量
	MaxSelectable         = 3   // 每回合最多可取的球数
	RedQuaffleProbability = 0.1 // 生成红球的概率
	MaxSpectators         = 20  // 每个房间的观战者上限
	RoomCodeLength        = 4   // 房间码长度
)

// QuaffleType 鬼飞球类型
type QuaffleType string

const (
	QuaffleRed     QuaffleType = "red"     // 计分球
	QuaffleNeutral QuaffleType = "neutral" // 普通球
)

// Quaffle 共享球列中的一个可取的球
type Quaffle struct {
	ID   string      `json:"id"`
	Type QuaffleType `json:"type"`
}

// ConnectionStatus 玩家连接状态
type ConnectionStatus string

const (
	StatusConnected    ConnectionStatus = "connected"
	StatusDisconnected ConnectionStatus = "disconnected"
)

// Player 房间中的一名玩家
// SessionToken 是重连凭证，绝不能随状态广播出去
type Player struct {
	ID               string           `json:"id"`
	SessionID        string           `json:"-"`
	SessionToken     string           `json:"-"`
	Name             string           `json:"name"`
	RedQuaffles      int              `json:"redQuaffles"`
	ConnectionStatus ConnectionStatus `json:"connectionStatus"`
	DisconnectedAt   *time.Time       `json:"-"`
}

// Spectator 观战者，不影响游戏状态
type Spectator struct {
	ID        string    `json:"id"`
	SessionID string    `json:"-"`
	Name      string    `json:"name"`
	JoinedAt  time.Time `json:"joinedAt"`
}

// GameStatus 对局状态
type GameStatus string

const (
	GameWaiting  GameStatus = "waiting"
	GamePlaying  GameStatus = "playing"
	GameFinished GameStatus = "finished"
)

// GameState 可广播的权威游戏快照
type GameState struct {
	RoomID              string     `json:"roomId"`
	Players             []Player   `json:"players"`
	CurrentTurnPlayerID string     `json:"currentTurnPlayerId,omitempty"`
	Status              GameStatus `json:"status"`
	Winner              string     `json:"winner,omitempty"`
	TurnNumber          int        `json:"turnNumber"`
	SharedQuaffleRow    []Quaffle  `json:"sharedQuaffleRow"`
}

// Clone 返回状态的深拷贝，规则引擎在其上计算新状态
func (g *GameState) Clone() *GameState {
	c := *g
	c.Players = make([]Player, len(g.Players))
	copy(c.Players, g.Players)
	c.SharedQuaffleRow = make([]Quaffle, len(g.SharedQuaffleRow))
	copy(c.SharedQuaffleRow, g.SharedQuaffleRow)
	return &c
}

// PlayerIndex 按玩家ID查找下标，未找到返回 -1
func (g *GameState) PlayerIndex(playerID string) int {
	for i := range g.Players {
		if g.Players[i].ID == playerID {
			return i
		}
	}
	return -1
}

// PlayerBySessionID 按连接句柄查找玩家
func (g *GameState) PlayerBySessionID(sessionID string) *Player {
	for i := range g.Players {
		if g.Players[i].SessionID == sessionID {
			return &g.Players[i]
		}
	}
	return nil
}

// MatchRecord 对局结果记录（可选持久化）
type MatchRecord struct {
	RoomID     string    `json:"room_id"`
	WinnerID   string    `json:"winner_id"`
	WinnerName string    `json:"winner_name"`
	LoserName  string    `json:"loser_name"`
	WinnerReds int       `json:"winner_reds"`
	LoserReds  int       `json:"loser_reds"`
	Turns      int       `json:"turns"`
	FinishedAt time.Time `json:"finished_at"`
}

// PlayerStats 玩家胜负统计
type PlayerStats struct {
	Name       string `json:"name"`
	TotalGames int    `json:"total_games"`
	Wins       int    `json:"wins"`
	Losses     int    `json:"losses"`
}
