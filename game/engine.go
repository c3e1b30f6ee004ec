// game/engine.go
package game

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"

	"github.com/wfunc/snitch/models"
)

// TokenAlphabet 会话令牌字符集
const TokenAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// TokenLength 会话令牌长度
const TokenLength = 32

// Engine 规则引擎：对 GameState 做纯函数式的状态转移
// 除 ID 计数器外不持有任何隐藏状态，所有方法返回新状态，从不原地修改
type Engine struct {
	gen       *Generator
	rand      *rand.Rand
	mutex     sync.Mutex
	playerSeq uint64
}

// NewEngine 创建规则引擎，随机源由调用方注入
func NewEngine(src rand.Source) *Engine {
	return &Engine{
		gen:  NewGenerator(src),
		rand: rand.New(src),
	}
}

// Generator 返回引擎使用的球列生成器
func (e *Engine) Generator() *Generator {
	return e.gen
}

// CreatePlayer 创建玩家，分配ID和会话令牌
func (e *Engine) CreatePlayer(sessionID, name string) models.Player {
	e.mutex.Lock()
	e.playerSeq++
	id := fmt.Sprintf("player_%d", e.playerSeq)
	token := make([]byte, TokenLength)
	for i := range token {
		token[i] = TokenAlphabet[e.rand.Intn(len(TokenAlphabet))]
	}
	e.mutex.Unlock()

	return models.Player{
		ID:               id,
		SessionID:        sessionID,
		SessionToken:     string(token),
		Name:             name,
		RedQuaffles:      0,
		ConnectionStatus: models.StatusConnected,
	}
}

// CreateInitialState 创建初始对局状态：等待中，空玩家列表，满的球列
func (e *Engine) CreateInitialState(roomID string) *models.GameState {
	return &models.GameState{
		RoomID:           roomID,
		Players:          []models.Player{},
		Status:           models.GameWaiting,
		TurnNumber:       0,
		SharedQuaffleRow: e.gen.Generate(models.VisibleQuaffles),
	}
}

// AddPlayer 把玩家加入对局，满员时返回 ErrRoomFull
func (e *Engine) AddPlayer(state *models.GameState, player models.Player) (*models.GameState, error) {
	if len(state.Players) >= 2 {
		return state, ErrRoomFull
	}
	next := state.Clone()
	next.Players = append(next.Players, player)
	return next, nil
}

// StartGame 开始对局：随机选择先手，状态切换到 playing
func (e *Engine) StartGame(state *models.GameState) (*models.GameState, error) {
	if len(state.Players) != 2 {
		return state, ErrInsufficientPlayers
	}

	e.mutex.Lock()
	first := e.rand.Intn(2)
	e.mutex.Unlock()

	next := state.Clone()
	next.CurrentTurnPlayerID = next.Players[first].ID
	next.Status = models.GamePlaying
	next.TurnNumber = 1
	return next, nil
}

// ValidateSelection 校验取球下标：1~3 个、都在前 3 个位置内、不重复
func ValidateSelection(indices []int) error {
	if len(indices) == 0 {
		return ErrEmptySelection
	}
	if len(indices) > models.MaxSelectable {
		return ErrTooManySelected
	}
	seen := make(map[int]bool, len(indices))
	for _, idx := range indices {
		if idx < 0 || idx >= models.MaxSelectable {
			return ErrOutOfRange
		}
		if seen[idx] {
			return ErrDuplicateSelection
		}
		seen[idx] = true
	}
	return nil
}

// ProcessTake 处理一次取球
// 失败时原样返回输入状态；成功时返回新状态，绝不部分应用
func (e *Engine) ProcessTake(state *models.GameState, playerID string, indices []int) (*models.GameState, error) {
	if state.CurrentTurnPlayerID != playerID {
		return state, ErrNotYourTurn
	}
	if state.Status != models.GamePlaying {
		return state, ErrGameNotInProgress
	}
	if err := ValidateSelection(indices); err != nil {
		return state, err
	}

	playerIndex := state.PlayerIndex(playerID)
	if playerIndex == -1 {
		return state, ErrPlayerNotFound
	}

	next := state.Clone()

	// 从高下标到低下标移除，保证剩余下标仍然有效
	sorted := make([]int, len(indices))
	copy(sorted, indices)
	sort.Sort(sort.Reverse(sort.IntSlice(sorted)))

	redCount := 0
	row := next.SharedQuaffleRow
	for _, idx := range sorted {
		if row[idx].Type == models.QuaffleRed {
			redCount++
		}
		row = append(row[:idx], row[idx+1:]...)
	}
	next.SharedQuaffleRow = e.gen.Refill(row, models.VisibleQuaffles)

	next.Players[playerIndex].RedQuaffles += redCount

	if next.Players[playerIndex].RedQuaffles >= models.QuafflesToWin {
		next.Status = models.GameFinished
		next.Winner = playerID
		next.CurrentTurnPlayerID = ""
		return next, nil
	}

	other := 1 - playerIndex
	next.CurrentTurnPlayerID = next.Players[other].ID
	next.TurnNumber++
	return next, nil
}

// RemovePlayer 把玩家移出对局并强制结束：弃局没有胜者
func (e *Engine) RemovePlayer(state *models.GameState, playerID string) *models.GameState {
	next := state.Clone()
	players := next.Players[:0]
	for _, p := range next.Players {
		if p.ID != playerID {
			players = append(players, p)
		}
	}
	next.Players = players
	next.Status = models.GameFinished
	next.Winner = ""
	next.CurrentTurnPlayerID = ""
	return next
}
