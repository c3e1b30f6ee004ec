// room/registry.go
package room

import (
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/wfunc/snitch/models"
	"github.com/wfunc/snitch/timer"
)

// CodeAlphabet 房间码字符集，去掉了易混淆的 I O 0 1
const CodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// Registry 房间注册表，唯一的房间状态写入方
type Registry struct {
	rooms     map[string]*Room
	timers    *timer.Manager
	rand      *rand.Rand
	mutex     sync.RWMutex
	closeChan chan struct{}
	closeOnce sync.Once
}

// NewRegistry 创建注册表，随机源用于房间码生成
func NewRegistry(src rand.Source) *Registry {
	return &Registry{
		rooms:     make(map[string]*Room),
		timers:    timer.NewManager(),
		rand:      rand.New(src),
		closeChan: make(chan struct{}),
	}
}

// Close 停止后台清扫和所有断线定时器
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		close(r.closeChan)
	})
	r.timers.Close()
}

// Normalize 房间码统一为大写后查找
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// CreateRoom 生成唯一房间码并建房，初始状态由回调根据房间码构造
func (r *Registry) CreateRoom(newState func(code string) *models.GameState) Snapshot {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	code := r.generateCodeLocked()
	room := &Room{
		Code:       code,
		Game:       newState(code),
		Spectators: []models.Spectator{},
		CreatedAt:  time.Now(),
	}
	r.rooms[code] = room
	return room.snapshot()
}

func (r *Registry) generateCodeLocked() string {
	for {
		buf := make([]byte, models.RoomCodeLength)
		for i := range buf {
			buf[i] = CodeAlphabet[r.rand.Intn(len(CodeAlphabet))]
		}
		code := string(buf)
		if _, exists := r.rooms[code]; !exists {
			return code
		}
	}
}

// GetRoom 按房间码查找
func (r *Registry) GetRoom(code string) (Snapshot, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	room, exists := r.rooms[Normalize(code)]
	if !exists {
		return Snapshot{}, false
	}
	return room.snapshot(), true
}

// FindBySession 按连接句柄反查房间，依次扫描玩家和观战者
func (r *Registry) FindBySession(sessionID string) (Snapshot, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	for _, room := range r.rooms {
		if room.Game.PlayerBySessionID(sessionID) != nil {
			return room.snapshot(), true
		}
		for _, spec := range room.Spectators {
			if spec.SessionID == sessionID {
				return room.snapshot(), true
			}
		}
	}
	return Snapshot{}, false
}

// IsSpectator 该连接是否为某个房间的观战者
func (r *Registry) IsSpectator(sessionID string) bool {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	for _, room := range r.rooms {
		for _, spec := range room.Spectators {
			if spec.SessionID == sessionID {
				return true
			}
		}
	}
	return false
}

// FindPlayerByToken 按会话令牌在指定房间内查找玩家（重连鉴权）
func (r *Registry) FindPlayerByToken(code, token string) (models.Player, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	room, exists := r.rooms[Normalize(code)]
	if !exists {
		return models.Player{}, false
	}
	for _, p := range room.Game.Players {
		if p.SessionToken == token {
			return p, true
		}
	}
	return models.Player{}, false
}

// UpdateGame 在注册表锁内做一次读-改-写
// fn 返回错误时不落盘；成功时新快照替换旧快照
func (r *Registry) UpdateGame(code string, fn func(*models.GameState) (*models.GameState, error)) (*models.GameState, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	room, exists := r.rooms[Normalize(code)]
	if !exists {
		return nil, ErrRoomNotFound
	}

	next, err := fn(room.Game)
	if err != nil {
		return nil, err
	}
	room.Game = next
	return next, nil
}

// Delete 删除房间并取消其玩家的所有断线定时器
func (r *Registry) Delete(code string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.deleteLocked(Normalize(code))
}

func (r *Registry) deleteLocked(code string) {
	room, exists := r.rooms[code]
	if !exists {
		return
	}
	for _, p := range room.Game.Players {
		r.timers.Cancel(p.ID)
	}
	delete(r.rooms, code)
}

// AddSpectator 加入观战者，房间不存在或已达上限时返回 false
func (r *Registry) AddSpectator(code string, spec models.Spectator) (int, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	room, exists := r.rooms[Normalize(code)]
	if !exists {
		return 0, false
	}
	if len(room.Spectators) >= models.MaxSpectators {
		return len(room.Spectators), false
	}
	room.Spectators = append(room.Spectators, spec)
	return len(room.Spectators), true
}

// RemoveSpectator 按连接句柄移除观战者，返回被移除者和剩余数量
func (r *Registry) RemoveSpectator(code, sessionID string) (models.Spectator, int, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	room, exists := r.rooms[Normalize(code)]
	if !exists {
		return models.Spectator{}, 0, false
	}
	for i, spec := range room.Spectators {
		if spec.SessionID == sessionID {
			room.Spectators = append(room.Spectators[:i], room.Spectators[i+1:]...)
			return spec, len(room.Spectators), true
		}
	}
	return models.Spectator{}, len(room.Spectators), false
}

// Spectators 返回观战者列表的副本
func (r *Registry) Spectators(code string) []models.Spectator {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	room, exists := r.rooms[Normalize(code)]
	if !exists {
		return nil
	}
	out := make([]models.Spectator, len(room.Spectators))
	copy(out, room.Spectators)
	return out
}

// RebindPlayer 重连成功后换绑连接句柄，恢复 connected 并取消断线定时器
func (r *Registry) RebindPlayer(code, playerID, sessionID string) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	room, exists := r.rooms[Normalize(code)]
	if !exists {
		return false
	}
	idx := room.Game.PlayerIndex(playerID)
	if idx == -1 {
		return false
	}

	next := room.Game.Clone()
	next.Players[idx].SessionID = sessionID
	next.Players[idx].ConnectionStatus = models.StatusConnected
	next.Players[idx].DisconnectedAt = nil
	room.Game = next

	r.timers.Cancel(playerID)
	return true
}

// MarkDisconnected 标记玩家掉线并记录时间
func (r *Registry) MarkDisconnected(code, playerID string, at time.Time) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	room, exists := r.rooms[Normalize(code)]
	if !exists {
		return false
	}
	idx := room.Game.PlayerIndex(playerID)
	if idx == -1 {
		return false
	}

	next := room.Game.Clone()
	next.Players[idx].ConnectionStatus = models.StatusDisconnected
	next.Players[idx].DisconnectedAt = &at
	room.Game = next
	return true
}

// ScheduleRemoval 为掉线玩家安排宽限期定时器，重复调度会替换之前的
func (r *Registry) ScheduleRemoval(playerID string, delay time.Duration, fn func()) {
	r.timers.Schedule(playerID, delay, fn)
}

// CancelRemoval 取消宽限期定时器
func (r *Registry) CancelRemoval(playerID string) {
	r.timers.Cancel(playerID)
}

// RemovalPending 宽限期定时器是否仍在等待
func (r *Registry) RemovalPending(playerID string) bool {
	return r.timers.Pending(playerID)
}

// MemberSessions 房间所有成员（玩家+观战者）的连接句柄
func (r *Registry) MemberSessions(code string) []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	room, exists := r.rooms[Normalize(code)]
	if !exists {
		return nil
	}
	out := make([]string, 0, len(room.Game.Players)+len(room.Spectators))
	for _, p := range room.Game.Players {
		out = append(out, p.SessionID)
	}
	for _, spec := range room.Spectators {
		out = append(out, spec.SessionID)
	}
	return out
}

// RoomCount 当前房间数
func (r *Registry) RoomCount() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.rooms)
}

// SpectatorCount 所有房间的观战者总数
func (r *Registry) SpectatorCount() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	total := 0
	for _, room := range r.rooms {
		total += len(room.Spectators)
	}
	return total
}

// Sweep 清理超过 maxAge 仍在等待状态的房间，返回清理数量
func (r *Registry) Sweep(maxAge time.Duration) int {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for code, room := range r.rooms {
		if room.Game.Status == models.GameWaiting && room.CreatedAt.Before(cutoff) {
			r.deleteLocked(code)
			removed++
		}
	}
	return removed
}

// StartSweeper 启动周期清扫，随 Close 停止
func (r *Registry) StartSweeper(interval, maxAge time.Duration, onSweep func(removed int)) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				removed := r.Sweep(maxAge)
				if onSweep != nil && removed > 0 {
					onSweep(removed)
				}
			case <-r.closeChan:
				return
			}
		}
	}()
}
