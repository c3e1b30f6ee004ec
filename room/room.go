// room/room.go
package room

import (
	"time"

	"github.com/wfunc/snitch/models"
)

// Room 一个游戏房间
// 字段只能由 Registry 在持锁状态下读写；Game 指向的快照存入后不再修改，
// 规则引擎每次都返回新快照（写时复制），读者可以安全持有旧快照
type Room struct {
	Code       string
	Game       *models.GameState
	Spectators []models.Spectator
	CreatedAt  time.Time
}

// Snapshot Registry 返回给调用方的房间视图
type Snapshot struct {
	Code           string
	Game           *models.GameState
	SpectatorCount int
	CreatedAt      time.Time
}

func (r *Room) snapshot() Snapshot {
	return Snapshot{
		Code:           r.Code,
		Game:           r.Game,
		SpectatorCount: len(r.Spectators),
		CreatedAt:      r.CreatedAt,
	}
}
