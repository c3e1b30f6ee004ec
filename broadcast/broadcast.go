// broadcast/broadcast.go
package broadcast

import (
	"github.com/wfunc/snitch/room"
	"github.com/wfunc/snitch/session"
)

// Broadcaster 房间内消息扇出
// ToRoom 发给所有成员，ToOthers 发给除指定连接外的成员
type Broadcaster interface {
	ToRoom(code, event string, data interface{}) error
	ToOthers(code, excludeSessionID, event string, data interface{}) error
}

// RoomBroadcaster 基于注册表和会话管理器的实现
type RoomBroadcaster struct {
	registry *room.Registry
	sessions *session.Manager
}

func NewRoomBroadcaster(registry *room.Registry, sessions *session.Manager) *RoomBroadcaster {
	return &RoomBroadcaster{
		registry: registry,
		sessions: sessions,
	}
}

func (b *RoomBroadcaster) ToRoom(code, event string, data interface{}) error {
	return b.send(code, "", event, data)
}

func (b *RoomBroadcaster) ToOthers(code, excludeSessionID, event string, data interface{}) error {
	return b.send(code, excludeSessionID, event, data)
}

func (b *RoomBroadcaster) send(code, exclude, event string, data interface{}) error {
	members := b.registry.MemberSessions(code)
	if members == nil {
		return room.ErrRoomNotFound
	}

	for _, sessionID := range members {
		if sessionID == exclude {
			continue
		}
		// 掉线玩家的会话已被移除，跳过即可
		sess, exists := b.sessions.Get(sessionID)
		if !exists {
			continue
		}
		if err := sess.Send(event, data); err != nil {
			continue
		}
	}
	return nil
}
