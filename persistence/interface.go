// persistence/interface.go
package persistence

import (
	"fmt"

	"github.com/wfunc/snitch/models"
)

// Database 对局记录存储接口
// 房间和对局的实时状态只存在于内存，这里只落盘已结束的对局
type Database interface {
	SaveMatchRecord(record *models.MatchRecord) error
	GetPlayerStats(name string) (*models.PlayerStats, error)
	Close() error
}

// 错误定义
var (
	ErrRecordNotFound = fmt.Errorf("record not found")
)
