// services/recorder.go
package services

import (
	"fmt"
	"time"

	"github.com/wfunc/snitch/logger"
	"github.com/wfunc/snitch/models"
	"github.com/wfunc/snitch/persistence"
)

// MatchRecorder 在对局结束时异步落盘结果
// db 为 nil 时表示未启用持久化，所有方法都是安全的空操作
type MatchRecorder struct {
	db persistence.Database
}

func NewMatchRecorder(db persistence.Database) *MatchRecorder {
	return &MatchRecorder{db: db}
}

// RecordFinishedGame 记录一局有胜者的已结束对局
// 写库在后台进行，不阻塞游戏流程，失败只记日志
func (s *MatchRecorder) RecordFinishedGame(state *models.GameState) {
	if s.db == nil {
		return
	}
	if state.Status != models.GameFinished || state.Winner == "" {
		return
	}

	record := &models.MatchRecord{
		RoomID:     state.RoomID,
		WinnerID:   state.Winner,
		Turns:      state.TurnNumber,
		FinishedAt: time.Now(),
	}
	for _, p := range state.Players {
		if p.ID == state.Winner {
			record.WinnerName = p.Name
			record.WinnerReds = p.RedQuaffles
		} else {
			record.LoserName = p.Name
			record.LoserReds = p.RedQuaffles
		}
	}

	go func() {
		if err := s.db.SaveMatchRecord(record); err != nil {
			logger.Log.Errorw("Failed to save match record",
				"roomId", record.RoomID, "error", err)
		}
	}()
}

// GetPlayerStats 查询玩家胜负统计
func (s *MatchRecorder) GetPlayerStats(name string) (*models.PlayerStats, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database is not enabled")
	}
	return s.db.GetPlayerStats(name)
}
