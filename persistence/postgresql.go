// persistence/postgresql.go
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	// PostgreSQL 驱动
	_ "github.com/lib/pq" // PostgreSQL 驱动

	"github.com/wfunc/snitch/models"
)

// PostgreSQL 数据库实现
type PostgreSQL struct {
	db *sql.DB
}

// NewPostgreSQL 创建 PostgreSQL 数据库连接
func NewPostgreSQL(host string, port int, user, password, dbname string) (*PostgreSQL, error) {
	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		host, port, user, password, dbname)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}

	// 测试连接
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}

	// 设置连接池参数
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	// 初始化表结构
	if err := initTables(db); err != nil {
		return nil, err
	}

	return &PostgreSQL{db: db}, nil
}

// initTables 初始化数据库表结构
func initTables(db *sql.DB) error {
	_, err := db.Exec(`
        CREATE TABLE IF NOT EXISTS match_records (
            id SERIAL PRIMARY KEY,
            room_id VARCHAR(16) NOT NULL,
            winner_id VARCHAR(64) NOT NULL,
            winner_name VARCHAR(255) NOT NULL,
            loser_name VARCHAR(255) NOT NULL,
            winner_reds INT NOT NULL DEFAULT 0,
            loser_reds INT NOT NULL DEFAULT 0,
            turns INT NOT NULL DEFAULT 0,
            finished_at TIMESTAMP NOT NULL,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        )
    `)
	if err != nil {
		return err
	}

	// 创建索引以提高查询性能
	_, err = db.Exec(`
        CREATE INDEX IF NOT EXISTS idx_match_records_room_id ON match_records(room_id);
        CREATE INDEX IF NOT EXISTS idx_match_records_winner_name ON match_records(winner_name);
        CREATE INDEX IF NOT EXISTS idx_match_records_loser_name ON match_records(loser_name);
    `)

	return err
}

// SaveMatchRecord 保存对局记录
func (p *PostgreSQL) SaveMatchRecord(record *models.MatchRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	query := `
        INSERT INTO match_records
            (room_id, winner_id, winner_name, loser_name, winner_reds, loser_reds, turns, finished_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
    `

	_, err := p.db.ExecContext(ctx, query,
		record.RoomID,
		record.WinnerID,
		record.WinnerName,
		record.LoserName,
		record.WinnerReds,
		record.LoserReds,
		record.Turns,
		record.FinishedAt)

	return err
}

// GetPlayerStats 按玩家名聚合胜负统计
func (p *PostgreSQL) GetPlayerStats(name string) (*models.PlayerStats, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	query := `
        SELECT
            COUNT(*) FILTER (WHERE winner_name = $1) AS wins,
            COUNT(*) FILTER (WHERE loser_name = $1) AS losses
        FROM match_records
        WHERE winner_name = $1 OR loser_name = $1
    `

	stats := &models.PlayerStats{Name: name}
	err := p.db.QueryRowContext(ctx, query, name).Scan(&stats.Wins, &stats.Losses)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}

	stats.TotalGames = stats.Wins + stats.Losses
	if stats.TotalGames == 0 {
		return nil, ErrRecordNotFound
	}
	return stats, nil
}

// Close 关闭数据库连接
func (p *PostgreSQL) Close() error {
	return p.db.Close()
}
