// game/errors.go
package game

import "errors"

// 规则引擎错误定义
var (
	ErrRoomFull            = errors.New("game is full")
	ErrInsufficientPlayers = errors.New("need exactly 2 players to start")

	ErrEmptySelection     = errors.New("must select at least 1 quaffle")
	ErrTooManySelected    = errors.New("cannot select more than 3 quaffles")
	ErrOutOfRange         = errors.New("can only select from the first 3 quaffles")
	ErrDuplicateSelection = errors.New("cannot select the same quaffle twice")

	ErrNotYourTurn       = errors.New("not your turn")
	ErrGameNotInProgress = errors.New("game is not in progress")
	ErrPlayerNotFound    = errors.New("player not found")
)
