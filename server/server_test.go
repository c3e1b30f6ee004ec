package server

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/wfunc/snitch/game"
	"github.com/wfunc/snitch/models"
	"github.com/wfunc/snitch/network"
	"github.com/wfunc/snitch/room"
	"github.com/wfunc/snitch/services"
	"github.com/wfunc/snitch/session"
)

// sentMessage is one envelope captured by the mock connection.
type sentMessage struct {
	Event string
	Ack   uint32
	Data  interface{}
}

// MockConnection records everything the server sends for assertions.
type MockConnection struct {
	mutex    sync.Mutex
	Messages []sentMessage
}

func (m *MockConnection) Send(event string, data interface{}) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.Messages = append(m.Messages, sentMessage{Event: event, Data: data})
	return nil
}

func (m *MockConnection) Reply(ack uint32, data interface{}) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.Messages = append(m.Messages, sentMessage{Event: network.EventAck, Ack: ack, Data: data})
	return nil
}

func (m *MockConnection) ReadMessage() (*network.Message, error) { return nil, fmt.Errorf("closed") }
func (m *MockConnection) Close() error                           { return nil }
func (m *MockConnection) RemoteAddr() net.Addr                   { return &net.TCPAddr{} }

// Events returns all captured messages with the given event name.
func (m *MockConnection) Events(name string) []sentMessage {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	var out []sentMessage
	for _, msg := range m.Messages {
		if msg.Event == name {
			out = append(out, msg)
		}
	}
	return out
}

// EventSequence returns the event names of every captured message in order.
func (m *MockConnection) EventSequence() []string {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	out := make([]string, len(m.Messages))
	for i, msg := range m.Messages {
		out[i] = msg.Event
	}
	return out
}

// LastReply returns the most recent ack envelope.
func (m *MockConnection) LastReply(t *testing.T) sentMessage {
	t.Helper()
	replies := m.Events(network.EventAck)
	if len(replies) == 0 {
		t.Fatal("Expected an ack reply, got none")
	}
	return replies[len(replies)-1]
}

// decodePayload round-trips a captured payload through JSON into out.
func decodePayload(t *testing.T, data interface{}, out interface{}) {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("Failed to marshal payload: %v", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		t.Fatalf("Failed to unmarshal payload: %v", err)
	}
}

func newTestServer(t *testing.T, grace time.Duration) *GameServer {
	t.Helper()
	engine := game.NewEngine(rand.NewSource(1))
	registry := room.NewRegistry(rand.NewSource(2))
	t.Cleanup(registry.Close)
	recorder := services.NewMatchRecorder(nil)
	return NewGameServer(":0", grace, engine, registry, recorder, nil)
}

func connect(s *GameServer) (*session.Session, *MockConnection) {
	conn := &MockConnection{}
	sess := session.NewSession(uuid.New().String(), conn)
	s.sessions.Add(sess)
	return sess, conn
}

func request(t *testing.T, s *GameServer, sess *session.Session, event string, ack uint32, data interface{}) {
	t.Helper()
	var raw json.RawMessage
	if data != nil {
		var err error
		raw, err = json.Marshal(data)
		if err != nil {
			t.Fatalf("Failed to marshal request: %v", err)
		}
	}
	s.dispatch(sess, &network.Message{Event: event, Ack: ack, Data: raw})
}

// twoPlayerGame stands up a server with a started two-player game.
type twoPlayerGame struct {
	s            *GameServer
	code         string
	sessA, sessB *session.Session
	connA, connB *MockConnection
	playerA      string // Alice's player id
	playerB      string // Bob's player id
	tokenA       string
	tokenB       string
}

func setupTwoPlayerGame(t *testing.T, grace time.Duration) *twoPlayerGame {
	t.Helper()
	s := newTestServer(t, grace)

	sessA, connA := connect(s)
	request(t, s, sessA, network.EventCreateRoom, 1, createRoomRequest{PlayerName: "Alice"})
	var created createRoomResponse
	decodePayload(t, connA.LastReply(t).Data, &created)
	if !created.Success {
		t.Fatalf("create_room failed: %s", created.Error)
	}

	sessB, connB := connect(s)
	request(t, s, sessB, network.EventJoinRoom, 1, joinRoomRequest{RoomID: created.RoomID, PlayerName: "Bob"})
	var joined joinRoomResponse
	decodePayload(t, connB.LastReply(t).Data, &joined)
	if !joined.Success {
		t.Fatalf("join_room failed: %s", joined.Error)
	}

	return &twoPlayerGame{
		s:       s,
		code:    created.RoomID,
		sessA:   sessA,
		sessB:   sessB,
		connA:   connA,
		connB:   connB,
		playerA: created.PlayerID,
		playerB: joined.PlayerID,
		tokenA:  created.SessionToken,
		tokenB:  joined.SessionToken,
	}
}

func (g *twoPlayerGame) state(t *testing.T) *models.GameState {
	t.Helper()
	snap, exists := g.s.registry.GetRoom(g.code)
	if !exists {
		t.Fatalf("Room %s no longer exists", g.code)
	}
	return snap.Game
}

// currentTurn returns the session and connection of the player whose turn it is,
// plus those of the opponent.
func (g *twoPlayerGame) currentTurn(t *testing.T) (active *session.Session, activeConn *MockConnection, other *session.Session, otherConn *MockConnection) {
	t.Helper()
	if g.state(t).CurrentTurnPlayerID == g.playerA {
		return g.sessA, g.connA, g.sessB, g.connB
	}
	return g.sessB, g.connB, g.sessA, g.connA
}

func TestCreateRoom(t *testing.T) {
	s := newTestServer(t, time.Minute)
	sess, conn := connect(s)

	request(t, s, sess, network.EventCreateRoom, 7, createRoomRequest{PlayerName: "Alice"})

	reply := conn.LastReply(t)
	if reply.Ack != 7 {
		t.Errorf("Expected ack 7, got %d", reply.Ack)
	}

	var resp createRoomResponse
	decodePayload(t, reply.Data, &resp)
	if !resp.Success {
		t.Fatalf("create_room failed: %s", resp.Error)
	}
	if len(resp.RoomID) != models.RoomCodeLength {
		t.Errorf("Expected %d-char room code, got %q", models.RoomCodeLength, resp.RoomID)
	}
	if resp.PlayerID == "" || resp.SessionToken == "" {
		t.Error("Reply must carry playerId and sessionToken")
	}

	states := conn.Events(network.EventGameState)
	if len(states) != 1 {
		t.Fatalf("Expected one game_state push, got %d", len(states))
	}
	var state models.GameState
	decodePayload(t, states[0].Data, &state)
	if state.Status != models.GameWaiting {
		t.Errorf("Expected waiting status, got %s", state.Status)
	}
	if len(state.SharedQuaffleRow) != models.VisibleQuaffles {
		t.Errorf("Expected %d quaffles in the row, got %d", models.VisibleQuaffles, len(state.SharedQuaffleRow))
	}
}

func TestCreateRoom_TokenNotBroadcast(t *testing.T) {
	s := newTestServer(t, time.Minute)
	sess, conn := connect(s)

	request(t, s, sess, network.EventCreateRoom, 1, createRoomRequest{PlayerName: "Alice"})

	raw, err := json.Marshal(conn.Events(network.EventGameState)[0].Data)
	if err != nil {
		t.Fatalf("Failed to marshal state: %v", err)
	}
	var asMap map[string]interface{}
	if err := json.Unmarshal(raw, &asMap); err != nil {
		t.Fatalf("Failed to unmarshal state: %v", err)
	}
	players := asMap["players"].([]interface{})
	player := players[0].(map[string]interface{})
	if _, leaked := player["sessionToken"]; leaked {
		t.Error("sessionToken must never appear in broadcast state")
	}
}

func TestJoinRoom_StartsGame(t *testing.T) {
	g := setupTwoPlayerGame(t, time.Minute)

	state := g.state(t)
	if state.Status != models.GamePlaying {
		t.Fatalf("Expected playing status, got %s", state.Status)
	}
	if state.TurnNumber != 1 {
		t.Errorf("Expected turn 1, got %d", state.TurnNumber)
	}
	if state.CurrentTurnPlayerID != g.playerA && state.CurrentTurnPlayerID != g.playerB {
		t.Errorf("First turn must belong to one of the two players, got %q", state.CurrentTurnPlayerID)
	}

	// Both players see the start and the first turn assignment.
	for _, conn := range []*MockConnection{g.connA, g.connB} {
		if len(conn.Events(network.EventGameStart)) != 1 {
			t.Error("Each player must receive game_start")
		}
		turns := conn.Events(network.EventTurnChange)
		if len(turns) != 1 {
			t.Fatal("Each player must receive turn_change")
		}
		var turn turnChangePayload
		decodePayload(t, turns[0].Data, &turn)
		if turn.PlayerID != state.CurrentTurnPlayerID {
			t.Errorf("turn_change carries %q, state says %q", turn.PlayerID, state.CurrentTurnPlayerID)
		}
	}
}

func TestJoinRoom_Errors(t *testing.T) {
	g := setupTwoPlayerGame(t, time.Minute)

	sessC, connC := connect(g.s)
	request(t, g.s, sessC, network.EventJoinRoom, 1, joinRoomRequest{RoomID: "ZZZZ", PlayerName: "Carol"})
	var resp joinRoomResponse
	decodePayload(t, connC.LastReply(t).Data, &resp)
	if resp.Success || resp.Error != "Room not found" {
		t.Errorf("Expected 'Room not found', got %+v", resp)
	}

	request(t, g.s, sessC, network.EventJoinRoom, 2, joinRoomRequest{RoomID: g.code, PlayerName: "Carol"})
	decodePayload(t, connC.LastReply(t).Data, &resp)
	if resp.Success || resp.Error != "Room is full" {
		t.Errorf("Expected 'Room is full', got %+v", resp)
	}
}

func TestJoinRoom_CaseInsensitiveCode(t *testing.T) {
	s := newTestServer(t, time.Minute)
	sessA, connA := connect(s)
	request(t, s, sessA, network.EventCreateRoom, 1, createRoomRequest{PlayerName: "Alice"})
	var created createRoomResponse
	decodePayload(t, connA.LastReply(t).Data, &created)

	sessB, connB := connect(s)
	lower := " " + strings.ToLower(created.RoomID) + " "
	request(t, s, sessB, network.EventJoinRoom, 1, joinRoomRequest{RoomID: lower, PlayerName: "Bob"})
	var joined joinRoomResponse
	decodePayload(t, connB.LastReply(t).Data, &joined)
	if !joined.Success {
		t.Fatalf("Join with lowercase code failed: %s", joined.Error)
	}
}

func TestTakeQuaffles_Flow(t *testing.T) {
	g := setupTwoPlayerGame(t, time.Minute)
	active, _, _, _ := g.currentTurn(t)
	before := g.state(t)

	request(t, g.s, active, network.EventTakeQuaffles, 0, takeQuafflesRequest{Indices: []int{0, 1}})

	after := g.state(t)
	if len(after.SharedQuaffleRow) != models.VisibleQuaffles {
		t.Errorf("Row must be refilled to %d, got %d", models.VisibleQuaffles, len(after.SharedQuaffleRow))
	}
	if after.CurrentTurnPlayerID == before.CurrentTurnPlayerID {
		t.Error("Turn must pass to the other player")
	}
	if after.TurnNumber != before.TurnNumber+1 {
		t.Errorf("Expected turn %d, got %d", before.TurnNumber+1, after.TurnNumber)
	}

	// Everyone in the room sees the update.
	for _, conn := range []*MockConnection{g.connA, g.connB} {
		if len(conn.Events(network.EventGameUpdate)) != 1 {
			t.Error("Each player must receive game_update")
		}
		turns := conn.Events(network.EventTurnChange)
		var turn turnChangePayload
		decodePayload(t, turns[len(turns)-1].Data, &turn)
		if turn.PlayerID != after.CurrentTurnPlayerID {
			t.Errorf("turn_change carries %q, state says %q", turn.PlayerID, after.CurrentTurnPlayerID)
		}
	}
}

func TestTakeQuaffles_NotYourTurn(t *testing.T) {
	g := setupTwoPlayerGame(t, time.Minute)
	_, _, other, otherConn := g.currentTurn(t)
	before := g.state(t)

	request(t, g.s, other, network.EventTakeQuaffles, 0, takeQuafflesRequest{Indices: []int{0}})

	errs := otherConn.Events(network.EventError)
	if len(errs) != 1 {
		t.Fatalf("Expected one error event, got %d", len(errs))
	}
	var payload errorPayload
	decodePayload(t, errs[0].Data, &payload)
	if payload.Message != "Not your turn" {
		t.Errorf("Expected 'Not your turn', got %q", payload.Message)
	}

	// No broadcast, no state change.
	if len(g.connA.Events(network.EventGameUpdate))+len(g.connB.Events(network.EventGameUpdate)) != 0 {
		t.Error("Rejected move must not broadcast game_update")
	}
	if g.state(t).TurnNumber != before.TurnNumber {
		t.Error("Rejected move must leave state unchanged")
	}
}

func TestTakeQuaffles_DuplicateSelection(t *testing.T) {
	g := setupTwoPlayerGame(t, time.Minute)
	active, activeConn, _, _ := g.currentTurn(t)

	request(t, g.s, active, network.EventTakeQuaffles, 0, takeQuafflesRequest{Indices: []int{0, 0}})

	errs := activeConn.Events(network.EventError)
	if len(errs) != 1 {
		t.Fatalf("Expected one error event, got %d", len(errs))
	}
	var payload errorPayload
	decodePayload(t, errs[0].Data, &payload)
	if payload.Message != "Cannot select the same quaffle twice" {
		t.Errorf("Expected duplicate-selection message, got %q", payload.Message)
	}
}

func TestTakeQuaffles_NotInRoom(t *testing.T) {
	s := newTestServer(t, time.Minute)
	sess, conn := connect(s)

	request(t, s, sess, network.EventTakeQuaffles, 0, takeQuafflesRequest{Indices: []int{0}})

	errs := conn.Events(network.EventError)
	if len(errs) != 1 {
		t.Fatalf("Expected one error event, got %d", len(errs))
	}
	var payload errorPayload
	decodePayload(t, errs[0].Data, &payload)
	if payload.Message != "Not in a room" {
		t.Errorf("Expected 'Not in a room', got %q", payload.Message)
	}
}

func TestGameOver(t *testing.T) {
	g := setupTwoPlayerGame(t, time.Minute)
	active, _, _, _ := g.currentTurn(t)
	activeID := g.state(t).CurrentTurnPlayerID

	// Put the active player one red away from winning, with a red up front.
	_, err := g.s.registry.UpdateGame(g.code, func(st *models.GameState) (*models.GameState, error) {
		next := st.Clone()
		next.Players[next.PlayerIndex(activeID)].RedQuaffles = models.QuafflesToWin - 1
		next.SharedQuaffleRow[0].Type = models.QuaffleRed
		return next, nil
	})
	if err != nil {
		t.Fatalf("Failed to seed state: %v", err)
	}
	turnBefore := g.state(t).TurnNumber

	request(t, g.s, active, network.EventTakeQuaffles, 0, takeQuafflesRequest{Indices: []int{0}})

	state := g.state(t)
	if state.Status != models.GameFinished || state.Winner != activeID {
		t.Fatalf("Expected finished game won by %s, got status=%s winner=%q", activeID, state.Status, state.Winner)
	}
	if state.CurrentTurnPlayerID != "" {
		t.Error("Finished game must have no current turn")
	}
	if state.TurnNumber != turnBefore {
		t.Error("Winning move must not advance the turn number")
	}

	for _, conn := range []*MockConnection{g.connA, g.connB} {
		overs := conn.Events(network.EventGameOver)
		if len(overs) != 1 {
			t.Fatal("Each player must receive game_over")
		}
		var over gameOverPayload
		decodePayload(t, overs[0].Data, &over)
		if over.WinnerID != activeID || over.WinnerName == "" {
			t.Errorf("game_over carries %+v, expected winner %s", over, activeID)
		}
		if len(conn.Events(network.EventTurnChange)) != 1 {
			t.Error("No turn_change may follow a winning move")
		}
	}
}

func TestCheckRoom(t *testing.T) {
	s := newTestServer(t, time.Minute)
	sess, conn := connect(s)

	request(t, s, sess, network.EventCheckRoom, 1, checkRoomRequest{RoomID: "ZZZZ"})
	var resp checkRoomResponse
	decodePayload(t, conn.LastReply(t).Data, &resp)
	if resp.Exists {
		t.Error("Unknown room must report exists=false")
	}

	request(t, s, sess, network.EventCreateRoom, 2, createRoomRequest{PlayerName: "Alice"})
	var created createRoomResponse
	decodePayload(t, conn.LastReply(t).Data, &created)

	checker, checkerConn := connect(s)
	request(t, s, checker, network.EventCheckRoom, 1, checkRoomRequest{RoomID: created.RoomID})
	decodePayload(t, checkerConn.LastReply(t).Data, &resp)
	if !resp.Exists || !resp.CanJoinAsPlayer || !resp.CanJoinAsSpectator {
		t.Errorf("Waiting 1-player room should be joinable, got %+v", resp)
	}
	if resp.PlayerCount != 1 || resp.SpectatorCount != 0 {
		t.Errorf("Expected 1 player / 0 spectators, got %+v", resp)
	}
	if resp.GameStatus != string(models.GameWaiting) {
		t.Errorf("Expected waiting status, got %q", resp.GameStatus)
	}
}

func TestJoinAsSpectator(t *testing.T) {
	g := setupTwoPlayerGame(t, time.Minute)

	sessW, connW := connect(g.s)
	request(t, g.s, sessW, network.EventJoinAsSpectator, 1, spectatorJoinRequest{RoomID: g.code, Name: "Watcher"})

	var resp spectatorJoinResponse
	decodePayload(t, connW.LastReply(t).Data, &resp)
	if !resp.Success {
		t.Fatalf("join_as_spectator failed: %s", resp.Error)
	}
	if resp.SpectatorID == "" || resp.SpectatorCount != 1 {
		t.Errorf("Unexpected spectator reply: %+v", resp)
	}
	if resp.GameState == nil || resp.GameState.Status != models.GamePlaying {
		t.Error("Spectator must receive the current game state")
	}

	// The whole room, including the new spectator, hears about the join.
	for _, conn := range []*MockConnection{g.connA, g.connB, connW} {
		joins := conn.Events(network.EventSpectatorJoined)
		if len(joins) != 1 {
			t.Fatal("Everyone in the room must receive spectator_joined")
		}
		var payload spectatorPayload
		decodePayload(t, joins[0].Data, &payload)
		if payload.Name != "Watcher" || payload.SpectatorCount != 1 {
			t.Errorf("Unexpected spectator_joined payload: %+v", payload)
		}
	}
}

func TestJoinAsSpectator_LimitReached(t *testing.T) {
	g := setupTwoPlayerGame(t, time.Minute)

	for i := 0; i < models.MaxSpectators; i++ {
		g.s.registry.AddSpectator(g.code, models.Spectator{
			ID:        fmt.Sprintf("spectator_%d", i),
			SessionID: fmt.Sprintf("sess_w%d", i),
			Name:      fmt.Sprintf("W%d", i),
			JoinedAt:  time.Now(),
		})
	}

	sessW, connW := connect(g.s)
	request(t, g.s, sessW, network.EventJoinAsSpectator, 1, spectatorJoinRequest{RoomID: g.code, Name: "TooLate"})

	var resp spectatorJoinResponse
	decodePayload(t, connW.LastReply(t).Data, &resp)
	if resp.Success || resp.Error != "Spectator limit reached" {
		t.Errorf("Expected spectator limit error, got %+v", resp)
	}
}

func TestSpectatorLeave(t *testing.T) {
	g := setupTwoPlayerGame(t, time.Minute)

	sessW, _ := connect(g.s)
	request(t, g.s, sessW, network.EventJoinAsSpectator, 1, spectatorJoinRequest{RoomID: g.code, Name: "Watcher"})

	g.s.sessions.Remove(sessW.GetID())
	g.s.handleDisconnect(sessW, false)

	for _, conn := range []*MockConnection{g.connA, g.connB} {
		lefts := conn.Events(network.EventSpectatorLeft)
		if len(lefts) != 1 {
			t.Fatal("Players must receive spectator_left")
		}
		var payload spectatorPayload
		decodePayload(t, lefts[0].Data, &payload)
		if payload.Name != "Watcher" || payload.SpectatorCount != 0 {
			t.Errorf("Unexpected spectator_left payload: %+v", payload)
		}
	}

	// Game itself is untouched.
	if g.state(t).Status != models.GamePlaying {
		t.Error("Spectator departure must not affect the game")
	}
}

func TestDisconnect_SoloRoomDeleted(t *testing.T) {
	s := newTestServer(t, time.Minute)
	sess, conn := connect(s)
	request(t, s, sess, network.EventCreateRoom, 1, createRoomRequest{PlayerName: "Alice"})
	var created createRoomResponse
	decodePayload(t, conn.LastReply(t).Data, &created)

	s.sessions.Remove(sess.GetID())
	s.handleDisconnect(sess, false)

	if _, exists := s.registry.GetRoom(created.RoomID); exists {
		t.Error("Room with a single departed player must be deleted")
	}
}

func TestLeaveRoom_Intentional(t *testing.T) {
	g := setupTwoPlayerGame(t, time.Minute)

	request(t, g.s, g.sessB, network.EventLeaveRoom, 0, nil)

	lefts := g.connA.Events(network.EventPlayerLeft)
	if len(lefts) != 1 {
		t.Fatal("Opponent must receive player_left")
	}
	var payload playerNamePayload
	decodePayload(t, lefts[0].Data, &payload)
	if payload.Name != "Bob" {
		t.Errorf("Expected Bob in player_left, got %q", payload.Name)
	}

	state := g.state(t)
	if state.Status != models.GameFinished || state.Winner != "" {
		t.Errorf("Abandonment must finish with no winner, got status=%s winner=%q", state.Status, state.Winner)
	}
	if len(state.Players) != 1 {
		t.Errorf("Expected 1 remaining player, got %d", len(state.Players))
	}
	if len(g.connA.Events(network.EventGameUpdate)) != 1 {
		t.Error("Remaining player must receive the final game_update")
	}
	if len(g.connA.Events(network.EventGameOver)) != 0 {
		t.Error("Abandonment must never emit game_over")
	}
}

func TestDisconnect_NotifiesOpponent(t *testing.T) {
	g := setupTwoPlayerGame(t, time.Minute)

	g.s.sessions.Remove(g.sessB.GetID())
	g.s.handleDisconnect(g.sessB, false)

	drops := g.connA.Events(network.EventPlayerDisconnected)
	if len(drops) != 1 {
		t.Fatal("Opponent must receive player_disconnected")
	}

	state := g.state(t)
	idx := state.PlayerIndex(g.playerB)
	if state.Players[idx].ConnectionStatus != models.StatusDisconnected {
		t.Error("Dropped player must be marked disconnected")
	}
	if state.Status != models.GamePlaying {
		t.Error("Game must keep running during the grace window")
	}
	if !g.s.registry.RemovalPending(g.playerB) {
		t.Error("A removal timer must be armed for the dropped player")
	}
}

func TestReconnect_WithinGrace(t *testing.T) {
	g := setupTwoPlayerGame(t, time.Minute)
	stateBefore := g.state(t)

	g.s.sessions.Remove(g.sessB.GetID())
	g.s.handleDisconnect(g.sessB, false)

	// Bob comes back on a fresh connection.
	sessB2, connB2 := connect(g.s)
	request(t, g.s, sessB2, network.EventReconnectGame, 5, reconnectRequest{
		RoomID:       g.code,
		PlayerID:     g.playerB,
		SessionToken: g.tokenB,
	})

	var resp reconnectResponse
	decodePayload(t, connB2.LastReply(t).Data, &resp)
	if !resp.Success {
		t.Fatalf("reconnect_game failed: %s", resp.Error)
	}
	if len(connB2.Events(network.EventGameState)) != 1 {
		t.Error("Reconnecting player must receive game_state")
	}
	if len(g.connA.Events(network.EventPlayerReconnected)) != 1 {
		t.Error("Opponent must receive player_reconnected")
	}
	if len(connB2.Events(network.EventPlayerReconnected)) != 0 {
		t.Error("player_reconnected must not echo back to the reconnector")
	}

	state := g.state(t)
	idx := state.PlayerIndex(g.playerB)
	if state.Players[idx].ConnectionStatus != models.StatusConnected {
		t.Error("Reconnected player must be marked connected")
	}
	if state.TurnNumber != stateBefore.TurnNumber || state.CurrentTurnPlayerID != stateBefore.CurrentTurnPlayerID {
		t.Error("Reconnection must not alter game progress")
	}
	if g.s.registry.RemovalPending(g.playerB) {
		t.Error("Removal timer must be canceled on reconnect")
	}
}

func TestReconnect_InvalidSession(t *testing.T) {
	g := setupTwoPlayerGame(t, time.Minute)

	sessX, connX := connect(g.s)
	request(t, g.s, sessX, network.EventReconnectGame, 1, reconnectRequest{
		RoomID:       g.code,
		PlayerID:     g.playerB,
		SessionToken: "forged-token",
	})
	var resp reconnectResponse
	decodePayload(t, connX.LastReply(t).Data, &resp)
	if resp.Success || resp.Error != "Invalid session" {
		t.Errorf("Expected 'Invalid session', got %+v", resp)
	}

	// Valid token paired with the wrong player id is rejected the same way.
	request(t, g.s, sessX, network.EventReconnectGame, 2, reconnectRequest{
		RoomID:       g.code,
		PlayerID:     g.playerA,
		SessionToken: g.tokenB,
	})
	decodePayload(t, connX.LastReply(t).Data, &resp)
	if resp.Success || resp.Error != "Invalid session" {
		t.Errorf("Expected 'Invalid session', got %+v", resp)
	}
}

func TestReconnect_Idempotent(t *testing.T) {
	g := setupTwoPlayerGame(t, time.Minute)

	g.s.sessions.Remove(g.sessB.GetID())
	g.s.handleDisconnect(g.sessB, false)

	for i := 0; i < 2; i++ {
		sess, conn := connect(g.s)
		request(t, g.s, sess, network.EventReconnectGame, uint32(i+1), reconnectRequest{
			RoomID:       g.code,
			PlayerID:     g.playerB,
			SessionToken: g.tokenB,
		})
		var resp reconnectResponse
		decodePayload(t, conn.LastReply(t).Data, &resp)
		if !resp.Success {
			t.Fatalf("Reconnect attempt %d failed: %s", i+1, resp.Error)
		}
	}
}

func TestDisconnect_GraceTimeout(t *testing.T) {
	g := setupTwoPlayerGame(t, 100*time.Millisecond)

	g.s.sessions.Remove(g.sessB.GetID())
	g.s.handleDisconnect(g.sessB, false)

	time.Sleep(400 * time.Millisecond)

	lefts := g.connA.Events(network.EventPlayerLeft)
	if len(lefts) != 1 {
		t.Fatal("Opponent must receive player_left after the grace window")
	}
	var payload playerNamePayload
	decodePayload(t, lefts[0].Data, &payload)
	if payload.Name != "Bob" {
		t.Errorf("Expected Bob in player_left, got %q", payload.Name)
	}

	state := g.state(t)
	if state.Status != models.GameFinished || state.Winner != "" {
		t.Errorf("Timeout removal must finish with no winner, got status=%s winner=%q", state.Status, state.Winner)
	}
	if state.PlayerIndex(g.playerB) != -1 {
		t.Error("Timed-out player must be removed from the roster")
	}
	if len(g.connA.Events(network.EventGameUpdate)) != 1 {
		t.Error("Remaining player must receive the final game_update")
	}
	if len(g.connA.Events(network.EventGameOver)) != 0 {
		t.Error("Timeout removal must never emit game_over")
	}
}

func TestDisconnect_ReconnectBeatsTimer(t *testing.T) {
	g := setupTwoPlayerGame(t, 150*time.Millisecond)

	g.s.sessions.Remove(g.sessB.GetID())
	g.s.handleDisconnect(g.sessB, false)

	sessB2, _ := connect(g.s)
	request(t, g.s, sessB2, network.EventReconnectGame, 1, reconnectRequest{
		RoomID:       g.code,
		PlayerID:     g.playerB,
		SessionToken: g.tokenB,
	})

	time.Sleep(400 * time.Millisecond)

	if len(g.connA.Events(network.EventPlayerLeft)) != 0 {
		t.Error("No player_left may fire after a successful reconnect")
	}
	if g.state(t).Status != models.GamePlaying {
		t.Error("Game must continue after reconnect")
	}
}

func TestGraceRemoval_AbortsAfterReconnect(t *testing.T) {
	g := setupTwoPlayerGame(t, time.Minute)

	g.s.sessions.Remove(g.sessB.GetID())
	g.s.handleDisconnect(g.sessB, false)

	sessB2, _ := connect(g.s)
	request(t, g.s, sessB2, network.EventReconnectGame, 1, reconnectRequest{
		RoomID:       g.code,
		PlayerID:     g.playerB,
		SessionToken: g.tokenB,
	})

	// A removal firing after the reconnect must notice the player is back
	// and leave everything alone.
	g.s.removeIfStillDisconnected(g.code, g.playerB, "Bob")

	if len(g.connA.Events(network.EventPlayerLeft)) != 0 {
		t.Error("No player_left may fire once the player has reconnected")
	}
	if len(g.connA.Events(network.EventGameUpdate)) != 0 {
		t.Error("No game_update may fire for an aborted removal")
	}
	state := g.state(t)
	if state.Status != models.GamePlaying {
		t.Errorf("Game must keep running, got %s", state.Status)
	}
	if state.PlayerIndex(g.playerB) == -1 {
		t.Error("Reconnected player must stay in the roster")
	}
}

func TestGraceRemoval_RoomGone(t *testing.T) {
	g := setupTwoPlayerGame(t, time.Minute)

	g.s.sessions.Remove(g.sessB.GetID())
	g.s.handleDisconnect(g.sessB, false)

	g.s.registry.Delete(g.code)
	g.s.removeIfStillDisconnected(g.code, g.playerB, "Bob")

	if len(g.connA.Events(network.EventPlayerLeft)) != 0 {
		t.Error("No player_left may fire for a vanished room")
	}
	if len(g.connA.Events(network.EventGameUpdate)) != 0 {
		t.Error("No game_update may fire for a vanished room")
	}
}

// gatedConn blocks the first delivery of one chosen event until released.
type gatedConn struct {
	MockConnection
	gateOn  string
	release chan struct{}
	once    sync.Once
}

func (g *gatedConn) Send(event string, data interface{}) error {
	if event == g.gateOn {
		g.once.Do(func() { <-g.release })
	}
	return g.MockConnection.Send(event, data)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("Condition not met in time")
}

func TestBroadcast_OrderedPerRoom(t *testing.T) {
	g := setupTwoPlayerGame(t, time.Minute)

	// Spectator whose turn_change delivery stalls mid-fan-out.
	watcher := &gatedConn{gateOn: network.EventTurnChange, release: make(chan struct{})}
	var releaseOnce sync.Once
	releaseGate := func() { releaseOnce.Do(func() { close(watcher.release) }) }
	defer releaseGate()

	sessW := session.NewSession(uuid.New().String(), watcher)
	g.s.sessions.Add(sessW)
	request(t, g.s, sessW, network.EventJoinAsSpectator, 1, spectatorJoinRequest{RoomID: g.code, Name: "Watcher"})

	first, _, second, _ := g.currentTurn(t)
	takeRaw, err := json.Marshal(takeQuafflesRequest{Indices: []int{0}})
	if err != nil {
		t.Fatalf("Failed to marshal request: %v", err)
	}

	move1Done := make(chan struct{})
	go func() {
		defer close(move1Done)
		g.s.dispatch(first, &network.Message{Event: network.EventTakeQuaffles, Data: takeRaw})
	}()

	// Move 1's game_update reached the spectator; its turn_change is now
	// parked on the gate with the room fan-out unfinished.
	waitFor(t, func() bool { return len(watcher.Events(network.EventGameUpdate)) == 1 })

	move2Done := make(chan struct{})
	go func() {
		defer close(move2Done)
		g.s.dispatch(second, &network.Message{Event: network.EventTakeQuaffles, Data: takeRaw})
	}()

	// Move 2 must not deliver anything to the room before move 1's
	// fan-out completes.
	time.Sleep(100 * time.Millisecond)
	if n := len(watcher.Events(network.EventGameUpdate)); n != 1 {
		t.Errorf("Second move overtook the first move's fan-out: %d updates", n)
	}

	releaseGate()
	<-move1Done
	<-move2Done

	want := []string{
		network.EventSpectatorJoined,
		network.EventAck,
		network.EventGameUpdate,
		network.EventTurnChange,
		network.EventGameUpdate,
		network.EventTurnChange,
	}
	got := watcher.EventSequence()
	if len(got) != len(want) {
		t.Fatalf("Expected %d events, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Event %d: expected %s, got %s (full sequence %v)", i, want[i], got[i], got)
		}
	}
}

func TestDisconnect_FinishedRoomDeleted(t *testing.T) {
	g := setupTwoPlayerGame(t, time.Minute)

	_, err := g.s.registry.UpdateGame(g.code, func(st *models.GameState) (*models.GameState, error) {
		next := st.Clone()
		next.Status = models.GameFinished
		next.Winner = g.playerA
		next.CurrentTurnPlayerID = ""
		return next, nil
	})
	if err != nil {
		t.Fatalf("Failed to finish game: %v", err)
	}

	g.s.sessions.Remove(g.sessA.GetID())
	g.s.handleDisconnect(g.sessA, false)

	if _, exists := g.s.registry.GetRoom(g.code); exists {
		t.Error("Finished room must be deleted once a player disconnects")
	}
}
