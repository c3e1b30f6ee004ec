package main

import (
	"bufio"
	"encoding/json"
	"log"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

type message struct {
	Event string          `json:"event"`
	Ack   uint32          `json:"ack,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

var ackSeq uint32

// send formats and sends an envelope to the server.
func send(c *websocket.Conn, event string, withAck bool, data interface{}) error {
	msg := message{Event: event}
	if withAck {
		msg.Ack = atomic.AddUint32(&ackSeq, 1)
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return err
		}
		msg.Data = raw
	}
	return c.WriteJSON(&msg)
}

func main() {
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	u := url.URL{Scheme: "ws", Host: "localhost:3001", Path: "/ws"}
	log.Printf("Connecting to %s", u.String())

	c, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatalf("Dial failed: %v", err)
	}
	defer c.Close()

	done := make(chan struct{})

	// Read loop
	go func() {
		defer close(done)
		for {
			var msg message
			if err := c.ReadJSON(&msg); err != nil {
				log.Println("Read error:", err)
				return
			}
			if msg.Event == "ack" {
				log.Printf("<- ACK %d: %s", msg.Ack, string(msg.Data))
			} else {
				log.Printf("<- EVENT %s: %s", msg.Event, string(msg.Data))
			}
		}
	}()

	log.Println("Commands:")
	log.Println("  create <name>")
	log.Println("  join <code> <name>")
	log.Println("  reconnect <code> <playerId> <token>")
	log.Println("  take <i> [i] [i]        (e.g. take 0 1)")
	log.Println("  check <code>")
	log.Println("  watch <code> <name>")
	log.Println("  leave")

	// Write loop
	reader := bufio.NewReader(os.Stdin)
	for {
		select {
		case <-done:
			return
		case <-interrupt:
			log.Println("Interrupt received, closing connection.")
			err := c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			if err != nil {
				log.Println("Write close error:", err)
			}
			select {
			case <-done:
			case <-time.After(time.Second):
			}
			return
		default:
			text, _ := reader.ReadString('\n')
			fields := strings.Fields(text)
			if len(fields) == 0 {
				continue
			}

			var err error
			switch fields[0] {
			case "create":
				if len(fields) < 2 {
					log.Println("Usage: create <name>")
					continue
				}
				err = send(c, "create_room", true, map[string]string{"playerName": fields[1]})
			case "join":
				if len(fields) < 3 {
					log.Println("Usage: join <code> <name>")
					continue
				}
				err = send(c, "join_room", true, map[string]string{"roomId": fields[1], "playerName": fields[2]})
			case "reconnect":
				if len(fields) < 4 {
					log.Println("Usage: reconnect <code> <playerId> <token>")
					continue
				}
				err = send(c, "reconnect_game", true, map[string]string{
					"roomId": fields[1], "playerId": fields[2], "sessionToken": fields[3],
				})
			case "take":
				indices := make([]int, 0, len(fields)-1)
				for _, f := range fields[1:] {
					i, convErr := strconv.Atoi(f)
					if convErr != nil {
						log.Printf("Bad index %q", f)
						indices = nil
						break
					}
					indices = append(indices, i)
				}
				if indices == nil {
					continue
				}
				err = send(c, "take_quaffles", false, map[string][]int{"indices": indices})
			case "check":
				if len(fields) < 2 {
					log.Println("Usage: check <code>")
					continue
				}
				err = send(c, "check_room", true, map[string]string{"roomId": fields[1]})
			case "watch":
				if len(fields) < 3 {
					log.Println("Usage: watch <code> <name>")
					continue
				}
				err = send(c, "join_as_spectator", true, map[string]string{"roomId": fields[1], "name": fields[2]})
			case "leave":
				err = send(c, "leave_room", false, nil)
			default:
				log.Printf("Unknown command %q", fields[0])
				continue
			}

			if err != nil {
				log.Println("Write error:", err)
				return
			}
		}
	}
}
