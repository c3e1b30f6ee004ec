// network/connection.go
package network

import (
	"encoding/json"
	"net"
	"sync"

	"github.com/gorilla/websocket"
)

// Connection 一条到客户端的持久双向连接
type Connection interface {
	Send(event string, data interface{}) error
	Reply(ack uint32, data interface{}) error
	ReadMessage() (*Message, error)
	Close() error
	RemoteAddr() net.Addr
}

// WSConnection 基于 gorilla/websocket 的实现，写侧用互斥锁串行化
type WSConnection struct {
	conn      *websocket.Conn
	sendMutex sync.Mutex
}

func NewWSConnection(conn *websocket.Conn) *WSConnection {
	return &WSConnection{conn: conn}
}

// Send 发送一条具名事件消息
func (c *WSConnection) Send(event string, data interface{}) error {
	return c.write(Message{Event: event}, data)
}

// Reply 应答一条带 ack 的请求
func (c *WSConnection) Reply(ack uint32, data interface{}) error {
	return c.write(Message{Event: EventAck, Ack: ack}, data)
}

func (c *WSConnection) write(msg Message, data interface{}) error {
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return err
		}
		msg.Data = raw
	}

	c.sendMutex.Lock()
	defer c.sendMutex.Unlock()
	return c.conn.WriteJSON(&msg)
}

// ReadMessage 读取下一条消息，连接断开时返回错误
func (c *WSConnection) ReadMessage() (*Message, error) {
	var msg Message
	if err := c.conn.ReadJSON(&msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (c *WSConnection) Close() error {
	return c.conn.Close()
}

func (c *WSConnection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}
