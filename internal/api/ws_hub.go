package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/tanq16/hlsdl/internal/task"
)

type wsMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// wsCommand is what clients send: the same commands as the HTTP routes.
type wsCommand struct {
	Type                 string `json:"type"`
	ID                   string `json:"id"`
	URL                  string `json:"url"`
	DisplayName          string `json:"displayName"`
	DestinationDirectory string `json:"destinationDirectory"`
	NewName              string `json:"newName"`
}

type wsAck struct {
	Command string `json:"command"`
	ID      string `json:"id,omitempty"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type wsClient struct {
	hub  *wsHub
	conn *websocket.Conn
	send chan []byte
}

type wsDirect struct {
	client *wsClient
	msg    []byte
}

type wsHub struct {
	server     *Server
	clients    map[*wsClient]bool
	broadcast  chan []byte
	direct     chan wsDirect
	register   chan *wsClient
	unregister chan *wsClient
	done       chan struct{}
}

func newWSHub(server *Server) *wsHub {
	return &wsHub{
		server:     server,
		clients:    make(map[*wsClient]bool),
		broadcast:  make(chan []byte, 256),
		direct:     make(chan wsDirect, 64),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		done:       make(chan struct{}),
	}
}

func (h *wsHub) run() {
	for {
		select {
		case <-h.done:
			for client := range h.clients {
				_ = client.conn.WriteControl(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(2*time.Second),
				)
				close(client.send)
				delete(h.clients, client)
			}
			log.Debug().Str("op", "api/ws_hub").Msg("ws hub stopped, all clients disconnected")
			return
		case client := <-h.register:
			h.clients[client] = true
			log.Debug().Str("op", "api/ws_hub").Int("total", len(h.clients)).Msg("ws client connected")
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				log.Debug().Str("op", "api/ws_hub").Int("total", len(h.clients)).Msg("ws client disconnected")
			}
		case d := <-h.direct:
			if _, ok := h.clients[d.client]; ok {
				h.deliver(d.client, d.msg)
			}
		case msg := <-h.broadcast:
			for client := range h.clients {
				h.deliver(client, msg)
			}
		}
	}
}

// deliver drops clients that cannot keep up.
func (h *wsHub) deliver(client *wsClient, msg []byte) {
	select {
	case client.send <- msg:
	default:
		close(client.send)
		delete(h.clients, client)
	}
}

func (h *wsHub) Close() {
	close(h.done)
}

func encodeWS(msgType string, data any) []byte {
	payload, err := json.Marshal(wsMessage{Type: msgType, Data: data})
	if err != nil {
		log.Error().Str("op", "api/ws_hub").Err(err).Msg("ws marshal failed")
		return nil
	}
	return payload
}

// Broadcast sends a typed JSON message to every connected client.
func (h *wsHub) Broadcast(msgType string, data any) {
	payload := encodeWS(msgType, data)
	if payload == nil {
		return
	}
	select {
	case h.broadcast <- payload:
	case <-h.done:
	}
}

func (h *wsHub) reply(client *wsClient, msgType string, data any) {
	payload := encodeWS(msgType, data)
	if payload == nil {
		return
	}
	select {
	case h.direct <- wsDirect{client: client, msg: payload}:
	case <-h.done:
	}
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Str("op", "api/ws_hub").Err(err).Msg("ws upgrade failed")
		return
	}
	client := &wsClient{
		hub:  s.hub,
		conn: conn,
		send: make(chan []byte, 256),
	}
	select {
	case s.hub.register <- client:
	case <-s.hub.done:
		conn.Close()
		return
	}
	go client.writePump()
	go client.readPump()
	// the snapshot follows registration, so a client that has read it will
	// also receive every later event
	s.hub.reply(client, "downloads", s.ctrl.List())
}

// execute runs one client command against the controller.
func (s *Server) execute(cmd wsCommand) wsAck {
	ack := wsAck{Command: cmd.Type, ID: cmd.ID}
	var err error
	switch cmd.Type {
	case "start":
		var t *task.Task
		t, err = s.ctrl.Start(task.Request{URL: cmd.URL, DisplayName: cmd.DisplayName, DestinationDir: cmd.DestinationDirectory})
		if err == nil {
			ack.ID = t.ID
		}
	case "pause":
		err = s.ctrl.Pause(cmd.ID)
	case "resume":
		err = s.ctrl.Resume(cmd.ID)
	case "cancel":
		err = s.ctrl.Cancel(cmd.ID)
	case "rename":
		err = s.ctrl.Rename(cmd.ID, cmd.NewName)
	default:
		ack.Error = "unknown command"
		return ack
	}
	if err != nil {
		ack.Error = err.Error()
		return ack
	}
	ack.Success = true
	return ack
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(8192)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		var cmd wsCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			c.hub.reply(c, "ack", wsAck{Error: "invalid command"})
			continue
		}
		c.hub.reply(c, "ack", c.hub.server.execute(cmd))
	}
}
