package pixles

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/gorilla/websocket"
)

type TransportSettings struct {
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	PingInterval   time.Duration
	MaxMessageSize ByteCount
	SendBufferSize int
	CheckOrigin    func(r *http.Request) bool
}

func DefaultTransportSettings() *TransportSettings {
	return &TransportSettings{
		WriteTimeout:   5 * time.Second,
		ReadTimeout:    60 * time.Second,
		PingInterval:   15 * time.Second,
		MaxMessageSize: kib(512),
		SendBufferSize: 256,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

// buffered outgoing queue for one websocket connection
type connSink struct {
	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newConnSink(bufferSize int) *connSink {
	return &connSink{
		send:   make(chan []byte, bufferSize),
		closed: make(chan struct{}),
	}
}

func (self *connSink) Send(message []byte) bool {
	select {
	case <-self.closed:
		return false
	default:
	}
	select {
	case self.send <- message:
		return true
	default:
		// saturated
		return false
	}
}

func (self *connSink) Close() {
	self.closeOnce.Do(func() {
		close(self.closed)
	})
}

type WsServer struct {
	engine   *Engine
	tokens   *TokenAuthority
	settings *TransportSettings
	upgrader websocket.Upgrader
}

func NewWsServerWithDefaults(engine *Engine, tokens *TokenAuthority) *WsServer {
	return NewWsServer(engine, tokens, DefaultTransportSettings())
}

func NewWsServer(engine *Engine, tokens *TokenAuthority, settings *TransportSettings) *WsServer {
	return &WsServer{
		engine:   engine,
		tokens:   tokens,
		settings: settings,
		upgrader: websocket.Upgrader{
			CheckOrigin: settings.CheckOrigin,
		},
	}
}

func (self *WsServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[t]upgrade error = %s\n", err)
		return
	}

	connectionId := NewId()
	sink := newConnSink(self.settings.SendBufferSize)
	self.engine.Connect(connectionId, sink)

	go self.writePump(connectionId, ws, sink)
	self.readPump(connectionId, ws, sink)
}

func (self *WsServer) writePump(connectionId Id, ws *websocket.Conn, sink *connSink) {
	defer ws.Close()

	ticker := time.NewTicker(self.settings.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sink.closed:
			ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case message := <-sink.send:
			ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
				// a deadline timeout cannot be recovered on a websocket
				glog.V(1).Infof("[ts]%s-> error = %s\n", connectionId, err)
				return
			}
			glog.V(2).Infof("[ts]%s->\n", connectionId)
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (self *WsServer) readPump(connectionId Id, ws *websocket.Conn, sink *connSink) {
	defer func() {
		self.engine.Disconnect(connectionId)
		sink.Close()
		ws.Close()
	}()

	ws.SetReadLimit(self.settings.MaxMessageSize)
	ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		return nil
	})

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			glog.V(1).Infof("[tr]%s<- closed = %s\n", connectionId, err)
			return
		}
		self.dispatch(connectionId, message)
	}
}

// decodes one inbound envelope and hands it to the engine. Malformed
// messages, bad tokens, and unknown types are dropped with no state change.
// One bad message never tears the connection down.
func (self *WsServer) dispatch(connectionId Id, message []byte) {
	var envelope Envelope
	if err := json.Unmarshal(message, &envelope); err != nil {
		glog.V(2).Infof("[tr]%s<- drop bad envelope\n", connectionId)
		return
	}

	switch envelope.Type {
	case MessageIdentify:
		var payload IdentifyPayload
		if envelope.Payload == nil || json.Unmarshal(envelope.Payload, &payload) != nil {
			return
		}
		identity, err := self.tokens.Verify(payload.Token)
		if err != nil {
			glog.V(1).Infof("[tr]%s<- bad identify token\n", connectionId)
			return
		}
		self.engine.Identify(connectionId, identity)
	case MessageCursor:
		var payload CursorPayload
		if envelope.Payload == nil || json.Unmarshal(envelope.Payload, &payload) != nil {
			return
		}
		self.engine.MoveCursor(connectionId, payload.X, payload.Y, payload.Name)
	case MessagePlaceCell:
		var payload PlaceCellPayload
		if envelope.Payload == nil || json.Unmarshal(envelope.Payload, &payload) != nil {
			return
		}
		if !ValidColor(payload.Color) {
			return
		}
		self.engine.PlaceCell(connectionId, payload.X, payload.Y, payload.Color, payload.Effect)
	case MessagePlaceCells:
		var payload PlaceCellsPayload
		if envelope.Payload == nil || json.Unmarshal(envelope.Payload, &payload) != nil {
			return
		}
		if !ValidColor(payload.Color) || len(payload.Positions) == 0 {
			return
		}
		self.engine.PlaceCells(connectionId, payload.Positions, payload.Color, payload.Tool, payload.Size, payload.Effect)
	case MessageWipe:
		self.engine.Wipe(connectionId)
	default:
		glog.V(2).Infof("[tr]%s<- drop unknown type %s\n", connectionId, envelope.Type)
	}
}
