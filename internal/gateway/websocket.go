package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/tradecore/execengine/pkg/observability"
)

// wireMessage is the generic envelope this session speaks: a request id
// correlates a submit/cancel/modify call with its response frame, and "type"
// discriminates request/response/event frames on the wire.
type wireMessage struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// WebSocketSession is a protocol-agnostic JSON-over-websocket ExchangeSession.
// Concurrent writers are not supported by gorilla/websocket on one
// connection, so every write funnels through a single send goroutine and
// channel.
type WebSocketSession struct {
	url    string
	apiKey string
	logger *observability.Logger

	dialTimeout time.Duration
	pongWait    time.Duration

	mu       sync.Mutex
	conn     *websocket.Conn
	pending  map[string]chan wireMessage
	sendCh   chan wireMessage
	events   chan SessionEvent
	closed   chan struct{}
	closeOnce sync.Once
}

// NewWebSocketSession constructs a session that will dial url on Connect.
// apiKey, if non-empty, is already-unwrapped plaintext (see
// internal/credential) and is sent as the X-MBX-APIKEY handshake header the
// way Binance's own user-data-stream dial expects.
func NewWebSocketSession(url, apiKey string, logger *observability.Logger) *WebSocketSession {
	return &WebSocketSession{
		url:         url,
		apiKey:      apiKey,
		logger:      logger,
		dialTimeout: 10 * time.Second,
		pongWait:    60 * time.Second,
		pending:     make(map[string]chan wireMessage),
		sendCh:      make(chan wireMessage, 256),
		events:      make(chan SessionEvent, 1024),
		closed:      make(chan struct{}),
	}
}

// Connect dials the exchange endpoint and starts the read/write pumps.
func (s *WebSocketSession) Connect() error {
	dialer := websocket.DefaultDialer
	dialer.HandshakeTimeout = s.dialTimeout

	var header http.Header
	if s.apiKey != "" {
		header = http.Header{"X-MBX-APIKEY": []string{s.apiKey}}
	}
	conn, _, err := dialer.Dial(s.url, header)
	if err != nil {
		return fmt.Errorf("gateway: dial %s: %w", s.url, err)
	}
	conn.SetReadDeadline(time.Now().Add(s.pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.pongWait))
		return nil
	})

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	go s.writePump()
	go s.readPump()

	s.events <- SessionEvent{Type: EventConnectionStatus, Connection: ConnectionStatus{Connected: true, Timestamp: time.Now()}}
	return nil
}

func (s *WebSocketSession) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.closed:
			return
		case msg := <-s.sendCh:
			s.mu.Lock()
			conn := s.conn
			s.mu.Unlock()
			if conn == nil {
				continue
			}
			if err := conn.WriteJSON(msg); err != nil && s.logger != nil {
				s.logger.Warn(context.Background(), "gateway write failed", map[string]interface{}{"error": err.Error()})
			}
		case <-ticker.C:
			s.mu.Lock()
			conn := s.conn
			s.mu.Unlock()
			if conn != nil {
				_ = conn.WriteMessage(websocket.PingMessage, nil)
			}
		}
	}
}

func (s *WebSocketSession) readPump() {
	defer s.Close()
	for {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn == nil {
			return
		}

		var msg wireMessage
		if err := conn.ReadJSON(&msg); err != nil {
			select {
			case <-s.closed:
			default:
				s.events <- SessionEvent{Type: EventConnectionStatus, Connection: ConnectionStatus{Connected: false, Reason: err.Error(), Timestamp: time.Now()}}
			}
			return
		}

		switch msg.Type {
		case "response":
			s.mu.Lock()
			ch, ok := s.pending[msg.RequestID]
			if ok {
				delete(s.pending, msg.RequestID)
			}
			s.mu.Unlock()
			if ok {
				ch <- msg
			}
		case "order_update":
			var u OrderUpdate
			if json.Unmarshal(msg.Payload, &u) == nil {
				s.events <- SessionEvent{Type: EventOrderUpdate, Order: u}
			}
		case "position_update":
			var p PositionUpdate
			if json.Unmarshal(msg.Payload, &p) == nil {
				s.events <- SessionEvent{Type: EventPositionUpdate, Position: p}
			}
		case "account_update":
			var a AccountUpdate
			if json.Unmarshal(msg.Payload, &a) == nil {
				s.events <- SessionEvent{Type: EventAccountUpdate, Account: a}
			}
		}
	}
}

// request sends a correlated request frame and waits (bounded) for its
// matching response.
func (s *WebSocketSession) request(reqType string, payload interface{}, timeout time.Duration) (wireMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return wireMessage{}, fmt.Errorf("gateway: marshal request: %w", err)
	}
	reqID := fmt.Sprintf("%d", time.Now().UnixNano())
	reply := make(chan wireMessage, 1)

	s.mu.Lock()
	s.pending[reqID] = reply
	s.mu.Unlock()

	select {
	case s.sendCh <- wireMessage{Type: reqType, RequestID: reqID, Payload: body}:
	case <-s.closed:
		return wireMessage{}, fmt.Errorf("gateway: session closed")
	}

	select {
	case resp := <-reply:
		return resp, nil
	case <-time.After(timeout):
		s.mu.Lock()
		delete(s.pending, reqID)
		s.mu.Unlock()
		return wireMessage{}, fmt.Errorf("gateway: request %s timed out", reqType)
	case <-s.closed:
		return wireMessage{}, fmt.Errorf("gateway: session closed")
	}
}

// SubmitOrder implements ExchangeSession.
func (s *WebSocketSession) SubmitOrder(req OrderRequest) (OrderAck, error) {
	resp, err := s.request("submit_order", req, 5*time.Second)
	if err != nil {
		return OrderAck{}, err
	}
	var ack OrderAck
	if err := json.Unmarshal(resp.Payload, &ack); err != nil {
		return OrderAck{}, fmt.Errorf("gateway: decode submit response: %w", err)
	}
	return ack, nil
}

// CancelOrder implements ExchangeSession.
func (s *WebSocketSession) CancelOrder(exchangeOrderID string) error {
	_, err := s.request("cancel_order", map[string]string{"exchange_order_id": exchangeOrderID}, 5*time.Second)
	return err
}

// ModifyOrder implements ExchangeSession.
func (s *WebSocketSession) ModifyOrder(exchangeOrderID string, quantity, price decimal.Decimal) error {
	_, err := s.request("modify_order", map[string]interface{}{
		"exchange_order_id": exchangeOrderID,
		"quantity":          quantity.String(),
		"price":             price.String(),
	}, 5*time.Second)
	return err
}

// Events implements ExchangeSession.
func (s *WebSocketSession) Events() <-chan SessionEvent { return s.events }

// Close implements ExchangeSession. Idempotent.
func (s *WebSocketSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		s.mu.Lock()
		if s.conn != nil {
			err = s.conn.Close()
		}
		s.mu.Unlock()
	})
	return err
}
