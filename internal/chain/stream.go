package chain

import (
	"context"
	"fmt"
	"math/big"
	"math/rand"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/sugawarayuuta/sonnet"

	"github.com/rewired-gh/govpower/internal/logger"
	"github.com/rewired-gh/govpower/internal/models"
)

const (
	InitialBackoff = 1 * time.Second
	MaxBackoff     = 60 * time.Second
	BackoffFactor  = 2.0
	JitterPercent  = 0.2

	HeartbeatTimeout = 60 * time.Second
	PongTimeout      = 10 * time.Second
	WriteTimeout     = 10 * time.Second
)

// streamMessage is the union of messages pushed by the indexer feed.
type streamMessage struct {
	Type       string `json:"type"`
	Number     uint64 `json:"number"`
	Timestamp  int64  `json:"timestamp"`
	Address    string `json:"address"`
	ChangeType string `json:"change_type"`
	Amount     string `json:"amount"`
	TxHash     string `json:"tx_hash"`
}

type subscribeMessage struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels"`
}

// Stream listens to the indexer websocket feed. Block heads update the
// BlockTracker; power changes are forwarded on the events channel.
type Stream struct {
	url    string
	blocks *BlockTracker
	events chan<- models.ChangeEvent

	conn    *websocket.Conn
	connMu  sync.Mutex
	backoff time.Duration

	lastMsg   time.Time
	lastMsgMu sync.RWMutex

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewStream creates a stream listener. blocks may be nil.
func NewStream(url string, blocks *BlockTracker, events chan<- models.ChangeEvent) *Stream {
	return &Stream{
		url:      url,
		blocks:   blocks,
		events:   events,
		backoff:  InitialBackoff,
		stopChan: make(chan struct{}),
	}
}

// Start runs the listener with automatic reconnection until ctx is done or Stop is called.
func (s *Stream) Start(ctx context.Context) {
	s.wg.Add(2)
	go s.runLoop(ctx)
	go s.heartbeatMonitor(ctx)
}

// Stop closes the connection and waits for the listener goroutines.
func (s *Stream) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.closeConnection()
	s.wg.Wait()
}

func (s *Stream) runLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		if s.stopped(ctx) {
			return
		}

		if err := s.connect(ctx); err != nil {
			logger.Error("Stream connect failed (backoff %v): %v", s.backoff, err)
			s.waitBackoff(ctx)
			continue
		}

		if err := s.readLoop(ctx); err != nil {
			logger.Warn("Stream read error: %v", err)
		}
		s.closeConnection()

		if s.stopped(ctx) {
			return
		}
		s.waitBackoff(ctx)
	}
}

func (s *Stream) stopped(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-s.stopChan:
		return true
	default:
		return false
	}
}

func (s *Stream) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}

	conn, resp, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial failed with status %d: %w", resp.StatusCode, err)
		}
		return fmt.Errorf("dial failed: %w", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
	s.backoff = InitialBackoff
	logger.Info("Stream connected to %s", s.url)

	sub := subscribeMessage{Type: "subscribe", Channels: []string{"blocks", "power_changes"}}
	s.connMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(WriteTimeout))
	err = conn.WriteJSON(sub)
	s.connMu.Unlock()
	if err != nil {
		return fmt.Errorf("subscribe failed: %w", err)
	}

	s.updateLastMsg()
	return nil
}

func (s *Stream) readLoop(ctx context.Context) error {
	for {
		if s.stopped(ctx) {
			return nil
		}

		s.connMu.Lock()
		conn := s.conn
		s.connMu.Unlock()
		if conn == nil {
			return fmt.Errorf("connection is nil")
		}

		_ = conn.SetReadDeadline(time.Now().Add(HeartbeatTimeout + PongTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read error: %w", err)
		}
		s.updateLastMsg()
		s.handleMessage(data)
	}
}

func (s *Stream) handleMessage(data []byte) {
	var msg streamMessage
	if err := sonnet.Unmarshal(data, &msg); err != nil {
		logger.Debug("Stream parse error: %v", err)
		return
	}

	switch msg.Type {
	case "block":
		if s.blocks != nil {
			s.blocks.Observe(models.BlockRef{Number: msg.Number, Time: time.Unix(msg.Timestamp, 0).UTC()})
		}
	case "power_change":
		ev, err := parseChangeEvent(msg)
		if err != nil {
			logger.Warn("Dropping malformed power change: %v", err)
			return
		}
		select {
		case s.events <- ev:
		default:
			logger.Warn("Event queue full, dropped change for %s", ev.Address.Hex())
		}
	default:
		logger.Debug("Ignoring stream message type %q", msg.Type)
	}
}

func parseChangeEvent(msg streamMessage) (models.ChangeEvent, error) {
	if !common.IsHexAddress(msg.Address) {
		return models.ChangeEvent{}, fmt.Errorf("invalid address %q", msg.Address)
	}
	ct, err := models.ParseChangeType(msg.ChangeType)
	if err != nil {
		return models.ChangeEvent{}, err
	}
	amount := new(big.Int)
	if msg.Amount != "" {
		if _, ok := amount.SetString(msg.Amount, 10); !ok {
			return models.ChangeEvent{}, fmt.Errorf("invalid amount %q", msg.Amount)
		}
	}
	return models.ChangeEvent{
		Address: common.HexToAddress(msg.Address),
		Type:    ct,
		Amount:  amount,
		TxHash:  msg.TxHash,
	}, nil
}

func (s *Stream) heartbeatMonitor(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.checkHeartbeat()
		}
	}
}

func (s *Stream) checkHeartbeat() {
	s.lastMsgMu.RLock()
	last := s.lastMsg
	s.lastMsgMu.RUnlock()
	if last.IsZero() || time.Since(last) <= HeartbeatTimeout {
		return
	}

	logger.Warn("Stream heartbeat timeout after %v", time.Since(last))
	s.connMu.Lock()
	conn := s.conn
	var err error
	if conn != nil {
		_ = conn.SetWriteDeadline(time.Now().Add(WriteTimeout))
		err = conn.WriteMessage(websocket.PingMessage, nil)
	}
	s.connMu.Unlock()
	if err != nil {
		logger.Warn("Stream ping failed: %v", err)
		s.closeConnection()
	}
}

func (s *Stream) updateLastMsg() {
	s.lastMsgMu.Lock()
	s.lastMsg = time.Now()
	s.lastMsgMu.Unlock()
}

func (s *Stream) closeConnection() {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
		logger.Info("Stream disconnected")
	}
}

func (s *Stream) waitBackoff(ctx context.Context) {
	jitter := time.Duration(float64(s.backoff) * JitterPercent * (rand.Float64()*2 - 1))

	select {
	case <-ctx.Done():
	case <-s.stopChan:
	case <-time.After(s.backoff + jitter):
	}

	s.backoff = time.Duration(float64(s.backoff) * BackoffFactor)
	if s.backoff > MaxBackoff {
		s.backoff = MaxBackoff
	}
}
