package exchange

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"telegram-grid-bot-go/internal/models"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	streamPongWait       = 60 * time.Second
	streamPingPeriod     = (streamPongWait * 9) / 10 // 必须小于 pongWait
	streamReconnectDelay = 5 * time.Second
)

// BookTickerStream 订阅 <symbol>@bookTicker，缓存最新的最优买卖价。
// 连接断开后自动重连，直到 Stop 被调用。
type BookTickerStream struct {
	url    string
	symbol string
	dialer *websocket.Dialer
	logger *zap.Logger

	mu        sync.RWMutex
	conn      *websocket.Conn
	latest    models.Ticker
	updatedAt time.Time

	reconnectDelay time.Duration
	stopChannel    chan struct{}
	stopOnce       sync.Once
	done           chan struct{}
}

// bookTickerMessage 是币安 bookTicker 推送的原始格式
type bookTickerMessage struct {
	UpdateID int64  `json:"u"`
	Symbol   string `json:"s"`
	BidPrice string `json:"b"`
	BidQty   string `json:"B"`
	AskPrice string `json:"a"`
	AskQty   string `json:"A"`
}

// NewBookTickerStream 创建一个盘口流，symbol 使用 "KAS/USDT" 格式
func NewBookTickerStream(wsBaseURL, symbol string, logger *zap.Logger) *BookTickerStream {
	return &BookTickerStream{
		url:            fmt.Sprintf("%s/ws/%s@bookTicker", strings.TrimRight(wsBaseURL, "/"), strings.ToLower(NativeSymbol(symbol))),
		symbol:         symbol,
		dialer:         websocket.DefaultDialer,
		logger:         logger.With(zap.String("stream", "bookTicker"), zap.String("symbol", symbol)),
		reconnectDelay: streamReconnectDelay,
		stopChannel:    make(chan struct{}),
		done:           make(chan struct{}),
	}
}

// Start 在后台启动连接维护循环
func (s *BookTickerStream) Start() {
	go s.loop()
}

// Stop 关闭连接并等待后台循环退出
func (s *BookTickerStream) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChannel)
		s.mu.Lock()
		if s.conn != nil {
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			s.conn.Close()
		}
		s.mu.Unlock()
	})
	<-s.done
}

// Latest 返回缓存的盘口；超过 maxAge 或尚未收到推送时 ok 为 false
func (s *BookTickerStream) Latest(maxAge time.Duration) (models.Ticker, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.updatedAt.IsZero() || time.Since(s.updatedAt) > maxAge {
		return models.Ticker{}, false
	}
	return s.latest, true
}

// loop 负责维持连接和重连
func (s *BookTickerStream) loop() {
	defer close(s.done)
	for {
		select {
		case <-s.stopChannel:
			return
		default:
		}

		conn, _, err := s.dialer.Dial(s.url, nil)
		if err != nil {
			s.logger.Warn("盘口流连接失败，稍后重试", zap.Error(err), zap.Duration("retry_in", s.reconnectDelay))
			if !s.sleep() {
				return
			}
			continue
		}

		s.mu.Lock()
		select {
		case <-s.stopChannel:
			s.mu.Unlock()
			conn.Close()
			return
		default:
		}
		s.conn = conn
		s.mu.Unlock()

		s.logger.Info("盘口流连接成功")
		if err := s.readMessages(conn); err != nil {
			select {
			case <-s.stopChannel:
				return
			default:
			}
			s.logger.Warn("盘口流断开，准备重连", zap.Error(err))
		}
		conn.Close()

		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()

		if !s.sleep() {
			return
		}
	}
}

// readMessages 为一个已建立的连接读取消息并维持心跳，直到连接出错
func (s *BookTickerStream) readMessages(conn *websocket.Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})

	pingStop := make(chan struct{})
	defer close(pingStop)
	go func() {
		pingTicker := time.NewTicker(streamPingPeriod)
		defer pingTicker.Stop()
		for {
			select {
			case <-pingTicker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					return
				}
			case <-pingStop:
				return
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("读取消息失败: %w", err)
		}
		// 服务端推送数据也算存活
		_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))

		ticker, err := parseBookTicker(message)
		if err != nil {
			s.logger.Debug("忽略无法解析的盘口消息", zap.Error(err))
			continue
		}
		ticker.Symbol = s.symbol

		s.mu.Lock()
		s.latest = ticker
		s.updatedAt = time.Now()
		s.mu.Unlock()
	}
}

func (s *BookTickerStream) sleep() bool {
	select {
	case <-s.stopChannel:
		return false
	case <-time.After(s.reconnectDelay):
		return true
	}
}

func parseBookTicker(message []byte) (models.Ticker, error) {
	var msg bookTickerMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		return models.Ticker{}, err
	}
	bid, err := strconv.ParseFloat(msg.BidPrice, 64)
	if err != nil {
		return models.Ticker{}, fmt.Errorf("bid: %w", err)
	}
	ask, err := strconv.ParseFloat(msg.AskPrice, 64)
	if err != nil {
		return models.Ticker{}, fmt.Errorf("ask: %w", err)
	}
	if bid <= 0 || ask <= 0 {
		return models.Ticker{}, fmt.Errorf("non-positive quote bid=%v ask=%v", bid, ask)
	}
	return models.Ticker{Symbol: msg.Symbol, Bid: bid, Ask: ask, Last: bid}, nil
}
