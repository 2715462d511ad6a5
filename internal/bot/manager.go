package bot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"telegram-grid-bot-go/internal/exchange"
	"telegram-grid-bot-go/internal/models"
	"telegram-grid-bot-go/internal/registry"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrAlreadyRunning 表示该用户已有一个正在运行的会话
var ErrAlreadyRunning = errors.New("automatic trading is already running")

// ErrStillStopping 表示上一个会话已收到停止请求，但当前操作尚未结束
var ErrStillStopping = errors.New("previous session is still stopping")

// Manager 管理所有用户的网格会话，每个用户最多一个。
type Manager struct {
	ctx      context.Context
	registry *registry.Registry
	ledger   Ledger
	events   EventDispatcher
	logger   *zap.Logger

	mu      sync.Mutex
	engines map[int64]*Engine
	wg      sync.WaitGroup
}

// NewManager 创建会话管理器。ctx 被取消时所有会话都会退出。
func NewManager(ctx context.Context, reg *registry.Registry, ledger Ledger, events EventDispatcher, logger *zap.Logger) *Manager {
	return &Manager{
		ctx:      ctx,
		registry: reg,
		ledger:   ledger,
		events:   events,
		logger:   logger,
		engines:  make(map[int64]*Engine),
	}
}

// StartSession 为用户启动一个新的网格会话。
// 参数或交易对无效时直接返回错误，会话不会启动；
// 已在运行时返回 ErrAlreadyRunning，上一个会话仍在退出时返回 ErrStillStopping，
// 两种情况都不会创建第二个循环。
func (m *Manager) StartSession(userID int64, symbol string, params models.BotParameters, gw exchange.Gateway) (string, error) {
	if gw == nil {
		return "", errors.New("exchange gateway is required")
	}
	if err := params.Validate(); err != nil {
		return "", fmt.Errorf("invalid parameters: %w", err)
	}
	if _, _, err := exchange.SplitSymbol(symbol); err != nil {
		return "", err
	}

	// 旧引擎从 engines 中移除之前，同一用户不能启动新会话
	m.mu.Lock()
	if _, exists := m.engines[userID]; exists {
		m.mu.Unlock()
		if m.registry.IsActive(userID) {
			return "", ErrAlreadyRunning
		}
		return "", ErrStillStopping
	}
	if !m.registry.Start(userID) {
		m.mu.Unlock()
		return "", ErrAlreadyRunning
	}

	session := models.NewGridSession(uuid.NewString(), userID, symbol)
	engine, err := NewEngine(session, params, gw, m.ledger, m.registry, m.events, m.logger)
	if err != nil {
		m.registry.Stop(userID)
		m.mu.Unlock()
		return "", err
	}
	m.engines[userID] = engine
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		_ = engine.Run(m.ctx)

		if closer, ok := gw.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				m.logger.Warn("关闭交易所网关失败", zap.Int64("user_id", userID), zap.Error(err))
			}
		}

		m.mu.Lock()
		if m.engines[userID] == engine {
			delete(m.engines, userID)
		}
		m.mu.Unlock()
	}()

	m.logger.Info("网格会话已启动", zap.Int64("user_id", userID), zap.String("symbol", symbol), zap.String("session_id", session.SessionID))
	return session.SessionID, nil
}

// StopSession 清除运行标记并唤醒引擎。返回此前是否在运行。
// 正在进行的交易所请求不会被中断。
func (m *Manager) StopSession(userID int64) bool {
	wasActive := m.registry.Stop(userID)

	m.mu.Lock()
	engine := m.engines[userID]
	m.mu.Unlock()
	if engine != nil {
		engine.Wake()
	}
	return wasActive
}

// IsActive 查询用户是否有运行中的会话
func (m *Manager) IsActive(userID int64) bool {
	return m.registry.IsActive(userID)
}

// Snapshot 返回用户会话状态的副本
func (m *Manager) Snapshot(userID int64) (models.GridSession, bool) {
	m.mu.Lock()
	engine := m.engines[userID]
	m.mu.Unlock()
	if engine == nil {
		return models.GridSession{}, false
	}
	return engine.Snapshot(), true
}

// Sessions 返回所有会话的副本，按用户ID排序
func (m *Manager) Sessions() []models.GridSession {
	m.mu.Lock()
	engines := make([]*Engine, 0, len(m.engines))
	for _, e := range m.engines {
		engines = append(engines, e)
	}
	m.mu.Unlock()

	sessions := make([]models.GridSession, 0, len(engines))
	for _, e := range engines {
		sessions = append(sessions, e.Snapshot())
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].UserID < sessions[j].UserID })
	return sessions
}

// StopAll 停止所有会话
func (m *Manager) StopAll() {
	for _, userID := range m.registry.Active() {
		m.StopSession(userID)
	}
}

// Wait 等待所有会话的 goroutine 退出
func (m *Manager) Wait() {
	m.wg.Wait()
}
