package models

import (
	"sort"
	"time"
)

// GridSession 是单个用户在一次自动交易中的全部内存状态。
// 会话结束后即丢弃，不做持久化。
type GridSession struct {
	SessionID      string           `json:"session_id"`
	UserID         int64            `json:"user_id"`
	Symbol         string           `json:"symbol"`          // 交易对, e.g., "KAS/USDT"
	ReferencePrice float64          `json:"reference_price"` // 网格锚定价，HasReference 为 false 时无意义
	HasReference   bool             `json:"has_reference"`
	CurrentLevel   int              `json:"current_level"`  // 自上次锚定以来到达过的最深网格层级
	LevelExecuted  map[int]bool     `json:"level_executed"` // 【核心】层级 -> 是否持有未平仓的买入
	Tranches       map[int]*Tranche `json:"tranches"`
	Running        bool             `json:"running"`
	StartedAt      time.Time        `json:"started_at"`
}

// Tranche 记录某一层级的一笔买入持仓。
type Tranche struct {
	Level          int       `json:"level"`
	Quantity       float64   `json:"quantity"`        // 实际成交数量
	ReferencePrice float64   `json:"reference_price"` // 买入时的锚定价 (即成交时的卖一价)
	SellPrice      float64   `json:"sell_price"`      // 已按价格精度取整的止盈价
	SellOrderID    string    `json:"sell_order_id,omitempty"`
	BoughtAt       time.Time `json:"bought_at"`
}

// NewGridSession 创建一个尚未锚定的会话
func NewGridSession(sessionID string, userID int64, symbol string) *GridSession {
	return &GridSession{
		SessionID:     sessionID,
		UserID:        userID,
		Symbol:        symbol,
		LevelExecuted: make(map[int]bool),
		Tranches:      make(map[int]*Tranche),
		StartedAt:     time.Now(),
	}
}

// Anchor 设置新的网格锚点，并清空层级与持仓标记。
func (s *GridSession) Anchor(price float64) {
	s.ReferencePrice = price
	s.HasReference = true
	s.CurrentLevel = 0
	s.LevelExecuted = make(map[int]bool)
	s.Tranches = make(map[int]*Tranche)
}

// MoveAnchor 在买入成交后把锚定价移到成交价。
// 层级计数只增不减，未平仓的持仓保留，由卖出逻辑逐一平仓。
func (s *GridSession) MoveAnchor(price float64) {
	s.ReferencePrice = price
	s.HasReference = true
}

// OpenLevels 返回当前持有未平仓买入的层级，升序
func (s *GridSession) OpenLevels() []int {
	levels := make([]int, 0, len(s.LevelExecuted))
	for level, executed := range s.LevelExecuted {
		if executed {
			levels = append(levels, level)
		}
	}
	sort.Ints(levels)
	return levels
}

// Snapshot 返回会话的深拷贝，供其他 goroutine 安全读取
func (s *GridSession) Snapshot() GridSession {
	snapshot := *s
	snapshot.LevelExecuted = make(map[int]bool, len(s.LevelExecuted))
	for k, v := range s.LevelExecuted {
		snapshot.LevelExecuted[k] = v
	}
	snapshot.Tranches = make(map[int]*Tranche, len(s.Tranches))
	for k, v := range s.Tranches {
		if v != nil {
			trancheCopy := *v
			snapshot.Tranches[k] = &trancheCopy
		}
	}
	return snapshot
}

// UserRecord 是用户存储中的一条记录
type UserRecord struct {
	UserID             int64         `json:"user_id"`
	APIKeyEncrypted    string        `json:"api_key_encrypted,omitempty"`
	APISecretEncrypted string        `json:"api_secret_encrypted,omitempty"`
	Params             BotParameters `json:"params"`
	Symbol             string        `json:"symbol,omitempty"`
	ChatID             int64         `json:"chat_id,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

// HasCredentials 判断是否已保存API密钥
func (u *UserRecord) HasCredentials() bool {
	return u.APIKeyEncrypted != "" && u.APISecretEncrypted != ""
}
