package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"telegram-grid-bot-go/internal/models"

	"gopkg.in/yaml.v3"
)

const (
	defaultLiveAPIURL    = "https://api.binance.com"
	defaultLiveWSURL     = "wss://stream.binance.com:9443"
	defaultTestnetAPIURL = "https://testnet.binance.vision"
	defaultTestnetWSURL  = "wss://testnet.binance.vision"
)

// LoadConfig 从指定路径加载配置文件 (JSON 或 YAML，按扩展名判断)，
// 填充默认值并校验。
func LoadConfig(path string) (*models.Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	config := &models.Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.NewDecoder(file).Decode(config)
	default:
		err = json.NewDecoder(file).Decode(config)
	}
	if err != nil {
		return nil, fmt.Errorf("解析配置文件 %s 失败: %w", path, err)
	}

	ApplyDefaults(config)
	if err := Validate(config); err != nil {
		return nil, err
	}
	return config, nil
}

// ApplyDefaults 为未设置的字段填充默认值
func ApplyDefaults(cfg *models.Config) {
	if cfg.Mode == "" {
		cfg.Mode = "live"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "data/users"
	}
	if cfg.LedgerPath == "" {
		cfg.LedgerPath = "data/ledger.db"
	}
	if cfg.LiveAPIURL == "" {
		cfg.LiveAPIURL = defaultLiveAPIURL
	}
	if cfg.LiveWSURL == "" {
		cfg.LiveWSURL = defaultLiveWSURL
	}
	if cfg.TestnetAPIURL == "" {
		cfg.TestnetAPIURL = defaultTestnetAPIURL
	}
	if cfg.TestnetWSURL == "" {
		cfg.TestnetWSURL = defaultTestnetWSURL
	}
	if cfg.DefaultSymbol == "" {
		cfg.DefaultSymbol = "KAS/USDT"
	}
	if cfg.DefaultParams == (models.BotParameters{}) {
		cfg.DefaultParams = models.DefaultBotParameters()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10
	}
	if cfg.RateLimitPerSec <= 0 {
		cfg.RateLimitPerSec = 5
	}
	if cfg.StreamMaxAgeSec <= 0 {
		cfg.StreamMaxAgeSec = 5
	}
	if cfg.PaperQuoteFunds <= 0 {
		cfg.PaperQuoteFunds = 1000
	}
	if cfg.EventBufferSize <= 0 {
		cfg.EventBufferSize = 1024
	}
	if cfg.TelegramPollSec <= 0 {
		cfg.TelegramPollSec = 60
	}
	if cfg.ShutdownGraceSec <= 0 {
		cfg.ShutdownGraceSec = 10
	}
	if cfg.LogConfig.Level == "" {
		cfg.LogConfig.Level = "info"
	}
	if cfg.LogConfig.Output == "" {
		cfg.LogConfig.Output = "console"
	}

	if cfg.IsTestnet {
		cfg.BaseURL = cfg.TestnetAPIURL
		cfg.WSBaseURL = cfg.TestnetWSURL
	} else {
		cfg.BaseURL = cfg.LiveAPIURL
		cfg.WSBaseURL = cfg.LiveWSURL
	}
}

// Validate 检查配置是否可以启动
func Validate(cfg *models.Config) error {
	switch cfg.Mode {
	case "live", "paper":
	default:
		return fmt.Errorf("未知的运行模式: %s (可选 live 或 paper)", cfg.Mode)
	}
	if !strings.Contains(cfg.DefaultSymbol, "/") {
		return fmt.Errorf("default_symbol 必须是 BASE/QUOTE 格式, got %q", cfg.DefaultSymbol)
	}
	if err := cfg.DefaultParams.Validate(); err != nil {
		return fmt.Errorf("default_params 无效: %w", err)
	}
	if cfg.LogConfig.Output != "console" && cfg.LogConfig.File == "" {
		return fmt.Errorf("日志输出为 %s 时必须设置 log.file", cfg.LogConfig.Output)
	}
	return nil
}
