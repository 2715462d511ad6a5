package telegram

import (
	"errors"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// botLogger 把 tgbotapi 的内部日志转到 zap
type botLogger struct {
	s *zap.SugaredLogger
}

func (l botLogger) Println(v ...interface{}) { l.s.Debug(v...) }

func (l botLogger) Printf(format string, v ...interface{}) { l.s.Debugf(format, v...) }

// Connect 使用 token 登录 Telegram Bot API
func Connect(token string, debug bool, logger *zap.Logger) (*tgbotapi.BotAPI, error) {
	if token == "" {
		return nil, errors.New("TELEGRAM_BOT_TOKEN is not set")
	}
	if err := tgbotapi.SetLogger(botLogger{s: logger.Named("tgbotapi").Sugar()}); err != nil {
		return nil, err
	}
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram 登录失败: %w", err)
	}
	api.Debug = debug
	logger.Info("Telegram 机器人已登录", zap.String("username", api.Self.UserName))
	return api, nil
}
