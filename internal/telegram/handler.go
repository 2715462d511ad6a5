package telegram

import (
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"telegram-grid-bot-go/internal/bot"
	"telegram-grid-bot-go/internal/crypto"
	"telegram-grid-bot-go/internal/exchange"
	"telegram-grid-bot-go/internal/models"
	"telegram-grid-bot-go/internal/persistence"
	"telegram-grid-bot-go/internal/reporter"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

var (
	apiKeyPattern    = regexp.MustCompile(`^[A-Za-z0-9]+$`)
	apiSecretPattern = regexp.MustCompile(`^[A-Za-z0-9/+=]+$`)
)

// 单条命令中交易所请求的超时
const commandTimeout = 30 * time.Second

const helpText = `<b>网格交易机器人</b>
/set_api_keys &lt;key&gt; &lt;secret&gt; - 保存API密钥
/check_api_keys - 查看已保存的密钥 (部分隐藏)
/set_params &lt;profit%&gt; &lt;fall%&gt; &lt;delay秒&gt; &lt;金额&gt; - 设置网格参数
/params - 查看当前参数
/autobuy [BASE/QUOTE] - 启动自动交易
/stop - 停止自动交易
/balance - 查看余额
/stats - 会话状态与交易统计
/profit_today - 今日利润
/profit_history &lt;天数&gt; - 最近N天利润
/profit_month - 最近30天利润
/profit_total - 全部利润`

// Sender 是发送消息的最小接口，*tgbotapi.BotAPI 实现了它
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	// Request 用于返回值不是消息的调用，例如删除消息
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// SessionController 控制用户的网格会话，*bot.Manager 实现了它
type SessionController interface {
	StartSession(userID int64, symbol string, params models.BotParameters, gw exchange.Gateway) (string, error)
	StopSession(userID int64) bool
	IsActive(userID int64) bool
	Snapshot(userID int64) (models.GridSession, bool)
}

// GatewayProvider 为用户创建交易所网关，*bot.Gateways 实现了它
type GatewayProvider interface {
	ForUser(user *models.UserRecord) (exchange.Gateway, error)
}

// Handler 解析 Telegram 命令并转发给各个组件，同时把会话事件推送回聊天
type Handler struct {
	sender   Sender
	users    persistence.UserRepository
	sessions SessionController
	gateways GatewayProvider
	reports  *reporter.Reporter
	adminID  int64
	logger   *zap.Logger

	wg sync.WaitGroup
}

// NewHandler 创建命令处理器
func NewHandler(sender Sender, users persistence.UserRepository, sessions SessionController, gateways GatewayProvider, reports *reporter.Reporter, adminID int64, logger *zap.Logger) *Handler {
	return &Handler{
		sender:   sender,
		users:    users,
		sessions: sessions,
		gateways: gateways,
		reports:  reports,
		adminID:  adminID,
		logger:   logger,
	}
}

// Poll 长轮询更新，直到 ctx 被取消。每条更新在独立的 goroutine 中处理。
func (h *Handler) Poll(ctx context.Context, api *tgbotapi.BotAPI, timeoutSec int) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = timeoutSec
	updates := api.GetUpdatesChan(u)
	h.logger.Info("开始接收 Telegram 更新", zap.String("bot", api.Self.UserName))

	for {
		select {
		case <-ctx.Done():
			api.StopReceivingUpdates()
			h.wg.Wait()
			return
		case update, ok := <-updates:
			if !ok {
				h.wg.Wait()
				return
			}
			h.wg.Add(1)
			go func() {
				defer h.wg.Done()
				h.HandleUpdate(ctx, update)
			}()
		}
	}
}

// HandleUpdate 处理一条更新。非命令消息被忽略。
func (h *Handler) HandleUpdate(ctx context.Context, update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil || !msg.IsCommand() {
		return
	}
	userID := msg.From.ID
	chatID := msg.Chat.ID
	args := strings.Fields(msg.CommandArguments())
	log := h.logger.With(zap.Int64("user_id", userID), zap.String("command", msg.Command()))
	log.Debug("收到命令")

	defer func() {
		if r := recover(); r != nil {
			log.Error("处理命令时发生 panic", zap.Any("panic", r))
			h.reply(chatID, "内部错误，请稍后再试。")
		}
	}()

	switch msg.Command() {
	case "start", "help":
		h.handleStart(userID, chatID)
	case "set_api_keys":
		h.handleSetAPIKeys(userID, chatID, msg.MessageID, args)
	case "check_api_keys":
		h.handleCheckAPIKeys(userID, chatID)
	case "set_params":
		h.handleSetParams(userID, chatID, args)
	case "params":
		h.handleParams(userID, chatID)
	case "autobuy":
		h.handleAutobuy(userID, chatID, args)
	case "stop":
		h.handleStop(userID, chatID)
	case "balance":
		h.handleBalance(ctx, userID, chatID)
	case "stats":
		h.handleStats(ctx, userID, chatID)
	case "profit_today":
		h.handleProfit(ctx, chatID, "今日", func(c context.Context) (float64, error) { return h.reports.ProfitToday(c, userID) })
	case "profit_history":
		days, err := parseDays(args)
		if err != nil {
			h.reply(chatID, err.Error())
			return
		}
		h.handleProfit(ctx, chatID, fmt.Sprintf("最近%d天", days), func(c context.Context) (float64, error) {
			return h.reports.ProfitPeriod(c, userID, days)
		})
	case "profit_month":
		h.handleProfit(ctx, chatID, "最近30天", func(c context.Context) (float64, error) { return h.reports.ProfitMonth(c, userID) })
	case "profit_total":
		h.handleProfit(ctx, chatID, "全部", func(c context.Context) (float64, error) { return h.reports.ProfitTotal(c, userID) })
	default:
		h.reply(chatID, "未知命令。\n\n"+helpText)
	}
}

func (h *Handler) handleStart(userID, chatID int64) {
	user, err := h.users.Get(userID)
	if err != nil {
		h.replyError(chatID, "读取用户信息失败", err)
		return
	}
	user.ChatID = chatID
	if err := h.users.Save(user); err != nil {
		h.replyError(chatID, "保存用户信息失败", err)
		return
	}
	h.reply(chatID, helpText)
}

func (h *Handler) handleSetAPIKeys(userID, chatID int64, messageID int, args []string) {
	// 密钥消息不保留在聊天记录中
	if _, err := h.sender.Request(tgbotapi.NewDeleteMessage(chatID, messageID)); err != nil {
		h.logger.Debug("删除密钥消息失败", zap.Int64("user_id", userID), zap.Error(err))
	}

	if len(args) != 2 {
		h.reply(chatID, "用法: /set_api_keys &lt;key&gt; &lt;secret&gt;")
		return
	}
	if !apiKeyPattern.MatchString(args[0]) {
		h.reply(chatID, "API key 格式无效，只能包含字母和数字。")
		return
	}
	if !apiSecretPattern.MatchString(args[1]) {
		h.reply(chatID, "API secret 格式无效。")
		return
	}
	if err := h.users.SetCredentials(userID, args[0], args[1]); err != nil {
		h.replyError(chatID, "保存密钥失败", err)
		return
	}
	h.reply(chatID, "API密钥已加密保存。")
}

func (h *Handler) handleCheckAPIKeys(userID, chatID int64) {
	key, secret, err := h.users.Credentials(userID)
	if errors.Is(err, persistence.ErrNoCredentials) {
		h.reply(chatID, "尚未设置API密钥，请使用 /set_api_keys。")
		return
	}
	if err != nil {
		h.replyError(chatID, "读取密钥失败", err)
		return
	}
	h.reply(chatID, fmt.Sprintf("API key: <code>%s</code>\nAPI secret: <code>%s</code>",
		html.EscapeString(crypto.Mask(key)), html.EscapeString(crypto.Mask(secret))))
}

func (h *Handler) handleSetParams(userID, chatID int64, args []string) {
	params, err := parseParams(args)
	if err != nil {
		h.reply(chatID, html.EscapeString(err.Error())+"\n用法: /set_params &lt;profit%&gt; &lt;fall%&gt; &lt;delay秒&gt; &lt;金额&gt;")
		return
	}
	if err := h.users.UpdateParams(userID, params); err != nil {
		h.replyError(chatID, "保存参数失败", err)
		return
	}
	text := "参数已更新:\n" + formatParams(params)
	if h.sessions.IsActive(userID) {
		text += "\n\n新参数将在下次 /autobuy 时生效。"
	}
	h.reply(chatID, text)
}

func (h *Handler) handleParams(userID, chatID int64) {
	user, err := h.users.Get(userID)
	if err != nil {
		h.replyError(chatID, "读取用户信息失败", err)
		return
	}
	status := "未运行"
	if h.sessions.IsActive(userID) {
		status = "运行中"
	}
	h.reply(chatID, fmt.Sprintf("交易对: %s\n%s\n状态: %s", html.EscapeString(user.Symbol), formatParams(user.Params), status))
}

func (h *Handler) handleAutobuy(userID, chatID int64, args []string) {
	user, err := h.users.Get(userID)
	if err != nil {
		h.replyError(chatID, "读取用户信息失败", err)
		return
	}
	symbol := user.Symbol
	if len(args) > 0 {
		symbol = strings.ToUpper(args[0])
	}
	if _, _, err := exchange.SplitSymbol(symbol); err != nil {
		h.reply(chatID, "交易对格式无效，应为 BASE/QUOTE，例如 KAS/USDT。")
		return
	}
	if h.sessions.IsActive(userID) {
		h.reply(chatID, "自动交易已在运行。使用 /stop 停止。")
		return
	}

	user.ChatID = chatID
	user.Symbol = symbol
	gw, err := h.gateways.ForUser(user)
	if errors.Is(err, persistence.ErrNoCredentials) {
		h.reply(chatID, "请先使用 /set_api_keys 设置API密钥。")
		return
	}
	if err != nil {
		h.replyError(chatID, "连接交易所失败", err)
		return
	}

	if err := h.users.Save(user); err != nil {
		closeGateway(gw)
		h.replyError(chatID, "保存用户信息失败", err)
		return
	}

	if _, err := h.sessions.StartSession(userID, symbol, user.Params, gw); err != nil {
		closeGateway(gw)
		if errors.Is(err, bot.ErrAlreadyRunning) {
			h.reply(chatID, "自动交易已在运行。使用 /stop 停止。")
			return
		}
		if errors.Is(err, bot.ErrStillStopping) {
			h.reply(chatID, "上一个会话仍在停止中，请稍后再试。")
			return
		}
		h.replyError(chatID, "启动失败", err)
		return
	}
	h.reply(chatID, fmt.Sprintf("正在启动 %s 自动交易...", html.EscapeString(symbol)))
}

func (h *Handler) handleStop(userID, chatID int64) {
	if !h.sessions.StopSession(userID) {
		h.reply(chatID, "没有运行中的自动交易。")
		return
	}
	h.reply(chatID, "正在停止，当前操作完成后退出。")
}

func (h *Handler) handleBalance(ctx context.Context, userID, chatID int64) {
	user, err := h.users.Get(userID)
	if err != nil {
		h.replyError(chatID, "读取用户信息失败", err)
		return
	}
	gw, err := h.gateways.ForUser(user)
	if errors.Is(err, persistence.ErrNoCredentials) {
		h.reply(chatID, "请先使用 /set_api_keys 设置API密钥。")
		return
	}
	if err != nil {
		h.replyError(chatID, "连接交易所失败", err)
		return
	}
	// 运行中的会话持有自己的网关，这里的临时网关用完即关
	defer closeGateway(gw)

	callCtx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	balances, err := gw.FetchBalance(callCtx)
	if err != nil {
		h.replyError(chatID, "查询余额失败", err)
		return
	}
	h.reply(chatID, "<b>余额</b>\n<pre>"+html.EscapeString(formatBalances(balances, user.Symbol))+"</pre>")
}

func (h *Handler) handleStats(ctx context.Context, userID, chatID int64) {
	var b strings.Builder
	if session, ok := h.sessions.Snapshot(userID); ok {
		fmt.Fprintf(&b, "会话: %s\n交易对: %s\n", html.EscapeString(session.SessionID), html.EscapeString(session.Symbol))
		if session.HasReference {
			fmt.Fprintf(&b, "锚定价: %g\n当前层级: %d\n", session.ReferencePrice, session.CurrentLevel)
		}
		fmt.Fprintf(&b, "持仓层级: %v\n", session.OpenLevels())
	} else {
		b.WriteString("当前没有运行中的会话。\n")
	}

	callCtx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	windows, err := h.reports.Windows(callCtx, userID)
	if err != nil {
		h.replyError(chatID, "统计失败", err)
		return
	}
	summary, err := h.reports.Summary(callCtx, userID, time.Time{})
	if err != nil {
		h.replyError(chatID, "统计失败", err)
		return
	}
	quote := h.quoteOf(userID)
	b.WriteString("<pre>")
	b.WriteString(html.EscapeString(reporter.RenderWindows(windows, quote)))
	b.WriteString("\n")
	b.WriteString(html.EscapeString(reporter.RenderSummary(summary, quote)))
	b.WriteString("</pre>")
	h.reply(chatID, b.String())
}

func (h *Handler) handleProfit(ctx context.Context, chatID int64, label string, query func(context.Context) (float64, error)) {
	callCtx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	profit, err := query(callCtx)
	if err != nil {
		h.replyError(chatID, "查询利润失败", err)
		return
	}
	h.reply(chatID, fmt.Sprintf("%s利润: %.4f", label, profit))
}

// HandleEvent 把会话事件推送到用户的聊天；致命事件同时抄送管理员
func (h *Handler) HandleEvent(event models.Event) {
	chatID := event.UserID
	if user, err := h.users.Get(event.UserID); err == nil && user.ChatID != 0 {
		chatID = user.ChatID
	}
	h.reply(chatID, html.EscapeString(event.Message))

	if h.adminID == 0 || h.adminID == event.UserID {
		return
	}
	if event.Kind == models.EventError || event.Kind == models.EventInsufficientFunds {
		h.reply(h.adminID, fmt.Sprintf("用户 %d: %s", event.UserID, html.EscapeString(event.Message)))
	}
}

func (h *Handler) quoteOf(userID int64) string {
	user, err := h.users.Get(userID)
	if err != nil {
		return ""
	}
	_, quote, _ := exchange.SplitSymbol(user.Symbol)
	return quote
}

func (h *Handler) reply(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true
	if _, err := h.sender.Send(msg); err != nil {
		h.logger.Warn("发送 Telegram 消息失败", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}

func (h *Handler) replyError(chatID int64, prefix string, err error) {
	h.logger.Warn(prefix, zap.Int64("chat_id", chatID), zap.Error(err))
	h.reply(chatID, fmt.Sprintf("%s: %s", prefix, html.EscapeString(err.Error())))
}

func closeGateway(gw exchange.Gateway) {
	if closer, ok := gw.(io.Closer); ok {
		_ = closer.Close()
	}
}

// parseParams 解析 /set_params 的四个参数，全部必须为正数
func parseParams(args []string) (models.BotParameters, error) {
	if len(args) != 4 {
		return models.BotParameters{}, errors.New("需要4个参数")
	}
	var values [4]float64
	for i, arg := range args {
		v, err := strconv.ParseFloat(arg, 64)
		if err != nil || v <= 0 {
			return models.BotParameters{}, fmt.Errorf("参数 %q 必须是正数", arg)
		}
		values[i] = v
	}
	delay, err := strconv.Atoi(args[2])
	if err != nil {
		return models.BotParameters{}, fmt.Errorf("延迟 %q 必须是正整数秒", args[2])
	}
	params := models.BotParameters{
		ProfitPercentage: values[0],
		FallPercentage:   values[1],
		DelaySeconds:     delay,
		OrderSize:        values[3],
	}
	return params, params.Validate()
}

func parseDays(args []string) (int, error) {
	if len(args) != 1 {
		return 0, errors.New("用法: /profit_history &lt;天数&gt;")
	}
	days, err := strconv.Atoi(args[0])
	if err != nil || days <= 0 {
		return 0, fmt.Errorf("天数 %q 必须是正整数", html.EscapeString(args[0]))
	}
	return days, nil
}

func formatParams(p models.BotParameters) string {
	return fmt.Sprintf("止盈: %g%%\n每格下跌: %g%%\n轮询间隔: %d秒\n每次买入: %g", p.ProfitPercentage, p.FallPercentage, p.DelaySeconds, p.OrderSize)
}

// formatBalances 先列出交易对的两种资产，再列出其他非零资产
func formatBalances(balances models.Balances, symbol string) string {
	var assets []string
	seen := make(map[string]bool)
	if base, quote, err := exchange.SplitSymbol(symbol); err == nil {
		assets = append(assets, base, quote)
		seen[base], seen[quote] = true, true
	}
	var others []string
	for asset, b := range balances {
		if !seen[asset] && b.Free+b.Locked > 0 {
			others = append(others, asset)
		}
	}
	sort.Strings(others)
	assets = append(assets, others...)

	var b strings.Builder
	for _, asset := range assets {
		bal := balances[asset]
		fmt.Fprintf(&b, "%-6s free %.8g  locked %.8g\n", asset, bal.Free, bal.Locked)
	}
	return strings.TrimRight(b.String(), "\n")
}
