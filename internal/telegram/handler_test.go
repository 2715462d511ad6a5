package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"telegram-grid-bot-go/internal/bot"
	"telegram-grid-bot-go/internal/crypto"
	"telegram-grid-bot-go/internal/exchange"
	"telegram-grid-bot-go/internal/models"
	"telegram-grid-bot-go/internal/persistence"
	"telegram-grid-bot-go/internal/reporter"
	"telegram-grid-bot-go/internal/storage"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testUser  int64 = 42
	testChat  int64 = 4242
	testAdmin int64 = 1
)

type sentMessage struct {
	chatID int64
	text   string
}

type fakeSender struct {
	mu       sync.Mutex
	messages []sentMessage
	deleted  []int
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := c.(tgbotapi.MessageConfig); ok {
		f.messages = append(f.messages, sentMessage{chatID: m.ChatID, text: m.Text})
	}
	return tgbotapi.Message{}, nil
}

func (f *fakeSender) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := c.(tgbotapi.DeleteMessageConfig); ok {
		f.deleted = append(f.deleted, d.MessageID)
	}
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeSender) last() sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.messages) == 0 {
		return sentMessage{}
	}
	return f.messages[len(f.messages)-1]
}

type startCall struct {
	userID int64
	symbol string
	params models.BotParameters
}

type fakeSessions struct {
	active   map[int64]bool
	started  []startCall
	startErr error
}

func (f *fakeSessions) StartSession(userID int64, symbol string, params models.BotParameters, gw exchange.Gateway) (string, error) {
	if f.startErr != nil {
		return "", f.startErr
	}
	if f.active[userID] {
		return "", bot.ErrAlreadyRunning
	}
	f.active[userID] = true
	f.started = append(f.started, startCall{userID: userID, symbol: symbol, params: params})
	return "session-1", nil
}

func (f *fakeSessions) StopSession(userID int64) bool {
	was := f.active[userID]
	delete(f.active, userID)
	return was
}

func (f *fakeSessions) IsActive(userID int64) bool { return f.active[userID] }

func (f *fakeSessions) Snapshot(userID int64) (models.GridSession, bool) {
	if !f.active[userID] {
		return models.GridSession{}, false
	}
	s := models.NewGridSession("session-1", userID, "KAS/USDT")
	s.Anchor(0.1)
	return s.Snapshot(), true
}

type fakeGateways struct {
	paper      *exchange.PaperExchange
	err        error
	lastSymbol string
}

func (f *fakeGateways) ForUser(user *models.UserRecord) (exchange.Gateway, error) {
	f.lastSymbol = user.Symbol
	if f.err != nil {
		return nil, f.err
	}
	return f.paper, nil
}

type handlerFixture struct {
	handler  *Handler
	sender   *fakeSender
	users    persistence.UserRepository
	sessions *fakeSessions
	gateways *fakeGateways
	ledger   *storage.Ledger
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	enc, err := crypto.NewEncryptor("handler-test-secret")
	require.NoError(t, err)
	users, err := persistence.NewBadgerRepository(persistence.Options{InMemory: true, Encryptor: enc, DefaultSymbol: "KAS/USDT"})
	require.NoError(t, err)
	t.Cleanup(func() { users.Close() })

	ledger, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })

	paper := exchange.NewPaperExchange()
	paper.SetBalance("USDT", 123.5)

	f := &handlerFixture{
		sender:   &fakeSender{},
		users:    users,
		sessions: &fakeSessions{active: make(map[int64]bool)},
		gateways: &fakeGateways{paper: paper},
		ledger:   ledger,
	}
	f.handler = NewHandler(f.sender, users, f.sessions, f.gateways, reporter.NewReporter(ledger), testAdmin, zap.NewNop())
	return f
}

func (f *handlerFixture) send(text string) sentMessage {
	name := strings.Fields(text)[0]
	update := tgbotapi.Update{Message: &tgbotapi.Message{
		MessageID: 77,
		From:      &tgbotapi.User{ID: testUser},
		Chat:      &tgbotapi.Chat{ID: testChat},
		Text:      text,
		Entities:  []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(name)}},
	}}
	f.handler.HandleUpdate(context.Background(), update)
	return f.sender.last()
}

func TestStartSavesChat(t *testing.T) {
	f := newHandlerFixture(t)
	reply := f.send("/start")
	assert.Equal(t, testChat, reply.chatID)
	assert.Contains(t, reply.text, "/autobuy")

	user, err := f.users.Get(testUser)
	require.NoError(t, err)
	assert.Equal(t, testChat, user.ChatID)
}

func TestNonCommandIgnored(t *testing.T) {
	f := newHandlerFixture(t)
	f.handler.HandleUpdate(context.Background(), tgbotapi.Update{Message: &tgbotapi.Message{
		From: &tgbotapi.User{ID: testUser}, Chat: &tgbotapi.Chat{ID: testChat}, Text: "hello",
	}})
	assert.Empty(t, f.sender.messages)
}

func TestSetAndCheckAPIKeys(t *testing.T) {
	f := newHandlerFixture(t)

	reply := f.send("/check_api_keys")
	assert.Contains(t, reply.text, "/set_api_keys")

	reply = f.send("/set_api_keys bad-key! secret")
	assert.Contains(t, reply.text, "API key")
	_, _, err := f.users.Credentials(testUser)
	assert.ErrorIs(t, err, persistence.ErrNoCredentials)

	reply = f.send("/set_api_keys ABCDEFGH12345678 s3cr3t/Value+more=")
	assert.Contains(t, reply.text, "已加密保存")
	assert.Contains(t, f.sender.deleted, 77)

	key, secret, err := f.users.Credentials(testUser)
	require.NoError(t, err)
	assert.Equal(t, "ABCDEFGH12345678", key)
	assert.Equal(t, "s3cr3t/Value+more=", secret)

	reply = f.send("/check_api_keys")
	assert.Contains(t, reply.text, "ABCD********5678")
	assert.NotContains(t, reply.text, "ABCDEFGH12345678")
}

func TestSetParams(t *testing.T) {
	f := newHandlerFixture(t)

	reply := f.send("/set_params 0.5 2 10 25")
	assert.Contains(t, reply.text, "参数已更新")
	user, err := f.users.Get(testUser)
	require.NoError(t, err)
	assert.Equal(t, models.BotParameters{ProfitPercentage: 0.5, FallPercentage: 2, DelaySeconds: 10, OrderSize: 25}, user.Params)

	for _, bad := range []string{"/set_params -1 2 10 25", "/set_params 0.5 2 1.5 25", "/set_params 0.5 2 10", "/set_params a b c d"} {
		f.send(bad)
		user, err := f.users.Get(testUser)
		require.NoError(t, err)
		assert.Equal(t, 0.5, user.Params.ProfitPercentage, bad)
	}

	reply = f.send("/params")
	assert.Contains(t, reply.text, "KAS/USDT")
	assert.Contains(t, reply.text, "10秒")
}

func TestAutobuyAndStop(t *testing.T) {
	f := newHandlerFixture(t)

	f.gateways.err = persistence.ErrNoCredentials
	reply := f.send("/autobuy")
	assert.Contains(t, reply.text, "/set_api_keys")
	assert.Empty(t, f.sessions.started)

	f.gateways.err = nil
	reply = f.send("/autobuy btc/usdt")
	assert.Contains(t, reply.text, "BTC/USDT")
	require.Len(t, f.sessions.started, 1)
	assert.Equal(t, "BTC/USDT", f.sessions.started[0].symbol)
	assert.Equal(t, "BTC/USDT", f.gateways.lastSymbol, "the gateway is built for the session's symbol")
	assert.Equal(t, models.DefaultBotParameters(), f.sessions.started[0].params)

	user, err := f.users.Get(testUser)
	require.NoError(t, err)
	assert.Equal(t, "BTC/USDT", user.Symbol)
	assert.Equal(t, testChat, user.ChatID)

	reply = f.send("/autobuy")
	assert.Contains(t, reply.text, "已在运行")
	assert.Len(t, f.sessions.started, 1)

	reply = f.send("/stop")
	assert.Contains(t, reply.text, "正在停止")
	reply = f.send("/stop")
	assert.Contains(t, reply.text, "没有运行中")

	reply = f.send("/autobuy KASUSDT")
	assert.Contains(t, reply.text, "BASE/QUOTE")

	f.sessions.startErr = bot.ErrStillStopping
	reply = f.send("/autobuy")
	assert.Contains(t, reply.text, "仍在停止中")
}

func TestBalance(t *testing.T) {
	f := newHandlerFixture(t)
	reply := f.send("/balance")
	assert.Contains(t, reply.text, "USDT")
	assert.Contains(t, reply.text, "123.5")

	f.gateways.err = errors.New("dial tcp: timeout")
	reply = f.send("/balance")
	assert.Contains(t, reply.text, "连接交易所失败")
}

func TestProfitCommands(t *testing.T) {
	f := newHandlerFixture(t)
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, f.ledger.Append(ctx, &models.TradeRecord{UserID: testUser, TradeType: models.TradeSell, Symbol: "KAS/USDT", Amount: 1, Price: 1, Profit: 1.25, Timestamp: now}))
	require.NoError(t, f.ledger.Append(ctx, &models.TradeRecord{UserID: testUser, TradeType: models.TradeSell, Symbol: "KAS/USDT", Amount: 1, Price: 1, Profit: 2, Timestamp: now.Add(-10 * 24 * time.Hour)}))

	assert.Contains(t, f.send("/profit_today").text, "1.2500")
	assert.Contains(t, f.send("/profit_history 3").text, "1.2500")
	assert.Contains(t, f.send("/profit_month").text, "3.2500")
	assert.Contains(t, f.send("/profit_total").text, "3.2500")
	assert.Contains(t, f.send("/profit_history 0").text, "正整数")
	assert.Contains(t, f.send("/profit_history").text, "用法")

	reply := f.send("/stats")
	assert.Contains(t, reply.text, "没有运行中")
	assert.Contains(t, reply.text, "3.2500")
}

func TestUnknownCommand(t *testing.T) {
	f := newHandlerFixture(t)
	assert.Contains(t, f.send("/whatever").text, "未知命令")
}

func TestHandleEventRelay(t *testing.T) {
	f := newHandlerFixture(t)
	f.send("/start")
	before := len(f.sender.messages)

	f.handler.HandleEvent(models.Event{UserID: testUser, Kind: models.EventBuyExecuted, Message: "Buy(1): 0.4 @ 100.3"})
	require.Len(t, f.sender.messages, before+1)
	assert.Equal(t, testChat, f.sender.messages[before].chatID)

	f.handler.HandleEvent(models.Event{UserID: testUser, Kind: models.EventError, Message: "boom <b>"})
	require.Len(t, f.sender.messages, before+3)
	assert.Equal(t, testChat, f.sender.messages[before+1].chatID)
	admin := f.sender.messages[before+2]
	assert.Equal(t, testAdmin, admin.chatID)
	assert.Contains(t, admin.text, "用户 42")
	assert.Contains(t, admin.text, "&lt;b&gt;")

	// 没有保存聊天ID的用户回退到私聊 (用户ID)
	f.handler.HandleEvent(models.Event{UserID: 99, Kind: models.EventStopped, Message: "stopped"})
	assert.Equal(t, int64(99), f.sender.last().chatID)
}

func TestParseParams(t *testing.T) {
	p, err := parseParams([]string{"0.3", "1", "30", "40"})
	require.NoError(t, err)
	assert.Equal(t, models.DefaultBotParameters(), p)

	_, err = parseParams([]string{"0.3", "0", "30", "40"})
	assert.Error(t, err)
}
