package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"telegram-grid-bot-go/internal/api"
	"telegram-grid-bot-go/internal/bot"
	"telegram-grid-bot-go/internal/config"
	"telegram-grid-bot-go/internal/crypto"
	"telegram-grid-bot-go/internal/logger"
	"telegram-grid-bot-go/internal/models"
	"telegram-grid-bot-go/internal/notifier"
	"telegram-grid-bot-go/internal/persistence"
	"telegram-grid-bot-go/internal/registry"
	"telegram-grid-bot-go/internal/reporter"
	"telegram-grid-bot-go/internal/storage"
	"telegram-grid-bot-go/internal/telegram"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	// --- 命令行参数定义 ---
	configPath := flag.String("config", "config.json", "path to the config file (.json or .yaml)")
	mode := flag.String("mode", "", "override running mode: live or paper")
	genKey := flag.Bool("genkey", false, "print a new DATA_ENCRYPTION_KEY and exit")
	debugTelegram := flag.Bool("debug-telegram", false, "log raw Telegram API traffic")
	flag.Parse()

	if *genKey {
		key, err := crypto.GenerateKey()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(key)
		return
	}

	// 在读取配置之前先用默认配置初始化日志
	logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})

	if err := godotenv.Load(); err != nil {
		logger.S().Info("未找到 .env 文件，将从系统环境变量中读取。")
	} else {
		logger.S().Info("成功从 .env 文件加载配置。")
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.S().Fatalf("无法加载配置文件: %v", err)
	}
	if *mode != "" {
		cfg.Mode = *mode
		if err := config.Validate(cfg); err != nil {
			logger.S().Fatal(err)
		}
	}
	cfg.HTTPToken = os.Getenv("CONTROL_API_TOKEN")

	log := logger.InitLogger(cfg.LogConfig)
	defer log.Sync() // 确保在main函数退出时刷新所有缓冲的日志

	if err := run(cfg, *debugTelegram, log); err != nil {
		log.Fatal("机器人异常退出", zap.Error(err))
	}
}

func run(cfg *models.Config, debugTelegram bool, log *zap.Logger) error {
	log.Info("--- 启动网格交易机器人 ---",
		zap.String("mode", cfg.Mode),
		zap.Bool("testnet", cfg.IsTestnet),
		zap.String("api", cfg.BaseURL))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	encryptor, err := crypto.NewEncryptor(os.Getenv("DATA_ENCRYPTION_KEY"))
	if err != nil {
		return fmt.Errorf("DATA_ENCRYPTION_KEY: %w", err)
	}

	users, err := persistence.NewBadgerRepository(persistence.Options{
		Path:          cfg.DBPath,
		Encryptor:     encryptor,
		DefaultParams: cfg.DefaultParams,
		DefaultSymbol: cfg.DefaultSymbol,
	})
	if err != nil {
		return err
	}
	defer users.Close()

	ledger, err := storage.Open(cfg.LedgerPath)
	if err != nil {
		return err
	}
	defer ledger.Close()

	if err := seedAdminCredentials(cfg, users, log); err != nil {
		return err
	}

	tgAPI, err := telegram.Connect(os.Getenv("TELEGRAM_BOT_TOKEN"), debugTelegram, log)
	if err != nil {
		return err
	}

	hub := notifier.NewHub(cfg.EventBufferSize, log.Named("events"))
	hub.Subscribe(notifier.SubscriberFunc(func(event models.Event) {
		logger.ForUser(log, event.UserID).Info("会话事件", zap.String("kind", string(event.Kind)), zap.String("message", event.Message))
	}))

	gateways := bot.NewGateways(cfg, users, log.Named("exchange"))
	defer gateways.Close()

	sessionCtx, stopSessions := context.WithCancel(context.Background())
	defer stopSessions()
	manager := bot.NewManager(sessionCtx, registry.New(), ledger, hub, log.Named("engine"))
	reports := reporter.NewReporter(ledger)

	handler := telegram.NewHandler(tgAPI, users, manager, gateways, reports, cfg.AdminID, log.Named("telegram"))
	hub.Subscribe(handler)
	hub.Start()

	var httpServer *http.Server
	if cfg.HTTPAddr != "" {
		gin.SetMode(gin.ReleaseMode)
		control := api.NewServer(manager, users, gateways, reports, cfg.HTTPToken, log.Named("api"))
		httpServer = &http.Server{Addr: cfg.HTTPAddr, Handler: control.Handler(), ReadHeaderTimeout: 10 * time.Second}
		go func() {
			log.Info("控制API已启动", zap.String("addr", cfg.HTTPAddr))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("控制API异常退出", zap.Error(err))
			}
		}()
	}

	pollDone := make(chan struct{})
	go func() {
		defer close(pollDone)
		handler.Poll(ctx, tgAPI, cfg.TelegramPollSec)
	}()

	// 等待中断信号以实现优雅退出
	<-ctx.Done()
	log.Info("收到退出信号，正在停止所有会话...")

	grace := time.Duration(cfg.ShutdownGraceSec) * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), grace)
	defer shutdownCancel()

	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn("关闭控制API失败", zap.Error(err))
		}
	}

	// 先协作停止，超时后取消进行中的请求
	manager.StopAll()
	sessionsDone := make(chan struct{})
	go func() {
		manager.Wait()
		close(sessionsDone)
	}()
	select {
	case <-sessionsDone:
	case <-shutdownCtx.Done():
		log.Warn("会话未在宽限期内退出，取消进行中的请求")
		stopSessions()
		<-sessionsDone
	}

	<-pollDone
	hub.Stop()
	log.Info("机器人已停止", zap.Int("dropped_events", hub.Dropped()))
	return nil
}

// seedAdminCredentials 把环境变量中的币安密钥保存为管理员的密钥
func seedAdminCredentials(cfg *models.Config, users persistence.UserRepository, log *zap.Logger) error {
	apiKey := os.Getenv("BINANCE_API_KEY")
	secretKey := os.Getenv("BINANCE_SECRET_KEY")
	if apiKey == "" || secretKey == "" {
		return nil
	}
	if cfg.AdminID == 0 {
		log.Warn("设置了 BINANCE_API_KEY 但未配置 admin_id，已忽略")
		return nil
	}
	if err := users.SetCredentials(cfg.AdminID, apiKey, secretKey); err != nil {
		return fmt.Errorf("保存管理员密钥失败: %w", err)
	}
	log.Info("已从环境变量导入管理员API密钥", zap.Int64("admin_id", cfg.AdminID))
	return nil
}
