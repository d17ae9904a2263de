package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"OpenMCP-Paygate/internal/api"
	"OpenMCP-Paygate/internal/audit"
	"OpenMCP-Paygate/internal/catalog"
	"OpenMCP-Paygate/internal/config"
	"OpenMCP-Paygate/internal/dispatch"
	"OpenMCP-Paygate/internal/observability/alerting"
	"OpenMCP-Paygate/internal/observability/metrics"
	"OpenMCP-Paygate/internal/payment"
	"OpenMCP-Paygate/internal/storage/sqlstore"
	"OpenMCP-Paygate/internal/tools"
	"OpenMCP-Paygate/internal/web3"
	"OpenMCP-Paygate/internal/web3/provider"
	"OpenMCP-Paygate/pkg/logger"
)

// main 是 paygated 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("paygated 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	// .env 缺失不是错误，生产环境直接注入环境变量。
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("加载 .env 失败: %w", err)
	}

	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Rotation: logger.RotationConfig{
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAgeDays: cfg.Logging.MaxAgeDays,
		},
	}); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	defer logger.Sync()
	lg := logger.Named("paygated")

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	toolCatalog, err := catalog.Load(cfg.Catalog.Path)
	if err != nil {
		return err
	}

	chainRegistry, err := provider.NewRegistry(ctx, cfg.Web3)
	if err != nil {
		return err
	}
	defer chainRegistry.Close()

	chainClient, chainDef, err := chainRegistry.ClientForNetwork(cfg.Payment.Network)
	if err != nil {
		return err
	}

	settings := payment.SettingsFrom(cfg.Payment)
	if settings.ExplorerTxURL == "" {
		settings.ExplorerTxURL = chainDef.ExplorerTxURL
	}

	oracle, err := web3.NewBalanceOracle(chainClient, settings.Asset, settings.Decimals)
	if err != nil {
		return err
	}
	authorizer, err := payment.NewEVMAuthorizer(settings, cfg.Payment.SignerKey)
	if err != nil {
		return err
	}
	facilitator := payment.NewFacilitatorClient(cfg.Payment.FacilitatorURL, cfg.Payment.FacilitatorAuth, settings)

	alerts := newAlerting(cfg.Alerting)

	sink, err := openAuditSink(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := sink.Close(); err != nil {
			lg.Warn("关闭审计存储失败", slog.String("error", err.Error()))
		}
	}()

	interrupted, err := audit.ScanInterrupted(ctx, sink, alerts)
	if err != nil {
		return fmt.Errorf("扫描未完成的支付尝试失败: %w", err)
	}
	if len(interrupted) > 0 {
		lg.Warn("发现未完成的支付尝试，需要人工对账", slog.Int("count", len(interrupted)))
	}

	gateway, err := payment.NewGateway(settings, oracle, authorizer, facilitator, sink,
		payment.WithConverter(payment.RateConverter{Rate: cfg.Payment.Rate(), Decimals: int32(settings.Decimals)}),
		payment.WithAlerting(alerts),
	)
	if err != nil {
		return err
	}

	registry := dispatch.NewRegistry()
	if err := tools.Register(registry, tools.Deps{
		Chain:          chainClient,
		Balances:       oracle,
		Payment:        settings,
		FacilitatorURL: cfg.Payment.FacilitatorURL,
	}); err != nil {
		return err
	}
	dispatcher, err := dispatch.New(toolCatalog, registry, gateway)
	if err != nil {
		return err
	}

	lg.Info("支付网关已就绪",
		slog.String("network", settings.Network),
		slog.String("payee", settings.Payee),
		slog.String("signer", authorizer.Address()),
		slog.Int("tools", toolCatalog.Len()))

	mcpServer := api.NewMCPServer(cfg.Server.Name, cfg.Server.Version, dispatcher)

	if cfg.Metrics.Address != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Metrics.Address); err != nil && !errors.Is(err, context.Canceled) {
				lg.Error("指标服务异常退出", slog.String("error", err.Error()))
			}
		}()
	}

	switch cfg.Server.Transport {
	case "stdio":
		// stdout 被 MCP 协议占用，日志需配置到文件或 stderr。
		if err := mcpServer.ServeStdio(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	default:
		server := api.NewServer(cfg.Server.Address, dispatcher,
			api.WithAuditReader(sink),
			api.WithMCPHandler(cfg.Server.MCPPath, mcpServer.HTTPHandler()),
		)
		if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}
}

func openAuditSink(ctx context.Context, cfg *config.Config) (audit.Store, error) {
	var primary audit.Store
	switch cfg.Audit.Driver {
	case "memory":
		primary = audit.NewMemorySink()
	case "file":
		sink, err := audit.OpenFileSink(cfg.Audit.Path)
		if err != nil {
			return nil, err
		}
		primary = sink
	case sqlstore.DriverMySQL, sqlstore.DriverSQLite:
		db, err := sqlstore.Open(ctx, sqlstore.Config{
			Driver:          cfg.Audit.Driver,
			DSN:             cfg.Audit.DSN,
			MaxOpenConns:    cfg.Audit.MaxOpenConns,
			MaxIdleConns:    cfg.Audit.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Audit.ConnMaxLifetimeSeconds) * time.Second,
		})
		if err != nil {
			return nil, err
		}
		sink, err := audit.NewSQLSink(ctx, db)
		if err != nil {
			db.Close()
			return nil, err
		}
		primary = sink
	default:
		return nil, fmt.Errorf("未知的审计驱动: %s", cfg.Audit.Driver)
	}

	var publishers []audit.Publisher
	if cfg.Audit.Redis.Address != "" {
		pub, err := audit.NewRedisPublisher(ctx, audit.RedisConfig{
			Address:  cfg.Audit.Redis.Address,
			Password: cfg.Audit.Redis.Password,
			DB:       cfg.Audit.Redis.DB,
			Stream:   cfg.Audit.Redis.Stream,
			MaxLen:   cfg.Audit.Redis.MaxLen,
		})
		if err != nil {
			primary.Close()
			return nil, err
		}
		publishers = append(publishers, pub)
	}
	if cfg.Audit.RabbitMQ.URL != "" {
		pub, err := audit.NewRabbitMQPublisher(audit.RabbitMQConfig{
			URL:     cfg.Audit.RabbitMQ.URL,
			Queue:   cfg.Audit.RabbitMQ.Queue,
			Durable: cfg.Audit.RabbitMQ.Durable,
		})
		if err != nil {
			for _, p := range publishers {
				p.Close()
			}
			primary.Close()
			return nil, err
		}
		publishers = append(publishers, pub)
	}
	if len(publishers) == 0 {
		return primary, nil
	}
	return audit.NewMultiSink(primary, publishers...), nil
}

func newAlerting(cfg config.AlertingConfig) *alerting.FanoutDispatcher {
	notifiers := []alerting.Notifier{&alerting.LogNotifier{}}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{
			URL:    cfg.WebhookURL,
			Client: &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second},
		})
	}
	return alerting.NewFanout(notifiers...)
}
