package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lvdashuaibi/rsvpsync/config"
	"github.com/lvdashuaibi/rsvpsync/internal/api/graph"
	"github.com/lvdashuaibi/rsvpsync/internal/bridge"
	"github.com/lvdashuaibi/rsvpsync/internal/discord"
	"github.com/lvdashuaibi/rsvpsync/internal/fanout"
	intkafka "github.com/lvdashuaibi/rsvpsync/internal/kafka"
	"github.com/lvdashuaibi/rsvpsync/internal/livereporting"
	"github.com/lvdashuaibi/rsvpsync/internal/lock"
	"github.com/lvdashuaibi/rsvpsync/internal/logging"
	"github.com/lvdashuaibi/rsvpsync/internal/repository"
	"github.com/lvdashuaibi/rsvpsync/internal/resolver"
	"github.com/lvdashuaibi/rsvpsync/internal/service"
	"github.com/lvdashuaibi/rsvpsync/internal/websocket"
)

const shutdownTimeout = 15 * time.Second

var (
	configPath = flag.String("config", "config/config.yaml", "配置文件路径")
	instanceID = flag.Int("instance", 1, "实例ID，用于区分多个实例")
)

func newLock(cfg *config.Config) (lock.Lock, error) {
	if cfg.Lock.Backend == "redis" {
		return lock.NewRedLock(cfg.Redis, cfg.Lock)
	}
	return lock.NewETCDLock(cfg.ETCD)
}

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logging.Fatal().Err(err).Msg("加载配置失败")
	}
	logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	logging.Info().Int("instance", *instanceID).Msg("配置加载成功")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mysqlRepo, err := repository.NewMySQLRepository(cfg.MySQL)
	if err != nil {
		logging.Fatal().Err(err).Msg("初始化MySQL仓库失败")
	}
	defer mysqlRepo.Close()

	redisRepo, err := repository.NewRedisRepository(cfg.Redis)
	if err != nil {
		logging.Fatal().Err(err).Msg("初始化Redis仓库失败")
	}
	defer redisRepo.Close()

	// 调度器选主
	distributedLock, err := newLock(cfg)
	if err != nil {
		logging.Fatal().Err(err).Str("backend", cfg.Lock.Backend).Msg("初始化分布式锁失败")
	}
	defer distributedLock.Close()

	// WebSocket房间
	hub := websocket.NewHub()
	go func() {
		if err := hub.Run(ctx); err != nil {
			logging.Error().Err(err).Msg("WebSocket hub退出")
		}
	}()

	// 房间事件经Redis发布订阅送到每个实例的hub；Kafka消费者组只把事件交给一个实例
	relay := websocket.NewRelay(redisRepo.Client(), hub)
	go func() {
		if err := relay.Run(ctx); err != nil && ctx.Err() == nil {
			logging.Error().Err(err).Msg("跨实例房间订阅退出")
		}
	}()

	notifier := fanout.NewNotifier(discord.NewClient(cfg.Discord), relay, mysqlRepo)

	// Kafka不可用时退化为直接扇出
	var publisher service.EventPublisher
	producer, err := intkafka.NewProducer(cfg.Kafka)
	if err != nil {
		logging.Warn().Err(err).Msg("Kafka生产者不可用，RSVP事件直接扇出")
	} else {
		defer producer.Close()
		publisher = producer

		consumer, err := intkafka.NewConsumer(cfg.Kafka)
		if err != nil {
			logging.Fatal().Err(err).Msg("初始化Kafka消费者失败")
		}
		consumer.StartConsuming(notifier.Handle)
		defer consumer.Stop()
	}

	rsvpService := service.NewRSVPService(mysqlRepo, redisRepo, publisher, notifier, cfg.Resolver.SourceStateTTL)
	conflictResolver := resolver.New(cfg.Resolver.DowntimeWindow, mysqlRepo, redisRepo, mysqlRepo, rsvpService)

	// 直播调度
	breaker := livereporting.NewCircuitBreaker(livereporting.SettingsFromConfig(cfg.CircuitBreaker), redisRepo)
	manager := livereporting.NewManager(breaker, mysqlRepo, redisRepo,
		livereporting.ManagerSettingsFromConfig(cfg.CircuitBreaker, cfg.LiveReporting))
	realtime := bridge.New(redisRepo, mysqlRepo, cfg.Realtime)

	worker := livereporting.NewWorker(redisRepo, livereporting.NewSyncProcessor(mysqlRepo, realtime), cfg.LiveReporting)
	worker.Start()

	scheduler, err := livereporting.NewScheduler(manager, distributedLock, cfg.LiveReporting.ScheduleInterval)
	if err != nil {
		logging.Fatal().Err(err).Msg("创建直播调度器失败")
	}
	if err := scheduler.AddJob("realtime_heartbeat", cfg.Realtime.HeartbeatInterval, func(ctx context.Context) {
		if err := realtime.WriteHeartbeat(ctx); err != nil {
			logging.Warn().Err(err).Msg("写入实时服务心跳失败")
		}
	}); err != nil {
		logging.Fatal().Err(err).Msg("注册心跳任务失败")
	}
	if err := scheduler.Start(); err != nil {
		logging.Fatal().Err(err).Msg("启动直播调度器失败")
	}

	server := graph.NewGraphQLServer(
		graph.NewResolver(rsvpService, conflictResolver, manager, realtime),
		graph.Options{
			GinMode:       cfg.Server.GinMode,
			GraphQLPath:   cfg.GraphQL.Path,
			WebSocketPath: cfg.WebSocket.Path,
			WebSocket:     websocket.NewHandler(hub, cfg.WebSocket),
			Ready:         redisRepo.Ping,
		},
	)

	// 计算端口，支持多实例
	serverPort := cfg.Server.Port + *instanceID - 1
	go func() {
		if err := server.Start(serverPort); err != nil {
			logging.Fatal().Err(err).Msg("启动HTTP服务失败")
		}
	}()
	logging.Info().Int("instance", *instanceID).Int("port", serverPort).Msg("RSVP同步服务已启动")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info().Msg("正在关闭服务...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logging.Warn().Err(err).Msg("关闭HTTP服务失败")
	}
	if err := scheduler.Stop(); err != nil {
		logging.Warn().Err(err).Msg("停止直播调度器失败")
	}
	worker.Stop()
	// 其他实例仍在写心跳时不会标记停止
	if err := realtime.MarkStopped(shutdownCtx); err != nil {
		logging.Warn().Err(err).Msg("标记实时服务停止失败")
	}
	cancel()
}
