package main

import (
	"context"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"hr-search-go/internal/api/handler"
	"hr-search-go/internal/api/router"
	"hr-search-go/internal/config"
	appCoreLogger "hr-search-go/internal/logger"
	"hr-search-go/internal/parser"
	"hr-search-go/internal/processor"
	"hr-search-go/internal/ratelimit"
	"hr-search-go/internal/storage"
	"hr-search-go/internal/tracing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/spf13/pflag"

	glog "github.com/cloudwego/hertz/pkg/common/hlog"
	hertzadapter "github.com/hertz-contrib/logger/zerolog"
	hertztracing "github.com/hertz-contrib/obs-opentelemetry/tracing"
)

var (
	version     = "1.0.0"        //nolint:gochecknoglobals
	serviceName = "hr-search-go" //nolint:gochecknoglobals
)

// @title HR Search API
// @version 1.0
// @description 候选人向量检索与LLM评审服务。
// @BasePath /api/v1
func main() {
	var configPath string
	var initConfigPath string
	pflag.StringVarP(&configPath, "config", "c", "", "Path to config file")
	pflag.StringVar(&initConfigPath, "init-config", "", "Write a sample config file to the given path and exit")
	pflag.Parse()

	if initConfigPath != "" {
		if err := config.CreateSampleConfig(initConfigPath); err != nil {
			log.Fatalf("生成示例配置失败: %v", err)
		}
		return
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	initLogger(cfg)
	glog.Info("配置加载成功")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 链路追踪
	shutdownTracing, err := tracing.InitProvider(ctx, cfg.Tracing, serviceName, version)
	if err != nil {
		glog.Fatalf("初始化链路追踪失败: %v", err)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := shutdownTracing(flushCtx); err != nil {
			glog.Warnf("关闭链路追踪失败: %v", err)
		}
	}()

	storageManager, err := storage.NewStorage(ctx, cfg)
	if err != nil {
		glog.Fatalf("初始化存储失败: %v", err)
	}
	defer storageManager.Close()
	glog.Info("存储服务初始化成功")

	if storageManager.RabbitMQ != nil {
		if err := storageManager.RabbitMQ.SetupVectorizeTopology(); err != nil {
			glog.Warnf("初始化RabbitMQ拓扑失败: %v", err)
		}
	}

	// 向量化模型
	embedder, err := parser.NewOllamaEmbedder(cfg.Ollama.APIKey, cfg.Ollama.Embedding)
	if err != nil {
		glog.Fatalf("初始化Embedder失败: %v", err)
	}
	glog.Infof("Embedder初始化成功, 模型版本: %s", embedder.ModelVersion())

	// 评审与提取各自使用任务专用模型，统一走QPM限流代理
	judgeModel, err := newRateLimitedChatModel(cfg, "judge", cfg.Judge.ModelName, cfg.Judge.QPM)
	if err != nil {
		glog.Fatalf("初始化评审模型失败: %v", err)
	}
	extractModel, err := newRateLimitedChatModel(cfg, "extract", cfg.Extractor.ModelName, cfg.Extractor.QPM)
	if err != nil {
		glog.Fatalf("初始化提取模型失败: %v", err)
	}

	// 仅debug级别输出组件内部日志
	componentLogger := log.New(io.Discard, "", 0)
	if cfg.Logger.Level == "debug" {
		componentLogger = log.New(os.Stderr, "[LLMComponent] ", log.LstdFlags|log.Lshortfile)
	}

	judge := parser.NewLLMCandidateJudge(judgeModel, componentLogger)
	glog.Info("候选人评审器初始化成功")

	extractor := parser.NewLLMMetadataExtractor(extractModel, componentLogger,
		parser.WithExtractorRetryPolicy(cfg.Extractor.MaxRetries, 2*time.Second))
	glog.Info("简历元数据提取器初始化成功")

	// 检索离不开向量索引
	if storageManager.Qdrant == nil {
		glog.Fatalf("Qdrant未初始化，无法提供检索服务")
	}

	searchOptions := []processor.SearchOption{
		processor.WithSearchLimits(cfg.Search.DefaultK, cfg.Search.MaxK),
		processor.WithJudgeConcurrency(cfg.Search.JudgeConcurrency),
	}
	if storageManager.Redis != nil {
		searchOptions = append(searchOptions, processor.WithQueryVectorCache(storageManager.Redis))
	}
	searchProcessor, err := processor.NewSearchProcessor(storageManager.Qdrant, embedder, judge, searchOptions...)
	if err != nil {
		glog.Fatalf("初始化检索处理器失败: %v", err)
	}
	glog.Info("检索处理器初始化成功")

	vectorizer, err := processor.NewVectorizer(
		storageManager,
		extractor,
		embedder,
		processor.WithTextSplitter(embedder),
	)
	if err != nil {
		glog.Fatalf("初始化向量化器失败: %v", err)
	}
	glog.Info("向量化器初始化成功")

	tracer, tracingCfg := hertztracing.NewServerTracer()
	h := server.New(
		tracer,
		server.WithHostPorts(cfg.Server.Address),
		server.WithHandleMethodNotAllowed(true),
	)
	h.Use(hertztracing.ServerMiddleware(tracingCfg))

	router.RegisterRoutes(h,
		handler.NewSearchHandler(searchProcessor),
		handler.NewVectorizeHandler(vectorizer, storageManager),
		handler.NewCandidateHandler(storageManager),
		handler.NewHealthHandler(storageManager),
	)
	glog.Info("HTTP路由注册成功")

	glog.Infof("HTTP 服务器启动中，监听地址: %s", cfg.Server.Address)
	go func() {
		if err := h.Run(); err != nil {
			glog.Fatalf("启动HTTP服务器失败: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	glog.Info("接收到终止信号，正在优雅退出...")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := h.Shutdown(shutdownCtx); err != nil {
		glog.Fatalf("服务器关闭失败: %v", err)
	}
	glog.Info("优雅退出完成")
}

// newRateLimitedChatModel 创建一个带QPM限流的对话模型。
// 模型选择顺序：组件显式配置 > ollama.task_models 任务专用模型 > 全局默认模型。
func newRateLimitedChatModel(cfg *config.Config, taskName, modelName string, qpm int) (model.ToolCallingChatModel, error) {
	if modelName == "" {
		modelName = cfg.GetModelForTask(taskName)
	}
	chatURL := strings.TrimRight(cfg.Ollama.BaseURL, "/") + "/chat/completions"

	chatModel, err := parser.NewOllamaChatModel(cfg.Ollama.APIKey, modelName, chatURL)
	if err != nil {
		return nil, err
	}
	return ratelimit.NewLLMWithRateLimit(chatModel, modelName, cfg.ModelQPMLimits, qpm, 3, 2*time.Second), nil
}

func initLogger(cfg *config.Config) {
	appCoreLogger.Init(appCoreLogger.Config{
		Level:        cfg.Logger.Level,
		Format:       cfg.Logger.Format,
		TimeFormat:   cfg.Logger.TimeFormat,
		ReportCaller: cfg.Logger.ReportCaller,
	})

	appCoreLogger.Logger = appCoreLogger.Logger.With().
		Str("app", serviceName).
		Str("version", version).
		Logger()

	// Hertz 的日志走同一个zerolog实例
	glog.SetLogger(hertzadapter.From(appCoreLogger.Logger))
}
