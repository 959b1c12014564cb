package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"LiveCallAssist/internal/agentclient"
	"LiveCallAssist/internal/config"
	"LiveCallAssist/internal/contextwindow"
	"LiveCallAssist/internal/database"
	"LiveCallAssist/internal/docstore"
	"LiveCallAssist/internal/httpserver"
	"LiveCallAssist/internal/hub"
	"LiveCallAssist/internal/logger"
	"LiveCallAssist/internal/pipeline"
	"LiveCallAssist/internal/provider"
	"LiveCallAssist/internal/registry"
	"LiveCallAssist/internal/sentiment"
	"LiveCallAssist/internal/store"
)

func main() {
	var (
		mode       = flag.String("mode", "server", "运行模式: server, agent, seed")
		configPath = flag.String("config", "", "配置文件路径")
		wsURL      = flag.String("url", "ws://localhost:8080/ws", "WebSocket连接URL")
		callID     = flag.String("call", "", "订阅的呼叫ID，为空订阅全部")
		agentID    = flag.String("agent", "", "坐席标识")
		token      = flag.String("token", "", "WebSocket接入令牌")
		seedFile   = flag.String("docs", "", "待导入的知识库JSON文件")
	)
	flag.Parse()

	logger.InitLogger()

	switch *mode {
	case "server":
		runServer(*configPath)
	case "agent":
		runAgent(*wsURL, *callID, *agentID, *token)
	case "seed":
		runSeed(*configPath, *seedFile)
	default:
		fmt.Printf("未知模式: %s\n", *mode)
		flag.Usage()
		os.Exit(1)
	}
}

// runServer 启动事件管线与HTTP服务
func runServer(configPath string) {
	cm := config.NewConfigManager(
		config.WithConfigPath(configPath),
		config.WithWatchEnabled(true),
	)
	cfg, err := cm.Load()
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	pool, err := database.Connect(ctx, &cfg.Database)
	cancel()
	if err != nil {
		log.Fatalf("数据库连接失败: %v", err)
	}
	defer pool.Close()

	ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
	err = database.InitSchema(ctx, pool)
	cancel()
	if err != nil {
		log.Fatalf("schema初始化失败: %v", err)
	}

	ai := provider.NewOpenAIClient(&provider.OpenAIConfig{
		BaseURL:        cfg.Provider.BaseURL,
		APIKey:         cfg.Provider.APIKey,
		EmbeddingModel: cfg.Provider.EmbeddingModel,
		ChatModel:      cfg.Provider.ChatModel,
		Timeout:        cfg.Provider.Timeout,
	})

	reg := registry.New()
	window := contextwindow.NewTracker(contextwindow.Config{
		MaxItems: cfg.Window.MaxItems,
		Horizon:  cfg.Window.Horizon,
		MinCount: cfg.Window.MinCount,
	})
	st := store.NewPostgresStore(pool)
	docs := docstore.NewPgVectorStore(pool, ai)
	h := hub.NewHub()

	processor := pipeline.NewProcessor(pipeline.Config{
		SimilarityThreshold: cfg.Retrieval.SimilarityThreshold,
		SearchLimit:         cfg.Retrieval.SearchLimit,
		PersistTopN:         cfg.Retrieval.PersistTopN,
		SearchCategory:      cfg.Retrieval.Category,
		SentimentWindow:     cfg.Retrieval.SentimentWindow,
		SentimentInterval:   cfg.Retrieval.SentimentInterval,
		Workers:             cfg.Retrieval.Workers,
	}, reg, window, st, docs, provider.NewAnalyzer(ai), sentiment.NewCallScorer(ai), h)

	server := httpserver.NewAPIServer(httpserver.Options{
		Addr:           cfg.Server.Addr(),
		AllowedOrigins: cfg.Server.AllowedOrigins,
		SigningToken:   cfg.SignalWire.SigningToken,
		WSToken:        cfg.SignalWire.WSToken,
		Processor:      processor,
		Hub:            h,
		Documents:      docs,
	})

	go func() {
		if err := server.Start(); err != nil {
			log.Printf("HTTP服务退出: %v", err)
		}
	}()

	fmt.Printf("✅ 服务已启动 %s\n", cfg.Server.Addr())
	fmt.Printf("📊 统计信息: http://%s/api/v1/stats\n", cfg.Server.Addr())
	fmt.Printf("📡 WebSocket端点: ws://%s/ws\n", cfg.Server.Addr())

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	fmt.Println("\n🔄 正在关闭服务...")

	ctx, cancel = context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Stop(ctx); err != nil {
		log.Printf("HTTP服务关闭错误: %v", err)
	}
	processor.Shutdown()
	h.CloseAll()
	fmt.Println("✅ 服务已关闭")
}

// runAgent 命令行坐席监控，打印收到的实时事件
func runAgent(wsURL, callID, agentID, token string) {
	fmt.Printf("🎧 坐席监控启动 url=%s call=%s\n", wsURL, callID)

	cfg := agentclient.DefaultClientConfig(wsURL, token)
	cfg.CallID = callID
	cfg.AgentID = agentID

	client := agentclient.New(cfg)
	client.SetStateChangeHandler(func(oldState, newState agentclient.ClientState) {
		log.Printf("连接状态: %s -> %s", oldState, newState)
	})
	client.SetEventHandler(func(event string, data json.RawMessage) {
		fmt.Printf("📨 %s: %s\n", event, string(data))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		log.Fatalf("连接失败: %v", err)
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c

	client.Close()
	fmt.Println("✅ 坐席监控已退出")
}

// runSeed 导入知识库文档
func runSeed(configPath, seedFile string) {
	cm := config.NewConfigManager(config.WithConfigPath(configPath))
	cfg, err := cm.Load()
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	pool, err := database.Connect(ctx, &cfg.Database)
	cancel()
	if err != nil {
		log.Fatalf("数据库连接失败: %v", err)
	}
	defer pool.Close()

	ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
	err = database.InitSchema(ctx, pool)
	cancel()
	if err != nil {
		log.Fatalf("schema初始化失败: %v", err)
	}

	ai := provider.NewOpenAIClient(&provider.OpenAIConfig{
		BaseURL:        cfg.Provider.BaseURL,
		APIKey:         cfg.Provider.APIKey,
		EmbeddingModel: cfg.Provider.EmbeddingModel,
		ChatModel:      cfg.Provider.ChatModel,
		Timeout:        cfg.Provider.Timeout,
	})
	docs := docstore.NewPgVectorStore(pool, ai)

	items := demoDocuments()
	if seedFile != "" {
		data, err := os.ReadFile(seedFile)
		if err != nil {
			log.Fatalf("读取文档文件失败: %v", err)
		}
		if err := json.Unmarshal(data, &items); err != nil {
			log.Fatalf("解析文档文件失败: %v", err)
		}
	}

	for _, doc := range items {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := docs.Upsert(ctx, doc)
		cancel()
		if err != nil {
			log.Printf("⚠️ 文档导入失败 %s: %v", doc.ID, err)
			continue
		}
		fmt.Printf("✅ 已导入 %s (%s)\n", doc.ID, doc.Title)
	}
	fmt.Printf("📚 知识库导入完成，共%d条\n", len(items))
}

// demoDocuments 内置的演示知识库
func demoDocuments() []docstore.Document {
	return []docstore.Document{
		{
			ID:       "kb-billing-001",
			Title:    "Billing dispute resolution",
			Content:  "When a customer disputes a charge, verify the invoice line items, check for duplicate charges in the last 90 days, and offer a provisional credit while the dispute is investigated.",
			Category: "billing",
		},
		{
			ID:       "kb-refund-001",
			Title:    "Refund policy",
			Content:  "Full refunds are available within 30 days of purchase. After 30 days, offer account credit. Subscription renewals can be refunded within 7 days of the renewal date.",
			Category: "billing",
		},
		{
			ID:       "kb-outage-001",
			Title:    "Service outage escalation",
			Content:  "If the customer reports a service outage, check the status dashboard first. For confirmed regional outages, share the ETA and offer SLA credits. Escalate unconfirmed outages to tier 2.",
			Category: "technical",
		},
		{
			ID:       "kb-cancel-001",
			Title:    "Cancellation retention flow",
			Content:  "For cancellation requests, ask about the reason, present the downgrade option before cancellation, and mention the loyalty discount for accounts older than one year.",
			Category: "retention",
		},
	}
}
