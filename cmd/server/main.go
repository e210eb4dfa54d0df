// Package main 是应用程序的入口点。
package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"reg-smart-go/internal/config"
	"reg-smart-go/internal/handler"
	"reg-smart-go/internal/middleware"
	"reg-smart-go/internal/model"
	"reg-smart-go/internal/pipeline"
	"reg-smart-go/internal/repository"
	"reg-smart-go/internal/service"
	"reg-smart-go/pkg/database"
	"reg-smart-go/pkg/embedding"
	"reg-smart-go/pkg/es"
	"reg-smart-go/pkg/eurlex"
	"reg-smart-go/pkg/guardrail"
	"reg-smart-go/pkg/kafka"
	"reg-smart-go/pkg/llm"
	"reg-smart-go/pkg/log"
	"reg-smart-go/pkg/storage"
	"reg-smart-go/pkg/tika"
	"reg-smart-go/pkg/token"

	"github.com/gin-gonic/gin"
)

func main() {
	// 1. 初始化配置
	config.Init("./configs/config.yaml")
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync() // 确保在程序退出时刷新所有缓冲的日志条目
	log.Info("日志记录器初始化成功")

	// 3. 初始化数据库、对象存储与索引
	database.InitMySQL(cfg.Database.MySQL.DSN)
	database.AutoMigrate(&model.User{}, &model.Document{})
	database.InitRedis(cfg.Database.Redis.Addr, cfg.Database.Redis.Password, cfg.Database.Redis.DB)
	storage.InitMinIO(cfg.MinIO)

	bootCtx := context.Background()
	storage.EnsureBucket(bootCtx, cfg.MinIO.BucketName)
	storage.EnsureBucket(bootCtx, cfg.Prompt.Bucket)

	if err := es.InitES(cfg.Elasticsearch, cfg.Embedding.Dimensions); err != nil {
		log.Errorf("es 初始化失败 %s", err)
		return
	}
	kafka.InitProducer(cfg.Kafka)

	// 4. 初始化 Repository 与会话存储
	userRepository := repository.NewUserRepository(database.DB)
	docRepository := repository.NewDocumentRepository(database.DB)
	sessionStore := repository.NewSessionStore(cfg.Chat.SessionTimeoutSeconds, cfg.Chat.MaxSessions)

	// 5. 初始化 Service (依赖注入)
	jwtManager := token.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpireHours, cfg.JWT.RefreshTokenExpireDays)
	tikaClient := tika.NewClient(cfg.Tika)
	embeddingClient := embedding.NewClient(cfg.Embedding)
	llmClient := llm.NewClient(cfg.LLM)
	guardrailFilter := guardrail.NewClient(cfg.Guardrail)
	eurlexClient := eurlex.NewClient()

	userService := service.NewUserService(userRepository, jwtManager)
	documentService := service.NewDocumentService(docRepository, cfg.MinIO, cfg.Elasticsearch.IndexName)
	kbService := service.NewKnowledgeBaseService(embeddingClient, es.ESClient, eurlexClient, cfg.Elasticsearch.IndexName)

	// 指令模板是启动级依赖：对象缺失时先用本地种子文件引导，
	// 引导后仍然获取失败则拒绝启动。
	seedPromptTemplate(bootCtx, cfg.Prompt)
	templateStore := storage.NewTemplateStore(cfg.Prompt.Bucket)
	promptService, err := service.NewPromptService(bootCtx, templateStore, cfg.Prompt.TemplateObject, cfg.Chat.MaxHistory)
	if err != nil {
		log.Fatal("指令模板加载失败，服务拒绝启动", err)
	}

	chatService := service.NewChatService(sessionStore, kbService, promptService, llmClient, guardrailFilter, cfg.Chat)
	sessionService := service.NewSessionService(sessionStore)

	// 6. 初始化文件处理管道 (Processor)
	processor := pipeline.NewProcessor(
		tikaClient,
		embeddingClient,
		cfg.Elasticsearch,
		cfg.MinIO,
		cfg.Embedding,
		docRepository,
	)

	// 7. 启动后台 Kafka 消费者
	consumerCtx, cancelConsumer := context.WithCancel(context.Background())
	defer cancelConsumer()
	go kafka.StartConsumer(consumerCtx, cfg.Kafka, processor)

	// 7.1 初始化导入 initfile 目录下的法规文本（幂等，已登记则跳过）
	go initSeedFiles(consumerCtx, "initfile", userRepository, documentService)

	// 8. 设置 Gin 模式并创建路由引擎
	gin.SetMode(cfg.Server.Mode)
	r := gin.New() // 使用 New() 创建一个不带默认中间件的引擎
	// 添加我们自定义的日志中间件和 Gin 的 Recovery 中间件
	r.Use(middleware.RequestLogger(), gin.Recovery(), middleware.SecurityHeaders(), middleware.RateLimiter(cfg.RateLimit))

	// 9. 初始化 Handler
	userHandler := handler.NewUserHandler(userService)
	authHandler := handler.NewAuthHandler(userService)
	chatHandler := handler.NewChatHandler(chatService, userService, jwtManager)
	sessionHandler := handler.NewSessionHandler(sessionService)
	searchHandler := handler.NewSearchHandler(kbService)
	safetyHandler := handler.NewSafetyHandler(guardrailFilter)
	healthHandler := handler.NewHealthHandler(kbService, sessionService)
	documentHandler := handler.NewDocumentHandler(documentService)

	// 10. 注册路由
	// 存活探针（无需认证）
	r.GET("/health", healthHandler.Liveness)
	// WebSocket 聊天入口，JWT 通过路径参数传入，由 handler 自行校验
	r.GET("/ws/chat/:token", chatHandler.HandleWS)

	authRequired := middleware.AuthMiddleware(jwtManager, userService)
	apiV1 := r.Group("/api/v1")
	{
		// Auth 路由组
		auth := apiV1.Group("/auth")
		{
			auth.POST("/register", userHandler.Register)
			auth.POST("/login", userHandler.Login)
			auth.POST("/refresh", authHandler.RefreshToken)
			auth.POST("/logout", authRequired, userHandler.Logout)
		}

		// Users 路由组，需要认证
		users := apiV1.Group("/users")
		users.Use(authRequired)
		{
			users.GET("/profile", userHandler.GetProfile)
		}

		// Chat 路由组，需要认证
		chat := apiV1.Group("/chat")
		chat.Use(authRequired)
		{
			chat.POST("", chatHandler.Chat)
			chat.GET("/history/:sessionId", sessionHandler.GetHistory)
			chat.DELETE("/session/:sessionId", sessionHandler.DeleteSession)
			chat.GET("/sessions", sessionHandler.ListSessions)
			chat.GET("/ws-token", chatHandler.GetWebsocketStopToken)
		}

		// 检索与运维类路由，需要认证
		authed := apiV1.Group("/")
		authed.Use(authRequired)
		{
			authed.POST("/search", searchHandler.Search)
			authed.GET("/regulations/:id", searchHandler.LookupRegulation)
			authed.GET("/kb/health", healthHandler.KnowledgeBaseHealth)
			authed.GET("/safety/health", safetyHandler.Health)
			authed.GET("/stats", healthHandler.Stats)
		}

		// 安全过滤试运行，仅限管理员
		apiV1.POST("/safety/test", authRequired, middleware.AdminAuthMiddleware(), safetyHandler.Test)

		// Document 路由组，需要认证
		documents := apiV1.Group("/documents")
		documents.Use(authRequired)
		{
			documents.POST("", documentHandler.Upload)
			documents.GET("", documentHandler.List)
			documents.GET("/download", documentHandler.Download)
			documents.DELETE("/:fileMd5", documentHandler.Delete)
		}
	}

	// 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	// 等待中断信号以实现优雅停机
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")

	// 先停掉后台消费者，再给 HTTP 服务一个 5 秒的收尾窗口
	cancelConsumer()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("HTTP 服务器关闭失败: %v", err)
	}
	log.Info("服务已优雅关闭")
}

// seedPromptTemplate 在模板对象缺失时用本地种子文件初始化。
// 只负责首次部署的引导，日常运行以对象存储中的模板为准。
func seedPromptTemplate(ctx context.Context, cfg config.PromptConfig) {
	exists, err := storage.ObjectExists(ctx, cfg.Bucket, cfg.TemplateObject)
	if err != nil {
		log.Warnf("seedPromptTemplate: 检查模板对象失败: %v", err)
		return
	}
	if exists {
		return
	}

	data, err := os.ReadFile(cfg.SeedFile)
	if err != nil {
		log.Warnf("seedPromptTemplate: 读取种子模板失败: %s, err=%v", cfg.SeedFile, err)
		return
	}
	err = storage.PutObject(ctx, cfg.Bucket, cfg.TemplateObject, bytes.NewReader(data), int64(len(data)), "text/plain; charset=utf-8")
	if err != nil {
		log.Warnf("seedPromptTemplate: 上传种子模板失败: %v", err)
		return
	}
	log.Infof("seedPromptTemplate: 模板对象已初始化: %s/%s", cfg.Bucket, cfg.TemplateObject)
}

// initSeedFiles 扫描目录下的文件并通过标准入库流程导入（幂等）。
func initSeedFiles(ctx context.Context, dir string, userRepo repository.UserRepository, docSvc service.DocumentService) {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		log.Infof("initSeedFiles: 目录 '%s' 不存在或不可用，跳过初始化导入", dir)
		return
	}

	// 归属用户：优先 admin，不存在则登记为系统导入（UserID 为 0，仅管理员可删）
	var ownerUserID uint
	if admin, err := userRepo.FindByUsername("admin"); err == nil && admin != nil {
		ownerUserID = admin.ID
	}

	walkErr := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			log.Warnf("initSeedFiles: 打开文件失败: %s, err=%v", path, err)
			return nil
		}
		defer f.Close()

		doc, err := docSvc.Ingest(ctx, info.Name(), f, ownerUserID)
		if err != nil {
			log.Warnf("initSeedFiles: 导入失败: %s, err=%v", path, err)
			return nil
		}
		if doc.Status == model.DocStatusIndexed {
			log.Infof("initSeedFiles: 已入库，跳过: %s (md5=%s)", doc.FileName, doc.FileMD5)
		} else {
			log.Infof("initSeedFiles: 导入完成并已触发解析: %s", doc.FileName)
		}
		return nil
	})
	if walkErr != nil {
		log.Warnf("initSeedFiles: 遍历目录发生错误: %v", walkErr)
	}
}
