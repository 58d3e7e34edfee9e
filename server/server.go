package server

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"JukeFM/cache"
	"JukeFM/config"
	"JukeFM/core/auth"
	"JukeFM/core/backend"
	"JukeFM/core/hub"
	"JukeFM/core/jukebox"
	"JukeFM/core/ledger"
	"JukeFM/core/queue"
	"JukeFM/core/scheduler"
	"JukeFM/db"
	"JukeFM/logger"
	"JukeFM/model"
	"JukeFM/repository"

	"github.com/gorilla/mux"
)

// NewRouter 注册全部路由
func NewRouter(h *APIHandler) *mux.Router {
	router := mux.NewRouter()

	// 添加 CORS 中间件
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Max-Age", "86400") // 24 hours

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	})

	api := router.PathPrefix("/api").Subrouter()

	// 登录
	api.HandleFunc("/login", h.LoginHandler).Methods("POST", "OPTIONS")
	api.HandleFunc("/me", h.AuthMiddleware(h.MeHandler)).Methods("GET", "OPTIONS")

	// 队列
	api.HandleFunc("/queue", h.QueueHandler).Methods("GET", "OPTIONS")
	api.HandleFunc("/queue", h.AuthMiddleware(h.EnqueueHandler)).Methods("POST")
	api.HandleFunc("/queue/{id:.+}", h.AuthMiddleware(h.DeleteHandler)).Methods("DELETE", "OPTIONS")
	api.HandleFunc("/current", h.CurrentHandler).Methods("GET", "OPTIONS")
	api.HandleFunc("/search", h.AuthMiddleware(h.SearchHandler)).Methods("GET", "OPTIONS")
	api.HandleFunc("/history", h.AuthMiddleware(h.HistoryHandler)).Methods("GET", "OPTIONS")
	api.HandleFunc("/history/uncharged", h.AuthMiddleware(h.UnchargedHandler)).Methods("GET", "OPTIONS")

	// 播放控制
	api.HandleFunc("/volume/{percent:[0-9]+}", h.AuthMiddleware(h.VolumeHandler)).Methods("PUT", "OPTIONS")
	api.HandleFunc("/pause", h.AuthMiddleware(h.PauseHandler)).Methods("POST", "OPTIONS")
	api.HandleFunc("/play", h.AuthMiddleware(h.PlayHandler)).Methods("POST", "OPTIONS")
	api.HandleFunc("/previous", h.AuthMiddleware(h.PreviousHandler)).Methods("POST", "OPTIONS")

	router.HandleFunc("/ws/queue", h.QueueWSHandler)

	return router
}

// Start initializes and starts the HTTP server.
func Start() {
	cfg := config.Load()

	logger.InitLogger(logger.Config{
		Level:      logger.ParseLevel(cfg.LogLevel),
		OutputPath: cfg.LogFile,
	})
	defer logger.Sync()

	tokens, err := auth.NewTokenIssuer(cfg.JWTSecret, auth.DefaultTokenTTL)
	if err != nil {
		log.Fatalf("Failed to initialize token issuer: %v", err)
	}

	// 点歌记录
	if err := db.ConnectGormDB(cfg); err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.CloseGormDB()
	if err := db.AutoMigrateModels(&model.PlayRecord{}); err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	history := repository.NewGormPlayRecordRepository(db.GormDB)

	// 曲目元数据缓存，Redis 不可用时直接查询后端
	var trackCache jukebox.TrackCache
	if err := cache.ConnectRedis(cfg); err != nil {
		logger.Warn("Redis 不可用，曲目缓存已禁用", logger.ErrorField(err))
	} else {
		defer cache.CloseRedis()
		trackCache = cache.NewTrackCache(nil, cfg.TrackCacheTTL)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 后端
	local := backend.NewMPDDriver(cfg.MPDNetwork, cfg.MPDAddr, cfg.MPDPassword, cfg.PlaybackDeviceName, cfg.StaticArtworkBase)
	if version, err := local.Ping(ctx); err != nil {
		logger.Warn("MPD 暂时不可用", logger.String("addr", cfg.MPDAddr), logger.ErrorField(err))
	} else {
		logger.Info("已连接 MPD", logger.String("addr", cfg.MPDAddr), logger.String("version", version))
	}

	spotifyAuth := backend.NewSpotifyAuthenticator(cfg.SpotifyClientID, cfg.SpotifyClientSecret, cfg.SpotifyRedirectURL)
	streaming, err := backend.NewSpotifyDriverFromToken(ctx, spotifyAuth, cfg.SpotifyTokenPath, cfg.PlaybackDeviceName)
	if err != nil {
		log.Fatalf("Failed to load Spotify token (run `jukefm spotify auth` first): %v", err)
	}
	if err := streaming.WatchToken(ctx); err != nil {
		logger.Warn("无法监听 Spotify 令牌文件", logger.ErrorField(err))
	}

	// 账本
	bill := ledger.NewClient(cfg.BillAddr, cfg.BillTimeout)
	bill.SetStrictAccountLock(cfg.BillStrictLock)

	// 调度与对账
	sched := scheduler.New(nil)
	rec := jukebox.NewReconciler(local, streaming, queue.New(), sched, sched.Clock(), jukebox.Options{
		MinRunSpacing:      cfg.MinRunSpacing,
		LocalLookahead:     cfg.LocalLookahead,
		StreamingLookahead: cfg.StreamingLookahead,
	})
	svc := jukebox.NewService(rec, jukebox.ServiceConfig{
		Ledger:  bill,
		Costs:   ledger.CostPolicy{LongTrackSeconds: cfg.LongTrackSeconds},
		IsAdmin: cfg.IsAdmin,
		Cache:   trackCache,
		History: history,
	})

	queueHub := hub.NewHub()
	go queueHub.Run()
	defer queueHub.Stop()

	apiHandler := NewAPIHandler(svc, queueHub, tokens, cfg)
	rec.OnChange(apiHandler.BroadcastQueue)
	rec.Start(ctx, sched, cfg.TickInterval)
	go func() {
		if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("调度器退出", logger.ErrorField(err))
		}
	}()
	defer sched.Stop()

	// 设置服务器超时
	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      NewRouter(apiHandler),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// 创建一个通道来接收操作系统信号
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	// 在goroutine中启动服务器
	go func() {
		logger.Info("Server starting",
			logger.String("addr", cfg.ListenAddr),
			logger.String("device", cfg.PlaybackDeviceName))

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// 等待中断信号
	<-stop
	log.Println("Shutting down server...")

	// 创建一个5秒超时的上下文
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	// 优雅关闭服务器
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
