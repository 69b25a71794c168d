// main.go
package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/MIF20009/conversa/ai"
	"github.com/MIF20009/conversa/oauth"
)

var (
	db         *sql.DB
	httpClient = &http.Client{
		Timeout: 10 * time.Second,
	}
	config Config
)

func loadConfig() {
	if err := godotenv.Load(); err != nil {
		log.Printf("💡 Using platform environment variables (no .env file)")
	}

	config = Config{
		DatabaseURL: getEnvOrDie("DATABASE_URL"),
		Port:        getEnvOrDefault("PORT", "8080"),

		AppSecret:   getEnvOrDie("INSTAGRAM_APP_SECRET"),
		VerifyToken: getEnvOrDie("VERIFY_TOKEN"),

		GraphBaseURL: getEnvOrDefault("GRAPH_BASE_URL", "https://graph.facebook.com/v19.0"),
		AIBaseURL:    getEnvOrDefault("AI_BASE_URL", "https://api.openai.com/v1"),
		AIKey:        getEnvOrDie("OPENAI_API_KEY"),
		AIModel:      getEnvOrDefault("OPENAI_MODEL", "gpt-3.5-turbo"),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisUsername: os.Getenv("REDIS_USERNAME"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),

		DedupTTL:          getEnvDuration("DEDUP_TTL", 48*time.Hour),
		TokenExpiryMargin: getEnvDuration("TOKEN_EXPIRY_MARGIN", 5*time.Minute),
		HistoryLimit:      getEnvInt("HISTORY_LIMIT", 3),
		HistoryWindow:     getEnvDuration("HISTORY_WINDOW", 2*time.Hour),
		FallbackPolicy:    getEnvOrDefault("AI_FALLBACK_POLICY", FallbackRejectedOnly),
		SenderRatePerMin:  getEnvInt("SENDER_RATE_PER_MIN", 10),
		SenderBurst:       getEnvInt("SENDER_BURST", 5),

		AdminJWTSecret: getEnvOrDie("ADMIN_JWT_SECRET"),

		FacebookAppID:     getEnvOrDefault("FB_APP_ID", ""),
		FacebookAppSecret: getEnvOrDefault("FB_APP_SECRET", ""),
		OAuthRedirectURI:  getEnvOrDefault("OAUTH_REDIRECT_URI", ""),
	}
}

func getEnvOrDie(key string) string {
	value := os.Getenv(key)
	if value == "" {
		log.Fatalf("❌ %s environment variable is not set", key)
	}
	return value
}

func getEnvOrDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		log.Fatalf("❌ %s is not a valid duration: %v", key, err)
	}
	return d
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		log.Fatalf("❌ %s is not a valid integer: %v", key, err)
	}
	return n
}

func setupDatabase() {
	LogInfo("📊 Database URL configured (length: %d chars)", len(config.DatabaseURL))

	var err error
	for i := 0; i < 3; i++ {
		LogInfo("🔄 Database connection attempt %d/3...", i+1)
		if db, err = connectDB(); err == nil {
			LogInfo("✅ Successfully connected to database!")
			return
		}
		LogError("Connection attempt %d failed: %v", i+1, err)
		time.Sleep(time.Second * 2)
	}

	log.Fatal("❌ Failed to connect to database after 3 attempts")
}

func connectDB() (*sql.DB, error) {
	db, err := sql.Open("postgres", config.DatabaseURL)
	if err != nil {
		return nil, err
	}

	if err = db.Ping(); err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	LogInfo("⚙️ Database connection pool configured (max: 25 connections)")
	return db, nil
}

// setupRedis connects to Redis when REDIS_ADDR is set. Redis is an
// optimization layer (dedup fast path, profile cache); the gateway runs
// fine without it.
func setupRedis() *redis.Client {
	if config.RedisAddr == "" {
		LogInfo("💡 REDIS_ADDR not set - running without Redis")
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     config.RedisAddr,
		Username: config.RedisUsername,
		Password: config.RedisPassword,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		LogWarn("Redis connection failed, continuing without it: %v", err)
		return nil
	}

	LogInfo("✅ Redis connected")
	return client
}

func recoverMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				LogError("PANIC RECOVERED: %v", err)
				http.Error(w, "Internal server error", http.StatusInternalServerError)
			}
		}()
		next(w, r)
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := db.PingContext(r.Context()); err != nil {
		http.Error(w, "database unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)
	log.Printf("🚀 Starting Conversa message gateway...")

	loadConfig()
	initLogging()
	setupDatabase()
	redisClient := setupRedis()

	store := NewConversationStore(db)
	tokens := NewTokenStore(db, config.TokenExpiryMargin)
	dedup := NewEventDeduplicator(db, redisClient, config.DedupTTL)
	go dedup.PruneLoop(context.Background(), time.Hour)

	profiles := NewProfileCache(redisClient, httpClient, config.GraphBaseURL, tokens)

	responder := ai.New(ai.Config{
		APIKey:  config.AIKey,
		Model:   config.AIModel,
		BaseURL: config.AIBaseURL,
	})

	dispatcher := NewDispatcher(tokens, httpClient, config.GraphBaseURL, DefaultRetryPolicy())

	perMinute := rate.Limit(float64(config.SenderRatePerMin) / 60.0)
	limiter := NewSenderLimiter(perMinute, config.SenderBurst)

	pipeline := &Pipeline{
		Store:          store,
		Dedup:          dedup,
		AI:             responder,
		Sender:         dispatcher,
		Profiles:       profiles,
		Limiter:        limiter,
		VerifyToken:    config.VerifyToken,
		FallbackPolicy: config.FallbackPolicy,
		HistoryLimit:   config.HistoryLimit,
		HistoryWindow:  config.HistoryWindow,
	}

	admin := &AdminAPI{
		Store:     store,
		Sender:    dispatcher,
		Tokens:    tokens,
		JWTSecret: []byte(config.AdminJWTSecret),
	}

	oauthHandler := oauth.NewHandler(oauth.Config{
		AppID:        config.FacebookAppID,
		AppSecret:    config.FacebookAppSecret,
		RedirectURI:  config.OAuthRedirectURI,
		GraphBaseURL: config.GraphBaseURL,
	}, store, tokens, httpClient)

	router := http.NewServeMux()
	router.HandleFunc("/webhook/instagram",
		recoverMiddleware(requireValidSignature([]byte(config.AppSecret), pipeline.ServeWebhook)))
	router.HandleFunc("/api/send", recoverMiddleware(admin.RequireAuth(admin.HandleSend)))
	router.HandleFunc("/api/disconnect", recoverMiddleware(admin.RequireAuth(admin.HandleDisconnect)))
	router.HandleFunc("/oauth/instagram/callback", recoverMiddleware(oauthHandler.HandleCallback))
	router.HandleFunc("/healthz", handleHealth)

	LogInfo("🌐 Server starting on port %s", config.Port)
	log.Fatal(http.ListenAndServe(":"+config.Port, router))
}
