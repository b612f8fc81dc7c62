package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/kolabtext/colabtext/pkg/logging"
	"github.com/kolabtext/colabtext/pkg/metrics"
	"github.com/kolabtext/colabtext/pkg/persistence"
	"github.com/kolabtext/colabtext/pkg/session"
	"github.com/kolabtext/colabtext/pkg/transport"
	"github.com/kolabtext/colabtext/pkg/transport/ws"
)

// config holds all server configuration, extended from the teacher's
// getEnv/getEnvInt shape with the options SPEC_FULL §6 recognizes.
type config struct {
	Port                  string
	SQLiteURI             string
	StaleThreshold        time.Duration
	EvictThreshold        time.Duration
	SessionCleanupDelay   time.Duration
	PersistInterval       time.Duration
	UserColorPalette      []string
	MaxFrameBytes         int64
	MaxConcurrentSessions int
	MaxPeersPerSession    int
	SendBufferSize        int
}

var defaultPalette = []string{
	"#e57373", "#f06292", "#ba68c8", "#9575cd", "#64b5f6",
	"#4db6ac", "#81c784", "#ffd54f", "#ff8a65", "#a1887f",
}

func loadConfig() config {
	return config{
		Port:                  getEnv("PORT", "3030"),
		SQLiteURI:             os.Getenv("SQLITE_URI"),
		StaleThreshold:        time.Duration(getEnvInt("STALE_THRESHOLD_MS", 30000)) * time.Millisecond,
		EvictThreshold:        time.Duration(getEnvInt("EVICT_THRESHOLD_MS", 60000)) * time.Millisecond,
		SessionCleanupDelay:   time.Duration(getEnvInt("SESSION_CLEANUP_DELAY_MS", 0)) * time.Millisecond,
		PersistInterval:       time.Duration(getEnvInt("PERSIST_INTERVAL_SECONDS", 3)) * time.Second,
		UserColorPalette:      getEnvList("USER_COLOR_PALETTE", defaultPalette),
		MaxFrameBytes:         int64(getEnvInt("MAX_FRAME_BYTES", 1<<20)),
		MaxConcurrentSessions: getEnvInt("MAX_CONCURRENT_SESSIONS", 0),
		MaxPeersPerSession:    getEnvInt("MAX_PEERS_PER_SESSION", 256),
		SendBufferSize:        getEnvInt("SEND_BUFFER_SIZE", 16),
	}
}

func main() {
	if err := logging.Init(); err != nil {
		panic(err)
	}
	log := logging.L().Logger
	defer logging.Sync()

	cfg := loadConfig()
	log.Info("starting colabtext server",
		zap.String("port", cfg.Port),
		zap.Duration("stale_threshold", cfg.StaleThreshold),
		zap.Duration("evict_threshold", cfg.EvictThreshold),
	)

	m := metrics.New()

	var store *persistence.Store
	if cfg.SQLiteURI != "" {
		var err error
		store, err = persistence.Open(cfg.SQLiteURI)
		if err != nil {
			log.Fatal("failed to open persistence store", zap.Error(err))
		}
		defer store.Close()
		log.Info("persistence enabled", zap.String("uri", cfg.SQLiteURI))
	} else {
		log.Info("persistence disabled (in-memory only)")
	}

	startTime := time.Now()

	sessionCfg := session.Config{
		StaleThreshold:  cfg.StaleThreshold,
		EvictThreshold:  cfg.EvictThreshold,
		MaxPeers:        cfg.MaxPeersPerSession,
		ColorPalette:    cfg.UserColorPalette,
		PersistInterval: cfg.PersistInterval,
		SendBufferSize:  cfg.SendBufferSize,
	}

	factory := func(ctx context.Context, docID string) (*session.Session, error) {
		var persister session.Persister
		if store != nil {
			persister = store
		}
		sess := session.New(ctx, docID, 0, sessionCfg, persister, m)
		if store != nil {
			if blob, err := store.Load(ctx, docID); err != nil {
				log.Warn("failed to load snapshot", zap.String("doc_id", docID), zap.Error(err))
			} else if blob != nil {
				if err := sess.Restore(blob); err != nil {
					log.Warn("failed to restore snapshot", zap.String("doc_id", docID), zap.Error(err))
				} else {
					log.Info("restored document from snapshot", zap.String("doc_id", docID))
				}
			}
		}
		return sess, nil
	}

	registry := transport.NewRegistry(factory, cfg.MaxConcurrentSessions, cfg.SessionCleanupDelay)
	supervisor := transport.NewSupervisor(registry, 30*time.Second, cfg.EvictThreshold)

	var activeConns int64

	mux := http.NewServeMux()
	mux.HandleFunc("/api/socket/", func(w http.ResponseWriter, r *http.Request) {
		docID := strings.TrimPrefix(r.URL.Path, "/api/socket/")
		if docID == "" {
			http.Error(w, "document ID required", http.StatusBadRequest)
			return
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			CompressionMode: websocket.CompressionDisabled,
		})
		if err != nil {
			log.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		atomic.AddInt64(&activeConns, 1)
		m.ConnectionsActive.Inc()
		defer func() {
			atomic.AddInt64(&activeConns, -1)
			m.ConnectionsActive.Dec()
		}()

		adapter := ws.New(r.Context(), conn, cfg.MaxFrameBytes)
		if err := supervisor.Serve(r.Context(), docID, adapter); err != nil {
			log.Debug("connection ended", zap.String("doc_id", docID), zap.Error(err))
		}
		conn.Close(websocket.StatusNormalClosure, "")
	})

	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/api/stats", func(w http.ResponseWriter, r *http.Request) {
		dbSize := 0
		if store != nil {
			if n, err := store.Count(r.Context()); err == nil {
				dbSize = n
			}
		}
		stats := struct {
			StartTime      int64 `json:"start_time"`
			NumDocuments   int   `json:"num_documents"`
			ActiveConns    int64 `json:"active_connections"`
			PersistedCount int   `json:"database_size"`
		}{
			StartTime:      startTime.Unix(),
			NumDocuments:   registry.Count(),
			ActiveConns:    atomic.LoadInt64(&activeConns),
			PersistedCount: dbSize,
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(stats)
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Port),
		Handler: mux,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("error during shutdown", zap.Error(err))
		}
	}()

	log.Info("listening", zap.String("addr", srv.Addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal("server error", zap.Error(err))
	}
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
