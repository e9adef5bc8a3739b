// Package server owns and wires the application components: database,
// profile store, session registry, scanners, usage polling, and the
// HTTP surface.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"

	"github.com/sessiondeck/sessiondeck/api"
	"github.com/sessiondeck/sessiondeck/auth"
	"github.com/sessiondeck/sessiondeck/autoswitch"
	"github.com/sessiondeck/sessiondeck/config"
	"github.com/sessiondeck/sessiondeck/db"
	"github.com/sessiondeck/sessiondeck/events"
	"github.com/sessiondeck/sessiondeck/log"
	"github.com/sessiondeck/sessiondeck/profile"
	"github.com/sessiondeck/sessiondeck/scanner"
	"github.com/sessiondeck/sessiondeck/session"
	"github.com/sessiondeck/sessiondeck/usage"
)

const autoSwitchSettingsKey = "autoswitch_settings"

// Server owns and coordinates all application components
type Server struct {
	cfg *config.Config

	bus       *events.Bus
	profiles  *profile.Store
	watcher   *profile.CredentialWatcher
	registry  *session.Registry
	persister *session.Persister
	scanner   *scanner.Scanner
	auth      *auth.Manager
	usage     *usage.Monitor
	switcher  *autoswitch.Controller

	unsubscribeRegistry func()

	// scanner detach handles for ordinary sessions, released on exit/destroy
	scanMu     sync.Mutex
	scanDetach map[string]func()

	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc

	router *gin.Engine
	http   *http.Server
}

// scanResolver combines login-session attribution (auth manager) with
// active-profile attribution (profile store)
type scanResolver struct {
	auth     *auth.Manager
	profiles *profile.Store
}

func (r *scanResolver) LoginProfile(sessionID string) (string, bool) {
	return r.auth.LoginProfile(sessionID)
}

func (r *scanResolver) ActiveProfileID() string {
	if active, err := r.profiles.Active(); err == nil && active != nil {
		return active.ID
	}
	return ""
}

// New creates a server with all components initialized
func New(cfg *config.Config) (*Server, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:            cfg,
		scanDetach:     make(map[string]func()),
		shutdownCtx:    ctx,
		shutdownCancel: cancel,
	}

	log.Info().Msg("initializing database")
	_ = db.GetDB()

	if level, err := db.GetSetting("log_level"); err == nil && level != "" {
		log.SetLevel(level)
		log.Info().Str("level", level).Msg("log level set from settings")
	}

	s.bus = events.NewBus()

	store, err := profile.NewStore(profile.NewDBBackend(), cfg.CredentialsDir, cfg.DefaultCredentialsDir)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize profile store: %w", err)
	}
	s.profiles = store

	s.registry = session.NewRegistry(session.NewPTYSpawner(), cfg.AgentCommand, cfg.MaxSessions)
	s.persister = session.NewPersister(s.registry, session.NewDBSnapshotStore(),
		time.Duration(cfg.SnapshotIntervalMs)*time.Millisecond)

	s.auth = auth.NewManager(s.registry, s.profiles, func(attempt *auth.Attempt, state auth.State) {
		s.bus.Publish(events.Event{
			Type:      events.EventAuthStateChanged,
			AttemptID: attempt.ID,
			SessionID: attempt.SessionID,
			ProfileID: attempt.ProfileID,
			Data:      attempt.ToJSON(),
		})
	})

	autoSettings := autoswitch.DefaultSettings()
	if err := db.GetSettingJSON(autoSwitchSettingsKey, &autoSettings); err != nil {
		autoSettings = autoswitch.DefaultSettings()
	}
	s.usage = usage.NewMonitor(s.profiles, usage.NewCLIFetcher(cfg.AgentCommand), func(profileID string, snap usage.Snapshot) {
		s.bus.Publish(events.Event{
			Type:      events.EventUsageUpdated,
			ProfileID: profileID,
			Data:      snap,
		})
		s.switcher.OnUsage(profileID, snap)
	})
	s.switcher = autoswitch.NewController(s.profiles, s.registry, s.usage, autoSettings,
		func(n autoswitch.Notification) {
			s.bus.Publish(events.Event{
				Type:      events.EventAutoSwitchNotified,
				ProfileID: n.FromProfileID,
				Data:      n,
			})
		},
		func(settings autoswitch.Settings) error {
			return db.SetSettingJSON(autoSwitchSettingsKey, settings)
		})

	handlers := s.auth.Handlers()
	handlers.OnRateLimit = func(ev scanner.RateLimitEvent) {
		s.switcher.OnRateLimit(ev.ProfileID)
	}
	s.scanner = scanner.New(s.registry, &scanResolver{auth: s.auth, profiles: s.profiles}, handlers)
	s.auth.SetScanner(s.scanner)

	s.connectServices()
	s.setupRouter()

	log.Info().Msg("server initialized")
	return s, nil
}

// connectServices wires component event flows
func (s *Server) connectServices() {
	s.unsubscribeRegistry = s.registry.SubscribeEvents(func(ev session.Event) {
		switch ev.Type {
		case session.EventCreated:
			// Login sessions are watched by their attempt; everything else
			// gets the rate-limit detector.
			if _, isLogin := s.auth.LoginProfile(ev.SessionID); !isLogin {
				detach, err := s.scanner.Attach(ev.SessionID)
				if err != nil {
					log.Warn().Err(err).Str("sessionId", ev.SessionID).Msg("Failed to attach scanner")
					break
				}
				s.scanMu.Lock()
				s.scanDetach[ev.SessionID] = detach
				s.scanMu.Unlock()
			}
		case session.EventOutput:
			s.bus.Publish(events.Event{
				Type:      events.EventSessionOutput,
				SessionID: ev.SessionID,
				Data:      string(ev.Data),
			})
		case session.EventExited:
			s.releaseScanner(ev.SessionID)
			s.bus.Publish(events.Event{
				Type:      events.EventSessionExited,
				SessionID: ev.SessionID,
				Data:      map[string]interface{}{"exitCode": ev.ExitCode},
			})
		case session.EventDestroyed:
			s.releaseScanner(ev.SessionID)
			s.persister.Forget(ev.SessionID)
		case session.EventRetryProfile:
			s.bus.Publish(events.Event{
				Type:      events.EventSessionRetry,
				SessionID: ev.SessionID,
				ProfileID: ev.ProfileID,
			})
		}
	})

	// Watch the default profile's ambient credential directory so its
	// authenticated flag tracks external logins
	if watcher, err := profile.NewCredentialWatcher(s.cfg.DefaultCredentialsDir, func(authenticated bool) {
		s.bus.Publish(events.Event{
			Type:      events.EventUsageUpdated,
			ProfileID: "default",
			Data:      map[string]interface{}{"authenticated": authenticated},
		})
	}); err == nil {
		s.watcher = watcher
	} else {
		log.Warn().Err(err).Msg("Credential watcher unavailable")
	}
}

// releaseScanner detaches the session's detectors and drops its scanner
// state. Exited and destroyed ids never produce output again.
func (s *Server) releaseScanner(sessionID string) {
	s.scanMu.Lock()
	detach := s.scanDetach[sessionID]
	delete(s.scanDetach, sessionID)
	s.scanMu.Unlock()
	if detach != nil {
		detach()
	}
	s.scanner.Release(sessionID)
}

// setupRouter creates and configures the Gin router
func (s *Server) setupRouter() {
	if !s.cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(log.GinLogger())

	if s.cfg.IsDevelopment() {
		s.router.Use(s.corsMiddleware())
	}

	// Gzip compression (skip WebSocket endpoints)
	s.router.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPathsRegexs([]string{
		`^/api/sessions/[^/]+/stream$`,
		`^/api/events$`,
	})))

	s.router.SetTrustedProxies(nil)

	s.router.GET("/.well-known/*path", func(c *gin.Context) {
		c.Status(http.StatusNotFound)
	})

	h := api.NewHandlers(s.registry, s.persister, s.profiles, s.auth, s.usage, s.switcher, s.bus)
	api.SetupRoutes(s.router, h)
}

// corsMiddleware handles CORS for development environments
func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		allowedOrigins := map[string]bool{
			"http://localhost:12400": true,
			"http://localhost:12401": true,
		}
		if allowedOrigins[origin] {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
		}
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, PATCH, HEAD, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Requested-With")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// Start launches background workers and the HTTP listener. Blocks until
// the listener stops.
func (s *Server) Start() error {
	s.persister.Start(s.shutdownCtx)

	s.usage.Start(s.switcher.Settings().PollIntervalMs)

	if s.watcher != nil {
		if err := s.watcher.Start(s.shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Failed to start credential watcher")
		}
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.http = &http.Server{
		Addr:     addr,
		Handler:  s.router,
		ErrorLog: log.StdErrorLogger(),
	}

	log.Info().Str("addr", addr).Str("env", s.cfg.Env).Msg("server starting")
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops components in dependency order
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down server")

	s.shutdownCancel()

	s.auth.Shutdown()
	s.usage.Stop()
	if s.unsubscribeRegistry != nil {
		s.unsubscribeRegistry()
	}
	s.bus.Shutdown()

	// Persist live sessions before killing them
	s.persister.SnapshotNow()
	if err := s.registry.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("session registry shutdown error")
	}

	var httpErr error
	if s.http != nil {
		httpErr = s.http.Shutdown(ctx)
	}

	if err := db.Close(); err != nil {
		log.Error().Err(err).Msg("database close error")
	}

	log.Info().Msg("server stopped")
	return httpErr
}
