package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/commgate/commgate/internal/api/middleware"
	"github.com/commgate/commgate/internal/calls"
	"github.com/commgate/commgate/internal/config"
	"github.com/commgate/commgate/internal/database"
	"github.com/commgate/commgate/internal/database/models"
	"github.com/commgate/commgate/internal/events"
	"github.com/commgate/commgate/internal/media"
	"github.com/commgate/commgate/internal/provider"
	"github.com/commgate/commgate/internal/sms"
	"github.com/commgate/commgate/internal/voip"
)

// CallController is the call-control surface the handlers need.
type CallController interface {
	AnswerCall(callID, targetExtension string) error
	RejectCall(callID string) error
	GetRingingCalls() []calls.RingingCall
	Originate(fromExtension, destination, callerID string, timeout time.Duration) (string, error)
}

// SMSSender routes an outbound SMS to a provider.
type SMSSender interface {
	SendMessage(ctx context.Context, to, text string, opts sms.SendOptions) (*provider.SendResult, error)
	HealthSnapshot() map[string]sms.Health
}

// ChatSender reflects an outbound chat message to a backend.
type ChatSender interface {
	SendText(ctx context.Context, to, text string) (*models.Message, error)
}

// ExtensionProvisioner manages PBX endpoints for users.
type ExtensionProvisioner interface {
	CreateExtension(ctx context.Context, userID int64, opts voip.CreateOptions) (*models.VoIPExtension, error)
	DeleteExtension(ctx context.Context, extension string) error
	UpdateSecret(ctx context.Context, extension string) (string, error)
	Resync(ctx context.Context, extension string) error
	GetStatus(ctx context.Context, extension string) (*voip.Status, error)
}

// Server is the HTTP boundary of the gateway.
type Server struct {
	cfg         *config.Config
	store       *database.Store
	bus         *events.Bus
	registry    *provider.Registry
	sender      SMSSender
	tracker     CallController
	provisioner ExtensionProvisioner
	chatSenders map[string]ChatSender
	mediaURLs   map[string]*media.URLCache
	jwtSecret   []byte
	logger      *slog.Logger
	registryP   *prometheus.Registry
	router      chi.Router
}

// Options carries the server's collaborators.
type Options struct {
	Config      *config.Config
	Store       *database.Store
	Bus         *events.Bus
	Registry    *provider.Registry
	Sender      SMSSender
	Tracker     CallController
	Provisioner ExtensionProvisioner
	// ChatSenders maps a provider label ("sms", "whatsapp") to the
	// reflector that can deliver messages for that backend.
	ChatSenders map[string]ChatSender
	// MediaURLs maps a provider label to the signed-URL cache of its
	// backend. Labels without an entry cannot resolve media references.
	MediaURLs map[string]*media.URLCache
	JWTSecret []byte
	Logger    *slog.Logger
	// Prometheus holds the metrics registry served on /metrics. Nil
	// disables the endpoint.
	Prometheus *prometheus.Registry
}

// NewServer creates the HTTP server and mounts all routes.
func NewServer(opts Options) *Server {
	s := &Server{
		cfg:         opts.Config,
		store:       opts.Store,
		bus:         opts.Bus,
		registry:    opts.Registry,
		sender:      opts.Sender,
		tracker:     opts.Tracker,
		provisioner: opts.Provisioner,
		chatSenders: opts.ChatSenders,
		mediaURLs:   opts.MediaURLs,
		jwtSecret:   opts.JWTSecret,
		logger:      opts.Logger.With("component", "api"),
		registryP:   opts.Prometheus,
	}
	s.router = s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger)
	r.Use(middleware.Recoverer)

	apiLimiter := middleware.NewIPRateLimiter(middleware.DefaultRateLimitConfig())
	authLimiter := middleware.NewIPRateLimiter(middleware.AuthRateLimitConfig())

	// Unauthenticated surface.
	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimit(authLimiter))
		r.Post("/auth/login", s.handleLogin)
		r.Get("/setup/status", s.handleSetupStatus)
	})

	if s.registryP != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(
			s.registryP, promhttp.HandlerOpts{}))
	}

	// Session-authenticated surface.
	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimit(apiLimiter))
		r.Use(middleware.RequireAuth(s.store))

		r.Post("/auth/logout", s.handleLogout)
		r.Post("/auth/password", s.handleChangePassword)
		r.Post("/auth/app-token", s.handleAppToken)

		r.Post("/sms/send", s.handleSendSMS)

		r.Post("/voip/answer", s.handleAnswerCall)
		r.Post("/voip/reject", s.handleRejectCall)
		r.Get("/voip/ringing", s.handleRingingCalls)
		r.Post("/voip/originate", s.handleOriginate)

		r.Route("/voip/extensions", func(r chi.Router) {
			r.Post("/", s.handleCreateExtension)
			r.Get("/", s.handleListExtensions)
			r.Delete("/{extension}", s.handleDeleteExtension)
			r.Post("/{extension}/secret", s.handleRotateSecret)
			r.Post("/{extension}/resync", s.handleResyncExtension)
			r.Get("/{extension}/status", s.handleExtensionStatus)
		})

		r.Get("/providers/status", s.handleProvidersStatus)

		r.Get("/chats", s.handleListChats)
		r.Get("/chats/{chatID}/messages", s.handleListMessages)
		r.Get("/chats/{chatID}/messages/{messageID}/media", s.handleMessageMedia)
		r.Post("/chats/send", s.handleSendChat)
		r.Post("/chats/{chatID}/read", s.handleMarkChatRead)

		r.Get("/calls", s.handleListCalls)
		r.Post("/calls/{callID}/seen", s.handleMarkCallSeen)

		r.Get("/events", s.handleEvents)
	})

	// Mobile app surface, JWT-authenticated.
	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimit(apiLimiter))
		r.Use(middleware.RequireAppAuth(s.jwtSecret))

		r.Post("/app/push-token", s.handleRegisterPushToken)
		r.Post("/app/webpush", s.handleRegisterWebPush)
		r.Get("/app/events", s.handleEvents)
	})

	return r
}
