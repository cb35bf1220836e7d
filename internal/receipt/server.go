package receipt

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server handles HTTP requests for uploads, profiles and accounts
type Server struct {
	service  *Service
	accounts *Accounts
	mux      *http.ServeMux
}

type contextKey int

const userKey contextKey = iota

// NewServer creates a new Server with default mux
func NewServer(service *Service, accounts *Accounts) *Server {
	return NewServerWithMux(service, accounts, http.NewServeMux())
}

// NewServerWithMux creates a new Server with a custom mux for testing
func NewServerWithMux(service *Service, accounts *Accounts, mux *http.ServeMux) *Server {
	s := &Server{
		service:  service,
		accounts: accounts,
		mux:      mux,
	}
	s.registerRoutes()
	return s
}

// withUser stores the authenticated user on the request context
func withUser(ctx context.Context, user *User) context.Context {
	return context.WithValue(ctx, userKey, user)
}

// UserFromContext returns the authenticated user, or nil
func UserFromContext(ctx context.Context) *User {
	user, _ := ctx.Value(userKey).(*User)
	return user
}

// corsMiddleware adds CORS headers to responses
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w)

		// Handle preflight OPTIONS requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// requireAuth checks basic auth credentials against the stored accounts
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if ok {
			user, err := s.accounts.Authenticate(username, password)
			if err == nil {
				next(w, r.WithContext(withUser(r.Context(), user)))
				return
			}
			if !errors.Is(err, ErrInvalidCredentials) {
				slog.Error("Error authenticating", "username", username, "error", err)
			}
		}
		w.Header().Set("WWW-Authenticate", `Basic realm="Receipt Ledger"`)
		corsError(w, "Unauthorized", http.StatusUnauthorized)
	}
}

// requireAdmin rejects authenticated users without the admin flag
func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return s.requireAuth(func(w http.ResponseWriter, r *http.Request) {
		if user := UserFromContext(r.Context()); user == nil || !user.IsAdmin {
			corsError(w, "Forbidden", http.StatusForbidden)
			return
		}
		next(w, r)
	})
}

// registerRoutes registers all API routes on the server's mux
// Routes must be registered from most specific to least specific to avoid conflicts
func (s *Server) registerRoutes() {
	// Uploads
	s.mux.HandleFunc("POST /api/uploads", s.requireAuth(s.handleUpload))

	// Profiles (most specific paths first)
	s.mux.HandleFunc("GET /api/profiles/{name}/ledger.xlsx", s.requireAuth(s.handleDownloadLedger))
	s.mux.HandleFunc("GET /api/profiles/{name}/ledger", s.requireAuth(s.handleGetLedger))
	s.mux.HandleFunc("DELETE /api/profiles/{name}", s.requireAuth(s.handleDeleteProfile))
	s.mux.HandleFunc("GET /api/profiles", s.requireAuth(s.handleListProfiles))
	s.mux.HandleFunc("POST /api/profiles", s.requireAuth(s.handleCreateProfile))

	// Accounts
	s.mux.HandleFunc("GET /api/me", s.requireAuth(s.handleMe))
	s.mux.HandleFunc("DELETE /api/users/{username}", s.requireAdmin(s.handleDeleteUser))
	s.mux.HandleFunc("GET /api/users", s.requireAdmin(s.handleListUsers))
	s.mux.HandleFunc("POST /api/users", s.requireAdmin(s.handleCreateUser))

	s.mux.Handle("GET /metrics", promhttp.Handler())

	// Static HTML interface (register last as it's the catch-all)
	s.mux.HandleFunc("GET /index.html", s.requireAuth(s.handleIndex))
	s.mux.HandleFunc("GET /{$}", s.requireAuth(s.handleIndex))
}

// Start starts the HTTP server and shuts it down when ctx is done
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting server", "address", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("Shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.corsMiddleware(s.mux).ServeHTTP(w, r)
}
