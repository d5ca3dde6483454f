// Package server assembles the lms services for one storage backend and
// exposes them over a chi router.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"golang.org/x/time/rate"

	"lms/internal/auth"
	"lms/internal/catalog"
	"lms/internal/circulation"
	"lms/internal/config"
	"lms/internal/httpjson"
	"lms/internal/logging"
	"lms/internal/membership"
	"lms/internal/migrations"
)

// App holds the wired services. Close releases the database, if any.
type App struct {
	Catalog     catalog.Service
	Members     membership.Service
	Circulation circulation.Service
	Ledger      circulation.Store
	Tokens      *auth.TokenIssuer

	logger logging.Logger
	db     *sqlx.DB
}

type options struct {
	now     func() time.Time
	limiter *rate.Limiter
	migrate bool
}

type Option func(*options)

// WithClock overrides the clock used by membership and circulation.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithLimiter overrides the register/login limiter built from config.
func WithLimiter(l *rate.Limiter) Option {
	return func(o *options) { o.limiter = l }
}

// WithMigrations applies pending migrations after connecting to Postgres.
func WithMigrations() Option {
	return func(o *options) { o.migrate = true }
}

// New builds an App backed by the storage driver named in cfg.
func New(ctx context.Context, cfg *config.Config, logger logging.Logger, opts ...Option) (*App, error) {
	o := options{now: time.Now, limiter: AuthLimiter(cfg.AuthRateLimitPerMinute)}
	for _, opt := range opts {
		opt(&o)
	}

	app := &App{logger: logger}
	var (
		books   catalog.Repository
		members membership.Repository
	)
	switch cfg.StorageDriver {
	case config.StoragePostgres:
		db, err := Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if o.migrate {
			if err := migrations.Up(ctx, db.DB); err != nil {
				db.Close()
				return nil, err
			}
		}
		app.db = db
		books = catalog.NewPostgresRepository(db)
		members = membership.NewPostgresRepository(db)
		app.Ledger = circulation.NewPostgresLedger(db)
	case config.StorageMemory:
		books = catalog.NewMemoryRepository()
		members = membership.NewMemoryRepository()
		app.Ledger = circulation.NewMemoryLedger()
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
	}

	app.Catalog = catalog.NewService(books)
	app.Members = membership.NewService(members,
		membership.WithLimiter(o.limiter),
		membership.WithLoanGuard(circulation.NewLoanGuard(app.Ledger)),
		membership.WithLogger(logger),
		membership.WithClock(o.now),
	)
	svc, err := circulation.NewService(app.Ledger, app.Members, app.Catalog,
		circulation.WithClock(o.now),
		circulation.WithLogger(logger),
	)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.Circulation = svc
	app.Tokens = auth.NewTokenIssuer(cfg.JWTSecret, cfg.TokenTTL)
	return app, nil
}

// Open connects to Postgres through lib/pq.
func Open(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// AuthLimiter allows perMinute register/login attempts per minute with a
// burst of the same size. Non-positive values disable limiting.
func AuthLimiter(perMinute int) *rate.Limiter {
	if perMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
}

func (a *App) Close() error {
	if a.db == nil {
		return nil
	}
	return a.db.Close()
}

// Router mounts every API route.
func (a *App) Router() http.Handler {
	books := catalog.NewHandler(a.Catalog)
	members := membership.NewHandler(a.Members, a.Tokens)
	loans := circulation.NewHandler(a.Circulation, a.logger)
	librarian := auth.RequireRole(membership.RoleLibrarian)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(a.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.health)

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/register", members.Register)
		r.Post("/auth/login", members.Login)

		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware(a.Tokens))
			r.Use(auth.CurrentRole(a.memberRole))

			r.Get("/books", books.ListBooks)
			r.Get("/books/available", loans.AvailableBooks)
			r.Get("/books/{isbn}", books.GetBook)
			r.With(librarian).Post("/books", books.AddBook)

			r.Get("/loans/my", loans.MyLoans)
			r.Post("/loans/borrow", loans.Borrow)
			r.Post("/loans/{id}/renew", loans.Renew)
			r.Post("/loans/{id}/return", loans.Return)
			r.Get("/loans/{id}/history", loans.History)

			r.With(librarian).Get("/members", members.ListMembers)
			r.With(librarian).Get("/members/search", members.SearchMembers)
			r.Get("/members/{id}", members.GetMember)
			r.Put("/members/{id}", members.UpdateMember)
			r.With(librarian).Delete("/members/{id}", members.DeleteMember)
		})
	})
	return r
}

func (a *App) memberRole(ctx context.Context, id uuid.UUID) (string, error) {
	m, err := a.Members.GetMember(ctx, id)
	if errors.Is(err, membership.ErrMemberNotFound) {
		return "", auth.ErrUnknownSubject
	}
	if err != nil {
		return "", err
	}
	return m.Role, nil
}

func (a *App) health(w http.ResponseWriter, r *http.Request) {
	if a.db != nil {
		if err := a.db.PingContext(r.Context()); err != nil {
			httpjson.Error(w, http.StatusServiceUnavailable, "UNAVAILABLE", "database unreachable")
			return
		}
	}
	httpjson.Write(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *App) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.logger.Debug(r.Context(), "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
