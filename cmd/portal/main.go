package main

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/goliatone/go-print"
	"github.com/goliatone/go-router"
	"github.com/joho/godotenv"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"

	portal "github.com/learnloop/go-portal"
	"github.com/learnloop/go-portal/provider/gotrue"
	"github.com/learnloop/go-portal/provider/local"
	"github.com/learnloop/go-portal/web"
)

// AppConfig holds the runtime settings, loaded from the environment.
type AppConfig struct {
	HTTPAddr    string `json:"http_addr"`
	DSN         string `json:"dsn"`
	UploadsDir  string `json:"uploads_dir"`
	ViewsDir    string `json:"views_dir"`
	PhoneRegion string `json:"phone_region"`
	Debug       bool   `json:"debug"`

	// GoTrue settings. When BaseURL is empty the portal runs against the
	// in-process local provider instead.
	GoTrueURL    string `json:"gotrue_url"`
	GoTrueAPIKey string `json:"-"`
	SigningKey   string `json:"-"`
}

func loadConfig() AppConfig {
	return AppConfig{
		HTTPAddr:     getEnv("HTTP_ADDR", ":8572"),
		DSN:          getEnv("PORTAL_DSN", "file:portal.db?cache=shared"),
		UploadsDir:   getEnv("PORTAL_UPLOADS_DIR", "./uploads"),
		ViewsDir:     getEnv("PORTAL_VIEWS_DIR", "./web/views"),
		PhoneRegion:  getEnv("PORTAL_PHONE_REGION", "US"),
		Debug:        strings.ToLower(getEnv("PORTAL_DEBUG", "false")) == "true",
		GoTrueURL:    getEnv("GOTRUE_URL", ""),
		GoTrueAPIKey: getEnv("GOTRUE_API_KEY", ""),
		SigningKey:   getEnv("PORTAL_SIGNING_KEY", "dev-signing-key"),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// App wires the portal together: persistence, identity provider, session
// manager, resource library, and the web surface.
type App struct {
	config   AppConfig
	bunDB    *bun.DB
	repo     portal.RepositoryManager
	provider portal.IdentityProvider
	sessions *portal.SessionManager
	library  portal.ResourceLibrary
	web      *web.App
	logger   portal.Logger
}

func main() {
	if err := godotenv.Load(); err != nil {
		fmt.Println("no .env file found, using environment")
	}

	cfg := loadConfig()

	fmt.Println("============")
	fmt.Println(print.MaybeHighlightJSON(cfg))
	fmt.Println("============")

	app := &App{
		config: cfg,
		logger: portal.NewDefaultLogger(),
	}

	ctx := context.Background()

	if err := WithPersistence(ctx, app); err != nil {
		panic(err)
	}

	if err := WithIdentityProvider(ctx, app); err != nil {
		panic(err)
	}

	if err := WithSessions(ctx, app); err != nil {
		panic(err)
	}

	if err := WithWebApp(ctx, app); err != nil {
		panic(err)
	}

	go func() {
		if err := app.web.Serve(cfg.HTTPAddr); err != nil {
			app.logger.Error("server stopped: %v", err)
		}
	}()

	WaitExitSignal()

	app.sessions.Dispose()
}

func WithPersistence(ctx context.Context, app *App) error {
	db, err := sql.Open(sqliteshim.ShimName, app.config.DSN)
	if err != nil {
		return err
	}

	bunDB := bun.NewDB(db, sqlitedialect.New())

	if _, err := bunDB.ExecContext(ctx, "PRAGMA foreign_keys = ON;"); err != nil {
		return err
	}

	if err := runMigrations(ctx, bunDB); err != nil {
		return err
	}

	app.bunDB = bunDB
	app.repo = portal.NewRepositoryManager(bunDB)
	app.repo.MustValidate()

	return nil
}

func runMigrations(ctx context.Context, db *bun.DB) error {
	root := "data/sql/migrations"

	entries, err := fs.ReadDir(portal.GetMigrationsFS(), root)
	if err != nil {
		return err
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".up.sql") {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		raw, err := fs.ReadFile(portal.GetMigrationsFS(), root+"/"+name)
		if err != nil {
			return err
		}
		if _, err := db.ExecContext(ctx, string(raw)); err != nil {
			return fmt.Errorf("migration %s: %w", name, err)
		}
	}

	return nil
}

func WithIdentityProvider(ctx context.Context, app *App) error {
	if app.config.GoTrueURL == "" {
		app.logger.Info("no GOTRUE_URL configured, using local identity provider")
		app.provider = local.New([]byte(app.config.SigningKey),
			local.WithLogger(app.logger),
		)
		return nil
	}

	cfg := gotrue.DefaultConfig(app.config.GoTrueURL, app.config.GoTrueAPIKey)

	opts := []gotrue.ClientOption{gotrue.WithClientLogger(app.logger)}
	if validator, err := gotrue.NewTokenValidator(cfg); err != nil {
		app.logger.Warn("token validation disabled: %v", err)
	} else {
		opts = append(opts, gotrue.WithTokenValidator(validator))
	}

	client, err := gotrue.NewClient(cfg, opts...)
	if err != nil {
		return err
	}

	app.provider = client
	return nil
}

func WithSessions(ctx context.Context, app *App) error {
	store := portal.NewProfileStore(app.repo.Profiles())

	app.sessions = portal.NewSessionManager(app.provider, store,
		portal.WithLogger(app.logger),
	)

	files := portal.NewDiskFileStore(app.config.UploadsDir, "/files")

	machine := portal.NewReviewStateMachine(app.repo.Resources(),
		portal.WithReviewMachineLogger(app.logger),
	)

	app.library = portal.NewResourceLibrary(
		app.repo.Resources(),
		app.repo.Profiles(),
		files,
		machine,
		portal.WithLibraryLogger(app.logger),
	)

	return app.sessions.Initialize(ctx)
}

func WithWebApp(ctx context.Context, app *App) error {
	app.web = web.New(web.Config{
		ViewsDir:    app.config.ViewsDir,
		Debug:       app.config.Debug,
		PhoneRegion: app.config.PhoneRegion,
		Sessions:    app.sessions,
		Library:     app.library,
		Logger:      app.logger,
	})

	app.web.Router().Static("/files", ".", router.Static{
		FS:   os.DirFS(app.config.UploadsDir),
		Root: ".",
	})

	return nil
}

func WaitExitSignal() os.Signal {
	ch := make(chan os.Signal, 3)
	signal.Notify(ch,
		syscall.SIGINT,
		syscall.SIGQUIT,
		syscall.SIGTERM,
	)
	return <-ch
}
