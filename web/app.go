// Package web hosts the portal HTTP surface: login, registration, the
// student home page, and the admin review queue.
package web

import (
	"io"
	"mime/multipart"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/template/django/v3"
	"github.com/goliatone/go-router"
	"github.com/goliatone/go-router/flash"
	mflash "github.com/goliatone/go-router/middleware/flash"
	"github.com/google/uuid"

	portal "github.com/learnloop/go-portal"
)

// Config carries everything the web surface needs to run.
type Config struct {
	ViewsDir    string
	ViewsExt    string
	Debug       bool
	PhoneRegion string
	Sessions    *portal.SessionManager
	Guard       *portal.RouteGuard
	Library     portal.ResourceLibrary
	Logger      portal.Logger
}

// App wraps the fiber server and its route wiring.
type App struct {
	srv      router.Server[*fiber.App]
	sessions *portal.SessionManager
	guard    *portal.RouteGuard
	library  portal.ResourceLibrary
	logger   portal.Logger
}

// New builds the portal web application.
func New(cfg Config) *App {
	if cfg.Sessions == nil {
		panic("web: missing SessionManager")
	}

	if cfg.ViewsDir == "" {
		cfg.ViewsDir = "./views"
	}
	if cfg.ViewsExt == "" {
		cfg.ViewsExt = ".html"
	}
	if cfg.Logger == nil {
		cfg.Logger = portal.NewDefaultLogger()
	}
	if cfg.Guard == nil {
		cfg.Guard = portal.NewRouteGuard(cfg.Sessions, portal.WithGuardLogger(cfg.Logger))
	}

	engine := django.New(cfg.ViewsDir, cfg.ViewsExt)

	srv := router.NewFiberAdapter(func(a *fiber.App) *fiber.App {
		return router.DefaultFiberOptions(fiber.New(fiber.Config{
			UnescapePath:      true,
			StrictRouting:     false,
			PassLocalsToViews: true,
			Views:             engine,
		}))
	})

	app := &App{
		srv:      srv,
		sessions: cfg.Sessions,
		guard:    cfg.Guard,
		library:  cfg.Library,
		logger:   cfg.Logger,
	}

	r := srv.Router()
	r.Use(mflash.New(mflash.ConfigDefault))

	portal.RegisterPortalRoutes(r,
		portal.WithControllerSessions(cfg.Sessions),
		portal.WithControllerGuard(cfg.Guard),
		portal.WithControllerLogger(cfg.Logger),
		portal.WithControllerDebug(cfg.Debug),
	)

	protected := cfg.Guard.ProtectedRoute(nil)
	adminOnly := cfg.Guard.RequireRole(portal.RoleAdmin)

	r.Get("/", app.rootRedirect).SetName("root.get")
	r.Get("/home", protected(app.homeShow)).SetName("home.get")
	r.Post("/home/resources", protected(app.resourceSubmit)).SetName("resources.post")
	r.Get("/admin", protected(adminOnly(app.adminShow))).SetName("admin.get")
	r.Post("/admin/resources/:id/approve", protected(adminOnly(app.resourceApprove))).SetName("resources.approve")
	r.Post("/admin/resources/:id/reject", protected(adminOnly(app.resourceReject))).SetName("resources.reject")

	return app
}

// Serve starts the HTTP listener.
func (a *App) Serve(addr string) error {
	return a.srv.Serve(addr)
}

// Router exposes the underlying router for additional wiring.
func (a *App) Router() router.Router[*fiber.App] {
	return a.srv.Router()
}

func (a *App) rootRedirect(ctx router.Context) error {
	state := a.sessions.State()
	if !state.IsAuthenticated() {
		return ctx.Redirect("/login", router.StatusSeeOther)
	}
	if portal.RoleAtLeast(state.User.Role, portal.RoleAdmin) {
		return ctx.Redirect("/admin", router.StatusSeeOther)
	}
	return ctx.Redirect("/home", router.StatusSeeOther)
}

func (a *App) homeShow(ctx router.Context) error {
	user, _ := portal.FromRouterContext(ctx, "")

	var mine []*portal.Resource
	if a.library != nil && user != nil {
		var err error
		mine, err = a.library.ListMine(ctx.Context(), user)
		if err != nil {
			a.logger.Error("list resources: %v", err)
		}
	}

	return ctx.Render("home", router.ViewContext{
		"user":      user,
		"resources": mine,
	})
}

func (a *App) adminShow(ctx router.Context) error {
	user, _ := portal.FromRouterContext(ctx, "")

	var pending []*portal.Resource
	if a.library != nil {
		var err error
		pending, err = a.library.Pending(ctx.Context())
		if err != nil {
			a.logger.Error("list pending resources: %v", err)
		}
	}

	return ctx.Render("admin", router.ViewContext{
		"user":    user,
		"pending": pending,
	})
}

func (a *App) resourceSubmit(ctx router.Context) error {
	user, _ := portal.FromRouterContext(ctx, "")

	input := new(portal.ResourceInput)
	if err := ctx.Bind(input); err != nil {
		return flash.WithError(ctx, router.ViewContext{
			"error_message":  err.Error(),
			"system_message": "Error parsing form",
		}).Redirect("/home", fiber.StatusSeeOther)
	}

	// The file is optional; link-only submissions stay valid.
	var body io.Reader
	if file, ferr := ctx.FormFile("file"); ferr == nil && file != nil {
		src, err := attachUpload(input, file)
		if err != nil {
			return flash.WithError(ctx, router.ViewContext{
				"error_message":  err.Error(),
				"system_message": "Could not read uploaded file",
			}).Redirect("/home", fiber.StatusSeeOther)
		}
		defer src.Close()
		body = src
	}

	if _, err := a.library.Submit(ctx.Context(), user, *input, body); err != nil {
		a.logger.Error("submit resource: %v", err)
		return flash.WithError(ctx, router.ViewContext{
			"error_message":  err.Error(),
			"system_message": "Could not submit resource",
		}).Redirect("/home", fiber.StatusSeeOther)
	}

	return flash.WithSuccess(ctx, router.ViewContext{
		"system_message": "Resource submitted for review",
	}).Redirect("/home", fiber.StatusSeeOther)
}

// attachUpload opens the submitted file and copies its name and content type
// onto the input. The caller owns the returned reader.
func attachUpload(input *portal.ResourceInput, file *multipart.FileHeader) (multipart.File, error) {
	src, err := file.Open()
	if err != nil {
		return nil, err
	}
	input.FileName = file.Filename
	input.ContentType = file.Header.Get("Content-Type")
	return src, nil
}

func (a *App) resourceApprove(ctx router.Context) error {
	return a.review(ctx, portal.ResourceStatusApproved)
}

func (a *App) resourceReject(ctx router.Context) error {
	return a.review(ctx, portal.ResourceStatusRejected)
}

func (a *App) review(ctx router.Context, target portal.ResourceStatus) error {
	user, _ := portal.FromRouterContext(ctx, "")

	id, err := uuid.Parse(ctx.Param("id", ""))
	if err != nil {
		return flash.WithError(ctx, router.ViewContext{
			"error_message":  "invalid resource id",
			"system_message": "Could not review resource",
		}).Redirect("/admin", fiber.StatusSeeOther)
	}

	switch target {
	case portal.ResourceStatusApproved:
		_, err = a.library.Approve(ctx.Context(), user, id)
	case portal.ResourceStatusRejected:
		reason := ctx.Query("reason")
		_, err = a.library.Reject(ctx.Context(), user, id, reason)
	}

	if err != nil {
		a.logger.Error("review resource: %v", err)
		return flash.WithError(ctx, router.ViewContext{
			"error_message":  err.Error(),
			"system_message": "Could not review resource",
		}).Redirect("/admin", fiber.StatusSeeOther)
	}

	return flash.WithSuccess(ctx, router.ViewContext{
		"system_message": "Resource reviewed",
	}).Redirect("/admin", fiber.StatusSeeOther)
}
