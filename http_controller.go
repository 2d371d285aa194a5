package portal

import (
	"fmt"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"github.com/gofiber/fiber/v2"
	"github.com/goliatone/go-print"
	"github.com/goliatone/go-router"
	"github.com/goliatone/go-router/flash"
)

// RegisterPortalRoutes mounts login, registration, and logout handlers.
func RegisterPortalRoutes[T any](app router.Router[T], opts ...PortalControllerOption) {
	controller := NewPortalController(opts...)

	app.
		Get(controller.Routes.Login, controller.LoginShow).
		SetName("sign-in.get")

	app.
		Post(controller.Routes.Login, controller.LoginPost).
		SetName("sign-in.post")

	app.Get(controller.Routes.Logout, controller.LogOut).SetName("sign-out.get")

	app.Get(controller.Routes.Register, controller.RegistrationShow).
		SetName("register.get")
	app.Post(controller.Routes.Register, controller.RegistrationCreate).
		SetName("register.post")
}

type PortalControllerRoutes struct {
	Login    string
	Logout   string
	Register string
	Student  string
	Admin    string
}

type PortalControllerViews struct {
	Login    string
	Logout   string
	Register string
}

type PortalController struct {
	Debug        bool
	Logger       Logger
	Sessions     *SessionManager
	Guard        *RouteGuard
	PhoneRegion  string
	Routes       *PortalControllerRoutes
	Views        *PortalControllerViews
	ErrorHandler router.ErrorHandler
}

type PortalControllerOption func(*PortalController) *PortalController

// WithControllerSessions wires the session manager the controller drives.
func WithControllerSessions(sessions *SessionManager) PortalControllerOption {
	return func(c *PortalController) *PortalController {
		c.Sessions = sessions
		return c
	}
}

// WithControllerGuard wires the route guard used for redirect cookies.
func WithControllerGuard(guard *RouteGuard) PortalControllerOption {
	return func(c *PortalController) *PortalController {
		c.Guard = guard
		return c
	}
}

// WithControllerLogger overrides the controller logger.
func WithControllerLogger(logger Logger) PortalControllerOption {
	return func(c *PortalController) *PortalController {
		if logger != nil {
			c.Logger = logger
		}
		return c
	}
}

// WithControllerDebug toggles payload debug printing.
func WithControllerDebug(debug bool) PortalControllerOption {
	return func(c *PortalController) *PortalController {
		c.Debug = debug
		return c
	}
}

func NewPortalController(opts ...PortalControllerOption) *PortalController {
	c := &PortalController{
		Logger:       defLogger{},
		ErrorHandler: defaultErrHandler,
		PhoneRegion:  "US",
		Routes: &PortalControllerRoutes{
			Login:    "/login",
			Logout:   "/logout",
			Register: "/register",
			Student:  "/home",
			Admin:    "/admin",
		},
		Views: &PortalControllerViews{
			Login:    "login",
			Logout:   "logout",
			Register: "register",
		},
	}

	for _, opt := range opts {
		c = opt(c)
	}

	if c.Sessions == nil {
		panic("Missing SessionManager in portal controller...")
	}

	if c.Guard == nil {
		c.Guard = NewRouteGuard(c.Sessions)
	}

	return c
}

func (a *PortalController) LoginShow(ctx router.Context) error {
	return ctx.Render(a.Views.Login, router.ViewContext{
		"errors": nil,
		"record": nil,
	})
}

// LoginRequest payload
type LoginRequest struct {
	Email    string `form:"email" json:"email"`
	Password string `form:"password" json:"password"`
}

// Validate will run validation rules
func (r LoginRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(
			&r.Email,
			validation.Required,
			is.Email,
		),
		validation.Field(
			&r.Password,
			validation.Required,
		),
	)
}

func (a *PortalController) LoginPost(ctx router.Context) error {
	payload := new(LoginRequest)
	errs := map[string]string{}

	if err := ctx.Bind(payload); err != nil {
		return a.ErrorHandler(ctx, err)
	}

	if err := payload.Validate(); err != nil {
		return ctx.Render(a.Views.Login, router.ViewContext{
			"record":     payload,
			"validation": FormatValidationErrorToMap(err),
		})
	}

	if a.Debug {
		fmt.Println("======= PORTAL LOGIN ======")
		fmt.Println(print.MaybePrettyJSON(payload))
		fmt.Println("===========================")
	}

	session, err := a.Sessions.Login(ctx.Context(), payload.Email, payload.Password)
	if err != nil {
		a.Logger.Error("login error: %v", err)
		errs["authentication"] = "Authentication Error"
		return ctx.Render(a.Views.Login, router.ViewContext{
			"errors": errs,
			"record": payload,
		})
	}

	redirect := a.Guard.GetRedirect(ctx, a.landingFor(session))

	return ctx.Redirect(redirect, router.StatusSeeOther)
}

// landingFor picks the post-login destination based on the session role.
func (a *PortalController) landingFor(session *Session) string {
	if session == nil {
		return a.Routes.Student
	}
	if role, ok := session.Data["role"].(string); ok && Role(role) == RoleAdmin {
		return a.Routes.Admin
	}
	return a.Routes.Student
}

func (a *PortalController) LogOut(ctx router.Context) error {
	if err := a.Sessions.Logout(ctx.Context()); err != nil {
		a.Logger.Error("logout error: %v", err)
	}
	return ctx.Redirect("/", router.StatusTemporaryRedirect)
}

func (a *PortalController) RegistrationShow(ctx router.Context) error {
	return ctx.Render(a.Views.Register, router.ViewContext{
		"errors": map[string]string{},
		"record": RegistrationCreatePayload{},
	})
}

// RegistrationCreatePayload is the form paylaod
type RegistrationCreatePayload struct {
	Name            string `form:"name" json:"name"`
	Email           string `form:"email" json:"email"`
	Phone           string `form:"phone_number" json:"phone_number"`
	Password        string `form:"password" json:"password"`
	ConfirmPassword string `form:"confirm_password" json:"confirm_password"`
}

// Validate will validate the payload
func (r RegistrationCreatePayload) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Name, validation.Required, validation.Length(1, 200)),
		validation.Field(&r.Email, validation.Required, validation.Length(6, 100), is.Email),
		validation.Field(&r.Phone, validation.Length(10, 16)),
		validation.Field(&r.Password, validation.Required, validation.Length(8, 100)),
		validation.Field(
			&r.ConfirmPassword,
			validation.Required,
			validation.Length(8, 100),
			validation.By(ValidateStringEquals(r.Password)),
		),
	)
}

func (a *PortalController) RegistrationCreate(ctx router.Context) error {
	payload := new(RegistrationCreatePayload)

	if err := ctx.Bind(payload); err != nil {
		errs := map[string]string{}
		errs["form"] = "Failed to parse form"
		a.Logger.Error("register user parse payload: %v", err)
		return flash.WithError(ctx, router.ViewContext{
			"error_message":  err.Error(),
			"system_message": "Error parsing body",
		}).Status(fiber.StatusBadRequest).Render(a.Views.Register, router.ViewContext{
			"errors": errs,
			"record": payload,
		})
	}

	if err := payload.Validate(); err != nil {
		errs := FormatValidationErrorToMap(err)
		a.Logger.Error("register user validate payload: %v", err)

		return flash.WithError(ctx, router.ViewContext{
			"error_message":  err.Error(),
			"system_message": "Error validating payload",
		}).Render(a.Views.Register, router.ViewContext{
			"record":     payload,
			"validation": errs,
		})
	}

	if payload.Phone != "" {
		phone, err := NormalizePhoneNumber(payload.Phone, a.PhoneRegion)
		if err != nil {
			return flash.WithError(ctx, router.ViewContext{
				"error_message":  err.Error(),
				"system_message": "Error validating payload",
			}).Render(a.Views.Register, router.ViewContext{
				"record": payload,
				"validation": map[string]string{
					"phone_number": "invalid phone number",
				},
			})
		}
		payload.Phone = phone
	}

	if err := a.Sessions.RegisterAccount(ctx.Context(), Registration{
		Email:    payload.Email,
		Password: payload.Password,
		Name:     payload.Name,
		Phone:    payload.Phone,
	}); err != nil {
		a.Logger.Error("register user error: %v", err)

		return flash.WithError(ctx, router.ViewContext{
			"error_message":  err.Error(),
			"system_message": "Error creating account",
		}).Render(a.Views.Register, router.ViewContext{
			"record": payload,
			"errors": []string{err.Error()},
		})
	}

	return flash.WithSuccess(ctx, router.ViewContext{
		"system_message": "Successful user registration",
	}).Redirect("/login", fiber.StatusSeeOther)
}

func defaultErrHandler(c router.Context, err error) error {
	return c.Render("errors/500", router.ViewContext{
		"message": err.Error(),
	})
}
