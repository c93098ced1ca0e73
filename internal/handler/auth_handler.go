package handler

import (
	"net/http"
	"strconv"

	"shop/internal/config"
	"shop/internal/domain/model"
	"shop/internal/middleware"
	"shop/internal/usecase"

	"github.com/labstack/echo/v4"
)

//ブランドはこのヘッダで識別する。無ければデフォルトブランド。
const brandHeader = "X-Brand-ID"

const defaultBrandID int64 = 1

// /api/authのHTTP
type AuthHandler struct {
	uc *usecase.AuthUsecase
}

// DI
func NewAuthHandler(uc *usecase.AuthUsecase) *AuthHandler {
	return &AuthHandler{uc: uc}
}

func (h *AuthHandler) RegisterRoutes(e *echo.Echo, cfg config.Config) {
	g := e.Group("/api/auth")
	g.POST("/register", h.register)
	g.POST("/login", h.login)

	me := e.Group("/api/auth/me")
	me.Use(middleware.AuthJWT(cfg))
	me.GET("", h.me)
}

func brandIDFromRequest(c echo.Context) int64 {
	if v := c.Request().Header.Get(brandHeader); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil && id > 0 {
			return id
		}
	}
	return defaultBrandID
}

func (h *AuthHandler) register(c echo.Context) error {
	var req usecase.RegisterInput
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid body"})
	}

	out, err := h.uc.Register(c.Request().Context(), brandIDFromRequest(c), req)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, out)
}

func (h *AuthHandler) login(c echo.Context) error {
	var req usecase.LoginInput
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid body"})
	}

	out, err := h.uc.Login(c.Request().Context(), brandIDFromRequest(c), req)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *AuthHandler) me(c echo.Context) error {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
	}

	out, err := h.uc.GetProfile(c.Request().Context(), userID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

// contextからuser_idを取り出す
func getUserIDFromContext(c echo.Context) (int64, bool) {
	v := c.Get(middleware.CtxUserIDKey)
	if v == nil {
		return 0, false
	}

	id, ok := v.(int64)
	if !ok {
		return 0, false
	}

	return id, true
}

// contextからPrincipal（user_id + role）を組み立てる
func getPrincipalFromContext(c echo.Context) (usecase.Principal, bool) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		return usecase.Principal{}, false
	}

	role, _ := c.Get(middleware.CtxUserRoleKey).(string)
	if role == "" {
		return usecase.Principal{}, false
	}

	return usecase.Principal{UserID: userID, Role: model.Role(role)}, true
}
