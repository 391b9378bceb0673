package permissions

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"

	"github.com/centra-hq/centra/internal/platform/httpx"
	"github.com/centra-hq/centra/internal/shared"
)

const writeRateLimit = 30
const writeRateWindow = time.Minute

// Handler exposes the permission administration API.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	resolver  *Resolver
	validator *validator.Validate
	guard     Middleware
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, resolver *Resolver, guard Middleware) *Handler {
	return &Handler{
		logger:    logger,
		service:   service,
		resolver:  resolver,
		validator: validator.New(),
		guard:     guard,
	}
}

// MountRoutes registers permission routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	limiter := httprate.Limit(writeRateLimit, writeRateWindow,
		httprate.WithKeyFuncs(rateLimitKey),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			httpx.Problem(w, http.StatusTooManyRequests, "Too Many Requests", "")
		}),
	)

	r.Group(func(gr chi.Router) {
		gr.Use(h.guard.Require("permissions.manage"))
		gr.Use(limiter)
		gr.Post("/groups", h.createGroup)
		gr.Post("/groups/{groupID}/reparent", h.reparentGroup)
		gr.Post("/groups/{groupID}/permissions", h.attachGroupPermission)
		gr.Post("/assignments", h.assignUser)
		gr.Delete("/assignments", h.unassignUser)
		gr.Post("/grants", h.grantDirect)
		gr.Post("/grants/revoke", h.revokeDirect)
	})
	r.Group(func(gr chi.Router) {
		gr.Use(h.guard.Require("permissions.view"))
		gr.Get("/users/{userID}/effective", h.listEffective)
		gr.Get("/users/{userID}/explain", h.explain)
	})
}

func rateLimitKey(r *http.Request) (string, error) {
	if principal, ok := shared.PrincipalFromContext(r.Context()); ok && principal.UserID != "" {
		return "user:" + principal.UserID, nil
	}
	key, err := httprate.KeyByIP(r)
	if err != nil {
		return "", err
	}
	return "ip:" + key, nil
}

type createGroupRequest struct {
	Name     string  `json:"name" validate:"required,max=120"`
	Slug     string  `json:"slug" validate:"required,max=120"`
	ParentID *string `json:"parentId"`
	Priority int     `json:"priority"`
}

func (h *Handler) createGroup(w http.ResponseWriter, r *http.Request) {
	principal, ok := shared.PrincipalFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	var req createGroupRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON payload")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", validationDetail(err))
		return
	}
	group, err := h.service.CreateGroup(r.Context(), CreateGroupInput{
		TenantID: principal.TenantID,
		Name:     req.Name,
		Slug:     req.Slug,
		ParentID: req.ParentID,
		Priority: req.Priority,
		ActorID:  principal.UserID,
	})
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, group)
}

type reparentRequest struct {
	ParentID *string `json:"parentId"`
}

func (h *Handler) reparentGroup(w http.ResponseWriter, r *http.Request) {
	principal, ok := shared.PrincipalFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	groupID := chi.URLParam(r, "groupID")
	var req reparentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON payload")
		return
	}
	if err := h.service.ReparentGroup(r.Context(), principal.TenantID, groupID, req.ParentID, principal.UserID); err != nil {
		h.respondServiceError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type attachPermissionRequest struct {
	Code       string     `json:"code" validate:"required,max=200"`
	Conditions *Condition `json:"conditions"`
}

func (h *Handler) attachGroupPermission(w http.ResponseWriter, r *http.Request) {
	principal, ok := shared.PrincipalFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	groupID := chi.URLParam(r, "groupID")
	var req attachPermissionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON payload")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", validationDetail(err))
		return
	}
	if err := h.service.AttachGroupPermission(r.Context(), principal.TenantID, groupID, req.Code, req.Conditions, principal.UserID); err != nil {
		h.respondServiceError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type assignRequest struct {
	UserID    string     `json:"userId" validate:"required"`
	GroupID   string     `json:"groupId" validate:"required"`
	ExpiresAt *time.Time `json:"expiresAt"`
}

func (h *Handler) assignUser(w http.ResponseWriter, r *http.Request) {
	principal, ok := shared.PrincipalFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	var req assignRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON payload")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", validationDetail(err))
		return
	}
	err := h.service.AssignUserToGroup(r.Context(), AssignInput{
		TenantID:  principal.TenantID,
		UserID:    req.UserID,
		GroupID:   req.GroupID,
		ExpiresAt: req.ExpiresAt,
		ActorID:   principal.UserID,
	})
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type unassignRequest struct {
	UserID  string `json:"userId" validate:"required"`
	GroupID string `json:"groupId" validate:"required"`
}

func (h *Handler) unassignUser(w http.ResponseWriter, r *http.Request) {
	principal, ok := shared.PrincipalFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	var req unassignRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON payload")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", validationDetail(err))
		return
	}
	if err := h.service.RemoveUserFromGroup(r.Context(), principal.TenantID, req.UserID, req.GroupID, principal.UserID); err != nil {
		h.respondServiceError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type grantRequest struct {
	UserID     string     `json:"userId" validate:"required"`
	Code       string     `json:"code" validate:"required,max=200"`
	Effect     string     `json:"effect" validate:"required,oneof=ALLOW DENY"`
	Conditions *Condition `json:"conditions"`
	ExpiresAt  *time.Time `json:"expiresAt"`
}

func (h *Handler) grantDirect(w http.ResponseWriter, r *http.Request) {
	principal, ok := shared.PrincipalFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	var req grantRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON payload")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", validationDetail(err))
		return
	}
	grant, err := h.service.GrantDirect(r.Context(), GrantInput{
		TenantID:   principal.TenantID,
		UserID:     req.UserID,
		Code:       req.Code,
		Effect:     Effect(req.Effect),
		Conditions: req.Conditions,
		ExpiresAt:  req.ExpiresAt,
		ActorID:    principal.UserID,
	})
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, grant)
}

type revokeRequest struct {
	UserID string `json:"userId" validate:"required"`
	Code   string `json:"code" validate:"required,max=200"`
}

func (h *Handler) revokeDirect(w http.ResponseWriter, r *http.Request) {
	principal, ok := shared.PrincipalFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	var req revokeRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON payload")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", validationDetail(err))
		return
	}
	if err := h.service.RevokeDirect(r.Context(), principal.TenantID, req.UserID, req.Code, principal.UserID); err != nil {
		h.respondServiceError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) listEffective(w http.ResponseWriter, r *http.Request) {
	principal, ok := shared.PrincipalFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	userID := chi.URLParam(r, "userID")
	perms, err := h.resolver.ListEffectivePermissions(r.Context(), principal.TenantID, userID)
	if err != nil {
		h.logger.Error("list effective permissions",
			slog.String("user_id", userID), slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"userId": userID, "permissions": perms})
}

func (h *Handler) explain(w http.ResponseWriter, r *http.Request) {
	principal, ok := shared.PrincipalFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	userID := chi.URLParam(r, "userID")
	code := strings.TrimSpace(r.URL.Query().Get("code"))
	if code == "" {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "query parameter code is required")
		return
	}
	decision := h.resolver.Explain(r.Context(), principal.TenantID, userID, code)
	httpx.JSON(w, http.StatusOK, decision)
}

func (h *Handler) respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.RespondError(w, httpx.ErrNotFound)
	case errors.Is(err, ErrCycleDetected):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Cycle Detected", err.Error())
	case errors.Is(err, ErrDepthExceeded):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Depth Exceeded", err.Error())
	case errors.Is(err, ErrDuplicateGrant), errors.Is(err, ErrAlreadyExists):
		httpx.RespondError(w, httpx.ErrDuplicate)
	case errors.Is(err, ErrHierarchyCorrupted):
		h.logger.Error("hierarchy corrupted", slog.Any("error", err))
		httpx.Problem(w, http.StatusConflict, "Hierarchy Corrupted", "the group hierarchy failed integrity checks")
	default:
		if strings.HasPrefix(err.Error(), "permissions:") {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
			return
		}
		h.logger.Error("permission write failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

func validationDetail(err error) string {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err.Error()
	}
	fields := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		fields = append(fields, fe.Field())
	}
	return "invalid fields: " + strings.Join(fields, ", ")
}
