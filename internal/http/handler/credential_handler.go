package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/AgenciaKoraflow/project-dea-naturals/internal/config"
	"github.com/AgenciaKoraflow/project-dea-naturals/internal/domain"
	"github.com/AgenciaKoraflow/project-dea-naturals/internal/repository"
	"github.com/AgenciaKoraflow/project-dea-naturals/internal/service/credential"
)

// CredentialHandler exposes the operator-facing marketplace integration API.
type CredentialHandler struct {
	cfg      config.Config
	repo     repository.CredentialRepository
	manager  *credential.Manager
	executor *credential.Executor
	logger   *zap.Logger
}

// NewCredentialHandler wires the handler.
func NewCredentialHandler(
	cfg config.Config,
	repo repository.CredentialRepository,
	manager *credential.Manager,
	executor *credential.Executor,
	logger *zap.Logger,
) *CredentialHandler {
	if logger == nil {
		logger = zap.L()
	}
	return &CredentialHandler{cfg: cfg, repo: repo, manager: manager, executor: executor, logger: logger}
}

// CreateCredentials stores a new credential set. The row starts inactive;
// activation happens only after the OAuth flow completes.
func (h *CredentialHandler) CreateCredentials(c *gin.Context) {
	var req struct {
		ClientID     string `json:"clientId"`
		ClientSecret string `json:"clientSecret"`
		RedirectURI  string `json:"redirectUri"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid payload"})
		return
	}
	if strings.TrimSpace(req.ClientID) == "" || strings.TrimSpace(req.ClientSecret) == "" || strings.TrimSpace(req.RedirectURI) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Client ID, Client Secret and Redirect URI are required"})
		return
	}

	id, err := h.repo.Create(c.Request.Context(), req.ClientID, req.ClientSecret, req.RedirectURI)
	if err != nil {
		h.logger.Error("failed to store credentials", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Failed to store credentials", "error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Credentials stored", "id": id})
}

// GetCredentials returns the most recent credential set without secrets,
// or a JSON null when none is configured yet.
func (h *CredentialHandler) GetCredentials(c *gin.Context) {
	cred, err := h.repo.GetMostRecent(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to load credentials", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Failed to load credentials", "error": err.Error()})
		return
	}
	if cred == nil {
		c.JSON(http.StatusOK, nil)
		return
	}
	c.JSON(http.StatusOK, cred.Sanitize())
}

// AuthorizationURL returns a server-built marketplace authorization URL
// with a one-time state value.
func (h *CredentialHandler) AuthorizationURL(c *gin.Context) {
	prompt, err := h.manager.AuthorizationURL(c.Request.Context())
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrNotConfigured):
			c.JSON(http.StatusNotFound, gin.H{"message": "Credentials not found. Store credentials first."})
		case errors.Is(err, domain.ErrMissingInput):
			c.JSON(http.StatusBadRequest, gin.H{"message": "Credential set is missing client ID or redirect URI"})
		default:
			h.logger.Error("failed to build authorization url", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"message": "Failed to build authorization URL", "error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"authorization_url": prompt.AuthorizationURL, "state": prompt.State})
}

// TestConnection exchanges the operator-supplied authorization code and
// reports whether the connection is usable. Activation is gated on the
// live identity check inside CompleteAuthorization.
func (h *CredentialHandler) TestConnection(c *gin.Context) {
	var req struct {
		AuthorizationCode string `json:"authorizationCode"`
		State             string `json:"state"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "Invalid payload"})
		return
	}
	if strings.TrimSpace(req.AuthorizationCode) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "Authorization code is required"})
		return
	}

	user, err := h.manager.CompleteAuthorization(c.Request.Context(), req.AuthorizationCode, req.State)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrNotConfigured):
			c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "Credentials not found. Store credentials first."})
		case errors.Is(err, domain.ErrInvalidState):
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "Authorization state is invalid or expired"})
		case errors.Is(err, domain.ErrMissingInput):
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "Credential set is incomplete"})
		default:
			h.logger.Warn("connection test failed", zap.Error(err))
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "Connection failed", "error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Connection established", "user_id": user.ID})
}

// SetActive toggles the integration on or off.
func (h *CredentialHandler) SetActive(c *gin.Context) {
	var req struct {
		IsActive *bool `json:"isActive"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.IsActive == nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "isActive is required"})
		return
	}

	if err := h.repo.SetActive(c.Request.Context(), *req.IsActive); err != nil {
		h.logger.Error("failed to toggle integration", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Failed to update integration status", "error": err.Error()})
		return
	}

	message := "Integration deactivated"
	if *req.IsActive {
		message = "Integration activated"
	}
	c.JSON(http.StatusOK, gin.H{"message": message, "is_active": *req.IsActive})
}

// Refresh forces a token refresh on the active credential set.
func (h *CredentialHandler) Refresh(c *gin.Context) {
	if _, err := h.manager.ForceRefresh(c.Request.Context()); err != nil {
		if errors.Is(err, domain.ErrNotConfigured) {
			c.JSON(http.StatusNotFound, gin.H{"message": "Credentials not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"message": "Failed to refresh token", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Token refreshed"})
}

// Status reports token presence for the active credential set with a
// short non-reversible preview of the access token.
func (h *CredentialHandler) Status(c *gin.Context) {
	cred, err := h.repo.GetActive(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to load credential status", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Failed to load status", "error": err.Error()})
		return
	}

	resp := gin.H{
		"has_access_token":  false,
		"has_refresh_token": false,
		"access_token":      nil,
	}
	if cred != nil {
		resp["has_access_token"] = cred.AccessToken != ""
		resp["has_refresh_token"] = cred.RefreshToken != ""
		if cred.AccessToken != "" {
			resp["access_token"] = maskToken(cred.AccessToken)
		}
	}
	c.JSON(http.StatusOK, resp)
}

// Me proxies the authenticated identity call.
func (h *CredentialHandler) Me(c *gin.Context) {
	resp, err := h.executor.Get(c.Request.Context(), h.cfg.MeliAPIURL+"/users/me")
	if err != nil {
		h.respondProxyError(c, "Failed to fetch user data", err)
		return
	}
	c.Data(http.StatusOK, "application/json", resp.Body)
}

// Orders proxies the seller's order search with optional status, sort and
// pagination parameters.
func (h *CredentialHandler) Orders(c *gin.Context) {
	ctx := c.Request.Context()

	var user struct {
		ID int64 `json:"id"`
	}
	if err := h.executor.GetJSON(ctx, h.cfg.MeliAPIURL+"/users/me", &user); err != nil {
		h.respondProxyError(c, "Failed to fetch orders", err)
		return
	}

	limit, err := positiveIntQuery(c, "limit", 50)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "limit must be a positive integer"})
		return
	}
	offset, err := positiveIntQuery(c, "offset", 0)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "offset must be a non-negative integer"})
		return
	}

	params := url.Values{}
	params.Set("seller", strconv.FormatInt(user.ID, 10))
	params.Set("limit", strconv.Itoa(limit))
	params.Set("offset", strconv.Itoa(offset))
	params.Set("sort", c.DefaultQuery("sort", "date_desc"))
	if status := strings.TrimSpace(c.Query("status")); status != "" {
		params.Set("order.status", status)
	}

	resp, err := h.executor.Get(ctx, h.cfg.MeliAPIURL+"/orders/search?"+params.Encode())
	if err != nil {
		h.respondProxyError(c, "Failed to fetch orders", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"seller_id": user.ID, "orders": json.RawMessage(resp.Body)})
}

// Health is the liveness probe.
func (h *CredentialHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "message": "Server is running"})
}

// respondProxyError mirrors provider statuses and maps lifecycle errors
// for the proxied read endpoints.
func (h *CredentialHandler) respondProxyError(c *gin.Context, message string, err error) {
	var apiErr *domain.APIError
	switch {
	case errors.Is(err, domain.ErrNotConfigured):
		c.JSON(http.StatusNotFound, gin.H{"message": "Credentials not found"})
	case errors.As(err, &apiErr):
		c.JSON(apiErr.Status, gin.H{"message": message, "error": json.RawMessage(normalizeErrorBody(apiErr.Body))})
	case errors.Is(err, domain.ErrRefreshFailed):
		c.JSON(http.StatusUnauthorized, gin.H{"message": message, "error": err.Error()})
	default:
		h.logger.Error("proxied marketplace call failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"message": message, "error": err.Error()})
	}
}

// normalizeErrorBody keeps provider JSON bodies as-is and quotes anything
// that is not valid JSON so the envelope stays well formed.
func normalizeErrorBody(body string) []byte {
	trimmed := strings.TrimSpace(body)
	if trimmed != "" && json.Valid([]byte(trimmed)) {
		return []byte(trimmed)
	}
	quoted, _ := json.Marshal(body)
	return quoted
}

func maskToken(token string) string {
	const visible = 20
	if len(token) <= visible {
		return token + "..."
	}
	return token[:visible] + "..."
}

func positiveIntQuery(c *gin.Context, name string, fallback int) (int, error) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, errInvalidQuery
	}
	return value, nil
}

var errInvalidQuery = errors.New("invalid query parameter")
