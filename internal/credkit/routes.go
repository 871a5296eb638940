package credkit

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// MountAuthRoutes registers the credential endpoints: login, external login,
// refresh, logout, email probe, company verification, and /me. The external
// login route is mounted only when a Google validator is supplied.
func MountAuthRoutes(router gin.IRouter, configuration ServerConfig, manager *CredentialManager, googleValidator GoogleTokenValidator, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}

	router.POST("/auth/login", func(contextGin *gin.Context) {
		var inbound struct {
			Email    string `json:"email"`
			Password string `json:"password"`
		}
		if err := contextGin.BindJSON(&inbound); err != nil || strings.TrimSpace(inbound.Email) == "" {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
			return
		}
		session, loginErr := manager.Login(contextGin.Request.Context(), inbound.Email, inbound.Password)
		if loginErr != nil {
			if errors.Is(loginErr, ErrInvalidCredentials) {
				contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_credentials"})
				return
			}
			logger.Error("login failed", zap.Error(loginErr))
			contextGin.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{
			"user_id":       session.SubjectID,
			"access_token":  session.AccessToken,
			"refresh_token": session.RefreshToken,
		})
	})

	if googleValidator != nil {
		router.POST("/auth/external", func(contextGin *gin.Context) {
			var inbound struct {
				GoogleIDToken string `json:"google_id_token"`
			}
			if err := contextGin.BindJSON(&inbound); err != nil || strings.TrimSpace(inbound.GoogleIDToken) == "" {
				contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
				return
			}
			payload, validateErr := googleValidator.Validate(contextGin.Request.Context(), inbound.GoogleIDToken, configuration.GoogleWebClientID)
			if validateErr != nil {
				contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_provider_token"})
				return
			}
			issuerValue, okIssuer := payload.Claims["iss"].(string)
			if !okIssuer || (issuerValue != "https://accounts.google.com" && issuerValue != "accounts.google.com") {
				contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_issuer"})
				return
			}
			providerEmail, _ := payload.Claims["email"].(string)
			emailVerified, _ := payload.Claims["email_verified"].(bool)
			if providerEmail == "" || !emailVerified {
				contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unverified_identity"})
				return
			}
			session, loginErr := manager.LoginExternal(contextGin.Request.Context(), providerEmail, ProviderGoogle)
			if loginErr != nil {
				if errors.Is(loginErr, ErrInvalidCredentials) {
					contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_credentials"})
					return
				}
				logger.Error("external login failed", zap.Error(loginErr))
				contextGin.AbortWithStatus(http.StatusInternalServerError)
				return
			}
			contextGin.JSON(http.StatusOK, gin.H{
				"user_id":       session.SubjectID,
				"access_token":  session.AccessToken,
				"refresh_token": session.RefreshToken,
			})
		})
	}

	router.POST("/auth/refresh", func(contextGin *gin.Context) {
		var inbound struct {
			RefreshToken string `json:"refresh_token"`
		}
		if err := contextGin.BindJSON(&inbound); err != nil || strings.TrimSpace(inbound.RefreshToken) == "" {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
			return
		}
		session, refreshErr := manager.Refresh(contextGin.Request.Context(), inbound.RefreshToken)
		if refreshErr != nil {
			switch {
			case errors.Is(refreshErr, ErrInvalidToken):
				contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_token"})
			case errors.Is(refreshErr, ErrNoActiveSession):
				contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "no_active_session"})
			case errors.Is(refreshErr, ErrTokenMismatch):
				contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "token_mismatch"})
			default:
				logger.Error("refresh failed", zap.Error(refreshErr))
				contextGin.AbortWithStatus(http.StatusInternalServerError)
			}
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{
			"access_token":  session.AccessToken,
			"refresh_token": session.RefreshToken,
		})
	})

	router.POST("/auth/logout", func(contextGin *gin.Context) {
		tokenString, ok := BearerToken(contextGin.Request)
		if !ok {
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		claims, parseErr := manager.codec.Parse(tokenString)
		if parseErr != nil {
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		if logoutErr := manager.Logout(contextGin.Request.Context(), claims.Email, tokenString); logoutErr != nil {
			logger.Error("logout failed", zap.Error(logoutErr))
			contextGin.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		contextGin.Status(http.StatusNoContent)
	})

	router.GET("/auth/email-status", func(contextGin *gin.Context) {
		email := strings.TrimSpace(contextGin.Query("email"))
		if email == "" {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "missing_email"})
			return
		}
		status, statusErr := manager.EmailStatus(contextGin.Request.Context(), email)
		if statusErr != nil {
			logger.Error("email status probe failed", zap.Error(statusErr))
			contextGin.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{"status": status})
	})

	router.POST("/auth/company/code", RequireAuth(manager), func(contextGin *gin.Context) {
		claims, ok := ClaimsFromContext(contextGin)
		if !ok {
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		var inbound struct {
			CompanyName string `json:"company_name"`
		}
		if err := contextGin.BindJSON(&inbound); err != nil || strings.TrimSpace(inbound.CompanyName) == "" {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
			return
		}
		issueErr := manager.IssueVerificationChallenge(contextGin.Request.Context(), claims.SubjectID(), inbound.CompanyName)
		if issueErr != nil {
			if errors.Is(issueErr, ErrDispatchFailed) {
				contextGin.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "dispatch_failed"})
				return
			}
			logger.Error("challenge issue failed", zap.Error(issueErr))
			contextGin.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		contextGin.Status(http.StatusNoContent)
	})

	router.POST("/auth/company/verify", RequireAuth(manager), func(contextGin *gin.Context) {
		claims, ok := ClaimsFromContext(contextGin)
		if !ok {
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		var inbound struct {
			Code int `json:"code"`
		}
		if err := contextGin.BindJSON(&inbound); err != nil {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
			return
		}
		companyName, verifyErr := manager.VerifyChallenge(contextGin.Request.Context(), claims.SubjectID(), inbound.Code)
		if verifyErr != nil {
			switch {
			case errors.Is(verifyErr, ErrNoChallenge):
				contextGin.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "no_challenge"})
			case errors.Is(verifyErr, ErrMismatchedCode):
				contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "mismatched_code"})
			default:
				logger.Error("challenge verify failed", zap.Error(verifyErr))
				contextGin.AbortWithStatus(http.StatusInternalServerError)
			}
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{"company_name": companyName})
	})

	router.GET("/me", RequireAuth(manager), func(contextGin *gin.Context) {
		claims, ok := ClaimsFromContext(contextGin)
		if !ok {
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		companyStatus, statusErr := manager.CompanyStatus(contextGin.Request.Context(), claims.SubjectID())
		if statusErr != nil {
			if errors.Is(statusErr, ErrInvalidCredentials) {
				contextGin.AbortWithStatus(http.StatusUnauthorized)
				return
			}
			logger.Error("company status lookup failed", zap.Error(statusErr))
			contextGin.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{
			"user_id":        claims.SubjectID(),
			"user_email":     claims.Email,
			"company_status": companyStatus,
			"expires":        claims.ExpiresAt.Time,
		})
	})
}
