package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/benamails/stravagptfaby/pkg/core"
	"github.com/benamails/stravagptfaby/pkg/oauthflow"
	"github.com/benamails/stravagptfaby/pkg/strava"
	"github.com/benamails/stravagptfaby/pkg/tokens"

	"github.com/gin-gonic/gin"
)

func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// handleAuthorize starts the bridging flow: it validates the tool's return
// address against the allow-list, persists a single-use state record, and
// redirects the user to Strava with this service's own callback as the
// redirect URI. Nothing is persisted for an untrusted redirect.
func (s *Server) handleAuthorize(c *gin.Context) {
	ctx := c.Request.Context()
	logger := core.LoggerFromCtx(ctx)

	toolRedirectURI := c.Query("redirect_uri")
	toolState := c.Query("state")
	userID := c.Query("user_id")

	if toolRedirectURI == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":             "invalid_request",
			"error_description": "missing redirect_uri",
		})
		return
	}

	state, err := s.states.Create(ctx, toolRedirectURI, toolState, userID)
	if err != nil {
		if errors.Is(err, oauthflow.ErrUntrustedRedirect) {
			logger.Warn("untrusted redirect_uri", "redirect_uri", toolRedirectURI)
			c.JSON(http.StatusBadRequest, gin.H{
				"error":             "untrusted_redirect",
				"error_description": "redirect_uri host is not allowed",
			})
			return
		}
		logger.Error("failed to create oauth state", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error"})
		return
	}

	authorizeURL := s.strava.AuthorizeURL(state)
	logger.Info("redirecting to strava authorize",
		"state", state,
		"has_user_id", userID != "",
	)
	c.Redirect(http.StatusFound, authorizeURL)
}

// handleCallback receives code+state from Strava: consumes the state,
// exchanges the code, persists tokens, issues a one-time code, and sends
// the user back to the tool.
func (s *Server) handleCallback(c *gin.Context) {
	ctx := c.Request.Context()
	logger := core.LoggerFromCtx(ctx)

	if errParam := c.Query("error"); errParam != "" {
		// Strava sends error=access_denied when the user declines.
		logger.Warn("oauth error from strava", "error", errParam)
		c.JSON(http.StatusBadRequest, gin.H{"error": errParam})
		return
	}

	code := c.Query("code")
	state := c.Query("state")
	if code == "" || state == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":             "invalid_request",
			"error_description": "missing code or state",
		})
		return
	}

	record, err := s.states.Consume(ctx, state)
	if err != nil {
		if errors.Is(err, core.ErrStateNotFound) {
			logger.Warn("unknown or expired state", "state", state)
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_state"})
			return
		}
		logger.Error("failed to consume state", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error"})
		return
	}

	tokenRes, err := s.strava.ExchangeCode(ctx, code)
	if err != nil {
		var apiErr *strava.APIError
		if errors.As(err, &apiErr) {
			logger.Error("strava token exchange failed",
				"status", apiErr.StatusCode,
				"body", apiErr.Body,
			)
		} else {
			logger.Error("strava token exchange failed", "error", err)
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": "strava_exchange_failed"})
		return
	}

	mapped := tokens.FromTokenResponse(tokenRes)
	if mapped.AthleteID == 0 {
		logger.Error("no athlete id in strava token response")
		c.JSON(http.StatusBadGateway, gin.H{"error": "no_athlete_id"})
		return
	}

	if err := s.tokens.Save(ctx, mapped); err != nil {
		logger.Error("failed to persist tokens", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error"})
		return
	}

	// Best effort: a failed link write must not lose the authorization.
	if record.UserID != "" {
		if err := s.store.SaveAthleteIndex(ctx, record.UserID, mapped.AthleteID, s.indexTTL()); err != nil {
			logger.Warn("failed to save athlete index", "user_id", record.UserID, "error", err)
		}
	}

	otc, err := s.codes.Issue(ctx, mapped.AthleteID)
	if err != nil {
		logger.Error("failed to issue one-time code", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error"})
		return
	}

	logger.Info("tokens saved",
		"athlete_id", mapped.AthleteID,
		"expires_at", mapped.ExpiresAt,
	)

	if record.ToolRedirectURI != "" {
		if backURL, ok := oauthflow.BuildReturnURL(record.ToolRedirectURI, otc, record.ToolState); ok {
			logger.Info("redirecting back to tool")
			c.Redirect(http.StatusFound, backURL)
			return
		}
		logger.Warn("return uri in state no longer trusted, serving fallback page")
	}

	s.renderFallbackPage(c, otc, record.ToolState)
}

// handleToken is the token URL the tool calls: it consumes the one-time
// code and answers with an application bearer token. The response shape is
// the standard OAuth token payload the tool expects.
func (s *Server) handleToken(c *gin.Context) {
	ctx := c.Request.Context()
	logger := core.LoggerFromCtx(ctx)

	code := tokenRequestCode(c)
	if code == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":             "invalid_request",
			"error_description": "missing code",
		})
		return
	}

	athleteID, err := s.codes.Consume(ctx, code)
	if err != nil {
		if errors.Is(err, core.ErrCodeNotFound) {
			logger.Warn("invalid or expired one-time code")
			c.JSON(http.StatusBadRequest, gin.H{
				"error":             "invalid_grant",
				"error_description": "code invalid or expired",
			})
			return
		}
		logger.Error("failed to consume one-time code", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error"})
		return
	}

	accessToken, err := s.issuer.Issue(athleteID)
	if err != nil {
		logger.Error("failed to issue application token", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error"})
		return
	}

	logger.Info("application token issued", "athlete_id", athleteID)
	c.JSON(http.StatusOK, gin.H{
		"access_token": accessToken,
		"token_type":   "bearer",
		"expires_in":   int64(s.issuer.Lifetime().Seconds()),
	})
}

// tokenRequestCode accepts form-encoded, JSON, and query variants; tools
// are not consistent about how they call the token URL.
func tokenRequestCode(c *gin.Context) string {
	if code := c.PostForm("code"); code != "" {
		return code
	}
	var body struct {
		Code string `json:"code"`
	}
	if err := c.ShouldBindJSON(&body); err == nil && body.Code != "" {
		return body.Code
	}
	return c.Query("code")
}

// handleLink writes the user→athlete index for deployments where the tool
// authenticates its own users and reconnects them later.
func (s *Server) handleLink(c *gin.Context) {
	ctx := c.Request.Context()

	var body struct {
		UserID    string `json:"user_id"`
		AthleteID int64  `json:"athlete_id"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.UserID == "" || body.AthleteID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "missing_user_id_or_athlete_id"})
		return
	}

	if err := s.store.SaveAthleteIndex(ctx, body.UserID, body.AthleteID, s.indexTTL()); err != nil {
		core.LoggerFromCtx(ctx).Error("failed to save athlete index", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "server_error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// handleLinkLookup resolves the athlete linked to a user id.
func (s *Server) handleLinkLookup(c *gin.Context) {
	ctx := c.Request.Context()

	athleteID, err := s.store.GetAthleteIndex(ctx, c.Param("user_id"))
	if err != nil {
		if errors.Is(err, core.ErrIndexNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"ok": false, "error": "not_linked"})
			return
		}
		core.LoggerFromCtx(ctx).Error("failed to read athlete index", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "server_error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "athlete_id": athleteID})
}

// renderFallbackPage serves a minimal HTML page that tries to hand the
// one-time code to an opener window and otherwise shows it for manual copy.
// Used when no trusted return address is available.
func (s *Server) renderFallbackPage(c *gin.Context, code, toolState string) {
	codeJSON, _ := json.Marshal(code)
	stateJSON, _ := json.Marshal(toolState)
	page := fmt.Sprintf(`<!doctype html><meta charset="utf-8"><title>Connecting…</title>
<body style="font-family:system-ui;margin:2rem;"><p id="s">Finishing sign-in…</p>
<script>(function(){var c=%s,s=%s;
try{if(window.opener){window.opener.postMessage([{type:'chatgpt#actions:oauth-callback',code:c,state:s}],'*');setTimeout(function(){try{window.close()}catch(e){}},200);return;}}catch(e){}
document.getElementById('s').innerHTML='Automatic return unavailable.<br>Code: <code>'+c+'</code>';})();</script></body>`,
		codeJSON, stateJSON)
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(page))
}

func mapTokenError(c *gin.Context, err error) {
	logger := core.LoggerFromCtx(c.Request.Context())
	switch {
	case errors.Is(err, core.ErrTokensNotFound):
		logger.Warn("no strava tokens for athlete")
		c.JSON(http.StatusUnauthorized, gin.H{"ok": false, "error": "no_strava_token"})
	case errors.Is(err, tokens.ErrRefreshContended):
		logger.Warn("token refresh contended")
		c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "error": "refresh_in_progress"})
	default:
		var apiErr *strava.APIError
		if errors.As(err, &apiErr) {
			logger.Error("strava token refresh failed", "status", apiErr.StatusCode, "body", apiErr.Body)
			c.JSON(http.StatusBadGateway, gin.H{"ok": false, "error": "strava_refresh_failed"})
			return
		}
		logger.Error("failed to resolve access token", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "server_error"})
	}
}
