// Package server wires the OAuth bridge endpoints into a gin router: the
// authorize/callback/token bridging flow, the link index, and the
// bearer-protected Strava resource endpoints.
package server

import (
	"time"

	"github.com/benamails/stravagptfaby/pkg/apptoken"
	"github.com/benamails/stravagptfaby/pkg/config"
	"github.com/benamails/stravagptfaby/pkg/core"
	"github.com/benamails/stravagptfaby/pkg/oauthflow"
	"github.com/benamails/stravagptfaby/pkg/strava"
	"github.com/benamails/stravagptfaby/pkg/tokens"

	"github.com/gin-gonic/gin"
)

// Server holds the explicitly constructed collaborators. Everything is
// created once per process in main and injected; nothing reads the
// environment at request time.
type Server struct {
	cfg    *config.Config
	store  core.Store
	strava *strava.Client
	states *oauthflow.StateManager
	codes  *oauthflow.CodeBroker
	tokens *tokens.Manager
	issuer *apptoken.Issuer
}

// New creates a Server from its collaborators.
func New(
	cfg *config.Config,
	store core.Store,
	stravaClient *strava.Client,
	states *oauthflow.StateManager,
	codes *oauthflow.CodeBroker,
	tokenManager *tokens.Manager,
	issuer *apptoken.Issuer,
) *Server {
	return &Server{
		cfg:    cfg,
		store:  store,
		strava: stravaClient,
		states: states,
		codes:  codes,
		tokens: tokenManager,
		issuer: issuer,
	}
}

// Router builds the gin engine with all routes and middleware registered.
func (s *Server) Router() *gin.Engine {
	router := gin.Default()
	router.Use(requestIDMiddleware(), tracingMiddleware(), corsMiddleware())

	router.GET("/ping", s.handlePing)

	router.GET("/authorize", s.handleAuthorize)
	router.GET("/callback", s.handleCallback)
	router.POST("/token", s.handleToken)

	router.POST("/link", s.handleLink)
	router.GET("/link/:user_id", s.handleLinkLookup)

	authed := router.Group("/", s.bearerAuth())
	authed.GET("/activities", s.handleActivities)
	authed.GET("/activities/:id", s.handleActivity)
	authed.GET("/athlete", s.handleAthlete)

	return router
}

// indexTTL returns how long user→athlete links are kept.
func (s *Server) indexTTL() time.Duration {
	return time.Duration(s.cfg.TokenTTLSeconds) * time.Second
}
