package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/benamails/stravagptfaby/pkg/core"
	"github.com/benamails/stravagptfaby/pkg/strava"

	"github.com/gin-gonic/gin"
)

const (
	defaultActivityDays = 28
	activitiesPerPage   = 100
	// maxActivityPages caps pagination against runaway histories.
	maxActivityPages = 5
)

// handleActivities lists the athlete's recent activities, normalized.
func (s *Server) handleActivities(c *gin.Context) {
	ctx := c.Request.Context()
	logger := core.LoggerFromCtx(ctx)

	athleteID, err := core.AthleteIDFromContext(ctx)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"ok": false, "error": "unauthorized"})
		return
	}

	days := defaultActivityDays
	if raw := c.Query("days"); raw != "" {
		days, err = strconv.Atoi(raw)
		if err != nil || days <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid_days"})
			return
		}
	}

	accessToken, err := s.tokens.ValidAccessToken(ctx, athleteID)
	if err != nil {
		mapTokenError(c, err)
		return
	}

	after := time.Now().Add(-time.Duration(days) * 24 * time.Hour).Unix()
	var all []strava.Activity
	for page := 1; page <= maxActivityPages; page++ {
		batch, err := s.strava.Activities(ctx, accessToken, after, page, activitiesPerPage)
		if err != nil {
			mapStravaError(c, err, "failed to fetch activities")
			return
		}
		all = append(all, batch...)
		if len(batch) < activitiesPerPage {
			break
		}
	}

	logger.Info("activities fetched", "athlete_id", athleteID, "count", len(all), "days", days)
	c.JSON(http.StatusOK, gin.H{"ok": true, "data": strava.NormalizeAll(all)})
}

// handleActivity returns one normalized activity by id.
func (s *Server) handleActivity(c *gin.Context) {
	ctx := c.Request.Context()

	athleteID, err := core.AthleteIDFromContext(ctx)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"ok": false, "error": "unauthorized"})
		return
	}

	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid_activity_id"})
		return
	}

	accessToken, err := s.tokens.ValidAccessToken(ctx, athleteID)
	if err != nil {
		mapTokenError(c, err)
		return
	}

	activity, err := s.strava.Activity(ctx, accessToken, id)
	if err != nil {
		mapStravaError(c, err, "failed to fetch activity")
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true, "data": strava.Normalize(*activity)})
}

// handleAthlete returns the reshaped athlete profile.
func (s *Server) handleAthlete(c *gin.Context) {
	ctx := c.Request.Context()

	athleteID, err := core.AthleteIDFromContext(ctx)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"ok": false, "error": "unauthorized"})
		return
	}

	accessToken, err := s.tokens.ValidAccessToken(ctx, athleteID)
	if err != nil {
		mapTokenError(c, err)
		return
	}

	athlete, err := s.strava.Athlete(ctx, accessToken)
	if err != nil {
		mapStravaError(c, err, "failed to fetch athlete")
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true, "data": athlete})
}

// mapStravaError answers 502 for upstream failures. Provider response
// bodies go to the log only, never into the response.
func mapStravaError(c *gin.Context, err error, msg string) {
	logger := core.LoggerFromCtx(c.Request.Context())
	var apiErr *strava.APIError
	if errors.As(err, &apiErr) {
		logger.Error(msg, "status", apiErr.StatusCode, "body", apiErr.Body)
	} else {
		logger.Error(msg, "error", err)
	}
	c.JSON(http.StatusBadGateway, gin.H{"ok": false, "error": "strava_api_failed"})
}
