package strava

// TokenResponse is the payload of Strava's /oauth/token endpoint, for both
// the authorization_code and refresh_token grants. The athlete object is
// only present on the initial exchange; refresh responses omit it, and may
// rotate the refresh token.
type TokenResponse struct {
	TokenType    string   `json:"token_type"`
	AccessToken  string   `json:"access_token"`
	ExpiresAt    int64    `json:"expires_at"` // epoch seconds
	ExpiresIn    int64    `json:"expires_in"` // seconds
	RefreshToken string   `json:"refresh_token"`
	Scope        string   `json:"scope,omitempty"`
	Athlete      *Athlete `json:"athlete,omitempty"`
}

// Athlete is the subset of Strava's athlete object served by /athlete.
type Athlete struct {
	ID        int64    `json:"id"`
	Username  string   `json:"username,omitempty"`
	Firstname string   `json:"firstname,omitempty"`
	Lastname  string   `json:"lastname,omitempty"`
	Sex       string   `json:"sex,omitempty"`
	Weight    float64  `json:"weight,omitempty"`
	Country   string   `json:"country,omitempty"`
	City      string   `json:"city,omitempty"`
	Profile   string   `json:"profile,omitempty"`
	UpdatedAt string   `json:"updated_at,omitempty"`
}

// Activity carries the raw Strava activity fields the service consumes.
type Activity struct {
	ID                 int64    `json:"id"`
	Name               string   `json:"name"`
	StartDate          string   `json:"start_date,omitempty"`
	StartDateLocal     string   `json:"start_date_local,omitempty"`
	Distance           float64  `json:"distance,omitempty"` // meters
	MovingTime         int64    `json:"moving_time,omitempty"`
	ElapsedTime        int64    `json:"elapsed_time,omitempty"`
	TotalElevationGain float64  `json:"total_elevation_gain,omitempty"`
	Type               string   `json:"type,omitempty"`
	Commute            bool     `json:"commute,omitempty"`
	SufferScore        *float64 `json:"suffer_score,omitempty"`
	AverageHeartrate   *float64 `json:"average_heartrate,omitempty"`
	AverageWatts       *float64 `json:"average_watts,omitempty"`
	AverageCadence     *float64 `json:"average_cadence,omitempty"`
}
