// Package weather is a small read-only client for the Yandex weather
// forecast API. Only the current conditions are exposed.
package weather

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// DefaultEndpoint is the public forecast endpoint.
const DefaultEndpoint = "http://api.weather.yandex.ru/v1/forecast"

// Location is a point on the map in decimal degrees.
type Location struct {
	Lat float64
	Lon float64
}

// Forecast holds current conditions in degrees Celsius.
type Forecast struct {
	Temp      float64
	FeelsLike float64
}

// String renders the forecast the way the bot replies with it.
func (f Forecast) String() string {
	return fmt.Sprintf("Temp %s°C, feels like %s°C",
		strconv.FormatFloat(f.Temp, 'f', -1, 64),
		strconv.FormatFloat(f.FeelsLike, 'f', -1, 64))
}

// Forecaster returns the current weather. A nil location lets the provider
// pick one (by client IP for Yandex).
type Forecaster interface {
	ForecastWeather(ctx context.Context, where *Location) (Forecast, error)
}

// APIError is returned for any non-200 answer.
type APIError struct {
	Code    int
	Details string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: code=%d details=%s", e.Code, e.Details)
}

// DecodeError means the body lacked fact.temp or fact.feels_like.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to parse forecast: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// YandexForecaster implements Forecaster against the Yandex API.
type YandexForecaster struct {
	apiKey     string
	endpoint   string
	httpClient *http.Client
	logger     zerolog.Logger
}

var _ Forecaster = (*YandexForecaster)(nil)

// Option customizes a YandexForecaster.
type Option func(*YandexForecaster)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(f *YandexForecaster) { f.httpClient = hc }
}

// WithLogger sets the request logger.
func WithLogger(l zerolog.Logger) Option {
	return func(f *YandexForecaster) { f.logger = l }
}

// NewYandexForecaster creates a forecaster. An empty endpoint means
// DefaultEndpoint.
func NewYandexForecaster(apiKey, endpoint string, opts ...Option) *YandexForecaster {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	f := &YandexForecaster{
		apiKey:     apiKey,
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

type forecastResponse struct {
	Fact *struct {
		Temp      *flexFloat `json:"temp"`
		FeelsLike *flexFloat `json:"feels_like"`
	} `json:"fact"`
}

// flexFloat accepts both 2 and "2".
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("not a number: %s", data)
	}
	*f = flexFloat(v)
	return nil
}

// ForecastWeather fetches current conditions for where.
func (f *YandexForecaster) ForecastWeather(ctx context.Context, where *Location) (Forecast, error) {
	u := f.endpoint
	if where != nil {
		q := url.Values{}
		q.Set("lat", strconv.FormatFloat(where.Lat, 'f', -1, 64))
		q.Set("lon", strconv.FormatFloat(where.Lon, 'f', -1, 64))
		u += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Forecast{}, fmt.Errorf("build forecast request: %w", err)
	}
	req.Header.Set("X-Yandex-API-Key", f.apiKey)

	started := time.Now()
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return Forecast{}, fmt.Errorf("forecast request: %w", err)
	}
	defer resp.Body.Close()
	f.logger.Debug().
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(started)).
		Msg("forecast call")

	if resp.StatusCode != http.StatusOK {
		return Forecast{}, &APIError{Code: resp.StatusCode, Details: http.StatusText(resp.StatusCode)}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Forecast{}, fmt.Errorf("read forecast body: %w", err)
	}

	var body forecastResponse
	if err := json.Unmarshal(data, &body); err != nil {
		return Forecast{}, &DecodeError{Err: err}
	}
	switch {
	case body.Fact == nil:
		return Forecast{}, &DecodeError{Err: errors.New("fact is missing")}
	case body.Fact.Temp == nil:
		return Forecast{}, &DecodeError{Err: errors.New("fact.temp is missing")}
	case body.Fact.FeelsLike == nil:
		return Forecast{}, &DecodeError{Err: errors.New("fact.feels_like is missing")}
	}
	return Forecast{
		Temp:      float64(*body.Fact.Temp),
		FeelsLike: float64(*body.Fact.FeelsLike),
	}, nil
}
