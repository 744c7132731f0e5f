package flightfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"WingLedger/internal/event"
)

const (
	DefaultBaseURL = "https://api.flightapi.io"
	requestTimeout = 10 * time.Second
)

// Route is an airport pair polled with trackbyroute.
type Route struct {
	From string `json:"from" yaml:"from"`
	To   string `json:"to" yaml:"to"`
}

func (r Route) String() string { return r.From + "-" + r.To }

// ParseRoute parses "DXB-JFK".
func ParseRoute(s string) (Route, error) {
	from, to, ok := strings.Cut(strings.ToUpper(strings.TrimSpace(s)), "-")
	if !ok || len(from) != 3 || len(to) != 3 {
		return Route{}, fmt.Errorf("invalid route %q, want FROM-TO", s)
	}
	return Route{From: from, To: to}, nil
}

// Client calls the FlightAPI tracking endpoint.
type Client struct {
	base   string
	apiKey string
	client *http.Client
}

// NewClient creates a client. A nil httpClient gets a 10s timeout.
func NewClient(base, apiKey string, httpClient *http.Client) *Client {
	if base == "" {
		base = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: requestTimeout}
	}
	return &Client{base: strings.TrimRight(base, "/"), apiKey: apiKey, client: httpClient}
}

type apiFlight struct {
	FlightStatus string `json:"flight_status"`
	Airline      struct {
		Name string `json:"name"`
		IATA string `json:"iata"`
	} `json:"airline"`
	Flight struct {
		IATA string `json:"iata"`
	} `json:"flight"`
	Departure struct {
		IATA      string   `json:"iata"`
		Scheduled string   `json:"scheduled"`
		Delay     *float64 `json:"delay"`
	} `json:"departure"`
	Arrival struct {
		IATA string `json:"iata"`
	} `json:"arrival"`
}

// TrackByRoute returns the classified flights on route for date. Flights of
// carriers without a pool are dropped.
func (c *Client) TrackByRoute(ctx context.Context, route Route, date time.Time) ([]Flight, error) {
	u := fmt.Sprintf("%s/trackbyroute/%s/?date=%s&airport1=%s&airport2=%s",
		c.base, url.PathEscape(c.apiKey), date.UTC().Format("20060102"),
		url.QueryEscape(route.From), url.QueryEscape(route.To))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("flightapi %s: %w", route, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("flightapi %s: status %d: %s", route, resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var raw []apiFlight
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("flightapi %s: decode: %w", route, err)
	}

	flights := make([]Flight, 0, len(raw))
	for _, rf := range raw {
		if f, ok := classify(rf, route, date); ok {
			flights = append(flights, f)
		}
	}
	return flights, nil
}

// classify maps a raw flight to our status model: cancelled wins, then a
// departure delay above DelayThreshold, otherwise on time.
func classify(rf apiFlight, route Route, date time.Time) (Flight, bool) {
	number := event.NormalizeFlightID(rf.Flight.IATA)
	code := strings.ToUpper(rf.Airline.IATA)
	if code == "" && len(number) >= 2 {
		code = number[:2]
	}
	if !isTracked(code) || number == "" {
		return Flight{}, false
	}

	f := Flight{
		Airline:       rf.Airline.Name,
		AirlineCode:   code,
		FlightNumber:  number,
		Status:        event.FlightStatusOnTime,
		Origin:        rf.Departure.IATA,
		Destination:   rf.Arrival.IATA,
		ScheduledTime: date.UTC(),
	}
	if f.Airline == "" {
		f.Airline = code
	}
	if f.Origin == "" {
		f.Origin = route.From
	}
	if f.Destination == "" {
		f.Destination = route.To
	}
	if ts, err := time.Parse(time.RFC3339, rf.Departure.Scheduled); err == nil {
		f.ScheduledTime = ts.UTC()
	}

	if rf.Departure.Delay != nil && *rf.Departure.Delay > 0 {
		f.DelayMinutes = int(math.Round(*rf.Departure.Delay))
	}
	switch {
	case strings.EqualFold(rf.FlightStatus, "cancelled"):
		f.Status = event.FlightStatusCancelled
	case time.Duration(f.DelayMinutes)*time.Minute > DelayThreshold:
		f.Status = event.FlightStatusDelayed
	}
	return f, true
}
