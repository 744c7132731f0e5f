package flightfeed

import (
	"sort"
	"time"

	"WingLedger/internal/event"
	wmath "WingLedger/internal/math"
	"WingLedger/internal/state"
)

// DelayThreshold is the departure delay above which a flight counts as Delayed.
const DelayThreshold = 15 * time.Minute

// Flight is one classified flight from the feed.
type Flight struct {
	Airline       string             `json:"airline"`
	AirlineCode   string             `json:"airline_code"`
	FlightNumber  string             `json:"flight_number"`
	Status        event.FlightStatus `json:"status"`
	DelayMinutes  int                `json:"delay_minutes,omitempty"`
	Origin        string             `json:"origin"`
	Destination   string             `json:"destination"`
	ScheduledTime time.Time          `json:"scheduled_time"`
}

type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// RiskFromOnTime grades an airline by its on-time rate in percent.
func RiskFromOnTime(onTimePercent int64) RiskLevel {
	switch {
	case onTimePercent >= 85:
		return RiskLow
	case onTimePercent >= 75:
		return RiskMedium
	default:
		return RiskHigh
	}
}

type Stats struct {
	TotalFlights  int   `json:"total_flights"`
	OnTime        int   `json:"on_time"`
	Delayed       int   `json:"delayed"`
	Cancelled     int   `json:"cancelled"`
	OnTimePercent int64 `json:"on_time_percent"`
}

func (s *Stats) add(status event.FlightStatus) {
	s.TotalFlights++
	switch status {
	case event.FlightStatusOnTime:
		s.OnTime++
	case event.FlightStatusDelayed:
		s.Delayed++
	case event.FlightStatusCancelled:
		s.Cancelled++
	}
	s.OnTimePercent = wmath.Percent(int64(s.OnTime), int64(s.TotalFlights))
}

type AirlineStats struct {
	Code string    `json:"code"`
	Risk RiskLevel `json:"risk"`
	Stats
}

// Snapshot is one refresh of the feed as served to readers.
type Snapshot struct {
	Flights         []Flight       `json:"flights"`
	FetchedAt       time.Time      `json:"fetched_at"`
	NextUpdate      time.Time      `json:"next_update"`
	Demo            bool           `json:"demo"`
	Cached          bool           `json:"cached"`
	CacheAgeMinutes int64          `json:"cache_age_minutes,omitempty"`
	Stats           Stats          `json:"stats"`
	Airlines        []AirlineStats `json:"airlines"`
}

// NewSnapshot aggregates flights into a snapshot fetched at.
func NewSnapshot(flights []Flight, at time.Time, ttl time.Duration, demo bool) *Snapshot {
	snap := &Snapshot{
		Flights:    flights,
		FetchedAt:  at,
		NextUpdate: at.Add(ttl),
		Demo:       demo,
	}
	snap.summarize()
	return snap
}

func (s *Snapshot) summarize() {
	s.Stats = Stats{}
	byAirline := make(map[string]*AirlineStats)
	for _, f := range s.Flights {
		s.Stats.add(f.Status)
		a, ok := byAirline[f.AirlineCode]
		if !ok {
			a = &AirlineStats{Code: f.AirlineCode}
			byAirline[f.AirlineCode] = a
		}
		a.add(f.Status)
	}

	s.Airlines = make([]AirlineStats, 0, len(byAirline))
	for _, a := range byAirline {
		a.Risk = RiskFromOnTime(a.OnTimePercent)
		s.Airlines = append(s.Airlines, *a)
	}
	sort.Slice(s.Airlines, func(i, j int) bool { return s.Airlines[i].Code < s.Airlines[j].Code })
}

// DemoFlights is served when no live data can be had. It is never settled.
func DemoFlights(at time.Time) []Flight {
	return []Flight{
		{Airline: "Emirates", AirlineCode: "EK", FlightNumber: "EK524", Status: event.FlightStatusDelayed, DelayMinutes: 45, Origin: "DXB", Destination: "JFK", ScheduledTime: at},
		{Airline: "Singapore Airlines", AirlineCode: "SQ", FlightNumber: "SQ25", Status: event.FlightStatusOnTime, Origin: "SIN", Destination: "LHR", ScheduledTime: at},
		{Airline: "Qatar Airways", AirlineCode: "QR", FlightNumber: "QR701", Status: event.FlightStatusDelayed, DelayMinutes: 20, Origin: "DOH", Destination: "BOM", ScheduledTime: at},
		{Airline: "Air India", AirlineCode: "AI", FlightNumber: "AI302", Status: event.FlightStatusOnTime, Origin: "DEL", Destination: "JFK", ScheduledTime: at},
		{Airline: "British Airways", AirlineCode: "BA", FlightNumber: "BA142", Status: event.FlightStatusCancelled, Origin: "LHR", Destination: "DXB", ScheduledTime: at},
	}
}

// keep only carriers that have a pool
func isTracked(code string) bool {
	return state.IsKnownAirline(code)
}
