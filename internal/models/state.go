package models

import "fmt"

// CrawlState is the orchestrator's lifecycle state.
type CrawlState int

const (
	StateIdle CrawlState = iota
	StateCrawling
	StatePaused
	StateCompleted
	StateError
)

var stateNames = map[CrawlState]string{
	StateIdle:      "IDLE",
	StateCrawling:  "CRAWLING",
	StatePaused:    "PAUSED",
	StateCompleted: "COMPLETED",
	StateError:     "ERROR",
}

func (s CrawlState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("CrawlState(%d)", int(s))
}

// MarshalText renders the state by name in JSON reports.
func (s CrawlState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Active reports whether a run currently owns the crawler.
func (s CrawlState) Active() bool {
	return s == StateCrawling || s == StatePaused
}
