package quire

import (
	"time"

	json "github.com/goccy/go-json"
)

// Stats records how a query was executed: the operator and its arguments,
// when it ran and the steps it was composed of. A cached result carries the
// stats of the run that produced it.
type Stats struct {
	Type   string    `json:"type"`
	Args   []any     `json:"args,omitempty"`
	Start  time.Time `json:"start"`
	Stop   time.Time `json:"stop"`
	Result int       `json:"result"`
	Steps  []*Stats  `json:"steps,omitempty"`
}

func newStats(typ string, args ...any) *Stats {
	return &Stats{Type: typ, Args: args, Start: time.Now()}
}

// step adds a child step and returns it.
func (s *Stats) step(child *Stats) *Stats {
	s.Steps = append(s.Steps, child)
	return child
}

func (s *Stats) stop(result int) *Stats {
	s.Stop = time.Now()
	s.Result = result
	return s
}

// Duration is the time the step took.
func (s *Stats) Duration() time.Duration {
	return s.Stop.Sub(s.Start)
}

// String renders the stats tree as JSON.
func (s *Stats) String() string {
	b, err := json.Marshal(s)
	if err != nil {
		return s.Type
	}
	return string(b)
}
