//go:build cucumber

package limiter

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cucumber/godog"
	"github.com/developingchet/authguard/internal/storage"
	"github.com/rs/zerolog"
)

// TestFixedWindowFeatures executes the fixed-window scenarios via godog.
func TestFixedWindowFeatures(t *testing.T) {
	suite := godog.TestSuite{
		Name:                "fixed-window",
		ScenarioInitializer: initializeScenario,
		Options: &godog.Options{
			Format:    "pretty",
			Paths:     []string{filepath.Join("testdata", "features")},
			Strict:    true,
			TestingT:  t,
			Randomize: 0,
		},
	}
	if suite.Run() != 0 {
		t.Fatalf("non-zero godog status")
	}
}

func initializeScenario(sc *godog.ScenarioContext) {
	state := &limiterState{}
	sc.Before(func(ctx context.Context, _ *godog.Scenario) (context.Context, error) {
		state.results = nil
		state.engine = nil
		return ctx, nil
	})

	sc.Step(`^a limiter with a counter expiry of (\d+) seconds$`, state.givenLimiter)
	sc.Step(`^I check rate "([^"]+)" for "([^"]+)" with scale (\d+) and limit (\d+) four times$`, state.checkFourTimes)
	sc.Step(`^I check rate "([^"]+)" for "([^"]+)" with scale (\d+), limit (\d+) and increment (\d+)$`, state.checkWithIncrement)
	sc.Step(`^I inspect counter "([^"]+)" for "([^"]+)" with scale (\d+) and limit (\d+)$`, state.inspect)
	sc.Step(`^I delete counters "([^"]+)" for "([^"]+)"$`, state.deleteCounters)
	sc.Step(`^(\d+) seconds pass$`, state.advance)
	sc.Step(`^the sweeper runs$`, state.sweep)
	sc.Step(`^the results are "([^"]+)"$`, state.resultsAre)
	sc.Step(`^the last result is "([^"]+)"$`, state.lastResultIs)
}

// limiterState holds scenario state for the feature tests.
type limiterState struct {
	store   *storage.MemoryStore
	clock   *fakeClock
	engine  *Engine
	results []Result
}

func (s *limiterState) givenLimiter(expirySeconds int) error {
	s.store = storage.NewMemoryStore()
	s.clock = &fakeClock{now: time.UnixMilli(1_700_000_040_000)}
	e, err := New(s.store, Config{
		Expiry:       time.Duration(expirySeconds) * time.Second,
		CounterTypes: []CounterType{"c"},
		Now:          s.clock.Now,
	}, zerolog.Nop())
	if err != nil {
		return err
	}
	s.engine = e
	return nil
}

func (s *limiterState) checkFourTimes(ct, id string, scale, limit int) error {
	for i := 0; i < 4; i++ {
		if err := s.checkWithIncrement(ct, id, scale, limit, 1); err != nil {
			return err
		}
	}
	return nil
}

func (s *limiterState) checkWithIncrement(ct, id string, scale, limit, increment int) error {
	res, err := s.engine.CheckRateWithIncrement(context.Background(), CounterType(ct), id,
		int64(scale), int64(limit), int64(increment))
	if err != nil {
		return err
	}
	s.results = append(s.results, res)
	return nil
}

func (s *limiterState) inspect(ct, id string, scale, limit int) error {
	res, err := s.engine.InspectCounter(context.Background(), CounterType(ct), id, int64(scale), int64(limit))
	if err != nil {
		return err
	}
	s.results = append(s.results, res)
	return nil
}

func (s *limiterState) deleteCounters(ct, id string) error {
	_, err := s.engine.DeleteCounters(context.Background(), CounterType(ct), id)
	return err
}

func (s *limiterState) advance(seconds int) error {
	s.clock.Advance(time.Duration(seconds) * time.Second)
	return nil
}

func (s *limiterState) sweep() error {
	_, err := s.store.SweepExpired(context.Background(), s.clock.Now())
	return err
}

func (s *limiterState) resultsAre(expected string) error {
	got := make([]string, len(s.results))
	for i, r := range s.results {
		got[i] = r.String()
	}
	if strings.Join(got, ",") != expected {
		return fmt.Errorf("results = %s, want %s", strings.Join(got, ","), expected)
	}
	return nil
}

func (s *limiterState) lastResultIs(expected string) error {
	if len(s.results) == 0 {
		return fmt.Errorf("no results recorded")
	}
	if got := s.results[len(s.results)-1].String(); got != expected {
		return fmt.Errorf("last result = %s, want %s", got, expected)
	}
	return nil
}
