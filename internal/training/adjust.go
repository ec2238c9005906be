package training

import (
	"fmt"
	"math"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/lamim/selfplay/internal/config"
)

// AdjustStatus is the outcome of a configuration adjustment
type AdjustStatus string

const (
	AdjustApplied AdjustStatus = "APPLIED"
	AdjustValid   AdjustStatus = "VALID"
	AdjustInvalid AdjustStatus = "INVALID"
	AdjustError   AdjustStatus = "ERROR"
)

// ConfigUpdate names one session parameter and its new value. Value may be a
// Go number or bool, or a string to be parsed.
type ConfigUpdate struct {
	Parameter string
	Value     any
}

// ParseUpdate parses "name=value"
func ParseUpdate(s string) (ConfigUpdate, error) {
	name, value, ok := strings.Cut(s, "=")
	if !ok || strings.TrimSpace(name) == "" {
		return ConfigUpdate{}, fmt.Errorf("expected name=value, got %q", s)
	}
	return ConfigUpdate{Parameter: strings.TrimSpace(name), Value: strings.TrimSpace(value)}, nil
}

// AdjustResult reports what AdjustConfiguration or RollbackConfiguration did
type AdjustResult struct {
	Status    AdjustStatus
	Parameter string
	Previous  any
	Value     any
	Message   string
}

// OK reports whether the update was applied or would be
func (r AdjustResult) OK() bool {
	return r.Status == AdjustApplied || r.Status == AdjustValid
}

type paramKind int

const (
	kindInt paramKind = iota
	kindFloat
	kindBool
)

type parameter struct {
	kind     paramKind
	min, max float64
	get      func(*config.Config) any
	set      func(*config.Config, any)
}

type adjustment struct {
	parameter string
	previous  any
}

func intParam(min, max int, field func(*config.Config) *int) parameter {
	return parameter{
		kind: kindInt,
		min:  float64(min),
		max:  float64(max),
		get:  func(c *config.Config) any { return *field(c) },
		set:  func(c *config.Config, v any) { *field(c) = v.(int) },
	}
}

func floatParam(min, max float64, field func(*config.Config) *float64) parameter {
	return parameter{
		kind: kindFloat,
		min:  min,
		max:  max,
		get:  func(c *config.Config) any { return *field(c) },
		set:  func(c *config.Config, v any) { *field(c) = v.(float64) },
	}
}

func boolParam(field func(*config.Config) *bool) parameter {
	return parameter{
		kind: kindBool,
		get:  func(c *config.Config) any { return *field(c) },
		set:  func(c *config.Config, v any) { *field(c) = v.(bool) },
	}
}

// adjustable lists the parameters that may change between iterations.
// None of them feed the checkpoint config hash.
var adjustable = map[string]parameter{
	"iterations": intParam(1, 1_000_000, func(c *config.Config) *int { return &c.Session.Iterations }),
	"games_per_iteration": intParam(1, config.MaxGamesPerIteration,
		func(c *config.Config) *int { return &c.Session.GamesPerIteration }),
	"max_concurrent_games": intParam(1, config.MaxConcurrentGames,
		func(c *config.Config) *int { return &c.Session.MaxConcurrentGames }),
	"batch_size": intParam(1, config.MaxReplaySize, func(c *config.Config) *int { return &c.Session.BatchSize }),
	"batches_per_iteration": intParam(0, 10_000,
		func(c *config.Config) *int { return &c.Session.BatchesPerIteration }),
	"checkpoint_frequency": intParam(0, 1_000_000,
		func(c *config.Config) *int { return &c.Session.CheckpointFrequency }),
	"evaluation_games": intParam(0, config.MaxGamesPerIteration,
		func(c *config.Config) *int { return &c.Session.EvaluationGames }),
	"games_per_second": floatParam(0, 10_000, func(c *config.Config) *float64 { return &c.Session.GamesPerSecond }),
	"show_progress":    boolParam(func(c *config.Config) *bool { return &c.Session.ShowProgress }),
}

// fixed are recognized session parameters that only take effect on a new session
var fixed = []string{"controller_type", "seed", "deterministic", "max_steps_per_game", "resume_from", "output_dir"}

// AdjustableParameters returns the names AdjustConfiguration accepts, sorted
func AdjustableParameters() []string {
	names := make([]string, 0, len(adjustable))
	for name := range adjustable {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (p parameter) coerce(v any) (any, error) {
	switch p.kind {
	case kindInt:
		n, err := toInt(v)
		if err != nil {
			return nil, err
		}
		if float64(n) < p.min || float64(n) > p.max {
			return nil, fmt.Errorf("must be between %d and %d (got %d)", int(p.min), int(p.max), n)
		}
		return n, nil
	case kindFloat:
		f, err := toFloat(v)
		if err != nil {
			return nil, err
		}
		if math.IsNaN(f) || f < p.min || f > p.max {
			return nil, fmt.Errorf("must be between %g and %g (got %g)", p.min, p.max, f)
		}
		return f, nil
	default:
		return toBool(v)
	}
}

func toInt(v any) (int, error) {
	switch x := v.(type) {
	case int:
		return x, nil
	case int32:
		return int(x), nil
	case int64:
		return int(x), nil
	case float64:
		if x != math.Trunc(x) {
			return 0, fmt.Errorf("expected an integer, got %g", x)
		}
		return int(x), nil
	case string:
		n, err := strconv.Atoi(x)
		if err != nil {
			return 0, fmt.Errorf("expected an integer, got %q", x)
		}
		return n, nil
	}
	return 0, fmt.Errorf("expected an integer, got %T", v)
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case string:
		f, err := strconv.ParseFloat(x, 64)
		if err != nil {
			return 0, fmt.Errorf("expected a number, got %q", x)
		}
		return f, nil
	}
	return 0, fmt.Errorf("expected a number, got %T", v)
}

func toBool(v any) (bool, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case string:
		b, err := strconv.ParseBool(x)
		if err != nil {
			return false, fmt.Errorf("expected a boolean, got %q", x)
		}
		return b, nil
	}
	return false, fmt.Errorf("expected a boolean, got %T", v)
}

// AdjustConfiguration validates update against the parameter table and, unless
// validateOnly is set, applies it to the working configuration. Running
// sessions pick up the change at the next iteration. Applied changes are
// pushed onto the rollback history.
func (c *Controller) AdjustConfiguration(update ConfigUpdate, validateOnly bool) AdjustResult {
	res := AdjustResult{Parameter: update.Parameter, Value: update.Value}

	p, ok := adjustable[update.Parameter]
	if !ok {
		res.Status = AdjustInvalid
		if slices.Contains(fixed, update.Parameter) {
			res.Message = fmt.Sprintf("%s cannot be changed on a configured session; restart with a new configuration", update.Parameter)
		} else {
			res.Message = fmt.Sprintf("unknown parameter %q", update.Parameter)
		}
		return res
	}

	value, err := p.coerce(update.Value)
	if err != nil {
		res.Status = AdjustInvalid
		res.Message = fmt.Sprintf("%s %v", update.Parameter, err)
		return res
	}
	res.Value = value

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cfg == nil {
		res.Status = AdjustError
		res.Message = "no configuration loaded"
		return res
	}

	res.Previous = p.get(c.cfg)
	candidate := *c.cfg
	p.set(&candidate, value)
	if err := candidate.Validate(); err != nil {
		res.Status = AdjustInvalid
		res.Message = err.Error()
		return res
	}

	if validateOnly {
		res.Status = AdjustValid
		return res
	}

	*c.cfg = candidate
	c.adjustments = append(c.adjustments, adjustment{parameter: update.Parameter, previous: res.Previous})
	res.Status = AdjustApplied

	c.logger.Info("Configuration adjusted",
		"parameter", update.Parameter,
		"previous", res.Previous,
		"value", value,
		"state", c.state)
	return res
}

// RollbackConfiguration undoes the most recent applied adjustment
func (c *Controller) RollbackConfiguration() AdjustResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.adjustments) == 0 || c.cfg == nil {
		return AdjustResult{Status: AdjustError, Message: "no configuration changes to roll back"}
	}

	last := c.adjustments[len(c.adjustments)-1]
	c.adjustments = c.adjustments[:len(c.adjustments)-1]

	p := adjustable[last.parameter]
	current := p.get(c.cfg)
	p.set(c.cfg, last.previous)

	c.logger.Info("Configuration rolled back",
		"parameter", last.parameter,
		"from", current,
		"to", last.previous)

	return AdjustResult{
		Status:    AdjustApplied,
		Parameter: last.parameter,
		Previous:  current,
		Value:     last.previous,
		Message:   "rolled back",
	}
}
