package ident

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/segmentio/ksuid"
)

// Strategy identifies the identifier generation algorithm to use.
type Strategy int

const (
	// StrategyKSUID generates lexicographically sortable identifiers using KSUID.
	StrategyKSUID Strategy = iota
	// StrategyUUIDv7 generates time-ordered identifiers using UUID version 7.
	StrategyUUIDv7
)

var defaultGenerator = &Generator{strategy: StrategyKSUID}

// Generator produces identifiers for tasks, goals, approvals, events and
// learnings. Identifiers sort lexicographically in creation order, which the
// event store relies on for replay.
type Generator struct {
	mu       sync.RWMutex
	strategy Strategy

	eventMu   sync.Mutex
	lastEvent ksuid.KSUID
}

// SetStrategy configures the generation strategy for the default generator.
func SetStrategy(strategy Strategy) {
	defaultGenerator.setStrategy(strategy)
}

func (g *Generator) setStrategy(strategy Strategy) {
	g.mu.Lock()
	g.strategy = strategy
	g.mu.Unlock()
}

// NewTaskID generates a new task identifier with a stable prefix for display.
func NewTaskID() string {
	return defaultGenerator.newIdentifier("task")
}

// NewGoalID generates a new goal identifier.
func NewGoalID() string {
	return defaultGenerator.newIdentifier("goal")
}

// NewApprovalID generates a new approval identifier.
func NewApprovalID() string {
	return defaultGenerator.newIdentifier("appr")
}

// NewEventID generates a new event identifier. Event identifiers are strictly
// increasing in issue order regardless of strategy: replay checkpoints compare
// ids, so two events must never sort against their append order.
func NewEventID() string {
	return defaultGenerator.newEventID()
}

// BumpEventFloor raises the event id floor. The event store calls it on open
// with the last id already on disk so ids issued after a restart stay above
// everything persisted.
func BumpEventFloor(id string) {
	defaultGenerator.bumpEventFloor(id)
}

func (g *Generator) newEventID() string {
	g.eventMu.Lock()
	defer g.eventMu.Unlock()
	next := ksuid.New()
	// KSUID timestamps have one-second precision, so ids minted within the
	// same second would otherwise carry random order.
	if ksuid.Compare(next, g.lastEvent) <= 0 {
		next = g.lastEvent.Next()
	}
	g.lastEvent = next
	return "evt-" + next.String()
}

func (g *Generator) bumpEventFloor(id string) {
	parsed, err := ksuid.Parse(strings.TrimPrefix(id, "evt-"))
	if err != nil {
		return
	}
	g.eventMu.Lock()
	if ksuid.Compare(parsed, g.lastEvent) > 0 {
		g.lastEvent = parsed
	}
	g.eventMu.Unlock()
}

// NewLearningID generates a new learning identifier.
func NewLearningID() string {
	return defaultGenerator.newIdentifier("learn")
}

// NewTraceID generates a trace identifier used to correlate every event a
// task emits across retries.
func NewTraceID() string {
	return defaultGenerator.newIdentifier("trace")
}

func (g *Generator) newIdentifier(prefix string) string {
	g.mu.RLock()
	strategy := g.strategy
	g.mu.RUnlock()

	var body string
	switch strategy {
	case StrategyUUIDv7:
		uuidv7, err := uuid.NewV7()
		if err == nil {
			body = uuidv7.String()
			break
		}
		fallthrough
	case StrategyKSUID:
		body = ksuid.New().String()
	default:
		body = ksuid.New().String()
	}

	return fmt.Sprintf("%s-%s", prefix, body)
}

// NewKSUID exposes raw KSUID generation for callers that need unprefixed identifiers.
func NewKSUID() string {
	return ksuid.New().String()
}

// NewUUIDv7 exposes raw UUIDv7 generation for callers that need unprefixed identifiers.
func NewUUIDv7() string {
	uuidv7, err := uuid.NewV7()
	if err != nil {
		return ""
	}
	return uuidv7.String()
}

// NewCorrelationID generates an unprefixed identifier for request/response
// correlation on the sandbox wire. Correlation ids are always assigned on the
// host side of the boundary.
func NewCorrelationID() string {
	return uuid.NewString()
}
