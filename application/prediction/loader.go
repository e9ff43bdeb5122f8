// Package prediction implements the predictive loader: a deterministic
// heuristic scorer that decides which not-yet-requested services to warm up
// speculatively, based on role affinity, recent access frequency, time-of-day
// rules, and the situational context tag. It is a scorer, not a model; every
// rule is fixed and testable.
package prediction

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"servicekit/domain/registry"
)

// Role identifies the acting role of the caller (e.g. administrator,
// salesperson, warehouse keeper).
type Role string

// ContextTag labels the situation an access happened in.
type ContextTag string

// ContextStartup is the tag used for the eager warm-up right after a role
// change.
const ContextStartup ContextTag = "startup"

// Scoring weights of the four terms. The confidence of a prediction is the
// sum of the weights of the terms that fired, so the weights double as the
// confidence contributions.
const (
	weightAffinity  = 0.4
	weightFrequency = 0.3
	weightTemporal  = 0.2
	weightContext   = 0.1
)

// Strategy selects a warm-up aggressiveness level.
type Strategy string

const (
	StrategyConservative Strategy = "conservative"
	StrategyBalanced     Strategy = "balanced"
	StrategyAggressive   Strategy = "aggressive"
)

// threshold maps a strategy to its score cut-off. Unknown strategies degrade
// to balanced rather than failing; the loader never raises.
func (s Strategy) threshold() float64 {
	switch s {
	case StrategyConservative:
		return 0.8
	case StrategyAggressive:
		return 0.4
	default:
		return 0.6
	}
}

// AccessEvent is one observed successful cache access.
type AccessEvent struct {
	ID        string               `json:"id"`
	Name      registry.ServiceName `json:"name"`
	Role      Role                 `json:"role"`
	Context   ContextTag           `json:"context"`
	Timestamp time.Time            `json:"timestamp"`
}

// TemporalRule associates services with a time-of-day window. EndHour is
// exclusive; a window may wrap midnight. An empty weekday set matches every
// day.
type TemporalRule struct {
	Services  []registry.ServiceName
	StartHour int
	EndHour   int
	Weekdays  []time.Weekday
}

func (r TemporalRule) matches(t time.Time) bool {
	hour := t.Hour()
	inWindow := false
	if r.StartHour <= r.EndHour {
		inWindow = hour >= r.StartHour && hour < r.EndHour
	} else {
		inWindow = hour >= r.StartHour || hour < r.EndHour
	}
	if !inWindow {
		return false
	}
	if len(r.Weekdays) == 0 {
		return true
	}
	day := t.Weekday()
	for _, d := range r.Weekdays {
		if d == day {
			return true
		}
	}
	return false
}

// CandidateSource supplies the candidate universe and the cached-exclusion
// check. Implemented by the tiered cache.
type CandidateSource interface {
	Candidates() []registry.ServiceName
	IsCached(name registry.ServiceName) bool
}

// Options tunes the loader.
type Options struct {
	// Alpha is the EMA gain applied to the accessed service; Beta is the
	// decay applied to every sibling under the same role. Alpha > Beta.
	Alpha float64
	Beta  float64

	// ScoreThreshold and ConfidenceThreshold gate recommendations.
	ScoreThreshold      float64
	ConfidenceThreshold float64

	// MaxRecommendations truncates the fan-out of speculative work.
	MaxRecommendations int

	// HistoryLimit bounds the access-event ring.
	HistoryLimit int
}

// DefaultOptions returns the stated defaults.
func DefaultOptions() Options {
	return Options{
		Alpha:               0.2,
		Beta:                0.05,
		ScoreThreshold:      0.6,
		ConfidenceThreshold: 0.7,
		MaxRecommendations:  3,
		HistoryLimit:        512,
	}
}

// Prediction is one scored candidate.
type Prediction struct {
	Name       registry.ServiceName `json:"name"`
	Score      float64              `json:"score"`
	Confidence float64              `json:"confidence"`
}

// Analytics is the read-only reporting snapshot.
type Analytics struct {
	AccessesLast24h  int            `json:"accesses_last_24h"`
	PerRoleBreakdown map[string]int `json:"per_role_breakdown"`
	TopServices      []string       `json:"top_services"`
	AvgConfidence    float64        `json:"avg_confidence"`
}

// Loader owns the role-affinity table and the access-event ring; nothing else
// mutates them. All of its methods degrade missing inputs to zero
// contributions and never return an error.
type Loader struct {
	mu sync.Mutex

	source CandidateSource

	affinities map[Role]map[registry.ServiceName]float64
	temporal   []TemporalRule
	contexts   map[ContextTag][]registry.ServiceName

	events []AccessEvent

	role       Role
	contextTag ContextTag

	confidenceSum   float64
	confidenceCount int

	opts   Options
	logger *zap.Logger
	now    func() time.Time
}

// New creates a predictive loader. Seeds are the startup role/service
// association table; rules and contexts are the static temporal and
// context-tag association tables.
func New(source CandidateSource, seeds map[Role]map[registry.ServiceName]float64, rules []TemporalRule, contexts map[ContextTag][]registry.ServiceName, opts Options, logger *zap.Logger) *Loader {
	def := DefaultOptions()
	if opts.Alpha <= 0 || opts.Alpha >= 1 {
		opts.Alpha = def.Alpha
	}
	if opts.Beta <= 0 || opts.Beta >= opts.Alpha {
		opts.Beta = def.Beta
	}
	if opts.ScoreThreshold <= 0 {
		opts.ScoreThreshold = def.ScoreThreshold
	}
	if opts.ConfidenceThreshold <= 0 {
		opts.ConfidenceThreshold = def.ConfidenceThreshold
	}
	if opts.MaxRecommendations <= 0 {
		opts.MaxRecommendations = def.MaxRecommendations
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = def.HistoryLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	affinities := make(map[Role]map[registry.ServiceName]float64, len(seeds))
	for role, row := range seeds {
		copied := make(map[registry.ServiceName]float64, len(row))
		for name, v := range row {
			copied[name] = clamp01(v)
		}
		affinities[role] = copied
	}

	return &Loader{
		source:     source,
		affinities: affinities,
		temporal:   append([]TemporalRule(nil), rules...),
		contexts:   contexts,
		opts:       opts,
		logger:     logger,
		now:        time.Now,
	}
}

// SetClock overrides the wall clock, for deterministic tests.
func (l *Loader) SetClock(now func() time.Time) {
	l.mu.Lock()
	l.now = now
	l.mu.Unlock()
}

// RecordAccess is the hook the cache calls on every successful slot
// population or hit; it applies the loader's current session role and
// context.
func (l *Loader) RecordAccess(name registry.ServiceName) []registry.ServiceName {
	l.mu.Lock()
	role, tag := l.role, l.contextTag
	l.mu.Unlock()
	return l.OnAccess(name, role, tag)
}

// OnAccess updates the role-affinity table, appends an access event, and
// returns the ranked recommendation set for the caller to warm up. It never
// returns the accessed name or anything already cached.
func (l *Loader) OnAccess(name registry.ServiceName, role Role, tag ContextTag) []registry.ServiceName {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	row := l.affinities[role]
	if row == nil {
		row = make(map[registry.ServiceName]float64)
		l.affinities[role] = row
	}
	for other, v := range row {
		if other != name {
			row[other] = v * (1 - l.opts.Beta)
		}
	}
	row[name] = row[name] + l.opts.Alpha*(1-row[name])

	l.appendEventLocked(AccessEvent{
		ID:        uuid.NewString(),
		Name:      name,
		Role:      role,
		Context:   tag,
		Timestamp: now,
	})

	return l.recommendLocked(role, tag, now, l.opts.ScoreThreshold, true, name)
}

// OnRoleChange resets the session context, sets the current role, and returns
// the startup recommendation set for eager warm-up.
func (l *Loader) OnRoleChange(role Role) []registry.ServiceName {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.role = role
	l.contextTag = ContextStartup
	l.logger.Info("role changed", zap.String("role", string(role)))

	return l.recommendLocked(role, ContextStartup, l.now(), l.opts.ScoreThreshold, true, "")
}

// SetContext updates the current situational context tag.
func (l *Loader) SetContext(tag ContextTag) {
	l.mu.Lock()
	l.contextTag = tag
	l.mu.Unlock()
}

// Warmup returns the candidate set at the strategy's score threshold, for the
// cache to fetch.
func (l *Loader) Warmup(strategy Strategy) []registry.ServiceName {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.recommendLocked(l.role, l.contextTag, l.now(), strategy.threshold(), false, "")
}

// Score computes the weighted score and confidence for one candidate under
// the given role, context, and instant. Missing inputs contribute zero.
func (l *Loader) Score(name registry.ServiceName, role Role, tag ContextTag, at time.Time) Prediction {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.scoreLocked(name, role, tag, at)
}

func (l *Loader) scoreLocked(name registry.ServiceName, role Role, tag ContextTag, at time.Time) Prediction {
	affinity := 0.0
	if row := l.affinities[role]; row != nil {
		affinity = row[name]
	}
	frequency := l.recentFrequencyLocked(name, at)
	temporal := 0.0
	for _, rule := range l.temporal {
		if !rule.matches(at) {
			continue
		}
		for _, n := range rule.Services {
			if n == name {
				temporal = 1.0
				break
			}
		}
		if temporal > 0 {
			break
		}
	}
	contextual := 0.0
	for _, n := range l.contexts[tag] {
		if n == name {
			contextual = 1.0
			break
		}
	}

	score := weightAffinity*affinity +
		weightFrequency*frequency +
		weightTemporal*temporal +
		weightContext*contextual

	confidence := 0.0
	if affinity > 0 {
		confidence += weightAffinity
	}
	if frequency > 0 {
		confidence += weightFrequency
	}
	if temporal > 0 {
		confidence += weightTemporal
	}
	if contextual > 0 {
		confidence += weightContext
	}

	return Prediction{Name: name, Score: score, Confidence: confidence}
}

// recentFrequencyLocked returns name's share of all accesses within the last
// hour, in [0,1].
func (l *Loader) recentFrequencyLocked(name registry.ServiceName, at time.Time) float64 {
	cutoff := at.Add(-time.Hour)
	total, hits := 0, 0
	for _, ev := range l.events {
		if ev.Timestamp.Before(cutoff) {
			continue
		}
		total++
		if ev.Name == name {
			hits++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// recommendLocked ranks every candidate and returns the names that clear the
// gates, best first, ties broken by name for determinism.
func (l *Loader) recommendLocked(role Role, tag ContextTag, at time.Time, scoreThreshold float64, gateConfidence bool, exclude registry.ServiceName) []registry.ServiceName {
	if l.source == nil {
		return nil
	}

	var kept []Prediction
	for _, name := range l.source.Candidates() {
		if name == exclude || l.source.IsCached(name) {
			continue
		}
		p := l.scoreLocked(name, role, tag, at)
		if p.Score < scoreThreshold {
			continue
		}
		if gateConfidence && p.Confidence < l.opts.ConfidenceThreshold {
			continue
		}
		kept = append(kept, p)
	}

	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].Score != kept[j].Score {
			return kept[i].Score > kept[j].Score
		}
		return kept[i].Name < kept[j].Name
	})
	if len(kept) > l.opts.MaxRecommendations {
		kept = kept[:l.opts.MaxRecommendations]
	}

	names := make([]registry.ServiceName, 0, len(kept))
	for _, p := range kept {
		names = append(names, p.Name)
		l.confidenceSum += p.Confidence
		l.confidenceCount++
	}
	return names
}

func (l *Loader) appendEventLocked(ev AccessEvent) {
	l.events = append(l.events, ev)
	if overflow := len(l.events) - l.opts.HistoryLimit; overflow > 0 {
		l.events = append(l.events[:0], l.events[overflow:]...)
	}
}

// Events returns a copy of the retained access events, oldest first.
func (l *Loader) Events() []AccessEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]AccessEvent(nil), l.events...)
}

// Analytics returns the read-only reporting snapshot.
func (l *Loader) Analytics() Analytics {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-24 * time.Hour)
	perRole := make(map[string]int)
	counts := make(map[registry.ServiceName]int)
	last24h := 0
	for _, ev := range l.events {
		if ev.Timestamp.Before(cutoff) {
			continue
		}
		last24h++
		perRole[string(ev.Role)]++
		counts[ev.Name]++
	}

	type pair struct {
		name  registry.ServiceName
		count int
	}
	pairs := make([]pair, 0, len(counts))
	for name, count := range counts {
		pairs = append(pairs, pair{name, count})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].count != pairs[j].count {
			return pairs[i].count > pairs[j].count
		}
		return pairs[i].name < pairs[j].name
	})
	top := make([]string, 0, 5)
	for _, p := range pairs {
		top = append(top, string(p.name))
		if len(top) == 5 {
			break
		}
	}

	avg := 0.0
	if l.confidenceCount > 0 {
		avg = l.confidenceSum / float64(l.confidenceCount)
	}
	return Analytics{
		AccessesLast24h:  last24h,
		PerRoleBreakdown: perRole,
		TopServices:      top,
		AvgConfidence:    avg,
	}
}

// CurrentRole returns the active session role.
func (l *Loader) CurrentRole() Role {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.role
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
