// Package orchestrator sequences fetch→score→persist and publishes
// progress (C8). At most one run occupies "running" at any instant;
// a trigger that arrives while a run is in flight is declined instead of
// starting a second one.
package orchestrator

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"setarb/internal/analysis"
	"setarb/internal/catalog"
	"setarb/internal/errs"
	"setarb/internal/logger"
	"setarb/internal/store"
	"setarb/internal/upstream"
)

const logTag = "orchestrator"

// State is one of the orchestrator's lifecycle states (§4.8).
type State string

const (
	Idle      State = "idle"
	Running   State = "running"
	Completed State = "completed"
	Error     State = "error"
)

// Progress is one point-in-time snapshot of orchestrator state, the shape
// emitted over the progress stream (§6).
type Progress struct {
	Status   State   `json:"status"`
	Percent  *int    `json:"progress"`
	Message  *string `json:"message"`
	RunID    *int64  `json:"run_id"`
	Error    *string `json:"error"`
}

// Upstream is the subset of the upstream client the orchestrator depends on.
type Upstream interface {
	TopOrders(ctx context.Context, slug string) (upstream.OrderBook, error)
	Statistics48h(ctx context.Context, slug string) (upstream.Statistics, error)
}

// Store is the subset of the run store the orchestrator depends on.
type Store interface {
	Append(run store.Run) (int64, error)
}

// AnalysisResult is the full scored payload persisted as a run's
// payload_blob and returned by history/analysis reads.
type AnalysisResult struct {
	RunID          int64             `json:"run_id,omitempty"`
	Timestamp      time.Time         `json:"timestamp"`
	Strategy       string            `json:"strategy"`
	ExecutionMode  string            `json:"execution_mode"`
	TotalSets      int               `json:"total_sets"`
	ProfitableSets int               `json:"profitable_sets"`
	Sets           []analysis.SetDatum `json:"sets"`
}

// Orchestrator owns the single-flight run state machine.
type Orchestrator struct {
	upstream Upstream
	catalog  *catalog.Cache
	store    Store
	poolSize int
	timeout  time.Duration

	group singleflight.Group

	mu       sync.RWMutex
	state    State
	percent  int
	message  string
	runID    int64
	lastErr  string

	subMu       sync.Mutex
	subscribers map[string]chan Progress

	lastResultMu sync.RWMutex
	lastResult   *AnalysisResult
}

// New builds an Orchestrator bounded by poolSize concurrent workers and a
// whole-run timeout.
func New(up Upstream, cat *catalog.Cache, st Store, poolSize int, timeout time.Duration) *Orchestrator {
	if poolSize <= 0 {
		poolSize = 8
	}
	return &Orchestrator{
		upstream:    up,
		catalog:     cat,
		store:       st,
		poolSize:    poolSize,
		timeout:     timeout,
		state:       Idle,
		subscribers: make(map[string]chan Progress),
	}
}

// Status returns a snapshot of the current state for /api/analysis/status.
func (o *Orchestrator) Status() Progress {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.snapshotLocked()
}

func (o *Orchestrator) snapshotLocked() Progress {
	p := Progress{Status: o.state}
	if o.state == Running || o.state == Completed || o.state == Error {
		pct := o.percent
		p.Percent = &pct
	}
	if o.message != "" {
		msg := o.message
		p.Message = &msg
	}
	if o.runID != 0 {
		id := o.runID
		p.RunID = &id
	}
	if o.lastErr != "" {
		e := o.lastErr
		p.Error = &e
	}
	return p
}

// LastResult returns the most recently completed run's scored payload, for
// rescoring and GET /api/analysis's "return latest" mode.
func (o *Orchestrator) LastResult() (*AnalysisResult, bool) {
	o.lastResultMu.RLock()
	defer o.lastResultMu.RUnlock()
	return o.lastResult, o.lastResult != nil
}

// Subscribe registers a progress listener (used by the SSE handler) and
// returns an unsubscribe function.
func (o *Orchestrator) Subscribe(id string) (<-chan Progress, func()) {
	ch := make(chan Progress, 8)
	o.subMu.Lock()
	o.subscribers[id] = ch
	o.subMu.Unlock()
	return ch, func() {
		o.subMu.Lock()
		delete(o.subscribers, id)
		o.subMu.Unlock()
		close(ch)
	}
}

func (o *Orchestrator) publish(p Progress) {
	o.subMu.Lock()
	defer o.subMu.Unlock()
	for _, ch := range o.subscribers {
		select {
		case ch <- p:
		default:
			// slow subscriber; drop rather than block the run
		}
	}
}

func (o *Orchestrator) setProgress(state State, percent int, message string) {
	o.mu.Lock()
	o.state = state
	o.percent = percent
	o.message = message
	snap := o.snapshotLocked()
	o.mu.Unlock()
	o.publish(snap)
}

func (o *Orchestrator) setTerminalError(message string) {
	o.mu.Lock()
	o.state = Error
	o.percent = 100
	o.lastErr = message
	snap := o.snapshotLocked()
	o.mu.Unlock()
	o.publish(snap)

	o.mu.Lock()
	o.state = Idle
	o.mu.Unlock()
}

// Trigger starts a run if none is in flight and waits for it to finish. If
// one is already running it returns started=false and a nil result
// immediately without starting another (§4.8, §5 single-flight). No run id
// is returned in that case: a run's id is assigned only when the store
// persists it, so the in-flight run has none yet.
func (o *Orchestrator) Trigger(ctx context.Context, strategy string, mode analysis.ExecutionMode, testMode bool) (started bool, result *AnalysisResult, err error) {
	o.mu.Lock()
	if o.state == Running {
		o.mu.Unlock()
		return false, nil, nil
	}
	o.state = Running
	o.mu.Unlock()

	v, err, _ := o.group.Do("run", func() (interface{}, error) {
		return o.runOnce(ctx, strategy, mode, testMode)
	})
	if err != nil {
		return true, nil, err
	}
	return true, v.(*AnalysisResult), nil
}

func (o *Orchestrator) runOnce(parent context.Context, strategy string, mode analysis.ExecutionMode, testMode bool) (*AnalysisResult, error) {
	ctx, cancel := context.WithTimeout(parent, o.timeout)
	defer cancel()

	o.mu.Lock()
	o.state = Running
	o.percent = 0
	o.message = "starting"
	o.lastErr = ""
	snap := o.snapshotLocked()
	o.mu.Unlock()
	o.publish(snap)

	if err := o.catalog.RefreshIfStale(ctx); err != nil {
		o.setTerminalError(err.Error())
		return nil, err
	}
	o.setProgress(Running, 5, "catalog refreshed")

	sets := o.catalog.Snapshot() // snapshot at start of fan-out (§9 back-references)
	if testMode && len(sets) > 10 {
		sets = sets[:10]
	}

	profile := analysis.Strategy(strategy)
	data, err := o.fanOut(ctx, sets, mode, profile)
	if err != nil {
		o.setTerminalError(err.Error())
		return nil, err
	}

	sortSetData(data)

	result := &AnalysisResult{
		Timestamp:     time.Now(),
		Strategy:      profile.Name,
		ExecutionMode: string(mode),
		TotalSets:     len(data),
		Sets:          data,
	}
	for _, d := range data {
		if d.Profitable {
			result.ProfitableSets++
		}
	}

	payload, err := json.Marshal(result)
	if err != nil {
		wrapped := errs.New(errs.Invariant, "marshaling run payload", err)
		o.setTerminalError(wrapped.Error())
		return nil, wrapped
	}

	summaries := make([]store.RunSetSummary, 0, len(data))
	for _, d := range data {
		summaries = append(summaries, store.RunSetSummary{
			Slug: d.Slug, Name: d.Name, ProfitMargin: d.ProfitMargin, LowestPrice: d.SetPrice,
		})
	}

	runID, err := o.store.Append(store.Run{
		Timestamp:      result.Timestamp,
		Strategy:       result.Strategy,
		ExecutionMode:  result.ExecutionMode,
		TotalSets:      result.TotalSets,
		ProfitableSets: result.ProfitableSets,
		Payload:        payload,
		SetSummaries:   summaries,
	})
	if err != nil {
		o.setTerminalError(err.Error())
		return nil, err
	}
	result.RunID = runID

	o.lastResultMu.Lock()
	o.lastResult = result
	o.lastResultMu.Unlock()

	o.mu.Lock()
	o.state = Completed
	o.percent = 100
	o.message = "completed"
	o.runID = runID
	snap = o.snapshotLocked()
	o.mu.Unlock()
	o.publish(snap)

	o.mu.Lock()
	o.state = Idle
	o.mu.Unlock()

	return result, nil
}

// fanOut fetches and scores every set with a bounded worker pool. Per-set
// errors are recorded within the SetDatum and never abort the run; only
// catalog/store/context failures do.
func (o *Orchestrator) fanOut(ctx context.Context, sets []upstream.Set, mode analysis.ExecutionMode, profile analysis.StrategyProfile) ([]analysis.SetDatum, error) {
	if len(sets) == 0 {
		return nil, nil
	}

	results := make([]analysis.SetDatum, len(sets))
	var completed int32Counter

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.poolSize)

	for i, set := range sets {
		i, set := i, set
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return errs.New(errs.Cancelled, "run cancelled", err)
			}
			results[i] = o.analyzeSet(gctx, set, mode, profile)

			n := completed.incr()
			pct := 5 + int(float64(n)/float64(len(sets))*90)
			o.setProgress(Running, pct, "analyzing sets")
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// int32Counter is a tiny atomic counter local to fan-out progress tracking.
type int32Counter struct {
	mu sync.Mutex
	n  int
}

func (c *int32Counter) incr() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return c.n
}

func (o *Orchestrator) analyzeSet(ctx context.Context, set upstream.Set, mode analysis.ExecutionMode, profile analysis.StrategyProfile) analysis.SetDatum {
	datum := analysis.SetDatum{Slug: set.Slug, Name: set.Name}

	setOB, err := o.upstream.TopOrders(ctx, set.Slug)
	if err != nil {
		datum.Note = "set order book unavailable: " + err.Error()
		return datum
	}
	stats, err := o.upstream.Statistics48h(ctx, set.Slug)
	if err != nil {
		datum.Note = "statistics unavailable: " + err.Error()
		return datum
	}

	partOBs := make(map[string]upstream.OrderBook, len(set.Parts))
	for _, pq := range set.Parts {
		ob, err := o.upstream.TopOrders(ctx, pq.Slug)
		if err == nil {
			partOBs[pq.Slug] = ob
		}
	}

	// Both execution-mode variants are always resolved and stored so a
	// later rescore (§4.7) can switch modes without any upstream calls.
	instantSetPrice, hasInstantSetPrice := analysis.ResolveSetPrice(setOB, analysis.Instant)
	patientSetPrice, hasPatientSetPrice := analysis.ResolveSetPrice(setOB, analysis.Patient)

	instantCost, instantBreakdown, instantAllPriced := resolvePartCosts(set.Parts, partOBs, analysis.Instant)
	patientCost, patientBreakdown, patientAllPriced := resolvePartCosts(set.Parts, partOBs, analysis.Patient)

	volume := analysis.Volume48h(stats)
	bidAsk := analysis.BidAskRatio(setOB)
	competition := analysis.SellSideCompetition(setOB)
	velocity := analysis.LiquidityVelocity(stats)
	volatility := analysis.Volatility(stats)
	slope := analysis.TrendSlope(stats)

	datum.SetPriceInstant, datum.HadSetPriceInstant = instantSetPrice, hasInstantSetPrice
	datum.SetPricePatient, datum.HadSetPricePatient = patientSetPrice, hasPatientSetPrice
	datum.PartCostInstant = instantCost
	datum.PartCostPatient = patientCost
	datum.PartsInstant = instantBreakdown
	datum.PartsPatient = patientBreakdown
	datum.Volume48h = volume
	datum.BidAskRatio = bidAsk
	datum.SellSideCompetition = competition
	datum.LiquidityVelocity = velocity
	datum.TrendSlope = slope
	datum.TrendDirection = analysis.TrendDirectionOf(slope)
	datum.Volatility = volatility

	setPrice, partCost, breakdown, hasSetPrice, allPriced := instantSetPrice, instantCost, instantBreakdown, hasInstantSetPrice, instantAllPriced
	if mode == analysis.Patient {
		setPrice, partCost, breakdown, hasSetPrice, allPriced = patientSetPrice, patientCost, patientBreakdown, hasPatientSetPrice, patientAllPriced
	}

	margin, valid := analysis.ProfitMargin(setPrice, partCost, hasSetPrice, allPriced)
	pct := analysis.ProfitPercentage(margin, partCost)

	score, contrib, profitable := analysis.Score(profile, volume, margin, pct, slope, volatility, bidAsk, competition, velocity)
	if !valid {
		margin, pct, score, profitable = 0, 0, 0, false
	}

	datum.SetPrice = setPrice
	datum.PartCost = partCost
	datum.Parts = breakdown
	datum.ProfitMargin = margin
	datum.ProfitPercentage = pct
	datum.LiquidityMultiplier = contrib.Liquidity
	datum.TrendMultiplier = contrib.Trend
	datum.VolatilityPenalty = contrib.Volatility
	datum.RiskLevel = analysis.RiskLevelOf(volatility, profile.VolatilityWeight)
	datum.Contributions = contrib
	datum.CompositeScore = score
	datum.Profitable = profitable

	return datum
}

// resolvePartCosts resolves every part's price under mode and reduces them
// to a total cost and breakdown.
func resolvePartCosts(parts []upstream.PartQty, obs map[string]upstream.OrderBook, mode analysis.ExecutionMode) (float64, []analysis.PartBreakdown, bool) {
	prices := make([]analysis.PartPrice, 0, len(parts))
	for _, pq := range parts {
		ob, known := obs[pq.Slug]
		if !known {
			prices = append(prices, analysis.PartPrice{Slug: pq.Slug, Quantity: pq.Qty, HadPrice: false})
			continue
		}
		price, ok := analysis.ResolvePartPrice(ob, mode)
		prices = append(prices, analysis.PartPrice{Slug: pq.Slug, Quantity: pq.Qty, Price: price, HadPrice: ok})
	}
	return analysis.PartCost(prices)
}

// sortSetData orders by composite_score desc, profit_margin desc, slug asc
// (§5 ordering guarantees).
func sortSetData(data []analysis.SetDatum) {
	sort.Slice(data, func(i, j int) bool {
		if data[i].CompositeScore != data[j].CompositeScore {
			return data[i].CompositeScore > data[j].CompositeScore
		}
		if data[i].ProfitMargin != data[j].ProfitMargin {
			return data[i].ProfitMargin > data[j].ProfitMargin
		}
		return data[i].Slug < data[j].Slug
	})
}

// Rescore recomputes scores for a cached AnalysisResult under a new
// strategy/mode, issuing no upstream calls (§4.7). The liquidity/trend
// inputs are already captured in each SetDatum from the original run.
func Rescore(prev *AnalysisResult, strategy string, mode analysis.ExecutionMode) *AnalysisResult {
	profile := analysis.Strategy(strategy)
	out := &AnalysisResult{
		Timestamp:     time.Now(),
		Strategy:      profile.Name,
		ExecutionMode: string(mode),
		TotalSets:     prev.TotalSets,
		Sets:          make([]analysis.SetDatum, len(prev.Sets)),
	}

	for i, d := range prev.Sets {
		nd := d
		setPrice := d.SetPriceInstant
		partCost := d.PartCostInstant
		parts := d.PartsInstant
		if mode == analysis.Patient {
			setPrice = d.SetPricePatient
			partCost = d.PartCostPatient
			parts = d.PartsPatient
		}
		hasSetPrice := d.HadSetPriceInstant
		if mode == analysis.Patient {
			hasSetPrice = d.HadSetPricePatient
		}
		allPriced := true
		for _, p := range parts {
			if !p.HadPrice {
				allPriced = false
			}
		}
		margin, valid := analysis.ProfitMargin(setPrice, partCost, hasSetPrice, allPriced)
		pct := analysis.ProfitPercentage(margin, partCost)

		score, contrib, profitable := analysis.Score(profile, d.Volume48h, margin, pct, d.TrendSlope, d.Volatility, d.BidAskRatio, d.SellSideCompetition, d.LiquidityVelocity)
		if !valid {
			margin, pct, score, profitable = 0, 0, 0, false
		}

		nd.SetPrice = setPrice
		nd.PartCost = partCost
		nd.Parts = parts
		nd.ProfitMargin = margin
		nd.ProfitPercentage = pct
		nd.TrendMultiplier = contrib.Trend
		nd.VolatilityPenalty = contrib.Volatility
		nd.LiquidityMultiplier = contrib.Liquidity
		nd.Contributions = contrib
		nd.CompositeScore = score
		nd.Profitable = profitable
		nd.RiskLevel = analysis.RiskLevelOf(d.Volatility, profile.VolatilityWeight)

		out.Sets[i] = nd
		if profitable {
			out.ProfitableSets++
		}
	}

	sortSetData(out.Sets)
	return out
}
