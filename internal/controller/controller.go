// Package controller wires C1–C13 into the running PRFC gateway: one
// ControllerState shared by three logical workers (ingress handlers, the
// node-health poller, and the revert stepper) per spec §5. Grounded on the
// teacher's top-level engine orchestration shape (a single struct holding
// every subsystem, constructed once at startup, exposing Start/Stop), with
// the worker fan-out run through golang.org/x/sync/errgroup rather than
// bare goroutines plus a WaitGroup.
package controller

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/relaygrid/prfc/internal/breaker"
	"github.com/relaygrid/prfc/internal/config"
	"github.com/relaygrid/prfc/internal/dispatch"
	"github.com/relaygrid/prfc/internal/errorsx"
	"github.com/relaygrid/prfc/internal/events"
	"github.com/relaygrid/prfc/internal/httpapi"
	"github.com/relaygrid/prfc/internal/logging"
	"github.com/relaygrid/prfc/internal/metrics"
	"github.com/relaygrid/prfc/internal/model"
	"github.com/relaygrid/prfc/internal/rebalance"
	"github.com/relaygrid/prfc/internal/registry"
	"github.com/relaygrid/prfc/internal/revert"
	"github.com/relaygrid/prfc/internal/topology"
	"github.com/relaygrid/prfc/internal/trigger"
)

// NodeHealthProber supplies one node's resource-pressure sample (spec §5,
// "the production implementation of the external collaborator the original
// spec left unimplemented, scoped narrowly to feeding C4 and C11"). Guarded
// by the controller's per-tier breaker before every call.
type NodeHealthProber interface {
	Probe(ctx context.Context, node *model.Node) (model.NodeHealth, error)
}

// engine bundles the C1/C3-C7 subsystems built from one ControllerConfig.
// A Controller swaps the whole bundle atomically on ApplyReload so no
// caller ever observes a graph from one config alongside a registry from
// another (spec §4.9, §5).
type engine struct {
	graph       *topology.Graph
	reg         *registry.Registry
	trig        *trigger.Evaluator
	rebalancer  *rebalance.Rebalancer
	revertSched *revert.Scheduler
	dispatcher  *dispatch.Dispatcher
	mode        string
	windowSize  int
	pollEvery   time.Duration
}

func buildEngine(cfg config.ControllerConfig, bus events.Bus) (*engine, error) {
	graph, err := topology.Build(cfg.Topology)
	if err != nil {
		return nil, fmt.Errorf("build topology: %w", err)
	}
	reg := registry.New(cfg.RegistryThresholds, cfg.WindowSize, cfg.Alpha)
	trig := trigger.New(cfg.TriggerThresholds)
	pub := &incidentPublisher{bus: bus}
	rb := rebalance.New(graph, reg, cfg.RebalanceSourceNode, cfg.RebalanceDestNode, cfg.RebalanceK, cfg.RebalanceMode, pub)
	revertSched := revert.New(reg)
	disp := dispatch.New(graph, reg, rb, trig, cfg.WindowSize, cfg.Alpha, dispatch.RoutingMode(cfg.RoutingMode))
	return &engine{
		graph: graph, reg: reg, trig: trig, rebalancer: rb, revertSched: revertSched,
		dispatcher: disp, mode: string(cfg.RebalanceMode), windowSize: cfg.WindowSize,
		pollEvery: cfg.HealthPollInterval,
	}, nil
}

// Controller owns ControllerState (spec §3) and the C1-C13 subsystems that
// read and mutate it. The C1/C3-C7 engine is held behind an atomic pointer
// so a config reload (spec §4.9) swaps it in one step; ingress, the health
// poller, and the revert stepper each load it once per unit of work.
type Controller struct {
	eng atomic.Pointer[engine]

	bus      events.Bus
	metricsP metrics.Provider
	log      logging.Logger
	breakers *breaker.Registry
	prober   NodeHealthProber

	mu         sync.Mutex // guards nodeHealth, crossed, ready below
	nodeHealth map[int]model.NodeHealth
	crossed    map[int]bool // edge-detection: node currently over C4 resource thresholds
	ready      bool

	ingressCounter   metrics.Counter
	incidentCounter  metrics.Counter
	nodeHealthGauge  metrics.Gauge
	latencyHistogram metrics.Histogram
}

// Deps bundles the constructor dependencies not carried by
// config.ControllerConfig itself (the injected ambient-stack singletons).
type Deps struct {
	Bus      events.Bus
	Metrics  metrics.Provider
	Log      logging.Logger
	Breakers *breaker.Registry
	Prober   NodeHealthProber
}

// New constructs a Controller from a validated ControllerConfig and its
// injected dependencies.
func New(cfg config.ControllerConfig, deps Deps) (*Controller, error) {
	eng, err := buildEngine(cfg, deps.Bus)
	if err != nil {
		return nil, err
	}
	c := &Controller{
		bus:        deps.Bus,
		metricsP:   deps.Metrics,
		log:        deps.Log,
		breakers:   deps.Breakers,
		prober:     deps.Prober,
		nodeHealth: make(map[int]model.NodeHealth),
		crossed:    make(map[int]bool),
	}
	c.eng.Store(eng)
	c.registerMetrics()
	return c, nil
}

func (c *Controller) registerMetrics() {
	if c.metricsP == nil {
		return
	}
	common := metrics.CommonOpts{Namespace: "prfc", Subsystem: "controller"}
	c.ingressCounter = c.metricsP.NewCounter(metrics.CounterOpts{CommonOpts: withName(common, "ingress_batches_total", "ingress batches dispatched")})
	c.incidentCounter = c.metricsP.NewCounter(metrics.CounterOpts{CommonOpts: withName(common, "incidents_total", "node_down/node_recover incidents published by the health poller")})
	c.nodeHealthGauge = c.metricsP.NewGauge(metrics.GaugeOpts{CommonOpts: withNameLabels(common, "node_cpu", "latest polled node CPU", []string{"node_id"})})
	c.latencyHistogram = c.metricsP.NewHistogram(metrics.HistogramOpts{
		CommonOpts: withName(common, "batch_latency_ms", "per-batch end-to-end latency"),
		Buckets:    []float64{5, 10, 25, 50, 100, 200, 500, 1000},
	})
}

func withName(c metrics.CommonOpts, name, help string) metrics.CommonOpts {
	c.Name, c.Help = name, help
	return c
}

func withNameLabels(c metrics.CommonOpts, name, help string, labels []string) metrics.CommonOpts {
	c.Name, c.Help, c.Labels = name, help, labels
	return c
}

// ApplyReload builds a fresh engine from cfg, carries forward every
// previously registered path's node list and live load percentage into the
// new registry, and swaps the engine pointer atomically (spec §4.9 —
// "swapped into the running controller"). Per-path latency history is not
// preserved across a topology swap, matching the teacher's
// RuntimeConfigManager, which likewise starts ephemeral state fresh on a
// reload rather than migrating it.
func (c *Controller) ApplyReload(cfg config.ControllerConfig) error {
	next, err := buildEngine(cfg, c.bus)
	if err != nil {
		return err
	}
	prev := c.eng.Load()
	if prev != nil {
		for _, id := range prev.reg.IDs() {
			if p := prev.reg.Get(id); p != nil {
				next.reg.Register(id, p.NodeIDs, p.LoadPercentage)
			}
		}
	}
	c.eng.Store(next)

	c.mu.Lock()
	c.nodeHealth = make(map[int]model.NodeHealth)
	c.crossed = make(map[int]bool)
	c.mu.Unlock()
	return nil
}

// RegisterPath places a path in the registry and the rebalancer's candidate
// pool (spec §4.3 registration, initial load becomes OptimalDistribution).
func (c *Controller) RegisterPath(id int, nodeIDs []int, initialLoadPct float64) {
	c.eng.Load().reg.Register(id, nodeIDs, initialLoadPct)
}

// SetActivePaths configures the physical-routing active/backup pair.
func (c *Controller) SetActivePaths(active, backup []int) {
	c.eng.Load().dispatcher.SetActivePaths(active, backup)
}

// DispatchVirtual runs one batch through the virtual-routing dispatcher
// (spec §4.7 step 1), recording ingress/latency metrics.
func (c *Controller) DispatchVirtual(ctx context.Context, batch model.Batch, estimateLatency func([]int) float64) model.IngressResult {
	res := c.eng.Load().dispatcher.DispatchVirtual(batch, estimateLatency)
	c.recordIngress(res)
	return res
}

// DispatchPhysical runs one batch through the physical-routing dispatcher
// (spec §4.7 step 2), supplying the latest polled node health to C4.
func (c *Controller) DispatchPhysical(ctx context.Context, batch model.Batch, bytesPerEvent int) model.IngressResult {
	c.mu.Lock()
	snapshot := make(map[int]model.NodeHealth, len(c.nodeHealth))
	for k, v := range c.nodeHealth {
		snapshot[k] = v
	}
	c.mu.Unlock()

	eng := c.eng.Load()
	eng.dispatcher.SetNodeHealth(snapshot)
	res := eng.dispatcher.DispatchPhysical(batch, bytesPerEvent)
	c.recordIngress(res)
	return res
}

func (c *Controller) recordIngress(res model.IngressResult) {
	if c.ingressCounter != nil {
		c.ingressCounter.Inc(1)
	}
	if c.latencyHistogram != nil && res.EndToEndLatencyMs > 0 {
		c.latencyHistogram.Observe(res.EndToEndLatencyMs)
	}
}

// InjectNodeLatencyFault applies spec §4.1's fault knob (httpapi.StateProvider).
func (c *Controller) InjectNodeLatencyFault(nodeID int, latencyMs float64) error {
	graph := c.eng.Load().graph
	if _, ok := graph.Nodes[nodeID]; !ok {
		return errorsx.New(errorsx.KindUnknownNode, fmt.Sprintf("node %d not found", nodeID))
	}
	graph.InjectNodeLatencyFault(nodeID, latencyMs)
	return nil
}

// RemoveNodeLatencyFault reverses InjectNodeLatencyFault.
func (c *Controller) RemoveNodeLatencyFault(nodeID int) error {
	graph := c.eng.Load().graph
	if _, ok := graph.Nodes[nodeID]; !ok {
		return errorsx.New(errorsx.KindUnknownNode, fmt.Sprintf("node %d not found", nodeID))
	}
	graph.RemoveNodeLatencyFault(nodeID)
	return nil
}

// Ready reports whether the controller has at least one registered path
// (httpapi.StateProvider).
func (c *Controller) Ready() bool {
	return len(c.eng.Load().reg.IDs()) > 0
}

// Snapshot builds the controller-state read endpoint's response (spec §6,
// httpapi.StateProvider) against a single engine load, so the paths,
// aggregate ewma/slope, and active/backup path it reports are all drawn
// from the same config generation even if a reload races the read.
func (c *Controller) Snapshot() httpapi.StateSnapshot {
	eng := c.eng.Load()
	ewma, slope := eng.dispatcher.Aggregate()
	paths := eng.reg.Snapshot()

	ids := make([]int, 0, len(paths))
	for id := range paths {
		ids = append(ids, id)
	}
	sortInts(ids)

	out := httpapi.StateSnapshot{
		Ewma:       ewma,
		Slope:      slope,
		WindowSize: eng.windowSize,
		Thresholds: eng.reg.Thresholds(),
		Mode:       eng.mode,
	}
	for _, id := range ids {
		p := paths[id]
		out.Paths = append(out.Paths, httpapi.PathSnapshot{
			PathID:              id,
			NodeIDs:             p.NodeIDs,
			Ewma:                p.Ewma(),
			Slope:               p.Slope(),
			LoadPercentage:      p.LoadPercentage,
			OptimalDistribution: p.OptimalDistribution,
			Status:              p.Status,
		})
	}

	c.mu.Lock()
	for nodeID, h := range c.nodeHealth {
		out.NodeHealth = append(out.NodeHealth, httpapi.NodeHealthSnapshot{
			NodeID: nodeID, CPU: h.CPU, BufferPct: h.BufferPct, TsMs: h.TsMs,
		})
	}
	c.mu.Unlock()

	if active := eng.dispatcher.ActivePath(); len(active) > 0 {
		out.ActivePath = active[len(active)-1]
	}
	if backup := eng.dispatcher.BackupPath(); len(backup) > 0 {
		out.BackupPath = backup[len(backup)-1]
	}
	return out
}

func sortInts(ids []int) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
}

// incidentPublisher adapts events.Bus to rebalance.Publisher, assigning a
// UUID to every incident (the rebalancer never manufactures ids itself).
type incidentPublisher struct {
	bus events.Bus
}

func (p *incidentPublisher) Publish(i model.Incident) {
	if p.bus == nil {
		return
	}
	if i.ID == "" {
		i.ID = uuid.NewString()
	}
	p.bus.Publish(i)
}

// Run starts the health poller and revert stepper workers, blocking until
// ctx is cancelled or either worker returns an error (spec §5 — "three
// logical workers ... all share one mutable ControllerState").
func (c *Controller) Run(ctx context.Context) error {
	c.mu.Lock()
	c.ready = true
	c.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.runHealthPoller(ctx) })
	g.Go(func() error { return c.runRevertStepper(ctx) })
	return g.Wait()
}

func (c *Controller) runHealthPoller(ctx context.Context) error {
	interval := c.eng.Load().pollEvery
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.pollOnce(ctx)
		}
	}
}

// pollOnce issues one bounded-timeout probe per known node through the
// per-tier breaker, updates nodeHealth, and emits node_down/node_recover
// incidents on a resource-pressure crossing edge (spec §5).
func (c *Controller) pollOnce(ctx context.Context) {
	if c.prober == nil {
		return
	}
	eng := c.eng.Load()
	for _, node := range eng.graph.Nodes {
		c.probeNode(ctx, node, eng.trig.Thresholds())
	}
}

func (c *Controller) probeNode(ctx context.Context, node *model.Node, t trigger.Thresholds) {
	br := c.breakers.Get(string(node.Tier))
	if !br.Allow() {
		return
	}
	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	start := time.Now()
	health, err := c.prober.Probe(probeCtx, node)
	br.RecordResult(breaker.Feedback{Latency: time.Since(start), StatusCode: statusFor(err), Err: err})
	if err != nil {
		if c.log != nil {
			c.log.WarnCtx(ctx, "node health probe failed", "node_id", node.ID, "error", err.Error())
		}
		return
	}

	c.mu.Lock()
	c.nodeHealth[node.ID] = health
	wasCrossed := c.crossed[node.ID]
	nowCrossed := health.CPU > t.CPUMax || health.BufferPct > t.BufMaxPct
	c.crossed[node.ID] = nowCrossed
	c.mu.Unlock()

	if c.nodeHealthGauge != nil {
		c.nodeHealthGauge.Set(health.CPU, fmt.Sprintf("%d", node.ID))
	}

	if nowCrossed && !wasCrossed {
		c.publishNodeIncident(ctx, model.IncidentNodeDown, model.SeverityHigh, node.ID, health)
	} else if wasCrossed && !nowCrossed {
		c.publishNodeIncident(ctx, model.IncidentNodeRecover, model.SeverityLow, node.ID, health)
	}
}

func (c *Controller) publishNodeIncident(ctx context.Context, kind model.IncidentKind, severity model.IncidentSeverity, nodeID int, health model.NodeHealth) {
	if c.bus == nil {
		return
	}
	inc := model.Incident{
		ID:       uuid.NewString(),
		Kind:     kind,
		Severity: severity,
		TsMs:     health.TsMs,
		Details:  map[string]any{"nodeId": nodeID, "cpu": health.CPU, "bufferPct": health.BufferPct},
	}
	c.bus.PublishCtx(ctx, inc)
	if c.incidentCounter != nil {
		c.incidentCounter.Inc(1)
	}
}

func statusFor(err error) int {
	if err != nil {
		return 504
	}
	return 200
}

func (c *Controller) runRevertStepper(ctx context.Context) error {
	const tick = 3 * time.Second
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.applyRevertSchedule(ctx)
		}
	}
}

// applyRevertSchedule builds one schedule (spec §4.6 steps 1-4) against the
// engine active when the tick fires, and applies each step at its
// timestamp (step 5) against that same engine's registry — a reload
// mid-schedule simply means the remaining steps land on the superseded
// registry, which a subsequent tick's Build against the new engine then
// corrects, never leaving either registry in a half-applied state.
func (c *Controller) applyRevertSchedule(ctx context.Context) {
	eng := c.eng.Load()
	schedule := eng.revertSched.Build()
	for _, step := range schedule {
		wait := time.Until(step.At)
		if wait > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
		}
		eng.revertSched.Apply(step)
	}
}
