// Package sim implements every environment collaborator against an
// in-memory network driven by a simulated clock. Dispatched tools take
// effect on their target when they finish.
package sim

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/limiquantix/batchd/internal/domain"
	"github.com/limiquantix/batchd/internal/model"
)

type host struct {
	spec     HostSpec
	security float64
	value    float64
	rooted   bool
	acquired bool
	links    map[string]bool
	files    map[string]bool
}

type process struct {
	domain.Process
	kind     domain.ToolKind
	cost     float64
	target   string
	finishAt time.Time // zero for processes that never finish
}

// Stats summarizes the simulation's history.
type Stats struct {
	Launched  int     `json:"launched"`
	Completed int     `json:"completed"`
	Extracted float64 `json:"extracted"`
}

// Network is a simulated network of hosts.
type Network struct {
	mu sync.Mutex

	clock  *Clock
	local  string
	player PlayerSpec
	mults  domain.Multipliers
	model  *model.Model
	tools  map[string]ToolSpec
	hosts  map[string]*host
	procs  map[int]*process
	nextID int
	stats  Stats

	logger *zap.Logger
}

// New builds a network from a topology.
func New(topo *Topology, clock *Clock, logger *zap.Logger) *Network {
	n := &Network{
		clock:  clock,
		local:  topo.Local,
		player: topo.Player,
		mults:  topo.Multipliers,
		model:  model.New(topo.Multipliers),
		tools:  make(map[string]ToolSpec, len(topo.Tools)),
		hosts:  make(map[string]*host, len(topo.Hosts)),
		procs:  make(map[int]*process),
		logger: logger.With(zap.String("component", "sim")),
	}

	for _, t := range topo.Tools {
		n.tools[t.Name] = t
	}

	for _, spec := range topo.Hosts {
		h := &host{
			spec:     spec,
			security: spec.Security,
			value:    spec.Value,
			rooted:   spec.Rooted || spec.ID == topo.Local,
			acquired: spec.Acquired,
			links:    make(map[string]bool),
			files:    make(map[string]bool),
		}
		if h.security < spec.MinSecurity {
			h.security = spec.MinSecurity
		}
		n.hosts[spec.ID] = h
	}
	for _, spec := range topo.Hosts {
		for _, l := range spec.Links {
			n.hosts[spec.ID].links[l] = true
			n.hosts[l].links[spec.ID] = true
		}
	}
	for name := range n.tools {
		n.hosts[topo.Local].files[name] = true
	}

	return n
}

// Clock returns the network's clock.
func (n *Network) Clock() *Clock {
	return n.clock
}

// Now returns the simulated time.
func (n *Network) Now() time.Time {
	return n.clock.Now()
}

// LocalNode returns the node the scheduler runs on.
func (n *Network) LocalNode() string {
	return n.local
}

// Scan returns the neighbors of a node ordered by name.
func (n *Network) Scan(ctx context.Context, node string) ([]string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	h, err := n.host(node)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(h.links))
	for l := range h.links {
		out = append(out, l)
	}
	sort.Strings(out)
	return out, nil
}

// NodeInfo returns the static description of a node.
func (n *Network) NodeInfo(ctx context.Context, node string) (domain.NodeInfo, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	h, err := n.host(node)
	if err != nil {
		return domain.NodeInfo{}, err
	}
	return h.spec.NodeInfo, nil
}

// Capacity returns the total and used capacity of a node.
func (n *Network) Capacity(ctx context.Context, node string) (float64, float64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.advance()

	h, err := n.host(node)
	if err != nil {
		return 0, 0, err
	}
	return h.spec.Capacity, n.used(node), nil
}

// HasPrivilege reports whether a node is rooted.
func (n *Network) HasPrivilege(ctx context.Context, node string) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	h, err := n.host(node)
	if err != nil {
		return false, err
	}
	return h.rooted, nil
}

// Escalate roots a node if enough crackers are available. Rooted nodes are left alone.
func (n *Network) Escalate(ctx context.Context, node string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	h, err := n.host(node)
	if err != nil {
		return err
	}
	if h.rooted {
		return nil
	}
	if n.player.Crackers < h.spec.RequiredPorts {
		return fmt.Errorf("%w: %s needs %d ports, %d crackers available",
			domain.ErrNotRooted, node, h.spec.RequiredPorts, n.player.Crackers)
	}
	h.rooted = true
	n.logger.Debug("Node rooted", zap.String("node", node))
	return nil
}

// Crackers returns the number of port crackers the player owns.
func (n *Network) Crackers(ctx context.Context) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.player.Crackers, nil
}

// ListProcesses returns the processes running on a node ordered by PID.
func (n *Network) ListProcesses(ctx context.Context, node string) ([]domain.Process, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.advance()

	if _, err := n.host(node); err != nil {
		return nil, err
	}
	var out []domain.Process
	for _, p := range n.procs {
		if p.Node == node {
			cp := p.Process
			cp.Args = append([]string(nil), p.Args...)
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out, nil
}

// Launch starts threads of a tool on a node and returns its PID.
func (n *Network) Launch(ctx context.Context, tool, node string, threads int, args []string) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.advance()

	h, err := n.host(node)
	if err != nil {
		return 0, err
	}
	spec, ok := n.tools[tool]
	if !ok {
		return 0, fmt.Errorf("%w: tool %s", domain.ErrNotFound, tool)
	}
	if threads <= 0 {
		return 0, fmt.Errorf("%w: %d threads", domain.ErrInvalidArgument, threads)
	}
	if !h.rooted {
		return 0, fmt.Errorf("%w: %s", domain.ErrNotRooted, node)
	}
	if !h.files[tool] {
		return 0, fmt.Errorf("%w: %s not present on %s", domain.ErrNotFound, tool, node)
	}
	cost := spec.Cost * float64(threads)
	if free := h.spec.Capacity - n.used(node); cost > free+1e-9 {
		return 0, fmt.Errorf("%w: %s needs %.2f, %.2f free on %s", domain.ErrResourceExhausted, tool, cost, free, node)
	}

	p := &process{
		Process: domain.Process{
			Tool:    tool,
			Node:    node,
			Threads: threads,
			Args:    append([]string(nil), args...),
		},
		kind: spec.Kind,
		cost: cost,
	}

	if spec.Kind != domain.ToolKindHelper {
		payload, err := domain.ParsePayload(args)
		if err != nil {
			return 0, err
		}
		target, err := n.host(payload.Target)
		if err != nil {
			return 0, err
		}
		fire := n.clock.Now()
		if payload.Start.After(fire) {
			fire = payload.Start
		}
		p.target = payload.Target
		p.finishAt = fire.Add(n.duration(spec.Kind, target))
	}

	n.nextID++
	p.PID = n.nextID
	n.procs[p.PID] = p
	n.stats.Launched++
	return p.PID, nil
}

// FileExists reports whether a file is present on a node.
func (n *Network) FileExists(ctx context.Context, node, file string) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	h, err := n.host(node)
	if err != nil {
		return false, err
	}
	return h.files[file], nil
}

// Copy copies a file between nodes.
func (n *Network) Copy(ctx context.Context, file, from, to string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	src, err := n.host(from)
	if err != nil {
		return err
	}
	dst, err := n.host(to)
	if err != nil {
		return err
	}
	if !src.files[file] {
		return fmt.Errorf("%w: %s not present on %s", domain.ErrNotFound, file, from)
	}
	dst.files[file] = true
	return nil
}

// ToolCost returns the per-thread cost of a tool.
func (n *Network) ToolCost(ctx context.Context, name string) (float64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	spec, ok := n.tools[name]
	if !ok {
		return 0, fmt.Errorf("%w: tool %s", domain.ErrNotFound, name)
	}
	return spec.Cost, nil
}

// AcquiredNodes returns the nodes obtained by acquisition, ordered by name.
func (n *Network) AcquiredNodes(ctx context.Context) ([]string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	var out []string
	for id, h := range n.hosts {
		if h.acquired {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Observe returns the live state of a target.
func (n *Network) Observe(ctx context.Context, target string) (domain.Observation, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.advance()

	h, err := n.host(target)
	if err != nil {
		return domain.Observation{}, err
	}
	return domain.Observation{
		Security:    h.security,
		Value:       h.value,
		PlayerLevel: n.player.Level,
		HackTime:    n.duration(domain.ToolKindHack, h),
		GrowTime:    n.duration(domain.ToolKindGrow, h),
		WeakenTime:  n.duration(domain.ToolKindWeaken, h),
	}, nil
}

// Multipliers returns the multiplier set in effect.
func (n *Network) Multipliers(ctx context.Context) (domain.Multipliers, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.mults, nil
}

// Acquire adds a rooted node linked to the local node, as the acquisition
// collaborator would when buying a server.
func (n *Network) Acquire(id string, capacity float64) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.hosts[id]; ok {
		return fmt.Errorf("%w: host %s", domain.ErrAlreadyExists, id)
	}
	n.hosts[id] = &host{
		spec:     HostSpec{NodeInfo: domain.NodeInfo{ID: id}, Capacity: capacity},
		rooted:   true,
		acquired: true,
		links:    map[string]bool{n.local: true},
		files:    make(map[string]bool),
	}
	n.hosts[n.local].links[id] = true
	return nil
}

// Release deletes an acquired node and every process running on it.
func (n *Network) Release(id string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	h, err := n.host(id)
	if err != nil {
		return err
	}
	if !h.acquired {
		return fmt.Errorf("%w: %s was not acquired", domain.ErrInvalidArgument, id)
	}
	for l := range h.links {
		if other, ok := n.hosts[l]; ok {
			delete(other.links, id)
		}
	}
	for pid, p := range n.procs {
		if p.Node == id {
			delete(n.procs, pid)
		}
	}
	delete(n.hosts, id)
	return nil
}

// SetPlayer changes the player's level and cracker count.
func (n *Network) SetPlayer(level, crackers int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.player.Level = level
	n.player.Crackers = crackers
}

// SetState overrides the live security and value of a host.
func (n *Network) SetState(id string, security, value float64) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	h, err := n.host(id)
	if err != nil {
		return err
	}
	h.security = math.Max(security, h.spec.MinSecurity)
	h.value = math.Min(value, h.spec.MaxValue)
	return nil
}

// Stats returns launch and extraction totals.
func (n *Network) Stats() Stats {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.advance()
	return n.stats
}

func (n *Network) host(id string) (*host, error) {
	h, ok := n.hosts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrNodeGone, id)
	}
	return h, nil
}

func (n *Network) used(node string) float64 {
	var used float64
	for _, p := range n.procs {
		if p.Node == node {
			used += p.cost
		}
	}
	return used
}

// advance applies every process that has finished by now, in finish order.
func (n *Network) advance() {
	now := n.clock.Now()

	var done []*process
	for _, p := range n.procs {
		if !p.finishAt.IsZero() && !p.finishAt.After(now) {
			done = append(done, p)
		}
	}
	sort.Slice(done, func(i, j int) bool {
		if !done[i].finishAt.Equal(done[j].finishAt) {
			return done[i].finishAt.Before(done[j].finishAt)
		}
		return done[i].PID < done[j].PID
	})

	for _, p := range done {
		delete(n.procs, p.PID)
		n.stats.Completed++
		if h, ok := n.hosts[p.target]; ok {
			n.apply(p, h)
		}
	}
}

func (n *Network) apply(p *process, h *host) {
	threads := float64(p.Threads)
	t := n.target(h)

	switch p.kind {
	case domain.ToolKindHack:
		stolen := h.value * math.Min(1, n.model.FractionStolenPerThread(t)*threads)
		h.value -= stolen
		h.security = math.Min(100, h.security+model.HackThreadHardening*threads)
		n.stats.Extracted += stolen
	case domain.ToolKindGrow:
		h.value = math.Min(h.spec.MaxValue, math.Max(h.value, 1)*math.Pow(n.model.PerThreadGrowthRate(t), threads))
		h.security = math.Min(100, h.security+model.GrowThreadHardening*threads)
	case domain.ToolKindWeaken:
		h.security = math.Max(h.spec.MinSecurity, h.security-n.model.WeakenPotency()*threads)
	}
}

// duration returns the run time of a tool kind against a host at its current security.
func (n *Network) duration(kind domain.ToolKind, h *host) time.Duration {
	seconds := 5 * (2.5*float64(h.spec.RequiredLevel)*h.security + 500) / float64(n.player.Level+50)
	switch kind {
	case domain.ToolKindGrow:
		seconds *= 3.2
	case domain.ToolKindWeaken:
		seconds *= 4
	}
	return time.Duration(seconds * float64(time.Second)).Round(time.Millisecond)
}

func (n *Network) target(h *host) *domain.Target {
	t := domain.NewTarget(h.spec.NodeInfo)
	t.Security = h.security
	t.Value = h.value
	t.PlayerLevel = n.player.Level
	return t
}
