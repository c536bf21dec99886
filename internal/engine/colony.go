package engine

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/otel/attribute"

	"github.com/talgya/mini-colony/internal/jobs"
	"github.com/talgya/mini-colony/internal/location"
	"github.com/talgya/mini-colony/internal/manager"
	"github.com/talgya/mini-colony/internal/observability"
	"github.com/talgya/mini-colony/internal/request"
	"github.com/talgya/mini-colony/internal/requestable"
	"github.com/talgya/mini-colony/internal/resolver"
	"github.com/talgya/mini-colony/internal/token"
	"github.com/talgya/mini-colony/internal/view"
	"github.com/talgya/mini-colony/internal/world"
)

// MaxStructureLevel caps work order upgrades.
const MaxStructureLevel = 5

// ColonyConfig holds everything a colony is generated from.
type ColonyConfig struct {
	Seed     int64
	Layout   world.LayoutConfig
	Manager  manager.Config
	Citizens int
}

// DefaultColonyConfig returns a small colony.
func DefaultColonyConfig() ColonyConfig {
	return ColonyConfig{
		Seed:     42,
		Layout:   world.DefaultLayoutConfig(),
		Manager:  manager.DefaultConfig(),
		Citizens: 12,
	}
}

// StarterStock is what every warehouse holds on a fresh colony.
var StarterStock = []requestable.ItemStack{
	{Item: "oak_log", Count: 32},
	{Item: "oak_planks", Count: 64},
	{Item: "cobblestone", Count: 64},
	{Item: "sand", Count: 16},
	{Item: "coal", Count: 16},
	{Item: "wheat", Count: 24},
	{Item: "bread", Count: 24},
	{Item: "wooden_axe", Count: 2},
	{Item: "wooden_pickaxe", Count: 2},
	{Item: "wooden_hoe", Count: 2},
}

// hourlySupply arrives at the first warehouse every sim-hour.
var hourlySupply = []requestable.ItemStack{
	{Item: "oak_log", Count: 2},
	{Item: "cobblestone", Count: 2},
	{Item: "wheat", Count: 3},
	{Item: "bread", Count: 1},
}

// Structure is one placed building and its level.
type Structure struct {
	ID      token.Token `json:"id"`
	Site    world.Site  `json:"site"`
	Level   int         `json:"level"`
	Pending bool        `json:"pending"` // a work order is open
}

// ColonyStats tracks aggregate colony statistics.
type ColonyStats struct {
	Hungry        int `json:"hungry"`
	Delivered     int `json:"delivered"`
	Crafted       int `json:"crafted"`
	Built         int `json:"built"`
	WorkOrders    int `json:"work_orders"`
	Starved       int `json:"starved"`
	SkippedFrames int `json:"skipped_frames"`
}

// Colony holds the complete colony state and wires systems together. All
// fields are owned by the tick goroutine; other goroutines read Published.
type Colony struct {
	ID          token.Token
	Seed        int64
	Layout      *world.Layout
	Manager     *manager.Manager
	Citizens    []*jobs.Citizen
	Warehouses  []*resolver.Warehouse
	Crafters    []*resolver.Crafter
	Builders    []*resolver.Builder
	Deliverymen []*jobs.Deliveryman
	Player      *resolver.Player
	Structures  []*Structure
	LastTick    uint64
	Stats       ColonyStats

	hall       *townHall
	structures map[token.Token]*Structure
	citizens   map[token.Token]*jobs.Citizen
	names      map[token.Token]string
	eng        *Engine
	report     manager.TickReport

	// View fan-out.
	view      *view.Broadcaster
	frames    view.Codec
	lastQueue map[token.Token][]token.Token

	mu        sync.RWMutex
	published Published
}

// ColonyOption configures a Colony.
type ColonyOption func(*colonyOptions)

type colonyOptions struct {
	auditors []manager.Auditor
	view     *view.Broadcaster
}

// WithAuditor adds a transition auditor. Several may be installed.
func WithAuditor(a manager.Auditor) ColonyOption {
	return func(o *colonyOptions) { o.auditors = append(o.auditors, a) }
}

// WithBroadcaster publishes view frames to b.
func WithBroadcaster(b *view.Broadcaster) ColonyOption {
	return func(o *colonyOptions) { o.view = b }
}

// NewColony generates a colony from cfg. The same seed always produces the
// same layout, people, resolvers and identities.
func NewColony(cfg ColonyConfig, opts ...ColonyOption) *Colony {
	var o colonyOptions
	for _, opt := range opts {
		opt(&o)
	}

	layoutCfg := cfg.Layout
	layoutCfg.Seed = cfg.Seed
	layout := world.GenerateLayout(layoutCfg)
	spawner := jobs.NewSpawner(cfg.Seed)

	c := &Colony{
		ID:         spawner.NextID(),
		Seed:       cfg.Seed,
		Layout:     layout,
		structures: make(map[token.Token]*Structure),
		citizens:   make(map[token.Token]*jobs.Citizen),
		names:      make(map[token.Token]string),
		view:       o.view,
		frames:     view.DefaultFrameCodec(),
		lastQueue:  make(map[token.Token][]token.Token),
	}
	var mopts []manager.Option
	switch len(o.auditors) {
	case 0:
	case 1:
		mopts = append(mopts, manager.WithAuditor(o.auditors[0]))
	default:
		mopts = append(mopts, manager.WithAuditor(Auditors(o.auditors)))
	}
	c.Manager = manager.New(c.ID, cfg.Manager, mopts...)

	hallPos := world.HexCoord{}
	for _, site := range layout.Sites {
		s := &Structure{ID: spawner.NextID(), Site: site, Level: 1}
		c.Structures = append(c.Structures, s)
		c.structures[s.ID] = s
		if site.Kind == world.SiteTownHall {
			hallPos = site.Coord
		}
	}
	c.hall = &townHall{id: c.ID, colony: c, loc: location.Structure{Pos: hallPos}}

	for _, s := range c.Structures {
		loc := location.Structure{Pos: s.Site.Coord}
		switch s.Site.Kind {
		case world.SiteWarehouse:
			w := resolver.NewWarehouse(spawner.NextID(), s.Site.Name, resolver.DefaultPriority, loc)
			for _, st := range StarterStock {
				w.Put(st)
			}
			c.Warehouses = append(c.Warehouses, w)
			c.names[w.ID()] = w.Name
		case world.SiteWorkshop:
			cr := resolver.NewCrafter(spawner.NextID(), s.Site.Name, resolver.DefaultPriority+10, loc, resolver.DefaultRecipes)
			c.Crafters = append(c.Crafters, cr)
			c.names[cr.ID()] = cr.Name
		case world.SiteBuilderHut:
			b := resolver.NewBuilder(spawner.NextID(), s.Site.Name, resolver.DefaultPriority, loc, resolver.DefaultBill)
			c.Builders = append(c.Builders, b)
			c.names[b.ID()] = b.Name
			d := jobs.NewDeliveryman(spawner.NextID(), s.Site.Name+" courier", s.Site.Coord)
			c.Deliverymen = append(c.Deliverymen, d)
			c.names[d.ID()] = d.Name
		}
	}
	if len(c.Deliverymen) == 0 {
		d := jobs.NewDeliveryman(spawner.NextID(), "town courier", hallPos)
		c.Deliverymen = append(c.Deliverymen, d)
		c.names[d.ID()] = d.Name
	}
	c.Player = resolver.NewPlayer(spawner.NextID(), "steward")
	c.names[c.Player.ID()] = c.Player.Name

	c.Citizens = spawner.Spawn(cfg.Citizens, layout.SitesOf(world.SiteHome))
	for _, cz := range c.Citizens {
		c.citizens[cz.ID()] = cz
		c.names[cz.ID()] = cz.Name
	}
	c.names[c.ID] = "town hall"

	c.register()
	c.publish(true)
	return c
}

// register hands every resolver and requester to the manager. Registration
// order is the tie-break of the matching pass.
func (c *Colony) register() {
	var all []resolver.Resolver
	for _, w := range c.Warehouses {
		all = append(all, w)
	}
	for _, cr := range c.Crafters {
		all = append(all, cr)
	}
	for _, b := range c.Builders {
		all = append(all, b)
	}
	for _, d := range c.Deliverymen {
		all = append(all, d)
	}
	all = append(all, c.Player)
	for _, r := range all {
		if err := c.Manager.RegisterResolver(r); err != nil {
			slog.Error("resolver not registered", "resolver", r.ID().Short(), "error", err)
		}
	}
	if err := c.Manager.RegisterRequester(c.hall); err != nil {
		slog.Error("town hall not registered", "error", err)
	}
	for _, cz := range c.Citizens {
		if err := c.Manager.RegisterRequester(cz); err != nil {
			slog.Error("citizen not registered", "citizen", cz.Name, "error", err)
		}
	}
}

// Attach wires the colony's tick layers into eng. Commands submitted with
// Exec then run on the engine goroutine.
func (c *Colony) Attach(eng *Engine) {
	c.eng = eng
	eng.OnTick = c.TickMinute
	eng.OnHour = c.TickHour
	eng.OnDay = c.TickDay
}

// Exec runs fn on the tick goroutine. Without an engine it runs inline.
func (c *Colony) Exec(ctx context.Context, fn func()) error {
	if c.eng == nil {
		fn()
		return nil
	}
	return c.eng.Do(ctx, fn)
}

// CurrentTick returns the most recently processed tick number.
func (c *Colony) CurrentTick() uint64 { return c.LastTick }

// Name returns the display name of a colony identity, or its short token.
func (c *Colony) Name(t token.Token) string {
	if n, ok := c.names[t]; ok {
		return n
	}
	return t.Short()
}

// TickMinute runs every tick: citizens voice their needs, then the
// matching pass.
func (c *Colony) TickMinute(ctx context.Context, tick uint64) {
	ctx, span := observability.StartSpan(ctx, "colony.tick", attribute.Int64("tick", int64(tick)))
	defer span.End()

	c.LastTick = tick
	for _, cz := range c.Citizens {
		cz.Think(c.Manager)
	}
	c.report = c.Manager.Tick(ctx, tick)
	c.flush(tick)
}

// TickHour runs every sim-hour: needs decay, warehouses hand over what they
// reserved, builders build and deliverymen walk.
func (c *Colony) TickHour(ctx context.Context, tick uint64) {
	_, span := observability.StartSpan(ctx, "colony.hour", attribute.Int64("tick", int64(tick)))
	defer span.End()

	for _, cz := range c.Citizens {
		if !cz.Alive {
			continue
		}
		cz.Needs.Decay()
		if cz.Starve() {
			n := c.Manager.UnregisterRequester(cz.ID())
			c.Stats.Starved++
			slog.Info("citizen starved", "citizen", cz.Name, "cancelled", n)
		}
	}
	if len(c.Warehouses) > 0 {
		for _, st := range hourlySupply {
			c.Warehouses[0].Put(st)
		}
	}
	for _, w := range c.Warehouses {
		w.FulfilAll(c.Manager)
	}
	for _, b := range c.Builders {
		c.Stats.Built += b.Work(c.Manager)
	}
	for _, d := range c.Deliverymen {
		d.Work(c.Manager)
	}
	c.updateStats()
	c.flush(tick)
}

// TickDay runs every sim-day: the town hall orders the next upgrade and
// restocks the builder huts, and the daily report is logged.
func (c *Colony) TickDay(ctx context.Context, tick uint64) {
	_, span := observability.StartSpan(ctx, "colony.day", attribute.Int64("tick", int64(tick)))
	defer span.End()

	if s := c.nextUpgrade(); s != nil {
		order := requestable.WorkOrder{Kind: requestable.WorkBuild, Structure: s.ID, Level: s.Level + 1}
		if _, err := c.Manager.CreateRequest(c.hall.id, location.Structure{Pos: s.Site.Coord}, order); err != nil {
			slog.Warn("work order not created", "structure", s.Site.Name, "error", err)
		} else {
			s.Pending = true
			c.Stats.WorkOrders++
		}
	}
	if len(c.Warehouses) > 0 {
		from := c.Warehouses[0].Location()
		for _, hut := range c.Layout.SitesOf(world.SiteBuilderHut) {
			restock := requestable.Delivery{
				From:  from,
				To:    location.Structure{Pos: hut.Coord},
				Stack: requestable.ItemStack{Item: "oak_planks", Count: 16},
			}
			if _, err := c.Manager.CreateRequest(c.hall.id, c.hall.loc, restock); err != nil {
				slog.Warn("restock not created", "hut", hut.Name, "error", err)
			}
		}
	}

	c.updateStats()
	st := c.Manager.Stats()
	slog.Info("daily report",
		"time", SimTime(tick),
		"live", humanize.Comma(int64(st.Live)),
		"in_progress", humanize.Comma(int64(st.InProgress)),
		"stalled", st.Stalled,
		"created_total", humanize.Comma(int64(st.Totals.Created)),
		"completed_total", humanize.Comma(int64(st.Totals.Completed)),
		"cancelled_total", humanize.Comma(int64(st.Totals.Cancelled)),
		"hungry", c.Stats.Hungry,
		"delivered", c.Stats.Delivered,
		"built", c.Stats.Built,
	)
	c.flush(tick)
}

// nextUpgrade picks the lowest-level structure without an open order.
func (c *Colony) nextUpgrade() *Structure {
	var best *Structure
	for _, s := range c.Structures {
		if s.Pending || s.Level >= MaxStructureLevel {
			continue
		}
		if best == nil || s.Level < best.Level {
			best = s
		}
	}
	return best
}

func (c *Colony) updateStats() {
	hungry := 0
	for _, cz := range c.Citizens {
		if cz.Alive && cz.Needs.Priority() == jobs.NeedFood {
			hungry++
		}
	}
	delivered := 0
	for _, d := range c.Deliverymen {
		done, _ := d.Delivered()
		delivered += done
	}
	crafted := 0
	for _, cr := range c.Crafters {
		crafted += cr.Crafted()
	}
	c.Stats.Hungry = hungry
	c.Stats.Delivered = delivered
	c.Stats.Crafted = crafted
}

// flush drains the manager's changes into view frames and republishes the
// read-only state.
func (c *Colony) flush(tick uint64) {
	cs := c.Manager.Changes()
	if c.view != nil && c.view.Len() > 0 {
		if len(cs.Updated) > 0 {
			c.broadcast(view.Frame{Type: view.MsgDelta, Colony: c.ID, Tick: tick, Requests: cs.Updated})
		}
		if len(cs.Removed) > 0 {
			c.broadcast(view.Frame{Type: view.MsgRemove, Colony: c.ID, Tick: tick, Tokens: cs.Removed})
		}
		for _, d := range c.Deliverymen {
			q := d.TaskQueue()
			if slices.Equal(q, c.lastQueue[d.ID()]) {
				continue
			}
			c.lastQueue[d.ID()] = q
			c.broadcast(view.Frame{Type: view.MsgJobRequests, Colony: c.ID, Tick: tick, Job: d.ID(), Tokens: q})
		}
	}
	c.publish(!cs.Empty())
}

func (c *Colony) broadcast(f view.Frame) {
	b, err := c.frames.Encode(f)
	if err != nil {
		c.Stats.SkippedFrames++
		slog.Warn("view frame not encoded", "type", f.Type, "error", err)
		return
	}
	c.view.Publish(b)
}

// Subscribe registers a view subscriber and returns the snapshot frame it
// must apply first. It runs on the tick goroutine so no delta can fall
// between the snapshot and the subscription.
func (c *Colony) Subscribe(ctx context.Context, queue int) (*view.Subscription, []byte, view.WelcomeMsg, error) {
	if c.view == nil {
		return nil, nil, view.WelcomeMsg{}, fmt.Errorf("colony %s has no view", c.ID.Short())
	}
	var (
		sub     *view.Subscription
		frame   []byte
		welcome view.WelcomeMsg
		err     error
	)
	execErr := c.Exec(ctx, func() {
		frame, err = c.SnapshotFrame()
		if err != nil {
			return
		}
		sub = c.view.Subscribe(queue)
		// A new subscriber needs the current job lists too.
		clear(c.lastQueue)
		welcome = view.WelcomeMsg{
			Type:            view.TypeWelcome,
			ProtocolVersion: view.ProtocolVersion,
			Colony:          c.ID.String(),
			Tick:            c.LastTick,
			Requests:        c.Manager.Len(),
		}
	})
	if execErr != nil {
		return nil, nil, view.WelcomeMsg{}, execErr
	}
	return sub, frame, welcome, err
}

// Resync returns a fresh snapshot frame.
func (c *Colony) Resync(ctx context.Context) ([]byte, error) {
	var (
		frame []byte
		err   error
	)
	if execErr := c.Exec(ctx, func() { frame, err = c.SnapshotFrame() }); execErr != nil {
		return nil, execErr
	}
	return frame, err
}

// SnapshotFrame encodes every live request. Call it on the tick goroutine.
func (c *Colony) SnapshotFrame() ([]byte, error) {
	return c.frames.Encode(view.Frame{Type: view.MsgSnapshot, Colony: c.ID, Tick: c.LastTick, Requests: c.Manager.Snapshot()})
}

// Unsubscribe drops a view subscriber.
func (c *Colony) Unsubscribe(sub *view.Subscription) {
	if c.view != nil && sub != nil {
		c.view.Unsubscribe(sub)
	}
}

// StructureState is the saved progress of one structure.
type StructureState struct {
	ID    token.Token `json:"id"`
	Level int         `json:"level"`
}

// StockState is the saved stock of one warehouse.
type StockState struct {
	Warehouse token.Token             `json:"warehouse"`
	Stacks    []requestable.ItemStack `json:"stacks"`
}

// CitizenState is the saved state of one citizen.
type CitizenState struct {
	ID token.Token `json:"id"`
	jobs.State
}

// Progress is what the colony has become since it was generated. It is
// saved next to the request table; everything else is regenerated from
// the seed.
type Progress struct {
	Structures []StructureState
	Stock      []StockState
	Citizens   []CitizenState
}

// Progress captures the colony's progress. Call it on the tick goroutine.
func (c *Colony) Progress() Progress {
	var p Progress
	for _, s := range c.Structures {
		p.Structures = append(p.Structures, StructureState{ID: s.ID, Level: s.Level})
	}
	for _, w := range c.Warehouses {
		p.Stock = append(p.Stock, StockState{Warehouse: w.ID(), Stacks: w.Contents()})
	}
	for _, cz := range c.Citizens {
		p.Citizens = append(p.Citizens, CitizenState{ID: cz.ID(), State: cz.Save()})
	}
	return p
}

func (c *Colony) applyProgress(p Progress) {
	for _, st := range p.Structures {
		s, ok := c.structures[st.ID]
		if !ok {
			slog.Warn("saved structure not in colony", "structure", st.ID.Short())
			continue
		}
		s.Level = min(max(st.Level, 1), MaxStructureLevel)
		s.Pending = false
	}
	for _, st := range p.Stock {
		i := slices.IndexFunc(c.Warehouses, func(w *resolver.Warehouse) bool { return w.ID() == st.Warehouse })
		if i < 0 {
			slog.Warn("saved warehouse not in colony", "warehouse", st.Warehouse.Short())
			continue
		}
		c.Warehouses[i].Replace(st.Stacks)
	}
	for _, st := range p.Citizens {
		cz, ok := c.citizens[st.ID]
		if !ok {
			slog.Warn("saved citizen not in colony", "citizen", st.ID.Short())
			continue
		}
		cz.Load(st.State)
	}
}

// Restore loads saved progress and requests into a freshly generated
// colony at tick. Claims whose resolver state cannot be rebuilt (warehouse
// reservations, crafting and building jobs) are handed back for matching;
// delivery queues, player claims and citizens' open requests are adopted.
func (c *Colony) Restore(p Progress, records []*request.Request, tick uint64) int {
	c.LastTick = tick
	c.applyProgress(p)
	dropped := c.Manager.Restore(records)
	for _, cz := range c.Citizens {
		if !cz.Alive {
			c.Manager.UnregisterRequester(cz.ID())
		}
	}
	for _, saved := range c.Manager.Snapshot() {
		// Earlier releases may have cancelled or changed this one.
		r, live := c.Manager.GetRequestForToken(saved.ID)
		if !live {
			continue
		}
		if r.Parent == nil {
			if cz, ok := c.citizens[r.RequesterID]; ok {
				cz.Adopt(r.ID, r.Payload)
			}
			if wo, ok := r.Payload.(requestable.WorkOrder); ok && r.RequesterID == c.hall.id {
				if s, ok := c.structures[wo.Structure]; ok {
					s.Pending = true
				}
			}
		}
		if r.ResolverID == nil {
			continue
		}
		res, ok := c.Manager.Resolver(*r.ResolverID)
		if !ok {
			continue
		}
		switch res := res.(type) {
		case *jobs.Deliveryman:
			res.AddRequest(r.ID)
		case *resolver.Player:
			res.Adopt(r.ID)
		default:
			if err := c.Manager.Reassign(r.ID); err != nil {
				slog.Warn("restored claim not released", "token", r.ID.Short(), "error", err)
			}
		}
	}
	c.Manager.Changes()
	c.publish(true)
	slog.Info("colony restored", "requests", c.Manager.Len(), "dropped", dropped, "tick", tick, "sim_time", SimTime(tick))
	return dropped
}

// townHall is the colony's own requester: it orders upgrades and restocks.
type townHall struct {
	id     token.Token
	colony *Colony
	loc    location.Location
}

func (h *townHall) ID() token.Token { return h.id }

func (h *townHall) OnRequestCompleted(_ resolver.Context, r *request.Request) {
	wo, ok := r.Payload.(requestable.WorkOrder)
	if !ok {
		return
	}
	if s, ok := h.colony.structures[wo.Structure]; ok {
		s.Pending = false
		s.Level = max(s.Level, wo.Level)
		slog.Info("structure upgraded", "structure", s.Site.Name, "level", s.Level)
	}
}

func (h *townHall) OnRequestCancelled(_ resolver.Context, r *request.Request) {
	if wo, ok := r.Payload.(requestable.WorkOrder); ok {
		if s, ok := h.colony.structures[wo.Structure]; ok {
			s.Pending = false
		}
	}
}

func (h *townHall) OnRequestStalled(_ resolver.Context, r *request.Request, ticks int) {
	slog.Debug("town hall order waiting", "payload", r.Payload.Describe(), "ticks", ticks)
}
