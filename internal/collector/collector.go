// Package collector coordinates recovery after a node failure.
//
// A node that suspects a peer freezes local intake and broadcasts the
// suspect set together with the highest sequence of each suspect's stream
// it can vouch for. Once every available non-suspect node announced the
// same set, the nodes holding the longest suspect streams push the missing
// ranges to the others and everyone announces RESUME. Once everyone
// resumed, suspects are excluded, their session is bumped and intake
// resumes. Any divergence resets the local state and starts over.
//
// Requests can be lost. A resuming node replays the requests of the round
// to a peer that still announces SUSPECT, and a node that completed the
// recovery answers a peer still announcing its suspect set with COMPLETE.
package collector

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ywci/tbc/internal/cluster"
	"github.com/ywci/tbc/internal/metrics"
	"github.com/ywci/tbc/internal/overlay"
	"github.com/ywci/tbc/internal/timestamp"
)

// Batcher is the dissemination layer as seen by the collector.
type Batcher interface {
	Suspend()
	Resume()
	Session(id cluster.NodeID) uint32
	BumpSession(id cluster.NodeID) uint32
	SeqEnd(id cluster.NodeID) uint32
	MinObserved(id cluster.NodeID, set cluster.NodeSet) uint32
	RangeStart(id cluster.NodeID) uint32
	Range(id cluster.NodeID, from uint32) ([]timestamp.Timestamp, bool)
	AddTimestamps(id cluster.NodeID, start uint32, tss []timestamp.Timestamp) error
}

// Tracker is the delivery tracker as seen by the collector.
type Tracker interface {
	Liveness(id cluster.NodeID) cluster.Liveness
	Suspect(id cluster.NodeID) bool
	Stop(id cluster.NodeID) bool
	Recover(id cluster.NodeID)
}

// Broadcaster sends control requests to every peer.
type Broadcaster interface {
	Broadcast(kind overlay.Kind, payload []byte) error
}

// Collector runs the recovery protocol of one node.
type Collector struct {
	cfg        Config
	log        *zap.Logger
	metrics    *metrics.Metrics
	membership *cluster.Membership
	batcher    Batcher
	tracker    Tracker
	out        Broadcaster
	self       cluster.NodeID
	n          int
	sleep      func(time.Duration)

	mu        sync.Mutex
	suspect   cluster.NodeSet
	state     State
	seq       []uint32
	providers []cluster.NodeSet
	members   [numStates][]cluster.NodeSet
	announce  *Request
	// round holds the requests sent in the current recovery and done the
	// COMPLETE answer of the last completed one.
	round []*Request
	done  *Request
}

// New creates a Collector.
func New(membership *cluster.Membership, batcher Batcher, tracker Tracker, out Broadcaster, opts ...Option) *Collector {
	n := membership.Size()
	c := &Collector{
		cfg:        DefaultConfig(),
		log:        zap.NewNop(),
		membership: membership,
		batcher:    batcher,
		tracker:    tracker,
		out:        out,
		self:       membership.Self(),
		n:          n,
		sleep:      time.Sleep,
		seq:        make([]uint32, n),
		providers:  make([]cluster.NodeSet, n),
	}
	for i := range c.members {
		c.members[i] = make([]cluster.NodeSet, n)
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = metrics.New(uint8(c.self))
	}
	return c
}

// State returns the protocol state.
func (c *Collector) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Suspects returns the suspect set. Excluded nodes stay in it until they
// recover.
func (c *Collector) Suspects() cluster.NodeSet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.suspect
}

// Fault reports id as unresponsive.
func (c *Collector) Fault(id cluster.NodeID) {
	if id == c.self || !id.Valid(c.n) {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.suspect.Has(id) {
		return
	}
	c.suspect = c.suspect.Add(id)
	c.metrics.Suspicions.Inc()
	c.log.Warn("node suspected", zap.Uint8("suspect", uint8(id)), zap.Stringer("suspects", c.suspect))
	c.doFault()
}

// Recover re-admits id: it leaves the suspect set, becomes alive in the
// tracker and available again.
func (c *Collector) Recover(id cluster.NodeID) {
	if id == c.self || !id.Valid(c.n) {
		return
	}

	c.mu.Lock()
	c.suspect = c.suspect.Remove(id)
	c.done = nil
	c.mu.Unlock()

	c.tracker.Recover(id)
	c.membership.Restore(id)
	c.log.Info("node recovered", zap.Uint8("node", uint8(id)))
}

// Handle processes a control request received from a peer.
func (c *Collector) Handle(from cluster.NodeID, data []byte) error {
	req, err := ParseRequest(data, c.n)
	if err != nil {
		return err
	}
	if req.Src != from || req.Src == c.self {
		return ErrInvalidRequest
	}

	c.mu.Lock()
	aborted := c.handle(req)
	c.mu.Unlock()

	if aborted && c.cfg.AbortWait > 0 {
		c.sleep(c.cfg.AbortWait)
	}
	return nil
}

// Run re-broadcasts the current request while a recovery is in progress.
func (c *Collector) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.retransmit()
		}
	}
}

func (c *Collector) retransmit() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.announce != nil {
		c.send(c.announce)
	}
}

// handle reports whether the request caused an abort. The caller holds c.mu.
func (c *Collector) handle(req *Request) bool {
	if c.canReplay(req) {
		c.replay(req, c.done)
		return false
	}
	if c.canIgnore(req) {
		return false
	}
	if req.State == StateComplete {
		if c.state != StateResume {
			return false
		}
		resume := *req
		resume.State = StateResume
		req = &resume
	}
	if req.State == StateSuspect {
		c.adopt(req)
	}
	if c.needAbort(req) {
		c.abort(req)
		return true
	}

	switch req.State {
	case StateSuspect:
		resuming := c.state == StateResume
		c.merge(req)
		c.checkSuspect(req)
		if resuming && c.members[StateResume][req.Src] == 0 {
			// the peer missed part of this round
			c.replay(req, c.round...)
		}
	case StateSync:
		c.sync(req)
	case StateResume:
		c.checkResume(req)
	}
	return false
}

func (c *Collector) canIgnore(req *Request) bool {
	reason := ""
	switch {
	case req.Session != c.batcher.Session(req.Src):
		reason = "session"
	case c.suspect.Has(req.Src):
		reason = "suspect source"
	case req.Suspect.Has(c.self):
		reason = "suspects this node"
	case c.state == StateIdle && req.State != StateSuspect:
		reason = "idle"
	case c.state == StateIdle && c.suspect.Covers(req.Suspect):
		reason = "nothing new"
	default:
		return false
	}
	c.log.Debug("ignored request",
		zap.Uint8("from", uint8(req.Src)),
		zap.Stringer("state", req.State),
		zap.Stringer("current", c.state),
		zap.String("reason", reason))
	return true
}

// canReplay reports whether req comes from a peer still working on the
// recovery this node last completed.
func (c *Collector) canReplay(req *Request) bool {
	return c.state == StateIdle &&
		c.done != nil &&
		(req.State == StateSuspect || req.State == StateResume) &&
		req.Suspect == c.done.Suspect &&
		req.Session == c.batcher.Session(req.Src) &&
		!c.suspect.Has(req.Src)
}

func (c *Collector) replay(req *Request, reqs ...*Request) {
	c.log.Debug("replaying recovery",
		zap.Uint8("to", uint8(req.Src)),
		zap.Stringer("state", req.State),
		zap.Stringer("suspects", req.Suspect))
	for _, r := range reqs {
		c.send(r)
	}
}

// adopt joins a suspicion raised by a peer.
func (c *Collector) adopt(req *Request) {
	fresh := req.Suspect.Intersect(cluster.All(c.n)).Minus(c.suspect)
	if fresh.Empty() {
		return
	}
	c.suspect = c.suspect.Union(fresh)
	c.metrics.Suspicions.Add(float64(fresh.Len()))
	c.log.Warn("adopted suspicion",
		zap.Uint8("from", uint8(req.Src)),
		zap.Stringer("suspects", c.suspect))
	c.doFault()
}

func (c *Collector) needAbort(req *Request) bool {
	if !c.suspect.Empty() && c.suspect != req.Suspect {
		c.log.Debug("suspect set mismatch",
			zap.Uint8("from", uint8(req.Src)),
			zap.Stringer("local", c.suspect),
			zap.Stringer("remote", req.Suspect))
		return true
	}
	for i, recorded := range c.members[req.State] {
		if c.suspect.Has(cluster.NodeID(i)) {
			continue
		}
		if recorded != 0 && recorded != req.Suspect {
			c.log.Debug("member disagreement", zap.Uint8("member", uint8(i)), zap.Stringer("state", req.State))
			return true
		}
	}

	switch req.State {
	case StateResume:
		return c.state != StateIdle && c.state != StateSuspect && c.state != StateResume
	case StateSuspect:
		return c.state != StateIdle && c.state != StateResume && c.state != StateSuspect
	}
	return false
}

func (c *Collector) abort(req *Request) {
	c.log.Info("recovery aborted", zap.Uint8("from", uint8(req.Src)), zap.Stringer("state", c.state))
	c.reset()
	c.doFault()
}

func (c *Collector) reset() {
	for i := range c.members {
		clear(c.members[i])
	}
	clear(c.seq)
	clear(c.providers)
	c.state = StateIdle
	c.announce = nil
	c.round = nil
}

// doFault freezes intake and announces the suspect set. The caller holds c.mu.
func (c *Collector) doFault() {
	if c.suspect.Empty() {
		return
	}
	c.reset()
	c.batcher.Suspend()

	req := c.request(StateSuspect)
	for _, id := range c.suspect.IDs() {
		if !c.membership.IsAvailable(id) {
			continue
		}
		c.tracker.Suspect(id)
		req.Seq[id] = c.batcher.SeqEnd(id)
	}
	c.state = StateSuspect
	c.publish(req)

	c.merge(req)
	c.checkSuspect(nil)
	c.checkResume(nil)
}

func (c *Collector) request(state State) *Request {
	return &Request{
		Src:     c.self,
		Suspect: c.suspect,
		Session: c.batcher.Session(c.self),
		State:   state,
		Seq:     make([]uint32, c.n),
	}
}

// publish sends req as the current announcement and keeps it for replay.
func (c *Collector) publish(req *Request) {
	if req.State != StateSync {
		c.announce = req
	}
	c.round = append(c.round, req)
	c.send(req)
}

func (c *Collector) send(req *Request) {
	if err := c.out.Broadcast(overlay.KindControl, req.Marshal()); err != nil {
		c.log.Debug("broadcast request", zap.Stringer("state", req.State), zap.Error(err))
	}
}

// merge folds the vouched sequences of req into the provider table. A
// higher sequence replaces the providers and an equal one joins them.
func (c *Collector) merge(req *Request) {
	for i, seq := range req.Seq {
		switch {
		case seq == 0:
		case seq > c.seq[i]:
			c.seq[i] = seq
			c.providers[i] = cluster.Single(req.Src)
		case seq == c.seq[i]:
			c.providers[i] = c.providers[i].Add(req.Src)
		}
	}
}

// checkState records req and reports whether every member agrees on the
// current state.
func (c *Collector) checkState(req *Request) bool {
	state := c.state
	if req != nil {
		c.members[req.State][req.Src] = req.Suspect
		state = req.State
	}
	return state == c.state && c.checkMembers(state)
}

// checkMembers reports whether the nodes that announced the local suspect
// set for state cover the available non-suspect nodes.
func (c *Collector) checkMembers(state State) bool {
	agreed := cluster.Single(c.self)
	for i, recorded := range c.members[state] {
		if recorded == c.suspect {
			agreed = agreed.Add(cluster.NodeID(i))
		}
	}
	return agreed.Covers(c.membership.Available().Minus(c.suspect))
}

func (c *Collector) checkSuspect(req *Request) {
	if !c.checkState(req) || c.state != StateSuspect {
		return
	}

	avail := c.membership.Available().Minus(c.suspect)
	for i, providers := range c.providers {
		if providers.Empty() || providers.Covers(avail) {
			continue
		}
		if lowest, _ := providers.Lowest(); lowest == c.self {
			c.sendRange(cluster.NodeID(i), avail)
		}
	}

	resume := c.request(StateResume)
	c.state = StateResume
	c.publish(resume)
	c.log.Info("recovery resuming", zap.Stringer("suspects", c.suspect))
	c.checkResume(nil)
}

// sendRange pushes the part of id's stream that some available node lacks.
func (c *Collector) sendRange(id cluster.NodeID, avail cluster.NodeSet) {
	end := c.seq[id]
	start := max(c.batcher.MinObserved(id, avail)+1, c.batcher.RangeStart(id))
	if start > end {
		return
	}
	tss, ok := c.batcher.Range(id, start)
	if !ok {
		c.log.Warn("range no longer listed", zap.Uint8("source", uint8(id)), zap.Uint32("start", start))
		return
	}
	if want := int(end - start + 1); len(tss) > want {
		tss = tss[:want]
	}
	if len(tss) == 0 {
		return
	}

	req := c.request(StateSync)
	req.Range = &Range{Source: id, Start: start, End: start + uint32(len(tss)) - 1, Timestamps: tss}
	c.publish(req)
	c.log.Debug("sent range", zap.Uint8("source", uint8(id)), zap.Uint32("start", req.Range.Start), zap.Uint32("end", req.Range.End))
}

func (c *Collector) sync(req *Request) {
	rg := req.Range
	if err := c.batcher.AddTimestamps(rg.Source, rg.Start, rg.Timestamps); err != nil {
		c.log.Warn("apply range", zap.Uint8("from", uint8(req.Src)), zap.Uint8("source", uint8(rg.Source)), zap.Error(err))
		return
	}
	c.log.Debug("applied range",
		zap.Uint8("from", uint8(req.Src)),
		zap.Uint8("source", uint8(rg.Source)),
		zap.Uint32("start", rg.Start),
		zap.Uint32("end", rg.End))
}

func (c *Collector) checkResume(req *Request) {
	if !c.checkState(req) || c.state != StateResume {
		return
	}

	for _, id := range c.suspect.IDs() {
		if c.tracker.Liveness(id) == cluster.Suspect {
			session := c.batcher.BumpSession(id)
			c.tracker.Stop(id)
			c.log.Info("node excluded", zap.Uint8("node", uint8(id)), zap.Uint32("session", session))
		}
	}
	avail := c.membership.Exclude(c.suspect)
	c.batcher.Resume()
	done := c.request(StateComplete)
	c.reset()
	c.done = done
	c.log.Info("recovery complete", zap.Stringer("available", avail))
}
