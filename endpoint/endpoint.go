// endpoint.go - Hidden service client endpoint.
// Copyright (C) 2018  LLARP developers.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package endpoint implements the client side hidden service layer: the
// endpoint owning an identity and its introset publish state machine, and
// the per remote outbound contexts that keep paths aligned with a chosen
// introduction.  All endpoint state is mutated on a single logic loop,
// CPU bound crypto runs on the worker pool.
package endpoint

import (
	"errors"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/llarp/go-llarp/core/log"
	"github.com/llarp/go-llarp/crypto"
	"github.com/llarp/go-llarp/dht"
	"github.com/llarp/go-llarp/logic"
	"github.com/llarp/go-llarp/nodedb"
	"github.com/llarp/go-llarp/path"
	"github.com/llarp/go-llarp/router"
	"github.com/llarp/go-llarp/routing"
	"github.com/llarp/go-llarp/service"
)

const (
	// DefaultLookupTimeout bounds address and router lookups.
	DefaultLookupTimeout = 10 * time.Second

	// DefaultNumPaths is the endpoint's target path count.
	DefaultNumPaths = 4

	// DefaultNumHops is the hop count of endpoint paths.
	DefaultNumHops = 4
)

var (
	// ErrNoPath is returned when no usable established path exists.
	ErrNoPath = errors.New("endpoint: no established path")

	// ErrDuplicateLookup is returned when a lookup for the same address
	// is already in flight.
	ErrDuplicateLookup = errors.New("endpoint: duplicate pending lookup")

	// ErrUnknownRouter is returned when hop selection needs a contact
	// the nodedb does not have yet.
	ErrUnknownRouter = errors.New("endpoint: unknown router")
)

// Context bundles the process wide collaborators.  Nothing here is
// reached through globals.
type Context struct {
	Log    *log.Backend
	Crypto *crypto.Context
	NodeDB *nodedb.DB
	Logic  *logic.Logic
	Worker *logic.Pool
}

// DataHandler receives verified inbound protocol messages.
type DataHandler interface {
	HandleDataMessage(tag service.ConvoTag, msg *service.ProtocolMessage) error
}

// PathEnsureHook observes the outcome of EnsurePathToService.  It
// receives nil when the lookup timed out.
type PathEnsureHook func(*OutboundContext)

// Endpoint is one hidden service client endpoint.
type Endpoint struct {
	*path.PathSet

	ctx      *Context
	registry *Registry
	name     string
	log      *logging.Logger

	keyfile       string
	tag           service.Tag
	prefetchTags  map[service.Tag]struct{}
	prefetchAddrs map[service.Address]struct{}
	netns         string
	onInit        []func() error

	identity service.Identity
	introSet service.IntroSet

	isolatedLogic *logic.Logic

	sessions              map[service.ConvoTag]*session
	remoteSessions        map[service.Address]*OutboundContext
	pendingLookups        map[uint64]*pendingLookup
	pendingRouters        map[router.RouterID]*routerLookupJob
	pendingServiceLookups map[service.Address]PathEnsureHook
	prefetchedTags        map[service.Tag]*cachedTagResult

	dataHandler DataHandler
	builder     path.Builder

	// Now is the clock, overridable in tests.
	Now func() time.Time
}

// New creates an endpoint named name.  Start must be called before use.
func New(name string, ctx *Context, reg *Registry) *Endpoint {
	e := &Endpoint{
		PathSet:               path.NewPathSet(DefaultNumPaths),
		ctx:                   ctx,
		registry:              reg,
		name:                  name,
		log:                   ctx.Log.GetLogger("endpoint/" + name),
		prefetchTags:          make(map[service.Tag]struct{}),
		prefetchAddrs:         make(map[service.Address]struct{}),
		sessions:              make(map[service.ConvoTag]*session),
		remoteSessions:        make(map[service.Address]*OutboundContext),
		pendingLookups:        make(map[uint64]*pendingLookup),
		pendingRouters:        make(map[router.RouterID]*routerLookupJob),
		pendingServiceLookups: make(map[service.Address]PathEnsureHook),
		prefetchedTags:        make(map[service.Tag]*cachedTagResult),
		Now:                   time.Now,
	}
	e.PathSet.OnPathBuilt(e.HandlePathBuilt)
	reg.Register(e)
	return e
}

// Name returns "<name>:<address>" once the identity is loaded.
func (e *Endpoint) Name() string {
	if e.identity.Public().SigningKey == nil {
		return e.name
	}
	return e.name + ":" + e.identity.Addr().String()
}

// Identity returns the endpoint identity.
func (e *Endpoint) Identity() *service.Identity {
	return &e.identity
}

// IntroSet returns the currently advertised introset.
func (e *Endpoint) IntroSet() *service.IntroSet {
	return &e.introSet
}

// SetDataHandler overrides the inbound message handler.
func (e *Endpoint) SetDataHandler(h DataHandler) {
	e.dataHandler = h
}

// SetBuilder binds the external path builder for the endpoint's own
// path pool.
func (e *Endpoint) SetBuilder(b path.Builder) {
	e.builder = b
	e.PathSet.SetBuilder(b)
}

// ManualRebuild asks the builder for n more paths.
func (e *Endpoint) ManualRebuild(n int) {
	if e.builder != nil {
		e.builder.ManualRebuild(n)
	}
}

// SetOption applies one configuration option.  Unknown keys are accepted
// for compatibility and counted.
func (e *Endpoint) SetOption(k, v string) bool {
	switch k {
	case "keyfile":
		e.keyfile = v
	case "tag":
		e.tag = service.NewTag(v)
		e.log.Infof("setting tag to %s", v)
	case "prefetch-tag":
		e.prefetchTags[service.NewTag(v)] = struct{}{}
	case "prefetch-addr":
		var addr service.Address
		if err := addr.FromString(v); err != nil {
			prefetchAddrParseFailures.Inc()
			return true
		}
		e.prefetchAddrs[addr] = struct{}{}
	case "netns":
		e.netns = v
		e.onInit = append(e.onInit, e.isolateNetwork)
	default:
		unknownOptions.Inc()
	}
	return true
}

func (e *Endpoint) isolateNetwork() error {
	e.isolatedLogic = logic.NewLogic()
	return nil
}

// Start loads or generates the identity and drains the deferred
// initializer queue.  Any initializer failure aborts Start.
func (e *Endpoint) Start() error {
	if e.keyfile != "" {
		if err := e.identity.EnsureKeys(e.keyfile, e.ctx.Crypto); err != nil {
			return err
		}
	} else {
		if err := e.identity.RegenerateKeys(e.ctx.Crypto); err != nil {
			return err
		}
	}
	if e.dataHandler == nil {
		e.dataHandler = e
	}
	for len(e.onInit) > 0 {
		fn := e.onInit[0]
		if err := fn(); err != nil {
			return err
		}
		e.onInit = e.onInit[1:]
	}
	return nil
}

// Stop halts any isolated logic loop and unregisters the endpoint.
func (e *Endpoint) Stop() {
	if e.isolatedLogic != nil {
		e.isolatedLogic.Halt()
	}
	e.registry.Unregister(e.name)
}

// EndpointLogic returns the logic loop endpoint state is mutated on.
func (e *Endpoint) EndpointLogic() *logic.Logic {
	if e.isolatedLogic != nil {
		return e.isolatedLogic
	}
	return e.ctx.Logic
}

// RouterLogic returns the router's logic loop.
func (e *Endpoint) RouterLogic() *logic.Logic {
	return e.ctx.Logic
}

// GenTXID returns a transaction id not colliding with any in flight
// lookup.
func (e *Endpoint) GenTXID() uint64 {
	txid := e.ctx.Crypto.RandUint64()
	for {
		if _, ok := e.pendingLookups[txid]; !ok && txid != 0 {
			return txid
		}
		txid++
	}
}

// HasPathToService returns true when an outbound context exists.
func (e *Endpoint) HasPathToService(addr service.Address) bool {
	_, ok := e.remoteSessions[addr]
	return ok
}

// HasPendingPathToService returns true when an address lookup is in
// flight.
func (e *Endpoint) HasPendingPathToService(addr service.Address) bool {
	_, ok := e.pendingServiceLookups[addr]
	return ok
}

// PutLookup registers a pending lookup under its txid.
func (e *Endpoint) PutLookup(l *pendingLookup) {
	e.pendingLookups[l.txid] = l
}

func (e *Endpoint) sendLookup(l *pendingLookup, p *path.Path) bool {
	if p == nil {
		return false
	}
	if err := p.SendRoutingMessage(l.buildRequest()); err != nil {
		e.log.Errorf("%s lookup send failed: %v", l.name, err)
		return false
	}
	e.PutLookup(l)
	return true
}

// Tick drives the endpoint state machine.  It is invoked by the owning
// router on a fixed cadence, always on the endpoint logic loop.
func (e *Endpoint) Tick(now time.Time) {
	e.PathSet.Tick(now)
	// reset tx id for publish
	if now.Sub(e.LastPublishAttempt()) >= path.PublishRetryInterval {
		e.ClearPublishTX()
	}
	// publish descriptors
	if e.ShouldPublishDescriptors(now, e.introSet.HasExpiredIntros(now)) {
		intros, ok := e.GetCurrentIntroductions()
		if !ok {
			e.log.Warningf("no introductions to publish for %s", e.Name())
			if e.ShouldBuildMore() {
				e.ManualRebuild(1)
			}
			return
		}
		e.introSet.I = intros
		e.introSet.Topic = e.tag
		if err := e.identity.SignIntroSet(&e.introSet, now); err != nil {
			e.log.Warningf("failed to sign introset: %v", err)
			return
		}
		if e.publishIntroSet(now) {
			e.log.Infof("publishing introset for %s", e.Name())
		} else {
			e.log.Warningf("failed to publish introset for %s", e.Name())
		}
	}
	// expire pending lookups
	for txid, l := range e.pendingLookups {
		if l.timedOut(now) {
			delete(e.pendingLookups, txid)
			e.log.Infof("%s timed out txid=%d", l.name, txid)
			lookupTimeouts.Inc()
			l.onIntroSets(nil)
		}
	}
	// expire pending router lookups
	for id, job := range e.pendingRouters {
		if job.expired(now) {
			delete(e.pendingRouters, id)
			e.log.Infof("lookup for %s timed out", id)
		}
	}
	// prefetch addrs
	for addr := range e.prefetchAddrs {
		if e.HasPathToService(addr) {
			continue
		}
		if !e.EnsurePathToService(addr, e.alignBeep, DefaultLookupTimeout) {
			e.log.Warningf("failed to ensure path to %s", addr)
		}
	}
	// prefetch tags
	for tag := range e.prefetchTags {
		cached, ok := e.prefetchedTags[tag]
		if !ok {
			cached = newCachedTagResult(tag)
			e.prefetchedTags[tag] = cached
		}
		for _, is := range cached.result {
			addr := is.Addr()
			if e.HasPendingPathToService(addr) {
				continue
			}
			if e.HasPathToService(addr) {
				continue
			}
			if !e.EnsurePathToService(addr, e.alignBeep, DefaultLookupTimeout) {
				e.log.Warningf("failed to ensure path to %s for tag %s", addr, tag)
			}
		}
		cached.expire(now)
		if cached.shouldRefresh(now) {
			if p := e.PickRandomEstablishedPath(); p != nil {
				e.sendTagLookup(cached, p, now)
			}
		}
	}
	// tick remote sessions
	for addr, ctx := range e.remoteSessions {
		if ctx.Tick(now) {
			ctx.halt()
			delete(e.remoteSessions, addr)
		}
	}
}

// alignBeep sends a small liveness payload over a freshly aligned
// context, forcing the first frame handshake.
func (e *Endpoint) alignBeep(ctx *OutboundContext) {
	if ctx == nil {
		e.log.Warning("path align timed out")
		return
	}
	ctx.AsyncEncryptAndSendTo([]byte("BEEP"), service.ProtocolText)
}

func (e *Endpoint) sendTagLookup(cached *cachedTagResult, p *path.Path, now time.Time) {
	l := &pendingLookup{
		kind:      lookupTag,
		name:      "TagLookup",
		txid:      e.GenTXID(),
		tag:       cached.tag,
		startedAt: now,
		timeoutAt: now.Add(DefaultLookupTimeout),
		onIntroSets: func(sets []service.IntroSet) {
			cached.handleResponse(sets, e.Now())
		},
	}
	if e.sendLookup(l, p) {
		cached.lastRequest = now
	}
}

func (e *Endpoint) publishIntroSet(now time.Time) bool {
	target := e.identity.Addr().ToRouter()
	return e.PathSet.PublishIntroSet(target, now, func(txid uint64) path.Message {
		return &routing.DHTMessage{M: []dht.Message{
			&dht.PublishIntroMessage{
				IntroSet: e.introSet,
				TXID:     txid,
				R:        dht.PublishReplication,
			},
		}}
	})
}

// IntroSetPublished records a confirmed publish.
func (e *Endpoint) IntroSetPublished() {
	e.PathSet.IntroSetPublished(e.Now())
	introsetPublishes.Inc()
	e.log.Infof("%s introset publish confirmed", e.Name())
}

// IntroSetPublishFail records a rejected publish.  The retry interval
// still runs from the last attempt.
func (e *Endpoint) IntroSetPublishFail() {
	e.PathSet.IntroSetPublishFail()
	introsetPublishFails.Inc()
	e.log.Warningf("failed to publish introset for %s", e.Name())
}

// HandleGotIntroMessage processes a DHT introset response: publish
// confirmations for ourselves, results for pending lookups otherwise.
// An introset that fails signature verification is dropped from the
// batch before any routing decision, the remaining valid introsets still
// resolve the pending lookup.  Returns false when any entry was dropped.
func (e *Endpoint) HandleGotIntroMessage(msg *dht.GotIntroMessage) bool {
	var remote []service.IntroSet
	dropped := false
	self := e.identity.Public()
	for i := range msg.I {
		is := msg.I[i]
		if err := is.VerifySignature(); err != nil {
			e.log.Infof("invalid introset signature for %s", is.Addr())
			if self.Equal(&is.A) && e.CurrentPublishTX() == msg.T {
				e.IntroSetPublishFail()
			}
			dropped = true
			continue
		}
		if self.Equal(&is.A) && e.CurrentPublishTX() == msg.T {
			e.IntroSetPublished()
			return true
		}
		remote = append(remote, is)
	}
	l, ok := e.pendingLookups[msg.T]
	if !ok {
		if !dropped {
			e.log.Warningf("invalid lookup response for %s txid=%d", e.Name(), msg.T)
		}
		return !dropped
	}
	delete(e.pendingLookups, msg.T)
	l.onIntroSets(remote)
	return !dropped
}

// HandleGotRouterMessage processes a router lookup response, feeding the
// contact through async verification into the nodedb.
func (e *Endpoint) HandleGotRouterMessage(msg *dht.GotRouterMessage) bool {
	if len(msg.R) != 1 {
		return false
	}
	rc := msg.R[0]
	id := rc.ID()
	if _, ok := e.pendingRouters[id]; !ok {
		return false
	}
	delete(e.pendingRouters, id)
	e.ctx.NodeDB.AsyncVerify(&rc, e.ctx.Worker, e.RouterLogic(), nil)
	return true
}

// EnsureRouterIsKnown triggers a router lookup when id is not in the
// nodedb and no lookup for it is in flight.
func (e *Endpoint) EnsureRouterIsKnown(id router.RouterID) {
	if id.IsZero() {
		return
	}
	if e.ctx.NodeDB.Has(id) {
		return
	}
	if _, ok := e.pendingRouters[id]; ok {
		return
	}
	now := e.Now()
	l := &pendingLookup{
		kind:      lookupRouter,
		name:      "RouterLookup",
		txid:      e.GenTXID(),
		routerID:  id,
		startedAt: now,
		timeoutAt: now.Add(DefaultLookupTimeout),
		onIntroSets: func([]service.IntroSet) {
		},
	}
	p := e.GetEstablishedPathClosestTo(id)
	if p == nil {
		e.log.Errorf("failed to send request for router lookup")
		return
	}
	if err := p.SendRoutingMessage(l.buildRequest()); err != nil {
		e.log.Errorf("failed to send request for router lookup: %v", err)
		return
	}
	e.log.Infof("%s looking up %s", e.Name(), id)
	e.pendingRouters[id] = &routerLookupJob{
		startedAt: now,
		timeoutAt: now.Add(DefaultLookupTimeout),
	}
}

// PutNewOutboundContext creates a context for the introset's owner if
// absent and informs any pending service lookup hook.
func (e *Endpoint) PutNewOutboundContext(is *service.IntroSet) *OutboundContext {
	addr := is.Addr()
	if _, ok := e.remoteSessions[addr]; !ok {
		ctx := newOutboundContext(is, e)
		e.remoteSessions[addr] = ctx
		e.log.Infof("created new outbound context for %s", addr)
	}
	ctx := e.remoteSessions[addr]
	if hook, ok := e.pendingServiceLookups[addr]; ok {
		delete(e.pendingServiceLookups, addr)
		hook(ctx)
	}
	return ctx
}

// EnsurePathToService resolves remote's introset and aligns a path to
// one of its introductions.  hook fires with the context on success, with
// nil on timeout.  Returns false when no path exists for the lookup or a
// lookup for remote is already pending.
func (e *Endpoint) EnsurePathToService(remote service.Address, hook PathEnsureHook, timeout time.Duration) bool {
	p := e.GetEstablishedPathClosestTo(remote.ToRouter())
	if p == nil {
		e.log.Warning("no outbound path for lookup yet")
		return false
	}
	if ctx, ok := e.remoteSessions[remote]; ok {
		hook(ctx)
		return true
	}
	if _, ok := e.pendingServiceLookups[remote]; ok {
		e.log.Warningf("duplicate pending service lookup to %s", remote)
		return false
	}
	e.pendingServiceLookups[remote] = hook

	now := e.Now()
	l := &pendingLookup{
		kind:      lookupAddress,
		name:      "HSLookup",
		txid:      e.GenTXID(),
		addr:      remote,
		startedAt: now,
		timeoutAt: now.Add(timeout),
		onIntroSets: func(sets []service.IntroSet) {
			e.onOutboundLookup(remote, sets)
		},
	}
	if e.sendLookup(l, p) {
		return true
	}
	delete(e.pendingServiceLookups, remote)
	e.log.Error("send via path failed")
	return false
}

// onOutboundLookup resolves a hidden service address lookup.  An empty
// result set means the lookup timed out.
func (e *Endpoint) onOutboundLookup(remote service.Address, sets []service.IntroSet) {
	if len(sets) == 1 {
		e.log.Infof("hidden service lookup for %s success", remote)
		e.PutNewOutboundContext(&sets[0])
		return
	}
	e.log.Infof("no response in hidden service lookup for %s", remote)
	if hook, ok := e.pendingServiceLookups[remote]; ok {
		delete(e.pendingServiceLookups, remote)
		hook(nil)
	}
}

// lookupIntroSet issues an address lookup over the established path
// closest to addr.  Used by outbound contexts to refresh introsets.
func (e *Endpoint) lookupIntroSet(addr service.Address, handle func(*service.IntroSet)) bool {
	p := e.GetEstablishedPathClosestTo(addr.ToRouter())
	if p == nil {
		return false
	}
	now := e.Now()
	l := &pendingLookup{
		kind:      lookupAddress,
		name:      "HSUpdate",
		txid:      e.GenTXID(),
		addr:      addr,
		startedAt: now,
		timeoutAt: now.Add(DefaultLookupTimeout),
		onIntroSets: func(sets []service.IntroSet) {
			if len(sets) == 1 {
				handle(&sets[0])
			} else {
				handle(nil)
			}
		},
	}
	return e.sendLookup(l, p)
}

// HandlePathBuilt attaches the hidden service frame handler to a freshly
// established path.
func (e *Endpoint) HandlePathBuilt(p *path.Path) {
	p.SetDataHandler(func(m path.Message) error {
		frame, ok := m.(*service.ProtocolFrame)
		if !ok {
			return nil
		}
		return e.HandleHiddenServiceFrame(frame)
	})
}

// HandleHiddenServiceFrame dispatches an inbound frame: decrypt and
// verify on the worker pool, delivery on the endpoint logic loop.
func (e *Endpoint) HandleHiddenServiceFrame(frame *service.ProtocolFrame) error {
	job := &service.FrameDecrypt{
		Crypto:        e.ctx.Crypto,
		LocalIdentity: &e.identity,
		Frame:         frame,
		OnResult:      e.deliverFrame,
		OnError: func(err error) {
			droppedFrames.Inc()
			e.log.Warningf("dropping frame: %v", err)
		},
	}
	if len(frame.C) == 0 {
		key, ok := e.GetCachedSessionKeyFor(frame.T)
		if !ok {
			droppedFrames.Inc()
			e.log.Warning("no cached session key for inbound frame")
			return service.ErrDecrypt
		}
		sender, ok := e.GetSenderFor(frame.T)
		if !ok {
			droppedFrames.Inc()
			e.log.Warning("no sender for inbound frame")
			return service.ErrDecrypt
		}
		job.CachedKey = key
		job.Sender = sender
	}
	job.Run(e.ctx.Worker, e.EndpointLogic())
	return nil
}

// deliverFrame runs on the endpoint logic loop with a verified message.
func (e *Endpoint) deliverFrame(res *service.DecryptResult) {
	if res.NewSession {
		e.PutCachedSessionKeyFor(res.Tag, res.Shared)
		e.PutSenderFor(res.Tag, res.Msg.Sender)
		e.PutIntroFor(res.Tag, res.Msg.IntroReply)
	}
	s := e.sessionFor(res.Tag)
	if !s.replayCheck(res.Seq) {
		droppedFrames.Inc()
		e.log.Warningf("replayed frame on tag seq=%d", res.Seq)
		return
	}
	s.lastUsed = e.Now()
	if err := e.dataHandler.HandleDataMessage(res.Tag, res.Msg); err != nil {
		e.log.Warningf("data handler: %v", err)
	}
}

// HandleDataMessage is the default data handler, it only logs.
func (e *Endpoint) HandleDataMessage(tag service.ConvoTag, msg *service.ProtocolMessage) error {
	e.log.Infof("got %d bytes on conversation", len(msg.Payload))
	return nil
}
