// outbound.go - Per remote path alignment state machine.
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

package endpoint

import (
	"bytes"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/llarp/go-llarp/crypto"
	"github.com/llarp/go-llarp/path"
	"github.com/llarp/go-llarp/router"
	"github.com/llarp/go-llarp/routing"
	"github.com/llarp/go-llarp/service"
)

const (
	// outboundNumPaths is the subordinate pool size of one context.
	outboundNumPaths = 2

	// introShiftSlack shifts the selected introduction this long before
	// it expires.
	introShiftSlack = 30 * time.Second

	// refreshGrace is how long an introset refresh may keep failing on a
	// set carrying an expired introduction before the context is dropped.
	refreshGrace = time.Minute

	// keepaliveWindow is how long a context without traffic survives
	// once its introset carries an expired introduction.
	keepaliveWindow = time.Minute
)

// ContextState is the alignment state of an outbound context.
type ContextState int

const (
	StateNoIntroSelected ContextState = iota
	StateIntroSelectedBuilding
	StateReady
	StateHandshakeInFlight
	StateEstablished
	StateDraining
)

func (s ContextState) String() string {
	switch s {
	case StateNoIntroSelected:
		return "no-intro"
	case StateIntroSelectedBuilding:
		return "building"
	case StateReady:
		return "ready"
	case StateHandshakeInFlight:
		return "handshake"
	case StateEstablished:
		return "established"
	case StateDraining:
		return "draining"
	default:
		return "unknown"
	}
}

// OutboundContext aligns a subordinate path pool with one introduction of
// a remote hidden service and owns the session keying toward it.  It
// holds its parent endpoint by (registry, name), never by reference.
type OutboundContext struct {
	*path.PathSet

	registry   *Registry
	parentName string
	log        *logging.Logger

	currentIntroSet service.IntroSet
	selectedIntro   path.Introduction
	remoteAddr      service.Address

	sharedKey  crypto.SharedSecret
	currentTag service.ConvoTag
	sequenceNo uint64
	state      ContextState

	lastTraffic     time.Time
	refreshingSince time.Time

	builder path.Builder
}

func newOutboundContext(is *service.IntroSet, parent *Endpoint) *OutboundContext {
	o := &OutboundContext{
		PathSet:         path.NewPathSet(outboundNumPaths),
		registry:        parent.registry,
		parentName:      parent.name,
		log:             parent.ctx.Log.GetLogger("outbound/" + is.Addr().String()),
		currentIntroSet: *is,
		remoteAddr:      is.Addr(),
		state:           StateNoIntroSelected,
		lastTraffic:     parent.Now(),
	}
	o.PathSet.OnPathBuilt(o.HandlePathBuilt)
	o.ShiftIntroduction()
	return o
}

// parent resolves the owning endpoint, nil when it is gone.
func (o *OutboundContext) parent() *Endpoint {
	return o.registry.Get(o.parentName)
}

// State returns the alignment state.
func (o *OutboundContext) State() ContextState {
	return o.state
}

// SelectedIntro returns the introduction the context aligns to.
func (o *OutboundContext) SelectedIntro() path.Introduction {
	return o.selectedIntro
}

// CurrentIntroSet returns the remote's latest verified introset.
func (o *OutboundContext) CurrentIntroSet() *service.IntroSet {
	return &o.currentIntroSet
}

// SetBuilder binds the external builder for the subordinate pool.
func (o *OutboundContext) SetBuilder(b path.Builder) {
	o.builder = b
	o.PathSet.SetBuilder(b)
}

// ManualRebuild asks the builder for n more aligned paths.
func (o *OutboundContext) ManualRebuild(n int) {
	if o.builder != nil {
		o.builder.ManualRebuild(n)
	}
}

// Name names the context for logs.
func (o *OutboundContext) Name() string {
	return "OBContext:" + o.parentName + "-" + o.remoteAddr.String()
}

// OnIntroSetUpdate folds in a fresh introset.  Only strictly newer sets
// are accepted, stale responses are dropped.
func (o *OutboundContext) OnIntroSetUpdate(is *service.IntroSet) {
	if is == nil {
		return
	}
	o.refreshingSince = time.Time{}
	if is.IsNewerThan(&o.currentIntroSet) {
		o.currentIntroSet = *is
	}
}

// ShiftIntroduction selects the introduction with the greatest remaining
// lifetime out of the current introset and rebuilds the subordinate pool
// toward its router.  Ties break on path id order.  The selection is a
// pure function of currentIntroSet.I so that a refreshed set always
// displaces a selection that is no longer a member of it.
func (o *OutboundContext) ShiftIntroduction() {
	p := o.parent()
	if len(o.currentIntroSet.I) > 0 {
		best := o.currentIntroSet.I[0]
		for _, intro := range o.currentIntroSet.I[1:] {
			if intro.ExpiresAt.After(best.ExpiresAt) ||
				(intro.ExpiresAt.Equal(best.ExpiresAt) &&
					bytes.Compare(intro.PathID[:], best.PathID[:]) < 0) {
				best = intro
			}
		}
		o.selectedIntro = best
	}
	if p != nil && !o.selectedIntro.Router.IsZero() {
		p.EnsureRouterIsKnown(o.selectedIntro.Router)
	}
	if o.state == StateNoIntroSelected && !o.selectedIntro.Router.IsZero() {
		o.state = StateIntroSelectedBuilding
	}
	o.ManualRebuild(outboundNumPaths)
}

// HandlePathBuilt attaches frame handling and marks the context ready
// when an aligned path is up.
func (o *OutboundContext) HandlePathBuilt(p *path.Path) {
	p.SetDataHandler(func(m path.Message) error {
		frame, ok := m.(*service.ProtocolFrame)
		if !ok {
			return nil
		}
		return o.HandleHiddenServiceFrame(frame)
	})
	if p.Endpoint == o.selectedIntro.Router && o.state == StateIntroSelectedBuilding {
		o.state = StateReady
	}
}

// HandleHiddenServiceFrame forwards inbound frames to the parent.
func (o *OutboundContext) HandleHiddenServiceFrame(frame *service.ProtocolFrame) error {
	p := o.parent()
	if p == nil {
		return nil
	}
	return p.HandleHiddenServiceFrame(frame)
}

// UpdateIntroSet issues a fresh introset lookup for the remote over the
// established path closest to its address.
func (o *OutboundContext) UpdateIntroSet() {
	p := o.parent()
	if p == nil {
		return
	}
	if o.refreshingSince.IsZero() {
		o.refreshingSince = p.Now()
	}
	reg, name, addr := o.registry, o.parentName, o.remoteAddr
	ok := p.lookupIntroSet(addr, func(is *service.IntroSet) {
		// The context may have drained while the lookup was in
		// flight, resolve it again by identifier.
		parent := reg.Get(name)
		if parent == nil {
			return
		}
		ctx, live := parent.remoteSessions[addr]
		if !live {
			return
		}
		ctx.OnIntroSetUpdate(is)
	})
	if !ok {
		o.log.Warningf("cannot update introset, no path for outbound session to %s", addr)
	}
}

// Tick returns true when the context should be dropped: its introset
// carries at least one expired introduction and neither refresh nor
// traffic has revived it within the grace windows.
func (o *OutboundContext) Tick(now time.Time) bool {
	p := o.parent()
	if p == nil {
		return true
	}
	if o.currentIntroSet.HasExpiredIntros(now) {
		if !o.refreshingSince.IsZero() &&
			now.Sub(o.refreshingSince) > refreshGrace &&
			now.Sub(o.lastTraffic) > keepaliveWindow {
			o.state = StateDraining
			return true
		}
		o.UpdateIntroSet()
	}
	if o.selectedIntro.Expired(now) || o.selectedIntro.ExpiresAt.Sub(now) < introShiftSlack {
		o.UpdateIntroSet()
		o.ShiftIntroduction()
	}
	p.EnsureRouterIsKnown(o.selectedIntro.Router)
	o.PathSet.Tick(now)
	return false
}

// halt marks the context draining after Tick signalled it should be
// dropped.
func (o *OutboundContext) halt() {
	o.state = StateDraining
}

// SelectHop forces the terminal hop onto the selected introduction's
// router, delegating everything else to default selection against the
// nodedb.
func (o *OutboundContext) SelectHop(prev *router.RouterContact, hop, numHops int) (*router.RouterContact, error) {
	p := o.parent()
	if p == nil {
		return nil, ErrNoPath
	}
	if hop == numHops-1 {
		rc, ok := p.ctx.NodeDB.Get(o.selectedIntro.Router)
		if !ok {
			o.log.Errorf("cannot build aligned path, no contact for introduction router %s", o.selectedIntro.Router)
			p.EnsureRouterIsKnown(o.selectedIntro.Router)
			return nil, ErrUnknownRouter
		}
		return rc, nil
	}
	exclude := make(map[router.RouterID]bool)
	if prev != nil {
		exclude[prev.ID()] = true
	}
	exclude[o.selectedIntro.Router] = true
	rc := p.ctx.NodeDB.PickRandom(exclude)
	if rc == nil {
		return nil, ErrUnknownRouter
	}
	return rc, nil
}

// AsyncEncryptAndSendTo sends payload to the remote, running the first
// frame handshake when no session exists yet.
func (o *OutboundContext) AsyncEncryptAndSendTo(payload []byte, proto service.ProtocolType) {
	p := o.parent()
	if p == nil {
		return
	}
	pth := o.GetPathByRouter(o.selectedIntro.Router)
	if pth == nil {
		o.log.Errorf("no path to %s yet", o.selectedIntro.Router)
		return
	}
	o.lastTraffic = p.Now()
	if o.sequenceNo != 0 {
		o.encryptAndSendTo(pth, payload, proto)
	} else {
		o.asyncGenIntro(pth, payload, proto)
	}
}

// asyncGenIntro runs the hybrid handshake off thread and sends the
// resulting first frame.
func (o *OutboundContext) asyncGenIntro(pth *path.Path, payload []byte, proto service.ProtocolType) {
	p := o.parent()
	if p == nil {
		return
	}
	o.state = StateHandshakeInFlight
	reg, name, addr := o.registry, o.parentName, o.remoteAddr
	gen := &service.IntroGen{
		Crypto:        p.ctx.Crypto,
		Remote:        o.currentIntroSet.A,
		RemotePQ:      o.currentIntroSet.K,
		LocalIdentity: &p.identity,
		IntroReply:    pth.Intro(),
		Payload:       payload,
		Proto:         proto,
		Store:         p,
		OnShared: func(tag service.ConvoTag, key crypto.SharedSecret) {
			parent := reg.Get(name)
			if parent == nil {
				return
			}
			ctx, live := parent.remoteSessions[addr]
			if !live {
				// Stale completion for a drained context.
				return
			}
			ctx.sharedKey = key
			ctx.currentTag = tag
			ctx.sequenceNo = 1
			ctx.state = StateEstablished
		},
		Send: func(frame *service.ProtocolFrame) {
			parent := reg.Get(name)
			if parent == nil {
				return
			}
			ctx, live := parent.remoteSessions[addr]
			if !live {
				return
			}
			ctx.Send(frame)
		},
		OnError: func(err error) {
			parent := reg.Get(name)
			if parent == nil {
				return
			}
			if ctx, live := parent.remoteSessions[addr]; live {
				ctx.state = StateReady
				ctx.log.Errorf("handshake failed: %v", err)
			}
		},
	}
	gen.Run(p.ctx.Worker, p.EndpointLogic())
}

// encryptAndSendTo seals payload under the cached session key and sends
// it as a subsequent frame.
func (o *OutboundContext) encryptAndSendTo(pth *path.Path, payload []byte, proto service.ProtocolType) {
	p := o.parent()
	if p == nil {
		return
	}
	tag := o.currentTag
	if tag.IsZero() {
		tags := p.GetConvoTagsForService(&o.currentIntroSet.A)
		if len(tags) == 0 {
			o.log.Error("no open conversations with remote endpoint")
			return
		}
		tag = tags[0]
	}
	key, ok := p.GetCachedSessionKeyFor(tag)
	if !ok {
		o.log.Error("no cached session key")
		return
	}
	frame := &service.ProtocolFrame{
		T: tag,
		S: p.GetSeqNoForConvo(tag),
	}
	p.ctx.Crypto.Randomize(frame.N[:])
	msg := &service.ProtocolMessage{
		Tag:        tag,
		Proto:      proto,
		Sender:     p.identity.Public(),
		IntroReply: pth.Intro(),
		Payload:    payload,
	}
	if err := frame.EncryptAndSign(msg, key, &p.identity); err != nil {
		o.log.Errorf("failed to encrypt and sign: %v", err)
		return
	}
	o.sendFrame(frame)
}

// Send transmits an already encrypted frame toward the selected
// introduction, re-checking introset freshness first.
func (o *OutboundContext) Send(frame *service.ProtocolFrame) {
	p := o.parent()
	if p == nil {
		return
	}
	now := p.Now()
	if o.currentIntroSet.HasExpiredIntros(now) {
		o.UpdateIntroSet()
	}
	if o.selectedIntro.Expired(now) {
		o.ShiftIntroduction()
	}
	o.sendFrame(frame)
}

func (o *OutboundContext) sendFrame(frame *service.ProtocolFrame) {
	p := o.parent()
	if p == nil {
		return
	}
	pth := o.GetPathByRouter(o.selectedIntro.Router)
	if pth == nil {
		o.log.Warningf("no path to %s", o.selectedIntro.Router)
		return
	}
	transfer := &routing.PathTransferMessage{
		T: *frame,
		P: o.selectedIntro.PathID,
	}
	p.ctx.Crypto.Randomize(transfer.Y[:])
	o.log.Debugf("sending frame via %s to %s for %s", pth.Upstream, pth.Endpoint, o.Name())
	if err := pth.SendRoutingMessage(transfer); err != nil {
		o.log.Errorf("failed to send frame on path: %v", err)
	}
}
