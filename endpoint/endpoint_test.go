// endpoint_test.go - Endpoint state machine tests.
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
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"github.com/stretchr/testify/require"

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

func testContext(t *testing.T) *Context {
	backend := log.NewDiscard()
	db, err := nodedb.Open(filepath.Join(t.TempDir(), "nodedb.db"), backend)
	require.NoError(t, err)
	loop := logic.NewLogic()
	pool := logic.NewPool(2)
	t.Cleanup(func() {
		pool.Halt()
		loop.Halt()
		db.Close()
	})
	return &Context{
		Log:    backend,
		Crypto: crypto.New(),
		NodeDB: db,
		Logic:  loop,
		Worker: pool,
	}
}

func testEndpoint(t *testing.T, name string) (*Endpoint, *Registry) {
	reg := NewRegistry()
	e := New(name, testContext(t), reg)
	require.NoError(t, e.Start())
	return e, reg
}

func testRouterID(t *testing.T) router.RouterID {
	var id router.RouterID
	_, err := io.ReadFull(rand.Reader, id[:])
	require.NoError(t, err)
	return id
}

func testPathID(t *testing.T) path.PathID {
	var id path.PathID
	_, err := io.ReadFull(rand.Reader, id[:])
	require.NoError(t, err)
	return id
}

// addEstablishedPath wires an established path with a transport capture
// channel into the set.
func addEstablishedPath(t *testing.T, s *path.PathSet, now time.Time) (*path.Path, chan path.Message) {
	p := path.NewPath(testRouterID(t), testRouterID(t), testPathID(t), 10*time.Minute, now)
	require.NoError(t, s.AddPath(p))
	s.HandlePathBuilt(p, now)
	sent := make(chan path.Message, 16)
	p.BindTransport(func(m path.Message) error {
		sent <- m
		return nil
	})
	return p, sent
}

func remoteIntroSet(t *testing.T, now time.Time, expiries ...time.Duration) (*service.Identity, *service.IntroSet) {
	id := new(service.Identity)
	require.NoError(t, id.RegenerateKeys(crypto.New()))
	is := new(service.IntroSet)
	for _, d := range expiries {
		is.I = append(is.I, path.Introduction{
			Router:    testRouterID(t),
			PathID:    testPathID(t),
			ExpiresAt: now.Add(d),
		})
	}
	require.NoError(t, id.SignIntroSet(is, now))
	return id, is
}

func drainDHT(t *testing.T, sent chan path.Message) *routing.DHTMessage {
	select {
	case m := <-sent:
		dm, ok := m.(*routing.DHTMessage)
		require.True(t, ok)
		return dm
	default:
		t.Fatal("no message sent")
		return nil
	}
}

func TestColdPublish(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	e, _ := testEndpoint(t, "cold")
	now := time.Now()
	e.Now = func() time.Time { return now }

	// no paths: nothing to publish yet
	e.Tick(now)
	require.Zero(e.CurrentPublishTX())

	_, sent := addEstablishedPath(t, e.PathSet, now)

	e.Tick(now.Add(time.Second))
	tx := e.CurrentPublishTX()
	require.NotZero(tx)

	dm := drainDHT(t, sent)
	require.Len(dm.M, 1)
	pub, ok := dm.M[0].(*dht.PublishIntroMessage)
	require.True(ok)
	require.Equal(tx, pub.TXID)
	require.Equal(uint64(dht.PublishReplication), pub.R)
	require.NotEmpty(pub.IntroSet.I)
	require.NoError(pub.IntroSet.VerifySignature())

	// only one publish in flight across further ticks
	e.Tick(now.Add(2 * time.Second))
	e.Tick(now.Add(3 * time.Second))
	require.Equal(tx, e.CurrentPublishTX())
	select {
	case m := <-sent:
		t.Fatalf("unexpected second publish: %T", m)
	default:
	}

	// matching confirmation completes the transaction
	require.True(e.HandleGotIntroMessage(&dht.GotIntroMessage{
		T: tx,
		I: []service.IntroSet{pub.IntroSet},
	}))
	require.Zero(e.CurrentPublishTX())
	require.Equal(now.Truncate(0), e.LastPublish().Truncate(0))
}

func TestPublishConfirmBadSignature(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	e, _ := testEndpoint(t, "badsig")
	now := time.Now()
	e.Now = func() time.Time { return now }

	_, sent := addEstablishedPath(t, e.PathSet, now)
	e.Tick(now)
	tx := e.CurrentPublishTX()
	require.NotZero(tx)
	dm := drainDHT(t, sent)
	pub := dm.M[0].(*dht.PublishIntroMessage)
	attempt := e.LastPublishAttempt()

	bad := pub.IntroSet
	bad.Z = append([]byte(nil), bad.Z...)
	bad.Z[0] ^= 0xff
	require.False(e.HandleGotIntroMessage(&dht.GotIntroMessage{
		T: tx,
		I: []service.IntroSet{bad},
	}))

	// publish failed: txid cleared, attempt timestamp untouched so the
	// retry interval still gates
	require.Zero(e.CurrentPublishTX())
	require.True(e.LastPublish().IsZero())
	require.Equal(attempt, e.LastPublishAttempt())
}

func TestLookupTimeout(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	e, _ := testEndpoint(t, "timeout")
	now := time.Now()
	e.Now = func() time.Time { return now }
	addEstablishedPath(t, e.PathSet, now)

	var addr service.Address
	addr[0] = 0xaa

	var results []*OutboundContext
	ok := e.EnsurePathToService(addr, func(ctx *OutboundContext) {
		results = append(results, ctx)
	}, DefaultLookupTimeout)
	require.True(ok)
	require.True(e.HasPendingPathToService(addr))

	// not yet expired
	e.Tick(now.Add(9 * time.Second))
	require.Empty(results)

	now = now.Add(DefaultLookupTimeout)
	e.Tick(now)
	require.Len(results, 1)
	require.Nil(results[0])
	require.False(e.HasPendingPathToService(addr))
	require.Empty(e.pendingLookups)
}

func TestDuplicateLookup(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	e, _ := testEndpoint(t, "dup")
	now := time.Now()
	e.Now = func() time.Time { return now }
	_, sent := addEstablishedPath(t, e.PathSet, now)

	_, is := remoteIntroSet(t, now, 15*time.Minute)
	addr := is.Addr()

	h1 := 0
	h2 := 0
	require.True(e.EnsurePathToService(addr, func(ctx *OutboundContext) {
		require.NotNil(ctx)
		h1++
	}, DefaultLookupTimeout))
	require.False(e.EnsurePathToService(addr, func(*OutboundContext) {
		h2++
	}, DefaultLookupTimeout))

	dm := drainDHT(t, sent)
	find := dm.M[0].(*dht.FindIntroMessage)
	require.Equal(addr, find.Addr)
	require.Equal(uint64(dht.FindIntroRecursion), find.R)

	// resolution fires exactly the first hook
	require.True(e.HandleGotIntroMessage(&dht.GotIntroMessage{
		T: find.TXID,
		I: []service.IntroSet{*is},
	}))
	require.Equal(1, h1)
	require.Equal(0, h2)
	require.True(e.HasPathToService(addr))
}

func TestLookupResolvesWithValidSubset(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	e, _ := testEndpoint(t, "subset")
	now := time.Now()
	e.Now = func() time.Time { return now }

	_, good := remoteIntroSet(t, now, 15*time.Minute)
	_, bad := remoteIntroSet(t, now, 15*time.Minute)
	bad.Z = append([]byte(nil), bad.Z...)
	bad.Z[0] ^= 0xff

	var got []service.IntroSet
	fired := 0
	l := &pendingLookup{
		kind:      lookupTag,
		name:      "TagLookup",
		txid:      e.GenTXID(),
		startedAt: now,
		timeoutAt: now.Add(DefaultLookupTimeout),
		onIntroSets: func(sets []service.IntroSet) {
			got = sets
			fired++
		},
	}
	e.PutLookup(l)

	// one bad entry only drops itself, the valid remainder still
	// resolves the lookup
	require.False(e.HandleGotIntroMessage(&dht.GotIntroMessage{
		T: l.txid,
		I: []service.IntroSet{*bad, *good},
	}))
	require.Equal(1, fired)
	require.Len(got, 1)
	require.Equal(good.Addr(), got[0].Addr())
	require.Empty(e.pendingLookups)
}

func TestEnsurePathToServiceNoPath(t *testing.T) {
	t.Parallel()
	e, _ := testEndpoint(t, "nopath")
	var addr service.Address
	require.False(t, e.EnsurePathToService(addr, func(*OutboundContext) {}, DefaultLookupTimeout))
}

func TestEnsurePathToServiceExistingSession(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	e, _ := testEndpoint(t, "existing")
	now := time.Now()
	e.Now = func() time.Time { return now }
	addEstablishedPath(t, e.PathSet, now)

	_, is := remoteIntroSet(t, now, 15*time.Minute)
	ctx := e.PutNewOutboundContext(is)
	require.NotNil(ctx)

	fired := 0
	require.True(e.EnsurePathToService(is.Addr(), func(got *OutboundContext) {
		require.Same(ctx, got)
		fired++
	}, DefaultLookupTimeout))
	require.Equal(1, fired)
}

func TestPutNewOutboundContextIdempotent(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	e, _ := testEndpoint(t, "idem")
	now := time.Now()
	e.Now = func() time.Time { return now }

	_, is := remoteIntroSet(t, now, 15*time.Minute)
	first := e.PutNewOutboundContext(is)
	second := e.PutNewOutboundContext(is)
	require.Same(first, second)
	require.Len(e.remoteSessions, 1)
}

func TestSeqNoMonotone(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	e, _ := testEndpoint(t, "seqno")
	var tag service.ConvoTag
	tag[0] = 1

	// unknown tags yield zero
	require.Zero(e.GetSeqNoForConvo(tag))

	e.PutCachedSessionKeyFor(tag, crypto.SharedSecret{})
	last := uint64(0)
	for i := 0; i < 10; i++ {
		got := e.GetSeqNoForConvo(tag)
		require.Greater(got, last)
		last = got
	}
	require.Equal(uint64(10), last)
}

func TestConvoTagsForService(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	e, _ := testEndpoint(t, "tags")
	now := time.Now()

	remote, _ := remoteIntroSet(t, now, 15*time.Minute)
	other, _ := remoteIntroSet(t, now, 15*time.Minute)

	var t1, t2, t3 service.ConvoTag
	t1[0], t2[0], t3[0] = 1, 2, 3
	e.PutSenderFor(t1, remote.Public())
	e.PutSenderFor(t2, remote.Public())
	e.PutSenderFor(t3, other.Public())

	pub := remote.Public()
	tags := e.GetConvoTagsForService(&pub)
	require.Len(tags, 2)
	require.ElementsMatch([]service.ConvoTag{t1, t2}, tags)
}

func TestReplayWindow(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	s := new(session)
	require.True(s.replayCheck(1))
	require.False(s.replayCheck(1))
	require.True(s.replayCheck(3))
	require.True(s.replayCheck(2))
	require.False(s.replayCheck(2))
	require.True(s.replayCheck(40))
	// fell out of the window
	require.False(s.replayCheck(3))
	require.True(s.replayCheck(39))
}

func TestSetOptionSurface(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	reg := NewRegistry()
	e := New("opts", testContext(t), reg)

	require.True(e.SetOption("keyfile", filepath.Join(t.TempDir(), "id.key")))
	require.True(e.SetOption("tag", "chat"))
	require.True(e.SetOption("prefetch-tag", "chat"))
	require.True(e.SetOption("prefetch-addr", "definitely not an address"))
	require.True(e.SetOption("no-such-key", "ignored"))
	require.True(e.SetOption("netns", "testns"))

	require.Empty(e.prefetchAddrs)
	require.Len(e.prefetchTags, 1)
	require.NoError(e.Start())
	require.NotNil(e.isolatedLogic)
	require.NotSame(e.RouterLogic(), e.EndpointLogic())
	e.Stop()

	// a valid prefetch-addr parses
	var addr service.Address
	addr[0] = 0x7f
	e2 := New("opts2", testContext(t), reg)
	require.True(e2.SetOption("prefetch-addr", addr.String()))
	require.Len(e2.prefetchAddrs, 1)
}

func TestRouterLookupFlow(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	e, _ := testEndpoint(t, "routers")
	now := time.Now()
	e.Now = func() time.Time { return now }
	_, sent := addEstablishedPath(t, e.PathSet, now)

	target := testRouterID(t)
	e.EnsureRouterIsKnown(target)
	require.Contains(e.pendingRouters, target)

	dm := drainDHT(t, sent)
	find, ok := dm.M[0].(*dht.FindRouterMessage)
	require.True(ok)
	require.Equal(target, find.Key)

	// duplicate requests are suppressed while pending
	e.EnsureRouterIsKnown(target)
	select {
	case <-sent:
		t.Fatal("duplicate router lookup sent")
	default:
	}

	// expiry reaps the pending entry
	now = now.Add(DefaultLookupTimeout)
	e.Tick(now)
	require.NotContains(e.pendingRouters, target)
}
