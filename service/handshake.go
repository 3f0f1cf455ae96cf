// handshake.go - Asynchronous hybrid handshake jobs.
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

package service

import (
	"errors"

	"github.com/llarp/go-llarp/crypto"
	"github.com/llarp/go-llarp/path"
)

// JobQueue is the subset of a logic loop or worker pool used by the
// handshake jobs.
type JobQueue interface {
	Queue(func()) bool
}

// SessionStore is the conversation tag keyed session cache written on
// handshake completion.  Implementations are only touched from the logic
// loop.
type SessionStore interface {
	PutCachedSessionKeyFor(tag ConvoTag, key crypto.SharedSecret)
	PutIntroFor(tag ConvoTag, intro path.Introduction)
	PutSenderFor(tag ConvoTag, si ServiceInfo)
}

// ErrHandshake is returned when key derivation fails.
var ErrHandshake = errors.New("service: handshake failed")

// deriveShared computes H(K || DH(local, remote, nonce)).
func deriveShared(kemSecret []byte, dhSecret [crypto.SharedKeySize]byte) crypto.SharedSecret {
	var tmp [2 * crypto.SharedKeySize]byte
	copy(tmp[:crypto.SharedKeySize], kemSecret)
	copy(tmp[crypto.SharedKeySize:], dhSecret[:])
	return crypto.SharedSecret(crypto.Shorthash(tmp[:]))
}

// IntroGen is the first frame handshake job.  All fields are immutable
// inputs, work runs on the worker pool and posts exactly one completion
// onto the logic loop.  The completion writes the session cache and hands
// the finished frame to Send.
type IntroGen struct {
	// Crypto is the primitive suite.
	Crypto *crypto.Context

	// Remote is the destination's verified service info.
	Remote ServiceInfo

	// RemotePQ is the destination's introset receiver KEM key.
	RemotePQ []byte

	// LocalIdentity signs and key-exchanges on our behalf.
	LocalIdentity *Identity

	// IntroReply is our introduction for the remote to reply through.
	IntroReply path.Introduction

	// Payload and Proto form the first message body.
	Payload []byte
	Proto   ProtocolType

	// Store receives the new session on the logic loop.
	Store SessionStore

	// Send receives the finished frame on the logic loop.
	Send func(*ProtocolFrame)

	// OnShared observes the derived key and tag on the logic loop,
	// before Send.  Optional.
	OnShared func(tag ConvoTag, key crypto.SharedSecret)

	// OnError observes derivation failure on the logic loop.  Optional.
	OnError func(error)
}

// Run queues the job: derivation on pool, completion on loop.
func (g *IntroGen) Run(pool, loop JobQueue) {
	pool.Queue(func() {
		frame, msg, shared, err := g.work()
		loop.Queue(func() {
			if err != nil {
				if g.OnError != nil {
					g.OnError(err)
				}
				return
			}
			g.Store.PutCachedSessionKeyFor(msg.Tag, shared)
			g.Store.PutIntroFor(msg.Tag, msg.IntroReply)
			g.Store.PutSenderFor(msg.Tag, g.Remote)
			if g.OnShared != nil {
				g.OnShared(msg.Tag, shared)
			}
			g.Send(frame)
		})
	})
}

func (g *IntroGen) work() (*ProtocolFrame, *ProtocolMessage, crypto.SharedSecret, error) {
	var shared crypto.SharedSecret
	remotePQ, err := g.Crypto.PQE.UnmarshalBinaryPublicKey(g.RemotePQ)
	if err != nil {
		return nil, nil, shared, ErrHandshake
	}
	frame := new(ProtocolFrame)

	// KEM leg.
	ct, kemSecret, err := g.Crypto.PQE.Encapsulate(remotePQ)
	if err != nil {
		return nil, nil, shared, ErrHandshake
	}
	frame.C = ct
	g.Crypto.Randomize(frame.N[:])

	// Classical leg, keyed by the frame nonce.
	dhSecret, err := g.LocalIdentity.KeyExchange(&g.Remote, frame.N)
	if err != nil {
		return nil, nil, shared, ErrHandshake
	}
	shared = deriveShared(kemSecret, dhSecret)

	msg := &ProtocolMessage{
		Proto:      g.Proto,
		Sender:     g.LocalIdentity.Public(),
		IntroReply: g.IntroReply,
		Payload:    g.Payload,
	}
	g.Crypto.Randomize(msg.Tag[:])
	frame.T = msg.Tag

	// The first frame is sealed under the KEM secret, the derived shared
	// key takes over on subsequent frames of this tag.
	var kemKey [crypto.SharedKeySize]byte
	copy(kemKey[:], kemSecret)
	if err := frame.EncryptAndSign(msg, kemKey, g.LocalIdentity); err != nil {
		return nil, nil, shared, err
	}
	return frame, msg, shared, nil
}

// DecryptResult is the outcome of an inbound frame decrypt job.
type DecryptResult struct {
	// Msg is the verified inner message.
	Msg *ProtocolMessage

	// Tag is the conversation tag the frame arrived on.
	Tag ConvoTag

	// Seq is the frame sequence number.
	Seq uint64

	// NewSession is true when the frame carried a KEM ciphertext and a
	// fresh session was derived.
	NewSession bool

	// Shared is the session key; only meaningful when NewSession.
	Shared crypto.SharedSecret
}

// FrameDecrypt is the inbound frame job.  For a first frame the receiver
// decapsulates and derives the session; for subsequent frames the caller
// resolves CachedKey and Sender from its session cache before queueing.
type FrameDecrypt struct {
	Crypto        *crypto.Context
	LocalIdentity *Identity
	Frame         *ProtocolFrame

	// CachedKey and Sender are set for frames without a KEM ciphertext.
	CachedKey crypto.SharedSecret
	Sender    ServiceInfo

	// OnResult receives the verified message on the logic loop.
	OnResult func(*DecryptResult)

	// OnError observes failure on the logic loop.  Optional.
	OnError func(error)
}

// Run queues the job: decrypt and verify on pool, completion on loop.
func (d *FrameDecrypt) Run(pool, loop JobQueue) {
	pool.Queue(func() {
		res, err := d.work()
		loop.Queue(func() {
			if err != nil {
				if d.OnError != nil {
					d.OnError(err)
				}
				return
			}
			d.OnResult(res)
		})
	})
}

func (d *FrameDecrypt) work() (*DecryptResult, error) {
	f := d.Frame
	if len(f.C) != 0 {
		return d.workFirstFrame()
	}

	msg, err := f.Decrypt([crypto.SharedKeySize]byte(d.CachedKey))
	if err != nil {
		return nil, err
	}
	if err := f.VerifySignature(&d.Sender); err != nil {
		return nil, err
	}
	if !msg.Sender.Equal(&d.Sender) {
		return nil, ErrFrameSignature
	}
	return &DecryptResult{Msg: msg, Tag: f.T, Seq: f.S}, nil
}

func (d *FrameDecrypt) workFirstFrame() (*DecryptResult, error) {
	f := d.Frame
	kemSecret, err := d.LocalIdentity.DecapsulateKEM(d.Crypto, f.C)
	if err != nil {
		return nil, ErrHandshake
	}
	var kemKey [crypto.SharedKeySize]byte
	copy(kemKey[:], kemSecret)
	msg, err := f.Decrypt(kemKey)
	if err != nil {
		return nil, err
	}
	if err := f.VerifySignature(&msg.Sender); err != nil {
		return nil, err
	}
	dhSecret, err := d.LocalIdentity.KeyExchange(&msg.Sender, f.N)
	if err != nil {
		return nil, ErrHandshake
	}
	shared := deriveShared(kemSecret, dhSecret)
	return &DecryptResult{
		Msg:        msg,
		Tag:        msg.Tag,
		Seq:        f.S,
		NewSession: true,
		Shared:     shared,
	}, nil
}
