// session.go - Conversation tag keyed session cache.
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
	"time"

	"github.com/llarp/go-llarp/crypto"
	"github.com/llarp/go-llarp/path"
	"github.com/llarp/go-llarp/service"
)

// replayWindow bounds out of order delivery per conversation.
const replayWindow = 16

// session is one tag keyed cache entry.  All access happens on the
// endpoint logic loop.
type session struct {
	remote    service.ServiceInfo
	intro     path.Introduction
	sharedKey crypto.SharedSecret
	hasKey    bool
	seqno     uint64
	lastUsed  time.Time

	replayHigh uint64
	replayMask uint16
}

// replayCheck records seq and reports whether it is fresh within the
// sliding window.
func (s *session) replayCheck(seq uint64) bool {
	if seq > s.replayHigh {
		shift := seq - s.replayHigh
		if shift >= replayWindow {
			s.replayMask = 0
		} else {
			s.replayMask <<= shift
		}
		s.replayMask |= 1
		s.replayHigh = seq
		return true
	}
	d := s.replayHigh - seq
	if d >= replayWindow {
		return false
	}
	bit := uint16(1) << d
	if s.replayMask&bit != 0 {
		return false
	}
	s.replayMask |= bit
	return true
}

func (e *Endpoint) sessionFor(tag service.ConvoTag) *session {
	s, ok := e.sessions[tag]
	if !ok {
		s = new(session)
		e.sessions[tag] = s
	}
	return s
}

// PutSenderFor records the remote identity of a conversation.
func (e *Endpoint) PutSenderFor(tag service.ConvoTag, info service.ServiceInfo) {
	s := e.sessionFor(tag)
	s.remote = info
	s.lastUsed = e.Now()
}

// GetSenderFor returns the remote identity of a conversation.
func (e *Endpoint) GetSenderFor(tag service.ConvoTag) (service.ServiceInfo, bool) {
	s, ok := e.sessions[tag]
	if !ok {
		return service.ServiceInfo{}, false
	}
	return s.remote, true
}

// PutIntroFor records the remote's reply introduction.
func (e *Endpoint) PutIntroFor(tag service.ConvoTag, intro path.Introduction) {
	s := e.sessionFor(tag)
	s.intro = intro
	s.lastUsed = e.Now()
}

// GetIntroFor returns the remote's reply introduction.
func (e *Endpoint) GetIntroFor(tag service.ConvoTag) (path.Introduction, bool) {
	s, ok := e.sessions[tag]
	if !ok {
		return path.Introduction{}, false
	}
	return s.intro, true
}

// PutCachedSessionKeyFor records the session key of a conversation.
func (e *Endpoint) PutCachedSessionKeyFor(tag service.ConvoTag, key crypto.SharedSecret) {
	s := e.sessionFor(tag)
	s.sharedKey = key
	s.hasKey = true
	s.lastUsed = e.Now()
}

// GetCachedSessionKeyFor returns the session key of a conversation.
func (e *Endpoint) GetCachedSessionKeyFor(tag service.ConvoTag) (crypto.SharedSecret, bool) {
	s, ok := e.sessions[tag]
	if !ok || !s.hasKey {
		return crypto.SharedSecret{}, false
	}
	return s.sharedKey, true
}

// GetConvoTagsForService returns every conversation tag open with info.
func (e *Endpoint) GetConvoTagsForService(info *service.ServiceInfo) []service.ConvoTag {
	var tags []service.ConvoTag
	for tag, s := range e.sessions {
		if s.remote.Equal(info) {
			tags = append(tags, tag)
		}
	}
	return tags
}

// GetSeqNoForConvo pre-increments and returns the conversation's send
// sequence number.  Returns 0 for unknown tags.
func (e *Endpoint) GetSeqNoForConvo(tag service.ConvoTag) uint64 {
	s, ok := e.sessions[tag]
	if !ok {
		return 0
	}
	s.seqno++
	return s.seqno
}
