// nodedb.go - Router contact database.
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

// Package nodedb stores verified router contacts.  The store is process
// wide, reads happen from the logic loops, writes are serialized through
// AsyncVerify completions.
package nodedb

import (
	"github.com/katzenpost/hpqc/rand"

	"github.com/llarp/go-llarp/core/log"
	"github.com/llarp/go-llarp/router"

	bolt "go.etcd.io/bbolt"
	"gopkg.in/op/go-logging.v1"
)

var routersBucket = []byte("routers")

// JobQueue is the subset of a logic loop or worker pool that the nodedb
// posts jobs onto.
type JobQueue interface {
	Queue(func()) bool
}

// DB is a bbolt backed router contact store.
type DB struct {
	db  *bolt.DB
	log *logging.Logger
}

// Open opens or creates the database at path.
func Open(path string, logBackend *log.Backend) (*DB, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(routersBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &DB{
		db:  db,
		log: logBackend.GetLogger("nodedb"),
	}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Get returns the router contact for id if we have it.
func (d *DB) Get(id router.RouterID) (*router.RouterContact, bool) {
	var rc *router.RouterContact
	err := d.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(routersBucket).Get(id[:])
		if raw == nil {
			return nil
		}
		rc = new(router.RouterContact)
		return rc.Unmarshal(raw)
	})
	if err != nil {
		d.log.Warningf("failed to load contact %s: %v", id, err)
		return nil, false
	}
	return rc, rc != nil
}

// Has returns true if a contact for id is stored.
func (d *DB) Has(id router.RouterID) bool {
	_, ok := d.Get(id)
	return ok
}

// Put stores a contact without verifying it.  Callers are expected to have
// verified the signature already.
func (d *DB) Put(rc *router.RouterContact) error {
	blob, err := rc.Marshal()
	if err != nil {
		return err
	}
	id := rc.ID()
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(routersBucket).Put(id[:], blob)
	})
}

// PickRandom returns a uniformly chosen stored contact whose id is not in
// exclude, or nil when none qualify.
func (d *DB) PickRandom(exclude map[router.RouterID]bool) *router.RouterContact {
	var chosen *router.RouterContact
	n := 0
	rng := rand.NewMath()
	err := d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(routersBucket).ForEach(func(k, v []byte) error {
			var id router.RouterID
			copy(id[:], k)
			if exclude[id] {
				return nil
			}
			n++
			if rng.Intn(n) == 0 {
				rc := new(router.RouterContact)
				if err := rc.Unmarshal(v); err != nil {
					return err
				}
				chosen = rc
			}
			return nil
		})
	})
	if err != nil {
		d.log.Warningf("random contact pick failed: %v", err)
		return nil
	}
	return chosen
}

// AsyncVerify verifies rc's signature on the worker pool and, on success,
// stores it via the logic loop before invoking done.  done receives a nil
// error on success and always runs on the logic loop.
func (d *DB) AsyncVerify(rc *router.RouterContact, pool, loop JobQueue, done func(error)) {
	pool.Queue(func() {
		err := rc.Verify()
		loop.Queue(func() {
			if err == nil {
				err = d.Put(rc)
			}
			if err != nil {
				d.log.Warningf("contact verify failed for %s: %v", rc.ID(), err)
			}
			if done != nil {
				done(err)
			}
		})
	})
}
