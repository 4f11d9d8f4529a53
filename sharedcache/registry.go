// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package sharedcache

import (
	"path/filepath"
	"sync"

	"github.com/dchest/siphash"
	"golang.org/x/exp/maps"
)

// registryShards bounds lock contention: every resource this process
// has open hashes to one of these buckets, so sessions against
// unrelated resources never wait on each other's bucket lock.
const registryShards = 64

// registry lets multiple Sessions in the same process that name the
// same resource share one underlying mmap of the space-map and
// content files, instead of each opening (and mapping) its own copy.
// This generalizes the single mutex-guarded map a non-sharded cache
// would use into one bucket per hash, the same way a sharded counter
// generalizes a single atomic counter under contention.
type registry struct {
	shards [registryShards]registryShardState
}

type registryShardState struct {
	mu      sync.Mutex
	entries map[string]*registryEntry
}

type registryEntry struct {
	refs int
	sm   *spaceMap
	cf   *contentFile
}

func newRegistry() *registry {
	r := &registry{}
	for i := range r.shards {
		r.shards[i].entries = make(map[string]*registryEntry)
	}
	return r
}

// siphash keys for in-process bucket selection only; they need not be
// secret or stable across runs, just fixed for the life of the
// process so repeated lookups of the same base land in the same shard.
const registryK0, registryK1 = 0x6c6168636465726f, 0x6573796d6d6574ff

func (r *registry) shard(base string) *registryShardState {
	h := siphash.Hash(registryK0, registryK1, []byte(base))
	return &r.shards[h%registryShards]
}

// acquire returns the shared space-map and content file for base,
// opening them on the first call and incrementing a reference count
// on every subsequent one. The returned release func must be called
// exactly once, typically from Session.Close.
func (r *registry) acquire(cacheDir, base string) (sm *spaceMap, cf *contentFile, release func() error, err error) {
	shard := r.shard(base)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	if e, ok := shard.entries[base]; ok {
		e.refs++
		return e.sm, e.cf, r.releaser(shard, base), nil
	}

	sm, err = openSpaceMap(filepath.Join(cacheDir, base+".spacemap"))
	if err != nil {
		return nil, nil, nil, err
	}
	cf, err = openContentFile(filepath.Join(cacheDir, base+".cache"))
	if err != nil {
		sm.close()
		return nil, nil, nil, err
	}

	shard.entries[base] = &registryEntry{refs: 1, sm: sm, cf: cf}
	return sm, cf, r.releaser(shard, base), nil
}

func (r *registry) releaser(shard *registryShardState, base string) func() error {
	var once sync.Once
	return func() error {
		var err error
		once.Do(func() {
			shard.mu.Lock()
			e, ok := shard.entries[base]
			if !ok {
				shard.mu.Unlock()
				return
			}
			e.refs--
			last := e.refs == 0
			if last {
				delete(shard.entries, base)
			}
			shard.mu.Unlock()

			if last {
				err = e.cf.close()
				if serr := e.sm.close(); err == nil {
					err = serr
				}
			}
		})
		return err
	}
}

// Snapshot lists the base names of every resource currently open in
// this process, for diagnostics.
func (r *registry) Snapshot() []string {
	var out []string
	for i := range r.shards {
		shard := &r.shards[i]
		shard.mu.Lock()
		out = append(out, maps.Keys(shard.entries)...)
		shard.mu.Unlock()
	}
	return out
}

var defaultRegistry = newRegistry()
