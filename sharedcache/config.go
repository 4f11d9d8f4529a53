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
	"fmt"
	"os"
	"time"

	"sigs.k8s.io/yaml"
)

const (
	minBlockShift = 9
	maxBlockShift = 30

	// DefaultBlockShift is used when Options.BlockShift is zero.
	DefaultBlockShift = 15 // 32 KiB blocks
)

// Options configures a session opened against the shared cache.
//
// The zero value is not directly usable: CacheDir is required. Other
// fields fall back to sensible defaults (see DefaultBlockShift).
type Options struct {
	// CacheDir is the directory holding "<HEX>.cache"/"<HEX>.spacemap"
	// pairs. Required.
	CacheDir string `json:"cacheDir"`

	// BlockShift requests log2(block size), 9..=30. If a space-map
	// file already exists for this resource with a different (valid)
	// block_shift, the existing value wins and a warning is logged;
	// a mismatch is never a hard error. Defaults to DefaultBlockShift.
	BlockShift int `json:"blockShift,omitempty"`

	// ReadOnly disables writing fetched bytes to the content file and
	// no block state is touched: blocks already CACHED are read from
	// the content file, every other read forwards byte-accurately to
	// the inner transport. Open still records a known resource size in
	// the space-map header and sizes the content file to it.
	ReadOnly bool `json:"readOnly,omitempty"`

	// CacheTimeout bounds how long a reader waits on a block it finds
	// PENDING before racing to re-fetch it. Zero disables waiting
	// (race immediately).
	CacheTimeout time.Duration `json:"cacheTimeout,omitempty"`

	// RetryErrors, when true (the default), allows a block in the
	// FAILED state to be re-driven to PENDING by a later reader.
	// When false, FAILED is terminal and returns an I/O error.
	RetryErrors *bool `json:"retryErrors,omitempty"`

	// Logger receives warnings and errors encountered while servicing
	// this session. May be nil.
	Logger Logger `json:"-"`
}

// Logger is the minimal logging seam used throughout this package.
// Implementations are never required; a nil Logger silently discards
// all messages.
type Logger interface {
	Printf(format string, args ...interface{})
}

func (o *Options) errorf(format string, args ...interface{}) {
	if o.Logger != nil {
		o.Logger.Printf(format, args...)
	}
}

// retryErrors reports whether FAILED blocks should be re-driven,
// defaulting to true when unset.
func (o *Options) retryErrors() bool {
	if o.RetryErrors == nil {
		return true
	}
	return *o.RetryErrors
}

func (o *Options) blockShift() int {
	if o.BlockShift == 0 {
		return DefaultBlockShift
	}
	return o.BlockShift
}

// validate checks the parts of Options that must hold regardless of
// what already exists on disk.
func (o *Options) validate() error {
	if o.CacheDir == "" {
		return fmt.Errorf("%w: CacheDir is required", ErrConfig)
	}
	shift := o.blockShift()
	if shift < minBlockShift || shift > maxBlockShift {
		return fmt.Errorf("%w: BlockShift %d outside [%d,%d]", ErrConfig, shift, minBlockShift, maxBlockShift)
	}
	if o.CacheTimeout < 0 {
		return fmt.Errorf("%w: CacheTimeout must be >= 0", ErrConfig)
	}
	return nil
}

// LoadOptions reads a YAML-encoded Options bag from path. This is the
// ambient configuration loader used by cmd/sharedcachectl and by any
// surrounding system that wants to keep cache tuning in a config file
// alongside its other option tables, rather than wired into source.
//
// Logger is never populated by LoadOptions (it has no serializable
// form); callers set it afterward.
func LoadOptions(path string) (Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Options{}, fmt.Errorf("sharedcache: reading options file: %w", err)
	}
	var o Options
	if err := yaml.Unmarshal(data, &o); err != nil {
		return Options{}, fmt.Errorf("sharedcache: parsing options file: %w", err)
	}
	if err := o.validate(); err != nil {
		return Options{}, err
	}
	return o, nil
}
