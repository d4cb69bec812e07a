// Copyright 2026 Quadracode
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/quadracode/quadracode/pkg/state"
	"github.com/quadracode/quadracode/pkg/tokens"
)

// Source offers candidate context segments. Candidates already present in
// the session are skipped by the loader.
type Source interface {
	// Name identifies the source in segment ids.
	Name() string

	// Candidates returns loadable segments for the session.
	Candidates(ctx context.Context, sess *state.SessionState) ([]state.ContextSegment, error)
}

// Loader pulls at most batchSize new segments per turn across its sources.
// Freshly loaded segments become curation candidates from the next visit.
type Loader struct {
	batchSize int
	sources   []Source
}

// DefaultLoaderBatch is used when the config leaves the batch unset.
const DefaultLoaderBatch = 3

// NewLoader builds an empty loader.
func NewLoader(batchSize int, sources ...Source) *Loader {
	if batchSize <= 0 {
		batchSize = DefaultLoaderBatch
	}
	return &Loader{batchSize: batchSize, sources: sources}
}

// AddSource registers another source.
func (l *Loader) AddSource(s Source) {
	l.sources = append(l.sources, s)
}

// LoadNext adds up to batchSize segments the session does not yet hold and
// returns their ids. Source failures are collected, not fatal.
func (l *Loader) LoadNext(ctx context.Context, sess *state.SessionState) ([]string, error) {
	var loaded []string
	var errs []error
	for _, src := range l.sources {
		if len(loaded) >= l.batchSize {
			break
		}
		candidates, err := src.Candidates(ctx, sess)
		if err != nil {
			errs = append(errs, fmt.Errorf("source %s: %w", src.Name(), err))
			continue
		}
		for _, seg := range candidates {
			if len(loaded) >= l.batchSize {
				break
			}
			if sess.Segment(seg.ID) != nil {
				continue
			}
			if seg.CreatedAt.IsZero() {
				seg.CreatedAt = time.Now().UTC()
			}
			if err := sess.AddSegment(seg); err != nil {
				continue
			}
			loaded = append(loaded, seg.ID)
		}
	}
	return loaded, errors.Join(errs...)
}

// Source priorities by origin.
const (
	PrioritySkills     = 7
	PriorityDocs       = 5
	PriorityCodeSearch = 6
)

// DirSource exposes the files of a directory as segments of one kind, for
// skills catalogs and project docs.
type DirSource struct {
	name     string
	dir      string
	kind     state.SegmentKind
	priority int
	counter  *tokens.Counter
}

// NewDirSource builds a directory-backed source.
func NewDirSource(name, dir string, kind state.SegmentKind, priority int) *DirSource {
	return &DirSource{name: name, dir: dir, kind: kind, priority: priority, counter: tokens.GetCounter()}
}

// Name implements Source.
func (d *DirSource) Name() string { return d.name }

// Candidates implements Source.
func (d *DirSource) Candidates(_ context.Context, _ *state.SessionState) ([]state.ContextSegment, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []state.ContextSegment
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(d.dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		content := string(data)
		out = append(out, state.ContextSegment{
			ID:                  d.name + ":" + entry.Name(),
			Kind:                d.kind,
			Content:             content,
			TokenCount:          d.counter.Count(content),
			Priority:            d.priority,
			CompressionEligible: true,
			RestorableReference: path,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
