// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package project tracks the known projects and which one is selected.
//
// Every selection advances a generation counter. Work started on behalf of
// a selection captures its generation and checks IsCurrent before applying
// results, so responses that arrive after a switch are dropped.
package project

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Errors returned by the directory.
var (
	ErrInvalidSlug  = errors.New("invalid project slug")
	ErrUnknown      = errors.New("unknown project")
	ErrNoneSelected = errors.New("no project selected")
)

// Selection identifies the active project at a point in time.
type Selection struct {
	Slug       string
	Generation uint64
}

// Valid reports whether a project is selected.
func (s Selection) Valid() bool {
	return s.Slug != ""
}

// Directory is the set of known project slugs plus the active selection.
// It is safe for concurrent use.
type Directory struct {
	mu       sync.RWMutex
	projects map[string]struct{}
	active   string
	gen      uint64
}

// NewDirectory creates an empty directory.
func NewDirectory() *Directory {
	return &Directory{projects: make(map[string]struct{})}
}

// NormalizeSlug trims and validates a slug. Slugs are used verbatim in URL
// paths and on disk by the backend, so only [A-Za-z0-9._-] is accepted.
func NormalizeSlug(slug string) (string, error) {
	slug = strings.TrimSpace(slug)
	if slug == "" || slug == "." || slug == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidSlug, slug)
	}
	for _, r := range slug {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.':
		default:
			return "", fmt.Errorf("%w: %q contains %q", ErrInvalidSlug, slug, r)
		}
	}
	return slug, nil
}

// Replace resets the known set to slugs, as reported by the backend.
// Invalid entries are skipped. The active selection is kept even if the
// backend no longer lists it; a project created by an upload this session
// stays selectable until the next explicit switch.
func (d *Directory) Replace(slugs []string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.projects = make(map[string]struct{}, len(slugs))
	for _, s := range slugs {
		if norm, err := NormalizeSlug(s); err == nil {
			d.projects[norm] = struct{}{}
		}
	}
	if d.active != "" {
		d.projects[d.active] = struct{}{}
	}
}

// Add registers a slug. Adding an existing slug is a no-op.
func (d *Directory) Add(slug string) (string, error) {
	norm, err := NormalizeSlug(slug)
	if err != nil {
		return "", err
	}
	d.mu.Lock()
	d.projects[norm] = struct{}{}
	d.mu.Unlock()
	return norm, nil
}

// Contains reports whether slug is known.
func (d *Directory) Contains(slug string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.projects[slug]
	return ok
}

// Select makes slug active and returns the new selection. Re-selecting the
// active project still advances the generation.
func (d *Directory) Select(slug string) (Selection, error) {
	norm, err := NormalizeSlug(slug)
	if err != nil {
		return Selection{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.projects[norm]; !ok {
		return Selection{}, fmt.Errorf("%w: %s", ErrUnknown, norm)
	}
	d.gen++
	d.active = norm
	return Selection{Slug: norm, Generation: d.gen}, nil
}

// Clear deselects the active project.
func (d *Directory) Clear() {
	d.mu.Lock()
	d.gen++
	d.active = ""
	d.mu.Unlock()
}

// Active returns the current selection. Slug is empty when none is active.
func (d *Directory) Active() Selection {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return Selection{Slug: d.active, Generation: d.gen}
}

// IsCurrent reports whether sel is still the active selection.
func (d *Directory) IsCurrent(sel Selection) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return sel.Slug != "" && sel.Slug == d.active && sel.Generation == d.gen
}

// List returns the known slugs in sorted order.
func (d *Directory) List() []string {
	d.mu.RLock()
	out := make([]string, 0, len(d.projects))
	for s := range d.projects {
		out = append(out, s)
	}
	d.mu.RUnlock()
	sort.Strings(out)
	return out
}
