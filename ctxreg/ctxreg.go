// Package ctxreg is the Context Registry (spec.md §4.5): a bidirectional
// name<->id mapping materialized from system-context frames on the
// reserved `xs.context` topic. It holds no storage of its own beyond the
// in-memory map; the Store Facade replays those frames through
// ApplyFrame at startup, then keeps calling it for every new one.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package ctxreg

import (
	"io"
	"sync"

	"github.com/xshost/xs/cmn"
	"github.com/xshost/xs/frame"
	"github.com/xshost/xs/id"
)

// systemContextName is the reserved, pre-registered name for the zero ID.
const systemContextName = "system"

// Appender is the subset of the Store Facade a registry mutation needs:
// every `new`/`rename` call goes through the same single-writer append
// path as any other frame (spec.md §4.6), so the registry never mutates
// its map except in response to a frame it just watched get appended.
type Appender interface {
	Append(topic string, contextID id.ID, content io.Reader, meta frame.Meta, ttl *frame.Retention) (frame.Frame, error)
}

// Entry is one row of Registry.List.
type Entry struct {
	ID   id.ID
	Name string
}

// Registry is the materialized view. Safe for concurrent Resolve/List.
// New/Rename write through the Appender, which serializes the append
// itself; the name-uniqueness check and that append are not one atomic
// step.
type Registry struct {
	mu     sync.RWMutex
	byID   map[id.ID]string
	byName map[string]id.ID
}

// New returns an empty registry with the system context pre-registered.
func New() *Registry {
	r := &Registry{
		byID:   map[id.ID]string{id.Zero: systemContextName},
		byName: map[string]id.ID{systemContextName: id.Zero},
	}
	return r
}

// ApplyFrame folds one xs.context frame into the map, used both by the
// Store Facade's startup replay of the log and for each new xs.context
// frame it appends.
func (r *Registry) ApplyFrame(f frame.Frame) error {
	target, name, err := decodeRegistryFrame(f)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.byID[target]; ok && old != name {
		delete(r.byName, old)
	}
	r.byID[target] = name
	r.byName[name] = target
	return nil
}

func decodeRegistryFrame(f frame.Frame) (id.ID, string, error) {
	cidStr, _ := f.Meta["context_id"].(string)
	name, _ := f.Meta["name"].(string)
	if cidStr == "" || name == "" {
		return id.ID{}, "", cmn.ErrInvalidArgument("ctxreg: malformed registry frame %s", f.ID)
	}
	target, err := id.Parse(cidStr)
	if err != nil {
		return id.ID{}, "", cmn.ErrInvalidArgument("ctxreg: registry frame %s has invalid context_id: %v", f.ID, err)
	}
	return target, name, nil
}

// New creates a fresh context named name and returns its id. Fails with
// ContextExists if an active context already carries that name.
func (r *Registry) New(appender Appender, name string) (id.ID, error) {
	r.mu.RLock()
	_, taken := r.byName[name]
	r.mu.RUnlock()
	if taken {
		return id.ID{}, cmn.ErrContextExists("ctxreg: context %q already exists", name)
	}

	newID := id.New()
	f, err := appender.Append(frame.TopicContext, id.Zero, nil, frame.Meta{
		"context_id": newID.String(),
		"name":       name,
	}, nil)
	if err != nil {
		return id.ID{}, err
	}
	if err := r.ApplyFrame(f); err != nil {
		return id.ID{}, err
	}
	return newID, nil
}

// Rename repoints target's active name to newName.
func (r *Registry) Rename(appender Appender, target id.ID, newName string) error {
	r.mu.RLock()
	if _, ok := r.byID[target]; !ok {
		r.mu.RUnlock()
		return cmn.ErrNotFound("ctxreg: context %s not found", target)
	}
	if owner, ok := r.byName[newName]; ok && owner != target {
		r.mu.RUnlock()
		return cmn.ErrContextExists("ctxreg: context %q already exists", newName)
	}
	r.mu.RUnlock()

	f, err := appender.Append(frame.TopicContext, id.Zero, nil, frame.Meta{
		"context_id": target.String(),
		"name":       newName,
	}, nil)
	if err != nil {
		return err
	}
	return r.ApplyFrame(f)
}

// Resolve looks nameOrID up first as a literal id, then as a name.
func (r *Registry) Resolve(nameOrID string) (id.ID, error) {
	if parsed, err := id.Parse(nameOrID); err == nil {
		r.mu.RLock()
		_, ok := r.byID[parsed]
		r.mu.RUnlock()
		if ok {
			return parsed, nil
		}
		return id.ID{}, cmn.ErrNotFound("ctxreg: context %s not found", nameOrID)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	target, ok := r.byName[nameOrID]
	if !ok {
		return id.ID{}, cmn.ErrNotFound("ctxreg: context %q not found", nameOrID)
	}
	return target, nil
}

// List returns every (id, active name) pair, order unspecified.
func (r *Registry) List() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.byID))
	for cid, name := range r.byID {
		out = append(out, Entry{ID: cid, Name: name})
	}
	return out
}
