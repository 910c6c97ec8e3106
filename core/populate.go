package core

import (
	"context"
	"fmt"
	"time"

	"github.com/graph-gophers/dataloader"
)

// populate replaces reference values of the named fields with the referenced
// entities. Each field is resolved with one batched lookup.
func (s *Service) populate(ctx context.Context, items []Entity, names []string) error {
	for _, name := range names {
		f, ok := s.schema.Field(name)
		if !ok || f.Populate() == nil {
			return &ValidationError{Field: name, Reason: "field cannot be populated"}
		}
		spec := f.Populate()
		resolver, err := s.resolverFor(spec)
		if err != nil {
			return err
		}

		var ids []string
		seen := make(map[string]bool)
		for _, item := range items {
			for _, id := range referenceIDs(item[name]) {
				if !seen[id] {
					seen[id] = true
					ids = append(ids, id)
				}
			}
		}
		if len(ids) == 0 {
			continue
		}

		found, err := loadReferences(ctx, resolver, spec.Fields, ids)
		if err != nil {
			return fmt.Errorf("populate %s: %w", name, err)
		}
		for _, item := range items {
			switch ref := item[name].(type) {
			case nil:
			case []any:
				resolved := make([]any, 0, len(ref))
				for _, id := range referenceIDs(ref) {
					if e, ok := found[id]; ok {
						resolved = append(resolved, e)
					}
				}
				item[name] = resolved
			default:
				refs := referenceIDs(ref)
				if len(refs) == 1 {
					if e, ok := found[refs[0]]; ok {
						item[name] = e
					} else {
						item[name] = nil
					}
				}
			}
		}
	}
	return nil
}

func (s *Service) resolverFor(spec *PopulateSpec) (Resolver, error) {
	if spec.Resolver != nil {
		return spec.Resolver, nil
	}
	if spec.Target != "" && s.resolvers != nil {
		if r, ok := s.resolvers(spec.Target); ok {
			return r, nil
		}
	}
	return nil, fmt.Errorf("datastore: no resolver for populate target %q", spec.Target)
}

// loadReferences resolves ids through a batched loader so every id of one
// field is fetched in a single resolver call
func loadReferences(ctx context.Context, resolver Resolver, fields, ids []string) (map[string]Entity, error) {
	batchFn := func(ctx context.Context, keys dataloader.Keys) []*dataloader.Result {
		results := make([]*dataloader.Result, len(keys))
		found, err := resolver.ResolveByID(ctx, keys.Keys(), fields)
		for i, k := range keys {
			if err != nil {
				results[i] = &dataloader.Result{Error: err}
				continue
			}
			if e, ok := found[k.String()]; ok {
				results[i] = &dataloader.Result{Data: e}
			} else {
				results[i] = &dataloader.Result{Data: nil}
			}
		}
		return results
	}
	loader := dataloader.NewBatchedLoader(batchFn,
		dataloader.WithWait(5*time.Millisecond),
		dataloader.WithCache(&dataloader.NoCache{}),
	)

	values, errs := loader.LoadMany(ctx, dataloader.NewKeysFromStrings(ids))()
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	out := make(map[string]Entity, len(values))
	for i, v := range values {
		if e, ok := v.(Entity); ok && e != nil {
			out[ids[i]] = e
		}
	}
	return out, nil
}

// referenceIDs extracts the string ids held by a reference value
func referenceIDs(v any) []string {
	switch ref := v.(type) {
	case nil:
		return nil
	case string:
		if ref == "" {
			return nil
		}
		return []string{ref}
	case []string:
		return ref
	case []any:
		out := make([]string, 0, len(ref))
		for _, item := range ref {
			out = append(out, referenceIDs(item)...)
		}
		return out
	case Entity:
		// already populated
		return nil
	case map[string]any:
		return nil
	}
	return []string{fmt.Sprint(v)}
}
