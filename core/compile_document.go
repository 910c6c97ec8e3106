package core

import "regexp"

func (c *compiler) document() (*DocumentQuery, error) {
	q := &DocumentQuery{
		Collection: c.schema.Table,
		Filter:     make(map[string]any),
		Hint:       c.filter.Hint,
		Collation:  c.filter.Collation,
	}

	preds, err := c.predicates()
	if err != nil {
		return nil, err
	}
	for _, p := range preds {
		if !p.op.IsValid() {
			return nil, &UnsupportedOperatorError{Operator: p.op, Backend: BackendDocument}
		}
		if p.op == OpRaw {
			q.Filter[p.column] = p.value
			continue
		}
		obj, ok := q.Filter[p.column].(map[string]any)
		if !ok {
			obj = make(map[string]any)
			q.Filter[p.column] = obj
		}
		obj[string(p.op)] = p.value
	}

	if c.filter.Search != "" {
		fields, err := c.searchColumns()
		if err != nil {
			return nil, err
		}
		if c.caps.FullTextSearch {
			q.Filter["$text"] = map[string]any{"$search": c.filter.Search}
		} else {
			pattern := regexp.QuoteMeta(c.filter.Search)
			or := make([]any, len(fields))
			for i, f := range fields {
				or[i] = map[string]any{f.Column: map[string]any{"$regex": pattern, "$options": "i"}}
			}
			q.Filter["$or"] = or
		}
	}

	terms, err := c.sortTerms()
	if err != nil {
		return nil, err
	}
	for _, t := range terms {
		order := 1
		if t.Direction == SortDesc {
			order = -1
		}
		q.Sort = append(q.Sort, SortKey{Key: t.Field, Order: order})
	}

	if c.filter.Limit > 0 {
		q.Limit = c.filter.Limit
	}
	q.Offset = c.filter.Offset
	return q, nil
}
