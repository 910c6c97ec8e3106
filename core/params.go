package core

import (
	"encoding/json"
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"
)

// reservedParams are the request parameters that are not equality filters
var reservedParams = []string{
	"query", "search", "searchFields", "sort", "direction", "fields",
	"limit", "offset", "page", "pageSize", "scope", "populate",
	"hint", "collation", "noCount",
}

func isReservedParam(param string) bool {
	return slices.Contains(reservedParams, param)
}

// ParseFindParams parses request parameters into FindParams. Unreserved
// parameters become equality filters (several values become $in):
//
//	?query={"age":{"$gte":18}}&sort=-age,name&fields=name,email&status=active&page=2
func ParseFindParams(values url.Values) (FindParams, error) {
	var params FindParams

	if raw := values.Get("query"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &params.Query); err != nil {
			return params, &ValidationError{Field: "query", Reason: fmt.Sprintf("invalid JSON: %v", err)}
		}
		// native fragments are for trusted callers building filters in code
		for field, cond := range params.Query {
			if containsOperator(cond, OpRaw) {
				return params, &ValidationError{Field: field, Reason: "$raw is not accepted in request parameters"}
			}
		}
	}
	for key, vals := range values {
		if len(vals) == 0 || isReservedParam(key) {
			continue
		}
		if params.Query == nil {
			params.Query = make(map[string]any)
		}
		if _, exists := params.Query[key]; exists {
			return params, &ValidationError{Field: key, Reason: "filtered twice"}
		}
		if len(vals) == 1 {
			params.Query[key] = vals[0]
		} else {
			in := make([]any, len(vals))
			for i, v := range vals {
				in[i] = v
			}
			params.Query[key] = map[string]any{string(OpIn): in}
		}
	}

	params.Search = values.Get("search")
	params.SearchFields = listParam(values, "searchFields")
	params.Fields = listParam(values, "fields")
	params.Scopes = listParam(values, "scope")
	params.Populate = listParam(values, "populate")
	params.Hint = values.Get("hint")
	params.Collation = values.Get("collation")

	params.Sort = listParam(values, "sort")
	// a single sort field may carry its direction separately
	if len(params.Sort) == 1 && values.Get("direction") == string(SortDesc) && !strings.HasPrefix(params.Sort[0], "-") {
		params.Sort[0] = "-" + strings.TrimPrefix(params.Sort[0], "+")
	}

	var err error
	if params.Limit, err = intParam(values, "limit"); err != nil {
		return params, err
	}
	if params.Offset, err = intParam(values, "offset"); err != nil {
		return params, err
	}
	if params.Page, err = intParam(values, "page"); err != nil {
		return params, err
	}
	if params.PageSize, err = intParam(values, "pageSize"); err != nil {
		return params, err
	}
	if raw := values.Get("noCount"); raw != "" {
		if params.NoCount, err = strconv.ParseBool(raw); err != nil {
			return params, &ValidationError{Field: "noCount", Reason: "must be a boolean"}
		}
	}
	if params.Offset < 0 || params.Page < 0 || params.PageSize < 0 {
		return params, &ValidationError{Reason: "offset, page and pageSize cannot be negative"}
	}
	return params, nil
}

func containsOperator(v any, op Operator) bool {
	switch v := v.(type) {
	case map[string]any:
		for k, inner := range v {
			if k == string(op) || containsOperator(inner, op) {
				return true
			}
		}
	case []any:
		for _, inner := range v {
			if containsOperator(inner, op) {
				return true
			}
		}
	}
	return false
}

// EncodeFindParams renders params back into request parameters. Equality
// filters on string values are written as plain parameters, everything else
// goes into the JSON query parameter.
func EncodeFindParams(params FindParams) (url.Values, error) {
	values := make(url.Values)
	complex := make(map[string]any)
	for key, cond := range params.Query {
		if s, ok := cond.(string); ok && !isReservedParam(key) && !strings.HasPrefix(key, "$") {
			values.Set(key, s)
			continue
		}
		complex[key] = cond
	}
	if len(complex) > 0 {
		raw, err := json.Marshal(complex)
		if err != nil {
			return nil, fmt.Errorf("encode query: %w", err)
		}
		values.Set("query", string(raw))
	}

	setList := func(key string, list []string) {
		if len(list) > 0 {
			values.Set(key, strings.Join(list, ","))
		}
	}
	setInt := func(key string, n int) {
		if n != 0 {
			values.Set(key, strconv.Itoa(n))
		}
	}
	if params.Search != "" {
		values.Set("search", params.Search)
	}
	setList("searchFields", params.SearchFields)
	setList("sort", params.Sort)
	setList("fields", params.Fields)
	setList("scope", params.Scopes)
	setList("populate", params.Populate)
	setInt("limit", params.Limit)
	setInt("offset", params.Offset)
	setInt("page", params.Page)
	setInt("pageSize", params.PageSize)
	if params.Hint != "" {
		values.Set("hint", params.Hint)
	}
	if params.Collation != "" {
		values.Set("collation", params.Collation)
	}
	if params.NoCount {
		values.Set("noCount", "true")
	}
	return values, nil
}

// listParam reads comma separated and repeated parameter values
func listParam(values url.Values, key string) []string {
	var out []string
	for _, v := range values[key] {
		for _, item := range strings.Split(v, ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
	}
	return out
}

func intParam(values url.Values, key string) (int, error) {
	raw := values.Get(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &ValidationError{Field: key, Reason: "must be an integer"}
	}
	return n, nil
}
