// Package merge reconciles a stored ingestion result with a newly produced
// (possibly partial) one. The incoming payload selects the strategy through
// its top-level "merge_strategy" field; anything else falls back to a
// shallow replace.
package merge

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/teranos/ingestd/errors"
)

// StrategyField is the payload key that names the merge strategy
const StrategyField = "merge_strategy"

// Strategy names a rule for combining previous and incoming results
type Strategy string

const (
	// ShallowReplace overwrites every key present in incoming
	ShallowReplace Strategy = "shallow-replace"
	// ResultsList concatenates list values whose key is present on both sides
	ResultsList Strategy = "storage-results-list"
	// KeyedList upserts list elements by their "id" field, so replaying a
	// page is idempotent. Elements without an id are appended.
	KeyedList Strategy = "storage-results-keyed"
)

// ParseStrategy maps a name to a strategy; unknown names are ShallowReplace
func ParseStrategy(name string) Strategy {
	switch Strategy(name) {
	case ResultsList:
		return ResultsList
	case KeyedList:
		return KeyedList
	default:
		return ShallowReplace
	}
}

// StrategyOf reads the strategy attached to a payload
func StrategyOf(incoming map[string]interface{}) Strategy {
	name, _ := incoming[StrategyField].(string)
	return ParseStrategy(name)
}

// Merge combines previous and incoming using the strategy incoming asks for
func Merge(previous, incoming map[string]interface{}) map[string]interface{} {
	return StrategyOf(incoming).Apply(previous, incoming)
}

// Apply returns a new map; neither input is modified.
func (s Strategy) Apply(previous, incoming map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(previous)+len(incoming))
	for k, v := range previous {
		out[k] = v
	}

	for k, v := range incoming {
		prevList, prevIsList := out[k].([]interface{})
		nextList, nextIsList := v.([]interface{})
		if !prevIsList || !nextIsList {
			out[k] = v
			continue
		}

		switch s {
		case ResultsList:
			out[k] = concat(prevList, nextList)
		case KeyedList:
			out[k] = upsertByID(prevList, nextList)
		default:
			out[k] = v
		}
	}
	return out
}

func concat(a, b []interface{}) []interface{} {
	out := make([]interface{}, 0, len(a)+len(b))
	out = append(out, a...)
	return append(out, b...)
}

func upsertByID(previous, incoming []interface{}) []interface{} {
	out := make([]interface{}, len(previous), len(previous)+len(incoming))
	copy(out, previous)

	position := make(map[string]int, len(previous))
	for i, el := range out {
		if key, ok := elementKey(el); ok {
			position[key] = i
		}
	}

	for _, el := range incoming {
		key, ok := elementKey(el)
		if !ok {
			out = append(out, el)
			continue
		}
		if i, seen := position[key]; seen {
			out[i] = el
			continue
		}
		position[key] = len(out)
		out = append(out, el)
	}
	return out
}

func elementKey(el interface{}) (string, bool) {
	obj, ok := el.(map[string]interface{})
	if !ok {
		return "", false
	}
	id, ok := obj["id"]
	if !ok || id == nil {
		return "", false
	}
	return fmt.Sprintf("%T:%v", id, id), true
}

// ApplyJSON merges two JSON objects. An empty or null previous value is
// treated as {}; an empty incoming value leaves previous unchanged.
func ApplyJSON(previous, incoming json.RawMessage) (json.RawMessage, error) {
	if isEmpty(incoming) {
		if isEmpty(previous) {
			return nil, nil
		}
		return previous, nil
	}

	next, err := decodeObject(incoming)
	if err != nil {
		return nil, errors.Wrap(err, "incoming result")
	}
	prev := map[string]interface{}{}
	if !isEmpty(previous) {
		if prev, err = decodeObject(previous); err != nil {
			return nil, errors.Wrap(err, "previous result")
		}
	}

	merged, err := json.Marshal(Merge(prev, next))
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode merged result")
	}
	return merged, nil
}

// StrategyOfJSON reads the strategy of a wire payload without decoding the rest
func StrategyOfJSON(payload json.RawMessage) Strategy {
	var head struct {
		Strategy string `json:"merge_strategy"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		return ShallowReplace
	}
	return ParseStrategy(head.Strategy)
}

func decodeObject(raw json.RawMessage) (map[string]interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var obj map[string]interface{}
	if err := dec.Decode(&obj); err != nil {
		return nil, errors.Wrap(errors.Wrap(errors.ErrInvalidRequest, err.Error()), "result must be a JSON object")
	}
	if obj == nil {
		return map[string]interface{}{}, nil
	}
	return obj, nil
}

func isEmpty(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
