package merge

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/ingestd/errors"
)

func TestShallowReplaceIsDefault(t *testing.T) {
	prev := map[string]interface{}{"x": 1, "y": 2}
	next := map[string]interface{}{"y": 3}

	assert.Equal(t, map[string]interface{}{"x": 1, "y": 3}, Merge(prev, next))
}

func TestUnknownStrategyFallsBack(t *testing.T) {
	prev := map[string]interface{}{"items": []interface{}{"a"}}
	next := map[string]interface{}{"items": []interface{}{"b"}, StrategyField: "storage-results-tree"}

	got := Merge(prev, next)
	assert.Equal(t, []interface{}{"b"}, got["items"])
	assert.Equal(t, ShallowReplace, StrategyOf(next))
	assert.Equal(t, ShallowReplace, StrategyOf(map[string]interface{}{StrategyField: 42}))
}

func TestResultsListConcatenatesSharedLists(t *testing.T) {
	prev := map[string]interface{}{
		"records": []interface{}{"a", "b"},
		"tags":    []interface{}{"t1"},
		"count":   2,
	}
	next := map[string]interface{}{
		StrategyField: string(ResultsList),
		"records":     []interface{}{"c"},
		"count":       3,
		"cursor":      "p3",
	}

	got := Merge(prev, next)
	assert.Equal(t, []interface{}{"a", "b", "c"}, got["records"])
	assert.Equal(t, []interface{}{"t1"}, got["tags"], "keys absent from incoming are kept")
	assert.Equal(t, 3, got["count"], "scalars still replace")
	assert.Equal(t, "p3", got["cursor"])
	assert.Equal(t, string(ResultsList), got[StrategyField])
}

func TestResultsListListVersusScalarReplaces(t *testing.T) {
	prev := map[string]interface{}{"records": "none"}
	next := map[string]interface{}{StrategyField: string(ResultsList), "records": []interface{}{"a"}}
	assert.Equal(t, []interface{}{"a"}, Merge(prev, next)["records"])
}

func TestKeyedListUpsertsByID(t *testing.T) {
	prev := map[string]interface{}{
		"issues": []interface{}{
			map[string]interface{}{"id": "1", "title": "old"},
			map[string]interface{}{"id": "2", "title": "two"},
		},
	}
	page := map[string]interface{}{
		StrategyField: string(KeyedList),
		"issues": []interface{}{
			map[string]interface{}{"id": "1", "title": "new"},
			map[string]interface{}{"id": "3", "title": "three"},
			"loose",
		},
	}

	once := Merge(prev, page)
	twice := Merge(once, page)

	want := []interface{}{
		map[string]interface{}{"id": "1", "title": "new"},
		map[string]interface{}{"id": "2", "title": "two"},
		map[string]interface{}{"id": "3", "title": "three"},
		"loose",
	}
	assert.Equal(t, want, once["issues"])
	// replay only re-appends elements without an id
	assert.Len(t, twice["issues"], 5)
}

func TestMergeDoesNotMutateInputs(t *testing.T) {
	prevList := []interface{}{"a"}
	prev := map[string]interface{}{"records": prevList}
	next := map[string]interface{}{StrategyField: string(ResultsList), "records": []interface{}{"b"}}

	_ = Merge(prev, next)
	assert.Equal(t, []interface{}{"a"}, prev["records"])
	assert.Len(t, prev, 1)
	assert.Len(t, next, 2)
}

func TestApplyJSON(t *testing.T) {
	t.Run("scalar replace", func(t *testing.T) {
		got, err := ApplyJSON(json.RawMessage(`{"x":1,"y":2}`), json.RawMessage(`{"y":3}`))
		require.NoError(t, err)
		assert.JSONEq(t, `{"x":1,"y":3}`, string(got))
	})

	t.Run("empty previous", func(t *testing.T) {
		got, err := ApplyJSON(nil, json.RawMessage(`{"merge_strategy":"storage-results-list","r":[1]}`))
		require.NoError(t, err)
		assert.JSONEq(t, `{"merge_strategy":"storage-results-list","r":[1]}`, string(got))

		got, err = ApplyJSON(json.RawMessage(`null`), json.RawMessage(`{"a":1}`))
		require.NoError(t, err)
		assert.JSONEq(t, `{"a":1}`, string(got))
	})

	t.Run("empty incoming keeps previous", func(t *testing.T) {
		got, err := ApplyJSON(json.RawMessage(`{"a":1}`), nil)
		require.NoError(t, err)
		assert.JSONEq(t, `{"a":1}`, string(got))
	})

	t.Run("large integers survive", func(t *testing.T) {
		got, err := ApplyJSON(json.RawMessage(`{"id":9007199254740993}`), json.RawMessage(`{"n":1}`))
		require.NoError(t, err)
		assert.JSONEq(t, `{"id":9007199254740993,"n":1}`, string(got))
	})

	t.Run("non-object is rejected", func(t *testing.T) {
		_, err := ApplyJSON(nil, json.RawMessage(`[1,2]`))
		require.Error(t, err)
		assert.True(t, errors.IsInvalidRequestError(err))
	})
}

func TestStrategyOfJSON(t *testing.T) {
	assert.Equal(t, KeyedList, StrategyOfJSON(json.RawMessage(`{"merge_strategy":"storage-results-keyed"}`)))
	assert.Equal(t, ShallowReplace, StrategyOfJSON(json.RawMessage(`{}`)))
	assert.Equal(t, ShallowReplace, StrategyOfJSON(json.RawMessage(`not json`)))
}
