package job

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/ingestd/errors"
)

func TestParseInstanceID_RoundTrip(t *testing.T) {
	valid := []string{
		"6f1c0b8e-8d5e-4c6a-9a51-0c1d2e3f4a5b_0",
		"6f1c0b8e-8d5e-4c6a-9a51-0c1d2e3f4a5b_1",
		"00000000-0000-0000-0000-000000000000_42",
		"6f1c0b8e-8d5e-4c6a-9a51-0c1d2e3f4a5b_9223372036854775807",
	}
	for _, s := range valid {
		t.Run(s, func(t *testing.T) {
			id, err := ParseInstanceID(s)
			require.NoError(t, err)
			assert.Equal(t, s, id.String())
		})
	}

	for i := 0; i < 50; i++ {
		id := NewInstanceID(uuid.New(), int64(i*7919))
		parsed, err := ParseInstanceID(id.String())
		require.NoError(t, err)
		assert.Equal(t, id, parsed)
	}
}

func TestParseInstanceID_Invalid(t *testing.T) {
	invalid := []string{
		"",
		"_",
		"abc_1",
		"6f1c0b8e-8d5e-4c6a-9a51-0c1d2e3f4a5b",
		"6f1c0b8e-8d5e-4c6a-9a51-0c1d2e3f4a5b_",
		"6f1c0b8e-8d5e-4c6a-9a51-0c1d2e3f4a5b_x",
		"6f1c0b8e-8d5e-4c6a-9a51-0c1d2e3f4a5b_-1",
		"6f1c0b8e-8d5e-4c6a-9a51-0c1d2e3f4a5b_+1",
		"6f1c0b8e-8d5e-4c6a-9a51-0c1d2e3f4a5b_01",
		"6f1c0b8e-8d5e-4c6a-9a51-0c1d2e3f4a5b_1.0",
		"6f1c0b8e-8d5e-4c6a-9a51-0c1d2e3f4a5b__1",
		"6F1C0B8E-8D5E-4C6A-9A51-0C1D2E3F4A5B_1",
		"6f1c0b8e8d5e4c6a9a510c1d2e3f4a5b_1",
		"{6f1c0b8e-8d5e-4c6a-9a51-0c1d2e3f4a5b}_1",
		"urn:uuid:6f1c0b8e-8d5e-4c6a-9a51-0c1d2e3f4a5b_1",
		" 6f1c0b8e-8d5e-4c6a-9a51-0c1d2e3f4a5b_1",
		"6f1c0b8e-8d5e-4c6a-9a51-0c1d2e3f4a5b_99999999999999999999",
	}
	for _, s := range invalid {
		t.Run(s, func(t *testing.T) {
			_, err := ParseInstanceID(s)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrInvalidID), "want invalid id, got %v", err)
		})
	}
}

func TestInstanceID_JSON(t *testing.T) {
	id := NewInstanceID(uuid.MustParse("6f1c0b8e-8d5e-4c6a-9a51-0c1d2e3f4a5b"), 3)

	data, err := json.Marshal(struct {
		ID InstanceID `json:"id"`
	}{id})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"6f1c0b8e-8d5e-4c6a-9a51-0c1d2e3f4a5b_3"}`, string(data))

	var decoded struct {
		ID InstanceID `json:"id"`
	}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, id, decoded.ID)

	err = json.Unmarshal([]byte(`{"id":"nope"}`), &decoded)
	assert.True(t, errors.Is(err, errors.ErrInvalidID))
}
