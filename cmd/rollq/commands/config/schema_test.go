package config

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchema(t *testing.T) {
	data, err := Schema()
	require.NoError(t, err)

	var doc struct {
		Title      string `json:"title"`
		Properties map[string]struct {
			Properties map[string]json.RawMessage `json:"properties"`
		} `json:"properties"`
	}
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "rollq configuration", doc.Title)

	queue := doc.Properties["queue"].Properties
	require.NotEmpty(t, queue)

	t.Run("RollCycleEnum", func(t *testing.T) {
		var rc struct {
			Enum []string `json:"enum"`
		}
		require.NoError(t, json.Unmarshal(queue["roll_cycle"], &rc))
		assert.Contains(t, rc.Enum, "")
		assert.Contains(t, rc.Enum, "HOURLY")
		assert.Contains(t, rc.Enum, "TEST_SECONDLY")
	})

	t.Run("SizesAcceptUnits", func(t *testing.T) {
		var size struct {
			OneOf []struct {
				Type string `json:"type"`
			} `json:"oneOf"`
		}
		require.NoError(t, json.Unmarshal(queue["block_size"], &size))
		require.Len(t, size.OneOf, 2)
		assert.Equal(t, "string", size.OneOf[0].Type)
		assert.Equal(t, "integer", size.OneOf[1].Type)
	})

	t.Run("DurationsAreStrings", func(t *testing.T) {
		var d struct {
			Type string `json:"type"`
		}
		require.NoError(t, json.Unmarshal(queue["write_timeout"], &d))
		assert.Equal(t, "string", d.Type)
	})
}
