package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/diarysync/internal/common"
)

func TestPayload_PreservesUnknownFields(t *testing.T) {
	in := `{"text":"Finished 5k run","category":"sport","mood":"great","tags":["run",5]}`

	var p Payload
	require.NoError(t, json.Unmarshal([]byte(in), &p))
	assert.Equal(t, "Finished 5k run", p.Text)
	assert.Equal(t, "sport", p.Category)
	require.Len(t, p.Extra, 2)
	assert.JSONEq(t, `"great"`, string(p.Extra["mood"]))

	out, err := json.Marshal(p)
	require.NoError(t, err)
	assert.JSONEq(t, in, string(out))
}

func TestPayload_KnownFieldsWinOverExtra(t *testing.T) {
	p := Payload{
		Text:  "real",
		Extra: map[string]json.RawMessage{"text": json.RawMessage(`"shadow"`), "x": json.RawMessage(`1`)},
	}

	out, err := json.Marshal(p)
	require.NoError(t, err)
	assert.JSONEq(t, `{"text":"real","x":1}`, string(out))
}

func TestPayload_OccurredAtOmittedWhenZero(t *testing.T) {
	out, err := json.Marshal(Payload{Text: "a"})
	require.NoError(t, err)
	assert.NotContains(t, string(out), "occurred_at")

	ts := time.Date(2026, 10, 1, 7, 30, 0, 0, time.UTC)
	out, err = json.Marshal(Payload{Text: "a", OccurredAt: ts})
	require.NoError(t, err)
	assert.Contains(t, string(out), `"occurred_at":"2026-10-01T07:30:00Z"`)
}

func TestPayload_Validate(t *testing.T) {
	tests := []struct {
		name    string
		p       Payload
		wantErr bool
	}{
		{"text only", Payload{Text: "hello"}, false},
		{"media only", Payload{Media: []MediaRef{{URL: "https://cdn/x.jpg", Kind: "image"}}}, false},
		{"blank", Payload{Text: "   "}, true},
		{"media without url", Payload{Text: "t", Media: []MediaRef{{Kind: "image"}}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.p.Validate()
			if tt.wantErr {
				require.ErrorIs(t, err, common.ErrValidation)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestCachedResponse_Fresh(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	c := &CachedResponse{StoredAt: t0, ExpiresAt: t0.Add(5 * time.Minute)}

	assert.True(t, c.Fresh(t0.Add(4*time.Minute+59*time.Second)))
	assert.False(t, c.Fresh(t0.Add(5*time.Minute+time.Second)))
}
