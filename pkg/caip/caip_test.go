package caip

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAssetID(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"erc20 token", "eip155:1/erc20:0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", false},
		{"slip44 native", "eip155:1/slip44:60", false},
		{"missing asset part", "eip155:1", true},
		{"missing chain reference", "eip155/erc20:0xabc", true},
		{"empty", "", true},
		{"namespace too short", "ei:1/erc20:0xabc", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAssetID(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.input, got.String())
		})
	}
}

func TestParseAccountID(t *testing.T) {
	a, err := ParseAccountID("eip155:1:0x1234567890abcdef")
	require.NoError(t, err)
	assert.Equal(t, "eip155", a.ChainID.Namespace)
	assert.Equal(t, "0x1234567890abcdef", a.Address)

	_, err = ParseAccountID("eip155:1")
	assert.Error(t, err)
}

func TestAssetIDJSONRoundTrip(t *testing.T) {
	in := `"eip155:1/erc20:0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"`
	var a AssetID
	require.NoError(t, json.Unmarshal([]byte(in), &a))
	out, err := json.Marshal(a)
	require.NoError(t, err)
	assert.JSONEq(t, in, string(out))
}
