package nsigner

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOperation(t *testing.T) {
	for _, op := range Operations {
		got, err := ParseOperation(string(op))
		require.NoError(t, err)
		assert.Equal(t, op, got)
	}

	_, err := ParseOperation("sign_psbt")
	assert.ErrorIs(t, err, ErrUnknownOperation)
	assert.Equal(t, CodeMalformedRequest, Code(err))
}

func TestOperation_Flags(t *testing.T) {
	assert.True(t, OpNip04Encrypt.UsesNip04())
	assert.True(t, OpDecryptZapEvent.UsesNip04())
	assert.False(t, OpNip44Decrypt.UsesNip04())
	assert.True(t, OpNip44Decrypt.UsesNip44())
	assert.False(t, OpSignEvent.UsesNip44())
	assert.False(t, OpGetPublicKey.UsesNip04())
}

func TestResolution(t *testing.T) {
	assert.False(t, Pending.Terminal())
	assert.True(t, Approved.Terminal())
	assert.True(t, Rejected.Terminal())
	assert.True(t, Expired.Terminal())

	b, err := json.Marshal(map[string]Resolution{"r": Expired})
	require.NoError(t, err)
	assert.JSONEq(t, `{"r":"expired"}`, string(b))
}

func TestBunkerState_String(t *testing.T) {
	assert.Equal(t, "stopped", BunkerStopped.String())
	assert.Equal(t, "starting", BunkerStarting.String())
	assert.Equal(t, "listening", BunkerListening.String())
	assert.Equal(t, "paired", BunkerPaired.String())
	assert.Equal(t, "requires_approval", RequiresApproval.String())
}

func TestBunkerState_TextRoundTrip(t *testing.T) {
	var st struct {
		State BunkerState `json:"state"`
		Res   Resolution  `json:"res"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"state":"paired","res":"denied"}`), &st))
	assert.Equal(t, BunkerPaired, st.State)
	assert.Equal(t, Rejected, st.Res)

	assert.Error(t, json.Unmarshal([]byte(`{"state":"dancing"}`), &st))
}
