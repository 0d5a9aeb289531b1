package nostr

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Bidon15/nsigner"
)

func TestEvent_Serialize(t *testing.T) {
	e := &Event{
		PubKey:    "79be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798",
		CreatedAt: 1700000000,
		Kind:      1,
		Tags:      Tags{{"e", "abc"}, {"p", "def", "wss://relay"}},
		Content:   "line\nquote\" back\\slash\ttab <&>  ",
	}
	want := `[0,"79be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798",1700000000,1,` +
		`[["e","abc"],["p","def","wss://relay"]],"line\nquote\" back\\slash\ttab <&> ` + " " + `"]`
	assert.Equal(t, want, string(e.Serialize()))
}

func TestEvent_SerializeEmptyTags(t *testing.T) {
	e := &Event{PubKey: "aa", CreatedAt: 1, Kind: 0, Tags: Tags{}, Content: ""}
	assert.Equal(t, `[0,"aa",1,0,[],""]`, string(e.Serialize()))
}

func TestEvent_SignAndVerify(t *testing.T) {
	e := &Event{CreatedAt: 1700000000, Kind: 1, Content: "hello"}
	require.NoError(t, e.Sign(scalar(1)))

	assert.Equal(t, "79be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798", e.PubKey)
	assert.Len(t, e.ID, 64)
	assert.Len(t, e.Sig, 128)
	assert.True(t, e.CheckID())
	require.NoError(t, e.Verify())

	t.Run("tampered content", func(t *testing.T) {
		bad := *e
		bad.Content = "hellO"
		assert.ErrorIs(t, bad.Verify(), nsigner.ErrMalformedRequest)
	})

	t.Run("tampered signature", func(t *testing.T) {
		bad := *e
		bad.Sig = e.Sig[:126] + "00"
		if bad.Sig == e.Sig {
			bad.Sig = e.Sig[:126] + "01"
		}
		assert.Error(t, bad.Verify())
	})
}

func TestParseEvent(t *testing.T) {
	e, err := ParseEvent([]byte(`{"kind":1,"created_at":5,"content":"hi"}`))
	require.NoError(t, err)
	assert.NotNil(t, e.Tags)
	assert.Equal(t, 1, e.Kind)

	_, err = ParseEvent([]byte(`{"kind":"one"}`))
	assert.ErrorIs(t, err, nsigner.ErrMalformedRequest)

	_, err = ParseEvent([]byte(`{"kind":70000,"created_at":5}`))
	assert.ErrorIs(t, err, nsigner.ErrMalformedRequest)

	_, err = ParseEvent([]byte(`{"kind":1,"tags":[["p",1]]}`))
	assert.ErrorIs(t, err, nsigner.ErrMalformedRequest)
}

func TestEvent_JSONRoundTripKeepsID(t *testing.T) {
	e := &Event{CreatedAt: 42, Kind: 7, Tags: Tags{{"e", "x"}}, Content: "+"}
	require.NoError(t, e.Sign(scalar(3)))

	data, err := json.Marshal(e)
	require.NoError(t, err)
	back, err := ParseEvent(data)
	require.NoError(t, err)
	assert.NoError(t, back.Verify())
}

func TestTags(t *testing.T) {
	tags := Tags{{"p", "one"}, {"e"}, {"p", "two"}}
	assert.Equal(t, "one", tags.Value("p"))
	assert.Equal(t, "", tags.Value("e"))
	assert.Nil(t, tags.First("d"))
}
