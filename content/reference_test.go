package content

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"xdao.co/audex/cidutil"
)

func TestReferenceJSONIsStrict(t *testing.T) {
	id, err := cidutil.Sum([]byte("track"))
	require.NoError(t, err)
	ref := Reference{Digest: id, Size: 5, Media: Audio}

	b, err := json.Marshal(ref)
	require.NoError(t, err)
	require.JSONEq(t, `{"digest":"`+id.String()+`","size":5,"mediaClass":"audio"}`, string(b))

	var back Reference
	require.NoError(t, json.Unmarshal(b, &back))
	require.True(t, back.Equal(ref))

	require.Error(t, json.Unmarshal([]byte(`{"digest":"`+id.String()+`","size":5,"mediaClass":"audio","extra":1}`), &back))
	require.Error(t, json.Unmarshal([]byte(`{"digest":"nope","size":5,"mediaClass":"audio"}`), &back))
	require.Error(t, json.Unmarshal([]byte(`{"digest":"`+id.String()+`","size":5,"mediaClass":"smell"}`), &back))

	_, err = json.Marshal(Reference{})
	require.Error(t, err)
}

func TestParseMediaClass(t *testing.T) {
	c, err := ParseMediaClass(" Audio ")
	require.NoError(t, err)
	require.Equal(t, Audio, c)
	_, err = ParseMediaClass("hologram")
	require.Error(t, err)
}
