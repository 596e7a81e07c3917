package uri

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want URI
	}{
		{"local topic", "/core.vehicle/door", URI{Entity: "core.vehicle", Resource: "door"}},
		{"local client", "/core.vehicle", URI{Entity: "core.vehicle"}},
		{"remote method", "//cloud/core.fleet/rpc.Locate", URI{Authority: "cloud", Entity: "core.fleet", Resource: "rpc.Locate"}},
		{"remote client", "//cloud/core.fleet", URI{Authority: "cloud", Entity: "core.fleet"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.in, got.String())
		})
	}
}

func TestParse_Invalid(t *testing.T) {
	for _, in := range []string{"", "   ", "core/door", "//", "//cloud", "//cloud//x", "/", "/a/b/c"} {
		_, err := Parse(in)
		assert.Error(t, err, "expected error for %q", in)
	}
}

func TestURI_Kinds(t *testing.T) {
	topic := MustParse("/svc/speed")
	method := MustParse("/svc/rpc.Set")
	response := MustParse("/svc/rpc.response")
	client := MustParse("/svc")

	assert.True(t, topic.IsTopic())
	assert.False(t, topic.IsMethod())

	assert.True(t, method.IsMethod())
	assert.False(t, method.IsTopic())
	assert.False(t, method.IsResponse())

	assert.True(t, response.IsResponse())
	assert.False(t, response.IsMethod())

	assert.False(t, client.IsTopic())
	assert.False(t, client.IsMethod())
	assert.False(t, URI{}.IsTopic())
	assert.False(t, MustParse("/svc/rpc.").IsMethod())
}

func TestURI_SameClient(t *testing.T) {
	a := MustParse("/svc/speed")
	assert.True(t, a.SameClient(MustParse("/svc/rpc.Set")))
	assert.True(t, a.SameClient(a.Client()))
	assert.False(t, a.SameClient(MustParse("/other/speed")))
	assert.False(t, a.SameClient(MustParse("//cloud/svc/speed")))
	assert.False(t, URI{}.SameClient(URI{}))
}

func TestURI_ResponseAddress(t *testing.T) {
	u := MustParse("//cloud/svc/rpc.Set")
	assert.Equal(t, "//cloud/svc/rpc.response", u.ResponseAddress().String())
	assert.True(t, u.IsRemote())
	assert.Empty(t, u.Client().Resource)
}

func TestURI_JSON(t *testing.T) {
	type wrapper struct {
		Topic URI `json:"topic"`
		Sink  URI `json:"sink"`
	}
	in := wrapper{Topic: MustParse("/svc/speed")}
	data, err := json.Marshal(in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"topic":"/svc/speed","sink":""}`, string(data))

	var out wrapper
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in, out)
}
