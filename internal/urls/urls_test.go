package urls

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dferrors "github.com/gwdatafind/datafind-server/pkg/errors"
)

func TestBuilder_Expand(t *testing.T) {
	b, err := NewBuilder([]Endpoint{
		{Scheme: "file"},
		{Scheme: "gsiftp", Host: "ldr.example.org", Port: 15000},
		{Scheme: "https", Host: "data.example.org", StripPrefix: "/data", AddPrefix: "/frames"},
		{Scheme: "osdf"},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"file", "gsiftp", "https"}, b.Schemes())
	assert.Equal(t, []string{
		"file://localhost/data/H/H-T-1000-4.gwf",
		"gsiftp://ldr.example.org:15000/data/H/H-T-1000-4.gwf",
		"https://data.example.org/frames/H/H-T-1000-4.gwf",
	}, b.Expand("/data/H/H-T-1000-4.gwf"))
}

func TestBuilder_RelativePath(t *testing.T) {
	b, err := NewBuilder([]Endpoint{{Scheme: "FILE", Host: "node1"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"file://node1/rel/H-T-0-1.gwf"}, b.Expand("rel/H-T-0-1.gwf"))
}

func TestBuilder_Invalid(t *testing.T) {
	_, err := NewBuilder([]Endpoint{{Host: "x"}})
	assert.True(t, errors.Is(err, dferrors.NewError(dferrors.ErrCodeInvalidConfig, "")))

	_, err = NewBuilder([]Endpoint{{Scheme: "gsiftp", Host: "x", Port: 70000}})
	assert.Error(t, err)
}

func TestBuilder_NoEndpoints(t *testing.T) {
	b, err := NewBuilder(nil)
	require.NoError(t, err)
	assert.Empty(t, b.Expand("/data/f.gwf"))
}

func TestDedupe(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, Dedupe([]string{"a", "b", "a", "c", "b"}))
	assert.Equal(t, []string{}, Dedupe(nil))
}

func TestFilter_Apply(t *testing.T) {
	urls := []string{
		"file://localhost/data/H-T-0-4.gwf",
		"gsiftp://ldr.example.org:15000/data/H-T-0-4.gwf",
		"https://data.example.org/frames/H-T-0-4.gwf",
	}

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"none", Filter{}, urls},
		{"scheme", Filter{Scheme: "gsiftp"}, urls[1:2]},
		{"scheme case", Filter{Scheme: "HTTPS"}, urls[2:]},
		{"match", Filter{Match: "example.org"}, urls[1:]},
		{"both", Filter{Scheme: "https", Match: "frames"}, urls[2:]},
		{"nothing", Filter{Scheme: "root"}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.filter.Apply(urls)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := Filter{Match: "("}.Apply(urls)
	assert.True(t, errors.Is(err, dferrors.ErrInvalidRequest))
}

func TestRanker_Determinism(t *testing.T) {
	r, err := NewRanker([]Rule{{Pattern: "gsiftp://", Prefer: []string{"ldr-a"}}})
	require.NoError(t, err)

	a := "gsiftp://ldr-a.example.org/data/f.gwf"
	b := "gsiftp://ldr-b.example.org/data/f.gwf"

	assert.Equal(t, []string{a}, r.Rank([]string{b, a}))
	assert.Equal(t, []string{a}, r.Rank([]string{a, b}))

	c := "gsiftp://ldr-c.example.org/data/f.gwf"
	assert.Equal(t, []string{b, c}, r.Rank([]string{b, c}), "no sub-pattern match keeps the group")
}

func TestRanker_Rank(t *testing.T) {
	r, err := NewRanker([]Rule{
		{Pattern: "^file://", Prefer: []string{"localhost"}},
		{Pattern: "^gsiftp://", Prefer: []string{"primary", "secondary"}},
	})
	require.NoError(t, err)

	tests := []struct {
		name string
		in   []string
		want []string
	}{
		{
			name: "single member groups kept",
			in:   []string{"gsiftp://other/f", "file://node/f"},
			want: []string{"file://node/f", "gsiftp://other/f"},
		},
		{
			name: "first sub-pattern wins over later ones",
			in:   []string{"gsiftp://secondary/f", "gsiftp://primary-2/f", "gsiftp://primary-1/f"},
			want: []string{"gsiftp://primary-2/f"},
		},
		{
			name: "later sub-pattern used when earlier misses",
			in:   []string{"gsiftp://tertiary/f", "gsiftp://secondary/f"},
			want: []string{"gsiftp://secondary/f"},
		},
		{
			name: "unmatched urls pass through at the end",
			in:   []string{"https://web/f", "file://localhost/f", "root://xrd/f", "file://node/f"},
			want: []string{"file://localhost/f", "https://web/f", "root://xrd/f"},
		},
		{
			name: "empty",
			in:   nil,
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.Rank(tt.in))
		})
	}
}

func TestRanker_NoRules(t *testing.T) {
	r, err := NewRanker(nil)
	require.NoError(t, err)
	in := []string{"b", "a"}
	assert.Equal(t, in, r.Rank(in))
}

func TestRanker_Select(t *testing.T) {
	r, err := NewRanker([]Rule{{Pattern: "gsiftp", Prefer: []string{"a\\."}}})
	require.NoError(t, err)

	urls := []string{"file://localhost/f", "gsiftp://b.host/f", "gsiftp://a.host/f"}

	got, err := r.Select(urls, Filter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"gsiftp://a.host/f", "file://localhost/f"}, got)

	got, err = r.Select(urls, Filter{Scheme: "file"})
	require.NoError(t, err)
	assert.Equal(t, []string{"file://localhost/f"}, got)

	_, err = r.Select(urls, Filter{Match: "["})
	assert.Error(t, err)
}

func TestNewRanker_Invalid(t *testing.T) {
	_, err := NewRanker([]Rule{{Pattern: "("}})
	assert.Error(t, err)
	_, err = NewRanker([]Rule{{Pattern: "ok", Prefer: []string{"("}}})
	assert.Error(t, err)
}
