package eviction_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wkalt/objectserver/eviction"
	"github.com/wkalt/objectserver/objectid"
)

func TestLRUPolicy(t *testing.T) {
	cases := []struct {
		assertion string
		added     []objectid.ID
		accessed  []objectid.ID
		removed   []objectid.ID
		free      *objectid.Set
		resident  int
		target    int
		expected  []objectid.ID
	}{
		{
			"least recently accessed first",
			[]objectid.ID{1, 2, 3, 4, 5},
			[]objectid.ID{1, 3},
			nil,
			objectid.NewSet(1, 2, 3, 5),
			5,
			2,
			[]objectid.ID{2, 5, 1},
		},
		{
			"never more than the free set",
			[]objectid.ID{1, 2, 3},
			nil,
			nil,
			objectid.NewSet(2),
			3,
			0,
			[]objectid.ID{2},
		},
		{
			"nothing when already under target",
			[]objectid.ID{1, 2, 3},
			nil,
			nil,
			objectid.NewSet(1, 2, 3),
			3,
			5,
			[]objectid.ID{},
		},
		{
			"removed objects are not proposed",
			[]objectid.ID{1, 2, 3},
			nil,
			[]objectid.ID{1},
			objectid.NewSet(2, 3),
			3,
			1,
			[]objectid.ID{2, 3},
		},
		{
			"untracked free objects come last in ascending order",
			[]objectid.ID{5},
			nil,
			nil,
			objectid.NewSet(9, 5, 7),
			3,
			0,
			[]objectid.ID{5, 7, 9},
		},
		{
			"accessing an untracked object starts tracking it",
			[]objectid.ID{1},
			[]objectid.ID{8},
			nil,
			objectid.NewSet(1, 8),
			2,
			1,
			[]objectid.ID{1},
		},
	}
	for _, c := range cases {
		t.Run(c.assertion, func(t *testing.T) {
			p := eviction.NewLRUPolicy()
			for _, id := range c.added {
				p.Add(id)
			}
			for _, id := range c.accessed {
				p.Accessed(id)
			}
			for _, id := range c.removed {
				p.Remove(id)
			}
			require.Equal(t, c.expected, p.SelectEvictionCandidates(c.free, c.resident, c.target))
		})
	}
}

func TestARCPolicy(t *testing.T) {
	t.Run("objects seen once go before objects seen repeatedly", func(t *testing.T) {
		p, err := eviction.NewARCPolicy(10)
		require.NoError(t, err)
		for _, id := range []objectid.ID{1, 2, 3} {
			p.Add(id)
		}
		p.Accessed(1)
		got := p.SelectEvictionCandidates(objectid.NewSet(1, 2, 3), 3, 1)
		require.Equal(t, []objectid.ID{2, 3}, got)
	})
	t.Run("invalid size", func(t *testing.T) {
		_, err := eviction.NewARCPolicy(0)
		require.Error(t, err)
	})
	t.Run("objects beyond capacity are still proposed", func(t *testing.T) {
		p, err := eviction.NewARCPolicy(2)
		require.NoError(t, err)
		for _, id := range []objectid.ID{1, 2, 3, 4} {
			p.Add(id)
		}
		got := p.SelectEvictionCandidates(objectid.Range(1, 5), 4, 0)
		require.ElementsMatch(t, []objectid.ID{1, 2, 3, 4}, got)
	})
}

func TestNullPolicy(t *testing.T) {
	p := eviction.NewNullPolicy()
	p.Add(1)
	p.Accessed(1)
	require.Empty(t, p.SelectEvictionCandidates(objectid.NewSet(1), 100, 0))
}

func TestByName(t *testing.T) {
	cases := []struct {
		assertion string
		name      string
		expected  string
		err       bool
	}{
		{"null", "null", "null", false},
		{"default is lru", "", "lru", false},
		{"lru", "lru", "lru", false},
		{"arc", "arc", "arc(16)", false},
		{"unknown", "clock", "", true},
	}
	for _, c := range cases {
		t.Run(c.assertion, func(t *testing.T) {
			p, err := eviction.ByName(c.name, 16)
			if c.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, c.expected, p.String())
		})
	}
}
