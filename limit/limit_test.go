package limit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEquivalentForms(t *testing.T) {
	forms := []string{
		"10/minute",
		"10 per minute",
		"10 per 1 minute",
		"10/1 minute",
		"  10   PER   1   MINUTE  ",
	}

	var want Limit
	for i, f := range forms {
		got, err := Parse(f)
		require.NoError(t, err, f)
		if i == 0 {
			want = got
		}
		assert.Equal(t, want, got, f)
	}

	assert.Equal(t, Limit{Amount: 10, Multiples: 1, Granularity: Minute}, want)
}

func TestParseMultiples(t *testing.T) {
	l, err := Parse("5 per 3 seconds")
	require.NoError(t, err)
	assert.Equal(t, Limit{Amount: 5, Multiples: 3, Granularity: Second}, l)
	assert.EqualValues(t, 3, l.WindowSeconds())
}

func TestParseMalformed(t *testing.T) {
	cases := []string{"", "abc", "10", "10/fortnight", "0/minute", "-1/minute", "10 per"}
	for _, c := range cases {
		_, err := Parse(c)
		assert.Error(t, err, c)
		assert.True(t, IsMalformed(err), c)
	}
}

func TestCanonicalRoundTrip(t *testing.T) {
	limits := []Limit{
		{Amount: 10, Multiples: 1, Granularity: Minute},
		{Amount: 5, Multiples: 3, Granularity: Second},
		{Amount: 1, Multiples: 1, Granularity: Year},
	}
	for _, l := range limits {
		s := l.String()
		reparsed, err := Parse(s)
		require.NoError(t, err, s)
		assert.Equal(t, s, reparsed.String(), "canonical(parse(s)) == s for %q", s)
	}
}

func TestKeyIsolationByLimitShape(t *testing.T) {
	a, _ := New(10, 1, Minute)
	b, _ := New(10, 1, Hour)
	c, _ := New(11, 1, Minute)
	d, _ := New(10, 2, Minute)

	keys := map[string]bool{}
	for _, l := range []Limit{a, b, c, d} {
		k := l.Key("user:1")
		assert.False(t, keys[k], "collision for %v", l)
		keys[k] = true
	}
}

func TestKeyIsolationByIdentity(t *testing.T) {
	l, _ := New(10, 1, Minute)
	assert.NotEqual(t, l.Key("user:1"), l.Key("user:2"))
}

func TestParseMany(t *testing.T) {
	limits, err := ParseMany("100/minute;1000/hour, 10/second")
	require.NoError(t, err)
	require.Len(t, limits, 3)
	assert.Equal(t, Minute, limits[0].Granularity)
	assert.Equal(t, Hour, limits[1].Granularity)
	assert.Equal(t, Second, limits[2].Granularity)
}

func TestGranularitySeconds(t *testing.T) {
	assert.EqualValues(t, 1, Second.Seconds())
	assert.EqualValues(t, 60, Minute.Seconds())
	assert.EqualValues(t, 3600, Hour.Seconds())
	assert.EqualValues(t, 86400, Day.Seconds())
	assert.EqualValues(t, 30*86400, Month.Seconds())
	assert.EqualValues(t, 365*86400, Year.Seconds())
}
