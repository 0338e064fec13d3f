package pagination

import (
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefaults(t *testing.T) {
	params, err := Parse(url.Values{}, Options{})
	require.NoError(t, err)
	assert.Equal(t, DefaultPageSize, params.PageSize)
	assert.True(t, params.Cursor.IsZero())
}

func TestParsePageSize(t *testing.T) {
	cases := []struct {
		raw  string
		opts Options
		want int
	}{
		{raw: "10", want: 10},
		{raw: "1000", want: DefaultMaxPageSize},
		{raw: "30", opts: Options{MaxPageSize: 20}, want: 20},
		{raw: "", opts: Options{DefaultPageSize: 200, MaxPageSize: 25}, want: 25},
	}
	for _, tc := range cases {
		params, err := Parse(url.Values{"pageSize": {tc.raw}}, tc.opts)
		require.NoError(t, err, tc.raw)
		assert.Equal(t, tc.want, params.PageSize, tc.raw)
	}
}

func TestParseInvalidPageSize(t *testing.T) {
	for _, raw := range []string{"abc", "0", "-3"} {
		_, err := Parse(url.Values{"pageSize": {raw}}, Options{})
		assert.ErrorIs(t, err, ErrInvalidPageSize, raw)
	}
}

func TestParsePageToken(t *testing.T) {
	cursor := Cursor{CreatedAt: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC), ID: "01HX"}
	token, err := EncodeToken(cursor)
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/orders?pageToken="+token, nil)
	params, err := FromRequest(req, Options{})
	require.NoError(t, err)
	assert.Equal(t, token, params.PageToken)
	assert.True(t, cursor.CreatedAt.Equal(params.Cursor.CreatedAt))
	assert.Equal(t, "01HX", params.Cursor.ID)
}

func TestDecodeTokenInvalid(t *testing.T) {
	for _, token := range []string{"***", "bm90LWpzb24", "e30"} {
		_, err := DecodeToken(token)
		assert.ErrorIs(t, err, ErrInvalidPageToken, token)
	}
}

func TestCursorBefore(t *testing.T) {
	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	cursor := Cursor{CreatedAt: at, ID: "b"}

	assert.True(t, cursor.Before(at.Add(-time.Second), "z"))
	assert.True(t, cursor.Before(at, "a"))
	assert.True(t, cursor.Before(at, "b"))
	assert.False(t, cursor.Before(at, "c"))
	assert.False(t, cursor.Before(at.Add(time.Second), "a"))
	assert.False(t, Cursor{}.Before(at, "a"))
}

func TestTrim(t *testing.T) {
	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	key := func(id string) Cursor { return Cursor{CreatedAt: at, ID: id} }

	page, next, err := Trim([]string{"a", "b", "c"}, 2, key)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, page)

	cursor, err := DecodeToken(next)
	require.NoError(t, err)
	assert.Equal(t, "b", cursor.ID)

	page, next, err = Trim([]string{"a"}, 2, key)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, page)
	assert.Empty(t, next)
}
