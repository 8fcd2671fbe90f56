package bind_test

import (
	"database/sql"
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mickamy/sqlcapture/internal/bind"
)

type province struct {
	Name string
}

type city struct {
	ID          int64  `db:"id"`
	CityName    string `db:"city_name" json:"cityName"`
	Description string
	Province    *province
	Tags        []string
	hidden      string
}

type money struct{ cents int64 }

func TestRegistryIsScalar(t *testing.T) {
	t.Parallel()

	r := bind.NewRegistry()
	now := time.Now()
	tcs := []struct {
		name string
		v    any
		want bool
	}{
		{name: "nil", v: nil, want: false},
		{name: "int", v: 7, want: true},
		{name: "string", v: "x", want: true},
		{name: "pointer to string", v: new(string), want: true},
		{name: "time", v: now, want: true},
		{name: "bytes", v: []byte("x"), want: true},
		{name: "valuer", v: sql.NullString{String: "x", Valid: true}, want: true},
		{name: "struct", v: city{}, want: false},
		{name: "map", v: map[string]any{}, want: false},
	}
	for _, tc := range tcs {
		if got := r.IsScalar(tc.v); got != tc.want {
			t.Fatalf("IsScalar(%s) = %v, want %v", tc.name, got, tc.want)
		}
	}

	assert.False(t, r.IsScalar(money{}))
	r.Register(reflect.TypeOf(&money{}))
	assert.True(t, r.IsScalar(money{}))
}

func TestRegistryGetter(t *testing.T) {
	t.Parallel()

	r := bind.NewRegistry()
	c := &city{ID: 1, CityName: "Lagos", Description: "Capital", hidden: "h"}

	tcs := []struct {
		name   string
		v      any
		prop   string
		want   any
		wantOK bool
	}{
		{name: "field name", v: c, prop: "Description", want: "Capital", wantOK: true},
		{name: "db tag", v: c, prop: "city_name", want: "Lagos", wantOK: true},
		{name: "json tag", v: c, prop: "cityName", want: "Lagos", wantOK: true},
		{name: "case insensitive", v: c, prop: "description", want: "Capital", wantOK: true},
		{name: "db tag id", v: c, prop: "id", want: int64(1), wantOK: true},
		{name: "unexported", v: c, prop: "hidden", wantOK: false},
		{name: "missing", v: c, prop: "nope", wantOK: false},
		{name: "map", v: map[string]any{"cityName": "Abuja"}, prop: "cityName", want: "Abuja", wantOK: true},
		{name: "slice index", v: []int{4, 5}, prop: "1", want: 5, wantOK: true},
		{name: "slice out of range", v: []int{4}, prop: "3", wantOK: false},
		{name: "nil pointer", v: (*city)(nil), prop: "id", wantOK: false},
	}
	for _, tc := range tcs {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, ok := r.Getter(tc.v, tc.prop)
			require.Equal(t, tc.wantOK, ok)
			if tc.wantOK {
				assert.Equal(t, tc.want, got)
			}
		})
	}
}

func TestRegistryLookup(t *testing.T) {
	t.Parallel()

	r := bind.NewRegistry()
	c := city{CityName: "Lagos", Province: &province{Name: "Lagos State"}, Tags: []string{"coastal", "large"}}
	params := map[string]any{"city": c, "list": []city{{ID: 10}, {ID: 20}}}

	got, err := r.Lookup(params, "city.province.name")
	require.NoError(t, err)
	assert.Equal(t, "Lagos State", got)

	got, err = r.Lookup(params, "list[1].id")
	require.NoError(t, err)
	assert.Equal(t, int64(20), got)

	got, err = r.Lookup(params, "city.tags[0]")
	require.NoError(t, err)
	assert.Equal(t, "coastal", got)

	got, err = r.Lookup(map[string]any{"city": city{}}, "city.province.name")
	require.NoError(t, err, "nil intermediate resolves to nil")
	assert.Nil(t, got)

	_, err = r.Lookup(params, "city.mayor")
	require.Error(t, err)
	assert.True(t, bind.Error.Has(err))
}
