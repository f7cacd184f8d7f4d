package pagination

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestParseParams(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name  string
		query string
		want  Params
	}{
		{"defaults", "", Params{Limit: DefaultLimit}},
		{"explicit", "?limit=5&offset=10", Params{Limit: 5, Offset: 10}},
		{"limit capped", "?limit=500", Params{Limit: MaxLimit}},
		{"negative values", "?limit=-1&offset=-3", Params{Limit: DefaultLimit}},
		{"not a number", "?limit=abc", Params{Limit: DefaultLimit}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := gin.CreateTestContext(httptest.NewRecorder())
			c.Request = httptest.NewRequest(http.MethodGet, "/trips"+tt.query, nil)

			assert.Equal(t, tt.want, ParseParams(c))
		})
	}
}

func TestSlice(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}

	assert.Equal(t, []int{1, 2}, Slice(items, Params{Limit: 2}))
	assert.Equal(t, []int{5}, Slice(items, Params{Limit: 2, Offset: 4}))
	assert.Equal(t, []int{}, Slice(items, Params{Limit: 2, Offset: 9}))
	assert.Equal(t, items, Slice(items, Params{}))
}

func TestBuildMeta(t *testing.T) {
	meta := BuildMeta(20, 40, 45)

	assert.Equal(t, 20, meta.Limit)
	assert.Equal(t, 40, meta.Offset)
	assert.Equal(t, int64(45), meta.Total)
	assert.Equal(t, 3, meta.TotalPages)
	assert.False(t, HasMore(40, 20, 45))
	assert.True(t, HasMore(20, 20, 45))
}
