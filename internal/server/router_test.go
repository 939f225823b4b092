package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRouterDispatch(t *testing.T) {
	mark := func(tag string) http.HandlerFunc {
		return func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("X-Handler", tag)
		}
	}

	router := NewRouter(Routes{
		Proxy:              mark("proxy"),
		SmartConfiguration: mark("smart"),
		Settings:           mark("settings"),
		Metrics:            mark("metrics"),
	})

	cases := []struct {
		path string
		want string
	}{
		{"/fhir/.well-known/smart-configuration", "smart"},
		{"/settings", "settings"},
		{"/settings/UPSTREAM_SERVER", "settings"},
		{"/metrics", "metrics"},
		{"/fhir/Patient/123", "proxy"},
		{"/", "proxy"},
		{"/anything/else", "proxy"},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest("GET", tc.path, nil))
		assert.Equal(t, tc.want, rec.Header().Get("X-Handler"), tc.path)
	}
}

func TestNewRequiresHandler(t *testing.T) {
	_, err := New(testConfig(), testLogger(), nil)
	assert.Error(t, err)
}
