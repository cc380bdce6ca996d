package server

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeBasePath(t *testing.T) {
	for in, want := range map[string]string{
		"":          "",
		"/":         "",
		" // ":      "",
		"api":       "/api",
		"/api/":     "/api",
		"/a/b//":    "/a/b",
		"a//b/../c": "/a/c",
		" /x ":      "/x",
	} {
		assert.Equal(t, want, normalizeBasePath(in), "input %q", in)
	}
}

func TestAbortWithStopsChain(t *testing.T) {
	gin.SetMode(gin.TestMode)
	g := gin.New()
	reached := false
	g.GET("/x", func(c *gin.Context) { abortWith(c, http.StatusTeapot, "nope") }, func(c *gin.Context) { reached = true })

	rec := doReq(t, g, http.MethodGet, "/x", nil)
	require.Equal(t, http.StatusTeapot, rec.Code)
	assert.False(t, reached)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")
	var body errorResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "nope", body.Error)
}
