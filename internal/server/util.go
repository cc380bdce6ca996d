package server

import (
	"path"
	"strings"

	"github.com/gin-gonic/gin"
)

// normalizeBasePath turns " api/v1/ " into "/api/v1". The root maps to "".
func normalizeBasePath(bp string) string {
	bp = strings.Trim(strings.TrimSpace(bp), "/")
	if bp == "" {
		return ""
	}
	return path.Clean("/" + bp)
}

func abortWith(c *gin.Context, code int, msg string) {
	c.AbortWithStatusJSON(code, errorResp{Error: msg})
}
