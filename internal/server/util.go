package server

import (
	"net/http"
	"path"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/fpemud/mycdn-controller-sub000/internal/site"
)

// sanitizeBase normalizes a mount point to "" or "/a/b".
func sanitizeBase(bp string) string {
	bp = strings.Trim(strings.TrimSpace(bp), "/")
	if bp == "" {
		return ""
	}
	return path.Clean("/" + bp)
}

// siteParam returns the :id path parameter. An invalid id is answered with
// 400 and ok is false.
func siteParam(c *gin.Context) (id string, ok bool) {
	id = c.Param("id")
	if err := site.ValidID(id); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid site id"})
		return "", false
	}
	return id, true
}

// writeJSON answers with v; status responses must never be cached.
func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Cache-Control", "no-store")
	c.JSON(code, v)
}
