package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"mindgraphix/db"
	"mindgraphix/models"
	"mindgraphix/utils"

	"github.com/gin-gonic/gin"
)

// readBody reads at most limit bytes of the request body.
func readBody(c *gin.Context, limit int64) ([]byte, bool) {
	if limit <= 0 {
		limit = 10 << 20
	}
	data, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			utils.GinError(c, http.StatusRequestEntityTooLarge, fmt.Sprintf("request body exceeds %d bytes", limit))
			return nil, false
		}
		utils.GinBadRequest(c, "could not read request body")
		return nil, false
	}
	return data, true
}

// unescapedJSON writes v the way the store encodes it, leaving <, > and &
// untouched.
func unescapedJSON(c *gin.Context, status int, v any) {
	data, err := db.EncodeJSON(v, "")
	if err != nil {
		GinStoreError(c, err)
		return
	}
	c.Data(status, "application/json; charset=utf-8", data)
}

// GetContentHandler returns every content entry as a flat map.
// @Summary      Get all site content
// @Description  Returns the flat `key -> value` map the site renders from. The ETag is the current store revision.
// @Tags         Content
// @Produce      json
// @Success      200  {object}  map[string]any
// @Router       /content [get]
func GetContentHandler(c *gin.Context, d *Deps) {
	setETag(c, d.Store.Revision())
	unescapedJSON(c, http.StatusOK, d.Store.ContentBlob())
}

// GetContentKeyHandler returns one entry. Keys may address a field inside
// a stored object, e.g. theme.colors.primary.
// @Summary      Get one content entry
// @Tags         Content
// @Produce      json
// @Param        key  path  string  true  "Dotted content key"
// @Success      200  {object}  models.ContentEntry
// @Failure      400  {object}  utils.APIError "Malformed key"
// @Failure      404  {object}  utils.APIError "No such key"
// @Router       /content/{key} [get]
func GetContentKeyHandler(c *gin.Context, d *Deps) {
	entry, err := d.Store.ContentEntry(c.Param("key"))
	if err != nil {
		GinStoreError(c, err)
		return
	}
	setETag(c, entry.Revision)
	unescapedJSON(c, http.StatusOK, entry)
}

// GetContentHTMLHandler renders a Markdown string entry.
// @Summary      Render content as HTML
// @Tags         Content
// @Produce      html
// @Param        key  path  string  true  "Dotted content key"
// @Success      200  {string}  string
// @Failure      400  {object}  utils.APIError "Entry is not a string"
// @Failure      404  {object}  utils.APIError
// @Router       /content/{key}/html [get]
func GetContentHTMLHandler(c *gin.Context, d *Deps) {
	html, err := d.Store.RenderContent(c.Param("key"))
	if err != nil {
		GinStoreError(c, err)
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(html))
}

// ContentValueRequest is the body of PUT /content/{key}.
type ContentValueRequest struct {
	Value json.RawMessage `json:"value" swaggertype:"object"`
}

// UpdateContentKeyHandler writes one entry.
// @Summary      Update one content entry
// @Description  Writes the value at key after checking it against the content schema. Send `If-Match` with the entry's revision to avoid overwriting someone else's edit.
// @Tags         Content
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        key       path    string               true  "Dotted content key"
// @Param        If-Match  header  string               false "Expected revision, quoted"
// @Param        body      body    ContentValueRequest  true  "New value"
// @Success      200  {object}  models.ContentEntry
// @Failure      400  {object}  utils.APIError "Value does not match the schema"
// @Failure      409  {object}  utils.APIError "Revision conflict"
// @Failure      413  {object}  utils.APIError "Quota exceeded"
// @Router       /content/{key} [put]
func UpdateContentKeyHandler(c *gin.Context, d *Deps) {
	rev, ok := ifMatch(c)
	if !ok {
		return
	}
	var req ContentValueRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Value) == 0 {
		utils.GinBadRequest(c, "body must be {\"value\": <json>}")
		return
	}
	entry, err := d.Store.UpdateContent(c.Param("key"), req.Value, rev)
	if err != nil {
		GinStoreError(c, err)
		return
	}
	setETag(c, entry.Revision)
	unescapedJSON(c, http.StatusOK, entry)
}

// UpdateContentBatchHandler writes several entries atomically.
// @Summary      Update several content entries
// @Description  Either every key in the body is written or none is.
// @Tags         Content
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        body  body  map[string]any  true  "Key to value map"
// @Success      200  {object}  map[string]int64
// @Failure      400  {object}  utils.APIError
// @Router       /content [put]
func UpdateContentBatchHandler(c *gin.Context, d *Deps) {
	var values map[string]json.RawMessage
	if err := c.ShouldBindJSON(&values); err != nil || len(values) == 0 {
		utils.GinBadRequest(c, "body must be a non-empty object of content keys")
		return
	}
	rev, err := d.Store.UpdateContentBatch(values)
	if err != nil {
		GinStoreError(c, err)
		return
	}
	setETag(c, rev)
	c.JSON(http.StatusOK, gin.H{"revision": rev, "written": len(values)})
}

// DeleteContentKeyHandler removes an entry.
// @Summary      Delete a content entry
// @Tags         Content
// @Security     BearerAuth
// @Param        key       path    string  true   "Dotted content key"
// @Param        If-Match  header  string  false  "Expected revision, quoted"
// @Success      204
// @Failure      404  {object}  utils.APIError
// @Failure      409  {object}  utils.APIError
// @Router       /content/{key} [delete]
func DeleteContentKeyHandler(c *gin.Context, d *Deps) {
	rev, ok := ifMatch(c)
	if !ok {
		return
	}
	if err := d.Store.DeleteContent(c.Param("key"), rev); err != nil {
		GinStoreError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ExportContentHandler downloads the content export envelope.
// @Summary      Export site content
// @Tags         Admin
// @Produce      json
// @Security     BearerAuth
// @Success      200  {object}  db.ContentExport
// @Router       /admin/content/export [get]
func ExportContentHandler(c *gin.Context, d *Deps) {
	export, err := d.Store.ExportContent()
	if err != nil {
		GinStoreError(c, err)
		return
	}
	filename := fmt.Sprintf("content-export-%s.json", export.ExportedAt.Format("20060102-150405"))
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
	unescapedJSON(c, http.StatusOK, export)
}

// ImportContentHandler loads an export or a legacy content blob.
// @Summary      Import site content
// @Description  Accepts a content export, or a bare legacy `siteContent` object. `mode=replace` (default) wipes existing content first; `mode=merge` keeps keys the file does not mention.
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        mode  query  string  false  "replace or merge"
// @Success      200  {object}  db.ImportResult
// @Failure      400  {object}  utils.APIError "Malformed file, checksum mismatch or schema violation"
// @Router       /admin/content/import [post]
func ImportContentHandler(c *gin.Context, d *Deps) {
	data, ok := readBody(c, d.Config.MaxUploadBytes)
	if !ok {
		return
	}
	mode := db.ImportMode(c.Query("mode"))
	result, err := d.Store.ImportContent(data, mode)
	if err != nil {
		GinStoreError(c, err)
		return
	}
	details := fmt.Sprintf("mode=%s written=%d removed=%d legacy=%t", orDefault(string(mode), string(db.ImportReplace)), result.Written, result.Removed, result.Legacy)
	_, _ = d.Store.AppendAdminLog("content_import", actorName(c), details, models.SeverityWarning)
	c.JSON(http.StatusOK, result)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// timestamped returns name-<ts>.json for download headers.
func timestamped(name string) string {
	return fmt.Sprintf("%s-%s.json", name, time.Now().UTC().Format("20060102-150405"))
}
