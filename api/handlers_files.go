package api

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"

	"mindgraphix/blob"
	"mindgraphix/logx"
	"mindgraphix/models"
	"mindgraphix/utils"

	"github.com/gin-gonic/gin"
)

// UploadFileHandler stores a multipart "file" field in blob storage and
// records its metadata.
// @Summary      Upload a file
// @Tags         Files
// @Accept       multipart/form-data
// @Produce      json
// @Security     BearerAuth
// @Param        file  formData  file  true  "File to upload"
// @Success      201  {object}  models.UploadedFile
// @Failure      400  {object}  utils.APIError "Missing file"
// @Failure      413  {object}  utils.APIError "File too large"
// @Router       /files [post]
func UploadFileHandler(c *gin.Context, d *Deps) {
	limit := d.Config.MaxUploadBytes
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit+1<<20)

	header, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			utils.GinError(c, http.StatusRequestEntityTooLarge, fmt.Sprintf("file exceeds %d bytes", limit))
			return
		}
		utils.GinBadRequest(c, "multipart field 'file' is required")
		return
	}
	if header.Size > limit {
		utils.GinError(c, http.StatusRequestEntityTooLarge, fmt.Sprintf("file exceeds %d bytes", limit))
		return
	}
	src, err := header.Open()
	if err != nil {
		utils.GinBadRequest(c, "could not read uploaded file")
		return
	}
	defer src.Close()

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	key := blob.NewKey(header.Filename)
	hash := sha256.New()
	ctx := c.Request.Context()
	if err := d.Blobs.Put(ctx, key, io.TeeReader(src, hash), header.Size, contentType); err != nil {
		logx.Error(err, "Blob write failed", "key", key)
		utils.GinInternalServerError(c, "could not store file")
		return
	}

	file, err := d.Store.RecordUpload(models.UploadedFile{
		Name:        header.Filename,
		ContentType: contentType,
		Size:        header.Size,
		Checksum:    hex.EncodeToString(hash.Sum(nil)),
		StorageKey:  key,
		UploadedBy:  actorName(c),
	})
	if err != nil {
		if derr := d.Blobs.Delete(ctx, key); derr != nil {
			logx.Warn("Orphaned blob after failed upload record", "key", key, "error", derr.Error())
		}
		GinStoreError(c, err)
		return
	}
	setETag(c, file.Revision)
	c.JSON(http.StatusCreated, file)
}

// ListFilesHandler lists file metadata, newest first.
// @Summary      List files
// @Tags         Files
// @Produce      json
// @Security     BearerAuth
// @Param        page   query  int  false  "1-based page"
// @Param        limit  query  int  false  "Page size"
// @Success      200  {object}  db.Page[models.UploadedFile]
// @Router       /files [get]
func ListFilesHandler(c *gin.Context, d *Deps) {
	page, err := d.Store.ListUploads(listOptions(c))
	if err != nil {
		GinStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// GetFileHandler returns one file's metadata.
// @Summary      Get file metadata
// @Tags         Files
// @Produce      json
// @Security     BearerAuth
// @Param        id  path  string  true  "File ID"
// @Success      200  {object}  models.UploadedFile
// @Failure      404  {object}  utils.APIError
// @Router       /files/{id} [get]
func GetFileHandler(c *gin.Context, d *Deps) {
	file, err := d.Store.GetUpload(c.Param("id"))
	if err != nil {
		GinStoreError(c, err)
		return
	}
	setETag(c, file.Revision)
	c.JSON(http.StatusOK, file)
}

// DownloadFileHandler redirects to a presigned URL when the backend issues
// one, and streams the body otherwise.
// @Summary      Download a file
// @Tags         Files
// @Produce      octet-stream
// @Security     BearerAuth
// @Param        id  path  string  true  "File ID"
// @Success      200  {file}  file
// @Success      302
// @Failure      404  {object}  utils.APIError
// @Router       /files/{id}/download [get]
func DownloadFileHandler(c *gin.Context, d *Deps) {
	file, err := d.Store.GetUpload(c.Param("id"))
	if err != nil {
		GinStoreError(c, err)
		return
	}
	ctx := c.Request.Context()
	url, err := d.Blobs.URL(ctx, file.StorageKey, file.Name)
	if err != nil {
		GinStoreError(c, err)
		return
	}
	if url != "" {
		c.Redirect(http.StatusFound, url)
		return
	}

	body, err := d.Blobs.Open(ctx, file.StorageKey)
	if err != nil {
		GinStoreError(c, err)
		return
	}
	defer body.Close()
	c.Header("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": file.Name}))
	c.Header("X-Checksum-Sha256", file.Checksum)
	c.DataFromReader(http.StatusOK, file.Size, file.ContentType, body, nil)
}

// DeleteFileHandler removes the metadata, then the blob.
// @Summary      Delete a file
// @Tags         Files
// @Security     BearerAuth
// @Param        id  path  string  true  "File ID"
// @Success      204
// @Failure      404  {object}  utils.APIError
// @Router       /files/{id} [delete]
func DeleteFileHandler(c *gin.Context, d *Deps) {
	file, err := d.Store.DeleteUpload(c.Param("id"), actorName(c))
	if err != nil {
		GinStoreError(c, err)
		return
	}
	if err := d.Blobs.Delete(c.Request.Context(), file.StorageKey); err != nil {
		logx.Warn("Blob delete failed after metadata removal", "key", file.StorageKey, "error", err.Error())
	}
	c.Status(http.StatusNoContent)
}
