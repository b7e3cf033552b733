package httpapi

import (
	"net/http"

	"github.com/dmitrijs2005/opsportal/internal/server/models"
	"github.com/dmitrijs2005/opsportal/internal/server/services"
	"github.com/gin-gonic/gin"
)

type signedFile struct {
	models.FileDescriptor
	URL string `json:"url"`
}

type batchResponse struct {
	Upload *models.FileUpload `json:"upload"`
	Files  []signedFile       `json:"files"`
}

// download redirects to a signed GET URL for key.
func (s *Server) download(c *gin.Context) {
	key := c.Query("key")
	if key == "" {
		respErrorStr(c, http.StatusBadRequest, "key is required")
		return
	}
	if !s.authorizeKey(c, key) {
		return
	}

	url, err := s.storage.PresignGet(c.Request.Context(), key, c.Query("name"), services.ParseExpiry(c.Query("exp")))
	if err != nil {
		respError(c, s.logger, err)
		return
	}
	c.Redirect(http.StatusFound, url)
}

// batch resolves an access link: the stored record plus a signed download
// URL per file.
func (s *Server) batch(c *gin.Context) {
	ctx := c.Request.Context()

	upload, err := s.uploads.GetBatch(ctx, c.Query("batchId"))
	if err != nil {
		respError(c, s.logger, err)
		return
	}

	// a link whose parent does not match the record points nowhere
	if refType := c.Query("refType"); refType != "" && refType != upload.RefType {
		respErrorStr(c, http.StatusNotFound, "batch not found")
		return
	}
	if refID := c.Query("refId"); refID != "" && refID != upload.RefID {
		respErrorStr(c, http.StatusNotFound, "batch not found")
		return
	}

	id := identity(c)
	if !id.IsAdmin() {
		if err := s.uploads.Authorize(ctx, id, upload.RefType, upload.RefID, upload.UserID); err != nil {
			respError(c, s.logger, err)
			return
		}
	}

	exp := services.ParseExpiry(c.Query("exp"))
	files := make([]signedFile, 0, len(upload.Files))
	for _, f := range upload.Files {
		url, err := s.storage.PresignGet(ctx, f.Key, f.Filename, exp)
		if err != nil {
			respError(c, s.logger, err)
			return
		}
		files = append(files, signedFile{FileDescriptor: f, URL: url})
	}

	respSuccess(c, http.StatusOK, batchResponse{Upload: upload, Files: files})
}
