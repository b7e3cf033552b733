package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/dmitrijs2005/opsportal/internal/common"
	"github.com/dmitrijs2005/opsportal/internal/server/models"
	"github.com/dmitrijs2005/opsportal/internal/server/services"
	"github.com/gin-gonic/gin"
)

const msgInvalidBody = "invalid request body"

type recordRequest struct {
	RefType    string                  `json:"refType" binding:"required"`
	RefID      string                  `json:"refId" binding:"required"`
	UploadedBy string                  `json:"uploadedBy"`
	BatchID    string                  `json:"batchId" binding:"required"`
	S3Prefix   string                  `json:"s3Prefix" binding:"required"`
	Files      []models.FileDescriptor `json:"files"`
	Revision   *int64                  `json:"revision,omitempty"`
}

type abortRequest struct {
	Key      string `json:"key" binding:"required"`
	UploadID string `json:"uploadId" binding:"required"`
}

type setLinkRequest struct {
	RefType string `json:"refType" binding:"required"`
	RefID   string `json:"refId" binding:"required"`
	Field   string `json:"field" binding:"required"`
	Link    string `json:"link" binding:"required"`
}

type createMultipartRequest struct {
	RefType     string `json:"refType" binding:"required"`
	RefID       string `json:"refId" binding:"required"`
	Filename    string `json:"filename" binding:"required"`
	ContentType string `json:"contentType"`
}

type completeMultipartRequest struct {
	Key      string                   `json:"key" binding:"required"`
	UploadID string                   `json:"uploadId" binding:"required"`
	Parts    []services.CompletedPart `json:"parts"`
}

type markDeletableRequest struct {
	BatchID string `json:"batchId" binding:"required"`
}

// parentFromKey recovers the parent an object key was issued for from its
// "<refType>s/<refId>/" prefix.
func parentFromKey(key string) (refType, refID string, ok bool) {
	kind, rest, found := strings.Cut(key, "/")
	if !found {
		return "", "", false
	}
	refID, _, found = strings.Cut(rest, "/")
	if !found || refID == "" {
		return "", "", false
	}
	refType = strings.TrimSuffix(kind, "s")
	if refType == kind {
		return "", "", false
	}
	if _, known := models.ParentTable(refType); !known {
		return "", "", false
	}
	return refType, refID, true
}

// authorizeParent aborts the request and returns false when the caller may
// not act on the parent.
func (s *Server) authorizeParent(c *gin.Context, refType, refID string) bool {
	id := identity(c)
	if id.IsAdmin() {
		return true
	}
	if err := s.uploads.Authorize(c.Request.Context(), id, refType, refID, ""); err != nil {
		respError(c, s.logger, err)
		return false
	}
	return true
}

// authorizeKey is authorizeParent for an object key.
func (s *Server) authorizeKey(c *gin.Context, key string) bool {
	if identity(c).IsAdmin() {
		return true
	}
	refType, refID, ok := parentFromKey(key)
	if !ok {
		respErrorStr(c, http.StatusBadRequest, "key is not under a known parent prefix")
		return false
	}
	return s.authorizeParent(c, refType, refID)
}

func (s *Server) nextRevision(c *gin.Context) {
	rev, err := s.uploads.NextRevision(c.Request.Context(), c.Query("refType"), c.Query("refId"))
	if err != nil {
		respError(c, s.logger, err)
		return
	}
	respSuccess(c, http.StatusOK, gin.H{"revision": rev})
}

func (s *Server) recordSingles(c *gin.Context) {
	var req recordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respErrorStr(c, http.StatusBadRequest, msgInvalidBody)
		return
	}

	id := identity(c)
	if req.UploadedBy == "" {
		req.UploadedBy = common.RoleClient
		if id.IsAdmin() {
			req.UploadedBy = common.RoleAdmin
		}
	}
	if req.UploadedBy == common.RoleAdmin && !id.IsAdmin() {
		respErrorStr(c, http.StatusForbidden, "admin role required")
		return
	}
	// objects outside the parent's own prefix would become readable
	// through the batch link
	prefix, err := services.ParentPrefix(req.RefType, req.RefID)
	if err != nil {
		respError(c, s.logger, err)
		return
	}
	if !strings.HasPrefix(req.S3Prefix, prefix) {
		respErrorStr(c, http.StatusBadRequest, "s3Prefix must be under "+prefix)
		return
	}
	if !s.authorizeParent(c, req.RefType, req.RefID) {
		return
	}

	res, err := s.uploads.RecordBatch(c.Request.Context(), services.Batch{
		RefType:    req.RefType,
		RefID:      req.RefID,
		UserID:     id.UserID,
		UploadedBy: req.UploadedBy,
		BatchID:    req.BatchID,
		S3Prefix:   req.S3Prefix,
		Files:      req.Files,
		Revision:   req.Revision,
	})
	if err != nil {
		respError(c, s.logger, err)
		return
	}

	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	respSuccess(c, status, res)
}

func (s *Server) signPart(c *gin.Context) {
	key, uploadID := c.Query("key"), c.Query("uploadId")
	partNumber, err := strconv.ParseInt(c.Query("partNumber"), 10, 32)
	if err != nil {
		respErrorStr(c, http.StatusBadRequest, "partNumber must be an integer")
		return
	}
	if !s.authorizeKey(c, key) {
		return
	}

	url, err := s.storage.PresignUploadPart(c.Request.Context(), key, uploadID, int32(partNumber))
	if err != nil {
		respError(c, s.logger, err)
		return
	}
	respSuccess(c, http.StatusOK, gin.H{"url": url})
}

func (s *Server) abort(c *gin.Context) {
	var req abortRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respErrorStr(c, http.StatusBadRequest, msgInvalidBody)
		return
	}
	if !s.authorizeKey(c, req.Key) {
		return
	}

	if err := s.storage.AbortMultipart(c.Request.Context(), req.Key, req.UploadID); err != nil {
		respError(c, s.logger, err)
		return
	}
	respMessage(c, "multipart upload aborted")
}

func (s *Server) setLink(c *gin.Context) {
	var req setLinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respErrorStr(c, http.StatusBadRequest, msgInvalidBody)
		return
	}

	if err := s.uploads.SetLink(c.Request.Context(), req.RefType, req.RefID, req.Field, req.Link); err != nil {
		respError(c, s.logger, err)
		return
	}
	respMessage(c, "link updated")
}

func (s *Server) signPut(c *gin.Context) {
	refType, refID := c.Query("refType"), c.Query("refId")
	filename, contentType := c.Query("filename"), c.Query("contentType")
	if filename == "" {
		respErrorStr(c, http.StatusBadRequest, "filename is required")
		return
	}

	key, err := s.storage.NewObjectKey(refType, refID, filename)
	if err != nil {
		respError(c, s.logger, err)
		return
	}
	if !s.authorizeParent(c, refType, refID) {
		return
	}

	url, err := s.storage.PresignPut(c.Request.Context(), key, contentType)
	if err != nil {
		respError(c, s.logger, err)
		return
	}
	respSuccess(c, http.StatusOK, gin.H{"key": key, "url": url})
}

func (s *Server) createMultipart(c *gin.Context) {
	var req createMultipartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respErrorStr(c, http.StatusBadRequest, msgInvalidBody)
		return
	}

	key, err := s.storage.NewObjectKey(req.RefType, req.RefID, req.Filename)
	if err != nil {
		respError(c, s.logger, err)
		return
	}
	if !s.authorizeParent(c, req.RefType, req.RefID) {
		return
	}

	uploadID, err := s.storage.CreateMultipart(c.Request.Context(), key, req.ContentType)
	if err != nil {
		respError(c, s.logger, err)
		return
	}
	respSuccess(c, http.StatusCreated, gin.H{"key": key, "uploadId": uploadID})
}

func (s *Server) completeMultipart(c *gin.Context) {
	var req completeMultipartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respErrorStr(c, http.StatusBadRequest, msgInvalidBody)
		return
	}
	if !s.authorizeKey(c, req.Key) {
		return
	}

	if err := s.storage.CompleteMultipart(c.Request.Context(), req.Key, req.UploadID, req.Parts); err != nil {
		respError(c, s.logger, err)
		return
	}
	respSuccess(c, http.StatusOK, gin.H{"key": req.Key})
}

func (s *Server) markDeletable(c *gin.Context) {
	var req markDeletableRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respErrorStr(c, http.StatusBadRequest, msgInvalidBody)
		return
	}

	if err := s.uploads.MarkDeletable(c.Request.Context(), req.BatchID); err != nil {
		respError(c, s.logger, err)
		return
	}
	respMessage(c, "batch marked deletable")
}

func (s *Server) listUploads(c *gin.Context) {
	refType, refID := c.Query("refType"), c.Query("refId")
	if refType == "" || refID == "" {
		respErrorStr(c, http.StatusBadRequest, "refType and refId are required")
		return
	}
	if !s.authorizeParent(c, refType, refID) {
		return
	}

	uploads, err := s.uploads.ListUploads(c.Request.Context(), refType, refID)
	if err != nil {
		respError(c, s.logger, err)
		return
	}
	if uploads == nil {
		uploads = []*models.FileUpload{}
	}
	respSuccess(c, http.StatusOK, uploads)
}
