package services

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/dmitrijs2005/opsportal/internal/common"
)

// BatchLinkPath is the route a generated access link points to.
const BatchLinkPath = "/api/files/batch"

// linkUploaderValue is how an uploader role is written into links; the
// portal front-end expects "user" for client uploads.
func linkUploaderValue(uploadedBy string) string {
	if uploadedBy == common.RoleAdmin {
		return common.RoleAdmin
	}
	return "user"
}

// BuildAccessLink returns the link stored on the parent for a batch:
//
//	{base}/api/files/batch?refType=..&refId=..&uploadedBy=user|admin&batchId=..[&revision=N]
//
// Parameter order is fixed so links stay stable and readable.
func BuildAccessLink(baseURL, refType, refID, uploadedBy, batchID string, revision *int64) string {
	var b strings.Builder
	b.WriteString(strings.TrimRight(baseURL, "/"))
	b.WriteString(BatchLinkPath)
	b.WriteString("?refType=")
	b.WriteString(url.QueryEscape(refType))
	b.WriteString("&refId=")
	b.WriteString(url.QueryEscape(refID))
	b.WriteString("&uploadedBy=")
	b.WriteString(linkUploaderValue(uploadedBy))
	b.WriteString("&batchId=")
	b.WriteString(url.QueryEscape(batchID))
	if revision != nil && uploadedBy == common.RoleAdmin {
		b.WriteString("&revision=")
		b.WriteString(strconv.FormatInt(*revision, 10))
	}
	return b.String()
}
