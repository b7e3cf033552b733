// Package models defines server-side data models persisted in the database.
package models

import "time"

// FileDescriptor describes one object uploaded as part of a batch.
type FileDescriptor struct {
	Key         string `json:"key"`
	Filename    string `json:"filename,omitempty"`
	Size        int64  `json:"size,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	Checksum    string `json:"checksum,omitempty"`
}

// FileUpload is the immutable record of one completed upload batch.
// Only Deletable and CompletedAt may change after creation.
type FileUpload struct {
	ID         string `json:"id"`
	RefType    string `json:"refType"`
	RefID      string `json:"refId"`
	UserID     string `json:"userId"`
	UploadedBy string `json:"uploadedBy"`
	// Revision is set for admin deliveries; nil otherwise unless the
	// uploader supplied one.
	Revision *int64 `json:"revision,omitempty"`
	BatchID  string `json:"batchId"`
	// S3Prefix is the common key prefix of every file in the batch.
	S3Prefix string           `json:"s3Prefix"`
	Files    []FileDescriptor `json:"files"`

	Deletable   bool       `json:"deletable"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// SameParent reports whether u belongs to the given parent.
func (u *FileUpload) SameParent(refType, refID string) bool {
	return u.RefType == refType && u.RefID == refID
}
