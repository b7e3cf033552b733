package models

import "github.com/dmitrijs2005/opsportal/internal/common"

// Link fields inside a parent's details object.
const (
	LinkFieldDownload = "downloadLink"
	LinkFieldDelivery = "deliveryLink"
)

// ParentDetails is the part of an order/quote details document this
// service reads and writes.
type ParentDetails struct {
	DownloadLink string `json:"downloadLink,omitempty"`
	DeliveryLink string `json:"deliveryLink,omitempty"`
}

// Parent is an order or quote an upload batch is attached to.
type Parent struct {
	RefType  string        `json:"refType"`
	ID       string        `json:"id"`
	ClientID string        `json:"clientId,omitempty"`
	Details  ParentDetails `json:"details"`
}

var parentTables = map[string]string{
	common.RefTypeOrder: "orders",
	common.RefTypeQuote: "quotes",
}

// ParentTable maps a refType to the table holding that kind of parent.
// ok is false for unknown kinds; callers must not build SQL from refType
// without checking it.
func ParentTable(refType string) (table string, ok bool) {
	table, ok = parentTables[refType]
	return table, ok
}

// LinkFieldFor returns the details field an uploader role writes to.
func LinkFieldFor(uploadedBy string) string {
	if uploadedBy == common.RoleAdmin {
		return LinkFieldDelivery
	}
	return LinkFieldDownload
}

// ValidLinkField reports whether field is one of the managed link fields.
func ValidLinkField(field string) bool {
	return field == LinkFieldDownload || field == LinkFieldDelivery
}
