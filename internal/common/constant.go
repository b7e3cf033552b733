package common

// AccessTokenHeaderName is the query parameter that may carry the access
// token when an Authorization header cannot be set (websocket upgrades).
const AccessTokenHeaderName = "access_token"

// Uploader roles. A client upload produces a download link on the parent,
// an admin upload produces a delivery link.
const (
	RoleClient = "client"
	RoleAdmin  = "admin"
)

// Parent entity kinds an upload batch can belong to.
const (
	RefTypeOrder = "order"
	RefTypeQuote = "quote"
)
