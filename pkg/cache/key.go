package cache

import "strings"

// Key identifies a cached response by request method and absolute URL.
type Key struct {
	// Method is the HTTP method (only GET is ever cached by the dispatcher)
	Method string

	// URL is the full request URL including the encoded query string
	URL string
}

// String renders the key as METHOD:URL.
//
// Example:
//
//	GET:https://api.example.com/admin/realms/master/users?max=10
func (k Key) String() string {
	return strings.ToUpper(k.Method) + ":" + k.URL
}
