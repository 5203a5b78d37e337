// Package httputil provides the JSON response helpers, request parsing and
// generic middleware shared by the logoforge HTTP handlers.
package httputil
