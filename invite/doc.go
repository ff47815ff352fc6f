// Package invite resolves community invite codes over the relay HTTP
// fallback API, trying multiple relay base URLs in order.
package invite
