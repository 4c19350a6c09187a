// Package relay implements domain.RelayClient over HTTP: the transport to
// the opaque-blob-only server boundary named in spec §1/§6. Every request
// carries the caller's X-Account-Token/X-Account-Digest/X-Device-Id headers,
// adapted from the teacher's relay/http.go post/getJSON helper idiom.
package relay
