// Package clientip extracts the client IP address from HTTP requests.
//
// Headers are checked in this order, and the first valid address wins:
//  1. CF-Connecting-IP (Cloudflare)
//  2. DO-Connecting-IP (DigitalOcean)
//  3. X-Forwarded-For (leftmost entry)
//  4. X-Real-IP
//  5. RemoteAddr
//
// Addresses are normalized with net.IP.String; 0.0.0.0 and unparsable values
// are skipped. When nothing is valid the raw RemoteAddr is returned.
//
// Only trust these headers when the service runs behind a proxy that sets
// them; otherwise clients can choose their own address.
package clientip
