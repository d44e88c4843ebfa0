// Package minifier shortens topic keys written into subscription cursors.
//
// Tokens are base-64 style strings over A-Z a-z 0-9 _ : assigned in
// increasing order. The key table is an LRU cache; tokens of evicted keys
// stop resolving, and a cursor carrying one is treated as unknown by the bus.
package minifier
