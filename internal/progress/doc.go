// Package progress stores the live progress record of each site's running
// job. Records are ephemeral: every write refreshes a TTL and a read of a
// missing record reports the site as waiting. Writes replace the whole record
// atomically so readers never observe a half-written update.
package progress
