// Package agent is the Mira wallet assistant. It turns a chat message into
// calls against a fixed catalogue of read-only query tools and never links
// against code that can verify or execute a fund movement; the import
// graph test in this package enforces that.
package agent
