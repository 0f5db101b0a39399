// Package api serves the VibeGuard REST interface over net/http. Query
// routes require ledger:read; verification and execution routes require
// funds permissions and reject agent subjects outright. Errors are written
// as {"error": {"code", "message"}} with the status registered for the code.
package api
