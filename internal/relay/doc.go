// Package relay defines the shared types and contracts of the book relay:
// jobs and their results, the queue and store interfaces the dispatcher and
// worker depend on, and the structured error that crosses the queue boundary.
//
// Everything upstream-specific (HTML, browser errors, cookies) stays inside
// the scraper; callers only ever see the shapes declared here.
package relay
