// Package workflow drives the change-request lifecycle on top of the
// feature-list store.
//
// An edit is either written directly or wrapped in a change request. A
// change request moves from Pending to Approved once enough distinct users
// approved it and becomes Committed when committed; committing refreshes the
// feature list of the affected environment through a Refresher. Scheduled
// requests are committed by the server at live_from, so the engine arms a
// timer and refreshes both views shortly after.
package workflow
