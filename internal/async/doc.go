// Package async provides one-shot futures and a tracking Group whose
// population of outstanding futures may grow while it is being awaited. The
// Group is the pending-fetch set the quiescence detector drains: every Track
// wakes anyone holding a Mark taken before it.
package async
