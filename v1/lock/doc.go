// Package lock provides lease locks and bounded semaphores on top of Redis,
// plus an in-memory locker with the same contract. Locks hold a random token
// per acquisition and expire after their lease, so a crashed holder never
// blocks others for longer than the lease. Release notifications can be
// propagated through a syncbus Bus to wake waiters early.
package lock
