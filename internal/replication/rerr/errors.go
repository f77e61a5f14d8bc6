// Package rerr defines the sentinel error kinds spec'd for the
// replication pipeline, so callers can branch on errors.Is rather than
// string-matching messages.
package rerr

import "errors"

var (
	// ErrTransient covers peer-crashed, page-not-yet-flushed, and
	// decompression failures: the caller should retry.
	ErrTransient = errors.New("rye: transient replication error")

	// ErrCorrupted covers a bad log header, an out-of-range record, or
	// a page magic mismatch: the replication agent must stop and an
	// operator must intervene.
	ErrCorrupted = errors.New("rye: log corruption detected")

	// ErrBackpressure is returned by queue producers when a bounded
	// queue is full; callers should block on the consumer's condition
	// variable rather than drop work.
	ErrBackpressure = errors.New("rye: queue full")

	// ErrStateViolation marks an attempted illegal state transition
	// (e.g. master-to-master, duplicate registration).
	ErrStateViolation = errors.New("rye: state machine violation")

	// ErrResourceExhausted marks an unrecoverable resource failure
	// (memory, file descriptors): the process should exit after
	// logging.
	ErrResourceExhausted = errors.New("rye: resource exhausted")

	// ErrPageDoesNotExist is returned by the page buffer when a
	// requested pageid is beyond ha_info.last_flushed_pageid.
	ErrPageDoesNotExist = errors.New("rye: log page does not exist")

	// ErrNotFound marks a lookup miss in shared memory or storage.
	ErrNotFound = errors.New("rye: not found")
)
