// Package domain contains the scheduler's data model and business errors.
package domain

import "errors"

// Common domain errors
var (
	// ErrNotFound is returned when a requested node or target is not known.
	ErrNotFound = errors.New("resource not found")

	// ErrAlreadyExists is returned when registering a node that is already known.
	ErrAlreadyExists = errors.New("resource already exists")

	// ErrInvalidArgument is returned when an invalid argument is provided.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrResourceExhausted is returned when the node pool cannot hold the requested threads.
	ErrResourceExhausted = errors.New("resources exhausted")

	// ErrNodeGone is returned when a node that used to exist is no longer reachable.
	ErrNodeGone = errors.New("node no longer exists")

	// ErrNotRooted is returned when dispatching to a node without privilege.
	ErrNotRooted = errors.New("node not rooted")

	// ErrProvisionFailed is returned when a tool artifact could not be copied to a node.
	ErrProvisionFailed = errors.New("artifact provisioning failed")
)
