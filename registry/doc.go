// Package registry keeps the merged, validated view of all registered
// metadata. Definitions arrive tagged with an owning package; later
// definitions for the same object or role merge deterministically, and
// unregistering a package rebuilds the merged views from the surviving
// sources so nothing of the removed package leaks through.
//
// The registry is read-mostly once the engine starts. Reads take a shared
// lock; registration and package unloads take the exclusive one.
package registry
