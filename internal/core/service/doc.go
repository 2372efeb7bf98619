// Package service assembles a replica from the engine parts.
//
// A Replica owns one snapshot store, one update pipeline and one
// notification dispatcher. Standalone it sequences its own commits;
// given a Transport it sends commits out and applies whatever order the
// transport delivers, its own commits included.
package service
