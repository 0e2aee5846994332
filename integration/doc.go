//go:build integration

// Package integration provides integration tests for the wpress module.
//
// These tests require Docker and spin up a real S3 compatible object store
// (MinIO) and an OCI registry (registry:2) using testcontainers.
// Run with: go test -tags=integration ./integration/...
package integration
