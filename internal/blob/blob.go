// Package blob re-exports the artifact storage abstractions for stable
// internal imports. Call sites depend on blob.Store; the infra drivers stay
// behind this facade.
package blob

import (
	"context"

	"cascore/internal/blob/core"
	"cascore/internal/infra/blob/fs"
	memorystore "cascore/internal/infra/blob/memory"
	infraS3 "cascore/internal/infra/blob/s3"
)

type (
	// Driver identifies an artifact backend driver.
	Driver = core.Driver
	// PutOptions configures an artifact write.
	PutOptions = core.PutOptions
	// SignedURLOptions configures URL pre-signing.
	SignedURLOptions = core.SignedURLOptions
	// Info describes stored artifact metadata.
	Info = core.Info
	// Store is the interface for artifact storage backends.
	Store = core.Store
)

const (
	// DriverFilesystem is the local filesystem driver.
	DriverFilesystem = core.DriverFilesystem
	// DriverS3 is the S3-compatible driver.
	DriverS3 = core.DriverS3
	// DriverMemory is the in-memory test driver.
	DriverMemory = core.DriverMemory
)

// ErrUnsupported indicates an operation isn't supported by a driver.
var ErrUnsupported = core.ErrUnsupported

// NewFilesystem constructs a filesystem-backed blob.Store rooted at the
// provided path.
func NewFilesystem(root string) (Store, error) { return fs.New(root) }

// NewMemory returns an in-memory blob.Store suitable for tests.
func NewMemory() Store { return memorystore.New() }

// S3Config re-exports the infra S3 configuration type.
type S3Config = infraS3.Config

// NewS3 constructs an S3-backed blob.Store from the provided configuration.
func NewS3(ctx context.Context, cfg S3Config) (Store, error) { return infraS3.New(ctx, cfg) }

// NewMockS3ForTests exposes the lightweight in-memory S3 mock for
// cross-package tests.
func NewMockS3ForTests() Store { return infraS3.NewMockForTests() }
