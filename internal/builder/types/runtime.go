package types

import (
	"context"
)

// Provider is the compute and image API the builder provisions against.
type Provider interface {
	// CreateKeyPair registers a new key pair and returns its private key
	CreateKeyPair(ctx context.Context, name string) (*KeyPair, error)

	// RunInstance launches one instance and returns it once it can be
	// located. It returns ErrInstanceNotFound when it cannot.
	RunInstance(ctx context.Context, spec InstanceSpec) (*Instance, error)

	// DescribeInstance returns the current state of an instance
	DescribeInstance(ctx context.Context, id string) (*Instance, error)

	// TerminateInstance requests termination of an instance
	TerminateInstance(ctx context.Context, id string) error

	// CreateImage captures an image of an instance and returns the image id
	CreateImage(ctx context.Context, instanceID, name string) (string, error)

	// TagResource attaches tags to any resource
	TagResource(ctx context.Context, id string, tags []Tag) error

	// DescribeImage returns the current state of an image
	DescribeImage(ctx context.Context, id string) (*Image, error)

	// Name returns the name of the provider implementation
	Name() string
}

// Dialer opens remote shell sessions to build hosts.
type Dialer interface {
	Dial(ctx context.Context, host, user string, privateKey []byte) (Session, error)
}

// Session is an authenticated remote shell on a build host.
type Session interface {
	// Exec runs command to completion. A non-zero exit status is reported
	// in the result, not as an error.
	Exec(ctx context.Context, command string) (*ExecResult, error)

	// OpenTransfer opens a file transfer channel over the session
	OpenTransfer() (Transfer, error)

	Close() error
}

// Transfer copies local files to the remote host.
type Transfer interface {
	Put(ctx context.Context, localPath, remotePath string) error
	Close() error
}

// Notifier receives build lifecycle events.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// ManifestStore persists the result of successful builds.
type ManifestStore interface {
	PutManifest(ctx context.Context, result *BuildResult) error
}

// History records every finished build, failed ones included.
type History interface {
	RecordBuild(ctx context.Context, result *BuildResult) error
}
