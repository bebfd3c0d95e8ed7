package types

import (
	"errors"
	"time"
)

// ErrInstanceNotFound is returned by a Provider when an instance it just
// launched cannot be located.
var ErrInstanceNotFound = errors.New("instance not found")

// Instance states as reported by the provider.
const (
	InstanceStatePending    = "pending"
	InstanceStateRunning    = "running"
	InstanceStateTerminated = "terminated"
)

// Image states as reported by the provider.
const (
	ImageStatePending   = "pending"
	ImageStateAvailable = "available"
)

// Tag is a key/value pair attached to cloud resources
type Tag struct {
	Key   string `json:"key" yaml:"key"`
	Value string `json:"value" yaml:"value"`
}

// KeyPair is a single-use access credential for the build host
type KeyPair struct {
	Name       string
	PrivateKey []byte // PEM encoded
}

// InstanceSpec describes the build host to launch
type InstanceSpec struct {
	ImageID          string
	InstanceType     string
	SubnetID         string
	SecurityGroupIDs []string
	KeyName          string
	Tags             []Tag // applied to the instance and its volumes
}

// Instance is a launched build host
type Instance struct {
	ID            string
	ReservationID string
	State         string
	PrivateIP     string
}

// Image is a captured machine image
type Image struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	State string `json:"state"`
}

// ExecResult is the outcome of one remote command
type ExecResult struct {
	ExitStatus int
	Stdout     []byte
	Stderr     []byte
}

// BuildResult represents the result of a build operation
type BuildResult struct {
	BuildID    string        `json:"build_id"`
	InstanceID string        `json:"instance_id"`
	Image      *Image        `json:"image,omitempty"`
	Steps      int           `json:"steps"`
	Tags       []Tag         `json:"tags,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// Event is published on every lifecycle phase change of a build
type Event struct {
	BuildID    string    `json:"build_id"`
	Phase      string    `json:"phase"`
	InstanceID string    `json:"instance_id,omitempty"`
	ImageID    string    `json:"image_id,omitempty"`
	Step       int       `json:"step,omitempty"`
	Error      string    `json:"error,omitempty"`
	Time       time.Time `json:"time"`
}
