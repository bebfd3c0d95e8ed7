package config

import "time"

// EC2RuntimeConfig holds configuration for the EC2 provider
type EC2RuntimeConfig struct {
	Region          string
	AccessKeyID     string // Static credentials; empty uses the default AWS chain
	SecretAccessKey string
	Endpoint        string // Optional EC2 endpoint override
}

// SSHRuntimeConfig holds configuration for remote shell sessions
type SSHRuntimeConfig struct {
	Port           int
	ConnectTimeout time.Duration
	PTY            bool // Request a terminal for every command
}
