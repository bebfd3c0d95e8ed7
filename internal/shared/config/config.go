package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of every configuration variable
const EnvPrefix = "AMIBUILD_"

// DefaultConfigFiles are searched in order when no config file is given
var DefaultConfigFiles = []string{
	"~/.docker-build-ami.yaml",
	"/etc/docker-build-ami.yaml",
}

// BaseConfig contains common configuration
type BaseConfig struct {
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"` // text, json
}

// BuildConfig is the resolved configuration of one image build
type BuildConfig struct {
	BaseConfig

	Provider        string `env:"PROVIDER" envDefault:"ec2"`
	Region          string `env:"REGION" envDefault:"us-west-1"`
	AccessKeyID     string `env:"AWS_ACCESS_KEY_ID"`
	SecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY"`
	EC2Endpoint     string `env:"EC2_ENDPOINT"`

	InstanceType     string   `env:"INSTANCE_TYPE" envDefault:"m3.medium"`
	SubnetID         string   `env:"SUBNET_ID"`
	SecurityGroupIDs []string `env:"SECURITY_GROUP_IDS" envSeparator:","`
	ImageID          string   `env:"IMAGE_ID" envDefault:"ami-e4ff5c93"` // Source image of the build host
	ImageUser        string   `env:"IMAGE_USER" envDefault:"centos"`
	HostTag          string   `env:"HOST_TAG" envDefault:"docker-build-ami"`
	HostTags         Tags     `env:"HOST_TAGS"`

	ImageName string `env:"IMAGE_NAME" envDefault:"docker-build-ami"`
	ImageTags Tags   `env:"IMAGE_TAGS"`

	ContextDir   string        `env:"CONTEXT_DIR" envDefault:"."`
	Dockerfile   string        `env:"DOCKERFILE" envDefault:"Dockerfile"`
	TmpDir       string        `env:"TMP_DIR" envDefault:"/tmp"`
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"5s"`
	SSHPort      int           `env:"SSH_PORT" envDefault:"22"`
	SSHTimeout   time.Duration `env:"SSH_TIMEOUT" envDefault:"10s"`

	NATS     NATSConfig
	Events   EventsConfig
	S3       S3Config
	Tracing  TracingConfig
	Database DatabaseConfig
}

// NATSConfig contains configuration for NATS messaging
type NATSConfig struct {
	URLs          []string      `env:"NATS_URLS" envSeparator:","`          // NATS server URLs, empty disables events
	MaxReconnects int           `env:"NATS_MAX_RECONNECTS" envDefault:"-1"` // Maximum number of reconnect attempts (-1 for unlimited)
	ReconnectWait time.Duration `env:"NATS_RECONNECT_WAIT" envDefault:"2s"`
	Timeout       time.Duration `env:"NATS_TIMEOUT" envDefault:"5s"`
}

// EventsConfig selects where build events are published
type EventsConfig struct {
	Subject string `env:"EVENTS_SUBJECT" envDefault:"amibuild.events"`
}

// S3Config holds where build manifests are stored
type S3Config struct {
	Bucket   string `env:"MANIFEST_BUCKET"` // empty disables manifests
	Prefix   string `env:"MANIFEST_PREFIX" envDefault:"manifests"`
	Endpoint string `env:"S3_ENDPOINT"`
}

// TracingConfig selects where build spans are exported
type TracingConfig struct {
	Endpoint     string        `env:"TRACING_ENDPOINT"` // OTLP/HTTP URL, empty disables tracing
	Insecure     bool          `env:"TRACING_INSECURE"`
	ServiceName  string        `env:"TRACING_SERVICE_NAME" envDefault:"amibuild"`
	BatchTimeout time.Duration `env:"TRACING_BATCH_TIMEOUT" envDefault:"5s"`
}

// DatabaseConfig points at the Postgres build history
type DatabaseConfig struct {
	URL string `env:"DATABASE_URL"` // empty disables the history
}

// LoadOptions controls where configuration is read from. Sources are merged
// lowest precedence first: defaults, config file, env file, process
// environment, Overrides.
type LoadOptions struct {
	ConfigFile string            // Explicit config file, must exist
	EnvFile    string            // Optional dotenv file, keys with or without prefix
	Overrides  map[string]string // Keys without prefix, e.g. REGION
	Environ    []string          // Defaults to os.Environ()
}

// Load resolves the build configuration
func Load(opts LoadOptions) (*BuildConfig, error) {
	environment := map[string]string{}

	configFile, err := findConfigFile(opts.ConfigFile)
	if err != nil {
		return nil, err
	}
	if configFile != "" {
		values, err := readConfigFile(configFile)
		if err != nil {
			return nil, err
		}
		for k, v := range values {
			environment[EnvPrefix+k] = v
		}
	}

	if opts.EnvFile != "" {
		values, err := godotenv.Read(opts.EnvFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read env file %s: %w", opts.EnvFile, err)
		}
		for k, v := range values {
			environment[EnvPrefix+normalizeKey(strings.TrimPrefix(k, EnvPrefix))] = v
		}
	}

	environ := opts.Environ
	if environ == nil {
		environ = os.Environ()
	}
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if ok && strings.HasPrefix(k, EnvPrefix) {
			environment[k] = v
		}
	}

	for k, v := range opts.Overrides {
		environment[EnvPrefix+normalizeKey(k)] = v
	}

	var cfg BuildConfig
	if err := env.ParseWithOptions(&cfg, env.Options{
		Environment: environment,
		Prefix:      EnvPrefix,
	}); err != nil {
		return nil, fmt.Errorf("failed to parse build config: %w", err)
	}

	return &cfg, nil
}

// Validate checks everything a build needs before it launches anything
func (c *BuildConfig) Validate() error {
	if c.AccessKeyID == "" || c.SecretAccessKey == "" {
		return fmt.Errorf("AWS access key id and secret access key are required")
	}
	for name, value := range map[string]string{
		"region":        c.Region,
		"instance type": c.InstanceType,
		"image id":      c.ImageID,
		"image user":    c.ImageUser,
		"image name":    c.ImageName,
	} {
		if value == "" {
			return fmt.Errorf("%s is required", name)
		}
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	return c.ValidateDockerfile()
}

// ValidateDockerfile checks that the build script exists
func (c *BuildConfig) ValidateDockerfile() error {
	info, err := os.Stat(c.DockerfilePath())
	if err != nil {
		return fmt.Errorf("dockerfile not found: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("dockerfile %s is a directory", c.DockerfilePath())
	}
	return nil
}

// DockerfilePath returns the build script path, relative to the context
// directory unless absolute
func (c *BuildConfig) DockerfilePath() string {
	if filepath.IsAbs(c.Dockerfile) {
		return c.Dockerfile
	}
	return filepath.Join(c.ContextDir, c.Dockerfile)
}

func findConfigFile(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file %s: %w", explicit, err)
		}
		return explicit, nil
	}

	home, _ := os.UserHomeDir()
	for _, candidate := range DefaultConfigFiles {
		if rest, ok := strings.CutPrefix(candidate, "~/"); ok {
			if home == "" {
				continue
			}
			candidate = filepath.Join(home, rest)
		}
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", nil
}

// readConfigFile reads a flat YAML mapping in document order. Lists are
// joined with commas and nested mappings become k=v pairs, matching the
// environment encoding.
func readConfigFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	values := map[string]string{}
	if len(doc.Content) == 0 {
		return values, nil
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("config file %s: expected a mapping", path)
	}

	for i := 0; i+1 < len(root.Content); i += 2 {
		key := root.Content[i].Value
		value, ok, err := flattenNode(root.Content[i+1])
		if err != nil {
			return nil, fmt.Errorf("config file %s: %s: %w", path, key, err)
		}
		if ok {
			values[normalizeKey(key)] = value
		}
	}
	return values, nil
}

func flattenNode(n *yaml.Node) (string, bool, error) {
	switch n.Kind {
	case yaml.AliasNode:
		return flattenNode(n.Alias)
	case yaml.ScalarNode:
		if n.Tag == "!!null" {
			return "", false, nil
		}
		return n.Value, true, nil
	case yaml.SequenceNode:
		items := make([]string, 0, len(n.Content))
		for _, item := range n.Content {
			if item.Kind != yaml.ScalarNode {
				return "", false, fmt.Errorf("list items must be scalars")
			}
			items = append(items, item.Value)
		}
		return strings.Join(items, ","), true, nil
	case yaml.MappingNode:
		pairs := make([]string, 0, len(n.Content)/2)
		for i := 0; i+1 < len(n.Content); i += 2 {
			k, v := n.Content[i], n.Content[i+1]
			if k.Kind != yaml.ScalarNode || v.Kind != yaml.ScalarNode {
				return "", false, fmt.Errorf("mapping values must be scalars")
			}
			pairs = append(pairs, k.Value+"="+v.Value)
		}
		return strings.Join(pairs, ","), true, nil
	}
	return "", false, fmt.Errorf("unsupported value")
}

func normalizeKey(k string) string {
	return strings.ToUpper(strings.ReplaceAll(k, "-", "_"))
}
