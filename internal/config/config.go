package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/dyluth/berth/internal/fault"
	"gopkg.in/yaml.v3"
)

// Supported linkage modes
const (
	LinkageDynamic    = "dynamic"
	LinkageStaticMusl = "static-musl"
)

var (
	// identityPattern matches portable user and group names
	identityPattern = regexp.MustCompile(`^[a-z_][a-z0-9_-]{0,31}$`)

	// familyPattern matches family names, which also end up in dataset and lock names
	familyPattern = regexp.MustCompile(`^[a-z0-9]([-a-z0-9]*[a-z0-9])?$`)
)

// BerthConfig represents the top-level berth.yml configuration
type BerthConfig struct {
	Version   string          `yaml:"version"`
	Build     BuildConfig     `yaml:"build"`
	Provision ProvisionConfig `yaml:"provision"`
	Metrics   *MetricsConfig  `yaml:"metrics,omitempty"`
}

// BuildConfig describes the build target and the inputs of every build stage
type BuildConfig struct {
	SourceRoot     string               `yaml:"source_root"`
	Manifest       string               `yaml:"manifest"`        // Lockfile, relative to source_root
	SourceManifest string               `yaml:"source_manifest"` // Declared dependencies, relative to source_root
	Binary         string               `yaml:"binary"`
	Linkage        string               `yaml:"linkage"` // "dynamic" or "static-musl"
	MuslTarget     string               `yaml:"musl_target,omitempty"`
	BaseImage      string               `yaml:"base_image"`
	RuntimeImage   string               `yaml:"runtime_image"`
	StorageLibrary StorageLibraryConfig `yaml:"storage_library"`
	Toolchain      ToolchainConfig      `yaml:"toolchain"`
	Image          string               `yaml:"image"` // Repository for stage and deploy tags
	OutputDir      string               `yaml:"output_dir"`
	Platform       string               `yaml:"platform,omitempty"`
	Timeout        time.Duration        `yaml:"timeout,omitempty"`
}

// StorageLibraryConfig names the native storage engine packages.
// The dev package is needed to link, the runtime package to run.
type StorageLibraryConfig struct {
	DevPackage     string `yaml:"dev_package"`
	RuntimePackage string `yaml:"runtime_package"`
}

// ToolchainConfig lists the build-only packages installed in the builder stage
type ToolchainConfig struct {
	VersionControl string `yaml:"version_control"`
	Compiler       string `yaml:"compiler"`
	Crypto         string `yaml:"crypto"`
	CMake          string `yaml:"cmake"`
	Linker         string `yaml:"linker"`
}

// Packages returns the toolchain packages in install order, skipping blanks
func (t ToolchainConfig) Packages() []string {
	var pkgs []string
	for _, p := range []string{t.VersionControl, t.Compiler, t.Crypto, t.CMake, t.Linker} {
		if p != "" {
			pkgs = append(pkgs, p)
		}
	}
	return pkgs
}

// ProvisionConfig describes the storage pool and the service families sharing sockets
type ProvisionConfig struct {
	Pool        string     `yaml:"pool"`
	Concurrency int        `yaml:"concurrency,omitempty"`
	Lock        LockConfig `yaml:"lock"`
	ACL         ACLConfig  `yaml:"acl"`
	Families    []Family   `yaml:"families"`

	// StagingDir holds new volumes until they are restricted, before they are
	// moved to <home>/socket
	StagingDir string `yaml:"staging_dir,omitempty"`
}

// LockConfig selects the per-family lock. RedisAddr switches from lock files to Redis.
type LockConfig struct {
	Dir       string        `yaml:"dir"`
	RedisAddr string        `yaml:"redis_addr,omitempty"`
	TTL       time.Duration `yaml:"ttl,omitempty"`
}

// ACLConfig controls the socket directory ACL
type ACLConfig struct {
	// GrantEveryone adds everyone@:full_set:inheritable:allow. Defaults to true.
	GrantEveryone *bool  `yaml:"grant_everyone,omitempty"`
	ChmodPath     string `yaml:"chmod_path,omitempty"`
	LsPath        string `yaml:"ls_path,omitempty"`
}

// Everyone reports whether the everyone@ entry is granted
func (a ACLConfig) Everyone() bool {
	return a.GrantEveryone == nil || *a.GrantEveryone
}

// Family is one service family: a daemon owning a socket directory and the
// identities allowed to use the sockets inside it
type Family struct {
	Name       string   `yaml:"name"`
	Home       string   `yaml:"home"`
	OwnerUser  string   `yaml:"owner_user"`
	OwnerGroup string   `yaml:"owner_group,omitempty"` // Defaults to owner_user
	Consumers  []string `yaml:"consumers"`
	Dataset    string   `yaml:"dataset,omitempty"` // Defaults to <pool>/<name>-socket
}

// SocketDir returns the mountpoint of the family's socket volume
func (f Family) SocketDir() string {
	return filepath.Join(f.Home, "socket")
}

// MetricsConfig specifies where run metrics are written
type MetricsConfig struct {
	Textfile string `yaml:"textfile"` // node_exporter textfile collector path
}

// Validate applies defaults and performs strict validation on the configuration
func (c *BerthConfig) Validate() error {
	// Required: version
	if c.Version != "1" {
		return fmt.Errorf("unsupported version: %q (expected: 1)", c.Version)
	}

	if err := c.Build.Validate(); err != nil {
		return fmt.Errorf("build: %w", err)
	}

	if err := c.Provision.Validate(); err != nil {
		return fmt.Errorf("provision: %w", err)
	}

	if c.Metrics != nil && c.Metrics.Textfile != "" && !filepath.IsAbs(c.Metrics.Textfile) {
		return fmt.Errorf("metrics.textfile must be an absolute path, got %s", c.Metrics.Textfile)
	}

	return nil
}

// Validate applies build defaults and checks the build target
func (b *BuildConfig) Validate() error {
	def := DefaultBuild()

	setDefault(&b.SourceRoot, def.SourceRoot)
	setDefault(&b.Manifest, def.Manifest)
	setDefault(&b.SourceManifest, def.SourceManifest)
	setDefault(&b.Binary, def.Binary)
	setDefault(&b.Linkage, def.Linkage)
	setDefault(&b.MuslTarget, def.MuslTarget)
	setDefault(&b.BaseImage, def.BaseImage)
	setDefault(&b.RuntimeImage, def.RuntimeImage)
	setDefault(&b.StorageLibrary.DevPackage, def.StorageLibrary.DevPackage)
	setDefault(&b.StorageLibrary.RuntimePackage, def.StorageLibrary.RuntimePackage)
	setDefault(&b.Image, def.Image)
	setDefault(&b.OutputDir, def.OutputDir)
	if len(b.Toolchain.Packages()) == 0 {
		b.Toolchain = def.Toolchain
	}
	if b.Timeout == 0 {
		b.Timeout = def.Timeout
	}

	if b.Linkage != LinkageDynamic && b.Linkage != LinkageStaticMusl {
		return fmt.Errorf("invalid linkage: %s (must be '%s' or '%s')", b.Linkage, LinkageDynamic, LinkageStaticMusl)
	}

	if b.Binary != filepath.Base(b.Binary) || b.Binary == "." || b.Binary == ".." {
		return fmt.Errorf("binary must be a plain file name, got %s", b.Binary)
	}

	if filepath.IsAbs(b.Manifest) || filepath.IsAbs(b.SourceManifest) {
		return fmt.Errorf("manifest paths must be relative to source_root")
	}

	if b.Timeout < 0 {
		return fmt.Errorf("timeout must be positive, got %s", b.Timeout)
	}

	return nil
}

// Validate applies provisioning defaults and checks every family
func (p *ProvisionConfig) Validate() error {
	setDefault(&p.Pool, DefaultPool)
	setDefault(&p.Lock.Dir, DefaultLockDir)
	setDefault(&p.StagingDir, DefaultStagingDir)
	setDefault(&p.ACL.ChmodPath, DefaultChmodPath)
	setDefault(&p.ACL.LsPath, DefaultLsPath)
	if p.Lock.TTL == 0 {
		p.Lock.TTL = DefaultLockTTL
	}
	if p.Concurrency == 0 {
		p.Concurrency = DefaultConcurrency
	}

	if p.Concurrency < 1 {
		return fmt.Errorf("concurrency must be >= 1, got %d", p.Concurrency)
	}

	if !filepath.IsAbs(p.Lock.Dir) {
		return fmt.Errorf("lock.dir must be an absolute path, got %s", p.Lock.Dir)
	}
	if !filepath.IsAbs(p.StagingDir) {
		return fmt.Errorf("staging_dir must be an absolute path, got %s", p.StagingDir)
	}

	if len(p.Families) == 0 {
		return fmt.Errorf("no families defined")
	}

	names := make(map[string]bool)
	homes := make(map[string]string) // home → family name
	for i := range p.Families {
		f := &p.Families[i]
		if err := f.Validate(p.Pool); err != nil {
			return err
		}

		if names[f.Name] {
			return fmt.Errorf("duplicate family name '%s'", f.Name)
		}
		names[f.Name] = true

		if other, exists := homes[f.Home]; exists {
			return fmt.Errorf("families '%s' and '%s' share home %s: each family needs its own volume", other, f.Name, f.Home)
		}
		homes[f.Home] = f.Name
	}

	return nil
}

// Validate applies family defaults and checks identities and paths
func (f *Family) Validate(pool string) error {
	if !familyPattern.MatchString(f.Name) {
		return fmt.Errorf("invalid family name '%s': must be lowercase alphanumeric with hyphens", f.Name)
	}

	if f.Home == "" {
		return fmt.Errorf("family '%s': home is required", f.Name)
	}
	if !filepath.IsAbs(f.Home) || filepath.Clean(f.Home) != f.Home || f.Home == "/" {
		return fmt.Errorf("family '%s': home must be a clean absolute path below /, got %s", f.Name, f.Home)
	}

	if f.OwnerUser == "" {
		return fmt.Errorf("family '%s': owner_user is required", f.Name)
	}
	setDefault(&f.OwnerGroup, f.OwnerUser)

	for _, id := range append([]string{f.OwnerUser, f.OwnerGroup}, f.Consumers...) {
		if !identityPattern.MatchString(id) {
			return fmt.Errorf("family '%s': invalid identity name '%s'", f.Name, id)
		}
	}

	setDefault(&f.Dataset, fmt.Sprintf("%s/%s-socket", pool, f.Name))

	return nil
}

func setDefault(field *string, value string) {
	if *field == "" {
		*field = value
	}
}

// Load reads and validates berth.yml from the specified path.
// A relative source_root is resolved against the directory holding the file.
func Load(path string) (*BerthConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config BerthConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", fault.ErrInvalidConfig, err)
	}

	if !filepath.IsAbs(config.Build.SourceRoot) {
		config.Build.SourceRoot = filepath.Join(filepath.Dir(path), config.Build.SourceRoot)
	}

	return &config, nil
}

// Marshal renders the configuration as YAML
func Marshal(c *BerthConfig) ([]byte, error) {
	return yaml.Marshal(c)
}
