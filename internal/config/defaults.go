package config

import (
	"fmt"
	"time"
)

// Provisioning defaults
const (
	DefaultPool        = "zroot"
	DefaultLockDir     = "/var/run/berth"
	DefaultStagingDir  = "/var/lib/berth/staging"
	DefaultLockTTL     = 5 * time.Minute
	DefaultConcurrency = 2

	// illumos tools that understand NFSv4 ACL specs (chmod A=..., ls -V)
	DefaultChmodPath = "/usr/bin/chmod"
	DefaultLsPath    = "/usr/bin/ls"
)

// DefaultBuild returns the build target for the indexing daemon.
// The storage engine library stays dynamically linked in both linkage modes;
// musl only replaces the C runtime.
func DefaultBuild() BuildConfig {
	return BuildConfig{
		SourceRoot:     ".",
		Manifest:       "Cargo.lock",
		SourceManifest: "Cargo.toml",
		Binary:         "electrs",
		Linkage:        LinkageDynamic,
		MuslTarget:     "x86_64-unknown-linux-musl",
		BaseImage:      "rust:1.80-slim-bookworm",
		RuntimeImage:   "debian:bookworm-slim",
		StorageLibrary: StorageLibraryConfig{
			DevPackage:     "librocksdb-dev",
			RuntimePackage: "librocksdb7.8",
		},
		Toolchain: ToolchainConfig{
			VersionControl: "git",
			Compiler:       "build-essential",
			Crypto:         "libssl-dev",
			CMake:          "cmake",
			Linker:         "clang",
		},
		Image:     "berth/electrs",
		OutputDir: "dist",
		Platform:  "linux/amd64",
		Timeout:   2 * time.Hour,
	}
}

// DefaultFamilies returns the two service families the daemon serves:
// the bitcoin-like node and the elements-like node
func DefaultFamilies() []Family {
	return []Family{
		{
			Name:       "bitcoin",
			Home:       "/home/bitcoin",
			OwnerUser:  "bitcoin",
			OwnerGroup: "bitcoin",
			Consumers:  []string{"electrs", "lnd", "btcpay"},
		},
		{
			Name:       "elements",
			Home:       "/home/elements",
			OwnerUser:  "elements",
			OwnerGroup: "elements",
			Consumers:  []string{"electrs", "peerswap", "btcpay"},
		},
	}
}

// Default returns a complete, valid configuration
func Default() *BerthConfig {
	grant := true
	c := &BerthConfig{
		Version: "1",
		Build:   DefaultBuild(),
		Provision: ProvisionConfig{
			Pool:        DefaultPool,
			Concurrency: DefaultConcurrency,
			Lock: LockConfig{
				Dir: DefaultLockDir,
				TTL: DefaultLockTTL,
			},
			ACL: ACLConfig{
				GrantEveryone: &grant,
			},
			Families:   DefaultFamilies(),
			StagingDir: DefaultStagingDir,
		},
	}
	if err := c.Validate(); err != nil {
		panic(fmt.Sprintf("default configuration is invalid: %v", err))
	}
	return c
}
