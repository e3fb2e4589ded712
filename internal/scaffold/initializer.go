package scaffold

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dyluth/berth/internal/config"
)

//go:embed templates/*
var templatesFS embed.FS

// Files written by Initialize
const (
	ConfigFile = "berth.yml"
	EnvFile    = ".env.example"
)

// FileInfo represents a file to be created during initialization
type FileInfo struct {
	Path        string
	Content     []byte
	Permissions os.FileMode
}

// Initialize writes a default berth.yml and .env.example into dir.
// If force is true, existing files are replaced.
func Initialize(dir string, force bool) error {
	if !force {
		if err := CheckExisting(dir); err != nil {
			return err
		}
	}

	files, err := getTemplateFiles()
	if err != nil {
		return err
	}

	if err := writeFiles(dir, files); err != nil {
		return err
	}

	return validateCreatedFiles(dir)
}

// getTemplateFiles renders the default configuration and reads the static templates
func getTemplateFiles() ([]FileInfo, error) {
	header, err := templatesFS.ReadFile("templates/header.tmpl")
	if err != nil {
		return nil, fmt.Errorf("failed to read berth.yml header: %w", err)
	}

	body, err := config.Marshal(config.Default())
	if err != nil {
		return nil, fmt.Errorf("failed to render default configuration: %w", err)
	}

	env, err := templatesFS.ReadFile("templates/env.tmpl")
	if err != nil {
		return nil, fmt.Errorf("failed to read .env template: %w", err)
	}

	return []FileInfo{
		{Path: ConfigFile, Content: append(header, body...), Permissions: 0644},
		{Path: EnvFile, Content: env, Permissions: 0644},
	}, nil
}

// writeFiles writes each file atomically so an interrupted init leaves no half-written config
func writeFiles(dir string, files []FileInfo) error {
	for _, file := range files {
		path := filepath.Join(dir, file.Path)
		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, file.Content, file.Permissions); err != nil {
			return fmt.Errorf("failed to write %s: %w", file.Path, err)
		}
		if err := os.Rename(tmp, path); err != nil {
			os.Remove(tmp)
			return fmt.Errorf("failed to write %s: %w", file.Path, err)
		}
	}

	return nil
}

// validateCreatedFiles loads the created berth.yml the same way every command does
func validateCreatedFiles(dir string) error {
	if _, err := config.Load(filepath.Join(dir, ConfigFile)); err != nil {
		return fmt.Errorf("created %s is invalid: %w", ConfigFile, err)
	}
	return nil
}

// PrintSuccess prints the success message with created files
func PrintSuccess() {
	fmt.Println("\n✅ Successfully initialized berth!")
	fmt.Println("\nCreated:")
	fmt.Printf("  ✓ %s\n", ConfigFile)
	fmt.Printf("  ✓ %s\n", EnvFile)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Point build.source_root at the daemon's source tree")
	fmt.Println("  2. Adjust provision.families to the identities on this host")
	fmt.Println("  3. Run 'berth plan' to review the build steps")
	fmt.Println("  4. Run 'berth build' and 'berth provision'")
}
