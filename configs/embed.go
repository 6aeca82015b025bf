// Package configs provides embedded configuration templates for ziri.
//
// How Configuration Templates Work:
//
// Templates are embedded at build time using Go's //go:embed directive.
// This ensures they are available in ALL distributions:
//   - Source builds (go install)
//   - Binary releases
//   - Homebrew installations
//
// The templates are used by:
//   - cmd/ziri/cmd/init.go → `ziri init` writes .ziri.yaml
//
// Template files:
//   - project-config.example.yaml: Project-specific settings (paths, chunking, checkpoints)
//   - user-config.example.yaml: Machine-specific settings (provider endpoint, rate limits, memory)
//
// Configuration Hierarchy (see internal/config/config.go Load()):
//   1. Hardcoded defaults (internal/config/config.go Default())
//   2. User config (~/.config/ziri/config.yaml)
//   3. Project config (.ziri.yaml)
//   4. Environment variables (ZIRI_*)
//
// To modify templates, edit the .yaml files in this directory and rebuild.
// Changes will be embedded in the next build.
package configs

import _ "embed"

// UserConfigTemplate is the template for user/machine-level configuration.
// Copied by hand to ~/.config/ziri/config.yaml
// Contains: Machine-specific settings like the provider endpoint and rate limits.
// Use case: Settings that apply to all projects on this machine.
//
//go:embed user-config.example.yaml
var UserConfigTemplate string

// ProjectConfigTemplate is the template for project-level configuration.
// Created by: `ziri init` at .ziri.yaml in the project root
// Contains: Project-specific settings like paths.exclude, chunking, checkpoint.
// Use case: Settings that are version-controlled with the project.
//
//go:embed project-config.example.yaml
var ProjectConfigTemplate string
