// Package config loads and validates the per-role YAML configuration
// files. Key names are inherited from earlier deployments and kept
// verbatim.
package config
