// Package types holds the control blocks, state enums, instruction
// model and domain errors shared across the Quarry roles.
package types
