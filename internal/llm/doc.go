// Package llm defines the model client used by the llm task protocol. Provider
// specific clients live in subpackages.
package llm
