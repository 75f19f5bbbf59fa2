package api //nolint:revive // package name is intentional

// DefaultMaxBodySize caps chat request bodies at 10MB.
const DefaultMaxBodySize = 10 * 1024 * 1024
