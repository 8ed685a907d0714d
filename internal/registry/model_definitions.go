// Package registry provides the public model alias table.
// This file contains the built-in Replicate-hosted model definitions used when the
// configuration does not supply its own list.
package registry

// GetReplicateModels returns the standard model definitions served by the proxy.
func GetReplicateModels() []*ModelInfo {
	return []*ModelInfo{
		{
			ID:          "claude-4-sonnet",
			Object:      "model",
			Created:     1747872000, // 2025-05-22
			OwnedBy:     "anthropic",
			ReplicateID: "anthropic/claude-4-sonnet",
			DisplayName: "Claude 4 Sonnet",
		},
		{
			ID:          "claude-3.7-sonnet",
			Object:      "model",
			Created:     1740355200, // 2025-02-24
			OwnedBy:     "anthropic",
			ReplicateID: "anthropic/claude-3.7-sonnet",
			DisplayName: "Claude 3.7 Sonnet",
		},
		{
			ID:          "claude-3.5-sonnet",
			Object:      "model",
			Created:     1729555200, // 2024-10-22
			OwnedBy:     "anthropic",
			ReplicateID: "anthropic/claude-3.5-sonnet",
			DisplayName: "Claude 3.5 Sonnet",
		},
		{
			ID:          "claude-3.5-haiku",
			Object:      "model",
			Created:     1729555200, // 2024-10-22
			OwnedBy:     "anthropic",
			ReplicateID: "anthropic/claude-3.5-haiku",
			DisplayName: "Claude 3.5 Haiku",
		},
	}
}
