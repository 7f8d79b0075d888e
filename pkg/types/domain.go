package types

import "time"

// Artifact is a deployable model artifact found on local disk.
type Artifact struct {
	// Entry name inside the models directory.
	// example: resnet50.onnx
	ID string `json:"id" example:"resnet50.onnx"`
	// Human-friendly name.
	// example: resnet50
	Name string `json:"name" example:"resnet50"`
	// Absolute path on disk.
	// example: /srv/models/resnet50.onnx
	Path string `json:"path" example:"/srv/models/resnet50.onnx"`
	// Source reference usable in a deploy request.
	// example: file:///srv/models/resnet50.onnx
	Source string `json:"source" example:"file:///srv/models/resnet50.onnx"`
	// File format (extension) or "directory".
	// example: onnx
	Format string `json:"format" example:"onnx"`
	// Size in bytes (files only).
	// example: 102400000
	SizeBytes int64 `json:"size_bytes,omitempty" example:"102400000"`
	// True for model directories (config.json present).
	Directory bool `json:"directory,omitempty"`
}

// CachedArtifact is a complete artifact held in the fetch cache.
type CachedArtifact struct {
	// Cache key (directory name).
	// example: 3v1m9q0d5k2hs
	Key string `json:"key" example:"3v1m9q0d5k2hs"`
	// Source the artifact was fetched from.
	// example: hf://google/bert-base-uncased
	Source string `json:"source" example:"hf://google/bert-base-uncased"`
	// Local path of the artifact file.
	Path string `json:"path"`
	// Size in bytes.
	// example: 440473133
	SizeBytes int64 `json:"size_bytes" example:"440473133"`
	// xxhash64 of the content, hex encoded.
	// example: 9f86d081884c7d65
	XXHash string `json:"xxhash" example:"9f86d081884c7d65"`
	// Completion time.
	FetchedAt time.Time `json:"fetched_at"`
}
