package images

import "time"

// Image is a record of a successfully baked image stored in the shared OCI
// layout. The record is immutable once written; blobs are content
// addressed and shared between images.
type Image struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`        // serving name in the embedded registry
	Digest     string    `json:"digest"`      // manifest digest (sha256:...)
	BaseDigest string    `json:"base_digest"` // resolved digest of the base image
	SizeBytes  int64     `json:"size_bytes"`  // config + layer blob sizes
	BakeID     string    `json:"bake_id"`     // bake that produced this image
	Port       int       `json:"port"`        // declared (advisory) TCP port
	WorkingDir string    `json:"working_dir"`
	Command    []string  `json:"command"`
	CreatedAt  time.Time `json:"created_at"`
}

// PutImageRequest carries the metadata recorded alongside a baked image.
type PutImageRequest struct {
	ID         string
	Name       string
	BakeID     string
	BaseDigest string
	Port       int
	WorkingDir string
	Command    []string
}
