package artifacts

type ArtifactKind string

const ImageArtifact ArtifactKind = "image" // Bootable ISO produced by the assembly tool

type Artifact struct {
	Kind ArtifactKind
	URI  string

	Checksum string // blake3, hex encoded
	Size     int64
}
