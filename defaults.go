package tinymldelta

// Engine defaults, matching the reference device profile: 1 KiB working
// buffers and CRC32 chunk integrity.
const (
	DefaultCopyBufferSize = 1024
	DefaultScratchSize    = 1024
)

// coalesce returns def when v is the zero value of T - otherwise v.
func coalesce[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}
