package rope

// Options contains optional parameters for RoPE function
type Options struct {
	Type int
}

const (
	// TypeNormal rotates adjacent pairs of each head
	TypeNormal = 0
	// TypeNeoX rotates element i with element i+dim/2
	TypeNeoX = 2
)

// WithTypeNeoX sets RoPE type to NeoX
func WithTypeNeoX() func(*Options) {
	return func(opts *Options) {
		opts.Type = TypeNeoX
	}
}
