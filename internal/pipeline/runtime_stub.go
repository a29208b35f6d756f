//go:build !govips || !cgo

package pipeline

// Startup is a no-op without libvips; the stdlib transformer needs no setup.
func Startup() error { return nil }

func Shutdown() {}

func newTransformer() (Transformer, error) {
	return stdlibTransformer{}, nil
}
