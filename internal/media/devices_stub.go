//go:build !(linux && cgo && mediadevices)

package media

// DefaultSource returns the synthetic source on builds without capture
// device support.
func DefaultSource() Source { return SyntheticSource{} }
