//go:build !linux

package input

type unsupportedBackend struct{}

func newPlatformBackend(string) Backend {
	return unsupportedBackend{}
}

func (unsupportedBackend) Open(string) (Device, error) {
	return nil, ErrNotSupported
}

func (unsupportedBackend) Enumerate() ([]DeviceInfo, error) {
	return nil, ErrNotSupported
}
