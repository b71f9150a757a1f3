//go:build !unix

package endpoint

func setReuseAddr(uintptr) error {
	return nil
}
