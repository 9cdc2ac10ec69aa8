package swcache

import (
	"errors"
	"fmt"
)

var (
	// ErrOffline wraps every network failure surfaced by the interceptor.
	ErrOffline = errors.New("network unavailable")

	ErrQuotaExceeded     = errors.New("cache quota exceeded")
	ErrStoreNotFound     = errors.New("cache store not found")
	ErrStorageClosed     = errors.New("cache storage closed")
	ErrUnsupported       = errors.New("service worker unsupported")
	ErrWorkerClosed      = errors.New("worker closed")
	ErrInstallInProgress = errors.New("another version is installing")
	ErrHostClosed        = errors.New("host closed")
	ErrInvalidTransition = errors.New("invalid lifecycle transition")
)

// InstallError reports a failed install. The previous active version keeps
// serving and the new store holds no manifest entries.
type InstallError struct {
	Version string
	Path    string
	Status  int
	Err     error
}

func (e *InstallError) Error() string {
	switch {
	case e.Path == "":
		return fmt.Sprintf("install %s: %v", e.Version, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("install %s: precache %s: %v", e.Version, e.Path, e.Err)
	default:
		return fmt.Sprintf("install %s: precache %s: unexpected status %d", e.Version, e.Path, e.Status)
	}
}

func (e *InstallError) Unwrap() error { return e.Err }
