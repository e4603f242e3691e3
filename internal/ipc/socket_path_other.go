//go:build !unix

package ipc

import "errors"

func validateSocketPath(string) error {
	return errors.New("control socket requires a unix platform")
}
