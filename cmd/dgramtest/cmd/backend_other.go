//go:build !linux

package cmd

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/godzie44/dgramtest/libos"
)

func startUring(uint32, int, logrus.FieldLogger) (runtime, error) {
	return nil, fmt.Errorf("%w: io_uring backend requires linux", libos.ErrNotSupported)
}
