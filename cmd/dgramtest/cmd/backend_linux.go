//go:build linux

package cmd

import (
	"github.com/sirupsen/logrus"

	"github.com/godzie44/dgramtest/libos/uringos"
)

func startUring(entries uint32, mss int, log logrus.FieldLogger) (runtime, error) {
	l, err := uringos.Start(entries, uringos.WithRecvBufferSize(mss), uringos.WithLogger(log))
	if err != nil {
		return nil, err
	}
	return l, nil
}
