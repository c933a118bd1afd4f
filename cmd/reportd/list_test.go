package main

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWaitListening(t *testing.T) {
	t.Run("listening", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		t.Cleanup(func() { _ = ln.Close() })
		port := uint16(ln.Addr().(*net.TCPAddr).Port)

		err = waitListening(t.Context(), port, func() bool { return true })
		require.NoError(t, err)
	})

	t.Run("exited", func(t *testing.T) {
		port := freePort(t)
		start := time.Now()
		err := waitListening(t.Context(), port, func() bool { return false })
		require.ErrorIs(t, err, errEngineExited)
		require.Less(t, time.Since(start), time.Second)
	})

	t.Run("timeout", func(t *testing.T) {
		port := freePort(t)
		ctx, cancel := context.WithTimeout(t.Context(), 300*time.Millisecond)
		defer cancel()
		err := waitListening(ctx, port, func() bool { return true })
		require.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func freePort(t *testing.T) uint16 {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := uint16(ln.Addr().(*net.TCPAddr).Port)
	require.NoError(t, ln.Close())
	return port
}
