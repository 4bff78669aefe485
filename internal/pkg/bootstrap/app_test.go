package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartService_RunsWorkersAndShutsDown(t *testing.T) {
	cfg := Default()
	cfg.App.ShutdownTimeout = time.Second

	var workerStopped, closed atomic.Bool
	addrCh := make(chan net.Addr, 1)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- StartService(ctx, AppInfo{
			ServiceName: "test",
			Port:        0,
			Config:      cfg,
			RegisterHandlers: func(appCtx AppCtx) {
				appCtx.Mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
			},
			Workers: []Worker{WorkerFunc(func(ctx context.Context) error {
				<-ctx.Done()
				workerStopped.Store(true)
				return nil
			})},
			Closers: []func(ctx context.Context) error{func(context.Context) error {
				closed.Store(true)
				return nil
			}},
			Ready: func(addr net.Addr) { addrCh <- addr },
		})
	}()

	addr := <-addrCh
	port := addr.(*net.TCPAddr).Port
	require.Eventually(t, func() bool {
		resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/healthz", port))
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("service did not stop")
	}
	assert.True(t, workerStopped.Load())
	assert.True(t, closed.Load())
}

func TestStartService_WorkerFailureStopsService(t *testing.T) {
	boom := errors.New("boom")
	err := StartService(context.Background(), AppInfo{
		ServiceName: "test",
		Port:        0,
		Config:      Default(),
		Workers: []Worker{WorkerFunc(func(ctx context.Context) error {
			return boom
		})},
	})
	assert.ErrorIs(t, err, boom)
}
