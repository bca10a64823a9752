package fileconfig_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	rpcpool "github.com/JohnPlummer/jp-go-rpcpool"
	"github.com/JohnPlummer/jp-go-rpcpool/fileconfig"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type reconfigureCall struct {
	contract      string
	endpoints     []rpcpool.EndpointDescriptor
	retryInterval time.Duration
}

type recordingTarget struct {
	mu      sync.Mutex
	known   map[string]bool
	calls   []reconfigureCall
	failFor string
}

func (r *recordingTarget) Reconfigure(contract string, endpoints []rpcpool.EndpointDescriptor, retryInterval time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.known[contract] {
		return rpcpool.ErrUnknownContract
	}
	if contract == r.failFor {
		return errors.New("boom")
	}
	r.calls = append(r.calls, reconfigureCall{contract, endpoints, retryInterval})
	return nil
}

func (r *recordingTarget) snapshot() []reconfigureCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]reconfigureCall(nil), r.calls...)
}

var _ = Describe("Watcher", func() {
	var (
		dir    string
		path   string
		target *recordingTarget
	)

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
		path = filepath.Join(dir, "rpcpool.yaml")
		Expect(os.WriteFile(path, []byte(sample), 0o600)).To(Succeed())
		target = &recordingTarget{known: map[string]bool{"orders": true}}
	})

	Describe("Reload", func() {
		It("should reconfigure registered contracts and skip unknown ones", func() {
			w := fileconfig.NewWatcher(path, target, fileconfig.WithLogger(discardLogger()))
			Expect(w.Reload()).To(Succeed())

			calls := target.snapshot()
			Expect(calls).To(HaveLen(1))
			Expect(calls[0].contract).To(Equal("orders"))
			Expect(calls[0].endpoints).To(HaveLen(2))
			Expect(calls[0].retryInterval).To(Equal(1500 * time.Millisecond))
		})

		It("should return reconfiguration errors", func() {
			target.failFor = "orders"
			w := fileconfig.NewWatcher(path, target, fileconfig.WithLogger(discardLogger()))
			Expect(w.Reload()).To(MatchError(ContainSubstring("reconfiguring orders")))
		})

		It("should fail on an invalid file", func() {
			Expect(os.WriteFile(path, []byte("contracts: ["), 0o600)).To(Succeed())
			w := fileconfig.NewWatcher(path, target, fileconfig.WithLogger(discardLogger()))
			Expect(w.Reload()).To(HaveOccurred())
		})
	})

	Describe("Start", func() {
		It("should reload when the file is written", func() {
			w := fileconfig.NewWatcher(path, target,
				fileconfig.WithLogger(discardLogger()),
				fileconfig.WithSettleDelay(10*time.Millisecond))
			Expect(w.Start(context.Background())).To(Succeed())
			defer func() { _ = w.Stop() }()

			updated := `
contracts:
  orders:
    endpoints:
      - address: orders-3:9000
`
			Expect(os.WriteFile(path, []byte(updated), 0o600)).To(Succeed())

			Eventually(func() []reconfigureCall {
				return target.snapshot()
			}, 2*time.Second, 20*time.Millisecond).ShouldNot(BeEmpty())

			calls := target.snapshot()
			last := calls[len(calls)-1]
			Expect(last.endpoints).To(Equal([]rpcpool.EndpointDescriptor{{Address: "orders-3:9000"}}))
		})

		It("should ignore changes to other files", func() {
			w := fileconfig.NewWatcher(path, target,
				fileconfig.WithLogger(discardLogger()),
				fileconfig.WithSettleDelay(0))
			Expect(w.Start(context.Background())).To(Succeed())
			defer func() { _ = w.Stop() }()

			Expect(os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x: 1"), 0o600)).To(Succeed())
			Consistently(func() []reconfigureCall {
				return target.snapshot()
			}, 300*time.Millisecond, 20*time.Millisecond).Should(BeEmpty())
		})

		It("should refuse to start twice", func() {
			w := fileconfig.NewWatcher(path, target, fileconfig.WithLogger(discardLogger()))
			Expect(w.Start(context.Background())).To(Succeed())
			defer func() { _ = w.Stop() }()

			Expect(w.Start(context.Background())).To(HaveOccurred())
		})

		It("should allow Stop without Start", func() {
			w := fileconfig.NewWatcher(path, target)
			Expect(w.Stop()).To(Succeed())
		})
	})
})
