package rpcpool_test

import (
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/atomic"

	rpcpool "github.com/JohnPlummer/jp-go-rpcpool"
)

type invokerFunc func(ctx context.Context, call *rpcpool.Call) (any, error)

func (f invokerFunc) Execute(ctx context.Context, call *rpcpool.Call) (any, error) {
	return f(ctx, call)
}

var _ = Describe("Breaker", func() {
	var (
		ctx   context.Context
		calls atomic.Int64
		fail  atomic.Bool
		next  rpcpool.Invoker
		call  *rpcpool.Call
	)

	tripAfter := func(n uint32) *rpcpool.CircuitBreakerConfig {
		cfg := rpcpool.DefaultCircuitBreakerConfig()
		cfg.ReadyToTrip = func(counts rpcpool.CircuitBreakerCounts) bool {
			return counts.ConsecutiveFailures >= n
		}
		return cfg
	}

	BeforeEach(func() {
		ctx = context.Background()
		calls.Store(0)
		fail.Store(false)
		call = &rpcpool.Call{Contract: "orders", Method: "Get"}
		next = invokerFunc(func(context.Context, *rpcpool.Call) (any, error) {
			calls.Inc()
			if fail.Load() {
				return nil, errors.New("unavailable")
			}
			return "ok", nil
		})
	})

	It("should have sensible defaults", func() {
		cfg := rpcpool.DefaultCircuitBreakerConfig()
		Expect(cfg.MaxRequests).To(Equal(uint32(1)))
		Expect(cfg.Interval).To(Equal(10 * time.Second))
		Expect(cfg.Timeout).To(Equal(30 * time.Second))
		Expect(cfg.ReadyToTrip(rpcpool.CircuitBreakerCounts{Requests: 5, TotalFailures: 3})).To(BeTrue())
		Expect(cfg.ReadyToTrip(rpcpool.CircuitBreakerCounts{Requests: 4, TotalFailures: 4})).To(BeFalse())
		Expect(cfg.ReadyToTrip(rpcpool.CircuitBreakerCounts{Requests: 5, TotalFailures: 2})).To(BeFalse())
	})

	It("should pass calls through while closed", func() {
		b := rpcpool.NewBreaker("orders", next, nil, testLogger())
		result, err := b.Execute(ctx, call)
		Expect(err).NotTo(HaveOccurred())
		Expect(result).To(Equal("ok"))
		Expect(b.State()).To(Equal(rpcpool.StateClosed))
		Expect(b.Counts().TotalSuccesses).To(Equal(uint32(1)))
	})

	It("should open after repeated failures and reject without calling through", func() {
		b := rpcpool.NewBreaker("orders", next, tripAfter(2), testLogger())
		fail.Store(true)

		_, _ = b.Execute(ctx, call)
		_, _ = b.Execute(ctx, call)
		Expect(b.State()).To(Equal(rpcpool.StateOpen))

		_, err := b.Execute(ctx, call)
		Expect(err).To(HaveOccurred())
		Expect(calls.Load()).To(Equal(int64(2)))
	})

	It("should not count application faults or cancellations as failures", func() {
		fault := rpcpool.NewApplicationFault(400, "bad request", nil)
		b := rpcpool.NewBreaker("orders", invokerFunc(func(ctx context.Context, _ *rpcpool.Call) (any, error) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fault
		}), tripAfter(1), testLogger())

		for i := 0; i < 3; i++ {
			_, err := b.Execute(ctx, call)
			Expect(err).To(BeIdenticalTo(fault))
		}

		canceled, cancel := context.WithCancel(ctx)
		cancel()
		_, err := b.Execute(canceled, call)
		Expect(err).To(MatchError(context.Canceled))

		Expect(b.State()).To(Equal(rpcpool.StateClosed))
		Expect(b.Counts().TotalFailures).To(BeZero())
	})

	It("should recover through half-open", func() {
		var (
			mu          sync.Mutex
			transitions []rpcpool.CircuitBreakerState
		)
		cfg := tripAfter(1)
		cfg.Timeout = 50 * time.Millisecond
		cfg.OnStateChange = func(_ string, _, to rpcpool.CircuitBreakerState) {
			mu.Lock()
			transitions = append(transitions, to)
			mu.Unlock()
		}
		b := rpcpool.NewBreaker("orders", next, cfg, testLogger())

		fail.Store(true)
		_, _ = b.Execute(ctx, call)
		Expect(b.State()).To(Equal(rpcpool.StateOpen))

		fail.Store(false)
		Eventually(b.State).Should(Equal(rpcpool.StateHalfOpen))
		_, err := b.Execute(ctx, call)
		Expect(err).NotTo(HaveOccurred())
		Expect(b.State()).To(Equal(rpcpool.StateClosed))

		mu.Lock()
		defer mu.Unlock()
		Expect(transitions).To(Equal([]rpcpool.CircuitBreakerState{
			rpcpool.StateOpen, rpcpool.StateHalfOpen, rpcpool.StateClosed,
		}))
	})

	It("should wrap a registered contract when configured", func() {
		conns := &fakeFactory{}
		conns.setInvoke(func(context.Context, *fakeConn, *rpcpool.Call) (any, error) {
			return nil, errRefused
		})
		factory := rpcpool.NewServiceFactory(conns,
			rpcpool.WithLogger(testLogger()),
			rpcpool.WithFailoverDelay(0))
		defer factory.Close()

		Expect(factory.Register(ordersContract, endpoints("a", "b"),
			rpcpool.WithCircuitBreaker(rpcpool.WithReadyToTrip(func(c rpcpool.CircuitBreakerCounts) bool {
				return c.ConsecutiveFailures >= 1
			})))).To(Succeed())

		b, err := factory.Breaker("orders")
		Expect(err).NotTo(HaveOccurred())
		Expect(b).NotTo(BeNil())

		proxy, err := factory.Proxy("orders")
		Expect(err).NotTo(HaveOccurred())

		_, err = proxy.Invoke(ctx, "Get", "1")
		Expect(rpcpool.KindOf(err)).To(Equal(rpcpool.KindTransient))
		Expect(b.State()).To(Equal(rpcpool.StateOpen))

		invokes := conns.invokes.Load()
		_, err = proxy.Invoke(ctx, "Get", "1")
		Expect(err).To(HaveOccurred())
		Expect(conns.invokes.Load()).To(Equal(invokes))
	})

	It("should name its states", func() {
		Expect(rpcpool.StateClosed.String()).To(Equal("closed"))
		Expect(rpcpool.StateOpen.String()).To(Equal("open"))
		Expect(rpcpool.StateHalfOpen.String()).To(Equal("half-open"))
	})
})
