package rpcpool_test

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	rpcpool "github.com/JohnPlummer/jp-go-rpcpool"
)

var _ = Describe("EndpointSet", func() {
	var (
		clock *clockwork.FakeClock
		cfg   *rpcpool.Config
	)

	BeforeEach(func() {
		clock = clockwork.NewFakeClock()
		cfg = rpcpool.DefaultConfig()
		cfg.Clock = clock
		cfg.Logger = testLogger()
	})

	disable := func(e *rpcpool.Endpoint) {
		for i := 0; i < 5; i++ {
			e.HandleError(errRefused, e.GetWrapper(), false)
		}
		Expect(e.IsDisabled()).To(BeTrue())
	}

	hold := func(e *rpcpool.Endpoint, n int) {
		for i := 0; i < n; i++ {
			_ = e.GetWrapper()
		}
	}

	It("should select nothing from an empty set", func() {
		set := rpcpool.NewEndpointSet(nil, cfg)
		Expect(set.Len()).To(BeZero())
		Expect(set.Select(nil)).To(BeNil())
	})

	It("should always select the only endpoint", func() {
		set := rpcpool.NewEndpointSet(endpoints("a"), cfg)
		only := set.Endpoints()[0]
		Expect(set.Select(nil)).To(BeIdenticalTo(only))

		disable(only)
		Expect(set.Select(nil)).To(BeIdenticalTo(only))
		Expect(set.Select(only)).To(BeIdenticalTo(only))
	})

	It("should prefer the least busy healthy endpoint over busy and disabled ones", func() {
		set := rpcpool.NewEndpointSet(endpoints("a", "b", "c"), cfg)
		a, b, c := set.Endpoints()[0], set.Endpoints()[1], set.Endpoints()[2]
		hold(b, 3)
		disable(c)

		Expect(a.Busy()).To(BeZero())
		Expect(set.Select(nil)).To(BeIdenticalTo(a))
	})

	It("should pick the least busy endpoint", func() {
		set := rpcpool.NewEndpointSet(endpoints("a", "b", "c"), cfg)
		a, b, c := set.Endpoints()[0], set.Endpoints()[1], set.Endpoints()[2]
		hold(a, 2)
		hold(b, 1)
		hold(c, 3)
		Expect(set.Select(nil)).To(BeIdenticalTo(b))
	})

	It("should prefer an endpoint with pooled connections on a busy tie", func() {
		set := rpcpool.NewEndpointSet(endpoints("a", "b"), cfg)
		b := set.Endpoints()[1]
		w := b.GetWrapper()
		Expect(w.Open(context.Background(), &fakeFactory{})).To(Succeed())
		b.HandleSuccess(w)

		Expect(set.Select(nil)).To(BeIdenticalTo(b))
	})

	It("should skip the excluded endpoint when an alternative exists", func() {
		set := rpcpool.NewEndpointSet(endpoints("a", "b"), cfg)
		a, b := set.Endpoints()[0], set.Endpoints()[1]
		Expect(set.Select(a)).To(BeIdenticalTo(b))
		Expect(set.Select(b)).To(BeIdenticalTo(a))
	})

	It("should fall back to the erroring endpoint that failed longest ago", func() {
		set := rpcpool.NewEndpointSet(endpoints("a", "b", "c"), cfg)
		a, b, c := set.Endpoints()[0], set.Endpoints()[1], set.Endpoints()[2]
		c.HandleError(errRefused, c.GetWrapper(), false)
		clock.Advance(time.Second)
		b.HandleError(errRefused, b.GetWrapper(), false)

		Expect(set.Select(a)).To(BeIdenticalTo(c))
	})

	It("should fall back to the endpoint disabled longest ago", func() {
		set := rpcpool.NewEndpointSet(endpoints("a", "b", "c"), cfg)
		a, b, c := set.Endpoints()[0], set.Endpoints()[1], set.Endpoints()[2]
		disable(b)
		clock.Advance(time.Second)
		disable(c)

		Expect(set.Select(a)).To(BeIdenticalTo(b))
	})

	It("should exclude a disabled endpoint for the disable window and then include it again", func() {
		set := rpcpool.NewEndpointSet(endpoints("a", "b"), cfg)
		a, b := set.Endpoints()[0], set.Endpoints()[1]
		disable(b)

		for i := 0; i < 10; i++ {
			Expect(set.Select(nil)).To(BeIdenticalTo(a))
		}
		hold(a, 1)
		Expect(set.Select(nil)).To(BeIdenticalTo(a))

		clock.Advance(5*time.Minute + time.Second)
		Expect(b.IsDisabled()).To(BeFalse())
		Expect(set.Select(nil)).To(BeIdenticalTo(b))
	})

	Context("without load balancing", func() {
		BeforeEach(func() {
			cfg.LoadBalancing = false
		})

		It("should use configuration order", func() {
			set := rpcpool.NewEndpointSet(endpoints("a", "b", "c"), cfg)
			a, b := set.Endpoints()[0], set.Endpoints()[1]
			hold(a, 5)
			Expect(set.Select(nil)).To(BeIdenticalTo(a))
			Expect(set.Select(a)).To(BeIdenticalTo(b))
		})

		It("should skip disabled endpoints", func() {
			set := rpcpool.NewEndpointSet(endpoints("a", "b"), cfg)
			a, b := set.Endpoints()[0], set.Endpoints()[1]
			disable(a)
			Expect(set.Select(nil)).To(BeIdenticalTo(b))
		})
	})

	It("should report the status of every endpoint in order", func() {
		set := rpcpool.NewEndpointSet(endpoints("a", "b"), cfg)
		status := set.Status()
		Expect(status).To(HaveLen(2))
		Expect(status[0].Address).To(Equal("a"))
		Expect(status[1].Address).To(Equal("b"))
	})
})
