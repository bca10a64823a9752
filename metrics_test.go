package rpcpool_test

import (
	"context"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	rpcpool "github.com/JohnPlummer/jp-go-rpcpool"
)

var _ = Describe("Metrics", func() {
	var (
		reg     *prometheus.Registry
		metrics *rpcpool.Metrics
		conns   *fakeFactory
		ctx     context.Context
	)

	BeforeEach(func() {
		var err error
		reg = prometheus.NewRegistry()
		metrics, err = rpcpool.NewMetrics(reg)
		Expect(err).NotTo(HaveOccurred())
		conns = &fakeFactory{}
		ctx = context.Background()
	})

	It("should reuse collectors already registered", func() {
		again, err := rpcpool.NewMetrics(reg)
		Expect(err).NotTo(HaveOccurred())
		Expect(again).NotTo(BeNil())
	})

	It("should count call outcomes, failed attempts and switches", func() {
		conns.setInvoke(refuseOn("a"))
		p := rpcpool.NewPipeline("orders", conns, endpoints("a", "b"),
			rpcpool.WithLogger(testLogger()),
			rpcpool.WithFailoverDelay(0),
			rpcpool.WithMetrics(metrics))

		_, err := p.Execute(ctx, &rpcpool.Call{Method: "Get"})
		Expect(err).NotTo(HaveOccurred())

		expected := `
# HELP rpcpool_calls_total Calls completed through the pipeline, by outcome.
# TYPE rpcpool_calls_total counter
rpcpool_calls_total{contract="orders",method="Get",outcome="success"} 1
# HELP rpcpool_endpoint_switches_total Failovers from one endpoint to another.
# TYPE rpcpool_endpoint_switches_total counter
rpcpool_endpoint_switches_total{contract="orders"} 1
# HELP rpcpool_failed_attempts_total Failed call attempts, by endpoint and error kind.
# TYPE rpcpool_failed_attempts_total counter
rpcpool_failed_attempts_total{contract="orders",endpoint="a",kind="transient"} 1
`
		Expect(testutil.GatherAndCompare(reg, strings.NewReader(expected),
			"rpcpool_calls_total", "rpcpool_endpoint_switches_total", "rpcpool_failed_attempts_total")).To(Succeed())
		Expect(testutil.GatherAndCount(reg, "rpcpool_call_duration_seconds")).To(Equal(1))
	})

	It("should record the failure kind as the outcome", func() {
		p := rpcpool.NewPipeline("orders", conns, nil,
			rpcpool.WithLogger(testLogger()),
			rpcpool.WithMetrics(metrics))
		_, err := p.Execute(ctx, &rpcpool.Call{Method: "Get"})
		Expect(err).To(HaveOccurred())

		expected := `
# HELP rpcpool_calls_total Calls completed through the pipeline, by outcome.
# TYPE rpcpool_calls_total counter
rpcpool_calls_total{contract="orders",method="Get",outcome="no_endpoint"} 1
`
		Expect(testutil.GatherAndCompare(reg, strings.NewReader(expected), "rpcpool_calls_total")).To(Succeed())
	})

	It("should export endpoint state for every contract", func() {
		factory := rpcpool.NewServiceFactory(conns, rpcpool.WithLogger(testLogger()))
		defer factory.Close()
		Expect(factory.Register(rpcpool.Contract{Name: "orders"}, endpoints("a", "b"))).To(Succeed())
		Expect(factory.Register(rpcpool.Contract{Name: "billing"}, endpoints("c"))).To(Succeed())

		collector := rpcpool.NewStatusCollector(factory)
		Expect(testutil.CollectAndCount(collector)).To(Equal(12))
		Expect(testutil.CollectAndCount(collector, "rpcpool_endpoint_healthy")).To(Equal(3))

		expected := `
# HELP rpcpool_endpoint_disabled 1 when the endpoint is disabled.
# TYPE rpcpool_endpoint_disabled gauge
rpcpool_endpoint_disabled{contract="billing",endpoint="c"} 0
rpcpool_endpoint_disabled{contract="orders",endpoint="a"} 0
rpcpool_endpoint_disabled{contract="orders",endpoint="b"} 0
`
		Expect(testutil.CollectAndCompare(collector, strings.NewReader(expected), "rpcpool_endpoint_disabled")).To(Succeed())
	})
})
