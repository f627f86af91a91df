package main

import (
	"bytes"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/easybus/pkg/consumer"
)

var _ = Describe("Commands", func() {
	Describe("printNames", func() {
		It("should print the default conventions for a type name", func() {
			buf := &bytes.Buffer{}
			Expect(printNames(buf, "Shop.Orders:Shop", "billing", "orders.created")).To(Succeed())

			out := buf.String()
			Expect(out).To(MatchRegexp(`(?m)^exchange\s+Shop\.Orders:Shop$`))
			Expect(out).To(MatchRegexp(`(?m)^queue\s+Shop\.Orders:Shop_billing$`))
			Expect(out).To(MatchRegexp(`(?m)^rpc routing key\s+Shop\.Orders:Shop$`))
			Expect(out).To(MatchRegexp(`(?m)^rpc exchange\s+easy_net_q_rpc$`))
			Expect(out).To(MatchRegexp(`(?m)^error queue\s+EasyNetQ_Default_Error_Queue$`))
			Expect(out).To(MatchRegexp(`(?m)^error exchange\s+ErrorExchange_orders\.created$`))
			Expect(out).To(MatchRegexp(`(?m)^rpc return queue\s+easynetq\.response\.\S+$`))
		})
	})

	Describe("errorStrategy", func() {
		DescribeTable("should map flag values",
			func(name string, expected consumer.ErrorStrategy) {
				strategy, err := errorStrategy(name)
				Expect(err).NotTo(HaveOccurred())
				if expected == nil {
					Expect(strategy).To(BeNil())
					return
				}
				Expect(strategy).To(Equal(expected))
			},
			Entry("empty", "", nil),
			Entry("default", "default", nil),
			Entry("requeue", "requeue", consumer.RequeueStrategy{}),
			Entry("discard", "discard", consumer.DiscardStrategy{}),
		)

		It("should reject unknown values", func() {
			_, err := errorStrategy("retry")
			Expect(err).To(MatchError(ContainSubstring(`unknown error strategy "retry"`)))
		})
	})

	It("should register the subcommands", func() {
		names := []string{}
		for _, c := range rootCmd.Commands() {
			names = append(names, c.Name())
		}
		Expect(names).To(ContainElements("consume", "publish", "names"))
	})
})
