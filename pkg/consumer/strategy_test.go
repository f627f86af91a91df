package consumer_test

import (
	"context"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/easybus/pkg/consumer"
	"procodus.dev/easybus/pkg/message"
)

var _ = Describe("AckStrategy", func() {
	DescribeTable("String",
		func(s consumer.AckStrategy, want string, valid bool) {
			Expect(s.String()).To(Equal(want))
			Expect(s.Valid()).To(Equal(valid))
		},
		Entry("ack", consumer.Ack, "ack", true),
		Entry("nack with requeue", consumer.NackWithRequeue, "nack_requeue", true),
		Entry("nack without requeue", consumer.NackWithoutRequeue, "nack_discard", true),
		Entry("undefined", consumer.AckStrategy(-1), "unknown", false),
	)

	It("should provide fixed strategies", func() {
		d := message.New([]byte("x"), message.Properties{}, message.ReceivedInfo{DeliveryTag: 1})
		Expect(consumer.RequeueStrategy{}.HandleConsumerError(context.Background(), d, errors.New("boom"))).
			To(Equal(consumer.NackWithRequeue))
		Expect(consumer.DiscardStrategy{}.HandleConsumerError(context.Background(), d, errors.New("boom"))).
			To(Equal(consumer.NackWithoutRequeue))
	})

	It("should adapt a function", func() {
		var got error
		s := consumer.StrategyFunc(func(_ context.Context, _ *message.Delivery, err error) consumer.AckStrategy {
			got = err
			return consumer.Ack
		})

		boom := errors.New("boom")
		Expect(s.HandleConsumerError(context.Background(), nil, boom)).To(Equal(consumer.Ack))
		Expect(got).To(Equal(boom))
	})
})

var _ = Describe("HandlerError", func() {
	It("should unwrap the handler error", func() {
		cause := errors.New("boom")
		err := &consumer.HandlerError{Err: cause, Queue: "orders"}
		Expect(err).To(MatchError(cause))
		Expect(err.Error()).To(ContainSubstring(`"orders"`))
	})

	It("should describe a panic", func() {
		err := &consumer.HandlerError{Panic: "kaboom", Queue: "orders"}
		Expect(err.Error()).To(ContainSubstring("panicked: kaboom"))
		Expect(errors.Unwrap(err)).To(BeNil())
	})
})
