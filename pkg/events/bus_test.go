package events_test

import (
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/easybus/pkg/events"
)

type pinged struct {
	N int
}

type ponged struct {
	N int
}

var _ = Describe("Bus", func() {
	var bus *events.Bus

	BeforeEach(func() {
		bus = events.NewBus(nil)
	})

	Describe("Subscribe and Publish", func() {
		It("should deliver events to subscribers of the same type only", func() {
			var pings []int
			var pongs []int
			events.Subscribe(bus, func(e pinged) { pings = append(pings, e.N) })
			events.Subscribe(bus, func(e ponged) { pongs = append(pongs, e.N) })

			bus.Publish(pinged{N: 1})
			bus.Publish(ponged{N: 2})
			bus.Publish(pinged{N: 3})

			Expect(pings).To(Equal([]int{1, 3}))
			Expect(pongs).To(Equal([]int{2}))
		})

		It("should preserve publication order per subscriber", func() {
			var received []int
			events.Subscribe(bus, func(e pinged) { received = append(received, e.N) })

			for i := 0; i < 100; i++ {
				bus.Publish(pinged{N: i})
			}

			Expect(received).To(HaveLen(100))
			for i, n := range received {
				Expect(n).To(Equal(i))
			}
		})

		It("should call subscribers in registration order", func() {
			var order []string
			events.Subscribe(bus, func(pinged) { order = append(order, "first") })
			events.Subscribe(bus, func(pinged) { order = append(order, "second") })

			bus.Publish(pinged{})

			Expect(order).To(Equal([]string{"first", "second"}))
		})

		It("should ignore nil events", func() {
			Expect(func() { bus.Publish(nil) }).NotTo(Panic())
		})
	})

	Describe("failure isolation", func() {
		It("should keep delivering after a subscriber panics", func() {
			delivered := false
			events.Subscribe(bus, func(pinged) { panic("boom") })
			events.Subscribe(bus, func(pinged) { delivered = true })

			Expect(func() { bus.Publish(pinged{}) }).NotTo(Panic())
			Expect(delivered).To(BeTrue())
		})
	})

	Describe("unsubscribe", func() {
		It("should stop delivery and be idempotent", func() {
			count := 0
			unsubscribe := events.Subscribe(bus, func(pinged) { count++ })

			bus.Publish(pinged{})
			unsubscribe()
			unsubscribe()
			bus.Publish(pinged{})

			Expect(count).To(Equal(1))
			Expect(events.SubscriberCount[pinged](bus)).To(BeZero())
		})
	})

	Describe("concurrent subscription", func() {
		It("should tolerate subscribing while publishing", func() {
			var mu sync.Mutex
			total := 0

			var wg sync.WaitGroup
			for i := 0; i < 10; i++ {
				wg.Add(2)
				go func() {
					defer wg.Done()
					events.Subscribe(bus, func(pinged) {
						mu.Lock()
						total++
						mu.Unlock()
					})
				}()
				go func() {
					defer wg.Done()
					bus.Publish(pinged{})
				}()
			}
			wg.Wait()

			Expect(events.SubscriberCount[pinged](bus)).To(Equal(10))

			mu.Lock()
			before := total
			mu.Unlock()
			bus.Publish(pinged{})

			mu.Lock()
			defer mu.Unlock()
			Expect(total).To(Equal(before + 10))
		})

		It("should let a subscriber subscribe from inside a delivery", func() {
			inner := 0
			events.Subscribe(bus, func(pinged) {
				events.Subscribe(bus, func(pinged) { inner++ })
			})

			bus.Publish(pinged{})
			Expect(inner).To(BeZero())

			bus.Publish(pinged{})
			Expect(inner).To(Equal(1))
		})
	})

	Describe("WaitFor", func() {
		It("should receive the first matching event", func() {
			received, cancel := events.WaitFor(bus, func(e pinged) bool { return e.N > 1 })
			defer cancel()

			go func() {
				bus.Publish(pinged{N: 1})
				bus.Publish(pinged{N: 2})
				bus.Publish(pinged{N: 3})
			}()

			Eventually(received, time.Second).Should(Receive(Equal(pinged{N: 2})))
			Consistently(received, 100*time.Millisecond).ShouldNot(Receive())
		})

		It("should remove its subscription on cancel", func() {
			_, cancel := events.WaitFor[pinged](bus, nil)
			Expect(events.SubscriberCount[pinged](bus)).To(Equal(1))

			cancel()
			Expect(events.SubscriberCount[pinged](bus)).To(BeZero())
		})
	})
})
