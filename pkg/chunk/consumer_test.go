package chunk_test

import (
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/localllama/pkg/chunk"
	"github.com/papercomputeco/localllama/pkg/deferred"
)

// callbacks records consumer notifications.
type callbacks struct {
	mu      sync.Mutex
	updates []chunk.State
	done    []chunk.State
	errs    []error
}

func (c *callbacks) options() chunk.ConsumerOptions {
	return chunk.ConsumerOptions{
		OnUpdate: func(s chunk.State) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.updates = append(c.updates, s)
		},
		OnDone: func(s chunk.State) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.done = append(c.done, s)
		},
		OnError: func(err error) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.errs = append(c.errs, err)
		},
	}
}

func (c *callbacks) counts() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.done), len(c.errs)
}

var _ = Describe("Consumer", func() {
	var (
		ctx context.Context
		cb  *callbacks
	)

	BeforeEach(func() {
		ctx = context.Background()
		cb = &callbacks{}
	})

	It("reassembles the Hello world reply and completes once", func() {
		src := &scriptedSource{fragments: []string{"Hel", "lo ", "world"}}
		consumer := chunk.NewConsumer(cb.options())

		Expect(consumer.Consume(ctx, chunk.Stream(ctx, src, nil, nil))).To(Succeed())

		Expect(consumer.State()).To(Equal(chunk.State{Content: "Hello world", Done: true}))
		Expect(cb.done).To(Equal([]chunk.State{{Content: "Hello world", Done: true}}))
		Expect(cb.errs).To(BeEmpty())
		Expect(cb.updates).To(HaveLen(3))
		Expect(cb.updates[1].Content).To(Equal("Hello "))
		Expect(consumer.Walking()).To(BeFalse())
	})

	It("reports an Error node once and marks the state complete", func() {
		src := &scriptedSource{fragments: []string{"partial"}, err: errUpstream}
		consumer := chunk.NewConsumer(cb.options())

		Expect(consumer.Consume(ctx, chunk.Stream(ctx, src, nil, nil))).To(Succeed())

		Expect(consumer.State()).To(Equal(chunk.State{Content: "partial", Done: true}))
		Expect(cb.errs).To(ConsistOf(MatchError(errUpstream)))
		Expect(cb.done).To(BeEmpty())
	})

	It("treats a rejected successor as an error", func() {
		slot := deferred.New[chunk.Node]()
		slot.Reject(errors.New("connection reset"))
		consumer := chunk.NewConsumer(cb.options())

		Expect(consumer.Consume(ctx, chunk.Text("abc", slot.Future()))).To(Succeed())

		Expect(consumer.State()).To(Equal(chunk.State{Content: "abc", Done: true}))
		Expect(cb.errs).To(ConsistOf(MatchError("connection reset")))
	})

	It("treats context cancellation while waiting as an error", func() {
		slot := deferred.New[chunk.Node]()
		waitCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
		defer cancel()
		consumer := chunk.NewConsumer(cb.options())

		Expect(consumer.Consume(waitCtx, chunk.Text("abc", slot.Future()))).To(Succeed())

		Expect(cb.errs).To(ConsistOf(MatchError(context.DeadlineExceeded)))
	})

	It("stops without completing at a Text node with no successor", func() {
		consumer := chunk.NewConsumer(cb.options())

		Expect(consumer.Consume(ctx, chunk.Text("so far", nil))).To(Succeed())

		Expect(consumer.State()).To(Equal(chunk.State{Content: "so far", Done: false}))
		done, errs := cb.counts()
		Expect(done).To(BeZero())
		Expect(errs).To(BeZero())
		Expect(consumer.Walking()).To(BeFalse())
	})

	It("accepts a node from the middle of a chain", func() {
		src := &scriptedSource{fragments: []string{"skip ", "from ", "here"}}
		head := chunk.Stream(ctx, src, nil, nil)
		mid, err := head.Next.Wait(ctx)
		Expect(err).NotTo(HaveOccurred())

		consumer := chunk.NewConsumer(cb.options())
		Expect(consumer.Consume(ctx, mid)).To(Succeed())

		Expect(consumer.State().Content).To(Equal("from here"))
	})

	It("completes once for a zero-fragment chain", func() {
		consumer := chunk.NewConsumer(cb.options())

		Expect(consumer.Consume(ctx, chunk.Done())).To(Succeed())

		Expect(cb.done).To(Equal([]chunk.State{{Done: true}}))
	})

	It("ignores a second Consume while a walk is active", func() {
		src := newGatedSource()
		consumer := chunk.NewConsumer(cb.options())

		headCh := make(chan chunk.Node, 1)
		go func() { headCh <- chunk.Stream(ctx, src, nil, nil) }()
		src.push("a")
		head := <-headCh

		walked := make(chan error, 1)
		go func() { walked <- consumer.Consume(ctx, head) }()
		Eventually(consumer.Walking).Should(BeTrue())

		Expect(consumer.Consume(ctx, chunk.Done())).To(MatchError(chunk.ErrWalkInProgress))

		src.push("b")
		src.finish()
		Eventually(walked).Should(Receive(BeNil()))
		Expect(consumer.State()).To(Equal(chunk.State{Content: "ab", Done: true}))
		done, _ := cb.counts()
		Expect(done).To(Equal(1))
	})

	It("drops every effect of a walk abandoned by Reset", func() {
		src := newGatedSource()
		consumer := chunk.NewConsumer(cb.options())

		headCh := make(chan chunk.Node, 1)
		go func() { headCh <- chunk.Stream(ctx, src, nil, nil) }()
		src.push("stale")
		head := <-headCh

		walked := make(chan error, 1)
		go func() { walked <- consumer.Consume(ctx, head) }()
		Eventually(func() string { return consumer.State().Content }).Should(Equal("stale"))

		consumer.Reset()
		Expect(consumer.State()).To(Equal(chunk.State{}))
		Expect(consumer.Walking()).To(BeFalse())

		src.push(" more")
		src.finish()
		Eventually(walked).Should(Receive(BeNil()))

		Expect(consumer.State()).To(Equal(chunk.State{}))
		done, errs := cb.counts()
		Expect(done).To(BeZero())
		Expect(errs).To(BeZero())
	})

	It("lets a new chain start after Reset without interleaving the old one", func() {
		old := newGatedSource()
		consumer := chunk.NewConsumer(cb.options())

		headCh := make(chan chunk.Node, 1)
		go func() { headCh <- chunk.Stream(ctx, old, nil, nil) }()
		old.push("old")
		oldHead := <-headCh

		go func() { _ = consumer.Consume(ctx, oldHead) }()
		Eventually(consumer.Walking).Should(BeTrue())
		consumer.Reset()

		fresh := &scriptedSource{fragments: []string{"new"}}
		Expect(consumer.Consume(ctx, chunk.Stream(ctx, fresh, nil, nil))).To(Succeed())

		old.push(" leaked")
		old.finish()

		Consistently(consumer.State, 50*time.Millisecond).Should(Equal(chunk.State{Content: "new", Done: true}))
		done, _ := cb.counts()
		Expect(done).To(Equal(1))
	})

	It("allows Reset from inside a callback", func() {
		var consumer *chunk.Consumer
		consumer = chunk.NewConsumer(chunk.ConsumerOptions{
			OnDone: func(chunk.State) { consumer.Reset() },
		})

		Expect(consumer.Consume(ctx, chunk.Text("x", nil))).To(Succeed())
		Expect(consumer.Consume(ctx, chunk.Done())).To(Succeed())
		Expect(consumer.State()).To(Equal(chunk.State{}))
	})

	It("panics with ErrProtocol on a malformed node", func() {
		consumer := chunk.NewConsumer(cb.options())

		Expect(func() { _ = consumer.Consume(ctx, chunk.Node{}) }).To(PanicWith(MatchError(chunk.ErrProtocol)))
		Expect(consumer.Walking()).To(BeFalse())
	})

	Describe("State.Display", func() {
		It("shows a placeholder until visible text arrives", func() {
			Expect(chunk.State{}.Display()).To(Equal("..."))
			Expect(chunk.State{Content: "\n\r\n"}.Display()).To(Equal("..."))
			Expect(chunk.State{Content: "hi\n"}.Display()).To(Equal("hi\n"))
		})
	})
})
