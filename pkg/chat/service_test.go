package chat_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/papercomputeco/localllama/pkg/chat"
	"github.com/papercomputeco/localllama/pkg/chunk"
	"github.com/papercomputeco/localllama/pkg/llm"
	"github.com/papercomputeco/localllama/pkg/settings"
	"github.com/papercomputeco/localllama/pkg/storage"
	"github.com/papercomputeco/localllama/pkg/storage/inmemory"
)

// finish walks the turn's reply to its end and waits for the relay to settle.
func finish(turn *chat.Turn) (chunk.State, error) {
	var failure error
	consumer := chunk.NewConsumer(chunk.ConsumerOptions{
		OnError: func(err error) { failure = err },
	})

	Expect(consumer.Consume(context.Background(), turn.Head)).To(Succeed())
	Eventually(turn.Relay.Done()).Should(BeClosed())
	return consumer.State(), failure
}

var _ = Describe("Service", func() {
	var (
		ctx      context.Context
		store    *recordingStore
		upstream *fakeUpstream
		defaults settings.Settings
		service  *chat.Service
	)

	BeforeEach(func() {
		ctx = context.Background()
		store = &recordingStore{Driver: inmemory.NewDriver()}
		upstream = &fakeUpstream{
			title:     "Greeting",
			fragments: []string{"Hello", " world"},
		}
		defaults = settings.Defaults("http://localhost:11434")
	})

	JustBeforeEach(func() {
		service = chat.NewService(store, staticSettings{settings: defaults}, upstream, zap.NewNop())
	})

	Describe("a new chat", func() {
		It("streams the reply and stores both messages", func() {
			turn, err := service.SendMessage(ctx, chat.TurnRequest{Message: "Hi"})
			Expect(err).NotTo(HaveOccurred())
			Expect(turn.NewChat).To(BeTrue())
			Expect(turn.Title).To(Equal("Greeting"))
			Expect(turn.Head.Kind).To(Equal(chunk.KindText))
			Expect(turn.Head.Content).To(Equal("Hello"))

			state, failure := finish(turn)
			Expect(failure).NotTo(HaveOccurred())
			Expect(state).To(Equal(chunk.State{Content: "Hello world", Done: true}))
			Expect(turn.Relay.Err()).NotTo(HaveOccurred())

			stored, err := store.GetChat(ctx, turn.ChatID)
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.Name).To(Equal("Greeting"))
			Expect(*stored.Temperature).To(Equal(0.5))
			Expect(stored.Messages).To(HaveLen(2))
			Expect(stored.Messages[0].Role).To(Equal(storage.RoleUser))
			Expect(stored.Messages[0].Content).To(Equal("Hi"))
			Expect(stored.Messages[1].Role).To(Equal(storage.RoleAssistant))
			Expect(stored.Messages[1].Content).To(Equal("Hello world"))

			id := turn.ChatID
			Expect(store.Events()).To(Equal([]string{
				fmt.Sprintf("create_chat:%d", id),
				fmt.Sprintf("user:%d", id),
				fmt.Sprintf("assistant:%d", id),
			}))
		})

		It("sends the default model and temperature", func() {
			turn, err := service.SendMessage(ctx, chat.TurnRequest{Message: "Hi"})
			Expect(err).NotTo(HaveOccurred())
			finish(turn)

			req := upstream.lastStreamRequest()
			Expect(req.Model).To(Equal(settings.DefaultModel))
			Expect(*req.Options.Temperature).To(Equal(0.5))
			Expect(req.Messages).To(Equal([]llm.Message{{Role: llm.RoleUser, Content: "Hi"}}))
		})

		Context("with a default system prompt", func() {
			BeforeEach(func() {
				defaults.DefaultSystemPrompt = "Answer in French."
			})

			It("prepends it and stores it on the chat", func() {
				turn, err := service.SendMessage(ctx, chat.TurnRequest{Message: "Hi"})
				Expect(err).NotTo(HaveOccurred())
				finish(turn)

				Expect(upstream.lastStreamRequest().Messages[0]).To(Equal(llm.Message{
					Role:    llm.RoleSystem,
					Content: "Answer in French.",
				}))

				stored, err := store.GetChat(ctx, turn.ChatID)
				Expect(err).NotTo(HaveOccurred())
				Expect(stored.SystemPrompt).To(Equal("Answer in French."))
			})
		})

		It("asks for a title with the few-shot prompt", func() {
			turn, err := service.SendMessage(ctx, chat.TurnRequest{Message: "Write a haiku", Model: "phi3"})
			Expect(err).NotTo(HaveOccurred())
			finish(turn)

			Expect(upstream.titleRequests).To(HaveLen(1))
			req := upstream.titleRequests[0]
			Expect(req.Model).To(Equal("phi3"))
			Expect(*req.Options.Temperature).To(Equal(0.1))
			Expect(*req.Options.NumPredict).To(Equal(12))
			Expect(req.Messages[0].Role).To(Equal(llm.RoleSystem))
			Expect(req.Messages).To(HaveLen(8))
			Expect(req.Messages[7]).To(Equal(llm.Message{Role: llm.RoleUser, Content: "Write a haiku"}))
		})

		It("strips newlines from the title", func() {
			upstream.title = "  Sky\nColor\r\n"

			turn, err := service.SendMessage(ctx, chat.TurnRequest{Message: "Hi"})
			Expect(err).NotTo(HaveOccurred())
			Expect(turn.Title).To(Equal("SkyColor"))
			finish(turn)
		})

		DescribeTable("falls back to Untitled",
			func(title string, titleErr error) {
				upstream.title = title
				upstream.titleErr = titleErr

				turn, err := service.SendMessage(ctx, chat.TurnRequest{Message: "Hi"})
				Expect(err).NotTo(HaveOccurred())
				Expect(turn.Title).To(Equal(chat.UntitledName))
				finish(turn)
			},
			Entry("when the title call fails", "", errors.New("boom")),
			Entry("when the title is blank", "\n \n", nil),
		)
	})

	Describe("an existing chat", func() {
		var chatID int64

		BeforeEach(func() {
			var err error
			chatID, err = store.Driver.CreateChat(ctx, storage.NewChat{
				Name:         "Old",
				SystemPrompt: "Be terse.",
				Temperature:  0.2,
			})
			Expect(err).NotTo(HaveOccurred())
			_, err = store.Driver.CreateMessage(ctx, chatID, storage.NewMessage{Role: storage.RoleUser, Content: "Hi"})
			Expect(err).NotTo(HaveOccurred())
			_, err = store.Driver.CreateMessage(ctx, chatID, storage.NewMessage{Role: storage.RoleAssistant, Content: "Hello"})
			Expect(err).NotTo(HaveOccurred())
		})

		It("sends the stored history and settings", func() {
			turn, err := service.SendMessage(ctx, chat.TurnRequest{ChatID: chatID, Message: "How are you?"})
			Expect(err).NotTo(HaveOccurred())
			Expect(turn.NewChat).To(BeFalse())
			Expect(turn.ChatID).To(Equal(chatID))
			finish(turn)

			req := upstream.lastStreamRequest()
			Expect(*req.Options.Temperature).To(Equal(0.2))
			Expect(req.Messages).To(Equal([]llm.Message{
				{Role: llm.RoleSystem, Content: "Be terse."},
				{Role: llm.RoleUser, Content: "Hi"},
				{Role: llm.RoleAssistant, Content: "Hello"},
				{Role: llm.RoleUser, Content: "How are you?"},
			}))
			Expect(upstream.titleRequests).To(BeEmpty())
		})

		It("updates the chat with the request's overrides", func() {
			turn, err := service.SendMessage(ctx, chat.TurnRequest{
				ChatID:       chatID,
				Message:      "Again",
				Model:        "mistral",
				SystemPrompt: "Be verbose.",
				Temperature:  llm.Float64(0.9),
			})
			Expect(err).NotTo(HaveOccurred())
			finish(turn)

			stored, err := store.GetChat(ctx, chatID)
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.Name).To(Equal("Old"))
			Expect(stored.Model).To(Equal("mistral"))
			Expect(stored.SystemPrompt).To(Equal("Be verbose."))
			Expect(*stored.Temperature).To(Equal(0.9))
			Expect(stored.Messages).To(HaveLen(4))

			Expect(store.Events()).To(Equal([]string{
				fmt.Sprintf("update_chat:%d", chatID),
				fmt.Sprintf("user:%d", chatID),
				fmt.Sprintf("assistant:%d", chatID),
			}))
		})
	})

	Describe("ordering", func() {
		BeforeEach(func() {
			// The reply is fully drained long before the user write returns.
			store.userDelay = 50 * time.Millisecond
		})

		It("writes the assistant message after the user message", func() {
			turn, err := service.SendMessage(ctx, chat.TurnRequest{Message: "Hi"})
			Expect(err).NotTo(HaveOccurred())
			finish(turn)

			Expect(store.Events()).To(Equal([]string{
				fmt.Sprintf("create_chat:%d", turn.ChatID),
				fmt.Sprintf("user:%d", turn.ChatID),
				fmt.Sprintf("assistant:%d", turn.ChatID),
			}))
		})

		It("holds across concurrent turns", func() {
			const turns = 10

			var wg sync.WaitGroup
			ids := make(chan int64, turns)
			for range turns {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()

					turn, err := service.SendMessage(ctx, chat.TurnRequest{Message: "Hi"})
					Expect(err).NotTo(HaveOccurred())
					finish(turn)
					ids <- turn.ChatID
				}()
			}
			wg.Wait()
			close(ids)

			events := store.Events()
			for id := range ids {
				user := indexOf(events, fmt.Sprintf("user:%d", id))
				assistant := indexOf(events, fmt.Sprintf("assistant:%d", id))
				Expect(user).To(BeNumerically(">=", 0))
				Expect(assistant).To(BeNumerically(">", user))

				stored, err := store.GetChat(ctx, id)
				Expect(err).NotTo(HaveOccurred())
				Expect(stored.Messages[0].ID).To(BeNumerically("<", stored.Messages[1].ID))
			}
		})
	})

	Describe("failures", func() {
		It("rejects a message with no visible text", func() {
			_, err := service.SendMessage(ctx, chat.TurnRequest{Message: " \r\n\n "})
			Expect(err).To(MatchError(chat.ErrMessageRequired))
			Expect(upstream.streamRequests).To(BeEmpty())
		})

		It("rejects an unknown chat before calling the model", func() {
			_, err := service.SendMessage(ctx, chat.TurnRequest{ChatID: 99, Message: "Hi"})
			Expect(errors.As(err, &storage.ErrNotFound{})).To(BeTrue())
			Expect(upstream.streamRequests).To(BeEmpty())
		})

		It("stores nothing when the stream can't be opened", func() {
			upstream.openErr = errors.New("model not found")

			_, err := service.SendMessage(ctx, chat.TurnRequest{Message: "Hi"})
			Expect(err).To(MatchError(ContainSubstring("model not found")))
			Expect(store.Events()).To(BeEmpty())
		})

		It("never writes the assistant message when the user message fails", func() {
			store.userErr = errors.New("database is locked")

			_, err := service.SendMessage(ctx, chat.TurnRequest{Message: "Hi"})
			Expect(err).To(MatchError(ContainSubstring("database is locked")))

			src := upstream.lastSource()
			Eventually(src.closed.Load).Should(BeTrue())
			Consistently(store.Events, 50*time.Millisecond).ShouldNot(ContainElement(HavePrefix("assistant:")))
		})

		It("keeps the user message when the reply fails partway", func() {
			upstream.fragments = []string{"partial"}
			upstream.streamErr = errUpstream

			turn, err := service.SendMessage(ctx, chat.TurnRequest{Message: "Hi"})
			Expect(err).NotTo(HaveOccurred())

			state, failure := finish(turn)
			Expect(failure).To(MatchError(errUpstream))
			Expect(state).To(Equal(chunk.State{Content: "partial", Done: true}))
			Expect(turn.Relay.Err()).To(MatchError(errUpstream))

			stored, err := store.GetChat(ctx, turn.ChatID)
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.Messages).To(HaveLen(1))
			Expect(stored.Messages[0].Role).To(Equal(storage.RoleUser))
		})
	})

	It("finishes the reply after the caller goes away", func() {
		reqCtx, cancel := context.WithCancel(ctx)
		turn, err := service.SendMessage(reqCtx, chat.TurnRequest{Message: "Hi"})
		Expect(err).NotTo(HaveOccurred())
		cancel()

		Eventually(turn.Relay.Done()).Should(BeClosed())
		Expect(turn.Relay.Err()).NotTo(HaveOccurred())

		stored, err := store.GetChat(ctx, turn.ChatID)
		Expect(err).NotTo(HaveOccurred())
		Expect(stored.Messages).To(HaveLen(2))
		Expect(stored.Messages[1].Content).To(Equal("Hello world"))
	})
})

func indexOf(events []string, event string) int {
	for i, e := range events {
		if e == event {
			return i
		}
	}
	return -1
}
