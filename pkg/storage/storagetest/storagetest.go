// Package storagetest holds the behavior every storage.Driver must share,
// written as ginkgo specs so each driver's suite can run them.
package storagetest

import (
	"context"
	"errors"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/localllama/pkg/storage"
)

// DriverBehaviors registers the shared driver specs. Call it inside a
// Describe; newDriver is invoked before every spec.
func DriverBehaviors(newDriver func() storage.Driver) {
	var (
		driver storage.Driver
		ctx    context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		driver = newDriver()
	})

	AfterEach(func() {
		Expect(driver.Close()).To(Succeed())
	})

	Describe("CreateChat and GetChat", func() {
		It("stores a chat with no messages", func() {
			id, err := driver.CreateChat(ctx, storage.NewChat{
				Name:         "Greetings",
				SystemPrompt: "be brief",
				Temperature:  0.5,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(id).To(BeNumerically(">", 0))

			chat, err := driver.GetChat(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			Expect(chat.ID).To(Equal(id))
			Expect(chat.Name).To(Equal("Greetings"))
			Expect(chat.SystemPrompt).To(Equal("be brief"))
			Expect(chat.Model).To(BeEmpty())
			Expect(chat.Temperature).NotTo(BeNil())
			Expect(*chat.Temperature).To(Equal(0.5))
			Expect(chat.Messages).To(BeEmpty())
		})

		It("assigns increasing ids", func() {
			first, err := driver.CreateChat(ctx, storage.NewChat{Name: "a"})
			Expect(err).NotTo(HaveOccurred())
			second, err := driver.CreateChat(ctx, storage.NewChat{Name: "b"})
			Expect(err).NotTo(HaveOccurred())
			Expect(second).To(BeNumerically(">", first))
		})

		It("returns ErrNotFound for an unknown chat", func() {
			_, err := driver.GetChat(ctx, 404)

			var notFound storage.ErrNotFound
			Expect(errors.As(err, &notFound)).To(BeTrue())
			Expect(notFound.ChatID).To(Equal(int64(404)))
		})
	})

	Describe("UpdateChat", func() {
		It("rewrites model, prompt and temperature but keeps the name", func() {
			id, err := driver.CreateChat(ctx, storage.NewChat{Name: "Title", Temperature: 0.5})
			Expect(err).NotTo(HaveOccurred())

			err = driver.UpdateChat(ctx, id, storage.ChatUpdate{
				Model:        "llama3.1:latest",
				SystemPrompt: "you are terse",
				Temperature:  0.9,
			})
			Expect(err).NotTo(HaveOccurred())

			chat, err := driver.GetChat(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			Expect(chat.Name).To(Equal("Title"))
			Expect(chat.Model).To(Equal("llama3.1:latest"))
			Expect(chat.SystemPrompt).To(Equal("you are terse"))
			Expect(*chat.Temperature).To(Equal(0.9))
		})

		It("returns ErrNotFound for an unknown chat", func() {
			err := driver.UpdateChat(ctx, 7, storage.ChatUpdate{Model: "m"})
			Expect(errors.As(err, &storage.ErrNotFound{})).To(BeTrue())
		})
	})

	Describe("CreateMessage", func() {
		var chatID int64

		BeforeEach(func() {
			var err error
			chatID, err = driver.CreateChat(ctx, storage.NewChat{Name: "c"})
			Expect(err).NotTo(HaveOccurred())
		})

		It("appends messages in id order", func() {
			userID, err := driver.CreateMessage(ctx, chatID, storage.NewMessage{Role: storage.RoleUser, Content: "Hi"})
			Expect(err).NotTo(HaveOccurred())
			assistantID, err := driver.CreateMessage(ctx, chatID, storage.NewMessage{Role: storage.RoleAssistant, Content: "Hello world"})
			Expect(err).NotTo(HaveOccurred())
			Expect(assistantID).To(BeNumerically(">", userID))

			chat, err := driver.GetChat(ctx, chatID)
			Expect(err).NotTo(HaveOccurred())
			Expect(chat.Messages).To(Equal([]storage.Message{
				{ID: userID, Role: storage.RoleUser, Content: "Hi"},
				{ID: assistantID, Role: storage.RoleAssistant, Content: "Hello world"},
			}))
		})

		It("keeps messages of different chats apart", func() {
			otherID, err := driver.CreateChat(ctx, storage.NewChat{Name: "other"})
			Expect(err).NotTo(HaveOccurred())

			_, err = driver.CreateMessage(ctx, chatID, storage.NewMessage{Role: storage.RoleUser, Content: "mine"})
			Expect(err).NotTo(HaveOccurred())
			_, err = driver.CreateMessage(ctx, otherID, storage.NewMessage{Role: storage.RoleUser, Content: "theirs"})
			Expect(err).NotTo(HaveOccurred())

			chat, err := driver.GetChat(ctx, chatID)
			Expect(err).NotTo(HaveOccurred())
			Expect(chat.Messages).To(HaveLen(1))
			Expect(chat.Messages[0].Content).To(Equal("mine"))
		})

		It("stores empty assistant content", func() {
			_, err := driver.CreateMessage(ctx, chatID, storage.NewMessage{Role: storage.RoleAssistant, Content: ""})
			Expect(err).NotTo(HaveOccurred())

			chat, err := driver.GetChat(ctx, chatID)
			Expect(err).NotTo(HaveOccurred())
			Expect(chat.Messages).To(HaveLen(1))
			Expect(chat.Messages[0].Content).To(BeEmpty())
		})

		It("returns ErrNotFound for an unknown chat", func() {
			_, err := driver.CreateMessage(ctx, chatID+100, storage.NewMessage{Role: storage.RoleUser, Content: "x"})
			Expect(errors.As(err, &storage.ErrNotFound{})).To(BeTrue())
		})

		It("rejects an unknown role", func() {
			_, err := driver.CreateMessage(ctx, chatID, storage.NewMessage{Role: "system", Content: "x"})
			Expect(err).To(HaveOccurred())
		})

		It("accepts concurrent writers", func() {
			var wg sync.WaitGroup
			for range 20 {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					_, err := driver.CreateMessage(ctx, chatID, storage.NewMessage{Role: storage.RoleUser, Content: "x"})
					Expect(err).NotTo(HaveOccurred())
				}()
			}
			wg.Wait()

			chat, err := driver.GetChat(ctx, chatID)
			Expect(err).NotTo(HaveOccurred())
			Expect(chat.Messages).To(HaveLen(20))
		})
	})

	Describe("ListChats", func() {
		It("returns an empty list for an empty store", func() {
			chats, err := driver.ListChats(ctx, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(chats).To(BeEmpty())
		})

		It("returns newest chats first up to the limit", func() {
			var ids []int64
			for _, name := range []string{"one", "two", "three"} {
				id, err := driver.CreateChat(ctx, storage.NewChat{Name: name})
				Expect(err).NotTo(HaveOccurred())
				ids = append(ids, id)
			}

			chats, err := driver.ListChats(ctx, 2)
			Expect(err).NotTo(HaveOccurred())
			Expect(chats).To(Equal([]storage.ChatSummary{
				{ID: ids[2], Name: "three"},
				{ID: ids[1], Name: "two"},
			}))
		})

		It("defaults to ten chats", func() {
			for range 12 {
				_, err := driver.CreateChat(ctx, storage.NewChat{Name: "n"})
				Expect(err).NotTo(HaveOccurred())
			}

			chats, err := driver.ListChats(ctx, -1)
			Expect(err).NotTo(HaveOccurred())
			Expect(chats).To(HaveLen(storage.DefaultListLimit))
		})
	})
}
