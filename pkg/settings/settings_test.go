package settings_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/papercomputeco/localllama/pkg/settings"
)

const defaultHost = "http://localhost:11434"

var _ = Describe("Store", func() {
	var path string

	BeforeEach(func() {
		path = filepath.Join(GinkgoT().TempDir(), ".localllama", "settings.json")
	})

	newStore := func() *settings.Store {
		store, err := settings.NewStore(path, defaultHost, zap.NewNop())
		Expect(err).NotTo(HaveOccurred())
		return store
	}

	writeFile := func(content string) {
		Expect(os.MkdirAll(filepath.Dir(path), 0o755)).To(Succeed())
		Expect(os.WriteFile(path, []byte(content), 0o644)).To(Succeed())
	}

	Describe("NewStore", func() {
		It("uses defaults when the file doesn't exist", func() {
			store := newStore()

			Expect(store.Get()).To(Equal(settings.Settings{
				DefaultModel:       "llama3.1:latest",
				DefaultTemperature: 0.5,
				OllamaHost:         defaultHost,
				DefaultOllamaHost:  defaultHost,
			}))
			Expect(store.Host()).To(Equal(defaultHost))
		})

		It("reads the file and fills in missing fields", func() {
			writeFile(`{"defaultModel": "mistral:7b", "defaultSystemPrompt": "be brief"}`)

			got := newStore().Get()
			Expect(got.DefaultModel).To(Equal("mistral:7b"))
			Expect(got.DefaultSystemPrompt).To(Equal("be brief"))
			Expect(got.DefaultTemperature).To(Equal(0.5))
			Expect(got.OllamaHost).To(Equal(defaultHost))
		})

		It("ignores a stored default host", func() {
			writeFile(`{"ollamaHost": "http://gpu-box:11434", "defaultOllamaHost": "http://stale:1"}`)

			got := newStore().Get()
			Expect(got.OllamaHost).To(Equal("http://gpu-box:11434"))
			Expect(got.DefaultOllamaHost).To(Equal(defaultHost))
		})

		It("fails on a malformed file", func() {
			writeFile(`{not json`)

			_, err := settings.NewStore(path, defaultHost, zap.NewNop())
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("Update", func() {
		It("merges the patch and persists it", func() {
			store := newStore()
			model := "qwen2:7b"
			temperature := 0.8

			updated, err := store.Update(settings.Patch{DefaultModel: &model, DefaultTemperature: &temperature})
			Expect(err).NotTo(HaveOccurred())
			Expect(updated.DefaultModel).To(Equal("qwen2:7b"))
			Expect(updated.DefaultTemperature).To(Equal(0.8))
			Expect(updated.OllamaHost).To(Equal(defaultHost))
			Expect(store.Get()).To(Equal(updated))

			data, err := os.ReadFile(path)
			Expect(err).NotTo(HaveOccurred())
			var onDisk settings.Settings
			Expect(json.Unmarshal(data, &onDisk)).To(Succeed())
			Expect(onDisk.DefaultModel).To(Equal("qwen2:7b"))

			Expect(newStore().Get()).To(Equal(updated))
		})

		It("resets an empty host to the default", func() {
			store := newStore()
			host := "http://elsewhere:11434"
			_, err := store.Update(settings.Patch{OllamaHost: &host})
			Expect(err).NotTo(HaveOccurred())
			Expect(store.Host()).To(Equal(host))

			empty := ""
			_, err = store.Update(settings.Patch{OllamaHost: &empty})
			Expect(err).NotTo(HaveOccurred())
			Expect(store.Host()).To(Equal(defaultHost))
		})
	})

	Describe("Replace", func() {
		It("discards the previous values", func() {
			store := newStore()

			Expect(store.Replace(settings.Settings{DefaultModel: "phi3"})).To(Succeed())

			got := store.Get()
			Expect(got.DefaultModel).To(Equal("phi3"))
			Expect(got.DefaultTemperature).To(BeZero())
			Expect(got.OllamaHost).To(Equal(defaultHost))
		})
	})

	Describe("Watch", func() {
		It("picks up edits made outside the store", func() {
			store := newStore()
			Expect(store.Replace(store.Get())).To(Succeed())

			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)
			go func() { done <- store.Watch(ctx) }()
			DeferCleanup(func() {
				cancel()
				Eventually(done).Should(Receive(BeNil()))
			})

			// Give the watcher time to register before editing.
			Eventually(func() string {
				writeFile(`{"defaultModel": "edited"}`)
				return store.Get().DefaultModel
			}, 2*time.Second, 50*time.Millisecond).Should(Equal("edited"))
		})

		It("keeps the previous settings when the file breaks", func() {
			writeFile(`{"defaultModel": "kept"}`)
			store := newStore()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			go func() { _ = store.Watch(ctx) }()

			writeFile(`{broken`)
			Consistently(func() string { return store.Get().DefaultModel }, 300*time.Millisecond).Should(Equal("kept"))
		})
	})
})
