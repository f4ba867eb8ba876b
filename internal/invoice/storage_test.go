package invoice

import (
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("LocalStorage", func() {
	var (
		tmpDir  string
		storage Storage
	)

	BeforeEach(func() {
		tmpDir = GinkgoT().TempDir()
		var err error
		storage, err = NewLocalStorage(filepath.Join(tmpDir, "documents"))
		Expect(err).NotTo(HaveOccurred())
	})

	It("creates its directory", func() {
		Expect(filepath.Join(tmpDir, "documents")).To(BeADirectory())
	})

	It("saves and reads back a document", func() {
		path, err := storage.Save("facture.pdf", []byte("%PDF"))
		Expect(err).NotTo(HaveOccurred())
		Expect(path).To(Equal("facture.pdf"))

		data, err := storage.Get(path)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(data)).To(Equal("%PDF"))
	})

	It("keeps names inside its directory", func() {
		path, err := storage.Save("../../escape.pdf", []byte("%PDF"))
		Expect(err).NotTo(HaveOccurred())
		Expect(path).To(Equal("escape.pdf"))
		Expect(filepath.Join(tmpDir, "documents", "escape.pdf")).To(BeAnExistingFile())
	})

	When("the file does not exist", func() {
		It("fails to read it", func() {
			_, err := storage.Get("missing.pdf")
			Expect(err).To(MatchError(ContainSubstring("reading file")))
		})

		It("fails to delete it", func() {
			Expect(storage.Delete("missing.pdf")).To(MatchError(ContainSubstring("deleting file")))
		})
	})

	It("deletes a document", func() {
		_, err := storage.Save("facture.pdf", []byte("%PDF"))
		Expect(err).NotTo(HaveOccurred())
		Expect(storage.Delete("facture.pdf")).To(Succeed())
		_, err = storage.Get("facture.pdf")
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("Archive", func() {
	var (
		tmpDir  string
		cfg     Config
		archive *Archive
		now     time.Time
	)

	BeforeEach(func() {
		tmpDir = GinkgoT().TempDir()
		cfg = Config{
			SuccessFolder:  filepath.Join(tmpDir, "success"),
			ErrorFolder:    filepath.Join(tmpDir, "error"),
			RejectedFolder: filepath.Join(tmpDir, "rejected"),
		}
		now = time.Date(2024, 3, 20, 14, 5, 9, 0, time.UTC)
		archive = NewArchiveWithClock(cfg, func() time.Time { return now })
	})

	Describe("Store", func() {
		It("keeps the name when it is free", func() {
			path, err := archive.Store(AreaSuccess, "facture.pdf", []byte("%PDF"))
			Expect(err).NotTo(HaveOccurred())
			Expect(path).To(Equal(filepath.Join(cfg.SuccessFolder, "facture.pdf")))
			Expect(path).To(BeAnExistingFile())
		})

		It("prefixes a timestamp when the name is taken", func() {
			_, err := archive.Store(AreaError, "facture.pdf", []byte("first"))
			Expect(err).NotTo(HaveOccurred())

			path, err := archive.Store(AreaError, "facture.pdf", []byte("second"))
			Expect(err).NotTo(HaveOccurred())
			Expect(path).To(Equal(filepath.Join(cfg.ErrorFolder, "20240320_140509_facture.pdf")))

			first, err := os.ReadFile(filepath.Join(cfg.ErrorFolder, "facture.pdf"))
			Expect(err).NotTo(HaveOccurred())
			Expect(string(first)).To(Equal("first"))
		})

		It("adds a counter when the timestamped name is taken too", func() {
			for _, content := range []string{"first", "second", "third", "fourth"} {
				_, err := archive.Store(AreaError, "facture.pdf", []byte(content))
				Expect(err).NotTo(HaveOccurred())
			}

			read := func(name string) string {
				data, err := os.ReadFile(filepath.Join(cfg.ErrorFolder, name))
				Expect(err).NotTo(HaveOccurred())
				return string(data)
			}
			Expect(read("facture.pdf")).To(Equal("first"))
			Expect(read("20240320_140509_facture.pdf")).To(Equal("second"))
			Expect(read("20240320_140509_facture_1.pdf")).To(Equal("third"))
			Expect(read("20240320_140509_facture_2.pdf")).To(Equal("fourth"))
		})

		It("fails for an unconfigured area", func() {
			archive = NewArchiveWithClock(Config{}, time.Now)
			_, err := archive.Store(AreaRejected, "notes.txt", []byte("x"))
			Expect(err).To(MatchError(ContainSubstring("rejected folder not configured")))
		})
	})

	Describe("Move", func() {
		It("moves the file into the area", func() {
			src := filepath.Join(tmpDir, "notes.txt")
			Expect(os.WriteFile(src, []byte("hello"), 0644)).To(Succeed())

			path, err := archive.Move(AreaRejected, src)
			Expect(err).NotTo(HaveOccurred())
			Expect(path).To(Equal(filepath.Join(cfg.RejectedFolder, "notes.txt")))
			Expect(src).NotTo(BeAnExistingFile())
			Expect(path).To(BeAnExistingFile())
		})

		It("never replaces an archived file", func() {
			for _, content := range []string{"one", "two", "three"} {
				src := filepath.Join(tmpDir, "notes.txt")
				Expect(os.WriteFile(src, []byte(content), 0644)).To(Succeed())
				_, err := archive.Move(AreaRejected, src)
				Expect(err).NotTo(HaveOccurred())
			}

			entries, err := os.ReadDir(cfg.RejectedFolder)
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(HaveLen(3))
			third, err := os.ReadFile(filepath.Join(cfg.RejectedFolder, "20240320_140509_notes_1.txt"))
			Expect(err).NotTo(HaveOccurred())
			Expect(string(third)).To(Equal("three"))
		})
	})
})
