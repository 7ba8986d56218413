package mbox

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	mboxlib "github.com/emersion/go-mbox"

	"github.com/dhcgn/mailvec/model"
	"github.com/dhcgn/mailvec/runner"
)

const sniffSize = 1024

var (
	pgpArmor  = []byte("-----BEGIN PGP MESSAGE-----")
	ageHeader = []byte("age-encryption.org/v1")
	fromLine  = []byte("From ")
)

type Options struct {
	// Path is either a single mailbox file or a directory tree of mailbox
	// files. Thunderbird style "Name.sbd" directories hold the subfolders
	// of the "Name" mailbox.
	Path string
}

// Reader streams the messages of an archive. The sequence can be restarted
// by calling Stream again; it cannot be resumed mid-stream.
type Reader interface {
	Stream(ctx context.Context, out chan<- model.Envelope) error
}

// Folder is one mailbox file and its folder path inside the archive.
type Folder struct {
	Path string
	File string
}

// NewReader opens the archive at opts.Path and validates the header of every
// mailbox it contains. It fails with model.ErrArchiveEncrypted or
// model.ErrArchiveCorrupt before any message is read.
func NewReader(opts Options, logger *slog.Logger) (*FileReader, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		return nil, fmt.Errorf("archive path is empty")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}

	var folders []Folder
	switch {
	case info.Mode().IsRegular():
		if err := validateMailbox(path, true); err != nil {
			return nil, err
		}
		folders = []Folder{{Path: folderName(filepath.Base(path)), File: path}}
	case info.IsDir():
		folders, err = discoverFolders(path, logger)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %s is neither a file nor a directory", model.ErrArchiveCorrupt, path)
	}

	return &FileReader{root: path, folders: folders, logger: logger}, nil
}

// FileReader reads mbox files from disk.
type FileReader struct {
	root    string
	folders []Folder
	logger  *slog.Logger
}

// Folders returns the mailbox files in traversal order.
func (f *FileReader) Folders() []Folder {
	return append([]Folder(nil), f.folders...)
}

func (f *FileReader) Stream(ctx context.Context, out chan<- model.Envelope) error {
	for _, folder := range f.folders {
		if err := f.streamFolder(ctx, folder, out); err != nil {
			return err
		}
	}
	return nil
}

func (f *FileReader) streamFolder(ctx context.Context, folder Folder, out chan<- model.Envelope) error {
	file, err := os.Open(folder.File)
	if err != nil {
		return fmt.Errorf("open mailbox %q: %w", folder.Path, err)
	}
	defer file.Close()

	counter := &countingReader{r: file}
	reader := mboxlib.NewReader(counter)

	for idx := 0; ; idx++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		// The mbox library reads ahead, so this is the stream position
		// when the message was reached, not an exact byte offset.
		offset := counter.n
		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("%w: folder %q message %d: %v", model.ErrArchiveCorrupt, folder.Path, idx, err)
		}

		raw, err := io.ReadAll(msgReader)
		if err != nil {
			return fmt.Errorf("%w: folder %q message %d read: %v", model.ErrArchiveCorrupt, folder.Path, idx, err)
		}

		record, err := parseMessage(raw)
		if err != nil {
			decodeErr := &model.DecodeError{FolderPath: folder.Path, Index: idx, Offset: offset, Err: err}
			f.logger.Warn("skipping malformed message", "folder", folder.Path, "index", idx, "err", err)
			if err := emitEnvelope(ctx, out, model.Envelope{Err: decodeErr}); err != nil {
				return err
			}
			continue
		}

		record.FolderPath = folder.Path
		record.Index = idx
		record.SourceOffset = offset

		if err := emitEnvelope(ctx, out, model.Envelope{Record: record}); err != nil {
			return err
		}
	}
}

// CountMessages counts the messages of every folder without decoding them.
func (f *FileReader) CountMessages(ctx context.Context) (int, error) {
	count := 0
	for _, folder := range f.folders {
		n, err := countFolder(ctx, folder.File)
		if err != nil {
			return 0, fmt.Errorf("count %q: %w", folder.Path, err)
		}
		count += n
	}
	return count, nil
}

func countFolder(ctx context.Context, path string) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	reader := mboxlib.NewReader(file)
	count := 0
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return count, nil
			}
			return 0, err
		}
		if _, err := io.Copy(io.Discard, msgReader); err != nil {
			return 0, err
		}
		count++
	}
}

func emitEnvelope(ctx context.Context, out chan<- model.Envelope, env model.Envelope) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case out <- env:
		return nil
	}
}

// discoverFolders walks root in lexical order. Files ending in .mbox or
// .mbx, or without extension, are mailbox candidates; everything else is
// index or settings data and ignored.
func discoverFolders(root string, logger *slog.Logger) ([]Folder, error) {
	var folders []Folder
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("%w: walk %s: %v", model.ErrArchiveCorrupt, path, err)
		}
		name := d.Name()
		if path != root && strings.HasPrefix(name, ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		ext := strings.ToLower(filepath.Ext(name))
		explicit := ext == ".mbox" || ext == ".mbx"
		if !explicit && ext != "" {
			return nil
		}

		if err := validateMailbox(path, explicit); err != nil {
			if errors.Is(err, errNotMailbox) {
				logger.Debug("ignoring non-mailbox file", "path", path)
				return nil
			}
			return err
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		folders = append(folders, Folder{Path: folderPath(rel), File: path})
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(folders) == 0 {
		return nil, fmt.Errorf("%w: no mailbox found in %s", model.ErrArchiveCorrupt, root)
	}
	return folders, nil
}

var errNotMailbox = errors.New("not a mailbox")

// validateMailbox checks the first bytes of a mailbox file. An empty file is
// a valid, empty folder. When strict is false a file that does not look like
// a mailbox yields errNotMailbox instead of model.ErrArchiveCorrupt.
func validateMailbox(path string, strict bool) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open mailbox: %w", err)
	}
	defer file.Close()

	head := make([]byte, sniffSize)
	n, err := io.ReadFull(bufio.NewReader(file), head)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: read header of %s: %v", model.ErrArchiveCorrupt, path, err)
	}
	head = bytes.TrimLeft(head[:n], "\ufeff\r\n\t ")

	switch {
	case len(head) == 0:
		return nil
	case bytes.HasPrefix(head, pgpArmor), bytes.HasPrefix(head, ageHeader):
		return fmt.Errorf("%w: %s", model.ErrArchiveEncrypted, path)
	case bytes.HasPrefix(head, fromLine):
		return nil
	case !strict:
		return errNotMailbox
	default:
		return fmt.Errorf("%w: %s does not start with a mbox \"From \" line", model.ErrArchiveCorrupt, path)
	}
}

// folderPath turns "Inbox.sbd/Work.mbox" into "Inbox/Work".
func folderPath(rel string) string {
	parts := strings.Split(filepath.ToSlash(rel), "/")
	for i, p := range parts {
		if i < len(parts)-1 {
			parts[i] = strings.TrimSuffix(p, ".sbd")
			continue
		}
		parts[i] = folderName(p)
	}
	return strings.Join(parts, "/")
}

func folderName(file string) string {
	ext := filepath.Ext(file)
	switch strings.ToLower(ext) {
	case ".mbox", ".mbx":
		return strings.TrimSuffix(file, ext)
	}
	return file
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// Producer streams an archive as a runner stage.
type Producer struct {
	reader Reader
	out    chan model.Envelope
}

func NewProducer(reader Reader, r *runner.Runner) *Producer {
	producer := &Producer{reader: reader, out: make(chan model.Envelope, 32)}
	r.AddStage("archive", producer.run)
	return producer
}

// Envelopes is closed once the archive has been read or the stage failed.
func (p *Producer) Envelopes() <-chan model.Envelope {
	return p.out
}

func (p *Producer) run(ctx context.Context) error {
	defer close(p.out)
	return p.reader.Stream(ctx, p.out)
}
