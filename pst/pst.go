// Package pst reads Outlook data files (.pst and .ost) into the same
// envelope stream as the mbox reader.
package pst

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/emersion/go-message/charset"
	pstlib "github.com/mooijtech/go-pst/v6/pkg"
	"github.com/mooijtech/go-pst/v6/pkg/properties"
	"github.com/rotisserie/eris"
	"golang.org/x/text/encoding"

	"github.com/dhcgn/mailvec/model"
)

var registerCharsets sync.Once

type Options struct {
	Path string
}

// NewReader validates the file header. It fails with
// model.ErrArchiveEncrypted or model.ErrArchiveCorrupt before any message is
// read.
func NewReader(opts Options, logger *slog.Logger) (*FileReader, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		return nil, fmt.Errorf("archive path is empty")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	h, err := readHeader(path)
	if err != nil {
		return nil, err
	}

	registerCharsets.Do(func() {
		pstlib.ExtendCharsets(func(name string, enc encoding.Encoding) {
			charset.RegisterEncoding(name, enc)
		})
	})

	logger.Debug("outlook data file", "path", path, "version", h.Version, "unicode", h.Unicode, "crypt", h.CryptMethod)
	return &FileReader{path: path, logger: logger}, nil
}

// FileReader reads one Outlook data file.
type FileReader struct {
	path   string
	logger *slog.Logger
}

// Stream walks the folder tree depth first. A message that cannot be
// decoded becomes a *model.DecodeError envelope and the walk continues.
func (f *FileReader) Stream(ctx context.Context, out chan<- model.Envelope) (err error) {
	file, err := os.Open(f.path)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer file.Close()

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %s: %v", model.ErrArchiveCorrupt, f.path, p)
		}
	}()

	doc, err := pstlib.New(file)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", model.ErrArchiveCorrupt, f.path, err)
	}
	defer doc.Cleanup()

	root, err := doc.GetRootFolder()
	if err != nil {
		return fmt.Errorf("%w: %s root folder: %v", model.ErrArchiveCorrupt, f.path, err)
	}
	return f.walk(ctx, &root, "", out)
}

func (f *FileReader) walk(ctx context.Context, parent *pstlib.Folder, path string, out chan<- model.Envelope) error {
	if !parent.HasSubFolders {
		return nil
	}
	subs, err := parent.GetSubFolders()
	if err != nil {
		return fmt.Errorf("%w: subfolders of %q: %v", model.ErrArchiveCorrupt, path, err)
	}

	for i := range subs {
		sub := &subs[i]
		subPath := joinPath(path, sub.Name)
		if err := f.streamFolder(ctx, sub, subPath, out); err != nil {
			return err
		}
		if err := f.walk(ctx, sub, subPath, out); err != nil {
			return err
		}
	}
	return nil
}

func (f *FileReader) streamFolder(ctx context.Context, folder *pstlib.Folder, path string, out chan<- model.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	messages, err := folder.GetMessageIterator()
	if eris.Is(err, pstlib.ErrMessagesNotFound) {
		return nil
	}
	if err != nil {
		return f.skipFolder(ctx, path, 0, err, out)
	}

	idx := 0
	for ; messages.Next(); idx++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		msg := messages.Value()
		offset := int64(msg.Identifier)
		it, ok, err := readItem(msg)
		if err != nil {
			decodeErr := &model.DecodeError{FolderPath: path, Index: idx, Offset: offset, Err: err}
			f.logger.Warn("skipping malformed message", "folder", path, "index", idx, "err", err)
			if err := emit(ctx, out, model.Envelope{Err: decodeErr}); err != nil {
				return err
			}
			continue
		}
		if !ok {
			f.logger.Debug("skipping non-mail item", "folder", path, "index", idx)
			continue
		}

		record := it.record()
		if record.NativeID == "" {
			record.NativeID = fmt.Sprintf("pst:%d", offset)
		}
		record.FolderPath = path
		record.Index = idx
		record.SourceOffset = offset

		if err := emit(ctx, out, model.Envelope{Record: record}); err != nil {
			return err
		}
	}

	if err := messages.Err(); err != nil {
		return f.skipFolder(ctx, path, idx, err, out)
	}
	return nil
}

// skipFolder reports an unreadable message table as one decode error and
// moves on to the next folder.
func (f *FileReader) skipFolder(ctx context.Context, path string, idx int, err error, out chan<- model.Envelope) error {
	f.logger.Warn("skipping rest of folder", "folder", path, "index", idx, "err", err)
	decodeErr := &model.DecodeError{FolderPath: path, Index: idx, Err: err}
	return emit(ctx, out, model.Envelope{Err: decodeErr})
}

// readItem reads the mail properties of msg. ok is false for contacts,
// appointments and other non-mail items.
func readItem(msg *pstlib.Message) (it item, ok bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("read message: %v", p)
		}
	}()

	props, ok := msg.Properties.(*properties.Message)
	if !ok {
		return item{}, false, nil
	}

	it = item{
		Subject:       props.GetSubject(),
		SenderName:    props.GetSenderName(),
		SenderAddress: props.GetSenderEmailAddress(),
		MessageID:     props.GetInternetMessageId(),
		DisplayTo:     props.GetDisplayTo(),
		DisplayCc:     props.GetDisplayCc(),
		Body:          props.GetBody(),
		BodyHTML:      props.GetBodyHtml(),
		SubmitTime:    props.GetClientSubmitTime(),
		DeliveryTime:  props.GetMessageDeliveryTime(),
	}

	attachments, err := msg.GetAttachmentIterator()
	if eris.Is(err, pstlib.ErrAttachmentsNotFound) {
		return it, true, nil
	}
	if err != nil {
		return item{}, true, fmt.Errorf("attachments: %w", err)
	}
	for attachments.Next() {
		a := attachments.Value()
		it.Attachments = append(it.Attachments, model.Attachment{
			Name: a.GetAttachLongFilename(),
			Size: int64(a.GetAttachSize()),
		})
	}
	if err := attachments.Err(); err != nil {
		return item{}, true, fmt.Errorf("attachments: %w", err)
	}
	return it, true, nil
}

// CountMessages sums the message counts stored in the folder table.
func (f *FileReader) CountMessages(ctx context.Context) (count int, err error) {
	file, err := os.Open(f.path)
	if err != nil {
		return 0, fmt.Errorf("open archive: %w", err)
	}
	defer file.Close()

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %s: %v", model.ErrArchiveCorrupt, f.path, p)
		}
	}()

	doc, err := pstlib.New(file)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", model.ErrArchiveCorrupt, f.path, err)
	}
	defer doc.Cleanup()

	root, err := doc.GetRootFolder()
	if err != nil {
		return 0, fmt.Errorf("%w: %s root folder: %v", model.ErrArchiveCorrupt, f.path, err)
	}
	return countFolders(ctx, &root)
}

func countFolders(ctx context.Context, parent *pstlib.Folder) (int, error) {
	if !parent.HasSubFolders {
		return 0, nil
	}
	subs, err := parent.GetSubFolders()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", model.ErrArchiveCorrupt, err)
	}

	count := 0
	for i := range subs {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		n, err := countFolders(ctx, &subs[i])
		if err != nil {
			return 0, err
		}
		count += int(subs[i].MessageCount) + n
	}
	return count, nil
}

func joinPath(parent, name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "Unnamed"
	}
	if parent == "" {
		return name
	}
	return parent + "/" + name
}

func emit(ctx context.Context, out chan<- model.Envelope, env model.Envelope) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case out <- env:
		return nil
	}
}
