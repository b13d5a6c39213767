package smtpin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/relatemail/ferry/consts"
	"github.com/relatemail/ferry/db"
	"github.com/relatemail/ferry/helpers"
	serverPkg "github.com/relatemail/ferry/server"
)

// MessageStore persists ingested messages and resolves threading.
type MessageStore interface {
	InsertMessage(ctx context.Context, msg *db.Message, recipients []*db.MessageRecipient, attachments []*db.Attachment) error
	FindMessageByMessageID(ctx context.Context, accountID int64, messageID string) (*db.Message, error)
	FindThreadBySubject(ctx context.Context, accountID int64, baseSubject string) (int64, error)
}

// BlobStore is the slice of the object store ingestion writes to.
type BlobStore interface {
	Exists(key string) (bool, string, error)
	Put(key string, body io.Reader, size int64) error
}

// Ingestor files parsed messages into hosted INBOXes: content to the
// object store by hash, then a metadata row claiming the next UID.
type Ingestor struct {
	store MessageStore
	blobs BlobStore
	users UserLookup
}

func NewIngestor(store MessageStore, blobs BlobStore, users UserLookup) *Ingestor {
	return &Ingestor{store: store, blobs: blobs, users: users}
}

// Deliver files pm into accountID's INBOX with \Recent set. Thread
// membership resolves against the recipient's own messages: the direct
// parent first, then the References chain, then the base subject for
// reply-prefixed messages. A message resolving nothing roots its own
// thread. Header recipients are linked to hosted accounts where the
// address resolves.
func (ing *Ingestor) Deliver(ctx context.Context, accountID int64, pm *ParsedMessage) (*db.Message, error) {
	if err := ing.StashContent(pm); err != nil {
		return nil, err
	}

	threadID, err := ing.resolveThread(ctx, accountID, pm)
	if err != nil {
		return nil, err
	}

	recipients := make([]*db.MessageRecipient, 0, len(pm.Recipients))
	for _, rcpt := range pm.Recipients {
		linked := *rcpt
		linked.AccountID = ing.resolveAccount(ctx, rcpt.Address)
		recipients = append(recipients, &linked)
	}

	msg := &db.Message{
		AccountID:     accountID,
		MessageID:     pm.MessageID,
		InReplyTo:     pm.InReplyTo,
		ThreadID:      threadID,
		SenderAddress: pm.FromAddress,
		SenderName:    helpers.SanitizeUTF8(pm.FromName),
		Subject:       helpers.SanitizeUTF8(pm.Subject),
		BaseSubject:   helpers.NormalizeSubject(pm.Subject),
		Snippet:       helpers.Snippet(pm.Plaintext()),
		ContentHash:   pm.ContentHash,
		Size:          len(pm.Raw),
		Flags:         db.FlagRecent,
		InternalDate:  time.Now(),
	}

	if err := ing.store.InsertMessage(ctx, msg, recipients, pm.AttachmentRows()); err != nil {
		return nil, err
	}
	return msg, nil
}

// resolveThread places pm in an existing thread of the recipient's.
// Candidate parents are tried in order: In-Reply-To, then the
// References chain newest ancestor first. When no candidate is stored
// here and the subject carries a reply prefix, the thread with the
// matching base subject is joined instead. Zero means a new thread.
func (ing *Ingestor) resolveThread(ctx context.Context, accountID int64, pm *ParsedMessage) (int64, error) {
	candidates := make([]string, 0, len(pm.References)+1)
	if pm.InReplyTo != "" {
		candidates = append(candidates, pm.InReplyTo)
	}
	for i := len(pm.References) - 1; i >= 0; i-- {
		if ref := pm.References[i]; ref != "" && ref != pm.InReplyTo {
			candidates = append(candidates, ref)
		}
	}

	for _, id := range candidates {
		parent, err := ing.store.FindMessageByMessageID(ctx, accountID, id)
		switch {
		case err == nil:
			// Already collapsed to the thread root by the store.
			return parent.ThreadID, nil
		case errors.Is(err, consts.ErrMessageNotFound):
			continue
		default:
			return 0, fmt.Errorf("failed to resolve thread for %q: %w", id, err)
		}
	}

	if helpers.IsReplySubject(pm.Subject) {
		threadID, err := ing.store.FindThreadBySubject(ctx, accountID, helpers.NormalizeSubject(pm.Subject))
		switch {
		case err == nil:
			return threadID, nil
		case errors.Is(err, consts.ErrMessageNotFound):
		default:
			return 0, fmt.Errorf("failed to resolve thread for subject %q: %w", pm.Subject, err)
		}
	}
	return 0, nil
}

// StashContent writes the raw message and each attachment to the
// object store under their content hashes. Hashing makes this
// idempotent: content already present is not uploaded again, which is
// how one message fanning out to several recipients is stored once.
func (ing *Ingestor) StashContent(pm *ParsedMessage) error {
	if err := ing.storeBlob(pm.ContentHash, pm.Raw); err != nil {
		return err
	}
	for _, att := range pm.Attachments {
		if err := ing.storeBlob(att.ContentHash, att.Content); err != nil {
			return err
		}
	}
	return nil
}

func (ing *Ingestor) storeBlob(hash string, content []byte) error {
	exists, _, err := ing.blobs.Exists(hash)
	if err == nil && exists {
		return nil
	}
	// On an Exists error fall through to Put: a duplicate upload is
	// harmless, a skipped one loses the message body.
	if err := ing.blobs.Put(hash, bytes.NewReader(content), int64(len(content))); err != nil {
		return fmt.Errorf("%w: %v", consts.ErrContentUploadFailed, err)
	}
	return nil
}

// resolveAccount maps a header address to a hosted account ID, ignoring
// any +detail part. Zero means the address is not hosted here.
func (ing *Ingestor) resolveAccount(ctx context.Context, address string) int64 {
	lookup := address
	if addr, err := serverPkg.NewAddress(address); err == nil {
		lookup = addr.BaseAddress()
	}
	id, err := ing.users.AccountIDByAddress(ctx, lookup)
	if err != nil {
		return 0
	}
	return id
}
