// Package firestore is a store.Store backed by Cloud Firestore. Conversations
// live in a top-level collection; messages are a subcollection of each
// conversation document.
package firestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/nstogner/celeste/pkg/domain"
	"github.com/nstogner/celeste/pkg/store"
)

type Store struct {
	store.Notifier
	client *firestore.Client
}

var _ store.Store = (*Store)(nil)

// New creates a Firestore store for the given project. Honors
// FIRESTORE_EMULATOR_HOST.
func New(ctx context.Context, projectID string, opts ...option.ClientOption) (*Store, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID is required for Firestore store")
	}
	client, err := firestore.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating firestore client: %w", err)
	}
	return &Store{client: client}, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) conversationsCol() *firestore.CollectionRef {
	return s.client.Collection("conversations")
}

func (s *Store) conversationDoc(id string) *firestore.DocumentRef {
	return s.conversationsCol().Doc(id)
}

func (s *Store) messagesCol(conversationID string) *firestore.CollectionRef {
	return s.conversationDoc(conversationID).Collection("messages")
}

type conversationDoc struct {
	OwnerID   string         `firestore:"owner_id"`
	Title     string         `firestore:"title"`
	Metadata  map[string]any `firestore:"metadata"`
	CreatedAt time.Time      `firestore:"created_at"`
	UpdatedAt time.Time      `firestore:"updated_at"`
}

type messageDoc struct {
	Role       string `firestore:"role"`
	Capability string `firestore:"capability"`
	Provider   string `firestore:"provider"`
	Model      string `firestore:"model"`
	// Parts is the JSON encoding of the message parts.
	Parts      string    `firestore:"parts"`
	Text       string    `firestore:"text"`
	Error      string    `firestore:"error"`
	OrderIndex int64     `firestore:"order_index"`
	CreatedAt  time.Time `firestore:"created_at"`
	// Writer is the origin tag of the last write, so watchers can skip their
	// own echoes.
	Writer string `firestore:"writer"`
}

func toConversationDoc(c *domain.Conversation) conversationDoc {
	md := c.Metadata
	if md == nil {
		md = map[string]any{}
	}
	return conversationDoc{
		OwnerID:   c.OwnerID,
		Title:     c.Title,
		Metadata:  md,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}

func fromConversationSnap(snap *firestore.DocumentSnapshot) (*domain.Conversation, error) {
	var doc conversationDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("decode conversationDoc: %w", err)
	}
	if doc.Metadata == nil {
		doc.Metadata = map[string]any{}
	}
	return &domain.Conversation{
		ID:        snap.Ref.ID,
		OwnerID:   doc.OwnerID,
		Title:     doc.Title,
		Metadata:  doc.Metadata,
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
	}, nil
}

func toMessageDoc(m *domain.Message, writer string) (messageDoc, error) {
	parts, err := json.Marshal(m.Parts)
	if err != nil {
		return messageDoc{}, fmt.Errorf("message %s: marshal parts: %w", m.ID, err)
	}
	return messageDoc{
		Role:       string(m.Role),
		Capability: string(m.Capability),
		Provider:   m.Provider,
		Model:      m.Model,
		Parts:      string(parts),
		Text:       m.Text(),
		Error:      m.Error,
		OrderIndex: m.Seq,
		CreatedAt:  m.CreatedAt,
		Writer:     writer,
	}, nil
}

func fromMessageSnap(snap *firestore.DocumentSnapshot) (*domain.Message, string, error) {
	var doc messageDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, "", fmt.Errorf("decode messageDoc: %w", err)
	}
	m := &domain.Message{
		ID:         snap.Ref.ID,
		Role:       domain.Role(doc.Role),
		Capability: domain.Capability(doc.Capability),
		Provider:   doc.Provider,
		Model:      doc.Model,
		Seq:        doc.OrderIndex,
		CreatedAt:  doc.CreatedAt,
		Error:      doc.Error,
	}
	if err := json.Unmarshal([]byte(doc.Parts), &m.Parts); err != nil {
		return nil, "", fmt.Errorf("message %s: unmarshal parts: %w", m.ID, err)
	}
	return m, doc.Writer, nil
}

// --- ConversationStore ---

func (s *Store) CreateConversation(ctx context.Context, c *domain.Conversation) error {
	if _, err := s.conversationDoc(c.ID).Create(ctx, toConversationDoc(c)); err != nil {
		return fmt.Errorf("firestore CreateConversation: %w", err)
	}
	s.Notify(c.ID)
	return nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	snap, err := s.conversationDoc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, fmt.Errorf("conversation %s: %w", id, store.ErrNotFound)
		}
		return nil, fmt.Errorf("firestore GetConversation: %w", err)
	}
	return fromConversationSnap(snap)
}

func (s *Store) ownerQuery(ownerID string) firestore.Query {
	return s.conversationsCol().Where("owner_id", "==", ownerID).OrderBy("updated_at", firestore.Desc)
}

func (s *Store) ListConversations(ctx context.Context, ownerID string, opts store.ListOptions) ([]domain.Conversation, error) {
	q := s.ownerQuery(ownerID)
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	var out []domain.Conversation
	err := s.eachConversation(ctx, q, func(c *domain.Conversation) (bool, error) {
		out = append(out, *c)
		return true, nil
	})
	return out, err
}

func (s *Store) UpdateConversation(ctx context.Context, c *domain.Conversation) error {
	ref := s.conversationDoc(c.ID)
	_, err := ref.Update(ctx, []firestore.Update{
		{Path: "title", Value: c.Title},
		{Path: "metadata", Value: toConversationDoc(c).Metadata},
		{Path: "updated_at", Value: c.UpdatedAt},
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return fmt.Errorf("conversation %s: %w", c.ID, store.ErrNotFound)
		}
		return fmt.Errorf("firestore UpdateConversation: %w", err)
	}
	s.Notify(c.ID)
	return nil
}

func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	ref := s.conversationDoc(id)
	if _, err := ref.Get(ctx); err != nil {
		if status.Code(err) == codes.NotFound {
			return fmt.Errorf("conversation %s: %w", id, store.ErrNotFound)
		}
		return fmt.Errorf("firestore DeleteConversation: %w", err)
	}

	// Subcollections are not removed with their parent document.
	var msgIDs []string
	iter := s.messagesCol(id).Documents(ctx)
	defer iter.Stop()
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return fmt.Errorf("firestore DeleteConversation: %w", err)
		}
		msgIDs = append(msgIDs, snap.Ref.ID)
	}
	if err := s.bulk(ctx, id, msgIDs, func(bw *firestore.BulkWriter, msgID string) (*firestore.BulkWriterJob, error) {
		return bw.Delete(s.messagesCol(id).Doc(msgID))
	}); err != nil {
		return err
	}

	if _, err := ref.Delete(ctx); err != nil {
		return fmt.Errorf("firestore DeleteConversation: %w", err)
	}
	s.Notify(id)
	return nil
}

// SearchConversations filters client-side; Firestore has no substring query.
func (s *Store) SearchConversations(ctx context.Context, ownerID, query string, limit int) ([]domain.Conversation, error) {
	q := strings.ToLower(strings.TrimSpace(query))
	var out []domain.Conversation
	err := s.eachConversation(ctx, s.ownerQuery(ownerID), func(c *domain.Conversation) (bool, error) {
		match := strings.Contains(strings.ToLower(c.Title), q)
		if !match {
			msgs, err := s.ListMessages(ctx, c.ID)
			if err != nil {
				return false, err
			}
			for _, m := range msgs {
				if strings.Contains(strings.ToLower(m.Text()), q) {
					match = true
					break
				}
			}
		}
		if match {
			out = append(out, *c)
		}
		return limit <= 0 || len(out) < limit, nil
	})
	return out, err
}

func (s *Store) ConversationsWithCapability(ctx context.Context, ownerID string, capability domain.Capability, limit int) ([]domain.Conversation, error) {
	var out []domain.Conversation
	err := s.eachConversation(ctx, s.ownerQuery(ownerID), func(c *domain.Conversation) (bool, error) {
		iter := s.messagesCol(c.ID).Where("capability", "==", string(capability)).Limit(1).Documents(ctx)
		defer iter.Stop()
		_, err := iter.Next()
		switch {
		case err == nil:
			out = append(out, *c)
		case !errors.Is(err, iterator.Done):
			return false, err
		}
		return limit <= 0 || len(out) < limit, nil
	})
	return out, err
}

// eachConversation calls fn for each result of q until fn returns false.
func (s *Store) eachConversation(ctx context.Context, q firestore.Query, fn func(*domain.Conversation) (bool, error)) error {
	iter := q.Documents(ctx)
	defer iter.Stop()
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("firestore query conversations: %w", err)
		}
		c, err := fromConversationSnap(snap)
		if err != nil {
			return err
		}
		more, err := fn(c)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
}

// --- MessageStore ---

func (s *Store) InsertMessages(ctx context.Context, conversationID string, msgs []*domain.Message) error {
	return s.writeMessages(ctx, conversationID, msgs, func(bw *firestore.BulkWriter, ref *firestore.DocumentRef, doc messageDoc) (*firestore.BulkWriterJob, error) {
		return bw.Create(ref, doc)
	})
}

func (s *Store) UpdateMessages(ctx context.Context, conversationID string, msgs []*domain.Message) error {
	return s.writeMessages(ctx, conversationID, msgs, func(bw *firestore.BulkWriter, ref *firestore.DocumentRef, doc messageDoc) (*firestore.BulkWriterJob, error) {
		return bw.Set(ref, doc)
	})
}

func (s *Store) writeMessages(ctx context.Context, conversationID string, msgs []*domain.Message,
	write func(*firestore.BulkWriter, *firestore.DocumentRef, messageDoc) (*firestore.BulkWriterJob, error)) error {
	if len(msgs) == 0 {
		return nil
	}
	// BulkWriter would otherwise create the subcollection under a missing
	// parent document.
	if _, err := s.GetConversation(ctx, conversationID); err != nil {
		return err
	}
	writer := store.OriginFrom(ctx)
	docs := make(map[string]messageDoc, len(msgs))
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		doc, err := toMessageDoc(m, writer)
		if err != nil {
			return err
		}
		docs[m.ID] = doc
		ids = append(ids, m.ID)
	}
	return s.bulk(ctx, conversationID, ids, func(bw *firestore.BulkWriter, msgID string) (*firestore.BulkWriterJob, error) {
		return write(bw, s.messagesCol(conversationID).Doc(msgID), docs[msgID])
	})
}

func (s *Store) DeleteMessages(ctx context.Context, conversationID string, ids []string) error {
	return s.bulk(ctx, conversationID, ids, func(bw *firestore.BulkWriter, msgID string) (*firestore.BulkWriterJob, error) {
		return bw.Delete(s.messagesCol(conversationID).Doc(msgID))
	})
}

// bulk enqueues one write per message ID and waits for all of them. The first
// failed write is returned; other writes may have been applied.
func (s *Store) bulk(ctx context.Context, conversationID string, ids []string,
	enqueue func(*firestore.BulkWriter, string) (*firestore.BulkWriterJob, error)) error {
	if len(ids) == 0 {
		return nil
	}
	bw := s.client.BulkWriter(ctx)
	jobs := make([]*firestore.BulkWriterJob, 0, len(ids))
	for _, msgID := range ids {
		job, err := enqueue(bw, msgID)
		if err != nil {
			bw.End()
			return fmt.Errorf("firestore enqueue message %s: %w", msgID, err)
		}
		jobs = append(jobs, job)
	}
	bw.End()

	var errs []error
	for i, job := range jobs {
		if _, err := job.Results(); err != nil {
			errs = append(errs, fmt.Errorf("message %s: %w", ids[i], err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("firestore bulk write: %w", errors.Join(errs...))
	}
	s.Notify(conversationID)
	return nil
}

func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]*domain.Message, error) {
	iter := s.messagesCol(conversationID).OrderBy("order_index", firestore.Asc).Documents(ctx)
	defer iter.Stop()

	var out []*domain.Message
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("firestore ListMessages: %w", err)
		}
		m, _, err := fromMessageSnap(snap)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// WatchMessages listens to the conversation's messages subcollection. It
// returns once the listener holds its initial snapshot, so only later writes
// are reported. Deletes carry no origin.
func (s *Store) WatchMessages(ctx context.Context, conversationID string) (<-chan store.MessageChange, error) {
	it := s.messagesCol(conversationID).Snapshots(ctx)
	if _, err := it.Next(); err != nil {
		it.Stop()
		return nil, fmt.Errorf("firestore WatchMessages: %w", err)
	}

	ch := make(chan store.MessageChange, 256)
	go func() {
		defer close(ch)
		defer it.Stop()
		for {
			qs, err := it.Next()
			if err != nil {
				if ctx.Err() == nil && status.Code(err) != codes.Canceled {
					slog.Warn("Message watch ended", "conversation", conversationID, "error", err)
				}
				return
			}
			for _, dc := range qs.Changes {
				c := store.MessageChange{ConversationID: conversationID, MessageID: dc.Doc.Ref.ID}
				switch dc.Kind {
				case firestore.DocumentAdded:
					c.Type = store.MessageInserted
				case firestore.DocumentModified:
					c.Type = store.MessageUpdated
				case firestore.DocumentRemoved:
					c.Type = store.MessageDeleted
				}
				if c.Type != store.MessageDeleted {
					m, writer, err := fromMessageSnap(dc.Doc)
					if err != nil {
						slog.Warn("Skipping undecodable message", "conversation", conversationID, "error", err)
						continue
					}
					c.Message, c.Origin = m, writer
				}
				select {
				case ch <- c:
				default:
				}
			}
		}
	}()
	return ch, nil
}
