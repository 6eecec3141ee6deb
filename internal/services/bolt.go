package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MegaGrindStone/chatbot-widget/internal/models"
	"github.com/MegaGrindStone/chatbot-widget/internal/transcript"
	bolt "go.etcd.io/bbolt"
)

// BoltArchive keeps a record of finished widget messages in a BoltDB file. Each widget gets its own
// bucket, and messages are stored in the order they reached a terminal state.
type BoltArchive struct {
	db *bolt.DB

	logger *slog.Logger
}

// archiveDisplay mirrors one widget transcript and writes each message to the archive once it is
// final.
type archiveDisplay struct {
	archive  BoltArchive
	widgetID string

	mu   sync.Mutex
	live map[models.Handle]*models.Message
}

const widgetsBucket = "widgets"

// NewBoltArchive opens or creates the archive database at path. The file is created with 0600
// permissions if it doesn't exist.
func NewBoltArchive(path string, logger *slog.Logger) (BoltArchive, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return BoltArchive{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(widgetsBucket))
		return err
	})
	if err != nil {
		_ = db.Close()
		return BoltArchive{}, fmt.Errorf("failed to create widgets bucket: %w", err)
	}

	return BoltArchive{
		db:     db,
		logger: logger.With(slog.String("module", "bolt")),
	}, nil
}

func widgetBucketName(widgetID string) []byte {
	return []byte(fmt.Sprintf("widget-%s", widgetID))
}

// Close releases the database file.
func (b BoltArchive) Close() error {
	return b.db.Close()
}

// Widgets returns the IDs of every widget with archived messages, in creation order.
func (b BoltArchive) Widgets(context.Context) ([]string, error) {
	var ids []string
	err := b.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket([]byte(widgetsBucket))
		if bk == nil {
			return nil
		}
		return bk.ForEach(func(_, v []byte) error {
			ids = append(ids, string(v))
			return nil
		})
	})
	return ids, err
}

// Record stores msg under the given widget. The widget bucket is created on first use.
func (b BoltArchive) Record(_ context.Context, widgetID string, msg models.Message) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bk, err := tx.CreateBucket(widgetBucketName(widgetID))
		switch {
		case err == nil:
			widgets := tx.Bucket([]byte(widgetsBucket))
			seq, err := widgets.NextSequence()
			if err != nil {
				return fmt.Errorf("failed to get next sequence: %w", err)
			}
			if err := widgets.Put(sequenceKey(seq), []byte(widgetID)); err != nil {
				return fmt.Errorf("failed to register widget: %w", err)
			}
		case errors.Is(err, bolt.ErrBucketExists):
			bk = tx.Bucket(widgetBucketName(widgetID))
		default:
			return fmt.Errorf("failed to create widget bucket: %w", err)
		}

		seq, err := bk.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to get next sequence: %w", err)
		}

		v, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}

		return bk.Put(sequenceKey(seq), v)
	})
}

// Messages returns the archived messages of a widget in the order they were recorded.
func (b BoltArchive) Messages(_ context.Context, widgetID string) ([]models.Message, error) {
	var messages []models.Message
	err := b.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket(widgetBucketName(widgetID))
		if bk == nil {
			return nil
		}

		return bk.ForEach(func(_, v []byte) error {
			var message models.Message
			if err := json.Unmarshal(v, &message); err != nil {
				return fmt.Errorf("failed to unmarshal message: %w", err)
			}
			messages = append(messages, message)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// Display returns a transcript.Display that archives the messages of the given widget as they become
// final. Write failures are logged; they never reach the widget.
func (b BoltArchive) Display(widgetID string) transcript.Display {
	return &archiveDisplay{
		archive:  b,
		widgetID: widgetID,
		live:     make(map[models.Handle]*models.Message),
	}
}

func (a *archiveDisplay) MessageAppended(h models.Handle, role models.Role, text string, state models.State) {
	msg := models.Message{
		ID:    archiveID(a.widgetID, h),
		Role:  role,
		Text:  text,
		State: state,
	}
	if state.Terminal() {
		a.record(msg)
		return
	}

	a.mu.Lock()
	a.live[h] = &msg
	a.mu.Unlock()
}

func (a *archiveDisplay) MessageTextChanged(h models.Handle, text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if msg, ok := a.live[h]; ok {
		msg.Text = text
	}
}

func (a *archiveDisplay) MessageStateChanged(h models.Handle, state models.State) {
	a.mu.Lock()
	msg, ok := a.live[h]
	if ok {
		msg.State = state
		if state.Terminal() {
			delete(a.live, h)
		}
	}
	a.mu.Unlock()

	if ok && state.Terminal() {
		a.record(*msg)
	}
}

func (a *archiveDisplay) record(msg models.Message) {
	msg.Timestamp = time.Now()
	if err := a.archive.Record(context.Background(), a.widgetID, msg); err != nil {
		a.archive.logger.Error("Failed to archive message",
			slog.String("widgetID", a.widgetID),
			slog.String("err", err.Error()))
	}
}

// archiveID identifies an archived message by its widget and its handle in that widget's transcript.
func archiveID(widgetID string, h models.Handle) string {
	return fmt.Sprintf("%s-%d", widgetID, h)
}

func sequenceKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%020d", seq))
}
