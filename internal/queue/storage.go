package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrMessageNotFound is returned for ids the queue does not hold.
var ErrMessageNotFound = errors.New("message not found")

// Store persists queue state: message metadata and message bodies are kept
// apart so metadata updates never rewrite the body.
type Store interface {
	Save(ctx context.Context, msg *Message) error
	Load(ctx context.Context, id string) (*Message, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*Message, error)

	SaveBody(ctx context.Context, id string, body []byte) error
	LoadBody(ctx context.Context, id string) ([]byte, error)
	DeleteBody(ctx context.Context, id string) error
}

// FileStore implements Store using the filesystem
type FileStore struct {
	queueDir string
}

// NewFileStore creates a file-based store rooted at queueDir
func NewFileStore(queueDir string) (*FileStore, error) {
	fs := &FileStore{queueDir: queueDir}
	if err := fs.EnsureDirectories(); err != nil {
		return nil, err
	}
	return fs, nil
}

// EnsureDirectories creates necessary queue directories
func (fs *FileStore) EnsureDirectories() error {
	for _, dir := range []string{"messages", "data", "tmp"} {
		path := filepath.Join(fs.queueDir, dir)
		if err := os.MkdirAll(path, 0700); err != nil {
			return fmt.Errorf("failed to create queue directory %s: %w", path, err)
		}
	}
	return nil
}

func (fs *FileStore) metaPath(id string) (string, error) {
	if err := validID(id); err != nil {
		return "", err
	}
	return filepath.Join(fs.queueDir, "messages", id+".json"), nil
}

func (fs *FileStore) bodyPath(id string) (string, error) {
	if err := validID(id); err != nil {
		return "", err
	}
	return filepath.Join(fs.queueDir, "data", id), nil
}

// writeAtomic stages data in tmp/ and renames it into place so readers
// never observe a partial file.
func (fs *FileStore) writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Join(fs.queueDir, "tmp"), "write-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to move file into place: %w", err)
	}
	return nil
}

// Save writes message metadata
func (fs *FileStore) Save(_ context.Context, msg *Message) error {
	path, err := fs.metaPath(msg.ID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return fs.writeAtomic(path, data)
}

// Load reads message metadata
func (fs *FileStore) Load(_ context.Context, id string) (*Message, error) {
	path, err := fs.metaPath(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read message file: %w", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	return &msg, nil
}

// Delete removes message metadata; removing a missing message is not an error
func (fs *FileStore) Delete(_ context.Context, id string) error {
	path, err := fs.metaPath(id)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete message file: %w", err)
	}
	return nil
}

// List returns every stored message ordered by enqueue sequence
func (fs *FileStore) List(ctx context.Context) ([]*Message, error) {
	files, err := os.ReadDir(filepath.Join(fs.queueDir, "messages"))
	if err != nil {
		return nil, fmt.Errorf("failed to read queue directory: %w", err)
	}

	messages := make([]*Message, 0, len(files))
	for _, file := range files {
		if filepath.Ext(file.Name()) != ".json" {
			continue
		}
		msg, err := fs.Load(ctx, strings.TrimSuffix(file.Name(), ".json"))
		if err != nil {
			continue // Skip files that can't be read
		}
		messages = append(messages, msg)
	}
	sortBySeq(messages)
	return messages, nil
}

// SaveBody saves message content data
func (fs *FileStore) SaveBody(_ context.Context, id string, body []byte) error {
	path, err := fs.bodyPath(id)
	if err != nil {
		return err
	}
	return fs.writeAtomic(path, body)
}

// LoadBody loads message content data
func (fs *FileStore) LoadBody(_ context.Context, id string) ([]byte, error) {
	path, err := fs.bodyPath(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read content file: %w", err)
	}
	return data, nil
}

// DeleteBody removes message content data
func (fs *FileStore) DeleteBody(_ context.Context, id string) error {
	path, err := fs.bodyPath(id)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete content file: %w", err)
	}
	return nil
}

// validID rejects ids that could escape the queue directory.
func validID(id string) error {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return fmt.Errorf("invalid message id %q", id)
	}
	return nil
}

func sortBySeq(messages []*Message) {
	sort.Slice(messages, func(i, j int) bool { return messages[i].Seq < messages[j].Seq })
}
