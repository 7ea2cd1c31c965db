package capture

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"sos-guardian/internal/models"
)

// StoredBlob 一段已加密落盘的证据
type StoredBlob struct {
	Path      string
	SizeBytes int64
	SHA256    string
}

// SegmentStore 证据分段落盘存储
// 目录结构：<root>/<episode_id>/<segment_id>.<audio|video>.enc
type SegmentStore struct {
	root   string
	cipher *Cipher
}

// NewSegmentStore 创建分段存储
func NewSegmentStore(root string, cipher *Cipher) (*SegmentStore, error) {
	if root == "" {
		return nil, fmt.Errorf("evidence directory is required")
	}
	if cipher == nil {
		return nil, fmt.Errorf("cipher is required")
	}

	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create evidence directory: %w", err)
	}

	return &SegmentStore{root: root, cipher: cipher}, nil
}

// Save 加密并落盘一个分段，返回密文路径、大小和摘要
func (s *SegmentStore) Save(episodeID, segmentID string, mediaType models.MediaType, plaintext []byte) (*StoredBlob, error) {
	sealed, err := s.cipher.Seal(plaintext)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt segment: %w", err)
	}

	dir := filepath.Join(s.root, episodeID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create episode directory: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("%s.%s.enc", segmentID, mediaType))
	if err := os.WriteFile(path, sealed, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write segment file: %w", err)
	}

	digest := sha256.Sum256(sealed)
	return &StoredBlob{
		Path:      path,
		SizeBytes: int64(len(sealed)),
		SHA256:    hex.EncodeToString(digest[:]),
	}, nil
}

// Load 读取并解密一个分段
func (s *SegmentStore) Load(path string) ([]byte, error) {
	sealed, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read segment file: %w", err)
	}
	return s.cipher.Open(sealed)
}
