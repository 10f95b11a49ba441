package router

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
)

var errDocumentMissing = errors.New("routing document not found")

// loadDocument reads a persisted routing document and the hash of its
// bytes. The caller normalizes and validates.
func loadDocument(path string) (Document, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Document{}, "", errDocumentMissing
		}
		return Document{}, "", fmt.Errorf("read routing document: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, "", fmt.Errorf("parse routing document: %w", err)
	}
	return doc, hashBytes(data), nil
}

// saveDocument writes the document atomically, keeping the previous
// file as path.bak, and returns the hash of the written bytes.
func saveDocument(path string, doc Document) (string, error) {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal routing document: %w", err)
	}
	data = append(data, '\n')

	if prev, err := os.ReadFile(path); err == nil {
		if err := writeFileAtomic(path+".bak", prev); err != nil {
			return "", fmt.Errorf("write routing backup: %w", err)
		}
	}
	if err := writeFileAtomic(path, data); err != nil {
		return "", fmt.Errorf("write routing document: %w", err)
	}
	return hashBytes(data), nil
}

// documentContentHash identifies a document by content, with the
// version counter zeroed so a round-tripped document hashes the same.
func documentContentHash(doc Document) string {
	c := doc.Clone()
	c.Version = 0
	data, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	return hashBytes(data)
}

func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// writeFileAtomic writes via a temp file and rename so readers never
// observe a partial file.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
