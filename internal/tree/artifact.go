package tree

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/noc-turne/LLM-Light-Testing/internal/chat"
	"github.com/noc-turne/LLM-Light-Testing/internal/config"
)

var nameReplacer = strings.NewReplacer("/", "_", "\\", "_")

// ArtifactName returns the file name for a branch:
// {background}_{t1}_..._{tn}_{extend}_{ts}.txt.
func ArtifactName(background string, topics []string, extendRounds int, at time.Time) string {
	parts := make([]string, 0, len(topics)+3)
	parts = append(parts, nameReplacer.Replace(background))
	for _, t := range topics {
		parts = append(parts, nameReplacer.Replace(t))
	}
	parts = append(parts, strconv.Itoa(extendRounds), at.Format(config.TimestampLayout))
	return strings.Join(parts, "_") + ".txt"
}

func writeArtifact(dir, background string, topics []string, extendRounds int, at time.Time, conv chat.Conversation) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	if err := enc.Encode(conv); err != nil {
		return "", fmt.Errorf("encoding conversation: %w", err)
	}

	path := filepath.Join(dir, ArtifactName(background, topics, extendRounds, at))
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("writing artifact: %w", err)
	}
	return path, nil
}

// ReadArtifact loads a saved branch.
func ReadArtifact(path string) (chat.Conversation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading artifact: %w", err)
	}
	var conv chat.Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, fmt.Errorf("decoding artifact %s: %w", filepath.Base(path), err)
	}
	return conv, nil
}

func mkdirAll(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating save directory: %w", err)
	}
	return nil
}
