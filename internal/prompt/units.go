package prompt

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/noc-turne/LLM-Light-Testing/internal/chat"
)

// ListUnits returns the names of the regular files directly under dir,
// sorted. Hidden files are skipped.
func ListUnits(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("listing units: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// FileSource loads each unit as its own prompt file under Dir.
type FileSource struct {
	Dir string
}

func (s FileSource) Load(unit string) (chat.Conversation, error) {
	return Load(filepath.Join(s.Dir, unit), FormatText)
}

// ImageSource pairs one shared prompt with each image unit under Dir. The
// image is attached to the first message as a file:// image_url part.
type ImageSource struct {
	Dir    string
	Prompt chat.Conversation
}

// NewImageSource loads the shared prompt from promptFile.
func NewImageSource(dir, promptFile string) (*ImageSource, error) {
	conv, err := Load(promptFile, FormatMultimodal)
	if err != nil {
		return nil, err
	}
	return &ImageSource{Dir: dir, Prompt: conv}, nil
}

func (s *ImageSource) Load(unit string) (chat.Conversation, error) {
	abs, err := filepath.Abs(filepath.Join(s.Dir, unit))
	if err != nil {
		return nil, fmt.Errorf("resolving image path: %w", err)
	}
	if _, err := os.Stat(abs); err != nil {
		return nil, fmt.Errorf("image %s: %w", unit, err)
	}
	conv := toMultimodal(s.Prompt.Clone())
	if len(conv) == 0 {
		return nil, fmt.Errorf("shared prompt is empty")
	}
	conv[0].Content.Parts = append(conv[0].Content.Parts, chat.ImagePart("file://"+abs))
	return conv, nil
}
