// Package bank loads the locally bundled test definitions used for demo
// sessions. Definitions are JSON files, one test per file, including the
// answer key, which never leaves the engine host.
package bank

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/civiq/proctor-backend/internal/model"
)

// Bank is an in-memory index of demo test definitions.
type Bank struct {
	log zerolog.Logger

	mu    sync.RWMutex
	tests map[string]*model.TestDefinition
}

// Load reads every *.json definition under dir. Malformed files are logged
// and skipped; a missing directory yields an empty bank (demo mode simply
// has nothing to offer).
func Load(dir string, log zerolog.Logger) (*Bank, error) {
	b := &Bank{
		log:   log.With().Str("component", "test_bank").Logger(),
		tests: make(map[string]*model.TestDefinition),
	}

	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		b.log.Warn().Str("dir", dir).Msg("Demo test directory missing, bank is empty")
		return b, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read test bank dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		def, err := readDefinition(path)
		if err != nil {
			b.log.Error().Err(err).Str("file", entry.Name()).Msg("Skipping malformed test definition")
			continue
		}
		b.tests[def.ID] = def
	}

	b.log.Info().Int("count", len(b.tests)).Msg("Test bank loaded")
	return b, nil
}

func readDefinition(path string) (*model.TestDefinition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var def model.TestDefinition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("parse definition: %w", err)
	}
	if def.ID == "" {
		return nil, fmt.Errorf("definition has no id")
	}
	if len(def.Questions) == 0 {
		return nil, fmt.Errorf("definition %q has no questions", def.ID)
	}
	return &def, nil
}

// Get returns the definition for a test id, or nil when the bank has none.
func (b *Bank) Get(testID string) *model.TestDefinition {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.tests[testID]
}

// Put registers a definition. Used by tests and seed tooling.
func (b *Bank) Put(def *model.TestDefinition) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tests[def.ID] = def
}
