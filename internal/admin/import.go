package admin

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	apperrors "github.com/off-context/off-context/internal/errors"
	"github.com/off-context/off-context/internal/memory"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const importWorkers = 4

// ImportResult summarizes an import run.
type ImportResult struct {
	Files     int      `json:"files"`
	Exchanges int      `json:"exchanges"`
	Imported  int      `json:"imported"`
	Skipped   int      `json:"skipped"`
	Errors    []string `json:"errors,omitempty"`
}

// Import appends the exchanges found in the transcript file or directory at
// path, skipping exchanges already stored. Unreadable files are reported and
// do not abort the run.
func (s *Service) Import(ctx context.Context, root, path string) (*ImportResult, error) {
	b, err := s.project(root)
	if err != nil {
		return nil, err
	}
	files, err := transcriptFiles(path)
	if err != nil {
		return nil, err
	}
	res := &ImportResult{Files: len(files)}

	parsed := make([][]memory.Exchange, len(files))
	failures := make([]error, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(importWorkers)
	for i, f := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			parsed[i], failures[i] = memory.ParseTranscriptFile(f)
			return nil
		})
	}
	if err = g.Wait(); err != nil {
		return nil, err
	}

	redact := b.Project.Config.IsRedactSecrets()
	seen := make(map[string]struct{})
	existing, err := b.Store.ReadAll()
	if err != nil {
		return nil, err
	}
	for _, t := range existing {
		seen[importKey(t, false)] = struct{}{}
	}

	var batch []memory.Turn
	for i, exchanges := range parsed {
		if failures[i] != nil {
			res.Errors = append(res.Errors, failures[i].Error())
			continue
		}
		for _, ex := range exchanges {
			res.Exchanges++
			t := ex.Turn()
			key := importKey(t, redact)
			if _, dup := seen[key]; dup {
				res.Skipped++
				continue
			}
			seen[key] = struct{}{}
			batch = append(batch, t)
		}
	}
	if len(batch) == 0 {
		return res, nil
	}

	stored, err := b.Store.AppendBatch(ctx, batch)
	if err != nil {
		return nil, err
	}
	res.Imported = len(stored)
	if err = b.Engine.Index(ctx, stored[len(stored)-1]); err != nil {
		log.WithError(err).Warn("admin: index update deferred to next query")
	}
	log.WithFields(log.Fields{
		"root":     b.Project.Root,
		"files":    res.Files,
		"imported": res.Imported,
		"skipped":  res.Skipped,
	}).Info("admin: transcripts imported")
	return res, nil
}

func importKey(t memory.Turn, redact bool) string {
	prompt, response := strings.TrimSpace(t.Prompt), strings.TrimSpace(t.Response)
	if redact {
		prompt, response = memory.RedactText(prompt), memory.RedactText(response)
	}
	return prompt + "\x00" + response
}

// transcriptFiles lists the .jsonl and .json files at path, sorted.
func transcriptFiles(path string) ([]string, error) {
	if strings.TrimSpace(path) == "" {
		return nil, apperrors.InvalidRequest("import path is empty")
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, apperrors.InvalidRequest(fmt.Sprintf("import path %s: %v", path, err))
	}
	if !info.IsDir() {
		return []string{path}, nil
	}
	var files []string
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, errWalk error) error {
		if errWalk != nil {
			return errWalk
		}
		if d.IsDir() {
			if p != path && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		switch strings.ToLower(filepath.Ext(p)) {
		case ".jsonl", ".json":
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, apperrors.IOFailure("scan import path", err)
	}
	sort.Strings(files)
	return files, nil
}
