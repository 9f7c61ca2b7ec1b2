package bakes

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/samber/lo"

	"github.com/kilnhq/kiln/lib/paths"
)

// writeMetadata writes a bake record atomically (tmp file + rename).
func writeMetadata(p *paths.Paths, meta *bakeMetadata) error {
	if err := os.MkdirAll(p.BakeDir(meta.ID), 0755); err != nil {
		return fmt.Errorf("create bake dir: %w", err)
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	metaPath := p.BakeMetadata(meta.ID)
	tmp := metaPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	return os.Rename(tmp, metaPath)
}

func readMetadata(p *paths.Paths, id string) (*bakeMetadata, error) {
	data, err := os.ReadFile(p.BakeMetadata(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read metadata: %w", err)
	}

	var meta bakeMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parse metadata: %w", err)
	}
	return &meta, nil
}

func listAllBakes(p *paths.Paths) ([]*bakeMetadata, error) {
	entries, err := os.ReadDir(p.BakesDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read bakes dir: %w", err)
	}

	var metas []*bakeMetadata
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		meta, err := readMetadata(p, entry.Name())
		if err != nil {
			continue
		}
		metas = append(metas, meta)
	}

	sort.Slice(metas, func(i, j int) bool { return metas[i].CreatedAt.Before(metas[j].CreatedAt) })
	return metas, nil
}

func listPendingBakes(p *paths.Paths) ([]*bakeMetadata, error) {
	all, err := listAllBakes(p)
	if err != nil {
		return nil, err
	}
	return lo.Filter(all, func(meta *bakeMetadata, _ int) bool {
		return !isTerminalStatus(meta.Status)
	}), nil
}

func readLog(p *paths.Paths, id string) ([]byte, error) {
	data, err := os.ReadFile(p.BakeLog(id))
	if err != nil {
		if os.IsNotExist(err) {
			return []byte{}, nil
		}
		return nil, fmt.Errorf("read bake log: %w", err)
	}
	return data, nil
}
