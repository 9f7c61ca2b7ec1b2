package images

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/kilnhq/kiln/lib/paths"
)

// writeMetadata writes an image record atomically (tmp file + rename).
func writeMetadata(p *paths.Paths, img *Image) error {
	if err := os.MkdirAll(p.ImageDir(img.ID), 0755); err != nil {
		return fmt.Errorf("create image dir: %w", err)
	}

	data, err := json.MarshalIndent(img, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	metaPath := p.ImageMetadata(img.ID)
	tmp := metaPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	return os.Rename(tmp, metaPath)
}

func readMetadata(p *paths.Paths, id string) (*Image, error) {
	data, err := os.ReadFile(p.ImageMetadata(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read metadata: %w", err)
	}

	var img Image
	if err := json.Unmarshal(data, &img); err != nil {
		return nil, fmt.Errorf("parse metadata: %w", err)
	}
	return &img, nil
}

func listMetadata(p *paths.Paths) ([]*Image, error) {
	entries, err := os.ReadDir(p.ImagesDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read images dir: %w", err)
	}

	var imgs []*Image
	for _, entry := range entries {
		if !entry.IsDir() || entry.Name() == "layout" {
			continue
		}
		img, err := readMetadata(p, entry.Name())
		if err != nil {
			// Skip records with missing or corrupt metadata
			continue
		}
		imgs = append(imgs, img)
	}

	sort.Slice(imgs, func(i, j int) bool { return imgs[i].CreatedAt.Before(imgs[j].CreatedAt) })
	return imgs, nil
}

func imageExists(p *paths.Paths, id string) bool {
	_, err := os.Stat(p.ImageMetadata(id))
	return err == nil
}
