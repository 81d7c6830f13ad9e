package siibra

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// page is the fastapi-pagination envelope used by list endpoints.
type page[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
	Page  int `json:"page"`
	Size  int `json:"size"`
	Pages int `json:"pages"`
}

type ref struct {
	ID string `json:"@id"`
}

type atlasDTO struct {
	ID            string `json:"@id"`
	Name          string `json:"name"`
	Parcellations []ref  `json:"parcellations"`
}

type parcellationDTO struct {
	ID   string `json:"@id"`
	Name string `json:"name"`
}

type spaceDTO struct {
	ID   string `json:"@id"`
	Name string `json:"name"`
}

type mapDTO struct {
	ID      string         `json:"@id"`
	Name    string         `json:"name"`
	Indices orderedIndices `json:"indices"`
	Volumes []volumeDTO    `json:"volumes"`
}

type volumeDTO struct {
	ID              string                     `json:"@id"`
	Name            string                     `json:"name"`
	ProvidedVolumes map[string]json.RawMessage `json:"provided_volumes"`
}

type indexDTO struct {
	Volume   *int    `json:"volume"`
	Label    *int    `json:"label"`
	Fragment *string `json:"fragment"`
}

type regionIndices struct {
	Region  string
	Entries []indexDTO
}

// orderedIndices is the region -> indices object, kept in document order so
// labels and regions come out the same on every run.
type orderedIndices []regionIndices

func (o *orderedIndices) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*o = nil
		return nil
	}
	var out orderedIndices
	err := decodeObject(data, func(key string, raw json.RawMessage) error {
		var entries []indexDTO
		if err := json.Unmarshal(raw, &entries); err != nil {
			return fmt.Errorf("indices of %q: %w", key, err)
		}
		out = append(out, regionIndices{Region: key, Entries: entries})
		return nil
	})
	if err != nil {
		return err
	}
	*o = out
	return nil
}

// decodeObject calls fn for every member of a JSON object in document order.
func decodeObject(data []byte, fn func(key string, raw json.RawMessage) error) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("expected JSON object, got %v", tok)
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("expected object key, got %v", tok)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return err
		}
		if err := fn(key, raw); err != nil {
			return err
		}
	}
	_, err = dec.Token()
	return err
}

// flatEntry is one fetchable NIfTI after fragments were split out. An empty
// url marks a volume the service cannot provide as NIfTI.
type flatEntry struct {
	name     string
	url      string
	fragment string
}

type flatTarget struct {
	volume   int
	fragment string
}

// flatVolumes maps service volumes (possibly fragmented) onto a flat list.
type flatVolumes struct {
	entries   []flatEntry
	start     []int            // service volume -> first flat index
	fragments []map[string]int // service volume -> fragment -> flat index
	order     [][]string       // service volume -> fragment names in order
}

func flatten(volumes []volumeDTO) (*flatVolumes, error) {
	f := &flatVolumes{
		start:     make([]int, len(volumes)),
		fragments: make([]map[string]int, len(volumes)),
		order:     make([][]string, len(volumes)),
	}
	for i, v := range volumes {
		f.start[i] = len(f.entries)
		raw, ok := v.ProvidedVolumes["nii"]
		trimmed := bytes.TrimSpace(raw)
		if !ok || len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
			f.entries = append(f.entries, flatEntry{name: v.Name})
			continue
		}

		switch trimmed[0] {
		case '"':
			var u string
			if err := json.Unmarshal(trimmed, &u); err != nil {
				return nil, fmt.Errorf("volume %d: %w", i, err)
			}
			f.entries = append(f.entries, flatEntry{name: v.Name, url: u})
		case '{':
			f.fragments[i] = make(map[string]int)
			err := decodeObject(trimmed, func(fragment string, raw json.RawMessage) error {
				var u string
				if err := json.Unmarshal(raw, &u); err != nil {
					return fmt.Errorf("fragment %q: %w", fragment, err)
				}
				f.fragments[i][fragment] = len(f.entries)
				f.order[i] = append(f.order[i], fragment)
				f.entries = append(f.entries, flatEntry{name: v.Name, url: u, fragment: fragment})
				return nil
			})
			if err != nil {
				return nil, fmt.Errorf("volume %d: %w", i, err)
			}
			if len(f.order[i]) == 0 {
				f.entries = append(f.entries, flatEntry{name: v.Name})
			}
		default:
			return nil, fmt.Errorf("volume %d: unexpected nii provider %s", i, trimmed)
		}
	}
	return f, nil
}

// resolve maps a service index onto flat volumes. An index without a
// fragment on a fragmented volume applies to every fragment.
func (f *flatVolumes) resolve(e indexDTO) ([]flatTarget, error) {
	v := 0
	if e.Volume != nil {
		v = *e.Volume
	}
	if v < 0 || v >= len(f.start) {
		return nil, fmt.Errorf("volume %d out of range (%d volumes)", v, len(f.start))
	}

	if len(f.order[v]) == 0 {
		return []flatTarget{{volume: f.start[v]}}, nil
	}
	if e.Fragment != nil && *e.Fragment != "" {
		idx, ok := f.fragments[v][*e.Fragment]
		if !ok {
			return nil, fmt.Errorf("volume %d has no fragment %q", v, *e.Fragment)
		}
		return []flatTarget{{volume: idx, fragment: *e.Fragment}}, nil
	}
	targets := make([]flatTarget, 0, len(f.order[v]))
	for _, frag := range f.order[v] {
		targets = append(targets, flatTarget{volume: f.fragments[v][frag], fragment: frag})
	}
	return targets, nil
}
